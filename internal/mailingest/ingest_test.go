package mailingest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/mailstore/jmapcore/internal/blob"
	"github.com/mailstore/jmapcore/internal/changelog"
	"github.com/mailstore/jmapcore/internal/store"
)

type fakeS3 struct {
	objects map[string][]byte
}

func newFakeS3() *fakeS3 { return &fakeS3{objects: map[string][]byte{}} }

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, _ := io.ReadAll(in.Body)
	f.objects[*in.Key] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := f.objects[*in.Key]
	if !ok {
		return nil, blob.ErrBlobNotFound
	}
	if in.Range != nil {
		var start, end int
		if _, err := fmt.Sscanf(*in.Range, "bytes=%d-%d", &start, &end); err == nil {
			if end >= len(data) {
				end = len(data) - 1
			}
			if start <= end {
				data = data[start : end+1]
			}
		}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	delete(f.objects, *in.Key)
	return &s3.DeleteObjectOutput{}, nil
}

type fakeDynamo struct {
	items map[string]map[string]types.AttributeValue
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{items: map[string]map[string]types.AttributeValue{}}
}

func dkey(pk, sk string) string { return pk + "\x00" + sk }

func attrString(attrs map[string]types.AttributeValue, name string) string {
	if v, ok := attrs[name].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	return &dynamodb.GetItemOutput{Item: f.items[dkey(attrString(in.Key, store.AttrPK), attrString(in.Key, store.AttrSK))]}, nil
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	k := dkey(attrString(in.Item, store.AttrPK), attrString(in.Item, store.AttrSK))
	if in.ConditionExpression != nil {
		if _, exists := f.items[k]; exists {
			return nil, &types.ConditionalCheckFailedException{}
		}
	}
	f.items[k] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	delete(f.items, dkey(attrString(in.Key, store.AttrPK), attrString(in.Key, store.AttrSK)))
	return &dynamodb.DeleteItemOutput{}, nil
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	return &dynamodb.QueryOutput{}, nil
}

func (f *fakeDynamo) TransactWriteItems(_ context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	for _, item := range in.TransactItems {
		if item.Put == nil {
			continue
		}
		k := dkey(attrString(item.Put.Item, store.AttrPK), attrString(item.Put.Item, store.AttrSK))
		if item.Put.ConditionExpression != nil {
			if _, exists := f.items[k]; exists {
				return nil, &types.TransactionCanceledException{
					CancellationReasons: []types.CancellationReason{{Code: stringPtr("ConditionalCheckFailed")}},
				}
			}
		}
		f.items[k] = item.Put.Item
	}
	return &dynamodb.TransactWriteItemsOutput{}, nil
}

func stringPtr(s string) *string { return &s }

const rawMessage = "From: alice@example.com\r\n" +
	"To: bob@example.com\r\n" +
	"Subject: Hello\r\n" +
	"Content-Type: text/plain\r\n" +
	"Content-Transfer-Encoding: 7bit\r\n" +
	"\r\n" +
	"Hi Bob, this is the body.\r\n"

func TestIngestAllocatesDocumentTagsAndAppendsChange(t *testing.T) {
	ctx := context.Background()
	docs := store.New(newFakeDynamo(), "t")
	blobs := blob.NewStore(newFakeS3(), "bucket", docs)
	log := changelog.New(docs)
	p := New(blobs, docs, log)

	result, err := p.Ingest(ctx, Request{
		AccountID:  "acct1",
		Raw:        []byte(rawMessage),
		MailboxIDs: []string{"inbox"},
		Keywords:   []string{"$seen"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if result.Parsed.Subject != "Hello" {
		t.Fatalf("got subject %q", result.Parsed.Subject)
	}
	if result.ChangeID != 1 {
		t.Fatalf("got change id %d, want 1", result.ChangeID)
	}

	bm, err := docs.Tagged(ctx, "acct1", store.CollectionMail, tagMailbox, "inbox")
	if err != nil {
		t.Fatal(err)
	}
	if !bm.Contains(uint32(result.DocumentID)) {
		t.Fatal("expected document to be tagged with inbox mailbox")
	}

	bm, err = docs.Tagged(ctx, "acct1", store.CollectionMail, tagKeyword, "$seen")
	if err != nil {
		t.Fatal(err)
	}
	if !bm.Contains(uint32(result.DocumentID)) {
		t.Fatal("expected document to be tagged with $seen keyword")
	}

	changes, ids, err := log.Since(ctx, "acct1", store.CollectionMail, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(changes) != 1 || ids[0] != result.ChangeID {
		t.Fatalf("got %v, %v", changes, ids)
	}
	if len(changes[0].Inserts) != 1 || changes[0].Inserts[0].Document != result.DocumentID {
		t.Fatalf("got %+v", changes[0])
	}
}

func TestIngestRejectsInvalidKeyword(t *testing.T) {
	ctx := context.Background()
	docs := store.New(newFakeDynamo(), "t")
	blobs := blob.NewStore(newFakeS3(), "bucket", docs)
	log := changelog.New(docs)
	p := New(blobs, docs, log)

	_, err := p.Ingest(ctx, Request{
		AccountID:  "acct1",
		Raw:        []byte(rawMessage),
		MailboxIDs: []string{"inbox"},
		Keywords:   []string{"has space"},
	})
	if err == nil {
		t.Fatal("expected error for invalid keyword")
	}
}

func TestIngestRequiresMailbox(t *testing.T) {
	ctx := context.Background()
	docs := store.New(newFakeDynamo(), "t")
	blobs := blob.NewStore(newFakeS3(), "bucket", docs)
	log := changelog.New(docs)
	p := New(blobs, docs, log)

	_, err := p.Ingest(ctx, Request{AccountID: "acct1", Raw: []byte(rawMessage)})
	if err == nil {
		t.Fatal("expected error when no mailbox is given")
	}
}
