package raftlog

import (
	"context"
	"sort"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/mailstore/jmapcore/internal/changelog"
	"github.com/mailstore/jmapcore/internal/store"
)

type fakeClient struct {
	items map[string]map[string]types.AttributeValue
}

func newFakeClient() *fakeClient {
	return &fakeClient{items: map[string]map[string]types.AttributeValue{}}
}

func key(pk, sk string) string { return pk + "\x00" + sk }

func attrString(attrs map[string]types.AttributeValue, name string) string {
	if v, ok := attrs[name].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

func (f *fakeClient) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	k := key(attrString(in.Key, store.AttrPK), attrString(in.Key, store.AttrSK))
	return &dynamodb.GetItemOutput{Item: f.items[k]}, nil
}

func (f *fakeClient) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	k := key(attrString(in.Item, store.AttrPK), attrString(in.Item, store.AttrSK))
	if in.ConditionExpression != nil {
		if _, exists := f.items[k]; exists {
			return nil, &types.ConditionalCheckFailedException{}
		}
	}
	f.items[k] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeClient) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	k := key(attrString(in.Key, store.AttrPK), attrString(in.Key, store.AttrSK))
	delete(f.items, k)
	return &dynamodb.DeleteItemOutput{}, nil
}

func (f *fakeClient) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	pk := attrString(in.ExpressionAttributeValues, ":pk")
	prefix := attrString(in.ExpressionAttributeValues, ":from")
	var out []map[string]types.AttributeValue
	for _, item := range f.items {
		if attrString(item, store.AttrPK) != pk {
			continue
		}
		if prefix != "" && len(attrString(item, store.AttrSK)) >= len(prefix) && attrString(item, store.AttrSK)[:len(prefix)] != prefix {
			continue
		}
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool {
		return attrString(out[i], store.AttrSK) < attrString(out[j], store.AttrSK)
	})
	if in.ScanIndexForward != nil && !*in.ScanIndexForward && len(out) > 1 {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	if in.Limit != nil && int32(len(out)) > *in.Limit {
		out = out[:*in.Limit]
	}
	return &dynamodb.QueryOutput{Items: out}, nil
}

func (f *fakeClient) TransactWriteItems(_ context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	for _, item := range in.TransactItems {
		if item.Put != nil {
			k := key(attrString(item.Put.Item, store.AttrPK), attrString(item.Put.Item, store.AttrSK))
			f.items[k] = item.Put.Item
		}
	}
	return &dynamodb.TransactWriteItemsOutput{}, nil
}

func TestAppendAssignsIncreasingIndexes(t *testing.T) {
	s := store.New(newFakeClient(), "t")
	l := New(s)
	ctx := context.Background()

	id1, err := l.Append(ctx, 1, "acct1", []Change{{ChangeID: 1, Collection: store.CollectionMail}})
	if err != nil {
		t.Fatal(err)
	}
	id2, err := l.Append(ctx, 1, "acct1", []Change{{ChangeID: 2, Collection: store.CollectionMail}})
	if err != nil {
		t.Fatal(err)
	}
	if id1.Index != 1 || id2.Index != 2 {
		t.Fatalf("got %+v, %+v", id1, id2)
	}
}

func TestEntriesReturnsInOrderAfterFromID(t *testing.T) {
	s := store.New(newFakeClient(), "t")
	l := New(s)
	ctx := context.Background()

	id1, _ := l.Append(ctx, 1, "acct1", []Change{{ChangeID: 1, Collection: store.CollectionMail}})
	_, _ = l.Append(ctx, 1, "acct1", []Change{{ChangeID: 2, Collection: store.CollectionMailbox}})

	entries, err := l.Entries(ctx, id1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	if entries[0].Changes[0].ChangeID != changelog.ChangeID(2) {
		t.Fatalf("got %+v", entries[0])
	}
}

func TestEntriesFromNoneReturnsAll(t *testing.T) {
	s := store.New(newFakeClient(), "t")
	l := New(s)
	ctx := context.Background()

	_, _ = l.Append(ctx, 1, "acct1", []Change{{ChangeID: 1, Collection: store.CollectionMail}})
	_, _ = l.Append(ctx, 1, "acct1", []Change{{ChangeID: 2, Collection: store.CollectionMail}})

	entries, err := l.Entries(ctx, None, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
}
