package store

import (
	"bytes"
	"context"
	"fmt"
	"strconv"

	roaring "github.com/RoaringBitmap/roaring/v2"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Collection identifies a JMAP object type within an account, the way
// original_source/components/store/src/raft.rs's single-byte Collection
// tag does.
type Collection uint8

const (
	CollectionMail Collection = iota + 1
	CollectionMailbox
	CollectionThread
	CollectionIdentity
	// CollectionRaft is not a JMAP object type; it namespaces a
	// follower's own Raft-replay bookkeeping (internal/raftreplay) so it
	// shares the document/record machinery without colliding with any
	// account's real collections.
	CollectionRaft
)

func (c Collection) String() string {
	switch c {
	case CollectionMail:
		return "mail"
	case CollectionMailbox:
		return "mailbox"
	case CollectionThread:
		return "thread"
	case CollectionIdentity:
		return "identity"
	case CollectionRaft:
		return "raft"
	default:
		return fmt.Sprintf("collection(%d)", uint8(c))
	}
}

// DocumentID is a per-(account, collection) document identifier, reused
// after its owning document is tombstoned and purged.
type DocumentID uint32

func collectionPK(accountID string, collection Collection) string {
	return "ACCOUNT#" + accountID + "#COLLECTION#" + collection.String()
}

const (
	skDocCounter = "DOCCOUNTER"
	skDocFreeIDs = "DOCFREE"
	attrCounter  = "counter"
	attrBitmap   = "bitmap"
)

// AllocateDocumentID returns an unused document id for (accountID,
// collection), preferring to reuse an id freed by a prior FreeDocumentID
// call before handing out a new one. This mirrors
// PendingChanges::deserialize in raft.rs, which un-deletes a document id
// ("IDs can be reused") rather than always incrementing a counter.
func (s *Store) AllocateDocumentID(ctx context.Context, accountID string, collection Collection) (DocumentID, error) {
	pk := collectionPK(accountID, collection)

	free, err := s.loadBitmap(ctx, pk, skDocFreeIDs)
	if err != nil {
		return 0, err
	}
	if !free.IsEmpty() {
		id := free.Minimum()
		free.Remove(id)
		if err := s.storeBitmap(ctx, pk, skDocFreeIDs, free); err != nil {
			return 0, err
		}
		return DocumentID(id), nil
	}

	item, err := s.Get(ctx, pk, skDocCounter)
	var next uint64
	if err == nil {
		if v, ok := item.Attrs[attrCounter].(*types.AttributeValueMemberN); ok {
			n, perr := strconv.ParseUint(v.Value, 10, 64)
			if perr == nil {
				next = n
			}
		}
	} else if err != ErrNotFound {
		return 0, err
	}

	if err := s.Put(ctx, pk, skDocCounter, map[string]types.AttributeValue{
		attrCounter: &types.AttributeValueMemberN{Value: strconv.FormatUint(next+1, 10)},
	}); err != nil {
		return 0, err
	}
	return DocumentID(next), nil
}

// FreeDocumentID returns a document id to the free pool so a later
// AllocateDocumentID call can reuse it. Callers free the id right after
// DeleteRecord removes the document's record.
func (s *Store) FreeDocumentID(ctx context.Context, accountID string, collection Collection, id DocumentID) error {
	pk := collectionPK(accountID, collection)
	free, err := s.loadBitmap(ctx, pk, skDocFreeIDs)
	if err != nil {
		return err
	}
	free.Add(uint32(id))
	return s.storeBitmap(ctx, pk, skDocFreeIDs, free)
}

func recordSK(id DocumentID) string {
	return fmt.Sprintf("DOC#%010d", uint32(id))
}

// PutRecord stores arbitrary per-document attributes (e.g. mail ingest's
// metadata projection) alongside the tag bitmaps that index it, so a
// document's full record and its queryable tags share one partition.
func (s *Store) PutRecord(ctx context.Context, accountID string, collection Collection, id DocumentID, attrs map[string]types.AttributeValue) error {
	return s.Put(ctx, collectionPK(accountID, collection), recordSK(id), attrs)
}

// GetRecord fetches the per-document record written by PutRecord.
func (s *Store) GetRecord(ctx context.Context, accountID string, collection Collection, id DocumentID) (Item, error) {
	return s.Get(ctx, collectionPK(accountID, collection), recordSK(id))
}

// DeleteRecord removes a document's record, called when the document is
// destroyed.
func (s *Store) DeleteRecord(ctx context.Context, accountID string, collection Collection, id DocumentID) error {
	return s.Delete(ctx, collectionPK(accountID, collection), recordSK(id))
}

const recordPrefix = "DOC#"

// ListRecords returns every per-document record in (accountID, collection),
// for callers (mailbox listing) that need every document rather than one
// looked up by id. Tag bitmaps live under their own "TAG#" sort keys in the
// same partition, so the "DOC#" prefix query never sees them.
func (s *Store) ListRecords(ctx context.Context, accountID string, collection Collection, limit int32) ([]Item, error) {
	return s.QueryRange(ctx, collectionPK(accountID, collection), recordPrefix, "", Forward, limit)
}

// ParseRecordSK recovers the DocumentID encoded in a record's sort key by
// ListRecords or GetRecord, the inverse of recordSK.
func ParseRecordSK(sk string) (DocumentID, bool) {
	var n uint32
	if _, err := fmt.Sscanf(sk, recordPrefix+"%010d", &n); err != nil {
		return 0, false
	}
	return DocumentID(n), true
}

// tagSK builds the sort key for a named tag's bitmap within a
// collection, e.g. mailbox membership or keyword sets.
func tagSK(tagName, value string) string {
	return "TAG#" + tagName + "#" + value
}

// AddToTag inserts id into the bitmap identified by (tagName, value)
// within (accountID, collection) — used for mailbox membership,
// keywords, thread membership, and the has-attachment flag.
func (s *Store) AddToTag(ctx context.Context, accountID string, collection Collection, tagName, value string, id DocumentID) error {
	return s.mutateTag(ctx, accountID, collection, tagName, value, func(b *roaring.Bitmap) { b.Add(uint32(id)) })
}

// RemoveFromTag removes id from the bitmap identified by (tagName,
// value).
func (s *Store) RemoveFromTag(ctx context.Context, accountID string, collection Collection, tagName, value string, id DocumentID) error {
	return s.mutateTag(ctx, accountID, collection, tagName, value, func(b *roaring.Bitmap) { b.Remove(uint32(id)) })
}

// Tagged returns the set of document ids carrying (tagName, value).
func (s *Store) Tagged(ctx context.Context, accountID string, collection Collection, tagName, value string) (*roaring.Bitmap, error) {
	return s.loadBitmap(ctx, collectionPK(accountID, collection), tagSK(tagName, value))
}

func (s *Store) mutateTag(ctx context.Context, accountID string, collection Collection, tagName, value string, mutate func(*roaring.Bitmap)) error {
	pk := collectionPK(accountID, collection)
	sk := tagSK(tagName, value)
	bm, err := s.loadBitmap(ctx, pk, sk)
	if err != nil {
		return err
	}
	mutate(bm)
	return s.storeBitmap(ctx, pk, sk, bm)
}

func (s *Store) loadBitmap(ctx context.Context, pk, sk string) (*roaring.Bitmap, error) {
	item, err := s.Get(ctx, pk, sk)
	if err == ErrNotFound {
		return roaring.New(), nil
	}
	if err != nil {
		return nil, err
	}
	v, ok := item.Attrs[attrBitmap].(*types.AttributeValueMemberB)
	if !ok || len(v.Value) == 0 {
		return roaring.New(), nil
	}
	bm := roaring.New()
	if _, err := bm.ReadFrom(bytes.NewReader(v.Value)); err != nil {
		return nil, fmt.Errorf("store: decode bitmap %s/%s: %w", pk, sk, err)
	}
	return bm, nil
}

func (s *Store) storeBitmap(ctx context.Context, pk, sk string, bm *roaring.Bitmap) error {
	if bm.IsEmpty() {
		return s.Delete(ctx, pk, sk)
	}
	var buf bytes.Buffer
	if _, err := bm.WriteTo(&buf); err != nil {
		return fmt.Errorf("store: encode bitmap %s/%s: %w", pk, sk, err)
	}
	return s.Put(ctx, pk, sk, map[string]types.AttributeValue{
		attrBitmap: &types.AttributeValueMemberB{Value: buf.Bytes()},
	})
}

// BitmapTransactItem returns a TransactWriteItem that stores bm for
// (accountID, collection, tagName, value), for callers that need to fold
// a tag update into a larger atomic batch rather than issuing its own
// write.
func BitmapTransactItem(tableName, accountID string, collection Collection, tagName, value string, bm *roaring.Bitmap) (types.TransactWriteItem, error) {
	pk := collectionPK(accountID, collection)
	sk := tagSK(tagName, value)
	var buf bytes.Buffer
	if _, err := bm.WriteTo(&buf); err != nil {
		return types.TransactWriteItem{}, err
	}
	return types.TransactWriteItem{
		Put: &types.Put{
			TableName: aws.String(tableName),
			Item: map[string]types.AttributeValue{
				AttrPK:     &types.AttributeValueMemberS{Value: pk},
				AttrSK:     &types.AttributeValueMemberS{Value: sk},
				attrBitmap: &types.AttributeValueMemberB{Value: buf.Bytes()},
			},
		},
	}, nil
}
