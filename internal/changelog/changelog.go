// Package changelog implements the append-only per-(account, collection)
// change log: a strictly increasing ChangeId sequence where each change
// record names the documents inserted, updated, child-updated, and
// deleted since the previous ChangeId, varint-encoded the way
// original_source/components/store/src/raft.rs's Entry/PendingChanges
// types are.
package changelog

import (
	"context"
	"fmt"
	"strconv"

	roaring "github.com/RoaringBitmap/roaring/v2"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/mailstore/jmapcore/internal/store"
	"github.com/mailstore/jmapcore/internal/varint"
)

func awsTableName(s *store.Store) *string {
	return aws.String(s.TableName())
}

func conditionAttrNotExists() *string {
	return aws.String("attribute_not_exists(" + store.AttrPK + ")")
}

// ChangeID is a strictly increasing per-(account, collection) sequence
// number, the delta-sync cursor JMAP's Foo/changes methods page over.
type ChangeID uint64

// ItemID packs a prefix (e.g. a thread id, for messages that can be
// reassigned between threads) and a document id into the single
// identifier the change log tracks, mirroring JMAPId's
// get_document_id()/get_prefix_id() split in the original Rust source.
type ItemID struct {
	Prefix   uint32
	Document store.DocumentID
}

func (id ItemID) encode(dst []byte) []byte {
	dst = varint.AppendUint32(dst, id.Prefix)
	return varint.AppendUint32(dst, uint32(id.Document))
}

func decodeItemID(r *varint.Reader) (ItemID, bool) {
	prefix, ok := r.Uint32()
	if !ok {
		return ItemID{}, false
	}
	doc, ok := r.Uint32()
	if !ok {
		return ItemID{}, false
	}
	return ItemID{Prefix: prefix, Document: store.DocumentID(doc)}, true
}

// RawChange is one change record's payload before it is folded into a
// PendingChanges summary: the raw insert/update/child-update/delete id
// lists exactly as they were appended.
type RawChange struct {
	Inserts      []ItemID
	Updates      []ItemID
	ChildUpdates []ItemID
	Deletes      []ItemID
}

// Encode serializes a RawChange the way Entry::serialize in raft.rs
// serializes a batch of Change records: counts first, then each id list
// in turn.
func (c RawChange) Encode() []byte {
	var buf []byte
	buf = varint.AppendUint64(buf, uint64(len(c.Inserts)))
	buf = varint.AppendUint64(buf, uint64(len(c.Updates)))
	buf = varint.AppendUint64(buf, uint64(len(c.ChildUpdates)))
	buf = varint.AppendUint64(buf, uint64(len(c.Deletes)))
	for _, id := range c.Inserts {
		buf = id.encode(buf)
	}
	for _, id := range c.Updates {
		buf = id.encode(buf)
	}
	for _, id := range c.ChildUpdates {
		buf = id.encode(buf)
	}
	for _, id := range c.Deletes {
		buf = id.encode(buf)
	}
	return buf
}

// DecodeRawChange is the inverse of Encode.
func DecodeRawChange(data []byte) (RawChange, bool) {
	r := varint.NewReader(data)
	nInserts, ok := r.Uint64()
	if !ok {
		return RawChange{}, false
	}
	nUpdates, ok := r.Uint64()
	if !ok {
		return RawChange{}, false
	}
	nChildUpdates, ok := r.Uint64()
	if !ok {
		return RawChange{}, false
	}
	nDeletes, ok := r.Uint64()
	if !ok {
		return RawChange{}, false
	}

	readIDs := func(n uint64) ([]ItemID, bool) {
		ids := make([]ItemID, 0, n)
		for i := uint64(0); i < n; i++ {
			id, ok := decodeItemID(r)
			if !ok {
				return nil, false
			}
			ids = append(ids, id)
		}
		return ids, true
	}

	inserts, ok := readIDs(nInserts)
	if !ok {
		return RawChange{}, false
	}
	updates, ok := readIDs(nUpdates)
	if !ok {
		return RawChange{}, false
	}
	childUpdates, ok := readIDs(nChildUpdates)
	if !ok {
		return RawChange{}, false
	}
	deletes, ok := readIDs(nDeletes)
	if !ok {
		return RawChange{}, false
	}

	return RawChange{Inserts: inserts, Updates: updates, ChildUpdates: childUpdates, Deletes: deletes}, true
}

// PendingChanges accumulates a run of RawChange records into the
// coalesced insert/update/delete sets a JMAP Foo/changes response
// returns, applying the same normalization rules as
// PendingChanges::deserialize in raft.rs:
//
//   - a document inserted and later updated within the window is still
//     reported only as inserted;
//   - a document deleted within the window, after being inserted within
//     the same window, is dropped from both sets (it never existed as
//     far as the client polling this range is concerned);
//   - a document deleted with a different Prefix than its pending insert
//     (e.g. reassigned to a different thread) is reported as updated,
//     not deleted — the identity survives, only its place changed;
//   - a document id freed by a genuine delete can be reused by a later
//     insert in the same window; the insert wins.
type PendingChanges struct {
	Inserts    *roaring.Bitmap
	Updates    *roaring.Bitmap
	Deletes    *roaring.Bitmap
	Tombstones *roaring.Bitmap
	ChangeIDs  []ChangeID
}

// NewPendingChanges returns an empty accumulator.
func NewPendingChanges() *PendingChanges {
	return &PendingChanges{
		Inserts:    roaring.New(),
		Updates:    roaring.New(),
		Deletes:    roaring.New(),
		Tombstones: roaring.New(),
	}
}

// IsEmpty reports whether no changes have been folded in.
func (p *PendingChanges) IsEmpty() bool {
	return p.Inserts.IsEmpty() && p.Updates.IsEmpty() && p.Deletes.IsEmpty() && p.Tombstones.IsEmpty()
}

// Fold merges one change record's effect into the accumulator.
// pastTombstones is the current set of tombstoned (soft-deleted but not
// yet purged) document ids, used to decide whether a delete should also
// be recorded as a tombstone addition.
func (p *PendingChanges) Fold(changeID ChangeID, change RawChange, pastTombstones *roaring.Bitmap) {
	insertedIDs := append([]ItemID(nil), change.Inserts...)

	for _, id := range change.Updates {
		doc := uint32(id.Document)
		if !p.Inserts.Contains(doc) {
			p.Updates.Add(doc)
		}
	}
	// Child updates (e.g. a mailbox's unread count changed because a
	// child message changed) do not themselves move a document between
	// insert/update/delete state and are not represented in the
	// coalesced bitmaps, matching raft.rs's behavior of skipping them
	// once past the per-entry wire format.

	for _, deleted := range change.Deletes {
		doc := uint32(deleted.Document)

		reassigned := -1
		for i, ins := range insertedIDs {
			if uint32(ins.Document) == doc && ins.Prefix != deleted.Prefix {
				reassigned = i
				break
			}
		}
		if reassigned >= 0 {
			insertedIDs = append(insertedIDs[:reassigned], insertedIDs[reassigned+1:]...)
			if !p.Inserts.Contains(doc) {
				p.Updates.Add(doc)
			}
			continue
		}

		if p.Inserts.Contains(doc) {
			// Inserted and deleted within the same window: the document
			// never existed as far as a client polling this range is
			// concerned, so it is dropped from both Inserts and Deletes.
			// It can still be the delete that produced a tombstone (e.g.
			// a purge racing the insert), so the tombstone check happens
			// here rather than in the plain-delete branch below,
			// matching PendingChanges::deserialize in raft.rs.
			p.Inserts.Remove(doc)
			if pastTombstones != nil && pastTombstones.Contains(doc) {
				p.Tombstones.Add(doc)
			}
		} else {
			p.Deletes.Add(doc)
		}
		p.Updates.Remove(doc)
	}

	for _, id := range insertedIDs {
		doc := uint32(id.Document)
		p.Inserts.Add(doc)
		p.Deletes.Remove(doc)
	}

	p.ChangeIDs = append(p.ChangeIDs, changeID)
}

const (
	prefixChange  = "CHANGE#"
	counterSuffix = "#COUNTER"
	attrRawChange = "raw"
	attrCounter   = "value"
)

func accountPK(accountID string) string {
	return "ACCOUNT#" + accountID
}

func changeSK(collection store.Collection, id ChangeID) string {
	return fmt.Sprintf("%s%s#%020d", prefixChange, collection, uint64(id))
}

func counterSK(collection store.Collection) string {
	return prefixChange + collection.String() + counterSuffix
}

// Log appends to and reads from the change log for one DynamoDB table.
type Log struct {
	store *store.Store
}

// New returns a change Log backed by s.
func New(s *store.Store) *Log {
	return &Log{store: s}
}

func parseCounter(item store.Item) uint64 {
	v, ok := item.Attrs[attrCounter].(*types.AttributeValueMemberN)
	if !ok {
		return 0
	}
	n, err := strconv.ParseUint(v.Value, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// Append writes one change record for (accountID, collection) at the
// next ChangeID and returns the allocated id. The counter increment and
// the change record write happen in a single DynamoDB transaction, the
// same optimistic-concurrency shape as the teacher's
// state.Repository.IncrementStateAndLogChange: read the current counter,
// compute the next id, and submit a put of the new counter value plus a
// conditional-create-record transaction; a lost race comes back as
// store.ErrConflict and Append retries from a fresh counter read.
func (l *Log) Append(ctx context.Context, accountID string, collection store.Collection, change RawChange) (ChangeID, error) {
	pk := accountPK(accountID)
	counterKey := counterSK(collection)

	for {
		item, err := l.store.Get(ctx, pk, counterKey)
		var current uint64
		switch err {
		case nil:
			current = parseCounter(item)
		case store.ErrNotFound:
			current = 0
		default:
			return 0, err
		}
		next := current + 1

		items := []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName: awsTableName(l.store),
					Item: map[string]types.AttributeValue{
						store.AttrPK: &types.AttributeValueMemberS{Value: pk},
						store.AttrSK: &types.AttributeValueMemberS{Value: counterKey},
						attrCounter:  &types.AttributeValueMemberN{Value: strconv.FormatUint(next, 10)},
					},
				},
			},
			{
				Put: &types.Put{
					TableName:           awsTableName(l.store),
					ConditionExpression: conditionAttrNotExists(),
					Item: map[string]types.AttributeValue{
						store.AttrPK:  &types.AttributeValueMemberS{Value: pk},
						store.AttrSK:  &types.AttributeValueMemberS{Value: changeSK(collection, ChangeID(next))},
						attrRawChange: &types.AttributeValueMemberB{Value: change.Encode()},
					},
				},
			},
		}

		err = l.store.TransactWrite(ctx, items)
		if err == store.ErrConflict {
			continue
		}
		if err != nil {
			return 0, err
		}
		return ChangeID(next), nil
	}
}

// CurrentChangeID returns the highest ChangeID issued for (accountID,
// collection), or 0 if none has been issued yet.
func (l *Log) CurrentChangeID(ctx context.Context, accountID string, collection store.Collection) (ChangeID, error) {
	item, err := l.store.Get(ctx, accountPK(accountID), counterSK(collection))
	if err == store.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return ChangeID(parseCounter(item)), nil
}

// Since returns every change record in (sinceID, ...] for (accountID,
// collection), in ascending ChangeID order, capped at maxChanges (0
// means unbounded).
func (l *Log) Since(ctx context.Context, accountID string, collection store.Collection, sinceID ChangeID, maxChanges int32) ([]RawChange, []ChangeID, error) {
	pk := accountPK(accountID)
	skFrom := fmt.Sprintf("%s%s#%020d", prefixChange, collection, uint64(sinceID)+1)
	skTo := fmt.Sprintf("%s%s#%020d", prefixChange, collection, uint64(^uint64(0))/10) // effectively unbounded above

	items, err := l.store.QueryRange(ctx, pk, skFrom, skTo, store.Forward, maxChanges)
	if err != nil {
		return nil, nil, err
	}

	changes := make([]RawChange, 0, len(items))
	ids := make([]ChangeID, 0, len(items))
	for _, item := range items {
		v, ok := item.Attrs[attrRawChange].(*types.AttributeValueMemberB)
		if !ok {
			continue
		}
		change, ok := DecodeRawChange(v.Value)
		if !ok {
			return nil, nil, fmt.Errorf("changelog: corrupt change record at %s", item.SK)
		}
		var id uint64
		if _, err := fmt.Sscanf(item.SK, prefixChange+collection.String()+"#%020d", &id); err != nil {
			return nil, nil, fmt.Errorf("changelog: corrupt change key %q: %w", item.SK, err)
		}
		changes = append(changes, change)
		ids = append(ids, ChangeID(id))
	}
	return changes, ids, nil
}

// Coalesce folds every change after sinceID into one
// PendingChanges summary, the shape a JMAP Foo/changes response needs.
func (l *Log) Coalesce(ctx context.Context, accountID string, collection store.Collection, sinceID ChangeID, tombstones *roaring.Bitmap) (*PendingChanges, error) {
	changes, ids, err := l.Since(ctx, accountID, collection, sinceID, 0)
	if err != nil {
		return nil, err
	}
	pending := NewPendingChanges()
	for i, change := range changes {
		pending.Fold(ids[i], change, tombstones)
	}
	return pending, nil
}
