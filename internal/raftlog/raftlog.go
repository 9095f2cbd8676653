// Package raftlog implements the cluster-wide, monotonically ordered
// Raft entry log described by original_source/components/store/src/
// raft.rs: a sequence of (term, index) keyed entries, each naming the
// account and the (changeId, collection) pairs a follower must replay
// to catch up. Leader election, membership changes, and snapshot
// transfer are out of scope — this package only gives a leader
// something to append to and a follower something to pull from, via the
// RPC peer task in internal/rpcpeer.
package raftlog

import (
	"context"
	"fmt"
	"sort"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/mailstore/jmapcore/internal/changelog"
	"github.com/mailstore/jmapcore/internal/store"
	"github.com/mailstore/jmapcore/internal/varint"
)

// Term identifies a Raft leadership epoch.
type Term uint64

// Index is a term-local, strictly increasing position in the log.
type Index uint64

// ID identifies one log entry by (term, index), ordered first by term
// then by index, matching RaftId's derived Ord in raft.rs.
type ID struct {
	Term  Term
	Index Index
}

// None is the identity value meaning "no entry", matching
// RaftId::none() (index = max).
var None = ID{Term: 0, Index: Index(^uint64(0))}

// IsNone reports whether id is the None sentinel.
func (id ID) IsNone() bool {
	return id.Index == None.Index
}

// Less reports whether id sorts before other.
func (id ID) Less(other ID) bool {
	if id.Term != other.Term {
		return id.Term < other.Term
	}
	return id.Index < other.Index
}

// Change names one (changeId, collection) pair an entry covers.
type Change struct {
	ChangeID   changelog.ChangeID
	Collection store.Collection
}

// Entry is one Raft log record: the account whose change log advanced,
// and every (changeId, collection) pair that advance covers.
type Entry struct {
	ID        ID
	AccountID string
	Changes   []Change
}

// encodeValue serializes an Entry's account id and change list, mirroring
// Entry::serialize in raft.rs: the account id, a count, then one
// (collection byte, change id varint) pair per change. The (term, index)
// lives in the storage key, not the value, exactly as LogKey::serialize_raft
// does it.
func encodeValue(accountID string, changes []Change) []byte {
	var buf []byte
	buf = varint.AppendUint64(buf, uint64(len(accountID)))
	buf = append(buf, accountID...)
	buf = varint.AppendUint64(buf, uint64(len(changes)))
	for _, c := range changes {
		buf = append(buf, byte(c.Collection))
		buf = varint.AppendUint64(buf, uint64(c.ChangeID))
	}
	return buf
}

func decodeValue(data []byte) (accountID string, changes []Change, ok bool) {
	n, consumed, ok := varint.Uint64(data)
	if !ok {
		return "", nil, false
	}
	data = data[consumed:]
	if uint64(len(data)) < n {
		return "", nil, false
	}
	accountID = string(data[:n])
	data = data[n:]

	r := varint.NewReader(data)
	count, ok := r.Uint64()
	if !ok {
		return "", nil, false
	}
	changes = make([]Change, 0, count)
	for i := uint64(0); i < count; i++ {
		collByte, ok := r.Byte()
		if !ok {
			return "", nil, false
		}
		changeID, ok := r.Uint64()
		if !ok {
			return "", nil, false
		}
		changes = append(changes, Change{ChangeID: changelog.ChangeID(changeID), Collection: store.Collection(collByte)})
	}
	return accountID, changes, true
}

const (
	raftPK        = "RAFT"
	raftPrefix    = "RAFT#"
	attrRaftValue = "entry"
)

func raftSK(id ID) string {
	return fmt.Sprintf("%s%020d#%020d", raftPrefix, uint64(id.Term), uint64(id.Index))
}

// Log is the cluster-wide Raft entry log, backed by the same
// column-family store as everything else (C3), under one fixed
// partition key so entries from every account interleave in a single
// total order, the way a real Raft log is one sequential file per node.
type Log struct {
	store *store.Store
}

// New returns a Raft Log backed by s.
func New(s *store.Store) *Log {
	return &Log{store: s}
}

// Append assigns the next index in the current term and writes the
// entry, mirroring assign_raft_id's term/index allocation, re-expressed
// as a DynamoDB conditional put instead of an in-process atomic counter
// since this process is not assumed to be the only writer.
func (l *Log) Append(ctx context.Context, term Term, accountID string, changes []Change) (ID, error) {
	prev, err := l.head(ctx, term)
	if err != nil {
		return ID{}, err
	}
	next := Index(1)
	if prev != nil {
		next = prev.Index + 1
	}
	id := ID{Term: term, Index: next}

	err = l.store.PutIfAbsent(ctx, raftPK, raftSK(id), map[string]types.AttributeValue{
		attrRaftValue: &types.AttributeValueMemberB{Value: encodeValue(accountID, changes)},
	})
	if err != nil {
		return ID{}, err
	}
	return id, nil
}

// head returns the highest-index entry id for the given term, or nil if
// the term has no entries yet.
func (l *Log) head(ctx context.Context, term Term) (*ID, error) {
	from := fmt.Sprintf("%s%020d#", raftPrefix, uint64(term))
	items, err := l.store.QueryRange(ctx, raftPK, from, "", store.Backward, 1)
	if err != nil {
		return nil, err
	}
	for _, item := range items {
		id, ok := parseRaftSK(item.SK)
		if ok && id.Term == term {
			return &id, nil
		}
	}
	return nil, nil
}

func parseRaftSK(sk string) (ID, bool) {
	var term, index uint64
	if _, err := fmt.Sscanf(sk, raftPrefix+"%020d#%020d", &term, &index); err != nil {
		return ID{}, false
	}
	return ID{Term: Term(term), Index: Index(index)}, true
}

// Entries returns up to numEntries entries strictly after fromID, in
// ascending (term, index) order, the range a follower's RPC peer task
// pulls and replays. fromID == None starts at the beginning of the log,
// matching get_raft_entries's is_inclusive handling of RaftId::none().
func (l *Log) Entries(ctx context.Context, fromID ID, numEntries int) ([]Entry, error) {
	// DynamoDB's begins_with/BETWEEN operate on a single partition key's
	// sort-key range; since every entry lives under the fixed raftPK
	// partition, a plain ordered scan of that partition, skipping every
	// id up to and including fromID, gives exactly the replay window a
	// follower needs.
	items, err := l.store.QueryRange(ctx, raftPK, "", "", store.Forward, 0)
	if err != nil {
		return nil, err
	}
	sort.Slice(items, func(i, j int) bool { return items[i].SK < items[j].SK })

	entries := make([]Entry, 0, numEntries)
	for _, item := range items {
		id, ok := parseRaftSK(item.SK)
		if !ok {
			continue
		}
		if !fromID.IsNone() && !fromID.Less(id) {
			continue
		}
		v, ok := item.Attrs[attrRaftValue].(*types.AttributeValueMemberB)
		if !ok {
			continue
		}
		accountID, changes, ok := decodeValue(v.Value)
		if !ok {
			return nil, fmt.Errorf("raftlog: corrupt entry at %s", item.SK)
		}
		entries = append(entries, Entry{ID: id, AccountID: accountID, Changes: changes})
		if numEntries > 0 && len(entries) >= numEntries {
			break
		}
	}
	return entries, nil
}
