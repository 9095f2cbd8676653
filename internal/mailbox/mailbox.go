// Package mailbox implements JMAP Mailbox storage on top of C3's document
// store: a mailbox is a record under store.CollectionMailbox, its role
// uniqueness enforced by a tag bitmap the same way mail ingest (C6) tags
// a message's mailbox/keyword/thread membership, and its totalEmails and
// unreadEmails counts read straight off the "mailbox" and "keyword" tag
// bitmaps mail ingest already maintains under store.CollectionMail.
package mailbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	roaring "github.com/RoaringBitmap/roaring/v2"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/mailstore/jmapcore/internal/changelog"
	"github.com/mailstore/jmapcore/internal/mailingest"
	"github.com/mailstore/jmapcore/internal/store"
)

// ValidRoles defines the valid mailbox roles per RFC 8621.
var ValidRoles = map[string]bool{
	"inbox":   true,
	"drafts":  true,
	"sent":    true,
	"trash":   true,
	"junk":    true,
	"archive": true,
}

// MailboxRights represents permissions for a mailbox. The reconstructed
// module has no per-principal ACL yet, so every mailbox reports the same
// full-access set; AllRights is the only constructor.
type MailboxRights struct {
	MayReadItems   bool
	MayAddItems    bool
	MayRemoveItems bool
	MaySetSeen     bool
	MaySetKeywords bool
	MayCreateChild bool
	MayRename      bool
	MayDelete      bool
	MaySubmit      bool
}

// AllRights returns a MailboxRights with all permissions enabled.
func AllRights() MailboxRights {
	return MailboxRights{
		MayReadItems:   true,
		MayAddItems:    true,
		MayRemoveItems: true,
		MaySetSeen:     true,
		MaySetKeywords: true,
		MayCreateChild: true,
		MayRename:      true,
		MayDelete:      true,
		MaySubmit:      true,
	}
}

var (
	ErrMailboxNotFound   = errors.New("mailbox: not found")
	ErrRoleAlreadyExists = errors.New("mailbox: role already exists")
	ErrMailboxNotEmpty   = errors.New("mailbox: not empty")
	ErrInvalidRole       = errors.New("mailbox: invalid role")
)

// Mailbox is a fully resolved mailbox: its stored record plus counts
// derived live from C3's tag bitmaps.
type Mailbox struct {
	ID           string
	Name         string
	Role         string
	SortOrder    int
	TotalEmails  int
	UnreadEmails int
	IsSubscribed bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// record is the JSON shape PutRecord/GetRecord carry, mirroring
// mailingest.Projection's pattern of one JSON attribute per document
// record.
type record struct {
	Name         string    `json:"name"`
	Role         string    `json:"role,omitempty"`
	SortOrder    int       `json:"sortOrder"`
	IsSubscribed bool      `json:"isSubscribed"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

const attrRecord = "data"

// These mirror the tag names mailingest (C6) writes against
// store.CollectionMail for a message's mailbox/keyword membership;
// mailbox reads them to derive counts rather than keeping its own
// denormalized totals that could drift.
const (
	tagMailMailbox = "mailbox"
	tagMailKeyword = "keyword"
	keywordSeen    = "$seen"
	tagRole        = "role"
)

// Store implements Mailbox/get and Mailbox/set's storage needs over a
// shared document store, change log, and mail ingest pipeline (the last
// needed only for the destroy cascade's membership cleanup).
type Store struct {
	docs *store.Store
	log  *changelog.Log
	mail *mailingest.Pipeline
}

// New returns a mailbox Store backed by the given components.
func New(docs *store.Store, log *changelog.Log, mail *mailingest.Pipeline) *Store {
	return &Store{docs: docs, log: log, mail: mail}
}

func idString(id store.DocumentID) string {
	return strconv.FormatUint(uint64(id), 10)
}

func parseID(mailboxID string) (store.DocumentID, bool) {
	n, err := strconv.ParseUint(mailboxID, 10, 32)
	if err != nil {
		return 0, false
	}
	return store.DocumentID(n), true
}

func decodeRecord(item store.Item) (record, error) {
	v, ok := item.Attrs[attrRecord].(*types.AttributeValueMemberB)
	if !ok {
		return record{}, fmt.Errorf("mailbox: record missing %q attribute", attrRecord)
	}
	var rec record
	if err := json.Unmarshal(v.Value, &rec); err != nil {
		return record{}, fmt.Errorf("mailbox: decode record: %w", err)
	}
	return rec, nil
}

func (s *Store) putRecord(ctx context.Context, accountID string, id store.DocumentID, rec record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("mailbox: encode record: %w", err)
	}
	return s.docs.PutRecord(ctx, accountID, store.CollectionMailbox, id, map[string]types.AttributeValue{
		attrRecord: &types.AttributeValueMemberB{Value: data},
	})
}

// counts reads a mailbox's totalEmails and unreadEmails off the "mailbox"
// and "keyword" tag bitmaps mail ingest maintains: totalEmails is the
// cardinality of the mailbox membership bitmap, unreadEmails the
// cardinality of that bitmap with the "$seen" keyword bitmap subtracted.
func (s *Store) counts(ctx context.Context, accountID, mailboxID string) (total, unread int, err error) {
	members, err := s.docs.Tagged(ctx, accountID, store.CollectionMail, tagMailMailbox, mailboxID)
	if err != nil {
		return 0, 0, err
	}
	seen, err := s.docs.Tagged(ctx, accountID, store.CollectionMail, tagMailKeyword, keywordSeen)
	if err != nil {
		return 0, 0, err
	}
	unreadBitmap := roaring.AndNot(members, seen)
	return int(members.GetCardinality()), int(unreadBitmap.GetCardinality()), nil
}

func (s *Store) toMailbox(mailboxID string, rec record, total, unread int) *Mailbox {
	return &Mailbox{
		ID:           mailboxID,
		Name:         rec.Name,
		Role:         rec.Role,
		SortOrder:    rec.SortOrder,
		TotalEmails:  total,
		UnreadEmails: unread,
		IsSubscribed: rec.IsSubscribed,
		CreatedAt:    rec.CreatedAt,
		UpdatedAt:    rec.UpdatedAt,
	}
}

// roleTaken reports whether another mailbox already claims role.
func (s *Store) roleTaken(ctx context.Context, accountID, role string, excluding store.DocumentID) (bool, error) {
	bm, err := s.docs.Tagged(ctx, accountID, store.CollectionMailbox, tagRole, role)
	if err != nil {
		return false, err
	}
	switch bm.GetCardinality() {
	case 0:
		return false, nil
	case 1:
		return !bm.Contains(uint32(excluding)), nil
	default:
		return true, nil
	}
}

// Create allocates a new mailbox document and appends one insert to the
// change log, the same allocate/tag/append shape mailingest.Ingest uses
// for a message.
func (s *Store) Create(ctx context.Context, accountID, name, role string, sortOrder int, isSubscribed bool) (*Mailbox, error) {
	if role != "" && !ValidRoles[role] {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	if role != "" {
		taken, err := s.roleTaken(ctx, accountID, role, 0)
		if err != nil {
			return nil, err
		}
		if taken {
			return nil, ErrRoleAlreadyExists
		}
	}

	id, err := s.docs.AllocateDocumentID(ctx, accountID, store.CollectionMailbox)
	if err != nil {
		return nil, fmt.Errorf("mailbox: allocate id: %w", err)
	}

	now := time.Now().UTC()
	rec := record{Name: name, Role: role, SortOrder: sortOrder, IsSubscribed: isSubscribed, CreatedAt: now, UpdatedAt: now}
	if err := s.putRecord(ctx, accountID, id, rec); err != nil {
		return nil, err
	}
	if role != "" {
		if err := s.docs.AddToTag(ctx, accountID, store.CollectionMailbox, tagRole, role, id); err != nil {
			return nil, fmt.Errorf("mailbox: tag role %s: %w", role, err)
		}
	}
	if _, err := s.log.Append(ctx, accountID, store.CollectionMailbox, changelog.RawChange{
		Inserts: []changelog.ItemID{{Document: id}},
	}); err != nil {
		return nil, fmt.Errorf("mailbox: append change: %w", err)
	}

	return s.toMailbox(idString(id), rec, 0, 0), nil
}

// Get fetches one mailbox by its decimal document id string.
func (s *Store) Get(ctx context.Context, accountID, mailboxID string) (*Mailbox, error) {
	id, ok := parseID(mailboxID)
	if !ok {
		return nil, ErrMailboxNotFound
	}
	item, err := s.docs.GetRecord(ctx, accountID, store.CollectionMailbox, id)
	if err == store.ErrNotFound {
		return nil, ErrMailboxNotFound
	}
	if err != nil {
		return nil, err
	}
	rec, err := decodeRecord(item)
	if err != nil {
		return nil, err
	}
	total, unread, err := s.counts(ctx, accountID, mailboxID)
	if err != nil {
		return nil, err
	}
	return s.toMailbox(mailboxID, rec, total, unread), nil
}

// List returns every mailbox in accountID, for a Mailbox/get call with no
// ids argument.
func (s *Store) List(ctx context.Context, accountID string) ([]*Mailbox, error) {
	items, err := s.docs.ListRecords(ctx, accountID, store.CollectionMailbox, 0)
	if err != nil {
		return nil, err
	}
	out := make([]*Mailbox, 0, len(items))
	for _, item := range items {
		id, ok := store.ParseRecordSK(item.SK)
		if !ok {
			continue
		}
		rec, err := decodeRecord(item)
		if err != nil {
			return nil, err
		}
		mailboxID := idString(id)
		total, unread, err := s.counts(ctx, accountID, mailboxID)
		if err != nil {
			return nil, err
		}
		out = append(out, s.toMailbox(mailboxID, rec, total, unread))
	}
	return out, nil
}

// Update applies the given field mutators to a mailbox's record. Passing
// nil for a field leaves it unchanged.
func (s *Store) Update(ctx context.Context, accountID, mailboxID string, name, role *string, sortOrder *int, isSubscribed *bool) (*Mailbox, error) {
	id, ok := parseID(mailboxID)
	if !ok {
		return nil, ErrMailboxNotFound
	}
	item, err := s.docs.GetRecord(ctx, accountID, store.CollectionMailbox, id)
	if err == store.ErrNotFound {
		return nil, ErrMailboxNotFound
	}
	if err != nil {
		return nil, err
	}
	rec, err := decodeRecord(item)
	if err != nil {
		return nil, err
	}

	oldRole := rec.Role
	if name != nil {
		rec.Name = *name
	}
	if sortOrder != nil {
		rec.SortOrder = *sortOrder
	}
	if isSubscribed != nil {
		rec.IsSubscribed = *isSubscribed
	}
	if role != nil && *role != oldRole {
		if *role != "" {
			if !ValidRoles[*role] {
				return nil, fmt.Errorf("%w: %q", ErrInvalidRole, *role)
			}
			taken, err := s.roleTaken(ctx, accountID, *role, id)
			if err != nil {
				return nil, err
			}
			if taken {
				return nil, ErrRoleAlreadyExists
			}
		}
		if oldRole != "" {
			if err := s.docs.RemoveFromTag(ctx, accountID, store.CollectionMailbox, tagRole, oldRole, id); err != nil {
				return nil, err
			}
		}
		if *role != "" {
			if err := s.docs.AddToTag(ctx, accountID, store.CollectionMailbox, tagRole, *role, id); err != nil {
				return nil, err
			}
		}
		rec.Role = *role
	}
	rec.UpdatedAt = time.Now().UTC()

	if err := s.putRecord(ctx, accountID, id, rec); err != nil {
		return nil, err
	}
	if _, err := s.log.Append(ctx, accountID, store.CollectionMailbox, changelog.RawChange{
		Updates: []changelog.ItemID{{Document: id}},
	}); err != nil {
		return nil, fmt.Errorf("mailbox: append change: %w", err)
	}

	total, unread, err := s.counts(ctx, accountID, mailboxID)
	if err != nil {
		return nil, err
	}
	return s.toMailbox(mailboxID, rec, total, unread), nil
}

// Destroy removes a mailbox. Unless removeEmails is set, a non-empty
// mailbox is rejected with ErrMailboxNotEmpty; otherwise every member
// email has this mailbox's membership stripped via
// mailingest.Pipeline.RemoveFromMailbox, soft-deleting any email left
// with no mailbox afterward, the same two cascade outcomes the teacher's
// cleanupMailboxEmails produced.
func (s *Store) Destroy(ctx context.Context, accountID, mailboxID string, removeEmails bool) error {
	id, ok := parseID(mailboxID)
	if !ok {
		return ErrMailboxNotFound
	}
	item, err := s.docs.GetRecord(ctx, accountID, store.CollectionMailbox, id)
	if err == store.ErrNotFound {
		return ErrMailboxNotFound
	}
	if err != nil {
		return err
	}
	rec, err := decodeRecord(item)
	if err != nil {
		return err
	}

	members, err := s.docs.Tagged(ctx, accountID, store.CollectionMail, tagMailMailbox, mailboxID)
	if err != nil {
		return err
	}
	if !members.IsEmpty() && !removeEmails {
		return ErrMailboxNotEmpty
	}

	it := members.Iterator()
	for it.HasNext() {
		docID := store.DocumentID(it.Next())
		if _, err := s.mail.RemoveFromMailbox(ctx, accountID, mailboxID, docID); err != nil {
			return fmt.Errorf("mailbox: cleanup email %d: %w", docID, err)
		}
	}

	if rec.Role != "" {
		if err := s.docs.RemoveFromTag(ctx, accountID, store.CollectionMailbox, tagRole, rec.Role, id); err != nil {
			return err
		}
	}
	if err := s.docs.DeleteRecord(ctx, accountID, store.CollectionMailbox, id); err != nil {
		return err
	}
	if err := s.docs.FreeDocumentID(ctx, accountID, store.CollectionMailbox, id); err != nil {
		return err
	}
	if _, err := s.log.Append(ctx, accountID, store.CollectionMailbox, changelog.RawChange{
		Deletes: []changelog.ItemID{{Document: id}},
	}); err != nil {
		return fmt.Errorf("mailbox: append change: %w", err)
	}
	return nil
}
