package mailingest

import (
	"context"
	"fmt"
	"strconv"

	"github.com/mailstore/jmapcore/internal/changelog"
	"github.com/mailstore/jmapcore/internal/store"
)

// RemoveFromMailbox strips mailboxID from a document's membership. A
// document left with no remaining mailbox is soft-deleted outright: its
// tags are unwound, its record removed, its id freed for reuse, and a
// delete recorded in the change log. A document still in other mailboxes
// keeps its record and gets an update change instead, the same two
// outcomes the teacher's cleanupMailboxEmails produced by either soft
// deleting an orphaned email or stripping its mailbox membership.
func (p *Pipeline) RemoveFromMailbox(ctx context.Context, accountID, mailboxID string, documentID store.DocumentID) (deleted bool, err error) {
	projection, err := LoadProjection(ctx, p.docs, accountID, documentID)
	if err != nil {
		return false, err
	}
	if err := p.docs.RemoveFromTag(ctx, accountID, store.CollectionMail, tagMailbox, mailboxID, documentID); err != nil {
		return false, fmt.Errorf("mailingest: untag mailbox %s: %w", mailboxID, err)
	}
	delete(projection.MailboxIDs, mailboxID)

	if len(projection.MailboxIDs) > 0 {
		if err := saveProjection(ctx, p.docs, accountID, documentID, *projection); err != nil {
			return false, err
		}
		change := changelog.RawChange{Updates: []changelog.ItemID{{Document: documentID}}}
		if _, err := p.log.Append(ctx, accountID, store.CollectionMail, change); err != nil {
			return false, fmt.Errorf("mailingest: append change: %w", err)
		}
		return false, nil
	}

	for kw := range projection.Keywords {
		if err := p.docs.RemoveFromTag(ctx, accountID, store.CollectionMail, tagKeyword, kw, documentID); err != nil {
			return false, fmt.Errorf("mailingest: untag keyword %s: %w", kw, err)
		}
	}
	if projection.HasAttachment {
		if err := p.docs.RemoveFromTag(ctx, accountID, store.CollectionMail, tagHasAttachment, "1", documentID); err != nil {
			return false, fmt.Errorf("mailingest: untag has-attachment: %w", err)
		}
	}
	var threadPrefix uint32
	if projection.ThreadID != "" {
		if n, err := strconv.ParseUint(projection.ThreadID, 10, 32); err == nil {
			threadPrefix = uint32(n)
			if err := p.docs.RemoveFromTag(ctx, accountID, store.CollectionMail, tagThread, projection.ThreadID, documentID); err != nil {
				return false, fmt.Errorf("mailingest: untag thread: %w", err)
			}
		}
	}
	if err := p.docs.DeleteRecord(ctx, accountID, store.CollectionMail, documentID); err != nil {
		return false, fmt.Errorf("mailingest: delete record: %w", err)
	}
	if err := p.docs.FreeDocumentID(ctx, accountID, store.CollectionMail, documentID); err != nil {
		return false, fmt.Errorf("mailingest: free document id: %w", err)
	}

	change := changelog.RawChange{Deletes: []changelog.ItemID{{Prefix: threadPrefix, Document: documentID}}}
	if _, err := p.log.Append(ctx, accountID, store.CollectionMail, change); err != nil {
		return false, fmt.Errorf("mailingest: append change: %w", err)
	}
	return true, nil
}
