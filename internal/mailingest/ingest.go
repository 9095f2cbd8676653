// Package mailingest wires the teacher's RFC5322 parser into the new
// blob (C2), document (C3), and change log (C4) components: parse raw
// message bytes, store the message and its non-identity-encoded parts as
// blobs, allocate a document id, tag it with its mailbox/keyword/thread
// membership, and append one insert to the change log, all for a single
// incoming message.
package mailingest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/mailstore/jmapcore/internal/blob"
	"github.com/mailstore/jmapcore/internal/changelog"
	"github.com/mailstore/jmapcore/internal/email"
	"github.com/mailstore/jmapcore/internal/store"
)

const (
	tagMailbox       = "mailbox"
	tagKeyword       = "keyword"
	tagThread        = "thread"
	tagHasAttachment = "hasAttachment"
)

// Pipeline is the set of components a message passes through on ingest.
type Pipeline struct {
	blobs *blob.Store
	docs  *store.Store
	log   *changelog.Log
}

// New returns an ingest Pipeline over the given component instances.
func New(blobs *blob.Store, docs *store.Store, log *changelog.Log) *Pipeline {
	return &Pipeline{blobs: blobs, docs: docs, log: log}
}

// Request names everything about an incoming message that isn't derived
// from its RFC5322 bytes: which account it belongs to, which mailboxes it
// should land in, its initial keyword set, and (for replies already
// threaded by the caller) its thread id.
type Request struct {
	AccountID  string
	Raw        []byte
	MailboxIDs []string
	Keywords   []string
	ThreadID   uint32
}

// Result is everything the caller needs to respond to an Email/import or
// a raw-message-ingest call: the new document id, the stored blob id for
// the whole message, the change log entry it produced, and the parsed
// email for building the JMAP response representation.
type Result struct {
	DocumentID store.DocumentID
	BlobID     blob.ID
	ChangeID   changelog.ChangeID
	Parsed     *email.ParsedEmail
}

// blobUploader adapts the blob Store to email.BlobUploader, linking every
// uploaded part to the owning document so access checks (C2's
// DocumentHasAccess) work without a second pass.
type blobUploader struct {
	blobs      *blob.Store
	documentID store.DocumentID
}

func (u *blobUploader) Upload(ctx context.Context, accountID, _ string, _ string, body io.Reader) (string, int64, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return "", 0, fmt.Errorf("mailingest: read part body: %w", err)
	}
	id, err := u.blobs.Put(ctx, data)
	if err != nil {
		return "", 0, fmt.Errorf("mailingest: upload part: %w", err)
	}
	if err := u.blobs.LinkEphemeral(ctx, accountID, u.documentID, id); err != nil {
		return "", 0, fmt.Errorf("mailingest: link part: %w", err)
	}
	return id.String(), int64(len(data)), nil
}

// Ingest parses req.Raw, stores it and its parts, tags the new document,
// and appends one insert to the change log. It is not fully atomic across
// every step (S3 puts cannot join the DynamoDB transaction the change log
// commit uses) but the change log append is always the last step, so a
// crash partway through leaves an unreferenced document rather than a
// visible, half-written one.
func (p *Pipeline) Ingest(ctx context.Context, req Request) (*Result, error) {
	if len(req.MailboxIDs) == 0 {
		return nil, fmt.Errorf("mailingest: at least one mailbox is required")
	}
	for _, kw := range req.Keywords {
		if err := email.ValidateKeyword(kw); err != nil {
			return nil, fmt.Errorf("mailingest: keyword %q: %w", kw, err)
		}
	}

	documentID, err := p.docs.AllocateDocumentID(ctx, req.AccountID, store.CollectionMail)
	if err != nil {
		return nil, fmt.Errorf("mailingest: allocate document id: %w", err)
	}

	rawID, err := p.blobs.Put(ctx, req.Raw)
	if err != nil {
		return nil, fmt.Errorf("mailingest: store raw message: %w", err)
	}
	if err := p.blobs.LinkEphemeral(ctx, req.AccountID, documentID, rawID); err != nil {
		return nil, fmt.Errorf("mailingest: link raw message: %w", err)
	}

	uploader := &blobUploader{blobs: p.blobs, documentID: documentID}
	parsed, err := email.ParseRFC5322Stream(ctx, bytes.NewReader(req.Raw), rawID.String(), req.AccountID, uploader)
	if err != nil {
		return nil, fmt.Errorf("mailingest: parse message: %w", err)
	}

	for _, mailboxID := range req.MailboxIDs {
		if err := p.docs.AddToTag(ctx, req.AccountID, store.CollectionMail, tagMailbox, mailboxID, documentID); err != nil {
			return nil, fmt.Errorf("mailingest: tag mailbox %s: %w", mailboxID, err)
		}
	}
	for _, kw := range req.Keywords {
		norm := email.NormalizeKeyword(kw)
		if err := p.docs.AddToTag(ctx, req.AccountID, store.CollectionMail, tagKeyword, norm, documentID); err != nil {
			return nil, fmt.Errorf("mailingest: tag keyword %s: %w", norm, err)
		}
	}
	if parsed.HasAttachment {
		if err := p.docs.AddToTag(ctx, req.AccountID, store.CollectionMail, tagHasAttachment, "1", documentID); err != nil {
			return nil, fmt.Errorf("mailingest: tag has-attachment: %w", err)
		}
	}
	if req.ThreadID != 0 {
		if err := p.docs.AddToTag(ctx, req.AccountID, store.CollectionMail, tagThread, fmt.Sprintf("%d", req.ThreadID), documentID); err != nil {
			return nil, fmt.Errorf("mailingest: tag thread: %w", err)
		}
	}

	mailboxSet := make(map[string]bool, len(req.MailboxIDs))
	for _, m := range req.MailboxIDs {
		mailboxSet[m] = true
	}
	keywordSet := make(map[string]bool, len(req.Keywords))
	for _, kw := range req.Keywords {
		keywordSet[email.NormalizeKeyword(kw)] = true
	}
	projection := Projection{
		BlobID:        rawID.String(),
		MailboxIDs:    mailboxSet,
		Keywords:      keywordSet,
		ReceivedAt:    time.Now().UTC(),
		Size:          parsed.Size,
		HeaderSize:    parsed.HeaderSize,
		HasAttachment: parsed.HasAttachment,
		Subject:       parsed.Subject,
		From:          parsed.From,
		Sender:        parsed.Sender,
		To:            parsed.To,
		CC:            parsed.CC,
		Bcc:           parsed.Bcc,
		ReplyTo:       parsed.ReplyTo,
		SentAt:        parsed.SentAt,
		MessageID:     parsed.MessageID,
		InReplyTo:     parsed.InReplyTo,
		References:    parsed.References,
		Preview:       parsed.Preview,
		BodyStructure: parsed.BodyStructure,
		TextBody:      parsed.TextBody,
		HTMLBody:      parsed.HTMLBody,
		Attachments:   parsed.Attachments,
	}
	if req.ThreadID != 0 {
		projection.ThreadID = fmt.Sprintf("%d", req.ThreadID)
	}
	if err := saveProjection(ctx, p.docs, req.AccountID, documentID, projection); err != nil {
		return nil, err
	}

	change := changelog.RawChange{
		Inserts: []changelog.ItemID{{Prefix: req.ThreadID, Document: documentID}},
	}
	changeID, err := p.log.Append(ctx, req.AccountID, store.CollectionMail, change)
	if err != nil {
		return nil, fmt.Errorf("mailingest: append change: %w", err)
	}

	return &Result{
		DocumentID: documentID,
		BlobID:     rawID,
		ChangeID:   changeID,
		Parsed:     parsed,
	}, nil
}
