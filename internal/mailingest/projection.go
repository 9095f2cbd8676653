package mailingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/mailstore/jmapcore/internal/email"
	"github.com/mailstore/jmapcore/internal/store"
)

// Projection is the per-document metadata record mailget reads back to
// reconstruct a JMAP Email/get response: the same fields the teacher's
// EmailItem carries, stored as one JSON attribute on the document's C3
// record instead of a bespoke email table. Mailbox/keyword membership is
// held here too (as well as in the tag bitmaps AddToTag indexes), mirroring
// EmailItem's own MailboxIDs/Keywords maps sitting alongside the teacher's
// separate MailboxMembershipItem query index.
type Projection struct {
	BlobID        string               `json:"blobId"`
	ThreadID      string               `json:"threadId,omitempty"`
	MailboxIDs    map[string]bool      `json:"mailboxIds"`
	Keywords      map[string]bool      `json:"keywords"`
	ReceivedAt    time.Time            `json:"receivedAt"`
	Size          int64                `json:"size"`
	HeaderSize    int64                `json:"headerSize"`
	HasAttachment bool                 `json:"hasAttachment"`
	Subject       string               `json:"subject"`
	From          []email.EmailAddress `json:"from"`
	Sender        []email.EmailAddress `json:"sender"`
	To            []email.EmailAddress `json:"to"`
	CC            []email.EmailAddress `json:"cc"`
	Bcc           []email.EmailAddress `json:"bcc"`
	ReplyTo       []email.EmailAddress `json:"replyTo"`
	SentAt        time.Time            `json:"sentAt"`
	MessageID     []string             `json:"messageId"`
	InReplyTo     []string             `json:"inReplyTo"`
	References    []string             `json:"references"`
	Preview       string               `json:"preview"`
	BodyStructure email.BodyPart       `json:"bodyStructure"`
	TextBody      []string             `json:"textBody"`
	HTMLBody      []string             `json:"htmlBody"`
	Attachments   []string             `json:"attachments"`
}

const attrProjection = "data"

func saveProjection(ctx context.Context, docs *store.Store, accountID string, id store.DocumentID, p Projection) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("mailingest: encode projection: %w", err)
	}
	return docs.PutRecord(ctx, accountID, store.CollectionMail, id, map[string]types.AttributeValue{
		attrProjection: &types.AttributeValueMemberB{Value: data},
	})
}

// LoadProjection fetches and decodes the projection for (accountID, id),
// the read side mailget uses to build a response.
func LoadProjection(ctx context.Context, docs *store.Store, accountID string, id store.DocumentID) (*Projection, error) {
	item, err := docs.GetRecord(ctx, accountID, store.CollectionMail, id)
	if err != nil {
		return nil, err
	}
	v, ok := item.Attrs[attrProjection].(*types.AttributeValueMemberB)
	if !ok {
		return nil, fmt.Errorf("mailingest: projection record %v missing %q attribute", id, attrProjection)
	}
	var p Projection
	if err := json.Unmarshal(v.Value, &p); err != nil {
		return nil, fmt.Errorf("mailingest: decode projection: %w", err)
	}
	return &p, nil
}
