package email

import (
	"mime"
	"net/mail"
	"strings"
	"time"
)

// ParsedEmail contains the parsed data from an RFC5322 message.
type ParsedEmail struct {
	Subject       string
	From          []EmailAddress
	Sender        []EmailAddress
	To            []EmailAddress
	CC            []EmailAddress
	Bcc           []EmailAddress
	ReplyTo       []EmailAddress
	SentAt        time.Time
	MessageID     []string
	InReplyTo     []string
	References    []string
	Preview       string
	BodyStructure BodyPart
	TextBody      []string
	HTMLBody      []string
	Attachments   []string
	HasAttachment bool
	Size          int64
	HeaderSize    int64
}

// decodeHeader decodes RFC 2047 encoded header values.
func decodeHeader(s string) string {
	dec := new(mime.WordDecoder)
	decoded, err := dec.DecodeHeader(s)
	if err != nil {
		return s
	}
	return decoded
}

// parseAddressList parses a comma-separated list of email addresses.
func parseAddressList(s string) []EmailAddress {
	if s == "" {
		return []EmailAddress{}
	}

	addrs, err := mail.ParseAddressList(s)
	if err != nil {
		// Try to extract just the email address
		s = strings.TrimSpace(s)
		if strings.Contains(s, "@") {
			return []EmailAddress{{Email: s}}
		}
		return []EmailAddress{}
	}

	result := make([]EmailAddress, len(addrs))
	for i, addr := range addrs {
		result[i] = EmailAddress{
			Name:  addr.Name,
			Email: addr.Address,
		}
	}
	return result
}

// parseMessageIDList parses a space-separated list of message IDs.
func parseMessageIDList(s string) []string {
	var ids []string
	for _, part := range strings.Fields(s) {
		part = strings.TrimSpace(part)
		if part != "" {
			ids = append(ids, part)
		}
	}
	return ids
}

// collectParts walks the body structure and collects part references.
func collectParts(parsed *ParsedEmail, part *BodyPart) {
	if strings.HasPrefix(part.Type, "multipart/") {
		for i := range part.SubParts {
			collectParts(parsed, &part.SubParts[i])
		}
		return
	}

	// Check if it's an attachment
	if part.Disposition == "attachment" {
		parsed.Attachments = append(parsed.Attachments, part.PartID)
		parsed.HasAttachment = true
		return
	}

	// Collect text and HTML body parts
	if part.Type == "text/plain" {
		parsed.TextBody = append(parsed.TextBody, part.PartID)
	} else if part.Type == "text/html" {
		parsed.HTMLBody = append(parsed.HTMLBody, part.PartID)
	}
}
