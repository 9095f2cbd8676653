// Package mailget reconstructs JMAP Email/get responses from the C2/C3
// components mail ingest wrote: a mailingest.Projection record for the
// structured fields, and the blob store for raw bytes (message headers
// and non-identity-encoded body parts alike). It generalizes the
// teacher's cmd/email-get handler into a component that doesn't care
// which transport (Lambda, HTTP, RPC) is driving it.
package mailget

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/textproto"
	"strings"
	"time"

	"github.com/mailstore/jmapcore/internal/blob"
	"github.com/mailstore/jmapcore/internal/charset"
	"github.com/mailstore/jmapcore/internal/email"
	"github.com/mailstore/jmapcore/internal/headers"
	"github.com/mailstore/jmapcore/internal/mailingest"
	"github.com/mailstore/jmapcore/internal/store"
)

// DefaultMaxBodyValueBytes is the fallback cap on a single bodyValues
// entry when the caller does not set one explicitly.
const DefaultMaxBodyValueBytes = 256 * 1024

// Getter reconstructs Email/get responses for one account.
type Getter struct {
	docs              *store.Store
	blobs             *blob.Store
	maxBodyValueBytes int
}

// New returns a Getter over the given document and blob stores. maxBodyValueBytes
// is the server-wide cap a request's own maxBodyValueBytes argument is clamped to.
func New(docs *store.Store, blobs *blob.Store, maxBodyValueBytes int) *Getter {
	if maxBodyValueBytes <= 0 {
		maxBodyValueBytes = DefaultMaxBodyValueBytes
	}
	return &Getter{docs: docs, blobs: blobs, maxBodyValueBytes: maxBodyValueBytes}
}

// Request names one Email/get call's arguments.
type Request struct {
	AccountID           string
	DocumentIDs         []store.DocumentID
	Properties          []string // empty means "all"
	HeaderProperties     []*headers.HeaderProperty
	FetchTextBodyValues bool
	FetchHTMLBodyValues bool
	FetchAllBodyValues  bool
	MaxBodyValueBytes   int // 0 means use the server default
}

// Response is the reconstructed Email/get result: one map per found
// document (already filtered to the requested properties) plus the ids
// that weren't found.
type Response struct {
	List     []map[string]any
	NotFound []store.DocumentID
}

// Get reconstructs every requested document's Email/get representation.
func (g *Getter) Get(ctx context.Context, req Request) (*Response, error) {
	maxBytes := g.maxBodyValueBytes
	if req.MaxBodyValueBytes > 0 && req.MaxBodyValueBytes < maxBytes {
		maxBytes = req.MaxBodyValueBytes
	}

	resp := &Response{List: []map[string]any{}, NotFound: []store.DocumentID{}}
	for _, id := range req.DocumentIDs {
		proj, err := mailingest.LoadProjection(ctx, g.docs, req.AccountID, id)
		if err == store.ErrNotFound {
			resp.NotFound = append(resp.NotFound, id)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("mailget: load %v: %w", id, err)
		}

		var rawHeaders textproto.MIMEHeader
		if len(req.HeaderProperties) > 0 && proj.HeaderSize > 0 {
			// A failure here only drops header:* properties for this one
			// document; it doesn't fail the whole batch, matching the
			// teacher's own best-effort header fetch.
			rawHeaders, _ = g.fetchRawHeaders(ctx, req.AccountID, proj)
		}

		item := g.transform(ctx, req.AccountID, id, proj, req.Properties, req.HeaderProperties, rawHeaders,
			req.FetchTextBodyValues, req.FetchHTMLBodyValues, req.FetchAllBodyValues, maxBytes)
		resp.List = append(resp.List, item)
	}
	return resp, nil
}

func (g *Getter) fetchRawHeaders(ctx context.Context, accountID string, proj *mailingest.Projection) (textproto.MIMEHeader, error) {
	blobID, err := blob.ParseID(proj.BlobID)
	if err != nil {
		return nil, err
	}
	r, err := g.blobs.GetRange(ctx, blobID, 0, proj.HeaderSize)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return textproto.NewReader(bufio.NewReader(r)).ReadMIMEHeader()
}

func (g *Getter) transform(ctx context.Context, accountID string, id store.DocumentID, proj *mailingest.Projection,
	properties []string, headerProps []*headers.HeaderProperty, rawHeaders textproto.MIMEHeader,
	fetchText, fetchHTML, fetchAll bool, maxBytes int) map[string]any {

	full := map[string]any{
		"id":            fmt.Sprintf("%d", id),
		"blobId":        proj.BlobID,
		"threadId":      proj.ThreadID,
		"mailboxIds":    ensureMap(proj.MailboxIDs),
		"keywords":      ensureMap(proj.Keywords),
		"size":          proj.Size,
		"receivedAt":    formatTime(proj.ReceivedAt),
		"messageId":     proj.MessageID,
		"inReplyTo":     proj.InReplyTo,
		"references":    proj.References,
		"from":          transformAddresses(proj.From),
		"sender":        transformAddressesNullable(proj.Sender),
		"to":            transformAddresses(proj.To),
		"cc":            transformAddresses(proj.CC),
		"bcc":           transformAddressesNullable(proj.Bcc),
		"replyTo":       transformAddresses(proj.ReplyTo),
		"subject":       proj.Subject,
		"sentAt":        formatTime(proj.SentAt),
		"hasAttachment": proj.HasAttachment,
		"preview":       proj.Preview,
		"bodyStructure": transformBodyPart(proj.BodyStructure),
		"textBody":      transformBodyPartRefs(proj.TextBody),
		"htmlBody":      transformBodyPartRefs(proj.HTMLBody),
		"attachments":   transformBodyPartRefs(proj.Attachments),
		"bodyValues":    g.buildBodyValues(ctx, accountID, proj, fetchText, fetchHTML, fetchAll, maxBytes),
	}

	for _, hp := range headerProps {
		full[buildHeaderPropertyName(hp)] = getHeaderValue(rawHeaders, hp)
	}

	if len(properties) == 0 {
		return full
	}

	filtered := make(map[string]any, len(properties)+1)
	for _, prop := range properties {
		if val, ok := full[prop]; ok {
			filtered[prop] = val
		}
	}
	filtered["id"] = full["id"] // RFC 8621 4.1: id is always present
	return filtered
}

func (g *Getter) buildBodyValues(ctx context.Context, accountID string, proj *mailingest.Projection, fetchText, fetchHTML, fetchAll bool, maxBytes int) map[string]any {
	result := map[string]any{}
	for _, partID := range collectBodyPartIDs(proj, fetchText, fetchHTML, fetchAll) {
		part := email.FindBodyPart(proj.BodyStructure, partID)
		value, truncated, encodingProblem := g.fetchBodyValue(ctx, accountID, part, maxBytes)
		result[partID] = map[string]any{
			"value":             value,
			"isTruncated":       truncated,
			"isEncodingProblem": encodingProblem,
		}
	}
	return result
}

func (g *Getter) fetchBodyValue(ctx context.Context, accountID string, part *email.BodyPart, maxBytes int) (value string, truncated bool, encodingProblem bool) {
	if part == nil || part.BlobID == "" {
		return "", false, true
	}
	id, err := blob.ParseID(part.BlobID)
	if err != nil {
		return "", false, true
	}
	r, err := g.blobs.GetRange(ctx, id, 0, -1)
	if err != nil {
		return "", false, true
	}
	defer r.Close()

	decoded, problem, err := charset.DecodeReader(r, part.Charset)
	if err != nil {
		return "", false, true
	}

	buf := make([]byte, maxBytes+1)
	n, err := io.ReadFull(decoded, buf)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return "", false, true
	}
	if n > maxBytes {
		return string(buf[:maxBytes]), true, problem
	}
	return string(buf[:n]), false, problem
}

func ensureMap(m map[string]bool) map[string]bool {
	if m == nil {
		return map[string]bool{}
	}
	return m
}

func collectBodyPartIDs(proj *mailingest.Projection, fetchText, fetchHTML, fetchAll bool) []string {
	seen := map[string]bool{}
	var ids []string
	add := func(partID string) {
		if !seen[partID] {
			seen[partID] = true
			ids = append(ids, partID)
		}
	}
	if fetchText {
		for _, id := range proj.TextBody {
			add(id)
		}
	}
	if fetchHTML {
		htmlParts := proj.HTMLBody
		if len(htmlParts) == 0 {
			htmlParts = proj.TextBody
		}
		for _, id := range htmlParts {
			add(id)
		}
	}
	if fetchAll {
		collectAllTextPartIDs(proj.BodyStructure, seen, &ids)
	}
	return ids
}

func collectAllTextPartIDs(bp email.BodyPart, seen map[string]bool, ids *[]string) {
	if strings.HasPrefix(bp.Type, "text/") && !seen[bp.PartID] {
		seen[bp.PartID] = true
		*ids = append(*ids, bp.PartID)
	}
	for _, sub := range bp.SubParts {
		collectAllTextPartIDs(sub, seen, ids)
	}
}

func buildHeaderPropertyName(hp *headers.HeaderProperty) string {
	name := "header:" + hp.Name
	switch hp.Form {
	case headers.FormText:
		name += ":asText"
	case headers.FormAddresses:
		name += ":asAddresses"
	case headers.FormGroupedAddresses:
		name += ":asGroupedAddresses"
	case headers.FormMessageIds:
		name += ":asMessageIds"
	case headers.FormDate:
		name += ":asDate"
	case headers.FormURLs:
		name += ":asURLs"
	}
	if hp.All {
		name += ":all"
	}
	return name
}

func getHeaderValue(rawHeaders textproto.MIMEHeader, hp *headers.HeaderProperty) any {
	if rawHeaders == nil {
		return nil
	}
	values := rawHeaders.Values(hp.Name)
	if len(values) == 0 {
		if hp.All {
			return []any{}
		}
		return nil
	}

	if hp.Form == headers.FormAddresses || hp.Form == headers.FormGroupedAddresses {
		return getAddressHeaderValue(values, hp)
	}

	if hp.All {
		results := make([]any, len(values))
		for i, v := range values {
			results[i], _ = headers.ApplyForm(v, hp.Form)
		}
		return results
	}
	result, _ := headers.ApplyForm(values[len(values)-1], hp.Form)
	return result
}

// getAddressHeaderValue parses every occurrence of an address header as
// a flat, ungrouped address list (net/mail has no group syntax support)
// and reshapes the result through the same transform_json_emailaddress
// implementation that serves Email/get's native address properties:
// the parsed occurrences are the (isGrouped=false, isCollection=true)
// input, and the requested form plus :all are the (asGrouped,
// asCollection) target.
func getAddressHeaderValue(values []string, hp *headers.HeaderProperty) any {
	occurrences := make([]any, len(values))
	for i, v := range values {
		addrs, err := headers.ParseAddresses(v)
		if err != nil {
			addrs = nil
		}
		occurrences[i] = headers.EmailAddressesToAny(addrs)
	}
	return headers.TransformEmailAddress(occurrences, false, true, hp.Form == headers.FormGroupedAddresses, hp.All)
}

func emailAddressesToAny(addrs []email.EmailAddress) []any {
	out := make([]any, len(addrs))
	for i, addr := range addrs {
		out[i] = map[string]any{"name": addr.Name, "email": addr.Email}
	}
	return out
}

// transformAddresses renders addrs in Email/get's native address shape
// (flat, not grouped, not a collection of occurrences) by calling the
// same transform_json_emailaddress headers.TransformEmailAddress
// implements for header:*:asAddresses/:asGroupedAddresses properties, so
// the two address-shaped outputs in this service share one
// implementation of the spec's 16-way truth table instead of two.
func transformAddresses(addrs []email.EmailAddress) any {
	if addrs == nil {
		return nil
	}
	return headers.TransformEmailAddress(emailAddressesToAny(addrs), false, false, false, false)
}

func transformAddressesNullable(addrs []email.EmailAddress) any {
	if len(addrs) == 0 {
		return nil
	}
	return transformAddresses(addrs)
}

func transformBodyPart(bp email.BodyPart) map[string]any {
	result := map[string]any{
		"partId": bp.PartID,
		"type":   bp.Type,
		"size":   bp.Size,
	}
	if bp.BlobID != "" {
		result["blobId"] = bp.BlobID
	}
	if bp.Charset != "" {
		result["charset"] = bp.Charset
	}
	if bp.Disposition != "" {
		result["disposition"] = bp.Disposition
	}
	if bp.Name != "" {
		result["name"] = bp.Name
	}
	if len(bp.SubParts) > 0 {
		subParts := make([]map[string]any, len(bp.SubParts))
		for i, sub := range bp.SubParts {
			subParts[i] = transformBodyPart(sub)
		}
		result["subParts"] = subParts
	}
	return result
}

func transformBodyPartRefs(refs []string) []map[string]any {
	if refs == nil {
		return nil
	}
	result := make([]map[string]any, len(refs))
	for i, ref := range refs {
		result[i] = map[string]any{"partId": ref}
	}
	return result
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
