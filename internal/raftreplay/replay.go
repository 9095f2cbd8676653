// Package raftreplay is a follower's half of C5/C8: pull committed Raft
// entries from a remote peer over internal/rpcpeer, and record the
// highest (term, index) applied per account so the follower knows how
// far its view of the shared change log (C4) can be trusted.
//
// The change log itself lives in the same DynamoDB table every node
// reads, so there is no content to copy; pulling Raft entries is how a
// follower learns which change ids the leader has already committed
// cluster-wide before serving reads against them.
package raftreplay

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/mailstore/jmapcore/internal/raftlog"
	"github.com/mailstore/jmapcore/internal/store"
)

// PullRequest asks a peer for every Raft entry after Since. AccountID
// names the account whose watermark the requester advances; ServePull
// does not filter entries by it.
type PullRequest struct {
	AccountID string
	Since     raftlog.ID
}

// PullResponse is a peer's reply: every entry it has after the
// requester's Since cursor.
type PullResponse struct {
	Entries []raftlog.Entry
}

// Sender delivers a PullRequest's encoded bytes to a peer and returns
// its encoded PullResponse; *rpcpeer.Task.Send (needsResponse=true)
// satisfies this.
type Sender interface {
	Send(ctx context.Context, payload []byte, needsResponse bool) ([]byte, error)
}

const watermarkAttr = "data"

// watermarkDocumentID is the document id raftreplay reserves in CollectionRaft
// to store one account's applied cursor. Accounts are parceled out by
// name, not by allocated id, so this is the only document ever written
// per account.
const watermarkDocumentID = store.DocumentID(1)

// Follower pulls and applies Raft entries from one remote peer.
type Follower struct {
	sender Sender
	docs   *store.Store
}

// NewFollower returns a Follower that pulls from sender and records
// watermarks in docs.
func NewFollower(sender Sender, docs *store.Store) *Follower {
	return &Follower{sender: sender, docs: docs}
}

// Watermark returns the highest Raft entry id this follower has applied
// for accountID, or raftlog.None if it has applied nothing yet.
func (f *Follower) Watermark(ctx context.Context, accountID string) (raftlog.ID, error) {
	item, err := f.docs.GetRecord(ctx, accountID, store.CollectionRaft, watermarkDocumentID)
	if err == store.ErrNotFound {
		return raftlog.None, nil
	}
	if err != nil {
		return raftlog.ID{}, err
	}
	attr, ok := item.Attrs[watermarkAttr].(*types.AttributeValueMemberB)
	if !ok {
		return raftlog.None, nil
	}
	var id raftlog.ID
	if err := gob.NewDecoder(bytes.NewReader(attr.Value)).Decode(&id); err != nil {
		return raftlog.ID{}, fmt.Errorf("raftreplay: decode watermark: %w", err)
	}
	return id, nil
}

func (f *Follower) saveWatermark(ctx context.Context, accountID string, id raftlog.ID) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(id); err != nil {
		return fmt.Errorf("raftreplay: encode watermark: %w", err)
	}
	return f.docs.PutRecord(ctx, accountID, store.CollectionRaft, watermarkDocumentID, map[string]types.AttributeValue{
		watermarkAttr: &types.AttributeValueMemberB{Value: buf.Bytes()},
	})
}

// Pull fetches every entry after this follower's current watermark for
// accountID, advances the watermark past the highest one received, and
// returns how many entries were applied.
func (f *Follower) Pull(ctx context.Context, accountID string) (int, error) {
	since, err := f.Watermark(ctx, accountID)
	if err != nil {
		return 0, fmt.Errorf("raftreplay: load watermark: %w", err)
	}

	var reqBuf bytes.Buffer
	if err := gob.NewEncoder(&reqBuf).Encode(PullRequest{AccountID: accountID, Since: since}); err != nil {
		return 0, fmt.Errorf("raftreplay: encode request: %w", err)
	}

	replyBytes, err := f.sender.Send(ctx, reqBuf.Bytes(), true)
	if err != nil {
		return 0, fmt.Errorf("raftreplay: pull from peer: %w", err)
	}

	var resp PullResponse
	if err := gob.NewDecoder(bytes.NewReader(replyBytes)).Decode(&resp); err != nil {
		return 0, fmt.Errorf("raftreplay: decode response: %w", err)
	}
	if len(resp.Entries) == 0 {
		return 0, nil
	}

	highest := since
	for _, entry := range resp.Entries {
		if highest.Less(entry.ID) {
			highest = entry.ID
		}
	}
	if err := f.saveWatermark(ctx, accountID, highest); err != nil {
		return 0, fmt.Errorf("raftreplay: save watermark: %w", err)
	}
	return len(resp.Entries), nil
}

// ServePull answers a peer's PullRequest from the local raftlog.Log,
// for the leader side of the same connection.
func ServePull(ctx context.Context, log *raftlog.Log, reqBytes []byte) ([]byte, error) {
	var req PullRequest
	if err := gob.NewDecoder(bytes.NewReader(reqBytes)).Decode(&req); err != nil {
		return nil, fmt.Errorf("raftreplay: decode pull request: %w", err)
	}
	entries, err := log.Entries(ctx, req.Since, 0)
	if err != nil {
		return nil, fmt.Errorf("raftreplay: read entries: %w", err)
	}
	var respBuf bytes.Buffer
	if err := gob.NewEncoder(&respBuf).Encode(PullResponse{Entries: entries}); err != nil {
		return nil, fmt.Errorf("raftreplay: encode response: %w", err)
	}
	return respBuf.Bytes(), nil
}
