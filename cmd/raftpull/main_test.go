package main

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/mailstore/jmapcore/internal/raftlog"
	"github.com/mailstore/jmapcore/internal/raftreplay"
	"github.com/mailstore/jmapcore/internal/store"
)

type fakeDynamo struct{ items map[string]map[string]types.AttributeValue }

func newFakeDynamo() *fakeDynamo { return &fakeDynamo{items: map[string]map[string]types.AttributeValue{}} }

func dkey(pk, sk string) string { return pk + "\x00" + sk }

func attrString(attrs map[string]types.AttributeValue, name string) string {
	if v, ok := attrs[name].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	return &dynamodb.GetItemOutput{Item: f.items[dkey(attrString(in.Key, store.AttrPK), attrString(in.Key, store.AttrSK))]}, nil
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	k := dkey(attrString(in.Item, store.AttrPK), attrString(in.Item, store.AttrSK))
	if in.ConditionExpression != nil {
		if _, exists := f.items[k]; exists {
			return nil, &types.ConditionalCheckFailedException{}
		}
	}
	f.items[k] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	delete(f.items, dkey(attrString(in.Key, store.AttrPK), attrString(in.Key, store.AttrSK)))
	return &dynamodb.DeleteItemOutput{}, nil
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	pk := attrString(in.ExpressionAttributeValues, ":pk")
	var out []map[string]types.AttributeValue
	for _, item := range f.items {
		if attrString(item, store.AttrPK) == pk {
			out = append(out, item)
		}
	}
	return &dynamodb.QueryOutput{Items: out}, nil
}

func (f *fakeDynamo) TransactWriteItems(_ context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	for _, item := range in.TransactItems {
		if item.Put == nil {
			continue
		}
		k := dkey(attrString(item.Put.Item, store.AttrPK), attrString(item.Put.Item, store.AttrSK))
		f.items[k] = item.Put.Item
	}
	return &dynamodb.TransactWriteItemsOutput{}, nil
}

// directSender answers Pull requests against a local raftlog.Log
// directly, standing in for an rpcpeer.Task round trip.
type directSender struct{ log *raftlog.Log }

func (d *directSender) Send(ctx context.Context, payload []byte, needsResponse bool) ([]byte, error) {
	return raftreplay.ServePull(ctx, d.log, payload)
}

func TestAccountIDsParsesCommaList(t *testing.T) {
	t.Setenv("RAFT_ACCOUNT_IDS", "acct1, acct2 ,,acct3")
	got := accountIDs()
	want := []string{"acct1", "acct2", "acct3"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestAccountIDsEmptyWhenUnset(t *testing.T) {
	os.Unsetenv("RAFT_ACCOUNT_IDS")
	if got := accountIDs(); got != nil {
		t.Fatalf("got %v, want nil", got)
	}
}

func TestPullIntervalDefaultsAndOverrides(t *testing.T) {
	os.Unsetenv("RAFT_PULL_INTERVAL_SECONDS")
	if got := pullInterval(); got != 5*time.Second {
		t.Fatalf("got %v, want 5s", got)
	}

	t.Setenv("RAFT_PULL_INTERVAL_SECONDS", "2")
	if got := pullInterval(); got != 2*time.Second {
		t.Fatalf("got %v, want 2s", got)
	}
}

func TestFollowLoopAppliesAccountsUntilCanceled(t *testing.T) {
	leaderDocs := store.New(newFakeDynamo(), "t")
	log := raftlog.New(leaderDocs)
	if _, err := log.Append(context.Background(), 1, "acct1", []raftlog.Change{{ChangeID: 1, Collection: store.CollectionMail}}); err != nil {
		t.Fatal(err)
	}

	followerDocs := store.New(newFakeDynamo(), "t")
	follower := raftreplay.NewFollower(&directSender{log: log}, followerDocs)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		followLoop(ctx, follower, []string{"acct1"}, time.Millisecond)
		close(done)
	}()

	deadline := time.After(time.Second)
	for {
		watermark, err := follower.Watermark(context.Background(), "acct1")
		if err != nil {
			t.Fatal(err)
		}
		if !watermark.IsNone() {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for follower to apply entry")
		case <-time.After(time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("followLoop did not return after cancel")
	}
}
