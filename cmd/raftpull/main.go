// Command raftpull is a follower daemon: it opens an RPC peer task (C8)
// to a configured remote, repeatedly pulls committed Raft entries (C5),
// and advances its local watermark (C3/C4) so reads against the shared
// change log know how far they can trust what they see.
package main

import (
	"context"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jarrod-lowe/jmap-service-libs/awsinit"
	"github.com/jarrod-lowe/jmap-service-libs/dbclient"
	"github.com/jarrod-lowe/jmap-service-libs/logging"
	"github.com/mailstore/jmapcore/internal/raftlog"
	"github.com/mailstore/jmapcore/internal/raftreplay"
	"github.com/mailstore/jmapcore/internal/rpcpeer"
	"github.com/mailstore/jmapcore/internal/store"
)

var logger = logging.New()

func accountIDs() []string {
	raw := os.Getenv("RAFT_ACCOUNT_IDS")
	if raw == "" {
		return nil
	}
	var ids []string
	for _, id := range strings.Split(raw, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

func pullInterval() time.Duration {
	if raw := os.Getenv("RAFT_PULL_INTERVAL_SECONDS"); raw != "" {
		if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 5 * time.Second
}

// serve answers incoming pull requests from followers against the local
// raftlog.Log, for the leader side of a raftpull deployment.
func serve(ctx context.Context, listenAddr string, log *raftlog.Log, authKey string) {
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		logger.Error("FATAL: raft pull listener failed", slog.String("error", err.Error()))
		panic(err)
	}
	logger.Info("raft pull listener started", slog.String("addr", listenAddr))
	for {
		conn, err := ln.Accept()
		if err != nil {
			logger.Warn("accept failed", slog.String("error", err.Error()))
			continue
		}
		go serveConn(ctx, conn, log, authKey)
	}
}

func serveConn(ctx context.Context, conn net.Conn, log *raftlog.Log, authKey string) {
	defer conn.Close()
	peerID, err := rpcpeer.Authenticate(conn, authKey)
	if err != nil {
		logger.Warn("peer auth failed", slog.String("error", err.Error()))
		return
	}
	logger.Info("peer authenticated", slog.String("peer_id", peerID))
	for {
		req, err := rpcpeer.ReadRequest(conn)
		if err != nil {
			return
		}
		respPayload, err := raftreplay.ServePull(ctx, log, req.Payload)
		if err != nil {
			logger.Warn("failed to serve pull", slog.String("error", err.Error()))
			return
		}
		if req.NeedsResponse {
			if err := rpcpeer.Reply(conn, req, respPayload); err != nil {
				return
			}
		}
	}
}

// followLoop repeatedly pulls every configured account from one remote
// peer until ctx is canceled.
func followLoop(ctx context.Context, follower *raftreplay.Follower, accounts []string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		for _, accountID := range accounts {
			applied, err := follower.Pull(ctx, accountID)
			if err != nil {
				logger.Warn("raft pull failed",
					slog.String("account_id", accountID),
					slog.String("error", err.Error()),
				)
				continue
			}
			if applied > 0 {
				logger.Info("raft pull applied entries",
					slog.String("account_id", accountID),
					slog.Int("applied", applied),
				)
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func main() {
	ctx := context.Background()

	result, err := awsinit.Init(ctx)
	if err != nil {
		logger.Error("FATAL: Failed to initialize", slog.String("error", err.Error()))
		panic(err)
	}

	tableName := os.Getenv("EMAIL_TABLE_NAME")
	dynamoClient := dbclient.NewClient(result.Config)
	docs := store.New(dynamoClient, tableName)
	authKey := os.Getenv("RAFT_AUTH_KEY")

	if listenAddr := os.Getenv("RAFT_LISTEN_ADDR"); listenAddr != "" {
		log := raftlog.New(docs)
		serve(ctx, listenAddr, log, authKey)
		return
	}

	peerAddr := os.Getenv("RAFT_PEER_ADDR")
	if peerAddr == "" {
		logger.Error("FATAL: RAFT_PEER_ADDR is required when not listening")
		panic("raftpull: RAFT_PEER_ADDR is required")
	}
	accounts := accountIDs()
	if len(accounts) == 0 {
		logger.Error("FATAL: RAFT_ACCOUNT_IDS is required")
		panic("raftpull: RAFT_ACCOUNT_IDS is required")
	}

	task := rpcpeer.New(peerAddr, nil)
	task.SetAuth(os.Getenv("RAFT_PEER_ID"), authKey)
	defer task.Close()
	follower := raftreplay.NewFollower(task, docs)

	followLoop(ctx, follower, accounts, pullInterval())
}
