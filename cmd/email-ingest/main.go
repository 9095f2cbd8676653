// Package main implements the Email/import Lambda handler: accepts a raw
// RFC 5322 message and runs it through mail ingest (C6).
package main

import (
	"context"
	"encoding/base64"
	"log/slog"
	"os"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jarrod-lowe/jmap-service-libs/plugincontract"
	"github.com/jarrod-lowe/jmap-service-libs/awsinit"
	"github.com/jarrod-lowe/jmap-service-libs/dbclient"
	"github.com/jarrod-lowe/jmap-service-libs/jmaperror"
	"github.com/jarrod-lowe/jmap-service-libs/logging"
	"github.com/jarrod-lowe/jmap-service-libs/tracing"
	"github.com/mailstore/jmapcore/internal/blob"
	"github.com/mailstore/jmapcore/internal/changelog"
	"github.com/mailstore/jmapcore/internal/mailingest"
	"github.com/mailstore/jmapcore/internal/store"
)

var logger = logging.New()

// handler implements the Email/import logic over mailingest.Pipeline.
type handler struct {
	pipeline *mailingest.Pipeline
}

func newHandler(pipeline *mailingest.Pipeline) *handler {
	return &handler{pipeline: pipeline}
}

func stringSet(args map[string]any, key string) []string {
	obj, ok := args[key].(map[string]any)
	if !ok {
		return nil
	}
	var out []string
	for k, v := range obj {
		if b, ok := v.(bool); ok && b {
			out = append(out, k)
		}
	}
	return out
}

// handle processes a single-message Email/import request: a base64-
// encoded raw RFC 5322 message plus its initial mailbox/keyword state.
func (h *handler) handle(ctx context.Context, request plugincontract.PluginInvocationRequest) (plugincontract.PluginInvocationResponse, error) {
	tracer := tracing.Tracer("jmap-email-ingest")
	ctx, span := tracer.Start(ctx, "EmailIngestHandler")
	defer span.End()

	if request.Method != "Email/import" {
		return errorResponse(request.ClientID, jmaperror.UnknownMethod("This handler only supports Email/import")), nil
	}

	accountID := request.AccountID
	if argAccountID, ok := request.Args["accountId"].(string); ok {
		accountID = argAccountID
	}

	rawB64, ok := request.Args["raw"].(string)
	if !ok || rawB64 == "" {
		return errorResponse(request.ClientID, jmaperror.InvalidArguments("raw argument (base64-encoded RFC 5322 message) is required")), nil
	}
	raw, err := base64.StdEncoding.DecodeString(rawB64)
	if err != nil {
		return errorResponse(request.ClientID, jmaperror.InvalidArguments("raw argument must be valid base64: "+err.Error())), nil
	}

	mailboxIDs := stringSet(request.Args, "mailboxIds")
	if len(mailboxIDs) == 0 {
		return errorResponse(request.ClientID, jmaperror.InvalidProperties("mailboxIds must name at least one mailbox", nil)), nil
	}
	keywords := stringSet(request.Args, "keywords")

	var threadID uint32
	if threadIDArg, ok := request.Args["threadId"].(float64); ok && threadIDArg > 0 {
		threadID = uint32(threadIDArg)
	}

	result, err := h.pipeline.Ingest(ctx, mailingest.Request{
		AccountID:  accountID,
		Raw:        raw,
		MailboxIDs: mailboxIDs,
		Keywords:   keywords,
		ThreadID:   threadID,
	})
	if err != nil {
		logger.ErrorContext(ctx, "Failed to ingest email",
			slog.String("account_id", accountID),
			slog.String("error", err.Error()),
		)
		return errorResponse(request.ClientID, jmaperror.InvalidEmail(err.Error())), nil
	}

	logger.InfoContext(ctx, "Email/import completed",
		slog.String("account_id", accountID),
		slog.Uint64("document_id", uint64(result.DocumentID)),
		slog.Uint64("change_id", uint64(result.ChangeID)),
	)

	return plugincontract.PluginInvocationResponse{
		MethodResponse: plugincontract.MethodResponse{
			Name: "Email/import",
			Args: map[string]any{
				"accountId": accountID,
				"created": map[string]any{
					"id":     strconv.FormatUint(uint64(result.DocumentID), 10),
					"blobId": result.BlobID.String(),
					"size":   result.Parsed.Size,
				},
			},
			ClientID: request.ClientID,
		},
	}, nil
}

// errorResponse creates an error response from a jmaperror.MethodError.
func errorResponse(clientID string, err *jmaperror.MethodError) plugincontract.PluginInvocationResponse {
	return plugincontract.PluginInvocationResponse{
		MethodResponse: plugincontract.MethodResponse{
			Name:     "error",
			Args:     err.ToMap(),
			ClientID: clientID,
		},
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
	bucketName := os.Getenv("BLOB_BUCKET_NAME")

	dynamoClient := dbclient.NewClient(result.Config)
	docs := store.New(dynamoClient, tableName)
	blobs := blob.NewStore(s3.NewFromConfig(result.Config), bucketName, docs)
	log := changelog.New(docs)
	pipeline := mailingest.New(blobs, docs, log)

	h := newHandler(pipeline)
	result.Start(h.handle)
}
