// Package main implements the Email/get Lambda handler.
package main

import (
	"context"
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
	"github.com/mailstore/jmapcore/internal/headers"
	"github.com/mailstore/jmapcore/internal/mailget"
	"github.com/mailstore/jmapcore/internal/store"
)

var logger = logging.New()

// handler implements the Email/get logic over mailget.Getter, the
// component shared with every other caller that reconstructs JMAP Email
// representations (e.g. a future raftpull follower).
type handler struct {
	getter *mailget.Getter
	log    *changelog.Log
}

func newHandler(getter *mailget.Getter, log *changelog.Log) *handler {
	return &handler{getter: getter, log: log}
}

// handle processes an Email/get request.
func (h *handler) handle(ctx context.Context, request plugincontract.PluginInvocationRequest) (plugincontract.PluginInvocationResponse, error) {
	tracer := tracing.Tracer("jmap-email-get")
	ctx, span := tracer.Start(ctx, "EmailGetHandler")
	defer span.End()

	if request.Method != "Email/get" {
		return errorResponse(request.ClientID, jmaperror.UnknownMethod("This handler only supports Email/get")), nil
	}

	accountID := request.AccountID
	if argAccountID, ok := request.Args["accountId"].(string); ok {
		accountID = argAccountID
	}

	idsArg, ok := request.Args["ids"]
	if !ok {
		return errorResponse(request.ClientID, jmaperror.InvalidArguments("ids argument is required")), nil
	}
	idsSlice, ok := idsArg.([]any)
	if !ok {
		return errorResponse(request.ClientID, jmaperror.InvalidArguments("ids argument must be an array")), nil
	}

	var properties []string
	var headerProps []*headers.HeaderProperty
	if propsArg, ok := request.Args["properties"]; ok {
		propsSlice, ok := propsArg.([]any)
		if !ok {
			return errorResponse(request.ClientID, jmaperror.InvalidArguments("properties argument must be an array")), nil
		}
		for _, p := range propsSlice {
			prop, ok := p.(string)
			if !ok {
				return errorResponse(request.ClientID, jmaperror.InvalidArguments("properties must contain strings")), nil
			}
			if headers.IsHeaderProperty(prop) {
				headerProp, err := headers.ParseHeaderProperty(prop)
				if err != nil {
					return errorResponse(request.ClientID, jmaperror.InvalidArguments("invalid header property \""+prop+"\": "+err.Error())), nil
				}
				if err := headers.ValidateForm(headerProp.Name, headerProp.Form); err != nil {
					return errorResponse(request.ClientID, jmaperror.InvalidArguments(err.Error())), nil
				}
				headerProps = append(headerProps, headerProp)
			}
			properties = append(properties, prop)
		}
	}

	fetchTextBodyValues, _ := request.Args["fetchTextBodyValues"].(bool)
	fetchHTMLBodyValues, _ := request.Args["fetchHTMLBodyValues"].(bool)
	fetchAllBodyValues, _ := request.Args["fetchAllBodyValues"].(bool)

	maxBodyValueBytes := 0
	if v, ok := request.Args["maxBodyValueBytes"].(float64); ok && v > 0 {
		maxBodyValueBytes = int(v)
	}

	var documentIDs []store.DocumentID
	var notFound []any
	for _, id := range idsSlice {
		idStr, ok := id.(string)
		if !ok {
			return errorResponse(request.ClientID, jmaperror.InvalidArguments("ids must contain strings")), nil
		}
		n, err := strconv.ParseUint(idStr, 10, 32)
		if err != nil {
			notFound = append(notFound, idStr)
			continue
		}
		documentIDs = append(documentIDs, store.DocumentID(n))
	}

	result, err := h.getter.Get(ctx, mailget.Request{
		AccountID:           accountID,
		DocumentIDs:         documentIDs,
		Properties:          properties,
		HeaderProperties:    headerProps,
		FetchTextBodyValues: fetchTextBodyValues,
		FetchHTMLBodyValues: fetchHTMLBodyValues,
		FetchAllBodyValues:  fetchAllBodyValues,
		MaxBodyValueBytes:   maxBodyValueBytes,
	})
	if err != nil {
		logger.ErrorContext(ctx, "Failed to get emails",
			slog.String("account_id", accountID),
			slog.String("error", err.Error()),
		)
		return errorResponse(request.ClientID, jmaperror.ServerFail(err.Error(), err)), nil
	}

	list := make([]any, len(result.List))
	for i, item := range result.List {
		list[i] = item
	}
	for _, id := range result.NotFound {
		notFound = append(notFound, strconv.FormatUint(uint64(id), 10))
	}
	if notFound == nil {
		notFound = []any{}
	}

	stateStr := "0"
	if h.log != nil {
		currentState, err := h.log.CurrentChangeID(ctx, accountID, store.CollectionMail)
		if err != nil {
			logger.ErrorContext(ctx, "Failed to get current state",
				slog.String("account_id", accountID),
				slog.String("error", err.Error()),
			)
			return errorResponse(request.ClientID, jmaperror.ServerFail(err.Error(), err)), nil
		}
		stateStr = strconv.FormatUint(uint64(currentState), 10)
	}

	logger.InfoContext(ctx, "Email/get completed",
		slog.String("account_id", accountID),
		slog.Int("list_count", len(list)),
		slog.Int("not_found_count", len(notFound)),
	)

	return plugincontract.PluginInvocationResponse{
		MethodResponse: plugincontract.MethodResponse{
			Name: "Email/get",
			Args: map[string]any{
				"accountId": accountID,
				"state":     stateStr,
				"list":      list,
				"notFound":  notFound,
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

	serverMaxBodyValueBytes := mailget.DefaultMaxBodyValueBytes
	if maxBytesStr := os.Getenv("MAX_BODY_VALUE_BYTES"); maxBytesStr != "" {
		if parsed, err := strconv.Atoi(maxBytesStr); err == nil && parsed > 0 {
			serverMaxBodyValueBytes = parsed
		}
	}

	dynamoClient := dbclient.NewClient(result.Config)
	docs := store.New(dynamoClient, tableName)
	blobs := blob.NewStore(s3.NewFromConfig(result.Config), bucketName, docs)
	log := changelog.New(docs)
	getter := mailget.New(docs, blobs, serverMaxBodyValueBytes)

	h := newHandler(getter, log)
	result.Start(h.handle)
}
