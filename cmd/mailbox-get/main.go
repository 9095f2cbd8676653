// Package main implements the Mailbox/get Lambda handler.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jarrod-lowe/jmap-service-libs/awsinit"
	"github.com/jarrod-lowe/jmap-service-libs/dbclient"
	"github.com/jarrod-lowe/jmap-service-libs/jmaperror"
	"github.com/jarrod-lowe/jmap-service-libs/logging"
	"github.com/jarrod-lowe/jmap-service-libs/plugincontract"
	"github.com/jarrod-lowe/jmap-service-libs/tracing"
	"github.com/mailstore/jmapcore/internal/blob"
	"github.com/mailstore/jmapcore/internal/changelog"
	"github.com/mailstore/jmapcore/internal/mailbox"
	"github.com/mailstore/jmapcore/internal/mailingest"
	"github.com/mailstore/jmapcore/internal/store"
)

var logger = logging.New()

// handler implements the Mailbox/get logic over mailbox.Store.
type handler struct {
	mailboxes *mailbox.Store
	log       *changelog.Log
}

func newHandler(mailboxes *mailbox.Store, log *changelog.Log) *handler {
	return &handler{mailboxes: mailboxes, log: log}
}

// handle processes a Mailbox/get request.
func (h *handler) handle(ctx context.Context, request plugincontract.PluginInvocationRequest) (plugincontract.PluginInvocationResponse, error) {
	tracer := tracing.Tracer("jmap-mailbox-get")
	ctx, span := tracer.Start(ctx, "MailboxGetHandler")
	defer span.End()

	if request.Method != "Mailbox/get" {
		return errorResponse(request.ClientID, jmaperror.UnknownMethod("This handler only supports Mailbox/get")), nil
	}

	accountID := request.AccountID
	if argAccountID, ok := request.Args["accountId"].(string); ok {
		accountID = argAccountID
	}

	var properties []string
	if propsArg, ok := request.Args["properties"]; ok && propsArg != nil {
		propsSlice, ok := propsArg.([]any)
		if !ok {
			return errorResponse(request.ClientID, jmaperror.InvalidArguments("properties argument must be an array")), nil
		}
		for _, p := range propsSlice {
			prop, ok := p.(string)
			if !ok {
				return errorResponse(request.ClientID, jmaperror.InvalidArguments("properties must contain strings")), nil
			}
			properties = append(properties, prop)
		}
	}

	idsArg := request.Args["ids"]
	var mailboxes []*mailbox.Mailbox
	var notFound []any

	if idsArg == nil {
		all, err := h.mailboxes.List(ctx, accountID)
		if err != nil {
			logger.ErrorContext(ctx, "Failed to list mailboxes",
				slog.String("account_id", accountID),
				slog.String("error", err.Error()),
			)
			return errorResponse(request.ClientID, jmaperror.ServerFail(err.Error(), err)), nil
		}
		mailboxes = all
	} else {
		idsSlice, ok := idsArg.([]any)
		if !ok {
			return errorResponse(request.ClientID, jmaperror.InvalidArguments("ids argument must be an array or null")), nil
		}
		for _, id := range idsSlice {
			idStr, ok := id.(string)
			if !ok {
				return errorResponse(request.ClientID, jmaperror.InvalidArguments("ids must contain strings")), nil
			}
			mbox, err := h.mailboxes.Get(ctx, accountID, idStr)
			if err != nil {
				if errors.Is(err, mailbox.ErrMailboxNotFound) {
					notFound = append(notFound, idStr)
					continue
				}
				logger.ErrorContext(ctx, "Failed to get mailbox",
					slog.String("account_id", accountID),
					slog.String("mailbox_id", idStr),
					slog.String("error", err.Error()),
				)
				return errorResponse(request.ClientID, jmaperror.ServerFail(err.Error(), err)), nil
			}
			mailboxes = append(mailboxes, mbox)
		}
	}

	list := make([]any, 0, len(mailboxes))
	for _, mbox := range mailboxes {
		list = append(list, transformMailbox(mbox, properties))
	}
	if notFound == nil {
		notFound = []any{}
	}

	currentState, err := h.log.CurrentChangeID(ctx, accountID, store.CollectionMailbox)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to get current state",
			slog.String("account_id", accountID),
			slog.String("error", err.Error()),
		)
		return errorResponse(request.ClientID, jmaperror.ServerFail(err.Error(), err)), nil
	}

	logger.InfoContext(ctx, "Mailbox/get completed",
		slog.String("account_id", accountID),
		slog.Int("list_count", len(list)),
		slog.Int("not_found_count", len(notFound)),
	)

	return plugincontract.PluginInvocationResponse{
		MethodResponse: plugincontract.MethodResponse{
			Name: "Mailbox/get",
			Args: map[string]any{
				"accountId": accountID,
				"state":     strconv.FormatUint(uint64(currentState), 10),
				"list":      list,
				"notFound":  notFound,
			},
			ClientID: request.ClientID,
		},
	}, nil
}

// transformMailbox converts a mailbox.Mailbox to the JMAP response format.
func transformMailbox(m *mailbox.Mailbox, properties []string) map[string]any {
	full := map[string]any{
		"id":            m.ID,
		"name":          m.Name,
		"parentId":      nil, // flat hierarchy only
		"sortOrder":     m.SortOrder,
		"totalEmails":   m.TotalEmails,
		"unreadEmails":  m.UnreadEmails,
		"totalThreads":  m.TotalEmails,  // stubbed: equals totalEmails
		"unreadThreads": m.UnreadEmails, // stubbed: equals unreadEmails
		"myRights":      transformRights(mailbox.AllRights()),
		"isSubscribed":  m.IsSubscribed,
	}
	if m.Role != "" {
		full["role"] = m.Role
	}

	if len(properties) == 0 {
		return full
	}
	filtered := make(map[string]any)
	for _, prop := range properties {
		if val, ok := full[prop]; ok {
			filtered[prop] = val
		}
	}
	filtered["id"] = full["id"] // RFC 8620 5.1: id is always returned
	return filtered
}

func transformRights(r mailbox.MailboxRights) map[string]any {
	return map[string]any{
		"mayReadItems":   r.MayReadItems,
		"mayAddItems":    r.MayAddItems,
		"mayRemoveItems": r.MayRemoveItems,
		"maySetSeen":     r.MaySetSeen,
		"maySetKeywords": r.MaySetKeywords,
		"mayCreateChild": r.MayCreateChild,
		"mayRename":      r.MayRename,
		"mayDelete":      r.MayDelete,
		"maySubmit":      r.MaySubmit,
	}
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
	log := changelog.New(docs)
	blobs := blob.NewStore(s3.NewFromConfig(result.Config), bucketName, docs)
	mail := mailingest.New(blobs, docs, log)
	mailboxes := mailbox.New(docs, log, mail)

	h := newHandler(mailboxes, log)
	result.Start(h.handle)
}
