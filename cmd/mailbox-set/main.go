// Package main implements the Mailbox/set Lambda handler.
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

// handler implements the Mailbox/set logic over mailbox.Store.
type handler struct {
	mailboxes *mailbox.Store
	log       *changelog.Log
}

func newHandler(mailboxes *mailbox.Store, log *changelog.Log) *handler {
	return &handler{mailboxes: mailboxes, log: log}
}

// handle processes a Mailbox/set request.
func (h *handler) handle(ctx context.Context, request plugincontract.PluginInvocationRequest) (plugincontract.PluginInvocationResponse, error) {
	tracer := tracing.Tracer("jmap-mailbox-set")
	ctx, span := tracer.Start(ctx, "MailboxSetHandler")
	defer span.End()

	if request.Method != "Mailbox/set" {
		return errorResponse(request.ClientID, jmaperror.UnknownMethod("This handler only supports Mailbox/set")), nil
	}

	accountID := request.AccountID
	if argAccountID, ok := request.Args["accountId"].(string); ok {
		accountID = argAccountID
	}

	oldState, err := h.log.CurrentChangeID(ctx, accountID, store.CollectionMailbox)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to get current state",
			slog.String("account_id", accountID),
			slog.String("error", err.Error()),
		)
		return errorResponse(request.ClientID, jmaperror.ServerFail(err.Error(), err)), nil
	}

	created := make(map[string]any)
	notCreated := make(map[string]any)
	updated := make(map[string]any)
	notUpdated := make(map[string]any)
	destroyed := []any{}
	notDestroyed := make(map[string]any)

	if createArg, ok := request.Args["create"].(map[string]any); ok {
		for clientRef, createData := range createArg {
			data, ok := createData.(map[string]any)
			if !ok {
				notCreated[clientRef] = jmaperror.InvalidArguments("create data must be an object").ToMap()
				continue
			}
			result, setErr := h.createMailbox(ctx, accountID, data)
			if setErr != nil {
				notCreated[clientRef] = setErr
				continue
			}
			created[clientRef] = result
		}
	}

	if updateArg, ok := request.Args["update"].(map[string]any); ok {
		for mailboxID, updateData := range updateArg {
			data, ok := updateData.(map[string]any)
			if !ok {
				notUpdated[mailboxID] = jmaperror.InvalidArguments("update data must be an object").ToMap()
				continue
			}
			if setErr := h.updateMailbox(ctx, accountID, mailboxID, data); setErr != nil {
				notUpdated[mailboxID] = setErr
				continue
			}
			updated[mailboxID] = nil
		}
	}

	if destroyArg, ok := request.Args["destroy"].([]any); ok {
		onDestroyRemoveEmails, _ := request.Args["onDestroyRemoveEmails"].(bool)

		for _, id := range destroyArg {
			mailboxID, ok := id.(string)
			if !ok {
				continue
			}
			if setErr := h.destroyMailbox(ctx, accountID, mailboxID, onDestroyRemoveEmails); setErr != nil {
				notDestroyed[mailboxID] = setErr
				continue
			}
			destroyed = append(destroyed, mailboxID)
		}
	}

	newState, err := h.log.CurrentChangeID(ctx, accountID, store.CollectionMailbox)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to get new state",
			slog.String("account_id", accountID),
			slog.String("error", err.Error()),
		)
		return errorResponse(request.ClientID, jmaperror.ServerFail(err.Error(), err)), nil
	}

	logger.InfoContext(ctx, "Mailbox/set completed",
		slog.String("account_id", accountID),
		slog.Int("created_count", len(created)),
		slog.Int("updated_count", len(updated)),
		slog.Int("destroyed_count", len(destroyed)),
	)

	return plugincontract.PluginInvocationResponse{
		MethodResponse: plugincontract.MethodResponse{
			Name: "Mailbox/set",
			Args: map[string]any{
				"accountId":    accountID,
				"oldState":     strconv.FormatUint(uint64(oldState), 10),
				"newState":     strconv.FormatUint(uint64(newState), 10),
				"created":      created,
				"updated":      updated,
				"destroyed":    destroyed,
				"notCreated":   notCreated,
				"notUpdated":   notUpdated,
				"notDestroyed": notDestroyed,
			},
			ClientID: request.ClientID,
		},
	}, nil
}

func mailboxSetError(err error) map[string]any {
	switch {
	case errors.Is(err, mailbox.ErrInvalidRole), errors.Is(err, mailbox.ErrRoleAlreadyExists):
		return jmaperror.InvalidProperties(err.Error(), nil).ToMap()
	case errors.Is(err, mailbox.ErrMailboxNotFound):
		return (&jmaperror.MethodError{ErrType: "notFound", Description: err.Error()}).ToMap()
	case errors.Is(err, mailbox.ErrMailboxNotEmpty):
		return (&jmaperror.MethodError{ErrType: "mailboxHasEmail", Description: err.Error()}).ToMap()
	default:
		return jmaperror.SetServerFail(err.Error()).ToMap()
	}
}

// createMailbox creates a new mailbox, returning either the created
// object's fields or a SetError map.
func (h *handler) createMailbox(ctx context.Context, accountID string, data map[string]any) (map[string]any, map[string]any) {
	if parentID, hasParentID := data["parentId"]; hasParentID && parentID != nil {
		return nil, jmaperror.InvalidProperties("Hierarchical mailboxes are not supported", nil).ToMap()
	}

	name, _ := data["name"].(string)
	role, _ := data["role"].(string)
	sortOrder := 0
	if v, ok := data["sortOrder"].(float64); ok {
		sortOrder = int(v)
	}
	isSubscribed := true
	if v, ok := data["isSubscribed"].(bool); ok {
		isSubscribed = v
	}

	mbox, err := h.mailboxes.Create(ctx, accountID, name, role, sortOrder, isSubscribed)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to create mailbox",
			slog.String("account_id", accountID),
			slog.String("error", err.Error()),
		)
		return nil, mailboxSetError(err)
	}

	return map[string]any{"id": mbox.ID}, nil
}

// updateMailbox applies field mutators to an existing mailbox.
func (h *handler) updateMailbox(ctx context.Context, accountID, mailboxID string, data map[string]any) map[string]any {
	if parentID, hasParentID := data["parentId"]; hasParentID && parentID != nil {
		return jmaperror.InvalidProperties("Hierarchical mailboxes are not supported", nil).ToMap()
	}

	var name, role *string
	var sortOrder *int
	var isSubscribed *bool
	if v, ok := data["name"].(string); ok {
		name = &v
	}
	if v, ok := data["role"]; ok {
		if v == nil {
			empty := ""
			role = &empty
		} else if s, ok := v.(string); ok {
			role = &s
		}
	}
	if v, ok := data["sortOrder"].(float64); ok {
		n := int(v)
		sortOrder = &n
	}
	if v, ok := data["isSubscribed"].(bool); ok {
		isSubscribed = &v
	}

	if _, err := h.mailboxes.Update(ctx, accountID, mailboxID, name, role, sortOrder, isSubscribed); err != nil {
		logger.ErrorContext(ctx, "Failed to update mailbox",
			slog.String("account_id", accountID),
			slog.String("mailbox_id", mailboxID),
			slog.String("error", err.Error()),
		)
		return mailboxSetError(err)
	}
	return nil
}

// destroyMailbox deletes a mailbox, cascading into member emails when
// onDestroyRemoveEmails is set.
func (h *handler) destroyMailbox(ctx context.Context, accountID, mailboxID string, onDestroyRemoveEmails bool) map[string]any {
	if err := h.mailboxes.Destroy(ctx, accountID, mailboxID, onDestroyRemoveEmails); err != nil {
		logger.ErrorContext(ctx, "Failed to destroy mailbox",
			slog.String("account_id", accountID),
			slog.String("mailbox_id", mailboxID),
			slog.String("error", err.Error()),
		)
		return mailboxSetError(err)
	}
	return nil
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
