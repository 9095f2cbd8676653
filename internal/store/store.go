// Package store implements the abstract, ordered-iteration column-family
// key/value store the rest of the module is built on, backed by Amazon
// DynamoDB the way the teacher's internal/email, internal/mailbox, and
// internal/state repositories already are.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/jarrod-lowe/jmap-service-libs/tracing"
)

// ErrNotFound is returned when a key has no item.
var ErrNotFound = errors.New("store: not found")

// ErrConflict is returned when a conditional write loses a race.
var ErrConflict = errors.New("store: conflicting write")

// Direction controls iteration order over a sort-key range.
type Direction bool

const (
	Forward  Direction = true
	Backward Direction = false
)

const (
	AttrPK = "pk"
	AttrSK = "sk"
)

// DynamoDBClient is the subset of the AWS SDK v2 DynamoDB client the
// store needs, mirroring the narrow interfaces the teacher's
// repositories (email.DynamoDBClient, state's client field) declare for
// testability.
type DynamoDBClient interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Item is a single column-family row.
type Item struct {
	PK    string
	SK    string
	Attrs map[string]types.AttributeValue
}

// Store is the column-family abstraction used by the change log, Raft
// log, blob linkage table, and mail ingest/get pipelines.
type Store struct {
	client    DynamoDBClient
	tableName string
}

// New returns a Store backed by the given DynamoDB client and table.
func New(client DynamoDBClient, tableName string) *Store {
	return &Store{client: client, tableName: tableName}
}

// TableName returns the backing DynamoDB table name, for callers that
// need to build their own TransactWriteItems (the change log batches
// several rows per logical write).
func (s *Store) TableName() string {
	return s.tableName
}

// Get fetches a single item by (pk, sk).
func (s *Store) Get(ctx context.Context, pk, sk string) (Item, error) {
	tracer := tracing.Tracer("jmap-store")
	ctx, span := tracer.Start(ctx, "store.Get")
	defer span.End()

	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			AttrPK: &types.AttributeValueMemberS{Value: pk},
			AttrSK: &types.AttributeValueMemberS{Value: sk},
		},
	})
	if err != nil {
		tracing.RecordError(span, err)
		return Item{}, fmt.Errorf("store: get %s/%s: %w", pk, sk, err)
	}
	if out.Item == nil {
		return Item{}, ErrNotFound
	}
	return Item{PK: pk, SK: sk, Attrs: out.Item}, nil
}

// Put writes an item unconditionally, overwriting any existing value.
func (s *Store) Put(ctx context.Context, pk, sk string, attrs map[string]types.AttributeValue) error {
	item := cloneAttrs(attrs)
	item[AttrPK] = &types.AttributeValueMemberS{Value: pk}
	item[AttrSK] = &types.AttributeValueMemberS{Value: sk}

	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("store: put %s/%s: %w", pk, sk, err)
	}
	return nil
}

// PutIfAbsent writes an item only if (pk, sk) does not already exist,
// the pattern the teacher's state and email repositories use for
// append-only rows (change records, email items).
func (s *Store) PutIfAbsent(ctx context.Context, pk, sk string, attrs map[string]types.AttributeValue) error {
	item := cloneAttrs(attrs)
	item[AttrPK] = &types.AttributeValueMemberS{Value: pk}
	item[AttrSK] = &types.AttributeValueMemberS{Value: sk}

	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(" + AttrPK + ")"),
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return ErrConflict
		}
		return fmt.Errorf("store: put-if-absent %s/%s: %w", pk, sk, err)
	}
	return nil
}

// Delete removes an item by (pk, sk). Deleting an absent item is not an
// error, matching DynamoDB's own semantics.
func (s *Store) Delete(ctx context.Context, pk, sk string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			AttrPK: &types.AttributeValueMemberS{Value: pk},
			AttrSK: &types.AttributeValueMemberS{Value: sk},
		},
	})
	if err != nil {
		return fmt.Errorf("store: delete %s/%s: %w", pk, sk, err)
	}
	return nil
}

// QueryRange iterates items under pk whose sort key falls in
// [skFrom, skTo] (either bound may be empty to mean unbounded-below or
// begins_with(skFrom) when skTo is empty), in the given direction. It
// stops after limit items when limit > 0.
func (s *Store) QueryRange(ctx context.Context, pk, skFrom, skTo string, dir Direction, limit int32) ([]Item, error) {
	input := &dynamodb.QueryInput{
		TableName:        aws.String(s.tableName),
		ScanIndexForward: aws.Bool(bool(dir)),
	}
	if limit > 0 {
		input.Limit = aws.Int32(limit)
	}

	values := map[string]types.AttributeValue{":pk": &types.AttributeValueMemberS{Value: pk}}
	switch {
	case skFrom != "" && skTo != "":
		input.KeyConditionExpression = aws.String(AttrPK + " = :pk AND " + AttrSK + " BETWEEN :from AND :to")
		values[":from"] = &types.AttributeValueMemberS{Value: skFrom}
		values[":to"] = &types.AttributeValueMemberS{Value: skTo}
	case skFrom != "":
		input.KeyConditionExpression = aws.String(AttrPK + " = :pk AND begins_with(" + AttrSK + ", :from)")
		values[":from"] = &types.AttributeValueMemberS{Value: skFrom}
	case skTo != "":
		input.KeyConditionExpression = aws.String(AttrPK + " = :pk AND " + AttrSK + " <= :to")
		values[":to"] = &types.AttributeValueMemberS{Value: skTo}
	default:
		input.KeyConditionExpression = aws.String(AttrPK + " = :pk")
	}
	input.ExpressionAttributeValues = values

	out, err := s.client.Query(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("store: query %s: %w", pk, err)
	}

	items := make([]Item, 0, len(out.Items))
	for _, attrs := range out.Items {
		sk := ""
		if v, ok := attrs[AttrSK].(*types.AttributeValueMemberS); ok {
			sk = v.Value
		}
		items = append(items, Item{PK: pk, SK: sk, Attrs: attrs})
	}
	return items, nil
}

// TransactWrite executes a batch of writes atomically.
func (s *Store) TransactWrite(ctx context.Context, items []types.TransactWriteItem) error {
	if len(items) == 0 {
		return nil
	}
	_, err := s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return ErrConflict
		}
		return fmt.Errorf("store: transact write: %w", err)
	}
	return nil
}

func cloneAttrs(attrs map[string]types.AttributeValue) map[string]types.AttributeValue {
	out := make(map[string]types.AttributeValue, len(attrs)+2)
	for k, v := range attrs {
		out[k] = v
	}
	return out
}

func isConditionalCheckFailed(err error) bool {
	var txErr *types.TransactionCanceledException
	if errors.As(err, &txErr) {
		for _, reason := range txErr.CancellationReasons {
			if reason.Code != nil && *reason.Code == "ConditionalCheckFailed" {
				return true
			}
		}
	}
	var condErr *types.ConditionalCheckFailedException
	return errors.As(err, &condErr)
}
