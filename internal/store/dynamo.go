package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/cenkalti/backoff/v4"

	"github.com/yairfalse/curfew/internal/ledger"
)

// DynamoDBAPI is the subset of the DynamoDB client the store uses.
type DynamoDBAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// DynamoStore keeps the ledger in two DynamoDB tables. Writes are
// conditional on the version read, and lost races are retried.
type DynamoStore struct {
	client        DynamoDBAPI
	warningsTable string
	usersTable    string
	maxElapsed    time.Duration
}

// NewDynamoStore creates a store over existing tables keyed by
// instance_id and email.
func NewDynamoStore(client DynamoDBAPI, warningsTable, usersTable string) *DynamoStore {
	return &DynamoStore{
		client:        client,
		warningsTable: warningsTable,
		usersTable:    usersTable,
		maxElapsed:    5 * time.Second,
	}
}

// Close is a no-op.
func (s *DynamoStore) Close() error { return nil }

// Get returns the record for id.
func (s *DynamoStore) Get(ctx context.Context, id string) (ledger.WarningRecord, error) {
	rec, err := s.get(ctx, id)
	if err != nil {
		return ledger.WarningRecord{}, err
	}
	if rec == nil {
		return ledger.WarningRecord{}, ledger.ErrNotFound
	}
	return *rec, nil
}

func (s *DynamoStore) get(ctx context.Context, id string) (*ledger.WarningRecord, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.warningsTable),
		Key:            map[string]types.AttributeValue{"instance_id": str(id)},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get warning %s: %w", id, err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	rec, err := decodeWarning(out.Item)
	if err != nil {
		return nil, fmt.Errorf("decode warning %s: %w", id, err)
	}
	return &rec, nil
}

// List scans the warnings table.
func (s *DynamoStore) List(ctx context.Context) ([]ledger.WarningRecord, error) {
	var (
		records []ledger.WarningRecord
		start   map[string]types.AttributeValue
	)
	for {
		out, err := s.client.Scan(ctx, &dynamodb.ScanInput{
			TableName:         aws.String(s.warningsTable),
			ExclusiveStartKey: start,
			ConsistentRead:    aws.Bool(true),
		})
		if err != nil {
			return nil, fmt.Errorf("scan warnings: %w", err)
		}
		for _, item := range out.Items {
			rec, err := decodeWarning(item)
			if err != nil {
				return nil, err
			}
			records = append(records, rec)
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		start = out.LastEvaluatedKey
	}

	sort.Slice(records, func(i, j int) bool { return records[i].ResourceID < records[j].ResourceID })
	return records, nil
}

// Mutate reads, decides and writes conditionally, retrying on a lost race.
func (s *DynamoStore) Mutate(ctx context.Context, id string, fn ledger.MutateFunc) (ledger.Mutation, error) {
	var result ledger.Mutation
	op := func() error {
		m, err := s.mutateOnce(ctx, id, fn)
		if errors.Is(err, ledger.ErrConflict) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		result = m
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxElapsedTime = s.maxElapsed
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return ledger.Mutation{}, err
	}
	return result, nil
}

func (s *DynamoStore) mutateOnce(ctx context.Context, id string, fn ledger.MutateFunc) (ledger.Mutation, error) {
	current, err := s.get(ctx, id)
	if err != nil {
		return ledger.Mutation{}, err
	}

	m, err := fn(current)
	if err != nil {
		return ledger.Mutation{}, err
	}
	m, err = ledger.Finalize(id, current, m)
	if err != nil {
		return ledger.Mutation{}, err
	}

	switch m.Op {
	case ledger.OpPut:
		item, err := encodeWarning(m.Record)
		if err != nil {
			return ledger.Mutation{}, fmt.Errorf("encode warning %s: %w", id, err)
		}
		in := &dynamodb.PutItemInput{
			TableName: aws.String(s.warningsTable),
			Item:      item,
		}
		if current == nil {
			in.ConditionExpression = aws.String("attribute_not_exists(instance_id)")
		} else if in.ConditionExpression, in.ExpressionAttributeValues, err = versionCondition(current.Version); err != nil {
			return ledger.Mutation{}, err
		}
		_, err = s.client.PutItem(ctx, in)
		if err != nil {
			return ledger.Mutation{}, s.writeError(id, err)
		}
	case ledger.OpDelete:
		cond, values, err := versionCondition(current.Version)
		if err != nil {
			return ledger.Mutation{}, err
		}
		_, err = s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName:                 aws.String(s.warningsTable),
			Key:                       map[string]types.AttributeValue{"instance_id": str(id)},
			ConditionExpression:       cond,
			ExpressionAttributeValues: values,
		})
		if err != nil {
			return ledger.Mutation{}, s.writeError(id, err)
		}
	}
	return m, nil
}

func (s *DynamoStore) writeError(id string, err error) error {
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return ledger.ErrConflict
	}
	return fmt.Errorf("write warning %s: %w", id, err)
}

// GetIdentity returns the cached identity for email.
func (s *DynamoStore) GetIdentity(ctx context.Context, email string) (ledger.IdentityRecord, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.usersTable),
		Key:       map[string]types.AttributeValue{"email": str(email)},
	})
	if err != nil {
		return ledger.IdentityRecord{}, fmt.Errorf("get identity: %w", err)
	}
	if len(out.Item) == 0 {
		return ledger.IdentityRecord{}, ledger.ErrNotFound
	}
	return decodeIdentity(out.Item)
}

// PutIdentity stores rec and removes other emails holding the same user id.
func (s *DynamoStore) PutIdentity(ctx context.Context, rec ledger.IdentityRecord) error {
	var start map[string]types.AttributeValue
	for {
		out, err := s.client.Scan(ctx, &dynamodb.ScanInput{
			TableName:                 aws.String(s.usersTable),
			FilterExpression:          aws.String("slack_user_id = :u AND email <> :e"),
			ExpressionAttributeValues: map[string]types.AttributeValue{":u": str(rec.UserID), ":e": str(rec.Email)},
			ExclusiveStartKey:         start,
		})
		if err != nil {
			return fmt.Errorf("scan identities: %w", err)
		}
		for _, item := range out.Items {
			if _, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
				TableName: aws.String(s.usersTable),
				Key:       map[string]types.AttributeValue{"email": item["email"]},
			}); err != nil {
				return fmt.Errorf("evict identity: %w", err)
			}
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		start = out.LastEvaluatedKey
	}

	item, err := encodeIdentity(rec)
	if err != nil {
		return fmt.Errorf("encode identity: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.usersTable),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("put identity: %w", err)
	}
	return nil
}

// DeleteIdentity removes the identity for email.
func (s *DynamoStore) DeleteIdentity(ctx context.Context, email string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.usersTable),
		Key:       map[string]types.AttributeValue{"email": str(email)},
	})
	if err != nil {
		return fmt.Errorf("delete identity: %w", err)
	}
	return nil
}

func str(v string) types.AttributeValue { return &types.AttributeValueMemberS{Value: v} }

// versionCondition matches an item still at the version that was read.
func versionCondition(v int64) (*string, map[string]types.AttributeValue, error) {
	av, err := attributevalue.Marshal(v)
	if err != nil {
		return nil, nil, err
	}
	return aws.String("version = :v"), map[string]types.AttributeValue{":v": av}, nil
}

// warningItem is the stored shape of a warning. Times are unix millis.
type warningItem struct {
	InstanceID    string `dynamodbav:"instance_id"`
	Name          string `dynamodbav:"name"`
	Strikes       int    `dynamodbav:"strikes"`
	LaunchDate    int64  `dynamodbav:"launch_date"`
	DelayShutdown *int64 `dynamodbav:"delay_shutdown,omitempty"`
	Silenced      bool   `dynamodbav:"silenced"`
	CreatedAt     int64  `dynamodbav:"created_at"`
	UpdatedAt     int64  `dynamodbav:"updated_at"`
	Version       int64  `dynamodbav:"version"`
}

type identityItem struct {
	Email     string `dynamodbav:"email"`
	UserID    string `dynamodbav:"slack_user_id"`
	Timezone  string `dynamodbav:"timezone"`
	UpdatedAt int64  `dynamodbav:"updated_at"`
}

func encodeWarning(rec ledger.WarningRecord) (map[string]types.AttributeValue, error) {
	row := warningItem{
		InstanceID: rec.ResourceID,
		Name:       rec.Name,
		Strikes:    rec.Strikes,
		LaunchDate: rec.LaunchTime.UnixMilli(),
		Silenced:   rec.Silenced,
		CreatedAt:  rec.CreatedAt.UnixMilli(),
		UpdatedAt:  rec.UpdatedAt.UnixMilli(),
		Version:    rec.Version,
	}
	if rec.DelayUntil != nil {
		ms := rec.DelayUntil.UnixMilli()
		row.DelayShutdown = &ms
	}
	return attributevalue.MarshalMap(row)
}

func decodeWarning(item map[string]types.AttributeValue) (ledger.WarningRecord, error) {
	var row warningItem
	if err := attributevalue.UnmarshalMap(item, &row); err != nil {
		return ledger.WarningRecord{}, err
	}
	rec := ledger.WarningRecord{
		ResourceID: row.InstanceID,
		Name:       row.Name,
		Strikes:    row.Strikes,
		LaunchTime: fromMillis(row.LaunchDate),
		Silenced:   row.Silenced,
		CreatedAt:  fromMillis(row.CreatedAt),
		UpdatedAt:  fromMillis(row.UpdatedAt),
		Version:    row.Version,
	}
	if row.DelayShutdown != nil {
		t := fromMillis(*row.DelayShutdown)
		rec.DelayUntil = &t
	}
	return rec, nil
}

func encodeIdentity(rec ledger.IdentityRecord) (map[string]types.AttributeValue, error) {
	return attributevalue.MarshalMap(identityItem{
		Email:     rec.Email,
		UserID:    rec.UserID,
		Timezone:  rec.Timezone,
		UpdatedAt: rec.UpdatedAt.UnixMilli(),
	})
}

func decodeIdentity(item map[string]types.AttributeValue) (ledger.IdentityRecord, error) {
	var row identityItem
	if err := attributevalue.UnmarshalMap(item, &row); err != nil {
		return ledger.IdentityRecord{}, fmt.Errorf("decode identity: %w", err)
	}
	return ledger.IdentityRecord{
		Email:     row.Email,
		UserID:    row.UserID,
		Timezone:  row.Timezone,
		UpdatedAt: fromMillis(row.UpdatedAt),
	}, nil
}
