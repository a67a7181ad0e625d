package store

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/curfew/internal/ledger"
)

// fakeDynamo is an in-memory table set that understands the condition and
// filter expressions DynamoStore sends.
type fakeDynamo struct {
	mu     sync.Mutex
	tables map[string]map[string]map[string]types.AttributeValue
	keys   map[string]string

	// PutItemFunc, when set, replaces PutItem.
	PutItemFunc func(ctx context.Context, params *dynamodb.PutItemInput) (*dynamodb.PutItemOutput, error)
	pageSize    int
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{
		tables: map[string]map[string]map[string]types.AttributeValue{
			"warnings": {},
			"users":    {},
		},
		keys:     map[string]string{"warnings": "instance_id", "users": "email"},
		pageSize: 2,
	}
}

func (f *fakeDynamo) keyOf(table string, item map[string]types.AttributeValue) string {
	return getString(item, f.keys[table])
}

func getString(item map[string]types.AttributeValue, key string) string {
	if v, ok := item[key].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

func (f *fakeDynamo) GetItem(_ context.Context, params *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	table := aws.ToString(params.TableName)
	return &dynamodb.GetItemOutput{Item: f.tables[table][f.keyOf(table, params.Key)]}, nil
}

func (f *fakeDynamo) PutItem(ctx context.Context, params *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	if f.PutItemFunc != nil {
		return f.PutItemFunc(ctx, params)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	table := aws.ToString(params.TableName)
	key := f.keyOf(table, params.Item)
	if !f.conditionHolds(f.tables[table][key], params.ConditionExpression, params.ExpressionAttributeValues) {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("conditional request failed")}
	}
	f.tables[table][key] = params.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) DeleteItem(_ context.Context, params *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	table := aws.ToString(params.TableName)
	key := f.keyOf(table, params.Key)
	if !f.conditionHolds(f.tables[table][key], params.ConditionExpression, params.ExpressionAttributeValues) {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("conditional request failed")}
	}
	delete(f.tables[table], key)
	return &dynamodb.DeleteItemOutput{}, nil
}

func (f *fakeDynamo) Scan(_ context.Context, params *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	table := aws.ToString(params.TableName)

	keys := make([]string, 0, len(f.tables[table]))
	for k := range f.tables[table] {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	start := 0
	if params.ExclusiveStartKey != nil {
		last := f.keyOf(table, params.ExclusiveStartKey)
		start = sort.Search(len(keys), func(i int) bool { return keys[i] > last })
	}

	out := &dynamodb.ScanOutput{}
	end := start + f.pageSize
	if end < len(keys) {
		out.LastEvaluatedKey = map[string]types.AttributeValue{f.keys[table]: str(keys[end-1])}
	} else {
		end = len(keys)
	}
	for _, k := range keys[start:end] {
		item := f.tables[table][k]
		if aws.ToString(params.FilterExpression) == "slack_user_id = :u AND email <> :e" {
			if getString(item, "slack_user_id") != getString(params.ExpressionAttributeValues, ":u") ||
				getString(item, "email") == getString(params.ExpressionAttributeValues, ":e") {
				continue
			}
		}
		out.Items = append(out.Items, item)
	}
	return out, nil
}

func (f *fakeDynamo) conditionHolds(existing map[string]types.AttributeValue, cond *string, values map[string]types.AttributeValue) bool {
	switch aws.ToString(cond) {
	case "":
		return true
	case "attribute_not_exists(instance_id)":
		return existing == nil
	case "version = :v":
		if existing == nil {
			return false
		}
		var have, want int64
		_ = attributevalue.Unmarshal(existing["version"], &have)
		_ = attributevalue.Unmarshal(values[":v"], &want)
		return have == want
	default:
		return false
	}
}

func TestDynamoStore_ListPaginates(t *testing.T) {
	fake := newFakeDynamo()
	s := NewDynamoStore(fake, "warnings", "users")
	ctx := context.Background()

	for _, id := range []string{"i-5", "i-3", "i-1", "i-4", "i-2"} {
		_, err := s.Mutate(ctx, id, create(id))
		require.NoError(t, err)
	}

	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 5)
	for i, rec := range list {
		assert.Equal(t, []string{"i-1", "i-2", "i-3", "i-4", "i-5"}[i], rec.ResourceID)
	}
}

func TestDynamoStore_ConditionalCreate(t *testing.T) {
	fake := newFakeDynamo()
	s := NewDynamoStore(fake, "warnings", "users")
	ctx := context.Background()

	// A racing writer creates the record between our read and our put.
	calls := 0
	fake.PutItemFunc = func(ctx context.Context, params *dynamodb.PutItemInput) (*dynamodb.PutItemOutput, error) {
		calls++
		fake.PutItemFunc = nil
		rival := ledger.NewWarning("i-1", "rival", now, now)
		rival.Version = 1
		item, err := encodeWarning(rival)
		require.NoError(t, err)
		fake.tables["warnings"]["i-1"] = item
		return fake.PutItem(ctx, params)
	}

	m, err := s.Mutate(ctx, "i-1", create("i-1"))
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 2, m.Record.Strikes, "retry sees the rival record and strikes it")
	assert.Equal(t, int64(2), m.Record.Version)
}

func TestDynamoStore_PermanentError(t *testing.T) {
	fake := newFakeDynamo()
	s := NewDynamoStore(fake, "warnings", "users")
	denied := errors.New("access denied")
	calls := 0
	fake.PutItemFunc = func(context.Context, *dynamodb.PutItemInput) (*dynamodb.PutItemOutput, error) {
		calls++
		return nil, denied
	}

	_, err := s.Mutate(context.Background(), "i-1", create("i-1"))
	require.Error(t, err)
	assert.ErrorIs(t, err, denied)
	assert.Equal(t, 1, calls)
}

func TestWarningItem_Attributes(t *testing.T) {
	rec := ledger.NewWarning("i-1", "build-box", now.Add(-48*time.Hour), now)
	rec.Version = 3

	item, err := encodeWarning(rec)
	require.NoError(t, err)
	assert.NotContains(t, item, "delay_shutdown")
	assert.Equal(t, &types.AttributeValueMemberN{Value: strconv.FormatInt(rec.LaunchTime.UnixMilli(), 10)}, item["launch_date"])
	assert.Equal(t, &types.AttributeValueMemberN{Value: "3"}, item["version"])
	assert.Equal(t, &types.AttributeValueMemberBOOL{Value: false}, item["silenced"])

	delay := now.Add(24 * time.Hour)
	rec.DelayUntil = &delay
	item, err = encodeWarning(rec)
	require.NoError(t, err)
	assert.Equal(t, &types.AttributeValueMemberN{Value: strconv.FormatInt(delay.UnixMilli(), 10)}, item["delay_shutdown"])

	got, err := decodeWarning(item)
	require.NoError(t, err)
	assert.Equal(t, rec.ResourceID, got.ResourceID)
	assert.Equal(t, rec.Strikes, got.Strikes)
	assert.True(t, got.LaunchTime.Equal(rec.LaunchTime))
	require.NotNil(t, got.DelayUntil)
	assert.True(t, got.DelayUntil.Equal(delay))
}

func TestDynamoStore_DecodeRejectsBadItem(t *testing.T) {
	_, err := decodeWarning(map[string]types.AttributeValue{
		"instance_id": str("i-1"),
		"strikes":     str("three"),
	})
	assert.Error(t, err)
}
