package idempotency

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"
)

type fakeDynamo struct {
	items map[string]map[string]types.AttributeValue
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{items: map[string]map[string]types.AttributeValue{}}
}

func (f *fakeDynamo) PutItem(ctx context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	key := in.Item["key"].(*types.AttributeValueMemberS).Value
	if _, exists := f.items[key]; exists {
		return nil, &types.ConditionalCheckFailedException{}
	}
	f.items[key] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) GetItem(ctx context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	key := in.Key["key"].(*types.AttributeValueMemberS).Value
	item, ok := f.items[key]
	if !ok {
		return &dynamodb.GetItemOutput{}, nil
	}
	return &dynamodb.GetItemOutput{Item: item}, nil
}

func TestMarkProcessed_FirstCallSucceedsSecondDoesNot(t *testing.T) {
	store := New(newFakeDynamo(), "dedup")
	ok, err := store.MarkProcessed(context.Background(), "promote", "BV_A:ENT:Dr.Tran:2026-08-01:07:40")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.MarkProcessed(context.Background(), "promote", "BV_A:ENT:Dr.Tran:2026-08-01:07:40")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestAlreadyProcessed_ReflectsMarkProcessed(t *testing.T) {
	store := New(newFakeDynamo(), "dedup")
	processed, err := store.AlreadyProcessed(context.Background(), "job", "job-1")
	require.NoError(t, err)
	require.False(t, processed)

	_, err = store.MarkProcessed(context.Background(), "job", "job-1")
	require.NoError(t, err)

	processed, err = store.AlreadyProcessed(context.Background(), "job", "job-1")
	require.NoError(t, err)
	require.True(t, processed)
}

func TestMarkProcessed_RequiresEventID(t *testing.T) {
	store := New(newFakeDynamo(), "dedup")
	_, err := store.MarkProcessed(context.Background(), "job", "")
	require.Error(t, err)
}
