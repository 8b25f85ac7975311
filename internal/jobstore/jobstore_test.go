package jobstore

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/clinic-booking-core/internal/jobqueue"
)

type fakeDynamo struct {
	items      map[string]Record
	putErr     error
	updateErr  error
	getErr     error
	lastUpdate *dynamodb.UpdateItemInput
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{items: map[string]Record{}}
}

func (f *fakeDynamo) PutItem(ctx context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}
	var rec Record
	if err := attributevalue.UnmarshalMap(in.Item, &rec); err != nil {
		return nil, err
	}
	f.items[rec.JobID] = rec
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.lastUpdate = in
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	return &dynamodb.UpdateItemOutput{}, nil
}

func (f *fakeDynamo) GetItem(ctx context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	jobID := in.Key["jobId"].(*types.AttributeValueMemberS).Value
	rec, ok := f.items[jobID]
	if !ok {
		return &dynamodb.GetItemOutput{}, nil
	}
	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return nil, err
	}
	return &dynamodb.GetItemOutput{Item: item}, nil
}

func TestNew_PanicsOnNilClient(t *testing.T) {
	require.Panics(t, func() { New(nil, "table", nil) })
}

func TestNew_PanicsOnEmptyTable(t *testing.T) {
	require.Panics(t, func() { New(newFakeDynamo(), "", nil) })
}

func TestPutPending_SetsTimestampsAndStatus(t *testing.T) {
	fake := newFakeDynamo()
	store := New(fake, "jobs", nil)

	job := &Record{JobID: "job-1", Kind: jobqueue.KindPlan, SessionID: "sess-1"}
	require.NoError(t, store.PutPending(context.Background(), job))
	require.Equal(t, StatusPending, job.Status)
	require.NotEmpty(t, job.CreatedAt)
	require.NotZero(t, job.ExpiresAt)
}

func TestMarkCompleted_BuildsExpectedUpdateExpression(t *testing.T) {
	fake := newFakeDynamo()
	store := New(fake, "jobs", nil)

	require.NoError(t, store.MarkCompleted(context.Background(), "job-1", `{"options":[]}`))
	require.NotNil(t, fake.lastUpdate)
	require.Contains(t, *fake.lastUpdate.UpdateExpression, "SET")
	require.Equal(t, "attribute_exists(jobId)", *fake.lastUpdate.ConditionExpression)
}

func TestMarkFailed_RequiresJobID(t *testing.T) {
	store := New(newFakeDynamo(), "jobs", nil)
	err := store.MarkFailed(context.Background(), "", "boom")
	require.Error(t, err)
}

func TestGetJob_RoundTripsThroughPutPending(t *testing.T) {
	fake := newFakeDynamo()
	store := New(fake, "jobs", nil)

	require.NoError(t, store.PutPending(context.Background(), &Record{JobID: "job-2", Kind: jobqueue.KindFinalize}))

	got, err := store.GetJob(context.Background(), "job-2")
	require.NoError(t, err)
	require.Equal(t, StatusPending, got.Status)
	require.Equal(t, jobqueue.KindFinalize, got.Kind)
}

func TestGetJob_NotFound(t *testing.T) {
	store := New(newFakeDynamo(), "jobs", nil)
	_, err := store.GetJob(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}
