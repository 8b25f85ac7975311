// Package jobstore persists the status and result of background
// plan/finalize jobs to DynamoDB, so cmd/api can poll or be notified of a
// job cmd/scheduleworker is running without either process holding
// in-memory state the other can see.
package jobstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/wolfman30/clinic-booking-core/internal/jobqueue"
	"github.com/wolfman30/clinic-booking-core/pkg/logging"
)

const jobTTL = 24 * time.Hour

// Status is a job's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// ErrNotFound indicates the requested job ID does not exist.
var ErrNotFound = errors.New("jobstore: job not found")

type dynamoAPI interface {
	PutItem(context.Context, *dynamodb.PutItemInput, ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(context.Context, *dynamodb.UpdateItemInput, ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	GetItem(context.Context, *dynamodb.GetItemInput, ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
}

// Record captures the persisted state of a plan/finalize job. Result is
// stored as an opaque JSON-serialized blob since its shape differs by
// Kind (planner options vs. finalize summary) — the caller decodes it.
type Record struct {
	JobID        string        `dynamodbav:"jobId" json:"jobId"`
	Kind         jobqueue.Kind `dynamodbav:"kind" json:"kind"`
	Status       Status        `dynamodbav:"status" json:"status"`
	SessionID    string        `dynamodbav:"sessionId,omitempty" json:"sessionId,omitempty"`
	ResultJSON   string        `dynamodbav:"resultJson,omitempty" json:"resultJson,omitempty"`
	ErrorMessage string        `dynamodbav:"errorMessage,omitempty" json:"errorMessage,omitempty"`
	CreatedAt    string        `dynamodbav:"createdAt" json:"createdAt"`
	UpdatedAt    string        `dynamodbav:"updatedAt" json:"updatedAt"`
	ExpiresAt    int64         `dynamodbav:"expiresAt,omitempty" json:"-"`
}

// Recorder is the write surface cmd/scheduleworker and cmd/api use to
// create and inspect job records.
type Recorder interface {
	PutPending(ctx context.Context, job *Record) error
	GetJob(ctx context.Context, jobID string) (*Record, error)
}

// Updater is satisfied by the same Store; split out so callers that only
// ever mark completion don't need the full surface.
type Updater interface {
	MarkCompleted(ctx context.Context, jobID, resultJSON string) error
	MarkFailed(ctx context.Context, jobID, errMsg string) error
}

// Store persists job records to DynamoDB.
type Store struct {
	client    dynamoAPI
	tableName string
	logger    *logging.Logger
}

var _ Recorder = (*Store)(nil)
var _ Updater = (*Store)(nil)

// New builds a Store backed by the provided DynamoDB client.
func New(client dynamoAPI, tableName string, logger *logging.Logger) *Store {
	if client == nil {
		panic("jobstore: dynamodb client cannot be nil")
	}
	if tableName == "" {
		panic("jobstore: table name cannot be empty")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Store{client: client, tableName: tableName, logger: logger}
}

// PutPending inserts a new pending job record.
func (s *Store) PutPending(ctx context.Context, job *Record) error {
	if job == nil {
		return errors.New("jobstore: job cannot be nil")
	}
	now := time.Now().UTC()
	job.Status = StatusPending
	job.CreatedAt = now.Format(time.RFC3339Nano)
	job.UpdatedAt = job.CreatedAt
	if job.ExpiresAt == 0 {
		job.ExpiresAt = now.Add(jobTTL).Unix()
	}

	item, err := attributevalue.MarshalMap(job)
	if err != nil {
		return fmt.Errorf("jobstore: marshal job: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(jobId)"),
	})
	if err != nil {
		return fmt.Errorf("jobstore: persist job: %w", err)
	}
	return nil
}

// MarkCompleted records a job's successful result.
func (s *Store) MarkCompleted(ctx context.Context, jobID, resultJSON string) error {
	if jobID == "" {
		return errors.New("jobstore: jobID required")
	}
	return s.updateJob(
		ctx, jobID,
		map[string]types.AttributeValue{
			":status":  &types.AttributeValueMemberS{Value: string(StatusCompleted)},
			":result":  &types.AttributeValueMemberS{Value: resultJSON},
			":error":   &types.AttributeValueMemberS{Value: ""},
			":updated": &types.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339Nano)},
		},
		map[string]string{
			"#status":  "status",
			"#result":  "resultJson",
			"#error":   "errorMessage",
			"#updated": "updatedAt",
		},
		"SET #status = :status, #result = :result, #error = :error, #updated = :updated",
	)
}

// MarkFailed records a job's failure.
func (s *Store) MarkFailed(ctx context.Context, jobID string, errMsg string) error {
	if jobID == "" {
		return errors.New("jobstore: jobID required")
	}
	return s.updateJob(
		ctx, jobID,
		map[string]types.AttributeValue{
			":status":  &types.AttributeValueMemberS{Value: string(StatusFailed)},
			":error":   &types.AttributeValueMemberS{Value: errMsg},
			":updated": &types.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339Nano)},
		},
		map[string]string{
			"#status":  "status",
			"#error":   "errorMessage",
			"#updated": "updatedAt",
		},
		"SET #status = :status, #error = :error, #updated = :updated",
	)
}

// GetJob fetches a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID string) (*Record, error) {
	if jobID == "" {
		return nil, errors.New("jobstore: jobID required")
	}
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"jobId": &types.AttributeValueMemberS{Value: jobID},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("jobstore: fetch job: %w", err)
	}
	if out.Item == nil {
		return nil, ErrNotFound
	}

	var job Record
	if err := attributevalue.UnmarshalMap(out.Item, &job); err != nil {
		return nil, fmt.Errorf("jobstore: decode job: %w", err)
	}
	return &job, nil
}

func (s *Store) updateJob(ctx context.Context, jobID string, values map[string]types.AttributeValue, names map[string]string, expression string) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"jobId": &types.AttributeValueMemberS{Value: jobID},
		},
		UpdateExpression:          aws.String(expression),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
		ConditionExpression:       aws.String("attribute_exists(jobId)"),
	})
	if err != nil {
		return fmt.Errorf("jobstore: update job %s: %w", jobID, err)
	}
	return nil
}
