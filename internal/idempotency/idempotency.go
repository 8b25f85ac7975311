// Package idempotency guards background jobs against duplicate
// delivery: a job queue can redeliver a message (SQS's at-least-once
// contract), and without a dedup guard a redelivered finalize job would
// repeat its visit save, archive and ops email.
//
// The guard is a DynamoDB conditional put: the first caller for a given
// scope:eventID wins, every redelivery gets false back.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
)

const recordTTL = 7 * 24 * time.Hour

var processedNamespace = uuid.MustParse("1c4b4ef0-0f1f-4f8b-8a9c-7c0fba51cdbd")

type dynamoAPI interface {
	PutItem(context.Context, *dynamodb.PutItemInput, ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(context.Context, *dynamodb.GetItemInput, ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
}

func isConditionalCheckFailed(err error) bool {
	var condErr *types.ConditionalCheckFailedException
	return errors.As(err, &condErr)
}

type processedRecord struct {
	Key       string `dynamodbav:"key"`
	Scope     string `dynamodbav:"scope,omitempty"`
	EventID   string `dynamodbav:"eventId,omitempty"`
	ExpiresAt int64  `dynamodbav:"expiresAt,omitempty"`
}

// Store records which (scope, eventID) pairs have already been
// processed, derived into a stable key the same way regardless of
// caller — a job ID for a background job redelivery, or a
// "hospital_code:department:doctor:date:slot_time" composite for a
// promote-hold-to-booking call.
type Store struct {
	client    dynamoAPI
	tableName string
}

// New builds a Store backed by the provided DynamoDB client.
func New(client dynamoAPI, tableName string) *Store {
	if client == nil {
		panic("idempotency: dynamodb client cannot be nil")
	}
	if tableName == "" {
		panic("idempotency: table name cannot be empty")
	}
	return &Store{client: client, tableName: tableName}
}

// AlreadyProcessed reports whether scope:eventID has been recorded.
func (s *Store) AlreadyProcessed(ctx context.Context, scope, eventID string) (bool, error) {
	key, err := normalize(scope, eventID)
	if err != nil {
		return false, err
	}
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key:       map[string]types.AttributeValue{"key": &types.AttributeValueMemberS{Value: key}},
	})
	if err != nil {
		return false, fmt.Errorf("idempotency: check processed: %w", err)
	}
	return out.Item != nil, nil
}

// MarkProcessed records scope:eventID, returning false if it was already
// recorded (a conditional-put race that another worker won).
func (s *Store) MarkProcessed(ctx context.Context, scope, eventID string) (bool, error) {
	key, err := normalize(scope, eventID)
	if err != nil {
		return false, err
	}
	rec := processedRecord{
		Key:       key,
		Scope:     scope,
		EventID:   eventID,
		ExpiresAt: time.Now().Add(recordTTL).Unix(),
	}
	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return false, fmt.Errorf("idempotency: marshal record: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(#k)"),
		ExpressionAttributeNames: map[string]string{
			"#k": "key",
		},
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return false, nil
		}
		return false, fmt.Errorf("idempotency: mark processed: %w", err)
	}
	return true, nil
}

func normalize(scope, eventID string) (string, error) {
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return "", errors.New("idempotency: event id required")
	}
	scope = strings.TrimSpace(scope)
	composite := scope + ":" + eventID
	return uuid.NewSHA1(processedNamespace, []byte(composite)).String(), nil
}
