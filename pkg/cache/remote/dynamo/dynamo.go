// Package dynamo stores remote cache records in a DynamoDB table.
//
// Items use PK = "GEN#<cache key>", SK = "RECORD" and carry a numeric TTL
// attribute so the table's native expiry reclaims stale records.
package dynamo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/pario-ai/gencache/pkg/cache"
	"github.com/pario-ai/gencache/pkg/models"
)

const recordSK = "RECORD"

// API is the subset of the DynamoDB client used by Store.
type API interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
}

// item is the DynamoDB representation of a cache record.
type item struct {
	PK             string    `dynamodbav:"PK"`
	SK             string    `dynamodbav:"SK"`
	CacheKey       string    `dynamodbav:"CacheKey"`
	TemplateID     string    `dynamodbav:"TemplateID"`
	Variant        string    `dynamodbav:"Variant,omitempty"`
	Status         string    `dynamodbav:"Status"`
	PayloadRef     string    `dynamodbav:"PayloadRef,omitempty"`
	PayloadText    string    `dynamodbav:"PayloadText,omitempty"`
	ContentType    string    `dynamodbav:"ContentType,omitempty"`
	SizeBytes      int64     `dynamodbav:"SizeBytes"`
	CreatedAt      time.Time `dynamodbav:"CreatedAt"`
	LastAccessedAt time.Time `dynamodbav:"LastAccessedAt"`
	AccessCount    int64     `dynamodbav:"AccessCount"`
	ExpiresAt      time.Time `dynamodbav:"ExpiresAt"`
	ErrorDetail    string    `dynamodbav:"ErrorDetail,omitempty"`
	Owner          string    `dynamodbav:"Owner,omitempty"`
	TTL            int64     `dynamodbav:"TTL"`
}

// Store implements remote.MetadataStore with DynamoDB.
type Store struct {
	client    API
	tableName string
}

// New creates a DynamoDB-backed metadata store.
func New(client API, tableName string) *Store {
	return &Store{client: client, tableName: tableName}
}

func itemKey(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: "GEN#" + key},
		"SK": &types.AttributeValueMemberS{Value: recordSK},
	}
}

// GetRecord implements remote.MetadataStore.
func (s *Store) GetRecord(ctx context.Context, key string) (*models.Record, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            itemKey(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("dynamo get record: %w", err)
	}
	if out.Item == nil {
		return nil, cache.ErrNotFound
	}

	var it item
	if err := attributevalue.UnmarshalMap(out.Item, &it); err != nil {
		return nil, fmt.Errorf("dynamo unmarshal record: %w", err)
	}
	return &models.Record{
		Key:            it.CacheKey,
		TemplateID:     it.TemplateID,
		Variant:        it.Variant,
		Status:         models.Status(it.Status),
		PayloadRef:     it.PayloadRef,
		PayloadText:    it.PayloadText,
		ContentType:    it.ContentType,
		SizeBytes:      it.SizeBytes,
		CreatedAt:      it.CreatedAt,
		LastAccessedAt: it.LastAccessedAt,
		AccessCount:    it.AccessCount,
		ExpiresAt:      it.ExpiresAt,
		ErrorDetail:    it.ErrorDetail,
		Owner:          it.Owner,
	}, nil
}

// PutRecord implements remote.MetadataStore. Writes are unconditional:
// the last writer wins because payloads are a pure function of the key.
func (s *Store) PutRecord(ctx context.Context, rec *models.Record) error {
	it := item{
		PK:             "GEN#" + rec.Key,
		SK:             recordSK,
		CacheKey:       rec.Key,
		TemplateID:     rec.TemplateID,
		Variant:        rec.Variant,
		Status:         string(rec.Status),
		PayloadRef:     rec.PayloadRef,
		PayloadText:    rec.PayloadText,
		ContentType:    rec.ContentType,
		SizeBytes:      rec.SizeBytes,
		CreatedAt:      rec.CreatedAt,
		LastAccessedAt: rec.LastAccessedAt,
		AccessCount:    rec.AccessCount,
		ExpiresAt:      rec.ExpiresAt,
		ErrorDetail:    rec.ErrorDetail,
		Owner:          rec.Owner,
		TTL:            rec.ExpiresAt.Unix(),
	}
	av, err := attributevalue.MarshalMap(it)
	if err != nil {
		return fmt.Errorf("dynamo marshal record: %w", err)
	}
	if _, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      av,
	}); err != nil {
		return fmt.Errorf("dynamo put record: %w", err)
	}
	return nil
}

// DeleteRecord implements remote.MetadataStore.
func (s *Store) DeleteRecord(ctx context.Context, key string) error {
	if _, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key:       itemKey(key),
	}); err != nil {
		return fmt.Errorf("dynamo delete record: %w", err)
	}
	return nil
}

// TouchRecord implements remote.MetadataStore.
func (s *Store) TouchRecord(ctx context.Context, key string, at time.Time) error {
	update := expression.
		Set(expression.Name("LastAccessedAt"), expression.Value(at.UTC().Format(time.RFC3339Nano))).
		Add(expression.Name("AccessCount"), expression.Value(1))
	cond := expression.AttributeExists(expression.Name("PK"))

	expr, err := expression.NewBuilder().WithUpdate(update).WithCondition(cond).Build()
	if err != nil {
		return fmt.Errorf("dynamo build touch expression: %w", err)
	}

	_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.tableName),
		Key:                       itemKey(key),
		UpdateExpression:          expr.Update(),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return cache.ErrNotFound
		}
		return fmt.Errorf("dynamo touch record: %w", err)
	}
	return nil
}
