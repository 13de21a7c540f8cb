package dynamo

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pario-ai/gencache/pkg/cache"
	"github.com/pario-ai/gencache/pkg/models"
)

// fakeDynamo keeps items in memory keyed by PK. UpdateItem understands the
// touch expression only: string values set LastAccessedAt, numbers are added
// to AccessCount.
type fakeDynamo struct {
	mu    sync.Mutex
	items map[string]map[string]types.AttributeValue
	last  *dynamodb.UpdateItemInput
}

func newFake() *fakeDynamo {
	return &fakeDynamo{items: make(map[string]map[string]types.AttributeValue)}
}

func pkOf(key map[string]types.AttributeValue) string {
	return key["PK"].(*types.AttributeValueMemberS).Value
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &dynamodb.GetItemOutput{Item: f.items[pkOf(in.Key)]}, nil
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[pkOf(in.Item)] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.items, pkOf(in.Key))
	return &dynamodb.DeleteItemOutput{}, nil
}

func (f *fakeDynamo) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.last = in
	it, ok := f.items[pkOf(in.Key)]
	if !ok {
		return nil, &types.ConditionalCheckFailedException{Message: new(string)}
	}
	for _, v := range in.ExpressionAttributeValues {
		switch av := v.(type) {
		case *types.AttributeValueMemberS:
			it["LastAccessedAt"] = av
		case *types.AttributeValueMemberN:
			cur, _ := strconv.ParseInt(it["AccessCount"].(*types.AttributeValueMemberN).Value, 10, 64)
			inc, _ := strconv.ParseInt(av.Value, 10, 64)
			it["AccessCount"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(cur+inc, 10)}
		}
	}
	return &dynamodb.UpdateItemOutput{}, nil
}

func TestRecordRoundTrip(t *testing.T) {
	ctx := context.Background()
	fake := newFake()
	s := New(fake, "gencache")

	now := time.Now().UTC().Truncate(time.Millisecond)
	rec := &models.Record{
		Key:            "goal_viz_01:0123456789abcdef:voice-A",
		TemplateID:     "goal_viz_01",
		Variant:        "voice-A",
		Status:         models.StatusCompleted,
		PayloadRef:     "s3://bucket/gencache/abc",
		ContentType:    "audio/mpeg",
		SizeBytes:      2048,
		CreatedAt:      now,
		LastAccessedAt: now,
		ExpiresAt:      now.Add(21 * 24 * time.Hour),
	}
	require.NoError(t, s.PutRecord(ctx, rec))

	stored := fake.items["GEN#"+rec.Key]
	require.NotNil(t, stored)
	assert.Equal(t, &types.AttributeValueMemberN{Value: strconv.FormatInt(rec.ExpiresAt.Unix(), 10)}, stored["TTL"])

	got, err := s.GetRecord(ctx, rec.Key)
	require.NoError(t, err)
	assert.Equal(t, rec.Key, got.Key)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, rec.PayloadRef, got.PayloadRef)
	assert.EqualValues(t, 2048, got.SizeBytes)
	assert.True(t, got.ExpiresAt.Equal(rec.ExpiresAt))

	require.NoError(t, s.DeleteRecord(ctx, rec.Key))
	_, err = s.GetRecord(ctx, rec.Key)
	assert.ErrorIs(t, err, cache.ErrNotFound)
}

func TestTouchRecord(t *testing.T) {
	ctx := context.Background()
	fake := newFake()
	s := New(fake, "gencache")

	now := time.Now().UTC()
	require.NoError(t, s.PutRecord(ctx, &models.Record{
		Key:       "k",
		Status:    models.StatusCompleted,
		CreatedAt: now,
		ExpiresAt: now.Add(time.Hour),
	}))

	at := now.Add(time.Minute)
	require.NoError(t, s.TouchRecord(ctx, "k", at))
	require.NotNil(t, fake.last.ConditionExpression)
	assert.Contains(t, *fake.last.UpdateExpression, "SET")
	assert.Contains(t, *fake.last.UpdateExpression, "ADD")

	got, err := s.GetRecord(ctx, "k")
	require.NoError(t, err)
	assert.EqualValues(t, 1, got.AccessCount)
	assert.True(t, got.LastAccessedAt.Equal(at))

	assert.ErrorIs(t, s.TouchRecord(ctx, "missing", at), cache.ErrNotFound)
}
