// Package remote implements the shared tier of the generation cache on top
// of a pluggable metadata store and object store.
package remote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/pario-ai/gencache/pkg/cache"
	"github.com/pario-ai/gencache/pkg/models"
)

// ErrUnavailable wraps failures caused by an open circuit breaker.
var ErrUnavailable = errors.New("remote tier unavailable")

// MetadataStore persists cache records keyed by cache key.
type MetadataStore interface {
	// GetRecord returns cache.ErrNotFound when no record exists.
	GetRecord(ctx context.Context, key string) (*models.Record, error)
	PutRecord(ctx context.Context, rec *models.Record) error
	DeleteRecord(ctx context.Context, key string) error
	// TouchRecord increments the access count and sets the last access time.
	TouchRecord(ctx context.Context, key string, at time.Time) error
}

// ObjectStore persists payload bytes addressed by cache key.
type ObjectStore interface {
	// PutObject stores data and returns a reference for GetObject.
	PutObject(ctx context.Context, key string, data []byte, contentType string) (string, error)
	// GetObject returns cache.ErrNotFound when the object does not exist.
	GetObject(ctx context.Context, ref string) ([]byte, error)
	DeleteObject(ctx context.Context, ref string) error
}

// BreakerSettings configures the circuit breaker around remote calls.
type BreakerSettings struct {
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold float64
	MinRequests      uint32
}

// DefaultBreakerSettings returns the breaker configuration used when none is given.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		MaxRequests:      5,
		Interval:         30 * time.Second,
		Timeout:          60 * time.Second,
		FailureThreshold: 0.8,
		MinRequests:      5,
	}
}

// Tier is the remote cache tier.
type Tier struct {
	meta    MetadataStore
	objects ObjectStore
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

// New composes a remote tier. objects may be nil when payloads are text only.
func New(meta MetadataStore, objects ObjectStore, bs BreakerSettings, logger *zap.Logger) *Tier {
	if logger == nil {
		logger = zap.NewNop()
	}
	if bs.MinRequests == 0 {
		bs = DefaultBreakerSettings()
	}
	t := &Tier{meta: meta, objects: objects, logger: logger}
	t.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "remote-tier",
		MaxRequests: bs.MaxRequests,
		Interval:    bs.Interval,
		Timeout:     bs.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < bs.MinRequests {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= bs.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, cache.ErrNotFound)
		},
	})
	return t
}

// Name implements cache.Tier.
func (t *Tier) Name() models.Tier { return models.TierRemote }

// Get implements cache.Tier. A record whose object is gone is a miss.
func (t *Tier) Get(ctx context.Context, key string) (*models.Record, *models.Payload, error) {
	v, err := t.execute(func() (any, error) { return t.meta.GetRecord(ctx, key) })
	if err != nil {
		return nil, nil, err
	}
	rec := v.(*models.Record)
	if rec.Status != models.StatusCompleted {
		return rec, nil, nil
	}

	payload := &models.Payload{Text: rec.PayloadText, ContentType: rec.ContentType}
	if rec.PayloadRef == "" || t.objects == nil {
		return rec, payload, nil
	}
	data, err := t.execute(func() (any, error) { return t.objects.GetObject(ctx, rec.PayloadRef) })
	if err != nil {
		return nil, nil, err
	}
	payload.Data = data.([]byte)
	return rec, payload, nil
}

// Put implements cache.Tier. The object is uploaded before the record so a
// visible completed record always points at an existing object.
func (t *Tier) Put(ctx context.Context, rec *models.Record, p *models.Payload) error {
	out := *rec
	out.PayloadRef = ""
	if out.PayloadText == "" && p != nil {
		out.PayloadText = p.Text
	}
	if rec.Status == models.StatusCompleted && p != nil && len(p.Data) > 0 {
		if t.objects == nil {
			return errors.New("remote put: no object store configured for binary payload")
		}
		ref, err := t.execute(func() (any, error) {
			return t.objects.PutObject(ctx, rec.Key, p.Data, p.ContentType)
		})
		if err != nil {
			return fmt.Errorf("remote put object: %w", err)
		}
		out.PayloadRef = ref.(string)
	}
	if _, err := t.execute(func() (any, error) { return nil, t.meta.PutRecord(ctx, &out) }); err != nil {
		return fmt.Errorf("remote put record: %w", err)
	}
	return nil
}

// Delete implements cache.Tier.
func (t *Tier) Delete(ctx context.Context, key string) error {
	v, err := t.execute(func() (any, error) { return t.meta.GetRecord(ctx, key) })
	if errors.Is(err, cache.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	rec := v.(*models.Record)
	if _, err := t.execute(func() (any, error) { return nil, t.meta.DeleteRecord(ctx, key) }); err != nil {
		return fmt.Errorf("remote delete record: %w", err)
	}
	if rec.PayloadRef != "" && t.objects != nil {
		if _, err := t.execute(func() (any, error) {
			return nil, t.objects.DeleteObject(ctx, rec.PayloadRef)
		}); err != nil && !errors.Is(err, cache.ErrNotFound) {
			return fmt.Errorf("remote delete object: %w", err)
		}
	}
	return nil
}

// Touch implements cache.Tier.
func (t *Tier) Touch(ctx context.Context, key string, at time.Time) error {
	_, err := t.execute(func() (any, error) { return nil, t.meta.TouchRecord(ctx, key, at) })
	return err
}

func (t *Tier) execute(fn func() (any, error)) (any, error) {
	v, err := t.breaker.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return v, err
}
