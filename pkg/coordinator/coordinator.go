// Package coordinator decides, per request, whether generated content can be
// served from the cache, is still being produced, or must be generated now.
//
// A PENDING record acts as an optimistic lock: other callers that observe it
// back off instead of generating. Callers in the same process are coalesced
// before the lock is written. Concurrent writers across processes produce
// identical payloads for a key, so the last write wins.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/pario-ai/gencache/pkg/cache"
	"github.com/pario-ai/gencache/pkg/cachekey"
	"github.com/pario-ai/gencache/pkg/generator"
	"github.com/pario-ai/gencache/pkg/metrics"
	"github.com/pario-ai/gencache/pkg/models"
	"github.com/pario-ai/gencache/pkg/store"
	"github.com/pario-ai/gencache/pkg/tracker"
)

// Default record lifetimes and generation timeout.
const (
	DefaultPendingTTL      = 5 * time.Minute
	DefaultFailedTTL       = 3 * time.Minute
	DefaultCompletedTTL    = 21 * 24 * time.Hour
	DefaultRetryAfter      = 2 * time.Second
	DefaultGenerateTimeout = 45 * time.Second
)

// Outcome describes how a request was satisfied.
type Outcome int

const (
	// OutcomeHit means a completed record was served from a tier.
	OutcomeHit Outcome = iota
	// OutcomeGenerated means this call ran the generator.
	OutcomeGenerated
	// OutcomePending means another caller is generating the content.
	OutcomePending
	// OutcomeShared means a concurrent call in this process ran the
	// generator and this call received its result.
	OutcomeShared
)

func (o Outcome) String() string {
	switch o {
	case OutcomeHit:
		return "hit"
	case OutcomeGenerated:
		return "generated"
	case OutcomePending:
		return "pending"
	case OutcomeShared:
		return "shared"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Request identifies the content to produce.
type Request struct {
	TemplateID string
	Inputs     map[string]string
	Variant    string
	// Timeout bounds the generator call. Zero uses the generator's own hint
	// or the coordinator default.
	Timeout time.Duration
}

// Result is the outcome of GetOrGenerate or Fetch.
type Result struct {
	Key     string
	Outcome Outcome
	Record  *models.Record
	// Payload is set for OutcomeHit, OutcomeGenerated and OutcomeShared.
	Payload *models.Payload
	// Tier is the tier that served a hit.
	Tier models.Tier
	// PendingSince and RetryAfter are set for OutcomePending.
	PendingSince time.Time
	RetryAfter   time.Duration
}

// Notifier is told after every write so cleanup can run opportunistically.
type Notifier interface {
	Notify()
}

// Options configures a Coordinator.
type Options struct {
	PendingTTL     time.Duration
	FailedTTL      time.Duration
	CompletedTTL   time.Duration
	RetryAfter     time.Duration
	DefaultTimeout time.Duration

	Tracker  tracker.Tracker
	Eviction Notifier
	Metrics  *metrics.Collector
	Logger   *zap.Logger
	Now      func() time.Time
}

// Coordinator implements get-or-generate over a tiered store.
type Coordinator struct {
	store  *store.Store
	opts   Options
	logger *zap.Logger
	now    func() time.Time
	flight singleflight.Group

	hits        atomic.Int64
	misses      atomic.Int64
	pending     atomic.Int64
	failures    atomic.Int64
	generations atomic.Int64
}

// New creates a Coordinator. Zero durations in opts take the defaults.
func New(s *store.Store, opts Options) *Coordinator {
	if opts.PendingTTL <= 0 {
		opts.PendingTTL = DefaultPendingTTL
	}
	if opts.FailedTTL <= 0 {
		opts.FailedTTL = DefaultFailedTTL
	}
	if opts.CompletedTTL <= 0 {
		opts.CompletedTTL = DefaultCompletedTTL
	}
	if opts.RetryAfter <= 0 {
		opts.RetryAfter = DefaultRetryAfter
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultGenerateTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Coordinator{store: s, opts: opts, logger: opts.Logger, now: opts.Now}
}

// GetOrGenerate returns cached content for req or generates it with gen.
//
// A completed record is returned as OutcomeHit. A live PENDING record is
// returned as OutcomePending without calling gen. A live FAILED record is
// returned as a *GenerationError with Cached set. Otherwise a PENDING record
// is written, gen is called under a timeout, and the completed or failed
// record is written through every tier.
//
// Concurrent calls for the same key in this process share one generation;
// every call but the one that ran it sees OutcomeShared. A call whose ctx is
// done stops waiting and returns ctx.Err() while the generation continues.
func (c *Coordinator) GetOrGenerate(ctx context.Context, req Request, gen generator.Generator) (*Result, error) {
	key := cachekey.Compute(req.TemplateID, req.Inputs, req.Variant)

	res, err := c.check(ctx, key)
	if res != nil || err != nil {
		return res, err
	}
	c.misses.Add(1)

	// The flight outlives callers that give up waiting on it.
	fctx := context.WithoutCancel(ctx)
	leader := false
	ch := c.flight.DoChan(key, func() (any, error) {
		leader = true
		// Another flight may have finished between our lookup and DoChan.
		res, err := c.check(fctx, key)
		if res != nil || err != nil {
			c.misses.Add(-1)
			return res, err
		}
		return c.generate(fctx, key, req, gen)
	})

	var r singleflight.Result
	select {
	case r = <-ch:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if !leader {
		c.countFollower(r)
	}
	if r.Err != nil {
		return nil, r.Err
	}
	res = r.Val.(*Result)
	if r.Shared {
		cp := *res
		cp.Payload = res.Payload.Clone()
		if !leader && cp.Outcome == OutcomeGenerated {
			cp.Outcome = OutcomeShared
		}
		res = &cp
	}
	return res, nil
}

// countFollower moves a caller that waited on another caller's flight out of
// the miss count. Only the caller that ran the flight paid for a generation.
func (c *Coordinator) countFollower(r singleflight.Result) {
	var genErr *GenerationError
	switch {
	case r.Err == nil && r.Val.(*Result).Outcome == OutcomePending:
		c.pending.Add(1)
	case r.Err == nil:
		c.hits.Add(1)
	case errors.As(r.Err, &genErr):
		c.failures.Add(1)
	default:
		return
	}
	c.misses.Add(-1)
}

// check looks key up and classifies the record. It returns (nil, nil) when
// the caller should generate.
func (c *Coordinator) check(ctx context.Context, key string) (*Result, error) {
	rec, p, tier, err := c.store.Lookup(ctx, key)
	if errors.Is(err, cache.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	switch rec.Status {
	case models.StatusCompleted:
		c.hits.Add(1)
		if tier != models.TierMemory {
			// The hit was promoted into faster tiers.
			c.notify()
		}
		return &Result{Key: key, Outcome: OutcomeHit, Record: rec, Payload: p, Tier: tier}, nil
	case models.StatusPending:
		c.pending.Add(1)
		return &Result{
			Key:          key,
			Outcome:      OutcomePending,
			Record:       rec,
			Tier:         tier,
			PendingSince: rec.CreatedAt,
			RetryAfter:   c.opts.RetryAfter,
		}, nil
	case models.StatusFailed:
		c.failures.Add(1)
		return nil, &GenerationError{
			Key:        key,
			TemplateID: rec.TemplateID,
			Detail:     rec.ErrorDetail,
			Cached:     true,
		}
	}
	// Unknown status; treat as absent.
	c.logger.Warn("ignoring record with unknown status", zap.String("key", key), zap.String("status", string(rec.Status)))
	return nil, nil
}

func (c *Coordinator) generate(ctx context.Context, key string, req Request, gen generator.Generator) (*Result, error) {
	started := c.now()
	owner := uuid.NewString()
	pending := &models.Record{
		Key:            key,
		TemplateID:     req.TemplateID,
		Variant:        req.Variant,
		Status:         models.StatusPending,
		CreatedAt:      started,
		LastAccessedAt: started,
		ExpiresAt:      started.Add(c.opts.PendingTTL),
		Owner:          owner,
	}
	if err := c.store.Write(ctx, pending, nil); err != nil {
		return nil, fmt.Errorf("write pending record: %w", err)
	}

	timeout := c.timeoutFor(req, gen)
	gctx, cancel := context.WithTimeout(ctx, timeout)
	clock := time.Now()
	payload, genErr := gen.Generate(gctx, req.TemplateID, req.Inputs, req.Variant)
	timedOut := errors.Is(gctx.Err(), context.DeadlineExceeded)
	cancel()
	elapsed := time.Since(clock)

	if genErr == nil && payload == nil {
		genErr = errors.New("generator returned no payload")
	}
	if genErr == nil && timedOut {
		genErr = context.DeadlineExceeded
	}

	done := c.now()
	c.generations.Add(1)
	defer c.notify()

	if genErr != nil {
		detail := genErr.Error()
		if timedOut {
			detail = fmt.Sprintf("generation timed out after %s", timeout)
		}
		c.failures.Add(1)
		failed := &models.Record{
			Key:            key,
			TemplateID:     req.TemplateID,
			Variant:        req.Variant,
			Status:         models.StatusFailed,
			CreatedAt:      done,
			LastAccessedAt: done,
			ExpiresAt:      done.Add(c.opts.FailedTTL),
			ErrorDetail:    detail,
			Owner:          owner,
		}
		if err := c.store.Write(ctx, failed, nil); err != nil {
			c.logger.Warn("failed to record generation failure", zap.String("key", key), zap.Error(err))
		}
		c.track(ctx, failed, elapsed)
		c.opts.Metrics.Generation(req.TemplateID, "failed", elapsed)
		c.logger.Warn("generation failed",
			zap.String("key", key), zap.String("template", req.TemplateID),
			zap.Duration("elapsed", elapsed), zap.Error(genErr))
		return nil, &GenerationError{Key: key, TemplateID: req.TemplateID, Detail: detail, Err: genErr}
	}

	rec := &models.Record{
		Key:            key,
		TemplateID:     req.TemplateID,
		Variant:        req.Variant,
		Status:         models.StatusCompleted,
		PayloadText:    payload.Text,
		ContentType:    payload.ContentType,
		SizeBytes:      payload.Size(),
		CreatedAt:      done,
		LastAccessedAt: done,
		ExpiresAt:      done.Add(c.opts.CompletedTTL),
		Owner:          owner,
	}
	if err := c.store.Write(ctx, rec, payload); err != nil {
		return nil, fmt.Errorf("write completed record: %w", err)
	}
	c.track(ctx, rec, elapsed)
	c.opts.Metrics.Generation(req.TemplateID, "generated", elapsed)
	c.logger.Info("content generated",
		zap.String("key", key), zap.String("template", req.TemplateID),
		zap.Int64("size_bytes", rec.SizeBytes), zap.Duration("elapsed", elapsed))

	return &Result{Key: key, Outcome: OutcomeGenerated, Record: rec, Payload: payload}, nil
}

func (c *Coordinator) timeoutFor(req Request, gen generator.Generator) time.Duration {
	if req.Timeout > 0 {
		return req.Timeout
	}
	if t, ok := gen.(generator.Timeouter); ok {
		if d := t.Timeout(req.TemplateID); d > 0 {
			return d
		}
	}
	return c.opts.DefaultTimeout
}

func (c *Coordinator) track(ctx context.Context, rec *models.Record, elapsed time.Duration) {
	if c.opts.Tracker == nil {
		return
	}
	err := c.opts.Tracker.Record(ctx, models.GenerationEvent{
		Key:        rec.Key,
		TemplateID: rec.TemplateID,
		Variant:    rec.Variant,
		Status:     rec.Status,
		SizeBytes:  rec.SizeBytes,
		Duration:   elapsed,
		Error:      rec.ErrorDetail,
		CreatedAt:  rec.CreatedAt,
	})
	if err != nil {
		c.logger.Warn("tracker record failed", zap.String("key", rec.Key), zap.Error(err))
	}
}

func (c *Coordinator) notify() {
	if c.opts.Eviction != nil {
		c.opts.Eviction.Notify()
	}
}

// Invalidate removes the content for a template, inputs and variant from
// every tier.
func (c *Coordinator) Invalidate(ctx context.Context, templateID string, inputs map[string]string, variant string) error {
	return c.InvalidateKey(ctx, cachekey.Compute(templateID, inputs, variant))
}

// InvalidateKey removes key from every tier.
func (c *Coordinator) InvalidateKey(ctx context.Context, key string) error {
	if err := c.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("invalidate %s: %w", key, err)
	}
	c.logger.Info("content invalidated", zap.String("key", key))
	return nil
}

// Fetch returns completed content by key without generating. It returns
// ErrNotFound for anything other than a live completed record.
func (c *Coordinator) Fetch(ctx context.Context, key string) (*Result, error) {
	rec, p, tier, err := c.store.Lookup(ctx, key)
	if errors.Is(err, cache.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if rec.Status != models.StatusCompleted {
		return nil, ErrNotFound
	}
	if tier != models.TierMemory {
		c.notify()
	}
	return &Result{Key: key, Outcome: OutcomeHit, Record: rec, Payload: p, Tier: tier}, nil
}
