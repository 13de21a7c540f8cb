package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/pario-ai/gencache/pkg/cache"
	"github.com/pario-ai/gencache/pkg/cache/memory"
	"github.com/pario-ai/gencache/pkg/cache/remote"
	"github.com/pario-ai/gencache/pkg/cache/remote/dynamo"
	"github.com/pario-ai/gencache/pkg/cache/remote/redisstore"
	"github.com/pario-ai/gencache/pkg/cache/remote/s3store"
	"github.com/pario-ai/gencache/pkg/cache/sqlite"
	"github.com/pario-ai/gencache/pkg/config"
	"github.com/pario-ai/gencache/pkg/coordinator"
	"github.com/pario-ai/gencache/pkg/eviction"
	"github.com/pario-ai/gencache/pkg/generator"
	"github.com/pario-ai/gencache/pkg/logging"
	"github.com/pario-ai/gencache/pkg/metrics"
	"github.com/pario-ai/gencache/pkg/models"
	"github.com/pario-ai/gencache/pkg/router"
	"github.com/pario-ai/gencache/pkg/store"
	"github.com/pario-ai/gencache/pkg/tracker"
)

// runtime holds every component built from a config file.
type runtime struct {
	cfg         *config.Config
	logger      *zap.Logger
	metrics     *metrics.Collector
	memory      *memory.Cache
	local       *sqlite.Cache
	store       *store.Store
	tracker     *tracker.SQLiteTracker
	registry    *generator.Registry
	eviction    *eviction.Manager
	coordinator *coordinator.Coordinator

	closers []func() error
}

func openRuntime(ctx context.Context, configPath string) (_ *runtime, err error) {
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}

	rt := &runtime{cfg: cfg, logger: logger, metrics: metrics.New("gencache")}
	defer func() {
		if err != nil {
			rt.Close()
		}
	}()

	memPolicy, err := policyFor(cfg.Memory)
	if err != nil {
		return nil, fmt.Errorf("memory tier: %w", err)
	}
	localPolicy, err := policyFor(cfg.Local.PolicyConfig)
	if err != nil {
		return nil, fmt.Errorf("local tier: %w", err)
	}

	rt.memory = memory.New(memPolicy.Capacity)
	rt.local, err = sqlite.New(sqlite.Options{
		DBPath:           cfg.Local.IndexPath,
		Dir:              cfg.Local.Dir,
		Capacity:         localPolicy.Capacity,
		CompressionLevel: cfg.Local.CompressionLevel,
		Logger:           logger,
	})
	if err != nil {
		return nil, fmt.Errorf("init local tier: %w", err)
	}
	rt.closers = append(rt.closers, rt.local.Close)

	remoteTier, err := rt.openRemote(ctx, cfg.Remote)
	if err != nil {
		return nil, fmt.Errorf("init remote tier: %w", err)
	}

	opts := store.Options{
		Memory:  rt.memory,
		Local:   rt.local,
		Logger:  logger,
		Metrics: rt.metrics,
	}
	if remoteTier != nil {
		opts.Remote = remoteTier
	}
	rt.store, err = store.New(opts)
	if err != nil {
		return nil, err
	}

	rt.tracker, err = tracker.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("init tracker: %w", err)
	}
	rt.closers = append(rt.closers, rt.tracker.Close)

	rt.registry, err = generator.NewRegistry(router.New(cfg), generator.RegistryOptions{
		HTTPClient:    &http.Client{},
		TextTimeout:   cfg.Cache.TextTimeout,
		SpeechTimeout: cfg.Cache.SpeechTimeout,
		Logger:        logger,
	})
	if err != nil {
		return nil, fmt.Errorf("init generator: %w", err)
	}

	rt.eviction = eviction.New([]cache.Tier{rt.memory, rt.local}, map[models.Tier]eviction.Policy{
		models.TierMemory: memPolicy,
		models.TierLocal:  localPolicy,
	}, eviction.Options{Logger: logger, Metrics: rt.metrics})

	rt.coordinator = coordinator.New(rt.store, coordinator.Options{
		PendingTTL:     cfg.Cache.PendingTTL,
		FailedTTL:      cfg.Cache.FailedTTL,
		CompletedTTL:   cfg.Cache.CompletedTTL,
		RetryAfter:     cfg.Cache.RetryAfter,
		DefaultTimeout: cfg.Cache.TextTimeout,
		Tracker:        rt.tracker,
		Eviction:       rt.eviction,
		Metrics:        rt.metrics,
		Logger:         logger,
	})
	return rt, nil
}

// openRemote returns nil when no remote backend is configured.
func (rt *runtime) openRemote(ctx context.Context, rc config.RemoteConfig) (*remote.Tier, error) {
	var (
		meta    remote.MetadataStore
		objects remote.ObjectStore
	)

	switch rc.Backend {
	case "", "none":
		return nil, nil
	case "memory":
		b := remote.NewMemoryBackend()
		meta, objects = b, b
	case "dynamo":
		awsCfg, err := loadAWSConfig(ctx, rc)
		if err != nil {
			return nil, err
		}
		meta = dynamo.New(dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
			if rc.Endpoint != "" {
				o.BaseEndpoint = aws.String(rc.Endpoint)
			}
		}), rc.Dynamo.Table)
		if rc.S3.Bucket != "" {
			objects = s3store.New(s3.NewFromConfig(awsCfg, func(o *s3.Options) {
				if rc.Endpoint != "" {
					o.BaseEndpoint = aws.String(rc.Endpoint)
					o.UsePathStyle = true
				}
			}), rc.S3.Bucket, rc.S3.Prefix)
		}
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:         rc.Redis.Addr,
			Password:     rc.Redis.Password,
			DB:           rc.Redis.DB,
			DialTimeout:  rc.Timeout,
			ReadTimeout:  rc.Timeout,
			WriteTimeout: rc.Timeout,
		})
		rt.closers = append(rt.closers, client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			// The breaker absorbs an outage; start degraded rather than refuse.
			rt.logger.Warn("redis unreachable at startup", zap.String("addr", rc.Redis.Addr), zap.Error(err))
		}
		rs := redisstore.New(client, rc.Redis.Prefix, rt.cfg.Cache.CompletedTTL+24*time.Hour)
		meta, objects = rs, rs
	default:
		return nil, fmt.Errorf("unknown remote backend %q", rc.Backend)
	}

	rt.logger.Info("remote tier enabled", zap.String("backend", rc.Backend))
	return remote.New(meta, objects, remote.BreakerSettings{
		MaxRequests:      rc.Breaker.MaxRequests,
		Interval:         rc.Breaker.Interval,
		Timeout:          rc.Breaker.Timeout,
		FailureThreshold: rc.Breaker.FailureThreshold,
		MinRequests:      rc.Breaker.MinRequests,
	}, rt.logger), nil
}

func loadAWSConfig(ctx context.Context, rc config.RemoteConfig) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if rc.Region != "" {
		opts = append(opts, awsconfig.WithRegion(rc.Region))
	}
	if rc.Timeout > 0 {
		opts = append(opts, awsconfig.WithHTTPClient(awshttp.NewBuildableClient().WithTimeout(rc.Timeout)))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	return cfg, nil
}

func policyFor(pc config.PolicyConfig) (eviction.Policy, error) {
	capacity, err := pc.CapacityBytes()
	if err != nil {
		return eviction.Policy{}, err
	}
	return eviction.Policy{
		Capacity:      capacity,
		TargetRatio:   pc.TargetRatio,
		ProtectWindow: pc.ProtectWindow,
	}, nil
}

// Close releases every component in reverse order of creation.
func (rt *runtime) Close() {
	if rt.eviction != nil {
		rt.eviction.Close()
	}
	if rt.store != nil {
		rt.store.Close()
	}
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		rt.logger.Warn("shutdown", zap.Error(err))
	}
	_ = rt.logger.Sync()
}
