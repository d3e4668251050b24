package main

import (
	"context"
	"errors"
	"fmt"
	countflow "github.com/pnvasko/count-flow"
	"github.com/pnvasko/count-flow/common"
	"github.com/pnvasko/count-flow/coordination"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// services is everything a command needs, built from one Config.
type services struct {
	cfg      *common.Config
	logger   *common.Logger
	tracer   trace.Tracer
	shutdown func(context.Context) error

	cache       coordination.SharedCache
	store       coordination.DurableStore
	bus         *coordination.NotificationBus
	coordinator *countflow.Coordinator
}

// newObservers builds the observer set once the logger exists; it may return nil.
type newObservers func(logger *common.Logger) countflow.ObserverSet

func newServices(ctx context.Context, configPath string, observers newObservers) (*services, error) {
	cfg, err := common.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	logger, err := common.NewLogger(&cfg.Otlp)
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}
	shutdown, err := common.InitOpentelemetry(&cfg.Otlp)
	if err != nil {
		return nil, fmt.Errorf("init opentelemetry: %w", err)
	}

	s := &services{
		cfg:      cfg,
		logger:   logger,
		tracer:   otel.Tracer("count-flow"),
		shutdown: shutdown,
	}

	if s.cache, err = s.openCache(ctx); err != nil {
		logger.Ctx(ctx).Error("shared cache unavailable", zap.String("backend", cfg.CacheBackend), zap.Error(err))
		_ = s.Close(ctx)
		return nil, err
	}
	if err := s.cache.Ping(ctx); err != nil {
		logger.Ctx(ctx).Warn("shared cache not reachable yet, continuing", zap.Error(err))
	}
	s.store = s.openStore(ctx)

	if s.bus, err = coordination.NewNotificationBus(s.cache, logger.Named("bus")); err != nil {
		_ = s.Close(ctx)
		return nil, err
	}

	threshold, err := countflow.NewThresholdConfig(cfg)
	if err != nil {
		_ = s.Close(ctx)
		return nil, err
	}
	strategy, err := countflow.ParseStrategy(cfg.Strategy)
	if err != nil {
		_ = s.Close(ctx)
		return nil, err
	}
	var set countflow.ObserverSet
	if observers != nil {
		set = observers(logger)
	}
	s.coordinator, err = countflow.NewCoordinator(s.cache, s.store, s.bus, set, threshold, logger.Named("coordinator"),
		countflow.WithStrategy(strategy),
		countflow.WithTickInterval(cfg.TickInterval),
		countflow.WithWorkers(cfg.Workers),
		countflow.WithTracer(s.tracer),
	)
	if err != nil {
		_ = s.Close(ctx)
		return nil, err
	}
	return s, nil
}

// openCache fails only on configuration problems. An unreachable cache is
// not fatal: operations log and degrade until it comes back.
func (s *services) openCache(ctx context.Context) (coordination.SharedCache, error) {
	switch s.cfg.CacheBackend {
	case common.CacheBackendNats:
		cache, err := coordination.ConnectJetStreamCache(ctx, s.cfg.Nats.URL, s.tracer, s.logger.Named("nats"),
			coordination.WithBucketName[*coordination.JetStreamCache](s.cfg.Nats.Bucket))
		if err != nil {
			return nil, err
		}
		return cache, nil
	default:
		cache, err := coordination.NewRedisCache(s.cfg.Redis, s.tracer, s.logger.Named("redis"))
		if err != nil {
			return nil, err
		}
		return cache, nil
	}
}

// openStore returns nil when no database is configured or it cannot be
// bootstrapped; the process then counts in the cache only.
func (s *services) openStore(ctx context.Context) coordination.DurableStore {
	if !s.cfg.Database.Enabled() {
		s.logger.Info("no database configured, counts live in the shared cache only")
		return nil
	}
	store, err := coordination.NewDurableStore(ctx, s.cfg.Database, s.tracer, s.logger.Named("durable"))
	if err != nil {
		s.logger.Ctx(ctx).Error("durable store disabled", zap.Error(err))
		return nil
	}
	if err := store.Bootstrap(ctx); err != nil {
		s.logger.Ctx(ctx).Error("durable store bootstrap failed, continuing cache-only", zap.Error(err))
		_ = store.Close()
		return nil
	}
	return store
}

func (s *services) health(ctx context.Context) error {
	return s.cache.Ping(ctx)
}

// Close shuts down in dependency order: coordinator, store, cache, tracing.
func (s *services) Close(ctx context.Context) error {
	var errs []error
	if s.coordinator != nil {
		errs = append(errs, s.coordinator.Close(ctx))
	}
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	if s.cache != nil {
		errs = append(errs, s.cache.Close())
	}
	if s.shutdown != nil {
		if err := s.shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errs = append(errs, fmt.Errorf("shutdown tracing: %w", err))
		}
	}
	return common.MultiError(errs)
}
