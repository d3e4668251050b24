package count_flow

import (
	"context"
	"github.com/alicebob/miniredis/v2"
	"github.com/pnvasko/count-flow/common"
	"github.com/pnvasko/count-flow/coordination"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

const (
	longWait  = 5 * time.Second
	shortWait = 20 * time.Millisecond
)

type fixture struct {
	ctx    context.Context
	mr     *miniredis.Miniredis
	cache  *coordination.RedisCache
	store  *coordination.SQLStore
	bus    *coordination.NotificationBus
	logger *common.Logger
	logs   *observer.ObservedLogs
}

type fixtureOption func(t *testing.T, f *fixture)

// withSQLite attaches a durable store in a temp SQLite file.
func withSQLite() fixtureOption {
	return func(t *testing.T, f *fixture) {
		store, err := coordination.OpenSQLStore(coordination.DialectSQLite,
			filepath.Join(t.TempDir(), "counts.db"),
			coordination.DefaultPoolConfig(),
			noop.NewTracerProvider().Tracer("test"),
			f.logger,
		)
		require.NoError(t, err)
		t.Cleanup(func() {
			_ = store.Close()
		})
		require.NoError(t, store.Bootstrap(f.ctx))
		f.store = store
	}
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	core, logs := observer.New(zapcore.WarnLevel)
	zl := zaptest.NewLogger(t, zaptest.WrapOptions(zap.WrapCore(func(c zapcore.Core) zapcore.Core {
		return zapcore.NewTee(c, core)
	})))
	logger := common.NewLoggerFromZap(zl)

	mr := miniredis.RunT(t)
	cache, err := coordination.NewRedisCacheWithOptions(&redis.Options{
		Addr:         mr.Addr(),
		DialTimeout:  time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
		MaxRetries:   -1,
	}, noop.NewTracerProvider().Tracer("test"), logger)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = cache.Close()
	})

	bus, err := coordination.NewNotificationBus(cache, logger,
		coordination.WithReconnectDelay(coordination.NewStaticDelay(shortWait)))
	require.NoError(t, err)

	f := &fixture{ctx: ctx, mr: mr, cache: cache, bus: bus, logger: logger, logs: logs}
	for _, opt := range opts {
		opt(t, f)
	}
	return f
}

// durable returns the store as an interface, nil when none is attached.
func (f *fixture) durable() coordination.DurableStore {
	if f.store == nil {
		return nil
	}
	return f.store
}

func (f *fixture) coordinator(t *testing.T, maxCount int64, observers ObserverSet, opts ...CoordinatorOption) *Coordinator {
	t.Helper()
	threshold := DefaultThresholdConfig()
	threshold.MaxCount = maxCount
	c, err := NewCoordinator(f.cache, f.durable(), f.bus, observers, threshold, f.logger, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), longWait)
		defer cancel()
		_ = c.Close(ctx)
	})
	return c
}

// recorder is an Observer that keeps every notice it receives.
type recorder struct {
	entity string
	mu     sync.Mutex
	items  []Notice
}

func newRecorder(entity string) *recorder {
	return &recorder{entity: entity}
}

func (r *recorder) EntityID() string {
	return r.entity
}

func (r *recorder) Notify(n Notice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, n)
}

func (r *recorder) notices() []Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notice(nil), r.items...)
}

func (r *recorder) ofKind(kind NoticeKind) []Notice {
	var out []Notice
	for _, n := range r.notices() {
		if n.Kind == kind {
			out = append(out, n)
		}
	}
	return out
}
