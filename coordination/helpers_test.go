package coordination

import (
	"context"
	"fmt"
	"github.com/alicebob/miniredis/v2"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/pnvasko/count-flow/common"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
	"math/rand"
	"testing"
	"time"
)

const (
	longWait  = 5 * time.Second
	shortWait = 50 * time.Millisecond
)

type TestContext struct {
	ctx    context.Context
	cancel context.CancelFunc
	tracer trace.Tracer
	logger *common.Logger
	logs   *observer.ObservedLogs
}

// newTestContext logs to the test output and records entries of level warn
// and above for assertions.
func newTestContext(t *testing.T) *TestContext {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	core, logs := observer.New(zapcore.WarnLevel)
	zl := zaptest.NewLogger(t, zaptest.WrapOptions(zap.WrapCore(func(c zapcore.Core) zapcore.Core {
		return zapcore.NewTee(c, core)
	})))
	return &TestContext{
		ctx:    ctx,
		cancel: cancel,
		tracer: noop.NewTracerProvider().Tracer("test"),
		logger: common.NewLoggerFromZap(zl),
		logs:   logs,
	}
}

func newTestRedisCache(t *testing.T, tc *TestContext) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	cache, err := NewRedisCacheWithOptions(&redis.Options{
		Addr:         mr.Addr(),
		DialTimeout:  time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
		MaxRetries:   -1,
	}, tc.tracer, tc.logger, WithOpTimeout[*RedisCache](time.Second))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = cache.Close()
	})
	return cache, mr
}

func runNatsServer(t *testing.T) *server.Server {
	t.Helper()
	srv, err := server.NewServer(&server.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		JetStream: true,
		StoreDir:  t.TempDir(),
		NoLog:     true,
		NoSigs:    true,
	})
	require.NoError(t, err)
	go srv.Start()
	if !srv.ReadyForConnections(longWait) {
		t.Fatal("nats server not ready")
	}
	t.Cleanup(srv.Shutdown)
	return srv
}

func newTestJetStreamCache(t *testing.T, tc *TestContext, opts ...StoreOption[*JetStreamCache]) (*JetStreamCache, *server.Server) {
	t.Helper()
	srv := runNatsServer(t)
	nc, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	cache, err := NewJetStreamCache(tc.ctx, nc, tc.tracer, tc.logger, opts...)
	require.NoError(t, err)
	return cache, srv
}

func uniqueScope(base string) string {
	return fmt.Sprintf("%s_%d_%d", base, time.Now().UnixNano(), rand.Intn(1000))
}

func redisSection(host string, port int, timeout time.Duration) common.RedisSection {
	return common.RedisSection{Host: host, Port: port, Timeout: timeout}
}
