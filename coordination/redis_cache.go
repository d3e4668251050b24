package coordination

import (
	"context"
	"errors"
	"fmt"
	"github.com/pnvasko/count-flow/common"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"time"
)

const (
	redisPoolSize     = 128
	redisMaxIdleConns = 64
	redisMinIdleConns = 16
)

// RedisCache implements SharedCache over a pooled go-redis client. Every call
// borrows one pooled connection for the duration of the command.
type RedisCache struct {
	client    *redis.Client
	addr      string
	opTimeout time.Duration

	tracer trace.Tracer
	logger *common.Logger
}

func RedisOptions(cfg common.RedisSection) *redis.Options {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &redis.Options{
		Addr:         cfg.Addr(),
		Password:     cfg.Password,
		DB:           cfg.Database,
		DialTimeout:  timeout,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
		PoolTimeout:  timeout,
		PoolSize:     redisPoolSize,
		MaxIdleConns: redisMaxIdleConns,
		MinIdleConns: redisMinIdleConns,
	}
}

func NewRedisCache(cfg common.RedisSection, tracer trace.Tracer, logger *common.Logger, opts ...StoreOption[*RedisCache]) (*RedisCache, error) {
	if cfg.Host == "" || cfg.Port <= 0 {
		return nil, fmt.Errorf("%w: redis host and port are required", common.ErrInvalidConfig)
	}
	return NewRedisCacheWithOptions(RedisOptions(cfg), tracer, logger, opts...)
}

func NewRedisCacheWithOptions(options *redis.Options, tracer trace.Tracer, logger *common.Logger, opts ...StoreOption[*RedisCache]) (*RedisCache, error) {
	rc := &RedisCache{
		addr:      options.Addr,
		opTimeout: defaultOpTimeout,
		tracer:    tracer,
		logger:    logger,
	}
	for _, opt := range opts {
		if err := opt(rc); err != nil {
			return nil, err
		}
	}
	rc.client = redis.NewClient(options)
	logger.Info("redis cache configured", zap.String("addr", rc.addr), zap.Int("db", options.DB))
	return rc, nil
}

func (c *RedisCache) Client() *redis.Client {
	return c.client
}

func (c *RedisCache) Get(ctx context.Context, key string) (string, bool) {
	ctx, cancel := c.opContext(ctx)
	defer cancel()
	value, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false
	}
	if err != nil {
		c.logError(ctx, "redis get failed", err, key)
		return "", false
	}
	return value, true
}

func (c *RedisCache) Set(ctx context.Context, key, value string) bool {
	ctx, cancel := c.opContext(ctx)
	defer cancel()
	if err := c.client.Set(ctx, key, value, 0).Err(); err != nil {
		c.logError(ctx, "redis set failed", err, key)
		return false
	}
	return true
}

func (c *RedisCache) SetIfAbsent(ctx context.Context, key, value string) bool {
	ctx, cancel := c.opContext(ctx)
	defer cancel()
	ok, err := c.client.SetNX(ctx, key, value, 0).Result()
	if err != nil {
		c.logError(ctx, "redis setnx failed", err, key)
		return false
	}
	return ok
}

func (c *RedisCache) Delete(ctx context.Context, key string) {
	ctx, cancel := c.opContext(ctx)
	defer cancel()
	if err := c.client.Del(ctx, key).Err(); err != nil {
		c.logError(ctx, "redis delete failed", err, key)
	}
}

func (c *RedisCache) IncrementAndGet(ctx context.Context, key string) int64 {
	ctx, span := c.tracer.Start(ctx, "redis.incr", trace.WithAttributes(attribute.String("key", key)))
	defer span.End()
	ctx, cancel := c.opContext(ctx)
	defer cancel()

	value, err := c.client.Incr(ctx, key).Result()
	if err != nil {
		c.logError(ctx, "redis incr failed", err, key)
		return 0
	}
	return value
}

func (c *RedisCache) Publish(ctx context.Context, channel, message string) {
	ctx, cancel := c.opContext(ctx)
	defer cancel()
	if err := c.client.Publish(ctx, channel, message).Err(); err != nil {
		_ = common.SetLogError(ctx, "redis publish failed", err, c.logger, attribute.String("channel", channel))
	}
}

func (c *RedisCache) Subscribe(ctx context.Context, channel string, handler MessageHandler) error {
	pubsub := c.client.Subscribe(ctx, channel)
	defer pubsub.Close()

	// go-redis reads ignore plain cancellation, closing the pubsub unblocks them.
	stop := context.AfterFunc(ctx, func() {
		_ = pubsub.Close()
	})
	defer stop()

	if _, err := pubsub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("redis subscribe %s: %w", channel, err)
	}
	c.logger.Ctx(ctx).Info("redis subscription active", zap.String("channel", channel))

	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("redis receive %s: %w", channel, err)
		}
		dispatchMessage(ctx, c.logger, handler, msg.Channel, msg.Payload)
	}
}

func (c *RedisCache) Ping(ctx context.Context) error {
	ctx, cancel := c.opContext(ctx)
	defer cancel()
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping %s: %w", c.addr, err)
	}
	return nil
}

func (c *RedisCache) Close() error {
	if err := c.client.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
		return fmt.Errorf("close redis pool: %w", err)
	}
	c.logger.Info("closed redis connection pool", zap.String("addr", c.addr))
	return nil
}

func (c *RedisCache) setOpTimeout(ttl time.Duration) {
	c.opTimeout = ttl
}

func (c *RedisCache) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.opTimeout)
}

func (c *RedisCache) logError(ctx context.Context, msg string, err error, key string) {
	c.logger.Ctx(ctx).Error(msg, zap.Error(err), zap.String("key", key), zap.String("addr", c.addr))
}

// dispatchMessage isolates the subscription loop from handler panics.
func dispatchMessage(ctx context.Context, logger *common.Logger, handler MessageHandler, channel, payload string) {
	defer func() {
		if r := recover(); r != nil {
			logger.Ctx(ctx).Error("message handler panicked", zap.Any("panic", r), zap.String("channel", channel))
		}
	}()
	start := time.Now()
	handler(ctx, channel, payload)
	if elapsed := time.Since(start); elapsed > time.Second {
		logger.Ctx(ctx).Warn("slow message handler", zap.Duration("elapsed", elapsed), zap.String("channel", channel))
	}
}

var _ SharedCache = (*RedisCache)(nil)
