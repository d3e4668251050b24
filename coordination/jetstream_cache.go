package coordination

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/pnvasko/count-flow/common"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"time"
)

// JetStreamCache implements SharedCache on a JetStream key/value bucket for the
// counts and plain NATS subjects for pub/sub. Increments are compare-and-set
// loops on the entry revision, so concurrent writers from any process retry
// instead of overwriting each other.
type JetStreamCache struct {
	*baseKvStore
	nc     *nats.Conn
	ownsNc bool
	js     jetstream.JetStream
	kv     jetstream.KeyValue

	tracer trace.Tracer
	logger *common.Logger
}

// ConnectJetStreamCache dials url and owns the resulting connection.
func ConnectJetStreamCache(ctx context.Context, url string, tracer trace.Tracer, logger *common.Logger, opts ...StoreOption[*JetStreamCache]) (*JetStreamCache, error) {
	nc, err := nats.Connect(url,
		nats.Name("count-flow"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	c, err := NewJetStreamCache(ctx, nc, tracer, logger, opts...)
	if err != nil {
		nc.Close()
		return nil, err
	}
	c.ownsNc = true
	return c, nil
}

func NewJetStreamCache(ctx context.Context, nc *nats.Conn, tracer trace.Tracer, logger *common.Logger, opts ...StoreOption[*JetStreamCache]) (*JetStreamCache, error) {
	c := &JetStreamCache{
		baseKvStore: &baseKvStore{
			scope:            defaultSubjectRoot,
			bucketName:       defaultNatsBucket,
			retryWait:        defaultRetryWait,
			opTimeout:        defaultOpTimeout,
			maxRetryAttempts: defaultMaxRetryAttempts,
		},
		nc:     nc,
		tracer: tracer,
		logger: logger,
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}

	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}
	c.js = js

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      c.bucketName,
		Description: fmt.Sprintf("Shared entity counters for %s", c.scope),
		History:     1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create/get KV store '%s': %w", c.bucketName, err)
	}
	c.kv = kv
	return c, nil
}

func (c *JetStreamCache) KV() jetstream.KeyValue {
	return c.kv
}

func (c *JetStreamCache) Get(ctx context.Context, key string) (string, bool) {
	ctx, cancel := c.opContext(ctx)
	defer cancel()
	entry, err := c.kv.Get(ctx, kvKey(key))
	if err != nil {
		if !isJSKeyMissing(err) {
			c.logError(ctx, "kv get failed", err, key)
		}
		return "", false
	}
	return string(entry.Value()), true
}

func (c *JetStreamCache) Set(ctx context.Context, key, value string) bool {
	ctx, cancel := c.opContext(ctx)
	defer cancel()
	if _, err := c.kv.PutString(ctx, kvKey(key), value); err != nil {
		c.logError(ctx, "kv put failed", err, key)
		return false
	}
	return true
}

func (c *JetStreamCache) SetIfAbsent(ctx context.Context, key, value string) bool {
	ctx, cancel := c.opContext(ctx)
	defer cancel()
	_, err := c.kv.Create(ctx, kvKey(key), []byte(value))
	if err == nil {
		return true
	}
	if !errors.Is(err, jetstream.ErrKeyExists) {
		c.logError(ctx, "kv create failed", err, key)
	}
	return false
}

func (c *JetStreamCache) Delete(ctx context.Context, key string) {
	ctx, cancel := c.opContext(ctx)
	defer cancel()
	if err := c.kv.Delete(ctx, kvKey(key)); err != nil && !isJSKeyMissing(err) {
		c.logError(ctx, "kv delete failed", err, key)
	}
}

func (c *JetStreamCache) IncrementAndGet(ctx context.Context, key string) int64 {
	ctx, span := c.tracer.Start(ctx, "jetstream.incr", trace.WithAttributes(attribute.String("key", key)))
	defer span.End()

	k := kvKey(key)
	var lastErr error
	for i := 0; i < c.maxRetryAttempts; i++ {
		next, revision, err := c.getNewValue(ctx, k)
		if err != nil {
			c.logError(ctx, "kv incr read failed", err, key)
			return 0
		}
		val := []byte(common.Int64ToString(next))

		opCtx, cancel := c.opContext(ctx)
		if revision == 0 {
			_, lastErr = c.kv.Create(opCtx, k, val)
		} else {
			_, lastErr = c.kv.Update(opCtx, k, val, revision)
		}
		cancel()
		if lastErr == nil {
			return next
		}
		if !isJSWrongLastSequence(lastErr) {
			c.logError(ctx, fmt.Sprintf("kv incr failed on attempt %d", i+1), lastErr, key)
			return 0
		}
		select {
		case <-ctx.Done():
			c.logError(ctx, "kv incr cancelled", ctx.Err(), key)
			return 0
		case <-time.After(c.retryWait + getJitter()):
		}
	}
	c.logError(ctx, fmt.Sprintf("kv incr failed after %d attempts due to conflicts", c.maxRetryAttempts), lastErr, key)
	return 0
}

func (c *JetStreamCache) getNewValue(ctx context.Context, k string) (int64, uint64, error) {
	ctx, cancel := c.opContext(ctx)
	defer cancel()
	entry, err := c.kv.Get(ctx, k)
	if err != nil {
		if isJSKeyMissing(err) {
			return 1, 0, nil
		}
		if errors.Is(err, jetstream.ErrBucketNotFound) {
			return 0, 0, fmt.Errorf("counter bucket '%s' not found: %w", c.bucketName, err)
		}
		return 0, 0, err
	}
	current, ok := common.ParseCount(string(entry.Value()))
	if !ok {
		return 0, 0, fmt.Errorf("stored value %q is not a count", string(entry.Value()))
	}
	return current + 1, entry.Revision(), nil
}

func (c *JetStreamCache) Publish(ctx context.Context, channel, message string) {
	if err := c.nc.Publish(c.subjectFor(channel), []byte(message)); err != nil {
		_ = common.SetLogError(ctx, "nats publish failed", err, c.logger, attribute.String("channel", channel))
	}
}

func (c *JetStreamCache) Subscribe(ctx context.Context, channel string, handler MessageHandler) error {
	msgs := make(chan *nats.Msg, 256)
	sub, err := c.nc.ChanSubscribe(c.subjectFor(channel), msgs)
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", channel, err)
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()
	c.logger.Ctx(ctx).Info("nats subscription active", zap.String("subject", sub.Subject))

	health := time.NewTicker(time.Second)
	defer health.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-msgs:
			dispatchMessage(ctx, c.logger, handler, channel, string(msg.Data))
		case <-health.C:
			if c.nc.IsClosed() {
				return fmt.Errorf("nats subscribe %s: %w", channel, nats.ErrConnectionClosed)
			}
			if !sub.IsValid() {
				return fmt.Errorf("nats subscribe %s: %w", channel, nats.ErrBadSubscription)
			}
		}
	}
}

func (c *JetStreamCache) Ping(ctx context.Context) error {
	ctx, cancel := c.opContext(ctx)
	defer cancel()
	if err := c.nc.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}
	if _, err := c.kv.Status(ctx); err != nil {
		return fmt.Errorf("kv status %s: %w", c.bucketName, err)
	}
	return nil
}

func (c *JetStreamCache) Close() error {
	if !c.ownsNc {
		return nil
	}
	if err := c.nc.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return fmt.Errorf("drain nats connection: %w", err)
	}
	c.logger.Info("closed nats connection", zap.String("bucket", c.bucketName))
	return nil
}

func (c *JetStreamCache) subjectFor(channel string) string {
	return c.scope + "." + channel
}

func (c *JetStreamCache) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.opTimeout)
}

func (c *JetStreamCache) logError(ctx context.Context, msg string, err error, key string) {
	c.logger.Ctx(ctx).Error(msg, zap.Error(err), zap.String("key", key), zap.String("bucket", c.bucketName))
}

// kvKey maps a cache key onto the KV key alphabet, which has no ':'.
func kvKey(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key))
}

var _ SharedCache = (*JetStreamCache)(nil)
