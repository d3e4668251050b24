package coordination

import (
	"context"
	"errors"
	"fmt"
	"github.com/pnvasko/count-flow/common"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"strings"
	"time"
)

// CompletionTopic is the well-known channel for threshold completion events.
const CompletionTopic = "count"

var (
	ErrMalformedEvent = errors.New("malformed completion event")
	ErrBusRunning     = errors.New("notification bus subscription already running")
)

type CompletionEvent struct {
	EntityID string
	Count    int64
}

// EncodeEvent renders the wire form "entityID:count".
func EncodeEvent(ev CompletionEvent) string {
	return ev.EntityID + KeyDelimiter + common.Int64ToString(ev.Count)
}

func DecodeEvent(payload string) (CompletionEvent, error) {
	entityID, rawCount, found := strings.Cut(payload, KeyDelimiter)
	if !found || entityID == "" {
		return CompletionEvent{}, fmt.Errorf("%w: %q", ErrMalformedEvent, payload)
	}
	count, ok := common.ParseCount(rawCount)
	if !ok {
		return CompletionEvent{}, fmt.Errorf("%w: bad count in %q", ErrMalformedEvent, payload)
	}
	return CompletionEvent{EntityID: entityID, Count: count}, nil
}

type EventHandler func(ctx context.Context, ev CompletionEvent)

type BusOption func(*NotificationBus) error

func WithTopic(topic string) BusOption {
	return func(b *NotificationBus) error {
		if topic == "" {
			return fmt.Errorf("topic cannot be empty")
		}
		b.topic = topic
		return nil
	}
}

// WithReconnectDelay sets the policy used between dropped subscriptions.
func WithReconnectDelay(delay Delay) BusOption {
	return func(b *NotificationBus) error {
		if delay == nil {
			return fmt.Errorf("reconnect delay cannot be nil")
		}
		b.delay = delay
		return nil
	}
}

// WithHealthyAfter sets how long a subscription must survive before the
// reconnect policy starts over from its initial delay.
func WithHealthyAfter(d time.Duration) BusOption {
	return func(b *NotificationBus) error {
		b.healthyAfter = d
		return nil
	}
}

// NotificationBus broadcasts completion events to every process subscribed to
// the same topic, the publisher included. Delivery is at most once and nothing
// is persisted: a process that is down when an event fires never sees it.
type NotificationBus struct {
	cache        SharedCache
	topic        string
	delay        Delay
	healthyAfter time.Duration

	running       *atomic.Bool
	subscriptions *atomic.Int64

	logger *common.Logger
}

func NewNotificationBus(cache SharedCache, logger *common.Logger, opts ...BusOption) (*NotificationBus, error) {
	if cache == nil {
		return nil, fmt.Errorf("notification bus requires a shared cache")
	}
	b := &NotificationBus{
		cache:         cache,
		topic:         CompletionTopic,
		delay:         NewBackoffDelay(100*time.Millisecond, 30*time.Second),
		healthyAfter:  defaultHealthyAfter,
		running:       atomic.NewBool(false),
		subscriptions: atomic.NewInt64(0),
		logger:        logger,
	}
	for _, opt := range opts {
		if err := opt(b); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func (b *NotificationBus) Topic() string {
	return b.topic
}

// Subscriptions reports how many times Run has (re)subscribed.
func (b *NotificationBus) Subscriptions() int64 {
	return b.subscriptions.Load()
}

func (b *NotificationBus) Publish(ctx context.Context, ev CompletionEvent) {
	b.cache.Publish(ctx, b.topic, EncodeEvent(ev))
}

// Run keeps one subscription alive until ctx is done, resubscribing with the
// configured delay whenever the connection drops. Malformed payloads are
// logged and dropped.
func (b *NotificationBus) Run(ctx context.Context, handler EventHandler) error {
	if !b.running.CompareAndSwap(false, true) {
		return ErrBusRunning
	}
	defer b.running.Store(false)

	onMessage := func(ctx context.Context, channel, message string) {
		ev, err := DecodeEvent(message)
		if err != nil {
			b.logger.Ctx(ctx).Warn("dropping completion event", zap.Error(err), zap.String("channel", channel))
			return
		}
		handler(ctx, ev)
	}

	var attempt uint64
	for {
		b.subscriptions.Inc()
		start := time.Now()
		err := b.cache.Subscribe(ctx, b.topic, onMessage)
		if ctx.Err() != nil {
			return nil
		}
		if time.Since(start) >= b.healthyAfter {
			b.delay.Reset()
			attempt = 0
		}
		attempt++
		wait := b.delay.WaitTime(attempt)
		if wait == TermSignal {
			return fmt.Errorf("subscription to %s gave up after %d attempts: %w", b.topic, attempt, err)
		}
		b.logger.Ctx(ctx).Warn("subscription dropped, reconnecting",
			zap.Error(err),
			zap.String("topic", b.topic),
			zap.Uint64("attempt", attempt),
			zap.Duration("wait", wait),
		)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}
