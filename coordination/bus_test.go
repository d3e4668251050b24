package coordination

import (
	"context"
	"errors"
	"github.com/stretchr/testify/require"
	"sync"
	"testing"
	"time"
)

// flakyCache fails the first failures Subscribe calls, then delivers every
// published message to the active subscriber.
type flakyCache struct {
	SharedCache

	mu       sync.Mutex
	failures int
	calls    int
	handler  MessageHandler
}

func (f *flakyCache) Subscribe(ctx context.Context, channel string, handler MessageHandler) error {
	f.mu.Lock()
	f.calls++
	if f.calls <= f.failures {
		f.mu.Unlock()
		return errors.New("connection refused")
	}
	f.handler = handler
	f.mu.Unlock()

	<-ctx.Done()
	return ctx.Err()
}

func (f *flakyCache) Publish(ctx context.Context, channel, message string) {
	f.mu.Lock()
	handler := f.handler
	f.mu.Unlock()
	if handler != nil {
		handler(ctx, channel, message)
	}
}

func (f *flakyCache) subscribed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handler != nil
}

func TestEventCodec(t *testing.T) {
	t.Run("RoundTrip", func(t *testing.T) {
		ev := CompletionEvent{EntityID: "alice", Count: 10}
		require.Equal(t, "alice:10", EncodeEvent(ev))

		decoded, err := DecodeEvent("alice:10")
		require.NoError(t, err)
		require.Equal(t, ev, decoded)
	})

	t.Run("Malformed", func(t *testing.T) {
		for _, payload := range []string{"", "alice", ":10", "alice:", "alice:ten", "alice:-1", "alice:1:2"} {
			_, err := DecodeEvent(payload)
			require.ErrorIs(t, err, ErrMalformedEvent, payload)
		}
	})
}

func TestNotificationBus(t *testing.T) {
	tc := newTestContext(t)

	t.Run("Options", func(t *testing.T) {
		cache := &flakyCache{}
		bus, err := NewNotificationBus(cache, tc.logger)
		require.NoError(t, err)
		require.Equal(t, CompletionTopic, bus.Topic())

		bus, err = NewNotificationBus(cache, tc.logger, WithTopic("custom"))
		require.NoError(t, err)
		require.Equal(t, "custom", bus.Topic())

		_, err = NewNotificationBus(cache, tc.logger, WithTopic(""))
		require.Error(t, err)
		_, err = NewNotificationBus(nil, tc.logger)
		require.Error(t, err)
	})

	t.Run("ReconnectsAfterFailure", func(t *testing.T) {
		cache := &flakyCache{failures: 3}
		bus, err := NewNotificationBus(cache, tc.logger, WithReconnectDelay(NewStaticDelay(time.Millisecond)))
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(tc.ctx)
		defer cancel()

		events := make(chan CompletionEvent, 4)
		done := make(chan error, 1)
		go func() {
			done <- bus.Run(ctx, func(_ context.Context, ev CompletionEvent) {
				events <- ev
			})
		}()

		require.Eventually(t, cache.subscribed, longWait, shortWait)
		require.Equal(t, int64(4), bus.Subscriptions())

		bus.Publish(ctx, CompletionEvent{EntityID: "alice", Count: 3})
		select {
		case ev := <-events:
			require.Equal(t, CompletionEvent{EntityID: "alice", Count: 3}, ev)
		case <-time.After(longWait):
			t.Fatal("event not delivered")
		}

		require.ErrorIs(t, bus.Run(ctx, func(context.Context, CompletionEvent) {}), ErrBusRunning)

		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(longWait):
			t.Fatal("bus did not stop")
		}
	})

	t.Run("GivesUpOnTermSignal", func(t *testing.T) {
		cache := &flakyCache{failures: 100}
		bus, err := NewNotificationBus(cache, tc.logger, WithReconnectDelay(NewMaxRetryDelay(time.Millisecond, 2)))
		require.NoError(t, err)

		err = bus.Run(tc.ctx, func(context.Context, CompletionEvent) {})
		require.Error(t, err)
		require.Equal(t, int64(2), bus.Subscriptions())
	})

	t.Run("DropsMalformedPayloads", func(t *testing.T) {
		tc := newTestContext(t)
		cache := &flakyCache{}
		bus, err := NewNotificationBus(cache, tc.logger)
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(tc.ctx)
		defer cancel()

		var mu sync.Mutex
		var got []CompletionEvent
		go func() {
			_ = bus.Run(ctx, func(_ context.Context, ev CompletionEvent) {
				mu.Lock()
				defer mu.Unlock()
				got = append(got, ev)
			})
		}()
		require.Eventually(t, cache.subscribed, longWait, shortWait)

		cache.Publish(ctx, CompletionTopic, "garbage")
		cache.Publish(ctx, CompletionTopic, "bob:7")

		mu.Lock()
		require.Equal(t, []CompletionEvent{{EntityID: "bob", Count: 7}}, got)
		mu.Unlock()
		require.Equal(t, 1, tc.logs.FilterMessage("dropping completion event").Len())
	})

	t.Run("OverRedis", func(t *testing.T) {
		cache, _ := newTestRedisCache(t, tc)
		bus, err := NewNotificationBus(cache, tc.logger)
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(tc.ctx)
		defer cancel()

		events := make(chan CompletionEvent, 16)
		go func() {
			_ = bus.Run(ctx, func(_ context.Context, ev CompletionEvent) {
				events <- ev
			})
		}()

		require.Eventually(t, func() bool {
			bus.Publish(ctx, CompletionEvent{EntityID: "carol", Count: 10})
			select {
			case ev := <-events:
				return ev.EntityID == "carol" && ev.Count == 10
			default:
				return false
			}
		}, longWait, shortWait)
	})
}
