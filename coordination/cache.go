package coordination

import "context"

// MessageHandler receives every payload published on a subscribed channel.
type MessageHandler func(ctx context.Context, channel, message string)

// SharedCache is the cross-process source of truth for live counts plus the
// pub/sub transport. Implementations absorb and log their own failures: reads
// report a miss, IncrementAndGet reports 0, writes become no-ops. Only
// Subscribe, Ping and Close surface errors, because their callers decide
// whether to retry or stop.
type SharedCache interface {
	Get(ctx context.Context, key string) (string, bool)
	// Set reports whether the value was written.
	Set(ctx context.Context, key, value string) bool
	// SetIfAbsent stores value only when key does not exist and reports whether it did.
	SetIfAbsent(ctx context.Context, key, value string) bool
	Delete(ctx context.Context, key string)
	// IncrementAndGet atomically increments the integer at key (absent counts
	// as 0) and returns the new value, or 0 when the cache is unreachable.
	IncrementAndGet(ctx context.Context, key string) int64

	Publish(ctx context.Context, channel, message string)
	// Subscribe blocks, dispatching messages to handler until ctx is done or
	// the underlying connection fails. Run it on a dedicated goroutine.
	Subscribe(ctx context.Context, channel string, handler MessageHandler) error

	Ping(ctx context.Context) error
	Close() error
}
