package coordination

import (
	"github.com/cenkalti/backoff/v4"
	"sync"
	"time"
)

// TermSignal tells the caller to stop retrying.
const TermSignal = -1 * time.Nanosecond

type Delay interface {
	WaitTime(retryNum uint64) time.Duration
	Reset()
}

type StaticDelay struct {
	Delay time.Duration
}

func NewStaticDelay(delay time.Duration) StaticDelay {
	return StaticDelay{Delay: delay}
}

func (s StaticDelay) WaitTime(retryNum uint64) time.Duration {
	return s.Delay
}

func (s StaticDelay) Reset() {}

var _ Delay = StaticDelay{}

type MaxRetryDelay struct {
	StaticDelay
	maxRetries uint64
}

func NewMaxRetryDelay(delay time.Duration, retryLimit uint64) MaxRetryDelay {
	return MaxRetryDelay{
		StaticDelay: NewStaticDelay(delay),
		maxRetries:  retryLimit,
	}
}

func (s MaxRetryDelay) WaitTime(retryNum uint64) time.Duration {
	if retryNum >= s.maxRetries {
		return TermSignal
	}
	return s.Delay
}

var _ Delay = MaxRetryDelay{}

// BackoffDelay grows exponentially with jitter and never gives up on its own.
type BackoffDelay struct {
	mu sync.Mutex
	b  *backoff.ExponentialBackOff
}

func NewBackoffDelay(initial, max time.Duration) *BackoffDelay {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = max
	b.MaxElapsedTime = 0
	b.Reset()
	return &BackoffDelay{b: b}
}

func (d *BackoffDelay) WaitTime(retryNum uint64) time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	next := d.b.NextBackOff()
	if next == backoff.Stop {
		return TermSignal
	}
	return next
}

func (d *BackoffDelay) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.b.Reset()
}

var _ Delay = (*BackoffDelay)(nil)
