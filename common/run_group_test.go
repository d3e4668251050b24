package common

import (
	"context"
	"errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"testing"
	"time"
)

func TestRunGroup(t *testing.T) {
	t.Run("FirstActorStopsAll", func(t *testing.T) {
		rg, err := NewRunGroup(WithSystemInterrupt(false))
		require.NoError(t, err)

		interrupted := atomic.NewInt32(0)
		require.NoError(t, rg.Add("blocking", func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}, func(error) { interrupted.Inc() }))
		require.NoError(t, rg.Add("quick", func(ctx context.Context) error {
			return nil
		}, func(error) { interrupted.Inc() }))

		require.NoError(t, rg.Run(context.Background()))
		require.Equal(t, int32(2), interrupted.Load())
	})

	t.Run("ActorErrorIsReturned", func(t *testing.T) {
		rg, err := NewRunGroup(WithSystemInterrupt(false))
		require.NoError(t, err)
		boom := errors.New("boom")

		var seen error
		require.NoError(t, rg.Add("failing", func(context.Context) error {
			return boom
		}, func(err error) { seen = err }))

		err = rg.Run(context.Background())
		require.ErrorIs(t, err, boom)
		require.ErrorIs(t, seen, boom)
	})

	t.Run("ParentCancel", func(t *testing.T) {
		rg, err := NewRunGroup(WithSystemInterrupt(false))
		require.NoError(t, err)
		require.NoError(t, rg.Add("blocking", func(ctx context.Context) error {
			<-ctx.Done()
			return nil
		}, nil))

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		err = rg.Run(ctx)
		if err != nil {
			require.ErrorIs(t, err, context.DeadlineExceeded)
		}
	})

	t.Run("StopTimeout", func(t *testing.T) {
		rg, err := NewRunGroup(WithSystemInterrupt(false), WithStopTimeout(20*time.Millisecond))
		require.NoError(t, err)
		require.NoError(t, rg.Add("stuck", func(context.Context) error {
			return nil
		}, func(error) { time.Sleep(time.Second) }))

		err = rg.Run(context.Background())
		require.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("NoAddAfterRun", func(t *testing.T) {
		rg, err := NewRunGroup(WithSystemInterrupt(false))
		require.NoError(t, err)
		started := make(chan struct{})
		require.NoError(t, rg.Add("blocking", func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			return nil
		}, nil))

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- rg.Run(ctx) }()
		<-started
		require.Error(t, rg.Add("late", func(context.Context) error { return nil }, nil))
		cancel()
		require.NoError(t, <-done)
	})

	t.Run("InvalidOptions", func(t *testing.T) {
		_, err := NewRunGroup(WithStopTimeout(0))
		require.Error(t, err)
	})
}

func TestParseCount(t *testing.T) {
	for in, want := range map[string]int64{"0": 0, "7": 7, "123456789": 123456789} {
		got, ok := ParseCount(in)
		require.True(t, ok, in)
		require.Equal(t, want, got)
	}
	for _, in := range []string{"", "-1", "1.5", " 1", "abc", "1234567890123456789"} {
		_, ok := ParseCount(in)
		require.False(t, ok, in)
	}
}
