package common

import (
	"context"
	"errors"
	"fmt"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
	"os"
	"os/signal"
	"sync"
	"time"
)

type actor struct {
	name      string
	execute   func(ctx context.Context) error
	interrupt func(error)
}

type RunGroupOption func(*RunGroup) error

func WithSystemInterrupt(ok bool) RunGroupOption {
	return func(rg *RunGroup) error {
		rg.systemInterrupt = ok
		return nil
	}
}

func WithStopTimeout(td time.Duration) RunGroupOption {
	return func(rg *RunGroup) error {
		if td <= 0 {
			return fmt.Errorf("stop timeout must be positive")
		}
		rg.stopTimeout = td
		return nil
	}
}

func WithRunGroupLogger(logger *Logger) RunGroupOption {
	return func(rg *RunGroup) error {
		rg.logger = logger
		return nil
	}
}

// RunGroup runs long-lived actors (subscriptions, tickers, servers) together.
// The first actor to return, a cancelled parent context or a termination
// signal stops the whole group; every actor then gets its interrupt call.
type RunGroup struct {
	ctx             context.Context
	cancel          context.CancelFunc
	mu              sync.Mutex
	actors          []actor
	systemInterrupt bool
	stopTimeout     time.Duration
	started         bool
	logger          *Logger
}

const (
	defaultSystemInterrupt = true
	defaultStopTimeout     = 10 * time.Second
)

func NewRunGroup(opts ...RunGroupOption) (*RunGroup, error) {
	rg := &RunGroup{
		systemInterrupt: defaultSystemInterrupt,
		stopTimeout:     defaultStopTimeout,
		logger:          NewNopLogger(),
	}

	for _, opt := range opts {
		if err := opt(rg); err != nil {
			return nil, err
		}
	}
	return rg, nil
}

// Add registers an actor. execute receives the group context, which is cancelled
// as soon as the group starts stopping.
func (g *RunGroup) Add(name string, execute func(ctx context.Context) error, interrupt func(error)) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.started {
		return fmt.Errorf("cannot add actor %q after Run has started", name)
	}
	if interrupt == nil {
		interrupt = func(error) {}
	}
	g.actors = append(g.actors, actor{name, execute, interrupt})
	return nil
}

func (g *RunGroup) Run(baseCtx context.Context) error {
	g.mu.Lock()
	if g.started {
		g.mu.Unlock()
		return fmt.Errorf("run group already started")
	}
	g.started = true
	g.ctx, g.cancel = context.WithCancel(baseCtx)
	actors := append([]actor(nil), g.actors...)
	g.mu.Unlock()

	defer func() {
		g.cancel()
		g.mu.Lock()
		g.started = false
		g.mu.Unlock()
	}()

	if len(actors) == 0 {
		return nil
	}

	if g.systemInterrupt {
		g.watchSignals()
	}

	ctx := g.ctx
	executeErrors := make(chan error, len(actors))
	executeComplete := make(chan string, len(actors))

	for _, a := range actors {
		go func(a actor) {
			if err := a.execute(ctx); err != nil && !errors.Is(err, context.Canceled) {
				executeErrors <- fmt.Errorf("%s: %w", a.name, err)
			} else {
				executeComplete <- a.name
			}
		}(a)
	}

	// Wait for the first actor to stop or context cancel.
	var err error
	select {
	case err = <-executeErrors:
		g.logger.Error("actor failed, stopping run group", zap.Error(err))
	case name := <-executeComplete:
		g.logger.Info("actor finished, stopping run group", zap.String("actor", name))
	case <-ctx.Done():
		if !errors.Is(ctx.Err(), context.Canceled) {
			err = ctx.Err()
		}
	}
	g.cancel()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), g.stopTimeout)
	defer stopCancel()
	var wg sync.WaitGroup
	interruptDone := make(chan struct{})
	for _, a := range actors {
		wg.Add(1)
		go func(a actor) {
			defer wg.Done()
			a.interrupt(err)
		}(a)
	}

	go func() {
		wg.Wait()
		close(interruptDone)
	}()
	select {
	case <-interruptDone:
		return err
	case <-stopCtx.Done():
		return fmt.Errorf("run group stop: %w", stopCtx.Err())
	}
}

func (g *RunGroup) watchSignals() {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				fmt.Fprintf(os.Stderr, "panic in signal handler: %v\n", r)
			}
		}()

		term := make(chan os.Signal, 32)
		signal.Notify(term, os.Interrupt, unix.SIGINT, unix.SIGQUIT, unix.SIGTERM)
		defer signal.Stop(term)
		select {
		case sig := <-term:
			g.logger.Info("received signal, stopping", zap.String("signal", sig.String()))
			g.cancel()
		case <-g.ctx.Done():
		}
	}()
}
