package count_flow

import (
	"context"
	"errors"
	"fmt"
	"github.com/panjf2000/ants/v2"
	"github.com/pnvasko/count-flow/common"
	"github.com/pnvasko/count-flow/coordination"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"sync"
	"time"
)

const (
	DefaultTickInterval = time.Second
	DefaultWorkers      = 16
	DefaultPoolCount    = 4
	DefaultCloseTimeout = 5 * time.Second
)

var ErrCoordinatorClosed = errors.New("coordinator is closed")

type Strategy string

const (
	// StrategyAtomic increments in the cache and mirrors the result to the
	// durable store. Safe across processes.
	StrategyAtomic Strategy = common.StrategyAtomic
	// StrategyCacheAside reads, adds one and writes back through the store
	// first. Serialized per entity inside one process only: two processes
	// incrementing the same entity at the same moment can lose an update.
	StrategyCacheAside Strategy = common.StrategyCacheAside
)

func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case "", StrategyAtomic:
		return StrategyAtomic, nil
	case StrategyCacheAside:
		return StrategyCacheAside, nil
	default:
		return "", fmt.Errorf("%w: unknown strategy %q", common.ErrInvalidConfig, s)
	}
}

// Result describes one increment. Applied is false when the id was rejected
// or the backing services could not take the write.
type Result struct {
	EntityID  string
	Count     int64
	Completed bool
	Applied   bool
}

type Stats struct {
	Increments   int64
	Completions  int64
	Failures     int64
	Celebrations int64
}

type CoordinatorOption func(*Coordinator) error

func WithStrategy(strategy Strategy) CoordinatorOption {
	return func(c *Coordinator) error {
		if _, err := ParseStrategy(string(strategy)); err != nil {
			return err
		}
		c.strategy = strategy
		return nil
	}
}

func WithTickInterval(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) error {
		if d <= 0 {
			return fmt.Errorf("%w: tick interval must be positive", common.ErrInvalidConfig)
		}
		c.tickInterval = d
		return nil
	}
}

func WithWorkers(n int) CoordinatorOption {
	return func(c *Coordinator) error {
		if n <= 0 {
			return fmt.Errorf("%w: workers must be positive", common.ErrInvalidConfig)
		}
		c.workers = n
		return nil
	}
}

func WithTracer(tracer trace.Tracer) CoordinatorOption {
	return func(c *Coordinator) error {
		c.tracer = tracer
		return nil
	}
}

// WithResultHook is called on the worker goroutine after every submitted
// increment finishes.
func WithResultHook(hook func(Result)) CoordinatorOption {
	return func(c *Coordinator) error {
		c.onResult = hook
		return nil
	}
}

// Coordinator turns increment requests into shared counts, fires the
// completion event when an entity reaches the threshold and keeps local
// observers informed.
type Coordinator struct {
	ctx    context.Context
	cancel context.CancelFunc

	cache     coordination.SharedCache
	store     coordination.DurableStore
	bus       *coordination.NotificationBus
	observers ObserverSet
	threshold ThresholdConfig

	strategy     Strategy
	tickInterval time.Duration
	workers      int
	onResult     func(Result)

	pool     *ants.MultiPoolWithFunc
	inflight common.SafeWaitGroup
	closeMu  sync.RWMutex
	closed   bool

	locks *coordination.EntityLocks

	increments   *atomic.Int64
	completions  *atomic.Int64
	failures     *atomic.Int64
	celebrations *atomic.Int64

	tracer trace.Tracer
	logger *common.Logger
}

// NewCoordinator wires the coordinator. store may be nil, in which case counts
// live in the cache only.
func NewCoordinator(cache coordination.SharedCache, store coordination.DurableStore, bus *coordination.NotificationBus, observers ObserverSet, threshold ThresholdConfig, logger *common.Logger, opts ...CoordinatorOption) (*Coordinator, error) {
	if cache == nil {
		return nil, fmt.Errorf("%w: coordinator requires a shared cache", common.ErrInvalidConfig)
	}
	if bus == nil {
		return nil, fmt.Errorf("%w: coordinator requires a notification bus", common.ErrInvalidConfig)
	}
	if err := threshold.Validate(); err != nil {
		return nil, err
	}
	if observers == nil {
		observers = NewObserverList()
	}

	c := &Coordinator{
		cache:        cache,
		store:        store,
		bus:          bus,
		observers:    observers,
		threshold:    threshold,
		strategy:     StrategyAtomic,
		tickInterval: DefaultTickInterval,
		workers:      DefaultWorkers,
		increments:   atomic.NewInt64(0),
		completions:  atomic.NewInt64(0),
		failures:     atomic.NewInt64(0),
		celebrations: atomic.NewInt64(0),
		locks:        coordination.NewEntityLocks(),
		tracer:       otel.Tracer("count-flow"),
		logger:       logger,
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	pools := DefaultPoolCount
	if c.workers < pools {
		pools = 1
	}
	perPool := (c.workers + pools - 1) / pools
	var err error
	c.pool, err = ants.NewMultiPoolWithFunc(pools, perPool, func(im interface{}) {
		defer c.inflight.Done()
		entityID, ok := im.(string)
		if !ok {
			c.logger.Ctx(c.ctx).Sugar().Errorf("failed to cast interface [%T] to string", im)
			return
		}
		res := c.Handle(c.ctx, entityID)
		if c.onResult != nil {
			c.onResult(res)
		}
	}, ants.RoundRobin,
		ants.WithNonblocking(true),
		ants.WithPanicHandler(func(p interface{}) {
			c.logger.Ctx(c.ctx).Error("increment worker panicked", zap.Any("panic", p))
		}),
	)
	if err != nil {
		c.cancel()
		return nil, fmt.Errorf("create worker pool: %w", err)
	}

	c.logger.Info("coordinator configured",
		zap.String("strategy", string(c.strategy)),
		zap.Int64("max_count", threshold.MaxCount),
		zap.Bool("durable", store != nil),
		zap.Int("workers", pools*perPool),
	)
	return c, nil
}

func (c *Coordinator) Strategy() Strategy {
	return c.strategy
}

func (c *Coordinator) Threshold() ThresholdConfig {
	return c.threshold
}

func (c *Coordinator) Stats() Stats {
	return Stats{
		Increments:   c.increments.Load(),
		Completions:  c.completions.Load(),
		Failures:     c.failures.Load(),
		Celebrations: c.celebrations.Load(),
	}
}

// Handle increments entityID once and runs completion when the threshold is
// reached. It never fails; problems are logged and reported through Result.
func (c *Coordinator) Handle(ctx context.Context, entityID string) Result {
	res := Result{EntityID: entityID}
	if err := coordination.ValidEntityID(entityID); err != nil {
		c.failures.Inc()
		c.logger.Ctx(ctx).Warn("increment rejected", zap.Error(err))
		return res
	}

	ctx, span := c.tracer.Start(ctx, "coordinator.handle", trace.WithAttributes(
		attribute.String("entity", entityID),
		attribute.String("strategy", string(c.strategy)),
	))
	defer span.End()

	unlock := c.locks.Lock(entityID)
	defer unlock()

	key := coordination.DeriveKey(entityID)
	var count int64
	var applied bool
	switch c.strategy {
	case StrategyCacheAside:
		count, applied = c.incrementCacheAside(ctx, entityID, key)
	default:
		count, applied = c.incrementAtomic(ctx, entityID, key)
	}
	if !applied {
		c.failures.Inc()
		c.logger.Ctx(ctx).Warn("increment not applied", zap.String("entity", entityID))
		return res
	}
	c.increments.Inc()
	res.Count = count
	res.Applied = true
	span.SetAttributes(attribute.Int64("count", count))

	if count >= c.threshold.MaxCount {
		c.complete(ctx, entityID, key, count)
		res.Completed = true
	}
	return res
}

func (c *Coordinator) incrementAtomic(ctx context.Context, entityID, key string) (int64, bool) {
	if c.store != nil {
		if _, warm := c.cache.Get(ctx, key); !warm {
			if stored, ok := c.store.Read(ctx, entityID); ok {
				c.cache.SetIfAbsent(ctx, key, common.Int64ToString(stored))
			}
		}
	}
	count := c.cache.IncrementAndGet(ctx, key)
	if count <= 0 {
		return 0, false
	}
	if c.store != nil {
		c.store.Upsert(ctx, entityID, count)
	}
	return count, true
}

func (c *Coordinator) incrementCacheAside(ctx context.Context, entityID, key string) (int64, bool) {
	current, ok := c.cachedCount(ctx, key)
	if !ok && c.store != nil {
		if stored, found := c.store.Read(ctx, entityID); found {
			current = stored
			c.cache.Set(ctx, key, common.Int64ToString(stored))
		}
	}
	next := current + 1

	stored := false
	if c.store != nil {
		stored = c.store.Upsert(ctx, entityID, next)
	}
	cached := c.cache.Set(ctx, key, common.Int64ToString(next))
	return next, stored || cached
}

func (c *Coordinator) complete(ctx context.Context, entityID, key string, count int64) {
	c.bus.Publish(ctx, coordination.CompletionEvent{EntityID: entityID, Count: count})
	c.cache.Delete(ctx, key)
	if c.store != nil {
		c.store.Delete(ctx, entityID)
	}
	c.completions.Inc()
	c.logger.Ctx(ctx).Info("entity reached threshold",
		zap.String("entity", entityID),
		zap.Int64("count", count),
		zap.Int64("max_count", c.threshold.MaxCount),
	)
}

// Submit queues an increment on the worker pool without waiting for it.
func (c *Coordinator) Submit(entityID string) error {
	if err := coordination.ValidEntityID(entityID); err != nil {
		return err
	}
	c.closeMu.RLock()
	defer c.closeMu.RUnlock()
	if c.closed {
		return ErrCoordinatorClosed
	}
	c.inflight.Add(1)
	if err := c.pool.Invoke(entityID); err != nil {
		c.inflight.Done()
		return fmt.Errorf("submit increment for %s: %w", entityID, err)
	}
	return nil
}

// OnEvent shows the celebration and the win message to every local observer.
// Events below the threshold are ignored.
func (c *Coordinator) OnEvent(ctx context.Context, ev coordination.CompletionEvent) {
	if ev.Count < c.threshold.MaxCount {
		c.logger.Ctx(ctx).Debug("ignoring completion below threshold",
			zap.String("entity", ev.EntityID),
			zap.Int64("count", ev.Count),
		)
		return
	}
	celebrate := Notice{Kind: NoticeCelebrate, EntityID: ev.EntityID, Count: ev.Count, MaxCount: c.threshold.MaxCount}
	win := Notice{
		Kind:     NoticeWin,
		EntityID: ev.EntityID,
		Text:     c.threshold.RenderWin(ev.EntityID, ev.Count),
		Count:    ev.Count,
		MaxCount: c.threshold.MaxCount,
	}
	if b, ok := c.observers.(Broadcaster); ok {
		b.Broadcast(celebrate)
		b.Broadcast(win)
	} else {
		for _, o := range c.observers.Observers() {
			o.Notify(celebrate)
			o.Notify(win)
		}
	}
	c.celebrations.Inc()
}

// Tick sends every observer the current progress of the entity it follows.
// It only reads: a cache miss falls back to the durable store without
// warming the cache.
func (c *Coordinator) Tick(ctx context.Context) {
	ctx, span := c.tracer.Start(ctx, "coordinator.tick")
	defer span.End()

	counts := make(map[string]int64)
	for _, o := range c.observers.Observers() {
		entityID := o.EntityID()
		if entityID == "" {
			continue
		}
		count, seen := counts[entityID]
		if !seen {
			count = c.CurrentCount(ctx, entityID)
			counts[entityID] = count
		}
		o.Notify(Notice{
			Kind:     NoticeProgress,
			EntityID: entityID,
			Text:     c.threshold.RenderProgress(entityID, count),
			Count:    count,
			MaxCount: c.threshold.MaxCount,
		})
	}
	span.SetAttributes(attribute.Int("entities", len(counts)))
}

// CurrentCount reads the live count of entityID, 0 when unknown.
func (c *Coordinator) CurrentCount(ctx context.Context, entityID string) int64 {
	if coordination.ValidEntityID(entityID) != nil {
		return 0
	}
	if count, ok := c.cachedCount(ctx, coordination.DeriveKey(entityID)); ok {
		return count
	}
	if c.store != nil {
		if count, ok := c.store.Read(ctx, entityID); ok {
			return count
		}
	}
	return 0
}

func (c *Coordinator) cachedCount(ctx context.Context, key string) (int64, bool) {
	raw, ok := c.cache.Get(ctx, key)
	if !ok {
		return 0, false
	}
	count, ok := common.ParseCount(raw)
	if !ok {
		c.logger.Ctx(ctx).Warn("cached value is not a count", zap.String("key", key), zap.String("value", raw))
		return 0, false
	}
	return count, true
}

// RunSubscription listens for completion events until ctx is done.
func (c *Coordinator) RunSubscription(ctx context.Context) error {
	return c.bus.Run(ctx, c.OnEvent)
}

// RunTicker calls Tick every tick interval until ctx is done.
func (c *Coordinator) RunTicker(ctx context.Context) error {
	ticker := time.NewTicker(c.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.Tick(ctx)
		}
	}
}

// Run runs the subscription and the ticker together. Either one stopping
// stops the other.
func (c *Coordinator) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		if err := c.RunTicker(ctx); err != nil {
			c.logger.Ctx(ctx).Error("ticker stopped", zap.Error(err))
		}
	}()
	err := c.RunSubscription(ctx)
	cancel()
	wg.Wait()
	return err
}

// Close stops accepting submissions, waits for queued increments until ctx is
// done and releases the worker pool.
func (c *Coordinator) Close(ctx context.Context) error {
	c.closeMu.Lock()
	if c.closed {
		c.closeMu.Unlock()
		return nil
	}
	c.closed = true
	c.closeMu.Unlock()

	var errs []error
	done := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("waiting for %d increments: %w", c.inflight.Count(), ctx.Err()))
	}

	timeout := DefaultCloseTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left > 0 && left < timeout {
			timeout = left
		}
	}
	if err := c.pool.ReleaseTimeout(timeout); err != nil {
		errs = append(errs, fmt.Errorf("release worker pool: %w", err))
	}
	c.cancel()

	stats := c.Stats()
	c.logger.Info("coordinator closed",
		zap.Int64("increments", stats.Increments),
		zap.Int64("completions", stats.Completions),
		zap.Int64("failures", stats.Failures),
	)
	return common.MultiError(errs)
}
