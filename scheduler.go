package tasklet

import (
	"cmp"
	"context"
	"math/rand/v2"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/logiface"
)

// Scheduler multiplexes tasks over a set of carriers.
type Scheduler struct {
	opts       *schedulerOptions
	logger     *logiface.Logger[logiface.Event]
	dispatcher dispatcher
	pump       *eventPump
	monitor    *stallMonitor
	registry   *registry
	cache      *taskCache
	done       chan struct{}
	// carriers is the published probe ring, replaced wholesale by Grow and
	// HandOff. Readers may observe a stale ring, which is always safe.
	carriers atomic.Pointer[[]*Carrier]
	// all is every carrier started, including detached ones, guarded by mu.
	all            []*Carrier
	wg             sync.WaitGroup
	stats          counters
	mu             sync.Mutex
	nextCarrierID  atomic.Int64
	stealRetry     atomic.Int64
	pushRetry      atomic.Int64
	helpStealRetry atomic.Int64
	rr             atomic.Uint64
	closed         atomic.Bool
	terminated     bool
}

// New creates and starts a scheduler.
func New(opts ...Option) (*Scheduler, error) {
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}

	pump, err := newEventPump(cfg.pumpShards)
	if err != nil {
		return nil, err
	}

	s := &Scheduler{
		opts:     cfg,
		logger:   cfg.logger,
		pump:     pump,
		registry: newRegistry(),
		cache:    newTaskCache(cfg.globalCacheSize),
		done:     make(chan struct{}),
	}
	switch cfg.policy {
	case PolicyPush:
		s.dispatcher = pushDispatcher{}
	default:
		s.dispatcher = pullDispatcher{}
	}
	s.scaleRetries(cfg.carriers)

	carriers := make([]*Carrier, cfg.carriers)
	for i := range carriers {
		shard := -1
		if i < cfg.pumpShards {
			shard = i
		}
		carriers[i] = newCarrier(s, i, shard)
	}
	s.carriers.Store(&carriers)

	s.monitor = newStallMonitor(s)

	s.mu.Lock()
	for _, c := range carriers {
		s.startLocked(c)
	}
	s.mu.Unlock()

	s.monitor.start()

	s.logger.Info().
		Int("carriers", cfg.carriers).
		Str("policy", cfg.policy.String()).
		Int("pump_shards", cfg.pumpShards).
		Str("stall_policy", cfg.stallPolicy.String()).
		Log("scheduler started")

	return s, nil
}

func (s *Scheduler) startLocked(c *Carrier) {
	s.all = append(s.all, c)
	s.monitor.register(c)
	s.wg.Add(1)
	go c.loop()
}

func (s *Scheduler) carrierExited(c *Carrier) {
	s.monitor.unregister(c)
	s.logger.Debug().
		Int64("carrier", c.id).
		Bool("detached", c.detached.Load()).
		Log("carrier exited")
	s.wg.Done()
}

func (s *Scheduler) now() int64 { return s.opts.clock() }

// snapshot returns the current probe ring. The slice must not be modified.
func (s *Scheduler) snapshot() []*Carrier { return *s.carriers.Load() }

// Carriers returns a copy of the current probe ring.
func (s *Scheduler) Carriers() []*Carrier { return slices.Clone(s.snapshot()) }

// QueueLength returns the total number of queued tasks, across carriers.
func (s *Scheduler) QueueLength() int {
	n := 0
	for _, c := range s.snapshot() {
		n += c.QueueLength()
	}
	return n
}

// RunningTaskCount returns the total number of tasks owned by carriers.
func (s *Scheduler) RunningTaskCount() int {
	n := 0
	for _, c := range s.snapshot() {
		n += c.RunningTaskCount()
	}
	return n
}

// Lookup returns a handle to the live task with the given ID.
func (s *Scheduler) Lookup(id uint64) (TaskHandle, bool) {
	t := s.registry.lookup(id)
	if t == nil {
		return TaskHandle{}, false
	}
	h := t.Handle()
	if h.id != id {
		return TaskHandle{}, false
	}
	return h, true
}

// Done returns a channel closed once the scheduler has fully terminated.
func (s *Scheduler) Done() <-chan struct{} { return s.done }

// Dispatch starts a new task, placed according to the scheduling policy.
func (s *Scheduler) Dispatch(body func(*Task)) (TaskHandle, error) {
	return s.dispatch(body, nil, nil, true)
}

// ExecuteOn starts a new task bound to c, which will never be stolen by
// another carrier. If c has been detached, the task is dispatched normally.
func (s *Scheduler) ExecuteOn(c *Carrier, body func(*Task)) (TaskHandle, error) {
	if c == nil || c.sched != s {
		return TaskHandle{}, ErrUnknownCarrier
	}
	if c.detached.Load() {
		return s.dispatch(body, nil, nil, true)
	}
	return s.dispatch(body, c, nil, false)
}

// dispatch creates and places a task. local is the carrier the caller is
// running on, if any, whose task cache may be used.
func (s *Scheduler) dispatch(body func(*Task), hint, local *Carrier, stealable bool) (TaskHandle, error) {
	if body == nil {
		return TaskHandle{}, ErrNilBody
	}
	if s.closed.Load() {
		return TaskHandle{}, ErrSchedulerClosed
	}
	t := s.newTask(local)
	t.reset(body, stealable)
	s.registry.add(t)
	s.stats.created.Add(1)
	h := t.Handle()
	s.enqueue(t, hint)
	return h, nil
}

// newTask takes a recycled task, from local's cache, else the shared cache,
// else allocates.
func (s *Scheduler) newTask(local *Carrier) *Task {
	if local != nil {
		if t := local.takeCached(); t != nil {
			return t
		}
	}
	if t := s.cache.take(); t != nil {
		return t
	}
	return newTask(s)
}

// enqueue places a runnable task, unless it is already queued.
func (s *Scheduler) enqueue(t *Task, hint *Carrier) {
	if !t.enqueued.CompareAndSwap(false, true) {
		return
	}
	s.dispatcher.place(s, t, hint)
}

// wake is called once a parked task has been released.
func (s *Scheduler) wake(t *Task) {
	s.stats.wakeups.Add(1)
	s.enqueue(t, t.owner.Load())
}

// pickCarrier returns an attached carrier, round robin.
func (s *Scheduler) pickCarrier() *Carrier {
	cs := s.snapshot()
	n := uint64(len(cs))
	start := s.rr.Add(1)
	for i := range n {
		if c := cs[(start+i)%n]; !c.detached.Load() {
			return c
		}
	}
	return cs[start%n]
}

// bindTarget resolves the carrier a task is bound to.
func (s *Scheduler) bindTarget(hint *Carrier) *Carrier {
	if hint != nil && !hint.detached.Load() {
		return hint
	}
	return s.pickCarrier()
}

// findIdle probes up to probes carriers, from a random offset, for one that
// is parked.
func (s *Scheduler) findIdle(exclude *Carrier, probes int) *Carrier {
	cs := s.snapshot()
	n := len(cs)
	if n == 0 || probes <= 0 {
		return nil
	}
	start := rand.IntN(n)
	for i := 0; i < probes && i < n; i++ {
		c := cs[(start+i)%n]
		if c == exclude || c.detached.Load() {
			continue
		}
		if st, _ := c.qlen.load(); st == CarrierIdle || st == CarrierPolling {
			return c
		}
	}
	return nil
}

// steal looks for a task to run on thief. Victims at or above the high
// water mark are stolen from as they are probed, otherwise the queues seen
// within the probe budget are tried longest first. A victim whose head
// cannot be stolen is skipped, and stealing moves on to the next.
func (s *Scheduler) steal(thief *Carrier) *Task {
	cs := s.snapshot()
	n := len(cs)
	if n <= 1 {
		return nil
	}
	type victim struct {
		c *Carrier
		l int64
	}
	probes := int(s.stealRetry.Load())
	highWater := int64(s.opts.stealHighWater)
	start := rand.IntN(n)
	var rest []victim
	for i := 0; i < probes && i < n; i++ {
		v := cs[(start+i)%n]
		if v == thief {
			continue
		}
		_, l := v.qlen.load()
		if l <= 0 {
			continue
		}
		if l >= highWater {
			if t := v.stealBy(thief); t != nil {
				return t
			}
			continue
		}
		rest = append(rest, victim{v, l})
	}
	slices.SortStableFunc(rest, func(a, b victim) int { return cmp.Compare(b.l, a.l) })
	for _, v := range rest {
		if t := v.c.stealBy(thief); t != nil {
			return t
		}
	}
	return nil
}

// scaleRetries sets the probe budgets in proportion to the carrier count.
func (s *Scheduler) scaleRetries(carriers int) {
	base := s.opts.carriers
	scale := func(v int) int64 {
		if v <= 0 {
			return 0
		}
		return int64(max(1, v*carriers/base))
	}
	s.stealRetry.Store(scale(s.opts.stealRetry))
	s.pushRetry.Store(scale(s.opts.pushRetry))
	s.helpStealRetry.Store(scale(s.opts.helpStealRetry))
}

// Grow adds n carriers, scaling the probe budgets accordingly.
func (s *Scheduler) Grow(n int) error {
	if n <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminated {
		return ErrSchedulerClosed
	}
	next := slices.Clone(s.snapshot())
	added := make([]*Carrier, 0, n)
	for range n {
		c := newCarrier(s, len(next), -1)
		next = append(next, c)
		added = append(added, c)
	}
	s.scaleRetries(len(next))
	s.carriers.Store(&next)
	for _, c := range added {
		s.startLocked(c)
	}
	s.logger.Info().
		Int("added", n).
		Int("carriers", len(next)).
		Log("scheduler grown")
	return nil
}

// Shutdown stops accepting new tasks, waits for every live task to complete,
// then stops the carriers and releases the event pump. If ctx is done first,
// the scheduler is terminated anyway, and the context error returned.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.closed.Store(true)
	err := s.awaitDrained(ctx)
	s.terminate()
	if err != nil {
		return err
	}
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close terminates the scheduler without waiting for tasks. Parked tasks are
// unwound via runtime.Goexit, once their carriers have exited. Close does not
// block, see [Scheduler.Done].
func (s *Scheduler) Close() error {
	s.terminate()
	return nil
}

func (s *Scheduler) awaitDrained(ctx context.Context) error {
	if s.stats.live() == 0 {
		return nil
	}
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if s.stats.live() == 0 {
				return nil
			}
		}
	}
}

func (s *Scheduler) terminate() {
	s.mu.Lock()
	if s.terminated {
		s.mu.Unlock()
		return
	}
	s.terminated = true
	s.closed.Store(true)
	all := slices.Clone(s.all)
	s.mu.Unlock()

	s.monitor.stop()
	for _, c := range all {
		c.requestStop()
	}

	go func() {
		s.wg.Wait()
		err := s.pump.close()
		killed := s.registry.killAll()
		s.cache.drain()
		s.logger.Info().
			Int("killed", killed).
			Err(err).
			Log("scheduler terminated")
		close(s.done)
	}()
}

// taskCache is the shared overflow cache of reusable tasks.
type taskCache struct {
	tasks []*Task
	limit int
	mu    sync.Mutex
}

func newTaskCache(limit int) *taskCache {
	return &taskCache{limit: limit}
}

func (x *taskCache) put(t *Task) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	if len(x.tasks) >= x.limit {
		return false
	}
	x.tasks = append(x.tasks, t)
	return true
}

func (x *taskCache) take() *Task {
	x.mu.Lock()
	defer x.mu.Unlock()
	n := len(x.tasks)
	if n == 0 {
		return nil
	}
	t := x.tasks[n-1]
	x.tasks[n-1] = nil
	x.tasks = x.tasks[:n-1]
	return t
}

func (x *taskCache) drain() {
	x.mu.Lock()
	tasks := x.tasks
	x.tasks = nil
	x.mu.Unlock()
	for _, t := range tasks {
		t.kill()
	}
}
