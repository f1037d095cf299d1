package tasklet

import (
	"runtime"
	"sync/atomic"
	"time"
)

// Carrier is a goroutine, locked to its own OS thread, that runs tasks.
type Carrier struct {
	sched   *Scheduler
	queue   *taskQueue
	timers  *timerManager
	running atomic.Pointer[Task]
	wakeCh  chan struct{}
	done    chan struct{}
	sleeper *time.Timer
	// cache is only touched by the carrier goroutine, and the task it is
	// currently running.
	cache []*Task
	qlen  queueLen
	id    int64
	// index is the carrier's slot in the probe ring, inherited by a
	// hand-off replacement.
	index        int
	tid          atomic.Int64
	scheduleTick atomic.Uint64
	tasks        atomic.Int64
	switches     atomic.Uint64
	stolen       atomic.Uint64
	pumpShard    atomic.Int32
	detached     atomic.Bool
	stopping     atomic.Bool
}

func newCarrier(s *Scheduler, index int, pumpShard int) *Carrier {
	c := &Carrier{
		sched:  s,
		queue:  newTaskQueue(),
		wakeCh: make(chan struct{}, 1),
		done:   make(chan struct{}),
		id:     s.nextCarrierID.Add(1),
		index:  index,
	}
	c.timers = newTimerManager(func(e *timerEntry) { e.task.timerFired(e) })
	c.pumpShard.Store(int32(pumpShard))
	return c
}

// ID returns the unique identifier of the carrier.
func (c *Carrier) ID() int64 { return c.id }

// Index returns the carrier's slot in the scheduler.
func (c *Carrier) Index() int { return c.index }

// ThreadID returns the OS thread the carrier is locked to, once started.
func (c *Carrier) ThreadID() int { return int(c.tid.Load()) }

// QueueLength returns the number of tasks waiting in the local queue.
func (c *Carrier) QueueLength() int {
	_, n := c.qlen.load()
	return int(n)
}

// State returns the scheduling state.
func (c *Carrier) State() CarrierState {
	s, _ := c.qlen.load()
	return s
}

// RunningTaskCount returns the number of live tasks owned by the carrier,
// whether queued, executing, or parked.
func (c *Carrier) RunningTaskCount() int { return int(c.tasks.Load()) }

// Detached reports whether the carrier has been handed off.
func (c *Carrier) Detached() bool { return c.detached.Load() }

// ScheduleTick returns the loop progress counter sampled by the stall monitor.
func (c *Carrier) ScheduleTick() uint64 { return c.scheduleTick.Load() }

// Running returns the task currently executing on the carrier, if any.
func (c *Carrier) Running() *Task { return c.running.Load() }

// Done returns a channel closed once the carrier loop has exited.
func (c *Carrier) Done() <-chan struct{} { return c.done }

func (c *Carrier) signal() {
	select {
	case c.wakeCh <- struct{}{}:
	default:
	}
}

// kick wakes the carrier if it is parked, without queueing anything.
func (c *Carrier) kick() {
	if s, _ := c.qlen.load(); s == CarrierPolling {
		if shard := int(c.pumpShard.Load()); shard >= 0 {
			c.sched.pump.wakeup(shard)
			return
		}
	}
	c.signal()
}

// wakeIfParked is called by producers with the value their increment
// displaced.
func (c *Carrier) wakeIfParked(old int64) {
	switch s, _ := splitQueueLen(old); s {
	case CarrierIdle:
		c.signal()
	case CarrierPolling:
		if shard := int(c.pumpShard.Load()); shard >= 0 {
			c.sched.pump.wakeup(shard)
		} else {
			c.signal()
		}
	}
}

// push appends t to the local queue, returning the number of tasks that were
// already queued.
func (c *Carrier) push(t *Task) int64 {
	c.queue.push(t)
	old := c.qlen.produce()
	c.wakeIfParked(old)
	_, n := splitQueueLen(old)
	return n
}

// nudge forces the carrier around its loop.
func (c *Carrier) nudge() {
	c.queue.push(nil)
	c.wakeIfParked(c.qlen.produce())
}

// releaseTask is called when a task stops being owned by the carrier.
func (c *Carrier) releaseTask() {
	if c.tasks.Add(-1) == 0 && c.detached.Load() {
		c.nudge()
	}
}

func (c *Carrier) requestStop() {
	c.stopping.Store(true)
	c.nudge()
	c.kick()
}

// stealBy pops the head of the queue on behalf of thief. A nudge or a
// non-stealable task at the head is left in place, and nil returned.
func (c *Carrier) stealBy(thief *Carrier) *Task {
	t, ok := c.queue.popIf(stealable)
	if !ok {
		return nil
	}
	c.qlen.consume()
	t.enqueued.Store(false)
	t.setOwner(thief)
	thief.stolen.Add(1)
	c.sched.stats.stolen.Add(1)
	return t
}

func stealable(t *Task) bool { return t != nil && t.stealable.Load() }

func (c *Carrier) loop() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	c.tid.Store(int64(threadID()))
	defer c.exit()

	s := c.sched
	c.sleeper = time.NewTimer(time.Hour)
	c.sleeper.Stop()

	for {
		c.scheduleTick.Add(1)
		if c.stopping.Load() {
			return
		}

		ran := c.runLocal()

		if c.detached.Load() && c.tasks.Load() == 0 {
			return
		}

		if ran != 0 {
			// keep timers and readiness live under sustained load
			c.timers.processAndGetNextWait(s.now())
			c.pollBusy()
			continue
		}

		if s.dispatcher.steals() && !c.detached.Load() {
			if t := s.steal(c); t != nil {
				c.runTask(t)
				continue
			}
		}

		c.idle()
	}
}

// runLocal runs up to the configured budget of tasks from the local queue,
// returning the number popped. A detached carrier redistributes them.
func (c *Carrier) runLocal() int {
	s := c.sched
	n := 0
	for n < s.opts.runBudget {
		t, ok := c.queue.pop()
		if !ok {
			break
		}
		c.qlen.consume()
		if t == nil {
			continue
		}
		n++
		t.enqueued.Store(false)
		if c.detached.Load() {
			s.enqueue(t, nil)
			continue
		}
		c.runTask(t)
	}
	return n
}

// runTask switches to t until it suspends.
func (c *Carrier) runTask(t *Task) {
	// the previous carrier may still be switching away from t
	for t.stealLock.Load() != 0 {
		runtime.Gosched()
	}
	t.setOwner(c)
	c.scheduleTick.Add(1)
	c.switches.Add(1)
	c.running.Store(t)

	t.stealLock.Add(1)
	t.resume <- struct{}{}
	r := <-t.yield
	c.running.Store(nil)
	t.stealLock.Add(-1)

	switch r {
	case yieldYield:
		c.sched.enqueue(t, c)
	case yieldExit:
		c.reap(t, true)
	case yieldGoexit:
		c.reap(t, false)
	}
}

// idle claims the ProcessingTimer state, fires due timers, then blocks in
// the event pump or on the wake channel until the next deadline. If any
// producer pushes in between, the claim fails and the loop goes around.
func (c *Carrier) idle() {
	s := c.sched
	if !c.qlen.v.CompareAndSwap(0, sentinelTimer) {
		runtime.Gosched()
		return
	}

	wait := c.timers.processAndGetNextWait(s.now())
	if c.detached.Load() && (wait < 0 || wait > s.opts.stallTick) {
		// re-check the exit condition periodically
		wait = s.opts.stallTick
	}

	if shard := int(c.pumpShard.Load()); shard >= 0 && !c.detached.Load() {
		if c.qlen.claim(sentinelPolling) {
			if err := s.pump.poll(shard, wait); err != nil {
				s.logPollError(c, shard, err)
				c.sleep(min(wait, s.opts.stallTick))
			}
			c.qlen.release(sentinelPolling)
			return
		}
	} else if c.qlen.claim(sentinelIdle) {
		c.sleep(wait)
		c.qlen.release(sentinelIdle)
		return
	}

	c.qlen.release(sentinelTimer)
}

func (c *Carrier) sleep(wait time.Duration) {
	switch {
	case wait < 0:
		<-c.wakeCh
	case wait == 0:
	default:
		c.sleeper.Reset(wait)
		select {
		case <-c.wakeCh:
			c.sleeper.Stop()
		case <-c.sleeper.C:
		}
	}
}

// pollBusy performs a non-blocking readiness poll every pollInterval
// iterations, when designated.
func (c *Carrier) pollBusy() {
	shard := int(c.pumpShard.Load())
	if shard < 0 || c.detached.Load() {
		return
	}
	if c.scheduleTick.Load()%uint64(c.sched.opts.pollInterval) != 0 {
		return
	}
	if err := c.sched.pump.poll(shard, 0); err != nil {
		c.sched.logPollError(c, shard, err)
	}
}

func (c *Carrier) reap(t *Task, reusable bool) {
	s := c.sched
	t.status.Store(int32(StatusZombie))
	s.registry.remove(t.id.Load())
	t.setOwner(nil)
	res := t.result
	close(res.done)
	s.stats.completed.Add(1)
	if !reusable {
		return
	}
	t.body = nil
	if len(c.cache) < s.opts.taskCacheSize {
		c.cache = append(c.cache, t)
		return
	}
	if !s.cache.put(t) {
		t.kill()
	}
}

// takeCached pops a reusable task from the local cache. Only the carrier or
// its running task may call this.
func (c *Carrier) takeCached() *Task {
	if n := len(c.cache); n != 0 {
		t := c.cache[n-1]
		c.cache[n-1] = nil
		c.cache = c.cache[:n-1]
		return t
	}
	return nil
}

func (c *Carrier) exit() {
	for _, t := range c.cache {
		t.kill()
	}
	c.cache = nil
	close(c.done)
	c.sched.carrierExited(c)
}
