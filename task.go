package tasklet

import (
	"context"
	"errors"
	"runtime"
	"sync/atomic"
	"time"
)

// TaskStatus is the lifecycle status of a task.
type TaskStatus int32

const (
	// StatusRunnable indicates the task is queued, or currently executing.
	StatusRunnable TaskStatus = iota
	// StatusBlocked indicates the task is parked.
	StatusBlocked
	// StatusZombie indicates the task body has returned.
	StatusZombie
)

// String returns a human-readable representation of the status.
func (s TaskStatus) String() string {
	switch s {
	case StatusRunnable:
		return "Runnable"
	case StatusBlocked:
		return "Blocked"
	case StatusZombie:
		return "Zombie"
	default:
		return "Unknown"
	}
}

// errTaskGoexit is the result of a task whose body called runtime.Goexit.
var errTaskGoexit = errors.New("tasklet: task body called runtime.Goexit")

// Park status, packed into the low bits of Task.park, with the park
// sequence in the remaining bits. Packing the two means a timer or readiness
// wake can only ever release the exact park it was registered for.
const (
	parkFree uint64 = iota
	parkPermitted
	parkWaiting

	parkStatusBits        = 2
	parkStatusMask uint64 = 1<<parkStatusBits - 1
)

func packPark(seq, status uint64) uint64 { return seq<<parkStatusBits | status }

func unpackPark(v uint64) (seq, status uint64) { return v >> parkStatusBits, v & parkStatusMask }

type yieldReason uint8

const (
	yieldPark yieldReason = iota
	yieldYield
	yieldExit
	yieldGoexit
)

// taskResult is the per-incarnation outcome of a task, shared with handles.
type taskResult struct {
	done chan struct{}
	err  error
}

// Task is a cooperatively scheduled unit of work. Task values are recycled
// once their body returns, so references must not be retained past that
// point, use [TaskHandle] instead.
//
// Methods that suspend or register state on behalf of the task (Park, Yield,
// AddTimer, RegisterInterest, WaitFD, Dispatch) may only be called from
// within the task's own body.
type Task struct {
	sched     *Scheduler
	body      func(*Task)
	result    *taskResult
	resume    chan struct{}
	yield     chan yieldReason
	owner     atomic.Pointer[Carrier]
	id        atomic.Uint64
	park      atomic.Uint64
	ioReady   atomic.Uint32
	stealLock atomic.Int32
	status    atomic.Int32
	native    atomic.Int32
	enqueued  atomic.Bool
	stealable atomic.Bool
	interrupt atomic.Bool
	preempt   atomic.Bool
	killed    atomic.Bool
}

var taskIDs atomic.Uint64

func newTask(s *Scheduler) *Task {
	t := &Task{
		sched:  s,
		resume: make(chan struct{}, 1),
		yield:  make(chan yieldReason),
	}
	go t.main()
	return t
}

// reset prepares t for a new incarnation. The park sequence is preserved, so
// that stale timer entries from a previous incarnation can never match.
func (t *Task) reset(body func(*Task), stealable bool) {
	t.body = body
	t.result = &taskResult{done: make(chan struct{})}
	t.id.Store(taskIDs.Add(1))
	seq, _ := unpackPark(t.park.Load())
	t.park.Store(packPark(seq, parkFree))
	t.ioReady.Store(0)
	t.status.Store(int32(StatusRunnable))
	t.native.Store(0)
	t.enqueued.Store(false)
	t.stealable.Store(stealable)
	t.interrupt.Store(false)
	t.preempt.Store(false)
}

// main is the goroutine backing the task, across incarnations.
func (t *Task) main() {
	inBody := false
	defer func() {
		if inBody && !t.killed.Load() {
			t.result.err = errTaskGoexit
			t.yield <- yieldGoexit
		}
	}()
	for range t.resume {
		inBody = true
		t.run()
		inBody = false
		t.yield <- yieldExit
	}
}

func (t *Task) run() {
	defer func() {
		if r := recover(); r != nil {
			t.result.err = PanicError{Value: r}
			t.sched.logTaskPanic(t, r)
		}
	}()
	t.body(t)
}

// switchOut hands the baton back to the carrier, and blocks until resumed.
func (t *Task) switchOut(r yieldReason) {
	t.yield <- r
	if _, ok := <-t.resume; !ok {
		// scheduler closed while parked
		runtime.Goexit()
	}
}

// kill terminates the goroutine of a task that is not executing.
func (t *Task) kill() {
	if t.killed.CompareAndSwap(false, true) {
		close(t.resume)
	}
}

// setOwner transfers ownership, keeping carrier task counts in step.
func (t *Task) setOwner(c *Carrier) {
	old := t.owner.Swap(c)
	if old == c {
		return
	}
	if c != nil {
		c.tasks.Add(1)
	}
	if old != nil {
		old.releaseTask()
	}
}

// current returns the carrier t is executing on, or nil if t is not the
// running task of its owner.
func (t *Task) current() *Carrier {
	c := t.owner.Load()
	if c == nil || c.running.Load() != t {
		return nil
	}
	return c
}

// ID returns the process-unique identifier of this incarnation.
func (t *Task) ID() uint64 { return t.id.Load() }

// Status returns the lifecycle status.
func (t *Task) Status() TaskStatus { return TaskStatus(t.status.Load()) }

// Scheduler returns the scheduler the task belongs to.
func (t *Task) Scheduler() *Scheduler { return t.sched }

// Carrier returns the carrier that currently owns the task, if any.
func (t *Task) Carrier() *Carrier { return t.owner.Load() }

// Err returns the recovered panic of a completed task, as a [PanicError].
func (t *Task) Err() error {
	r := t.result
	select {
	case <-r.done:
		return r.err
	default:
		return nil
	}
}

// Handle returns a generation-checked reference to this incarnation.
func (t *Task) Handle() TaskHandle {
	return TaskHandle{t: t, id: t.id.Load(), result: t.result}
}

// Park suspends the task until it is unparked, interrupted, or the timeout
// elapses. A negative timeout waits indefinitely, and zero is equivalent to
// [Task.Yield]. If a permit is available (an earlier Unpark), it is consumed
// and Park returns immediately. Park may return spuriously.
func (t *Task) Park(timeout time.Duration) {
	c := t.current()
	if c == nil {
		return
	}
	if timeout == 0 {
		t.Yield()
		return
	}
	if t.interrupt.Load() {
		return
	}
	for {
		v := t.park.Load()
		seq, status := unpackPark(v)
		if status == parkPermitted {
			if t.park.CompareAndSwap(v, packPark(seq, parkFree)) {
				return
			}
			continue
		}
		seq++
		t.status.Store(int32(StatusBlocked))
		if !t.park.CompareAndSwap(v, packPark(seq, parkWaiting)) {
			t.status.Store(int32(StatusRunnable))
			continue
		}
		var timer *timerEntry
		if timeout > 0 {
			timer = c.timers.add(t, deadlineAfter(t.sched.now(), timeout), seq)
		}
		t.sched.stats.parks.Add(1)
		t.switchOut(yieldPark)
		t.status.Store(int32(StatusRunnable))
		if timer != nil {
			// no-op if we were resumed elsewhere, the entry fires stale
			if nc := t.owner.Load(); nc != nil {
				nc.timers.cancel(timer)
			}
		}
		return
	}
}

// Unpark makes the task runnable if it is parked, or otherwise grants it a
// single permit, causing its next Park to return immediately. Any goroutine
// may call Unpark.
func (t *Task) Unpark() {
	for {
		v := t.park.Load()
		seq, status := unpackPark(v)
		switch status {
		case parkPermitted:
			return
		case parkFree:
			if t.park.CompareAndSwap(v, packPark(seq, parkPermitted)) {
				return
			}
		default:
			if t.park.CompareAndSwap(v, packPark(seq, parkFree)) {
				t.sched.wake(t)
				return
			}
		}
	}
}

// wakeParked releases the park identified by seq, if the task is still in
// it, reporting whether it did. Timer and readiness wakes use this, so they
// never leave a permit behind.
func (t *Task) wakeParked(seq uint64) bool {
	v := packPark(seq, parkWaiting)
	if !t.park.CompareAndSwap(v, packPark(seq, parkFree)) {
		return false
	}
	t.sched.wake(t)
	return true
}

// timerFired is the timer manager callback for entries owned by t.
func (t *Task) timerFired(e *timerEntry) {
	if t.id.Load() != e.taskID {
		return
	}
	if e.seq == 0 {
		t.Unpark()
		return
	}
	t.wakeParked(e.seq)
}

// Yield suspends the task, placing it at the tail of its carrier's queue.
func (t *Task) Yield() {
	if t.current() == nil {
		return
	}
	t.sched.stats.yields.Add(1)
	t.switchOut(yieldYield)
}

// Interrupt sets the interrupt flag and unparks the task. Parks return
// immediately while the flag is set. Idempotent.
func (t *Task) Interrupt() {
	t.interrupt.Store(true)
	t.Unpark()
}

// Interrupted reports whether the interrupt flag is set.
func (t *Task) Interrupted() bool { return t.interrupt.Load() }

// ClearInterrupt clears the interrupt flag, returning its previous value.
func (t *Task) ClearInterrupt() bool { return t.interrupt.Swap(false) }

// CheckPreempt is a cooperative safe point: if the stall monitor requested a
// preemption, the task yields. Reports whether it yielded.
func (t *Task) CheckPreempt() bool {
	if !t.preempt.Load() || t.current() == nil {
		return false
	}
	t.preempt.Store(false)
	t.sched.stats.preempted.Add(1)
	t.Yield()
	return true
}

// PreemptRequested reports whether a preemption is pending.
func (t *Task) PreemptRequested() bool { return t.preempt.Load() }

// Native runs fn as a native (non-cooperative) section, e.g. a blocking
// syscall or cgo call. A task that stalls its carrier while inside a native
// section is eligible for hand-off.
func (t *Task) Native(fn func()) {
	t.EnterNative()
	defer t.ExitNative()
	fn()
}

// EnterNative marks the start of a native section, see [Task.Native].
func (t *Task) EnterNative() { t.native.Add(1) }

// ExitNative marks the end of a native section.
func (t *Task) ExitNative() { t.native.Add(-1) }

// InNative reports whether the task is inside a native section.
func (t *Task) InNative() bool { return t.native.Load() > 0 }

// AddTimer registers a timer on the task's carrier, which unparks the task
// after d. Cancel it with [Task.CancelTimer].
func (t *Task) AddTimer(d time.Duration) (Timer, error) {
	c := t.current()
	if c == nil {
		return Timer{}, ErrNotCurrentTask
	}
	e := c.timers.add(t, deadlineAfter(t.sched.now(), d), 0)
	return Timer{e: e}, nil
}

// CancelTimer cancels a timer, reporting whether it was pending. Timers may
// only be cancelled on the carrier they were added on, elsewhere this is a
// no-op returning false.
func (t *Task) CancelTimer(timer Timer) bool {
	c := t.current()
	if c == nil {
		return false
	}
	return c.timers.cancel(timer.e)
}

// Dispatch starts a new task, bound to the carrier this task is running on.
func (t *Task) Dispatch(body func(*Task)) (TaskHandle, error) {
	c := t.current()
	if c == nil {
		return TaskHandle{}, ErrNotCurrentTask
	}
	return t.sched.dispatch(body, c, c, true)
}

// TaskHandle is a reference to one incarnation of a task. Operations on a
// handle whose task has completed (and may have been recycled) are no-ops.
type TaskHandle struct {
	t      *Task
	result *taskResult
	id     uint64
}

// ID returns the task identifier, or zero for the zero handle.
func (h TaskHandle) ID() uint64 { return h.id }

func (h TaskHandle) live() *Task {
	if h.t == nil || h.t.id.Load() != h.id {
		return nil
	}
	return h.t
}

// Unpark unparks the task, see [Task.Unpark]. If the task completes and is
// recycled concurrently, the new incarnation may receive the permit instead,
// which it observes as a spurious return from [Task.Park].
func (h TaskHandle) Unpark() {
	if t := h.live(); t != nil {
		t.Unpark()
	}
}

// Interrupt interrupts the task, see [Task.Interrupt].
func (h TaskHandle) Interrupt() {
	if t := h.live(); t != nil {
		t.Interrupt()
	}
}

// Status returns the task status, StatusZombie once it has completed.
func (h TaskHandle) Status() TaskStatus {
	if t := h.live(); t != nil {
		return t.Status()
	}
	return StatusZombie
}

// Done returns a channel closed when the task body returns.
func (h TaskHandle) Done() <-chan struct{} {
	if h.result == nil {
		return closedChan
	}
	return h.result.done
}

// Err returns the recovered panic of a completed task, as a [PanicError].
func (h TaskHandle) Err() error {
	if h.result == nil {
		return nil
	}
	select {
	case <-h.result.done:
		return h.result.err
	default:
		return nil
	}
}

// Wait blocks until the task completes or ctx is done.
func (h TaskHandle) Wait(ctx context.Context) error {
	select {
	case <-h.Done():
		return h.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()
