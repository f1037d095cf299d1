package tasklet

import (
	"container/heap"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// infiniteWait is returned by timerManager.processAndGetNextWait when no
// timers are pending.
const infiniteWait time.Duration = -1

// Timer is a handle to a pending task timer, see [Task.AddTimer].
type Timer struct {
	e *timerEntry
}

// Deadline returns the (possibly clamped) deadline of the timer, on the
// scheduler's clock.
func (t Timer) Deadline() int64 {
	if t.e == nil {
		return 0
	}
	return t.e.deadline
}

type timerEntry struct {
	mgr      atomic.Pointer[timerManager]
	task     *Task
	deadline int64
	taskID   uint64
	// seq is the park sequence this entry times out, or zero for a timer
	// that simply unparks its task.
	seq      uint64
	index    int
	canceled bool
}

// timerHeap implements heap.Interface, ordered by raw signed deadline.
type timerHeap []*timerEntry

func (h timerHeap) Len() int           { return len(h) }
func (h timerHeap) Less(i, j int) bool { return h[i].deadline < h[j].deadline }
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	e := x.(*timerEntry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// timerManager is the per-carrier min-heap of task timeouts.
//
// Only the owning carrier (and the tasks it runs, while it waits on them)
// touch the heap, except for hand-off, which transfers the entire heap to a
// replacement carrier while the owner is stuck. The mutex exists for that
// transfer, and is otherwise uncontended.
type timerManager struct {
	fire func(*timerEntry)
	heap timerHeap
	mu   sync.Mutex
}

func newTimerManager(fire func(*timerEntry)) *timerManager {
	return &timerManager{fire: fire}
}

// add inserts a timer for task, returning the entry.
func (tm *timerManager) add(task *Task, deadline int64, seq uint64) *timerEntry {
	e := &timerEntry{task: task, deadline: deadline, seq: seq, index: -1}
	if task != nil {
		e.taskID = task.id.Load()
	}
	tm.mu.Lock()
	tm.insertLocked(e)
	tm.mu.Unlock()
	return e
}

// insertLocked clamps and pushes e.
//
// All deadlines are kept within math.MaxInt64 of the head. If the head is
// negative and the new deadline positive, with a difference that overflows,
// the new deadline is pulled in to math.MaxInt64 - |head|. Checking only
// the sign of the new deadline is not sufficient near the wrap boundary.
func (tm *timerManager) insertLocked(e *timerEntry) {
	if len(tm.heap) != 0 {
		head := tm.heap[0].deadline
		if head < 0 && e.deadline > 0 && e.deadline-head < 0 {
			e.deadline = math.MaxInt64 + head
		}
	}
	e.mgr.Store(tm)
	heap.Push(&tm.heap, e)
}

// cancel removes e, returning false if e is not (or no longer) managed by
// tm. Cancelling from a manager other than the owner is a no-op, the stale
// entry fires later and is ignored by its task.
func (tm *timerManager) cancel(e *timerEntry) bool {
	if e == nil {
		return false
	}
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if e.mgr.Load() != tm || e.canceled {
		return false
	}
	e.canceled = true
	if e.index >= 0 {
		heap.Remove(&tm.heap, e.index)
		return true
	}
	return false
}

// peek returns the earliest deadline, if any.
func (tm *timerManager) peek() (int64, bool) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if len(tm.heap) == 0 {
		return 0, false
	}
	return tm.heap[0].deadline, true
}

func (tm *timerManager) len() int {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return len(tm.heap)
}

// processAndGetNextWait fires every timer due at now, returning the wait
// until the next one, or infiniteWait.
func (tm *timerManager) processAndGetNextWait(now int64) time.Duration {
	var due []*timerEntry
	wait := infiniteWait

	tm.mu.Lock()
	for len(tm.heap) != 0 && tm.heap[0].deadline <= now {
		e := heap.Pop(&tm.heap).(*timerEntry)
		if !e.canceled {
			due = append(due, e)
		}
	}
	if len(tm.heap) != 0 {
		wait = time.Duration(tm.heap[0].deadline - now)
		if wait < 0 {
			// overflowed, only possible with a negative now
			wait = math.MaxInt64
		}
	}
	tm.mu.Unlock()

	for _, e := range due {
		tm.fire(e)
	}
	return wait
}

// drainTo moves every pending timer to dst, re-applying the clamp against
// dst's head. Used by hand-off.
func (tm *timerManager) drainTo(dst *timerManager) int {
	tm.mu.Lock()
	moved := tm.heap
	tm.heap = nil
	for _, e := range moved {
		// in transit, cancel is a no-op on either side
		e.mgr.Store(nil)
		e.index = -1
	}
	tm.mu.Unlock()

	dst.mu.Lock()
	defer dst.mu.Unlock()
	for _, e := range moved {
		dst.insertLocked(e)
	}
	return len(moved)
}

// deadlineAfter returns now+d, saturating at math.MaxInt64.
func deadlineAfter(now int64, d time.Duration) int64 {
	deadline := now + int64(d)
	if d > 0 && deadline < now {
		return math.MaxInt64
	}
	return deadline
}
