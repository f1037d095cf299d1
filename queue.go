package tasklet

import (
	"sync/atomic"
)

// queueNode is a node in taskQueue. A nil task marks a nudge, pushed only to
// force the owning carrier around its loop.
type queueNode struct {
	next atomic.Pointer[queueNode]
	task atomic.Pointer[Task]
}

// taskQueue is a lock-free multi-producer multi-consumer FIFO of tasks.
//
// Producers are Vyukov style (swap tail, then link the previous tail), and
// consumers race on head via CAS, which is what allows stealing carriers to
// pop from a victim's queue. Nodes are never recycled, so a consumer holding
// a stale head cannot be fooled by ABA.
//
// Between a producer's tail swap and its link, the queue may appear empty to
// consumers. Carriers tolerate this because the producer's increment of the
// carrier's queue length happens after the link.
type taskQueue struct { // betteralign:ignore
	_    [64]byte
	head atomic.Pointer[queueNode]
	_    [56]byte
	tail atomic.Pointer[queueNode]
	_    [56]byte
}

func newTaskQueue() *taskQueue {
	q := &taskQueue{}
	stub := &queueNode{}
	q.head.Store(stub)
	q.tail.Store(stub)
	return q
}

// push appends t. Any goroutine may push.
func (q *taskQueue) push(t *Task) {
	n := &queueNode{}
	n.task.Store(t)
	prev := q.tail.Swap(n)
	prev.next.Store(n)
}

// pop removes the task at the head. The bool is false if the queue appeared
// empty. A true result with a nil task is a nudge.
func (q *taskQueue) pop() (*Task, bool) {
	for {
		head := q.head.Load()
		next := head.next.Load()
		if next == nil {
			return nil, false
		}
		if q.head.CompareAndSwap(head, next) {
			return next.task.Swap(nil), true
		}
	}
}

// popIf removes the task at the head only if accept reports true for it. A
// refused head stays where it is. The bool is false if nothing was removed.
func (q *taskQueue) popIf(accept func(*Task) bool) (*Task, bool) {
	for {
		head := q.head.Load()
		next := head.next.Load()
		if next == nil {
			return nil, false
		}
		t := next.task.Load()
		if !accept(t) {
			// t may have been cleared by a consumer that won the race
			if q.head.Load() != head {
				continue
			}
			return nil, false
		}
		if q.head.CompareAndSwap(head, next) {
			return next.task.Swap(nil), true
		}
	}
}

// empty reports whether the queue appeared empty.
func (q *taskQueue) empty() bool {
	return q.head.Load().next.Load() == nil
}
