package tasklet

import (
	"sync/atomic"
	"time"
)

// CarrierState is the scheduling state of a carrier, as encoded in the high
// bits of its queue length field.
//
// State Machine:
//
//	CarrierBusy → CarrierProcessingTimer       [loop: CAS(0, sentinelTimer)]
//	CarrierProcessingTimer → CarrierIdle       [loop: CAS(sentinelTimer, sentinelIdle)]
//	CarrierProcessingTimer → CarrierPolling    [loop: CAS(sentinelTimer, sentinelPolling)]
//	CarrierProcessingTimer → CarrierBusy       [loop: Add(-sentinelTimer), work arrived]
//	CarrierIdle → CarrierBusy                  [loop: Add(-sentinelIdle), after wake]
//	CarrierPolling → CarrierBusy               [loop: Add(-sentinelPolling), after poll]
//
// Producers never change the state, they only Add(1) to the field, and wake
// the carrier if the value they displaced was in the Idle or Polling range.
// Because every sentinel is a large negative multiple of stateUnit, the
// field simultaneously carries the state and the number of tasks pushed
// since it was claimed.
type CarrierState int

const (
	// CarrierBusy indicates the carrier is running tasks, or looking for them.
	CarrierBusy CarrierState = iota
	// CarrierProcessingTimer indicates the carrier has observed an empty
	// queue and is firing due timers.
	CarrierProcessingTimer
	// CarrierIdle indicates the carrier is blocked waiting to be woken.
	CarrierIdle
	// CarrierPolling indicates the carrier is blocked in the event pump.
	CarrierPolling
)

const (
	stateUnit int64 = 1 << 40

	sentinelTimer   = -1 * stateUnit
	sentinelIdle    = -2 * stateUnit
	sentinelPolling = -3 * stateUnit
)

// String returns a human-readable representation of the state.
func (s CarrierState) String() string {
	switch s {
	case CarrierBusy:
		return "Busy"
	case CarrierProcessingTimer:
		return "ProcessingTimer"
	case CarrierIdle:
		return "Idle"
	case CarrierPolling:
		return "Polling"
	default:
		return "Unknown"
	}
}

// splitQueueLen decodes a raw queue length field into its state, and the
// number of queued tasks it accounts for.
//
// Values are rounded to the nearest sentinel, not truncated: a stealer may
// decrement the field of an idle victim below the sentinel (it popped a node
// whose producer had not yet incremented), which must still read as idle.
func splitQueueLen(v int64) (CarrierState, int64) {
	if v >= 0 {
		return CarrierBusy, v
	}
	k := (-v + stateUnit/2) / stateUnit
	n := v + k*stateUnit
	if n < 0 {
		n = 0
	}
	switch k {
	case 0:
		return CarrierBusy, n
	case 1:
		return CarrierProcessingTimer, n
	case 2:
		return CarrierIdle, n
	default:
		return CarrierPolling, n
	}
}

// queueLen is the combined queue length and state field of a carrier.
type queueLen struct { // betteralign:ignore
	_ [64]byte
	v atomic.Int64
	_ [56]byte
}

// claim performs the ProcessingTimer → target transition.
func (q *queueLen) claim(target int64) bool {
	return q.v.CompareAndSwap(sentinelTimer, target)
}

// release removes a sentinel previously installed by the carrier.
func (q *queueLen) release(sentinel int64) {
	q.v.Add(-sentinel)
}

// produce accounts for a pushed task, returning the displaced value.
func (q *queueLen) produce() int64 {
	return q.v.Add(1) - 1
}

// consume accounts for a popped task.
func (q *queueLen) consume() {
	q.v.Add(-1)
}

func (q *queueLen) load() (CarrierState, int64) {
	return splitQueueLen(q.v.Load())
}

var clockAnchor = time.Now()

// nanotime is the default monotonic clock, nanoseconds since package init.
func nanotime() int64 {
	return int64(time.Since(clockAnchor))
}
