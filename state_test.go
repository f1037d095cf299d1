package tasklet

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitQueueLen(t *testing.T) {
	for _, tc := range [...]struct {
		name  string
		v     int64
		state CarrierState
		n     int64
	}{
		{"empty", 0, CarrierBusy, 0},
		{"busy", 17, CarrierBusy, 17},
		{"timer", sentinelTimer, CarrierProcessingTimer, 0},
		{"timer with pushes", sentinelTimer + 3, CarrierProcessingTimer, 3},
		{"idle", sentinelIdle, CarrierIdle, 0},
		{"idle with pushes", sentinelIdle + 2, CarrierIdle, 2},
		{"idle after steal", sentinelIdle - 1, CarrierIdle, 0},
		{"polling", sentinelPolling, CarrierPolling, 0},
		{"polling with pushes", sentinelPolling + 5, CarrierPolling, 5},
		{"polling after steal", sentinelPolling - 2, CarrierPolling, 0},
		{"busy after steal", -1, CarrierBusy, 0},
	} {
		t.Run(tc.name, func(t *testing.T) {
			state, n := splitQueueLen(tc.v)
			assert.Equal(t, tc.state, state)
			assert.Equal(t, tc.n, n)
		})
	}
}

func TestQueueLen_transitions(t *testing.T) {
	var q queueLen

	assert.True(t, q.v.CompareAndSwap(0, sentinelTimer))
	state, _ := q.load()
	assert.Equal(t, CarrierProcessingTimer, state)

	assert.True(t, q.claim(sentinelIdle))
	assert.False(t, q.claim(sentinelPolling), "claim only succeeds from ProcessingTimer")

	old := q.produce()
	assert.Equal(t, sentinelIdle, old)
	state, n := q.load()
	assert.Equal(t, CarrierIdle, state)
	assert.Equal(t, int64(1), n)

	q.release(sentinelIdle)
	state, n = q.load()
	assert.Equal(t, CarrierBusy, state)
	assert.Equal(t, int64(1), n)

	q.consume()
	assert.Equal(t, int64(0), q.v.Load())
}

func TestCarrierState_String(t *testing.T) {
	assert.Equal(t, "Busy", CarrierBusy.String())
	assert.Equal(t, "ProcessingTimer", CarrierProcessingTimer.String())
	assert.Equal(t, "Idle", CarrierIdle.String())
	assert.Equal(t, "Polling", CarrierPolling.String())
	assert.Equal(t, "Unknown", CarrierState(42).String())
}
