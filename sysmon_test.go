package tasklet

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// A task that never suspends, but checks for preemption, lets a second task
// on the same carrier run once the stall monitor flags it.
func TestStallMonitor_preempt(t *testing.T) {
	s, logs := newTestScheduler(t,
		WithCarriers(1),
		WithStallPolicy(StallPreempt),
		WithStallTick(10*time.Millisecond),
	)
	c := s.Carriers()[0]

	var (
		stop    atomic.Bool
		yielded atomic.Int32
	)
	hog, err := s.ExecuteOn(c, func(task *Task) {
		for !stop.Load() {
			spin(10000)
			if task.CheckPreempt() {
				yielded.Add(1)
			}
		}
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return c.Running() != nil }, time.Second, time.Millisecond)

	stopper, err := s.ExecuteOn(c, func(*Task) { stop.Store(true) })
	require.NoError(t, err)
	waitAll(t, stopper, hog)

	assert.NotZero(t, yielded.Load())
	st := s.Stats()
	assert.NotZero(t, st.Preempts)
	assert.NotZero(t, st.Preempted)
	assert.Zero(t, st.HandOffs)
	assert.True(t, logs.contains("carrier stalled"))
}

func TestStallMonitor_none(t *testing.T) {
	s, _ := newTestScheduler(t,
		WithCarriers(1),
		WithStallPolicy(StallNone),
		WithStallTick(5*time.Millisecond),
	)

	var requested bool
	run(t, s, func(task *Task) {
		time.Sleep(50 * time.Millisecond)
		requested = task.PreemptRequested()
	})
	assert.False(t, requested)
	assert.Zero(t, s.Stats().Preempts)
}

// The monitor scavenges registry entries for tasks that were never removed.
func TestStallMonitor_scavenge(t *testing.T) {
	s, _ := newTestScheduler(t, WithCarriers(1), WithStallTick(5*time.Millisecond))

	// an entry whose id no longer matches its task
	task := &Task{}
	task.id.Store(12345)
	s.registry.add(task)
	task.id.Store(12346)
	require.Equal(t, 1, s.registry.len())

	assert.Eventually(t, func() bool { return s.registry.len() == 0 }, time.Second, time.Millisecond)
}

func TestStallPolicy_parse(t *testing.T) {
	for _, p := range []StallPolicy{StallNone, StallHandOff, StallPreempt, StallAdaptive} {
		got, err := ParseStallPolicy(p.String())
		require.NoError(t, err)
		assert.Equal(t, p, got)
	}
	_, err := ParseStallPolicy("panic")
	assert.Error(t, err)
}

var spinSink atomic.Uint64

func spin(n int) {
	var x uint64
	for i := range n {
		x += uint64(i) * 2654435761
	}
	spinSink.Add(x)
}
