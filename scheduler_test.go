package tasklet

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduler_dispatch(t *testing.T) {
	s, logs := newTestScheduler(t, WithCarriers(4))

	const n = 500
	var count atomic.Int64
	handles := make([]TaskHandle, n)
	for i := range handles {
		h, err := s.Dispatch(func(*Task) { count.Add(1) })
		require.NoError(t, err)
		handles[i] = h
	}
	waitAll(t, handles...)

	assert.Equal(t, int64(n), count.Load())
	st := s.Stats()
	assert.Equal(t, 4, st.Carriers)
	assert.Equal(t, uint64(n), st.Created)
	assert.Equal(t, uint64(n), st.Completed)
	assert.True(t, logs.contains("scheduler started"))
}

func TestScheduler_dispatchNil(t *testing.T) {
	s, _ := newTestScheduler(t, WithCarriers(1))
	_, err := s.Dispatch(nil)
	assert.ErrorIs(t, err, ErrNilBody)
}

// Two tasks on one carrier park with different timeouts, the shorter one
// must wake first, each no earlier than its timeout.
func TestScheduler_timerOrdering(t *testing.T) {
	s, _ := newTestScheduler(t, WithCarriers(2))
	c := s.Carriers()[0]

	var (
		mu    sync.Mutex
		order []string
		woke  = map[string]time.Duration{}
	)
	start := time.Now()
	parker := func(name string, d time.Duration) func(*Task) {
		return func(task *Task) {
			deadline := start.Add(d)
			for time.Now().Before(deadline) {
				task.Park(time.Until(deadline))
			}
			mu.Lock()
			order = append(order, name)
			woke[name] = time.Since(start)
			mu.Unlock()
		}
	}

	a, err := s.ExecuteOn(c, parker("A", 50*time.Millisecond))
	require.NoError(t, err)
	b, err := s.ExecuteOn(c, parker("B", 10*time.Millisecond))
	require.NoError(t, err)
	waitAll(t, a, b)

	assert.Empty(t, cmp.Diff([]string{"B", "A"}, order))
	assert.GreaterOrEqual(t, woke["B"], 10*time.Millisecond)
	assert.GreaterOrEqual(t, woke["A"], 50*time.Millisecond)
	assert.Less(t, woke["A"], 2*time.Second)
}

// One carrier is blocked while a thousand stealable tasks sit in its queue,
// the other carriers must steal them.
func TestScheduler_steal(t *testing.T) {
	const n = 1000
	s, _ := newTestScheduler(t, WithCarriers(4), WithPolicy(PolicyPull))
	victim := s.Carriers()[0]

	var (
		runs     [n]atomic.Int32
		carriers [n]atomic.Int64
		children = make([]TaskHandle, n)
	)
	parent, err := s.ExecuteOn(victim, func(task *Task) {
		for i := range n {
			h, err := task.Dispatch(func(child *Task) {
				runs[i].Add(1)
				carriers[i].Store(child.Carrier().ID())
			})
			if !assert.NoError(t, err) {
				return
			}
			children[i] = h
		}
		// hog the carrier, without suspending
		time.Sleep(100 * time.Millisecond)
	})
	require.NoError(t, err)
	waitAll(t, parent)
	waitAll(t, children...)

	elsewhere := 0
	for i := range n {
		assert.Equal(t, int32(1), runs[i].Load(), "task %d", i)
		if carriers[i].Load() != victim.ID() {
			elsewhere++
		}
	}
	assert.NotZero(t, elsewhere, "no task was stolen")

	st := s.Stats()
	assert.NotZero(t, st.Stolen)
	assert.Equal(t, uint64(n+1), st.Completed)
	assert.Zero(t, st.Live())
	assert.Zero(t, s.QueueLength())
}

// A carrier backed up with bound tasks must not hide stealable work queued
// on another carrier, and its bound tasks keep their order.
func TestScheduler_stealPastBound(t *testing.T) {
	const bound = 8
	s, _ := newTestScheduler(t,
		WithCarriers(3),
		WithPolicy(PolicyPull),
		WithStealRetry(3),
		WithHelpStealRetry(3),
		WithStealHighWater(4),
		WithStallPolicy(StallNone),
	)
	cs := s.Carriers()

	release := make(chan struct{})
	var releaseOnce sync.Once
	unblock := func() { releaseOnce.Do(func() { close(release) }) }
	t.Cleanup(unblock)

	started := make(chan struct{}, 2)
	children := make(chan TaskHandle, 1)
	var childCarrier atomic.Int64

	// occupy the first two carriers, without suspending
	blocker0, err := s.ExecuteOn(cs[0], func(*Task) {
		started <- struct{}{}
		<-release
	})
	require.NoError(t, err)
	blocker1, err := s.ExecuteOn(cs[1], func(task *Task) {
		h, err := task.Dispatch(func(child *Task) {
			childCarrier.Store(child.Carrier().ID())
		})
		assert.NoError(t, err)
		children <- h
		started <- struct{}{}
		<-release
	})
	require.NoError(t, err)
	for range 2 {
		select {
		case <-started:
		case <-time.After(5 * time.Second):
			t.Fatal("blockers did not start")
		}
	}

	var (
		mu    sync.Mutex
		order []int
	)
	handles := []TaskHandle{blocker0, blocker1}
	for i := range bound {
		h, err := s.ExecuteOn(cs[0], func(*Task) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
		require.NoError(t, err)
		handles = append(handles, h)
	}

	// completes while both blockers still hold their carriers
	child := <-children
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, child.Wait(ctx), "stealable task was not stolen")
	assert.Equal(t, cs[2].ID(), childCarrier.Load())

	unblock()
	waitAll(t, handles...)

	want := make([]int, bound)
	for i := range want {
		want[i] = i
	}
	mu.Lock()
	defer mu.Unlock()
	if diff := cmp.Diff(want, order); diff != "" {
		t.Errorf("bound task order (-want +got):\n%s", diff)
	}
}

// Property: stealing under load neither loses nor duplicates tasks, and
// every carrier's queue drains to zero.
func TestScheduler_stealConservation(t *testing.T) {
	s, _ := newTestScheduler(t, WithCarriers(4), WithStealHighWater(1))

	const (
		spawners = 8
		each     = 250
	)
	var (
		mu       sync.Mutex
		seen     = make(map[uint64]int)
		children []TaskHandle
	)
	spawn := make([]TaskHandle, spawners)
	for i := range spawn {
		h, err := s.Dispatch(func(task *Task) {
			local := make([]TaskHandle, 0, each)
			for range each {
				h, err := task.Dispatch(func(child *Task) {
					mu.Lock()
					seen[child.ID()]++
					mu.Unlock()
					if child.ID()%3 == 0 {
						child.Yield()
					}
				})
				if !assert.NoError(t, err) {
					return
				}
				local = append(local, h)
			}
			mu.Lock()
			children = append(children, local...)
			mu.Unlock()
		})
		require.NoError(t, err)
		spawn[i] = h
	}
	waitAll(t, spawn...)
	mu.Lock()
	all := append([]TaskHandle(nil), children...)
	mu.Unlock()
	waitAll(t, all...)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, spawners*each)
	for id, n := range seen {
		assert.Equal(t, 1, n, "task %d", id)
	}
	require.Eventually(t, func() bool {
		for _, c := range s.Carriers() {
			if c.QueueLength() != 0 || c.RunningTaskCount() != 0 {
				return false
			}
		}
		return true
	}, time.Second, time.Millisecond)
}

// Property: under a mix of yields, timed parks and external unparks, a
// task is only ever the running task of exactly one carrier while it
// executes.
func TestScheduler_singleOwner(t *testing.T) {
	s, _ := newTestScheduler(t, WithCarriers(4), WithStealHighWater(1))

	const (
		tasks  = 64
		rounds = 100
	)
	var violations, checks atomic.Int64
	check := func(task *Task) {
		n := 0
		for _, c := range s.Carriers() {
			if c.Running() == task {
				n++
			}
		}
		if n != 1 {
			violations.Add(1)
		}
		checks.Add(1)
	}

	handles := make([]TaskHandle, tasks)
	for i := range handles {
		h, err := s.Dispatch(func(task *Task) {
			for r := range rounds {
				check(task)
				switch (r + i) % 3 {
				case 0:
					task.Yield()
				case 1:
					task.Park(time.Duration(r%5+1) * 100 * time.Microsecond)
				default:
					task.Park(time.Millisecond)
				}
			}
			check(task)
		})
		require.NoError(t, err)
		handles[i] = h
	}

	stop := make(chan struct{})
	unparked := make(chan struct{})
	go func() {
		defer close(unparked)
		for {
			select {
			case <-stop:
				return
			default:
			}
			for _, h := range handles {
				h.Unpark()
			}
		}
	}()

	waitAll(t, handles...)
	close(stop)
	<-unparked

	assert.Zero(t, violations.Load())
	assert.Equal(t, int64(tasks*(rounds+1)), checks.Load())
	st := s.Stats()
	assert.Equal(t, st.Created, st.Completed)
}

func TestScheduler_executeOn(t *testing.T) {
	s, _ := newTestScheduler(t, WithCarriers(4))
	target := s.Carriers()[2]

	const n = 200
	var wrong atomic.Int32
	handles := make([]TaskHandle, n)
	for i := range handles {
		h, err := s.ExecuteOn(target, func(task *Task) {
			if task.Carrier() != target {
				wrong.Add(1)
			}
			task.Yield()
			if task.Carrier() != target {
				wrong.Add(1)
			}
		})
		require.NoError(t, err)
		handles[i] = h
	}
	waitAll(t, handles...)
	assert.Zero(t, wrong.Load())
}

func TestScheduler_executeOnUnknown(t *testing.T) {
	s, _ := newTestScheduler(t, WithCarriers(1))
	other, _ := newTestScheduler(t, WithCarriers(1))

	_, err := s.ExecuteOn(nil, func(*Task) {})
	assert.ErrorIs(t, err, ErrUnknownCarrier)
	_, err = s.ExecuteOn(other.Carriers()[0], func(*Task) {})
	assert.ErrorIs(t, err, ErrUnknownCarrier)
}

func TestScheduler_pushPolicy(t *testing.T) {
	s, _ := newTestScheduler(t, WithCarriers(4), WithPolicy(PolicyPush), WithPushRetry(4))

	const n = 400
	var mu sync.Mutex
	used := make(map[int64]bool)
	handles := make([]TaskHandle, n)
	for i := range handles {
		h, err := s.Dispatch(func(task *Task) {
			mu.Lock()
			used[task.Carrier().ID()] = true
			mu.Unlock()
			time.Sleep(time.Millisecond)
		})
		require.NoError(t, err)
		handles[i] = h
	}
	waitAll(t, handles...)

	mu.Lock()
	defer mu.Unlock()
	assert.Greater(t, len(used), 1)
	assert.Zero(t, s.Stats().Stolen, "push policy never steals")
}

func TestScheduler_grow(t *testing.T) {
	s, logs := newTestScheduler(t, WithCarriers(2))

	require.NoError(t, s.Grow(2))
	require.NoError(t, s.Grow(0))
	cs := s.Carriers()
	require.Len(t, cs, 4)
	for i, c := range cs {
		assert.Equal(t, i, c.Index())
	}
	assert.True(t, logs.contains("scheduler grown"))

	h, err := s.ExecuteOn(cs[3], func(task *Task) {
		assert.Same(t, cs[3], task.Carrier())
	})
	require.NoError(t, err)
	waitAll(t, h)
}

func TestScheduler_shutdown(t *testing.T) {
	s, err := New(WithCarriers(2), WithStallTick(10*time.Millisecond))
	require.NoError(t, err)

	var done atomic.Int32
	for range 20 {
		_, err := s.Dispatch(func(task *Task) {
			task.Park(20 * time.Millisecond)
			done.Add(1)
		})
		require.NoError(t, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
	assert.Equal(t, int32(20), done.Load())

	_, err = s.Dispatch(func(*Task) {})
	assert.ErrorIs(t, err, ErrSchedulerClosed)
	assert.ErrorIs(t, s.Grow(1), ErrSchedulerClosed)

	for _, c := range s.Carriers() {
		select {
		case <-c.Done():
		default:
			t.Errorf("carrier %d still running", c.ID())
		}
	}
}

func TestScheduler_shutdownTimeout(t *testing.T) {
	s, err := New(WithCarriers(1), WithStallTick(10*time.Millisecond))
	require.NoError(t, err)

	_, err = s.Dispatch(func(task *Task) { task.Park(-1) })
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Shutdown(ctx), context.DeadlineExceeded)

	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not terminate")
	}
}

func TestScheduler_closeUnwindsParked(t *testing.T) {
	s, err := New(WithCarriers(2), WithStallTick(10*time.Millisecond))
	require.NoError(t, err)

	var unwound atomic.Int32
	handles := make([]TaskHandle, 10)
	for i := range handles {
		h, err := s.Dispatch(func(task *Task) {
			defer unwound.Add(1)
			task.Park(-1)
		})
		require.NoError(t, err)
		handles[i] = h
	}
	require.Eventually(t, func() bool {
		for _, h := range handles {
			if h.Status() != StatusBlocked {
				return false
			}
		}
		return true
	}, time.Second, time.Millisecond)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not terminate")
	}
	assert.Eventually(t, func() bool { return unwound.Load() == 10 }, time.Second, time.Millisecond)
}

func TestScheduler_lookup(t *testing.T) {
	s, _ := newTestScheduler(t, WithCarriers(1))

	h, err := s.Dispatch(func(task *Task) { task.Park(-1) })
	require.NoError(t, err)

	got, ok := s.Lookup(h.ID())
	require.True(t, ok)
	assert.Equal(t, h.ID(), got.ID())

	_, ok = s.Lookup(0)
	assert.False(t, ok)

	got.Unpark()
	waitAll(t, h)
	_, ok = s.Lookup(h.ID())
	assert.False(t, ok)
}

func TestScheduler_carrierIntrospection(t *testing.T) {
	s, _ := newTestScheduler(t, WithCarriers(2))

	ids := make(map[int64]bool)
	for _, c := range s.Carriers() {
		assert.False(t, ids[c.ID()], "duplicate carrier id")
		ids[c.ID()] = true
		assert.False(t, c.Detached())
		assert.Eventually(t, func() bool { return c.ThreadID() != 0 }, time.Second, time.Millisecond)
	}

	c := s.Carriers()[0]
	require.Eventually(t, func() bool {
		st := c.State()
		return st == CarrierIdle || st == CarrierPolling
	}, time.Second, time.Millisecond)

	before := c.ScheduleTick()
	h, err := s.ExecuteOn(c, func(task *Task) {
		assert.Same(t, task, c.Running())
		assert.Equal(t, 1, c.RunningTaskCount())
	})
	require.NoError(t, err)
	waitAll(t, h)
	assert.Greater(t, c.ScheduleTick(), before)
	assert.Nil(t, c.Running())
}

func TestPolicy_parse(t *testing.T) {
	for _, p := range []Policy{PolicyPull, PolicyPush} {
		got, err := ParsePolicy(p.String())
		require.NoError(t, err)
		assert.Equal(t, p, got)
	}
	_, err := ParsePolicy("sideways")
	assert.Error(t, err)
}
