package tasklet

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestTaskQueue_fifo(t *testing.T) {
	q := newTaskQueue()
	require.True(t, q.empty())

	tasks := make([]*Task, 8)
	for i := range tasks {
		tasks[i] = &Task{}
		q.push(tasks[i])
	}
	q.push(nil)
	require.False(t, q.empty())

	for i := range tasks {
		v, ok := q.pop()
		require.True(t, ok)
		assert.Same(t, tasks[i], v, "index %d", i)
	}

	v, ok := q.pop()
	assert.True(t, ok, "a nudge is still an element")
	assert.Nil(t, v)

	_, ok = q.pop()
	assert.False(t, ok)
	assert.True(t, q.empty())
}

func TestTaskQueue_popIf(t *testing.T) {
	q := newTaskQueue()
	_, ok := q.popIf(stealable)
	assert.False(t, ok)

	pinned := &Task{}
	free := &Task{}
	free.stealable.Store(true)
	q.push(nil)
	q.push(pinned)
	q.push(free)

	_, ok = q.popIf(stealable)
	assert.False(t, ok, "nudges are left for the owner")
	v, ok := q.pop()
	require.True(t, ok)
	require.Nil(t, v)

	_, ok = q.popIf(stealable)
	assert.False(t, ok, "bound tasks are not stolen")

	// refusal leaves the order intact
	v, ok = q.pop()
	require.True(t, ok)
	assert.Same(t, pinned, v)

	v, ok = q.popIf(stealable)
	require.True(t, ok)
	assert.Same(t, free, v)
	assert.True(t, q.empty())
}

func TestTaskQueue_concurrent(t *testing.T) {
	const (
		producers = 8
		consumers = 8
		perProd   = 5000
		total     = producers * perProd
	)

	q := newTaskQueue()
	tasks := make([]*Task, total)
	for i := range tasks {
		tasks[i] = &Task{}
	}

	var (
		mu     sync.Mutex
		seen   = make(map[*Task]int, total)
		popped atomic.Int64
		g      errgroup.Group
	)

	for p := range producers {
		g.Go(func() error {
			for _, task := range tasks[p*perProd : (p+1)*perProd] {
				q.push(task)
			}
			return nil
		})
	}
	for range consumers {
		g.Go(func() error {
			local := make([]*Task, 0, perProd)
			for popped.Load() < total {
				task, ok := q.pop()
				if !ok {
					continue
				}
				popped.Add(1)
				local = append(local, task)
			}
			mu.Lock()
			for _, task := range local {
				seen[task]++
			}
			mu.Unlock()
			return nil
		})
	}
	require.NoError(t, g.Wait())

	require.Len(t, seen, total)
	for _, task := range tasks {
		assert.Equal(t, 1, seen[task])
	}
	assert.True(t, q.empty())
}
