package main

import (
	"context"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-tasklet"
	"github.com/joeycumines/logiface"
	"golang.org/x/sync/errgroup"
)

// workload dispatches a mix of task shapes onto a scheduler, and tracks
// what they did.
type workload struct {
	s       tasklet.Backend
	logger  *logiface.Logger[logiface.Event]
	handles []tasklet.TaskHandle
	cfg     workloadConfig
	counts  workloadCounts
}

type workloadCounts struct {
	yields    atomic.Int64
	sleeps    atomic.Int64
	exchanges atomic.Int64
	messages  atomic.Int64
	preempted atomic.Int64
	natives   atomic.Int64
}

func newWorkload(s tasklet.Backend, cfg workloadConfig, logger *logiface.Logger[logiface.Event]) *workload {
	return &workload{s: s, cfg: cfg, logger: logger}
}

func (w *workload) dispatch(body func(*tasklet.Task)) error {
	h, err := w.s.Dispatch(body)
	if err != nil {
		return err
	}
	w.handles = append(w.handles, h)
	return nil
}

// start dispatches every configured task.
func (w *workload) start() error {
	for range w.cfg.Yielders {
		if err := w.dispatch(w.yielder); err != nil {
			return err
		}
	}
	for range w.cfg.Sleepers {
		if err := w.dispatch(w.sleeper); err != nil {
			return err
		}
	}
	for range w.cfg.PingPongs {
		p := new(pingPong)
		for i := range 2 {
			if err := w.dispatch(func(t *tasklet.Task) { w.pingPong(t, p, i) }); err != nil {
				return err
			}
		}
	}
	if err := w.startPipes(); err != nil {
		return err
	}
	for range w.cfg.Hogs {
		if err := w.dispatch(w.hog); err != nil {
			return err
		}
	}
	for range w.cfg.Natives {
		if err := w.dispatch(w.native); err != nil {
			return err
		}
	}
	w.logger.Info().
		Int("tasks", len(w.handles)).
		Log("workload dispatched")
	return nil
}

// wait blocks until every task completes, returning the first task error.
func (w *workload) wait(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(64)
	for _, h := range w.handles {
		g.Go(func() error { return h.Wait(ctx) })
	}
	return g.Wait()
}

func (w *workload) yielder(t *tasklet.Task) {
	for range w.cfg.Yields {
		t.Yield()
		w.counts.yields.Add(1)
	}
}

func (w *workload) sleeper(t *tasklet.Task) {
	maxSleep := int64(w.cfg.MaxSleep.Duration)
	for range w.cfg.Sleeps {
		d := time.Millisecond
		if maxSleep > 0 {
			d = time.Duration(rand.Int64N(maxSleep) + 1)
		}
		t.Park(d)
		w.counts.sleeps.Add(1)
	}
}

type pingPong struct {
	peers [2]atomic.Pointer[tasklet.TaskHandle]
	turn  atomic.Int32
}

func (w *workload) pingPong(t *tasklet.Task, p *pingPong, side int) {
	self := t.Handle()
	p.peers[side].Store(&self)
	other := p.peers[1-side].Load()
	for other == nil {
		t.Yield()
		other = p.peers[1-side].Load()
	}
	for range w.cfg.Exchanges {
		for p.turn.Load() != int32(side) {
			t.Park(-1)
		}
		p.turn.Store(int32(1 - side))
		other.Unpark()
		w.counts.exchanges.Add(1)
	}
}

func (w *workload) hog(t *tasklet.Task) {
	var x uint64
	for i := range w.cfg.HogSpins {
		x += uint64(i) * 2654435761
		if i&1023 == 0 && t.CheckPreempt() {
			w.counts.preempted.Add(1)
		}
	}
	_ = x
}

func (w *workload) native(t *tasklet.Task) {
	t.Native(func() { time.Sleep(w.cfg.NativeBlock.Duration) })
	w.counts.natives.Add(1)
}
