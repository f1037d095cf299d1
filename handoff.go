package tasklet

import (
	"slices"
)

// HandOff detaches c and replaces it, in the same slot of the probe ring,
// with a fresh carrier that inherits its queued tasks, its pending timers,
// and its event pump shard.
//
// The task executing on c (if any) is not moved. It keeps c's thread until
// it next suspends, after which it migrates on its next wake. c exits once
// it owns no tasks.
func (s *Scheduler) HandOff(c *Carrier) (*Carrier, error) {
	if c == nil || c.sched != s {
		return nil, ErrUnknownCarrier
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.terminated {
		return nil, ErrSchedulerClosed
	}
	if !c.detached.CompareAndSwap(false, true) {
		return nil, ErrCarrierDetached
	}
	// make sure the loop observes detached, and leaves any poll
	c.nudge()

	shard := int(c.pumpShard.Swap(-1))
	repl := newCarrier(s, c.index, shard)

	timers := c.timers.drainTo(repl.timers)

	tasks := 0
	for {
		t, ok := c.queue.pop()
		if !ok {
			break
		}
		c.qlen.consume()
		if t == nil {
			continue
		}
		t.setOwner(repl)
		repl.queue.push(t)
		repl.qlen.produce()
		tasks++
	}

	next := slices.Clone(s.snapshot())
	if i := slices.Index(next, c); i >= 0 {
		next[i] = repl
	} else {
		next = append(next, repl)
	}
	s.carriers.Store(&next)

	s.monitor.unregister(c)
	s.startLocked(repl)
	s.stats.handOffs.Add(1)

	b := s.logger.Notice().
		Int64("carrier", c.id).
		Int64("replacement", repl.id).
		Int("tasks", tasks).
		Int("timers", timers).
		Int("shard", shard)
	if t := c.running.Load(); t != nil {
		// best effort, it stays on the detached carrier until it suspends
		b = b.Uint64("stuck_task", t.id.Load())
	}
	b.Log("carrier handed off")

	return repl, nil
}
