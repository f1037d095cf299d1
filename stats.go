package tasklet

import (
	"sync/atomic"
)

// Stats is a point-in-time snapshot of scheduler counters.
type Stats struct {
	Carriers     int
	QueueLength  int
	RunningTasks int
	Created      uint64
	Completed    uint64
	Stolen       uint64
	HandOffs     uint64
	Preempts     uint64
	Preempted    uint64
	Parks        uint64
	Wakeups      uint64
	Yields       uint64
}

// Live returns the number of tasks created but not yet completed.
func (x Stats) Live() uint64 { return x.Created - x.Completed }

type counters struct {
	created   atomic.Uint64
	completed atomic.Uint64
	stolen    atomic.Uint64
	handOffs  atomic.Uint64
	preempts  atomic.Uint64
	preempted atomic.Uint64
	parks     atomic.Uint64
	wakeups   atomic.Uint64
	yields    atomic.Uint64
}

func (x *counters) live() uint64 {
	// completed first, so a concurrent reap cannot make this underflow
	completed := x.completed.Load()
	return x.created.Load() - completed
}

// Stats returns a snapshot of the scheduler counters.
func (s *Scheduler) Stats() Stats {
	completed := s.stats.completed.Load()
	return Stats{
		Carriers:     len(s.snapshot()),
		QueueLength:  s.QueueLength(),
		RunningTasks: s.RunningTaskCount(),
		Created:      s.stats.created.Load(),
		Completed:    completed,
		Stolen:       s.stats.stolen.Load(),
		HandOffs:     s.stats.handOffs.Load(),
		Preempts:     s.stats.preempts.Load(),
		Preempted:    s.stats.preempted.Load(),
		Parks:        s.stats.parks.Load(),
		Wakeups:      s.stats.wakeups.Load(),
		Yields:       s.stats.yields.Load(),
	}
}
