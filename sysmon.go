package tasklet

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/joeycumines/go-catrate"
)

// StallPolicy selects what the stall monitor does about a carrier that has
// made no scheduling progress for a full tick.
type StallPolicy int

const (
	// StallNone only logs stalls.
	StallNone StallPolicy = iota
	// StallHandOff hands off the carrier if its task is in a native section.
	StallHandOff
	// StallPreempt requests the running task yield at its next safe point.
	StallPreempt
	// StallAdaptive hands off if in a native section, else preempts.
	StallAdaptive
)

// String returns a human-readable representation of the policy.
func (p StallPolicy) String() string {
	switch p {
	case StallNone:
		return "none"
	case StallHandOff:
		return "handoff"
	case StallPreempt:
		return "preempt"
	case StallAdaptive:
		return "adaptive"
	default:
		return fmt.Sprintf("StallPolicy(%d)", int(p))
	}
}

// ParseStallPolicy is the inverse of [StallPolicy.String].
func ParseStallPolicy(s string) (StallPolicy, error) {
	switch s {
	case "none":
		return StallNone, nil
	case "handoff":
		return StallHandOff, nil
	case "preempt":
		return StallPreempt, nil
	case "adaptive", "":
		return StallAdaptive, nil
	default:
		return 0, fmt.Errorf("tasklet: unknown stall policy %q", s)
	}
}

// stallMonitor samples each watched carrier's schedule tick once per tick
// interval. A carrier whose tick has not moved, and which is running a
// task, is stalled.
type stallMonitor struct {
	s       *Scheduler
	limiter *catrate.Limiter
	watched map[*Carrier]uint64
	fresh   map[*Carrier]struct{}
	quit    chan struct{}
	exited  chan struct{}
	procs   int
	mu      sync.Mutex
	once    sync.Once
	started bool
}

func newStallMonitor(s *Scheduler) *stallMonitor {
	return &stallMonitor{
		s:       s,
		limiter: catrate.NewLimiter(s.opts.stallWarnRates),
		watched: make(map[*Carrier]uint64),
		fresh:   make(map[*Carrier]struct{}),
		quit:    make(chan struct{}),
		exited:  make(chan struct{}),
		procs:   runtime.GOMAXPROCS(0),
	}
}

func (m *stallMonitor) register(c *Carrier) {
	m.mu.Lock()
	m.fresh[c] = struct{}{}
	m.mu.Unlock()
}

func (m *stallMonitor) unregister(c *Carrier) {
	m.mu.Lock()
	delete(m.fresh, c)
	delete(m.watched, c)
	m.mu.Unlock()
}

func (m *stallMonitor) start() {
	m.mu.Lock()
	m.started = true
	m.mu.Unlock()
	go m.run()
}

func (m *stallMonitor) stop() {
	m.once.Do(func() { close(m.quit) })
	m.mu.Lock()
	started := m.started
	m.mu.Unlock()
	if started {
		<-m.exited
	}
}

func (m *stallMonitor) run() {
	defer close(m.exited)
	ticker := time.NewTicker(m.s.opts.stallTick)
	defer ticker.Stop()
	for {
		select {
		case <-m.quit:
			return
		case <-ticker.C:
			m.tick()
		}
	}
}

func (m *stallMonitor) tick() {
	type stall struct {
		c *Carrier
		t *Task
	}
	var stalls []stall

	m.mu.Lock()
	for c := range m.fresh {
		m.watched[c] = c.scheduleTick.Load()
		delete(m.fresh, c)
	}
	for c, last := range m.watched {
		if c.detached.Load() {
			delete(m.watched, c)
			continue
		}
		cur := c.scheduleTick.Load()
		m.watched[c] = cur
		if cur != last {
			continue
		}
		if t := c.running.Load(); t != nil {
			stalls = append(stalls, stall{c, t})
		}
	}
	m.mu.Unlock()

	for _, st := range stalls {
		m.stalled(st.c, st.t)
	}

	m.s.registry.scavenge(256)

	if m.s.opts.autoGrow {
		m.autoGrow()
	}
}

func (m *stallMonitor) stalled(c *Carrier, t *Task) {
	s := m.s
	native := s.opts.nativeDetector.InNative(t, c)

	if _, ok := m.limiter.Allow(c.id); ok {
		s.logger.Warning().
			Int64("carrier", c.id).
			Uint64("task", t.id.Load()).
			Bool("native", native).
			Dur("tick", s.opts.stallTick).
			Str("policy", s.opts.stallPolicy.String()).
			Log("carrier stalled")
	}

	switch s.opts.stallPolicy {
	case StallHandOff:
		if native {
			m.handOff(c)
		}
	case StallPreempt:
		m.preempt(c, t)
	case StallAdaptive:
		if native {
			m.handOff(c)
		} else {
			m.preempt(c, t)
		}
	}
}

func (m *stallMonitor) handOff(c *Carrier) {
	if _, err := m.s.HandOff(c); err != nil {
		m.s.logger.Debug().
			Int64("carrier", c.id).
			Err(err).
			Log("stall hand-off skipped")
	}
}

func (m *stallMonitor) preempt(c *Carrier, t *Task) {
	// the task may have moved on, a stale request costs one extra yield
	if c.running.Load() != t {
		return
	}
	if t.preempt.CompareAndSwap(false, true) {
		m.s.stats.preempts.Add(1)
	}
}

func (m *stallMonitor) autoGrow() {
	procs := runtime.GOMAXPROCS(0)
	if procs <= m.procs {
		m.procs = procs
		return
	}
	delta := procs - m.procs
	m.procs = procs
	if err := m.s.Grow(delta); err != nil {
		m.s.logger.Debug().Err(err).Log("auto grow skipped")
	}
}
