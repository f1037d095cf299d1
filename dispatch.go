package tasklet

// dispatcher places runnable tasks onto carriers.
type dispatcher interface {
	// place pushes t, which must already be marked enqueued. hint is the
	// carrier t is bound to, or nil.
	place(s *Scheduler, t *Task, hint *Carrier)
	// steals reports whether idle carriers should steal.
	steals() bool
}

// pullDispatcher queues onto the bound carrier, and nudges an idle carrier
// to help steal once the target is backed up.
type pullDispatcher struct{}

func (pullDispatcher) place(s *Scheduler, t *Task, hint *Carrier) {
	target := s.bindTarget(hint)
	t.setOwner(target)
	if n := target.push(t); n >= int64(s.opts.stealHighWater) {
		if helper := s.findIdle(target, int(s.helpStealRetry.Load())); helper != nil {
			helper.kick()
		}
	}
}

func (pullDispatcher) steals() bool { return true }

// pushDispatcher queues onto an idle carrier when it can find one within
// the probe budget, preferring the bound carrier when that is itself idle.
// Tasks bound by ExecuteOn always go to their carrier.
type pushDispatcher struct{}

func (pushDispatcher) place(s *Scheduler, t *Task, hint *Carrier) {
	target := s.bindTarget(hint)
	if t.stealable.Load() {
		if st, _ := target.qlen.load(); st == CarrierBusy {
			if idle := s.findIdle(target, int(s.pushRetry.Load())); idle != nil {
				target = idle
			}
		}
	}
	t.setOwner(target)
	target.push(t)
}

func (pushDispatcher) steals() bool { return false }
