//go:build !linux

package tasklet

import (
	"sync/atomic"
	"time"
)

// eventPump without a readiness backend. Registration fails, and polling
// degrades to an interruptible sleep.
type eventPump struct {
	wake   []chan struct{}
	closed atomic.Bool
}

func newEventPump(n int) (*eventPump, error) {
	p := &eventPump{wake: make([]chan struct{}, n)}
	for i := range p.wake {
		p.wake[i] = make(chan struct{}, 1)
	}
	return p, nil
}

func (p *eventPump) watched() int { return 0 }

func (p *eventPump) register(fd int, mask Interest, _ *Task) error {
	if p.closed.Load() {
		return ErrPumpClosed
	}
	return &RegistrationError{FD: fd, Mask: mask, Err: ErrPumpUnsupported}
}

func (p *eventPump) unregister(int, *Task) {}

func (p *eventPump) poll(shard int, wait time.Duration) error {
	if p.closed.Load() {
		return ErrPumpClosed
	}
	ch := p.wake[shard]
	switch {
	case wait < 0:
		<-ch
	case wait == 0:
		select {
		case <-ch:
		default:
		}
	default:
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ch:
		case <-timer.C:
		}
	}
	return nil
}

func (p *eventPump) wakeup(shard int) {
	select {
	case p.wake[shard] <- struct{}{}:
	default:
	}
}

func (p *eventPump) close() error {
	p.closed.Store(true)
	return nil
}
