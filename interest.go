package tasklet

import (
	"strings"
	"time"
)

// Interest is a set of readiness classes for a file descriptor.
type Interest uint32

const (
	// InterestRead waits for the descriptor to become readable.
	InterestRead Interest = 1 << iota
	// InterestWrite waits for the descriptor to become writable.
	InterestWrite
	// InterestConnect waits for a non-blocking connect to complete.
	InterestConnect
	// InterestAccept waits for a listener to have a pending connection.
	InterestAccept

	interestAll = InterestRead | InterestWrite | InterestConnect | InterestAccept
)

// String returns the set as names joined by "|".
func (m Interest) String() string {
	if m == 0 {
		return "none"
	}
	var parts []string
	for _, v := range [...]struct {
		bit  Interest
		name string
	}{
		{InterestRead, "read"},
		{InterestWrite, "write"},
		{InterestConnect, "connect"},
		{InterestAccept, "accept"},
	} {
		if m&v.bit != 0 {
			parts = append(parts, v.name)
		}
	}
	if m&^interestAll != 0 {
		parts = append(parts, "invalid")
	}
	return strings.Join(parts, "|")
}

// reads reports whether m includes an input class.
func (m Interest) reads() bool { return m&(InterestRead|InterestAccept) != 0 }

// writes reports whether m includes an output class.
func (m Interest) writes() bool { return m&(InterestWrite|InterestConnect) != 0 }

// RegisterInterest arms readiness notification for fd on the event pump,
// replacing any interest this task previously had in fd. When fd becomes
// ready the task is unparked. A zero mask removes the task's interest.
//
// At most one task may wait on each of the input and output classes of a
// descriptor at a time, see [ErrFDBusy].
func (t *Task) RegisterInterest(fd int, mask Interest) error {
	if t.current() == nil {
		return ErrNotCurrentTask
	}
	if mask&^interestAll != 0 {
		return ErrInvalidInterest
	}
	t.ioReady.And(^uint32(mask))
	return t.sched.pump.register(fd, mask, t)
}

// WaitFD registers interest in fd and parks until it is ready, the timeout
// elapses (negative waits indefinitely), or the task is interrupted. It
// returns the classes that became ready, or zero on timeout.
func (t *Task) WaitFD(fd int, mask Interest, timeout time.Duration) (Interest, error) {
	if mask == 0 {
		return 0, ErrInvalidInterest
	}
	if err := t.RegisterInterest(fd, mask); err != nil {
		return 0, err
	}
	var deadline int64
	if timeout > 0 {
		deadline = deadlineAfter(t.sched.now(), timeout)
	}
	for {
		if ready := Interest(t.ioReady.Load()) & mask; ready != 0 {
			return ready, nil
		}
		if t.Interrupted() {
			t.sched.pump.unregister(fd, t)
			return 0, ErrInterrupted
		}
		wait := timeout
		if timeout > 0 {
			if wait = time.Duration(deadline - t.sched.now()); wait <= 0 {
				t.sched.pump.unregister(fd, t)
				// readiness may have raced the timeout
				return Interest(t.ioReady.Load()) & mask, nil
			}
		} else if timeout == 0 {
			t.sched.pump.unregister(fd, t)
			return Interest(t.ioReady.Load()) & mask, nil
		}
		t.Park(wait)
	}
}
