//go:build linux

package tasklet

import (
	"encoding/binary"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"fortio.org/safecast"
	"golang.org/x/sys/unix"
)

const (
	// registrationAttempts bounds the modify/add retries of one registration.
	registrationAttempts = 3

	pumpEventBatch = 128

	epollInput  = unix.EPOLLIN | unix.EPOLLRDHUP
	epollOutput = unix.EPOLLOUT
	epollFlags  = unix.EPOLLONESHOT
	epollFailed = unix.EPOLLERR | unix.EPOLLHUP
)

// fdWaiters is the per-descriptor waiter table entry. Each readiness class
// has at most one waiting task.
type fdWaiters struct {
	reader   *Task
	writer   *Task
	readerID uint64
	writerID uint64
	readMask Interest
	wrMask   Interest
}

func (w *fdWaiters) events() uint32 {
	var ev uint32
	if w.reader != nil {
		ev |= epollInput
	}
	if w.writer != nil {
		ev |= epollOutput
	}
	if ev != 0 {
		ev |= epollFlags
	}
	return ev
}

// holds reports whether a live incarnation other than t occupies the slot.
func holds(slot *Task, id uint64, t *Task) bool {
	return slot != nil && slot != t && slot.id.Load() == id && slot.Status() != StatusZombie
}

type readyTask struct {
	t    *Task
	mask Interest
}

// pumpShard is one epoll instance, with its own eventfd for wakeups.
type pumpShard struct {
	fds     map[int]*fdWaiters
	events  []unix.EpollEvent
	ready   []readyTask
	epfd    int
	wakefd  int
	mu      sync.Mutex
	pending atomic.Int32
	polling atomic.Bool
}

// eventPump multiplexes descriptor readiness across shards, fd mod N.
type eventPump struct {
	shards []*pumpShard
	closed atomic.Bool
}

func newEventPump(n int) (*eventPump, error) {
	p := &eventPump{shards: make([]*pumpShard, 0, n)}
	for range n {
		sh, err := newPumpShard()
		if err != nil {
			return nil, errors.Join(err, p.close())
		}
		p.shards = append(p.shards, sh)
	}
	return p, nil
}

func newPumpShard() (*pumpShard, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, err
	}
	wakefd32, err := safecast.Conv[int32](wakefd)
	if err == nil {
		err = unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &unix.EpollEvent{Events: unix.EPOLLIN, Fd: wakefd32})
	}
	if err != nil {
		_ = unix.Close(wakefd)
		_ = unix.Close(epfd)
		return nil, err
	}
	return &pumpShard{
		fds:    make(map[int]*fdWaiters),
		events: make([]unix.EpollEvent, pumpEventBatch),
		epfd:   epfd,
		wakefd: wakefd,
	}, nil
}

func (p *eventPump) shard(fd int) *pumpShard {
	return p.shards[fd%len(p.shards)]
}

// watched returns the number of descriptors with at least one waiter.
func (p *eventPump) watched() int {
	n := 0
	for _, sh := range p.shards {
		sh.mu.Lock()
		n += len(sh.fds)
		sh.mu.Unlock()
	}
	return n
}

// register sets t's interest in fd to mask, see Task.RegisterInterest.
func (p *eventPump) register(fd int, mask Interest, t *Task) error {
	if p.closed.Load() {
		return ErrPumpClosed
	}
	if fd < 0 {
		return &RegistrationError{FD: fd, Mask: mask, Err: unix.EBADF}
	}
	sh := p.shard(fd)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	w, ok := sh.fds[fd]
	if !ok {
		w = &fdWaiters{}
	}
	prev := *w

	if mask.reads() && holds(w.reader, w.readerID, t) {
		return ErrFDBusy
	}
	if mask.writes() && holds(w.writer, w.writerID, t) {
		return ErrFDBusy
	}

	if w.reader == t {
		w.reader, w.readerID, w.readMask = nil, 0, 0
	}
	if w.writer == t {
		w.writer, w.writerID, w.wrMask = nil, 0, 0
	}
	if mask.reads() {
		w.reader, w.readerID, w.readMask = t, t.id.Load(), mask&(InterestRead|InterestAccept)
	}
	if mask.writes() {
		w.writer, w.writerID, w.wrMask = t, t.id.Load(), mask&(InterestWrite|InterestConnect)
	}

	events := w.events()
	if events == 0 {
		if ok {
			delete(sh.fds, fd)
			sh.disarm(fd)
		}
		return nil
	}
	if attempts, err := sh.arm(fd, events); err != nil {
		*w = prev
		return &RegistrationError{FD: fd, Mask: mask, Attempts: attempts, Err: err}
	}
	sh.fds[fd] = w
	return nil
}

// unregister removes any interest t has in fd.
func (p *eventPump) unregister(fd int, t *Task) {
	if fd < 0 || p.closed.Load() {
		return
	}
	sh := p.shard(fd)
	var orphans []*Task
	sh.mu.Lock()
	if w, ok := sh.fds[fd]; ok && (w.reader == t || w.writer == t) {
		if w.reader == t {
			w.reader, w.readerID, w.readMask = nil, 0, 0
		}
		if w.writer == t {
			w.writer, w.writerID, w.wrMask = nil, 0, 0
		}
		rearmed := false
		if events := w.events(); events != 0 {
			if _, err := sh.arm(fd, events); err == nil {
				rearmed = true
			} else {
				// woken to notice, and re-register
				orphans = append(orphans, w.reader, w.writer)
			}
		}
		if !rearmed {
			delete(sh.fds, fd)
			sh.disarm(fd)
		}
	}
	sh.mu.Unlock()
	for _, other := range orphans {
		if other != nil {
			other.Unpark()
		}
	}
}

// arm modifies the registration of fd, falling back to add when the kernel
// no longer knows it (e.g. it was closed and reused), and back to modify if
// a concurrent add won. Returns the number of control calls made.
func (sh *pumpShard) arm(fd int, events uint32) (int, error) {
	fd32, err := safecast.Conv[int32](fd)
	if err != nil {
		return 0, err
	}
	ev := unix.EpollEvent{Events: events, Fd: fd32}
	op := unix.EPOLL_CTL_MOD
	attempts := 0
	for attempts < registrationAttempts {
		attempts++
		err = unix.EpollCtl(sh.epfd, op, fd, &ev)
		switch {
		case err == nil:
			return attempts, nil
		case op == unix.EPOLL_CTL_MOD && errors.Is(err, unix.ENOENT):
			op = unix.EPOLL_CTL_ADD
		case op == unix.EPOLL_CTL_ADD && errors.Is(err, unix.EEXIST):
			op = unix.EPOLL_CTL_MOD
		default:
			return attempts, err
		}
	}
	return attempts, err
}

func (sh *pumpShard) disarm(fd int) {
	// the descriptor may already be closed
	_ = unix.EpollCtl(sh.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// poll waits up to wait (negative is indefinite) for readiness on the
// shard, unparking every task whose interest fired, and re-arming the
// classes that did not. Only one poller runs per shard, a concurrent call
// returns immediately.
func (p *eventPump) poll(shard int, wait time.Duration) error {
	if p.closed.Load() {
		return ErrPumpClosed
	}
	sh := p.shards[shard]
	if !sh.polling.CompareAndSwap(false, true) {
		return nil
	}
	defer sh.polling.Store(false)

	n, err := unix.EpollWait(sh.epfd, sh.events, waitMillis(wait))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil
		}
		return err
	}

	ready := sh.ready[:0]
	for i := range n {
		ev := &sh.events[i]
		fd := int(ev.Fd)
		if fd == sh.wakefd {
			sh.drainWakeup()
			continue
		}
		ready = sh.take(fd, ev.Events, ready)
	}

	for i, r := range ready {
		r.t.ioReady.Or(uint32(r.mask))
		r.t.Unpark()
		ready[i] = readyTask{}
	}
	sh.ready = ready[:0]
	return nil
}

// take collects the waiters satisfied by fired, re-arming the rest.
func (sh *pumpShard) take(fd int, fired uint32, ready []readyTask) []readyTask {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	w, ok := sh.fds[fd]
	if !ok {
		return ready
	}
	failed := fired&epollFailed != 0
	if w.reader != nil && (failed || fired&epollInput != 0) {
		ready = append(ready, readyTask{t: w.reader, mask: w.readMask})
		w.reader, w.readerID, w.readMask = nil, 0, 0
	}
	if w.writer != nil && (failed || fired&epollOutput != 0) {
		ready = append(ready, readyTask{t: w.writer, mask: w.wrMask})
		w.writer, w.writerID, w.wrMask = nil, 0, 0
	}
	if events := w.events(); events != 0 {
		if _, err := sh.arm(fd, events); err == nil {
			return ready
		}
		// could not re-arm, hand the remaining waiters the error to find
		if w.reader != nil {
			ready = append(ready, readyTask{t: w.reader, mask: w.readMask})
		}
		if w.writer != nil {
			ready = append(ready, readyTask{t: w.writer, mask: w.wrMask})
		}
	}
	delete(sh.fds, fd)
	return ready
}

// wakeup interrupts a blocked poll on the shard. Concurrent wakeups are
// coalesced into a single eventfd write.
func (p *eventPump) wakeup(shard int) {
	if p.closed.Load() {
		return
	}
	sh := p.shards[shard]
	if !sh.pending.CompareAndSwap(0, 1) {
		return
	}
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	if _, err := unix.Write(sh.wakefd, buf[:]); err != nil && !errors.Is(err, unix.EAGAIN) {
		sh.pending.Store(0)
	}
}

// drainWakeup empties the eventfd, then clears pending. A wakeup that fails
// its CAS while the read is in progress is covered by the carrier re-checking
// its queue length on leaving the Polling state.
func (sh *pumpShard) drainWakeup() {
	sh.readWakeup()
	sh.pending.Store(0)
}

func (sh *pumpShard) readWakeup() {
	var buf [8]byte
	for {
		if _, err := unix.Read(sh.wakefd, buf[:]); err != nil {
			return
		}
	}
}

func (p *eventPump) close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	var errs []error
	for _, sh := range p.shards {
		errs = append(errs, unix.Close(sh.wakefd), unix.Close(sh.epfd))
	}
	return errors.Join(errs...)
}

// waitMillis converts a wait into an epoll timeout, rounding up.
func waitMillis(wait time.Duration) int {
	switch {
	case wait < 0:
		return -1
	case wait == 0:
		return 0
	}
	ms := (wait + time.Millisecond - 1) / time.Millisecond
	if ms > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(ms)
}
