//go:build linux

package main

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/joeycumines/go-tasklet"
	"golang.org/x/sys/unix"
)

const pipeIOTimeout = 5 * time.Second

// startPipes dispatches a writer and a reader per pipe, both driven by the
// event pump.
func (w *workload) startPipes() error {
	for range w.cfg.Pipes {
		var fds [2]int
		if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
			return fmt.Errorf("pipe: %w", err)
		}
		r, wr := fds[0], fds[1]
		if err := w.dispatch(func(t *tasklet.Task) { w.pipeWriter(t, wr) }); err != nil {
			_ = unix.Close(r)
			_ = unix.Close(wr)
			return err
		}
		if err := w.dispatch(func(t *tasklet.Task) { w.pipeReader(t, r) }); err != nil {
			_ = unix.Close(r)
			return err
		}
	}
	return nil
}

func (w *workload) pipeWriter(t *tasklet.Task, fd int) {
	defer unix.Close(fd)
	var buf [8]byte
	for i := range w.cfg.Messages {
		binary.LittleEndian.PutUint64(buf[:], uint64(i))
		for {
			_, err := unix.Write(fd, buf[:])
			if err == nil {
				break
			}
			if !errors.Is(err, unix.EAGAIN) {
				panic(err)
			}
			if ready, err := t.WaitFD(fd, tasklet.InterestWrite, pipeIOTimeout); err != nil {
				panic(err)
			} else if ready == 0 {
				panic(fmt.Errorf("pipe %d: write timed out", fd))
			}
		}
	}
}

func (w *workload) pipeReader(t *tasklet.Task, fd int) {
	defer unix.Close(fd)
	var buf [8]byte
	for i := 0; i < w.cfg.Messages; {
		n, err := unix.Read(fd, buf[:])
		switch {
		case err == nil && n == 0:
			panic(fmt.Errorf("pipe %d: closed after %d messages", fd, i))
		case err == nil:
			// writes of 8 bytes are atomic on a pipe
			if got := binary.LittleEndian.Uint64(buf[:]); got != uint64(i) {
				panic(fmt.Errorf("pipe %d: got message %d, want %d", fd, got, i))
			}
			i++
			w.counts.messages.Add(1)
		case errors.Is(err, unix.EAGAIN):
			if ready, err := t.WaitFD(fd, tasklet.InterestRead, pipeIOTimeout); err != nil {
				panic(err)
			} else if ready == 0 {
				panic(fmt.Errorf("pipe %d: read timed out", fd))
			}
		default:
			panic(err)
		}
	}
}
