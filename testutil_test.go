package tasklet

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
	"github.com/stretchr/testify/require"
)

// syncBuffer collects log lines written concurrently by carriers.
type syncBuffer struct {
	buf bytes.Buffer
	mu  sync.Mutex
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *syncBuffer) contains(s string) bool { return strings.Contains(b.String(), s) }

func newTestLogger(w *syncBuffer) *logiface.Logger[logiface.Event] {
	return stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(w)),
		stumpy.L.WithLevel(logiface.LevelDebug),
	).Logger()
}

// newTestScheduler starts a scheduler that is closed, and awaited, when the
// test finishes. Any options given override the test defaults.
func newTestScheduler(t *testing.T, opts ...Option) (*Scheduler, *syncBuffer) {
	t.Helper()
	logs := new(syncBuffer)
	s, err := New(append([]Option{
		WithLogger(newTestLogger(logs)),
		WithStallTick(10 * time.Millisecond),
	}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Close()
		select {
		case <-s.Done():
		case <-time.After(10 * time.Second):
			t.Errorf("scheduler did not terminate\n%s", logs.String())
		}
	})
	return s, logs
}

func waitAll(t *testing.T, handles ...TaskHandle) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, h := range handles {
		require.NoError(t, h.Wait(ctx), "task %d", h.ID())
	}
}

// run executes fn as a task, waiting for it to complete.
func run(t *testing.T, s *Scheduler, fn func(*Task)) {
	t.Helper()
	h, err := s.Dispatch(fn)
	require.NoError(t, err)
	waitAll(t, h)
}
