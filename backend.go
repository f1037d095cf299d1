package tasklet

import (
	"context"
)

// Backend is the capability set consumed by socket and channel layers built
// on the runtime. Suspension (Park, timers, readiness) is reached through the
// *Task passed to each body.
type Backend interface {
	Dispatch(body func(*Task)) (TaskHandle, error)
	QueueLength() int
	RunningTaskCount() int
	Shutdown(ctx context.Context) error
}

var _ Backend = (*Scheduler)(nil)
