package tasklet

import (
	"fmt"
)

func (s *Scheduler) logTaskPanic(t *Task, r any) {
	s.logger.Err().
		Uint64("task", t.id.Load()).
		Str("panic", fmt.Sprint(r)).
		Log("task panicked")
}

func (s *Scheduler) logPollError(c *Carrier, shard int, err error) {
	s.logger.Err().
		Limit().
		Int64("carrier", c.id).
		Int("shard", shard).
		Err(err).
		Log("event pump poll failed")
}
