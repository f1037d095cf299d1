// Package tasklet implements an M:N cooperative task runtime.
//
// A [Scheduler] multiplexes many lightweight [Task] values over a small,
// fixed (but growable) set of [Carrier] goroutines, each locked to its own
// OS thread. Tasks run until they voluntarily suspend, via [Task.Park],
// [Task.Yield] or [Task.WaitFD], at which point the carrier picks the next
// runnable task from its local queue, steals one from a peer, services due
// timers, or blocks waiting for a wakeup.
//
// # Suspension
//
// Every task is backed by a goroutine that only executes while its carrier
// has handed it the baton. Handing the baton back (a "switch") is the only
// way a task gives up its carrier, so a task that never suspends will hold
// its carrier indefinitely. The stall monitor (see [WithStallPolicy])
// detects such carriers, and either asks the task to yield at its next
// [Task.CheckPreempt] call, or retires the carrier and starts a replacement
// (hand-off) when the task is blocked inside a [Task.Native] section.
//
// # Park / Unpark
//
// [Task.Park] and [Task.Unpark] carry a single-permit semantic: an unpark
// that arrives before the matching park is not lost, it causes the next park
// to return immediately. Parks may return spuriously; callers are expected
// to re-check their condition in a loop.
//
// # I/O readiness
//
// On Linux, file descriptor readiness is multiplexed by a sharded epoll
// pump, driven by designated carriers whenever they would otherwise go idle.
// See [Task.WaitFD].
//
// # Scheduling policies
//
// Two dispatch policies are available, see [PolicyPull] and [PolicyPush].
// Both preserve the same observable semantics, they differ only in where
// newly runnable tasks are placed.
package tasklet
