// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package tasklet

import (
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/joeycumines/logiface"
)

// Policy selects how newly runnable tasks are placed onto carriers.
type Policy int

const (
	// PolicyPull places a task on the carrier it is bound to, and relies on
	// idle carriers stealing work from busy peers.
	PolicyPull Policy = iota
	// PolicyPush places a task directly onto an idle carrier, if one can be
	// found within a bounded number of probes. Carriers never steal.
	PolicyPush
)

// String returns a human-readable representation of the policy.
func (p Policy) String() string {
	switch p {
	case PolicyPull:
		return "pull"
	case PolicyPush:
		return "push"
	default:
		return fmt.Sprintf("Policy(%d)", int(p))
	}
}

// ParsePolicy is the inverse of [Policy.String].
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "pull", "":
		return PolicyPull, nil
	case "push":
		return PolicyPush, nil
	default:
		return 0, fmt.Errorf("tasklet: unknown policy %q", s)
	}
}

// schedulerOptions holds configuration options for Scheduler creation.
type schedulerOptions struct {
	logger          *logiface.Logger[logiface.Event]
	nativeDetector  NativeDetector
	clock           func() int64
	stallWarnRates  map[time.Duration]int
	carriers        int
	stealRetry      int
	pushRetry       int
	helpStealRetry  int
	stealHighWater  int
	pumpShards      int
	pollInterval    int
	runBudget       int
	taskCacheSize   int
	globalCacheSize int
	stallTick       time.Duration
	policy          Policy
	stallPolicy     StallPolicy
	autoGrow        bool
}

// Option configures a Scheduler instance.
type Option interface {
	applyScheduler(*schedulerOptions) error
}

// optionImpl implements Option.
type optionImpl struct {
	applySchedulerFunc func(*schedulerOptions) error
}

func (o *optionImpl) applyScheduler(opts *schedulerOptions) error {
	return o.applySchedulerFunc(opts)
}

// WithCarriers sets the initial number of carriers. Defaults to
// runtime.GOMAXPROCS(0).
func WithCarriers(n int) Option {
	return &optionImpl{func(opts *schedulerOptions) error {
		if n <= 0 {
			return fmt.Errorf("tasklet: carriers must be positive, got %d", n)
		}
		opts.carriers = n
		return nil
	}}
}

// WithPolicy sets the dispatch policy. Defaults to [PolicyPull].
func WithPolicy(p Policy) Option {
	return &optionImpl{func(opts *schedulerOptions) error {
		switch p {
		case PolicyPull, PolicyPush:
			opts.policy = p
			return nil
		default:
			return fmt.Errorf("tasklet: unknown policy %d", int(p))
		}
	}}
}

// WithStealRetry sets how many peers an idle carrier probes when looking for
// work to steal. Scaled proportionally by [Scheduler.Grow].
func WithStealRetry(n int) Option {
	return &optionImpl{func(opts *schedulerOptions) error {
		if n <= 0 {
			return fmt.Errorf("tasklet: steal retry must be positive, got %d", n)
		}
		opts.stealRetry = n
		return nil
	}}
}

// WithPushRetry sets how many carriers [PolicyPush] probes for an idle one.
func WithPushRetry(n int) Option {
	return &optionImpl{func(opts *schedulerOptions) error {
		if n <= 0 {
			return fmt.Errorf("tasklet: push retry must be positive, got %d", n)
		}
		opts.pushRetry = n
		return nil
	}}
}

// WithHelpStealRetry sets how many carriers [PolicyPull] probes for an idle
// one to nudge, when the target carrier is backed up.
func WithHelpStealRetry(n int) Option {
	return &optionImpl{func(opts *schedulerOptions) error {
		if n < 0 {
			return fmt.Errorf("tasklet: help steal retry must not be negative, got %d", n)
		}
		opts.helpStealRetry = n
		return nil
	}}
}

// WithStealHighWater sets the queue length at or above which a victim is
// stolen from immediately, and at or above which a pull dispatch nudges an
// idle carrier to help.
func WithStealHighWater(n int) Option {
	return &optionImpl{func(opts *schedulerOptions) error {
		if n <= 0 {
			return fmt.Errorf("tasklet: steal high water must be positive, got %d", n)
		}
		opts.stealHighWater = n
		return nil
	}}
}

// WithPumpShards sets the number of event pump shards. Each shard is driven
// by one designated carrier, so the value is capped at the carrier count.
func WithPumpShards(n int) Option {
	return &optionImpl{func(opts *schedulerOptions) error {
		if n <= 0 {
			return fmt.Errorf("tasklet: pump shards must be positive, got %d", n)
		}
		opts.pumpShards = n
		return nil
	}}
}

// WithPollInterval sets how many loop iterations a busy, pump-designated
// carrier runs between non-blocking readiness polls.
func WithPollInterval(n int) Option {
	return &optionImpl{func(opts *schedulerOptions) error {
		if n <= 0 {
			return fmt.Errorf("tasklet: poll interval must be positive, got %d", n)
		}
		opts.pollInterval = n
		return nil
	}}
}

// WithRunBudget caps the number of local tasks a carrier runs before it
// services timers and readiness again.
func WithRunBudget(n int) Option {
	return &optionImpl{func(opts *schedulerOptions) error {
		if n <= 0 {
			return fmt.Errorf("tasklet: run budget must be positive, got %d", n)
		}
		opts.runBudget = n
		return nil
	}}
}

// WithStallTick sets the stall monitor sampling interval. Defaults to 100ms.
func WithStallTick(d time.Duration) Option {
	return &optionImpl{func(opts *schedulerOptions) error {
		if d <= 0 {
			return fmt.Errorf("tasklet: stall tick must be positive, got %s", d)
		}
		opts.stallTick = d
		return nil
	}}
}

// WithStallPolicy sets the stall monitor policy. Defaults to [StallAdaptive].
func WithStallPolicy(p StallPolicy) Option {
	return &optionImpl{func(opts *schedulerOptions) error {
		if p < StallNone || p > StallAdaptive {
			return fmt.Errorf("tasklet: unknown stall policy %d", int(p))
		}
		opts.stallPolicy = p
		return nil
	}}
}

// WithStallWarnRates configures the rate limits applied to stall warnings,
// per carrier. See catrate.NewLimiter for the format.
func WithStallWarnRates(rates map[time.Duration]int) Option {
	return &optionImpl{func(opts *schedulerOptions) error {
		opts.stallWarnRates = rates
		return nil
	}}
}

// WithNativeDetector overrides how the stall monitor decides a stalled task
// is blocked outside cooperative code. Defaults to [TaskNativeDetector].
func WithNativeDetector(d NativeDetector) Option {
	return &optionImpl{func(opts *schedulerOptions) error {
		if d == nil {
			return errors.New("tasklet: nil native detector")
		}
		opts.nativeDetector = d
		return nil
	}}
}

// WithLogger sets the structured logger. A nil logger disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &optionImpl{func(opts *schedulerOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithTaskCacheSize bounds the per-carrier cache of reusable tasks. The
// shared overflow cache is bounded to n times the carrier count. Zero
// disables reuse.
func WithTaskCacheSize(n int) Option {
	return &optionImpl{func(opts *schedulerOptions) error {
		if n < 0 {
			return fmt.Errorf("tasklet: task cache size must not be negative, got %d", n)
		}
		opts.taskCacheSize = n
		return nil
	}}
}

// WithAutoGrow makes the stall monitor add carriers when GOMAXPROCS
// increases at runtime.
func WithAutoGrow(enabled bool) Option {
	return &optionImpl{func(opts *schedulerOptions) error {
		opts.autoGrow = enabled
		return nil
	}}
}

// WithClock overrides the monotonic nanosecond clock used for timers.
func WithClock(clock func() int64) Option {
	return &optionImpl{func(opts *schedulerOptions) error {
		if clock == nil {
			return errors.New("tasklet: nil clock")
		}
		opts.clock = clock
		return nil
	}}
}

// resolveOptions applies Option instances to schedulerOptions, then fills
// in defaults that depend on other values.
func resolveOptions(opts []Option) (*schedulerOptions, error) {
	cfg := &schedulerOptions{
		carriers:       runtime.GOMAXPROCS(0),
		stealHighWater: 4,
		pollInterval:   64,
		runBudget:      64,
		taskCacheSize:  64,
		stallTick:      100 * time.Millisecond,
		stallPolicy:    StallAdaptive,
		helpStealRetry: -1,
		nativeDetector: TaskNativeDetector{},
		clock:          nanotime,
		stallWarnRates: map[time.Duration]int{
			time.Second: 1,
			time.Minute: 10,
		},
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyScheduler(cfg); err != nil {
			return nil, err
		}
	}
	if cfg.stealRetry == 0 {
		cfg.stealRetry = max(2, cfg.carriers/2)
	}
	if cfg.pushRetry == 0 {
		cfg.pushRetry = max(2, cfg.carriers/2)
	}
	if cfg.helpStealRetry < 0 {
		cfg.helpStealRetry = max(1, cfg.carriers/4)
	}
	if cfg.pumpShards == 0 {
		cfg.pumpShards = max(1, cfg.carriers/4)
	}
	cfg.pumpShards = min(cfg.pumpShards, cfg.carriers)
	cfg.globalCacheSize = cfg.taskCacheSize * cfg.carriers
	return cfg, nil
}
