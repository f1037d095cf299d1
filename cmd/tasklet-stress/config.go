package main

import (
	"fmt"
	"io"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joeycumines/go-tasklet"
)

// config is the TOML document accepted by --config.
type config struct {
	Scheduler schedulerConfig `toml:"scheduler"`
	Workload  workloadConfig  `toml:"workload"`
	Runtime   runtimeConfig   `toml:"runtime"`
}

type schedulerConfig struct {
	Policy         string   `toml:"policy"`
	StallPolicy    string   `toml:"stall_policy"`
	StallTick      duration `toml:"stall_tick"`
	Carriers       int      `toml:"carriers"`
	PumpShards     int      `toml:"pump_shards"`
	StealHighWater int      `toml:"steal_high_water"`
	TaskCacheSize  int      `toml:"task_cache_size"`
	AutoGrow       bool     `toml:"auto_grow"`
}

type workloadConfig struct {
	Timeout     duration `toml:"timeout"`
	MaxSleep    duration `toml:"max_sleep"`
	NativeBlock duration `toml:"native_block"`
	Yielders    int      `toml:"yielders"`
	Yields      int      `toml:"yields"`
	Sleepers    int      `toml:"sleepers"`
	Sleeps      int      `toml:"sleeps"`
	PingPongs   int      `toml:"ping_pongs"`
	Exchanges   int      `toml:"exchanges"`
	Pipes       int      `toml:"pipes"`
	Messages    int      `toml:"messages"`
	Hogs        int      `toml:"hogs"`
	HogSpins    int      `toml:"hog_spins"`
	Natives     int      `toml:"natives"`
}

type runtimeConfig struct {
	LogLevel      string  `toml:"log_level"`
	MemLimitRatio float64 `toml:"mem_limit_ratio"`
	MaxProcs      bool    `toml:"max_procs"`
}

// duration is a time.Duration encoded as a TOML string, e.g. "100ms".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func defaultConfig() config {
	return config{
		Scheduler: schedulerConfig{
			Policy:         tasklet.PolicyPull.String(),
			StallPolicy:    tasklet.StallAdaptive.String(),
			StallTick:      duration{100 * time.Millisecond},
			StealHighWater: 4,
			TaskCacheSize:  64,
		},
		Workload: workloadConfig{
			Timeout:     duration{time.Minute},
			MaxSleep:    duration{5 * time.Millisecond},
			NativeBlock: duration{250 * time.Millisecond},
			Yielders:    256,
			Yields:      100,
			Sleepers:    256,
			Sleeps:      10,
			PingPongs:   16,
			Exchanges:   1000,
			Pipes:       8,
			Messages:    100,
			Hogs:        2,
			HogSpins:    50_000_000,
			Natives:     1,
		},
		Runtime: runtimeConfig{
			LogLevel:      "info",
			MemLimitRatio: 0.9,
			MaxProcs:      true,
		},
	}
}

// loadConfig decodes path over the defaults, rejecting unknown keys.
func loadConfig(path string) (config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return cfg, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return cfg, fmt.Errorf("unknown keys in %s: %v", path, undecoded)
	}
	return cfg, nil
}

func writeConfig(w io.Writer, cfg config) error {
	return toml.NewEncoder(w).Encode(cfg)
}

// options maps the scheduler section onto tasklet options.
func (x schedulerConfig) options() ([]tasklet.Option, error) {
	policy, err := tasklet.ParsePolicy(x.Policy)
	if err != nil {
		return nil, err
	}
	stallPolicy, err := tasklet.ParseStallPolicy(x.StallPolicy)
	if err != nil {
		return nil, err
	}
	opts := []tasklet.Option{
		tasklet.WithPolicy(policy),
		tasklet.WithStallPolicy(stallPolicy),
		tasklet.WithTaskCacheSize(x.TaskCacheSize),
		tasklet.WithAutoGrow(x.AutoGrow),
	}
	if x.Carriers > 0 {
		opts = append(opts, tasklet.WithCarriers(x.Carriers))
	}
	if x.PumpShards > 0 {
		opts = append(opts, tasklet.WithPumpShards(x.PumpShards))
	}
	if x.StealHighWater > 0 {
		opts = append(opts, tasklet.WithStealHighWater(x.StealHighWater))
	}
	if x.StallTick.Duration > 0 {
		opts = append(opts, tasklet.WithStallTick(x.StallTick.Duration))
	}
	return opts, nil
}
