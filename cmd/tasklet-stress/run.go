package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/joeycumines/go-tasklet"
	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the configured workload and report scheduler counters",
		Args:  cobra.NoArgs,
		RunE:  runStress,
	}
	addWorkloadFlags(cmd)
	return cmd
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as TOML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			return writeConfig(cmd.OutOrStdout(), cfg)
		},
	}
	addWorkloadFlags(cmd)
	return cmd
}

func addWorkloadFlags(cmd *cobra.Command) {
	defaults := defaultConfig()
	f := cmd.Flags()
	f.Int("carriers", defaults.Scheduler.Carriers, "number of carriers (0 uses GOMAXPROCS)")
	f.String("policy", defaults.Scheduler.Policy, "dispatch policy (pull|push)")
	f.String("stall-policy", defaults.Scheduler.StallPolicy, "stall policy (none|handoff|preempt|adaptive)")
	f.Int("yielders", defaults.Workload.Yielders, "tasks that repeatedly yield")
	f.Int("sleepers", defaults.Workload.Sleepers, "tasks that repeatedly park with a timeout")
	f.Int("ping-pongs", defaults.Workload.PingPongs, "pairs of tasks that unpark each other")
	f.Int("pipes", defaults.Workload.Pipes, "pipe reader/writer pairs driven by the event pump")
	f.Int("hogs", defaults.Workload.Hogs, "CPU bound tasks that only yield when preempted")
	f.Int("natives", defaults.Workload.Natives, "tasks that block inside a native section")
	f.Duration("timeout", defaults.Workload.Timeout.Duration, "overall deadline")
}

func runStress(cmd *cobra.Command, _ []string) error {
	if err := applyColor(cmd); err != nil {
		return err
	}
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := newLogger(cmd.ErrOrStderr(), cfg.Runtime.LogLevel)
	if err != nil {
		return err
	}
	defer tuneRuntime(logger, cfg.Runtime)()

	opts, err := cfg.Scheduler.options()
	if err != nil {
		return err
	}
	s, err := tasklet.New(append(opts, tasklet.WithLogger(logger))...)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Workload.Timeout.Duration)
	defer cancel()

	w := newWorkload(s, cfg.Workload, logger)
	start := time.Now()
	runErr := w.start()
	if runErr == nil {
		runErr = w.wait(ctx)
	}
	elapsed := time.Since(start)

	if runErr != nil {
		_ = s.Close()
	} else if err := s.Shutdown(ctx); err != nil {
		runErr = fmt.Errorf("shutdown: %w", err)
	}

	printReport(cmd.OutOrStdout(), s.Stats(), w, elapsed)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}

var (
	reportHeading = color.New(color.FgCyan, color.Bold)
	reportLabel   = color.New(color.FgWhite)
	reportValue   = color.New(color.FgGreen, color.Bold)
	reportWarn    = color.New(color.FgYellow, color.Bold)
)

func printReport(out io.Writer, st tasklet.Stats, w *workload, elapsed time.Duration) {
	_, _ = reportHeading.Fprintf(out, "tasklet-stress completed in %s\n", elapsed.Round(time.Millisecond))
	row := func(label string, v any, warn bool) {
		_, _ = reportLabel.Fprint(out, "  ", runewidth.FillRight(label, 12), " ")
		c := reportValue
		if warn {
			c = reportWarn
		}
		_, _ = c.Fprintf(out, "%v\n", v)
	}
	row("carriers", st.Carriers, false)
	row("created", st.Created, false)
	row("completed", st.Completed, st.Completed != st.Created)
	row("stolen", st.Stolen, false)
	row("parks", st.Parks, false)
	row("wakeups", st.Wakeups, false)
	row("yields", st.Yields, false)
	row("preempts", st.Preempts, false)
	row("handoffs", st.HandOffs, st.HandOffs != 0)
	row("sleeps", w.counts.sleeps.Load(), false)
	row("exchanges", w.counts.exchanges.Load(), false)
	row("messages", w.counts.messages.Load(), false)
	row("preempted", w.counts.preempted.Load(), false)
	row("natives", w.counts.natives.Load(), false)
}
