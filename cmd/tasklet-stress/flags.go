package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// resolveConfig loads --config, then applies any flags that were set.
func resolveConfig(cmd *cobra.Command) (config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return config{}, err
	}
	cfg, err := loadConfig(path)
	if err != nil {
		return cfg, err
	}

	flags := cmd.Flags()
	stringFlags := map[string]*string{
		"log-level":    &cfg.Runtime.LogLevel,
		"policy":       &cfg.Scheduler.Policy,
		"stall-policy": &cfg.Scheduler.StallPolicy,
	}
	for name, dst := range stringFlags {
		if flags.Lookup(name) == nil || !flags.Changed(name) {
			continue
		}
		if *dst, err = flags.GetString(name); err != nil {
			return cfg, err
		}
	}
	intFlags := map[string]*int{
		"carriers":   &cfg.Scheduler.Carriers,
		"yielders":   &cfg.Workload.Yielders,
		"sleepers":   &cfg.Workload.Sleepers,
		"ping-pongs": &cfg.Workload.PingPongs,
		"pipes":      &cfg.Workload.Pipes,
		"hogs":       &cfg.Workload.Hogs,
		"natives":    &cfg.Workload.Natives,
	}
	for name, dst := range intFlags {
		if flags.Lookup(name) == nil || !flags.Changed(name) {
			continue
		}
		if *dst, err = flags.GetInt(name); err != nil {
			return cfg, err
		}
	}
	if flags.Lookup("timeout") != nil && flags.Changed("timeout") {
		if cfg.Workload.Timeout.Duration, err = flags.GetDuration("timeout"); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}

// applyColor configures fatih/color from --color.
func applyColor(cmd *cobra.Command) error {
	mode, err := cmd.Flags().GetString("color")
	if err != nil {
		return err
	}
	switch mode {
	case "on":
		color.NoColor = false
	case "off":
		color.NoColor = true
	case "auto", "":
		color.NoColor = !term.IsTerminal(int(os.Stdout.Fd()))
	default:
		return fmt.Errorf("unknown color mode %q", mode)
	}
	return nil
}
