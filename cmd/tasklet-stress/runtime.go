package main

import (
	"fmt"

	"github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/joeycumines/logiface"
	"go.uber.org/automaxprocs/maxprocs"
)

// tuneRuntime aligns GOMAXPROCS and GOMEMLIMIT with the container limits,
// returning a func that restores GOMAXPROCS.
func tuneRuntime(logger *logiface.Logger[logiface.Event], cfg runtimeConfig) func() {
	undo := func() {}
	if cfg.MaxProcs {
		u, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...any) {
			logger.Debug().Log(fmt.Sprintf(format, args...))
		}))
		if err != nil {
			logger.Warning().Err(err).Log("failed to set GOMAXPROCS")
		} else {
			undo = u
		}
	}
	if cfg.MemLimitRatio > 0 {
		limit, err := memlimit.SetGoMemLimitWithOpts(memlimit.WithRatio(cfg.MemLimitRatio))
		if err != nil {
			logger.Debug().Err(err).Log("GOMEMLIMIT not set")
		} else {
			logger.Debug().Int64("limit", limit).Log("GOMEMLIMIT set")
		}
	}
	return undo
}
