package main

import (
	"fmt"
	"io"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

func parseLevel(s string) (logiface.Level, error) {
	switch s {
	case "trace":
		return logiface.LevelTrace, nil
	case "debug":
		return logiface.LevelDebug, nil
	case "info", "":
		return logiface.LevelInformational, nil
	case "notice":
		return logiface.LevelNotice, nil
	case "warning", "warn":
		return logiface.LevelWarning, nil
	case "err", "error":
		return logiface.LevelError, nil
	case "off", "disabled":
		return logiface.LevelDisabled, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", s)
	}
}

// newLogger builds the JSON lines logger, with caller category rate limits
// applied to messages that opt in via Limit.
func newLogger(w io.Writer, level string) (*logiface.Logger[logiface.Event], error) {
	lvl, err := parseLevel(level)
	if err != nil {
		return nil, err
	}
	return stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(w)),
		stumpy.L.WithLevel(lvl),
		stumpy.L.WithCategoryRateLimits(map[time.Duration]int{
			time.Second: 5,
			time.Minute: 60,
		}),
	).Logger(), nil
}
