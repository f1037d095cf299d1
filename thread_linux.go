//go:build linux

package tasklet

import (
	"golang.org/x/sys/unix"
)

func threadID() int { return unix.Gettid() }
