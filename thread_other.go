//go:build !linux

package tasklet

func threadID() int { return 0 }
