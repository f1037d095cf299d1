//go:build !linux

package main

func (w *workload) startPipes() error {
	if w.cfg.Pipes > 0 {
		w.logger.Notice().Int("pipes", w.cfg.Pipes).Log("pipe workload requires linux, skipped")
	}
	return nil
}
