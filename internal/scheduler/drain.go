package scheduler

import (
	"context"
	"time"
)

// Drain polls every poll until nothing is queued, running or detached, and
// logs queue depth per band every report. It returns ctx.Err() if ctx ends
// first. Already queued work is not affected by a cancelled ctx.
func (s *Scheduler) Drain(ctx context.Context, poll, report time.Duration) error {
	if poll <= 0 {
		poll = time.Second
	}

	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	lastReport := time.Now()
	for {
		if s.Idle() {
			return nil
		}

		if report > 0 && time.Since(lastReport) >= report {
			s.LogDepth()
			lastReport = time.Now()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// LogDepth writes one log line with the queued count of every band
func (s *Scheduler) LogDepth() {
	stats := s.Stats()
	attrs := []any{"size", stats.Size, "in_flight", stats.InFlight, "detached", stats.Detached}
	for _, k := range Kinds() {
		attrs = append(attrs, k.String(), stats.ByKind[k.String()])
	}
	s.logger.Info("Queue depth", attrs...)
}
