package cywtcp

import (
	"context"
	"log/slog"
	"time"
)

// Tick advances the stack clock by one tick and returns the new time.
func (s *Stack) Tick() uint32 { return s.now.Add(1) }

// Now returns the stack clock in ticks.
func (s *Stack) Now() uint32 { return s.now.Load() }

// Sweep closes every connection that received no valid segment for more
// than the configured timeout. It returns the number of connections closed.
// Sweep may be called concurrently with segment processing.
func (s *Stack) Sweep() int {
	now := s.Now()
	n := s.sockets.Sweep(now, s.timeout)
	if n > 0 {
		s.info("Sweep", slog.Int("closed", n), slog.Uint64("now", uint64(now)))
	}
	return n
}

// RunSweeper advances the stack clock and sweeps inactive connections every period
// until ctx is done. It returns the context's error.
func (s *Stack) RunSweeper(ctx context.Context, period time.Duration) error {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Tick()
			s.Sweep()
		}
	}
}
