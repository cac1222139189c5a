// Package janitor periodically purges expired result-cache entries. The
// store never sweeps on its own; this is the caller that does.
package janitor

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper removes expired cache entries and reports how many it removed.
type Sweeper interface {
	SweepExpired(ctx context.Context) (int, error)
}

// Janitor runs a sweep at startup and then on every tick.
type Janitor struct {
	sweeper  Sweeper
	interval time.Duration
	logger   *slog.Logger
}

// New creates a Janitor. If interval is <= 0, it defaults to one hour.
func New(sweeper Sweeper, interval time.Duration) *Janitor {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Janitor{sweeper: sweeper, interval: interval, logger: slog.Default()}
}

// Run sweeps until ctx is cancelled. Sweep failures are logged, not fatal.
func (j *Janitor) Run(ctx context.Context) {
	j.sweep(ctx)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.sweep(ctx)
		}
	}
}

func (j *Janitor) sweep(ctx context.Context) {
	n, err := j.sweeper.SweepExpired(ctx)
	if err != nil {
		if ctx.Err() == nil {
			j.logger.Error("cache sweep failed", "error", err)
		}
		return
	}
	if n > 0 {
		j.logger.Info("swept expired cache entries", "count", n)
	} else {
		j.logger.Debug("cache sweep found nothing to remove")
	}
}
