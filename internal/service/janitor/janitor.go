// Package janitor periodically removes expired sessions and refresh markers.
package janitor

import (
	"context"
	"time"

	"github.com/nkiryanov/campusauth/internal/logger"
)

const (
	defaultInterval  = 10 * time.Minute
	defaultRetention = 24 * time.Hour
)

type store interface {
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

type Config struct {
	// How often to sweep
	Interval time.Duration

	// Expired records are kept this long, so replays of old tokens are still recognised
	Retention time.Duration

	Now func() time.Time
}

type Janitor struct {
	interval  time.Duration
	retention time.Duration
	now       func() time.Time

	store  store
	logger logger.Logger
}

func New(cfg Config, s store, l logger.Logger) *Janitor {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.Retention <= 0 {
		cfg.Retention = defaultRetention
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Janitor{
		interval:  cfg.Interval,
		retention: cfg.Retention,
		now:       cfg.Now,
		store:     s,
		logger:    l,
	}
}

// Sweep deletes records expired before now minus retention
func (j *Janitor) Sweep(ctx context.Context) (int64, error) {
	before := j.now().Add(-j.retention)

	deleted, err := j.store.DeleteExpired(ctx, before)
	if err != nil {
		return 0, err
	}

	if deleted > 0 {
		j.logger.Info("Expired sessions deleted", "count", deleted, "before", before)
	}
	return deleted, nil
}

// Run sweeps every interval until ctx is done. The returned channel is closed when it stops.
func (j *Janitor) Run(ctx context.Context) <-chan struct{} {
	idleStopped := make(chan struct{})
	j.logger.Debug("Starting janitor", "interval", j.interval, "retention", j.retention)

	go func() {
		defer close(idleStopped)

		ticker := time.NewTicker(j.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				j.logger.Debug("Janitor stopped by context")
				return

			case <-ticker.C:
				if _, err := j.Sweep(ctx); err != nil {
					j.logger.Error("Failed to delete expired sessions", "error", err)
				}
			}
		}
	}()

	return idleStopped
}
