// Package janitor runs the session retention sweep. Terminal sessions older
// than the retention window are purged from the store on a cron schedule.
package janitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/triagekit/triagekit/internal/statestore"
)

// Janitor periodically purges expired terminal sessions.
type Janitor struct {
	store    statestore.Store
	schedule cron.Schedule
	maxAge   time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	nextRun time.Time

	sweepMu  sync.Mutex
	sweeping bool
}

// New creates a janitor. cronExpr is a standard five-field cron expression;
// maxAge is the retention window measured against a session's last update.
func New(store statestore.Store, cronExpr string, maxAge time.Duration, logger *slog.Logger) (*Janitor, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(cronExpr)
	if err != nil {
		return nil, fmt.Errorf("parse retention cron expression %q: %w", cronExpr, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{
		store:    store,
		schedule: schedule,
		maxAge:   maxAge,
		logger:   logger,
	}, nil
}

// Start launches the background sweep loop with a 60s ticker.
func (j *Janitor) Start(ctx context.Context) error {
	j.mu.Lock()
	if j.done != nil {
		j.mu.Unlock()
		return fmt.Errorf("janitor already started")
	}

	sweepCtx, cancel := context.WithCancel(ctx)
	j.cancel = cancel
	j.done = make(chan struct{})
	j.nextRun = j.schedule.Next(time.Now().UTC())
	j.mu.Unlock()

	go j.loop(sweepCtx)
	j.logger.Info("janitor started",
		slog.Time("next_sweep", j.nextRun),
		slog.Duration("retention", j.maxAge),
	)
	return nil
}

func (j *Janitor) loop(ctx context.Context) {
	defer close(j.done)

	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.tick(ctx)
		}
	}
}

// tick runs a sweep when the schedule is due. Overlapping sweeps are
// deduplicated.
func (j *Janitor) tick(ctx context.Context) {
	now := time.Now().UTC()

	j.mu.Lock()
	due := !now.Before(j.nextRun)
	if due {
		j.nextRun = j.schedule.Next(now)
	}
	j.mu.Unlock()
	if !due {
		return
	}

	if !j.tryAcquire() {
		return
	}
	defer j.release()

	purged, err := j.Sweep(ctx)
	if err != nil {
		j.logger.Error("retention sweep failed", slog.String("error", err.Error()))
		return
	}
	if purged > 0 {
		j.logger.Info("retention sweep purged sessions", slog.Int("count", purged))
	}
}

// Sweep purges all terminal sessions whose last update is older than the
// retention window. Returns the number of sessions purged.
func (j *Janitor) Sweep(ctx context.Context) (int, error) {
	sessions, err := j.store.ListSessions(ctx)
	if err != nil {
		return 0, fmt.Errorf("list sessions: %w", err)
	}

	cutoff := time.Now().UTC().Add(-j.maxAge)
	purged := 0
	for _, info := range sessions {
		if !info.Completed || info.UpdatedAt.After(cutoff) {
			continue
		}
		if err := j.store.Purge(ctx, info.SessionID); err != nil {
			j.logger.Error("failed to purge session",
				slog.String("session_id", info.SessionID),
				slog.String("error", err.Error()),
			)
			continue
		}
		purged++
	}
	return purged, nil
}

func (j *Janitor) tryAcquire() bool {
	j.sweepMu.Lock()
	defer j.sweepMu.Unlock()
	if j.sweeping {
		return false
	}
	j.sweeping = true
	return true
}

func (j *Janitor) release() {
	j.sweepMu.Lock()
	j.sweeping = false
	j.sweepMu.Unlock()
}

// Stop gracefully shuts down the janitor.
func (j *Janitor) Stop() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.cancel == nil {
		return nil
	}
	j.cancel()
	<-j.done
	j.cancel = nil
	j.done = nil

	j.logger.Info("janitor stopped")
	return nil
}
