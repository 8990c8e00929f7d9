package janitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/loonghao/taskchain/internal/engine"
)

// Sweeper evicts finished run contexts older than maxAge and reports how
// many were removed. Satisfied by the manager.
type Sweeper interface {
	CleanupCompletedExecutions(maxAge time.Duration) int
}

// DefaultSchedule runs the sweep every ten minutes.
const DefaultSchedule = "*/10 * * * *"

// Config controls the sweep cadence and retention window.
type Config struct {
	Schedule string        // cron expression, or a descriptor like "@every 5m"
	MaxAge   time.Duration // how long finished runs stay queryable
}

// Janitor periodically evicts finished run contexts so long-lived processes
// do not accumulate them without bound.
type Janitor struct {
	sweeper  Sweeper
	schedule cron.Schedule
	maxAge   time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewJanitor creates a janitor. An empty schedule falls back to
// DefaultSchedule; a non-positive max age falls back to the engine default.
func NewJanitor(sweeper Sweeper, cfg Config, logger *slog.Logger) (*Janitor, error) {
	expr := cfg.Schedule
	if expr == "" {
		expr = DefaultSchedule
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	schedule, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse sweep schedule %q: %w", expr, err)
	}

	maxAge := cfg.MaxAge
	if maxAge <= 0 {
		maxAge = engine.DefaultRetention
	}

	return &Janitor{
		sweeper:  sweeper,
		schedule: schedule,
		maxAge:   maxAge,
		logger:   logger,
	}, nil
}

// Start launches the background sweep loop.
func (j *Janitor) Start(ctx context.Context) error {
	j.mu.Lock()
	if j.done != nil {
		j.mu.Unlock()
		return fmt.Errorf("janitor already started")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	j.cancel = cancel
	j.done = make(chan struct{})
	j.mu.Unlock()

	go j.loop(loopCtx)
	j.logger.Info("janitor started", "max_age", j.maxAge.String())
	return nil
}

func (j *Janitor) loop(ctx context.Context) {
	defer close(j.done)

	for {
		next := j.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			j.Sweep()
		}
	}
}

// Sweep runs one eviction pass immediately.
func (j *Janitor) Sweep() int {
	removed := j.sweeper.CleanupCompletedExecutions(j.maxAge)
	if removed > 0 {
		j.logger.Info("evicted finished runs", "removed", removed)
	}
	return removed
}

// NextRun returns the next scheduled sweep after the given time.
func (j *Janitor) NextRun(from time.Time) time.Time {
	return j.schedule.Next(from)
}

// Stop gracefully shuts down the sweep loop.
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
