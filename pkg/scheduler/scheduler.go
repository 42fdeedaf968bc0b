// Package scheduler runs the periodic background jobs: the dataset refresh
// and the channel session heartbeat.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/akikaku/akikaku-engine/pkg/config"
	"github.com/akikaku/akikaku-engine/pkg/dataset"
)

// RefreshLockKey is the Redis key that serializes dataset refreshes across instances.
const RefreshLockKey = "akikaku:lock:dataset-refresh"

// Refresher reloads the property dataset. *dataset.Store implements it.
type Refresher interface {
	Refresh(ctx context.Context) (*dataset.Snapshot, error)
}

// Heartbeater probes channel sessions. *session.Manager implements it.
type Heartbeater interface {
	Heartbeat(ctx context.Context) error
}

// Scheduler owns the cron instance and the jobs registered on it.
type Scheduler struct {
	cron      *cron.Cron
	refresher Refresher
	heartbeat Heartbeater
	locker    *redislock.Client // nil when Redis is disabled
	lockTTL   time.Duration
	logger    *zap.Logger

	// ctx is cancelled by Stop so that a running job winds down.
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	lastRuns map[string]RunInfo
}

// RunInfo describes the last execution of a job.
type RunInfo struct {
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`
	Skipped   bool          `json:"skipped,omitempty"`
}

// New creates a scheduler. locker may be nil, in which case every instance
// refreshes on its own.
func New(cfg config.SchedulerConfig, refresher Refresher, heartbeat Heartbeater, locker *redislock.Client, logger *zap.Logger) (*Scheduler, error) {
	logger = logger.Named("scheduler")
	ctx, cancel := context.WithCancel(context.Background())

	s := &Scheduler{
		cron:      cron.New(cron.WithLocation(cfg.Location()), cron.WithLogger(cronLogger{logger})),
		refresher: refresher,
		heartbeat: heartbeat,
		locker:    locker,
		lockTTL:   cfg.LockTTL,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		lastRuns:  make(map[string]RunInfo),
	}
	if s.lockTTL <= 0 {
		s.lockTTL = 35 * time.Minute
	}

	if _, err := s.cron.AddFunc(cfg.RefreshSpec, s.job("dataset-refresh", s.RefreshDataset)); err != nil {
		cancel()
		return nil, fmt.Errorf("refresh spec %q: %w", cfg.RefreshSpec, err)
	}
	if _, err := s.cron.AddFunc(cfg.HeartbeatSpec, s.job("session-heartbeat", s.heartbeat.Heartbeat)); err != nil {
		cancel()
		return nil, fmt.Errorf("heartbeat spec %q: %w", cfg.HeartbeatSpec, err)
	}
	return s, nil
}

// Start loads the dataset once and then starts the cron loop. A failed initial
// load is logged; the next scheduled refresh retries it.
func (s *Scheduler) Start() {
	s.job("dataset-refresh", s.RefreshDataset)()
	s.cron.Start()
	s.logger.Info("Scheduler started", zap.Int("jobs", len(s.cron.Entries())))
}

// Stop stops the cron loop and waits for running jobs, bounded by ctx.
func (s *Scheduler) Stop(ctx context.Context) {
	s.cancel()
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.logger.Info("Scheduler stopped")
	case <-ctx.Done():
		s.logger.Warn("Scheduler stop timed out with jobs still running")
	}
}

// LastRuns returns the last execution info per job name.
func (s *Scheduler) LastRuns() map[string]RunInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]RunInfo, len(s.lastRuns))
	for k, v := range s.lastRuns {
		out[k] = v
	}
	return out
}

// errSkipped reports that another instance holds the refresh lock.
var errSkipped = errors.New("refresh lock held elsewhere")

// RefreshDataset reloads the dataset. With Redis configured, only the instance
// holding the lock refreshes.
func (s *Scheduler) RefreshDataset(ctx context.Context) error {
	if s.locker != nil {
		lock, err := s.locker.Obtain(ctx, RefreshLockKey, s.lockTTL, nil)
		if errors.Is(err, redislock.ErrNotObtained) {
			return errSkipped
		}
		if err != nil {
			// Redis trouble must not stop the refresh; worst case two instances crawl.
			s.logger.Warn("Could not obtain refresh lock, refreshing anyway", zap.Error(err))
		} else {
			defer func() {
				relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
				defer cancel()
				if err := lock.Release(relCtx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
					s.logger.Warn("Failed to release refresh lock", zap.Error(err))
				}
			}()
		}
	}

	_, err := s.refresher.Refresh(ctx)
	return err
}

// job wraps fn with panic recovery, logging and run bookkeeping so that one
// bad run never stops the schedule.
func (s *Scheduler) job(name string, fn func(ctx context.Context) error) func() {
	return func() {
		start := time.Now()
		info := RunInfo{StartedAt: start}
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("Job panicked",
					zap.String("job", name),
					zap.Any("panic", r),
					zap.String("stack", string(debug.Stack())))
				info.Error = fmt.Sprintf("panic: %v", r)
			}
			info.Duration = time.Since(start)
			s.mu.Lock()
			s.lastRuns[name] = info
			s.mu.Unlock()
		}()

		err := fn(s.ctx)
		switch {
		case errors.Is(err, errSkipped):
			info.Skipped = true
			s.logger.Debug("Job skipped", zap.String("job", name))
		case err != nil:
			info.Error = err.Error()
			s.logger.Error("Job failed", zap.String("job", name), zap.Error(err))
		default:
			s.logger.Debug("Job finished", zap.String("job", name), zap.Duration("elapsed", time.Since(start)))
		}
	}
}

// cronLogger routes robfig/cron's own messages into zap.
type cronLogger struct {
	logger *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, zap.Any("details", keysAndValues))
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, zap.Error(err), zap.Any("details", keysAndValues))
}
