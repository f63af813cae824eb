package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mscandco/distro-platform/backend/internal/models"
	"github.com/mscandco/distro-platform/backend/internal/store"
)

// Cleaner deletes finished jobs and recovers abandoned ones.
type Cleaner interface {
	CleanupOldJobs(ctx context.Context, olderThan time.Duration) (int64, error)
	ReclaimStaleJobs(ctx context.Context, olderThan time.Duration) (int64, error)
}

// SchedulerConfig controls the periodic jobs.
type SchedulerConfig struct {
	ExpireInterval  time.Duration
	CleanupInterval time.Duration
	// Retention is how long finished jobs are kept.
	Retention time.Duration
	// StaleAfter is how long a job may sit in processing before it is
	// treated as abandoned. Keep it above the worker's JobTimeout.
	StaleAfter time.Duration
}

// Scheduler enqueues periodic maintenance work.
type Scheduler struct {
	cfg     SchedulerConfig
	worker  *Worker
	cleaner Cleaner
	logger  *zap.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// NewScheduler builds a Scheduler. cleaner may be nil.
func NewScheduler(cfg SchedulerConfig, w *Worker, cleaner Cleaner, logger *zap.Logger) *Scheduler {
	if cfg.ExpireInterval <= 0 {
		cfg.ExpireInterval = 15 * time.Minute
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 24 * time.Hour
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 7 * 24 * time.Hour
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 5 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		cfg:     cfg,
		worker:  w,
		cleaner: cleaner,
		logger:  logger.Named("scheduler"),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start runs the schedule until ctx ends or Stop is called. Abandoned jobs
// are reclaimed and the expiry job is queued once immediately.
func (s *Scheduler) Start(ctx context.Context) {
	go func() {
		defer close(s.done)

		expire := time.NewTicker(s.cfg.ExpireInterval)
		defer expire.Stop()
		cleanup := time.NewTicker(s.cfg.CleanupInterval)
		defer cleanup.Stop()

		s.Reclaim(ctx)
		s.EnqueueExpiry(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-expire.C:
				s.Reclaim(ctx)
				s.EnqueueExpiry(ctx)
			case <-cleanup.C:
				s.Cleanup(ctx)
			}
		}
	}()
}

// Stop ends the schedule and waits for it, or for ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EnqueueExpiry queues an expire_cancellations run unless one is already
// pending.
func (s *Scheduler) EnqueueExpiry(ctx context.Context) {
	job := models.NewJob(models.JobExpireCancellations, models.JSONB{}, models.JobPriorityLow)
	key := models.JobExpireCancellations
	job.DedupeKey = &key

	err := s.worker.Enqueue(ctx, job)
	if err != nil && !errors.Is(err, store.ErrDuplicateJob) {
		s.logger.Warn("enqueue expiry failed", zap.Error(err))
	}
}

// Cleanup removes finished jobs past the retention window.
func (s *Scheduler) Cleanup(ctx context.Context) {
	if s.cleaner == nil {
		return
	}
	n, err := s.cleaner.CleanupOldJobs(ctx, s.cfg.Retention)
	if err != nil {
		s.logger.Warn("job cleanup failed", zap.Error(err))
		return
	}
	if n > 0 {
		s.logger.Info("cleaned up old jobs", zap.Int64("deleted", n))
	}
}

// Reclaim returns jobs stuck in processing past StaleAfter to the queue.
func (s *Scheduler) Reclaim(ctx context.Context) {
	if s.cleaner == nil {
		return
	}
	n, err := s.cleaner.ReclaimStaleJobs(ctx, s.cfg.StaleAfter)
	if err != nil {
		s.logger.Warn("reclaim stale jobs failed", zap.Error(err))
		return
	}
	if n > 0 {
		s.logger.Warn("reclaimed abandoned jobs", zap.Int64("count", n))
	}
}
