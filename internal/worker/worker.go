// Package worker runs the Postgres-backed job queue: a pool of processors
// with retries, instrumentation hooks and graceful shutdown.
package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mscandco/distro-platform/backend/internal/models"
)

// ErrPermanent marks a job failure that retrying cannot fix.
var ErrPermanent = errors.New("permanent job failure")

// bookkeepingTimeout bounds the queue writes that record a job's outcome.
const bookkeepingTimeout = 10 * time.Second

// Queue is the job storage the worker drives.
type Queue interface {
	Enqueue(ctx context.Context, job *models.Job) error
	GetByID(ctx context.Context, id int64) (*models.Job, error)
	ClaimNextJob(ctx context.Context, workerID string) (*models.Job, error)
	MarkCompleted(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, errorMsg string) error
	ScheduleRetry(ctx context.Context, id int64, errorMsg string, retryAfter time.Time) error
	CancelJob(ctx context.Context, id int64) error
	ReleaseJob(ctx context.Context, id int64) error
	GetStats(ctx context.Context) (*models.JobStats, error)
}

// Handler processes one job.
type Handler func(ctx context.Context, job *models.Job) error

// Handlers maps job types to their handlers.
type Handlers map[string]Handler

// Instrumentation provides hooks for monitoring the job lifecycle.
type Instrumentation struct {
	OnEnqueue   func(job *models.Job)
	OnStart     func(job *models.Job)
	OnComplete  func(job *models.Job, duration time.Duration)
	OnFail      func(job *models.Job, err error, duration time.Duration)
	OnRetry     func(job *models.Job, retryAfter time.Duration)
	OnCancel    func(job *models.Job)
	OnHeartbeat func(workerID string, stats Stats)
}

// Stats holds worker counters.
type Stats struct {
	JobsProcessed   int64
	JobsSucceeded   int64
	JobsFailed      int64
	JobsRetried     int64
	ActiveWorkers   int
	LastProcessedAt time.Time
}

// Config holds worker configuration.
type Config struct {
	// MaxConcurrent is the number of processor goroutines.
	MaxConcurrent int
	// PollInterval is the wait between polls of an empty queue.
	PollInterval time.Duration
	// RetryBaseDelay is the first retry delay; later ones grow by
	// RetryBackoffMultiplier up to RetryMaxDelay.
	RetryBaseDelay         time.Duration
	RetryMaxDelay          time.Duration
	RetryBackoffMultiplier float64
	// JobTimeout bounds a single handler run.
	JobTimeout time.Duration
	// ShutdownTimeout bounds Stop.
	ShutdownTimeout   time.Duration
	HeartbeatInterval time.Duration
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:          2,
		PollInterval:           time.Second,
		RetryBaseDelay:         5 * time.Second,
		RetryMaxDelay:          5 * time.Minute,
		RetryBackoffMultiplier: 2.0,
		JobTimeout:             time.Minute,
		ShutdownTimeout:        30 * time.Second,
		HeartbeatInterval:      30 * time.Second,
	}
}

// Worker is the job queue processor.
type Worker struct {
	config          Config
	queue           Queue
	handlers        Handlers
	instrumentation *Instrumentation
	logger          *zap.Logger

	workerID string
	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopped  bool
	mu       sync.RWMutex

	// activeJobs tracks running jobs so Stop can interrupt them.
	activeJobs map[int64]context.CancelFunc

	statsMu         sync.RWMutex
	jobsProcessed   int64
	jobsSucceeded   int64
	jobsFailed      int64
	jobsRetried     int64
	lastProcessedAt time.Time
}

// New creates a Worker. Zero config fields take their defaults.
func New(config Config, queue Queue, logger *zap.Logger) *Worker {
	def := DefaultConfig()
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = def.MaxConcurrent
	}
	if config.PollInterval <= 0 {
		config.PollInterval = def.PollInterval
	}
	if config.RetryBaseDelay <= 0 {
		config.RetryBaseDelay = def.RetryBaseDelay
	}
	if config.RetryMaxDelay <= 0 {
		config.RetryMaxDelay = def.RetryMaxDelay
	}
	if config.RetryBackoffMultiplier <= 1 {
		config.RetryBackoffMultiplier = def.RetryBackoffMultiplier
	}
	if config.JobTimeout <= 0 {
		config.JobTimeout = def.JobTimeout
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = def.ShutdownTimeout
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = def.HeartbeatInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	workerID := "worker-" + uuid.NewString()[:8]
	return &Worker{
		config:          config,
		queue:           queue,
		handlers:        Handlers{},
		workerID:        workerID,
		stopCh:          make(chan struct{}),
		activeJobs:      make(map[int64]context.CancelFunc),
		instrumentation: &Instrumentation{},
		logger:          logger.Named("worker").With(zap.String("worker_id", workerID)),
	}
}

// RegisterHandler binds a handler to a job type. Call before Start.
func (w *Worker) RegisterHandler(jobType string, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[jobType] = h
}

// SetInstrumentation sets the instrumentation hooks.
func (w *Worker) SetInstrumentation(inst *Instrumentation) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.instrumentation = inst
}

// Start launches the processors.
func (w *Worker) Start(ctx context.Context) {
	w.logger.Info("starting", zap.Int("max_concurrent", w.config.MaxConcurrent))

	if w.instrumentation.OnHeartbeat != nil {
		w.wg.Add(1)
		go w.heartbeat(ctx)
	}

	for i := 0; i < w.config.MaxConcurrent; i++ {
		w.wg.Add(1)
		go w.processor(ctx, i)
	}
}

// Stop shuts the worker down. Running jobs are interrupted and released
// back to the queue by their processors before Stop returns.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.stopped = true
	close(w.stopCh)
	w.mu.Unlock()

	w.logger.Info("initiating graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(ctx, w.config.ShutdownTimeout)
	defer cancel()

	w.cancelActiveJobs()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("graceful shutdown completed")
		return nil
	case <-shutdownCtx.Done():
		w.logger.Warn("shutdown timeout exceeded, forcing stop")
		return fmt.Errorf("worker: shutdown timeout exceeded")
	}
}

func (w *Worker) processor(ctx context.Context, id int) {
	defer w.wg.Done()
	log := w.logger.With(zap.Int("processor", id))

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		default:
			if err := w.processNextJob(ctx); err != nil &&
				!errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
				log.Error("processor error", zap.Error(err))
				w.sleep(ctx)
			}
		}
	}
}

func (w *Worker) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-w.stopCh:
	case <-time.After(w.config.PollInterval):
	}
}

// processNextJob claims and runs one job, or waits a poll interval when the
// queue is empty.
func (w *Worker) processNextJob(ctx context.Context) error {
	job, err := w.queue.ClaimNextJob(ctx, w.workerID)
	if err != nil {
		return err
	}
	if job == nil {
		w.sleep(ctx)
		return ctx.Err()
	}

	w.processJob(ctx, job)
	return nil
}

func (w *Worker) processJob(ctx context.Context, job *models.Job) {
	start := time.Now()

	jobCtx, cancel := context.WithTimeout(ctx, w.config.JobTimeout)
	defer cancel()

	w.trackActiveJob(job.ID, cancel)
	defer w.untrackActiveJob(job.ID)

	if w.instrumentation.OnStart != nil {
		w.instrumentation.OnStart(job)
	}

	w.logger.Debug("processing job",
		zap.Int64("job_id", job.ID),
		zap.String("type", job.JobType),
		zap.Int("attempt", job.Attempts),
		zap.Int("max_attempts", job.MaxAttempts))

	w.mu.RLock()
	handler, ok := w.handlers[job.JobType]
	w.mu.RUnlock()
	if !ok {
		w.handleError(ctx, job, fmt.Errorf("%w: no handler registered for job type %s", ErrPermanent, job.JobType), start)
		return
	}

	if err := handler(jobCtx, job); err != nil {
		if w.isStopped() && jobCtx.Err() != nil {
			w.release(ctx, job)
			return
		}
		w.handleError(ctx, job, err, start)
		return
	}
	w.handleSuccess(ctx, job, start)
}

// retryDelay is the backoff before the next attempt, with ±20% jitter.
func (w *Worker) retryDelay(attempts int) time.Duration {
	exp := math.Max(float64(attempts-1), 0)
	base := float64(w.config.RetryBaseDelay) * math.Pow(w.config.RetryBackoffMultiplier, exp)
	delay := math.Min(base, float64(w.config.RetryMaxDelay))
	return time.Duration(delay * (0.8 + 0.4*rand.Float64()))
}

func (w *Worker) handleError(ctx context.Context, job *models.Job, err error, start time.Time) {
	duration := time.Since(start)

	w.statsMu.Lock()
	w.jobsProcessed++
	w.jobsFailed++
	w.lastProcessedAt = time.Now()
	w.statsMu.Unlock()

	if w.instrumentation.OnFail != nil {
		w.instrumentation.OnFail(job, err, duration)
	}

	log := w.logger.With(zap.Int64("job_id", job.ID), zap.String("type", job.JobType), zap.Error(err))

	if job.Attempts < job.MaxAttempts && !errors.Is(err, ErrPermanent) {
		delay := w.retryDelay(job.Attempts)

		w.statsMu.Lock()
		w.jobsRetried++
		w.statsMu.Unlock()

		if w.instrumentation.OnRetry != nil {
			w.instrumentation.OnRetry(job, delay)
		}

		log.Warn("job failed, scheduling retry",
			zap.Duration("retry_in", delay),
			zap.Int("attempt", job.Attempts),
			zap.Int("max_attempts", job.MaxAttempts))

		bctx, cancel := bookkeeping(ctx)
		defer cancel()
		if err := w.queue.ScheduleRetry(bctx, job.ID, err.Error(), time.Now().Add(delay)); err != nil {
			w.logger.Error("schedule retry failed", zap.Int64("job_id", job.ID), zap.Error(err))
		}
		return
	}

	log.Error("job failed permanently", zap.Int("attempts", job.Attempts))
	bctx, cancel := bookkeeping(ctx)
	defer cancel()
	if err := w.queue.MarkFailed(bctx, job.ID, err.Error()); err != nil {
		w.logger.Error("mark job failed", zap.Int64("job_id", job.ID), zap.Error(err))
	}
}

func (w *Worker) handleSuccess(ctx context.Context, job *models.Job, start time.Time) {
	duration := time.Since(start)

	w.statsMu.Lock()
	w.jobsProcessed++
	w.jobsSucceeded++
	w.lastProcessedAt = time.Now()
	w.statsMu.Unlock()

	if w.instrumentation.OnComplete != nil {
		w.instrumentation.OnComplete(job, duration)
	}

	w.logger.Debug("job completed", zap.Int64("job_id", job.ID), zap.Duration("duration", duration))
	bctx, cancel := bookkeeping(ctx)
	defer cancel()
	if err := w.queue.MarkCompleted(bctx, job.ID); err != nil {
		w.logger.Error("mark job completed", zap.Int64("job_id", job.ID), zap.Error(err))
	}
}

func (w *Worker) trackActiveJob(jobID int64, cancel context.CancelFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.activeJobs[jobID] = cancel
}

func (w *Worker) untrackActiveJob(jobID int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.activeJobs, jobID)
}

// bookkeeping returns a context for recording a job's outcome that
// survives cancellation of the processing context.
func bookkeeping(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
}

func (w *Worker) isStopped() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.stopped
}

// cancelActiveJobs interrupts every running handler.
func (w *Worker) cancelActiveJobs() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, cancel := range w.activeJobs {
		cancel()
	}
}

// release puts a job interrupted by Stop back to pending.
func (w *Worker) release(ctx context.Context, job *models.Job) {
	bctx, cancel := bookkeeping(ctx)
	defer cancel()
	if err := w.queue.ReleaseJob(bctx, job.ID); err != nil {
		w.logger.Error("release job failed", zap.Int64("job_id", job.ID), zap.Error(err))
		return
	}
	w.logger.Info("released job back to pending", zap.Int64("job_id", job.ID))
}

func (w *Worker) heartbeat(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			if w.instrumentation.OnHeartbeat != nil {
				w.instrumentation.OnHeartbeat(w.workerID, w.GetStats())
			}
		}
	}
}

// GetStats returns the worker counters.
func (w *Worker) GetStats() Stats {
	w.statsMu.RLock()
	defer w.statsMu.RUnlock()

	w.mu.RLock()
	active := len(w.activeJobs)
	w.mu.RUnlock()

	return Stats{
		JobsProcessed:   w.jobsProcessed,
		JobsSucceeded:   w.jobsSucceeded,
		JobsFailed:      w.jobsFailed,
		JobsRetried:     w.jobsRetried,
		ActiveWorkers:   active,
		LastProcessedAt: w.lastProcessedAt,
	}
}

// Enqueue validates and stores a job.
func (w *Worker) Enqueue(ctx context.Context, job *models.Job) error {
	if err := job.IsValid(); err != nil {
		return err
	}
	if err := w.queue.Enqueue(ctx, job); err != nil {
		return err
	}

	if w.instrumentation.OnEnqueue != nil {
		w.instrumentation.OnEnqueue(job)
	}
	w.logger.Debug("enqueued job",
		zap.Int64("job_id", job.ID),
		zap.String("type", job.JobType),
		zap.String("priority", string(job.Priority)))
	return nil
}

// CancelJob cancels a pending or failed job.
func (w *Worker) CancelJob(ctx context.Context, jobID int64) error {
	if err := w.queue.CancelJob(ctx, jobID); err != nil {
		return err
	}

	if w.instrumentation.OnCancel != nil {
		if job, _ := w.queue.GetByID(ctx, jobID); job != nil {
			w.instrumentation.OnCancel(job)
		}
	}
	w.logger.Info("cancelled job", zap.Int64("job_id", jobID))
	return nil
}

// GetQueueStats returns queue-wide counts.
func (w *Worker) GetQueueStats(ctx context.Context) (*models.JobStats, error) {
	return w.queue.GetStats(ctx)
}
