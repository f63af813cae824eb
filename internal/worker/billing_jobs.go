package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mscandco/distro-platform/backend/internal/billing"
	"github.com/mscandco/distro-platform/backend/internal/metrics"
	"github.com/mscandco/distro-platform/backend/internal/models"
)

// BillingService is the part of billing.Service the jobs call.
type BillingService interface {
	ReconcileCheckout(ctx context.Context, sessionID string) error
	RefreshSubscription(ctx context.Context, processorSubscriptionID string) error
	ExpireLapsedCancellations(ctx context.Context) (int, error)
}

// RegisterBillingJobs binds the billing job handlers.
func RegisterBillingJobs(w *Worker, svc BillingService) {
	w.RegisterHandler(models.JobReconcileCheckout, reconcileCheckoutHandler(svc))
	w.RegisterHandler(models.JobRefreshSubscription, refreshSubscriptionHandler(svc))
	w.RegisterHandler(models.JobExpireCancellations, expireCancellationsHandler(svc, w.logger))
}

func reconcileCheckoutHandler(svc BillingService) Handler {
	return func(ctx context.Context, job *models.Job) error {
		sessionID := job.Payload.String("session_id")
		if sessionID == "" {
			return fmt.Errorf("%w: missing session_id in payload", ErrPermanent)
		}
		return classify(svc.ReconcileCheckout(ctx, sessionID))
	}
}

func refreshSubscriptionHandler(svc BillingService) Handler {
	return func(ctx context.Context, job *models.Job) error {
		subID := job.Payload.String("subscription_id")
		if subID == "" {
			return fmt.Errorf("%w: missing subscription_id in payload", ErrPermanent)
		}
		return classify(svc.RefreshSubscription(ctx, subID))
	}
}

func expireCancellationsHandler(svc BillingService, logger *zap.Logger) Handler {
	return func(ctx context.Context, job *models.Job) error {
		n, err := svc.ExpireLapsedCancellations(ctx)
		if n > 0 {
			logger.Info("expired cancellations", zap.Int64("job_id", job.ID), zap.Int("count", n))
		}
		return err
	}
}

// classify marks billing errors no retry can fix as permanent. Updates for
// a superseded subscription count as done.
func classify(err error) error {
	if errors.Is(err, billing.ErrStaleSubscription) {
		return nil
	}
	if errors.Is(err, billing.ErrUnmatchedSubscription) {
		return fmt.Errorf("%w: %v", ErrPermanent, err)
	}
	return err
}

// MetricsInstrumentation feeds job outcomes into Prometheus.
func MetricsInstrumentation(m *metrics.Metrics) *Instrumentation {
	return &Instrumentation{
		OnComplete: func(job *models.Job, d time.Duration) {
			m.RecordJob(job.JobType, "completed", d)
		},
		OnFail: func(job *models.Job, _ error, d time.Duration) {
			m.RecordJob(job.JobType, "failed", d)
		},
	}
}
