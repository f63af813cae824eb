package billing

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mscandco/distro-platform/backend/internal/models"
	"github.com/mscandco/distro-platform/backend/internal/plans"
	"github.com/mscandco/distro-platform/backend/internal/roles"
	"github.com/mscandco/distro-platform/backend/internal/session"
	"github.com/mscandco/distro-platform/backend/internal/store"
	stripeclient "github.com/mscandco/distro-platform/backend/internal/stripe"
)

// CheckoutRequest is the body of a checkout call.
type CheckoutRequest struct {
	Plan         string  `json:"plan" validate:"required"`
	BillingCycle string  `json:"billingCycle" validate:"omitempty,oneof=monthly yearly"`
	UserID       string  `json:"userId" validate:"required"`
	UserEmail    string  `json:"userEmail" validate:"required,email"`
	CustomerID   *string `json:"customerId,omitempty"`
}

// PortalRequest is the body of a portal call.
type PortalRequest struct {
	CustomerID *string `json:"customerId,omitempty"`
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return v
}

// checkoutIdempotencyKey is stable for one user, plan and cycle within the
// same minute.
func checkoutIdempotencyKey(userID string, slug plans.Slug, cycle plans.BillingCycle, at time.Time) string {
	name := fmt.Sprintf("checkout:%s:%s:%s:%d", userID, slug, cycle, at.Unix()/60)
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(name)).String()
}

// actor rejects sessions that may not change their own subscription.
func actor(sess session.Context) error {
	if sess.CanAct(roles.SubscriptionManageOwn) {
		return nil
	}
	if sess.IsGhost() {
		return ErrGhostSession
	}
	return ErrForbidden
}

// CreateCheckoutSession starts a hosted checkout for the session's own
// account and returns the processor URL. Entitlements are never touched
// here; they change only when the processor confirms the subscription.
func (s *Service) CreateCheckoutSession(ctx context.Context, sess session.Context, req CheckoutRequest) (string, error) {
	if err := actor(sess); err != nil {
		return "", err
	}
	if err := s.validate.StructCtx(ctx, req); err != nil {
		return "", fromValidator(err)
	}
	if req.UserID != sess.UserID {
		return "", ErrForbidden
	}

	role := sess.Role
	if !role.IsBillable() {
		return "", newValidationError("plan", "no plans are offered for this role")
	}
	plan, ok := plans.FindByName(req.Plan)
	if !ok {
		return "", newValidationError("plan", "unknown plan")
	}
	if plan.Category != role.Category() {
		return "", newValidationError("plan", "not offered for this role")
	}
	cycle := plans.ParseCycle(req.BillingCycle)

	state, sub, err := s.State(ctx, sess.UserID)
	if err != nil {
		return "", err
	}
	if _, err := Transition(state, EventCheckoutStarted); err != nil {
		return "", err
	}

	outcome := "created"
	defer func() { s.metrics.RecordCheckout(string(plan.Slug), outcome) }()

	if !s.processor.Configured() {
		outcome = "not_configured"
		return "", ErrNotConfigured
	}

	price, err := s.prices.GetPrice(ctx, string(plan.Slug), string(cycle))
	if errors.Is(err, store.ErrPriceNotFound) {
		outcome = "not_configured"
		s.logger.Error("no processor price mapped", zap.String("plan", string(plan.Slug)), zap.String("cycle", string(cycle)))
		return "", fmt.Errorf("%w (no price for %s/%s)", ErrNotConfigured, plan.Slug, cycle)
	}
	if err != nil {
		outcome = "error"
		return "", fmt.Errorf("billing: look up price: %w", err)
	}

	params := stripeclient.CheckoutParams{
		PriceID:    price.ProcessorPrice,
		UserID:     sess.UserID,
		SuccessURL: s.appBaseURL + "/billing?success=true&session_id={CHECKOUT_SESSION_ID}",
		CancelURL:  s.appBaseURL + "/billing?canceled=true",
		Metadata: map[string]string{
			"user_id":       sess.UserID,
			"plan":          string(plan.Slug),
			"billing_cycle": string(cycle),
			"role_category": string(plan.Category),
		},
		IdempotencyKey: checkoutIdempotencyKey(sess.UserID, plan.Slug, cycle, s.now()),
	}
	if sub != nil && sub.PaymentCustomerID != "" {
		params.CustomerID = sub.PaymentCustomerID
	} else {
		params.CustomerEmail = strings.ToLower(req.UserEmail)
	}

	checkout, err := s.processor.CreateCheckoutSession(ctx, params)
	if err != nil {
		mapped := processorError(err)
		outcome = "unavailable"
		if errors.Is(mapped, ErrNotConfigured) {
			outcome = "not_configured"
		}
		s.logger.Warn("checkout session failed",
			zap.String("user_id", sess.UserID),
			zap.String("plan", string(plan.Slug)),
			zap.Error(err))
		return "", mapped
	}

	record := &models.CheckoutSession{
		ID:           checkout.ID,
		UserID:       sess.UserID,
		PlanSlug:     string(plan.Slug),
		BillingCycle: string(cycle),
		Status:       models.CheckoutPending,
	}
	if err := s.subs.CreateCheckoutSession(ctx, record); err != nil {
		// The webhook carries the same metadata, so the checkout still reconciles.
		s.logger.Warn("record checkout session failed", zap.String("session_id", checkout.ID), zap.Error(err))
	}

	s.logger.Info("checkout session created",
		zap.String("user_id", sess.UserID),
		zap.String("plan", string(plan.Slug)),
		zap.String("cycle", string(cycle)),
		zap.String("session_id", checkout.ID))
	return checkout.URL, nil
}

// CreatePortalSession opens the processor's billing portal for the
// session's own account. A supplied customer id must match the stored one;
// when none is supplied the stored id is used.
func (s *Service) CreatePortalSession(ctx context.Context, sess session.Context, req PortalRequest) (string, error) {
	if err := actor(sess); err != nil {
		return "", err
	}

	outcome := "created"
	defer func() { s.metrics.RecordPortal(outcome) }()

	sub, err := s.subs.GetSubscription(ctx, sess.UserID)
	if err != nil {
		outcome = "error"
		return "", fmt.Errorf("billing: read subscription: %w", err)
	}

	stored := ""
	if sub != nil {
		stored = sub.PaymentCustomerID
	}
	if req.CustomerID != nil && *req.CustomerID != "" && stored != "" && *req.CustomerID != stored {
		outcome = "forbidden"
		return "", ErrForbidden
	}
	if stored == "" {
		outcome = "no_subscription"
		return "", ErrNoSubscription
	}
	if !s.processor.Configured() {
		outcome = "not_configured"
		return "", ErrNotConfigured
	}

	url, err := s.processor.CreatePortalSession(ctx, stored, s.appBaseURL+"/billing")
	if err != nil {
		mapped := processorError(err)
		outcome = "unavailable"
		if errors.Is(mapped, ErrNotConfigured) {
			outcome = "not_configured"
		}
		s.logger.Warn("portal session failed", zap.String("user_id", sess.UserID), zap.Error(err))
		return "", mapped
	}
	return url, nil
}

// CancelSubscription asks the processor to end the subscription with its
// current period. The Pro flag stays until the processor reports the
// subscription canceled.
func (s *Service) CancelSubscription(ctx context.Context, sess session.Context) (*models.Subscription, error) {
	if err := actor(sess); err != nil {
		return nil, err
	}

	state, sub, err := s.State(ctx, sess.UserID)
	if err != nil {
		return nil, err
	}
	if sub == nil || sub.ProcessorSubscriptionID == nil || *sub.ProcessorSubscriptionID == "" {
		return nil, ErrNothingToCancel
	}
	if _, err := Transition(state, EventCancelRequested); err != nil {
		return nil, err
	}
	if !s.processor.Configured() {
		return nil, ErrNotConfigured
	}

	updated, err := s.processor.CancelAtPeriodEnd(ctx, *sub.ProcessorSubscriptionID)
	if err != nil {
		s.logger.Warn("cancel subscription failed", zap.String("user_id", sess.UserID), zap.Error(err))
		return nil, processorError(err)
	}
	return s.ApplySubscription(ctx, updated, sess.UserID, "cancel_request")
}

// ReturnView is the billing page model after the processor redirects back.
type ReturnView struct {
	plans.ViewModel
	Pending  bool `json:"pending"`
	Canceled bool `json:"canceled"`
}

// CheckoutReturn handles the redirect back from checkout. It never writes
// entitlements; on success it queues a reconciliation against the processor
// and reports whether that is still outstanding.
func (s *Service) CheckoutReturn(ctx context.Context, sess session.Context, success, canceled bool, sessionID string) (ReturnView, error) {
	var recorded *models.CheckoutSession
	if success && sessionID != "" {
		cs, err := s.subs.GetCheckoutSession(ctx, sessionID)
		switch {
		case errors.Is(err, store.ErrCheckoutSessionNotFound):
		case err != nil:
			return ReturnView{}, fmt.Errorf("billing: read checkout session: %w", err)
		case cs.UserID != sess.EffectiveUserID():
			return ReturnView{}, ErrForbidden
		default:
			recorded = cs
		}

		if recorded == nil || recorded.Status == models.CheckoutPending {
			s.enqueueReconcile(ctx, sessionID)
		}
	}

	cycle := ""
	if recorded != nil {
		cycle = recorded.BillingCycle
	}
	vm, err := s.Plan(ctx, sess, cycle)
	if err != nil {
		return ReturnView{}, err
	}

	view := ReturnView{ViewModel: vm, Canceled: canceled}
	if success {
		switch {
		case recorded != nil:
			view.Pending = recorded.Status == models.CheckoutPending
		default:
			view.Pending = vm.Subscription == nil || vm.Subscription.Tier != plans.TierPro
		}
	}
	return view, nil
}

func (s *Service) enqueueReconcile(ctx context.Context, sessionID string) {
	if s.jobs == nil {
		return
	}
	job := models.NewJob(models.JobReconcileCheckout, models.JSONB{"session_id": sessionID}, models.JobPriorityHigh)
	key := models.JobReconcileCheckout + ":" + sessionID
	job.DedupeKey = &key

	err := s.jobs.Enqueue(ctx, job)
	switch {
	case err == nil:
		s.logger.Info("queued checkout reconciliation", zap.String("session_id", sessionID), zap.Int64("job_id", job.ID))
	case errors.Is(err, store.ErrDuplicateJob):
	default:
		s.logger.Warn("queue checkout reconciliation failed", zap.String("session_id", sessionID), zap.Error(err))
	}
}
