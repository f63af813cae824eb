package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	stripeapi "github.com/stripe/stripe-go/v76"
	"go.uber.org/zap"

	"github.com/mscandco/distro-platform/backend/internal/models"
	"github.com/mscandco/distro-platform/backend/internal/plans"
	"github.com/mscandco/distro-platform/backend/internal/roles"
	"github.com/mscandco/distro-platform/backend/internal/store"
)

// ErrUnmatchedSubscription is returned for processor objects that cannot be
// tied to any account. Callers acknowledge them rather than retry.
var ErrUnmatchedSubscription = errors.New("billing: subscription does not match an account")

// ErrStaleSubscription is returned for processor updates about a
// subscription the account has already replaced with one that still grants
// access. Callers acknowledge and drop them.
var ErrStaleSubscription = errors.New("billing: subscription superseded by a newer one")

func unixTime(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}

func optionalString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func cycleFromInterval(interval stripeapi.PriceRecurringInterval) plans.BillingCycle {
	if interval == stripeapi.PriceRecurringIntervalYear {
		return plans.Yearly
	}
	return plans.Monthly
}

// resolveUser finds the account a processor subscription belongs to.
func (s *Service) resolveUser(ctx context.Context, ps *stripeapi.Subscription, userHint string, existing *models.Subscription) (string, error) {
	if id := ps.Metadata["user_id"]; id != "" {
		return id, nil
	}
	if userHint != "" {
		return userHint, nil
	}
	if existing != nil {
		return existing.UserID, nil
	}
	if ps.Customer != nil && ps.Customer.ID != "" {
		byCustomer, err := s.subs.GetSubscriptionByCustomer(ctx, ps.Customer.ID)
		if err != nil {
			return "", fmt.Errorf("billing: find subscription by customer: %w", err)
		}
		if byCustomer != nil {
			return byCustomer.UserID, nil
		}
	}
	return "", ErrUnmatchedSubscription
}

// resolvePlan works out which catalog plan and cycle a processor
// subscription is for: metadata first, then the price mapping, then the
// stored record.
func (s *Service) resolvePlan(ctx context.Context, ps *stripeapi.Subscription, existing *models.Subscription) (plans.Plan, plans.BillingCycle, error) {
	var item *stripeapi.SubscriptionItem
	if ps.Items != nil && len(ps.Items.Data) > 0 {
		item = ps.Items.Data[0]
	}

	if item != nil && item.Price != nil && item.Price.ID != "" {
		price, err := s.prices.GetPriceByProcessorID(ctx, item.Price.ID)
		switch {
		case err == nil:
			if plan, ok := plans.Lookup(plans.Slug(price.PlanSlug)); ok {
				return plan, plans.ParseCycle(price.BillingCycle), nil
			}
		case errors.Is(err, store.ErrPriceNotFound):
		default:
			return plans.Plan{}, "", fmt.Errorf("billing: look up price: %w", err)
		}
	}

	if plan, ok := plans.Lookup(plans.Slug(ps.Metadata["plan"])); ok {
		cycle := plans.ParseCycle(ps.Metadata["billing_cycle"])
		if item != nil && item.Price != nil && item.Price.Recurring != nil {
			cycle = cycleFromInterval(item.Price.Recurring.Interval)
		}
		return plan, cycle, nil
	}

	if existing != nil {
		if plan, ok := plans.Lookup(plans.Slug(existing.PlanSlug)); ok {
			return plan, plans.ParseCycle(existing.BillingInterval), nil
		}
	}
	return plans.Plan{}, "", fmt.Errorf("billing: subscription %s: cannot resolve plan", ps.ID)
}

// ApplySubscription stores the processor's view of a subscription and sets
// the entitlement it implies: Pro is granted only while a Pro plan is in an
// entitling status, and revoked otherwise.
func (s *Service) ApplySubscription(ctx context.Context, ps *stripeapi.Subscription, userHint, source string) (*models.Subscription, error) {
	if ps == nil || ps.ID == "" {
		return nil, errors.New("billing: apply subscription: missing subscription")
	}

	existing, err := s.subs.GetSubscriptionByProcessorID(ctx, ps.ID)
	if err != nil {
		return nil, fmt.Errorf("billing: find subscription: %w", err)
	}
	userID, err := s.resolveUser(ctx, ps, userHint, existing)
	if err != nil {
		return nil, err
	}
	current, err := s.subs.GetSubscription(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("billing: load current subscription: %w", err)
	}
	if supersedes(current, ps) {
		s.logger.Info("ignoring update for superseded subscription",
			zap.String("user_id", userID),
			zap.String("subscription_id", ps.ID),
			zap.String("status", string(ps.Status)),
			zap.String("current_subscription_id", *current.ProcessorSubscriptionID))
		return current, ErrStaleSubscription
	}
	plan, cycle, err := s.resolvePlan(ctx, ps, existing)
	if err != nil {
		return nil, err
	}

	record := &models.Subscription{
		UserID:                  userID,
		RoleCategory:            string(plan.Category),
		PlanSlug:                string(plan.Slug),
		Status:                  models.SubscriptionStatus(ps.Status),
		BillingInterval:         string(cycle),
		ProcessorSubscriptionID: &ps.ID,
		CurrentPeriodEnd:        unixTime(ps.CurrentPeriodEnd),
		CancelAtPeriodEnd:       ps.CancelAtPeriodEnd,
		CanceledAt:              unixTime(ps.CanceledAt),
	}
	if ps.Customer != nil {
		record.PaymentCustomerID = ps.Customer.ID
		record.UserEmail = ps.Customer.Email
	}
	if err := s.subs.UpsertSubscription(ctx, record); err != nil {
		if errors.Is(err, store.ErrSubscriptionSuperseded) {
			return nil, ErrStaleSubscription
		}
		return nil, fmt.Errorf("billing: store subscription: %w", err)
	}

	entitled := record.Status.Entitling() && plan.Tier == plans.TierPro
	if err := s.setEntitlement(ctx, userID, plan.Category, entitled, source); err != nil {
		return nil, err
	}

	s.logger.Info("subscription applied",
		zap.String("user_id", userID),
		zap.String("subscription_id", ps.ID),
		zap.String("plan", string(plan.Slug)),
		zap.String("status", string(record.Status)),
		zap.Bool("cancel_at_period_end", record.CancelAtPeriodEnd))
	return record, nil
}

// supersedes reports whether current belongs to a different processor
// subscription that still grants access while ps does not.
func supersedes(current *models.Subscription, ps *stripeapi.Subscription) bool {
	if current == nil || current.ProcessorSubscriptionID == nil || *current.ProcessorSubscriptionID == ps.ID {
		return false
	}
	return current.Status.Entitling() && !models.SubscriptionStatus(ps.Status).Entitling()
}

// RevokeSubscription handles a subscription the processor has deleted.
func (s *Service) RevokeSubscription(ctx context.Context, ps *stripeapi.Subscription, source string) error {
	if ps == nil {
		return errors.New("billing: revoke subscription: missing subscription")
	}
	ps.Status = stripeapi.SubscriptionStatusCanceled
	ps.CancelAtPeriodEnd = false
	if ps.CanceledAt == 0 {
		ps.CanceledAt = s.now().Unix()
	}
	_, err := s.ApplySubscription(ctx, ps, "", source)
	return err
}

// CompleteCheckout reconciles a checkout session reported by the processor.
// Sessions that are not complete change nothing beyond our own record.
func (s *Service) CompleteCheckout(ctx context.Context, cs *stripeapi.CheckoutSession, source string) error {
	if cs == nil || cs.ID == "" {
		return errors.New("billing: complete checkout: missing session")
	}

	switch cs.Status {
	case stripeapi.CheckoutSessionStatusComplete:
	case stripeapi.CheckoutSessionStatusExpired:
		return s.subs.SetCheckoutSessionStatus(ctx, cs.ID, models.CheckoutExpired)
	default:
		s.logger.Debug("checkout session not complete", zap.String("session_id", cs.ID), zap.String("status", string(cs.Status)))
		return nil
	}

	if cs.Subscription == nil || cs.Subscription.ID == "" {
		s.logger.Warn("completed checkout has no subscription", zap.String("session_id", cs.ID))
		return nil
	}

	ps := cs.Subscription
	if ps.Status == "" {
		fetched, err := s.processor.GetSubscription(ctx, ps.ID)
		if err != nil {
			return processorError(err)
		}
		ps = fetched
	}
	if ps.Metadata == nil {
		ps.Metadata = map[string]string{}
	}
	for k, v := range cs.Metadata {
		if ps.Metadata[k] == "" {
			ps.Metadata[k] = v
		}
	}
	if ps.Customer == nil && cs.Customer != nil {
		ps.Customer = cs.Customer
	}
	if ps.Customer != nil && ps.Customer.Email == "" && cs.CustomerDetails != nil {
		ps.Customer.Email = cs.CustomerDetails.Email
	}

	userHint := cs.ClientReferenceID
	if userHint == "" {
		userHint = cs.Metadata["user_id"]
	}
	if _, err := s.ApplySubscription(ctx, ps, userHint, source); err != nil {
		return err
	}
	return s.subs.SetCheckoutSessionStatus(ctx, cs.ID, models.CheckoutCompleted)
}

// ReconcileCheckout asks the processor for sessionID and reconciles it.
func (s *Service) ReconcileCheckout(ctx context.Context, sessionID string) error {
	if !s.processor.Configured() {
		return ErrNotConfigured
	}
	cs, err := s.processor.GetCheckoutSession(ctx, sessionID)
	if err != nil {
		return processorError(err)
	}
	return s.CompleteCheckout(ctx, cs, "reconcile:"+sessionID)
}

// RefreshSubscription re-reads a subscription from the processor.
func (s *Service) RefreshSubscription(ctx context.Context, processorSubscriptionID string) error {
	if !s.processor.Configured() {
		return ErrNotConfigured
	}
	ps, err := s.processor.GetSubscription(ctx, processorSubscriptionID)
	if err != nil {
		return processorError(err)
	}
	_, err = s.ApplySubscription(ctx, ps, "", "refresh:"+processorSubscriptionID)
	return err
}

// RecordInvoice stores an invoice outcome against the owning account. A
// failed payment also queues a subscription refresh so the new status is
// picked up even if its own event is delayed.
func (s *Service) RecordInvoice(ctx context.Context, inv *stripeapi.Invoice, failed bool) error {
	if inv == nil || inv.ID == "" {
		return errors.New("billing: record invoice: missing invoice")
	}

	var owner *models.Subscription
	var err error
	if inv.Customer != nil && inv.Customer.ID != "" {
		if owner, err = s.subs.GetSubscriptionByCustomer(ctx, inv.Customer.ID); err != nil {
			return fmt.Errorf("billing: find invoice owner: %w", err)
		}
	}
	if owner == nil && inv.Subscription != nil && inv.Subscription.ID != "" {
		if owner, err = s.subs.GetSubscriptionByProcessorID(ctx, inv.Subscription.ID); err != nil {
			return fmt.Errorf("billing: find invoice owner: %w", err)
		}
	}
	if owner == nil {
		return ErrUnmatchedSubscription
	}

	amount := inv.AmountPaid
	if failed || amount == 0 {
		amount = inv.AmountDue
	}
	status := string(inv.Status)
	if failed {
		status = "payment_failed"
	}

	record := &models.PaymentRecord{
		UserID:             owner.UserID,
		PaymentCustomerID:  owner.PaymentCustomerID,
		ProcessorInvoiceID: inv.ID,
		Number:             optionalString(inv.Number),
		AmountCents:        amount,
		Currency:           string(inv.Currency),
		Status:             status,
		Description:        optionalString(inv.Description),
		InvoicePDFURL:      optionalString(inv.InvoicePDF),
		HostedInvoiceURL:   optionalString(inv.HostedInvoiceURL),
	}
	if record.Currency == "" {
		record.Currency = s.currency
	}
	if err := s.subs.SavePayment(ctx, record); err != nil {
		return fmt.Errorf("billing: save payment: %w", err)
	}

	if failed && inv.Subscription != nil && inv.Subscription.ID != "" {
		s.enqueueRefresh(ctx, inv.Subscription.ID)
	}
	return nil
}

func (s *Service) enqueueRefresh(ctx context.Context, processorSubscriptionID string) {
	if s.jobs == nil {
		return
	}
	job := models.NewJob(models.JobRefreshSubscription, models.JSONB{"subscription_id": processorSubscriptionID}, models.JobPriorityNormal)
	key := models.JobRefreshSubscription + ":" + processorSubscriptionID
	job.DedupeKey = &key
	if err := s.jobs.Enqueue(ctx, job); err != nil && !errors.Is(err, store.ErrDuplicateJob) {
		s.logger.Warn("queue subscription refresh failed", zap.String("subscription_id", processorSubscriptionID), zap.Error(err))
	}
}

// ExpireLapsedCancellations ends subscriptions whose cancellation took effect
// at a period end that has passed, revoking their Pro flag. It returns how
// many were expired.
func (s *Service) ExpireLapsedCancellations(ctx context.Context) (int, error) {
	now := s.now()
	lapsed, err := s.subs.ListLapsedCancellations(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("billing: list lapsed cancellations: %w", err)
	}

	var errs []error
	expired := 0
	for _, sub := range lapsed {
		if err := s.subs.MarkSubscriptionCanceled(ctx, sub.UserID, now); err != nil {
			errs = append(errs, err)
			continue
		}
		if category := roles.ParseCategory(sub.RoleCategory); category != roles.CategoryNone {
			if err := s.setEntitlement(ctx, sub.UserID, category, false, "period_end"); err != nil {
				errs = append(errs, err)
				continue
			}
		}
		expired++
	}

	if expired > 0 {
		s.logger.Info("expired lapsed cancellations", zap.Int("count", expired))
	}
	return expired, errors.Join(errs...)
}
