// Package billing ties the plan catalog, the entitlement store and the
// payment processor together. It is the only writer of entitlements.
package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	stripeapi "github.com/stripe/stripe-go/v76"
	"go.uber.org/zap"

	"github.com/mscandco/distro-platform/backend/internal/auth"
	"github.com/mscandco/distro-platform/backend/internal/metrics"
	"github.com/mscandco/distro-platform/backend/internal/models"
	"github.com/mscandco/distro-platform/backend/internal/plans"
	"github.com/mscandco/distro-platform/backend/internal/roles"
	"github.com/mscandco/distro-platform/backend/internal/session"
	"github.com/mscandco/distro-platform/backend/internal/store"
	stripeclient "github.com/mscandco/distro-platform/backend/internal/stripe"
)

// SubscriptionStore is the persistence the service needs.
type SubscriptionStore interface {
	GetSubscription(ctx context.Context, userID string) (*models.Subscription, error)
	GetSubscriptionByCustomer(ctx context.Context, customerID string) (*models.Subscription, error)
	GetSubscriptionByProcessorID(ctx context.Context, processorID string) (*models.Subscription, error)
	UpsertSubscription(ctx context.Context, sub *models.Subscription) error
	MarkSubscriptionCanceled(ctx context.Context, userID string, canceledAt time.Time) error
	ListSubscriptions(ctx context.Context, limit, offset int) ([]models.Subscription, error)
	ListLapsedCancellations(ctx context.Context, now time.Time) ([]models.Subscription, error)

	CreateCheckoutSession(ctx context.Context, cs *models.CheckoutSession) error
	GetCheckoutSession(ctx context.Context, id string) (*models.CheckoutSession, error)
	LatestPendingCheckout(ctx context.Context, userID string, since time.Time) (*models.CheckoutSession, error)
	SetCheckoutSessionStatus(ctx context.Context, id string, status models.CheckoutSessionStatus) error

	SavePayment(ctx context.Context, p *models.PaymentRecord) error
	GetPaymentHistory(ctx context.Context, userID string, limit int) ([]models.PaymentRecord, error)
	GetPaymentByInvoice(ctx context.Context, userID, invoiceID string) (*models.PaymentRecord, error)
}

// PriceCatalog maps catalog plans to processor prices.
type PriceCatalog interface {
	GetPrice(ctx context.Context, planSlug, cycle string) (*models.PlanPrice, error)
	GetPriceByProcessorID(ctx context.Context, processorPriceID string) (*models.PlanPrice, error)
}

// Processor is the subset of the Stripe client the service calls.
type Processor interface {
	Configured() bool
	CreateCheckoutSession(ctx context.Context, p stripeclient.CheckoutParams) (*stripeclient.CheckoutSession, error)
	GetCheckoutSession(ctx context.Context, id string) (*stripeapi.CheckoutSession, error)
	CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error)
	GetSubscription(ctx context.Context, id string) (*stripeapi.Subscription, error)
	CancelAtPeriodEnd(ctx context.Context, id string) (*stripeapi.Subscription, error)
}

// JobQueue accepts background work.
type JobQueue interface {
	Enqueue(ctx context.Context, job *models.Job) error
}

// pendingCheckoutWindow bounds how long an unfinished checkout counts as in
// flight.
const pendingCheckoutWindow = 24 * time.Hour

// Config carries the service settings.
type Config struct {
	AppBaseURL string
	Currency   string
}

// Service implements the billing operations.
type Service struct {
	subs         SubscriptionStore
	entitlements store.Entitlements
	prices       PriceCatalog
	processor    Processor
	jobs         JobQueue
	signer       *auth.Signer
	metrics      *metrics.Metrics
	validate     *validator.Validate
	logger       *zap.Logger

	appBaseURL string
	currency   string
	now        func() time.Time
}

// Deps groups the collaborators of a Service. Jobs, Metrics and Logger are
// optional.
type Deps struct {
	Subscriptions SubscriptionStore
	Entitlements  store.Entitlements
	Prices        PriceCatalog
	Processor     Processor
	Jobs          JobQueue
	Signer        *auth.Signer
	Metrics       *metrics.Metrics
	Logger        *zap.Logger
}

// NewService validates deps and builds a Service.
func NewService(cfg Config, deps Deps) (*Service, error) {
	switch {
	case deps.Subscriptions == nil:
		return nil, errors.New("billing: subscription store is required")
	case deps.Entitlements == nil:
		return nil, errors.New("billing: entitlement store is required")
	case deps.Prices == nil:
		return nil, errors.New("billing: price catalog is required")
	case deps.Processor == nil:
		return nil, errors.New("billing: processor is required")
	case deps.Signer == nil:
		return nil, errors.New("billing: signer is required")
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	currency := strings.ToLower(cfg.Currency)
	if currency == "" {
		currency = plans.Currency
	}

	return &Service{
		subs:         deps.Subscriptions,
		entitlements: deps.Entitlements,
		prices:       deps.Prices,
		processor:    deps.Processor,
		jobs:         deps.Jobs,
		signer:       deps.Signer,
		metrics:      deps.Metrics,
		validate:     newValidator(),
		logger:       logger.Named("billing"),
		appBaseURL:   strings.TrimRight(cfg.AppBaseURL, "/"),
		currency:     currency,
		now:          time.Now,
	}, nil
}

// Plan resolves the billing page for the session's effective account.
func (s *Service) Plan(ctx context.Context, sess session.Context, cycle string) (plans.ViewModel, error) {
	role := sess.EffectiveRole()
	billingCycle := plans.ParseCycle(cycle)
	if !role.IsBillable() {
		return plans.NoBillingView(role, billingCycle), nil
	}

	userID := sess.EffectiveUserID()
	entitled, err := s.entitlements.GetEntitlement(ctx, userID, role.Category())
	if err != nil {
		return plans.ViewModel{}, fmt.Errorf("billing: read entitlement: %w", err)
	}

	vm := plans.Resolve(role, entitled, billingCycle)
	if vm.Subscription != nil {
		vm.Subscription.Currency = s.currency
	}

	sub, err := s.subs.GetSubscription(ctx, userID)
	if err != nil {
		return plans.ViewModel{}, fmt.Errorf("billing: read subscription: %w", err)
	}
	if sub != nil && vm.Subscription != nil {
		vm.Subscription.NextBillingDate = sub.CurrentPeriodEnd
		vm.Subscription.Status = string(sub.Status)
		if sub.CancelAtPeriodEnd && sub.Status.Entitling() {
			vm.Subscription.Status = string(StatePendingCancellation)
		}
	}
	return vm, nil
}

// EntitlementView is the read-only entitlement projection handed to the
// front end.
type EntitlementView struct {
	Role      roles.Role     `json:"role"`
	Category  roles.Category `json:"category,omitempty"`
	Entitled  bool           `json:"entitled"`
	Plan      plans.Slug     `json:"plan,omitempty"`
	Status    string         `json:"status,omitempty"`
	Token     string         `json:"token"`
	ExpiresAt time.Time      `json:"expiresAt"`
}

// Entitlement returns the stored flag for the effective account together
// with a signed projection of it.
func (s *Service) Entitlement(ctx context.Context, sess session.Context) (EntitlementView, error) {
	role := sess.EffectiveRole()
	userID := sess.EffectiveUserID()
	view := EntitlementView{Role: role, Category: role.Category()}

	if role.IsBillable() {
		entitled, err := s.entitlements.GetEntitlement(ctx, userID, role.Category())
		if err != nil {
			return EntitlementView{}, fmt.Errorf("billing: read entitlement: %w", err)
		}
		view.Entitled = entitled
		for _, p := range plans.PlansFor(role) {
			if p.Tier == plans.TierFor(entitled) {
				view.Plan = p.Slug
			}
		}

		sub, err := s.subs.GetSubscription(ctx, userID)
		if err != nil {
			return EntitlementView{}, fmt.Errorf("billing: read subscription: %w", err)
		}
		if sub != nil {
			view.Status = string(sub.Status)
		}
	}

	token, expiresAt, err := s.signer.Sign(userID, auth.EntitlementClaims{
		Role:     view.Role,
		Category: view.Category,
		Entitled: view.Entitled,
		Plan:     string(view.Plan),
		Status:   view.Status,
	})
	if err != nil {
		return EntitlementView{}, err
	}
	view.Token = token
	view.ExpiresAt = expiresAt
	return view, nil
}

// State reports where the effective account sits in the subscription
// lifecycle.
func (s *Service) State(ctx context.Context, userID string) (State, *models.Subscription, error) {
	sub, err := s.subs.GetSubscription(ctx, userID)
	if err != nil {
		return "", nil, fmt.Errorf("billing: read subscription: %w", err)
	}
	pending, err := s.subs.LatestPendingCheckout(ctx, userID, s.now().Add(-pendingCheckoutWindow))
	if err != nil {
		return "", nil, fmt.Errorf("billing: read pending checkout: %w", err)
	}
	return StateOf(sub, pending), sub, nil
}

// PaymentHistory lists the effective account's invoices.
func (s *Service) PaymentHistory(ctx context.Context, sess session.Context, limit int) ([]models.PaymentRecord, error) {
	payments, err := s.subs.GetPaymentHistory(ctx, sess.EffectiveUserID(), limit)
	if err != nil {
		return nil, fmt.Errorf("billing: payment history: %w", err)
	}
	if payments == nil {
		payments = []models.PaymentRecord{}
	}
	return payments, nil
}

// InvoiceURL returns where the processor serves invoiceID, preferring the
// PDF. The invoice must belong to the effective account.
func (s *Service) InvoiceURL(ctx context.Context, sess session.Context, invoiceID string) (string, error) {
	p, err := s.subs.GetPaymentByInvoice(ctx, sess.EffectiveUserID(), invoiceID)
	if errors.Is(err, store.ErrPaymentNotFound) {
		return "", ErrInvoiceNotFound
	}
	if err != nil {
		return "", fmt.Errorf("billing: get invoice: %w", err)
	}

	switch {
	case p.InvoicePDFURL != nil && *p.InvoicePDFURL != "":
		return *p.InvoicePDFURL, nil
	case p.HostedInvoiceURL != nil && *p.HostedInvoiceURL != "":
		return *p.HostedInvoiceURL, nil
	default:
		return "", ErrInvoiceNotFound
	}
}

// ListSubscriptions pages through every subscription for administrators.
func (s *Service) ListSubscriptions(ctx context.Context, limit, offset int) ([]models.Subscription, error) {
	subs, err := s.subs.ListSubscriptions(ctx, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("billing: list subscriptions: %w", err)
	}
	if subs == nil {
		subs = []models.Subscription{}
	}
	return subs, nil
}

func (s *Service) setEntitlement(ctx context.Context, userID string, category roles.Category, entitled bool, source string) error {
	if err := s.entitlements.SetEntitlement(ctx, userID, category, entitled, source); err != nil {
		return fmt.Errorf("billing: write entitlement: %w", err)
	}
	s.metrics.RecordEntitlementWrite(string(category), entitled)
	s.logger.Info("entitlement written",
		zap.String("user_id", userID),
		zap.String("category", string(category)),
		zap.Bool("entitled", entitled),
		zap.String("source", source))
	return nil
}

// processorError folds client errors into the public taxonomy.
func processorError(err error) error {
	switch {
	case errors.Is(err, stripeclient.ErrNotConfigured):
		return fmt.Errorf("%w (%v)", ErrNotConfigured, err)
	default:
		return fmt.Errorf("%w (%v)", ErrProcessorUnavailable, err)
	}
}
