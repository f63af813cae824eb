package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mscandco/distro-platform/backend/internal/models"
)

const defaultPageSize = 50

var (
	// ErrCheckoutSessionNotFound is returned for unknown checkout session ids.
	ErrCheckoutSessionNotFound = errors.New("store: checkout session not found")
	// ErrPaymentNotFound is returned when an invoice does not belong to the user.
	ErrPaymentNotFound = errors.New("store: payment not found")
	// ErrSubscriptionSuperseded is returned when a write for one processor
	// subscription would replace a different, still entitling one with a
	// non-entitling status.
	ErrSubscriptionSuperseded = errors.New("store: subscription superseded")
)

// Store provides access to the billing tables in Postgres.
type Store struct {
	db *sql.DB
}

// New constructs a Store with the supplied database handle.
func New(db *sql.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("store: db cannot be nil")
	}
	return &Store{db: db}, nil
}

const subscriptionColumns = `
	id, user_id, user_email, role_category, plan_slug, status, billing_interval,
	payment_customer_id, processor_subscription_id, current_period_end,
	cancel_at_period_end, canceled_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row rowScanner) (*models.Subscription, error) {
	var sub models.Subscription
	if err := row.Scan(
		&sub.ID,
		&sub.UserID,
		&sub.UserEmail,
		&sub.RoleCategory,
		&sub.PlanSlug,
		&sub.Status,
		&sub.BillingInterval,
		&sub.PaymentCustomerID,
		&sub.ProcessorSubscriptionID,
		&sub.CurrentPeriodEnd,
		&sub.CancelAtPeriodEnd,
		&sub.CanceledAt,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &sub, nil
}

func (s *Store) getSubscriptionWhere(ctx context.Context, op, where string, arg any) (*models.Subscription, error) {
	query := `SELECT` + subscriptionColumns + `
FROM subscriptions
WHERE ` + where + `
LIMIT 1`

	sub, err := scanSubscription(s.db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: %s: %w", op, err)
	}
	return sub, nil
}

// GetSubscription returns the subscription record for userID, or nil when
// the user never subscribed.
func (s *Store) GetSubscription(ctx context.Context, userID string) (*models.Subscription, error) {
	return s.getSubscriptionWhere(ctx, "get subscription", "user_id = $1", userID)
}

// GetSubscriptionByCustomer looks a record up by processor customer id.
func (s *Store) GetSubscriptionByCustomer(ctx context.Context, customerID string) (*models.Subscription, error) {
	return s.getSubscriptionWhere(ctx, "get subscription by customer", "payment_customer_id = $1", customerID)
}

// GetSubscriptionByProcessorID looks a record up by processor subscription id.
func (s *Store) GetSubscriptionByProcessorID(ctx context.Context, processorID string) (*models.Subscription, error) {
	return s.getSubscriptionWhere(ctx, "get subscription by processor id", "processor_subscription_id = $1", processorID)
}

// UpsertSubscription writes sub keyed by user id. Empty customer ids never
// overwrite a stored one. A lapsed processor subscription cannot replace a
// different one that still grants access; that write returns
// ErrSubscriptionSuperseded.
func (s *Store) UpsertSubscription(ctx context.Context, sub *models.Subscription) error {
	query := `
INSERT INTO subscriptions (
	user_id, user_email, role_category, plan_slug, status, billing_interval,
	payment_customer_id, processor_subscription_id, current_period_end,
	cancel_at_period_end, canceled_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (user_id) DO UPDATE SET
	user_email = COALESCE(NULLIF(EXCLUDED.user_email, ''), subscriptions.user_email),
	role_category = EXCLUDED.role_category,
	plan_slug = EXCLUDED.plan_slug,
	status = EXCLUDED.status,
	billing_interval = EXCLUDED.billing_interval,
	payment_customer_id = COALESCE(NULLIF(EXCLUDED.payment_customer_id, ''), subscriptions.payment_customer_id),
	processor_subscription_id = COALESCE(EXCLUDED.processor_subscription_id, subscriptions.processor_subscription_id),
	current_period_end = COALESCE(EXCLUDED.current_period_end, subscriptions.current_period_end),
	cancel_at_period_end = EXCLUDED.cancel_at_period_end,
	canceled_at = EXCLUDED.canceled_at,
	updated_at = now()
WHERE subscriptions.processor_subscription_id IS NULL
	OR EXCLUDED.processor_subscription_id IS NULL
	OR subscriptions.processor_subscription_id = EXCLUDED.processor_subscription_id
	OR subscriptions.status NOT IN ('active', 'trialing', 'past_due')
	OR EXCLUDED.status IN ('active', 'trialing', 'past_due')
RETURNING id, created_at, updated_at
	`

	err := s.db.QueryRowContext(ctx, query,
		sub.UserID,
		sub.UserEmail,
		sub.RoleCategory,
		sub.PlanSlug,
		sub.Status,
		sub.BillingInterval,
		sub.PaymentCustomerID,
		sub.ProcessorSubscriptionID,
		sub.CurrentPeriodEnd,
		sub.CancelAtPeriodEnd,
		sub.CanceledAt,
	).Scan(&sub.ID, &sub.CreatedAt, &sub.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrSubscriptionSuperseded
	}
	if err != nil {
		return fmt.Errorf("store: upsert subscription: %w", err)
	}

	return nil
}

// MarkSubscriptionCanceled flags the record canceled at canceledAt.
func (s *Store) MarkSubscriptionCanceled(ctx context.Context, userID string, canceledAt time.Time) error {
	query := `
UPDATE subscriptions
SET status = 'canceled',
	cancel_at_period_end = FALSE,
	canceled_at = $2,
	updated_at = now()
WHERE user_id = $1
	`

	if _, err := s.db.ExecContext(ctx, query, userID, canceledAt); err != nil {
		return fmt.Errorf("store: mark subscription canceled: %w", err)
	}
	return nil
}

// ListSubscriptions pages through every record, newest first.
func (s *Store) ListSubscriptions(ctx context.Context, limit, offset int) ([]models.Subscription, error) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	if offset < 0 {
		offset = 0
	}

	query := `SELECT` + subscriptionColumns + `
FROM subscriptions
ORDER BY updated_at DESC
LIMIT $1 OFFSET $2`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("store: list subscriptions: %w", err)
	}
	defer rows.Close()

	return collectSubscriptions(rows)
}

// ListLapsedCancellations returns subscriptions set to cancel at period end
// whose period finished before now and that are still marked entitling.
func (s *Store) ListLapsedCancellations(ctx context.Context, now time.Time) ([]models.Subscription, error) {
	query := `SELECT` + subscriptionColumns + `
FROM subscriptions
WHERE cancel_at_period_end
  AND current_period_end IS NOT NULL
  AND current_period_end < $1
  AND status IN ('active', 'trialing', 'past_due')
ORDER BY current_period_end ASC`

	rows, err := s.db.QueryContext(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("store: list lapsed cancellations: %w", err)
	}
	defer rows.Close()

	return collectSubscriptions(rows)
}

func collectSubscriptions(rows *sql.Rows) ([]models.Subscription, error) {
	var subs []models.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan subscription: %w", err)
		}
		subs = append(subs, *sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate subscriptions: %w", err)
	}
	return subs, nil
}

// CreateCheckoutSession records a session handed out by the processor.
// Re-recording the same id is a no-op.
func (s *Store) CreateCheckoutSession(ctx context.Context, cs *models.CheckoutSession) error {
	query := `
INSERT INTO checkout_sessions (id, user_id, plan_slug, billing_cycle, status)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO NOTHING
	`

	status := cs.Status
	if status == "" {
		status = models.CheckoutPending
	}
	if _, err := s.db.ExecContext(ctx, query, cs.ID, cs.UserID, cs.PlanSlug, cs.BillingCycle, status); err != nil {
		return fmt.Errorf("store: create checkout session: %w", err)
	}
	cs.Status = status
	return nil
}

// GetCheckoutSession fetches a recorded checkout session.
func (s *Store) GetCheckoutSession(ctx context.Context, id string) (*models.CheckoutSession, error) {
	query := `
SELECT id, user_id, plan_slug, billing_cycle, status, created_at, updated_at
FROM checkout_sessions
WHERE id = $1
	`

	var cs models.CheckoutSession
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&cs.ID, &cs.UserID, &cs.PlanSlug, &cs.BillingCycle, &cs.Status, &cs.CreatedAt, &cs.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCheckoutSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get checkout session: %w", err)
	}
	return &cs, nil
}

// LatestPendingCheckout returns the newest pending checkout for userID
// created after since, or nil.
func (s *Store) LatestPendingCheckout(ctx context.Context, userID string, since time.Time) (*models.CheckoutSession, error) {
	query := `
SELECT id, user_id, plan_slug, billing_cycle, status, created_at, updated_at
FROM checkout_sessions
WHERE user_id = $1 AND status = 'pending' AND created_at >= $2
ORDER BY created_at DESC
LIMIT 1
	`

	var cs models.CheckoutSession
	err := s.db.QueryRowContext(ctx, query, userID, since).Scan(
		&cs.ID, &cs.UserID, &cs.PlanSlug, &cs.BillingCycle, &cs.Status, &cs.CreatedAt, &cs.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: latest pending checkout: %w", err)
	}
	return &cs, nil
}

// SetCheckoutSessionStatus moves a checkout session to status.
func (s *Store) SetCheckoutSessionStatus(ctx context.Context, id string, status models.CheckoutSessionStatus) error {
	query := `
UPDATE checkout_sessions
SET status = $2, updated_at = now()
WHERE id = $1 AND status <> $2
	`

	if _, err := s.db.ExecContext(ctx, query, id, status); err != nil {
		return fmt.Errorf("store: set checkout session status: %w", err)
	}
	return nil
}

// SavePayment inserts or refreshes an invoice outcome.
func (s *Store) SavePayment(ctx context.Context, p *models.PaymentRecord) error {
	query := `
INSERT INTO payment_history (
	user_id, payment_customer_id, processor_invoice_id, number, amount_cents,
	currency, status, description, invoice_pdf_url, hosted_invoice_url
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (processor_invoice_id) DO UPDATE SET
	status = EXCLUDED.status,
	amount_cents = EXCLUDED.amount_cents,
	number = COALESCE(EXCLUDED.number, payment_history.number),
	invoice_pdf_url = COALESCE(EXCLUDED.invoice_pdf_url, payment_history.invoice_pdf_url),
	hosted_invoice_url = COALESCE(EXCLUDED.hosted_invoice_url, payment_history.hosted_invoice_url)
RETURNING id, created_at
	`

	err := s.db.QueryRowContext(ctx, query,
		p.UserID,
		p.PaymentCustomerID,
		p.ProcessorInvoiceID,
		p.Number,
		p.AmountCents,
		p.Currency,
		p.Status,
		p.Description,
		p.InvoicePDFURL,
		p.HostedInvoiceURL,
	).Scan(&p.ID, &p.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: save payment: %w", err)
	}
	return nil
}

const paymentColumns = `
	id, user_id, payment_customer_id, processor_invoice_id, number, amount_cents,
	currency, status, description, invoice_pdf_url, hosted_invoice_url, created_at`

func scanPayment(row rowScanner) (*models.PaymentRecord, error) {
	var p models.PaymentRecord
	if err := row.Scan(
		&p.ID,
		&p.UserID,
		&p.PaymentCustomerID,
		&p.ProcessorInvoiceID,
		&p.Number,
		&p.AmountCents,
		&p.Currency,
		&p.Status,
		&p.Description,
		&p.InvoicePDFURL,
		&p.HostedInvoiceURL,
		&p.CreatedAt,
	); err != nil {
		return nil, err
	}
	return &p, nil
}

// GetPaymentHistory returns the latest invoices for userID.
func (s *Store) GetPaymentHistory(ctx context.Context, userID string, limit int) ([]models.PaymentRecord, error) {
	if limit <= 0 {
		limit = defaultPageSize
	}

	query := `SELECT` + paymentColumns + `
FROM payment_history
WHERE user_id = $1
ORDER BY created_at DESC
LIMIT $2`

	rows, err := s.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: get payment history: %w", err)
	}
	defer rows.Close()

	var payments []models.PaymentRecord
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan payment: %w", err)
		}
		payments = append(payments, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate payments: %w", err)
	}
	return payments, nil
}

// GetPaymentByInvoice returns invoiceID when it belongs to userID.
func (s *Store) GetPaymentByInvoice(ctx context.Context, userID, invoiceID string) (*models.PaymentRecord, error) {
	query := `SELECT` + paymentColumns + `
FROM payment_history
WHERE user_id = $1 AND processor_invoice_id = $2`

	p, err := scanPayment(s.db.QueryRowContext(ctx, query, userID, invoiceID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get payment by invoice: %w", err)
	}
	return p, nil
}

// ClaimWebhookEvent records a processor event. It returns false when the
// event was already processed, so deliveries are handled at most once; an
// event whose earlier processing failed can be claimed again.
func (s *Store) ClaimWebhookEvent(ctx context.Context, id, eventType string) (bool, error) {
	query := `
INSERT INTO webhook_events (id, event_type)
VALUES ($1, $2)
ON CONFLICT (id) DO UPDATE SET received_at = now()
WHERE webhook_events.processed_at IS NULL
RETURNING id
	`

	var claimed string
	err := s.db.QueryRowContext(ctx, query, id, eventType).Scan(&claimed)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: claim webhook event: %w", err)
	}
	return true, nil
}

// FinishWebhookEvent marks an event processed, or stores the failure so the
// processor's redelivery can retry it.
func (s *Store) FinishWebhookEvent(ctx context.Context, id string, procErr error) error {
	var query string
	var args []any
	if procErr == nil {
		query = `UPDATE webhook_events SET processed_at = now(), last_error = NULL WHERE id = $1`
		args = []any{id}
	} else {
		query = `UPDATE webhook_events SET last_error = $2 WHERE id = $1`
		args = []any{id, procErr.Error()}
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("store: finish webhook event: %w", err)
	}
	return nil
}
