package models

import "time"

// SubscriptionStatus mirrors the processor's subscription status values.
type SubscriptionStatus string

const (
	StatusIncomplete        SubscriptionStatus = "incomplete"
	StatusIncompleteExpired SubscriptionStatus = "incomplete_expired"
	StatusTrialing          SubscriptionStatus = "trialing"
	StatusActive            SubscriptionStatus = "active"
	StatusPastDue           SubscriptionStatus = "past_due"
	StatusCanceled          SubscriptionStatus = "canceled"
	StatusUnpaid            SubscriptionStatus = "unpaid"
	StatusPaused            SubscriptionStatus = "paused"
)

// Entitling reports whether a subscription in this status unlocks paid
// features.
func (s SubscriptionStatus) Entitling() bool {
	switch s {
	case StatusActive, StatusTrialing, StatusPastDue:
		return true
	default:
		return false
	}
}

// Subscription is the authoritative per-user subscription record.
type Subscription struct {
	ID                      int64              `json:"id"`
	UserID                  string             `json:"user_id"`
	UserEmail               string             `json:"user_email"`
	RoleCategory            string             `json:"role_category"`
	PlanSlug                string             `json:"plan"`
	Status                  SubscriptionStatus `json:"status"`
	BillingInterval         string             `json:"billing_interval"`
	PaymentCustomerID       string             `json:"payment_customer_id"`
	ProcessorSubscriptionID *string            `json:"processor_subscription_id,omitempty"`
	CurrentPeriodEnd        *time.Time         `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd       bool               `json:"cancel_at_period_end"`
	CanceledAt              *time.Time         `json:"canceled_at,omitempty"`
	CreatedAt               time.Time          `json:"created_at"`
	UpdatedAt               time.Time          `json:"updated_at"`
}

// Entitlement is the stored Pro flag for one (user, role category) pair.
type Entitlement struct {
	UserID       string    `json:"user_id"`
	RoleCategory string    `json:"role_category"`
	Entitled     bool      `json:"entitled"`
	Source       string    `json:"source"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// CheckoutSessionStatus tracks a processor checkout from our side.
type CheckoutSessionStatus string

const (
	CheckoutPending   CheckoutSessionStatus = "pending"
	CheckoutCompleted CheckoutSessionStatus = "completed"
	CheckoutExpired   CheckoutSessionStatus = "expired"
)

// CheckoutSession records a checkout that was handed to the processor.
type CheckoutSession struct {
	ID           string                `json:"id"`
	UserID       string                `json:"user_id"`
	PlanSlug     string                `json:"plan"`
	BillingCycle string                `json:"billing_cycle"`
	Status       CheckoutSessionStatus `json:"status"`
	CreatedAt    time.Time             `json:"created_at"`
	UpdatedAt    time.Time             `json:"updated_at"`
}

// PaymentRecord is one invoice outcome reported by the processor.
type PaymentRecord struct {
	ID                 int64     `json:"id"`
	UserID             string    `json:"user_id"`
	PaymentCustomerID  string    `json:"payment_customer_id"`
	ProcessorInvoiceID string    `json:"invoice_id"`
	Number             *string   `json:"number,omitempty"`
	AmountCents        int64     `json:"amount_cents"`
	Currency           string    `json:"currency"`
	Status             string    `json:"status"`
	Description        *string   `json:"description,omitempty"`
	InvoicePDFURL      *string   `json:"-"`
	HostedInvoiceURL   *string   `json:"-"`
	CreatedAt          time.Time `json:"created_at"`
}

// PlanPrice maps a catalog plan and billing cycle to a processor price.
type PlanPrice struct {
	PlanSlug         string    `json:"plan"`
	BillingCycle     string    `json:"billing_cycle"`
	ProcessorProduct string    `json:"processor_product_id"`
	ProcessorPrice   string    `json:"processor_price_id"`
	AmountCents      int64     `json:"amount_cents"`
	Currency         string    `json:"currency"`
	Active           bool      `json:"active"`
	CreatedAt        time.Time `json:"created_at"`
}
