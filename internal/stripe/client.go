// Package stripe talks to the Stripe API on behalf of the billing service.
package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"
	stripeapi "github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"
	"go.uber.org/zap"
)

var (
	// ErrNotConfigured means no secret key (or webhook secret) is set.
	ErrNotConfigured = errors.New("stripe: not configured")
	// ErrUnavailable covers transport failures, 5xx answers and an open breaker.
	ErrUnavailable = errors.New("stripe: unavailable")
	// ErrRejected means Stripe understood the request and refused it.
	ErrRejected = errors.New("stripe: request rejected")
	// ErrInvalidSignature is returned for webhook payloads that fail verification.
	ErrInvalidSignature = errors.New("stripe: invalid webhook signature")
)

// Config holds the Stripe settings.
type Config struct {
	SecretKey     string
	WebhookSecret string
	// APIURL overrides https://api.stripe.com (stripe-mock, tests).
	APIURL            string
	MaxNetworkRetries int64
	Timeout           time.Duration
}

// Client wraps the stripe-go API client with a circuit breaker and error
// classification.
type Client struct {
	api           *client.API
	webhookSecret string
	breaker       *gobreaker.CircuitBreaker[any]
	logger        *zap.Logger
}

// NewClient builds a Client. A missing secret key yields a Client whose API
// calls all fail with ErrNotConfigured.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("stripe")

	c := &Client{
		webhookSecret: cfg.WebhookSecret,
		logger:        logger,
		breaker: gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
			Name:        "stripe",
			MaxRequests: 1,
			Interval:    60 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			IsSuccessful: func(err error) bool {
				return err == nil || !errors.Is(err, ErrUnavailable)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("circuit breaker state change",
					zap.String("breaker", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()))
			},
		}),
	}

	if cfg.SecretKey == "" {
		return c
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	backendCfg := &stripeapi.BackendConfig{
		HTTPClient:        &http.Client{Timeout: timeout},
		MaxNetworkRetries: stripeapi.Int64(cfg.MaxNetworkRetries),
		LeveledLogger:     logger.Named("sdk").Sugar(),
	}
	if cfg.APIURL != "" {
		backendCfg.URL = stripeapi.String(cfg.APIURL)
	}

	backends := &stripeapi.Backends{
		API:     stripeapi.GetBackendWithConfig(stripeapi.APIBackend, backendCfg),
		Connect: stripeapi.GetBackendWithConfig(stripeapi.ConnectBackend, backendCfg),
		Uploads: stripeapi.GetBackendWithConfig(stripeapi.UploadsBackend, backendCfg),
	}
	c.api = client.New(cfg.SecretKey, backends)
	return c
}

// Configured reports whether API calls can be made.
func (c *Client) Configured() bool {
	return c.api != nil
}

// call runs fn through the breaker and maps failures onto the package errors.
func call[T any](c *Client, op string, fn func() (T, error)) (T, error) {
	var zero T
	if c.api == nil {
		return zero, ErrNotConfigured
	}

	out, err := c.breaker.Execute(func() (any, error) {
		v, err := fn()
		if err != nil {
			return nil, classify(err)
		}
		return v, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		c.logger.Warn("stripe call failed", zap.String("op", op), zap.Error(err))
		return zero, fmt.Errorf("%s: %w", op, err)
	}
	return out.(T), nil
}

func classify(err error) error {
	var serr *stripeapi.Error
	if errors.As(err, &serr) {
		switch {
		case serr.HTTPStatusCode == http.StatusUnauthorized:
			return fmt.Errorf("%w: %s", ErrNotConfigured, serr.Msg)
		case serr.HTTPStatusCode >= 500 || serr.HTTPStatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("%w: %s", ErrUnavailable, serr.Msg)
		case serr.HTTPStatusCode > 0:
			return fmt.Errorf("%w: %s", ErrRejected, serr.Msg)
		}
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// CheckoutParams describes a subscription checkout.
type CheckoutParams struct {
	PriceID        string
	CustomerID     string
	CustomerEmail  string
	UserID         string
	SuccessURL     string
	CancelURL      string
	Metadata       map[string]string
	IdempotencyKey string
}

// CheckoutSession is the part of a created session the caller needs.
type CheckoutSession struct {
	ID  string
	URL string
}

// CreateCheckoutSession starts a hosted subscription checkout.
func (c *Client) CreateCheckoutSession(ctx context.Context, p CheckoutParams) (*CheckoutSession, error) {
	return call(c, "create checkout session", func() (*CheckoutSession, error) {
		params := &stripeapi.CheckoutSessionParams{
			Mode: stripeapi.String(string(stripeapi.CheckoutSessionModeSubscription)),
			LineItems: []*stripeapi.CheckoutSessionLineItemParams{
				{Price: stripeapi.String(p.PriceID), Quantity: stripeapi.Int64(1)},
			},
			SuccessURL:        stripeapi.String(p.SuccessURL),
			CancelURL:         stripeapi.String(p.CancelURL),
			ClientReferenceID: stripeapi.String(p.UserID),
			SubscriptionData: &stripeapi.CheckoutSessionSubscriptionDataParams{
				Metadata: p.Metadata,
			},
		}
		if p.CustomerID != "" {
			params.Customer = stripeapi.String(p.CustomerID)
		} else if p.CustomerEmail != "" {
			params.CustomerEmail = stripeapi.String(p.CustomerEmail)
		}
		params.Metadata = p.Metadata
		params.Context = ctx
		if p.IdempotencyKey != "" {
			params.SetIdempotencyKey(p.IdempotencyKey)
		}

		sess, err := c.api.CheckoutSessions.New(params)
		if err != nil {
			return nil, err
		}
		return &CheckoutSession{ID: sess.ID, URL: sess.URL}, nil
	})
}

// GetCheckoutSession fetches a session with its subscription expanded.
func (c *Client) GetCheckoutSession(ctx context.Context, id string) (*stripeapi.CheckoutSession, error) {
	return call(c, "get checkout session", func() (*stripeapi.CheckoutSession, error) {
		params := &stripeapi.CheckoutSessionParams{}
		params.Context = ctx
		params.AddExpand("subscription")
		return c.api.CheckoutSessions.Get(id, params)
	})
}

// CreatePortalSession opens the hosted billing portal for customerID.
func (c *Client) CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	return call(c, "create portal session", func() (string, error) {
		params := &stripeapi.BillingPortalSessionParams{
			Customer:  stripeapi.String(customerID),
			ReturnURL: stripeapi.String(returnURL),
		}
		params.Context = ctx

		sess, err := c.api.BillingPortalSessions.New(params)
		if err != nil {
			return "", err
		}
		return sess.URL, nil
	})
}

// GetSubscription fetches a subscription.
func (c *Client) GetSubscription(ctx context.Context, id string) (*stripeapi.Subscription, error) {
	return call(c, "get subscription", func() (*stripeapi.Subscription, error) {
		params := &stripeapi.SubscriptionParams{}
		params.Context = ctx
		return c.api.Subscriptions.Get(id, params)
	})
}

// CancelAtPeriodEnd schedules a subscription to end with its current period.
func (c *Client) CancelAtPeriodEnd(ctx context.Context, id string) (*stripeapi.Subscription, error) {
	return call(c, "cancel subscription", func() (*stripeapi.Subscription, error) {
		params := &stripeapi.SubscriptionParams{CancelAtPeriodEnd: stripeapi.Bool(true)}
		params.Context = ctx
		return c.api.Subscriptions.Update(id, params)
	})
}

// CreateProduct creates a product and returns its id.
func (c *Client) CreateProduct(ctx context.Context, name string, metadata map[string]string) (string, error) {
	return call(c, "create product", func() (string, error) {
		params := &stripeapi.ProductParams{Name: stripeapi.String(name)}
		params.Metadata = metadata
		params.Context = ctx

		product, err := c.api.Products.New(params)
		if err != nil {
			return "", err
		}
		return product.ID, nil
	})
}

// CreateRecurringPrice creates a recurring price on productID. interval is
// "month" or "year".
func (c *Client) CreateRecurringPrice(ctx context.Context, productID string, amountCents int64, currency, interval, lookupKey string) (string, error) {
	return call(c, "create price", func() (string, error) {
		params := &stripeapi.PriceParams{
			Product:    stripeapi.String(productID),
			UnitAmount: stripeapi.Int64(amountCents),
			Currency:   stripeapi.String(currency),
			Recurring:  &stripeapi.PriceRecurringParams{Interval: stripeapi.String(interval)},
		}
		if lookupKey != "" {
			params.LookupKey = stripeapi.String(lookupKey)
		}
		params.Context = ctx

		price, err := c.api.Prices.New(params)
		if err != nil {
			return "", err
		}
		return price.ID, nil
	})
}

// ConstructEvent verifies the Stripe-Signature header and parses payload.
func (c *Client) ConstructEvent(payload []byte, signature string) (stripeapi.Event, error) {
	if c.webhookSecret == "" {
		return stripeapi.Event{}, ErrNotConfigured
	}

	event, err := webhook.ConstructEventWithOptions(payload, signature, c.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return stripeapi.Event{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return event, nil
}
