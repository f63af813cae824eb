package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	stripeapi "github.com/stripe/stripe-go/v76"
	"go.uber.org/zap"
)

// Processor event types the service reacts to.
const (
	EventTypeCheckoutCompleted     = "checkout.session.completed"
	EventTypeCheckoutExpired       = "checkout.session.expired"
	EventTypeSubscriptionCreated   = "customer.subscription.created"
	EventTypeSubscriptionUpdated   = "customer.subscription.updated"
	EventTypeSubscriptionDeleted   = "customer.subscription.deleted"
	EventTypeInvoicePaymentSuccess = "invoice.payment_succeeded"
	EventTypeInvoicePaid           = "invoice.paid"
	EventTypeInvoicePaymentFailed  = "invoice.payment_failed"
)

// HandleEvent applies a verified processor event. It returns the result
// label used for logging and metrics: "processed", "ignored" or
// "unmatched". Unmatched objects are not errors.
func (s *Service) HandleEvent(ctx context.Context, event stripeapi.Event) (string, error) {
	source := "webhook:" + event.ID
	if event.Data == nil {
		return "ignored", nil
	}

	var err error
	switch string(event.Type) {
	case EventTypeCheckoutCompleted, EventTypeCheckoutExpired:
		var cs stripeapi.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &cs); err != nil {
			return "", fmt.Errorf("unmarshal checkout session: %w", err)
		}
		err = s.CompleteCheckout(ctx, &cs, source)

	case EventTypeSubscriptionCreated, EventTypeSubscriptionUpdated:
		var sub stripeapi.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return "", fmt.Errorf("unmarshal subscription: %w", err)
		}
		_, err = s.ApplySubscription(ctx, &sub, "", source)

	case EventTypeSubscriptionDeleted:
		var sub stripeapi.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return "", fmt.Errorf("unmarshal subscription: %w", err)
		}
		err = s.RevokeSubscription(ctx, &sub, source)

	case EventTypeInvoicePaymentSuccess, EventTypeInvoicePaid, EventTypeInvoicePaymentFailed:
		var inv stripeapi.Invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return "", fmt.Errorf("unmarshal invoice: %w", err)
		}
		err = s.RecordInvoice(ctx, &inv, string(event.Type) == EventTypeInvoicePaymentFailed)

	default:
		s.logger.Debug("unhandled webhook event type", zap.String("type", string(event.Type)))
		return "ignored", nil
	}

	if errors.Is(err, ErrStaleSubscription) {
		return "ignored", nil
	}
	if errors.Is(err, ErrUnmatchedSubscription) {
		s.logger.Warn("webhook event matches no account",
			zap.String("event_id", event.ID),
			zap.String("type", string(event.Type)))
		return "unmatched", nil
	}
	if err != nil {
		return "", err
	}
	return "processed", nil
}
