package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	stripeapi "github.com/stripe/stripe-go/v76"
	"go.uber.org/zap"

	"github.com/mscandco/distro-platform/backend/internal/metrics"
	"github.com/mscandco/distro-platform/backend/internal/stripe"
)

const maxWebhookBody = 64 << 10

// EventVerifier checks the processor signature and decodes the event.
type EventVerifier interface {
	ConstructEvent(payload []byte, signature string) (stripeapi.Event, error)
}

// EventLog de-duplicates deliveries by processor event id.
type EventLog interface {
	ClaimWebhookEvent(ctx context.Context, id, eventType string) (bool, error)
	FinishWebhookEvent(ctx context.Context, id string, procErr error) error
}

// EventHandler applies a verified event.
type EventHandler interface {
	HandleEvent(ctx context.Context, event stripeapi.Event) (string, error)
}

// WebhookHandler receives processor webhooks. It is the only writer of
// entitlements besides the reconcile jobs.
type WebhookHandler struct {
	verifier EventVerifier
	events   EventLog
	handler  EventHandler
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// NewWebhookHandler creates a WebhookHandler.
func NewWebhookHandler(v EventVerifier, events EventLog, h EventHandler, m *metrics.Metrics, logger *zap.Logger) *WebhookHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookHandler{verifier: v, events: events, handler: h, metrics: m, logger: logger.Named("webhook")}
}

// ServeHTTP verifies, de-duplicates and applies one delivery. A 5xx asks
// the processor to redeliver.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	if len(body) > maxWebhookBody {
		writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}

	event, err := h.verifier.ConstructEvent(body, r.Header.Get("Stripe-Signature"))
	switch {
	case errors.Is(err, stripe.ErrNotConfigured):
		h.logger.Error("webhook secret not configured")
		writeError(w, http.StatusServiceUnavailable, "webhooks not configured")
		return
	case err != nil:
		h.logger.Warn("rejected webhook", zap.Error(err))
		h.metrics.RecordWebhook("unknown", "invalid_signature")
		writeError(w, http.StatusBadRequest, "invalid signature")
		return
	}

	eventType := string(event.Type)
	log := h.logger.With(zap.String("event_id", event.ID), zap.String("type", eventType))

	first, err := h.events.ClaimWebhookEvent(r.Context(), event.ID, eventType)
	if err != nil {
		log.Error("claim webhook event", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !first {
		log.Debug("duplicate delivery")
		h.metrics.RecordWebhook(eventType, "duplicate")
		writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
		return
	}

	result, procErr := h.handler.HandleEvent(r.Context(), event)
	if err := h.events.FinishWebhookEvent(r.Context(), event.ID, procErr); err != nil {
		log.Error("finish webhook event", zap.Error(err))
	}
	if procErr != nil {
		log.Error("webhook processing failed", zap.Error(procErr))
		h.metrics.RecordWebhook(eventType, "error")
		writeError(w, http.StatusInternalServerError, "processing failed")
		return
	}

	log.Info("webhook processed", zap.String("result", result))
	h.metrics.RecordWebhook(eventType, result)
	writeJSON(w, http.StatusOK, map[string]string{"status": result})
}
