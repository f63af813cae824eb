package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mscandco/distro-platform/backend/internal/billing"
	"github.com/mscandco/distro-platform/backend/internal/models"
	"github.com/mscandco/distro-platform/backend/internal/plans"
	"github.com/mscandco/distro-platform/backend/internal/session"
)

const (
	defaultHistoryLimit = 24
	maxHistoryLimit     = 100
	defaultAdminPage    = 50
	maxRequestBody      = 16 << 10
)

// BillingService is the billing API the HTTP layer exposes.
type BillingService interface {
	Plan(ctx context.Context, sess session.Context, cycle string) (plans.ViewModel, error)
	Entitlement(ctx context.Context, sess session.Context) (billing.EntitlementView, error)
	CreateCheckoutSession(ctx context.Context, sess session.Context, req billing.CheckoutRequest) (string, error)
	CreatePortalSession(ctx context.Context, sess session.Context, req billing.PortalRequest) (string, error)
	CancelSubscription(ctx context.Context, sess session.Context) (*models.Subscription, error)
	CheckoutReturn(ctx context.Context, sess session.Context, success, canceled bool, sessionID string) (billing.ReturnView, error)
	PaymentHistory(ctx context.Context, sess session.Context, limit int) ([]models.PaymentRecord, error)
	InvoiceURL(ctx context.Context, sess session.Context, invoiceID string) (string, error)
	ListSubscriptions(ctx context.Context, limit, offset int) ([]models.Subscription, error)
}

// BillingHandler serves the /api/billing routes.
type BillingHandler struct {
	svc    BillingService
	logger *zap.Logger
}

// NewBillingHandler creates a BillingHandler.
func NewBillingHandler(svc BillingService, logger *zap.Logger) *BillingHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BillingHandler{svc: svc, logger: logger.Named("billing-http")}
}

// sessionOr401 writes a 401 and returns false when the request has no
// session.
func sessionOr401(w http.ResponseWriter, r *http.Request) (session.Context, bool) {
	sess, err := session.Require(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "not authenticated")
		return session.Context{}, false
	}
	return sess, true
}

// decodeBody reads a JSON body. An empty body leaves dst untouched.
func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Plan returns the billing page view model.
func (h *BillingHandler) Plan() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, ok := sessionOr401(w, r)
		if !ok {
			return
		}

		vm, err := h.svc.Plan(r.Context(), sess, r.URL.Query().Get("billing_cycle"))
		if err != nil {
			writeServiceError(w, h.logger, "plan", err)
			return
		}
		writeJSON(w, http.StatusOK, vm)
	}
}

// Entitlement returns the signed entitlement projection.
func (h *BillingHandler) Entitlement() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, ok := sessionOr401(w, r)
		if !ok {
			return
		}

		view, err := h.svc.Entitlement(r.Context(), sess)
		if err != nil {
			writeServiceError(w, h.logger, "entitlement", err)
			return
		}
		w.Header().Set("Cache-Control", "no-store")
		writeJSON(w, http.StatusOK, view)
	}
}

// CreateCheckoutSession starts a hosted checkout and returns its URL.
func (h *BillingHandler) CreateCheckoutSession() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, ok := sessionOr401(w, r)
		if !ok {
			return
		}

		var req billing.CheckoutRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON payload")
			return
		}

		url, err := h.svc.CreateCheckoutSession(r.Context(), sess, req)
		if err != nil {
			writeServiceError(w, h.logger, "create checkout session", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"url": url})
	}
}

// CreatePortalSession returns a customer portal URL.
func (h *BillingHandler) CreatePortalSession() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, ok := sessionOr401(w, r)
		if !ok {
			return
		}

		var req billing.PortalRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON payload")
			return
		}

		url, err := h.svc.CreatePortalSession(r.Context(), sess, req)
		if err != nil {
			writeServiceError(w, h.logger, "create portal session", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"url": url})
	}
}

// CancelSubscription schedules cancellation at the end of the period.
func (h *BillingHandler) CancelSubscription() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, ok := sessionOr401(w, r)
		if !ok {
			return
		}

		sub, err := h.svc.CancelSubscription(r.Context(), sess)
		if err != nil {
			writeServiceError(w, h.logger, "cancel subscription", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":            "pending_cancellation",
			"cancelAtPeriodEnd": sub.CancelAtPeriodEnd,
			"currentPeriodEnd":  sub.CurrentPeriodEnd,
		})
	}
}

// CheckoutReturn handles the redirect back from hosted checkout. It never
// grants anything; it queues reconciliation and reports the server view.
func (h *BillingHandler) CheckoutReturn() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, ok := sessionOr401(w, r)
		if !ok {
			return
		}

		q := r.URL.Query()
		success, _ := strconv.ParseBool(q.Get("success"))
		canceled, _ := strconv.ParseBool(q.Get("canceled"))

		view, err := h.svc.CheckoutReturn(r.Context(), sess, success, canceled, q.Get("session_id"))
		if err != nil {
			writeServiceError(w, h.logger, "checkout return", err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	}
}

// PaymentHistory lists the caller's invoices.
func (h *BillingHandler) PaymentHistory() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, ok := sessionOr401(w, r)
		if !ok {
			return
		}

		limit := defaultHistoryLimit
		if override := r.URL.Query().Get("limit"); override != "" {
			if parsed, err := strconv.Atoi(override); err == nil && parsed > 0 {
				limit = min(parsed, maxHistoryLimit)
			}
		}

		payments, err := h.svc.PaymentHistory(r.Context(), sess, limit)
		if err != nil {
			writeServiceError(w, h.logger, "payment history", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"payments": payments})
	}
}

// Invoice redirects to the processor-hosted invoice document.
func (h *BillingHandler) Invoice() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, ok := sessionOr401(w, r)
		if !ok {
			return
		}

		url, err := h.svc.InvoiceURL(r.Context(), sess, chi.URLParam(r, "id"))
		if err != nil {
			writeServiceError(w, h.logger, "invoice", err)
			return
		}
		http.Redirect(w, r, url, http.StatusFound)
	}
}

// ListSubscriptions pages through all subscriptions for administrators.
func (h *BillingHandler) ListSubscriptions() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, offset := defaultAdminPage, 0
		q := r.URL.Query()
		if v, err := strconv.Atoi(q.Get("limit")); err == nil && v > 0 && v <= 500 {
			limit = v
		}
		if v, err := strconv.Atoi(q.Get("offset")); err == nil && v > 0 {
			offset = v
		}

		subs, err := h.svc.ListSubscriptions(r.Context(), limit, offset)
		if err != nil {
			writeServiceError(w, h.logger, "list subscriptions", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"subscriptions": subs,
			"count":         len(subs),
			"limit":         limit,
			"offset":        offset,
		})
	}
}
