package handlers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripeapi "github.com/stripe/stripe-go/v76"

	"github.com/mscandco/distro-platform/backend/internal/metrics"
	"github.com/mscandco/distro-platform/backend/internal/stripe"
)

type fakeVerifier struct{ err error }

func (f fakeVerifier) ConstructEvent(payload []byte, sig string) (stripeapi.Event, error) {
	if f.err != nil {
		return stripeapi.Event{}, f.err
	}
	if sig != "good" {
		return stripeapi.Event{}, fmt.Errorf("%w: bad", stripe.ErrInvalidSignature)
	}
	return stripeapi.Event{ID: "evt_1", Type: "checkout.session.completed", Data: &stripeapi.EventData{Raw: payload}}, nil
}

type fakeEventLog struct {
	claimed  map[string]bool
	finished map[string]error
	claimErr error
}

func newFakeEventLog() *fakeEventLog {
	return &fakeEventLog{claimed: map[string]bool{}, finished: map[string]error{}}
}

func (f *fakeEventLog) ClaimWebhookEvent(_ context.Context, id, _ string) (bool, error) {
	if f.claimErr != nil {
		return false, f.claimErr
	}
	if _, done := f.finished[id]; done && f.finished[id] == nil {
		return false, nil
	}
	f.claimed[id] = true
	return true, nil
}

func (f *fakeEventLog) FinishWebhookEvent(_ context.Context, id string, procErr error) error {
	f.finished[id] = procErr
	return nil
}

type fakeEventHandler struct {
	calls  int
	result string
	err    error
}

func (f *fakeEventHandler) HandleEvent(context.Context, stripeapi.Event) (string, error) {
	f.calls++
	return f.result, f.err
}

func postWebhook(h http.Handler, body []byte, sig string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/stripe", bytes.NewReader(body))
	req.Header.Set("Stripe-Signature", sig)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestWebhookProcessesOnce(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	events := newFakeEventLog()
	handler := &fakeEventHandler{result: "processed"}
	h := NewWebhookHandler(fakeVerifier{}, events, handler, m, nil)

	rec := postWebhook(h, []byte(`{"id":"cs_1"}`), "good")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"processed"}`, rec.Body.String())

	rec = postWebhook(h, []byte(`{"id":"cs_1"}`), "good")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"duplicate"}`, rec.Body.String())

	assert.Equal(t, 1, handler.calls)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.WebhookEventsTotal.WithLabelValues("checkout.session.completed", "processed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.WebhookEventsTotal.WithLabelValues("checkout.session.completed", "duplicate")))
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	handler := &fakeEventHandler{}
	h := NewWebhookHandler(fakeVerifier{}, newFakeEventLog(), handler, nil, nil)

	rec := postWebhook(h, []byte(`{}`), "forged")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, handler.calls)
}

func TestWebhookNotConfigured(t *testing.T) {
	h := NewWebhookHandler(fakeVerifier{err: stripe.ErrNotConfigured}, newFakeEventLog(), &fakeEventHandler{}, nil, nil)

	rec := postWebhook(h, []byte(`{}`), "good")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestWebhookBodyLimit(t *testing.T) {
	handler := &fakeEventHandler{}
	h := NewWebhookHandler(fakeVerifier{}, newFakeEventLog(), handler, nil, nil)

	rec := postWebhook(h, []byte(strings.Repeat("x", maxWebhookBody+1)), "good")
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Zero(t, handler.calls)
}

func TestWebhookFailureAllowsRedelivery(t *testing.T) {
	events := newFakeEventLog()
	handler := &fakeEventHandler{err: errors.New("db down")}
	h := NewWebhookHandler(fakeVerifier{}, events, handler, nil, nil)

	rec := postWebhook(h, []byte(`{}`), "good")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "db down")
	assert.Error(t, events.finished["evt_1"])

	handler.err, handler.result = nil, "processed"
	rec = postWebhook(h, []byte(`{}`), "good")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, handler.calls)
}

func TestWebhookClaimError(t *testing.T) {
	events := newFakeEventLog()
	events.claimErr = errors.New("timeout")
	handler := &fakeEventHandler{}
	h := NewWebhookHandler(fakeVerifier{}, events, handler, nil, nil)

	rec := postWebhook(h, []byte(`{}`), "good")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Zero(t, handler.calls)
}
