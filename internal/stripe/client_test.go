package stripe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(Config{SecretKey: "sk_test_123", APIURL: srv.URL}, zap.NewNop())
}

func closedServerURL(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	return url
}

func TestClientNotConfigured(t *testing.T) {
	c := NewClient(Config{}, nil)
	assert.False(t, c.Configured())

	_, err := c.CreateCheckoutSession(context.Background(), CheckoutParams{PriceID: "price_1"})
	assert.ErrorIs(t, err, ErrNotConfigured)

	_, err = c.CreatePortalSession(context.Background(), "cus_1", "http://localhost/billing")
	assert.ErrorIs(t, err, ErrNotConfigured)

	_, err = c.ConstructEvent([]byte(`{}`), "t=1,v1=abc")
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestCreateCheckoutSession(t *testing.T) {
	var gotPath, gotKey string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("Idempotency-Key")
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "subscription", r.PostForm.Get("mode"))
		assert.Equal(t, "price_pro_yearly", r.PostForm.Get("line_items[0][price]"))
		assert.Equal(t, "user-1", r.PostForm.Get("client_reference_id"))
		assert.Equal(t, "artist@example.com", r.PostForm.Get("customer_email"))

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"cs_test_1","object":"checkout.session","url":"https://checkout.example/cs_test_1"}`)
	})

	sess, err := c.CreateCheckoutSession(context.Background(), CheckoutParams{
		PriceID:        "price_pro_yearly",
		CustomerEmail:  "artist@example.com",
		UserID:         "user-1",
		SuccessURL:     "http://localhost/billing?success=true",
		CancelURL:      "http://localhost/billing?canceled=true",
		IdempotencyKey: "idem-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "cs_test_1", sess.ID)
	assert.Equal(t, "https://checkout.example/cs_test_1", sess.URL)
	assert.Equal(t, "/v1/checkout/sessions", gotPath)
	assert.Equal(t, "idem-1", gotKey)
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   error
	}{
		{name: "bad key", status: http.StatusUnauthorized, want: ErrNotConfigured},
		{name: "bad request", status: http.StatusBadRequest, want: ErrRejected},
		{name: "server error", status: http.StatusInternalServerError, want: ErrUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				fmt.Fprint(w, `{"error":{"type":"invalid_request_error","message":"nope"}}`)
			})
			_, err := c.CreatePortalSession(context.Background(), "cus_1", "http://localhost/billing")
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestUnreachableProcessorOpensBreaker(t *testing.T) {
	c := NewClient(Config{SecretKey: "sk_test_123", APIURL: closedServerURL(t), Timeout: time.Second}, zap.NewNop())

	for i := 0; i < 5; i++ {
		_, err := c.GetSubscription(context.Background(), "sub_1")
		require.ErrorIs(t, err, ErrUnavailable)
	}

	_, err := c.GetSubscription(context.Background(), "sub_1")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Contains(t, err.Error(), "circuit breaker is open")
}

func signPayload(secret string, ts time.Time, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	unix := strconv.FormatInt(ts.Unix(), 10)
	mac.Write([]byte(unix))
	mac.Write([]byte("."))
	mac.Write(payload)
	return "t=" + unix + ",v1=" + hex.EncodeToString(mac.Sum(nil))
}

func TestConstructEvent(t *testing.T) {
	c := NewClient(Config{WebhookSecret: "whsec_test"}, zap.NewNop())
	payload := []byte(`{"id":"evt_1","object":"event","type":"customer.subscription.deleted","api_version":"2020-08-27","data":{"object":{"id":"sub_1","object":"subscription"}}}`)

	event, err := c.ConstructEvent(payload, signPayload("whsec_test", time.Now(), payload))
	require.NoError(t, err)
	assert.Equal(t, "evt_1", event.ID)
	assert.EqualValues(t, "customer.subscription.deleted", event.Type)

	_, err = c.ConstructEvent(payload, signPayload("whsec_other", time.Now(), payload))
	assert.True(t, errors.Is(err, ErrInvalidSignature))

	_, err = c.ConstructEvent(payload, signPayload("whsec_test", time.Now().Add(-time.Hour), payload))
	assert.ErrorIs(t, err, ErrInvalidSignature)
}
