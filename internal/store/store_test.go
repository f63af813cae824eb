package store

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/mscandco/distro-platform/backend/internal/models"
	"github.com/mscandco/distro-platform/backend/internal/roles"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
	})
	return &Store{db: db}, mock
}

var subscriptionRowColumns = []string{
	"id", "user_id", "user_email", "role_category", "plan_slug", "status", "billing_interval",
	"payment_customer_id", "processor_subscription_id", "current_period_end",
	"cancel_at_period_end", "canceled_at", "created_at", "updated_at",
}

func TestNewStoreValidation(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Fatal("expected error when db is nil")
	}
}

func TestGetSubscriptionFound(t *testing.T) {
	s, mock := newMockStore(t)

	now := time.Now()
	periodEnd := now.Add(30 * 24 * time.Hour)
	rows := sqlmock.NewRows(subscriptionRowColumns).
		AddRow(int64(7), "user-1", "a@example.com", "artist", "artist_pro", "active", "monthly",
			"cus_123", "sub_123", periodEnd, false, nil, now, now)

	mock.ExpectQuery(regexp.QuoteMeta("FROM subscriptions\nWHERE user_id = $1")).
		WithArgs("user-1").
		WillReturnRows(rows)

	sub, err := s.GetSubscription(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("GetSubscription returned error: %v", err)
	}
	if sub == nil {
		t.Fatal("expected subscription, got nil")
	}
	if sub.PlanSlug != "artist_pro" || sub.Status != models.StatusActive {
		t.Fatalf("unexpected subscription: %+v", sub)
	}
	if sub.ProcessorSubscriptionID == nil || *sub.ProcessorSubscriptionID != "sub_123" {
		t.Fatalf("unexpected processor subscription id: %v", sub.ProcessorSubscriptionID)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestGetSubscriptionMissingReturnsNil(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`FROM subscriptions`).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows(subscriptionRowColumns))

	sub, err := s.GetSubscription(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("GetSubscription returned error: %v", err)
	}
	if sub != nil {
		t.Fatalf("expected nil subscription, got %+v", sub)
	}
}

func TestUpsertSubscription(t *testing.T) {
	s, mock := newMockStore(t)

	subID := "sub_1"
	sub := &models.Subscription{
		UserID:                  "user-1",
		RoleCategory:            "artist",
		PlanSlug:                "artist_pro",
		Status:                  models.StatusActive,
		BillingInterval:         "yearly",
		PaymentCustomerID:       "cus_1",
		ProcessorSubscriptionID: &subID,
	}

	now := time.Now()
	mock.ExpectQuery(`INSERT INTO subscriptions`).
		WithArgs("user-1", "", "artist", "artist_pro", models.StatusActive, "yearly", "cus_1", &subID, nil, false, nil).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow(int64(3), now, now))

	if err := s.UpsertSubscription(context.Background(), sub); err != nil {
		t.Fatalf("UpsertSubscription returned error: %v", err)
	}
	if sub.ID != 3 {
		t.Fatalf("expected id 3, got %d", sub.ID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestUpsertSubscriptionSuperseded(t *testing.T) {
	s, mock := newMockStore(t)

	oldID := "sub_old"
	sub := &models.Subscription{
		UserID:                  "user-1",
		RoleCategory:            "artist",
		PlanSlug:                "artist_pro",
		Status:                  models.StatusCanceled,
		BillingInterval:         "monthly",
		ProcessorSubscriptionID: &oldID,
	}

	// The conditional update matches no row, so RETURNING is empty.
	mock.ExpectQuery(`ON CONFLICT \(user_id\) DO UPDATE SET[\s\S]+WHERE subscriptions.processor_subscription_id IS NULL`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}))

	err := s.UpsertSubscription(context.Background(), sub)
	if !errors.Is(err, ErrSubscriptionSuperseded) {
		t.Fatalf("expected ErrSubscriptionSuperseded, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestGetEntitlement(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT entitled\s+FROM entitlements`).
		WithArgs("user-1", "artist").
		WillReturnRows(sqlmock.NewRows([]string{"entitled"}).AddRow(true))

	got, err := s.GetEntitlement(context.Background(), "user-1", roles.CategoryArtist)
	if err != nil {
		t.Fatalf("GetEntitlement returned error: %v", err)
	}
	if !got {
		t.Fatal("expected entitled")
	}

	mock.ExpectQuery(`SELECT entitled\s+FROM entitlements`).
		WithArgs("user-2", "label_admin").
		WillReturnError(sql.ErrNoRows)

	got, err = s.GetEntitlement(context.Background(), "user-2", roles.CategoryLabelAdmin)
	if err != nil || got {
		t.Fatalf("expected false/nil for missing row, got %v/%v", got, err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestGetEntitlementNonBillableSkipsQuery(t *testing.T) {
	s, mock := newMockStore(t)

	got, err := s.GetEntitlement(context.Background(), "user-1", roles.Category("super_admin"))
	if err != nil || got {
		t.Fatalf("expected false/nil, got %v/%v", got, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unexpected queries: %v", err)
	}
}

func TestSetEntitlementIsIdempotentUpsert(t *testing.T) {
	s, mock := newMockStore(t)

	upsert := `ON CONFLICT \(user_id, role_category\) DO UPDATE SET[\s\S]+IS DISTINCT FROM EXCLUDED.entitled`
	mock.ExpectExec(upsert).
		WithArgs("user-1", "artist", true, "evt_1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(upsert).
		WithArgs("user-1", "artist", true, "evt_1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	for i := 0; i < 2; i++ {
		if err := s.SetEntitlement(context.Background(), "user-1", roles.CategoryArtist, true, "evt_1"); err != nil {
			t.Fatalf("SetEntitlement #%d returned error: %v", i+1, err)
		}
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSetEntitlementRejectsNonBillable(t *testing.T) {
	s, _ := newMockStore(t)

	err := s.SetEntitlement(context.Background(), "user-1", roles.CategoryNone, true, "test")
	if !errors.Is(err, ErrNotBillable) {
		t.Fatalf("expected ErrNotBillable, got %v", err)
	}
}

func TestClaimWebhookEvent(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`INSERT INTO webhook_events`).
		WithArgs("evt_1", "checkout.session.completed").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("evt_1"))
	mock.ExpectQuery(`INSERT INTO webhook_events`).
		WithArgs("evt_1", "checkout.session.completed").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	first, err := s.ClaimWebhookEvent(context.Background(), "evt_1", "checkout.session.completed")
	if err != nil || !first {
		t.Fatalf("expected first claim to succeed, got %v/%v", first, err)
	}
	again, err := s.ClaimWebhookEvent(context.Background(), "evt_1", "checkout.session.completed")
	if err != nil || again {
		t.Fatalf("expected duplicate claim to be rejected, got %v/%v", again, err)
	}
}

func TestFinishWebhookEventStoresFailure(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE webhook_events SET last_error = \$2`).
		WithArgs("evt_2", "boom").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.FinishWebhookEvent(context.Background(), "evt_2", errors.New("boom")); err != nil {
		t.Fatalf("FinishWebhookEvent returned error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestGetPaymentByInvoiceNotOwned(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`FROM payment_history\s+WHERE user_id = \$1 AND processor_invoice_id = \$2`).
		WithArgs("user-1", "in_999").
		WillReturnError(sql.ErrNoRows)

	if _, err := s.GetPaymentByInvoice(context.Background(), "user-1", "in_999"); !errors.Is(err, ErrPaymentNotFound) {
		t.Fatalf("expected ErrPaymentNotFound, got %v", err)
	}
}

func TestListLapsedCancellations(t *testing.T) {
	s, mock := newMockStore(t)

	now := time.Now()
	rows := sqlmock.NewRows(subscriptionRowColumns).
		AddRow(int64(1), "user-1", "", "label_admin", "label_admin_pro", "active", "monthly",
			"cus_1", "sub_1", now.Add(-time.Hour), true, nil, now, now)

	mock.ExpectQuery(`WHERE cancel_at_period_end`).
		WithArgs(now).
		WillReturnRows(rows)

	subs, err := s.ListLapsedCancellations(context.Background(), now)
	if err != nil {
		t.Fatalf("ListLapsedCancellations returned error: %v", err)
	}
	if len(subs) != 1 || !subs[0].CancelAtPeriodEnd {
		t.Fatalf("unexpected result: %+v", subs)
	}
}

func TestReclaimStaleJobs(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	js, err := NewJobStore(db)
	if err != nil {
		t.Fatalf("NewJobStore returned error: %v", err)
	}

	mock.ExpectExec(regexp.QuoteMeta(`WHERE status = 'processing'`)).
		WithArgs(float64(300)).
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := js.ReclaimStaleJobs(context.Background(), 5*time.Minute)
	if err != nil {
		t.Fatalf("ReclaimStaleJobs returned error: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 reclaimed jobs, got %d", n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
