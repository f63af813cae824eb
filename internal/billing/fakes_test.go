package billing

import (
	"context"
	"sort"
	"sync"
	"time"

	stripeapi "github.com/stripe/stripe-go/v76"

	"github.com/mscandco/distro-platform/backend/internal/models"
	"github.com/mscandco/distro-platform/backend/internal/roles"
	"github.com/mscandco/distro-platform/backend/internal/store"
	stripeclient "github.com/mscandco/distro-platform/backend/internal/stripe"
)

type fakeSubs struct {
	mu        sync.Mutex
	subs      map[string]*models.Subscription
	checkouts map[string]*models.CheckoutSession
	payments  []models.PaymentRecord
	canceled  map[string]time.Time
}

func newFakeSubs() *fakeSubs {
	return &fakeSubs{
		subs:      map[string]*models.Subscription{},
		checkouts: map[string]*models.CheckoutSession{},
		canceled:  map[string]time.Time{},
	}
}

func (f *fakeSubs) GetSubscription(_ context.Context, userID string) (*models.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sub, ok := f.subs[userID]; ok {
		cp := *sub
		return &cp, nil
	}
	return nil, nil
}

func (f *fakeSubs) find(match func(*models.Subscription) bool) *models.Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sub := range f.subs {
		if match(sub) {
			cp := *sub
			return &cp
		}
	}
	return nil
}

func (f *fakeSubs) GetSubscriptionByCustomer(_ context.Context, customerID string) (*models.Subscription, error) {
	return f.find(func(s *models.Subscription) bool { return s.PaymentCustomerID == customerID }), nil
}

func (f *fakeSubs) GetSubscriptionByProcessorID(_ context.Context, id string) (*models.Subscription, error) {
	return f.find(func(s *models.Subscription) bool {
		return s.ProcessorSubscriptionID != nil && *s.ProcessorSubscriptionID == id
	}), nil
}

func (f *fakeSubs) UpsertSubscription(_ context.Context, sub *models.Subscription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *sub
	prev, ok := f.subs[sub.UserID]
	if ok && prev.ProcessorSubscriptionID != nil && cp.ProcessorSubscriptionID != nil &&
		*prev.ProcessorSubscriptionID != *cp.ProcessorSubscriptionID &&
		prev.Status.Entitling() && !cp.Status.Entitling() {
		return store.ErrSubscriptionSuperseded
	}
	if ok && cp.PaymentCustomerID == "" {
		cp.PaymentCustomerID = prev.PaymentCustomerID
	}
	f.subs[sub.UserID] = &cp
	return nil
}

func (f *fakeSubs) MarkSubscriptionCanceled(_ context.Context, userID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sub, ok := f.subs[userID]; ok {
		sub.Status = models.StatusCanceled
		sub.CancelAtPeriodEnd = false
		sub.CanceledAt = &at
	}
	f.canceled[userID] = at
	return nil
}

func (f *fakeSubs) ListSubscriptions(context.Context, int, int) ([]models.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Subscription
	for _, sub := range f.subs {
		out = append(out, *sub)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (f *fakeSubs) ListLapsedCancellations(_ context.Context, now time.Time) ([]models.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Subscription
	for _, sub := range f.subs {
		if sub.CancelAtPeriodEnd && sub.CurrentPeriodEnd != nil && sub.CurrentPeriodEnd.Before(now) && sub.Status.Entitling() {
			out = append(out, *sub)
		}
	}
	return out, nil
}

func (f *fakeSubs) CreateCheckoutSession(_ context.Context, cs *models.CheckoutSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *cs
	cp.CreatedAt = time.Now()
	f.checkouts[cs.ID] = &cp
	return nil
}

func (f *fakeSubs) GetCheckoutSession(_ context.Context, id string) (*models.CheckoutSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cs, ok := f.checkouts[id]
	if !ok {
		return nil, store.ErrCheckoutSessionNotFound
	}
	cp := *cs
	return &cp, nil
}

func (f *fakeSubs) LatestPendingCheckout(_ context.Context, userID string, since time.Time) (*models.CheckoutSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, cs := range f.checkouts {
		if cs.UserID == userID && cs.Status == models.CheckoutPending && !cs.CreatedAt.Before(since) {
			cp := *cs
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeSubs) SetCheckoutSessionStatus(_ context.Context, id string, status models.CheckoutSessionStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cs, ok := f.checkouts[id]; ok {
		cs.Status = status
	}
	return nil
}

func (f *fakeSubs) SavePayment(_ context.Context, p *models.PaymentRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payments = append(f.payments, *p)
	return nil
}

func (f *fakeSubs) GetPaymentHistory(_ context.Context, userID string, _ int) ([]models.PaymentRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.PaymentRecord
	for _, p := range f.payments {
		if p.UserID == userID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeSubs) GetPaymentByInvoice(_ context.Context, userID, invoiceID string) (*models.PaymentRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.payments {
		if p.UserID == userID && p.ProcessorInvoiceID == invoiceID {
			cp := p
			return &cp, nil
		}
	}
	return nil, store.ErrPaymentNotFound
}

type entKey struct {
	user     string
	category roles.Category
}

type fakeEntitlements struct {
	mu     sync.Mutex
	values map[entKey]bool
	writes int
}

func newFakeEntitlements() *fakeEntitlements {
	return &fakeEntitlements{values: map[entKey]bool{}}
}

func (f *fakeEntitlements) GetEntitlement(_ context.Context, userID string, category roles.Category) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.values[entKey{userID, category}], nil
}

func (f *fakeEntitlements) SetEntitlement(_ context.Context, userID string, category roles.Category, entitled bool, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if roles.ParseCategory(string(category)) == roles.CategoryNone {
		return store.ErrNotBillable
	}
	f.writes++
	f.values[entKey{userID, category}] = entitled
	return nil
}

func (f *fakeEntitlements) snapshot() map[entKey]bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[entKey]bool, len(f.values))
	for k, v := range f.values {
		out[k] = v
	}
	return out
}

type fakePrices struct {
	prices []models.PlanPrice
}

func defaultPrices() *fakePrices {
	return &fakePrices{prices: []models.PlanPrice{
		{PlanSlug: "artist_starter", BillingCycle: "monthly", ProcessorPrice: "price_as_m", Active: true},
		{PlanSlug: "artist_starter", BillingCycle: "yearly", ProcessorPrice: "price_as_y", Active: true},
		{PlanSlug: "artist_pro", BillingCycle: "monthly", ProcessorPrice: "price_ap_m", Active: true},
		{PlanSlug: "artist_pro", BillingCycle: "yearly", ProcessorPrice: "price_ap_y", Active: true},
		{PlanSlug: "label_admin_pro", BillingCycle: "monthly", ProcessorPrice: "price_lp_m", Active: true},
	}}
}

func (f *fakePrices) GetPrice(_ context.Context, slug, cycle string) (*models.PlanPrice, error) {
	for _, p := range f.prices {
		if p.PlanSlug == slug && p.BillingCycle == cycle {
			cp := p
			return &cp, nil
		}
	}
	return nil, store.ErrPriceNotFound
}

func (f *fakePrices) GetPriceByProcessorID(_ context.Context, id string) (*models.PlanPrice, error) {
	for _, p := range f.prices {
		if p.ProcessorPrice == id {
			cp := p
			return &cp, nil
		}
	}
	return nil, store.ErrPriceNotFound
}

type fakeProcessor struct {
	configured    bool
	checkoutErr   error
	checkouts     []stripeclient.CheckoutParams
	portalURL     string
	portalFor     string
	sessions      map[string]*stripeapi.CheckoutSession
	subscriptions map[string]*stripeapi.Subscription
}

func newFakeProcessor() *fakeProcessor {
	return &fakeProcessor{
		configured:    true,
		portalURL:     "https://portal.example/session",
		sessions:      map[string]*stripeapi.CheckoutSession{},
		subscriptions: map[string]*stripeapi.Subscription{},
	}
}

func (f *fakeProcessor) Configured() bool { return f.configured }

func (f *fakeProcessor) CreateCheckoutSession(_ context.Context, p stripeclient.CheckoutParams) (*stripeclient.CheckoutSession, error) {
	if f.checkoutErr != nil {
		return nil, f.checkoutErr
	}
	f.checkouts = append(f.checkouts, p)
	return &stripeclient.CheckoutSession{ID: "cs_test_1", URL: "https://checkout.example/cs_test_1"}, nil
}

func (f *fakeProcessor) GetCheckoutSession(_ context.Context, id string) (*stripeapi.CheckoutSession, error) {
	if cs, ok := f.sessions[id]; ok {
		return cs, nil
	}
	return nil, stripeclient.ErrRejected
}

func (f *fakeProcessor) CreatePortalSession(_ context.Context, customerID, _ string) (string, error) {
	f.portalFor = customerID
	return f.portalURL, nil
}

func (f *fakeProcessor) GetSubscription(_ context.Context, id string) (*stripeapi.Subscription, error) {
	if sub, ok := f.subscriptions[id]; ok {
		return sub, nil
	}
	return nil, stripeclient.ErrRejected
}

func (f *fakeProcessor) CancelAtPeriodEnd(_ context.Context, id string) (*stripeapi.Subscription, error) {
	sub, ok := f.subscriptions[id]
	if !ok {
		return nil, stripeclient.ErrRejected
	}
	sub.CancelAtPeriodEnd = true
	return sub, nil
}

type fakeJobs struct {
	jobs []*models.Job
	keys map[string]bool
}

func (f *fakeJobs) Enqueue(_ context.Context, job *models.Job) error {
	if f.keys == nil {
		f.keys = map[string]bool{}
	}
	if job.DedupeKey != nil {
		if f.keys[*job.DedupeKey] {
			return store.ErrDuplicateJob
		}
		f.keys[*job.DedupeKey] = true
	}
	job.ID = int64(len(f.jobs) + 1)
	f.jobs = append(f.jobs, job)
	return nil
}
