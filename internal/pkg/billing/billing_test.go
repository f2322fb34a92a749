package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v76"
	"gorm.io/gorm"

	"github.com/QuillonLabs/quillon/app/models"
	"github.com/QuillonLabs/quillon/internal/pkg/payments"
)

const testSigHeader = "t=123,v1=valid"

// fakeRepo is an in-memory Repository. Reads hand out copies so state
// only changes through the save methods, like the real GORM repository.
type fakeRepo struct {
	plans         map[uint]*models.SubscriptionPlan
	nextPlanID    uint
	subs          map[uint]*models.Subscription
	nextSubID     uint
	payments      map[uint]*models.Payment
	nextPaymentID uint
	events        map[string]*models.WebhookEvent
	nextEventID   uint
	users         map[uint]*models.User

	saveRefsCalls int
}

func newFakeRepo() *fakeRepo {
	r := &fakeRepo{
		plans:    map[uint]*models.SubscriptionPlan{},
		subs:     map[uint]*models.Subscription{},
		payments: map[uint]*models.Payment{},
		events:   map[string]*models.WebhookEvent{},
		users:    map[uint]*models.User{},
	}
	plans := defaultPlans()
	for i := range plans {
		p := plans[i]
		r.nextPlanID++
		p.ID = r.nextPlanID
		r.plans[p.ID] = &p
	}
	r.users[1] = &models.User{ID: 1, Name: "Tester", Email: "tester@example.com", Status: models.STATUS_ACTIVE}
	return r
}

func (r *fakeRepo) GetPlanByID(id uint) (*models.SubscriptionPlan, error) {
	plan, ok := r.plans[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return plan, nil
}

func (r *fakeRepo) GetPlanByType(planType string) (*models.SubscriptionPlan, error) {
	for _, plan := range r.plans {
		if plan.Type == planType && plan.IsActive {
			return plan, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *fakeRepo) ListActivePlans() ([]models.SubscriptionPlan, error) {
	var out []models.SubscriptionPlan
	for _, plan := range r.plans {
		if plan.IsActive {
			out = append(out, *plan)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PriceMonthly < out[j].PriceMonthly })
	return out, nil
}

func (r *fakeRepo) CreatePlan(plan *models.SubscriptionPlan) error {
	r.nextPlanID++
	plan.ID = r.nextPlanID
	stored := *plan
	r.plans[plan.ID] = &stored
	return nil
}

func (r *fakeRepo) CountPlans() (int64, error) {
	return int64(len(r.plans)), nil
}

func (r *fakeRepo) SavePlanProviderRefs(plan *models.SubscriptionPlan) error {
	r.saveRefsCalls++
	stored, ok := r.plans[plan.ID]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	stored.StripeProductID = plan.StripeProductID
	stored.StripePriceMonthlyID = plan.StripePriceMonthlyID
	stored.StripePriceYearlyID = plan.StripePriceYearlyID
	stored.PayPalProductID = plan.PayPalProductID
	stored.PayPalPlanMonthlyID = plan.PayPalPlanMonthlyID
	stored.PayPalPlanYearlyID = plan.PayPalPlanYearlyID
	return nil
}

func (r *fakeRepo) FindPlanByWalletPlanID(walletPlanID string) (*models.SubscriptionPlan, string, error) {
	for _, plan := range r.plans {
		if plan.PayPalPlanMonthlyID == walletPlanID {
			return plan, models.BillingCycleMonthly, nil
		}
		if plan.PayPalPlanYearlyID == walletPlanID {
			return plan, models.BillingCycleYearly, nil
		}
	}
	return nil, "", gorm.ErrRecordNotFound
}

func (r *fakeRepo) GetSubscriptionByUserID(userID uint) (*models.Subscription, error) {
	sub, ok := r.subs[userID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	out := *sub
	return &out, nil
}

func (r *fakeRepo) GetSubscriptionByProviderID(provider, providerSubscriptionID string) (*models.Subscription, error) {
	if providerSubscriptionID == "" {
		return nil, gorm.ErrRecordNotFound
	}
	for _, sub := range r.subs {
		if sub.Provider == provider && sub.ProviderSubscriptionID == providerSubscriptionID {
			out := *sub
			return &out, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *fakeRepo) UpsertSubscription(sub *models.Subscription) error {
	if existing, ok := r.subs[sub.UserID]; ok {
		existing.PlanID = sub.PlanID
		existing.PlanType = sub.PlanType
		existing.Status = sub.Status
		existing.BillingCycle = sub.BillingCycle
		existing.Provider = sub.Provider
		existing.ProviderSubscriptionID = sub.ProviderSubscriptionID
		existing.ProviderCustomerID = sub.ProviderCustomerID
		existing.CurrentPeriodStart = sub.CurrentPeriodStart
		existing.CurrentPeriodEnd = sub.CurrentPeriodEnd
		existing.CancelAtPeriodEnd = sub.CancelAtPeriodEnd
		existing.CancelledAt = sub.CancelledAt
		*sub = *existing
		return nil
	}
	r.nextSubID++
	sub.ID = r.nextSubID
	stored := *sub
	r.subs[sub.UserID] = &stored
	return nil
}

func (r *fakeRepo) SaveSubscription(sub *models.Subscription) error {
	stored := *sub
	r.subs[sub.UserID] = &stored
	return nil
}

func (r *fakeRepo) ExpireLapsedSubscriptions(now time.Time) (int64, error) {
	var count int64
	for _, sub := range r.subs {
		if sub.Status == models.SubscriptionStatusActive &&
			sub.CurrentPeriodEnd != nil && sub.CurrentPeriodEnd.Before(now) {
			sub.Status = models.SubscriptionStatusExpired
			count++
		}
	}
	return count, nil
}

func (r *fakeRepo) CreatePayment(payment *models.Payment) error {
	for _, existing := range r.payments {
		if existing.Provider == payment.Provider && existing.ProviderPaymentID == payment.ProviderPaymentID {
			return fmt.Errorf("duplicate payment %s/%s", payment.Provider, payment.ProviderPaymentID)
		}
	}
	r.nextPaymentID++
	payment.ID = r.nextPaymentID
	stored := *payment
	r.payments[payment.ID] = &stored
	return nil
}

func (r *fakeRepo) SavePayment(payment *models.Payment) error {
	stored := *payment
	r.payments[payment.ID] = &stored
	return nil
}

func (r *fakeRepo) GetPaymentByID(id uint) (*models.Payment, error) {
	payment, ok := r.payments[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	out := *payment
	return &out, nil
}

func (r *fakeRepo) GetPaymentByProviderID(provider, providerPaymentID string) (*models.Payment, error) {
	for _, payment := range r.payments {
		if payment.Provider == provider && payment.ProviderPaymentID == providerPaymentID {
			out := *payment
			return &out, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *fakeRepo) FindOpenPaymentByProviderSubscription(provider, providerSubscriptionID string) (*models.Payment, error) {
	var best *models.Payment
	for _, payment := range r.payments {
		if payment.Provider != provider {
			continue
		}
		if payment.Status != models.PaymentStatusPending && payment.Status != models.PaymentStatusProcessing {
			continue
		}
		meta, err := payment.DecodeMetadata()
		if err != nil || meta.ProviderSubscriptionID != providerSubscriptionID {
			continue
		}
		if best == nil || payment.ID > best.ID {
			best = payment
		}
	}
	if best == nil {
		return nil, gorm.ErrRecordNotFound
	}
	out := *best
	return &out, nil
}

func (r *fakeRepo) GetUserByID(id uint) (*models.User, error) {
	user, ok := r.users[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	out := *user
	return &out, nil
}

func (r *fakeRepo) CreateWebhookEventIfNotExists(event *models.WebhookEvent) (bool, *models.WebhookEvent, error) {
	key := event.Provider + "|" + event.ProviderEventID
	if stored, ok := r.events[key]; ok {
		out := *stored
		return false, &out, nil
	}
	r.nextEventID++
	event.ID = r.nextEventID
	stored := *event
	r.events[key] = &stored
	out := stored
	return true, &out, nil
}

func (r *fakeRepo) MarkWebhookProcessed(id uint, processingError string) error {
	for _, event := range r.events {
		if event.ID == id {
			now := time.Now()
			event.ProcessedAt = &now
			event.ProcessingError = processingError
			return nil
		}
	}
	return gorm.ErrRecordNotFound
}

func (r *fakeRepo) paymentCount() int {
	return len(r.payments)
}

// fakeCard implements CardGateway in memory.
type fakeCard struct {
	customers int
	products  int
	prices    int
	subSeq    int
	intents   map[string]*payments.Intent
	subs      map[string]*payments.ProviderSubscription

	failPriceIDs   map[string]bool
	createSubCalls []payments.SubscriptionParams
}

func newFakeCard() *fakeCard {
	return &fakeCard{
		intents:      map[string]*payments.Intent{},
		subs:         map[string]*payments.ProviderSubscription{},
		failPriceIDs: map[string]bool{},
	}
}

func (c *fakeCard) EnsureCustomer(ctx context.Context, email, name string, userID uint) (string, error) {
	c.customers++
	return "cus_test", nil
}

func (c *fakeCard) CreateIntent(ctx context.Context, p payments.IntentParams) (*payments.Intent, error) {
	id := fmt.Sprintf("pi_%d", len(c.intents)+1)
	intent := &payments.Intent{
		ID:           id,
		ClientSecret: id + "_secret",
		Status:       payments.IntentStatusRequiresPaymentMethod,
		Amount:       p.Amount,
		Currency:     p.Currency,
		CustomerID:   p.CustomerID,
		Metadata:     p.Metadata,
	}
	c.intents[id] = intent
	out := *intent
	return &out, nil
}

func (c *fakeCard) GetIntent(ctx context.Context, id string) (*payments.Intent, error) {
	intent, ok := c.intents[id]
	if !ok {
		return nil, &stripe.Error{Code: stripe.ErrorCodeResourceMissing}
	}
	out := *intent
	return &out, nil
}

func (c *fakeCard) CancelIntent(ctx context.Context, id string) (*payments.Intent, error) {
	intent, ok := c.intents[id]
	if !ok {
		return nil, &stripe.Error{Code: stripe.ErrorCodeResourceMissing}
	}
	intent.Status = payments.IntentStatusCanceled
	out := *intent
	return &out, nil
}

func (c *fakeCard) CreateProduct(ctx context.Context, name, description string) (string, error) {
	c.products++
	return fmt.Sprintf("prod_%d", c.products), nil
}

func (c *fakeCard) CreatePrice(ctx context.Context, productID string, amount int64, currency, interval string) (string, error) {
	c.prices++
	return fmt.Sprintf("price_%d", c.prices), nil
}

func (c *fakeCard) CreateSubscription(ctx context.Context, p payments.SubscriptionParams) (*payments.ProviderSubscription, error) {
	c.createSubCalls = append(c.createSubCalls, p)
	if c.failPriceIDs[p.PriceID] {
		return nil, &stripe.Error{Code: stripe.ErrorCodeResourceMissing}
	}
	c.subSeq++
	id := fmt.Sprintf("sub_%d", c.subSeq)
	providerSub := &payments.ProviderSubscription{
		ID:           id,
		Status:       "incomplete",
		CustomerID:   p.CustomerID,
		PriceID:      p.PriceID,
		ClientSecret: id + "_pi_secret",
	}
	c.subs[id] = providerSub
	out := *providerSub
	return &out, nil
}

func (c *fakeCard) GetSubscription(ctx context.Context, id string) (*payments.ProviderSubscription, error) {
	providerSub, ok := c.subs[id]
	if !ok {
		return nil, &stripe.Error{Code: stripe.ErrorCodeResourceMissing}
	}
	out := *providerSub
	return &out, nil
}

func (c *fakeCard) CancelSubscription(ctx context.Context, id string, atPeriodEnd bool) (*payments.ProviderSubscription, error) {
	providerSub, ok := c.subs[id]
	if !ok {
		return nil, &stripe.Error{Code: stripe.ErrorCodeResourceMissing}
	}
	if atPeriodEnd {
		providerSub.CancelAtPeriodEnd = true
	} else {
		providerSub.Status = "canceled"
	}
	out := *providerSub
	return &out, nil
}

func (c *fakeCard) ConstructWebhookEvent(payload []byte, sigHeader string) (stripe.Event, error) {
	if sigHeader != testSigHeader {
		return stripe.Event{}, fmt.Errorf("signature mismatch")
	}
	var event stripe.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return stripe.Event{}, err
	}
	return event, nil
}

// fakeWallet implements WalletGateway in memory.
type fakeWallet struct {
	products int
	plansSeq int
	subSeq   int
	subs     map[string]*payments.ProviderSubscription

	failPlanIDs  map[string]bool
	hasWebhookID bool
	verifyResult bool
	verifyErr    error
	cancelled    []string
}

func newFakeWallet() *fakeWallet {
	return &fakeWallet{
		subs:         map[string]*payments.ProviderSubscription{},
		failPlanIDs:  map[string]bool{},
		hasWebhookID: true,
		verifyResult: true,
	}
}

func (w *fakeWallet) CreateProduct(ctx context.Context, name, description, requestID string) (string, error) {
	w.products++
	return fmt.Sprintf("PROD-%d", w.products), nil
}

func (w *fakeWallet) CreatePlan(ctx context.Context, productID, name string, amount int64, currency, interval, requestID string) (string, error) {
	w.plansSeq++
	return fmt.Sprintf("P-%d", w.plansSeq), nil
}

func (w *fakeWallet) CreateSubscription(ctx context.Context, planID, customID, returnURL, cancelURL, requestID string) (*payments.ProviderSubscription, error) {
	if w.failPlanIDs[planID] {
		return nil, &payments.APIError{StatusCode: 404, Name: "RESOURCE_NOT_FOUND"}
	}
	w.subSeq++
	id := fmt.Sprintf("I-SUB%d", w.subSeq)
	providerSub := &payments.ProviderSubscription{
		ID:          id,
		Status:      payments.PayPalStatusApprovalPending,
		PlanID:      planID,
		CustomID:    customID,
		ApprovalURL: "https://wallet.example/approve/" + id,
	}
	w.subs[id] = providerSub
	out := *providerSub
	return &out, nil
}

func (w *fakeWallet) GetSubscription(ctx context.Context, id string) (*payments.ProviderSubscription, error) {
	providerSub, ok := w.subs[id]
	if !ok {
		return nil, &payments.APIError{StatusCode: 404, Name: "RESOURCE_NOT_FOUND"}
	}
	out := *providerSub
	return &out, nil
}

func (w *fakeWallet) CancelSubscription(ctx context.Context, id, reason string) error {
	providerSub, ok := w.subs[id]
	if !ok {
		return &payments.APIError{StatusCode: 404, Name: "RESOURCE_NOT_FOUND"}
	}
	providerSub.Status = payments.PayPalStatusCancelled
	w.cancelled = append(w.cancelled, id)
	return nil
}

func (w *fakeWallet) VerifyWebhookSignature(ctx context.Context, headers payments.WebhookHeaders, rawEvent []byte) (bool, error) {
	return w.verifyResult, w.verifyErr
}

func (w *fakeWallet) HasWebhookID() bool {
	return w.hasWebhookID
}

type archivedEvent struct {
	provider string
	eventID  string
	payload  []byte
}

type fakeArchiver struct {
	archived []archivedEvent
}

func (a *fakeArchiver) Archive(ctx context.Context, provider, eventID string, payload []byte) {
	a.archived = append(a.archived, archivedEvent{provider: provider, eventID: eventID, payload: payload})
}

func newTestService(t *testing.T) (*Service, *fakeRepo, *fakeCard, *fakeWallet) {
	t.Helper()
	repo := newFakeRepo()
	card := newFakeCard()
	wallet := newFakeWallet()
	svc := NewService(repo, Config{
		Card:                 card,
		Wallet:               wallet,
		PublicDomain:         "https://app.example.com",
		ApprovalRecheckDelay: time.Millisecond,
		ApprovalRechecks:     1,
	})
	svc.now = func() time.Time { return time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC) }
	svc.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return svc, repo, card, wallet
}

func testWalletHeaders() payments.WebhookHeaders {
	return payments.WebhookHeaders{
		TransmissionID:   "tx-1",
		TransmissionTime: "2025-03-10T12:00:00Z",
		TransmissionSig:  "sig",
		CertURL:          "https://wallet.example/cert.pem",
		AuthAlgo:         "SHA256withRSA",
	}
}
