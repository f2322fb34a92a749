package billing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/QuillonLabs/quillon/app/models"
	"github.com/QuillonLabs/quillon/internal/pkg/entitlements"
	"github.com/QuillonLabs/quillon/internal/pkg/payments"
	"github.com/QuillonLabs/quillon/internal/pkg/usage"
)

// Service owns the subscription lifecycle: plan purchases, provider
// webhooks, approval reconciliation and rollbacks. It is constructed
// once at startup with its gateways injected; nothing in here reaches
// for globals.
type Service struct {
	repo     Repository
	catalog  *Catalog
	card     CardGateway
	wallet   WalletGateway
	notifier Notifier
	archiver EventArchiver

	publicDomain     string
	approvalDelay    time.Duration
	approvalRechecks int

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// Config carries the wiring for a billing service. Gateways are
// required, notifier and archiver are optional.
type Config struct {
	Card     CardGateway
	Wallet   WalletGateway
	Notifier Notifier
	Archiver EventArchiver

	// PublicDomain is the externally reachable base URL, used for wallet
	// approval return links.
	PublicDomain string

	// ApprovalRecheckDelay is how long to wait before rechecking a
	// provider subscription that has not settled yet.
	ApprovalRecheckDelay time.Duration

	// ApprovalRechecks is how many rechecks happen after the initial
	// provider fetch before the caller gets a soft pending answer.
	ApprovalRechecks int
}

// NewService creates a billing service from an injected repository and
// configuration.
func NewService(repo Repository, cfg Config) *Service {
	svc := &Service{
		repo:             repo,
		card:             cfg.Card,
		wallet:           cfg.Wallet,
		notifier:         cfg.Notifier,
		archiver:         cfg.Archiver,
		publicDomain:     strings.TrimRight(cfg.PublicDomain, "/"),
		approvalDelay:    cfg.ApprovalRecheckDelay,
		approvalRechecks: cfg.ApprovalRechecks,
		now:              time.Now,
		sleep:            sleepContext,
	}
	if svc.approvalDelay <= 0 {
		svc.approvalDelay = 4 * time.Second
	}
	if svc.approvalRechecks < 0 {
		svc.approvalRechecks = 0
	}
	svc.catalog = NewCatalog(repo, cfg.Card, cfg.Wallet)
	return svc
}

// NewServiceFromDB creates a billing service from a GORM DB handle.
func NewServiceFromDB(db *gorm.DB, cfg Config) *Service {
	return NewService(NewRepository(db), cfg)
}

// Catalog exposes the plan catalog for seeding and listings.
func (s *Service) Catalog() *Catalog {
	return s.catalog
}

// ListPlans returns the purchasable catalog ordered by monthly price.
func (s *Service) ListPlans(ctx context.Context) ([]models.SubscriptionPlan, error) {
	_ = ctx
	return s.repo.ListActivePlans()
}

// GetOrCreateSubscription returns the user's subscription row, creating
// an active free-tier row on first use. Every user has exactly one row.
func (s *Service) GetOrCreateSubscription(ctx context.Context, userID uint) (*models.Subscription, error) {
	_ = ctx
	if userID == 0 {
		return nil, errors.New("user_id is required")
	}

	sub, err := s.repo.GetSubscriptionByUserID(userID)
	if err == nil {
		return sub, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	freePlan, err := s.catalog.Resolve(PlanByType(string(entitlements.TierFree)))
	if err != nil {
		return nil, err
	}
	sub = &models.Subscription{
		UserID:        userID,
		PlanID:        freePlan.ID,
		PlanType:      freePlan.Type,
		Status:        models.SubscriptionStatusActive,
		BillingCycle:  models.BillingCycleMonthly,
		Provider:      models.ProviderNone,
		Limits:        freePlan.Limits,
		LastResetDate: usage.UTCDay(s.now()),
	}
	if err := s.repo.UpsertSubscription(sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// CreatePaymentIntent starts a one-time purchase of a plan period. The
// payment row with its previous-plan snapshot is written before any
// provider object exists so a later failure can restore the plan.
func (s *Service) CreatePaymentIntent(ctx context.Context, userID uint, ref PlanRef, cycle string) (*IntentResult, error) {
	return s.createIntent(ctx, userID, ref, cycle, 0)
}

// RetryPayment opens a fresh payment intent for a failed payment,
// linking the new attempt to the old one. The failed row is never
// mutated.
func (s *Service) RetryPayment(ctx context.Context, userID, paymentID uint) (*IntentResult, error) {
	payment, err := s.repo.GetPaymentByID(paymentID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, err
	}
	if payment.UserID != userID {
		return nil, ErrPaymentNotFound
	}
	if payment.Status != models.PaymentStatusFailed {
		return nil, fmt.Errorf("payment %d is %s, only failed payments can be retried", payment.ID, payment.Status)
	}

	meta, err := payment.DecodeMetadata()
	if err != nil {
		return nil, err
	}
	ref := PlanByID(meta.TargetPlanID)
	if meta.TargetPlanID == 0 {
		ref = PlanByType(meta.TargetPlanType)
	}
	if ref.IsZero() {
		return nil, ErrPlanNotFound
	}
	return s.createIntent(ctx, userID, ref, meta.BillingCycle, payment.ID)
}

func (s *Service) createIntent(ctx context.Context, userID uint, ref PlanRef, cycle string, retryOf uint) (*IntentResult, error) {
	user, err := s.repo.GetUserByID(userID)
	if err != nil {
		return nil, err
	}
	plan, err := s.catalog.Resolve(ref)
	if err != nil {
		return nil, err
	}
	cycle = models.NormalizeBillingCycle(cycle)
	amount := plan.Price(cycle)
	if plan.IsFree() || amount <= 0 {
		return nil, ErrFreePlanNotPurchasable
	}

	sub, err := s.GetOrCreateSubscription(ctx, userID)
	if err != nil {
		return nil, err
	}

	payment, err := s.openPayment(sub, plan, cycle, models.ProviderStripe, retryOf)
	if err != nil {
		return nil, err
	}

	customerID, err := s.ensureCardCustomer(ctx, user, sub)
	if err != nil {
		s.failPayment(payment, err.Error())
		return nil, err
	}

	intent, err := s.card.CreateIntent(ctx, payments.IntentParams{
		Amount:      amount,
		Currency:    plan.Currency,
		CustomerID:  customerID,
		Description: payment.Description,
		Metadata: map[string]string{
			"user_id":       strconv.FormatUint(uint64(userID), 10),
			"payment_id":    strconv.FormatUint(uint64(payment.ID), 10),
			"plan_id":       strconv.FormatUint(uint64(plan.ID), 10),
			"plan_type":     plan.Type,
			"billing_cycle": cycle,
		},
		IdempotencyKey: payment.ProviderPaymentID,
	})
	if err != nil {
		s.failPayment(payment, err.Error())
		return nil, fmt.Errorf("create payment intent: %w", err)
	}

	payment.ProviderPaymentID = intent.ID
	payment.Status = models.PaymentStatusProcessing
	if err := s.repo.SavePayment(payment); err != nil {
		return nil, err
	}

	return &IntentResult{Payment: payment, ClientSecret: intent.ClientSecret}, nil
}

// CreateCardSubscription starts a recurring card purchase. The provider
// price is ensured lazily; a stale memoized price id is recreated once
// before the error surfaces.
func (s *Service) CreateCardSubscription(ctx context.Context, userID uint, ref PlanRef, cycle string) (*SubscribeResult, error) {
	user, err := s.repo.GetUserByID(userID)
	if err != nil {
		return nil, err
	}
	plan, err := s.catalog.Resolve(ref)
	if err != nil {
		return nil, err
	}
	cycle = models.NormalizeBillingCycle(cycle)
	if plan.IsFree() || plan.Price(cycle) <= 0 {
		return nil, ErrFreePlanNotPurchasable
	}

	sub, err := s.GetOrCreateSubscription(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !models.CanTransitionSubscription(sub.Status, models.SubscriptionStatusPending) {
		return nil, fmt.Errorf("%w: subscription %s -> %s", ErrInvalidTransition, sub.Status, models.SubscriptionStatusPending)
	}

	payment, err := s.openPayment(sub, plan, cycle, models.ProviderStripe, 0)
	if err != nil {
		return nil, err
	}

	customerID, err := s.ensureCardCustomer(ctx, user, sub)
	if err != nil {
		s.failPayment(payment, err.Error())
		return nil, err
	}

	providerSub, err := s.createCardSubscriptionWithHeal(ctx, plan, cycle, customerID, payment)
	if err != nil {
		s.failPayment(payment, err.Error())
		return nil, fmt.Errorf("create card subscription: %w", err)
	}

	if err := s.linkPaymentToProviderSub(payment, providerSub.ID); err != nil {
		return nil, err
	}
	if err := s.assignPending(sub, plan, cycle, models.ProviderStripe, providerSub.ID); err != nil {
		return nil, err
	}

	return &SubscribeResult{
		Payment:                payment,
		Subscription:           sub,
		ProviderSubscriptionID: providerSub.ID,
		ClientSecret:           providerSub.ClientSecret,
	}, nil
}

func (s *Service) createCardSubscriptionWithHeal(ctx context.Context, plan *models.SubscriptionPlan, cycle, customerID string, payment *models.Payment) (*payments.ProviderSubscription, error) {
	priceID, err := s.catalog.EnsureCardPrice(ctx, plan, cycle)
	if err != nil {
		return nil, err
	}

	params := payments.SubscriptionParams{
		CustomerID: customerID,
		PriceID:    priceID,
		Metadata: map[string]string{
			"user_id":       strconv.FormatUint(uint64(payment.UserID), 10),
			"payment_id":    strconv.FormatUint(uint64(payment.ID), 10),
			"plan_id":       strconv.FormatUint(uint64(plan.ID), 10),
			"plan_type":     plan.Type,
			"billing_cycle": cycle,
		},
		IdempotencyKey: payment.ProviderPaymentID,
	}
	providerSub, err := s.card.CreateSubscription(ctx, params)
	if err == nil {
		return providerSub, nil
	}
	if !payments.IsMissingResource(err) {
		return nil, err
	}

	log.Printf("[Billing] card price %s for plan %s is gone upstream, recreating", priceID, plan.Type)
	if err := s.catalog.InvalidateCardRefs(plan); err != nil {
		return nil, err
	}
	priceID, err = s.catalog.EnsureCardPrice(ctx, plan, cycle)
	if err != nil {
		return nil, err
	}
	params.PriceID = priceID
	params.IdempotencyKey = payment.ProviderPaymentID + "-r1"
	return s.card.CreateSubscription(ctx, params)
}

// CreateWalletSubscription starts a recurring wallet purchase and
// returns the approval URL the buyer has to visit.
func (s *Service) CreateWalletSubscription(ctx context.Context, userID uint, ref PlanRef, cycle string) (*SubscribeResult, error) {
	plan, err := s.catalog.Resolve(ref)
	if err != nil {
		return nil, err
	}
	cycle = models.NormalizeBillingCycle(cycle)
	if plan.IsFree() || plan.Price(cycle) <= 0 {
		return nil, ErrFreePlanNotPurchasable
	}

	sub, err := s.GetOrCreateSubscription(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !models.CanTransitionSubscription(sub.Status, models.SubscriptionStatusPending) {
		return nil, fmt.Errorf("%w: subscription %s -> %s", ErrInvalidTransition, sub.Status, models.SubscriptionStatusPending)
	}

	payment, err := s.openPayment(sub, plan, cycle, models.ProviderPayPal, 0)
	if err != nil {
		return nil, err
	}

	providerSub, err := s.createWalletSubscriptionWithHeal(ctx, plan, cycle, userID, payment)
	if err != nil {
		s.failPayment(payment, err.Error())
		return nil, fmt.Errorf("create wallet subscription: %w", err)
	}

	if err := s.linkPaymentToProviderSub(payment, providerSub.ID); err != nil {
		return nil, err
	}
	if err := s.assignPending(sub, plan, cycle, models.ProviderPayPal, providerSub.ID); err != nil {
		return nil, err
	}

	return &SubscribeResult{
		Payment:                payment,
		Subscription:           sub,
		ProviderSubscriptionID: providerSub.ID,
		ApprovalURL:            providerSub.ApprovalURL,
	}, nil
}

func (s *Service) createWalletSubscriptionWithHeal(ctx context.Context, plan *models.SubscriptionPlan, cycle string, userID uint, payment *models.Payment) (*payments.ProviderSubscription, error) {
	planID, err := s.catalog.EnsureWalletPlan(ctx, plan, cycle)
	if err != nil {
		return nil, err
	}

	customID := strconv.FormatUint(uint64(userID), 10)
	returnURL := s.publicDomain + "/payment/paypal/approve"
	cancelURL := s.publicDomain + "/payment/paypal/cancel"

	providerSub, err := s.wallet.CreateSubscription(ctx, planID, customID, returnURL, cancelURL, payment.ProviderPaymentID)
	if err == nil {
		return providerSub, nil
	}
	if !payments.IsMissingResource(err) {
		return nil, err
	}

	log.Printf("[Billing] wallet plan %s for plan %s is gone upstream, recreating", planID, plan.Type)
	if err := s.catalog.InvalidateWalletRefs(plan); err != nil {
		return nil, err
	}
	planID, err = s.catalog.EnsureWalletPlan(ctx, plan, cycle)
	if err != nil {
		return nil, err
	}
	return s.wallet.CreateSubscription(ctx, planID, customID, returnURL, cancelURL, payment.ProviderPaymentID+"-r1")
}

// CancelSubscription cancels the user's card subscription. With
// atPeriodEnd the plan stays active until the paid period closes,
// otherwise access ends immediately.
func (s *Service) CancelSubscription(ctx context.Context, userID uint, atPeriodEnd bool) (*models.Subscription, error) {
	sub, err := s.repo.GetSubscriptionByUserID(userID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, err
	}
	if sub.Provider != models.ProviderStripe || sub.ProviderSubscriptionID == "" {
		return nil, ErrNoPaidSubscription
	}
	if sub.Status == models.SubscriptionStatusCanceled {
		return sub, nil
	}

	if _, err := s.card.CancelSubscription(ctx, sub.ProviderSubscriptionID, atPeriodEnd); err != nil {
		if !payments.IsMissingResource(err) {
			return nil, fmt.Errorf("cancel card subscription: %w", err)
		}
		log.Printf("[Billing] card subscription %s already gone upstream", sub.ProviderSubscriptionID)
	}

	if err := s.applyCancel(sub, atPeriodEnd); err != nil {
		return nil, err
	}
	return sub, nil
}

// CancelWalletSubscription cancels the user's wallet subscription with
// the given reason. Wallet cancellations always end access immediately.
func (s *Service) CancelWalletSubscription(ctx context.Context, userID uint, reason string) (*models.Subscription, error) {
	sub, err := s.repo.GetSubscriptionByUserID(userID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, err
	}
	if sub.Provider != models.ProviderPayPal || sub.ProviderSubscriptionID == "" {
		return nil, ErrNoPaidSubscription
	}
	if sub.Status == models.SubscriptionStatusCanceled {
		return sub, nil
	}

	if reason == "" {
		reason = "Cancelled by customer"
	}
	if err := s.wallet.CancelSubscription(ctx, sub.ProviderSubscriptionID, reason); err != nil {
		if !payments.IsMissingResource(err) {
			return nil, fmt.Errorf("cancel wallet subscription: %w", err)
		}
		log.Printf("[Billing] wallet subscription %s already gone upstream", sub.ProviderSubscriptionID)
	}

	if err := s.applyCancel(sub, false); err != nil {
		return nil, err
	}
	return sub, nil
}

func (s *Service) applyCancel(sub *models.Subscription, atPeriodEnd bool) error {
	now := s.now()
	if atPeriodEnd {
		sub.CancelAtPeriodEnd = true
		sub.CancelledAt = &now
		return s.repo.SaveSubscription(sub)
	}

	if !models.CanTransitionSubscription(sub.Status, models.SubscriptionStatusCanceled) {
		return fmt.Errorf("%w: subscription %s -> %s", ErrInvalidTransition, sub.Status, models.SubscriptionStatusCanceled)
	}
	sub.Status = models.SubscriptionStatusCanceled
	sub.CancelAtPeriodEnd = false
	sub.CancelledAt = &now
	return s.repo.SaveSubscription(sub)
}

// openPayment writes the pending payment row carrying the rollback
// snapshot. It runs before any provider call so the snapshot always
// predates the provider object.
func (s *Service) openPayment(sub *models.Subscription, plan *models.SubscriptionPlan, cycle, provider string, retryOf uint) (*models.Payment, error) {
	meta := models.PaymentMetadata{
		PreviousPlanID:                 sub.PlanID,
		PreviousPlanType:               sub.PlanType,
		PreviousStatus:                 sub.Status,
		PreviousProvider:               sub.Provider,
		PreviousProviderSubscriptionID: sub.ProviderSubscriptionID,
		PreviousBillingCycle:           sub.BillingCycle,
		TargetPlanID:                   plan.ID,
		TargetPlanType:                 plan.Type,
		BillingCycle:                   cycle,
		RetryOfPaymentID:               retryOf,
	}
	payment := &models.Payment{
		UserID:            sub.UserID,
		SubscriptionID:    &sub.ID,
		Provider:          provider,
		ProviderPaymentID: localPaymentRef(),
		Amount:            plan.Price(cycle),
		Currency:          plan.Currency,
		Status:            models.PaymentStatusPending,
		Description:       fmt.Sprintf("%s plan (%s)", plan.Name, cycle),
	}
	if err := payment.EncodeMetadata(meta); err != nil {
		return nil, err
	}
	if err := s.repo.CreatePayment(payment); err != nil {
		return nil, err
	}
	return payment, nil
}

// linkPaymentToProviderSub records the provider subscription id in the
// payment metadata so webhook invoices can settle this payment.
func (s *Service) linkPaymentToProviderSub(payment *models.Payment, providerSubID string) error {
	meta, err := payment.DecodeMetadata()
	if err != nil {
		return err
	}
	meta.ProviderSubscriptionID = providerSubID
	if err := payment.EncodeMetadata(meta); err != nil {
		return err
	}
	return s.repo.SavePayment(payment)
}

// assignPending moves the subscription onto the target plan in pending
// state. The limits snapshot and usage counters stay untouched until a
// confirmed payment activates the plan.
func (s *Service) assignPending(sub *models.Subscription, plan *models.SubscriptionPlan, cycle, provider, providerSubID string) error {
	if !models.CanTransitionSubscription(sub.Status, models.SubscriptionStatusPending) {
		return fmt.Errorf("%w: subscription %s -> %s", ErrInvalidTransition, sub.Status, models.SubscriptionStatusPending)
	}
	sub.PlanID = plan.ID
	sub.PlanType = plan.Type
	sub.Status = models.SubscriptionStatusPending
	sub.BillingCycle = cycle
	sub.Provider = provider
	sub.ProviderSubscriptionID = providerSubID
	return s.repo.SaveSubscription(sub)
}

// ensureCardCustomer returns the provider customer id for the user,
// creating and memoizing it on first use.
func (s *Service) ensureCardCustomer(ctx context.Context, user *models.User, sub *models.Subscription) (string, error) {
	if sub.ProviderCustomerID != "" {
		return sub.ProviderCustomerID, nil
	}
	customerID, err := s.card.EnsureCustomer(ctx, user.Email, user.Name, user.ID)
	if err != nil {
		return "", fmt.Errorf("ensure card customer: %w", err)
	}
	sub.ProviderCustomerID = customerID
	if err := s.repo.SaveSubscription(sub); err != nil {
		return "", err
	}
	return customerID, nil
}

// completePayment transitions a payment to completed and activates the
// purchased plan. Safe to call more than once for the same payment.
func (s *Service) completePayment(ctx context.Context, payment *models.Payment, providerSubID string, periodStart, periodEnd *time.Time) error {
	if payment.Status != models.PaymentStatusCompleted {
		if !models.CanTransitionPayment(payment.Status, models.PaymentStatusCompleted) {
			return fmt.Errorf("%w: payment %d %s -> %s", ErrInvalidTransition, payment.ID, payment.Status, models.PaymentStatusCompleted)
		}
		payment.Status = models.PaymentStatusCompleted
		payment.FailureReason = ""
		if err := s.repo.SavePayment(payment); err != nil {
			return err
		}
	}

	meta, err := payment.DecodeMetadata()
	if err != nil {
		return err
	}
	if meta.TargetPlanID == 0 && meta.TargetPlanType == "" {
		return nil
	}

	plan, err := s.catalog.Resolve(PlanByID(meta.TargetPlanID))
	if errors.Is(err, ErrPlanNotFound) && meta.TargetPlanType != "" {
		plan, err = s.catalog.Resolve(PlanByType(meta.TargetPlanType))
	}
	if err != nil {
		return err
	}

	subID := providerSubID
	if subID == "" {
		subID = meta.ProviderSubscriptionID
	}
	cycle := models.NormalizeBillingCycle(meta.BillingCycle)
	return s.activatePlan(ctx, payment.UserID, plan, cycle, payment.Provider, subID, periodStart, periodEnd)
}

// activatePlan moves the user's subscription onto the plan, freezing the
// plan's limits as the entitlement snapshot. Usage counters carry over,
// so an upgrade mid-day keeps what was already consumed.
func (s *Service) activatePlan(ctx context.Context, userID uint, plan *models.SubscriptionPlan, cycle, provider, providerSubID string, periodStart, periodEnd *time.Time) error {
	sub, err := s.GetOrCreateSubscription(ctx, userID)
	if err != nil {
		return err
	}
	if !models.CanTransitionSubscription(sub.Status, models.SubscriptionStatusActive) {
		return fmt.Errorf("%w: subscription %s -> %s", ErrInvalidTransition, sub.Status, models.SubscriptionStatusActive)
	}

	start := periodStart
	if start == nil {
		t := s.now()
		start = &t
	}
	end := periodEnd
	if end == nil {
		t := periodEndFor(*start, cycle)
		end = &t
	}

	sub.PlanID = plan.ID
	sub.PlanType = plan.Type
	sub.Status = models.SubscriptionStatusActive
	sub.BillingCycle = cycle
	sub.Provider = provider
	sub.ProviderSubscriptionID = providerSubID
	sub.Limits = plan.Limits
	sub.CurrentPeriodStart = start
	sub.CurrentPeriodEnd = end
	sub.CancelAtPeriodEnd = false
	sub.CancelledAt = nil
	if err := s.repo.SaveSubscription(sub); err != nil {
		return err
	}

	log.Printf("[Billing] user %d activated on plan %s (%s via %s)", userID, plan.Type, cycle, provider)
	s.notifyActivated(userID, plan.Name)
	return nil
}

// failPayment marks a payment failed. Errors are logged, not escalated,
// so the original provider error stays the caller's error.
func (s *Service) failPayment(payment *models.Payment, reason string) {
	if payment.Status == models.PaymentStatusFailed {
		return
	}
	if !models.CanTransitionPayment(payment.Status, models.PaymentStatusFailed) {
		return
	}
	payment.Status = models.PaymentStatusFailed
	payment.FailureReason = truncate(reason, 500)
	if err := s.repo.SavePayment(payment); err != nil {
		log.Printf("[Billing] could not mark payment %d failed: %v", payment.ID, err)
	}
}

// RecordWebhookEvent persists webhook payloads idempotently for audit.
// The stored row never short-circuits processing; handlers are
// idempotent and replays converge on the same state.
func (s *Service) RecordWebhookEvent(ctx context.Context, in WebhookEventInput) (bool, *models.WebhookEvent, error) {
	_ = ctx
	provider := strings.ToLower(strings.TrimSpace(in.Provider))
	if provider == "" {
		return false, nil, errors.New("provider is required")
	}
	event := &models.WebhookEvent{
		Provider:        provider,
		ProviderEventID: webhookEventRef(in.EventID, in.Payload),
		EventType:       strings.TrimSpace(in.EventType),
		PayloadJSON:     string(in.Payload),
		SignatureValid:  in.SignatureValid,
	}
	return s.repo.CreateWebhookEventIfNotExists(event)
}

// MarkWebhookProcessed marks an event as processed and stores an optional error.
func (s *Service) MarkWebhookProcessed(ctx context.Context, webhookEventID uint, processingErr error) error {
	_ = ctx
	if webhookEventID == 0 {
		return errors.New("webhook_event_id is required")
	}
	errMsg := ""
	if processingErr != nil {
		errMsg = processingErr.Error()
	}
	return s.repo.MarkWebhookProcessed(webhookEventID, errMsg)
}

func (s *Service) archiveEvent(ctx context.Context, provider, eventID string, payload []byte) {
	if s.archiver == nil {
		return
	}
	s.archiver.Archive(ctx, provider, webhookEventRef(eventID, payload), payload)
}

// webhookEventRef is the id an event is recorded and archived under.
// Events without a provider id, such as unsigned sandbox deliveries,
// fall back to a payload hash so their audit row and archive object
// share one stable reference.
func webhookEventRef(eventID string, payload []byte) string {
	if eventID = strings.TrimSpace(eventID); eventID != "" {
		return eventID
	}
	sum := sha256.Sum256(payload)
	return "hash:" + hex.EncodeToString(sum[:])
}

// ExpireLapsedSubscriptions marks active subscriptions whose period end
// has passed as expired. Provider renewals move the period end forward,
// so anything this catches genuinely lapsed. Only this sweep writes the
// expired status.
func (s *Service) ExpireLapsedSubscriptions(ctx context.Context) (int64, error) {
	_ = ctx
	count, err := s.repo.ExpireLapsedSubscriptions(s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("expire sweep: %w", err)
	}
	if count > 0 {
		log.Printf("[Billing] expired %d lapsed subscription(s)", count)
	}
	return count, nil
}

func (s *Service) notifyActivated(userID uint, planName string) {
	if s.notifier == nil {
		return
	}
	user, err := s.repo.GetUserByID(userID)
	if err != nil {
		log.Printf("[Billing] cannot load user %d for activation mail: %v", userID, err)
		return
	}
	s.notifier.SubscriptionActivated(user, planName)
}

func (s *Service) notifyPaymentFailed(payment *models.Payment, reason string) {
	if s.notifier == nil {
		return
	}
	user, err := s.repo.GetUserByID(payment.UserID)
	if err != nil {
		log.Printf("[Billing] cannot load user %d for payment mail: %v", payment.UserID, err)
		return
	}
	s.notifier.PaymentFailed(user, payment.Amount, payment.Currency, reason)
}

func (s *Service) notifyPlanRestored(userID uint, planName string) {
	if s.notifier == nil {
		return
	}
	user, err := s.repo.GetUserByID(userID)
	if err != nil {
		log.Printf("[Billing] cannot load user %d for rollback mail: %v", userID, err)
		return
	}
	s.notifier.PlanRestored(user, planName)
}

// localPaymentRef returns a unique placeholder provider payment id used
// until the provider assigns the real one.
func localPaymentRef() string {
	return "local-" + uuid.NewString()
}

func periodEndFor(start time.Time, cycle string) time.Time {
	if cycle == models.BillingCycleYearly {
		return start.AddDate(1, 0, 0)
	}
	return start.AddDate(0, 1, 0)
}

func truncate(v string, max int) string {
	if len(v) <= max {
		return v
	}
	return v[:max]
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
