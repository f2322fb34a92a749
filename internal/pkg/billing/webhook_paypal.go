package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/QuillonLabs/quillon/app/models"
	"github.com/QuillonLabs/quillon/internal/pkg/payments"
)

// Wallet webhook event types the processor reacts to. Everything else is
// recorded and acknowledged without side effects.
const (
	eventWalletSubActivated  = "BILLING.SUBSCRIPTION.ACTIVATED"
	eventWalletSubUpdated    = "BILLING.SUBSCRIPTION.UPDATED"
	eventWalletSubCancelled  = "BILLING.SUBSCRIPTION.CANCELLED"
	eventWalletSubSuspended  = "BILLING.SUBSCRIPTION.SUSPENDED"
	eventWalletSubExpired    = "BILLING.SUBSCRIPTION.EXPIRED"
	eventWalletSaleCompleted = "PAYMENT.SALE.COMPLETED"
	eventWalletSaleDenied    = "PAYMENT.SALE.DENIED"
	eventWalletSaleRefunded  = "PAYMENT.SALE.REFUNDED"
	eventWalletSaleReversed  = "PAYMENT.SALE.REVERSED"
)

// walletEvent is the wallet provider's webhook envelope.
type walletEvent struct {
	ID        string          `json:"id"`
	EventType string          `json:"event_type"`
	Resource  json.RawMessage `json:"resource"`
}

type walletSubscriptionResource struct {
	ID          string `json:"id"`
	PlanID      string `json:"plan_id"`
	CustomID    string `json:"custom_id"`
	Status      string `json:"status"`
	StartTime   string `json:"start_time"`
	BillingInfo struct {
		NextBillingTime string `json:"next_billing_time"`
	} `json:"billing_info"`
}

type walletSaleResource struct {
	ID                 string `json:"id"`
	State              string `json:"state"`
	BillingAgreementID string `json:"billing_agreement_id"`
	Amount             struct {
		Total    string `json:"total"`
		Currency string `json:"currency"`
	} `json:"amount"`
}

// ProcessPayPalWebhook verifies, records and dispatches one wallet
// provider event. Verification happens out of band against the provider
// API; without a configured webhook id or the full signature header set
// the event is recorded as a test delivery and acknowledged without
// side effects. Only failed verification produces an error.
func (s *Service) ProcessPayPalWebhook(ctx context.Context, payload []byte, headers payments.WebhookHeaders) (*WebhookAck, error) {
	var event walletEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		log.Printf("[Billing] wallet webhook body does not parse: %v", err)
	}

	verified := false
	switch {
	case !s.wallet.HasWebhookID():
		log.Printf("[Billing] wallet webhook id not configured, treating %s as test event", event.ID)
	case !headers.Complete():
		log.Printf("[Billing] wallet webhook %s missing signature headers, treating as test event", event.ID)
	default:
		ok, err := s.wallet.VerifyWebhookSignature(ctx, headers, payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
		}
		if !ok {
			return nil, ErrSignatureInvalid
		}
		verified = true
	}

	_, stored, err := s.RecordWebhookEvent(ctx, WebhookEventInput{
		Provider:       models.ProviderPayPal,
		EventID:        event.ID,
		EventType:      event.EventType,
		Payload:        payload,
		SignatureValid: verified,
	})
	if err != nil {
		log.Printf("[Billing] could not record wallet webhook %s: %v", event.ID, err)
	}
	s.archiveEvent(ctx, models.ProviderPayPal, event.ID, payload)

	ack := &WebhookAck{EventType: event.EventType, EventID: event.ID}
	if !verified {
		if stored != nil {
			_ = s.MarkWebhookProcessed(ctx, stored.ID, nil)
		}
		return ack, nil
	}

	procErr := s.dispatchWalletEvent(ctx, event)
	if procErr != nil {
		log.Printf("[Billing] wallet webhook %s (%s) processing failed: %v", event.ID, event.EventType, procErr)
	}
	if stored != nil {
		if err := s.MarkWebhookProcessed(ctx, stored.ID, procErr); err != nil {
			log.Printf("[Billing] could not mark wallet webhook %s processed: %v", event.ID, err)
		}
	}
	return ack, nil
}

func (s *Service) dispatchWalletEvent(ctx context.Context, event walletEvent) error {
	switch event.EventType {
	case eventWalletSubActivated, eventWalletSubUpdated:
		var res walletSubscriptionResource
		if err := json.Unmarshal(event.Resource, &res); err != nil {
			return fmt.Errorf("decode subscription resource: %w", err)
		}
		return s.handleWalletSubscriptionChanged(ctx, &res)
	case eventWalletSubCancelled, eventWalletSubSuspended, eventWalletSubExpired:
		var res walletSubscriptionResource
		if err := json.Unmarshal(event.Resource, &res); err != nil {
			return fmt.Errorf("decode subscription resource: %w", err)
		}
		return s.handleWalletSubscriptionEnded(ctx, &res, event.EventType)
	case eventWalletSaleCompleted:
		var res walletSaleResource
		if err := json.Unmarshal(event.Resource, &res); err != nil {
			return fmt.Errorf("decode sale resource: %w", err)
		}
		return s.handleWalletSaleCompleted(ctx, &res)
	case eventWalletSaleDenied, eventWalletSaleRefunded, eventWalletSaleReversed:
		var res walletSaleResource
		if err := json.Unmarshal(event.Resource, &res); err != nil {
			return fmt.Errorf("decode sale resource: %w", err)
		}
		return s.handleWalletSaleFailed(ctx, &res, event.EventType)
	default:
		log.Printf("[Billing] ignoring wallet webhook type %s", event.EventType)
		return nil
	}
}

// handleWalletSubscriptionChanged keeps the local row in step with the
// provider's subscription object, adopting unknown objects via their
// custom_id owner tag.
func (s *Service) handleWalletSubscriptionChanged(ctx context.Context, res *walletSubscriptionResource) error {
	local, err := s.locateOrAdoptWalletSubscription(ctx, res)
	if err != nil || local == nil {
		return err
	}

	status := mapWalletSubscriptionStatus(res.Status)
	switch status {
	case "":
		log.Printf("[Billing] unknown wallet subscription status %s for %s", res.Status, res.ID)
		return nil
	case models.SubscriptionStatusActive:
		providerSub := &payments.ProviderSubscription{
			ID:                 res.ID,
			Status:             res.Status,
			CurrentPeriodStart: parseWalletTime(res.StartTime),
			CurrentPeriodEnd:   parseWalletTime(res.BillingInfo.NextBillingTime),
		}
		return s.activateWalletPurchase(ctx, local, providerSub)
	case models.SubscriptionStatusPending:
		// The local pending assignment already covers this; never demote
		// an activated row because an early event arrived late.
		return nil
	}

	return s.endWalletSubscription(ctx, local, status)
}

// handleWalletSubscriptionEnded processes cancel, suspend and expire
// notifications. Ending a still-pending purchase fails the open payment
// and rolls the plan assignment back.
func (s *Service) handleWalletSubscriptionEnded(ctx context.Context, res *walletSubscriptionResource, eventType string) error {
	local, err := s.repo.GetSubscriptionByProviderID(models.ProviderPayPal, res.ID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	status := models.SubscriptionStatusCanceled
	switch eventType {
	case eventWalletSubSuspended:
		status = models.SubscriptionStatusPastDue
	case eventWalletSubExpired:
		status = models.SubscriptionStatusExpired
	}
	return s.endWalletSubscription(ctx, local, status)
}

func (s *Service) endWalletSubscription(ctx context.Context, local *models.Subscription, status string) error {
	if local.Status == status {
		return nil
	}

	// A purchase dying before activation is a rollback, not a status
	// write: the snapshot restore puts plan and status back.
	if local.Status == models.SubscriptionStatusPending && status != models.SubscriptionStatusPastDue {
		payment, err := s.repo.FindOpenPaymentByProviderSubscription(models.ProviderPayPal, local.ProviderSubscriptionID)
		if err == nil {
			s.failPayment(payment, "subscription "+status+" before activation")
			s.runRollback(ctx, payment)
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
	}

	if !models.CanTransitionSubscription(local.Status, status) {
		log.Printf("[Billing] ignoring wallet subscription %s: %s -> %s not allowed", local.ProviderSubscriptionID, local.Status, status)
		return nil
	}
	local.Status = status
	if status == models.SubscriptionStatusCanceled {
		local.CancelAtPeriodEnd = false
		if local.CancelledAt == nil {
			now := s.now()
			local.CancelledAt = &now
		}
	}
	return s.repo.SaveSubscription(local)
}

// handleWalletSaleCompleted settles the charge behind a wallet
// subscription: the first sale completes the purchase payment, renewals
// extend the period and are recorded as fresh completed rows.
func (s *Service) handleWalletSaleCompleted(ctx context.Context, res *walletSaleResource) error {
	if res.BillingAgreementID == "" {
		log.Printf("[Billing] wallet sale %s has no billing agreement, ignoring", res.ID)
		return nil
	}

	payment, err := s.repo.FindOpenPaymentByProviderSubscription(models.ProviderPayPal, res.BillingAgreementID)
	if err == nil {
		if res.ID != "" && payment.ProviderPaymentID != res.ID {
			payment.ProviderPaymentID = res.ID
			if serr := s.repo.SavePayment(payment); serr != nil {
				return serr
			}
		}
		return s.completePayment(ctx, payment, res.BillingAgreementID, nil, nil)
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	local, err := s.repo.GetSubscriptionByProviderID(models.ProviderPayPal, res.BillingAgreementID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		log.Printf("[Billing] wallet sale %s references unknown subscription %s", res.ID, res.BillingAgreementID)
		return nil
	}
	if err != nil {
		return err
	}

	// Renewal, also the recovery path out of a suspension.
	if models.CanTransitionSubscription(local.Status, models.SubscriptionStatusActive) {
		local.Status = models.SubscriptionStatusActive
	}
	now := s.now()
	end := periodEndFor(now, local.BillingCycle)
	local.CurrentPeriodStart = &now
	local.CurrentPeriodEnd = &end
	if err := s.repo.SaveSubscription(local); err != nil {
		return err
	}
	return s.recordWalletRenewalPayment(local, res)
}

// handleWalletSaleFailed marks the charge failed. A denied first sale
// rolls the purchase back; refunds and reversals of settled charges only
// get logged, the subscription follows whatever the provider reports
// next.
func (s *Service) handleWalletSaleFailed(ctx context.Context, res *walletSaleResource, eventType string) error {
	reason := "sale " + strings.ToLower(strings.TrimPrefix(eventType, "PAYMENT.SALE."))

	if res.ID != "" {
		payment, err := s.repo.GetPaymentByProviderID(models.ProviderPayPal, res.ID)
		if err == nil {
			if payment.Status == models.PaymentStatusCompleted {
				log.Printf("[Billing] wallet sale %s was %s after completion", res.ID, strings.ToLower(eventType))
				return nil
			}
			s.failPayment(payment, reason)
			s.runRollback(ctx, payment)
			s.notifyPaymentFailed(payment, reason)
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
	}

	if res.BillingAgreementID == "" {
		return nil
	}
	payment, err := s.repo.FindOpenPaymentByProviderSubscription(models.ProviderPayPal, res.BillingAgreementID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	s.failPayment(payment, reason)
	s.runRollback(ctx, payment)
	s.notifyPaymentFailed(payment, reason)
	return nil
}

func (s *Service) recordWalletRenewalPayment(sub *models.Subscription, res *walletSaleResource) error {
	if res.ID == "" {
		return nil
	}
	if _, err := s.repo.GetPaymentByProviderID(models.ProviderPayPal, res.ID); err == nil {
		return nil
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	amount, err := payments.ParseMinorUnits(res.Amount.Total)
	if err != nil {
		log.Printf("[Billing] cannot parse wallet sale amount %q: %v", res.Amount.Total, err)
		amount = 0
	}
	currency := strings.ToLower(res.Amount.Currency)
	if currency == "" {
		currency = "usd"
	}

	payment := &models.Payment{
		UserID:            sub.UserID,
		SubscriptionID:    &sub.ID,
		Provider:          models.ProviderPayPal,
		ProviderPaymentID: res.ID,
		Amount:            amount,
		Currency:          currency,
		Status:            models.PaymentStatusCompleted,
		Description:       "subscription renewal",
	}
	meta := models.PaymentMetadata{
		TargetPlanID:           sub.PlanID,
		TargetPlanType:         sub.PlanType,
		BillingCycle:           sub.BillingCycle,
		ProviderSubscriptionID: sub.ProviderSubscriptionID,
	}
	if err := payment.EncodeMetadata(meta); err != nil {
		return err
	}
	return s.repo.CreatePayment(payment)
}

// locateOrAdoptWalletSubscription finds the local row for a wallet
// subscription, adopting unknown objects via their custom_id owner tag.
// Returns nil without error when no owner can be derived.
func (s *Service) locateOrAdoptWalletSubscription(ctx context.Context, res *walletSubscriptionResource) (*models.Subscription, error) {
	local, err := s.repo.GetSubscriptionByProviderID(models.ProviderPayPal, res.ID)
	if err == nil {
		return local, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	id, convErr := strconv.ParseUint(res.CustomID, 10, 64)
	if convErr != nil || id == 0 {
		log.Printf("[Billing] wallet subscription %s custom id %q is not a user id, ignoring", res.ID, res.CustomID)
		return nil, nil
	}
	userID := uint(id)

	sub, err := s.GetOrCreateSubscription(ctx, userID)
	if err != nil {
		return nil, err
	}
	if sub.IsActive() && sub.ProviderSubscriptionID != "" && sub.ProviderSubscriptionID != res.ID {
		log.Printf("[Billing] user %d already linked to %s, ignoring wallet subscription %s", userID, sub.ProviderSubscriptionID, res.ID)
		return nil, nil
	}

	if res.PlanID != "" {
		if plan, cycle, perr := s.repo.FindPlanByWalletPlanID(res.PlanID); perr == nil &&
			models.CanTransitionSubscription(sub.Status, models.SubscriptionStatusPending) {
			if aerr := s.assignPending(sub, plan, cycle, models.ProviderPayPal, res.ID); aerr != nil {
				return nil, aerr
			}
			log.Printf("[Billing] adopted wallet subscription %s for user %d", res.ID, userID)
			return sub, nil
		}
	}

	sub.Provider = models.ProviderPayPal
	sub.ProviderSubscriptionID = res.ID
	if err := s.repo.SaveSubscription(sub); err != nil {
		return nil, err
	}
	log.Printf("[Billing] linked wallet subscription %s to user %d", res.ID, userID)
	return sub, nil
}

func parseWalletTime(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
