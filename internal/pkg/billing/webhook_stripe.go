package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/stripe/stripe-go/v76"
	"gorm.io/gorm"

	"github.com/QuillonLabs/quillon/app/models"
)

// Card webhook event types the processor reacts to. Everything else is
// recorded and acknowledged without side effects.
const (
	eventIntentSucceeded = "payment_intent.succeeded"
	eventIntentFailed    = "payment_intent.payment_failed"
	eventSubCreated      = "customer.subscription.created"
	eventSubUpdated      = "customer.subscription.updated"
	eventSubDeleted      = "customer.subscription.deleted"
	eventInvoicePaid     = "invoice.payment_succeeded"
	eventInvoiceFailed   = "invoice.payment_failed"
)

// ProcessStripeWebhook verifies, records and dispatches one card
// provider event. Only a signature failure produces an error; processing
// problems are stored on the event row and acknowledged anyway, provider
// retries plus idempotent handlers make the state converge.
func (s *Service) ProcessStripeWebhook(ctx context.Context, payload []byte, sigHeader string) (*WebhookAck, error) {
	event, err := s.card.ConstructWebhookEvent(payload, sigHeader)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}

	_, stored, err := s.RecordWebhookEvent(ctx, WebhookEventInput{
		Provider:       models.ProviderStripe,
		EventID:        event.ID,
		EventType:      string(event.Type),
		Payload:        payload,
		SignatureValid: true,
	})
	if err != nil {
		log.Printf("[Billing] could not record card webhook %s: %v", event.ID, err)
	}
	s.archiveEvent(ctx, models.ProviderStripe, event.ID, payload)

	procErr := s.dispatchStripeEvent(ctx, event)
	if procErr != nil {
		log.Printf("[Billing] card webhook %s (%s) processing failed: %v", event.ID, event.Type, procErr)
	}
	if stored != nil {
		if err := s.MarkWebhookProcessed(ctx, stored.ID, procErr); err != nil {
			log.Printf("[Billing] could not mark card webhook %s processed: %v", event.ID, err)
		}
	}

	return &WebhookAck{EventType: string(event.Type), EventID: event.ID}, nil
}

func (s *Service) dispatchStripeEvent(ctx context.Context, event stripe.Event) error {
	switch string(event.Type) {
	case eventIntentSucceeded:
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return fmt.Errorf("decode payment_intent: %w", err)
		}
		return s.handleIntentSucceeded(ctx, &pi)
	case eventIntentFailed:
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return fmt.Errorf("decode payment_intent: %w", err)
		}
		return s.handleIntentFailed(ctx, &pi)
	case eventSubCreated, eventSubUpdated:
		var provSub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &provSub); err != nil {
			return fmt.Errorf("decode subscription: %w", err)
		}
		return s.handleCardSubscriptionChanged(ctx, &provSub)
	case eventSubDeleted:
		var provSub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &provSub); err != nil {
			return fmt.Errorf("decode subscription: %w", err)
		}
		return s.handleCardSubscriptionDeleted(ctx, &provSub)
	case eventInvoicePaid:
		var inv stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return fmt.Errorf("decode invoice: %w", err)
		}
		return s.handleInvoicePaid(ctx, &inv)
	case eventInvoiceFailed:
		var inv stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return fmt.Errorf("decode invoice: %w", err)
		}
		return s.handleInvoiceFailed(ctx, &inv)
	default:
		log.Printf("[Billing] ignoring card webhook type %s", event.Type)
		return nil
	}
}

// handleIntentSucceeded settles a one-time purchase. A missing local row
// is synthesized from the intent metadata so out-of-order delivery and
// replays converge on the same state.
func (s *Service) handleIntentSucceeded(ctx context.Context, pi *stripe.PaymentIntent) error {
	payment, err := s.locateCardPayment(pi)
	if err != nil {
		return err
	}
	if payment == nil {
		payment, err = s.synthesizeCardPayment(pi)
		if err != nil {
			return err
		}
	}

	// Rows created before the provider call still carry a placeholder id.
	if payment.ProviderPaymentID != pi.ID {
		payment.ProviderPaymentID = pi.ID
		if err := s.repo.SavePayment(payment); err != nil {
			return err
		}
	}
	return s.completePayment(ctx, payment, "", nil, nil)
}

func (s *Service) handleIntentFailed(ctx context.Context, pi *stripe.PaymentIntent) error {
	payment, err := s.locateCardPayment(pi)
	if err != nil {
		return err
	}
	if payment == nil {
		log.Printf("[Billing] failed intent %s has no local payment, ignoring", pi.ID)
		return nil
	}
	if payment.Status == models.PaymentStatusCompleted || payment.Status == models.PaymentStatusFailed {
		return nil
	}

	reason := "payment failed"
	if pi.LastPaymentError != nil && pi.LastPaymentError.Msg != "" {
		reason = pi.LastPaymentError.Msg
	}
	if payment.ProviderPaymentID != pi.ID {
		payment.ProviderPaymentID = pi.ID
	}
	s.failPayment(payment, reason)
	s.runRollback(ctx, payment)
	s.notifyPaymentFailed(payment, reason)
	return nil
}

// handleCardSubscriptionChanged keeps the local row in step with the
// provider's subscription object, adopting unknown objects when their
// metadata names an owner.
func (s *Service) handleCardSubscriptionChanged(ctx context.Context, provSub *stripe.Subscription) error {
	local, err := s.repo.GetSubscriptionByProviderID(models.ProviderStripe, provSub.ID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		local, err = s.adoptCardSubscription(ctx, provSub)
		if err != nil || local == nil {
			return err
		}
	} else if err != nil {
		return err
	}

	status := mapCardSubscriptionStatus(string(provSub.Status))
	switch status {
	case "":
		log.Printf("[Billing] unknown card subscription status %s for %s", provSub.Status, provSub.ID)
		return nil
	case models.SubscriptionStatusActive:
		return s.activateFromCardObject(ctx, local, provSub)
	case models.SubscriptionStatusPending:
		// The local pending assignment already covers this; never demote
		// an activated row because an early event arrived late.
		return nil
	}

	if !models.CanTransitionSubscription(local.Status, status) {
		log.Printf("[Billing] ignoring card subscription %s: %s -> %s not allowed", provSub.ID, local.Status, status)
		return nil
	}
	local.Status = status
	local.CancelAtPeriodEnd = provSub.CancelAtPeriodEnd
	if status == models.SubscriptionStatusCanceled && local.CancelledAt == nil {
		now := s.now()
		local.CancelledAt = &now
	}
	applyCardPeriod(local, provSub)
	return s.repo.SaveSubscription(local)
}

func (s *Service) handleCardSubscriptionDeleted(ctx context.Context, provSub *stripe.Subscription) error {
	local, err := s.repo.GetSubscriptionByProviderID(models.ProviderStripe, provSub.ID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if local.Status == models.SubscriptionStatusCanceled {
		return nil
	}

	// A purchase dying before activation is a rollback, not a cancel:
	// the snapshot restore puts plan and status back.
	if local.Status == models.SubscriptionStatusPending {
		payment, perr := s.repo.FindOpenPaymentByProviderSubscription(models.ProviderStripe, provSub.ID)
		if perr == nil {
			s.failPayment(payment, "subscription deleted before activation")
			s.runRollback(ctx, payment)
			return nil
		}
		if !errors.Is(perr, gorm.ErrRecordNotFound) {
			return perr
		}
	}

	if !models.CanTransitionSubscription(local.Status, models.SubscriptionStatusCanceled) {
		log.Printf("[Billing] ignoring delete for subscription %s in status %s", provSub.ID, local.Status)
		return nil
	}
	now := s.now()
	local.Status = models.SubscriptionStatusCanceled
	local.CancelAtPeriodEnd = false
	local.CancelledAt = &now
	return s.repo.SaveSubscription(local)
}

// handleInvoicePaid settles the invoice's payment. The first invoice of
// a subscription completes the purchase, renewals extend the period and
// are recorded as fresh completed payment rows.
func (s *Service) handleInvoicePaid(ctx context.Context, inv *stripe.Invoice) error {
	if inv.Subscription == nil {
		return nil
	}
	subID := inv.Subscription.ID
	start, end := invoicePeriod(inv)

	payment, err := s.repo.FindOpenPaymentByProviderSubscription(models.ProviderStripe, subID)
	if err == nil {
		if pi := invoiceIntentID(inv); pi != "" && payment.ProviderPaymentID != pi {
			payment.ProviderPaymentID = pi
			if serr := s.repo.SavePayment(payment); serr != nil {
				return serr
			}
		}
		return s.completePayment(ctx, payment, subID, start, end)
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	local, err := s.repo.GetSubscriptionByProviderID(models.ProviderStripe, subID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		log.Printf("[Billing] invoice %s references unknown subscription %s", inv.ID, subID)
		return nil
	}
	if err != nil {
		return err
	}

	// Renewal, also the recovery path out of dunning.
	if models.CanTransitionSubscription(local.Status, models.SubscriptionStatusActive) {
		local.Status = models.SubscriptionStatusActive
	}
	if start != nil {
		local.CurrentPeriodStart = start
	}
	if end != nil {
		local.CurrentPeriodEnd = end
	}
	if err := s.repo.SaveSubscription(local); err != nil {
		return err
	}
	return s.recordRenewalPayment(local, inv)
}

// recordRenewalPayment writes the completed payment row for a renewal
// invoice. Replays of the same invoice are detected by provider id.
func (s *Service) recordRenewalPayment(sub *models.Subscription, inv *stripe.Invoice) error {
	providerPaymentID := invoiceIntentID(inv)
	if providerPaymentID == "" {
		providerPaymentID = inv.ID
	}
	if providerPaymentID == "" {
		return nil
	}
	if _, err := s.repo.GetPaymentByProviderID(models.ProviderStripe, providerPaymentID); err == nil {
		return nil
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	currency := string(inv.Currency)
	if currency == "" {
		currency = "usd"
	}
	payment := &models.Payment{
		UserID:            sub.UserID,
		SubscriptionID:    &sub.ID,
		Provider:          models.ProviderStripe,
		ProviderPaymentID: providerPaymentID,
		Amount:            inv.AmountPaid,
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

func (s *Service) handleInvoiceFailed(ctx context.Context, inv *stripe.Invoice) error {
	if inv.Subscription == nil {
		return nil
	}
	subID := inv.Subscription.ID

	// A failing first invoice kills the purchase and rolls back.
	payment, err := s.repo.FindOpenPaymentByProviderSubscription(models.ProviderStripe, subID)
	if err == nil {
		reason := "subscription invoice payment failed"
		s.failPayment(payment, reason)
		s.runRollback(ctx, payment)
		s.notifyPaymentFailed(payment, reason)
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	// A failing renewal moves the subscription into dunning.
	local, err := s.repo.GetSubscriptionByProviderID(models.ProviderStripe, subID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if local.Status == models.SubscriptionStatusPastDue {
		return nil
	}
	if !models.CanTransitionSubscription(local.Status, models.SubscriptionStatusPastDue) {
		return nil
	}
	local.Status = models.SubscriptionStatusPastDue
	if err := s.repo.SaveSubscription(local); err != nil {
		return err
	}
	if s.notifier != nil {
		if user, uerr := s.repo.GetUserByID(local.UserID); uerr == nil {
			s.notifier.PaymentFailed(user, inv.AmountDue, string(inv.Currency), "renewal payment failed")
		}
	}
	return nil
}

// activateFromCardObject activates a subscription the provider reports
// as active, settling the open purchase payment when one exists.
func (s *Service) activateFromCardObject(ctx context.Context, local *models.Subscription, provSub *stripe.Subscription) error {
	start, end := cardPeriod(provSub)

	payment, err := s.repo.FindOpenPaymentByProviderSubscription(models.ProviderStripe, provSub.ID)
	if err == nil {
		return s.completePayment(ctx, payment, provSub.ID, start, end)
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	plan, err := s.catalog.Resolve(PlanByID(local.PlanID))
	if err != nil {
		return err
	}
	return s.activatePlan(ctx, local.UserID, plan, local.BillingCycle, models.ProviderStripe, provSub.ID, start, end)
}

// adoptCardSubscription links a provider subscription the local DB does
// not know, typically because the create request died before the pending
// assignment was stored. Returns nil when no owner can be derived.
func (s *Service) adoptCardSubscription(ctx context.Context, provSub *stripe.Subscription) (*models.Subscription, error) {
	userID, err := userIDFromMetadata(provSub.Metadata)
	if err != nil {
		log.Printf("[Billing] card subscription %s has no usable owner metadata, ignoring", provSub.ID)
		return nil, nil
	}

	sub, err := s.GetOrCreateSubscription(ctx, userID)
	if err != nil {
		return nil, err
	}
	if sub.IsActive() && sub.ProviderSubscriptionID != "" && sub.ProviderSubscriptionID != provSub.ID {
		log.Printf("[Billing] user %d already linked to %s, ignoring card subscription %s", userID, sub.ProviderSubscriptionID, provSub.ID)
		return nil, nil
	}

	if raw := provSub.Metadata["plan_id"]; raw != "" {
		if id, perr := strconv.ParseUint(raw, 10, 64); perr == nil && id > 0 {
			if plan, rerr := s.catalog.Resolve(PlanByID(uint(id))); rerr == nil &&
				models.CanTransitionSubscription(sub.Status, models.SubscriptionStatusPending) {
				cycle := models.NormalizeBillingCycle(provSub.Metadata["billing_cycle"])
				if aerr := s.assignPending(sub, plan, cycle, models.ProviderStripe, provSub.ID); aerr != nil {
					return nil, aerr
				}
				log.Printf("[Billing] adopted card subscription %s for user %d", provSub.ID, userID)
				return sub, nil
			}
		}
	}

	sub.Provider = models.ProviderStripe
	sub.ProviderSubscriptionID = provSub.ID
	if err := s.repo.SaveSubscription(sub); err != nil {
		return nil, err
	}
	log.Printf("[Billing] linked card subscription %s to user %d", provSub.ID, userID)
	return sub, nil
}

// locateCardPayment finds the local payment for an intent, first by
// provider id, then by the payment_id the intent metadata carries.
// Returns nil without error when neither matches.
func (s *Service) locateCardPayment(pi *stripe.PaymentIntent) (*models.Payment, error) {
	payment, err := s.repo.GetPaymentByProviderID(models.ProviderStripe, pi.ID)
	if err == nil {
		return payment, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	if raw := pi.Metadata["payment_id"]; raw != "" {
		id, convErr := strconv.ParseUint(raw, 10, 64)
		if convErr == nil && id > 0 {
			payment, err = s.repo.GetPaymentByID(uint(id))
			if err == nil {
				return payment, nil
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, err
			}
		}
	}
	return nil, nil
}

// synthesizeCardPayment builds the local row for an intent that was
// never recorded, for example when the original request died right after
// the provider call.
func (s *Service) synthesizeCardPayment(pi *stripe.PaymentIntent) (*models.Payment, error) {
	userID, err := userIDFromMetadata(pi.Metadata)
	if err != nil {
		return nil, fmt.Errorf("intent %s: %w", pi.ID, err)
	}

	meta := models.PaymentMetadata{
		TargetPlanType: pi.Metadata["plan_type"],
		BillingCycle:   models.NormalizeBillingCycle(pi.Metadata["billing_cycle"]),
	}
	if raw := pi.Metadata["plan_id"]; raw != "" {
		if id, perr := strconv.ParseUint(raw, 10, 64); perr == nil {
			meta.TargetPlanID = uint(id)
		}
	}

	payment := &models.Payment{
		UserID:            userID,
		Provider:          models.ProviderStripe,
		ProviderPaymentID: pi.ID,
		Amount:            pi.Amount,
		Currency:          string(pi.Currency),
		Status:            mapIntentStatus(string(pi.Status)),
		Description:       pi.Description,
	}
	if sub, serr := s.repo.GetSubscriptionByUserID(userID); serr == nil {
		payment.SubscriptionID = &sub.ID
	}
	if err := payment.EncodeMetadata(meta); err != nil {
		return nil, err
	}
	if err := s.repo.CreatePayment(payment); err != nil {
		// A concurrent replay may have won the insert.
		if existing, gerr := s.repo.GetPaymentByProviderID(models.ProviderStripe, pi.ID); gerr == nil {
			return existing, nil
		}
		return nil, err
	}
	log.Printf("[Billing] synthesized payment for intent %s (user %d)", pi.ID, userID)
	return payment, nil
}

func userIDFromMetadata(meta map[string]string) (uint, error) {
	raw := meta["user_id"]
	if raw == "" {
		return 0, errors.New("metadata has no user_id")
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("metadata user_id %q is not a valid id", raw)
	}
	return uint(id), nil
}

func cardPeriod(provSub *stripe.Subscription) (*time.Time, *time.Time) {
	var start, end *time.Time
	if provSub.CurrentPeriodStart > 0 {
		t := time.Unix(provSub.CurrentPeriodStart, 0).UTC()
		start = &t
	}
	if provSub.CurrentPeriodEnd > 0 {
		t := time.Unix(provSub.CurrentPeriodEnd, 0).UTC()
		end = &t
	}
	return start, end
}

func applyCardPeriod(local *models.Subscription, provSub *stripe.Subscription) {
	start, end := cardPeriod(provSub)
	if start != nil {
		local.CurrentPeriodStart = start
	}
	if end != nil {
		local.CurrentPeriodEnd = end
	}
}

func invoiceIntentID(inv *stripe.Invoice) string {
	if inv.PaymentIntent != nil {
		return inv.PaymentIntent.ID
	}
	return ""
}

func invoicePeriod(inv *stripe.Invoice) (*time.Time, *time.Time) {
	if inv.Lines != nil {
		for _, line := range inv.Lines.Data {
			if line.Period != nil && line.Period.End > 0 {
				start := time.Unix(line.Period.Start, 0).UTC()
				end := time.Unix(line.Period.End, 0).UTC()
				return &start, &end
			}
		}
	}
	return nil, nil
}
