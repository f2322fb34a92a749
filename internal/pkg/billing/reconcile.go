package billing

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/QuillonLabs/quillon/app/models"
	"github.com/QuillonLabs/quillon/internal/pkg/payments"
)

// ConfirmPayment reconciles a one-time purchase after the client-side
// card flow finished. It reads the provider intent, completes or fails
// the local payment accordingly and answers ErrApprovalPending when the
// provider has not settled yet, so the frontend can retry shortly.
//
// Confirmation races with the provider webhook by design; both paths run
// the same idempotent completion, whichever lands first wins.
func (s *Service) ConfirmPayment(ctx context.Context, userID, paymentID uint, providerPaymentID string) (*models.Payment, error) {
	payment, err := s.findOwnPayment(userID, paymentID, providerPaymentID)
	if err != nil {
		return nil, err
	}

	switch payment.Status {
	case models.PaymentStatusCompleted:
		return payment, nil
	case models.PaymentStatusFailed, models.PaymentStatusCanceled:
		return nil, ErrPaymentDeclined
	}

	for attempt := 0; ; attempt++ {
		intent, err := s.card.GetIntent(ctx, payment.ProviderPaymentID)
		if err != nil {
			return nil, fmt.Errorf("fetch payment intent: %w", err)
		}

		switch intent.Status {
		case payments.IntentStatusSucceeded:
			if err := s.completePayment(ctx, payment, "", nil, nil); err != nil {
				return nil, err
			}
			return payment, nil
		case payments.IntentStatusCanceled, payments.IntentStatusRequiresPaymentMethod:
			reason := "payment was not completed (" + intent.Status + ")"
			s.failPayment(payment, reason)
			s.runRollback(ctx, payment)
			s.notifyPaymentFailed(payment, reason)
			return nil, ErrPaymentDeclined
		}

		// Still settling on the provider side. The webhook may have
		// completed the local row in the meantime.
		if fresh, err := s.repo.GetPaymentByID(payment.ID); err == nil && fresh.Status == models.PaymentStatusCompleted {
			return fresh, nil
		}

		if attempt >= s.approvalRechecks {
			log.Printf("[Billing] payment %d still %s after %d checks", payment.ID, intent.Status, attempt+1)
			return nil, ErrApprovalPending
		}
		if err := s.sleep(ctx, s.approvalDelay); err != nil {
			return nil, err
		}
	}
}

// ApproveWalletSubscription reconciles a wallet purchase after the buyer
// returned from the approval flow. Activation is idempotent; a
// subscription the provider has not flipped to active yet yields
// ErrApprovalPending so the frontend can retry.
func (s *Service) ApproveWalletSubscription(ctx context.Context, userID uint, providerSubID string) (*models.Subscription, error) {
	providerSubID = strings.TrimSpace(providerSubID)
	if providerSubID == "" {
		return nil, errors.New("subscription_id is required")
	}

	sub, err := s.repo.GetSubscriptionByUserID(userID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, err
	}
	if sub.Provider != models.ProviderPayPal || sub.ProviderSubscriptionID != providerSubID {
		return nil, ErrSubscriptionNotFound
	}
	if sub.IsActive() {
		return sub, nil
	}

	for attempt := 0; ; attempt++ {
		providerSub, err := s.wallet.GetSubscription(ctx, providerSubID)
		if err != nil {
			if payments.IsMissingResource(err) {
				return nil, ErrSubscriptionNotFound
			}
			return nil, fmt.Errorf("fetch wallet subscription: %w", err)
		}

		if mapWalletSubscriptionStatus(providerSub.Status) == models.SubscriptionStatusActive {
			if err := s.activateWalletPurchase(ctx, sub, providerSub); err != nil {
				return nil, err
			}
			return s.repo.GetSubscriptionByUserID(userID)
		}

		// The activation webhook may have landed while we were polling.
		if fresh, err := s.repo.GetSubscriptionByUserID(userID); err == nil &&
			fresh.IsActive() && fresh.ProviderSubscriptionID == providerSubID {
			return fresh, nil
		}

		if attempt >= s.approvalRechecks {
			log.Printf("[Billing] wallet subscription %s still %s after %d checks", providerSubID, providerSub.Status, attempt+1)
			return nil, ErrApprovalPending
		}
		if err := s.sleep(ctx, s.approvalDelay); err != nil {
			return nil, err
		}
	}
}

// activateWalletPurchase settles the open payment behind a wallet
// subscription and activates the plan. Shared by the approval flow and
// the activation webhook.
func (s *Service) activateWalletPurchase(ctx context.Context, sub *models.Subscription, providerSub *payments.ProviderSubscription) error {
	var start, end *time.Time
	if !providerSub.CurrentPeriodStart.IsZero() {
		t := providerSub.CurrentPeriodStart
		start = &t
	}
	if !providerSub.CurrentPeriodEnd.IsZero() {
		t := providerSub.CurrentPeriodEnd
		end = &t
	}

	payment, err := s.repo.FindOpenPaymentByProviderSubscription(models.ProviderPayPal, providerSub.ID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// No open purchase, the row was linked by a webhook. Activate
		// from the subscription's own plan linkage.
		plan, rerr := s.catalog.Resolve(PlanByID(sub.PlanID))
		if rerr != nil {
			return rerr
		}
		return s.activatePlan(ctx, sub.UserID, plan, sub.BillingCycle, models.ProviderPayPal, providerSub.ID, start, end)
	}
	if err != nil {
		return err
	}
	return s.completePayment(ctx, payment, providerSub.ID, start, end)
}

// findOwnPayment locates a payment by local id or provider intent id,
// scoped to the requesting user.
func (s *Service) findOwnPayment(userID, paymentID uint, providerPaymentID string) (*models.Payment, error) {
	providerPaymentID = strings.TrimSpace(providerPaymentID)
	if paymentID == 0 && providerPaymentID == "" {
		return nil, errors.New("payment_id or payment_intent_id is required")
	}

	var payment *models.Payment
	var err error
	if paymentID != 0 {
		payment, err = s.repo.GetPaymentByID(paymentID)
	} else {
		payment, err = s.repo.GetPaymentByProviderID(models.ProviderStripe, providerPaymentID)
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, err
	}
	if payment.UserID != userID {
		return nil, ErrPaymentNotFound
	}
	return payment, nil
}
