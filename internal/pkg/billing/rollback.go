package billing

import (
	"context"
	"errors"
	"fmt"
	"log"

	"gorm.io/gorm"

	"github.com/QuillonLabs/quillon/app/models"
	"github.com/QuillonLabs/quillon/internal/pkg/entitlements"
)

// runRollback is the log-only wrapper every failure path uses. Rollback
// problems are reported to the log and never escalate into the response
// of the flow that triggered them.
func (s *Service) runRollback(ctx context.Context, payment *models.Payment) {
	if err := s.rollbackPayment(ctx, payment); err != nil {
		log.Printf("[Billing] rollback for payment %d failed: %v", payment.ID, err)
	}
}

// rollbackPayment restores the subscription state recorded in a failed
// payment's metadata snapshot. The snapshot was written before any
// provider object existed, so it reflects what the purchase displaced.
//
// Only a subscription still pending on this exact purchase is touched.
// An independently activated subscription is never demoted, and usage
// counters plus the frozen limits snapshot stay as they are.
func (s *Service) rollbackPayment(ctx context.Context, payment *models.Payment) error {
	_ = ctx
	meta, err := payment.DecodeMetadata()
	if err != nil {
		return err
	}
	if meta.TargetPlanID == 0 && meta.TargetPlanType == "" {
		return nil
	}

	sub, err := s.repo.GetSubscriptionByUserID(payment.UserID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if sub.Status != models.SubscriptionStatusPending {
		log.Printf("[Billing] skip rollback for payment %d: subscription is %s", payment.ID, sub.Status)
		return nil
	}
	if meta.TargetPlanID != 0 && sub.PlanID != meta.TargetPlanID {
		// Another purchase moved the plan in the meantime.
		log.Printf("[Billing] skip rollback for payment %d: plan moved to %d", payment.ID, sub.PlanID)
		return nil
	}

	prev := s.resolvePreviousPlan(meta)
	if prev == nil {
		return fmt.Errorf("no plan to restore for payment %d", payment.ID)
	}

	status := meta.PreviousStatus
	if status == "" {
		status = models.SubscriptionStatusActive
	}
	if !models.CanTransitionSubscription(sub.Status, status) {
		return fmt.Errorf("%w: rollback %s -> %s", ErrInvalidTransition, sub.Status, status)
	}

	sub.PlanID = prev.ID
	sub.PlanType = prev.Type
	sub.Status = status
	sub.Provider = meta.PreviousProvider
	if sub.Provider == "" {
		sub.Provider = models.ProviderNone
	}
	sub.ProviderSubscriptionID = meta.PreviousProviderSubscriptionID
	if meta.PreviousBillingCycle != "" {
		sub.BillingCycle = meta.PreviousBillingCycle
	}
	if err := s.repo.SaveSubscription(sub); err != nil {
		return err
	}

	log.Printf("[Billing] rolled back user %d to plan %s after payment %d failed", payment.UserID, prev.Type, payment.ID)
	s.notifyPlanRestored(payment.UserID, prev.Name)
	return nil
}

// resolvePreviousPlan finds the plan a rollback should restore: by id
// first, by type for plans deleted in between, free tier as the last
// resort. Returns nil when even the free plan is gone.
func (s *Service) resolvePreviousPlan(meta models.PaymentMetadata) *models.SubscriptionPlan {
	if meta.PreviousPlanID != 0 {
		if plan, err := s.catalog.Resolve(PlanByID(meta.PreviousPlanID)); err == nil {
			return plan
		}
	}
	if meta.PreviousPlanType != "" {
		if plan, err := s.catalog.Resolve(PlanByType(meta.PreviousPlanType)); err == nil {
			return plan
		}
	}
	plan, err := s.catalog.Resolve(PlanByType(string(entitlements.TierFree)))
	if err != nil {
		return nil
	}
	return plan
}
