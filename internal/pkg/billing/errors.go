package billing

import "errors"

var (
	// ErrPlanNotFound means a plan reference resolved to no catalog row.
	ErrPlanNotFound = errors.New("subscription plan not found")

	// ErrSubscriptionNotFound means the user has no subscription row yet.
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrPaymentNotFound means the payment row could not be located.
	ErrPaymentNotFound = errors.New("payment not found")

	// ErrInvalidTransition means a status change is not in the allowed
	// transition table.
	ErrInvalidTransition = errors.New("status transition not allowed")

	// ErrApprovalPending means the provider has not confirmed the
	// subscription yet. Handlers answer 202 and tell the client to retry.
	ErrApprovalPending = errors.New("subscription approval still pending")

	// ErrSignatureInvalid means webhook signature verification failed.
	// This is the only webhook error that is answered with a 400.
	ErrSignatureInvalid = errors.New("webhook signature verification failed")

	// ErrPaymentDeclined means the provider reported the payment as
	// failed or cancelled during confirmation.
	ErrPaymentDeclined = errors.New("payment was declined")

	// ErrFreePlanNotPurchasable means a purchase was attempted for a
	// plan with no price.
	ErrFreePlanNotPurchasable = errors.New("free plan cannot be purchased")

	// ErrNoPaidSubscription means a cancel was requested but the user
	// has no provider-backed subscription.
	ErrNoPaidSubscription = errors.New("no paid subscription to cancel")
)
