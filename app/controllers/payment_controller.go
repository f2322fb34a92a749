package controllers

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/QuillonLabs/quillon/app/models"
	"github.com/QuillonLabs/quillon/app/repository"
	"github.com/QuillonLabs/quillon/internal/pkg/billing"
	"github.com/QuillonLabs/quillon/internal/pkg/cache"
	"github.com/QuillonLabs/quillon/internal/pkg/usage"
	"github.com/QuillonLabs/quillon/internal/pkg/usercontext"
)

const (
	// handlerTimeout bounds reads and single provider round-trips.
	handlerTimeout = 15 * time.Second
	// purchaseTimeout bounds purchase flows, which may create provider
	// product, price and subscription objects back to back.
	purchaseTimeout = 30 * time.Second

	plansCacheKey        = "billing:plans:active"
	plansCacheExpiration = 10 * time.Minute
)

// PaymentController owns the card purchase surface plus the shared
// subscription/plan/history reads.
type PaymentController struct {
	billing *billing.Service
	repos   *repository.Repositories
	ledger  *usage.Ledger
}

func NewPaymentController(svc *billing.Service, repos *repository.Repositories, ledger *usage.Ledger) *PaymentController {
	return &PaymentController{billing: svc, repos: repos, ledger: ledger}
}

// HandleListPlans serves the active plan catalog. The list changes
// rarely, so it is cached in redis and rebuilt on miss.
func (pc *PaymentController) HandleListPlans(c *fiber.Ctx) error {
	if cached, err := cache.Get(plansCacheKey); err == nil && cached != "" {
		var plans []models.SubscriptionPlan
		if err := json.Unmarshal([]byte(cached), &plans); err == nil {
			return respondOK(c, "plans", fiber.Map{"plans": plans})
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	plans, err := pc.billing.ListPlans(ctx)
	if err != nil {
		return respondBillingError(c, err)
	}
	if raw, err := json.Marshal(plans); err == nil {
		_ = cache.Set(plansCacheKey, string(raw), plansCacheExpiration)
	}
	return respondOK(c, "plans", fiber.Map{"plans": plans})
}

// HandleCreateIntent starts a one-off card payment for a paid plan.
func (pc *PaymentController) HandleCreateIntent(c *fiber.Ctx) error {
	var req planRequest
	if err := parseBody(c, &req); err != nil {
		return respondError(c, fiber.StatusBadRequest, "invalid request body")
	}

	ctx, cancel := context.WithTimeout(context.Background(), purchaseTimeout)
	defer cancel()

	res, err := pc.billing.CreatePaymentIntent(ctx, usercontext.GetUserID(c), req.Ref(), req.BillingCycle)
	if err != nil {
		return respondBillingError(c, err)
	}
	return respondOK(c, "payment intent created", fiber.Map{
		"payment_id":          res.Payment.ID,
		"provider_payment_id": res.Payment.ProviderPaymentID,
		"client_secret":       res.ClientSecret,
		"amount":              res.Payment.Amount,
		"currency":            res.Payment.Currency,
		"status":              res.Payment.Status,
	})
}

// HandleConfirmPayment runs the approval-flow reconciler for a pending
// card payment. A still-settling provider answers 202 via the error
// mapping so clients poll instead of failing.
func (pc *PaymentController) HandleConfirmPayment(c *fiber.Ctx) error {
	var req struct {
		PaymentID       uint   `json:"paymentId"`
		PaymentIntentID string `json:"paymentIntentId"`
	}
	if err := parseBody(c, &req); err != nil {
		return respondError(c, fiber.StatusBadRequest, "invalid request body")
	}
	if req.PaymentID == 0 && req.PaymentIntentID == "" {
		return respondError(c, fiber.StatusBadRequest, "paymentId or paymentIntentId required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), purchaseTimeout)
	defer cancel()

	userID := usercontext.GetUserID(c)
	payment, err := pc.billing.ConfirmPayment(ctx, userID, req.PaymentID, req.PaymentIntentID)
	if err != nil {
		return respondBillingError(c, err)
	}

	sub, err := pc.billing.GetOrCreateSubscription(ctx, userID)
	if err != nil {
		return respondBillingError(c, err)
	}
	return respondOK(c, "payment confirmed", fiber.Map{
		"payment":      payment,
		"subscription": sub,
	})
}

// HandleRetryPayment opens a fresh intent for a failed payment. The
// original row stays untouched; the new one references it in metadata.
func (pc *PaymentController) HandleRetryPayment(c *fiber.Ctx) error {
	var req struct {
		PaymentID uint `json:"paymentId" validate:"required"`
	}
	if err := parseBody(c, &req); err != nil {
		return respondError(c, fiber.StatusBadRequest, "paymentId required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), purchaseTimeout)
	defer cancel()

	res, err := pc.billing.RetryPayment(ctx, usercontext.GetUserID(c), req.PaymentID)
	if err != nil {
		return respondBillingError(c, err)
	}
	return respondOK(c, "payment retry created", fiber.Map{
		"payment_id":          res.Payment.ID,
		"provider_payment_id": res.Payment.ProviderPaymentID,
		"client_secret":       res.ClientSecret,
		"amount":              res.Payment.Amount,
		"currency":            res.Payment.Currency,
		"status":              res.Payment.Status,
		"retry_of":            req.PaymentID,
	})
}

// HandleCreateSubscription starts a recurring card subscription.
func (pc *PaymentController) HandleCreateSubscription(c *fiber.Ctx) error {
	var req planRequest
	if err := parseBody(c, &req); err != nil {
		return respondError(c, fiber.StatusBadRequest, "invalid request body")
	}

	ctx, cancel := context.WithTimeout(context.Background(), purchaseTimeout)
	defer cancel()

	res, err := pc.billing.CreateCardSubscription(ctx, usercontext.GetUserID(c), req.Ref(), req.BillingCycle)
	if err != nil {
		return respondBillingError(c, err)
	}
	return respondOK(c, "subscription created", fiber.Map{
		"subscription_id": res.ProviderSubscriptionID,
		"client_secret":   res.ClientSecret,
		"payment_id":      res.Payment.ID,
		"status":          res.Subscription.Status,
	})
}

// HandleCancelSubscription cancels the caller's paid subscription,
// either at period end (default) or immediately.
func (pc *PaymentController) HandleCancelSubscription(c *fiber.Ctx) error {
	req := struct {
		CancelAtPeriodEnd *bool `json:"cancelAtPeriodEnd"`
	}{}
	if len(c.Body()) > 0 {
		if err := parseBody(c, &req); err != nil {
			return respondError(c, fiber.StatusBadRequest, "invalid request body")
		}
	}
	atPeriodEnd := true
	if req.CancelAtPeriodEnd != nil {
		atPeriodEnd = *req.CancelAtPeriodEnd
	}

	ctx, cancel := context.WithTimeout(context.Background(), purchaseTimeout)
	defer cancel()

	sub, err := pc.billing.CancelSubscription(ctx, usercontext.GetUserID(c), atPeriodEnd)
	if err != nil {
		return respondBillingError(c, err)
	}
	return respondOK(c, "subscription cancelled", fiber.Map{"subscription": sub})
}

// HandleGetSubscription returns the caller's subscription together
// with today's usage counters.
func (pc *PaymentController) HandleGetSubscription(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	sub, err := pc.billing.GetOrCreateSubscription(ctx, usercontext.GetUserID(c))
	if err != nil {
		return respondBillingError(c, err)
	}
	return respondOK(c, "subscription", fiber.Map{
		"subscription": sub,
		"usage":        pc.ledger.Snapshot(sub),
	})
}

// HandlePaymentHistory lists the caller's payments, newest first.
func (pc *PaymentController) HandlePaymentHistory(c *fiber.Ctx) error {
	page := c.QueryInt("page", 1)
	if page < 1 {
		page = 1
	}
	limit := c.QueryInt("limit", 20)
	if limit < 1 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}

	userID := usercontext.GetUserID(c)
	payments, err := pc.repos.Payment.ListByUserID(userID, (page-1)*limit, limit)
	if err != nil {
		return respondBillingError(c, err)
	}
	total, err := pc.repos.Payment.CountByUserID(userID)
	if err != nil {
		return respondBillingError(c, err)
	}
	return respondOK(c, "payment history", fiber.Map{
		"payments": payments,
		"pagination": fiber.Map{
			"page":  page,
			"limit": limit,
			"total": total,
		},
	})
}
