package controllers

import (
	"context"

	"github.com/gofiber/fiber/v2"

	"github.com/QuillonLabs/quillon/internal/pkg/billing"
	"github.com/QuillonLabs/quillon/internal/pkg/usercontext"
)

// PayPalController owns the wallet purchase surface. Wallet purchases
// redirect the user to the provider and come back through approve.
type PayPalController struct {
	billing *billing.Service
}

func NewPayPalController(svc *billing.Service) *PayPalController {
	return &PayPalController{billing: svc}
}

// HandleCreateSubscription creates a wallet subscription and hands the
// approval URL back for the client redirect.
func (pp *PayPalController) HandleCreateSubscription(c *fiber.Ctx) error {
	var req planRequest
	if err := parseBody(c, &req); err != nil {
		return respondError(c, fiber.StatusBadRequest, "invalid request body")
	}

	ctx, cancel := context.WithTimeout(context.Background(), purchaseTimeout)
	defer cancel()

	res, err := pp.billing.CreateWalletSubscription(ctx, usercontext.GetUserID(c), req.Ref(), req.BillingCycle)
	if err != nil {
		return respondBillingError(c, err)
	}
	return respondOK(c, "subscription created, approval required", fiber.Map{
		"subscription_id": res.ProviderSubscriptionID,
		"approval_url":    res.ApprovalURL,
		"payment_id":      res.Payment.ID,
		"status":          res.Subscription.Status,
	})
}

// HandleApprove reconciles a wallet subscription after the user comes
// back from the provider. Not-yet-active answers 202 via the error
// mapping; the recheck delay is handled inside the engine.
func (pp *PayPalController) HandleApprove(c *fiber.Ctx) error {
	var req struct {
		SubscriptionID string `json:"subscriptionId" validate:"required"`
	}
	if err := parseBody(c, &req); err != nil {
		return respondError(c, fiber.StatusBadRequest, "subscriptionId required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), purchaseTimeout)
	defer cancel()

	sub, err := pp.billing.ApproveWalletSubscription(ctx, usercontext.GetUserID(c), req.SubscriptionID)
	if err != nil {
		return respondBillingError(c, err)
	}
	return respondOK(c, "subscription active", fiber.Map{"subscription": sub})
}

// HandleCancel cancels the caller's wallet subscription at the
// provider and locally.
func (pp *PayPalController) HandleCancel(c *fiber.Ctx) error {
	req := struct {
		Reason string `json:"reason"`
	}{}
	if len(c.Body()) > 0 {
		if err := parseBody(c, &req); err != nil {
			return respondError(c, fiber.StatusBadRequest, "invalid request body")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), purchaseTimeout)
	defer cancel()

	sub, err := pp.billing.CancelWalletSubscription(ctx, usercontext.GetUserID(c), req.Reason)
	if err != nil {
		return respondBillingError(c, err)
	}
	return respondOK(c, "subscription cancelled", fiber.Map{"subscription": sub})
}
