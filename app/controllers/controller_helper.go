package controllers

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"github.com/QuillonLabs/quillon/internal/pkg/billing"
	"github.com/QuillonLabs/quillon/internal/pkg/usage"
)

var validate = validator.New()

// parseBody decodes a JSON request body and runs struct validation.
func parseBody(c *fiber.Ctx, out interface{}) error {
	if err := c.BodyParser(out); err != nil {
		return err
	}
	return validate.Struct(out)
}

// respond wraps every non-webhook answer in the shared envelope.
func respond(c *fiber.Ctx, status int, message string, data interface{}) error {
	return c.Status(status).JSON(fiber.Map{
		"success": status < 300,
		"message": message,
		"data":    data,
	})
}

func respondOK(c *fiber.Ctx, message string, data interface{}) error {
	return respond(c, fiber.StatusOK, message, data)
}

func respondError(c *fiber.Ctx, status int, message string) error {
	return respond(c, status, message, nil)
}

// respondPending answers an unresolved approval race. The 202 carries
// an explicit success false so the client treats it as neither done nor
// failed and polls again.
func respondPending(c *fiber.Ctx, message string, data interface{}) error {
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"success": false,
		"message": message,
		"data":    data,
	})
}

// respondBillingError maps billing and usage errors onto HTTP statuses.
// Approval races answer 202 so the client polls again instead of
// reporting a failure that has not happened.
func respondBillingError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, billing.ErrApprovalPending):
		return respondPending(c, "approval pending, retry shortly", fiber.Map{
			"status": "pending",
		})
	case errors.Is(err, billing.ErrPlanNotFound),
		errors.Is(err, billing.ErrSubscriptionNotFound),
		errors.Is(err, billing.ErrPaymentNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return respondError(c, fiber.StatusNotFound, err.Error())
	case errors.Is(err, billing.ErrPaymentDeclined):
		return respondError(c, fiber.StatusPaymentRequired, err.Error())
	case errors.Is(err, billing.ErrInvalidTransition):
		return respondError(c, fiber.StatusConflict, err.Error())
	case errors.Is(err, billing.ErrFreePlanNotPurchasable),
		errors.Is(err, billing.ErrNoPaidSubscription):
		return respondError(c, fiber.StatusBadRequest, err.Error())
	case errors.Is(err, usage.ErrQuotaExceeded):
		return respondError(c, fiber.StatusTooManyRequests, err.Error())
	default:
		return respondError(c, fiber.StatusInternalServerError, err.Error())
	}
}

// parsePlanRequest reads the plan reference and billing cycle every
// purchase endpoint accepts. planId wins over planType when both are
// sent.
type planRequest struct {
	PlanID       uint   `json:"planId"`
	PlanType     string `json:"planType" validate:"omitempty,oneof=free basic pro enterprise"`
	BillingCycle string `json:"billingCycle" validate:"omitempty,oneof=monthly yearly"`
}

func (r planRequest) Ref() billing.PlanRef {
	if r.PlanID != 0 {
		return billing.PlanByID(r.PlanID)
	}
	return billing.PlanByType(r.PlanType)
}
