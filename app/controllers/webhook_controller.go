package controllers

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/QuillonLabs/quillon/internal/pkg/billing"
	"github.com/QuillonLabs/quillon/internal/pkg/payments"
)

// webhookTimeout bounds one webhook delivery end to end. Providers
// retry on their own schedule, so a hung handler must not pile up.
const webhookTimeout = 15 * time.Second

// WebhookController receives provider callbacks. Both endpoints are
// unauthenticated; the signature check inside the billing engine is
// the only gate.
type WebhookController struct {
	billing *billing.Service
}

func NewWebhookController(svc *billing.Service) *WebhookController {
	return &WebhookController{billing: svc}
}

// HandleStripeWebhook verifies and applies one Stripe event. Only a
// bad signature answers 400; every other outcome acks with 200 so the
// provider stops redelivering events we have already recorded.
func (wc *WebhookController) HandleStripeWebhook(c *fiber.Ctx) error {
	rawBody := append([]byte(nil), c.BodyRaw()...)
	sigHeader := c.Get("Stripe-Signature")

	ctx, cancel := context.WithTimeout(context.Background(), webhookTimeout)
	defer cancel()

	ack, err := wc.billing.ProcessStripeWebhook(ctx, rawBody, sigHeader)
	return webhookAnswer(c, ack, err)
}

// HandlePayPalWebhook verifies and applies one PayPal event.
func (wc *WebhookController) HandlePayPalWebhook(c *fiber.Ctx) error {
	rawBody := append([]byte(nil), c.BodyRaw()...)
	headers := payments.WebhookHeaders{
		TransmissionID:   c.Get("Paypal-Transmission-Id"),
		TransmissionTime: c.Get("Paypal-Transmission-Time"),
		TransmissionSig:  c.Get("Paypal-Transmission-Sig"),
		CertURL:          c.Get("Paypal-Cert-Url"),
		AuthAlgo:         c.Get("Paypal-Auth-Algo"),
	}

	ctx, cancel := context.WithTimeout(context.Background(), webhookTimeout)
	defer cancel()

	ack, err := wc.billing.ProcessPayPalWebhook(ctx, rawBody, headers)
	return webhookAnswer(c, ack, err)
}

func webhookAnswer(c *fiber.Ctx, ack *billing.WebhookAck, err error) error {
	if err != nil {
		if errors.Is(err, billing.ErrSignatureInvalid) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "invalid signature",
			})
		}
		// Processor contract: anything past the signature check is
		// recorded server-side and must still be acked.
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "webhook processing failed",
		})
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"received":   true,
		"event_type": ack.EventType,
		"event_id":   ack.EventID,
	})
}
