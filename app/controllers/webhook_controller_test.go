package controllers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/QuillonLabs/quillon/internal/pkg/billing"
)

func postWebhook(t *testing.T, app *fiber.App, body string) (int, map[string]interface{}) {
	t.Helper()

	req := httptest.NewRequest(fiber.MethodPost, "/hook", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req, -1)
	require.NoError(t, err)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &out), "body: %s", raw)
	return resp.StatusCode, out
}

func TestWebhookAnswerAck(t *testing.T) {
	app := fiber.New()
	app.Post("/hook", func(c *fiber.Ctx) error {
		ack := &billing.WebhookAck{EventType: "invoice.payment_succeeded", EventID: "evt_123"}
		return webhookAnswer(c, ack, nil)
	})

	status, out := postWebhook(t, app, `{}`)
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, true, out["received"])
	assert.Equal(t, "invoice.payment_succeeded", out["event_type"])
	assert.Equal(t, "evt_123", out["event_id"])
}

func TestWebhookAnswerBadSignature(t *testing.T) {
	app := fiber.New()
	app.Post("/hook", func(c *fiber.Ctx) error {
		return webhookAnswer(c, nil, fmt.Errorf("verify: %w", billing.ErrSignatureInvalid))
	})

	status, out := postWebhook(t, app, `{}`)
	assert.Equal(t, fiber.StatusBadRequest, status)
	assert.Equal(t, "invalid signature", out["error"])
	assert.NotContains(t, out, "received")
}

func TestWebhookAnswerUnexpectedError(t *testing.T) {
	app := fiber.New()
	app.Post("/hook", func(c *fiber.Ctx) error {
		return webhookAnswer(c, nil, errors.New("database unavailable"))
	})

	status, out := postWebhook(t, app, `{}`)
	assert.Equal(t, fiber.StatusInternalServerError, status)
	assert.Equal(t, "webhook processing failed", out["error"])
}
