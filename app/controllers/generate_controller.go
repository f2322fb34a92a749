package controllers

import (
	"context"
	"log"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/QuillonLabs/quillon/internal/pkg/aigen"
	"github.com/QuillonLabs/quillon/internal/pkg/billing"
	"github.com/QuillonLabs/quillon/internal/pkg/entitlements"
	"github.com/QuillonLabs/quillon/internal/pkg/usage"
	"github.com/QuillonLabs/quillon/internal/pkg/usercontext"
)

// videoHandlerTimeout leaves headroom over the client's own five
// minute poll budget so the provider call, not the handler, decides.
const videoHandlerTimeout = 6 * time.Minute

// GenerateController owns the metered generation endpoints. Every
// handler reserves one quota unit before calling the provider and
// gives it back when the call fails, so failed generations never eat
// quota.
type GenerateController struct {
	billing *billing.Service
	ledger  *usage.Ledger
	ai      *aigen.Client
}

func NewGenerateController(svc *billing.Service, ledger *usage.Ledger, ai *aigen.Client) *GenerateController {
	return &GenerateController{billing: svc, ledger: ledger, ai: ai}
}

// reserveFor resolves the caller's subscription and takes one unit of
// svc quota from today's counters.
func (gc *GenerateController) reserveFor(ctx context.Context, userID uint, svc entitlements.Service) (usage.Reservation, error) {
	sub, err := gc.billing.GetOrCreateSubscription(ctx, userID)
	if err != nil {
		return usage.Reservation{}, err
	}
	return gc.ledger.Reserve(sub, svc)
}

// HandleGenerateText answers POST /generate/text.
func (gc *GenerateController) HandleGenerateText(c *fiber.Ctx) error {
	var req struct {
		Prompt string `json:"prompt" validate:"required"`
	}
	if err := parseBody(c, &req); err != nil {
		return respondError(c, fiber.StatusBadRequest, "prompt required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), purchaseTimeout)
	defer cancel()

	userID := usercontext.GetUserID(c)
	res, err := gc.reserveFor(ctx, userID, entitlements.ServiceWords)
	if err != nil {
		return respondBillingError(c, err)
	}

	out, err := gc.ai.GenerateText(ctx, req.Prompt)
	if err != nil {
		_ = gc.ledger.Release(res)
		log.Printf("[Generate] text generation failed for user %d: %v", userID, err)
		return respondError(c, fiber.StatusBadGateway, "text generation failed")
	}
	return respondOK(c, "text generated", out)
}

// HandleGenerateImage answers POST /generate/image.
func (gc *GenerateController) HandleGenerateImage(c *fiber.Ctx) error {
	var req struct {
		Prompt string `json:"prompt" validate:"required"`
		Size   string `json:"size"`
	}
	if err := parseBody(c, &req); err != nil {
		return respondError(c, fiber.StatusBadRequest, "prompt required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), purchaseTimeout)
	defer cancel()

	userID := usercontext.GetUserID(c)
	res, err := gc.reserveFor(ctx, userID, entitlements.ServiceImages)
	if err != nil {
		return respondBillingError(c, err)
	}

	out, err := gc.ai.GenerateImage(ctx, req.Prompt, req.Size)
	if err != nil {
		_ = gc.ledger.Release(res)
		log.Printf("[Generate] image generation failed for user %d: %v", userID, err)
		return respondError(c, fiber.StatusBadGateway, "image generation failed")
	}
	return respondOK(c, "image generated", out)
}

// HandleGenerateVideo answers POST /generate/video. The provider job
// is polled to completion, so this handler runs minutes, not seconds.
func (gc *GenerateController) HandleGenerateVideo(c *fiber.Ctx) error {
	var req struct {
		Prompt string `json:"prompt" validate:"required"`
	}
	if err := parseBody(c, &req); err != nil {
		return respondError(c, fiber.StatusBadRequest, "prompt required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), videoHandlerTimeout)
	defer cancel()

	userID := usercontext.GetUserID(c)
	res, err := gc.reserveFor(ctx, userID, entitlements.ServiceVideos)
	if err != nil {
		return respondBillingError(c, err)
	}

	out, err := gc.ai.GenerateVideo(ctx, req.Prompt)
	if err != nil {
		_ = gc.ledger.Release(res)
		log.Printf("[Generate] video generation failed for user %d: %v", userID, err)
		return respondError(c, fiber.StatusBadGateway, "video generation failed")
	}
	return respondOK(c, "video generated", out)
}

// HandleSearch answers POST /generate/search.
func (gc *GenerateController) HandleSearch(c *fiber.Ctx) error {
	var req struct {
		Query string `json:"query" validate:"required"`
	}
	if err := parseBody(c, &req); err != nil {
		return respondError(c, fiber.StatusBadRequest, "query required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), purchaseTimeout)
	defer cancel()

	userID := usercontext.GetUserID(c)
	res, err := gc.reserveFor(ctx, userID, entitlements.ServiceSearches)
	if err != nil {
		return respondBillingError(c, err)
	}

	out, err := gc.ai.Search(ctx, req.Query)
	if err != nil {
		_ = gc.ledger.Release(res)
		log.Printf("[Generate] search failed for user %d: %v", userID, err)
		return respondError(c, fiber.StatusBadGateway, "search failed")
	}
	return respondOK(c, "search completed", out)
}

// HandleChat answers POST /generate/chat with the full message history.
func (gc *GenerateController) HandleChat(c *fiber.Ctx) error {
	var req struct {
		Messages []aigen.Message `json:"messages" validate:"required,min=1"`
	}
	if err := parseBody(c, &req); err != nil {
		return respondError(c, fiber.StatusBadRequest, "messages required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), purchaseTimeout)
	defer cancel()

	userID := usercontext.GetUserID(c)
	res, err := gc.reserveFor(ctx, userID, entitlements.ServiceMessages)
	if err != nil {
		return respondBillingError(c, err)
	}

	out, err := gc.ai.Chat(ctx, req.Messages)
	if err != nil {
		_ = gc.ledger.Release(res)
		log.Printf("[Generate] chat failed for user %d: %v", userID, err)
		return respondError(c, fiber.StatusBadGateway, "chat failed")
	}
	return respondOK(c, "chat completed", out)
}

// HandleUsage answers GET /usage with today's counters against the
// caller's effective limits.
func (gc *GenerateController) HandleUsage(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	sub, err := gc.billing.GetOrCreateSubscription(ctx, usercontext.GetUserID(c))
	if err != nil {
		return respondBillingError(c, err)
	}
	return respondOK(c, "usage", fiber.Map{
		"plan":      sub.PlanType,
		"status":    sub.Status,
		"usage":     gc.ledger.Snapshot(sub),
		"resets_at": usage.UTCDay(time.Now()).Add(24 * time.Hour),
	})
}
