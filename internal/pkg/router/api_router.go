package router

import (
	"net"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	redisstorage "github.com/gofiber/storage/redis"

	"github.com/QuillonLabs/quillon/app/controllers"
	"github.com/QuillonLabs/quillon/internal/pkg/cache"
	"github.com/QuillonLabs/quillon/internal/pkg/env"
	"github.com/QuillonLabs/quillon/internal/pkg/middleware"
)

type ApiRouter struct {
	ctrl Controllers
}

func NewApiRouter(ctrl Controllers) *ApiRouter {
	return &ApiRouter{ctrl: ctrl}
}

// limiterStorage backs the rate limiter with Redis so counters survive
// restarts and are shared across replicas. Database 1 keeps limiter keys
// out of the cache keyspace (cache uses DB 0).
func limiterStorage() fiber.Storage {
	host := "localhost"
	port := 6379
	password := env.GetEnv("CACHE_PASSWORD", "")
	if client := cache.GetClient(); client != nil {
		if h, p, err := net.SplitHostPort(client.Options().Addr); err == nil {
			host = h
			if v, err := strconv.Atoi(p); err == nil {
				port = v
			}
		}
		if p := client.Options().Password; p != "" {
			password = p
		}
	}

	return redisstorage.New(redisstorage.Config{
		Host:     host,
		Port:     port,
		Password: password,
		Database: 1,
		Reset:    false,
	})
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	// Public surface. Webhooks stay unthrottled: providers burst on
	// redelivery and the signature check is the gate.
	app.Get("/health", controllers.HandleHealth)
	app.Get("/payment/plans", h.ctrl.Payment.HandleListPlans)
	app.Post("/payment/webhook", h.ctrl.Webhook.HandleStripeWebhook)
	app.Post("/payment/paypal/webhook", h.ctrl.Webhook.HandlePayPalWebhook)

	auth := middleware.APIKeyAuthMiddleware()
	limits := limiterStorage()

	// Payment surface.
	payment := app.Group("/payment",
		limiter.New(limiter.Config{
			Max:          60,
			Expiration:   time.Minute,
			Storage:      limits,
			KeyGenerator: func(c *fiber.Ctx) string { return "payment:" + c.IP() },
		}),
		auth, middleware.RequireAuth)
	payment.Post("/create-intent", h.ctrl.Payment.HandleCreateIntent)
	payment.Post("/confirm", h.ctrl.Payment.HandleConfirmPayment)
	payment.Post("/retry", h.ctrl.Payment.HandleRetryPayment)
	payment.Post("/subscription/create", h.ctrl.Payment.HandleCreateSubscription)
	payment.Post("/subscription/cancel", h.ctrl.Payment.HandleCancelSubscription)
	payment.Get("/subscription", h.ctrl.Payment.HandleGetSubscription)
	payment.Get("/history", h.ctrl.Payment.HandlePaymentHistory)

	paypal := payment.Group("/paypal")
	paypal.Post("/create-subscription", h.ctrl.PayPal.HandleCreateSubscription)
	paypal.Post("/approve", h.ctrl.PayPal.HandleApprove)
	paypal.Post("/cancel", h.ctrl.PayPal.HandleCancel)

	// Generation surface. Tighter limit, the upstream calls are slow
	// and each one costs quota anyway.
	generate := app.Group("/generate",
		limiter.New(limiter.Config{
			Max:          30,
			Expiration:   time.Minute,
			Storage:      limits,
			KeyGenerator: func(c *fiber.Ctx) string { return "generate:" + c.IP() },
		}),
		auth, middleware.RequireAuth)
	generate.Post("/text", h.ctrl.Generate.HandleGenerateText)
	generate.Post("/image", h.ctrl.Generate.HandleGenerateImage)
	generate.Post("/video", h.ctrl.Generate.HandleGenerateVideo)
	generate.Post("/search", h.ctrl.Generate.HandleSearch)
	generate.Post("/chat", h.ctrl.Generate.HandleChat)

	app.Get("/usage", auth, middleware.RequireAuth, h.ctrl.Generate.HandleUsage)
	app.Get("/account", auth, middleware.RequireAuth, controllers.HandleGetAccount)

	// Admin surface.
	admin := app.Group("/admin", auth, middleware.RequireAuth, middleware.RequireAdmin)
	admin.Get("/stats", controllers.HandleAdminStats)
}
