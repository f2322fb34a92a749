package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/QuillonLabs/quillon/app/controllers"
)

// Router installs one route surface onto the app.
type Router interface {
	InstallRouter(app *fiber.App)
}

// Controllers bundles the handler sets the routers mount. Everything
// is constructed in the bootstrap and passed down; the router keeps no
// state of its own.
type Controllers struct {
	Payment  *controllers.PaymentController
	PayPal   *controllers.PayPalController
	Webhook  *controllers.WebhookController
	Generate *controllers.GenerateController
}

// InstallRouter mounts the whole HTTP surface.
func InstallRouter(app *fiber.App, ctrl Controllers) {
	setup(app, NewApiRouter(ctrl))
}

func setup(app *fiber.App, router ...Router) {
	for _, r := range router {
		r.InstallRouter(app)
	}
}
