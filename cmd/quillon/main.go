package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/QuillonLabs/quillon/app/controllers"
	"github.com/QuillonLabs/quillon/app/repository"
	"github.com/QuillonLabs/quillon/internal/pkg/aigen"
	"github.com/QuillonLabs/quillon/internal/pkg/billing"
	"github.com/QuillonLabs/quillon/internal/pkg/cache"
	"github.com/QuillonLabs/quillon/internal/pkg/database"
	"github.com/QuillonLabs/quillon/internal/pkg/env"
	"github.com/QuillonLabs/quillon/internal/pkg/eventarchive"
	"github.com/QuillonLabs/quillon/internal/pkg/mail"
	"github.com/QuillonLabs/quillon/internal/pkg/payments"
	"github.com/QuillonLabs/quillon/internal/pkg/router"
	"github.com/QuillonLabs/quillon/internal/pkg/scheduler"
	"github.com/QuillonLabs/quillon/internal/pkg/usage"
)

func main() {
	app, sched := NewApplication()

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		log.Print("[App] shutting down")
		sched.Stop()
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Printf("[App] shutdown: %v", err)
		}
	}()

	err := app.Listen(fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "0.0.0.0"), env.GetEnv("APP_PORT", "4000")))
	if err != nil {
		log.Fatal(err)
	}
}

// NewApplication wires the full service: database, cache, gateways,
// billing engine, usage ledger, generation client, routes and the
// background scheduler.
func NewApplication() (*fiber.App, *scheduler.Scheduler) {
	env.SetupEnvFile()
	database.SetupDatabase()
	cache.SetupCache()

	db := database.GetDB()
	repository.InitializeFactory(db)
	repos := repository.GetGlobalRepositories()

	cfg := billing.Config{
		Card:                 payments.NewStripeGatewayFromEnv(),
		Wallet:               payments.NewPayPalClientFromEnv(),
		Notifier:             mail.NewBillingNotifier(db),
		PublicDomain:         env.GetEnv("PUBLIC_DOMAIN", "http://localhost:4000"),
		ApprovalRecheckDelay: env.GetEnvDuration("APPROVAL_RECHECK_DELAY", 4*time.Second),
		ApprovalRechecks:     env.GetEnvInt("APPROVAL_RECHECKS", 1),
	}

	if archiveCfg, err := eventarchive.LoadConfig(); err != nil {
		log.Printf("[App] webhook archive disabled: %v", err)
	} else if archiveCfg.IsEnabled() {
		archiver, err := eventarchive.NewArchiver(archiveCfg)
		if err != nil {
			log.Printf("[App] webhook archive unavailable: %v", err)
		} else {
			cfg.Archiver = archiver
		}
	}

	billingSvc := billing.NewServiceFromDB(db, cfg)
	if err := billingSvc.Catalog().SeedDefaultPlans(); err != nil {
		log.Printf("[App] plan catalog seed failed: %v", err)
	}

	ledger := usage.NewLedgerFromDB(db)
	aiClient := aigen.NewClientFromEnv()

	app := fiber.New(fiber.Config{
		AppName: "Quillon",
	})
	app.Use(recover.New(), logger.New())

	// fiber metrics
	app.Get("/metrics", basicauth.New(basicauth.Config{
		Users: map[string]string{
			env.GetEnv("METRICS_USER", "admin"): env.GetEnv("METRICS_PASSWORD", "quillon"),
		},
	}), monitor.New())

	router.InstallRouter(app, router.Controllers{
		Payment:  controllers.NewPaymentController(billingSvc, repos, ledger),
		PayPal:   controllers.NewPayPalController(billingSvc),
		Webhook:  controllers.NewWebhookController(billingSvc),
		Generate: controllers.NewGenerateController(billingSvc, ledger, aiClient),
	})

	sched := scheduler.New(billingSvc)
	if err := sched.Start(); err != nil {
		log.Printf("[App] scheduler failed to start: %v", err)
	}

	return app, sched
}
