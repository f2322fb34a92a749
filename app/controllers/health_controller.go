package controllers

import (
	"context"

	"github.com/gofiber/fiber/v2"

	"github.com/QuillonLabs/quillon/internal/pkg/cache"
	"github.com/QuillonLabs/quillon/internal/pkg/database"
)

// HandleHealth answers the liveness probe with database and cache
// reachability. Probes read the flat shape directly, so no envelope.
func HandleHealth(c *fiber.Ctx) error {
	dbStatus := "ok"
	if db := database.GetDB(); db == nil {
		dbStatus = "down"
	} else if sqlDB, err := db.DB(); err != nil || sqlDB.Ping() != nil {
		dbStatus = "down"
	}

	cacheStatus := "ok"
	if client := cache.GetClient(); client == nil {
		cacheStatus = "down"
	} else if err := client.Ping(context.Background()).Err(); err != nil {
		cacheStatus = "down"
	}

	overall := "healthy"
	status := fiber.StatusOK
	if dbStatus != "ok" || cacheStatus != "ok" {
		overall = "degraded"
		status = fiber.StatusServiceUnavailable
	}
	return c.Status(status).JSON(fiber.Map{
		"status":   overall,
		"database": dbStatus,
		"cache":    cacheStatus,
	})
}
