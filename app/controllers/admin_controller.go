package controllers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/QuillonLabs/quillon/internal/pkg/statistics"
)

// HandleAdminStats serves the cached business aggregates. A stale cache
// is refreshed inline at most once per interval.
func HandleAdminStats(c *fiber.Ctx) error {
	return respondOK(c, "statistics", statistics.GetStatisticsData())
}
