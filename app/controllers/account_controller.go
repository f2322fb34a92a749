package controllers

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"github.com/QuillonLabs/quillon/app/models"
	"github.com/QuillonLabs/quillon/app/repository"
	"github.com/QuillonLabs/quillon/internal/pkg/database"
	"github.com/QuillonLabs/quillon/internal/pkg/usercontext"
)

// HandleGetAccount returns account information for the authenticated
// user, including API key metadata. The key itself is never echoed.
func HandleGetAccount(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	if !userCtx.IsLoggedIn {
		return respondError(c, fiber.StatusUnauthorized, "authentication required")
	}

	repo := repository.GetGlobalFactory().GetUserRepository()
	account, err := repo.GetByID(userCtx.UserID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return respondError(c, fiber.StatusNotFound, "user not found")
		}
		return respondError(c, fiber.StatusInternalServerError, "failed to load user")
	}

	db := database.GetDB()
	if db == nil {
		return respondError(c, fiber.StatusInternalServerError, "database unavailable")
	}
	settings, err := models.GetOrCreateUserSettings(db, userCtx.UserID)
	if err != nil {
		return respondError(c, fiber.StatusInternalServerError, "failed to load user settings")
	}

	return respondOK(c, "account", fiber.Map{
		"id":            account.ID,
		"username":      account.Name,
		"email":         account.Email,
		"status":        account.Status,
		"plan":          userCtx.Plan,
		"is_admin":      account.Role == models.ROLE_ADMIN,
		"created_at":    account.CreatedAt.UTC().Format(time.RFC3339),
		"last_login_at": formatTimePtr(account.LastLoginAt),
		"api_key": fiber.Map{
			"prefix":       settings.APIKeyPrefix,
			"active":       settings.HasActiveAPIKey(),
			"created_at":   formatTimePtr(settings.APIKeyCreatedAt),
			"last_used_at": formatTimePtr(settings.APIKeyLastUsedAt),
		},
	})
}

func formatTimePtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}
