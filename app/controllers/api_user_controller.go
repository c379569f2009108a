package controllers

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/lunaria-app/lunaria/app/models"
	"github.com/lunaria-app/lunaria/app/repository"
	"github.com/lunaria-app/lunaria/internal/pkg/usercontext"
)

// HandleGetUserAccount returns account information for the authenticated user (API key).
func HandleGetUserAccount(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	if !userCtx.IsLoggedIn {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Missing or invalid authentication"})
	}

	repo := repository.GetGlobalFactory().GetUserRepository()
	account, err := repo.GetByID(userCtx.UserID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found", "message": "User not found"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Failed to load user"})
	}

	svc, err := billingService()
	if err != nil {
		log.Errorf("[User] billing service unavailable: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error"})
	}
	snapshot, err := svc.SnapshotFor(userCtx.UserID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Failed to load entitlements"})
	}

	return c.JSON(fiber.Map{
		"id":                   account.ID,
		"username":             account.Name,
		"email":                account.Email,
		"status":               account.Status,
		"is_admin":             account.Role == models.ROLE_ADMIN,
		"created_at":           account.CreatedAt.UTC().Format(time.RFC3339),
		"last_login_at":        formatTimePtr(account.LastLoginAt),
		"api_key_prefix":       account.APIKeyPrefix,
		"api_key_last_used_at": formatTimePtr(account.APIKeyLastUsedAt),
		"entitlements": fiber.Map{
			"credit_balance":          snapshot.CreditBalance,
			"subscription_plan":       snapshot.SubscriptionPlan,
			"subscription_status":     snapshot.SubscriptionStatus,
			"subscription_expires_at": formatTimePtr(snapshot.SubscriptionExpiresAt),
		},
	})
}
