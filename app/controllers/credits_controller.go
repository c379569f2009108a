package controllers

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/lunaria-app/lunaria/internal/pkg/billing"
	"github.com/lunaria-app/lunaria/internal/pkg/entitlements"
	"github.com/lunaria-app/lunaria/internal/pkg/metrics/counter"
	"github.com/lunaria-app/lunaria/internal/pkg/usercontext"
)

// HandleGetEntitlements returns the caller's current credit balance and
// subscription state.
func HandleGetEntitlements(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	if !userCtx.IsLoggedIn {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Missing or invalid authentication"})
	}

	svc, err := billingService()
	if err != nil {
		log.Errorf("[Credits] billing service unavailable: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error"})
	}

	snapshot, err := svc.SnapshotFor(userCtx.UserID)
	if err != nil {
		log.Errorf("[Credits] failed to load entitlements for user %d: %v", userCtx.UserID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error"})
	}

	plan := entitlements.NormalizePlan(snapshot.SubscriptionPlan)
	return c.JSON(fiber.Map{
		"credit_balance":          snapshot.CreditBalance,
		"subscription_plan":       string(plan),
		"subscription_status":     snapshot.SubscriptionStatus,
		"subscription_expires_at": formatTimePtr(snapshot.SubscriptionExpiresAt),
		"unlimited_chat":          plan == entitlements.PlanUnlimited && snapshot.SubscriptionStatus != "expired" && snapshot.SubscriptionStatus != "none",
	})
}

// HandleConsumeCredit spends one credit for a paid question. Unlimited
// subscribers pass through without a deduction. The usage tally goes to Redis
// and is flushed to the ledger in batches.
func HandleConsumeCredit(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	if !userCtx.IsLoggedIn {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Missing or invalid authentication"})
	}

	svc, err := billingService()
	if err != nil {
		log.Errorf("[Credits] billing service unavailable: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error"})
	}

	ctx, cancel := context.WithTimeout(c.Context(), reconcileTimeout)
	defer cancel()

	snapshot, err := svc.ConsumeCredit(ctx, userCtx.UserID)
	if err != nil {
		if errors.Is(err, billing.ErrInsufficientCredits) {
			return c.Status(fiber.StatusPaymentRequired).JSON(fiber.Map{
				"error":   "insufficient_credits",
				"message": "No credits left and no active subscription",
			})
		}
		log.Errorf("[Credits] failed to consume credit for user %d: %v", userCtx.UserID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error"})
	}

	if err := counter.AddQuestionAsked(userCtx.UserID); err != nil {
		log.Warnf("[Credits] failed to count question for user %d: %v", userCtx.UserID, err)
	}

	plan := entitlements.NormalizePlan(snapshot.SubscriptionPlan)
	return c.JSON(fiber.Map{
		"credit_balance": snapshot.CreditBalance,
		"unlimited_chat": plan == entitlements.PlanUnlimited && snapshot.SubscriptionStatus != "expired" && snapshot.SubscriptionStatus != "none",
	})
}

func formatTimePtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}
