package controllers

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/lunaria-app/lunaria/internal/pkg/billing"
	"github.com/lunaria-app/lunaria/internal/pkg/database"
	"github.com/lunaria-app/lunaria/internal/pkg/jobqueue"
	"github.com/lunaria-app/lunaria/internal/pkg/security"
	"github.com/lunaria-app/lunaria/internal/pkg/usercontext"
)

const (
	ingestTimeout    = 25 * time.Second
	reconcileTimeout = 30 * time.Second
)

var validate = validator.New()

// VerifyPurchaseRequest is the client payload for purchase verification.
type VerifyPurchaseRequest struct {
	ProductID     string `json:"product_id" validate:"required,max=191"`
	PurchaseToken string `json:"purchase_token" validate:"required,max=255"`
}

func billingService() (*billing.Service, error) {
	return billing.NewServiceFromDB(database.GetDB(), jobqueue.GetManager().GetQueue())
}

// HandlePlayNotification receives Google Play RTDN deliveries pushed by Cloud
// Pub/Sub. Anything except a storage failure answers 2xx so the transport
// stops retrying; reconciliation problems are handled out of band.
func HandlePlayNotification(c *fiber.Ctx) error {
	if secret := security.PushTokenFromEnv(); secret != "" {
		if err := security.VerifyPushToken(c.Query("token"), secret); err != nil {
			log.Warnf("[Payment] rejected push with bad token from %s", c.IP())
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "forbidden"})
		}
	}

	svc, err := billingService()
	if err != nil {
		log.Errorf("[Payment] billing service unavailable: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error"})
	}

	ctx, cancel := context.WithTimeout(context.Background(), ingestTimeout)
	defer cancel()

	result, err := svc.Ingest(ctx, c.BodyRaw())
	if err != nil {
		if errors.Is(err, billing.ErrMalformedNotification) {
			// Undecodable deliveries would poison the retry loop.
			log.Warnf("[Payment] dropping malformed notification: %v", err)
			return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "dropped": true})
		}
		log.Errorf("[Payment] failed to persist notification: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "event_persist_failed"})
	}
	if result.Duplicate {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "duplicate": true})
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true})
}

// HandleVerifyPurchase validates a purchase token for the authenticated user
// and applies the resulting entitlements. Safe to call any number of times.
func HandleVerifyPurchase(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	if !userCtx.IsLoggedIn {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Missing or invalid authentication"})
	}

	var req VerifyPurchaseRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "Invalid JSON body"})
	}
	req.ProductID = strings.TrimSpace(req.ProductID)
	req.PurchaseToken = strings.TrimSpace(req.PurchaseToken)
	if err := validate.Struct(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "product_id and purchase_token are required"})
	}

	svc, err := billingService()
	if err != nil {
		log.Errorf("[Payment] billing service unavailable: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error"})
	}

	ctx, cancel := context.WithTimeout(context.Background(), reconcileTimeout)
	defer cancel()

	result, err := svc.Reconcile(ctx, userCtx.UserID, req.ProductID, req.PurchaseToken)
	if err != nil {
		return verifyErrorResponse(c, err)
	}

	return c.Status(verifyStatus(result.Outcome)).JSON(fiber.Map{
		"outcome":      string(result.Outcome),
		"entitlements": result.Snapshot,
	})
}

// HandleCancelSubscription turns off auto-renew for the caller's subscription.
// Access continues until the paid period ends.
func HandleCancelSubscription(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	if !userCtx.IsLoggedIn {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Missing or invalid authentication"})
	}

	svc, err := billingService()
	if err != nil {
		log.Errorf("[Payment] billing service unavailable: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error"})
	}

	ctx, cancel := context.WithTimeout(context.Background(), reconcileTimeout)
	defer cancel()

	snapshot, err := svc.CancelSubscription(ctx, userCtx.UserID)
	if err != nil {
		switch {
		case errors.Is(err, billing.ErrNoActiveSubscription):
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found", "message": "No active subscription"})
		case errors.Is(err, billing.ErrProviderUnavailable):
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "provider_unavailable", "message": "Billing provider unavailable, try again later"})
		default:
			log.Errorf("[Payment] cancel failed for user %d: %v", userCtx.UserID, err)
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error"})
		}
	}

	return c.JSON(fiber.Map{"ok": true, "entitlements": snapshot})
}

func verifyErrorResponse(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, billing.ErrProviderUnavailable):
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "provider_unavailable", "message": "Billing provider unavailable, try again later"})
	case errors.Is(err, billing.ErrIdentityConflict):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "identity_conflict", "message": "Purchase belongs to a different account"})
	case errors.Is(err, billing.ErrInvalidPurchaseToken):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_purchase", "message": "Purchase token rejected"})
	case errors.Is(err, billing.ErrUnknownProduct):
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": "unknown_product", "message": "Product is not purchasable"})
	default:
		log.Errorf("[Payment] verify failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error"})
	}
}

// verifyStatus maps a reconciliation outcome to the HTTP status for the
// verify endpoint. Retry and deferred outcomes tell the client to call again.
func verifyStatus(outcome billing.Outcome) int {
	switch outcome {
	case billing.OutcomeGranted, billing.OutcomeAlreadyGranted:
		return fiber.StatusOK
	case billing.OutcomeInvalid:
		return fiber.StatusUnprocessableEntity
	case billing.OutcomeRetry, billing.OutcomeDeferred:
		return fiber.StatusAccepted
	default:
		return fiber.StatusOK
	}
}
