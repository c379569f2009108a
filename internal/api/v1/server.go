package apiv1

import (
	"github.com/gofiber/fiber/v2"
)

// Pong is the response body for the ping endpoint.
type Pong struct {
	Ping string `json:"ping"`
}

// ServerInterface lists every operation of the public v1 API.
type ServerInterface interface {
	GetPing(c *fiber.Ctx) error
	PostRegister(c *fiber.Ctx) error
	PostLogin(c *fiber.Ctx) error
	GetUserProfile(c *fiber.Ctx) error
	GetEntitlements(c *fiber.Ctx) error
	PostConsumeCredit(c *fiber.Ctx) error
	PostVerifyPurchase(c *fiber.Ctx) error
	PostCancelSubscription(c *fiber.Ctx) error
}

// RegisterHandlers attaches all v1 routes to the router. auth guards the
// operations that require an API key.
func RegisterHandlers(router fiber.Router, si ServerInterface, auth fiber.Handler) {
	router.Get("/ping", si.GetPing)

	router.Post("/auth/register", si.PostRegister)
	router.Post("/auth/login", si.PostLogin)

	router.Get("/user/profile", auth, si.GetUserProfile)
	router.Get("/entitlements", auth, si.GetEntitlements)
	router.Post("/credits/consume", auth, si.PostConsumeCredit)
	router.Post("/purchases/verify", auth, si.PostVerifyPurchase)
	router.Post("/subscription/cancel", auth, si.PostCancelSubscription)
}
