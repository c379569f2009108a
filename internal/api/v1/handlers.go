package apiv1

import (
	"github.com/gofiber/fiber/v2"

	// Delegate to existing controllers to keep behavior consistent
	"github.com/lunaria-app/lunaria/app/controllers"
)

// APIServer implements the ServerInterface
type APIServer struct{}

// NewAPIServer creates a new API server instance
func NewAPIServer() *APIServer {
	return &APIServer{}
}

// GetPing handles the ping endpoint
func (s *APIServer) GetPing(c *fiber.Ctx) error {
	response := Pong{
		Ping: "pong",
	}

	return c.Status(fiber.StatusOK).JSON(response)
}

// PostRegister creates an account and issues its API key.
func (s *APIServer) PostRegister(c *fiber.Ctx) error {
	return controllers.HandleRegister(c)
}

// PostLogin verifies credentials and rotates the API key.
func (s *APIServer) PostLogin(c *fiber.Ctx) error {
	return controllers.HandleLogin(c)
}

// GetUserProfile returns account information for the authenticated user (API key).
// Security is enforced via API key middleware attached in the router.
func (s *APIServer) GetUserProfile(c *fiber.Ctx) error {
	return controllers.HandleGetUserAccount(c)
}

// GetEntitlements returns the caller's credit balance and subscription state.
func (s *APIServer) GetEntitlements(c *fiber.Ctx) error {
	return controllers.HandleGetEntitlements(c)
}

// PostConsumeCredit spends one credit for a paid question.
func (s *APIServer) PostConsumeCredit(c *fiber.Ctx) error {
	return controllers.HandleConsumeCredit(c)
}

// PostVerifyPurchase validates a Play purchase token and applies its
// entitlements to the caller's account.
func (s *APIServer) PostVerifyPurchase(c *fiber.Ctx) error {
	return controllers.HandleVerifyPurchase(c)
}

// PostCancelSubscription turns off auto-renew for the caller's subscription.
func (s *APIServer) PostCancelSubscription(c *fiber.Ctx) error {
	return controllers.HandleCancelSubscription(c)
}
