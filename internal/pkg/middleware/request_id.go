package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

const (
	// RequestIDHeader carries the correlation id in and out of the service.
	RequestIDHeader = "X-Request-ID"
	// RequestIDKey is the Locals key the id is stored under.
	RequestIDKey = "request_id"
)

// RequestIDMiddleware accepts an inbound X-Request-ID or generates one, and
// echoes it on the response so billing flows can be traced across services.
func RequestIDMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		requestID := strings.TrimSpace(c.Get(RequestIDHeader))
		if requestID == "" || len(requestID) > 128 {
			requestID = uuid.New().String()
		}

		c.Locals(RequestIDKey, requestID)
		c.Set(RequestIDHeader, requestID)

		return c.Next()
	}
}

// GetRequestID returns the request's correlation id, or empty if middleware
// did not run.
func GetRequestID(c *fiber.Ctx) string {
	if v, ok := c.Locals(RequestIDKey).(string); ok {
		return v
	}
	return ""
}
