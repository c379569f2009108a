package router

import (
	"net"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	redisstorage "github.com/gofiber/storage/redis"

	"github.com/lunaria-app/lunaria/app/controllers"
	apiv1 "github.com/lunaria-app/lunaria/internal/api/v1"
	"github.com/lunaria-app/lunaria/internal/pkg/cache"
	"github.com/lunaria-app/lunaria/internal/pkg/constants"
	"github.com/lunaria-app/lunaria/internal/pkg/env"
	"github.com/lunaria-app/lunaria/internal/pkg/middleware"
)

type ApiRouter struct {
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	// Pub/Sub push endpoint. No API key; Google retries on non-2xx, so this
	// route stays outside the client rate limiter.
	app.Post(constants.PlayNotificationsRoute, controllers.HandlePlayNotification)

	api := app.Group("/api", limiter.New(limiter.Config{
		Max:        120,
		Expiration: time.Minute,
		Storage:    limiterStorage(),
	}))
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "Hello from api",
		})
	})

	// API v1 routes
	v1 := api.Group("/v1")
	apiServer := apiv1.NewAPIServer()
	apiv1.RegisterHandlers(v1, apiServer, middleware.APIKeyAuthMiddleware())
}

func NewApiRouter() *ApiRouter {
	return &ApiRouter{}
}

// limiterStorage backs the rate limiter with Redis so limits hold across
// instances. Uses database 1; the cache itself uses DB 0.
func limiterStorage() fiber.Storage {
	cacheClient := cache.GetClient()
	host := "localhost"
	port := 6379
	password := env.GetEnv("CACHE_PASSWORD", "")
	if cacheClient != nil {
		addr := cacheClient.Options().Addr
		if h, p, err := net.SplitHostPort(addr); err == nil {
			host = h
			if v, err := strconv.Atoi(p); err == nil {
				port = v
			}
		}
		if p := cacheClient.Options().Password; p != "" {
			password = p
		}
	}

	return redisstorage.New(redisstorage.Config{
		Host:     host,
		Port:     port,
		Password: password,
		Database: 1,
		Reset:    false,
	})
}
