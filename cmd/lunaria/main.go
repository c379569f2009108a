package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/contrib/swagger"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/lunaria-app/lunaria/app/repository"
	"github.com/lunaria-app/lunaria/internal/pkg/billing"
	"github.com/lunaria-app/lunaria/internal/pkg/cache"
	"github.com/lunaria-app/lunaria/internal/pkg/constants"
	"github.com/lunaria-app/lunaria/internal/pkg/database"
	"github.com/lunaria-app/lunaria/internal/pkg/env"
	"github.com/lunaria-app/lunaria/internal/pkg/jobqueue"
	"github.com/lunaria-app/lunaria/internal/pkg/middleware"
	"github.com/lunaria-app/lunaria/internal/pkg/router"
)

func main() {
	app := NewApplication()

	// stop the ack retry queue cleanly on shutdown
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		jobqueue.GetManager().Stop()
		_ = app.Shutdown()
	}()

	err := app.Listen(fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000")))
	log.Fatal(err)
}

func NewApplication() *fiber.App {
	env.SetupEnvFile()
	database.SetupDatabase()
	cache.SetupCache()
	repository.InitializeFactory(database.GetDB())

	// Background acknowledgment retries need the billing service; failures
	// here are fatal because the catalog is part of the configuration.
	manager := jobqueue.GetManager()
	svc, err := billing.NewServiceFromDB(database.GetDB(), manager.GetQueue())
	if err != nil {
		log.Fatalf("billing configuration invalid: %v", err)
	}
	manager.Configure(svc, svc)
	manager.Start()

	// Find the correct base path
	basePaths := []string{
		"./",        // Current directory
		"../../",    // From cmd/lunaria to project root
		"../../../", // Fallback
	}
	basePath := "./"
	for _, path := range basePaths {
		if _, err := os.Stat(path + "public"); !os.IsNotExist(err) {
			basePath = path
			break
		}
	}

	// init fiber app
	app := fiber.New(fiber.Config{
		AppName:   "lunaria",
		BodyLimit: 1 << 20, // JSON API, 1 MiB is plenty
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	// correlation ids for billing flows
	app.Use(middleware.RequestIDMiddleware())

	app.Get(constants.HealthRoute, func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	// fiber metrics
	app.Get("/metrics", basicauth.New(basicauth.Config{
		Users: map[string]string{
			env.GetEnv("METRICS_USER", "admin"): env.GetEnv("METRICS_PASSWORD", "test"),
		},
	}), monitor.New())

	// SWAGGER / OPENAPI
	openAPICfg := swagger.Config{
		BasePath: "/docs/api/",
		FilePath: basePath + "public/docs/v1/openapi.yml",
		Path:     "v1",
	}
	app.Use(swagger.New(openAPICfg))

	// ROUTER
	router.InstallRouter(app)

	return app
}
