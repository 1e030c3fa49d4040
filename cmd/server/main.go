package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/google/uuid"

	"github.com/linkshitup/link-broker/pkg/apix"
	"github.com/linkshitup/link-broker/pkg/config"
	"github.com/linkshitup/link-broker/pkg/logx"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logx.Fatalf("configuration error: %v", err)
	}
	if cfg.Mode == config.ModeProduction {
		logx.SetDefaultLogger(logx.NewLogger(&logx.Config{
			Level:  logx.ParseLevel(os.Getenv("LOG_LEVEL")),
			Format: logx.FormatJSON,
		}))
	}

	logx.Info("starting link broker")

	container := NewContainer(cfg)
	defer container.Cleanup()

	app := fiber.New(fiber.Config{
		AppName:               "Link Broker",
		DisableStartupMessage: true,
		ErrorHandler:          apix.ErrorHandler,
		ReadTimeout:           cfg.Server.RequestTimeout,
		IdleTimeout:           2 * time.Minute,
	})

	app.Use(recover.New(recover.Config{EnableStackTrace: true}))
	app.Use(requestid.New(requestid.Config{
		Header: "X-Request-ID",
		Generator: func() string {
			return "req_" + uuid.NewString()
		},
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: cfg.Server.CORSOrigins,
		AllowHeaders: "Origin, Content-Type, Accept, X-Link-Public-Key, X-Link-Timestamp, X-Link-Signature, X-Request-ID",
		AllowMethods: "GET, POST, DELETE, OPTIONS",
	}))
	app.Use(logger.New(logger.Config{
		Format:     "${time} | ${status} | ${latency} | ${method} ${path} | ${reqHeader:X-Request-ID}\n",
		TimeFormat: "2006-01-02 15:04:05",
	}))

	app.Get("/health", healthHandler(container))

	// Signed endpoints share the authenticate → rate-limit chain; the
	// callback authenticates by state token and skips both.
	auth := []fiber.Handler{
		container.AuthMiddleware.Authenticate(),
		container.RateLimitMiddleware.Limit(),
	}

	container.OAuthHandlers.RegisterRoutes(app, auth...)
	container.ConnectionHandlers.RegisterRoutes(app, auth...)
	container.WebhookHandlers.RegisterRoutes(app, auth...)
	// Last: its /v1/:provider/:verb route would shadow the static routes
	// above if registered earlier.
	container.DispatchHandlers.RegisterRoutes(app, auth...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	container.StartBackgroundServices(ctx)

	go func() {
		addr := fmt.Sprintf(":%d", cfg.Server.Port)
		logx.WithField("addr", addr).Info("listening")
		if err := app.Listen(addr); err != nil {
			logx.Fatalf("server error: %v", err)
		}
	}()

	<-ctx.Done()
	logx.Info("shutting down")
	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		logx.Errorf("shutdown error: %v", err)
	}
}

func healthHandler(container *Container) fiber.Handler {
	return func(c *fiber.Ctx) error {
		health := fiber.Map{"status": "healthy", "service": "link-broker"}

		if err := container.DB.Ping(); err != nil {
			health["db"] = "unhealthy"
			health["status"] = "degraded"
		} else {
			health["db"] = "healthy"
		}
		if err := container.Redis.Ping(c.Context()).Err(); err != nil {
			health["redis"] = "unhealthy"
			health["status"] = "degraded"
		} else {
			health["redis"] = "healthy"
		}

		status := fiber.StatusOK
		if health["status"] == "degraded" {
			status = fiber.StatusServiceUnavailable
		}
		return c.Status(status).JSON(health)
	}
}
