package router

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-notes-api/internal/config"
	"github.com/noah-isme/gema-notes-api/internal/handler"
	"github.com/noah-isme/gema-notes-api/internal/middleware"
	"github.com/noah-isme/gema-notes-api/internal/observability"
)

// Dependencies groups router dependencies for registration.
type Dependencies struct {
	ChatHandler   *handler.ChatHandler
	UserHandler   *handler.UserHandler
	UploadHandler *handler.UploadHandler
	Online        handler.OnlineCounter
	JWTMiddleware fiber.Handler
}

// Register wires the HTTP routes into the fiber application.
func Register(app *fiber.App, cfg config.Config, deps Dependencies) {
	// Common v1 group for health & headers
	api := app.Group("/api/v1", func(c *fiber.Ctx) error {
		c.Set("X-Application", cfg.AppName)
		return c.Next()
	})
	api.Get("/health", handler.HealthCheck(cfg, deps.Online))
	app.Get("/metrics", observability.MetricsHandler())

	// Use provided JWT middleware, or a no-op if nil
	jwtMiddleware := deps.JWTMiddleware
	if jwtMiddleware == nil {
		jwtMiddleware = func(c *fiber.Ctx) error { return c.Next() }
	}

	if deps.ChatHandler != nil {
		chats := app.Group("/api/v2/chats", jwtMiddleware)
		deps.ChatHandler.Register(chats)
	}

	if deps.UserHandler != nil {
		users := app.Group("/api/v2/users", jwtMiddleware)
		deps.UserHandler.Register(users, middleware.RateLimit("user_search", cfg.SearchRateLimit, time.Minute))
	}

	if deps.UploadHandler != nil {
		uploads := app.Group("/api/v2/uploads", jwtMiddleware, middleware.RateLimit("upload", cfg.UploadRateLimit, time.Minute))
		deps.UploadHandler.Register(uploads)
	}
}
