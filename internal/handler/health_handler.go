package handler

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-notes-api/internal/config"
	"github.com/noah-isme/gema-notes-api/internal/utils"
)

// HealthResponse represents the payload returned by the health endpoint.
type HealthResponse struct {
	Status      string    `json:"status"`
	Timestamp   time.Time `json:"timestamp"`
	Service     string    `json:"service"`
	Environment string    `json:"environment"`
	OnlineUsers int       `json:"onlineUsers"`
}

// OnlineCounter reports how many users hold a chat connection.
type OnlineCounter interface {
	OnlineUserIDs(ctx context.Context) []string
}

// HealthCheck returns a handler that reports application health information.
func HealthCheck(cfg config.Config, online OnlineCounter) fiber.Handler {
	return func(c *fiber.Ctx) error {
		payload := HealthResponse{
			Status:      "ok",
			Timestamp:   time.Now().UTC(),
			Service:     cfg.AppName,
			Environment: cfg.AppEnv,
		}
		if online != nil {
			payload.OnlineUsers = len(online.OnlineUserIDs(requestContext(c)))
		}

		return utils.SendSuccess(c, "service healthy", payload)
	}
}
