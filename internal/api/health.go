package api

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/driftchat/drift-gateway/internal/gateway"
	"github.com/driftchat/drift-gateway/internal/httputil"
)

// HealthHandler serves the health check endpoint.
type HealthHandler struct {
	DB    *pgxpool.Pool
	Redis *redis.Client
	Hub   *gateway.Hub
}

// Health pings PostgreSQL and Redis and reports connection counts, returning component status.
func (h *HealthHandler) Health(c fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 3*time.Second)
	defer cancel()

	pgStatus := "ok"
	if err := h.DB.Ping(ctx); err != nil {
		pgStatus = "unavailable"
	}

	redisStatus := "ok"
	if err := h.Redis.Ping(ctx).Err(); err != nil {
		redisStatus = "unavailable"
	}

	overall := "ok"
	status := fiber.StatusOK
	if pgStatus != "ok" || redisStatus != "ok" {
		overall = "degraded"
		status = fiber.StatusServiceUnavailable
	}

	return httputil.SuccessStatus(c, status, fiber.Map{
		"status":      overall,
		"postgres":    pgStatus,
		"redis":       redisStatus,
		"connections": h.Hub.ConnectionCount(),
		"sessions":    h.Hub.SessionCount(),
	})
}
