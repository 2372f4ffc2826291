package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/personal-ai-os/backend/internal/storage/sqlite"
	"github.com/personal-ai-os/backend/pkg/circuitbreaker"
)

// writeError maps service errors onto HTTP statuses. Internal details stay in
// the logs; clients get a stable message.
func writeError(c *fiber.Ctx, err error, fallback string) error {
	switch {
	case errors.Is(err, sqlite.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Not found",
		})
	case errors.Is(err, sqlite.ErrConflict):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": "Conflicting update, please retry",
		})
	case errors.Is(err, circuitbreaker.ErrCircuitOpen), errors.Is(err, circuitbreaker.ErrTooManyRequests):
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "Service temporarily unavailable",
		})
	default:
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": fallback,
		})
	}
}
