package middleware

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/PopGraph/internal/pkg/usercontext"
)

// RequireIdentity rejects anonymous callers with a JSON 401.
func RequireIdentity(c *fiber.Ctx) error {
	if !usercontext.GetUserContext(c).IsLoggedIn {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error":   "unauthorized",
			"message": "login required",
		})
	}
	return c.Next()
}
