package router

import (
	"github.com/ManuelReschke/PopGraph/internal/pkg/middleware"

	"github.com/gofiber/fiber/v2"
)

type HttpRouter struct {
}

func (h HttpRouter) InstallRouter(app *fiber.App) {
	// Resolve the caller from the identity token on every request
	app.Use(middleware.IdentityTokenMiddlewareFromEnv())

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
}

func NewHttpRouter() *HttpRouter {
	return &HttpRouter{}
}
