package router

import (
	"github.com/gofiber/fiber/v2"
)

// Router installs a group of routes and the middleware they depend on.
type Router interface {
	InstallRouter(app *fiber.App)
}

func InstallRouter(app *fiber.App) {
	// Install HttpRouter first so the identity middleware runs before any
	// API route that reads the caller.
	setup(app, NewHttpRouter(), NewApiRouter())
}

func setup(app *fiber.App, router ...Router) {
	for _, r := range router {
		r.InstallRouter(app)
	}
}
