package router

import (
	"github.com/gofiber/fiber/v2"
)

// Router installs one route group on the app.
type Router interface {
	InstallRouter(app *fiber.App)
}

// InstallRouter installs the routers in order. Middleware registered with
// app.Use by an earlier router applies to the later ones.
func InstallRouter(app *fiber.App, routers ...Router) {
	setup(app, routers...)
}

func setup(app *fiber.App, router ...Router) {
	for _, r := range router {
		if r != nil {
			r.InstallRouter(app)
		}
	}
}
