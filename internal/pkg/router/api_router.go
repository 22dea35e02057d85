package router

import (
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	apiv1 "github.com/ManuelReschke/PopGraph/internal/api/v1"
	"github.com/ManuelReschke/PopGraph/internal/pkg/middleware"
	"github.com/ManuelReschke/PopGraph/internal/pkg/usercontext"
)

const (
	callbackPathPrefix = "/api/v1/payment/callback/"
	apiRequestsPerMin  = 60
)

type ApiRouter struct{}

func NewApiRouter() *ApiRouter {
	return &ApiRouter{}
}

func (ApiRouter) InstallRouter(app *fiber.App) {
	// Networks retry aggressively, so callbacks are never rate limited.
	api := app.Group("/api", limiter.New(limiter.Config{
		Max:          apiRequestsPerMin,
		Expiration:   time.Minute,
		KeyGenerator: limiterKey,
		Next: func(c *fiber.Ctx) bool {
			return strings.HasPrefix(c.Path(), callbackPathPrefix)
		},
	}))

	v1 := api.Group("/v1")
	v1.Use([]string{"/orders", "/membership"}, middleware.RequireIdentity)
	apiv1.RegisterHandlers(v1, apiv1.NewAPIServer())
}

// limiterKey buckets signed-in callers by user and everyone else by IP.
func limiterKey(c *fiber.Ctx) string {
	if u := usercontext.GetUserContext(c); u.IsLoggedIn {
		return "user:" + strconv.FormatUint(uint64(u.UserID), 10)
	}
	return "ip:" + c.IP()
}
