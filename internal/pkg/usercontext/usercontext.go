package usercontext

import "github.com/gofiber/fiber/v2"

// KeyUserContext is the fiber Locals key holding the caller.
const KeyUserContext = "USER_CONTEXT"

// UserContext is the caller identified by the identity token.
type UserContext struct {
	UserID     uint   `json:"user_id"`
	Username   string `json:"username"`
	IsLoggedIn bool   `json:"is_logged_in"`
}

// GetUserContext returns the caller, or an anonymous context when the
// identity middleware did not run.
func GetUserContext(c *fiber.Ctx) UserContext {
	if u, ok := c.Locals(KeyUserContext).(UserContext); ok {
		return u
	}
	return UserContext{}
}

func Set(c *fiber.Ctx, u UserContext) {
	c.Locals(KeyUserContext, u)
}
