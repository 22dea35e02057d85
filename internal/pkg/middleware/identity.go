package middleware

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/PopGraph/internal/pkg/env"
	"github.com/ManuelReschke/PopGraph/internal/pkg/security"
	"github.com/ManuelReschke/PopGraph/internal/pkg/usercontext"
)

// IdentityTokenMiddleware resolves the caller from a signed identity token.
// Requests without a valid token continue as anonymous; RequireIdentity
// rejects them where a user is needed.
func IdentityTokenMiddleware(secret string) fiber.Handler {
	if secret == "" {
		log.Warn("[Auth] IDENTITY_TOKEN_SECRET is empty, every request is anonymous")
	}
	return func(c *fiber.Ctx) error {
		token := extractIdentityToken(c)
		if token == "" || secret == "" {
			usercontext.Set(c, usercontext.UserContext{})
			return c.Next()
		}

		claims, err := security.VerifyIdentityToken(token, secret)
		if err != nil {
			if !errors.Is(err, security.ErrTokenExpired) {
				log.Debugf("[Auth] Rejected identity token: %v", err)
			}
			usercontext.Set(c, usercontext.UserContext{})
			return c.Next()
		}

		usercontext.Set(c, usercontext.UserContext{
			UserID:     claims.UserID,
			Username:   claims.Name,
			IsLoggedIn: true,
		})
		return c.Next()
	}
}

// IdentityTokenMiddlewareFromEnv reads IDENTITY_TOKEN_SECRET.
func IdentityTokenMiddlewareFromEnv() fiber.Handler {
	return IdentityTokenMiddleware(env.GetEnv("IDENTITY_TOKEN_SECRET", ""))
}

func extractIdentityToken(c *fiber.Ctx) string {
	token := strings.TrimSpace(c.Get("X-Identity-Token"))
	if token != "" {
		return token
	}
	auth := strings.TrimSpace(c.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}
