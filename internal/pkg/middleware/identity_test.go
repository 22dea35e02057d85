package middleware

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/PopGraph/internal/pkg/security"
	"github.com/ManuelReschke/PopGraph/internal/pkg/usercontext"
)

func newIdentityApp(secret string) *fiber.App {
	app := fiber.New()
	app.Use(IdentityTokenMiddleware(secret))
	app.Get("/whoami", RequireIdentity, func(c *fiber.Ctx) error {
		return c.JSON(usercontext.GetUserContext(c))
	})
	app.Get("/public", func(c *fiber.Ctx) error {
		return c.SendString("ok")
	})
	return app
}

func TestIdentityTokenMiddleware(t *testing.T) {
	app := newIdentityApp("s3cret")
	token, err := security.GenerateIdentityToken(7, "bob", time.Hour, "s3cret")
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
		value  string
		status int
	}{
		{"bearer token", "Authorization", "Bearer " + token, fiber.StatusOK},
		{"identity header", "X-Identity-Token", token, fiber.StatusOK},
		{"missing token", "", "", fiber.StatusUnauthorized},
		{"garbage token", "Authorization", "Bearer nope", fiber.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/whoami", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			resp, err := app.Test(req)
			require.NoError(t, err)
			assert.Equal(t, tt.status, resp.StatusCode)
			if tt.status == fiber.StatusOK {
				body, _ := io.ReadAll(resp.Body)
				assert.Contains(t, string(body), `"user_id":7`)
			}
		})
	}

	resp, err := app.Test(httptest.NewRequest("GET", "/public", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestIdentityTokenMiddleware_NoSecretIsAnonymous(t *testing.T) {
	app := newIdentityApp("")
	token, err := security.GenerateIdentityToken(7, "", time.Hour, "any")
	require.NoError(t, err)

	req := httptest.NewRequest("GET", "/whoami", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}
