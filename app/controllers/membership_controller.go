package controllers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"github.com/ManuelReschke/PopGraph/internal/pkg/usercontext"
)

// HandleGetMembership returns the caller's membership and feature set.
func HandleGetMembership(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	if !userCtx.IsLoggedIn {
		return errorResponse(c, fiber.StatusUnauthorized, "unauthorized", "Missing or invalid authentication")
	}

	ctx, cancel := requestContext()
	defer cancel()

	status, err := getPaymentService().Membership().Status(ctx, userCtx.UserID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return errorResponse(c, fiber.StatusNotFound, "not_found", "User not found")
		}
		return writeBillingError(c, err)
	}

	return c.JSON(fiber.Map{
		"user_id":        status.UserID,
		"tier":           status.Tier,
		"effective_tier": status.Effective,
		"expiry":         formatTimePtr(status.Expiry),
		"expired":        status.Expired,
		"features":       status.Features,
	})
}
