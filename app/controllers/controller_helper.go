package controllers

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/PopGraph/internal/pkg/billing"
)

const requestTimeout = 15 * time.Second

// CallbackArchiveQueue schedules archival of a stored callback event.
type CallbackArchiveQueue interface {
	EnqueueCallbackArchive(eventID uint) error
}

var (
	paymentService *billing.Service
	archiveQueue   CallbackArchiveQueue
)

// InitializePaymentController wires the services used by the payment,
// membership and callback handlers. archive may be nil.
func InitializePaymentController(svc *billing.Service, archive CallbackArchiveQueue) {
	paymentService = svc
	archiveQueue = archive
}

func getPaymentService() *billing.Service {
	if paymentService == nil {
		panic("controllers: InitializePaymentController was not called")
	}
	return paymentService
}

func requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), requestTimeout)
}

func errorResponse(c *fiber.Ctx, status int, code, message string) error {
	return c.Status(status).JSON(fiber.Map{"error": code, "message": message})
}

// writeBillingError maps billing errors to their HTTP form.
func writeBillingError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, billing.ErrOrderNotFound):
		return errorResponse(c, fiber.StatusNotFound, "order_not_found", "Order not found")
	case errors.Is(err, billing.ErrOrderExpired):
		return errorResponse(c, fiber.StatusGone, "order_expired", "Order has expired")
	case errors.Is(err, billing.ErrInvalidOrderStatus):
		return errorResponse(c, fiber.StatusConflict, "invalid_order_status", err.Error())
	case errors.Is(err, billing.ErrInvalidPlan):
		return errorResponse(c, fiber.StatusBadRequest, "invalid_plan", err.Error())
	case errors.Is(err, billing.ErrInvalidMethod):
		return errorResponse(c, fiber.StatusBadRequest, "invalid_method", err.Error())
	case errors.Is(err, billing.ErrPaymentFailed):
		return errorResponse(c, fiber.StatusBadRequest, "payment_failed", err.Error())
	default:
		log.Errorf("[API] %s %s failed: %v", c.Method(), c.Path(), err)
		return errorResponse(c, fiber.StatusInternalServerError, "internal_server_error", "Request failed")
	}
}

func formatTimePtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}
