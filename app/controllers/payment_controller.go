package controllers

import (
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/PopGraph/app/models"
	"github.com/ManuelReschke/PopGraph/internal/pkg/billing"
	"github.com/ManuelReschke/PopGraph/internal/pkg/usercontext"
)

var validate = validator.New()

type createOrderRequest struct {
	PlanID string `json:"plan_id" validate:"required,max=32"`
	Method string `json:"method" validate:"required,oneof=alipay wechat unionpay"`
}

// HandleListPlans returns the plan catalog.
func HandleListPlans(c *fiber.Ctx) error {
	plans := billing.Plans()
	out := make([]fiber.Map, 0, len(plans))
	for _, p := range plans {
		out = append(out, fiber.Map{
			"plan_id":       p.ID,
			"name":          p.Name,
			"description":   p.Description,
			"tier":          p.Tier,
			"duration_days": p.DurationDays,
			"price":         p.PriceMinorUnits,
			"price_display": p.PriceDisplay(),
		})
	}
	return c.JSON(fiber.Map{"plans": out})
}

// HandleCreateOrder starts a payment for the caller.
func HandleCreateOrder(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	if !userCtx.IsLoggedIn {
		return errorResponse(c, fiber.StatusUnauthorized, "unauthorized", "Missing or invalid authentication")
	}

	var req createOrderRequest
	if err := c.BodyParser(&req); err != nil {
		return errorResponse(c, fiber.StatusBadRequest, "bad_request", "Invalid request body")
	}
	req.PlanID = strings.ToLower(strings.TrimSpace(req.PlanID))
	req.Method = strings.ToLower(strings.TrimSpace(req.Method))
	if err := validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 && verrs[0].Field() == "Method" {
			return errorResponse(c, fiber.StatusBadRequest, "invalid_method", "method must be one of alipay, wechat, unionpay")
		}
		return errorResponse(c, fiber.StatusBadRequest, "invalid_plan", "plan_id is required")
	}

	ctx, cancel := requestContext()
	defer cancel()

	svc := getPaymentService()
	result, err := svc.CreateOrder(ctx, userCtx.UserID, req.PlanID, req.Method)
	if err != nil {
		if errors.Is(err, billing.ErrPaymentFailed) && result != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error":    "payment_failed",
				"message":  result.Error,
				"order_id": result.Order.ID,
				"status":   result.Order.Status,
			})
		}
		return writeBillingError(c, err)
	}

	resp := orderResponse(result.Order, svc.ExpiryWindow(), time.Now())
	if result.RedirectURL != "" {
		resp["redirect_url"] = result.RedirectURL
	}
	if result.QRPayload != "" {
		resp["qr_payload"] = result.QRPayload
	}
	return c.Status(fiber.StatusCreated).JSON(resp)
}

// HandleGetOrder returns one of the caller's orders. A pending order is
// checked against its payment network first.
func HandleGetOrder(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	if !userCtx.IsLoggedIn {
		return errorResponse(c, fiber.StatusUnauthorized, "unauthorized", "Missing or invalid authentication")
	}

	orderID := strings.TrimSpace(c.Params("id"))
	if orderID == "" {
		return errorResponse(c, fiber.StatusNotFound, "order_not_found", "Order not found")
	}

	ctx, cancel := requestContext()
	defer cancel()

	svc := getPaymentService()
	order, err := svc.PollOrderForUser(ctx, userCtx.UserID, orderID)
	if err != nil {
		return writeBillingError(c, err)
	}
	return c.JSON(orderResponse(order, svc.ExpiryWindow(), time.Now()))
}

// HandleListOrders returns the caller's orders, newest first.
func HandleListOrders(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	if !userCtx.IsLoggedIn {
		return errorResponse(c, fiber.StatusUnauthorized, "unauthorized", "Missing or invalid authentication")
	}

	status := models.OrderStatus(strings.ToLower(strings.TrimSpace(c.Query("status"))))
	switch status {
	case "", models.OrderStatusPending, models.OrderStatusPaid, models.OrderStatusFailed, models.OrderStatusExpired, models.OrderStatusRefunded:
	default:
		return errorResponse(c, fiber.StatusBadRequest, "bad_request", "Unknown status filter")
	}

	ctx, cancel := requestContext()
	defer cancel()

	svc := getPaymentService()
	page, err := svc.ListOrdersForUser(ctx, userCtx.UserID, status, c.QueryInt("page", 1), c.QueryInt("size", 20))
	if err != nil {
		return writeBillingError(c, err)
	}

	now := time.Now()
	items := make([]fiber.Map, 0, len(page.Orders))
	for i := range page.Orders {
		items = append(items, orderResponse(&page.Orders[i], svc.ExpiryWindow(), now))
	}
	return c.JSON(fiber.Map{
		"orders": items,
		"total":  page.Total,
		"page":   page.Page,
		"size":   page.Size,
	})
}

func orderResponse(o *models.PaymentOrder, window time.Duration, now time.Time) fiber.Map {
	expiresIn := int64(0)
	if o.Status == models.OrderStatusPending {
		if left := o.ExpiresAt(window).Sub(now); left > 0 {
			expiresIn = int64(left / time.Second)
		}
	}
	return fiber.Map{
		"order_id":           o.ID,
		"user_id":            o.UserID,
		"plan_id":            o.PlanID,
		"method":             o.Method,
		"amount":             o.AmountMinorUnits,
		"amount_display":     billing.FormatAmount(o.AmountMinorUnits),
		"status":             o.Status,
		"paid_at":            formatTimePtr(o.PaidAt),
		"created_at":         o.CreatedAt.UTC().Format(time.RFC3339),
		"expires_in_seconds": expiresIn,
	}
}
