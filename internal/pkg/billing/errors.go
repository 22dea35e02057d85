package billing

import "errors"

var (
	ErrOrderNotFound      = errors.New("order not found")
	ErrOrderExpired       = errors.New("order has expired")
	ErrInvalidOrderStatus = errors.New("invalid order status")
	ErrInvalidPlan        = errors.New("invalid plan")
	ErrInvalidMethod      = errors.New("invalid payment method")
	ErrPaymentFailed      = errors.New("payment initiation failed")

	// ErrSettlementMismatch marks a verified notification whose method or
	// amount does not match the stored order.
	ErrSettlementMismatch = errors.New("settlement does not match order")
)
