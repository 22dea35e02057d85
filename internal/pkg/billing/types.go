package billing

import (
	"context"
	"time"

	"github.com/ManuelReschke/PopGraph/app/models"
	"github.com/ManuelReschke/PopGraph/internal/pkg/entitlements"
)

// CreateOrderResult is what the client needs to complete a payment.
type CreateOrderResult struct {
	Order       *models.PaymentOrder
	Plan        Plan
	RedirectURL string
	QRPayload   string
	ExpiresAt   time.Time
	// Error carries the gateway message when initiation failed.
	Error string
}

// ExpiresInSeconds is the remaining payment window, never negative.
func (r *CreateOrderResult) ExpiresInSeconds(now time.Time) int64 {
	left := int64(r.ExpiresAt.Sub(now) / time.Second)
	if left < 0 {
		return 0
	}
	return left
}

// OrderPage is one page of a user's orders.
type OrderPage struct {
	Orders []models.PaymentOrder
	Total  int64
	Page   int
	Size   int
}

// MembershipStatus is the user's membership as seen right now.
type MembershipStatus struct {
	UserID    uint                  `json:"user_id"`
	Tier      entitlements.Tier     `json:"tier"`
	Effective entitlements.Tier     `json:"effective_tier"`
	Expiry    *time.Time            `json:"expiry,omitempty"`
	Expired   bool                  `json:"expired"`
	Features  entitlements.Features `json:"features"`
}

// CallbackEventInput is the normalized input for callback event persistence.
type CallbackEventInput struct {
	Provider        string
	ProviderEventID string
	OrderID         string
	EventType       string
	Payload         []byte
	Headers         map[string]string
	SignatureValid  bool
}

// QueryThrottle limits how often a pending order is polled at its network.
type QueryThrottle interface {
	Allow(ctx context.Context, key string, every time.Duration) bool
}

// MembershipRetrier schedules a later attempt to apply membership for a
// paid order.
type MembershipRetrier interface {
	EnqueueMembershipRetry(orderID string) error
}

// Order outcomes reported to an OutcomeRecorder.
const (
	OutcomeCreated = "created"
	OutcomePaid    = "paid"
	OutcomeFailed  = "failed"
	OutcomeExpired = "expired"
)

// OutcomeRecorder counts order lifecycle events per payment method.
type OutcomeRecorder interface {
	Record(ctx context.Context, outcome, method string)
}
