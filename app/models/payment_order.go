package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Payment methods, one per supported payment network.
const (
	PaymentMethodAlipay   = "alipay"
	PaymentMethodWechat   = "wechat"
	PaymentMethodUnionPay = "unionpay"
)

// OrderStatus is the lifecycle state of a payment order.
type OrderStatus string

const (
	OrderStatusPending  OrderStatus = "pending"
	OrderStatusPaid     OrderStatus = "paid"
	OrderStatusFailed   OrderStatus = "failed"
	OrderStatusExpired  OrderStatus = "expired"
	OrderStatusRefunded OrderStatus = "refunded"
)

const OrderCurrencyCNY = "CNY"

// orderTransitions lists every allowed status change. Refunded is declared
// but no state leads to it yet.
var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending: {OrderStatusPaid, OrderStatusFailed, OrderStatusExpired},
}

// PaymentOrder is a single purchase attempt for one plan via one network.
// Rows are never deleted.
type PaymentOrder struct {
	ID                  string      `gorm:"primaryKey;type:varchar(32)" json:"order_id"`
	UserID              uint        `gorm:"not null;index:idx_payment_orders_user_created,priority:1" json:"user_id"`
	PlanID              string      `gorm:"type:varchar(32);not null" json:"plan_id"`
	Method              string      `gorm:"type:varchar(16);not null;index" json:"method"`
	AmountMinorUnits    int64       `gorm:"not null" json:"amount"`
	Currency            string      `gorm:"type:char(3);not null;default:'CNY'" json:"currency"`
	Status              OrderStatus `gorm:"type:varchar(16);not null;default:'pending';index" json:"status"`
	ExternalReference   *string     `gorm:"type:varchar(64);default:null" json:"external_reference,omitempty"`
	PaidAt              *time.Time  `gorm:"type:timestamp;default:null" json:"paid_at,omitempty"`
	MembershipAppliedAt *time.Time  `gorm:"type:timestamp;default:null;index" json:"membership_applied_at,omitempty"`
	FailureReason       string      `gorm:"type:varchar(255);default:''" json:"failure_reason,omitempty"`
	CreatedAt           time.Time   `gorm:"not null;index:idx_payment_orders_user_created,priority:2" json:"created_at"`
	UpdatedAt           time.Time   `gorm:"not null" json:"updated_at"`
}

// NewOrderID returns a fresh opaque order id: 32 lowercase hex characters,
// short enough for every network's merchant order number field.
func NewOrderID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

// IsValidPaymentMethod reports whether method names a supported network.
func IsValidPaymentMethod(method string) bool {
	switch method {
	case PaymentMethodAlipay, PaymentMethodWechat, PaymentMethodUnionPay:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether the order may move to the target status.
func (o *PaymentOrder) CanTransitionTo(target OrderStatus) bool {
	for _, s := range orderTransitions[o.Status] {
		if s == target {
			return true
		}
	}
	return false
}

// ExpiresAt returns the end of the payment window for this order.
func (o *PaymentOrder) ExpiresAt(window time.Duration) time.Time {
	return o.CreatedAt.Add(window)
}

// IsPastWindow reports whether a still pending order has outlived its window.
func (o *PaymentOrder) IsPastWindow(now time.Time, window time.Duration) bool {
	return o.Status == OrderStatusPending && now.Sub(o.CreatedAt) > window
}

// IsTerminal reports whether no further transition is possible.
func (o *PaymentOrder) IsTerminal() bool {
	return len(orderTransitions[o.Status]) == 0
}
