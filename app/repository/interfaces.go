package repository

import (
	"context"
	"errors"
	"time"

	"github.com/ManuelReschke/PopGraph/app/models"
	"gorm.io/gorm"
)

// ErrOrderNotPaid is returned when membership is applied to an order that
// has not reached the paid state.
var ErrOrderNotPaid = errors.New("order is not paid")

// TransitionFunc mutates a locked order. It reports whether the order must be
// persisted; its error is returned to the caller after the save.
type TransitionFunc func(order *models.PaymentOrder) (changed bool, err error)

// MembershipFunc mutates a locked order/user pair in one transaction.
type MembershipFunc func(order *models.PaymentOrder, user *models.User) error

// OrderRepository is the order store. Transition is the only write path for
// an existing order and serializes writers per order id.
type OrderRepository interface {
	Create(ctx context.Context, order *models.PaymentOrder) error
	GetByID(ctx context.Context, id string) (*models.PaymentOrder, error)
	ListByUser(ctx context.Context, userID uint, status models.OrderStatus, offset, limit int) ([]models.PaymentOrder, int64, error)
	Transition(ctx context.Context, id string, fn TransitionFunc) (*models.PaymentOrder, error)
	ListAwaitingMembership(ctx context.Context, paidBefore time.Time, limit int) ([]models.PaymentOrder, error)
}

// UserRepository covers the membership columns of the user row.
type UserRepository interface {
	Create(ctx context.Context, user *models.User) error
	GetByID(ctx context.Context, id uint) (*models.User, error)
	// ApplyOrderMembership locks the order and its owner and runs fn once per
	// order. applied is false when membership was already applied.
	ApplyOrderMembership(ctx context.Context, orderID string, fn MembershipFunc) (applied bool, err error)
	ListLapsed(ctx context.Context, now time.Time, limit int) ([]models.User, error)
	// DowngradeIfLapsed resets the user to free only if the stored expiry is
	// still the one the caller observed and it has passed.
	DowngradeIfLapsed(ctx context.Context, userID uint, observedExpiry, now time.Time) (bool, error)
}

// CallbackEventRepository stores raw network notifications.
type CallbackEventRepository interface {
	CreateIfNotExists(ctx context.Context, event *models.PaymentCallbackEvent) (bool, *models.PaymentCallbackEvent, error)
	GetByID(ctx context.Context, id uint) (*models.PaymentCallbackEvent, error)
	MarkProcessed(ctx context.Context, id uint, processingError string) error
	SetArchivedKey(ctx context.Context, id uint, key string) error
}

// Repositories struct holds all repository instances
type Repositories struct {
	Order         OrderRepository
	User          UserRepository
	CallbackEvent CallbackEventRepository
}

// NewRepositories creates the MySQL backed repositories
func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		Order:         NewOrderRepository(db),
		User:          NewUserRepository(db),
		CallbackEvent: NewCallbackEventRepository(db),
	}
}

// NewMemoryRepositories creates repositories that share one in-process store.
func NewMemoryRepositories() *Repositories {
	s := newMemoryStore()
	return &Repositories{
		Order:         &memoryOrderRepository{s},
		User:          &memoryUserRepository{s},
		CallbackEvent: &memoryCallbackEventRepository{s},
	}
}
