package repository

import (
	"context"
	"time"

	"github.com/ManuelReschke/PopGraph/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// orderRepository implements OrderRepository with row level locks
type orderRepository struct {
	db *gorm.DB
}

// NewOrderRepository creates a new order repository instance
func NewOrderRepository(db *gorm.DB) OrderRepository {
	return &orderRepository{db: db}
}

func (r *orderRepository) Create(ctx context.Context, order *models.PaymentOrder) error {
	return r.db.WithContext(ctx).Create(order).Error
}

func (r *orderRepository) GetByID(ctx context.Context, id string) (*models.PaymentOrder, error) {
	var order models.PaymentOrder
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&order).Error
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// ListByUser returns one page of the user's orders, newest first, and the
// total number of matching rows.
func (r *orderRepository) ListByUser(ctx context.Context, userID uint, status models.OrderStatus, offset, limit int) ([]models.PaymentOrder, int64, error) {
	query := r.db.WithContext(ctx).Model(&models.PaymentOrder{}).Where("user_id = ?", userID)
	if status != "" {
		query = query.Where("status = ?", status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var orders []models.PaymentOrder
	err := query.Order("created_at DESC").Order("id DESC").Offset(offset).Limit(limit).Find(&orders).Error
	return orders, total, err
}

// Transition runs fn on the order while holding SELECT ... FOR UPDATE on its
// row. The row is saved when fn reports a change, even if fn also returns an
// error, so a transition to expired survives the ErrOrderExpired it raises.
func (r *orderRepository) Transition(ctx context.Context, id string, fn TransitionFunc) (*models.PaymentOrder, error) {
	var (
		out   *models.PaymentOrder
		fnErr error
	)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var order models.PaymentOrder
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).First(&order).Error; err != nil {
			return err
		}

		var changed bool
		changed, fnErr = fn(&order)
		if changed {
			if err := tx.Save(&order).Error; err != nil {
				return err
			}
		}
		out = &order
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, fnErr
}

func (r *orderRepository) ListAwaitingMembership(ctx context.Context, paidBefore time.Time, limit int) ([]models.PaymentOrder, error) {
	var orders []models.PaymentOrder
	err := r.db.WithContext(ctx).
		Where("status = ? AND membership_applied_at IS NULL AND paid_at <= ?", models.OrderStatusPaid, paidBefore).
		Order("paid_at ASC").
		Limit(limit).
		Find(&orders).Error
	return orders, err
}
