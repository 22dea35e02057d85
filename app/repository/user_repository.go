package repository

import (
	"context"
	"time"

	"github.com/ManuelReschke/PopGraph/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// userRepository implements the UserRepository interface
type userRepository struct {
	db *gorm.DB
}

// NewUserRepository creates a new user repository instance
func NewUserRepository(db *gorm.DB) UserRepository {
	return &userRepository{db: db}
}

// Create creates a new user in the database
func (r *userRepository) Create(ctx context.Context, user *models.User) error {
	return r.db.WithContext(ctx).Create(user).Error
}

// GetByID retrieves a user by their ID
func (r *userRepository) GetByID(ctx context.Context, id uint) (*models.User, error) {
	var user models.User
	err := r.db.WithContext(ctx).First(&user, id).Error
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// ApplyOrderMembership locks the order row, then the user row, and writes
// both membership columns together with membership_applied_at.
func (r *userRepository) ApplyOrderMembership(ctx context.Context, orderID string, fn MembershipFunc) (bool, error) {
	applied := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var order models.PaymentOrder
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", orderID).First(&order).Error; err != nil {
			return err
		}
		if order.Status != models.OrderStatusPaid {
			return ErrOrderNotPaid
		}
		if order.MembershipAppliedAt != nil {
			return nil
		}

		var user models.User
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&user, order.UserID).Error; err != nil {
			return err
		}
		if err := fn(&order, &user); err != nil {
			return err
		}

		if err := tx.Model(&models.User{}).Where("id = ?", user.ID).Updates(map[string]interface{}{
			"membership_tier":   user.MembershipTier,
			"membership_expiry": user.MembershipExpiry,
		}).Error; err != nil {
			return err
		}
		if err := tx.Model(&models.PaymentOrder{}).Where("id = ?", order.ID).
			Update("membership_applied_at", order.MembershipAppliedAt).Error; err != nil {
			return err
		}
		applied = true
		return nil
	})
	return applied, err
}

// ListLapsed returns paid tier users whose expiry has passed
func (r *userRepository) ListLapsed(ctx context.Context, now time.Time, limit int) ([]models.User, error) {
	var users []models.User
	err := r.db.WithContext(ctx).
		Where("membership_tier <> ? AND membership_expiry IS NOT NULL AND membership_expiry <= ?", models.MembershipFree, now).
		Order("membership_expiry ASC").
		Limit(limit).
		Find(&users).Error
	return users, err
}

func (r *userRepository) DowngradeIfLapsed(ctx context.Context, userID uint, observedExpiry, now time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.User{}).
		Where("id = ? AND membership_tier <> ? AND membership_expiry = ? AND membership_expiry <= ?",
			userID, models.MembershipFree, observedExpiry, now).
		Updates(map[string]interface{}{
			"membership_tier":   models.MembershipFree,
			"membership_expiry": nil,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
