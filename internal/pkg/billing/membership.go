package billing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/PopGraph/app/models"
	"github.com/ManuelReschke/PopGraph/app/repository"
	"github.com/ManuelReschke/PopGraph/internal/pkg/entitlements"
	"github.com/ManuelReschke/PopGraph/internal/pkg/locker"
)

const membershipLockTTL = 30 * time.Second

// ApplySettlement computes the membership after paying for plan. Time still
// left on the current membership is kept and the plan duration is added on
// top; otherwise the duration counts from now. The tier is always the plan's.
func ApplySettlement(plan Plan, currentExpiry *time.Time, now time.Time) (entitlements.Tier, time.Time) {
	base := now
	if currentExpiry != nil && currentExpiry.After(now) {
		base = *currentExpiry
	}
	return plan.Tier, base.AddDate(0, 0, plan.DurationDays)
}

// MembershipService writes the membership columns of a user. Writes for one
// user are serialized through a named lock.
type MembershipService struct {
	users  repository.UserRepository
	orders repository.OrderRepository
	locks  locker.Locker
	now    func() time.Time
}

func NewMembershipService(users repository.UserRepository, orders repository.OrderRepository, locks locker.Locker) *MembershipService {
	return &MembershipService{users: users, orders: orders, locks: locks, now: time.Now}
}

// SetClock replaces the time source.
func (m *MembershipService) SetClock(now func() time.Time) {
	m.now = now
}

func membershipLockKey(userID uint) string {
	return "membership:user:" + strconv.FormatUint(uint64(userID), 10)
}

// ApplyOrder extends the buyer's membership for a paid order. It is safe to
// call repeatedly; only the first call changes anything and reports true.
func (m *MembershipService) ApplyOrder(ctx context.Context, orderID string) (bool, error) {
	order, err := m.orders.GetByID(ctx, orderID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
		}
		return false, err
	}
	if order.MembershipAppliedAt != nil {
		return false, nil
	}
	if order.Status != models.OrderStatusPaid {
		return false, fmt.Errorf("%w: order %s is %s", ErrInvalidOrderStatus, order.ID, order.Status)
	}
	plan, ok := LookupPlan(order.PlanID)
	if !ok {
		return false, fmt.Errorf("%w: order %s references %q", ErrInvalidPlan, order.ID, order.PlanID)
	}

	unlock, err := m.locks.Lock(ctx, membershipLockKey(order.UserID), membershipLockTTL)
	if err != nil {
		return false, err
	}
	defer unlock()

	var tier entitlements.Tier
	var expiry time.Time
	applied, err := m.users.ApplyOrderMembership(ctx, order.ID, func(o *models.PaymentOrder, u *models.User) error {
		now := m.now()
		tier, expiry = ApplySettlement(plan, u.MembershipExpiry, now)
		u.MembershipTier = string(tier)
		u.MembershipExpiry = &expiry
		o.MembershipAppliedAt = &now
		return nil
	})
	if errors.Is(err, repository.ErrOrderNotPaid) {
		return false, fmt.Errorf("%w: order %s", ErrInvalidOrderStatus, order.ID)
	}
	if err != nil {
		return false, err
	}
	if applied {
		log.Infof("[Membership] User %d now %s until %s (order %s)", order.UserID, tier, expiry.Format(time.RFC3339), order.ID)
	}
	return applied, nil
}

// DowngradeLapsed resets users whose paid membership has run out to free.
// A user whose expiry changed since it was listed is left alone.
func (m *MembershipService) DowngradeLapsed(ctx context.Context, batch int) (int, error) {
	now := m.now()
	users, err := m.users.ListLapsed(ctx, now, batch)
	if err != nil {
		return 0, err
	}
	downgraded := 0
	for _, u := range users {
		if u.MembershipExpiry == nil {
			continue
		}
		ok, err := m.downgrade(ctx, u.ID, *u.MembershipExpiry, now)
		if err != nil {
			log.Warnf("[Membership] Downgrade of user %d skipped: %v", u.ID, err)
			continue
		}
		if ok {
			downgraded++
			log.Infof("[Membership] User %d downgraded to free (expired %s)", u.ID, u.MembershipExpiry.Format(time.RFC3339))
		}
	}
	return downgraded, nil
}

func (m *MembershipService) downgrade(ctx context.Context, userID uint, observed, now time.Time) (bool, error) {
	unlock, err := m.locks.Lock(ctx, membershipLockKey(userID), membershipLockTTL)
	if err != nil {
		return false, err
	}
	defer unlock()
	return m.users.DowngradeIfLapsed(ctx, userID, observed, now)
}

// ReconcilePaid applies membership for paid orders that were missed, for
// example because the process stopped between payment and membership update.
func (m *MembershipService) ReconcilePaid(ctx context.Context, olderThan time.Duration, batch int) (int, error) {
	orders, err := m.orders.ListAwaitingMembership(ctx, m.now().Add(-olderThan), batch)
	if err != nil {
		return 0, err
	}
	applied := 0
	for _, o := range orders {
		ok, err := m.ApplyOrder(ctx, o.ID)
		if err != nil {
			log.Warnf("[Membership] Reconcile of order %s failed: %v", o.ID, err)
			continue
		}
		if ok {
			applied++
		}
	}
	return applied, nil
}

// Status reports the user's membership with lapsed tiers already resolved.
func (m *MembershipService) Status(ctx context.Context, userID uint) (*MembershipStatus, error) {
	u, err := m.users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	now := m.now()
	tier := entitlements.NormalizeTier(u.MembershipTier)
	effective := entitlements.Effective(tier, u.MembershipExpiry, now)
	return &MembershipStatus{
		UserID:    u.ID,
		Tier:      tier,
		Effective: effective,
		Expiry:    u.MembershipExpiry,
		Expired:   entitlements.IsExpired(tier, u.MembershipExpiry, now),
		Features:  entitlements.FeaturesFor(effective),
	}, nil
}
