package repository

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/ManuelReschke/PopGraph/app/models"
	"github.com/ManuelReschke/PopGraph/internal/pkg/locker"
	"gorm.io/gorm"
)

// memoryStore keeps rows by value. Callers always get copies, so nothing
// outside the store can mutate a row without going through a write method.
// Row locks are a keyed mutex; the RWMutex only guards the maps.
type memoryStore struct {
	mu          sync.RWMutex
	orders      map[string]models.PaymentOrder
	users       map[uint]models.User
	events      map[uint]models.PaymentCallbackEvent
	eventKeys   map[string]uint
	nextUserID  uint
	nextEventID uint
	rows        *locker.LocalLocker
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		orders:    make(map[string]models.PaymentOrder),
		users:     make(map[uint]models.User),
		events:    make(map[uint]models.PaymentCallbackEvent),
		eventKeys: make(map[string]uint),
		rows:      locker.NewLocalLocker(),
	}
}

func (s *memoryStore) lockRow(ctx context.Context, key string) (func(), error) {
	return s.rows.Lock(ctx, key, 0)
}

func orderRowKey(id string) string { return "order:" + id }

func userRowKey(id uint) string { return "user:" + strconv.FormatUint(uint64(id), 10) }

type memoryOrderRepository struct{ s *memoryStore }

func (r *memoryOrderRepository) Create(ctx context.Context, order *models.PaymentOrder) error {
	_ = ctx
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, exists := r.s.orders[order.ID]; exists {
		return gorm.ErrDuplicatedKey
	}
	now := time.Now()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	if order.UpdatedAt.IsZero() {
		order.UpdatedAt = order.CreatedAt
	}
	r.s.orders[order.ID] = *order
	return nil
}

func (r *memoryOrderRepository) GetByID(ctx context.Context, id string) (*models.PaymentOrder, error) {
	_ = ctx
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	order, ok := r.s.orders[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return &order, nil
}

func (r *memoryOrderRepository) ListByUser(ctx context.Context, userID uint, status models.OrderStatus, offset, limit int) ([]models.PaymentOrder, int64, error) {
	_ = ctx
	r.s.mu.RLock()
	matched := make([]models.PaymentOrder, 0)
	for _, o := range r.s.orders {
		if o.UserID != userID {
			continue
		}
		if status != "" && o.Status != status {
			continue
		}
		matched = append(matched, o)
	}
	r.s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := int64(len(matched))
	if offset >= len(matched) {
		return []models.PaymentOrder{}, total, nil
	}
	end := len(matched)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return matched[offset:end], total, nil
}

func (r *memoryOrderRepository) Transition(ctx context.Context, id string, fn TransitionFunc) (*models.PaymentOrder, error) {
	unlock, err := r.s.lockRow(ctx, orderRowKey(id))
	if err != nil {
		return nil, err
	}
	defer unlock()

	order, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	changed, fnErr := fn(order)
	if changed {
		if order.UpdatedAt.IsZero() {
			order.UpdatedAt = time.Now()
		}
		r.s.mu.Lock()
		r.s.orders[id] = *order
		r.s.mu.Unlock()
	}
	return order, fnErr
}

func (r *memoryOrderRepository) ListAwaitingMembership(ctx context.Context, paidBefore time.Time, limit int) ([]models.PaymentOrder, error) {
	_ = ctx
	r.s.mu.RLock()
	out := make([]models.PaymentOrder, 0)
	for _, o := range r.s.orders {
		if o.Status == models.OrderStatusPaid && o.MembershipAppliedAt == nil && o.PaidAt != nil && !o.PaidAt.After(paidBefore) {
			out = append(out, o)
		}
	}
	r.s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].PaidAt.Before(*out[j].PaidAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type memoryUserRepository struct{ s *memoryStore }

func (r *memoryUserRepository) Create(ctx context.Context, user *models.User) error {
	_ = ctx
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if user.ID == 0 {
		r.s.nextUserID++
		user.ID = r.s.nextUserID
	} else if _, exists := r.s.users[user.ID]; exists {
		return gorm.ErrDuplicatedKey
	}
	if user.ID > r.s.nextUserID {
		r.s.nextUserID = user.ID
	}
	if user.MembershipTier == "" {
		user.MembershipTier = models.MembershipFree
	}
	now := time.Now()
	user.CreatedAt = now
	user.UpdatedAt = now
	r.s.users[user.ID] = *user
	return nil
}

func (r *memoryUserRepository) GetByID(ctx context.Context, id uint) (*models.User, error) {
	_ = ctx
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	user, ok := r.s.users[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return &user, nil
}

func (r *memoryUserRepository) ApplyOrderMembership(ctx context.Context, orderID string, fn MembershipFunc) (bool, error) {
	unlockOrder, err := r.s.lockRow(ctx, orderRowKey(orderID))
	if err != nil {
		return false, err
	}
	defer unlockOrder()

	r.s.mu.RLock()
	order, ok := r.s.orders[orderID]
	r.s.mu.RUnlock()
	if !ok {
		return false, gorm.ErrRecordNotFound
	}
	if order.Status != models.OrderStatusPaid {
		return false, ErrOrderNotPaid
	}
	if order.MembershipAppliedAt != nil {
		return false, nil
	}

	unlockUser, err := r.s.lockRow(ctx, userRowKey(order.UserID))
	if err != nil {
		return false, err
	}
	defer unlockUser()

	user, err := r.GetByID(ctx, order.UserID)
	if err != nil {
		return false, err
	}
	if err := fn(&order, user); err != nil {
		return false, err
	}

	r.s.mu.Lock()
	user.UpdatedAt = time.Now()
	r.s.users[user.ID] = *user
	stored := r.s.orders[orderID]
	stored.MembershipAppliedAt = order.MembershipAppliedAt
	r.s.orders[orderID] = stored
	r.s.mu.Unlock()
	return true, nil
}

func (r *memoryUserRepository) ListLapsed(ctx context.Context, now time.Time, limit int) ([]models.User, error) {
	_ = ctx
	r.s.mu.RLock()
	out := make([]models.User, 0)
	for _, u := range r.s.users {
		if u.HasPaidTier() && u.MembershipExpiry != nil && !u.MembershipExpiry.After(now) {
			out = append(out, u)
		}
	}
	r.s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].MembershipExpiry.Before(*out[j].MembershipExpiry) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memoryUserRepository) DowngradeIfLapsed(ctx context.Context, userID uint, observedExpiry, now time.Time) (bool, error) {
	unlock, err := r.s.lockRow(ctx, userRowKey(userID))
	if err != nil {
		return false, err
	}
	defer unlock()

	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	u, ok := r.s.users[userID]
	if !ok || !u.HasPaidTier() || u.MembershipExpiry == nil {
		return false, nil
	}
	if !u.MembershipExpiry.Equal(observedExpiry) || u.MembershipExpiry.After(now) {
		return false, nil
	}
	u.MembershipTier = models.MembershipFree
	u.MembershipExpiry = nil
	u.UpdatedAt = time.Now()
	r.s.users[userID] = u
	return true, nil
}

type memoryCallbackEventRepository struct{ s *memoryStore }

func (r *memoryCallbackEventRepository) CreateIfNotExists(ctx context.Context, event *models.PaymentCallbackEvent) (bool, *models.PaymentCallbackEvent, error) {
	_ = ctx
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	key := event.Provider + "\x00" + event.ProviderEventID
	if id, ok := r.s.eventKeys[key]; ok {
		stored := r.s.events[id]
		return false, &stored, nil
	}

	r.s.nextEventID++
	event.ID = r.s.nextEventID
	now := time.Now()
	event.CreatedAt = now
	event.UpdatedAt = now
	r.s.events[event.ID] = *event
	r.s.eventKeys[key] = event.ID
	stored := *event
	return true, &stored, nil
}

func (r *memoryCallbackEventRepository) GetByID(ctx context.Context, id uint) (*models.PaymentCallbackEvent, error) {
	_ = ctx
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	event, ok := r.s.events[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return &event, nil
}

func (r *memoryCallbackEventRepository) MarkProcessed(ctx context.Context, id uint, processingError string) error {
	return r.update(ctx, id, func(e *models.PaymentCallbackEvent) {
		now := time.Now()
		e.ProcessedAt = &now
		e.ProcessingError = processingError
	})
}

func (r *memoryCallbackEventRepository) SetArchivedKey(ctx context.Context, id uint, key string) error {
	return r.update(ctx, id, func(e *models.PaymentCallbackEvent) {
		e.ArchivedKey = key
	})
}

func (r *memoryCallbackEventRepository) update(ctx context.Context, id uint, fn func(*models.PaymentCallbackEvent)) error {
	_ = ctx
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	event, ok := r.s.events[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	fn(&event)
	event.UpdatedAt = time.Now()
	r.s.events[id] = event
	return nil
}
