package repository

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/ManuelReschke/PopGraph/app/models"
	"github.com/ManuelReschke/PopGraph/internal/pkg/database"
)

func TestMemoryRepositories(t *testing.T) {
	runRepositoryContract(t, NewMemoryRepositories)
}

// TestMySQLRepositories runs the same contract against a real database.
// It needs TEST_DB_DSN pointing at a disposable schema.
func TestMySQLRepositories(t *testing.T) {
	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		t.Skip("TEST_DB_DSN not set")
	}
	db, err := database.Open(dsn)
	require.NoError(t, err)
	require.NoError(t, database.AutoMigrate(db))

	runRepositoryContract(t, func() *Repositories {
		for _, table := range []string{"payment_callback_events", "payment_orders", "users"} {
			require.NoError(t, db.Exec("DELETE FROM "+table).Error)
		}
		return NewRepositories(db)
	})
}

func runRepositoryContract(t *testing.T, fresh func() *Repositories) {
	t.Run("order transition serializes writers", func(t *testing.T) {
		testOrderTransition(t, fresh())
	})
	t.Run("orders listed newest first", func(t *testing.T) {
		testListByUser(t, fresh())
	})
	t.Run("membership applied once", func(t *testing.T) {
		testApplyOrderMembership(t, fresh())
	})
	t.Run("lapsed users", func(t *testing.T) {
		testLapsedUsers(t, fresh())
	})
	t.Run("callback events deduplicate", func(t *testing.T) {
		testCallbackEvents(t, fresh())
	})
}

func seedUser(t *testing.T, repos *Repositories) *models.User {
	t.Helper()
	u := &models.User{Name: "buyer", Status: models.STATUS_ACTIVE}
	require.NoError(t, repos.User.Create(context.Background(), u))
	return u
}

func seedOrder(t *testing.T, repos *Repositories, userID uint, createdAt time.Time) *models.PaymentOrder {
	t.Helper()
	o := &models.PaymentOrder{
		ID:               models.NewOrderID(),
		UserID:           userID,
		PlanID:           "basic_monthly",
		Method:           models.PaymentMethodAlipay,
		AmountMinorUnits: 2900,
		Currency:         models.OrderCurrencyCNY,
		Status:           models.OrderStatusPending,
		CreatedAt:        createdAt,
		UpdatedAt:        createdAt,
	}
	require.NoError(t, repos.Order.Create(context.Background(), o))
	return o
}

func testOrderTransition(t *testing.T, repos *Repositories) {
	ctx := context.Background()
	u := seedUser(t, repos)
	o := seedOrder(t, repos, u.ID, time.Now().UTC().Truncate(time.Second))

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repos.Order.Transition(ctx, o.ID, func(order *models.PaymentOrder) (bool, error) {
				if order.Status != models.OrderStatusPending {
					return false, errors.New("already settled")
				}
				order.Status = models.OrderStatusPaid
				return true, nil
			})
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)

	stored, err := repos.Order.GetByID(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPaid, stored.Status)

	// An error from fn still persists a change it reported.
	o2 := seedOrder(t, repos, u.ID, time.Now().UTC().Truncate(time.Second))
	_, err = repos.Order.Transition(ctx, o2.ID, func(order *models.PaymentOrder) (bool, error) {
		order.Status = models.OrderStatusExpired
		return true, errors.New("expired")
	})
	require.Error(t, err)
	stored, err = repos.Order.GetByID(ctx, o2.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusExpired, stored.Status)

	_, err = repos.Order.Transition(ctx, "missing", func(*models.PaymentOrder) (bool, error) { return false, nil })
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func testListByUser(t *testing.T, repos *Repositories) {
	ctx := context.Background()
	u := seedUser(t, repos)
	other := seedUser(t, repos)
	base := time.Now().UTC().Truncate(time.Second)
	first := seedOrder(t, repos, u.ID, base.Add(-2*time.Minute))
	second := seedOrder(t, repos, u.ID, base.Add(-time.Minute))
	third := seedOrder(t, repos, u.ID, base)
	seedOrder(t, repos, other.ID, base)

	orders, total, err := repos.Order.ListByUser(ctx, u.ID, "", 0, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	require.Len(t, orders, 2)
	assert.Equal(t, third.ID, orders[0].ID)
	assert.Equal(t, second.ID, orders[1].ID)

	orders, _, err = repos.Order.ListByUser(ctx, u.ID, "", 2, 2)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, first.ID, orders[0].ID)

	orders, total, err = repos.Order.ListByUser(ctx, u.ID, models.OrderStatusPaid, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(0), total)
	assert.Empty(t, orders)
}

func testApplyOrderMembership(t *testing.T, repos *Repositories) {
	ctx := context.Background()
	u := seedUser(t, repos)
	o := seedOrder(t, repos, u.ID, time.Now().UTC().Truncate(time.Second))

	apply := func(order *models.PaymentOrder, user *models.User) error {
		expiry := time.Now().UTC().Truncate(time.Second).AddDate(0, 0, 30)
		now := time.Now().UTC().Truncate(time.Second)
		user.MembershipTier = models.MembershipBasic
		user.MembershipExpiry = &expiry
		order.MembershipAppliedAt = &now
		return nil
	}

	_, err := repos.User.ApplyOrderMembership(ctx, o.ID, apply)
	assert.ErrorIs(t, err, ErrOrderNotPaid)

	paidAt := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	_, err = repos.Order.Transition(ctx, o.ID, func(order *models.PaymentOrder) (bool, error) {
		ref := "REF"
		order.Status = models.OrderStatusPaid
		order.ExternalReference = &ref
		order.PaidAt = &paidAt
		return true, nil
	})
	require.NoError(t, err)

	awaiting, err := repos.Order.ListAwaitingMembership(ctx, time.Now().UTC(), 10)
	require.NoError(t, err)
	require.Len(t, awaiting, 1)
	assert.Equal(t, o.ID, awaiting[0].ID)

	applied, err := repos.User.ApplyOrderMembership(ctx, o.ID, apply)
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = repos.User.ApplyOrderMembership(ctx, o.ID, apply)
	require.NoError(t, err)
	assert.False(t, applied)

	stored, err := repos.User.GetByID(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MembershipBasic, stored.MembershipTier)
	assert.NotNil(t, stored.MembershipExpiry)

	awaiting, err = repos.Order.ListAwaitingMembership(ctx, time.Now().UTC(), 10)
	require.NoError(t, err)
	assert.Empty(t, awaiting)
}

func testLapsedUsers(t *testing.T, repos *Repositories) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)
	lapsedAt := now.Add(-time.Hour)
	activeUntil := now.Add(time.Hour)

	lapsed := &models.User{Name: "lapsed", MembershipTier: models.MembershipProfessional, MembershipExpiry: &lapsedAt}
	active := &models.User{Name: "active", MembershipTier: models.MembershipBasic, MembershipExpiry: &activeUntil}
	require.NoError(t, repos.User.Create(ctx, lapsed))
	require.NoError(t, repos.User.Create(ctx, active))

	users, err := repos.User.ListLapsed(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, lapsed.ID, users[0].ID)

	ok, err := repos.User.DowngradeIfLapsed(ctx, lapsed.ID, lapsedAt.Add(time.Second), now)
	require.NoError(t, err)
	assert.False(t, ok, "stale observation must not downgrade")

	ok, err = repos.User.DowngradeIfLapsed(ctx, lapsed.ID, lapsedAt, now)
	require.NoError(t, err)
	assert.True(t, ok)

	stored, err := repos.User.GetByID(ctx, lapsed.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MembershipFree, stored.MembershipTier)
	assert.Nil(t, stored.MembershipExpiry)
}

func testCallbackEvents(t *testing.T, repos *Repositories) {
	ctx := context.Background()
	newEvent := func() *models.PaymentCallbackEvent {
		return &models.PaymentCallbackEvent{
			Provider:        "alipay",
			ProviderEventID: "evt-1",
			OrderID:         "order-1",
			EventType:       "paid",
			PayloadRaw:      "trade_status=TRADE_SUCCESS",
			Headers:         map[string]interface{}{"Content-Type": "application/x-www-form-urlencoded"},
			SignatureValid:  true,
		}
	}

	created, first, err := repos.CallbackEvent.CreateIfNotExists(ctx, newEvent())
	require.NoError(t, err)
	assert.True(t, created)
	require.NotZero(t, first.ID)

	created, dup, err := repos.CallbackEvent.CreateIfNotExists(ctx, newEvent())
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, dup.ID)
	assert.False(t, dup.IsSettled())

	require.NoError(t, repos.CallbackEvent.MarkProcessed(ctx, first.ID, ""))
	require.NoError(t, repos.CallbackEvent.SetArchivedKey(ctx, first.ID, "payment-callbacks/alipay/1.txt"))

	stored, err := repos.CallbackEvent.GetByID(ctx, first.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsSettled())
	assert.Equal(t, "payment-callbacks/alipay/1.txt", stored.ArchivedKey)
	assert.Equal(t, "application/x-www-form-urlencoded", stored.Headers["Content-Type"])

	other := newEvent()
	other.Provider = "wechat"
	created, _, err = repos.CallbackEvent.CreateIfNotExists(ctx, other)
	require.NoError(t, err)
	assert.True(t, created, "event ids are scoped per provider")
}
