package jobqueue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/PopGraph/app/models"
	"github.com/ManuelReschke/PopGraph/app/repository"
	"github.com/ManuelReschke/PopGraph/internal/pkg/billing"
	"github.com/ManuelReschke/PopGraph/internal/pkg/env"
	"github.com/ManuelReschke/PopGraph/internal/pkg/locker"
)

func resetManager(t *testing.T) *Manager {
	t.Helper()
	globalManager = nil
	managerOnce = sync.Once{}
	t.Cleanup(func() {
		globalManager = nil
		managerOnce = sync.Once{}
	})
	return GetManager()
}

func TestGetManager_Singleton(t *testing.T) {
	m := resetManager(t)

	assert.Same(t, m, GetManager())
	assert.Same(t, m.queue, m.GetQueue())
	assert.False(t, m.IsRunning())

	want := env.GetInt("JOB_QUEUE_WORKERS", defaultWorkerCount)
	if want <= 0 {
		want = defaultWorkers
	}
	assert.Equal(t, want, m.queue.workers)
}

func TestManager_StopWithoutStart(t *testing.T) {
	m := resetManager(t)
	m.Stop()
	assert.False(t, m.IsRunning())
}

func TestManager_ReconcileOnce(t *testing.T) {
	m := resetManager(t)
	ctx := context.Background()

	// Unconfigured managers have nothing to reconcile.
	assert.NoError(t, m.ReconcileOnce(ctx))

	repos := repository.NewMemoryRepositories()
	members := billing.NewMembershipService(repos.User, repos.Order, locker.NewLocalLocker())
	m.Configure(Dependencies{Membership: members})

	user := &models.User{Name: "buyer"}
	require.NoError(t, repos.User.Create(ctx, user))
	paidAt := time.Now().Add(-2 * reconcileGracePeriod)
	ref := "T-stale"
	order := &models.PaymentOrder{
		ID:                models.NewOrderID(),
		UserID:            user.ID,
		PlanID:            billing.PlanBasicMonthly,
		Method:            models.PaymentMethodWechat,
		AmountMinorUnits:  2900,
		Status:            models.OrderStatusPaid,
		ExternalReference: &ref,
		PaidAt:            &paidAt,
		CreatedAt:         paidAt,
	}
	require.NoError(t, repos.Order.Create(ctx, order))

	require.NoError(t, m.ReconcileOnce(ctx))

	got, err := repos.Order.GetByID(ctx, order.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.MembershipAppliedAt)
	u, _ := repos.User.GetByID(ctx, user.ID)
	assert.Equal(t, models.MembershipBasic, u.MembershipTier)
}
