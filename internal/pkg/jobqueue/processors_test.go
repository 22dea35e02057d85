package jobqueue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/PopGraph/app/models"
	"github.com/ManuelReschke/PopGraph/app/repository"
	"github.com/ManuelReschke/PopGraph/internal/pkg/archive"
	"github.com/ManuelReschke/PopGraph/internal/pkg/billing"
	"github.com/ManuelReschke/PopGraph/internal/pkg/locker"
)

type memoryArchive struct {
	mu      sync.Mutex
	objects map[string][]byte
	fail    error
}

func (a *memoryArchive) Put(ctx context.Context, key string, body []byte, contentType string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fail != nil {
		return a.fail
	}
	if a.objects == nil {
		a.objects = map[string][]byte{}
	}
	a.objects[key] = append([]byte(nil), body...)
	return nil
}

func newTestQueue(deps Dependencies) *Queue {
	q := &Queue{workers: 1}
	q.SetDependencies(deps)
	return q
}

func seedPaidOrder(t *testing.T, repos *repository.Repositories) (*models.User, *models.PaymentOrder) {
	t.Helper()
	ctx := context.Background()
	user := &models.User{Name: "buyer"}
	require.NoError(t, repos.User.Create(ctx, user))

	now := time.Now()
	ref := "T-1"
	order := &models.PaymentOrder{
		ID:                models.NewOrderID(),
		UserID:            user.ID,
		PlanID:            billing.PlanBasicMonthly,
		Method:            models.PaymentMethodAlipay,
		AmountMinorUnits:  2900,
		Status:            models.OrderStatusPaid,
		ExternalReference: &ref,
		PaidAt:            &now,
		CreatedAt:         now,
	}
	require.NoError(t, repos.Order.Create(ctx, order))
	return user, order
}

func TestProcessApplyMembershipJob(t *testing.T) {
	repos := repository.NewMemoryRepositories()
	members := billing.NewMembershipService(repos.User, repos.Order, locker.NewLocalLocker())
	q := newTestQueue(Dependencies{Membership: members})
	user, order := seedPaidOrder(t, repos)

	job := &Job{ID: "j1", Type: JobTypeApplyMembership, Payload: ApplyMembershipJobPayload{OrderID: order.ID}.ToMap()}
	require.NoError(t, q.handle(context.Background(), job))

	got, err := repos.User.GetByID(context.Background(), user.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MembershipBasic, got.MembershipTier)

	// a second delivery of the same job is harmless
	require.NoError(t, q.handle(context.Background(), job))
	again, _ := repos.User.GetByID(context.Background(), user.ID)
	assert.True(t, got.MembershipExpiry.Equal(*again.MembershipExpiry))
}

func TestProcessApplyMembershipJob_Errors(t *testing.T) {
	q := newTestQueue(Dependencies{})
	err := q.handle(context.Background(), &Job{Type: JobTypeApplyMembership, Payload: ApplyMembershipJobPayload{OrderID: "x"}.ToMap()})
	assert.ErrorContains(t, err, "not configured")

	repos := repository.NewMemoryRepositories()
	q.SetDependencies(Dependencies{Membership: billing.NewMembershipService(repos.User, repos.Order, locker.NewLocalLocker())})
	err = q.handle(context.Background(), &Job{Type: JobTypeApplyMembership, Payload: ApplyMembershipJobPayload{OrderID: "missing"}.ToMap()})
	assert.ErrorIs(t, err, billing.ErrOrderNotFound)

	err = q.handle(context.Background(), &Job{Type: JobTypeApplyMembership, Payload: map[string]interface{}{}})
	assert.Error(t, err)

	err = q.handle(context.Background(), &Job{Type: "unknown"})
	assert.ErrorContains(t, err, "unknown job type")
}

func TestProcessArchiveCallbackJob(t *testing.T) {
	ctx := context.Background()
	repos := repository.NewMemoryRepositories()
	store := &memoryArchive{}
	cfg := &archive.Config{Prefix: "cb"}
	q := newTestQueue(Dependencies{Events: repos.CallbackEvent, Archive: store, ArchiveConfig: cfg})

	_, event, err := repos.CallbackEvent.CreateIfNotExists(ctx, &models.PaymentCallbackEvent{
		Provider:        "unionpay",
		ProviderEventID: "612401011200000001:00",
		PayloadRaw:      "respCode=00&orderId=abc",
		Headers:         map[string]interface{}{"Content-Type": "application/x-www-form-urlencoded"},
	})
	require.NoError(t, err)

	job := &Job{Type: JobTypeArchiveCallback, Payload: ArchiveCallbackJobPayload{EventID: event.ID}.ToMap()}
	require.NoError(t, q.handle(ctx, job))

	stored, err := repos.CallbackEvent.GetByID(ctx, event.ID)
	require.NoError(t, err)
	want := cfg.ObjectKey("unionpay", event.ID, event.CreatedAt)
	assert.Equal(t, want, stored.ArchivedKey)
	assert.Equal(t, []byte("respCode=00&orderId=abc"), store.objects[want])

	// already archived events are skipped even if the store now fails
	store.fail = errors.New("bucket gone")
	assert.NoError(t, q.handle(ctx, job))
}

func TestProcessArchiveCallbackJob_UploadFailure(t *testing.T) {
	ctx := context.Background()
	repos := repository.NewMemoryRepositories()
	store := &memoryArchive{fail: errors.New("503 Slow Down")}
	q := newTestQueue(Dependencies{Events: repos.CallbackEvent, Archive: store, ArchiveConfig: &archive.Config{}})

	_, event, err := repos.CallbackEvent.CreateIfNotExists(ctx, &models.PaymentCallbackEvent{Provider: "wechat", ProviderEventID: "e1", PayloadRaw: "{}"})
	require.NoError(t, err)

	err = q.handle(ctx, &Job{Type: JobTypeArchiveCallback, Payload: ArchiveCallbackJobPayload{EventID: event.ID}.ToMap()})
	assert.ErrorContains(t, err, "Slow Down")

	stored, _ := repos.CallbackEvent.GetByID(ctx, event.ID)
	assert.Empty(t, stored.ArchivedKey)
}

func TestProcessArchiveCallbackJob_Disabled(t *testing.T) {
	repos := repository.NewMemoryRepositories()
	q := newTestQueue(Dependencies{Events: repos.CallbackEvent})

	err := q.handle(context.Background(), &Job{Type: JobTypeArchiveCallback, Payload: ArchiveCallbackJobPayload{EventID: 99}.ToMap()})
	assert.NoError(t, err)
}

func TestQueue_ProcessJobAgainstRedis(t *testing.T) {
	client := newTestRedis(t)

	repos := repository.NewMemoryRepositories()
	members := billing.NewMembershipService(repos.User, repos.Order, locker.NewLocalLocker())
	q := newQueueWithClient(client, 1)
	q.SetDependencies(Dependencies{Membership: members})
	user, order := seedPaidOrder(t, repos)

	ctx := context.Background()
	job, err := q.EnqueueJob(JobTypeApplyMembership, ApplyMembershipJobPayload{OrderID: order.ID}.ToMap())
	require.NoError(t, err)

	size, err := q.GetQueueSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), size)

	dequeued, err := q.dequeueJob(ctx)
	require.NoError(t, err)
	assert.Equal(t, job.ID, dequeued.ID)

	q.processJob(ctx, dequeued)

	processing, err := q.GetProcessingSize(ctx)
	require.NoError(t, err)
	assert.Zero(t, processing)

	_, err = q.GetJob(ctx, job.ID)
	assert.Error(t, err, "completed jobs are removed")

	stats, err := q.GetJobStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats[JobStatusCompleted])

	got, _ := repos.User.GetByID(ctx, user.ID)
	assert.Equal(t, models.MembershipBasic, got.MembershipTier)
}
