package jobqueue

import (
	"context"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/PopGraph/internal/pkg/env"
)

const (
	defaultWorkerCount       = 5
	defaultReconcileInterval = 2 * time.Minute
	reconcileGracePeriod     = time.Minute
	reconcileBatchSize       = 100
)

// Manager manages the global job queue and background tasks
type Manager struct {
	queue           *Queue
	reconcileTicker *time.Ticker
	stopCh          chan struct{}
	wg              sync.WaitGroup
	mu              sync.Mutex
	running         bool
}

var (
	globalManager *Manager
	managerOnce   sync.Once
)

// GetManager returns the global job queue manager (singleton)
func GetManager() *Manager {
	managerOnce.Do(func() {
		globalManager = &Manager{
			queue:  NewQueue(env.GetInt("JOB_QUEUE_WORKERS", defaultWorkerCount)),
			stopCh: make(chan struct{}),
		}
	})
	return globalManager
}

// GetQueue returns the managed job queue
func (m *Manager) GetQueue() *Queue {
	return m.queue
}

// Configure wires the services the job processors need
func (m *Manager) Configure(deps Dependencies) {
	m.queue.SetDependencies(deps)
}

// EnqueueMembershipRetry schedules another attempt to apply membership for a paid order
func (m *Manager) EnqueueMembershipRetry(orderID string) error {
	_, err := m.queue.EnqueueJob(JobTypeApplyMembership, ApplyMembershipJobPayload{OrderID: orderID}.ToMap())
	return err
}

// EnqueueCallbackArchive schedules the upload of a stored callback event
func (m *Manager) EnqueueCallbackArchive(eventID uint) error {
	_, err := m.queue.EnqueueJob(JobTypeArchiveCallback, ArchiveCallbackJobPayload{EventID: eventID}.ToMap())
	return err
}

// Start starts the job queue and background tasks
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}

	// Recreate stop channel for each start cycle so manager can be restarted safely.
	m.stopCh = make(chan struct{})
	m.running = true
	log.Info("[JobQueue Manager] Starting job queue and background tasks")

	m.queue.Start()

	interval := time.Duration(env.GetInt("MEMBERSHIP_RECONCILE_INTERVAL_MINUTES", 0)) * time.Minute
	if interval <= 0 {
		interval = defaultReconcileInterval
	}
	m.reconcileTicker = time.NewTicker(interval)
	m.wg.Add(1)
	go m.reconcileWorker(m.stopCh, m.reconcileTicker, interval)

	log.Info("[JobQueue Manager] Started successfully")
}

// Stop stops the job queue and background tasks
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}

	log.Info("[JobQueue Manager] Stopping job queue and background tasks...")

	if m.reconcileTicker != nil {
		m.reconcileTicker.Stop()
	}

	close(m.stopCh)
	m.stopCh = nil
	m.running = false

	m.wg.Wait()

	m.queue.Stop()

	log.Info("[JobQueue Manager] Stopped successfully")
}

// reconcileWorker applies membership for paid orders that never got it
func (m *Manager) reconcileWorker(stopCh <-chan struct{}, ticker *time.Ticker, interval time.Duration) {
	defer m.wg.Done()
	log.Infof("[JobQueue Manager] Started membership reconcile worker (interval: %s)", interval)

	for {
		select {
		case <-stopCh:
			log.Info("[JobQueue Manager] Membership reconcile worker stopping")
			return
		case <-ticker.C:
			if err := m.ReconcileOnce(context.Background()); err != nil {
				log.Errorf("[JobQueue Manager] Membership reconcile error: %v", err)
			}
		}
	}
}

// ReconcileOnce runs a single membership reconcile pass
func (m *Manager) ReconcileOnce(ctx context.Context) error {
	deps := m.queue.dependencies()
	if deps.Membership == nil {
		return nil
	}
	n, err := deps.Membership.ReconcilePaid(ctx, reconcileGracePeriod, reconcileBatchSize)
	if n > 0 {
		log.Infof("[JobQueue Manager] Reconciled membership for %d paid orders", n)
	}
	return err
}

// IsRunning returns whether the manager is currently running
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}
