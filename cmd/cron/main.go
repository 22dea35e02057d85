package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ManuelReschke/PopGraph/app/repository"
	"github.com/ManuelReschke/PopGraph/internal/pkg/billing"
	"github.com/ManuelReschke/PopGraph/internal/pkg/cache"
	"github.com/ManuelReschke/PopGraph/internal/pkg/database"
	"github.com/ManuelReschke/PopGraph/internal/pkg/env"
	"github.com/ManuelReschke/PopGraph/internal/pkg/locker"
)

const (
	sweepBatch     = 500
	reconcileBatch = 100
	reconcileGrace = time.Minute
)

func main() {
	env.SetupEnvFile()
	database.SetupDatabase()
	cache.SetupCache()
	repository.InitializeFactory(database.GetDB())

	repos := repository.GetGlobalRepositories()
	locks := locker.NewRedisLocker(cache.GetClient())
	members := billing.NewMembershipService(repos.User, repos.Order, locks)

	// Seconds-resolution scheduler
	cronScheduler := cron.New(cron.WithSeconds())

	sweepSpec := env.GetEnv("EXPIRY_SWEEP_SPEC", "0 0 * * * *")
	_, err := cronScheduler.AddFunc(sweepSpec, leaderOnly(locks, "cron:membership_sweep", 10*time.Minute, func(ctx context.Context) {
		log.Println("[CRON] Starting lapsed membership sweep...")
		n, err := members.DowngradeLapsed(ctx, sweepBatch)
		if err != nil {
			log.Printf("[CRON] Error downgrading lapsed memberships: %v", err)
			return
		}
		log.Printf("[CRON] Downgraded %d lapsed memberships", n)
	}))
	if err != nil {
		log.Fatalf("Failed to add membership sweep job: %v", err)
	}

	reconcileSpec := env.GetEnv("RECONCILE_SPEC", "0 */5 * * * *")
	_, err = cronScheduler.AddFunc(reconcileSpec, leaderOnly(locks, "cron:membership_reconcile", 5*time.Minute, func(ctx context.Context) {
		n, err := members.ReconcilePaid(ctx, reconcileGrace, reconcileBatch)
		if err != nil {
			log.Printf("[CRON] Error reconciling paid orders: %v", err)
			return
		}
		if n > 0 {
			log.Printf("[CRON] Applied membership for %d missed paid orders", n)
		}
	}))
	if err != nil {
		log.Fatalf("Failed to add reconcile job: %v", err)
	}

	cronScheduler.Start()
	log.Println("Cron jobs started")
	log.Printf("  - Membership sweep:   %s", sweepSpec)
	log.Printf("  - Paid order repair:  %s", reconcileSpec)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down gracefully...")
	ctx := cronScheduler.Stop()
	select {
	case <-ctx.Done():
		log.Println("All running jobs finished")
	case <-time.After(30 * time.Second):
		log.Println("Timed out waiting for running jobs")
	}
	if err := cache.Close(); err != nil {
		log.Printf("[CRON] Closing cache failed: %v", err)
	}
}

// leaderOnly runs job only in the replica that wins the named lock, so
// several cron processes can be deployed safely.
func leaderOnly(locks locker.Locker, key string, ttl time.Duration, job func(ctx context.Context)) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), ttl)
		defer cancel()

		unlock, err := locks.Lock(ctx, key, ttl)
		if err != nil {
			log.Printf("[CRON] Skipping %s, another instance holds the lock", key)
			return
		}
		defer unlock()
		job(ctx)
	}
}
