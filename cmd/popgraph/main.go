package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/contrib/swagger"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/ManuelReschke/PopGraph/app/controllers"
	"github.com/ManuelReschke/PopGraph/app/repository"
	apiv1 "github.com/ManuelReschke/PopGraph/internal/api/v1"
	"github.com/ManuelReschke/PopGraph/internal/pkg/archive"
	"github.com/ManuelReschke/PopGraph/internal/pkg/billing"
	"github.com/ManuelReschke/PopGraph/internal/pkg/cache"
	"github.com/ManuelReschke/PopGraph/internal/pkg/database"
	"github.com/ManuelReschke/PopGraph/internal/pkg/env"
	"github.com/ManuelReschke/PopGraph/internal/pkg/gateway"
	"github.com/ManuelReschke/PopGraph/internal/pkg/jobqueue"
	"github.com/ManuelReschke/PopGraph/internal/pkg/locker"
	"github.com/ManuelReschke/PopGraph/internal/pkg/metrics/counter"
	"github.com/ManuelReschke/PopGraph/internal/pkg/router"
)

func main() {
	app, shutdown := NewApplication()

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		log.Println("Shutting down...")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Printf("Shutdown error: %v", err)
		}
	}()

	err := app.Listen(fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000")))
	shutdown()
	if err != nil {
		log.Fatal(err)
	}
}

// NewApplication wires storage, services and routes. The returned func
// stops background workers.
func NewApplication() (*fiber.App, func()) {
	env.SetupEnvFile()

	if _, err := apiv1.GetSwagger(); err != nil {
		panic(err)
	}

	var (
		locks     locker.Locker
		opts      = []billing.Option{billing.WithExpiryWindow(billing.ExpiryWindowFromEnv())}
		manager   *jobqueue.Manager
		archiveQ  controllers.CallbackArchiveQueue
		withQueue bool
		counters  *counter.PaymentCounters
	)

	switch strings.ToLower(env.GetEnv("ORDER_STORE", "mysql")) {
	case "memory":
		log.Println("[Store] Using in-memory order store, data is lost on restart")
		repository.InitializeMemoryFactory()
		locks = locker.NewLocalLocker()
	default:
		database.SetupDatabase()
		cache.SetupCache()
		repository.InitializeFactory(database.GetDB())
		locks = locker.NewRedisLocker(cache.GetClient())
		counters = counter.NewPaymentCounters(cache.GetClient())
		opts = append(opts,
			billing.WithQueryThrottle(cache.NewThrottle(cache.GetClient()), 10*time.Second),
			billing.WithOutcomeRecorder(counters),
		)
		withQueue = true
	}

	repos := repository.GetGlobalRepositories()
	members := billing.NewMembershipService(repos.User, repos.Order, locks)

	if withQueue {
		manager = jobqueue.GetManager()
		opts = append(opts, billing.WithMembershipRetrier(manager))
		archiveQ = manager
	}
	svc := billing.NewService(repos, gateway.NewRegistryFromEnv(), members, opts...)

	if manager != nil {
		deps := jobqueue.Dependencies{Membership: members, Events: repos.CallbackEvent}
		if cfg, err := archive.LoadConfig(); err != nil {
			log.Printf("[Archive] Disabled: %v", err)
		} else if cfg.IsEnabled() {
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			client, err := archive.NewClient(ctx, cfg)
			cancel()
			if err != nil {
				log.Printf("[Archive] Disabled, bucket not reachable: %v", err)
			} else {
				deps.Archive = client
				deps.ArchiveConfig = cfg
			}
		}
		manager.Configure(deps)
		manager.Start()
	}

	controllers.InitializePaymentController(svc, archiveQ)

	app := fiber.New(fiber.Config{
		BodyLimit: 1 << 20,
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	// fiber metrics
	metricsAuth := basicauth.New(basicauth.Config{
		Users: map[string]string{
			env.GetEnv("METRICS_USER", "admin"): env.GetEnv("METRICS_PASSWORD", "change-me"),
		},
	})
	app.Get("/metrics", metricsAuth, monitor.New())
	app.Get("/metrics/payments", metricsAuth, func(c *fiber.Ctx) error {
		if counters == nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "unavailable", "message": "Payment counters need Redis"})
		}
		snap, err := counters.Snapshot(c.Context())
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": err.Error()})
		}
		return c.JSON(snap)
	})

	// SWAGGER / OPENAPI
	openAPICfg := swagger.Config{
		BasePath:    "/docs/api/",
		FileContent: apiv1.OpenAPIDocument(),
		Path:        "v1",
		Title:       "PopGraph API",
	}
	app.Use(swagger.New(openAPICfg))

	// ROUTER
	router.InstallRouter(app)

	return app, func() {
		if manager != nil {
			manager.Stop()
		}
		if withQueue {
			if err := cache.Close(); err != nil {
				log.Printf("[Cache] Close failed: %v", err)
			}
		}
	}
}
