package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/ManuelReschke/PayFox/app/controllers"
	"github.com/ManuelReschke/PayFox/app/repository"
	"github.com/ManuelReschke/PayFox/internal/pkg/archive"
	"github.com/ManuelReschke/PayFox/internal/pkg/billing"
	"github.com/ManuelReschke/PayFox/internal/pkg/broadcast"
	"github.com/ManuelReschke/PayFox/internal/pkg/cache"
	"github.com/ManuelReschke/PayFox/internal/pkg/database"
	"github.com/ManuelReschke/PayFox/internal/pkg/entitlements"
	"github.com/ManuelReschke/PayFox/internal/pkg/env"
	"github.com/ManuelReschke/PayFox/internal/pkg/idempotency"
	"github.com/ManuelReschke/PayFox/internal/pkg/jobqueue"
	"github.com/ManuelReschke/PayFox/internal/pkg/lock"
	"github.com/ManuelReschke/PayFox/internal/pkg/mail"
	"github.com/ManuelReschke/PayFox/internal/pkg/middleware"
	"github.com/ManuelReschke/PayFox/internal/pkg/revenue"
	"github.com/ManuelReschke/PayFox/internal/pkg/router"
	"github.com/ManuelReschke/PayFox/internal/pkg/settlement"
)

func main() {
	app, manager := NewApplication()
	manager.Start()

	go func() {
		addr := fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000"))
		if err := app.Listen(addr); err != nil {
			log.Fatal(err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down")
	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		log.Errorf("HTTP shutdown: %v", err)
	}
	manager.Stop()
}

func NewApplication() (*fiber.App, *jobqueue.Manager) {
	env.SetupEnvFile()
	database.SetupDatabase()
	cache.SetupCache()

	db := database.GetDB()
	redisClient := cache.GetClient()
	repository.InitializeFactory(db)
	repos := repository.GetGlobalRepositories()

	locker := lock.NewRedisLocker(redisClient)
	guard := idempotency.NewGuard(idempotency.NewRedisStore(redisClient),
		idempotency.WithWindow(env.GetDuration("IDEMPOTENCY_WINDOW", idempotency.DefaultWindow)))

	catalog, err := entitlements.LoadCatalog(env.GetEnv("PLAN_CATALOG", ""))
	if err != nil {
		panic(err)
	}
	billingSvc := billing.NewServiceFromDB(db, locker, catalog)

	reconciler := newReconciler(catalog)
	settlementCfg, err := settlement.LoadConfig()
	if err != nil {
		panic(err)
	}
	engine, err := settlement.NewEngine(settlementCfg, reconciler, repos.Expense, repos.Adjustment)
	if err != nil {
		panic(err)
	}
	settlements := settlement.NewManager(engine, repos.Settlement, guard, locker, newArchiver())

	manager := jobqueue.GetManager()
	queue := manager.GetQueue()
	jobqueue.RegisterBillingProcessors(queue, billingSvc)

	runner := broadcast.NewRunner(repos.Broadcast, mail.NewSMTPSender(mail.LoadSMTPConfig()), guard, locker, broadcast.LoadOptions())
	runner.SetDispatcher(jobqueue.BroadcastDispatcher(queue))
	jobqueue.RegisterBroadcastProcessor(queue, runner)

	controllers.InitializeWebhookController(controllers.NewWebhookController(billingSvc, queue, func(p jobqueue.WebhookEventJobPayload) {
		jobqueue.DispatchInline(billingSvc, p)
	}))
	controllers.InitializeAdminController(controllers.AdminDeps{
		Revenue:     reconciler,
		Settlements: settlements,
		Broadcasts:  runner,
		Tenants:     billingSvc,
		Queue:       queue,
	})

	app := fiber.New(fiber.Config{
		BodyLimit: 1024 * 1024, // processor payloads stay well below 1 MiB
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	adminKeys := middleware.LoadAdminKeys()
	if len(adminKeys) == 0 {
		log.Warn("No admin API keys configured, the admin API rejects every request")
	}
	router.InstallRouter(app, router.Config{
		AdminKeys:      adminKeys,
		LimiterStorage: cache.NewFiberStorage(cache.LimiterDatabase),
	})

	return app, manager
}

func newReconciler(catalog *entitlements.Catalog) *revenue.Reconciler {
	cfg, err := revenue.LoadConfig()
	if err != nil {
		panic(err)
	}
	loc, err := cfg.Location()
	if err != nil {
		panic(err)
	}

	// PRICE_ALIASES maps processor price ids to catalog plan ids as JSON.
	aliases := map[string]string{}
	if raw := env.GetEnv("PRICE_ALIASES", ""); raw != "" {
		if err := json.Unmarshal([]byte(raw), &aliases); err != nil {
			panic(fmt.Errorf("parse PRICE_ALIASES: %w", err))
		}
	}

	source := revenue.NewStripeSource(cfg.StripeSecretKey, revenue.FeeMode(cfg.FeeMode) == revenue.FeeModeActual)
	fetcher := revenue.NewFetcher(source,
		revenue.WithPageSize(cfg.PageSize),
		revenue.WithMaxAttempts(cfg.MaxAttempts),
	)
	return revenue.NewReconciler(fetcher, revenue.NewClassifier(cfg.Rules(catalog, aliases)), loc)
}

// newArchiver returns nil when the S3 archive is disabled or misconfigured;
// settlements are then kept in the database only.
func newArchiver() settlement.Archiver {
	cfg, err := archive.LoadConfig()
	if err != nil {
		log.Errorf("Settlement archive disabled: %v", err)
		return nil
	}
	client, err := archive.NewClient(context.Background(), cfg)
	if err != nil {
		if !errors.Is(err, archive.ErrDisabled) {
			log.Errorf("Settlement archive disabled: %v", err)
		}
		return nil
	}
	return client
}
