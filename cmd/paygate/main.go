package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gofiber/contrib/swagger"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	fiberredis "github.com/gofiber/storage/redis"
	"github.com/redis/go-redis/v9"
	"github.com/twmb/franz-go/plugin/kprom"

	"github.com/ManuelReschke/PayGate/app/controllers"
	"github.com/ManuelReschke/PayGate/app/repository"
	"github.com/ManuelReschke/PayGate/internal/pkg/accesslog"
	"github.com/ManuelReschke/PayGate/internal/pkg/archive"
	"github.com/ManuelReschke/PayGate/internal/pkg/cache"
	"github.com/ManuelReschke/PayGate/internal/pkg/config"
	"github.com/ManuelReschke/PayGate/internal/pkg/database"
	"github.com/ManuelReschke/PayGate/internal/pkg/env"
	"github.com/ManuelReschke/PayGate/internal/pkg/events"
	"github.com/ManuelReschke/PayGate/internal/pkg/gateway"
	"github.com/ManuelReschke/PayGate/internal/pkg/health"
	"github.com/ManuelReschke/PayGate/internal/pkg/jobqueue"
	"github.com/ManuelReschke/PayGate/internal/pkg/limits"
	"github.com/ManuelReschke/PayGate/internal/pkg/payment"
	"github.com/ManuelReschke/PayGate/internal/pkg/ratelimit"
	"github.com/ManuelReschke/PayGate/internal/pkg/router"
	"github.com/ManuelReschke/PayGate/internal/pkg/signature"
	"github.com/ManuelReschke/PayGate/internal/pkg/txstate"
	"github.com/ManuelReschke/PayGate/internal/pkg/webhook"
)

const shutdownTimeout = 15 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := env.SetupEnvFile(); err != nil {
		log.Infof("[Main] %v, using process environment", err)
	}
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[Main] Invalid configuration: %v", err)
	}

	app, closeAll, err := NewApplication(ctx, cfg)
	if err != nil {
		log.Fatalf("[Main] Startup failed: %v", err)
	}

	go func() {
		<-ctx.Done()
		log.Info("[Main] Shutting down...")
		if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
			log.Errorf("[Main] HTTP shutdown: %v", err)
		}
	}()

	if err := app.Listen(fmt.Sprintf("%s:%s", cfg.App.Host, cfg.App.Port)); err != nil {
		log.Errorf("[Main] Listen: %v", err)
	}
	closeAll()
}

// NewApplication wires every component and returns the app plus a function
// that releases background workers and connections in order.
func NewApplication(ctx context.Context, cfg config.Config) (*fiber.App, func(), error) {
	db, err := database.Connect(ctx, cfg.Database, env.IsDev())
	if err != nil {
		return nil, nil, err
	}
	repos := repository.NewRepositories(db)

	// Redis is optional. Without it rate limits are counted from the access
	// log and the background reconciliation queue is disabled.
	rdb, err := cache.Connect(ctx, cfg.Cache)
	if err != nil {
		log.Warnf("[Main] Running without Redis: %v", err)
	}

	table, err := limits.Load(cfg.App.PaymentLimitFile)
	if err != nil {
		return nil, nil, err
	}
	statuses := txstate.MustDefaultStatusMap()

	var (
		publisher events.Publisher = events.LogPublisher{}
		metrics   *kprom.Metrics
	)
	if cfg.Kafka.Enabled() {
		metrics = kprom.NewMetrics("paygate")
		kp, err := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.StatusTopic, metrics)
		if err != nil {
			return nil, nil, err
		}
		publisher = kp
	}

	gw := gateway.NewClient(cfg.Gateway, gateway.NewRepositoryRecorder(repos.GatewayCallLog))
	payments := payment.NewService(repos.Transaction, repos.Account, gw, table, statuses, publisher)

	var dedupe webhook.DedupeCache
	if rdb != nil {
		dedupe = webhook.NewRedisDedupe(rdb, 0)
	}
	processor := webhook.NewProcessor(cfg.Webhook, repos.WebhookEvent, repos.Transaction, statuses, publisher, dedupe)

	var counter ratelimit.Counter = ratelimit.NewAccessLogCounter(repos.AccessLog)
	if rdb != nil {
		counter = ratelimit.NewRedisCounter(rdb)
	}
	limiter := ratelimit.NewLimiter(cfg.RateLimit, counter)

	audit, err := accesslog.NewAuditLogger(cfg.App.AuditLogPath, "paygate")
	if err != nil {
		return nil, nil, err
	}
	accessLogger := accesslog.New(repos.AccessLog, audit, cfg.App.AccessLogQueue)

	var archiver health.Archiver
	if cfg.Archive.Enabled {
		s3a, err := archive.NewS3Archiver(ctx, cfg.Archive)
		if err != nil {
			return nil, nil, err
		}
		archiver = s3a
	}
	monitor := health.NewMonitor(cfg.Health, repos, archiver)

	reconciler := jobqueue.NewReconciler(repos, processor, payments, jobqueue.ReconcileSettings{
		PollAfter:  cfg.Jobs.PollAfter,
		StuckAfter: cfg.Health.StuckPendingAfter,
		BatchSize:  cfg.Jobs.BatchSize,
	})

	var (
		manager    *jobqueue.Manager
		queueStats controllers.QueueStats
		storage    fiber.Storage
	)
	if rdb != nil {
		manager = jobqueue.NewManager(jobqueue.NewQueue(rdb, cfg.Jobs.Workers), reconciler, monitor, cfg.Jobs, cfg.Health.RetentionDays)
		manager.Start()
		queueStats = manager.GetQueue()
		storage = newLimiterStorage(cfg.Cache)
	} else {
		log.Warn("[Main] Background reconciliation disabled, use POST /api/v1/ops/reconcile")
	}

	app := fiber.New(fiber.Config{
		AppName:      "PayGate",
		ErrorHandler: controllers.ErrorHandler,
		ProxyHeader:  cfg.App.ProxyHeader,
		BodyLimit:    1 << 20,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	})

	app.Use(recover.New(), requestid.New(), accesslog.Middleware(accessLogger))

	// SWAGGER / OPENAPI
	app.Use(swagger.New(swagger.Config{
		BasePath: "/docs/api/",
		FilePath: "public/docs/v1/openapi.yml",
		Path:     "v1",
	}))

	var promHandler fiber.Handler
	if metrics != nil {
		promHandler = adaptor.HTTPHandler(metrics.Handler())
	}

	router.InstallRouter(app,
		router.NewOpsRouter(controllers.NewOpsController(monitor, reconciler, queueStats, cfg.Health.RetentionDays), cfg.App.OpsToken, promHandler),
		router.NewWebhookRouter(controllers.NewWebhookController(processor), storage, cfg.App.WebhookFloodMax),
		router.NewApiRouter(controllers.NewPaymentController(payments), repos.APIClient, limiter, signature.NewCodec(cfg.Webhook.SignatureTolerance)),
	)

	closeAll := func() {
		if manager != nil {
			manager.Stop()
		}
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := accessLogger.Close(flushCtx); err != nil {
			log.Errorf("[Main] Access log flush: %v", err)
		}
		_ = audit.Sync()
		publisher.Close()
		if rdb != nil {
			closeRedis(rdb)
		}
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
		log.Info("[Main] Shutdown complete")
	}

	return app, closeAll, nil
}

// newLimiterStorage backs the webhook flood guard so that every instance
// shares one counter.
func newLimiterStorage(cfg config.Cache) fiber.Storage {
	port, err := strconv.Atoi(cfg.Port)
	if err != nil {
		port = 6379
	}
	return fiberredis.New(fiberredis.Config{
		Host:     cfg.Host,
		Port:     port,
		Password: cfg.Password,
		Database: cfg.DB,
		Reset:    false,
	})
}

func closeRedis(client *redis.Client) {
	if err := client.Close(); err != nil {
		log.Warnf("[Main] Redis close: %v", err)
	}
}
