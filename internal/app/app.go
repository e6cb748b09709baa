package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/simdesk/server/internal/module/employee"
	"github.com/simdesk/server/internal/module/esim"
	"github.com/simdesk/server/internal/module/plan"
	"github.com/simdesk/server/internal/module/provider"
	"github.com/simdesk/server/internal/module/renewal"
	"github.com/simdesk/server/internal/module/wallet"
	"github.com/simdesk/server/internal/shared/cache"
	"github.com/simdesk/server/internal/shared/clock"
	"github.com/simdesk/server/internal/shared/config"
	"github.com/simdesk/server/internal/shared/database"
	"github.com/simdesk/server/internal/shared/events"
	"github.com/simdesk/server/internal/shared/httpclient"
	"github.com/simdesk/server/internal/shared/logger"
	"github.com/simdesk/server/internal/shared/metrics"
	"github.com/simdesk/server/internal/shared/middleware"
	"github.com/simdesk/server/internal/shared/task"
	"github.com/stripe/stripe-go/v76"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	metricsNamespace  = "simdesk"
	providerUserAgent = "simdesk-server"
)

// App represents the application.
type App struct {
	config   *config.Config
	db       *gorm.DB
	redis    redis.UniversalClient
	router   *gin.Engine
	logger   *zap.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics

	eventBus  *events.Bus
	scheduler *task.Scheduler

	esimService    *esim.Service
	esimHandler    *esim.Handler
	esimWebhook    *esim.WebhookHandler
	walletWebhook  *wallet.WebhookHandler
	renewalService *renewal.Service
}

// New creates a new application instance.
func New(cfg *config.Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	zapLog, err := logger.New(&logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	app := &App{
		config:   cfg,
		logger:   zapLog,
		registry: registry,
		metrics:  metrics.New(metricsNamespace, registry),
	}

	db, err := database.New(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("init database: %w", err)
	}
	app.db = db

	if cfg.Database.AutoMigrate {
		if err := database.Migrate(db,
			&employee.Company{},
			&employee.Employee{},
			&plan.Plan{},
			&esim.PurchasedEsim{},
			&wallet.Wallet{},
			&wallet.Transaction{},
		); err != nil {
			return nil, fmt.Errorf("migrate database: %w", err)
		}
	}

	// Redis is optional: without it events stay in-process, jobs run on
	// every replica and admin idempotency keys are ignored.
	if cfg.Redis.Address != "" {
		redisClient, err := cache.NewRedisClient(&cfg.Redis)
		if err != nil {
			zapLog.Warn("redis connection failed, continuing without it", zap.Error(err))
		} else {
			app.redis = redisClient
		}
	}

	stripe.Key = cfg.Stripe.SecretKey

	if err := app.initModules(); err != nil {
		return nil, fmt.Errorf("init modules: %w", err)
	}

	app.router = app.setupRouter()
	app.registerRoutes()

	return app, nil
}

// initModules wires repositories, services and handlers.
func (a *App) initModules() error {
	cfg := a.config
	clk := clock.System{}

	a.eventBus = events.NewBus(a.logger)
	a.registerEventHandlers()

	fallback, err := decimal.NewFromString(cfg.Esim.FallbackRefundAmount)
	if err != nil {
		return fmt.Errorf("parse esim.fallback_refund_amount %q: %w", cfg.Esim.FallbackRefundAmount, err)
	}

	providerClient := provider.NewClient(&provider.Config{
		BaseURL:          cfg.Provider.BaseURL,
		AccessCode:       cfg.Provider.AccessCode,
		RequestTimeout:   cfg.Provider.RequestTimeout,
		MaxRetries:       cfg.Provider.MaxRetries,
		RetryBackoff:     cfg.Provider.RetryBackoff,
		PollInterval:     cfg.Provider.PollInterval,
		MaxPollAttempts:  cfg.Provider.MaxPollAttempts,
		FailureThreshold: cfg.Provider.FailureThreshold,
		CircuitTimeout:   cfg.Provider.CircuitTimeout,
	}, httpclient.New(cfg.HTTPClient, providerUserAgent), a.metrics, a.logger)

	esimRepo := esim.NewRepository(a.db)
	employeeRepo := employee.NewRepository(a.db)
	planRepo := plan.NewRepository(a.db)
	walletService := wallet.NewService(wallet.NewRepository(a.db), a.logger)

	a.renewalService = renewal.NewService(
		esimRepo,
		esim.NewStateMachine(clk, a.metrics, a.logger),
		providerClient,
		employeeRepo,
		planRepo,
		walletService,
		a.eventBus,
		clk,
		a.logger,
	)

	esimCfg := esim.DefaultConfig()
	esimCfg.PendingStuckAfter = cfg.Esim.PendingStuckAfter
	esimCfg.ActivationStuckAfter = cfg.Esim.ActivationStuckAfter
	esimCfg.StaleSiblingAge = cfg.Esim.StaleSiblingAge
	esimCfg.ProviderCancelDelay = cfg.Esim.ProviderCancelDelay
	esimCfg.FallbackRefundAmount = fallback

	a.esimService = esim.NewService(esimCfg, esim.Deps{
		Repo:      esimRepo,
		Provider:  providerClient,
		Employees: employeeRepo,
		Plans:     planRepo,
		Wallet:    walletService,
		Renewer:   a.renewalService,
		Publisher: a.eventBus,
		Clock:     clk,
		Metrics:   a.metrics,
		Logger:    a.logger,
	})

	a.esimHandler = esim.NewHandler(a.esimService)
	a.esimWebhook = esim.NewWebhookHandler(a.esimService, cfg.Webhook.Token, a.logger)
	a.walletWebhook = wallet.NewWebhookHandler(walletService, cfg.Stripe.WebhookSecret, a.logger)

	a.initScheduler()
	return nil
}

// registerEventHandlers registers all domain event handlers.
func (a *App) registerEventHandlers() {
	log := a.logger.Named("events")
	a.eventBus.Register(events.NewHandlerFunc(
		[]string{events.EsimStatusChangeType},
		func(_ context.Context, event events.Event) error {
			if ev, ok := event.(*events.EsimStatusChangedEvent); ok {
				log.Info("esim status changed",
					zap.String("esim_id", ev.AggregateID()),
					zap.String("order_id", ev.OrderID),
					zap.String("old_status", ev.OldStatus),
					zap.String("new_status", ev.NewStatus),
				)
			}
			return nil
		},
	))

	if a.redis != nil {
		a.eventBus.Register(events.NewRedisForwarder(a.redis, a.config.Esim.EventChannel, events.EsimStatusChangeType))
	}
}

// initScheduler registers the periodic reconciliation sweeps.
func (a *App) initScheduler() {
	var locker task.Locker
	if a.redis != nil {
		locker = cache.NewLocker(a.redis, cache.LockKeyPrefix)
	}
	a.scheduler = task.NewScheduler(locker, a.metrics, a.logger)

	sc := a.config.Scheduler
	a.scheduler.Register(task.Job{
		Name:     "fix_stuck",
		Interval: sc.FixStuckInterval,
		Run: func(ctx context.Context) error {
			_, err := a.esimService.FixStuckEsims(ctx)
			return err
		},
	})
	a.scheduler.Register(task.Job{
		Name:     "depletion",
		Interval: sc.DepletionInterval,
		Run: func(ctx context.Context) error {
			_, err := a.esimService.CheckAllActiveEsims(ctx)
			return err
		},
	})
	a.scheduler.Register(task.Job{
		Name:     "force_sync",
		Interval: sc.SyncInterval,
		Run: func(ctx context.Context) error {
			_, err := a.esimService.ForceSync(ctx)
			return err
		},
	})
	a.scheduler.Register(task.Job{
		Name:     "retry_refunds",
		Interval: sc.RetryRefundsInterval,
		Run: func(ctx context.Context) error {
			_, err := a.esimService.RetryPendingRefunds(ctx)
			return err
		},
	})
}

// setupRouter creates and configures the Gin router.
func (a *App) setupRouter() *gin.Engine {
	if a.config.Log.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()

	r.Use(middleware.Recovery(a.logger))
	r.Use(middleware.RequestID())
	r.Use(middleware.Logging(a.logger))
	r.Use(middleware.Metrics(a.metrics))
	r.Use(middleware.CORS(a.config.CORS.AllowOrigins))

	r.GET("/health", a.health)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{})))

	return r
}

func (a *App) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := gin.H{"status": "ok", "database": "ok"}
	code := http.StatusOK

	if sqlDB, err := a.db.DB(); err != nil || sqlDB.PingContext(ctx) != nil {
		status["status"] = "degraded"
		status["database"] = "unreachable"
		code = http.StatusServiceUnavailable
	}
	if a.redis != nil {
		status["redis"] = "ok"
		if err := a.redis.Ping(ctx).Err(); err != nil {
			status["redis"] = "unreachable"
		}
	}
	c.JSON(code, status)
}

// registerRoutes registers all module routes.
func (a *App) registerRoutes() {
	webhookRouter := a.router.Group("/webhooks")
	a.esimWebhook.RegisterRoutes(webhookRouter)
	a.walletWebhook.RegisterRoutes(webhookRouter)

	adminRouter := a.router.Group("/api/v1/admin")
	adminRouter.Use(middleware.AdminAuth(a.config.Admin.JWTSecret, a.config.Admin.Issuer))
	adminRouter.Use(middleware.Idempotency(a.redis, 0, a.logger))
	a.esimHandler.RegisterAdminRoutes(adminRouter)
}

// Router returns the HTTP router.
func (a *App) Router() *gin.Engine {
	return a.router
}

// Start launches background jobs when the scheduler is enabled.
func (a *App) Start(ctx context.Context) {
	if !a.config.Scheduler.Enabled {
		a.logger.Info("scheduler disabled")
		return
	}
	a.scheduler.Start(ctx)
}

// Stop stops the application and releases resources.
func (a *App) Stop() {
	if a.scheduler != nil {
		a.scheduler.Stop()
	}

	if a.redis != nil {
		_ = cache.Close(a.redis)
	}

	if a.db != nil {
		_ = database.Close(a.db)
	}

	if a.logger != nil {
		_ = a.logger.Sync()
	}
}
