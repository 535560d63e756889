package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	arbookapp "github.com/erp/arbook/internal/application/arbook"
	appverification "github.com/erp/arbook/internal/application/verification"
	"github.com/erp/arbook/internal/domain/access"
	"github.com/erp/arbook/internal/domain/ledger"
	"github.com/erp/arbook/internal/infrastructure/auth"
	"github.com/erp/arbook/internal/infrastructure/backend"
	"github.com/erp/arbook/internal/infrastructure/cache"
	"github.com/erp/arbook/internal/infrastructure/config"
	"github.com/erp/arbook/internal/infrastructure/export"
	"github.com/erp/arbook/internal/infrastructure/logger"
	"github.com/erp/arbook/internal/infrastructure/migration"
	"github.com/erp/arbook/internal/infrastructure/persistence"
	"github.com/erp/arbook/internal/infrastructure/persistence/models"
	"github.com/erp/arbook/internal/infrastructure/telemetry"
	"github.com/erp/arbook/internal/interfaces/http/handler"
	"github.com/erp/arbook/internal/interfaces/http/middleware"
	"github.com/erp/arbook/internal/interfaces/http/router"
	"github.com/erp/arbook/migrations"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/erp/arbook"

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("Failed to load configuration: " + err.Error())
	}

	log, err := logger.New(&logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
	})
	if err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}
	defer func() { _ = log.Sync() }()

	log.Info("Starting AR service",
		zap.String("app", cfg.App.Name),
		zap.String("env", cfg.App.Env),
		zap.String("version", cfg.App.Version),
		zap.String("port", cfg.App.Port),
	)

	ctx := context.Background()

	// Telemetry
	tp, err := telemetry.NewTracerProvider(ctx, telemetry.Config{
		Enabled:           cfg.Telemetry.Enabled,
		CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
		SamplingRatio:     cfg.Telemetry.SamplingRatio,
		ServiceName:       cfg.Telemetry.ServiceName,
		ServiceVersion:    cfg.App.Version,
		Insecure:          cfg.Telemetry.Insecure,
	}, log)
	if err != nil {
		log.Fatal("Failed to initialize tracer provider", zap.Error(err))
	}
	defer shutdown(log, "tracer provider", tp.Shutdown)

	mp, err := telemetry.NewMeterProvider(ctx, telemetry.MetricsConfig{
		Enabled:           cfg.Telemetry.MetricsEnabled,
		CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
		ExportInterval:    cfg.Telemetry.MetricsInterval,
		ServiceName:       cfg.Telemetry.ServiceName,
		ServiceVersion:    cfg.App.Version,
		Insecure:          cfg.Telemetry.Insecure,
	}, log)
	if err != nil {
		log.Fatal("Failed to initialize meter provider", zap.Error(err))
	}
	defer shutdown(log, "meter provider", mp.Shutdown)

	lp, err := telemetry.NewLoggerProvider(ctx, telemetry.LogsConfig{
		Enabled:           cfg.Telemetry.LogsEnabled,
		CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
		ServiceName:       cfg.Telemetry.ServiceName,
		ServiceVersion:    cfg.App.Version,
		Insecure:          cfg.Telemetry.Insecure,
	}, log)
	if err != nil {
		log.Fatal("Failed to initialize logger provider", zap.Error(err))
	}
	defer shutdown(log, "logger provider", lp.Shutdown)

	bridgeLevel, err := logger.ParseLevel(cfg.Telemetry.LogsLevel)
	if err != nil {
		log.Fatal("Invalid telemetry logs level", zap.Error(err))
	}
	log = lp.Bridge(log, bridgeLevel)

	profiler, err := telemetry.NewProfiler(telemetry.ProfilerConfig{
		Enabled:              cfg.Profiler.Enabled,
		ServerAddress:        cfg.Profiler.ServerAddress,
		ApplicationName:      cfg.Profiler.ApplicationName,
		BasicAuthUser:        cfg.Profiler.BasicAuthUser,
		BasicAuthPassword:    cfg.Profiler.BasicAuthPassword,
		ProfileCPU:           cfg.Profiler.ProfileCPU,
		ProfileAlloc:         cfg.Profiler.ProfileAlloc,
		ProfileInuse:         cfg.Profiler.ProfileInuse,
		ProfileGoroutines:    cfg.Profiler.ProfileGoroutines,
		ProfileMutex:         cfg.Profiler.ProfileMutex,
		ProfileBlock:         cfg.Profiler.ProfileBlock,
		MutexProfileFraction: cfg.Profiler.MutexFraction,
		BlockProfileRate:     cfg.Profiler.BlockRate,
	}, log)
	if err != nil {
		log.Fatal("Failed to start profiler", zap.Error(err))
	}
	defer func() {
		if err := profiler.Stop(); err != nil {
			log.Error("Error stopping profiler", zap.Error(err))
		}
	}()
	if cfg.Profiler.Enabled && cfg.Profiler.SpanProfiles {
		tp.EnableSpanProfiles()
	}

	// Database
	gormLog := logger.NewGormLogger(log, logger.MapGormLogLevel(cfg.Log.Level),
		logger.WithSlowThreshold(cfg.Telemetry.DBSlowQueryThresh),
		logger.WithIgnoreRecordNotFoundError(true),
		logger.WithFullSQL(cfg.Telemetry.DBLogFullSQL),
		logger.WithAuditedTables(models.PostedReceiptModel{}.TableName()),
	)
	db, err := persistence.NewDatabase(&cfg.Database, persistence.WithLogger(gormLog))
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error("Error closing database", zap.Error(err))
		}
	}()
	log.Info("Database connected successfully")

	if err := telemetry.RegisterDBTracing(db.DB, telemetry.DBTracingConfig{
		Enabled:         cfg.Telemetry.DBTraceEnabled,
		LogFullSQL:      cfg.Telemetry.DBLogFullSQL,
		SlowQueryThresh: cfg.Telemetry.DBSlowQueryThresh,
		DBName:          cfg.Database.DBName,
	}, log); err != nil {
		log.Fatal("Failed to register database tracing", zap.Error(err))
	}

	if err := runMigrations(db, log); err != nil {
		log.Fatal("Failed to apply migrations", zap.Error(err))
	}

	// Stores
	stores, err := cache.NewStoreFactory(cfg, cache.WithLogger(log)).CreateStores()
	if err != nil {
		log.Fatal("Failed to create stores", zap.Error(err))
	}
	defer func() {
		if err := stores.Close(); err != nil {
			log.Error("Error closing stores", zap.Error(err))
		}
	}()

	// Upstream ERP backend
	client, err := backend.NewClient(cfg.Backend, log)
	if err != nil {
		log.Fatal("Failed to create backend client", zap.Error(err))
	}

	arMetrics, err := telemetry.NewARMetrics(mp.Meter(instrumentationName))
	if err != nil {
		log.Fatal("Failed to create AR metrics", zap.Error(err))
	}

	// Services
	bookService := arbookapp.NewService(client, client,
		ledger.NewAggregator(ledger.WithCurrencyFilterMode(cfg.Ledger.FilterMode())),
		log,
		arbookapp.WithRateCache(stores.Rates),
		arbookapp.WithReportWriters(export.XLSXWriter{}, export.CSVWriter{}),
		arbookapp.WithMetrics(arMetrics),
	)

	postedRepo := persistence.NewGormPostedReceiptRepository(db.DB)
	verificationService := appverification.NewService(client, client, client,
		stores.Sessions, postedRepo, stores.Locker, log,
		appverification.WithPostLockTTL(cfg.Verification.PostLockTTL),
		appverification.WithMetrics(arMetrics),
	)

	jwtService := auth.NewJWTService(cfg.JWT)
	policy := access.NewPolicy(cfg.Access.Rules, access.WithDefaultAllow(cfg.Access.DefaultAllow))
	accessCfg := middleware.AccessConfig{Policy: policy, Logger: log}

	// HTTP engine
	if cfg.App.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	middleware.SetupValidator()

	engine := gin.New()
	if err := engine.SetTrustedProxies(cfg.HTTP.TrustedProxies); err != nil {
		log.Fatal("Invalid trusted proxies", zap.Error(err))
	}

	httpMetrics, err := middleware.HTTPMetrics(mp.Meter(instrumentationName))
	if err != nil {
		log.Fatal("Failed to create HTTP metrics", zap.Error(err))
	}

	corsCfg := middleware.DefaultCORSConfig()
	corsCfg.AllowOrigins = cfg.HTTP.CORSAllowOrigins
	if len(cfg.HTTP.CORSAllowMethods) > 0 {
		corsCfg.AllowMethods = cfg.HTTP.CORSAllowMethods
	}
	if len(cfg.HTTP.CORSAllowHeaders) > 0 {
		corsCfg.AllowHeaders = cfg.HTTP.CORSAllowHeaders
	}

	engine.Use(
		logger.Recovery(log),
		middleware.RequestID(),
		middleware.TracingWithConfig(middleware.TracingConfig{
			ServiceName: cfg.Telemetry.ServiceName,
			Enabled:     cfg.Telemetry.Enabled,
		}),
		logger.GinMiddleware(log),
		middleware.SecureWithConfig(middleware.DefaultSecurityConfig()),
		middleware.CORSWithConfig(corsCfg),
		middleware.BodyLimit(cfg.HTTP.MaxBodySize),
		httpMetrics,
	)
	if cfg.Profiler.Enabled {
		engine.Use(middleware.ProfilingWithConfig(middleware.DefaultProfilingConfig()))
	}

	handler.NewHealthHandler(cfg.App.Name, cfg.App.Version,
		handler.ReadinessCheck{Name: "database", Check: db.Ping},
		handler.ReadinessCheck{Name: "redis", Check: stores.Ping},
	).RegisterRoutes(engine)

	jwtCfg := middleware.DefaultJWTConfig(jwtService)
	jwtCfg.Logger = log
	apiMiddleware := []gin.HandlerFunc{
		middleware.JWTAuthMiddlewareWithConfig(jwtCfg),
		middleware.SpanEnricher(),
	}
	if cfg.HTTP.RateLimitEnabled {
		limiter := middleware.NewRateLimiter(cfg.HTTP.RateLimitRequests, cfg.HTTP.RateLimitWindow)
		defer limiter.Stop()
		apiMiddleware = append(apiMiddleware, middleware.RateLimit(limiter))
	}

	router.NewRouter(engine, router.WithAPIMiddleware(apiMiddleware...)).
		Register(
			router.NewARBookRoutes(handler.NewARBookHandler(bookService),
				middleware.RequireScreen(accessCfg, access.ModuleAR, access.ScreenARBook)),
			router.NewVerificationRoutes(handler.NewVerificationHandler(verificationService, postedRepo),
				middleware.RequireScreen(accessCfg, access.ModuleAR, access.ScreenARVerification)),
			handler.NewAccessHandler(policy),
		).
		Setup()

	srv := &http.Server{
		Addr:           ":" + cfg.App.Port,
		Handler:        engine,
		ReadTimeout:    cfg.HTTP.ReadTimeout,
		WriteTimeout:   cfg.HTTP.WriteTimeout,
		IdleTimeout:    cfg.HTTP.IdleTimeout,
		MaxHeaderBytes: cfg.HTTP.MaxHeaderBytes,
	}

	go func() {
		log.Info("Server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}

	log.Info("Server exited gracefully")
}

// runMigrations applies the embedded migrations before the server takes traffic
func runMigrations(db *persistence.Database, log *zap.Logger) error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return err
	}
	m, err := migration.New(sqlDB, migrations.FS, log)
	if err != nil {
		return err
	}
	// Close would also close sqlDB, which the server keeps using
	return m.Up()
}

func shutdown(log *zap.Logger, name string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := fn(ctx); err != nil {
		log.Error("Error shutting down "+name, zap.Error(err))
	}
}
