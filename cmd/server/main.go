package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/exportkit-io/exportkit/internal/admission"
	"github.com/exportkit-io/exportkit/internal/api"
	"github.com/exportkit-io/exportkit/internal/auth"
	"github.com/exportkit-io/exportkit/internal/authgate"
	"github.com/exportkit-io/exportkit/internal/broker"
	"github.com/exportkit-io/exportkit/internal/db"
	grpcserver "github.com/exportkit-io/exportkit/internal/grpc"
	"github.com/exportkit-io/exportkit/internal/health"
	"github.com/exportkit-io/exportkit/internal/jobstate"
	"github.com/exportkit-io/exportkit/internal/notification"
	"github.com/exportkit-io/exportkit/internal/objectstore"
	"github.com/exportkit-io/exportkit/internal/ratelimit"
	"github.com/exportkit-io/exportkit/internal/repositories"
	"github.com/exportkit-io/exportkit/internal/retention"
	"github.com/exportkit-io/exportkit/internal/scheduleengine"
	"github.com/exportkit-io/exportkit/internal/webhook"
	"github.com/exportkit-io/exportkit/internal/worker"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// reconcileInterval is how often the admission reconciliation sweep looks
// for QUEUED jobs whose broker enqueue never progressed.
const reconcileInterval = 1 * time.Minute

// reconcileGrace is how long a QUEUED job may sit before the sweep marks it
// FAILED with ADMISSION_TIMEOUT.
const reconcileGrace = 10 * time.Minute

type config struct {
	httpAddr       string
	grpcAddr       string
	dbDriver       string
	dbDSN          string
	secretKey      string
	logLevel       string
	dataDir        string
	secureCookies  bool
	redisAddr      string
	redisPassword  string
	redisDB        int
	s3Bucket       string
	s3Region       string
	s3Endpoint     string
	s3AccessKey    string
	s3SecretKey    string
	s3PathStyle    bool
	exportWorkers  int
	webhookWorkers int
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "exportkit-server",
		Short: "exportkit server — multi-tenant asynchronous data-export service",
		Long: `exportkit server accepts export job requests over a credential-gated
REST API, admits them onto a priority queue, and drives them through a
pool of workers that stream tenant data to object storage, deliver
webhooks, and send completion email — all behind a single binary.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.httpAddr, "http-addr", envOrDefault("EXPORTKIT_HTTP_ADDR", ":8080"), "HTTP API listen address")
	root.PersistentFlags().StringVar(&cfg.grpcAddr, "grpc-addr", envOrDefault("EXPORTKIT_GRPC_ADDR", ":9090"), "gRPC health service listen address")
	root.PersistentFlags().StringVar(&cfg.dbDriver, "db-driver", envOrDefault("EXPORTKIT_DB_DRIVER", "sqlite"), "Database driver (sqlite or postgres)")
	root.PersistentFlags().StringVar(&cfg.dbDSN, "db-dsn", envOrDefault("EXPORTKIT_DB_DSN", "./exportkit.db"), "Database DSN or file path for SQLite")
	root.PersistentFlags().StringVar(&cfg.secretKey, "secret-key", envOrDefault("EXPORTKIT_SECRET_KEY", ""), "Master secret key for encrypting credentials at rest (required)")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("EXPORTKIT_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&cfg.dataDir, "data-dir", envOrDefault("EXPORTKIT_DATA_DIR", "./data"), "Directory for server data (RSA keys, etc.)")
	root.PersistentFlags().BoolVar(&cfg.secureCookies, "secure-cookies", envOrDefault("EXPORTKIT_SECURE_COOKIES", "false") == "true", "Set Secure flag on auth cookies (enable in production over HTTPS)")

	root.PersistentFlags().StringVar(&cfg.redisAddr, "redis-addr", envOrDefault("EXPORTKIT_REDIS_ADDR", "localhost:6379"), "Redis address backing the broker, rate limiter, and loop guard")
	root.PersistentFlags().StringVar(&cfg.redisPassword, "redis-password", envOrDefault("EXPORTKIT_REDIS_PASSWORD", ""), "Redis password")
	root.PersistentFlags().IntVar(&cfg.redisDB, "redis-db", 0, "Redis logical database index")

	root.PersistentFlags().StringVar(&cfg.s3Bucket, "s3-bucket", envOrDefault("EXPORTKIT_S3_BUCKET", ""), "Object store bucket for export results (required)")
	root.PersistentFlags().StringVar(&cfg.s3Region, "s3-region", envOrDefault("EXPORTKIT_S3_REGION", "us-east-1"), "Object store region")
	root.PersistentFlags().StringVar(&cfg.s3Endpoint, "s3-endpoint", envOrDefault("EXPORTKIT_S3_ENDPOINT", ""), "Object store endpoint override, for S3-compatible providers (MinIO, R2)")
	root.PersistentFlags().StringVar(&cfg.s3AccessKey, "s3-access-key", envOrDefault("EXPORTKIT_S3_ACCESS_KEY", ""), "Object store access key")
	root.PersistentFlags().StringVar(&cfg.s3SecretKey, "s3-secret-key", envOrDefault("EXPORTKIT_S3_SECRET_KEY", ""), "Object store secret key")
	root.PersistentFlags().BoolVar(&cfg.s3PathStyle, "s3-path-style", envOrDefault("EXPORTKIT_S3_PATH_STYLE", "false") == "true", "Use path-style addressing (required by most S3-compatible providers)")

	root.PersistentFlags().IntVar(&cfg.exportWorkers, "export-workers", 5, "Export worker pool concurrency")
	root.PersistentFlags().IntVar(&cfg.webhookWorkers, "webhook-workers", 10, "Webhook delivery worker pool concurrency")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("exportkit-server %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.secretKey == "" {
		return fmt.Errorf("secret key is required — set --secret-key or EXPORTKIT_SECRET_KEY")
	}
	if cfg.s3Bucket == "" {
		return fmt.Errorf("s3 bucket is required — set --s3-bucket or EXPORTKIT_S3_BUCKET")
	}

	logger.Info("starting exportkit server",
		zap.String("version", version),
		zap.String("http_addr", cfg.httpAddr),
		zap.String("grpc_addr", cfg.grpcAddr),
		zap.String("db_driver", cfg.dbDriver),
		zap.String("log_level", cfg.logLevel),
	)

	// --- Signal handling ---
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- 1. Encryption ---
	// InitEncryption must be called before opening the database so that
	// EncryptedString fields can encrypt/decrypt transparently on read/write.
	// The secret key is padded or truncated to exactly 32 bytes (AES-256).
	keyBytes := make([]byte, 32)
	copy(keyBytes, []byte(cfg.secretKey))
	if err := db.InitEncryption(keyBytes); err != nil {
		return fmt.Errorf("failed to initialize encryption: %w", err)
	}

	// --- 2. Database ---
	gormDB, err := db.New(db.Config{
		Driver:   cfg.dbDriver,
		DSN:      cfg.dbDSN,
		Logger:   logger,
		LogLevel: gormLogLevel(cfg.logLevel),
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	sqlDB, err := gormDB.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB: %w", err)
	}
	defer sqlDB.Close()

	// --- 3. Redis broker ---
	redisBroker := broker.New(broker.Config{
		Addr:     cfg.redisAddr,
		Password: cfg.redisPassword,
		DB:       cfg.redisDB,
	}, logger)
	defer redisBroker.Close()
	if err := redisBroker.Ping(ctx); err != nil {
		return fmt.Errorf("failed to ping redis: %w", err)
	}

	// --- 4. Object store ---
	objStore, err := objectstore.New(ctx, objectstore.Config{
		Bucket:          cfg.s3Bucket,
		Region:          cfg.s3Region,
		Endpoint:        cfg.s3Endpoint,
		AccessKeyID:     cfg.s3AccessKey,
		SecretAccessKey: cfg.s3SecretKey,
		ForcePathStyle:  cfg.s3PathStyle,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize object store: %w", err)
	}

	// --- 5. Repositories ---
	tenantRepo := repositories.NewTenantRepository(gormDB)
	credentialRepo := repositories.NewCredentialRepository(gormDB)
	jobRepo := repositories.NewJobRepository(gormDB)
	scheduleRepo := repositories.NewScheduleRepository(gormDB)
	usageRepo := repositories.NewUsageRepository(gormDB)
	webhookDeliveryRepo := repositories.NewWebhookDeliveryRepository(gormDB)
	auditRepo := repositories.NewAuditRepository(gormDB)
	settingsRepo := repositories.NewSettingsRepository(gormDB)
	dashboardUserRepo := repositories.NewDashboardUserRepository(gormDB)
	refreshTokenRepo := repositories.NewRefreshTokenRepository(gormDB)
	oidcProviderRepo := repositories.NewOIDCProviderRepository(gormDB)

	// --- 6. Dashboard auth ---
	// In development (no data dir or missing key files), ephemeral keys are
	// generated in memory. In production, persistent PEM files are used so
	// tokens survive server restarts.
	jwtManager, err := buildJWTManager(cfg.dataDir, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize JWT manager: %w", err)
	}

	localProvider := auth.NewLocalAuthProvider(dashboardUserRepo, refreshTokenRepo, jwtManager)
	oidcProvider := auth.NewOIDCAuthProvider(oidcProviderRepo, dashboardUserRepo, refreshTokenRepo, jwtManager)
	authService := auth.NewAuthService(localProvider, oidcProvider, refreshTokenRepo, jwtManager)

	// --- 7. Credential gate, rate limiting, admission ---
	gate := authgate.New(credentialRepo, tenantRepo, logger)
	limiter := ratelimit.New(redisBroker, logger)
	loopGuard := ratelimit.NewLoopGuard(redisBroker, logger, 3, 10*time.Second)
	admitter := admission.New(jobRepo, redisBroker, logger)

	// --- 8. Notification and webhook delivery ---
	notifier := notification.NewService(notification.Config{
		SettingsRepo: settingsRepo,
		Logger:       logger,
	})
	webhookSender := webhook.New(webhookDeliveryRepo, tenantRepo, redisBroker, logger)

	// --- 9. Job-state listener — the sole terminal-state writer ---
	listener := jobstate.New(redisBroker, jobRepo, tenantRepo, usageRepo, objStore, notifier, webhookSender, logger)
	go listener.Run(ctx)

	// --- 10. Worker pools ---
	exportPool := worker.NewExportPool(redisBroker, jobRepo, objStore, gormDB, cfg.exportWorkers, logger)
	go exportPool.Run(ctx)

	webhookPool := worker.NewWebhookPool(redisBroker, webhookSender, webhookDeliveryRepo, cfg.webhookWorkers, logger)
	go webhookPool.Run(ctx)

	// --- 11. Schedule engine ---
	schedEngine, err := scheduleengine.New(scheduleRepo, admitter, tenantRepo, logger)
	if err != nil {
		return fmt.Errorf("failed to create schedule engine: %w", err)
	}
	if err := schedEngine.Start(ctx); err != nil {
		return fmt.Errorf("failed to start schedule engine: %w", err)
	}
	defer func() {
		if err := schedEngine.Stop(); err != nil {
			logger.Warn("schedule engine shutdown error", zap.Error(err))
		}
	}()

	// --- 12. Retention engine ---
	retentionEngine, err := retention.New(credentialRepo, auditRepo, webhookDeliveryRepo, jobRepo, refreshTokenRepo, dashboardUserRepo, logger)
	if err != nil {
		return fmt.Errorf("failed to create retention engine: %w", err)
	}
	if err := retentionEngine.Start(ctx); err != nil {
		return fmt.Errorf("failed to start retention engine: %w", err)
	}

	// --- 13. Admission reconciliation sweep ---
	go runReconciliationSweep(ctx, admitter, logger)

	// --- 14. Health checker and gRPC health service ---
	healthChecker := health.New(gormDB, redisBroker, objStore)

	grpcSrv := grpcserver.New(healthChecker, logger)
	go func() {
		if err := grpcSrv.ListenAndServe(ctx, cfg.grpcAddr); err != nil {
			logger.Error("gRPC server error", zap.Error(err))
			cancel()
		}
	}()

	// --- 15. HTTP server ---
	router := api.NewRouter(api.RouterConfig{
		AuthService:   authService,
		Gate:          gate,
		Limiter:       limiter,
		LoopGuard:     loopGuard,
		Admitter:      admitter,
		Store:         objStore,
		Health:        healthChecker,
		Logger:        logger,
		Tenants:       tenantRepo,
		Credentials:   credentialRepo,
		Jobs:          jobRepo,
		Schedules:     scheduleRepo,
		Audit:         auditRepo,
		Users:         dashboardUserRepo,
		OIDCProviders: oidcProviderRepo,
		Secure:        cfg.secureCookies,
	})

	httpSrv := &http.Server{
		Addr:         cfg.httpAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.httpAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			cancel()
		}
	}()

	// --- Wait for shutdown signal ---
	<-ctx.Done()
	logger.Info("shutting down exportkit server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server graceful shutdown error", zap.Error(err))
		return fmt.Errorf("http server did not drain within shutdown deadline: %w", err)
	}

	logger.Info("exportkit server stopped")
	return nil
}

// runReconciliationSweep periodically marks stale QUEUED jobs FAILED with
// ADMISSION_TIMEOUT — the admission path's own safety net for a broker
// enqueue that silently never progressed.
func runReconciliationSweep(ctx context.Context, admitter *admission.Admitter, logger *zap.Logger) {
	ticker := time.NewTicker(reconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := admitter.Reconcile(ctx, reconcileGrace)
			if err != nil {
				logger.Error("admission reconciliation sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Info("admission reconciliation sweep completed", zap.Int("jobs_failed", n))
			}
		}
	}
}

// buildJWTManager loads RSA keys from the data directory if available,
// or generates ephemeral in-memory keys for development.
func buildJWTManager(dataDir string, logger *zap.Logger) (*auth.JWTManager, error) {
	privPath := filepath.Join(dataDir, "jwt_private.pem")
	pubPath := filepath.Join(dataDir, "jwt_public.pem")

	if _, err := os.Stat(privPath); err == nil {
		logger.Info("loading JWT keys from disk", zap.String("private", privPath))
		return auth.NewJWTManagerFromFiles(privPath, pubPath, "exportkit-server")
	}

	logger.Warn("JWT key files not found — using ephemeral in-memory keys (tokens will be invalidated on restart)",
		zap.String("expected_private", privPath),
	)
	return auth.NewJWTManagerGenerated("exportkit-server")
}

// gormLogLevel maps the application log level string to a GORM logger level.
func gormLogLevel(level string) gormlogger.LogLevel {
	switch level {
	case "debug":
		return gormlogger.Info
	case "info":
		return gormlogger.Warn
	default:
		return gormlogger.Error
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
