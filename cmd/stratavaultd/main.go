// Package main wires the stratavaultd daemon: configuration, the
// metadata store, the object-store client, the worker, the scheduler,
// reconciliation, restore, the daily metrics recorder, and the REST API,
// per section 7 CLI / process-lifecycle conventions grounded in
// arkeep's cmd/server/main.go.
package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/stratavault/stratavault/api"
	"github.com/stratavault/stratavault/config"
	"github.com/stratavault/stratavault/encryption"
	"github.com/stratavault/stratavault/manifest"
	"github.com/stratavault/stratavault/metadata"
	"github.com/stratavault/stratavault/metadata/repositories"
	"github.com/stratavault/stratavault/metricsrecorder"
	"github.com/stratavault/stratavault/objectstore"
	"github.com/stratavault/stratavault/reconcile"
	"github.com/stratavault/stratavault/restore"
	"github.com/stratavault/stratavault/retry"
	"github.com/stratavault/stratavault/scheduler"
	"github.com/stratavault/stratavault/worker"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := config.Default()

	root := &cobra.Command{
		Use:   "stratavaultd",
		Short: "stratavaultd — self-hosted backup orchestrator",
		Long: `stratavaultd schedules and executes incremental and full-archive
backups of local source paths to an S3-compatible object store, tracks
run history and storage cost in a metadata store, and reconciles the
ledger against what is actually in the object store.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context(), &cfg)
		},
	}

	root.AddCommand(newMigrateCmd(&cfg))
	root.AddCommand(newVersionCmd())
	root.AddCommand(newRestoreCmd(&cfg))

	flags := root.PersistentFlags()
	flags.StringVar(&cfg.HTTPAddr, "http-addr", envOrDefault("STRATAVAULT_HTTP_ADDR", cfg.HTTPAddr), "HTTP API listen address")
	flags.StringVar(&cfg.DBDriver, "db-driver", envOrDefault("STRATAVAULT_DB_DRIVER", cfg.DBDriver), "metadata store driver (sqlite or postgres)")
	flags.StringVar(&cfg.DBDSN, "db-dsn", envOrDefault("STRATAVAULT_DB_DSN", cfg.DBDSN), "metadata store DSN or file path for sqlite")
	flags.StringVar(&cfg.Bucket, "bucket", envOrDefault("STRATAVAULT_BUCKET", ""), "target object-store bucket (required)")
	flags.StringVar(&cfg.Region, "region", envOrDefault("STRATAVAULT_REGION", ""), "object-store region (required)")
	flags.StringVar(&cfg.Endpoint, "endpoint", envOrDefault("STRATAVAULT_ENDPOINT", ""), "S3-compatible endpoint override (empty = AWS default)")
	flags.StringVar(&cfg.AccessKeyID, "access-key-id", envOrDefault("STRATAVAULT_ACCESS_KEY_ID", ""), "static access key id (empty = default credential chain)")
	flags.StringVar(&cfg.SecretAccessKey, "secret-access-key", envOrDefault("STRATAVAULT_SECRET_ACCESS_KEY", ""), "static secret access key")
	flags.StringVar(&cfg.EncryptionPassphrase, "encryption-passphrase", envOrDefault("STRATAVAULT_ENCRYPTION_PASSPHRASE", ""), "process-wide passphrase for encrypted jobs")
	flags.StringVar(&cfg.LogDir, "log-dir", envOrDefault("STRATAVAULT_LOG_DIR", cfg.LogDir), "directory for per-run log files")
	flags.StringVar(&cfg.TempDir, "temp-dir", envOrDefault("STRATAVAULT_TEMP_DIR", cfg.TempDir), "directory for manifest/encryption staging")
	flags.StringVar(&cfg.LogLevel, "log-level", envOrDefault("STRATAVAULT_LOG_LEVEL", cfg.LogLevel), "log level (debug, info, warn, error)")
	flags.IntVar(&cfg.ScanPool, "scan-pool", cfg.ScanPool, "bounded scan goroutine pool size")
	flags.IntVar(&cfg.UploadPool, "upload-pool", cfg.UploadPool, "bounded upload goroutine pool size")
	flags.IntVar(&cfg.UploadConcurrency, "upload-concurrency", cfg.UploadConcurrency, "multipart upload part concurrency")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("stratavaultd %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func newMigrateCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "apply pending metadata store migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := buildLogger(cfg.LogLevel)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			db, err := metadata.New(metadata.Config{
				Driver:   cfg.DBDriver,
				DSN:      cfg.DBDSN,
				Logger:   logger,
				LogLevel: gormLogLevel(cfg.LogLevel),
			})
			if err != nil {
				return fmt.Errorf("migrate: open metadata store: %w", err)
			}
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			defer sqlDB.Close()

			logger.Info("migrations applied")
			return nil
		},
	}
}

// newRestoreCmd implements section 4.6's restore procedure as a one-shot
// CLI operation: resolve a job by name, take its most recent snapshot
// (GetLatestForJob; no other snapshot can be selected, and the snapshot's
// retained flag is not checked), and reconstruct it at --dest. The REST API
// intentionally doesn't expose a restore endpoint (section 6 lists none);
// restoring to an arbitrary local path only makes sense run on the box
// that holds the destination, so it stays a CLI-only operation.
func newRestoreCmd(cfg *config.Config) *cobra.Command {
	var jobName, destPath string
	var subset []string

	cmd := &cobra.Command{
		Use:   "restore",
		Short: "restore a job's latest snapshot to a local directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			if jobName == "" || destPath == "" {
				return fmt.Errorf("restore: --job and --dest are required")
			}
			return runRestore(cmd.Context(), cfg, jobName, destPath, subset)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&jobName, "job", "", "name of the job to restore (required)")
	flags.StringVar(&destPath, "dest", "", "local directory to restore files into (required)")
	flags.StringSliceVar(&subset, "path", nil, "restrict restore to these relative paths (repeatable); default restores everything")

	return cmd
}

func runRestore(ctx context.Context, cfg *config.Config, jobName, destPath string, subset []string) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	db, err := metadata.New(metadata.Config{
		Driver:   cfg.DBDriver,
		DSN:      cfg.DBDSN,
		Logger:   logger,
		LogLevel: gormLogLevel(cfg.LogLevel),
	})
	if err != nil {
		return fmt.Errorf("restore: open metadata store: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	jobRepo := repositories.NewJobRepository(db)
	snapRepo := repositories.NewSnapshotRepository(db)

	job, err := jobRepo.GetByName(ctx, jobName)
	if err != nil {
		return fmt.Errorf("restore: look up job %q: %w", jobName, err)
	}
	snap, err := snapRepo.GetLatestForJob(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("restore: find latest snapshot for job %q: %w", jobName, err)
	}

	s3Client, err := buildS3Client(ctx, cfg)
	if err != nil {
		return fmt.Errorf("restore: build object-store client: %w", err)
	}
	objCfg := objectstore.DefaultConfig()
	objCfg.RetryPolicy = retry.Policy{
		MaxAttempts: cfg.RetryMaxAttempts,
		BaseDelay:   cfg.RetryBaseDelay,
		MaxDelay:    cfg.RetryMaxDelay,
	}
	objects := objectstore.New(s3Client, cfg.Bucket, objCfg, logger)
	manifests := manifest.NewStore(objects, cfg.TempDir)

	var encKey *encryption.Key
	if job.Encrypted {
		salt, err := base64.StdEncoding.DecodeString(job.EncryptionSalt)
		if err != nil {
			return fmt.Errorf("restore: decode encryption salt: %w", err)
		}
		key := encryption.DeriveKey(cfg.EncryptionPassphrase, salt)
		encKey = &key
	}

	if err := os.MkdirAll(destPath, 0o755); err != nil {
		return fmt.Errorf("restore: create destination dir: %w", err)
	}

	restorer := restore.New(jobRepo, snapRepo, objects, manifests, logger)
	result, err := restorer.Run(ctx, job, snap, restore.Options{
		DestPath:   destPath,
		SubsetOnly: subset,
		EncKey:     encKey,
	})
	if err != nil {
		return fmt.Errorf("restore: %w", err)
	}

	if result.ColdRestorePending {
		logger.Info("cold-tier rehydration requested; rerun restore once objects are available",
			zap.String("job", jobName), zap.Int64("objects_requested", result.Total))
		return nil
	}

	logger.Info("restore complete",
		zap.String("job", jobName),
		zap.Int64("downloaded", result.Downloaded),
		zap.Int64("total", result.Total),
		zap.Int("errors", len(result.Errors)))
	for _, e := range result.Errors {
		logger.Warn("restore: file error", zap.String("detail", e))
	}
	return nil
}

func runDaemon(ctx context.Context, cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting stratavaultd",
		zap.String("version", version),
		zap.String("http_addr", cfg.HTTPAddr),
		zap.String("db_driver", cfg.DBDriver),
		zap.String("bucket", cfg.Bucket),
		zap.String("log_level", cfg.LogLevel),
	)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	if err := os.MkdirAll(cfg.TempDir, 0o755); err != nil {
		return fmt.Errorf("create temp dir: %w", err)
	}

	// --- 1. Metadata store ---
	db, err := metadata.New(metadata.Config{
		Driver:   cfg.DBDriver,
		DSN:      cfg.DBDSN,
		Logger:   logger,
		LogLevel: gormLogLevel(cfg.LogLevel),
	})
	if err != nil {
		return fmt.Errorf("failed to open metadata store: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB: %w", err)
	}
	defer sqlDB.Close()

	jobRepo := repositories.NewJobRepository(db)
	runRepo := repositories.NewBackupRunRepository(db)
	snapRepo := repositories.NewSnapshotRepository(db)
	notifRepo := repositories.NewNotificationRepository(db)
	metricRepo := repositories.NewStorageMetricRepository(db)

	// --- 2. Object store ---
	s3Client, err := buildS3Client(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to build object-store client: %w", err)
	}
	objCfg := objectstore.DefaultConfig()
	objCfg.MultipartThreshold = cfg.MultipartThresholdBytes
	objCfg.PartSize = cfg.PartSizeBytes
	objCfg.UploadConcurrency = cfg.UploadConcurrency
	objCfg.RetryPolicy = retry.Policy{
		MaxAttempts: cfg.RetryMaxAttempts,
		BaseDelay:   cfg.RetryBaseDelay,
		MaxDelay:    cfg.RetryMaxDelay,
	}
	objects := objectstore.New(s3Client, cfg.Bucket, objCfg, logger)
	manifests := manifest.NewStore(objects, cfg.TempDir)

	// --- 3. Worker ---
	w := worker.New(jobRepo, runRepo, snapRepo, notifRepo, objects, cfg.LogDir, logger)
	if err := w.RecoverOrphans(ctx); err != nil {
		return fmt.Errorf("failed to recover orphaned runs: %w", err)
	}

	// --- 4. Scheduler ---
	sched, err := scheduler.New(jobRepo, w, cfg.EncryptionPassphrase, logger)
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	defer func() {
		if err := sched.Stop(); err != nil {
			logger.Warn("scheduler shutdown error", zap.Error(err))
		}
	}()

	// --- 5. Reconciler and metrics recorder ---
	reconciler := reconcile.New(jobRepo, snapRepo, objects, manifests, logger)
	recorder := metricsrecorder.New(jobRepo, snapRepo, metricRepo, logger)
	runMetricsOnce(ctx, recorder, logger)
	stopMetricsLoop := runMetricsDaily(ctx, recorder, logger)
	defer stopMetricsLoop()

	// --- 6. HTTP server ---
	router := api.NewRouter(api.RouterConfig{
		Jobs:       jobRepo,
		Runs:       runRepo,
		Worker:     w,
		Scheduler:  sched,
		Reconciler: reconciler,
		Passphrase: cfg.EncryptionPassphrase,
		LogDir:     cfg.LogDir,
		Logger:     logger,
	})
	httpSrv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: 2 * cfg.ReadTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down stratavaultd")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server graceful shutdown error", zap.Error(err))
	}

	logger.Info("stratavaultd stopped")
	return nil
}

// runMetricsOnce records today's storage metrics once at startup, per
// section 4.8: "once per day (and on process start)."
func runMetricsOnce(ctx context.Context, recorder *metricsrecorder.Recorder, logger *zap.Logger) {
	if _, err := recorder.RecordAll(ctx); err != nil {
		logger.Warn("initial metrics recording failed", zap.Error(err))
	}
}

// runMetricsDaily runs the metrics recorder once every 24 hours until the
// returned stop function is called.
func runMetricsDaily(ctx context.Context, recorder *metricsrecorder.Recorder, logger *zap.Logger) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				if _, err := recorder.RecordAll(ctx); err != nil {
					logger.Warn("daily metrics recording failed", zap.Error(err))
				}
			}
		}
	}()
	return func() { close(done) }
}

// buildS3Client loads the AWS configuration and constructs an S3 client
// with the SDK's own retry disabled (RetryMaxAttempts: 1, a single attempt
// per call; the SDK treats 0 as unset and keeps its default retryer), so
// the retry package is the single source of retry policy, per section 4.1.
func buildS3Client(ctx context.Context, cfg *config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithRetryMaxAttempts(1),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = &cfg.Endpoint
			o.UsePathStyle = true
		}
	}), nil
}

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
	var zcfg zap.Config
	switch level {
	case "debug":
		zcfg = zap.NewDevelopmentConfig()
	default:
		zcfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		zcfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		zcfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		zcfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		zcfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return zcfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
