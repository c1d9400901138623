package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"ticketbridge/internal/attachments"
	"ticketbridge/internal/config"
	"ticketbridge/internal/constants"
	"ticketbridge/internal/database"
	"ticketbridge/internal/models"
	"ticketbridge/internal/retry"
	"ticketbridge/internal/service"
	"ticketbridge/internal/status"
	"ticketbridge/internal/tracing"
	"ticketbridge/pkg/discord"
	"ticketbridge/pkg/whmcs"

	"github.com/sirupsen/logrus"
)

// app holds the components shared by every subcommand.
type app struct {
	cfg      *models.Config
	logger   *logrus.Logger
	tracing  *tracing.TracingManager
	db       *database.Database
	whmcs    *whmcs.Client
	discord  *discord.Client
	statuses *status.Classifier
	pipeline *attachments.Pipeline
	pool     *service.KeyedPool
	engine   *service.Engine
}

// newLogger builds the JSON logger. Verbose mode logs at debug; otherwise
// the configured level applies but never below info.
func newLogger(level string, verbose bool) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	if verbose {
		logger.SetLevel(logrus.DebugLevel)
		return logger
	}
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		if level != "" {
			logger.Warnf("Invalid log level %q, defaulting to info", level)
		}
		parsed = logrus.InfoLevel
	}
	if parsed > logrus.InfoLevel {
		parsed = logrus.InfoLevel
	}
	logger.SetLevel(parsed)
	return logger
}

// openDatabase opens the store, retrying with exponential backoff.
func openDatabase(ctx context.Context, cfg *models.Config, logger *logrus.Logger) (*database.Database, error) {
	backoff := retry.NewBackoff(retry.BackoffConfig{
		InitialDelay: time.Duration(cfg.Retry.InitialBackoffMs) * time.Millisecond,
		MaxDelay:     time.Duration(cfg.Retry.MaxBackoffMs) * time.Millisecond,
		Multiplier:   2.0,
		MaxAttempts:  constants.DefaultDatabaseRetryAttempts,
		Jitter:       true,
	})

	var db *database.Database
	err := backoff.Retry(ctx, func() error {
		var initErr error
		db, initErr = database.New(database.Options{
			Path:             cfg.Database.Path,
			EncryptionSecret: cfg.Database.EncryptionSecret,
			Logger:           logger,
		})
		if initErr != nil {
			logger.Warnf("Failed to initialize database: %v", initErr)
		}
		return initErr
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database after retries: %w", err)
	}
	return db, nil
}

// newApp loads configuration and wires the reconciliation engine.
func newApp(ctx context.Context, configPath string, verbose bool) (*app, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger := newLogger(cfg.LogLevel, verbose)
	if verbose {
		logger.Info("Verbose logging enabled - sensitive information will be logged")
	}

	a := &app{cfg: cfg, logger: logger}

	a.tracing = tracing.NewTracingManager(tracing.TracingConfig{
		ServiceName:    tracing.ServiceName,
		ServiceVersion: Version,
		Environment:    cfg.Tracing.Environment,
		OTLPEndpoint:   cfg.Tracing.OTLPEndpoint,
		SampleRate:     cfg.Tracing.SampleRate,
		Enabled:        cfg.Tracing.Enabled,
		UseStdout:      cfg.Tracing.UseStdout,
	}, logger)
	if err := a.tracing.Initialize(ctx); err != nil {
		logger.Warnf("Failed to initialize tracing: %v", err)
	}

	a.db, err = openDatabase(ctx, cfg, logger)
	if err != nil {
		a.Close(context.Background())
		return nil, err
	}

	a.whmcs = whmcs.NewClient(whmcs.Options{
		APIURL:            cfg.WHMCS.APIURL,
		Identifier:        cfg.WHMCS.Identifier,
		Secret:            cfg.WHMCS.Secret,
		AccessKey:         cfg.WHMCS.AccessKey,
		RequestsPerSecond: cfg.WHMCS.RequestsPerSecond,
		PageSize:          cfg.WHMCS.PageSize,
		HTTPClient:        &http.Client{Timeout: time.Duration(cfg.WHMCS.TimeoutSec) * time.Second},
		Logger:            logger,
		BreakerFailures:   constants.DefaultBreakerMaxFailures,
		BreakerTimeout:    constants.DefaultBreakerTimeoutSec * time.Second,
	})
	a.discord = discord.NewClient(discord.Options{
		Token:             cfg.Discord.Token,
		ApplicationID:     cfg.Discord.ApplicationID,
		GuildID:           cfg.Discord.GuildID,
		BaseURL:           cfg.Discord.APIBaseURL,
		RequestsPerSecond: cfg.Discord.RequestsPerSecond,
		HTTPClient:        &http.Client{Timeout: constants.DefaultHTTPTimeoutSec * time.Second},
		Logger:            logger,
	})

	a.statuses = status.NewClassifier(a.whmcs, cfg.Statuses.Closed,
		time.Duration(cfg.Sync.StatusCacheTTLSec)*time.Second, logger)

	a.pipeline, err = attachments.NewPipeline(a.whmcs, attachments.Config{
		TempDir:           cfg.Attachments.TempDir,
		MaxSizeBytes:      int64(cfg.Attachments.MaxSizeMB) * constants.BytesPerMegabyte,
		AllowedExtensions: cfg.Attachments.AllowedExtensions,
		MaxAttempts:       cfg.Attachments.MaxAttempts,
		AttemptTimeout:    time.Duration(cfg.Attachments.AttemptTimeoutSec) * time.Second,
		InitialBackoff:    time.Duration(cfg.Retry.InitialBackoffMs) * time.Millisecond,
		MaxBackoff:        time.Duration(cfg.Retry.MaxBackoffMs) * time.Millisecond,
		MaxAge:            time.Duration(cfg.Attachments.MaxAgeSec) * time.Second,
	}, logger)
	if err != nil {
		a.Close(context.Background())
		return nil, fmt.Errorf("failed to initialize attachment pipeline: %w", err)
	}

	clients := service.NewClientDirectory(a.whmcs, a.db,
		time.Duration(cfg.Sync.ClientCacheHours)*time.Hour, logger)
	reconciler := service.NewReconciler(a.discord, a.whmcs, a.db, a.statuses, a.pipeline, clients,
		service.ReconcilerConfig{
			StaffRoleID:  cfg.Discord.StaffRoleID,
			OnHoldStatus: cfg.Statuses.OnHold,
		}, logger)

	a.pool = service.NewKeyedPool(cfg.Sync.Concurrency, cfg.Sync.QueueSize, logger)
	a.engine = service.NewEngine(reconciler, a.pool, cfg.Sync.Concurrency, logger)
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close(ctx context.Context) {
	if a.pool != nil {
		if err := a.pool.Close(ctx); err != nil {
			a.logger.WithError(err).Warn("Worker pool did not drain before shutdown")
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.WithError(err).Warn("Failed to close database")
		}
	}
	if a.tracing != nil {
		if err := a.tracing.Shutdown(ctx); err != nil {
			a.logger.Warnf("Failed to shutdown tracing: %v", err)
		}
	}
}

// startupSync mirrors departments, then reconciles every active ticket.
func (a *app) startupSync(ctx context.Context) error {
	departments, err := a.engine.Reconciler().SyncDepartments(ctx)
	if err != nil {
		return fmt.Errorf("department sync failed: %w", err)
	}
	created, err := a.engine.SyncAll(ctx)
	if err != nil {
		return fmt.Errorf("ticket sync failed: %w", err)
	}
	a.logger.WithFields(logrus.Fields{
		"departments":      departments,
		"channels_created": created,
	}).Info("Initial sync complete")
	return nil
}
