package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ticketbridge/internal/config"
	"ticketbridge/internal/constants"
	"ticketbridge/internal/service"
	"ticketbridge/internal/tracing"
	"ticketbridge/pkg/discord"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	// Version information (set at build time)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

type rootOptions struct {
	configPath string
	verbose    bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		logrus.Fatalf("Application error: %v", err)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "ticketbridge",
		Short:         "Mirror WHMCS support tickets into Discord channels",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "config.json", "Path to configuration file")
	root.PersistentFlags().BoolVar(&opts.verbose, "verbose", false, "Enable verbose logging (includes sensitive information)")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the bot, webhook server and periodic sync",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runServe(cmd.Context(), opts)
			},
		},
		newMigrateCommand(opts),
		&cobra.Command{
			Use:   "sync",
			Short: "Sync departments and all active tickets once, then exit",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runSyncAll(cmd.Context(), opts)
			},
		},
		&cobra.Command{
			Use:   "sync-ticket <tid>",
			Short: "Reconcile a single ticket by its public id",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runSyncTicket(cmd.Context(), opts, args[0])
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Show version information",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "TicketBridge %s\nBuild Time: %s\nGit Commit: %s\n", Version, BuildTime, GitCommit)
			},
		},
	)
	return root
}

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	var showStatus bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadConfig(opts.configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			logger := newLogger(cfg.LogLevel, opts.verbose)

			db, err := openDatabase(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer db.Close()

			if showStatus {
				return db.MigrationStatus()
			}
			version, err := db.SchemaVersion()
			if err != nil {
				return fmt.Errorf("failed to read schema version: %w", err)
			}
			logger.WithField("version", version).Info("Database schema is up to date")
			return nil
		},
	}
	cmd.Flags().BoolVar(&showStatus, "status", false, "Print the state of every migration instead")
	return cmd
}

func runSyncAll(ctx context.Context, opts *rootOptions) error {
	a, err := newApp(ctx, opts.configPath, opts.verbose)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	ctx = tracing.WithFullTracing(ctx)
	return a.startupSync(ctx)
}

func runSyncTicket(ctx context.Context, opts *rootOptions, tid string) error {
	a, err := newApp(ctx, opts.configPath, opts.verbose)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	ctx = tracing.WithFullTracing(ctx)
	if err := a.engine.SyncTicket(ctx, tid); err != nil {
		return fmt.Errorf("sync of ticket %s failed: %w", tid, err)
	}
	a.logger.WithField(service.LogFieldTicketID, tid).Info("Ticket synced")
	return nil
}

func runServe(ctx context.Context, opts *rootOptions) error {
	a, err := newApp(ctx, opts.configPath, opts.verbose)
	if err != nil {
		return err
	}
	logger := a.logger
	cfg := a.cfg

	logger.WithFields(logrus.Fields{
		"version": Version,
		"build":   BuildTime,
		"commit":  GitCommit,
	}).Info("Starting TicketBridge")

	user, err := a.discord.CurrentUser(ctx)
	if err != nil {
		a.Close(context.Background())
		return fmt.Errorf("discord authentication failed: %w", err)
	}
	logger.WithField("bot", user.Username).Info("Authenticated with Discord")

	if !cfg.Discord.SkipCommandRegistration {
		if err := a.discord.RegisterCommands(ctx, service.Commands()); err != nil {
			logger.WithError(err).Warn("Failed to register slash commands")
		} else {
			logger.Info("Slash commands registered")
		}
	}

	ctx = context.WithValue(ctx, service.VerboseContextKey, opts.verbose)
	ctx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	if cfg.Sync.SkipStartupSync {
		logger.Info("Startup sync is disabled")
	} else if err := a.startupSync(tracing.WithFullTracing(ctx)); err != nil {
		logger.WithError(err).Error("Initial sync failed")
	}

	priorities := service.NewPriorityCatalog(a.whmcs, time.Duration(cfg.Sync.PriorityCacheTTLSec)*time.Second, logger)
	commands := service.NewCommandHandler(a.engine, a.discord, priorities, service.CommandConfig{
		StaffRoleID:  cfg.Discord.StaffRoleID,
		ClosedStatus: cfg.Statuses.Closed,
		OnHoldStatus: cfg.Statuses.OnHold,
	}, logger)

	var relay *service.Relay
	if cfg.Relay.Disabled {
		logger.Info("Chat-to-ticket relay is disabled")
	} else {
		relay = service.NewRelay(a.engine, a.discord, service.RelayConfig{
			GuildID:           cfg.Discord.GuildID,
			StaffRoleID:       cfg.Discord.StaffRoleID,
			NamePrefix:        cfg.Relay.StaffNamePrefix,
			MaxSize:           int64(cfg.Relay.MaxSizeMB) * constants.BytesPerMegabyte,
			AllowedExtensions: cfg.Relay.AllowedExtensions,
			DeleteDelay:       constants.DefaultRelayDeleteDelayMs * time.Millisecond,
			WarningTTL:        constants.DefaultRelayWarningTTLSec * time.Second,
			NoticeTTL:         constants.DefaultRelayNoticeTTLSec * time.Second,
		}, logger)
	}

	gateway := discord.NewGateway(discord.GatewayOptions{
		URL:          cfg.Discord.GatewayURL,
		Token:        cfg.Discord.Token,
		Logger:       logger,
		MaxReconnect: constants.DefaultGatewayReconnectMaxSec * time.Second,
	}, service.NewEventRouter(relay, commands, logger))

	errCh := make(chan error, 2)
	go func() {
		if err := gateway.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("gateway error: %w", err)
		}
	}()

	scheduler := service.NewScheduler(a.engine, time.Duration(cfg.Sync.IntervalSec)*time.Second, logger)
	go scheduler.Start(ctx)
	go a.pipeline.RunSweeper(ctx, time.Duration(cfg.Attachments.SweepIntervalSec)*time.Second)

	server := NewServer(ServerOptions{
		Port:            cfg.Webhook.Port,
		Secret:          cfg.Webhook.Secret,
		RequireSecret:   config.IsProduction(),
		RateLimitPerMin: cfg.Webhook.RateLimitPerMin,
		Verbose:         opts.verbose,
	}, service.NewWebhookService(a.engine, logger), a.db, logger)
	go func() {
		if err := server.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server error: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case runErr = <-errCh:
		logger.WithError(runErr).Error("Component failed, shutting down")
	}

	cancelRun()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.DefaultGracefulShutdownSec*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server shutdown failed")
	}
	a.Close(shutdownCtx)
	logger.Info("Shutdown complete")
	return runErr
}
