package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"

	"github.com/mixelka/mailwatch/internal/config"
	"github.com/mixelka/mailwatch/internal/database"
	"github.com/mixelka/mailwatch/internal/deadletter"
	"github.com/mixelka/mailwatch/internal/formatter"
	"github.com/mixelka/mailwatch/internal/lifecycle"
	"github.com/mixelka/mailwatch/internal/mailbox"
	"github.com/mixelka/mailwatch/internal/metrics"
	"github.com/mixelka/mailwatch/internal/orchestrator"
	"github.com/mixelka/mailwatch/internal/processor"
	"github.com/mixelka/mailwatch/internal/telegram"
)

const resolveTimeout = 30 * time.Second

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Setup logger
	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting mailwatch")

	// Connect to database
	db, err := database.New(cfg.DatabasePath)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	// Run migrations
	ctx := context.Background()
	if err := db.Migrate(ctx); err != nil {
		logger.Error("failed to run migrations", "error", err)
		db.Close()
		os.Exit(1)
	}
	logger.Info("database migrations completed")

	accounts, err := config.LoadAccounts(cfg.AccountsFile, cfg.EmailPollInterval)
	if err != nil {
		logger.Error("failed to load accounts", "error", err)
		db.Close()
		os.Exit(1)
	}
	resolveServers(ctx, accounts, logger)

	tracker := lifecycle.NewTracker()
	coord := lifecycle.NewCoordinator(lifecycle.Config{
		Timeout:         cfg.Shutdown.Timeout,
		ForceAfter:      cfg.Shutdown.ForceAfter,
		WaitForInflight: cfg.Shutdown.WaitForInflight,
	}, tracker, logger)
	runCtx := coord.Context()

	// Create components
	deadLetters := deadletter.NewQueue(db, logger)

	bot, err := telegram.NewBot(telegram.BotDeps{
		Config:    cfg,
		Formatter: formatter.NewTelegramFormatter(),
		Logger:    logger,
	})
	if err != nil {
		logger.Error("failed to create bot", "error", err)
		db.Close()
		os.Exit(1)
	}

	proc := processor.New(db, deadLetters, bot, logger)

	newMailbox := func(acct config.Account) orchestrator.Mailbox {
		return mailbox.NewClient(mailbox.Config{
			Email:       acct.Email,
			Password:    acct.Password,
			Server:      acct.Server,
			IdleTimeout: cfg.IMAPIdleTimeout,
			DialTimeout: cfg.IMAPDialTimeout,
		}, logger.With("account", acct.Name))
	}
	orch := orchestrator.New(runCtx, orchestrator.Config{
		DebounceWindow: cfg.DebounceWindow,
	}, newMailbox, proc, tracker, logger)
	orch.SetErrorHandler(bot.NotifyAccountError)
	orch.SetPanicHandler(coord.HandleError)

	scheduler := deadletter.NewScheduler(deadLetters, orch.RetryMessage, deadletter.SchedulerConfig{
		Policy: deadletter.Policy{
			Enabled:     cfg.Retry.Enabled,
			MaxAttempts: cfg.Retry.MaxAttempts,
			Backoff: deadletter.Backoff{
				Initial:    cfg.Retry.InitialDelay,
				Max:        cfg.Retry.MaxDelay,
				Multiplier: cfg.Retry.BackoffMultiplier,
			},
		},
		SweepInterval:   cfg.Retry.SweepInterval,
		Retention:       cfg.Retry.Retention,
		CleanupInterval: cfg.Retry.CleanupInterval,
	}, tracker, logger)

	bot.SetOperators(orch, deadLetters, scheduler)

	// Teardowns run in reverse: background tasks, then accounts, then the database
	coord.OnShutdown("database", func(context.Context) error {
		return db.Close()
	})
	coord.OnShutdown("accounts", orch.StopAll)

	var background []<-chan struct{}
	start := func(name string, fn func(ctx context.Context) error) {
		done := make(chan struct{})
		background = append(background, done)
		coord.Go(name, func() error {
			defer close(done)
			return fn(runCtx)
		})
	}

	start("telegram bot", func(ctx context.Context) error {
		bot.Start(ctx)
		return nil
	})
	start("retry scheduler", func(ctx context.Context) error {
		scheduler.Run(ctx)
		return nil
	})
	if cfg.TelegramStatusFeed {
		start("status feed", func(ctx context.Context) error {
			bot.RunStatusFeed(ctx, orch.Changes())
			return nil
		})
	}
	if cfg.MetricsAddr != "" {
		start("metrics", func(ctx context.Context) error {
			return metrics.Serve(ctx, cfg.MetricsAddr, logger)
		})
	}

	coord.OnShutdown("background tasks", func(ctx context.Context) error {
		for _, done := range background {
			select {
			case <-done:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})

	// Connect accounts
	coord.Go("accounts", func() error {
		if err := orch.StartAll(runCtx, accounts); err != nil {
			logger.Warn("some accounts failed to start", "error", err)
		}
		return nil
	})

	logger.Info("mailwatch is running, press Ctrl+C to stop", "accounts", len(accounts))
	coord.Listen(ctx)
}

// resolveServers fills in the IMAP server of accounts that do not name one
func resolveServers(ctx context.Context, accounts []config.Account, logger *slog.Logger) {
	resolver := mailbox.NewResolver()
	for i := range accounts {
		if accounts[i].Server != "" {
			continue
		}

		rctx, cancel := context.WithTimeout(ctx, resolveTimeout)
		server, err := resolver.Resolve(rctx, accounts[i].Email)
		cancel()
		if err != nil {
			logger.Warn("failed to resolve IMAP server", "account", accounts[i].Name, "error", err)
			continue
		}

		accounts[i].Server = server
		logger.Info("resolved IMAP server", "account", accounts[i].Name, "server", server)
	}
}

func setupLogger(level, format string) *slog.Logger {
	var handler slog.Handler
	logLevel := parseLevel(level)

	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: logLevel,
		})
	} else {
		// Pretty colored output for console
		handler = tint.NewHandler(os.Stdout, &tint.Options{
			Level:      logLevel,
			TimeFormat: time.DateTime,
			NoColor:    false,
		})
	}

	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
