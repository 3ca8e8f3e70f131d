package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"edunexus/internal/config"
	"edunexus/internal/constants"
	"edunexus/internal/database"
	"edunexus/internal/models"
	"edunexus/internal/queue"
	"edunexus/internal/retry"
	"edunexus/internal/service"
	"edunexus/pkg/mailer"

	"github.com/sirupsen/logrus"
)

var (
	// Version information (set at build time)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"

	// CLI flags
	verbose    = flag.Bool("verbose", false, "Enable verbose logging (includes sensitive information)")
	configPath = flag.String("config", "config.json", "Path to configuration file")
	version    = flag.Bool("version", false, "Show version information")
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("EduNexus %s\nBuild Time: %s\nGit Commit: %s\n", Version, BuildTime, GitCommit)
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		logrus.Fatalf("Application error: %v", err)
	}
}

func run(ctx context.Context) error {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	logger.WithFields(logrus.Fields{
		"version": Version,
		"build":   BuildTime,
		"commit":  GitCommit,
	}).Info("Starting EduNexus")

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
		logger.Info("Verbose logging enabled - sensitive information will be logged")
	} else if cfg.LogLevel != "" {
		level, err := logrus.ParseLevel(cfg.LogLevel)
		if err != nil {
			logger.Warnf("Invalid log level %q, defaulting to info", cfg.LogLevel)
			logger.SetLevel(logrus.InfoLevel)
		} else {
			if level > logrus.InfoLevel {
				level = logrus.InfoLevel
			}
			logger.SetLevel(level)
		}
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}

	// Initialize the database with exponential backoff retry. Startup does
	// not fail when the database stays down; the durable queues carry all
	// writes until it comes back.
	var db *database.Database
	backoff := retry.NewBackoff(retry.BackoffConfig{
		InitialDelay: time.Duration(cfg.Retry.InitialBackoffMs) * time.Millisecond,
		MaxDelay:     time.Duration(cfg.Retry.MaxBackoffMs) * time.Millisecond,
		Multiplier:   2.0,
		MaxAttempts:  constants.DefaultDatabaseRetryAttempts,
		Jitter:       true,
	})

	err = backoff.Retry(ctx, func() error {
		var initErr error
		db, initErr = database.New(cfg.Database.Path)
		if initErr != nil {
			logger.Warnf("Failed to initialize database: %v", initErr)
		}
		return initErr
	})
	if err != nil {
		return fmt.Errorf("failed to initialize database after retries: %w", err)
	}
	defer db.Close()

	outboxStore, err := queue.NewStore[models.OutboxMessage](filepath.Join(cfg.Queue.DataDir, constants.OutboxFile), logger)
	if err != nil {
		return fmt.Errorf("failed to open outbox queue: %w", err)
	}
	signupStore, err := queue.NewStore[models.QueuedSignup](filepath.Join(cfg.Queue.DataDir, constants.SignupQueueFile), logger)
	if err != nil {
		return fmt.Errorf("failed to open signup queue: %w", err)
	}
	orgRequestStore, err := queue.NewStore[models.OrgCodeRequest](filepath.Join(cfg.Queue.DataDir, constants.OrgRequestsFile), logger)
	if err != nil {
		return fmt.Errorf("failed to open org request queue: %w", err)
	}
	inboundStore, err := queue.NewStore[models.InboundMessage](filepath.Join(cfg.Queue.DataDir, constants.InboundFile), logger)
	if err != nil {
		return fmt.Errorf("failed to open inbound queue: %w", err)
	}

	var sink mailer.Mailer
	if cfg.Mail.APIBaseURL != "" {
		httpClient := &http.Client{
			Timeout: time.Duration(cfg.Mail.TimeoutSec) * time.Second,
		}
		sink = mailer.NewHTTPClientWithLogger(cfg.Mail.APIBaseURL, cfg.Mail.APIKey, cfg.Mail.From, httpClient, logger)
	} else {
		logger.Warn("No mail API configured; outbound email will be logged only")
		sink = mailer.NewLogMailer(logger)
	}

	gate := service.NewDatabaseGate(db, logger)

	outbox := service.NewOutbox(outboxStore, sink, logger)
	signups := service.NewSignupService(db, gate, signupStore, outbox, cfg.Mail.AdminAlertEmail, logger)
	orgCodes := service.NewOrgCodeService(db, gate, orgRequestStore, outbox, cfg.Mail.ReviewerEmail, logger)
	inbound := service.NewInboundProcessor(inboundStore, orgCodes, logger)

	runner := service.NewWorkerRunner(outbox, signups, orgCodes, inbound,
		time.Duration(cfg.Worker.IntervalSec)*time.Second,
		time.Duration(cfg.Worker.TickBudgetSec)*time.Second,
		logger)
	runner.Start(ctx)
	defer runner.Stop()
	logger.WithField("interval", cfg.Worker.IntervalSec).Info("Queue workers started")

	monitor := service.NewQueueMonitor(outbox, signups, orgCodes, inbound,
		cfg.Mail.AdminAlertEmail,
		cfg.Alerts.QueueThreshold,
		time.Duration(cfg.Alerts.CooldownMin)*time.Minute,
		time.Duration(cfg.Alerts.MonitorIntervalSec)*time.Second,
		logger)
	monitor.Start(ctx)
	defer monitor.Stop()

	server := NewServer(cfg, gate, outbox, signups, orgCodes, inbound, monitor, runner, logger)
	serverErrCh := make(chan error, constants.ServerErrorChannelSize)
	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			serverErrCh <- fmt.Errorf("server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	case err := <-serverErrCh:
		logger.Error(err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(constants.DefaultGracefulShutdownSec)*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown server gracefully: %w", err)
	}

	logger.Info("Server shutdown completed")
	return nil
}
