package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bsm/redislock"
	"go.uber.org/zap"

	"github.com/akikaku/akikaku-engine/pkg/channels"
	"github.com/akikaku/akikaku-engine/pkg/config"
	"github.com/akikaku/akikaku-engine/pkg/database"
	"github.com/akikaku/akikaku-engine/pkg/dataset"
	"github.com/akikaku/akikaku-engine/pkg/events"
	"github.com/akikaku/akikaku-engine/pkg/handlers"
	"github.com/akikaku/akikaku-engine/pkg/logging"
	"github.com/akikaku/akikaku-engine/pkg/matcher"
	"github.com/akikaku/akikaku-engine/pkg/middleware"
	"github.com/akikaku/akikaku-engine/pkg/notify"
	"github.com/akikaku/akikaku-engine/pkg/portal"
	"github.com/akikaku/akikaku-engine/pkg/repositories"
	"github.com/akikaku/akikaku-engine/pkg/scheduler"
	"github.com/akikaku/akikaku-engine/pkg/services"
	"github.com/akikaku/akikaku-engine/pkg/services/pipeline"
	"github.com/akikaku/akikaku-engine/pkg/session"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	// Load configuration
	cfg, err := config.Load(Version)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.NewLogger(cfg.Env)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("akikaku-engine stopped with error", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Configuration loaded",
		zap.String("env", cfg.Env),
		zap.String("base_url", cfg.BaseURL),
		zap.String("database", cfg.Database.User+"@"+cfg.Database.Host+"/"+cfg.Database.Database),
		zap.String("redis", cfg.Redis.Addr()),
		zap.Bool("amqp", cfg.AMQP.URL != ""),
		zap.String("dataset", cfg.Dataset.Path))

	// ========================================================================
	// Storage
	// ========================================================================

	db, err := database.NewConnection(ctx, &database.Config{
		URL:                 cfg.Database.ConnectionString(),
		MaxConnections:      cfg.Database.MaxConnections,
		PipelineConcurrency: cfg.Pipeline.MaxConcurrent,
	})
	if err != nil {
		return err
	}
	defer db.Close()

	if err := database.RunMigrations(db, cfg.Database.MigrationsPath, logger); err != nil {
		return err
	}

	redisClient, err := database.NewRedisClient(ctx, &cfg.Redis)
	if err != nil {
		return err
	}
	var locker *redislock.Client
	if redisClient != nil {
		defer redisClient.Close()
		locker = redislock.New(redisClient)
	} else {
		logger.Info("Redis not configured, dataset refresh runs without a distributed lock")
	}

	checkRepo := repositories.NewCheckRequestRepository(db)
	knowledgeRepo := repositories.NewKnowledgeRepository(db)
	phoneRepo := repositories.NewPhoneTaskRepository(db)

	// ========================================================================
	// Dataset and matching
	// ========================================================================

	var source dataset.Source = &dataset.FileSource{Path: cfg.Dataset.Path}
	if cfg.Dataset.CrawlCommand != "" {
		source = &dataset.CommandSource{
			Command: cfg.Dataset.CrawlCommand,
			Timeout: cfg.Dataset.CrawlTimeout,
			Output:  source,
			Logger:  logger,
		}
	}
	store := dataset.NewStore(source, logger)

	var abbreviations *matcher.AbbreviationFile
	if cfg.Matcher.AbbreviationsFile != "" {
		abbreviations, err = matcher.LoadAbbreviations(cfg.Matcher.AbbreviationsFile)
		if err != nil {
			return err
		}
	}
	propertyMatcher := matcher.New(cfg.Matcher.Threshold, matcher.NewNormalizer(abbreviations), logger)

	parser := portal.NewParser(portal.NewFetcher(&cfg.Portal), &cfg.Portal, logger)

	// ========================================================================
	// Channels
	// ========================================================================

	drivers, err := channels.NewDrivers(&cfg.Channels, channels.Options{
		UserAgent:      cfg.Portal.UserAgent,
		RequestTimeout: cfg.Checker.AttemptTimeout,
		RatePerSecond:  cfg.Checker.RatePerSecond,
	}, logger)
	if err != nil {
		return err
	}
	sessions := session.NewManager(drivers, cfg.Session, logger)
	defer sessions.Close()

	// ========================================================================
	// Services
	// ========================================================================

	knowledgeService := services.NewKnowledgeService(knowledgeRepo, logger)
	resolver := services.NewChannelResolver(knowledgeService, logger)
	checker := services.NewVacancyChecker(sessions, cfg.Checker, logger)
	phoneService := services.NewPhoneTaskService(phoneRepo, checkRepo, knowledgeService, logger)
	runner := pipeline.New(cfg.Pipeline, logger)

	publisher, err := events.NewPublisher(cfg.AMQP, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			logger.Warn("Failed to close event publisher", zap.Error(err))
		}
	}()

	listeners := []services.CompletionListener{publisher}
	if notifier := notify.New(cfg.Notify, logger); notifier.Enabled() {
		listeners = append(listeners, notifier)
	}

	checkService := services.NewCheckService(
		checkRepo, parser, store, propertyMatcher, resolver, checker,
		phoneService, knowledgeService, runner, logger, listeners...,
	)

	sched, err := scheduler.New(cfg.Scheduler, store, sessions, locker, logger)
	if err != nil {
		return err
	}
	sched.Start()

	// Start loaded the dataset, so checks cut off by the last shutdown can
	// match again.
	if _, err := checkService.Resume(ctx); err != nil {
		logger.Error("Failed to resume unfinished checks", zap.Error(err))
	}

	// ========================================================================
	// HTTP
	// ========================================================================

	mux := http.NewServeMux()
	handlers.NewHealthHandler(cfg, handlers.HealthDeps{
		Runner:    runner,
		Sessions:  sessions,
		Snapshots: store,
		Jobs:      sched,
	}, logger).RegisterRoutes(mux)
	handlers.NewChecksHandler(checkService, logger).RegisterRoutes(mux)
	handlers.NewChannelsHandler(sessions, logger).RegisterRoutes(mux)
	handlers.NewKnowledgeHandler(knowledgeService, logger).RegisterRoutes(mux)
	handlers.NewPhoneTasksHandler(phoneService, logger).RegisterRoutes(mux)
	handlers.NewDatasetHandler(store, logger).RegisterRoutes(mux)

	server := &http.Server{
		Addr:              net.JoinHostPort(cfg.BindAddr, cfg.Port),
		Handler:           middleware.Chain(mux, middleware.Recoverer(logger), middleware.RequestLogger(logger)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Starting akikaku-engine",
			zap.String("addr", server.Addr),
			zap.String("version", cfg.Version),
			zap.Bool("tls", cfg.TLSCertPath != ""))
		var err error
		if cfg.TLSCertPath != "" {
			err = server.ListenAndServeTLS(cfg.TLSCertPath, cfg.TLSKeyPath)
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case runErr = <-serverErr:
		logger.Error("Server failed", zap.Error(runErr))
	}

	// ========================================================================
	// Shutdown: stop intake first, then let in-flight checks finish.
	// ========================================================================

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown incomplete", zap.Error(err))
	}
	sched.Stop(shutdownCtx)
	if err := runner.Drain(shutdownCtx); err != nil {
		logger.Warn("Pipeline drain incomplete, running checks were cancelled", zap.Error(err))
	}

	logger.Info("akikaku-engine stopped")
	return runErr
}
