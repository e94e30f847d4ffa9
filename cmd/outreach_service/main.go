package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"golang.org/x/sync/errgroup"

	"github.com/leadforge/outreach_services/internal/core_domain"
	credapp "github.com/leadforge/outreach_services/internal/credential_service/app"
	"github.com/leadforge/outreach_services/internal/credential_service/adapters/validatorcache"
	credpg "github.com/leadforge/outreach_services/internal/credential_service/repository/postgres"
	orchapp "github.com/leadforge/outreach_services/internal/orchestrator_service/app"
	"github.com/leadforge/outreach_services/internal/platform/config"
	"github.com/leadforge/outreach_services/internal/platform/database"
	"github.com/leadforge/outreach_services/internal/platform/errreport"
	"github.com/leadforge/outreach_services/internal/platform/logger"
	"github.com/leadforge/outreach_services/internal/platform/messagebroker"
	"github.com/leadforge/outreach_services/internal/platform/sealer"
	apihttp "github.com/leadforge/outreach_services/internal/public_api_service/transport/http"
	queueapp "github.com/leadforge/outreach_services/internal/queue_service/app"
	queuepg "github.com/leadforge/outreach_services/internal/queue_service/repository/postgres"
	"github.com/leadforge/outreach_services/internal/sending_service/adapters/browser"
	"github.com/leadforge/outreach_services/internal/sending_service/adapters/sessionpool"
	sendapp "github.com/leadforge/outreach_services/internal/sending_service/app"
	seqapp "github.com/leadforge/outreach_services/internal/sequence_service/app"
	seqpg "github.com/leadforge/outreach_services/internal/sequence_service/repository/postgres"
	settingsapp "github.com/leadforge/outreach_services/internal/settings_service/app"
	settingspg "github.com/leadforge/outreach_services/internal/settings_service/repository/postgres"
	"github.com/leadforge/outreach_services/internal/timepolicy"
)

const serviceName = "outreach-service"

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := run(); err != nil {
		slog.Error("Outreach service exited with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(serviceName)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	appLogger := logger.New(cfg.LogLevel, serviceName)
	appLogger.Info("Outreach service starting...", "log_level", cfg.LogLevel, "environment", cfg.Environment, "version", version)

	reporter, err := errreport.New(cfg.SentryDSN, cfg.Environment, version)
	if err != nil {
		return fmt.Errorf("init error reporting: %w", err)
	}
	defer reporter.Flush(2 * time.Second)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbPool, err := database.NewDBPool(ctx, cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("connect to postgres: %w", err)
	}
	defer dbPool.Close()
	if err := database.Migrate(ctx, dbPool, appLogger); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}
	appLogger.Info("Successfully connected to PostgreSQL database")

	var events core_domain.EventPublisher = core_domain.NopPublisher{}
	if cfg.NATSUrl != "" {
		natsClient, err := messagebroker.NewNATSClient(cfg.NATSUrl, serviceName, appLogger)
		if err != nil {
			return fmt.Errorf("connect to nats: %w", err)
		}
		defer natsClient.Close()
		events = messagebroker.NewEventPublisher(natsClient, cfg.NATSSubjectPrefix, appLogger)
		appLogger.Info("Successfully connected to NATS")
	} else {
		appLogger.Warn("NATS_URL not set; lifecycle events are not published")
	}

	var validityCache validatorcache.Cache
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		validityCache = validatorcache.NewRedisCache(rdb)
		appLogger.Info("Successfully connected to Redis")
	} else {
		validityCache = validatorcache.NewMemoryCache(time.Now)
	}

	seal, err := sealer.NewFromHex(cfg.CredentialSealKey)
	if err != nil {
		return fmt.Errorf("credential seal key: %w", err)
	}

	clock := core_domain.Clock(core_domain.SystemClock)

	// Repositories.
	credentialRepo := credpg.NewPgCredentialRepository(dbPool, seal, appLogger)
	settingsRepo := settingspg.NewPgSettingsRepository(dbPool, appLogger)
	statsRepo := settingspg.NewPgDailyStatsRepository(dbPool, appLogger)
	sequenceRepo := seqpg.NewPgSequenceRepository(dbPool, appLogger)
	statusRepo := seqpg.NewPgProspectStatusRepository(dbPool, appLogger)
	prospectRepo := seqpg.NewPgProspectRepository(dbPool, appLogger)
	messageRepo := queuepg.NewPgMessageQueueRepository(dbPool, appLogger)
	connectionRepo := queuepg.NewPgConnectionQueueRepository(dbPool, appLogger)

	// Time policy and settings.
	defaults := defaultSettings(cfg)
	policy, err := timepolicy.New(defaults, statsRepo, timepolicy.WithClock(clock))
	if err != nil {
		return fmt.Errorf("init time policy: %w", err)
	}
	settingsService := settingsapp.NewService(settingsRepo, policy, events, clock, appLogger)
	if _, err := settingsService.Bootstrap(ctx, defaults); err != nil {
		return fmt.Errorf("bootstrap settings: %w", err)
	}

	// Browser and sessions.
	credentialSource := func(ctx context.Context) (string, error) {
		c, err := credentialRepo.Get(ctx, cfg.CredentialName)
		if err != nil {
			return "", err
		}
		return c.Value, nil
	}
	b, err := browser.Launch(ctx, browser.Config{
		Headless:       cfg.BrowserHeadless,
		Bin:            cfg.BrowserBin,
		BaseURL:        cfg.SiteBaseURL,
		CredentialName: cfg.CredentialName,
	}, credentialSource, appLogger)
	if err != nil {
		return err
	}
	defer b.Close()
	pool := sessionpool.New(b.Opener(), cfg.BrowserPoolSize, appLogger)
	defer pool.Close()
	driver := browser.NewDriver(b, appLogger)

	// Credential monitor.
	bus := credapp.NewBus()
	validator := validatorcache.New(driver, validityCache, cfg.CredentialCacheTTL, appLogger)
	monitor := credapp.NewMonitor(cfg.CredentialName, credentialRepo, validator, bus, events, clock, appLogger)
	if _, err := monitor.Check(ctx); err != nil {
		appLogger.Warn("Initial credential check failed; workers wait for a valid credential", "error", err)
	}

	// Queues, sequences and workers.
	qcfg := queueapp.Config{TransientRetryDelay: cfg.TransientRetryDelay, StuckEntryTimeout: cfg.StuckEntryTimeout}
	messages := queueapp.NewMessageQueue(messageRepo, policy, clock, appLogger, qcfg)
	connections := queueapp.NewConnectionQueue(connectionRepo, policy, clock, appLogger, qcfg)
	sweeper := queueapp.NewSweeper(messages, connections, events, clock, appLogger)

	scheduler := seqapp.NewScheduler(sequenceRepo, statusRepo, prospectRepo, messages, policy, monitor, events, clock, appLogger)
	machine := seqapp.NewStateMachine(sequenceRepo, statusRepo, prospectRepo, scheduler, messages, connections,
		seqapp.FailurePolicy{MaxStepFailures: cfg.MaxStepFailures}, events, clock, appLogger)

	pcfg := sendapp.ProcessorConfig{OperationTimeout: cfg.OperationTimeout}
	mp := sendapp.NewMessageProcessor(messages, machine, scheduler, sequenceRepo, statusRepo, prospectRepo, pool, driver, policy, monitor, events, clock, appLogger, pcfg)
	cp := sendapp.NewConnectionProcessor(connections, machine, prospectRepo, pool, driver, policy, monitor, events, clock, appLogger, pcfg)
	cc := sendapp.NewConnectionChecker(prospectRepo, machine, pool, driver, policy, monitor, events, clock, appLogger, pcfg)

	tasks := []*orchapp.PeriodicTask{
		orchapp.NewPeriodicTask("message_processor", cfg.MessageProcessorInterval, mp.Tick, reporter, appLogger),
		orchapp.NewPeriodicTask("connection_processor", cfg.ConnectionProcessorInterval, cp.Tick, reporter, appLogger),
		orchapp.NewPeriodicTask("connection_checker", cfg.ConnectionCheckerInterval, cc.Tick, reporter, appLogger),
		orchapp.NewPeriodicTask("scheduler", cfg.SchedulerInterval, scheduler.Tick, reporter, appLogger),
		orchapp.NewPeriodicTask("queue_sweeper", cfg.QueueSweepInterval, sweeper.Sweep, reporter, appLogger),
	}
	workers := make([]orchapp.Worker, 0, len(tasks))
	for _, t := range tasks {
		workers = append(workers, t)
	}
	orchestrator := orchapp.New(workers, monitor, events, appLogger, orchapp.Config{
		StartupStagger: cfg.StartupStagger,
		StopTimeout:    cfg.ShutdownTimeout,
		Clock:          clock,
	})

	router := apihttp.NewRouter(apihttp.RouterDeps{
		Settings:    settingsService,
		Stats:       policy,
		Credentials: monitor,
		Sequences:   machine,
		Messages:    messages,
		Connections: connections,
		Lifecycle:   orchestrator,
		JWTSecret:   []byte(cfg.JWTSecret),
		Logger:      appLogger,
	})
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		monitor.Run(gctx, cfg.CredentialCheckInterval)
		return nil
	})
	g.Go(func() error {
		return orchestrator.Run(gctx, bus)
	})
	g.Go(func() error {
		appLogger.Info("Admin API listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("admin api: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		appLogger.Info("Shutting down admin API...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	appLogger.Info("Outreach service shut down.")
	if err != nil && !errors.Is(err, context.Canceled) {
		reporter.Capture("main", err)
		return err
	}
	return nil
}

func defaultSettings(cfg *config.Config) core_domain.AppSettings {
	return core_domain.AppSettings{
		Timezone:          cfg.DefaultTimezone,
		MessageWindow:     core_domain.HourWindow{Start: cfg.DefaultMessageWindowStart, End: cfg.DefaultMessageWindowEnd},
		ConnectionWindow:  core_domain.HourWindow{Start: cfg.DefaultConnectionWindowStart, End: cfg.DefaultConnectionWindowEnd},
		MessagesPerDay:    cfg.DefaultMessagesPerDay,
		ConnectionsPerDay: cfg.DefaultConnectionsPerDay,
		DayBoundaryHour:   cfg.DefaultDayBoundaryHour,
		WeekendDays:       append([]time.Weekday(nil), core_domain.DefaultWeekend...),
	}
}
