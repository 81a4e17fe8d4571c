package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"bulkmailer/internal/config"
	"bulkmailer/internal/infrastructure"
	"bulkmailer/internal/interfaces"
	api "bulkmailer/internal/interfaces/http"
	"bulkmailer/internal/logging"
	"bulkmailer/internal/repository"
	"bulkmailer/internal/usecases"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("Error loading configuration: " + err.Error())
	}
	log := logging.New(cfg.Env, cfg.LogLevel)
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	storage, closeStorage, err := openStorage(ctx, cfg)
	if err != nil {
		log.Fatal("failed to open storage", zap.String("storage", cfg.Storage), zap.Error(err))
	}
	defer closeStorage()
	log.Info("storage ready", zap.String("storage", cfg.Storage))

	// Repositories
	accountRepo := repository.NewAccountRepository(storage, log)
	userRepo := repository.NewUserRepository(storage, log)
	queueRepo := repository.NewQueueRepository(storage, log)
	lockRepo := repository.NewLockRepository(storage, log)
	usageRepo := repository.NewUsageRepository(ctx, storage, log)

	// Engine
	tracker := usecases.NewQuotaTracker(cfg.Location)
	pool := usecases.NewAccountPool(ctx, accountRepo, tracker, log)
	quota := usecases.NewUserQuota(ctx, userRepo, tracker, log, time.Now)

	var gateOpts []usecases.GateOption
	if alerter := infrastructure.NewTelegramAlerter(cfg.TelegramToken, cfg.TelegramChatID, log); alerter.Enabled() {
		gateOpts = append(gateOpts, usecases.WithAlerter(alerter))
		log.Info("telegram alerts enabled")
	}
	gate := usecases.NewSafetyGate(ctx, pool, quota, tracker, lockRepo, log, gateOpts...)

	// Transport
	var connector api.AccountConnector
	var factory infrastructure.ClientFactory
	switch cfg.Transport {
	case "gmail":
		gmail, err := infrastructure.NewGmailConnector(ctx, cfg.GmailCredentials, cfg.GmailRedirectURL, storage, log)
		if err != nil {
			log.Fatal("failed to load gmail credentials", zap.Error(err))
		}
		connector = gmail
		factory = gmail.NewClient
	case "smtp":
		factory = infrastructure.SharedClient(infrastructure.NewSMTPClient(infrastructure.SMTPSettings{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			TLSMode:  cfg.SMTP.TLSMode,
		}))
	default:
		factory = infrastructure.SharedClient(infrastructure.NewSimulatedTransport(cfg.SimulatedSuccess, cfg.SimulatedLatency, uint64(time.Now().UnixNano())))
	}
	clients := infrastructure.NewTransportManager(factory, log)
	defer clients.DisconnectAll()

	var transport interfaces.Transport = clients
	var pacer api.Pacer
	if cfg.AccountSendBurst > 0 {
		throttle := infrastructure.NewAccountThrottle(cfg.AccountSendBurst)
		go throttle.Run(ctx, 10*time.Minute, time.Hour)
		transport = infrastructure.NewThrottledTransport(clients, throttle)
		pacer = throttle
	}
	log.Info("transport ready", zap.String("transport", cfg.Transport))

	settings := usecases.DispatcherSettings{
		BatchSize:           cfg.Dispatcher.BatchSize,
		DelayBetweenEmails:  cfg.Dispatcher.DelayBetweenEmails,
		DelayBetweenBatches: cfg.Dispatcher.DelayBetweenBatches,
		MaxRetries:          cfg.Dispatcher.MaxRetries,
		RetryDelay:          cfg.Dispatcher.RetryDelay,
		Cooldown:            cfg.Dispatcher.Cooldown,
		MinIdle:             cfg.Dispatcher.MinIdle,
		RateLimitPerHour:    cfg.Dispatcher.RateLimitPerHour,
		RateLimitPerDay:     cfg.Dispatcher.RateLimitPerDay,
		LockOnUserLimit:     cfg.Dispatcher.LockOnUserLimit,
	}
	dispatcher := usecases.NewDispatcher(ctx, usecases.DispatcherDeps{
		Gate:      gate,
		Pool:      pool,
		Quota:     quota,
		Transport: transport,
		Tracker:   tracker,
		Queue:     queueRepo,
		Usage:     usageRepo,
		Log:       log,
	}, settings)

	authUsecase := usecases.NewAuthUsecase(quota, cfg.JWTSecret)
	ensureAdmin(ctx, authUsecase, cfg, log)
	analytics := usecases.NewAnalyticsUsecase(pool, gate, usageRepo, cfg.Location)

	go gate.RunAutoUnlock(ctx, cfg.AutoUnlockInterval)

	// Setup HTTP server
	if cfg.IsProd() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	api.SetupRoutes(r, api.Deps{
		Auth:       authUsecase,
		Identity:   authUsecase,
		Dispatcher: dispatcher,
		Analytics:  analytics,
		Pool:       pool,
		Users:      quota,
		Gate:       gate,
		Connector:  connector,
		Clients:    clients,
		Throttle:   pacer,
		Middleware: api.NewMiddleware(cfg.JWTSecret, authUsecase),
		Log:        log,
		AppCtx:     ctx,
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info("http server listening", zap.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	if dispatcher.Running() {
		_ = dispatcher.Stop()
	}
	dispatcher.Wait()
}

// openStorage returns the configured backend and its close func.
func openStorage(ctx context.Context, cfg config.Config) (interfaces.Storage, func(), error) {
	switch cfg.Storage {
	case "memory":
		return infrastructure.NewMemoryStore(), func() {}, nil
	case "postgres":
		pg, err := infrastructure.NewPostgresClient(ctx, cfg.DBDSN)
		if err != nil {
			return nil, nil, err
		}
		return pg, pg.Close, nil
	case "redis":
		rs, err := infrastructure.NewRedisStore(ctx, infrastructure.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return nil, nil, err
		}
		return rs, func() { _ = rs.Close() }, nil
	default:
		sq, err := infrastructure.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return sq, func() { _ = sq.Close() }, nil
	}
}

// ensureAdmin seeds the first admin; a generated password is logged once.
func ensureAdmin(ctx context.Context, auth *usecases.AuthUsecase, cfg config.Config, log *zap.Logger) {
	password := cfg.AdminPassword
	generated := password == ""
	if generated {
		password = uuid.NewString()
	}
	created, err := auth.EnsureAdmin(ctx, cfg.AdminUsername, password)
	if err != nil {
		log.Warn("failed to ensure admin user", zap.Error(err))
		return
	}
	if !created {
		return
	}
	if generated {
		log.Warn("admin user created with generated password", zap.String("username", cfg.AdminUsername), zap.String("password", password))
		return
	}
	log.Info("admin user created", zap.String("username", cfg.AdminUsername))
}
