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
	_ "time/tzdata"

	"golang.org/x/crypto/bcrypt"

	"orema/backend/internal/cache"
	"orema/backend/internal/config"
	"orema/backend/internal/domain"
	"orema/backend/internal/events"
	"orema/backend/internal/httpapi"
	"orema/backend/internal/job"
	"orema/backend/internal/lock"
	"orema/backend/internal/service"
	"orema/backend/internal/store"
	"orema/backend/internal/store/memory"
	pgstore "orema/backend/internal/store/postgres"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("server exited", "err", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg := config.Load()
	if err := validateSecurityConfig(cfg); err != nil {
		return fmt.Errorf("invalid security configuration: %w", err)
	}
	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	closers := make([]func() error, 0, 3)
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				logger.Warn("close error", "err", err)
			}
		}
	}()

	repo, closeRepo, err := openRepository(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if closeRepo != nil {
		closers = append(closers, closeRepo)
	}

	var (
		idemCache cache.IdempotencyCache = cache.NoopIdempotencyCache{}
		locker    lock.Locker            = lock.NewKeyedMutex()
		publisher events.Publisher       = events.NoopPublisher{}
	)

	if cfg.RedisAddr != "" {
		client := cache.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		redisCache := cache.NewRedisIdempotencyCache(client)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := redisCache.Ping(pingCtx)
		cancel()
		if err != nil {
			logger.Warn("redis unavailable, using in-process cache and locks", "addr", cfg.RedisAddr, "err", err)
			_ = redisCache.Close()
		} else {
			idemCache = redisCache
			locker = lock.NewRedisLocker(client, 30*time.Second, logger)
			closers = append(closers, redisCache.Close)
			logger.Info("cache: redis", "addr", cfg.RedisAddr)
		}
	} else {
		logger.Info("cache: noop")
	}

	if cfg.AMQPURL != "" {
		amqpPublisher, err := events.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			logger.Warn("amqp unavailable, events disabled", "err", err)
		} else {
			publisher = amqpPublisher
			closers = append(closers, amqpPublisher.Close)
			logger.Info("events: amqp", "exchange", cfg.AMQPExchange)
		}
	}

	svc := service.New(repo, service.Deps{
		Cache:     idemCache,
		Locker:    locker,
		Publisher: publisher,
		Logger:    logger,
	}, service.Options{
		IdempotencyTTL:     cfg.IdempotencyTTL(),
		Location:           loc,
		AllowNegativeStock: cfg.AllowNegativeStock,
		PaymentTolerance:   cfg.PaymentToleranceCents,
	})
	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, cfg.ManagerPIN, repo)
	api := httpapi.New(svc, auth, cfg.AllowedOrigin, cfg.CronSecret, logger)

	sweeper := job.NewSweepJob(svc, locker, cfg.SweepInterval(), logger)
	go sweeper.Start(ctx)
	defer sweeper.Stop()

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      35 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("caisse backend listening", "addr", cfg.Address())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", "err", err)
	}
	logger.Info("server stopped")
	return nil
}

// openRepository picks postgres when DATABASE_URL is set and never silently
// falls back to the in-memory store in that case.
func openRepository(ctx context.Context, cfg config.Config, logger *slog.Logger) (store.Repository, func() error, error) {
	if cfg.DatabaseURL == "" {
		logger.Info("repository: in-memory (seeded demo data)")
		return memory.NewSeeded(), nil, nil
	}

	if cfg.RunMigrations {
		if err := pgstore.Migrate(cfg.DatabaseURL); err != nil {
			return nil, nil, err
		}
		logger.Info("migrations applied")
	}

	openCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	pg, err := pgstore.New(openCtx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres unavailable and DATABASE_URL is set: %w", err)
	}
	if err := bootstrapPostgres(openCtx, pg, cfg, logger); err != nil {
		_ = pg.Close()
		return nil, nil, err
	}
	logger.Info("repository: postgres")
	return pg, pg.Close, nil
}

func bootstrapPostgres(ctx context.Context, pg *pgstore.Store, cfg config.Config, logger *slog.Logger) error {
	if err := pg.EnsureEstablishment(ctx, cfg.EstablishmentID, cfg.EstablishmentName); err != nil {
		return fmt.Errorf("bootstrap establishment: %w", err)
	}
	if cfg.BootstrapAdminPassword == "" {
		return nil
	}
	if len(cfg.BootstrapAdminPassword) < 10 {
		return fmt.Errorf("BOOTSTRAP_ADMIN_PASSWORD must be at least 10 characters")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(cfg.BootstrapAdminPassword), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	err = pg.EnsureUser(ctx, domain.UserAccount{
		Username:        cfg.BootstrapAdminUsername,
		Password:        string(hash),
		Role:            domain.RoleAdmin,
		EstablishmentID: cfg.EstablishmentID,
	})
	if err != nil {
		return fmt.Errorf("bootstrap admin: %w", err)
	}
	logger.Info("bootstrap admin ensured", "username", cfg.BootstrapAdminUsername, "establishment", cfg.EstablishmentID)
	return nil
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if len(cfg.ManagerPIN) < 6 {
		return fmt.Errorf("MANAGER_PIN must be set and at least 6 digits")
	}
	if err := validatePINStrength(cfg.ManagerPIN); err != nil {
		return fmt.Errorf("MANAGER_PIN is too weak: %w", err)
	}
	if cfg.CronSecret != "" && len(cfg.CronSecret) < 24 {
		return fmt.Errorf("CRON_SECRET must be at least 24 characters when set")
	}
	return nil
}

// validatePINStrength rejects PINs that are not all digits, all the same digit,
// sequential (ascending or descending), or from a known-weak list.
func validatePINStrength(pin string) error {
	for _, r := range pin {
		if r < '0' || r > '9' {
			return fmt.Errorf("PIN must contain digits only")
		}
	}

	known := map[string]bool{
		"123456": true, "654321": true, "000000": true, "111111": true,
		"121212": true, "112233": true, "123123": true, "101010": true,
	}
	if known[pin] {
		return fmt.Errorf("common PIN not allowed")
	}

	allSame := true
	for i := 1; i < len(pin); i++ {
		if pin[i] != pin[0] {
			allSame = false
			break
		}
	}
	if allSame {
		return fmt.Errorf("all-same-digit PIN not allowed")
	}

	ascending, descending := true, true
	for i := 1; i < len(pin); i++ {
		diff := int(pin[i]) - int(pin[i-1])
		if diff != 1 {
			ascending = false
		}
		if diff != -1 {
			descending = false
		}
	}
	if ascending || descending {
		return fmt.Errorf("sequential PIN not allowed")
	}

	return nil
}
