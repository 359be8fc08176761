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

	"boxledger/backend/internal/cache"
	"boxledger/backend/internal/config"
	"boxledger/backend/internal/httpapi"
	"boxledger/backend/internal/lock"
	"boxledger/backend/internal/logging"
	"boxledger/backend/internal/service"
	"boxledger/backend/internal/store"
	"boxledger/backend/internal/store/memory"
	pgstore "boxledger/backend/internal/store/postgres"
)

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.LogLevel)
	log := logger.WithField("module", "main")

	if err := validateSecurityConfig(cfg); err != nil {
		log.Fatalf("invalid security configuration: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var repo store.Repository
	closers := make([]func() error, 0, 2)

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("postgres unavailable (%v) and DATABASE_URL is set; refusing to start with in-memory fallback", err)
		}
		if err := pg.Migrate(ctx); err != nil {
			log.Fatalf("postgres migration failed: %v", err)
		}
		repo = pg
		closers = append(closers, pg.Close)
		log.Info("repository: postgres")
	} else {
		repo = memory.NewSeeded()
		log.Info("repository: in-memory")
	}

	var (
		saleCache cache.SaleListCache = cache.NoopSaleListCache{}
		locker    lock.DecisionLocker = lock.NoopLocker{}
	)
	if cfg.RedisAddr != "" {
		client := cache.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := client.Ping(ctx).Err(); err != nil {
			log.WithError(err).Warn("redis unavailable, using noop sale cache and in-process decisions")
			_ = client.Close()
		} else {
			saleCache = cache.NewRedisSaleListCache(client)
			locker = lock.NewRedisLocker(client, time.Duration(cfg.DecisionLockTTLSeconds)*time.Second)
			closers = append(closers, client.Close)
			log.Info("cache: redis, decision lock: redis")
		}
	} else {
		log.Info("cache: noop, decision lock: noop")
	}

	svc := service.New(repo, cfg.DefaultOwnerID,
		service.WithSaleCache(saleCache, time.Duration(cfg.SaleCacheTTLSeconds)*time.Second),
		service.WithDecisionLocker(locker),
		service.WithLogger(logger),
	)
	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, cfg.DefaultOwnerID, repo)
	api := httpapi.New(svc, auth, cfg.AllowedOrigin, logger)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.WithField("addr", cfg.Address()).Info("boxledger backend listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("shutdown error")
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			log.WithError(err).Error("close error")
		}
	}

	log.Info("server stopped")
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if cfg.DefaultOwnerID == "" {
		return fmt.Errorf("DEFAULT_OWNER_ID must not be empty")
	}
	return nil
}
