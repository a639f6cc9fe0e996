package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"tidepool/api/internal/app"
	"tidepool/api/internal/auth"
	"tidepool/api/internal/config"
	"tidepool/api/internal/pathstore"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	var store pathstore.Store
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		logger.Info("using Postgres path store")
		store, err = pathstore.OpenPostgresStore(ctx, cfg.DatabaseURL, cfg.PollInterval)
		if err != nil {
			log.Fatalf("postgres connection failed: %v", err)
		}
	} else {
		logger.Info("using Redis path store")
		store, err = pathstore.NewRedisStore(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
	}
	defer store.Close()

	tokens, err := auth.NewTokenService(cfg.JWTSecret, cfg.SessionTTL)
	if err != nil {
		log.Fatalf("token service init failed: %v", err)
	}
	provider := auth.NewProvider(store, tokens, logger)
	service := app.New(cfg, store, provider, logger)

	// Periodic reconciliation of the registered-user metric, as a guard
	// against missed transactional increments.
	syncCtx, stopSync := context.WithCancel(ctx)
	defer stopSync()
	go func() {
		ticker := time.NewTicker(cfg.UserCountSyncInterval)
		defer ticker.Stop()
		for {
			select {
			case <-syncCtx.Done():
				return
			case <-ticker.C:
				if err := service.SyncUserCount(syncCtx); err != nil {
					logger.Warn("user count sync failed", "error", err)
				}
			}
		}
	}()

	httpServer := app.NewHTTPServer(service, provider, cfg.CORSOrigin, logger)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("tidepool API listening", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
}
