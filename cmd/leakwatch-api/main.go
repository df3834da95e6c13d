package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/SiriusScan/leakwatch/leakwatch/api"
	"github.com/SiriusScan/leakwatch/leakwatch/config"
	"github.com/SiriusScan/leakwatch/leakwatch/ingest"
	"github.com/SiriusScan/leakwatch/leakwatch/postgres"
	"github.com/SiriusScan/leakwatch/leakwatch/slogger"
	"github.com/SiriusScan/leakwatch/leakwatch/store"
)

func main() {
	slogger.Init()
	cfg := config.Load()

	db, err := postgres.Open(cfg)
	if err != nil {
		slog.Error("Failed to open database", "error", err)
		os.Exit(1)
	}

	cache, err := store.OpenCache(cfg.ValkeyAddr, cfg.CacheTTL)
	if err != nil {
		slog.Warn("Caching disabled", "error", err)
	}
	defer cache.Close()

	slog.Info("API starting", "log_level", slogger.Level(), "cache", cache != nil)
	server := api.NewServer(cfg.ListenAddr, ingest.NewService(db, cache), cache)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil {
			slog.Error("API server failed", "error", err)
			os.Exit(1)
		}
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := server.Stop(shutdownCtx); err != nil {
			slog.Error("Graceful shutdown failed", "error", err)
		}
	}
}
