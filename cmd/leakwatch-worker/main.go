package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/SiriusScan/leakwatch/leakwatch/apperr"
	"github.com/SiriusScan/leakwatch/leakwatch/config"
	"github.com/SiriusScan/leakwatch/leakwatch/ingest"
	"github.com/SiriusScan/leakwatch/leakwatch/postgres"
	"github.com/SiriusScan/leakwatch/leakwatch/queue"
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

	svc := ingest.NewService(db, cache)
	publish := queue.Publisher(cfg.AMQPURL, cfg.EventQueue)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// In-flight messages finish on shutdown; the listener waits for them
	procCtx := context.WithoutCancel(ctx)

	slog.Info("Worker started", "scan_queue", cfg.ScanQueue, "event_queue", cfg.EventQueue, "log_level", slogger.Level())
	queue.ListenWithRetry(ctx, cfg.AMQPURL, cfg.ScanQueue, func(msg string) error {
		res, err := svc.HandleScanResults(procCtx, []byte(msg))
		if err != nil {
			if apperr.KindOf(err) != apperr.KindInternal {
				slog.Error("Rejected scan results", "kind", apperr.KindOf(err), "error", err)
				return nil
			}
			return err
		}
		n, err := svc.PublishCreated(procCtx, res, publish)
		if err != nil {
			// Unsent findings keep event_sent_on empty
			slog.Error("Failed to publish finding events", "scan_id", res.ScanID, "published", n, "error", err)
			return nil
		}
		slog.Info("Scan results processed", "scan_id", res.ScanID, "created", res.Created, "events", n)
		return nil
	})
}
