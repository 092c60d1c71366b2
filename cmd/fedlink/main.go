// Command fedlink runs the coordinator: the HTTP API, the broker backend
// and the audit trail.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fedlink/fedlink/internal/api"
	"github.com/fedlink/fedlink/internal/broker"
	"github.com/fedlink/fedlink/internal/config"
	"github.com/fedlink/fedlink/internal/coordinator"
	"github.com/fedlink/fedlink/internal/events"
	"github.com/fedlink/fedlink/internal/log"
	"github.com/fedlink/fedlink/internal/storage"
)

var version = "0.1.0-dev"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("fedlink", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	showVersion := fs.Bool("version", false, "Print version and exit")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}
	if *showVersion {
		fmt.Printf("fedlink %s\n", version)
		return 0
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("fedlink coordinator starting", "version", version, "config", *configPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var b broker.Broker
	switch cfg.Broker.Backend {
	case config.BackendRedis:
		rb, err := broker.NewRedis(broker.RedisConfig{
			Addr:         cfg.Broker.Redis.Addr,
			Password:     cfg.Broker.Redis.Password,
			DB:           cfg.Broker.Redis.DB,
			KnownClients: cfg.Broker.KnownClients,
		}, log.Get())
		if err != nil {
			logger.Error("failed to connect to redis", "addr", cfg.Broker.Redis.Addr, "error", err)
			return 1
		}
		defer rb.Close()
		// Tasks claimed by a previous process but never acked go back to
		// the head of their queues.
		if err := rb.RequeueOrphans(ctx); err != nil {
			logger.Error("orphan requeue failed", "error", err)
			return 1
		}
		b = rb
		logger.Info("broker ready", "backend", "redis", "addr", cfg.Broker.Redis.Addr)
	default:
		b = broker.NewMemory(broker.MemoryConfig{
			KnownClients:      cfg.Broker.KnownClients,
			VisibilityTimeout: cfg.Broker.VisibilityTimeout,
		}, log.Get())
		logger.Info("broker ready", "backend", "memory")
	}

	var audit *storage.AuditStore
	if cfg.Storage.Path != "" {
		db, err := storage.OpenSQLite(ctx, cfg.Storage.Path)
		if err != nil {
			logger.Error("failed to open audit database", "path", cfg.Storage.Path, "error", err)
			return 1
		}
		defer db.Close()
		if err := storage.BootstrapSQLite(ctx, db); err != nil {
			logger.Error("failed to bootstrap audit database", "error", err)
			return 1
		}
		audit = storage.NewAuditStore(db)
		logger.Info("audit trail enabled", "path", cfg.Storage.Path)
	}

	hub := events.NewHub(256)
	coord := coordinator.New(b, audit, hub, log.Get(),
		coordinator.WithQueryNoise(cfg.Privacy.QueryNoiseStddev))
	server := api.New(cfg.API, coord, hub, log.Get())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(ctx); err != nil && err != context.Canceled {
			errCh <- err
		}
	}()

	logger.Info("fedlink running (press Ctrl+C to stop)")

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		cancel()
		return 1
	}

	logger.Info("fedlink stopped")
	return 0
}
