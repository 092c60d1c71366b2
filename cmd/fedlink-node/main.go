// Command fedlink-node runs a federated worker: it loads a local corpus,
// connects to a model backend for sanitization and heartbeats against the
// coordinator. It opens no listening sockets.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fedlink/fedlink/internal/config"
	"github.com/fedlink/fedlink/internal/gate"
	"github.com/fedlink/fedlink/internal/llm"
	"github.com/fedlink/fedlink/internal/log"
	"github.com/fedlink/fedlink/internal/node"
	"github.com/fedlink/fedlink/internal/retrieval"
	"github.com/fedlink/fedlink/internal/transport"
)

var version = "0.1.0-dev"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("fedlink-node", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	showVersion := fs.Bool("version", false, "Print version and exit")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}
	if *showVersion {
		fmt.Printf("fedlink-node %s\n", version)
		return 0
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("fedlink node starting",
		"version", version,
		"client_id", cfg.Node.ClientID,
		"config", *configPath)

	records, err := retrieval.LoadJSONL(cfg.Corpus.Path)
	if err != nil {
		logger.Error("failed to load corpus", "path", cfg.Corpus.Path, "error", err)
		return 1
	}
	index := retrieval.NewIndex(log.Get())
	if err := index.Add(records...); err != nil {
		logger.Error("failed to index corpus", "error", err)
		return 1
	}
	logger.Info("corpus loaded", "path", cfg.Corpus.Path, "records", index.Len())

	model, err := llm.NewClient(cfg.Model, log.Get())
	if err != nil {
		logger.Error("invalid model configuration", "error", err)
		return 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := model.HealthCheck(ctx); err != nil {
		// The node can start before the model backend; sanitization fails
		// closed until it comes up.
		logger.Warn("model backend unreachable", "base_url", cfg.Model.BaseURL, "error", err)
	}
	sanitizer := gate.New(model, cfg.Gate, log.Get())

	client, err := transport.NewClient(cfg.Coordinator)
	if err != nil {
		logger.Error("invalid coordinator configuration", "error", err)
		return 1
	}

	search := func(ctx context.Context, vector []float64, topK int) ([]node.Candidate, error) {
		matches, err := index.Search(ctx, vector, topK)
		if err != nil {
			return nil, err
		}
		candidates := make([]node.Candidate, 0, len(matches))
		for _, m := range matches {
			candidates = append(candidates, node.Candidate{Text: m.Record.Text, Score: m.Score})
		}
		return candidates, nil
	}

	worker, err := node.New(cfg.Node, client, search, sanitizer, log.WithClient(cfg.Node.ClientID))
	if err != nil {
		logger.Error("invalid node configuration", "error", err)
		return 1
	}
	if err := worker.Start(ctx); err != nil {
		logger.Error("failed to start worker loop", "error", err)
		return 1
	}

	logger.Info("fedlink node running (press Ctrl+C to stop)")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig)

	// Drain the in-flight cycle before cancelling the context its outbound
	// calls inherit, so a delivered task is never left unacknowledged.
	worker.Stop()
	cancel()
	logger.Info("fedlink node stopped")
	return 0
}
