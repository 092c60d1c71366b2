// Package node runs the worker heartbeat loop: poll the coordinator, search
// the local corpus, sanitize the best match, submit, acknowledge. All
// traffic is outbound; a node never listens for connections.
package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fedlink/fedlink/internal/gate"
	"github.com/fedlink/fedlink/internal/transport"
)

// Candidate is a local retrieval hit considered for sanitization.
type Candidate struct {
	Text  string
	Score float64
}

// SearchFunc finds the local records most similar to a query vector.
type SearchFunc func(ctx context.Context, vector []float64, topK int) ([]Candidate, error)

// Coordinator is the subset of the transport client the loop needs.
type Coordinator interface {
	Poll(ctx context.Context, clientID string) (*transport.Task, error)
	SubmitInsight(ctx context.Context, clientID, taskID string, payload json.RawMessage, similarity float64) error
	Acknowledge(ctx context.Context, clientID, taskID string) error
}

// Sanitizer produces a schema-bound payload from raw record text, or fails
// closed.
type Sanitizer interface {
	Sanitize(ctx context.Context, rawText, queryContext string) (*gate.SanitizedPayload, error)
}

// Config holds worker loop settings.
type Config struct {
	// ClientID is this node's identity on the coordinator.
	ClientID string `yaml:"client_id"`
	// HeartbeatInterval is the poll cadence. Defaults to 15s.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	// SimilarityThreshold gates which retrieval hits are worth sanitizing.
	// Nil means the 0.75 default; an explicit zero admits every hit.
	SimilarityThreshold *float64 `yaml:"similarity_threshold"`
	// TopK bounds the local search. Defaults to 5.
	TopK int `yaml:"top_k"`
}

// Node is a single federated worker.
type Node struct {
	cfg       Config
	threshold float64
	coord     Coordinator
	search    SearchFunc
	gate      Sanitizer
	logger    *slog.Logger
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

func New(cfg Config, coord Coordinator, search SearchFunc, sanitizer Sanitizer, logger *slog.Logger) (*Node, error) {
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client_id is required")
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}
	threshold := 0.75
	if cfg.SimilarityThreshold != nil {
		threshold = *cfg.SimilarityThreshold
	}
	if threshold < 0 || threshold > 1 {
		return nil, fmt.Errorf("similarity_threshold must be in [0, 1], got %v", threshold)
	}
	return &Node{
		cfg:       cfg,
		threshold: threshold,
		coord:     coord,
		search:    search,
		gate:      sanitizer,
		logger:    logger.With("component", "node"),
		stopCh:    make(chan struct{}),
	}, nil
}

// Start begins the heartbeat loop.
func (n *Node) Start(ctx context.Context) error {
	n.logger.Info("Starting worker loop", "interval", n.cfg.HeartbeatInterval)
	n.wg.Add(1)
	go n.heartbeatLoop(ctx)
	return nil
}

// Stop gracefully stops the loop, letting an in-flight task finish.
func (n *Node) Stop() {
	n.logger.Info("Stopping worker loop")
	close(n.stopCh)
	n.wg.Wait()
	n.logger.Info("Worker loop stopped")
}

func (n *Node) heartbeatLoop(ctx context.Context) {
	defer n.wg.Done()

	// Initial poll immediately.
	n.Heartbeat(ctx)

	ticker := time.NewTicker(n.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n.Heartbeat(ctx)
		case <-n.stopCh:
			return
		case <-ctx.Done():
			n.logger.Warn("Worker context cancelled, stopping loop")
			return
		}
	}
}

// Heartbeat performs one poll-process-ack pass. A transport failure on poll
// means the task (if any) was never claimed, so nothing is acknowledged and
// the next tick retries.
func (n *Node) Heartbeat(ctx context.Context) {
	task, err := n.coord.Poll(ctx, n.cfg.ClientID)
	if err != nil {
		var terr *transport.TransportError
		if errors.As(err, &terr) {
			n.logger.Warn("poll failed, will retry next heartbeat", "error", err)
			return
		}
		n.logger.Error("poll failed", "error", err)
		return
	}
	if task == nil {
		n.logger.Debug("queue empty")
		return
	}

	n.logger.Info("task received", "task_id", task.TaskID)
	n.processTask(ctx, task)

	// Exactly one ack per delivered task, whatever the gate decided. A
	// failed ack is retried by the coordinator's redelivery, and acks are
	// idempotent server-side.
	if err := n.coord.Acknowledge(ctx, n.cfg.ClientID, task.TaskID); err != nil {
		n.logger.Warn("ack failed", "task_id", task.TaskID, "error", err)
	}
}

// processTask searches the local corpus and submits at most one sanitized
// insight. Every failure path is silent participation: the task is still
// acknowledged by the caller, just without a contribution.
func (n *Node) processTask(ctx context.Context, task *transport.Task) {
	candidates, err := n.search(ctx, task.QueryVector, n.cfg.TopK)
	if err != nil {
		n.logger.Error("local search failed", "task_id", task.TaskID, "error", err)
		return
	}

	best, ok := n.bestCandidate(candidates)
	if !ok {
		n.logger.Info("no candidate above threshold",
			"task_id", task.TaskID,
			"threshold", n.threshold,
			"candidates", len(candidates))
		return
	}

	payload, err := n.gate.Sanitize(ctx, best.Text, task.QueryText)
	if err != nil {
		// Fail closed: the raw record never leaves this process.
		n.logger.Warn("sanitization rejected candidate", "task_id", task.TaskID, "error", err)
		return
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		n.logger.Error("payload encode failed", "task_id", task.TaskID, "error", err)
		return
	}

	if err := n.coord.SubmitInsight(ctx, n.cfg.ClientID, task.TaskID, encoded, best.Score); err != nil {
		n.logger.Warn("insight submission failed", "task_id", task.TaskID, "error", err)
		return
	}
	n.logger.Info("insight submitted", "task_id", task.TaskID, "similarity", best.Score)
}

func (n *Node) bestCandidate(candidates []Candidate) (Candidate, bool) {
	var best Candidate
	found := false
	for _, c := range candidates {
		if c.Score < n.threshold {
			continue
		}
		if !found || c.Score > best.Score {
			best = c
			found = true
		}
	}
	return best, found
}
