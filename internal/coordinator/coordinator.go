// Package coordinator maps the network protocol onto broker operations and
// keeps the lifecycle bookkeeping: task status, settlement, audit, events.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/fedlink/fedlink/internal/broker"
	"github.com/fedlink/fedlink/internal/events"
	"github.com/fedlink/fedlink/internal/gate"
	"github.com/fedlink/fedlink/internal/retrieval"
	"github.com/fedlink/fedlink/internal/storage"
)

// ErrInvalidPayload means a submitted insight failed schema validation.
var ErrInvalidPayload = errors.New("insight payload failed schema validation")

// Coordinator is the single writer of task status transitions. Transitions
// only move forward: pending -> delivered -> acknowledged. A task settles
// once every targeted client has acknowledged.
type Coordinator struct {
	broker broker.Broker
	audit  *storage.AuditStore // optional
	hub    *events.Hub
	logger *slog.Logger

	noiseStddev float64

	mu    sync.Mutex
	tasks map[string]*taskState
}

// Option tunes a Coordinator.
type Option func(*Coordinator)

// WithQueryNoise perturbs query vectors with Gaussian noise before fan-out,
// so nodes never see the exact research embedding. Zero disables noising.
func WithQueryNoise(stddev float64) Option {
	return func(c *Coordinator) { c.noiseStddev = stddev }
}

type taskState struct {
	queryText string
	targets   map[string]struct{}
	acked     map[string]struct{}
	status    broker.Status
	createdAt time.Time
}

// New creates a coordinator. audit may be nil to disable persistence.
func New(b broker.Broker, audit *storage.AuditStore, hub *events.Hub, logger *slog.Logger, opts ...Option) *Coordinator {
	if hub == nil {
		hub = events.NewHub(256)
	}
	c := &Coordinator{
		broker: b,
		audit:  audit,
		hub:    hub,
		logger: logger.With("component", "coordinator"),
		tasks:  make(map[string]*taskState),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Broadcast fans a query out to the named targets, noising the query vector
// first when configured.
func (c *Coordinator) Broadcast(ctx context.Context, queryText string, queryVector []float64, targetIDs []string) (string, error) {
	if c.noiseStddev > 0 && len(queryVector) > 0 {
		queryVector = retrieval.Noise(queryVector, c.noiseStddev)
	}

	taskID, err := c.broker.Broadcast(ctx, queryText, queryVector, targetIDs)
	if err != nil {
		return "", err
	}

	st := &taskState{
		queryText: queryText,
		targets:   make(map[string]struct{}, len(targetIDs)),
		acked:     make(map[string]struct{}),
		status:    broker.StatusPending,
		createdAt: time.Now().UTC(),
	}
	var ordered []string
	for _, id := range targetIDs {
		if id == "" {
			continue
		}
		if _, dup := st.targets[id]; dup {
			continue
		}
		st.targets[id] = struct{}{}
		ordered = append(ordered, id)
	}

	c.mu.Lock()
	c.tasks[taskID] = st
	c.mu.Unlock()

	if c.audit != nil {
		if err := c.audit.RecordTask(ctx, taskID, queryText, ordered, st.createdAt); err != nil {
			c.logger.Error("task audit write failed", "task_id", taskID, "error", err)
		}
	}
	c.hub.Publish(events.TypeTaskBroadcast, map[string]any{
		"task_id": taskID,
		"targets": len(st.targets),
	})
	c.logger.Info("task broadcast", "task_id", taskID, "targets", len(st.targets))
	return taskID, nil
}

// Poll hands the client its oldest pending task, if any.
func (c *Coordinator) Poll(ctx context.Context, clientID string) (*broker.Task, error) {
	task, err := c.broker.Poll(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, nil
	}

	c.mu.Lock()
	st, ok := c.tasks[task.ID]
	if !ok {
		// A durable broker can outlive the coordinator process; rebuild the
		// bookkeeping from the task itself.
		st = &taskState{
			queryText: task.QueryText,
			targets:   make(map[string]struct{}, len(task.TargetIDs)),
			acked:     make(map[string]struct{}),
			status:    broker.StatusPending,
			createdAt: task.CreatedAt,
		}
		for _, id := range task.TargetIDs {
			st.targets[id] = struct{}{}
		}
		c.tasks[task.ID] = st
	}
	firstDelivery := st.status == broker.StatusPending
	if firstDelivery {
		st.status = broker.StatusDelivered
	}
	c.mu.Unlock()

	if firstDelivery && c.audit != nil {
		if err := c.audit.UpdateTaskStatus(ctx, task.ID, string(broker.StatusDelivered), nil); err != nil {
			c.logger.Error("task audit update failed", "task_id", task.ID, "error", err)
		}
	}
	c.hub.Publish(events.TypeTaskDelivered, map[string]any{
		"task_id":   task.ID,
		"client_id": clientID,
	})
	return task, nil
}

// SubmitInsight validates the payload against the fixed schema, then records
// it through the broker.
func (c *Coordinator) SubmitInsight(ctx context.Context, clientID, taskID string, payload json.RawMessage, similarity float64) error {
	if _, err := gate.DecodePayload(payload); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if math.IsNaN(similarity) || math.IsInf(similarity, 0) || similarity < -1 || similarity > 1 {
		return fmt.Errorf("%w: similarity score %f out of range", ErrInvalidPayload, similarity)
	}

	if err := c.broker.SubmitInsight(ctx, clientID, taskID, payload, similarity); err != nil {
		return err
	}

	if c.audit != nil {
		if err := c.audit.RecordInsight(ctx, taskID, clientID, payload, similarity, time.Now().UTC()); err != nil {
			c.logger.Error("insight audit write failed", "task_id", taskID, "error", err)
		}
	}
	c.hub.Publish(events.TypeInsightAccepted, map[string]any{
		"task_id":   taskID,
		"client_id": clientID,
	})
	c.logger.Info("insight accepted", "task_id", taskID, "client_id", clientID)
	return nil
}

// Acknowledge clears the client's queue entry and advances settlement. It
// never returns an error: ack failures must not stall worker loops.
func (c *Coordinator) Acknowledge(ctx context.Context, clientID, taskID string) error {
	_ = c.broker.Acknowledge(ctx, clientID, taskID)

	now := time.Now().UTC()
	settled := false

	c.mu.Lock()
	if st, ok := c.tasks[taskID]; ok {
		if _, targeted := st.targets[clientID]; targeted {
			if _, dup := st.acked[clientID]; !dup {
				st.acked[clientID] = struct{}{}
			}
			if len(st.acked) == len(st.targets) && st.status != broker.StatusAcknowledged {
				st.status = broker.StatusAcknowledged
				settled = true
			}
		}
	}
	c.mu.Unlock()

	if c.audit != nil {
		if err := c.audit.RecordAck(ctx, taskID, clientID, now); err != nil {
			c.logger.Error("ack audit write failed", "task_id", taskID, "error", err)
		}
		if settled {
			if err := c.audit.UpdateTaskStatus(ctx, taskID, string(broker.StatusAcknowledged), &now); err != nil {
				c.logger.Error("settlement audit update failed", "task_id", taskID, "error", err)
			}
		}
	}

	c.hub.Publish(events.TypeTaskAcked, map[string]any{
		"task_id":   taskID,
		"client_id": clientID,
	})
	if settled {
		c.hub.Publish(events.TypeTaskSettled, map[string]any{"task_id": taskID})
		c.logger.Info("task settled", "task_id", taskID)
	}
	return nil
}

// Insights returns the accepted insights for a task, oldest first.
func (c *Coordinator) Insights(ctx context.Context, taskID string) ([]broker.Insight, error) {
	return c.broker.Insights(ctx, taskID)
}

// Status reports a task's current lifecycle status, or "" when unknown.
func (c *Coordinator) Status(taskID string) broker.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.tasks[taskID]; ok {
		return st.status
	}
	return ""
}

// Outstanding counts tasks that have not settled yet.
func (c *Coordinator) Outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, st := range c.tasks {
		if st.status != broker.StatusAcknowledged {
			n++
		}
	}
	return n
}
