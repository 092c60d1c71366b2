package broker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryConfig tunes the in-memory broker.
type MemoryConfig struct {
	// KnownClients, when non-empty, is the registry of valid identities.
	// Broadcasts naming an identity outside it are rejected with
	// ErrInvalidTarget rather than silently dropped.
	KnownClients []string

	// VisibilityTimeout returns a delivered-but-unacknowledged entry to
	// pollable state after this duration. Zero disables redelivery.
	VisibilityTimeout time.Duration
}

// Memory is the zero-dependency broker for tests and single-process
// simulation. Each client queue has its own lock; operations on different
// clients never contend.
type Memory struct {
	cfg    MemoryConfig
	known  map[string]struct{}
	logger *slog.Logger

	qmu    sync.RWMutex
	queues map[string]*clientQueue

	smu       sync.Mutex
	insights  map[string][]Insight
	delivered map[string]map[string]time.Time
}

type clientQueue struct {
	mu      sync.Mutex
	entries []*queueEntry
}

type queueEntry struct {
	task        Task
	deliveredAt *time.Time
}

// NewMemory creates an in-memory broker.
func NewMemory(cfg MemoryConfig, logger *slog.Logger) *Memory {
	var known map[string]struct{}
	if len(cfg.KnownClients) > 0 {
		known = make(map[string]struct{}, len(cfg.KnownClients))
		for _, id := range cfg.KnownClients {
			known[id] = struct{}{}
		}
	}
	return &Memory{
		cfg:       cfg,
		known:     known,
		logger:    logger.With("component", "broker", "backend", "memory"),
		queues:    make(map[string]*clientQueue),
		insights:  make(map[string][]Insight),
		delivered: make(map[string]map[string]time.Time),
	}
}

func (m *Memory) queue(clientID string) *clientQueue {
	m.qmu.RLock()
	q, ok := m.queues[clientID]
	m.qmu.RUnlock()
	if ok {
		return q
	}

	m.qmu.Lock()
	defer m.qmu.Unlock()
	if q, ok := m.queues[clientID]; ok {
		return q
	}
	q = &clientQueue{}
	m.queues[clientID] = q
	return q
}

// Broadcast fans one task into each target's queue.
func (m *Memory) Broadcast(ctx context.Context, queryText string, queryVector []float64, targetIDs []string) (string, error) {
	targets := dedupeTargets(targetIDs)
	if len(targets) == 0 {
		return "", ErrInvalidTarget
	}
	if m.known != nil {
		for _, id := range targets {
			if _, ok := m.known[id]; !ok {
				return "", ErrInvalidTarget
			}
		}
	}

	task := Task{
		ID:          uuid.NewString(),
		QueryText:   queryText,
		QueryVector: append([]float64(nil), queryVector...),
		TargetIDs:   targets,
		Status:      StatusPending,
		CreatedAt:   time.Now().UTC(),
	}

	for _, id := range targets {
		q := m.queue(id)
		q.mu.Lock()
		q.entries = append(q.entries, &queueEntry{task: task})
		q.mu.Unlock()
	}

	m.logger.Debug("task broadcast", "task_id", task.ID, "targets", len(targets))
	return task.ID, nil
}

// Poll returns the oldest pollable entry and marks it delivered. Entries
// whose visibility lease expired become pollable again.
func (m *Memory) Poll(ctx context.Context, clientID string) (*Task, error) {
	q := m.queue(clientID)
	now := time.Now().UTC()

	q.mu.Lock()
	defer q.mu.Unlock()

	for _, e := range q.entries {
		if e.deliveredAt != nil {
			if m.cfg.VisibilityTimeout <= 0 || now.Sub(*e.deliveredAt) < m.cfg.VisibilityTimeout {
				continue
			}
			m.logger.Warn("redelivering expired task", "task_id", e.task.ID, "client_id", clientID)
		}
		t := now
		e.deliveredAt = &t
		m.markDelivered(e.task.ID, clientID, t)

		out := e.task
		out.QueryVector = append([]float64(nil), e.task.QueryVector...)
		out.Status = StatusDelivered
		return &out, nil
	}
	return nil, nil
}

// SubmitInsight records an insight for a task previously delivered to the
// client. A second submission for the same pair is a no-op.
func (m *Memory) SubmitInsight(ctx context.Context, clientID, taskID string, payload json.RawMessage, similarity float64) error {
	m.smu.Lock()
	defer m.smu.Unlock()

	if _, ok := m.delivered[taskID][clientID]; !ok {
		return ErrUnknownTask
	}
	for _, ins := range m.insights[taskID] {
		if ins.SubmittedBy == clientID {
			return nil
		}
	}
	m.insights[taskID] = append(m.insights[taskID], Insight{
		TaskID:      taskID,
		SubmittedBy: clientID,
		Payload:     append(json.RawMessage(nil), payload...),
		Similarity:  similarity,
		SubmittedAt: time.Now().UTC(),
	})
	return nil
}

// Acknowledge removes the task from this client's queue only. Unknown or
// already-cleared tasks are a tolerated no-op.
func (m *Memory) Acknowledge(ctx context.Context, clientID, taskID string) error {
	q := m.queue(clientID)

	q.mu.Lock()
	defer q.mu.Unlock()
	for i, e := range q.entries {
		if e.task.ID == taskID {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return nil
		}
	}
	return nil
}

// Insights returns accepted insights for a task, oldest first.
func (m *Memory) Insights(ctx context.Context, taskID string) ([]Insight, error) {
	m.smu.Lock()
	defer m.smu.Unlock()
	return append([]Insight(nil), m.insights[taskID]...), nil
}

func (m *Memory) markDelivered(taskID, clientID string, at time.Time) {
	m.smu.Lock()
	defer m.smu.Unlock()
	if m.delivered[taskID] == nil {
		m.delivered[taskID] = make(map[string]time.Time)
	}
	if _, ok := m.delivered[taskID][clientID]; !ok {
		m.delivered[taskID][clientID] = at
	}
}

func dedupeTargets(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
