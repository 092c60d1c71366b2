// Package broker provides the task queue abstraction that fans a query out
// to per-client FIFO queues and tracks insight and acknowledgment state.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Status tracks a task's forward-only lifecycle.
type Status string

const (
	StatusPending      Status = "pending"
	StatusDelivered    Status = "delivered"
	StatusAcknowledged Status = "acknowledged"
)

// Task is one broadcast query. The same task is referenced from every
// targeted client's queue; a client only ever sees tasks that name it in
// TargetIDs.
type Task struct {
	ID          string    `json:"task_id"`
	QueryText   string    `json:"query_text"`
	QueryVector []float64 `json:"query_vector"`
	TargetIDs   []string  `json:"target_clients"`
	Status      Status    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}

// Insight is the sanitized result a client reported for a task. Payload is
// opaque to the broker; schema validation happens in the coordinator before
// the broker ever sees it.
type Insight struct {
	TaskID      string          `json:"task_id"`
	SubmittedBy string          `json:"client_id"`
	Payload     json.RawMessage `json:"sanitized_insight"`
	Similarity  float64         `json:"similarity_score"`
	SubmittedAt time.Time       `json:"submitted_at"`
}

var (
	// ErrInvalidTarget means a broadcast named no valid recipients.
	ErrInvalidTarget = errors.New("broadcast has no valid target clients")
	// ErrUnknownTask means an insight referenced a task that was never
	// delivered to the submitting client.
	ErrUnknownTask = errors.New("task was not delivered to this client")
)

// Broker is the queue capability. Implementations must serialize operations
// on the same client's queue to preserve FIFO order and the peek-then-clear
// invariant; operations on different clients must not contend.
type Broker interface {
	// Broadcast constructs a task and enqueues one reference per target.
	// Duplicate targets collapse to a single queue slot.
	Broadcast(ctx context.Context, queryText string, queryVector []float64, targetIDs []string) (string, error)

	// Poll returns the oldest undelivered task for the client and marks it
	// delivered, without removing it from the queue. An empty queue returns
	// (nil, nil), never an error.
	Poll(ctx context.Context, clientID string) (*Task, error)

	// SubmitInsight records a sanitized insight. Resubmission for the same
	// (task, client) pair is idempotent and keeps the first accepted payload.
	SubmitInsight(ctx context.Context, clientID, taskID string, payload json.RawMessage, similarity float64) error

	// Acknowledge clears the task from the client's queue. It never returns
	// an error for an unknown or already-cleared task, so a worker's cleanup
	// path can never stall.
	Acknowledge(ctx context.Context, clientID, taskID string) error

	// Insights returns every accepted insight for a task, oldest first.
	Insights(ctx context.Context, taskID string) ([]Insight, error)
}
