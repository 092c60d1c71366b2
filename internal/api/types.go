package api

import (
	"encoding/json"
	"time"
)

// BroadcastRequest is the JSON body for POST /api/v1/query/broadcast.
// The query vector is privacy-noised by the caller before submission.
type BroadcastRequest struct {
	QueryText     string    `json:"query_text"`
	QueryVector   []float64 `json:"query_vector"`
	TargetClients []string  `json:"target_clients"`
}

// BroadcastResponse is returned on successful fan-out.
type BroadcastResponse struct {
	TaskID string `json:"task_id"`
}

// TaskPayload is the wire form of a delivered task.
type TaskPayload struct {
	TaskID      string    `json:"task_id"`
	QueryText   string    `json:"query_text"`
	QueryVector []float64 `json:"query_vector"`
}

// PollResponse is returned by GET /api/v1/client/{client_id}/poll.
// Task is null when the queue is empty; an empty queue is not an error.
type PollResponse struct {
	Task *TaskPayload `json:"task"`
}

// InsightRequest is the JSON body for POST /api/v1/query/{task_id}/insight.
type InsightRequest struct {
	ClientID         string          `json:"client_id"`
	SanitizedInsight json.RawMessage `json:"sanitized_insight"`
	SimilarityScore  float64         `json:"similarity_score"`
}

// AckRequest is the JSON body for POST /api/v1/query/{task_id}/ack.
type AckRequest struct {
	ClientID string `json:"client_id"`
}

// StatusResponse acknowledges an insight or ack submission.
type StatusResponse struct {
	Status string `json:"status"`
}

// InsightPayload is one accepted insight in a consensus response.
type InsightPayload struct {
	ClientID         string          `json:"client_id"`
	SanitizedInsight json.RawMessage `json:"sanitized_insight"`
	SimilarityScore  float64         `json:"similarity_score"`
	SubmittedAt      time.Time       `json:"submitted_at"`
}

// ConsensusResponse is returned by GET /api/v1/query/{task_id}/consensus.
type ConsensusResponse struct {
	TaskID   string           `json:"task_id"`
	Insights []InsightPayload `json:"insights"`
}

// ErrorResponse is returned on errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status           string `json:"status"`
	UptimeSeconds    int64  `json:"uptime_seconds"`
	OutstandingTasks int    `json:"outstanding_tasks"`
}
