package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// AuditStore persists task lifecycle records for after-the-fact review.
// Query vectors are deliberately not stored; only the human-readable query
// text and the structured, already-sanitized payloads land on disk.
type AuditStore struct {
	db *sql.DB
}

// NewAuditStore wraps an opened sqlite handle.
func NewAuditStore(db *sql.DB) *AuditStore {
	return &AuditStore{db: db}
}

// RecordTask inserts the audit row for a freshly broadcast task.
func (s *AuditStore) RecordTask(ctx context.Context, taskID, queryText string, targetIDs []string, createdAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
INSERT OR IGNORE INTO task_audit(task_id, query_text, target_clients, status, created_at)
VALUES(?, ?, ?, 'pending', ?);
`, taskID, queryText, strings.Join(targetIDs, ","), createdAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("record task audit: %w", err)
	}
	return nil
}

// UpdateTaskStatus advances the stored status. settledAt is written only for
// the terminal acknowledged state.
func (s *AuditStore) UpdateTaskStatus(ctx context.Context, taskID, status string, settledAt *time.Time) error {
	var settled any
	if settledAt != nil {
		settled = settledAt.UTC().Format(time.RFC3339Nano)
	}
	_, err := s.db.ExecContext(ctx, `
UPDATE task_audit SET status = ?, settled_at = COALESCE(?, settled_at) WHERE task_id = ?;
`, status, settled, taskID)
	if err != nil {
		return fmt.Errorf("update task audit: %w", err)
	}
	return nil
}

// RecordInsight stores one accepted insight. The (task, client) primary key
// makes replays harmless.
func (s *AuditStore) RecordInsight(ctx context.Context, taskID, clientID string, payload json.RawMessage, similarity float64, submittedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
INSERT OR IGNORE INTO insight_audit(task_id, client_id, payload, similarity_score, submitted_at)
VALUES(?, ?, ?, ?, ?);
`, taskID, clientID, string(payload), similarity, submittedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("record insight audit: %w", err)
	}
	return nil
}

// RecordAck stores one acknowledgment.
func (s *AuditStore) RecordAck(ctx context.Context, taskID, clientID string, ackedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
INSERT OR IGNORE INTO ack_audit(task_id, client_id, acked_at)
VALUES(?, ?, ?);
`, taskID, clientID, ackedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("record ack audit: %w", err)
	}
	return nil
}

// TaskRow is the audit projection of a task.
type TaskRow struct {
	TaskID        string
	QueryText     string
	TargetClients []string
	Status        string
	CreatedAt     time.Time
	SettledAt     *time.Time
}

// Task loads one audit row, or nil if the task was never recorded.
func (s *AuditStore) Task(ctx context.Context, taskID string) (*TaskRow, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT task_id, query_text, target_clients, status, created_at, settled_at
FROM task_audit WHERE task_id = ?;
`, taskID)

	var (
		r        TaskRow
		targets  string
		createdS string
		settledS sql.NullString
	)
	err := row.Scan(&r.TaskID, &r.QueryText, &targets, &r.Status, &createdS, &settledS)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load task audit: %w", err)
	}

	if targets != "" {
		r.TargetClients = strings.Split(targets, ",")
	}
	if t, err := time.Parse(time.RFC3339Nano, createdS); err == nil {
		r.CreatedAt = t
	}
	if settledS.Valid {
		if t, err := time.Parse(time.RFC3339Nano, settledS.String); err == nil {
			r.SettledAt = &t
		}
	}
	return &r, nil
}
