package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisConfig tunes the redis-backed broker.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`

	// KnownClients has the same reject-unknown-targets semantics as the
	// memory broker.
	KnownClients []string `yaml:"known_clients"`
}

// Redis is the durable broker backend. Layout per client:
//
//	queue:{client}      pending task JSON, oldest at the head
//	processing:{client} delivered entries awaiting ack
//
// and per task:
//
//	delivered:{task}  set of clients the task was delivered to
//	submitted:{task}  set of clients whose insight was accepted
//	insights:{task}   accepted insight JSON, oldest first
type Redis struct {
	rdb    *redis.Client
	known  map[string]struct{}
	logger *slog.Logger
}

// NewRedis connects to redis and verifies the connection.
func NewRedis(cfg RedisConfig, logger *slog.Logger) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	var known map[string]struct{}
	if len(cfg.KnownClients) > 0 {
		known = make(map[string]struct{}, len(cfg.KnownClients))
		for _, id := range cfg.KnownClients {
			known[id] = struct{}{}
		}
	}

	return &Redis{
		rdb:    rdb,
		known:  known,
		logger: logger.With("component", "broker", "backend", "redis"),
	}, nil
}

// Close releases the redis connection pool.
func (r *Redis) Close() error {
	return r.rdb.Close()
}

func queueKey(clientID string) string      { return "queue:" + clientID }
func processingKey(clientID string) string { return "processing:" + clientID }
func deliveredKey(taskID string) string    { return "delivered:" + taskID }
func submittedKey(taskID string) string    { return "submitted:" + taskID }
func insightsKey(taskID string) string     { return "insights:" + taskID }

// Broadcast fans one task into each target's queue in a single pipeline.
func (r *Redis) Broadcast(ctx context.Context, queryText string, queryVector []float64, targetIDs []string) (string, error) {
	targets := dedupeTargets(targetIDs)
	if len(targets) == 0 {
		return "", ErrInvalidTarget
	}
	if r.known != nil {
		for _, id := range targets {
			if _, ok := r.known[id]; !ok {
				return "", ErrInvalidTarget
			}
		}
	}

	task := Task{
		ID:          uuid.NewString(),
		QueryText:   queryText,
		QueryVector: queryVector,
		TargetIDs:   targets,
		Status:      StatusPending,
		CreatedAt:   time.Now().UTC(),
	}
	data, err := json.Marshal(task)
	if err != nil {
		return "", fmt.Errorf("marshal task: %w", err)
	}

	pipe := r.rdb.Pipeline()
	for _, id := range targets {
		pipe.RPush(ctx, queueKey(id), data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("enqueue task: %w", err)
	}

	r.logger.Debug("task broadcast", "task_id", task.ID, "targets", len(targets))
	return task.ID, nil
}

// Poll atomically moves the oldest queue entry to the processing list and
// returns it. LMOVE serializes concurrent polls on the same client.
func (r *Redis) Poll(ctx context.Context, clientID string) (*Task, error) {
	data, err := r.rdb.LMove(ctx, queueKey(clientID), processingKey(clientID), "LEFT", "RIGHT").Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("poll queue: %w", err)
	}

	var task Task
	if err := json.Unmarshal([]byte(data), &task); err != nil {
		return nil, fmt.Errorf("decode queued task: %w", err)
	}
	task.Status = StatusDelivered

	if err := r.rdb.SAdd(ctx, deliveredKey(task.ID), clientID).Err(); err != nil {
		return nil, fmt.Errorf("mark delivered: %w", err)
	}
	return &task, nil
}

// SubmitInsight appends the insight unless this client already submitted one
// for the task.
func (r *Redis) SubmitInsight(ctx context.Context, clientID, taskID string, payload json.RawMessage, similarity float64) error {
	wasDelivered, err := r.rdb.SIsMember(ctx, deliveredKey(taskID), clientID).Result()
	if err != nil {
		return fmt.Errorf("check delivery: %w", err)
	}
	if !wasDelivered {
		return ErrUnknownTask
	}

	added, err := r.rdb.SAdd(ctx, submittedKey(taskID), clientID).Result()
	if err != nil {
		return fmt.Errorf("record submission: %w", err)
	}
	if added == 0 {
		// Resubmission; first accepted payload wins.
		return nil
	}

	ins := Insight{
		TaskID:      taskID,
		SubmittedBy: clientID,
		Payload:     payload,
		Similarity:  similarity,
		SubmittedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(ins)
	if err != nil {
		return fmt.Errorf("marshal insight: %w", err)
	}
	if err := r.rdb.RPush(ctx, insightsKey(taskID), data).Err(); err != nil {
		return fmt.Errorf("store insight: %w", err)
	}
	return nil
}

// Acknowledge removes the matching entry from the client's processing list.
// Failures are logged, never returned: ack must not stall the worker loop.
func (r *Redis) Acknowledge(ctx context.Context, clientID, taskID string) error {
	key := processingKey(clientID)
	entries, err := r.rdb.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		r.logger.Error("ack lookup failed", "client_id", clientID, "task_id", taskID, "error", err)
		return nil
	}
	for _, raw := range entries {
		var task Task
		if err := json.Unmarshal([]byte(raw), &task); err != nil {
			continue
		}
		if task.ID == taskID {
			if err := r.rdb.LRem(ctx, key, 1, raw).Err(); err != nil {
				r.logger.Error("ack remove failed", "client_id", clientID, "task_id", taskID, "error", err)
			}
			return nil
		}
	}
	return nil
}

// Insights returns accepted insights for a task, oldest first.
func (r *Redis) Insights(ctx context.Context, taskID string) ([]Insight, error) {
	raw, err := r.rdb.LRange(ctx, insightsKey(taskID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read insights: %w", err)
	}
	out := make([]Insight, 0, len(raw))
	for _, item := range raw {
		var ins Insight
		if err := json.Unmarshal([]byte(item), &ins); err != nil {
			return nil, fmt.Errorf("decode insight: %w", err)
		}
		out = append(out, ins)
	}
	return out, nil
}

// RequeueOrphans moves every processing entry back to the front of its
// queue. Run once at coordinator startup so tasks claimed by a previous
// process become pollable again.
func (r *Redis) RequeueOrphans(ctx context.Context) error {
	iter := r.rdb.Scan(ctx, 0, "processing:*", 0).Iterator()
	requeued := 0
	for iter.Next(ctx) {
		procKey := iter.Val()
		clientID := procKey[len("processing:"):]
		for {
			// Newest-first back onto the head restores original order.
			err := r.rdb.LMove(ctx, procKey, queueKey(clientID), "RIGHT", "LEFT").Err()
			if errors.Is(err, redis.Nil) {
				break
			}
			if err != nil {
				return fmt.Errorf("requeue orphans for %s: %w", clientID, err)
			}
			requeued++
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan processing queues: %w", err)
	}
	if requeued > 0 {
		r.logger.Warn("requeued orphaned tasks from previous run", "count", requeued)
	}
	return nil
}
