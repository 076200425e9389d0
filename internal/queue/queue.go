// Package queue is the Redis-backed priority queue for key-packet jobs plus
// the per-task result slots the front-end polls. The queue is a single
// sorted set popped with ZPOPMIN, so the lowest score wins: smaller account
// priority first, then the most recently updated account.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/skyroute/drone-gateway/internal/metrics"
)

const (
	queueKey      = "queue:priority"
	taskKeyPrefix = "task:"
)

// ErrQueueFull is returned by Enqueue when the queue is at capacity.
var ErrQueueFull = errors.New("queue: at capacity")

// KV is the slice of the Redis client the queue uses. *redis.Client
// satisfies it; tests substitute an in-memory map.
type KV interface {
	ZCard(ctx context.Context, key string) *redis.IntCmd
	ZAdd(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd
	ZPopMin(ctx context.Context, key string, count ...int64) *redis.ZSliceCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
}

// Job is one queued key packet. UpdateTime is the owning account's update
// epoch in seconds; it only participates in scoring.
type Job struct {
	TaskID        string `json:"task_id"`
	Username      string `json:"username"`
	Priority      int    `json:"priority"`
	UpdateTime    int64  `json:"update_time"`
	EncryptedData string `json:"encrypted_data"`
	DroneID       string `json:"drone_id"`
	ServerIdx     int    `json:"server_idx"`
}

// TaskState is the result slot stored under task:{id}. It moves through
// queued, processing, and completed or failed; the slot TTL doubles as the
// queue wait deadline, so an expired slot means the task timed out.
type TaskState struct {
	Status     string          `json:"status"`
	Data       json.RawMessage `json:"data,omitempty"`
	Error      string          `json:"error,omitempty"`
	Username   string          `json:"username,omitempty"`
	StartTime  string          `json:"start_time,omitempty"`
	FinishTime string          `json:"finish_time,omitempty"`
	ServerIdx  int             `json:"server_idx,omitempty"`
}

const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Score orders the queue. Priority dominates; within one priority the
// account with the newest update epoch sorts first. The 1e15/1e6 split
// keeps both terms apart inside a float64's integer range.
func Score(priority int, updateEpoch int64) float64 {
	s := float64(priority) * 1e15
	if updateEpoch > 0 {
		s -= float64(updateEpoch) * 1e6
	}
	return s
}

type Queue struct {
	kv          KV
	maxSize     int64
	waitTimeout time.Duration
	logger      *zap.Logger
}

func New(kv KV, maxSize int, waitTimeout time.Duration, logger *zap.Logger) *Queue {
	return &Queue{
		kv:          kv,
		maxSize:     int64(maxSize),
		waitTimeout: waitTimeout,
		logger:      logger,
	}
}

// Enqueue scores and pushes job, and opens its result slot in state queued.
// The capacity check is advisory (check then add, not atomic); a short
// overshoot under concurrent enqueues is acceptable, unbounded growth is
// not.
func (q *Queue) Enqueue(ctx context.Context, job *Job) error {
	size, err := q.kv.ZCard(ctx, queueKey).Result()
	if err != nil {
		return fmt.Errorf("queue: zcard: %w", err)
	}
	if size >= q.maxSize {
		metrics.QueueRejectsTotal.Inc()
		q.logger.Warn("queue full, rejecting job",
			zap.String("task_id", job.TaskID),
			zap.Int64("size", size),
		)
		return ErrQueueFull
	}

	member, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue: marshal job: %w", err)
	}
	z := redis.Z{Score: Score(job.Priority, job.UpdateTime), Member: string(member)}
	if err := q.kv.ZAdd(ctx, queueKey, z).Err(); err != nil {
		return fmt.Errorf("queue: zadd: %w", err)
	}
	metrics.QueueDepth.Set(float64(size + 1))

	if err := q.setTask(ctx, job.TaskID, &TaskState{Status: StatusQueued}); err != nil {
		return err
	}
	return nil
}

// Dequeue pops the best-scored job. Returns (nil, nil) when the queue is
// empty.
func (q *Queue) Dequeue(ctx context.Context) (*Job, error) {
	popped, err := q.kv.ZPopMin(ctx, queueKey, 1).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: zpopmin: %w", err)
	}
	if len(popped) == 0 {
		metrics.QueueDepth.Set(0)
		return nil, nil
	}

	member, ok := popped[0].Member.(string)
	if !ok {
		return nil, fmt.Errorf("queue: unexpected member type %T", popped[0].Member)
	}
	var job Job
	if err := json.Unmarshal([]byte(member), &job); err != nil {
		return nil, fmt.Errorf("queue: unmarshal job: %w", err)
	}
	return &job, nil
}

// Depth returns the number of queued jobs.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	n, err := q.kv.ZCard(ctx, queueKey).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: zcard: %w", err)
	}
	return n, nil
}

// SetProcessing marks the task's slot as claimed by a worker.
func (q *Queue) SetProcessing(ctx context.Context, taskID, username string, serverIdx int, startTime string) error {
	return q.setTask(ctx, taskID, &TaskState{
		Status:    StatusProcessing,
		Username:  username,
		StartTime: startTime,
		ServerIdx: serverIdx,
	})
}

// SetCompleted stores the upstream's raw response body in the slot.
func (q *Queue) SetCompleted(ctx context.Context, taskID string, data []byte, username, startTime string, serverIdx int) error {
	return q.setTask(ctx, taskID, &TaskState{
		Status:     StatusCompleted,
		Data:       json.RawMessage(data),
		Username:   username,
		StartTime:  startTime,
		FinishTime: time.Now().Format(time.RFC3339Nano),
		ServerIdx:  serverIdx,
	})
}

// SetFailed records a terminal error in the slot.
func (q *Queue) SetFailed(ctx context.Context, taskID, errMsg, username, startTime string) error {
	return q.setTask(ctx, taskID, &TaskState{
		Status:     StatusFailed,
		Error:      errMsg,
		Username:   username,
		StartTime:  startTime,
		FinishTime: time.Now().Format(time.RFC3339Nano),
	})
}

// GetTask reads the task's slot. Returns (nil, nil) once the slot has
// expired or never existed.
func (q *Queue) GetTask(ctx context.Context, taskID string) (*TaskState, error) {
	raw, err := q.kv.Get(ctx, taskKeyPrefix+taskID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue: get task: %w", err)
	}
	var st TaskState
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return nil, fmt.Errorf("queue: unmarshal task state: %w", err)
	}
	return &st, nil
}

func (q *Queue) setTask(ctx context.Context, taskID string, st *TaskState) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("queue: marshal task state: %w", err)
	}
	// Every write refreshes the TTL so a slot lives exactly one wait window
	// past its last transition.
	if err := q.kv.Set(ctx, taskKeyPrefix+taskID, raw, q.waitTimeout).Err(); err != nil {
		return fmt.Errorf("queue: set task: %w", err)
	}
	return nil
}
