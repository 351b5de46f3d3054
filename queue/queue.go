// Package queue hands indexing requests from the API server to a worker
// process over redis and mirrors the worker's job state back.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pablobfonseca/go-media-vector/config"
	"github.com/pablobfonseca/go-media-vector/models"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const (
	IndexQueue = "media_indexing"

	TaskTypeIndex = "index_folder"

	stateKey  = IndexQueue + ":state"
	resultTTL = 24 * time.Hour

	// DefaultStateLease is how long a running state survives without a
	// refresh. A worker that dies mid-job stops refreshing, so the state
	// falls back to idle instead of blocking new jobs forever.
	DefaultStateLease = 2 * time.Minute
)

// extendRunning refreshes the state key's expiry only while it still holds a
// running job, so a finished state is never given a deadline.
var extendRunning = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if v and string.find(v, '"status":"running"', 1, true) then
	return redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return 0
`)

type TaskPayload struct {
	TaskID   string              `json:"task_id"`
	TaskType string              `json:"task_type"`
	Request  models.IndexRequest `json:"request"`
	Created  time.Time           `json:"created"`
}

type Queue struct {
	client *redis.Client
	name   string
	lease  time.Duration
}

// New connects to redis. A failed ping is logged, not fatal; calls will
// fail until redis is reachable.
func New(ctx context.Context, cfg config.RedisConfig) *Queue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	q := NewWithClient(client, IndexQueue)
	if err := q.Ping(ctx); err != nil {
		logrus.WithError(err).WithField("addr", cfg.Addr).Warn("Redis connection failed")
	} else {
		logrus.WithField("addr", cfg.Addr).Info("Redis connected successfully")
	}
	return q
}

func NewWithClient(client *redis.Client, name string) *Queue {
	return &Queue{client: client, name: name, lease: DefaultStateLease}
}

// SetStateLease changes how long a running state lives between refreshes.
func (q *Queue) SetStateLease(d time.Duration) {
	if d > 0 {
		q.lease = d
	}
}

func (q *Queue) StateLease() time.Duration {
	return q.lease
}

func (q *Queue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func (q *Queue) Close() error {
	return q.client.Close()
}

// Enqueue adds an index request and marks its task as queued.
func (q *Queue) Enqueue(ctx context.Context, req models.IndexRequest) (string, error) {
	task := TaskPayload{
		TaskID:   uuid.NewString(),
		TaskType: TaskTypeIndex,
		Request:  req,
		Created:  time.Now().UTC(),
	}
	taskJSON, err := json.Marshal(task)
	if err != nil {
		return "", err
	}
	if err := q.client.RPush(ctx, q.name, taskJSON).Err(); err != nil {
		return "", err
	}
	if err := q.SetTaskStatus(ctx, task.TaskID, "queued"); err != nil {
		return "", err
	}
	return task.TaskID, nil
}

// Dequeue blocks up to timeout for a task. It returns nil, nil when none
// arrived.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*TaskPayload, error) {
	result, err := q.client.BLPop(ctx, timeout, q.name).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	// Result contains queue name at index 0 and payload at index 1
	if len(result) < 2 {
		return nil, fmt.Errorf("invalid result format from redis")
	}

	var task TaskPayload
	if err := json.Unmarshal([]byte(result[1]), &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// Len reports how many tasks are waiting.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.name).Result()
}

func (q *Queue) GetTaskStatus(ctx context.Context, taskID string) (string, error) {
	status, err := q.client.Get(ctx, taskKey(taskID, "status")).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "unknown", nil
		}
		return "", err
	}
	return status, nil
}

func (q *Queue) SetTaskStatus(ctx context.Context, taskID, status string) error {
	return q.client.Set(ctx, taskKey(taskID, "status"), status, resultTTL).Err()
}

// StoreTaskResult keeps the final job state of a task for a day.
func (q *Queue) StoreTaskResult(ctx context.Context, taskID string, state models.IndexJobState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return q.client.Set(ctx, taskKey(taskID, "result"), data, resultTTL).Err()
}

// GetTaskResult returns nil when the task has no stored result.
func (q *Queue) GetTaskResult(ctx context.Context, taskID string) (*models.IndexJobState, error) {
	data, err := q.client.Get(ctx, taskKey(taskID, "result")).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var state models.IndexJobState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// PublishState mirrors the worker's job state for pollers. Running states
// expire after the state lease unless refreshed; terminal states persist.
func (q *Queue) PublishState(ctx context.Context, state models.IndexJobState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	var ttl time.Duration
	if state.Running() {
		ttl = q.lease
	}
	return q.client.Set(ctx, stateKey, data, ttl).Err()
}

// KeepAlive extends the lease of a running state. It is a no-op once the
// state has moved on.
func (q *Queue) KeepAlive(ctx context.Context) error {
	return extendRunning.Run(ctx, q.client, []string{stateKey}, q.lease.Milliseconds()).Err()
}

// State reads the mirrored job state, idle when nothing was published yet.
func (q *Queue) State(ctx context.Context) (models.IndexJobState, error) {
	data, err := q.client.Get(ctx, stateKey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return models.IndexJobState{Status: models.JobStatusIdle, Phase: models.PhaseIdle}, nil
		}
		return models.IndexJobState{}, err
	}
	var state models.IndexJobState
	if err := json.Unmarshal(data, &state); err != nil {
		return models.IndexJobState{}, err
	}
	return state, nil
}

func taskKey(taskID, field string) string {
	return fmt.Sprintf("task:%s:%s", taskID, field)
}
