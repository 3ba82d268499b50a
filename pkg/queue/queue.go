package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Publisher enqueues work for a consumer elsewhere.
type Publisher interface {
	Enqueue(ctx context.Context, msgType, id string, payload interface{}) error
	Status(ctx context.Context, id string) (Status, error)
}

// QueueConfig contains the configuration for the queue.
type QueueConfig struct {
	Workers    int           // number of workers
	RetryLimit int           // number of retries before the dead letter list
	RetryDelay time.Duration // delay between retries
	PollWait   time.Duration // blocking pop timeout
}

// Status is the lifecycle of one message.
type Status string

const (
	StatusUnknown Status = ""
	StatusQueued  Status = "queued"
	StatusRunning Status = "running"
	StatusRetry   Status = "retrying"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

// Message represents a message in the queue.
type Message struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Attempts  int             `json:"attempts"`
	Timestamp time.Time       `json:"timestamp"`
}

// ParsePayload decodes a job payload into T.
func ParsePayload[T any](payload json.RawMessage) (*T, error) {
	var result T
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	return &result, nil
}
