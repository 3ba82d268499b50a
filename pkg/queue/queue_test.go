package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu       sync.Mutex
	messages [][]byte
	retry    [][]byte
	dlq      [][]byte
	statuses map[string]Status
}

func newMemStore() *memStore { return &memStore{statuses: map[string]Status{}} }

func (s *memStore) push(_ context.Context, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, data)
	return nil
}

func (s *memStore) pop(_ context.Context, wait time.Duration) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.messages) == 0 {
		s.mu.Unlock()
		time.Sleep(wait)
		s.mu.Lock()
		return nil, errEmpty
	}
	d := s.messages[0]
	s.messages = s.messages[1:]
	return d, nil
}

func (s *memStore) scheduleRetry(_ context.Context, data []byte, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retry = append(s.retry, data)
	return nil
}

func (s *memStore) promoteDue(context.Context, time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, s.retry...)
	s.retry = nil
	return nil
}

func (s *memStore) deadLetter(_ context.Context, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dlq = append(s.dlq, data)
	return nil
}

func (s *memStore) setStatus(_ context.Context, id string, st Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[id] = st
	return nil
}

func (s *memStore) status(_ context.Context, id string) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statuses[id], nil
}

func (s *memStore) ping(context.Context) error { return nil }

type echoPayload struct {
	N int `json:"n"`
}

type countingJob struct {
	failures int
	seen     []int
}

func (j *countingJob) Name() string { return "counting" }
func (j *countingJob) Type() string { return "count" }
func (j *countingJob) Handle(_ context.Context, raw json.RawMessage) error {
	p, err := ParsePayload[echoPayload](raw)
	if err != nil {
		return err
	}
	j.seen = append(j.seen, p.N)
	if j.failures > 0 {
		j.failures--
		return errors.New("transient")
	}
	return nil
}

func startedQueue(t *testing.T, st store, cfg QueueConfig, jobs ...Job) *RedisQueue {
	t.Helper()
	q := newQueue(nil, cfg, st)
	for _, j := range jobs {
		WithJobs(j)(q)
	}
	// drive workers by hand
	q.consume = false
	require.NoError(t, q.Start())
	return q
}

func TestEnqueueAndProcess(t *testing.T) {
	st := newMemStore()
	job := &countingJob{}
	q := startedQueue(t, st, QueueConfig{}, job)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "count", "run-1", echoPayload{N: 7}))
	s, _ := q.Status(ctx, "run-1")
	assert.Equal(t, StatusQueued, s)

	q.processNext()
	assert.Equal(t, []int{7}, job.seen)
	s, _ = q.Status(ctx, "run-1")
	assert.Equal(t, StatusDone, s)
}

func TestRetryThenDeadLetter(t *testing.T) {
	st := newMemStore()
	job := &countingJob{failures: 10}
	q := startedQueue(t, st, QueueConfig{RetryLimit: 1}, job)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "count", "", echoPayload{N: 1}))
	q.processNext()
	require.Len(t, st.retry, 1)

	var msg Message
	require.NoError(t, json.Unmarshal(st.retry[0], &msg))
	assert.Equal(t, 1, msg.Attempts)
	assert.NotEmpty(t, msg.ID, "generated id")
	s, _ := q.Status(ctx, msg.ID)
	assert.Equal(t, StatusRetry, s)

	require.NoError(t, st.promoteDue(ctx, time.Now()))
	q.processNext()
	assert.Len(t, st.dlq, 1)
	s, _ = q.Status(ctx, msg.ID)
	assert.Equal(t, StatusFailed, s)
}

func TestUnknownTypeIsDeadLettered(t *testing.T) {
	st := newMemStore()
	q := startedQueue(t, st, QueueConfig{})
	require.NoError(t, q.Enqueue(context.Background(), "nobody", "x", 1))
	q.processNext()
	assert.Len(t, st.dlq, 1)
}

func TestEnqueueRequiresStart(t *testing.T) {
	q := newQueue(nil, QueueConfig{}, newMemStore())
	assert.Error(t, q.Enqueue(context.Background(), "count", "", 1))
}

func TestStartStopWorkers(t *testing.T) {
	st := newMemStore()
	job := &countingJob{}
	q := newQueue(nil, QueueConfig{Workers: 2, PollWait: time.Millisecond, RetryDelay: 20 * time.Millisecond}, st, WithJobs(job))
	require.NoError(t, q.Start())
	require.Error(t, q.Start())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, q.Stop(ctx))
	require.NoError(t, q.Stop(ctx))
}
