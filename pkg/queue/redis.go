package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"QuantLab/pkg/logger"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisQueue is a Redis list backed job queue with delayed retries and a
// dead letter list.
type RedisQueue struct {
	logger    *logger.Logger
	config    QueueConfig
	store     store
	jobs      map[string]Job
	wg        sync.WaitGroup
	mu        sync.RWMutex
	isRunning bool
	consume   bool
	ctx       context.Context
	cancel    context.CancelFunc
	now       func() time.Time
}

// RedisQueueOption configures RedisQueue.
type RedisQueueOption func(*RedisQueue)

// WithKeyPrefix sets the Redis key prefix.
func WithKeyPrefix(prefix string) RedisQueueOption {
	return func(r *RedisQueue) {
		if rs, ok := r.store.(*redisStore); ok && prefix != "" {
			rs.prefix = prefix
		}
	}
}

// WithJobs registers jobs and turns on the consumer side.
func WithJobs(jobs ...Job) RedisQueueOption {
	return func(r *RedisQueue) {
		for _, job := range jobs {
			r.jobs[job.Type()] = job
		}
		r.consume = len(r.jobs) > 0
	}
}

// NewRedisQueue creates a queue. Without WithJobs it only publishes.
func NewRedisQueue(lgr *logger.Logger, config QueueConfig, client *redis.Client, opts ...RedisQueueOption) *RedisQueue {
	return newQueue(lgr, config, &redisStore{client: client, prefix: "quantlab:queue"}, opts...)
}

func newQueue(lgr *logger.Logger, config QueueConfig, st store, opts ...RedisQueueOption) *RedisQueue {
	if lgr == nil {
		lgr = logger.Nop()
	}
	if config.Workers <= 0 {
		config.Workers = 1
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = 10 * time.Second
	}
	if config.PollWait <= 0 {
		config.PollWait = time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	rq := &RedisQueue{
		logger: lgr,
		config: config,
		store:  st,
		jobs:   make(map[string]Job),
		ctx:    ctx,
		cancel: cancel,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(rq)
	}
	for _, job := range rq.jobs {
		rq.logger.Info("job registered",
			logger.String("job", job.Name()),
			logger.String("type", job.Type()))
	}
	return rq
}

// Start pings Redis and, when jobs are registered, starts the workers and
// the retry processor.
func (r *RedisQueue) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.isRunning {
		return fmt.Errorf("queue already running")
	}

	ctx, cancel := context.WithTimeout(r.ctx, 5*time.Second)
	defer cancel()
	if err := r.store.ping(ctx); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	r.isRunning = true

	if !r.consume {
		r.logger.Info("redis publisher started")
		return nil
	}
	for i := 0; i < r.config.Workers; i++ {
		r.wg.Add(1)
		go r.worker(i)
	}
	r.wg.Add(1)
	go r.retryProcessor()
	r.logger.Info("redis queue started", logger.Int("workers", r.config.Workers))
	return nil
}

// Stop cancels workers and waits for them until ctx expires.
func (r *RedisQueue) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.isRunning {
		r.mu.Unlock()
		return nil
	}
	r.isRunning = false
	r.cancel()
	r.mu.Unlock()

	doneCh := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(doneCh)
	}()

	select {
	case <-ctx.Done():
		r.logger.Warn("timeout waiting for queue workers", logger.Error(ctx.Err()))
		return fmt.Errorf("timeout: %w", ctx.Err())
	case <-doneCh:
		r.logger.Info("redis queue stopped")
		return nil
	}
}

// Enqueue adds a message. An empty id gets a random UUID.
func (r *RedisQueue) Enqueue(ctx context.Context, msgType, id string, payload interface{}) error {
	r.mu.RLock()
	running := r.isRunning
	r.mu.RUnlock()
	if !running {
		return fmt.Errorf("queue not running")
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	if id == "" {
		id = uuid.NewString()
	}
	msg := Message{ID: id, Type: msgType, Payload: raw, Timestamp: r.now()}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if err := r.store.setStatus(ctx, id, StatusQueued); err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	if err := r.store.push(ctx, data); err != nil {
		return fmt.Errorf("lpush: %w", err)
	}
	return nil
}

// Status reports the lifecycle state of message id.
func (r *RedisQueue) Status(ctx context.Context, id string) (Status, error) {
	return r.store.status(ctx, id)
}

func (r *RedisQueue) worker(id int) {
	defer r.wg.Done()
	r.logger.Debug("queue worker started", logger.Int("worker_id", id))
	for r.ctx.Err() == nil {
		r.processNext()
	}
}

// processNext pops and handles at most one message.
func (r *RedisQueue) processNext() {
	data, err := r.store.pop(r.ctx, r.config.PollWait)
	if err != nil {
		if errors.Is(err, errEmpty) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return
		}
		r.logger.Error("brpop error", logger.Error(err))
		select {
		case <-time.After(time.Second):
		case <-r.ctx.Done():
		}
		return
	}

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		r.logger.Error("unmarshal message", logger.Error(err))
		return
	}
	r.processMessage(msg)
}

func (r *RedisQueue) processMessage(msg Message) {
	job, ok := r.jobs[msg.Type]
	if !ok {
		r.logger.Error("no job found",
			logger.String("type", msg.Type),
			logger.String("id", msg.ID))
		r.fail(msg)
		return
	}

	r.setStatus(msg.ID, StatusRunning)
	start := time.Now()
	err := job.Handle(r.ctx, msg.Payload)
	if err == nil {
		r.setStatus(msg.ID, StatusDone)
		r.logger.Info("job done",
			logger.String("id", msg.ID),
			logger.String("job", job.Name()),
			logger.Duration("elapsed_ms", time.Since(start)))
		return
	}
	if errors.Is(err, context.Canceled) {
		r.logger.Warn("job cancelled", logger.String("id", msg.ID), logger.String("job", job.Name()))
		return
	}

	r.logger.Error("message processing error",
		logger.String("id", msg.ID),
		logger.String("job", job.Name()),
		logger.Int("attempt", msg.Attempts+1),
		logger.Error(err))
	if msg.Attempts >= r.config.RetryLimit {
		r.logger.Error("max retries reached", logger.String("id", msg.ID), logger.String("job", job.Name()))
		r.fail(msg)
		return
	}
	msg.Attempts++
	data, mErr := json.Marshal(msg)
	if mErr != nil {
		r.logger.Error("marshal retry", logger.Error(mErr))
		return
	}
	if err := r.store.scheduleRetry(context.Background(), data, r.now().Add(r.config.RetryDelay)); err != nil {
		r.logger.Error("zadd retry", logger.Error(err))
		return
	}
	r.setStatus(msg.ID, StatusRetry)
}

func (r *RedisQueue) fail(msg Message) {
	data, err := json.Marshal(msg)
	if err == nil {
		err = r.store.deadLetter(context.Background(), data)
	}
	if err != nil {
		r.logger.Error("dead letter", logger.String("id", msg.ID), logger.Error(err))
	}
	r.setStatus(msg.ID, StatusFailed)
}

func (r *RedisQueue) setStatus(id string, s Status) {
	if err := r.store.setStatus(context.Background(), id, s); err != nil {
		r.logger.Warn("set status", logger.String("id", id), logger.Error(err))
	}
}

func (r *RedisQueue) retryProcessor() {
	defer r.wg.Done()
	interval := r.config.RetryDelay / 2
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			if err := r.store.promoteDue(r.ctx, r.now()); err != nil && !errors.Is(err, context.Canceled) {
				r.logger.Error("move retry to queue", logger.Error(err))
			}
		}
	}
}
