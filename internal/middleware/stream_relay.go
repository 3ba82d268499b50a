package middleware

import (
	"context"
	"fmt"
	"sync"
	"time"

	"QuantLab/internal/domain/models"
	domrepo "QuantLab/internal/domain/repository"
)

// StreamMessage is one fold event on its way to live subscribers.
type StreamMessage struct {
	RunID string       `json:"run_id"`
	Fold  int          `json:"fold"`
	Event models.Event `json:"event"`
}

// Sink receives relayed messages.
type Sink interface {
	Deliver(ctx context.Context, msg StreamMessage) error
}

// StreamRelay sits between fold buses and live subscribers. It validates,
// throttles per run and kind, and buffers when the sink fails. Alerts are
// never throttled.
type StreamRelay struct {
	sink     Sink
	metrics  domrepo.Metrics
	maxRPS   int
	bufSize  int
	bufCh    chan StreamMessage
	stopCh   chan struct{}
	started  bool
	mu       sync.Mutex
	lastSeen map[string]time.Time
	now      func() time.Time
}

type RelayOption func(*StreamRelay)

// WithMaxRPS caps messages per second per run and event kind.
func WithMaxRPS(n int) RelayOption {
	return func(r *StreamRelay) {
		if n > 0 {
			r.maxRPS = n
		}
	}
}

// WithBufferSize sets how many failed deliveries are kept for retry.
func WithBufferSize(n int) RelayOption {
	return func(r *StreamRelay) {
		if n > 0 {
			r.bufSize = n
		}
	}
}

func WithClock(now func() time.Time) RelayOption {
	return func(r *StreamRelay) {
		if now != nil {
			r.now = now
		}
	}
}

func NewStreamRelay(sink Sink, metrics domrepo.Metrics, opts ...RelayOption) *StreamRelay {
	if metrics == nil {
		metrics = domrepo.NopMetrics{}
	}
	r := &StreamRelay{
		sink:     sink,
		metrics:  metrics,
		maxRPS:   50,
		bufSize:  1000,
		stopCh:   make(chan struct{}),
		lastSeen: make(map[string]time.Time),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.bufCh = make(chan StreamMessage, r.bufSize)
	return r
}

// Start retries buffered messages in the background until Stop.
func (r *StreamRelay) Start(ctx context.Context) {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	stop := r.stopCh
	r.mu.Unlock()

	go func() {
		backoff := 50 * time.Millisecond
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case msg := <-r.bufCh:
				if err := r.sink.Deliver(ctx, msg); err != nil {
					r.metrics.RecordError("relay_flush")
					if backoff < 2*time.Second {
						backoff *= 2
					}
					select {
					case <-time.After(backoff):
					case <-stop:
						return
					}
					r.buffer(msg)
					continue
				}
				backoff = 50 * time.Millisecond
			}
		}
	}()
}

// Stop ends the background retries. Buffered messages are dropped.
func (r *StreamRelay) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started {
		return
	}
	r.started = false
	close(r.stopCh)
	r.stopCh = make(chan struct{})
}

// Process forwards msg to the sink. Throttled messages are dropped silently;
// a failed delivery is buffered and reported.
func (r *StreamRelay) Process(ctx context.Context, msg StreamMessage) error {
	start := r.now()
	if err := validateMessage(msg); err != nil {
		r.metrics.RecordError("relay_validate")
		return err
	}
	if msg.Event.Kind != models.EventAlert && !r.allow(msg.RunID+"/"+string(msg.Event.Kind), start) {
		r.metrics.RecordError("relay_throttle")
		return nil
	}
	if err := r.sink.Deliver(ctx, msg); err != nil {
		r.buffer(msg)
		return fmt.Errorf("relay deliver: %w", err)
	}
	r.metrics.RecordLatency("relay_deliver", r.now().Sub(start).Seconds())
	return nil
}

// Buffered is the number of messages waiting for retry.
func (r *StreamRelay) Buffered() int { return len(r.bufCh) }

func (r *StreamRelay) buffer(msg StreamMessage) {
	select {
	case r.bufCh <- msg:
	default:
		r.metrics.RecordError("relay_buffer_full")
	}
}

func validateMessage(msg StreamMessage) error {
	switch {
	case msg.RunID == "":
		return fmt.Errorf("run id empty")
	case msg.Event.Kind == "":
		return fmt.Errorf("event kind empty")
	case msg.Event.Timestamp.IsZero():
		return fmt.Errorf("event timestamp missing")
	}
	return nil
}

func (r *StreamRelay) allow(key string, now time.Time) bool {
	if r.maxRPS <= 0 {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	last, ok := r.lastSeen[key]
	if ok && now.Sub(last) < time.Second/time.Duration(r.maxRPS) {
		return false
	}
	r.lastSeen[key] = now
	return true
}
