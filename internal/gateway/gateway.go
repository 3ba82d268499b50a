// Package gateway submits orders to a venue behind a token bucket, retrying
// transient failures with jittered exponential backoff.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"QuantLab/internal/domain/models"
	"QuantLab/internal/domain/repository"
	"QuantLab/internal/service/ratelimit"
	applogger "QuantLab/pkg/logger"
)

// ErrTransient marks a venue failure worth retrying.
var ErrTransient = errors.New("transient venue error")

// errCancelled is returned by a backoff wait interrupted by CancelPending.
var errCancelled = errors.New("pending submission cancelled")

type AckStatus string

const (
	AckAccepted    AckStatus = "accepted"
	AckRateLimited AckStatus = "rate_limited"
	AckFailed      AckStatus = "failed"
	AckRejected    AckStatus = "rejected"
)

// Ack is the gateway's answer to one submission.
type Ack struct {
	Status   AckStatus    `json:"status"`
	Venue    string       `json:"venue"`
	Attempts int          `json:"attempts"`
	Order    models.Order `json:"order"`
}

// Venue accepts orders. The simulated venue schedules them on the engine.
type Venue interface {
	Name() string
	Submit(ctx context.Context, o models.Order) (models.Order, error)
}

type Config struct {
	MaxAttempts int
	BackoffMin  time.Duration
	BackoffMax  time.Duration
	Seed        int64
}

func DefaultConfig() Config {
	return Config{MaxAttempts: 3, BackoffMin: time.Millisecond, BackoffMax: 50 * time.Millisecond, Seed: 1}
}

func (c Config) Validate() error {
	switch {
	case c.MaxAttempts < 1:
		return fmt.Errorf("%w: max_attempts must be >= 1", models.ErrInvalidConfig)
	case c.BackoffMin < 0 || c.BackoffMax < c.BackoffMin:
		return fmt.Errorf("%w: backoff bounds must satisfy 0 <= min <= max", models.ErrInvalidConfig)
	}
	return nil
}

type Option func(*Gateway)

func WithLogger(l *applogger.Logger) Option {
	return func(g *Gateway) {
		if l != nil {
			g.l = l
		}
	}
}

func WithMetrics(m repository.Metrics) Option {
	return func(g *Gateway) {
		if m != nil {
			g.metrics = m
		}
	}
}

// WithWait replaces the timer used between attempts.
func WithWait(wait func(ctx context.Context, d time.Duration, cancel <-chan struct{}) error) Option {
	return func(g *Gateway) { g.wait = wait }
}

type Gateway struct {
	cfg     Config
	venue   Venue
	bucket  *ratelimit.TokenBucket
	l       *applogger.Logger
	metrics repository.Metrics
	wait    func(ctx context.Context, d time.Duration, cancel <-chan struct{}) error

	rngMu sync.Mutex
	rng   *rand.Rand

	cancelMu sync.Mutex
	cancel   chan struct{}
}

func New(cfg Config, venue Venue, bucket *ratelimit.TokenBucket, opts ...Option) (*Gateway, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if venue == nil || bucket == nil {
		return nil, fmt.Errorf("%w: venue and rate limiter are required", models.ErrInvalidConfig)
	}
	g := &Gateway{
		cfg:     cfg,
		venue:   venue,
		bucket:  bucket,
		l:       applogger.Nop(),
		metrics: repository.NopMetrics{},
		wait:    timerWait,
		rng:     rand.New(rand.NewSource(cfg.Seed)),
		cancel:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

func (g *Gateway) Venue() string { return g.venue.Name() }

// Submit takes one token, then hands the order to the venue. Rate-limited
// submissions are not retried. Transient venue errors are retried up to
// MaxAttempts; other venue errors are returned as they are.
func (g *Gateway) Submit(ctx context.Context, o models.Order) (Ack, error) {
	ack := Ack{Venue: g.venue.Name(), Order: o}
	if !g.bucket.Take(1) {
		ack.Status = AckRateLimited
		g.metrics.RecordGatewayAck(string(ack.Status))
		return ack, fmt.Errorf("%w: venue %s", models.ErrRateLimited, ack.Venue)
	}

	cancel := g.cancelChan()
	var lastErr error
	for attempt := 1; attempt <= g.cfg.MaxAttempts; attempt++ {
		ack.Attempts = attempt
		placed, err := g.venue.Submit(ctx, o)
		if err == nil {
			ack.Status = AckAccepted
			ack.Order = placed
			g.metrics.RecordGatewayAck(string(ack.Status))
			return ack, nil
		}
		if !errors.Is(err, ErrTransient) {
			ack.Status = AckRejected
			ack.Order = placed
			g.metrics.RecordGatewayAck(string(ack.Status))
			return ack, err
		}
		lastErr = err
		if attempt == g.cfg.MaxAttempts {
			break
		}

		d := g.backoff(attempt)
		g.l.Debug("venue submit retry",
			applogger.String("venue", ack.Venue),
			applogger.String("symbol", o.Symbol),
			applogger.Int("attempt", attempt),
			applogger.Duration("backoff", d),
			applogger.Error(err),
		)
		if werr := g.wait(ctx, d, cancel); werr != nil {
			lastErr = werr
			break
		}
	}

	ack.Status = AckFailed
	g.metrics.RecordGatewayAck(string(ack.Status))
	return ack, fmt.Errorf("%w: venue %s after %d attempts: %v", models.ErrSubmissionFailed, ack.Venue, ack.Attempts, lastErr)
}

// CancelPending interrupts every backoff wait in progress. Later
// submissions are unaffected.
func (g *Gateway) CancelPending() {
	g.cancelMu.Lock()
	close(g.cancel)
	g.cancel = make(chan struct{})
	g.cancelMu.Unlock()
}

func (g *Gateway) cancelChan() <-chan struct{} {
	g.cancelMu.Lock()
	defer g.cancelMu.Unlock()
	return g.cancel
}

// backoff is min*2^(attempt-1) plus up to 20% jitter, never above max.
func (g *Gateway) backoff(attempt int) time.Duration {
	d := float64(g.cfg.BackoffMin) * math.Pow(2, float64(attempt-1))
	g.rngMu.Lock()
	d += d * 0.2 * g.rng.Float64()
	g.rngMu.Unlock()
	return time.Duration(math.Min(d, float64(g.cfg.BackoffMax)))
}

func timerWait(ctx context.Context, d time.Duration, cancel <-chan struct{}) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-cancel:
		return errCancelled
	}
}
