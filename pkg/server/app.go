package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"QuantLab/internal/handler/api"
	"QuantLab/internal/usecase"
	"QuantLab/pkg/config"
	xhttp "QuantLab/pkg/http"
	applogger "QuantLab/pkg/logger"
	"QuantLab/pkg/queue"

	"github.com/prometheus/client_golang/prometheus"
)

// Run modes.
const (
	ModeRun    = "run"
	ModeServe  = "serve"
	ModeWorker = "worker"
)

// App encapsulates the application lifecycle.
type App struct {
	cfg      *config.Config
	l        *applogger.Logger
	wf       *usecase.WalkForward
	handler  *api.BacktestEchoHandler
	hub      *api.StreamHub
	queue    *queue.RedisQueue
	registry *prometheus.Registry
}

// New creates a new App. q and hub may be nil.
func New(
	cfg *config.Config,
	l *applogger.Logger,
	wf *usecase.WalkForward,
	handler *api.BacktestEchoHandler,
	hub *api.StreamHub,
	q *queue.RedisQueue,
	registry *prometheus.Registry,
) *App {
	if l == nil {
		l = applogger.Nop()
	}
	return &App{cfg: cfg, l: l, wf: wf, handler: handler, hub: hub, queue: q, registry: registry}
}

// Run starts the application in mode and blocks until it finishes or an
// interrupt arrives.
func (a *App) Run(mode string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch mode {
	case ModeRun, "":
		err = a.runOnce(ctx)
	case ModeServe:
		err = a.serve(ctx)
	case ModeWorker:
		err = a.work(ctx)
	default:
		err = fmt.Errorf("unknown mode %q", mode)
	}
	if serr := a.shutdown(); serr != nil && err == nil {
		err = serr
	}
	return err
}

// runOnce runs one walk-forward over the configured data range and
// persists it.
func (a *App) runOnce(ctx context.Context) error {
	from, to := a.cfg.Range()
	p := a.wf.Defaults(a.cfg.Data.Symbols, from, to)
	p.Persist = true

	start := time.Now()
	report, err := a.wf.Run(ctx, p)
	if report.RunID == "" {
		return err
	}
	fields := []applogger.Field{
		applogger.String("run_id", report.RunID),
		applogger.Int("folds", len(report.Folds)),
		applogger.Int("failed", report.Failed),
		applogger.Duration("elapsed", time.Since(start)),
	}
	for name, v := range report.Aggregate {
		fields = append(fields, applogger.Float(name, v))
	}
	a.l.Info("walk-forward finished", fields...)
	return err
}

func (a *App) serve(ctx context.Context) error {
	if a.hub != nil {
		a.hub.Start(ctx)
	}
	if a.queue != nil {
		if err := a.queue.Start(); err != nil {
			return fmt.Errorf("start queue: %w", err)
		}
	}

	opts := []xhttp.ServerOption{
		xhttp.WithPort(a.cfg.Server.Port),
		xhttp.WithTimeouts(a.cfg.Server.ReadTimeout, a.cfg.Server.WriteTimeout, a.cfg.Server.ShutdownTimeout),
		xhttp.WithLogger(a.l),
	}
	if a.cfg.Metrics.Enabled && a.registry != nil {
		opts = append(opts, xhttp.WithMetrics(a.registry, a.cfg.Metrics.Path))
	}
	srv := xhttp.NewServer(a.handler, opts...)
	if err := srv.Start(); err != nil {
		return fmt.Errorf("start http: %w", err)
	}
	a.l.Info("http server started", applogger.Int("port", a.cfg.Server.Port))

	var err error
	select {
	case <-ctx.Done():
		a.l.Info("shutdown signal received")
	case err = <-srv.Err():
		a.l.Error("http server failed", applogger.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	if serr := srv.Stop(shutdownCtx); serr != nil {
		a.l.Error("http shutdown error", applogger.Error(serr))
	}
	return err
}

// work consumes queued runs until interrupted.
func (a *App) work(ctx context.Context) error {
	if a.queue == nil {
		return errors.New("worker mode needs redis.enabled")
	}
	if err := a.queue.Start(); err != nil {
		return fmt.Errorf("start queue: %w", err)
	}
	a.l.Info("worker started", applogger.Int("workers", a.cfg.Redis.Queue.Workers))
	<-ctx.Done()
	a.l.Info("shutdown signal received")
	return nil
}

// shutdown stops the queue and the stream hub. Infrastructure clients are
// closed by the cleanup InitializeApp returns.
func (a *App) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()

	var errs []error
	if a.queue != nil {
		if err := a.queue.Stop(ctx); err != nil {
			a.l.Warn("queue stop error", applogger.Error(err))
			errs = append(errs, err)
		}
	}
	if a.hub != nil {
		a.hub.Close()
	}
	a.l.Info("shutdown complete")
	return errors.Join(errs...)
}
