package di

import (
	"context"
	"fmt"
	"time"

	drepo "QuantLab/internal/domain/repository"
	domsvc "QuantLab/internal/domain/service"
	"QuantLab/internal/handler/api"
	internalrepo "QuantLab/internal/repository"
	"QuantLab/internal/risk"
	icache "QuantLab/internal/service/cache"
	analytics "QuantLab/internal/services/analytics"
	"QuantLab/internal/usecase"
	pkgcache "QuantLab/pkg/cache"
	pkgch "QuantLab/pkg/clickhouse"
	"QuantLab/pkg/config"
	pkgkafka "QuantLab/pkg/kafka"
	applogger "QuantLab/pkg/logger"
	"QuantLab/pkg/metrics"
	"QuantLab/pkg/queue"
	"QuantLab/pkg/server"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

// memCacheSize bounds the in-process layer of the report cache.
const memCacheSize = 1024

// ProvideKafkaProducer creates a Kafka producer, or nil when Kafka is off.
func ProvideKafkaProducer(cfg *config.Config, reg *prometheus.Registry) (*pkgkafka.Producer, func(), error) {
	if !cfg.Kafka.Enabled {
		return nil, func() {}, nil
	}
	producer, err := pkgkafka.NewProducer(
		pkgkafka.WithBrokers(cfg.Kafka.Brokers),
		pkgkafka.WithCompression(cfg.Kafka.Compression),
		pkgkafka.WithRequiredAcks(cfg.Kafka.RequiredAcks),
		pkgkafka.WithBatchSize(cfg.Kafka.Producer.BatchSize),
		pkgkafka.WithBatchBytes(cfg.Kafka.Producer.BatchBytes),
		pkgkafka.WithBatchTimeout(cfg.Kafka.Producer.Linger),
		pkgkafka.WithTimeouts(cfg.Kafka.Producer.WriteTimeout, cfg.Kafka.Producer.ReadTimeout),
		pkgkafka.WithMaxAttempts(cfg.Kafka.Producer.MaxAttempts),
		pkgkafka.WithAsync(cfg.Kafka.Producer.Async),
		// keyed by run ID so one run's events stay ordered
		pkgkafka.WithHashByKey(true),
		pkgkafka.WithRegisterer(reg),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("kafka producer: %w", err)
	}
	return producer, func() { _ = producer.Close() }, nil
}

// ProvideLogger builds the app logger. With Kafka on and log.alert_topic
// set, warn and error lines are also aggregated onto that topic.
func ProvideLogger(cfg *config.Config, producer *pkgkafka.Producer) (*applogger.Logger, func(), error) {
	l, err := applogger.New(&applogger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("logger: %w", err)
	}
	if producer == nil || cfg.Log.AlertTopic == "" {
		return l, func() {}, nil
	}
	l.AddCollector(&applogger.CollectionConfig{
		TimeInterval:   30 * time.Second,
		CountThreshold: 100,
		Topic:          cfg.Log.AlertTopic,
		Publisher:      producer,
	})
	return l, l.RemoveCollector, nil
}

func ProvideRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// ProvideMetrics creates a Prometheus metrics recorder.
func ProvideMetrics(reg *prometheus.Registry) drepo.Metrics {
	return metrics.New(reg)
}

// ProvideClickHouseClient connects only when bars or results live in
// ClickHouse, and creates the schema.
func ProvideClickHouseClient(cfg *config.Config, l *applogger.Logger) (*pkgch.Client, func(), error) {
	if cfg.Data.Source != "clickhouse" && cfg.Sink.Type != "clickhouse" {
		return nil, func() {}, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := pkgch.NewClient(ctx,
		pkgch.WithAddr(cfg.ClickHouse.Host, cfg.ClickHouse.Port),
		pkgch.WithDatabase(cfg.ClickHouse.Database),
		pkgch.WithCredentials(cfg.ClickHouse.User, cfg.ClickHouse.Password),
		pkgch.WithMaxConnections(10, 5),
		pkgch.WithHTTP(cfg.ClickHouse.UseHTTP),
		pkgch.WithAsyncInsert(cfg.ClickHouse.AsyncInsert, cfg.ClickHouse.WaitForAsync),
		pkgch.WithTimeouts(cfg.ClickHouse.DialTimeout, cfg.ClickHouse.ReadTimeout, cfg.ClickHouse.WriteTimeout),
		pkgch.WithMaxExecutionTime(cfg.ClickHouse.MaxExecutionTime),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("clickhouse client: %w", err)
	}
	if err := client.InitSchema(ctx, pkgch.Schema(cfg.ClickHouse.Database)); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("clickhouse schema: %w", err)
	}
	l.Info("clickhouse ready", applogger.String("database", cfg.ClickHouse.Database))
	return client, func() { _ = client.Close() }, nil
}

// ProvideBarStore picks the market data source.
func ProvideBarStore(cfg *config.Config, ch *pkgch.Client, l *applogger.Logger) drepo.BarStore {
	if cfg.Data.Source == "clickhouse" {
		return internalrepo.NewCHBarStore(ch, l)
	}
	return internalrepo.NewCSVBarStore(cfg.Data.CSVPath, l)
}

// ProvideResultSink picks where persisted runs go.
func ProvideResultSink(cfg *config.Config, ch *pkgch.Client, l *applogger.Logger) drepo.ResultSink {
	switch cfg.Sink.Type {
	case "clickhouse":
		return internalrepo.NewCHResultSink(ch, l)
	case "none":
		return drepo.NopSink{}
	}
	return internalrepo.NewCSVResultSink(cfg.Sink.Dir)
}

// ProvideEventPublisher forwards bus events to Kafka. It is nil when Kafka
// is off. The producer is closed by its own provider.
func ProvideEventPublisher(cfg *config.Config, producer *pkgkafka.Producer) drepo.EventPublisher {
	if producer == nil {
		return nil
	}
	return internalrepo.NewKafkaEventPublisher(producer, cfg.Kafka.Topic, cfg.Kafka.AlertsTopic)
}

// ProvideRedisClient connects to Redis, or returns nil when it is off.
func ProvideRedisClient(cfg *config.Config) (*redis.Client, func(), error) {
	if !cfg.Redis.Enabled {
		return nil, func() {}, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, func() { _ = client.Close() }, nil
}

// ProvideReportCache layers an in-process LRU over Redis when Redis is on,
// so a run fetched by a worker's peer is still found.
func ProvideReportCache(cfg *config.Config, rc *redis.Client, l *applogger.Logger) (drepo.ReportCache, func()) {
	var svc pkgcache.Service
	if rc != nil {
		svc = pkgcache.NewLayeredCache(pkgcache.NewRedisCacheWithClient(rc, cfg.Redis.Prefix), memCacheSize)
	} else {
		svc = pkgcache.NewMemoryCache(pkgcache.WithMemoryMaxSize(memCacheSize))
	}
	return icache.NewReportCache(svc, cfg.Redis.ReportTTL, l), func() { _ = svc.Close() }
}

// ProvideRegimeScorer returns the remote scorer backed by the local trend
// scorer, the local scorer alone, or nil when the regime gate is off.
func ProvideRegimeScorer(cfg *config.Config, l *applogger.Logger) domsvc.RegimeScorer {
	trend := analytics.NewTrendRegimeScorer(cfg.Analytics.RegimeWindow, 0)
	if cfg.Analytics.RegimeServiceURL != "" {
		remote := analytics.NewHTTPRegimeScorer(cfg.Analytics.RegimeServiceURL, cfg.Analytics.Timeout)
		return analytics.NewFallbackScorer(remote, trend, l)
	}
	if cfg.Risk.RegimeThreshold > 0 {
		return trend
	}
	return nil
}

func ProvideKillSwitch() *risk.KillSwitch {
	return risk.NewKillSwitch()
}

func ProvideStreamHub(l *applogger.Logger, m drepo.Metrics) *api.StreamHub {
	return api.NewStreamHub(l, m)
}

// ProvideDeps collects what every fold shares.
func ProvideDeps(
	scorer domsvc.RegimeScorer,
	ks *risk.KillSwitch,
	hub *api.StreamHub,
	pub drepo.EventPublisher,
	l *applogger.Logger,
	m drepo.Metrics,
) usecase.Deps {
	taps := []usecase.EventTap{usecase.NewAlertLogTap(l), hub}
	if pub != nil {
		taps = append(taps, usecase.NewPublisherTap(pub, l, m))
	}
	return usecase.Deps{
		Scorer:     scorer,
		KillSwitch: ks,
		Taps:       taps,
		Logger:     l,
		Metrics:    m,
	}
}

func ProvideWalkForward(
	cfg *config.Config,
	bars drepo.BarStore,
	sink drepo.ResultSink,
	reports drepo.ReportCache,
	pub drepo.EventPublisher,
	deps usecase.Deps,
) *usecase.WalkForward {
	opts := []usecase.WalkForwardOption{
		usecase.WithSink(sink),
		usecase.WithReportCache(reports),
	}
	if pub != nil {
		opts = append(opts, usecase.WithPublisher(pub))
	}
	tf := drepo.NormalizeTimeframe(cfg.Data.Timeframe)
	return usecase.NewWalkForward(bars, usecase.RunConfigFrom(cfg), usecase.WalkForwardConfigFrom(cfg), tf, deps, opts...)
}

// ProvideQueue builds the Redis job queue running walk-forward jobs, or nil
// without Redis.
func ProvideQueue(cfg *config.Config, rc *redis.Client, wf *usecase.WalkForward, l *applogger.Logger) *queue.RedisQueue {
	if rc == nil {
		return nil
	}
	return queue.NewRedisQueue(l,
		queue.QueueConfig{
			Workers:    cfg.Redis.Queue.Workers,
			RetryLimit: cfg.Redis.Queue.RetryLimit,
			RetryDelay: cfg.Redis.Queue.RetryDelay,
		},
		rc,
		queue.WithKeyPrefix(cfg.Redis.Prefix+":queue"),
		queue.WithJobs(usecase.NewWalkForwardJob(wf, l)),
	)
}

func ProvideHandler(l *applogger.Logger, wf *usecase.WalkForward, q *queue.RedisQueue, hub *api.StreamHub) *api.BacktestEchoHandler {
	// a nil *RedisQueue must not become a non-nil interface
	var jobs queue.Publisher
	if q != nil {
		jobs = q
	}
	return api.NewBacktestEchoHandler(l, wf, jobs, hub)
}

// ProvideApp creates the application server.
func ProvideApp(
	cfg *config.Config,
	l *applogger.Logger,
	wf *usecase.WalkForward,
	h *api.BacktestEchoHandler,
	hub *api.StreamHub,
	q *queue.RedisQueue,
	reg *prometheus.Registry,
) *server.App {
	return server.New(cfg, l, wf, h, hub, q, reg)
}
