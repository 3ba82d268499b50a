package logger

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturePublisher struct {
	mu      sync.Mutex
	topic   string
	batches [][]AlertEntry
}

func (p *capturePublisher) PublishMessage(_ context.Context, topic string, payload interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topic = topic
	p.batches = append(p.batches, payload.([]AlertEntry))
	return nil
}

func TestAlertCollectorDeduplicates(t *testing.T) {
	pub := &capturePublisher{}
	c := NewAlertCollector(&CollectionConfig{TimeInterval: time.Hour, CountThreshold: 10, Topic: "alerts", Publisher: pub})
	defer c.Close()

	for i := 0; i < 5; i++ {
		c.AddLog("warn", "order rejected", map[string]interface{}{"reason": "NoMarketData"}, "engine.go:10")
	}
	c.AddLog("error", "fold failed", nil, "scheduler.go:20")
	c.Flush()

	pub.mu.Lock()
	defer pub.mu.Unlock()
	require.Len(t, pub.batches, 1)
	assert.Equal(t, "alerts", pub.topic)
	batch := pub.batches[0]
	require.Len(t, batch, 2)
	assert.Equal(t, 5, batch[0].Count)
	assert.Equal(t, "order rejected", batch[0].Message)
	assert.Equal(t, 1, batch[1].Count)
}

func TestAlertCollectorFlushesOnThreshold(t *testing.T) {
	pub := &capturePublisher{}
	c := NewAlertCollector(&CollectionConfig{TimeInterval: time.Hour, CountThreshold: 2, Publisher: pub})
	defer c.Close()

	c.AddLog("error", "a", nil, "x")
	c.AddLog("error", "b", nil, "x")

	pub.mu.Lock()
	defer pub.mu.Unlock()
	require.Len(t, pub.batches, 1)
	assert.Len(t, pub.batches[0], 2)
}

func TestLoggerWithCollector(t *testing.T) {
	pub := &capturePublisher{}
	l := Nop()
	l.AddCollector(&CollectionConfig{TimeInterval: time.Hour, CountThreshold: 100, Topic: "t", Publisher: pub})
	l.Warn("slow", String("k", "v"))
	l.Info("ignored")
	l.alert.Load().Flush()
	l.RemoveCollector()

	pub.mu.Lock()
	defer pub.mu.Unlock()
	require.Len(t, pub.batches, 1)
	assert.Equal(t, "v", pub.batches[0][0].Fields["k"])
}

func TestChildLoggersShareCollector(t *testing.T) {
	l, err := New(&Config{Level: "debug", Output: filepath.Join(t.TempDir(), "app.log")})
	require.NoError(t, err)
	child := l.With(String("component", "engine"))

	pub := &capturePublisher{}
	l.AddCollector(&CollectionConfig{TimeInterval: time.Hour, CountThreshold: 1, Topic: "alerts", Publisher: pub})

	child.Info("not an alert")
	child.Warn("order rejected", String("reason", "RiskBlocked"))

	pub.mu.Lock()
	require.Len(t, pub.batches, 1)
	entry := pub.batches[0][0]
	pub.mu.Unlock()
	assert.Equal(t, "warn", entry.Level)
	assert.Equal(t, "order rejected", entry.Message)
	assert.Contains(t, entry.Caller, "collector_test.go")

	l.RemoveCollector()
	child.Error("after removal")
	pub.mu.Lock()
	defer pub.mu.Unlock()
	assert.Len(t, pub.batches, 1)
}
