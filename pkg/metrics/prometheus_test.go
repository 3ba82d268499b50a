package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecorderCounts(t *testing.T) {
	r := New(prometheus.NewRegistry())

	r.RecordFill("AAA", -250)
	r.RecordFill("AAA", 100)
	r.RecordOrderRejected("NoMarketData")
	r.RecordRiskDecision("CircuitBreaker", "rejected")
	r.RecordGatewayAck("rate_limited")
	r.RecordError("fold")

	assert.Equal(t, 2.0, testutil.ToFloat64(r.fills.WithLabelValues("AAA")))
	assert.Equal(t, 350.0, testutil.ToFloat64(r.fillNotional.WithLabelValues("AAA")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.rejections.WithLabelValues("NoMarketData")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.riskDecisions.WithLabelValues("CircuitBreaker", "rejected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.gatewayAcks.WithLabelValues("rate_limited")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.errorsTotal.WithLabelValues("fold")))
}

func TestSeparateRegistriesDoNotCollide(t *testing.T) {
	assert.NotPanics(t, func() {
		New(prometheus.NewRegistry())
		New(prometheus.NewRegistry())
	})
}
