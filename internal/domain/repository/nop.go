package repository

import (
	"context"

	"QuantLab/internal/domain/models"
)

// NopMetrics discards every observation.
type NopMetrics struct{}

func (NopMetrics) RecordFill(string, float64) {}
func (NopMetrics) RecordOrderRejected(string) {}
func (NopMetrics) RecordRiskDecision(string, string) {}
func (NopMetrics) RecordGatewayAck(string) {}
func (NopMetrics) RecordFold(string, float64) {}
func (NopMetrics) RecordError(string) {}
func (NopMetrics) RecordLatency(string, float64) {}

// NopSink drops results.
type NopSink struct{}

func (NopSink) SaveEquity(context.Context, string, int, []models.EquityPoint) error { return nil }
func (NopSink) SaveTrades(context.Context, string, int, []models.Fill) error { return nil }
func (NopSink) SaveFoldReports(context.Context, string, []models.FoldReport) error { return nil }
