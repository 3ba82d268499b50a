package clickhouse

import "fmt"

// Schema returns the idempotent DDL for the backtest tables in database.
func Schema(database string) []string {
	if database == "" {
		database = "quantlab"
	}
	return []string{
		fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s", database),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.bars (
			symbol LowCardinality(String),
			tf LowCardinality(String),
			ts DateTime64(3, 'UTC'),
			open Float64, high Float64, low Float64, close Float64, volume Float64
		) ENGINE = ReplacingMergeTree ORDER BY (symbol, tf, ts)`, database),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.equity (
			run_id String,
			fold UInt32,
			ts DateTime64(3, 'UTC'),
			equity Float64
		) ENGINE = MergeTree ORDER BY (run_id, fold, ts)`, database),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.trades (
			run_id String,
			fold UInt32,
			order_id String,
			symbol LowCardinality(String),
			side LowCardinality(String),
			price Float64,
			quantity Float64,
			commission Float64,
			slippage Float64,
			ts DateTime64(3, 'UTC')
		) ENGINE = MergeTree ORDER BY (run_id, fold, ts, order_id)`, database),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.fold_reports (
			run_id String,
			fold UInt32,
			train_start UInt32, train_end UInt32,
			test_start UInt32, test_end UInt32,
			test_from DateTime64(3, 'UTC'),
			test_to DateTime64(3, 'UTC'),
			metrics Map(String, Float64),
			error String
		) ENGINE = ReplacingMergeTree ORDER BY (run_id, fold)`, database),
	}
}
