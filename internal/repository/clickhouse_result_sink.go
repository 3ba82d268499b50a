package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"QuantLab/internal/domain/models"
	domrepo "QuantLab/internal/domain/repository"
	pkgch "QuantLab/pkg/clickhouse"
	applogger "QuantLab/pkg/logger"
)

const insertChunkSize = 2000

// CHResultSink writes equity curves, fills and fold reports to ClickHouse.
type CHResultSink struct {
	db      *sql.DB
	equity  string
	trades  string
	reports string
	l       *applogger.Logger
}

func NewCHResultSink(ch *pkgch.Client, l *applogger.Logger) *CHResultSink {
	if l == nil {
		l = applogger.Nop()
	}
	return &CHResultSink{
		db:      ch.DB(),
		equity:  ch.Table("equity"),
		trades:  ch.Table("trades"),
		reports: ch.Table("fold_reports"),
		l:       l,
	}
}

func (s *CHResultSink) SaveEquity(ctx context.Context, runID string, fold int, points []models.EquityPoint) error {
	rows := make([][]interface{}, len(points))
	for i, p := range points {
		rows[i] = []interface{}{runID, uint32(fold), p.Timestamp, p.Equity}
	}
	return insertRows(ctx, s.db, s.l, s.equity, "run_id, fold, ts, equity", rows)
}

func (s *CHResultSink) SaveTrades(ctx context.Context, runID string, fold int, fills []models.Fill) error {
	rows := make([][]interface{}, len(fills))
	for i, f := range fills {
		rows[i] = []interface{}{
			runID, uint32(fold), f.OrderID, f.Symbol, string(f.Side),
			f.Price, f.Quantity, f.Commission, f.SlippageFraction, f.Timestamp,
		}
	}
	return insertRows(ctx, s.db, s.l, s.trades, "run_id, fold, order_id, symbol, side, price, quantity, commission, slippage, ts", rows)
}

func (s *CHResultSink) SaveFoldReports(ctx context.Context, runID string, reports []models.FoldReport) error {
	rows := make([][]interface{}, len(reports))
	for i, r := range reports {
		rows[i] = []interface{}{
			runID, uint32(r.FoldIndex),
			uint32(r.Train.Start), uint32(r.Train.End),
			uint32(r.Test.Start), uint32(r.Test.End),
			r.TestStart, r.TestEnd, r.Metrics, r.Error,
		}
	}
	return insertRows(ctx, s.db, s.l, s.reports, "run_id, fold, train_start, train_end, test_start, test_end, test_from, test_to, metrics, error", rows)
}

// insertRows writes rows as multi-row VALUES statements, chunked to keep
// statements bounded.
func insertRows(ctx context.Context, db *sql.DB, l *applogger.Logger, table, columns string, rows [][]interface{}) error {
	if len(rows) == 0 {
		return nil
	}
	start := time.Now()
	for lo := 0; lo < len(rows); lo += insertChunkSize {
		hi := lo + insertChunkSize
		if hi > len(rows) {
			hi = len(rows)
		}
		q, args := valuesStatement(table, columns, rows[lo:hi])
		if _, err := db.ExecContext(ctx, q, args...); err != nil {
			l.Error("clickhouse insert error",
				applogger.String("table", table),
				applogger.Int("rows", hi-lo),
				applogger.Error(err),
			)
			return fmt.Errorf("insert %s: %w", table, err)
		}
	}
	l.Debug("clickhouse insert ok",
		applogger.String("table", table),
		applogger.Int("rows", len(rows)),
		applogger.Duration("duration_ms", time.Since(start)),
	)
	return nil
}

func valuesStatement(table, columns string, rows [][]interface{}) (string, []interface{}) {
	width := len(rows[0])
	tuple := "(" + strings.TrimSuffix(strings.Repeat("?, ", width), ", ") + ")"
	values := make([]string, len(rows))
	args := make([]interface{}, 0, len(rows)*width)
	for i, r := range rows {
		values[i] = tuple
		args = append(args, r...)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES %s", table, columns, strings.Join(values, ", ")), args
}

var _ domrepo.ResultSink = (*CHResultSink)(nil)
