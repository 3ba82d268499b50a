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

// CHBarStore reads historical bars from ClickHouse.
type CHBarStore struct {
	db    *sql.DB
	table string
	l     *applogger.Logger
}

func NewCHBarStore(ch *pkgch.Client, l *applogger.Logger) *CHBarStore {
	if l == nil {
		l = applogger.Nop()
	}
	return &CHBarStore{db: ch.DB(), table: ch.Table("bars"), l: l}
}

func (s *CHBarStore) GetBars(ctx context.Context, symbols []string, from, to time.Time, tf domrepo.Timeframe) ([]models.Bar, error) {
	if len(symbols) == 0 {
		return nil, fmt.Errorf("get bars: no symbols")
	}
	start := time.Now()
	q, args := barsQuery(s.table, symbols, from, to, tf)
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		s.l.Error("clickhouse get_bars query error",
			applogger.String("table", s.table),
			applogger.Strings("symbols", symbols),
			applogger.String("tf", string(tf)),
			applogger.Error(err),
		)
		return nil, fmt.Errorf("get bars: %w", err)
	}
	defer rows.Close()

	out := make([]models.Bar, 0, 1024)
	for rows.Next() {
		var b models.Bar
		if err := rows.Scan(&b.Symbol, &b.Timestamp, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume); err != nil {
			return nil, fmt.Errorf("scan bar: %w", err)
		}
		b.Timestamp = b.Timestamp.UTC()
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	s.l.Info("clickhouse get_bars ok",
		applogger.String("table", s.table),
		applogger.String("tf", string(tf)),
		applogger.Int("rows", len(out)),
		applogger.Duration("duration_ms", time.Since(start)),
	)
	return out, nil
}

// SaveBars loads bars into the store under tf. Rows with an existing
// (symbol, tf, ts) key are replaced on merge.
func (s *CHBarStore) SaveBars(ctx context.Context, tf domrepo.Timeframe, bars []models.Bar) error {
	rows := make([][]interface{}, len(bars))
	for i, b := range bars {
		rows[i] = []interface{}{b.Symbol, string(tf), b.Timestamp, b.Open, b.High, b.Low, b.Close, b.Volume}
	}
	return insertRows(ctx, s.db, s.l, s.table, "symbol, tf, ts, open, high, low, close, volume", rows)
}

// barsQuery builds the select. A zero from/to leaves that side open.
func barsQuery(table string, symbols []string, from, to time.Time, tf domrepo.Timeframe) (string, []interface{}) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "SELECT symbol, ts, open, high, low, close, volume FROM %s WHERE tf = ? AND symbol IN (", table)
	args := make([]interface{}, 0, len(symbols)+3)
	args = append(args, string(tf))
	for i, sym := range symbols {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("?")
		args = append(args, sym)
	}
	sb.WriteString(")")
	if !from.IsZero() {
		sb.WriteString(" AND ts >= ?")
		args = append(args, from)
	}
	if !to.IsZero() {
		sb.WriteString(" AND ts <= ?")
		args = append(args, to)
	}
	sb.WriteString(" ORDER BY ts ASC, symbol ASC")
	return sb.String(), args
}

var _ domrepo.BarStore = (*CHBarStore)(nil)
