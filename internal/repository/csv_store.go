package repository

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"QuantLab/internal/domain/models"
	domrepo "QuantLab/internal/domain/repository"
	applogger "QuantLab/pkg/logger"
	xutil "QuantLab/pkg/util"
)

var barHeader = []string{"timestamp", "symbol", "open", "high", "low", "close", "volume"}

// CSVBarStore serves bars from a single CSV file with the columns
// timestamp,symbol,open,high,low,close,volume. The timeframe is whatever
// the file holds; tf is not used for filtering.
type CSVBarStore struct {
	path string
	l    *applogger.Logger

	once sync.Once
	bars []models.Bar
	err  error
}

func NewCSVBarStore(path string, l *applogger.Logger) *CSVBarStore {
	if l == nil {
		l = applogger.Nop()
	}
	return &CSVBarStore{path: path, l: l}
}

func (s *CSVBarStore) GetBars(ctx context.Context, symbols []string, from, to time.Time, _ domrepo.Timeframe) ([]models.Bar, error) {
	s.once.Do(func() {
		s.bars, s.err = s.load()
	})
	if s.err != nil {
		return nil, s.err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	want := make(map[string]bool, len(symbols))
	for _, sym := range symbols {
		want[sym] = true
	}
	out := make([]models.Bar, 0, len(s.bars))
	for _, b := range s.bars {
		if len(want) > 0 && !want[b.Symbol] {
			continue
		}
		if !from.IsZero() && b.Timestamp.Before(from) {
			continue
		}
		if !to.IsZero() && b.Timestamp.After(to) {
			continue
		}
		out = append(out, b)
	}
	return out, nil
}

func (s *CSVBarStore) load() ([]models.Bar, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("open bars: %w", err)
	}
	defer f.Close()
	bars, err := ReadBars(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.path, err)
	}
	s.l.Info("csv bars loaded", applogger.String("path", s.path), applogger.Int("rows", len(bars)))
	return bars, nil
}

// ReadBars parses the bar CSV format. The header row is required; column
// order follows the header.
func ReadBars(r io.Reader) ([]models.Bar, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, h := range header {
		col[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, h := range barHeader {
		if _, ok := col[h]; !ok {
			return nil, fmt.Errorf("missing column %q", h)
		}
	}

	var out []models.Bar
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		b, err := parseBar(rec, col)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, b)
	}
	return out, nil
}

func parseBar(rec []string, col map[string]int) (models.Bar, error) {
	ts, ok := xutil.ParseTime(rec[col["timestamp"]])
	if !ok {
		return models.Bar{}, fmt.Errorf("bad timestamp %q", rec[col["timestamp"]])
	}
	b := models.Bar{Symbol: rec[col["symbol"]], Timestamp: ts}
	if b.Symbol == "" {
		return models.Bar{}, errors.New("empty symbol")
	}
	for _, f := range []struct {
		name string
		dst  *float64
	}{
		{"open", &b.Open}, {"high", &b.High}, {"low", &b.Low}, {"close", &b.Close}, {"volume", &b.Volume},
	} {
		v, err := strconv.ParseFloat(rec[col[f.name]], 64)
		if err != nil {
			return models.Bar{}, fmt.Errorf("%s: %w", f.name, err)
		}
		*f.dst = v
	}
	return b, nil
}

// CSVResultSink writes one CSV per run artifact under dir/runID.
type CSVResultSink struct {
	dir string
	mu  sync.Mutex
}

func NewCSVResultSink(dir string) *CSVResultSink {
	return &CSVResultSink{dir: dir}
}

func (s *CSVResultSink) SaveEquity(_ context.Context, runID string, fold int, points []models.EquityPoint) error {
	rows := make([][]string, len(points))
	for i, p := range points {
		rows[i] = []string{p.Timestamp.Format(time.RFC3339), formatFloat(p.Equity)}
	}
	return s.write(runID, fmt.Sprintf("equity_fold%03d.csv", fold), []string{"timestamp", "equity"}, rows)
}

func (s *CSVResultSink) SaveTrades(_ context.Context, runID string, fold int, fills []models.Fill) error {
	rows := make([][]string, len(fills))
	for i, f := range fills {
		rows[i] = []string{
			f.Timestamp.Format(time.RFC3339), f.OrderID, f.Symbol, string(f.Side),
			formatFloat(f.Price), formatFloat(f.Quantity), formatFloat(f.Commission), formatFloat(f.SlippageFraction),
		}
	}
	header := []string{"timestamp", "order_id", "symbol", "side", "price", "quantity", "commission", "slippage"}
	return s.write(runID, fmt.Sprintf("trades_fold%03d.csv", fold), header, rows)
}

func (s *CSVResultSink) SaveFoldReports(_ context.Context, runID string, reports []models.FoldReport) error {
	header := append([]string{"fold", "train_start", "train_end", "test_start", "test_end"}, models.StandardMetrics...)
	header = append(header, "error")
	rows := make([][]string, len(reports))
	for i, r := range reports {
		row := []string{
			strconv.Itoa(r.FoldIndex),
			strconv.Itoa(r.Train.Start), strconv.Itoa(r.Train.End),
			strconv.Itoa(r.Test.Start), strconv.Itoa(r.Test.End),
		}
		for _, m := range models.StandardMetrics {
			row = append(row, formatFloat(r.Metrics[m]))
		}
		rows[i] = append(row, r.Error)
	}
	return s.write(runID, "folds.csv", header, rows)
}

func (s *CSVResultSink) write(runID, name string, header []string, rows [][]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Join(s.dir, runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	f, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		return fmt.Errorf("create %s: %w", name, err)
	}
	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := w.WriteAll(rows); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", name, err)
	}
	return f.Close()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

var (
	_ domrepo.BarStore   = (*CSVBarStore)(nil)
	_ domrepo.ResultSink = (*CSVResultSink)(nil)
)
