package execution

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"QuantLab/internal/domain/models"
	"QuantLab/internal/domain/repository"
	applogger "QuantLab/pkg/logger"
)

const qtyEpsilon = 1e-9

// Emitter is the part of the event bus the engine publishes through.
type Emitter interface {
	Emit(ctx context.Context, kind models.EventKind, ts time.Time, source string, payload interface{}) error
}

type Option func(*Engine)

func WithBus(bus Emitter) Option {
	return func(e *Engine) { e.bus = bus }
}

func WithLogger(l *applogger.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.l = l
		}
	}
}

func WithMetrics(m repository.Metrics) Option {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

// Engine owns the order book, positions and cash of one simulated account.
// Orders fill only on a bar strictly after their submission; every bar
// timestamp is marked to market exactly once, after its fills.
type Engine struct {
	mu sync.Mutex

	cfg     Config
	tl      *models.Timeline
	bus     Emitter
	l       *applogger.Logger
	metrics repository.Metrics

	seq       int
	orders    []*models.Order
	pending   map[int64][]*models.Order // execution time (unix nano) -> orders
	stale     []*models.Order           // scheduled without a next bar
	cash      float64
	positions map[string]*models.Position
	lastClose map[string]float64
	fills     []models.Fill
	closed    []models.ClosedTrade
	virtual   []models.ClosedTrade
	equity    []models.EquityPoint
	deltas    []float64
	barDelta  float64
	finished  bool
}

type event struct {
	kind    models.EventKind
	ts      time.Time
	payload interface{}
}

func NewEngine(cfg Config, tl *models.Timeline, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if tl == nil {
		return nil, fmt.Errorf("%w: timeline is required", models.ErrInvalidConfig)
	}
	if cfg.Commission == "" {
		cfg.Commission = CommissionPercentage
	}
	e := &Engine{
		cfg:       cfg,
		tl:        tl,
		l:         applogger.Nop(),
		metrics:   repository.NopMetrics{},
		pending:   make(map[int64][]*models.Order),
		cash:      cfg.InitialCash,
		positions: make(map[string]*models.Position),
		lastClose: make(map[string]float64),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Submit validates and schedules an order. A missing execution time
// resolves to the symbol's next bar after submission. Invalid orders are
// recorded as rejected and returned with ErrInvalidOrder.
func (e *Engine) Submit(ctx context.Context, o models.Order) (models.Order, error) {
	e.mu.Lock()
	e.seq++
	if o.ID == "" {
		o.ID = fmt.Sprintf("ord-%06d", e.seq)
	}
	o.Status = models.StatusSubmitted
	o.Reason = ""

	if reason := validateOrder(o); reason != "" {
		_ = o.Transition(models.StatusRejected, reason)
		e.orders = append(e.orders, &o)
		e.mu.Unlock()
		e.metrics.RecordOrderRejected(models.AlertInvalidOrder)
		e.publish(ctx, []event{alertEvent(o.SubmissionTime, models.AlertInvalidOrder, o.Symbol, o.ID+": "+reason)})
		return o, fmt.Errorf("%w: %s", models.ErrInvalidOrder, reason)
	}

	if o.ExecutionTime.IsZero() {
		if next, ok := e.tl.NextAfter(o.Symbol, o.SubmissionTime); ok {
			o.ExecutionTime = next
		}
	}
	_ = o.Transition(models.StatusScheduled, "")
	stored := &o
	e.orders = append(e.orders, stored)
	if o.ExecutionTime.IsZero() {
		e.stale = append(e.stale, stored)
	} else {
		key := o.ExecutionTime.UnixNano()
		e.pending[key] = append(e.pending[key], stored)
	}
	e.mu.Unlock()
	return o, nil
}

func validateOrder(o models.Order) string {
	switch {
	case o.Symbol == "":
		return "symbol is required"
	case o.SubmissionTime.IsZero():
		return "submission time is required"
	case math.IsNaN(o.Quantity) || math.IsInf(o.Quantity, 0) || o.Quantity <= 0:
		return fmt.Sprintf("quantity must be positive, got %v", o.Quantity)
	case o.Direction != models.Long && o.Direction != models.Short && o.Direction != models.Flat:
		return fmt.Sprintf("unknown direction %q", o.Direction)
	case o.Type != models.Market && o.Type != models.Limit:
		return fmt.Sprintf("unknown order type %q", o.Type)
	case o.Type == models.Limit && (math.IsNaN(o.LimitPrice) || o.LimitPrice <= 0):
		return fmt.Sprintf("limit price must be positive, got %v", o.LimitPrice)
	case !o.ExecutionTime.IsZero() && !o.ExecutionTime.After(o.SubmissionTime):
		return "execution time must be after submission time"
	}
	return ""
}

// ProcessBar fills every scheduled order of bar.Symbol executing at
// bar.Timestamp, in submission order.
func (e *Engine) ProcessBar(ctx context.Context, bar models.Bar) error {
	if err := bar.Validate(); err != nil {
		return fmt.Errorf("%w: %w", models.ErrInvalidBar, err)
	}
	e.mu.Lock()
	if n := len(e.equity); n > 0 && !bar.Timestamp.After(e.equity[n-1].Timestamp) {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s at %s is not after last mark %s", models.ErrInvalidBar, bar.Symbol,
			bar.Timestamp.Format(time.RFC3339), e.equity[n-1].Timestamp.Format(time.RFC3339))
	}

	key := bar.Timestamp.UnixNano()
	var (
		events []event
		keep   []*models.Order
	)
	for _, o := range e.pending[key] {
		if o.Symbol != bar.Symbol {
			keep = append(keep, o)
			continue
		}
		events = append(events, e.fillLocked(o, bar)...)
	}
	if len(keep) == 0 {
		delete(e.pending, key)
	} else {
		e.pending[key] = keep
	}
	e.lastClose[bar.Symbol] = bar.Close
	e.mu.Unlock()

	e.publish(ctx, events)
	return nil
}

func (e *Engine) fillLocked(o *models.Order, bar models.Bar) []event {
	pos := e.positions[o.Symbol]
	held := 0.0
	if pos != nil {
		held = pos.Quantity
	}

	var (
		side models.Side
		qty  = o.Quantity
	)
	switch o.Direction {
	case models.Long:
		side = models.Buy
	case models.Short:
		side = models.Sell
	case models.Flat:
		if math.Abs(held) < qtyEpsilon {
			return e.rejectLocked(o, models.ReasonNothingToClose, bar.Timestamp)
		}
		side = models.Sell
		if held < 0 {
			side = models.Buy
		}
		qty = math.Min(qty, math.Abs(held))
	}

	base := basePrice(*o, bar)
	slip := SlippageFraction(bar, base*qty, e.cfg.SlippageBps)
	price := withSlippage(base, side, slip)
	notional := price * qty
	commission := Commission(e.cfg, notional)

	if side == models.Buy {
		e.cash -= notional + commission
	} else {
		e.cash += notional - commission
	}
	if pos == nil {
		pos = &models.Position{Symbol: o.Symbol}
		e.positions[o.Symbol] = pos
	}
	if ct, ok := applyFill(pos, side.Sign()*qty, price, bar.Timestamp); ok {
		e.closed = append(e.closed, ct)
	}
	if pos.Quantity == 0 {
		delete(e.positions, o.Symbol)
	}

	fill := models.Fill{
		OrderID:          o.ID,
		Symbol:           o.Symbol,
		Side:             side,
		Price:            price,
		Quantity:         qty,
		Commission:       commission,
		SlippageFraction: slip,
		Timestamp:        bar.Timestamp,
	}
	e.fills = append(e.fills, fill)
	e.barDelta += qty * bar.Close
	_ = o.Transition(models.StatusFilled, "")
	e.metrics.RecordFill(o.Symbol, notional)

	return []event{{kind: models.EventOrderFilled, ts: bar.Timestamp, payload: fill}}
}

// applyFill updates pos for a signed quantity change. Adds blend the
// average price, a flip resets it to the fill price, a full close zeroes it.
// Any reduction yields a closed trade.
func applyFill(pos *models.Position, dq, price float64, ts time.Time) (models.ClosedTrade, bool) {
	q := pos.Quantity
	next := q + dq
	if math.Abs(next) < qtyEpsilon {
		next = 0
	}

	if q == 0 || math.Signbit(q) == math.Signbit(dq) {
		pos.AvgEntryPrice = (math.Abs(q)*pos.AvgEntryPrice + math.Abs(dq)*price) / math.Abs(next)
		pos.Quantity = next
		return models.ClosedTrade{}, false
	}

	closing := math.Copysign(math.Min(math.Abs(dq), math.Abs(q)), q)
	ct := models.ClosedTrade{
		Symbol:     pos.Symbol,
		Quantity:   closing,
		EntryPrice: pos.AvgEntryPrice,
		ExitPrice:  price,
		PnL:        (price - pos.AvgEntryPrice) * closing,
		Timestamp:  ts,
	}
	switch {
	case next == 0:
		pos.AvgEntryPrice = 0
	case math.Signbit(next) != math.Signbit(q):
		pos.AvgEntryPrice = price
	}
	pos.Quantity = next
	return ct, true
}

func (e *Engine) rejectLocked(o *models.Order, reason string, ts time.Time) []event {
	_ = o.Transition(models.StatusRejected, reason)
	e.metrics.RecordOrderRejected(reason)
	code := models.AlertOrderRejected
	if reason == models.ReasonNoMarketData {
		code = models.AlertNoMarketData
	}
	return []event{alertEvent(ts, code, o.Symbol, o.ID+": "+reason)}
}

// MarkToMarket rejects orders that were due by ts but never saw a bar, then
// appends exactly one equity point. ts must be after the previous mark.
func (e *Engine) MarkToMarket(ctx context.Context, ts time.Time) (models.EquityPoint, error) {
	e.mu.Lock()
	if n := len(e.equity); n > 0 && !ts.After(e.equity[n-1].Timestamp) {
		e.mu.Unlock()
		return models.EquityPoint{}, fmt.Errorf("mark at %s is not after last mark %s",
			ts.Format(time.RFC3339), e.equity[n-1].Timestamp.Format(time.RFC3339))
	}

	var events []event
	for _, key := range e.dueKeysLocked(ts.UnixNano()) {
		for _, o := range e.pending[key] {
			events = append(events, e.rejectLocked(o, models.ReasonNoMarketData, ts)...)
		}
		delete(e.pending, key)
	}

	point := models.EquityPoint{Timestamp: ts, Equity: e.equityLocked()}
	e.equity = append(e.equity, point)
	e.deltas = append(e.deltas, e.barDelta)
	e.barDelta = 0

	events = append(events, event{kind: models.EventPortfolioUpdated, ts: ts, payload: models.PortfolioPayload{
		Timestamp: ts,
		Cash:      e.cash,
		Equity:    point.Equity,
		Exposure:  e.grossExposureLocked(),
	}})
	e.mu.Unlock()

	e.publish(ctx, events)
	return point, nil
}

func (e *Engine) dueKeysLocked(upTo int64) []int64 {
	var keys []int64
	for k := range e.pending {
		if k <= upTo {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

func (e *Engine) equityLocked() float64 {
	eq := e.cash
	for sym, p := range e.positions {
		eq += p.Quantity * e.lastClose[sym]
	}
	return eq
}

func (e *Engine) grossExposureLocked() float64 {
	gross := 0.0
	for sym, p := range e.positions {
		gross += math.Abs(p.Quantity * e.lastClose[sym])
	}
	return gross
}

// Step processes every bar of a batch and marks to market once.
func (e *Engine) Step(ctx context.Context, batch models.BarBatch) error {
	for _, bar := range batch.Bars {
		if err := e.ProcessBar(ctx, bar); err != nil {
			e.l.Warn("bar skipped", applogger.String("symbol", bar.Symbol), applogger.Error(err))
			code := models.AlertNoMarketData
			if errors.Is(err, models.ErrInvalidBar) {
				code = models.AlertInvalidBar
			}
			e.publish(ctx, []event{alertEvent(batch.Timestamp, code, bar.Symbol, err.Error())})
		}
	}
	_, err := e.MarkToMarket(ctx, batch.Timestamp)
	return err
}

// Finish drops orders that can no longer fill and closes open positions
// virtually at the last mark so their PnL counts toward the win rate.
// Calling it again has no effect.
func (e *Engine) Finish(ctx context.Context) {
	e.mu.Lock()
	if e.finished {
		e.mu.Unlock()
		return
	}
	e.finished = true

	ts := time.Time{}
	if n := len(e.equity); n > 0 {
		ts = e.equity[n-1].Timestamp
	}
	var events []event
	for _, key := range e.dueKeysLocked(math.MaxInt64) {
		for _, o := range e.pending[key] {
			events = append(events, e.rejectLocked(o, models.ReasonEndOfData, ts)...)
		}
		delete(e.pending, key)
	}
	for _, o := range e.stale {
		if o.Status == models.StatusScheduled {
			events = append(events, e.rejectLocked(o, models.ReasonEndOfData, ts)...)
		}
	}
	e.stale = nil

	syms := make([]string, 0, len(e.positions))
	for sym := range e.positions {
		syms = append(syms, sym)
	}
	sort.Strings(syms)
	for _, sym := range syms {
		p := e.positions[sym]
		mark := e.lastClose[sym]
		e.virtual = append(e.virtual, models.ClosedTrade{
			Symbol:     sym,
			Quantity:   p.Quantity,
			EntryPrice: p.AvgEntryPrice,
			ExitPrice:  mark,
			PnL:        (mark - p.AvgEntryPrice) * p.Quantity,
			Timestamp:  ts,
		})
	}
	e.mu.Unlock()

	e.publish(ctx, events)
}

// Snapshot returns a deep copy of the portfolio state.
func (e *Engine) Snapshot() models.PortfolioSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := models.PortfolioSnapshot{
		Cash:          e.cash,
		Equity:        e.equityLocked(),
		Positions:     make(map[string]models.Position, len(e.positions)),
		LastClose:     make(map[string]float64, len(e.lastClose)),
		EquityHistory: append([]models.EquityPoint(nil), e.equity...),
	}
	if n := len(e.equity); n > 0 {
		s.Timestamp = e.equity[n-1].Timestamp
	}
	for sym, p := range e.positions {
		s.Positions[sym] = *p
	}
	for sym, c := range e.lastClose {
		s.LastClose[sym] = c
	}
	return s
}

// PendingQuantity is the signed quantity of scheduled, unfilled orders for
// symbol. Flat orders are not counted.
func (e *Engine) PendingQuantity(symbol string) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	total := 0.0
	for _, o := range e.orders {
		if o.Symbol != symbol || o.Status != models.StatusScheduled {
			continue
		}
		switch o.Direction {
		case models.Long:
			total += o.Quantity
		case models.Short:
			total -= o.Quantity
		}
	}
	return total
}

func (e *Engine) Orders() []models.Order {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]models.Order, len(e.orders))
	for i, o := range e.orders {
		out[i] = *o
	}
	return out
}

func (e *Engine) Fills() []models.Fill {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]models.Fill(nil), e.fills...)
}

// ClosedTrades returns realized trades followed by the virtual closes made
// by Finish.
func (e *Engine) ClosedTrades() []models.ClosedTrade {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := append([]models.ClosedTrade(nil), e.closed...)
	return append(out, e.virtual...)
}

func (e *Engine) EquityHistory() []models.EquityPoint {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]models.EquityPoint(nil), e.equity...)
}

func (e *Engine) publish(ctx context.Context, events []event) {
	if e.bus == nil {
		return
	}
	for _, ev := range events {
		if err := e.bus.Emit(ctx, ev.kind, ev.ts, "execution", ev.payload); err != nil {
			e.l.Debug("event not delivered", applogger.String("kind", string(ev.kind)), applogger.Error(err))
			return
		}
	}
}

func alertEvent(ts time.Time, code, symbol, msg string) event {
	return event{kind: models.EventAlert, ts: ts, payload: models.AlertPayload{Code: code, Symbol: symbol, Message: msg}}
}
