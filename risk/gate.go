package risk

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tradeagent/observability"
	"tradeagent/observability/logging"
)

// Window is the trailing period used for realized-loss accounting and ledger eviction.
const Window = 24 * time.Hour

// Side enumerates the direction of a recorded trade.
type Side string

const (
	// SideBuy increases exposure.
	SideBuy Side = "buy"
	// SideSell releases exposure.
	SideSell Side = "sell"
)

// Rejection reasons reported by CheckPosition.
const (
	ReasonPositionLimit  = "position_limit"
	ReasonDailyLossLimit = "daily_loss_limit"
)

// TradeRecord is an executed trade as seen by the gate. Records are never mutated
// after they are appended to the ledger.
type TradeRecord struct {
	Timestamp   time.Time
	Side        Side
	Amount      decimal.Decimal
	RealizedPnl *decimal.Decimal
}

// Limits captures the operator guardrails. They are fixed for the lifetime of a Gate.
type Limits struct {
	MaxDailyLoss decimal.Decimal
	MaxPosition  decimal.Decimal
}

// Snapshot summarises the gate state for dashboards.
type Snapshot struct {
	Exposure     decimal.Decimal
	DailyLoss    decimal.Decimal
	LedgerLength int
	Limits       Limits
}

// Gate approves position-increasing trades against exposure and realized-loss limits.
type Gate struct {
	mu       sync.Mutex
	limits   Limits
	exposure decimal.Decimal
	ledger   []TradeRecord
	clock    func() time.Time
	logger   *slog.Logger
	metrics  *observability.RiskMetrics
}

// Option configures a Gate.
type Option func(*Gate)

// WithClock overrides the time source, enabling deterministic unit tests.
func WithClock(clock func() time.Time) Option {
	return func(g *Gate) {
		if clock != nil {
			g.clock = clock
		}
	}
}

// WithLogger installs a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gate) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithMetrics installs the metrics registry. Passing nil disables reporting.
func WithMetrics(m *observability.RiskMetrics) Option {
	return func(g *Gate) {
		g.metrics = m
	}
}

// NewGate constructs a gate with an empty ledger and zero exposure.
func NewGate(limits Limits, opts ...Option) *Gate {
	g := &Gate{
		limits: limits,
		clock:  time.Now,
		logger: logging.Component(nil, "risk"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// CanEnterPosition reports whether a new position of amount SOL may be opened.
func (g *Gate) CanEnterPosition(amount decimal.Decimal) bool {
	allowed, _ := g.CheckPosition(amount)
	return allowed
}

// CheckPosition behaves like CanEnterPosition and also returns the rejection reason.
// It never mutates the ledger or the exposure.
func (g *Gate) CheckPosition(amount decimal.Decimal) (bool, string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	projected := g.exposure.Add(amount)
	if projected.GreaterThan(g.limits.MaxPosition) {
		g.logger.Warn("risk.position.limit",
			slog.String("exposure", g.exposure.String()),
			slog.String("amount", amount.String()),
			slog.String("max_position", g.limits.MaxPosition.String()))
		g.metrics.RecordDecision(false, ReasonPositionLimit)
		return false, ReasonPositionLimit
	}
	loss := g.dailyLossLocked()
	if loss.GreaterThanOrEqual(g.limits.MaxDailyLoss) {
		g.logger.Warn("risk.daily.loss.limit",
			slog.String("daily_loss", loss.String()),
			slog.String("max_daily_loss", g.limits.MaxDailyLoss.String()))
		g.metrics.RecordDecision(false, ReasonDailyLossLimit)
		return false, ReasonDailyLossLimit
	}
	g.metrics.RecordDecision(true, "")
	return true, ""
}

// RecordTrade appends the record, adjusts exposure and evicts records that fell
// out of the trailing window.
func (g *Gate) RecordTrade(record TradeRecord) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.recordLocked(record)
	g.publishLocked()
}

// Replay rehydrates the gate from previously persisted records, oldest first.
func (g *Gate) Replay(records []TradeRecord) {
	ordered := append([]TradeRecord{}, records...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Timestamp.Before(ordered[j].Timestamp)
	})
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, record := range ordered {
		g.recordLocked(record)
	}
	g.publishLocked()
}

// DailyLoss returns the realized loss over the trailing window as a positive value.
func (g *Gate) DailyLoss() decimal.Decimal {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.dailyLossLocked()
}

// Exposure returns the currently open position size.
func (g *Gate) Exposure() decimal.Decimal {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.exposure
}

// Limits returns the configured guardrails.
func (g *Gate) Limits() Limits {
	return g.limits
}

// Snapshot returns a consistent view of the gate state.
func (g *Gate) Snapshot() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Snapshot{
		Exposure:     g.exposure,
		DailyLoss:    g.dailyLossLocked(),
		LedgerLength: len(g.ledger),
		Limits:       g.limits,
	}
}

func (g *Gate) recordLocked(record TradeRecord) {
	if record.Timestamp.IsZero() {
		record.Timestamp = g.clock()
	}
	if record.RealizedPnl != nil {
		pnl := *record.RealizedPnl
		record.RealizedPnl = &pnl
	}
	g.ledger = append(g.ledger, record)

	switch record.Side {
	case SideBuy:
		g.exposure = g.exposure.Add(record.Amount)
	case SideSell:
		g.exposure = decimal.Max(decimal.Zero, g.exposure.Sub(record.Amount))
	}

	if record.RealizedPnl != nil && record.RealizedPnl.IsNegative() {
		g.logger.Info("risk.pnl",
			slog.String("side", string(record.Side)),
			slog.String("pnl", record.RealizedPnl.String()))
	}

	cutoff := g.clock().Add(-Window)
	evict := 0
	for evict < len(g.ledger) && g.ledger[evict].Timestamp.Before(cutoff) {
		evict++
	}
	if evict > 0 {
		g.ledger = append(g.ledger[:0:0], g.ledger[evict:]...)
	}
}

func (g *Gate) dailyLossLocked() decimal.Decimal {
	cutoff := g.clock().Add(-Window)
	total := decimal.Zero
	for _, record := range g.ledger {
		if record.Timestamp.Before(cutoff) {
			continue
		}
		if record.RealizedPnl != nil && record.RealizedPnl.IsNegative() {
			total = total.Add(record.RealizedPnl.Abs())
		}
	}
	return total
}

func (g *Gate) publishLocked() {
	if g.metrics == nil {
		return
	}
	g.metrics.SetExposure(g.exposure.InexactFloat64())
	g.metrics.SetDailyLoss(g.dailyLossLocked().InexactFloat64())
}
