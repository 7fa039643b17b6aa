// stoploss.go watches marks against open positions and emits liquidation
// signals when a protective level is crossed. Three levels are maintained
// per position and the effective stop is the highest of them:
//
//   - fixed:      entry · (1 − stop_pct)
//   - trailing:   peak mark since entry · (1 − trailing_offset_pct)
//   - break-even: entry, once unrealized profit ≥ break_even_pct
//
// Take-profit triggers at entry · (1 + take_profit_pct). Triggered signals
// carry source=risk.stop_loss and go through the synchronous risk check like
// any strategy signal.
package risk

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"qb-trader/internal/bus"
	"qb-trader/pkg/types"
)

// StopConfig sets the protective level percentages as fractions.
type StopConfig struct {
	StopPct      decimal.Decimal
	TakePct      decimal.Decimal
	TrailingPct  decimal.Decimal
	BreakEvenPct decimal.Decimal
}

type watch struct {
	qty       int64
	entry     decimal.Decimal
	peak      decimal.Decimal
	breakEven bool
	triggered bool // suppress repeats until the position changes
}

// StopLossMonitor tracks protective levels for every open position.
type StopLossMonitor struct {
	bus    bus.Bus
	cfg    StopConfig
	logger *slog.Logger

	mu      sync.Mutex
	watches map[string]*watch

	unsubs []func()
}

// NewStopLossMonitor creates the monitor.
func NewStopLossMonitor(b bus.Bus, cfg StopConfig, logger *slog.Logger) *StopLossMonitor {
	return &StopLossMonitor{
		bus:     b,
		cfg:     cfg,
		logger:  logger.With("component", "stop_loss"),
		watches: make(map[string]*watch),
	}
}

// Start subscribes to position and market updates.
func (m *StopLossMonitor) Start() error {
	unsub, err := m.bus.Subscribe(bus.TopicPositionUpdated, "stop_loss", func(d bus.Delivery) {
		m.OnPosition(d.Payload.(types.Position))
	})
	if err != nil {
		return fmt.Errorf("stop-loss subscribe: %w", err)
	}
	m.unsubs = append(m.unsubs, unsub)

	unsub, err = m.bus.Subscribe(bus.TopicMarketData, "stop_loss", func(d bus.Delivery) {
		tick := d.Payload.(types.MarketTick)
		m.OnMark(tick.Symbol, tick.Close, tick.TS)
	})
	if err != nil {
		return fmt.Errorf("stop-loss subscribe: %w", err)
	}
	m.unsubs = append(m.unsubs, unsub)
	return nil
}

// Stop removes the subscriptions.
func (m *StopLossMonitor) Stop() {
	for _, unsub := range m.unsubs {
		unsub()
	}
	m.unsubs = nil
}

// OnPosition refreshes or clears the watch for a symbol.
func (m *StopLossMonitor) OnPosition(p types.Position) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p.Qty <= 0 {
		delete(m.watches, p.Symbol)
		return
	}

	w := m.watches[p.Symbol]
	if w == nil || !w.entry.Equal(p.AvgCost) || w.qty != p.Qty {
		peak := p.AvgCost
		if w != nil && w.entry.Equal(p.AvgCost) && w.peak.GreaterThan(peak) {
			peak = w.peak
		}
		m.watches[p.Symbol] = &watch{qty: p.Qty, entry: p.AvgCost, peak: peak}
	}
}

// OnMark evaluates the protective levels for one mark.
func (m *StopLossMonitor) OnMark(symbol string, mark decimal.Decimal, ts time.Time) {
	m.mu.Lock()
	w, ok := m.watches[symbol]
	if !ok || w.triggered || !mark.IsPositive() {
		m.mu.Unlock()
		return
	}

	if mark.GreaterThan(w.peak) {
		w.peak = mark
	}
	one := decimal.NewFromInt(1)

	// Arm break-even once profit clears the threshold.
	if !w.breakEven {
		armAt := w.entry.Mul(one.Add(m.cfg.BreakEvenPct))
		if mark.GreaterThanOrEqual(armAt) {
			w.breakEven = true
		}
	}

	stop := w.entry.Mul(one.Sub(m.cfg.StopPct))
	if trail := w.peak.Mul(one.Sub(m.cfg.TrailingPct)); trail.GreaterThan(stop) {
		stop = trail
	}
	if w.breakEven && w.entry.GreaterThan(stop) {
		stop = w.entry
	}
	take := w.entry.Mul(one.Add(m.cfg.TakePct))

	var reason string
	switch {
	case mark.GreaterThanOrEqual(take):
		reason = "take_profit"
	case mark.LessThanOrEqual(stop):
		reason = "stop_loss"
	default:
		m.mu.Unlock()
		return
	}

	w.triggered = true
	qty := w.qty
	entry := w.entry
	m.mu.Unlock()

	m.logger.Warn("protective exit triggered",
		"symbol", symbol, "reason", reason, "entry", entry, "mark", mark, "qty", qty)

	m.bus.Publish(bus.NewEnvelope(bus.TopicTradingSignal, "risk", types.TradingSignal{
		Symbol:         symbol,
		Action:         types.ActionSell,
		Confidence:     1,
		SuggestedPrice: mark,
		Reason:         reason,
		Source:         types.SourceStopLoss,
		TS:             ts,
	}))
}
