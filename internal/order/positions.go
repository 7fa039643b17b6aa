// positions.go is the position and P&L book. Accounting rules:
//
//   - Buy fills roll commission into cost basis:
//     avg_cost = (old_qty·old_avg + fill_qty·fill_price + commission) / (old_qty + fill_qty)
//   - Sell fills realize (fill_price − avg_cost)·qty − commission; avg_cost
//     is untouched until the position flattens, then resets.
//   - Unrealized P&L is recomputed on every mark.
//
// The book publishes position_updated on every change and mirrors each
// position into the cache.
package order

import (
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"qb-trader/internal/bus"
	"qb-trader/internal/cache"
	"qb-trader/pkg/types"
)

// Book holds the per-symbol positions and the P&L counters the risk engine
// reads. Safe for concurrent use.
type Book struct {
	bus    bus.Bus
	store  cache.Store
	logger *slog.Logger

	mu            sync.Mutex
	positions     map[string]*types.Position
	cash          decimal.Decimal
	realizedToday decimal.Decimal
	realizedMonth decimal.Decimal
	ordersToday   int
	consecLosses  int
	tripPnL       map[string]decimal.Decimal // realized since the position last opened
}

// NewBook creates an empty book.
func NewBook(b bus.Bus, store cache.Store, logger *slog.Logger) *Book {
	return &Book{
		bus:       b,
		store:     store,
		logger:    logger.With("component", "position_book"),
		positions: make(map[string]*types.Position),
		tripPnL:   make(map[string]decimal.Decimal),
	}
}

// SetCash seeds the cash balance, typically from the broker at startup.
func (b *Book) SetCash(cash decimal.Decimal) {
	b.mu.Lock()
	b.cash = cash
	b.mu.Unlock()
}

// Restore loads previously cached positions, for restart resume.
func (b *Book) Restore() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, p := range b.store.Positions() {
		p := p
		b.positions[p.Symbol] = &p
	}
	if n := len(b.positions); n > 0 {
		b.logger.Info("positions restored from cache", "count", n)
	}
}

// NoteOrderPlaced bumps the daily order counter.
func (b *Book) NoteOrderPlaced() {
	b.mu.Lock()
	b.ordersToday++
	b.mu.Unlock()
}

// ResetDaily clears the per-day counters at session open.
func (b *Book) ResetDaily() {
	b.mu.Lock()
	b.realizedToday = decimal.Zero
	b.ordersToday = 0
	b.mu.Unlock()
}

// ResetMonthly clears the monthly realized P&L.
func (b *Book) ResetMonthly() {
	b.mu.Lock()
	b.realizedMonth = decimal.Zero
	b.mu.Unlock()
}

// ApplyFill books one fill. The fill's commission must already be computed.
func (b *Book) ApplyFill(f types.Fill) {
	b.mu.Lock()

	p := b.positions[f.Symbol]
	if p == nil {
		p = &types.Position{Symbol: f.Symbol}
		b.positions[f.Symbol] = p
	}
	qty := decimal.NewFromInt(f.Qty)
	notional := f.Price.Mul(qty)

	if f.Side == types.BUY {
		oldQty := decimal.NewFromInt(p.Qty)
		cost := oldQty.Mul(p.AvgCost).Add(notional).Add(f.Commission)
		p.Qty += f.Qty
		p.AvgCost = cost.Div(decimal.NewFromInt(p.Qty))
		b.cash = b.cash.Sub(notional).Sub(f.Commission)
	} else {
		pnl := f.Price.Sub(p.AvgCost).Mul(qty).Sub(f.Commission)
		p.RealizedPnL = p.RealizedPnL.Add(pnl)
		b.realizedToday = b.realizedToday.Add(pnl)
		b.realizedMonth = b.realizedMonth.Add(pnl)
		b.tripPnL[f.Symbol] = b.tripPnL[f.Symbol].Add(pnl)
		p.Qty -= f.Qty
		b.cash = b.cash.Add(notional).Sub(f.Commission)

		if p.Qty <= 0 {
			// Round trip complete: score it for the consecutive-loss
			// counter and reset the basis.
			if b.tripPnL[f.Symbol].IsNegative() {
				b.consecLosses++
			} else {
				b.consecLosses = 0
			}
			delete(b.tripPnL, f.Symbol)
			p.Qty = 0
			p.AvgCost = decimal.Zero
			p.UnrealizedPnL = decimal.Zero
		}
	}

	if f.Price.IsPositive() {
		p.LastMarkPrice = f.Price
	}
	if p.Qty > 0 && p.LastMarkPrice.IsPositive() {
		p.UnrealizedPnL = p.LastMarkPrice.Sub(p.AvgCost).Mul(decimal.NewFromInt(p.Qty))
	}
	p.LastUpdated = f.TS
	snapshot := *p
	b.mu.Unlock()

	b.store.SetPosition(snapshot)
	b.bus.Publish(bus.NewEnvelope(bus.TopicPositionUpdated, "order", snapshot))
}

// Mark refreshes unrealized P&L for one symbol from the latest close.
func (b *Book) Mark(symbol string, price decimal.Decimal, ts time.Time) {
	if !price.IsPositive() {
		return
	}
	b.mu.Lock()
	p, ok := b.positions[symbol]
	if !ok || p.Qty <= 0 {
		b.mu.Unlock()
		return
	}
	p.LastMarkPrice = price
	p.UnrealizedPnL = price.Sub(p.AvgCost).Mul(decimal.NewFromInt(p.Qty))
	p.LastUpdated = ts
	snapshot := *p
	b.mu.Unlock()

	b.store.SetPosition(snapshot)
	b.bus.Publish(bus.NewEnvelope(bus.TopicPositionUpdated, "order", snapshot))
}

// Position returns the current record for a symbol.
func (b *Book) Position(symbol string) (types.Position, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.positions[symbol]
	if !ok {
		return types.Position{}, false
	}
	return *p, true
}

// Snapshot assembles the risk context, minus the open-order value the
// engine layers on top.
func (b *Book) Snapshot() types.RiskContext {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := types.RiskContext{
		Cash:             b.cash,
		RealizedPnLToday: b.realizedToday,
		RealizedPnLMonth: b.realizedMonth,
		OrdersToday:      b.ordersToday,
		ConsecLosses:     b.consecLosses,
	}
	value := b.cash
	for _, p := range b.positions {
		if p.Qty <= 0 {
			continue
		}
		out.Positions = append(out.Positions, *p)
		value = value.Add(p.MarketValue())
	}
	out.PortfolioValue = value
	return out
}
