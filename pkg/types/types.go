// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the trading platform — ticks,
// candles, indicator snapshots, signals, orders, fills, and positions. It has
// no dependencies on internal packages, so it can be imported by any layer.
//
// All monetary quantities (prices, P&L, commission) are shopspring decimals;
// share quantities are integer counts. Floats never touch money arithmetic.
package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// Action is a strategy's decision. HOLD_EXIT is the forced-close action
// emitted at session end regardless of the entry condition.
type Action string

const (
	ActionBuy      Action = "BUY"
	ActionSell     Action = "SELL"
	ActionHoldExit Action = "HOLD_EXIT"
)

// Side maps a signal action to the order side it produces.
// HOLD_EXIT liquidates, so it maps to SELL.
func (a Action) Side() Side {
	if a == ActionBuy {
		return BUY
	}
	return SELL
}

// OrderType enumerates the supported order types.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// OrderState is the lifecycle state of an order.
//
//	NEW → QUEUED → SUBMITTED → (PARTIAL | FILLED | CANCELLED | REJECTED | FAILED)
type OrderState string

const (
	OrderNew       OrderState = "NEW"
	OrderQueued    OrderState = "QUEUED"
	OrderSubmitted OrderState = "SUBMITTED"
	OrderPartial   OrderState = "PARTIAL"
	OrderFilled    OrderState = "FILLED"
	OrderCancelled OrderState = "CANCELLED"
	OrderRejected  OrderState = "REJECTED"
	OrderFailed    OrderState = "FAILED"
)

// Terminal reports whether the state admits no further transitions.
func (s OrderState) Terminal() bool {
	switch s {
	case OrderFilled, OrderCancelled, OrderRejected, OrderFailed:
		return true
	}
	return false
}

// Interval is a candle aggregation interval, e.g. "1m", "5m".
type Interval string

const (
	Interval1m  Interval = "1m"
	Interval3m  Interval = "3m"
	Interval5m  Interval = "5m"
	Interval15m Interval = "15m"
	Interval1d  Interval = "1d"
)

// Duration returns the wall-clock length of the interval.
func (i Interval) Duration() time.Duration {
	switch i {
	case Interval1m:
		return time.Minute
	case Interval3m:
		return 3 * time.Minute
	case Interval5m:
		return 5 * time.Minute
	case Interval15m:
		return 15 * time.Minute
	case Interval1d:
		return 24 * time.Hour
	}
	return time.Minute
}

// Truncate aligns ts down to the interval's bucket boundary.
func (i Interval) Truncate(ts time.Time) time.Time {
	return ts.UTC().Truncate(i.Duration())
}

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

// MarketTick is a normalized snapshot of market state at an instant, emitted
// by an adapter. Immutable after creation; consumed by the pipeline.
type MarketTick struct {
	Symbol string          `json:"symbol"` // canonical 6-digit code, e.g. "005930"
	TS     time.Time       `json:"ts"`     // absolute UTC
	Open   decimal.Decimal `json:"open"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Close  decimal.Decimal `json:"close"`
	Volume int64           `json:"volume"`
	Source string          `json:"source"` // adapter name
}

// Candle is an aggregated OHLCV bar over one interval bucket.
type Candle struct {
	Symbol   string          `json:"symbol"`
	Interval Interval        `json:"interval"`
	TS       time.Time       `json:"ts"` // bucket start, aligned to Interval
	Open     decimal.Decimal `json:"open"`
	High     decimal.Decimal `json:"high"`
	Low      decimal.Decimal `json:"low"`
	Close    decimal.Decimal `json:"close"`
	Volume   int64           `json:"volume"`
}

// Validate checks the candle invariants: low ≤ open,close ≤ high, volume ≥ 0,
// and a timestamp aligned to the interval boundary.
func (c Candle) Validate() error {
	if c.Low.GreaterThan(c.Open) || c.Low.GreaterThan(c.Close) {
		return fmt.Errorf("candle %s@%s: low %s above open/close", c.Symbol, c.TS, c.Low)
	}
	if c.High.LessThan(c.Open) || c.High.LessThan(c.Close) {
		return fmt.Errorf("candle %s@%s: high %s below open/close", c.Symbol, c.TS, c.High)
	}
	if c.Volume < 0 {
		return fmt.Errorf("candle %s@%s: negative volume %d", c.Symbol, c.TS, c.Volume)
	}
	if !c.TS.Equal(c.Interval.Truncate(c.TS)) {
		return fmt.Errorf("candle %s@%s: timestamp not aligned to %s", c.Symbol, c.TS, c.Interval)
	}
	return nil
}

// IndicatorSnapshot is the full indicator set computed for one (symbol,
// interval) after a candle closes. Values absent from the map mean the ring
// held fewer samples than the indicator's window requires — never zero.
type IndicatorSnapshot struct {
	Symbol   string                     `json:"symbol"`
	Interval Interval                   `json:"interval"`
	TS       time.Time                  `json:"ts"`
	Candle   Candle                     `json:"candle"` // the bar that triggered the computation
	Values   map[string]decimal.Decimal `json:"values"`
}

// Has reports whether every named indicator is present in the snapshot.
func (s IndicatorSnapshot) Has(names ...string) bool {
	for _, n := range names {
		if _, ok := s.Values[n]; !ok {
			return false
		}
	}
	return true
}

// PriceLevel is one side of the order book at a single price.
type PriceLevel struct {
	Price decimal.Decimal `json:"price"`
	Qty   int64           `json:"qty"`
}

// ————————————————————————————————————————————————————————————————————————
// Signals
// ————————————————————————————————————————————————————————————————————————

// SourceStopLoss marks signals emitted by the risk engine's stop-loss
// monitor rather than by a strategy.
const SourceStopLoss = "risk.stop_loss"

// TradingSignal is a strategy's decision output and the input to the risk and
// order engines.
type TradingSignal struct {
	Strategy       string            `json:"strategy_name"`
	Symbol         string            `json:"symbol"`
	Action         Action            `json:"action"`
	Confidence     float64           `json:"confidence"` // in [0,1]
	SuggestedPrice decimal.Decimal   `json:"suggested_price"`
	Reason         string            `json:"reason"`
	Source         string            `json:"source,omitempty"`
	TS             time.Time         `json:"ts"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Liquidation reports whether the signal closes an existing position.
// Session-close exits and stop-loss sells pass the duplicate-in-flight gate
// even when a parallel entry is queued.
func (s TradingSignal) Liquidation() bool {
	return s.Action == ActionHoldExit || s.Source == SourceStopLoss
}

// ————————————————————————————————————————————————————————————————————————
// Orders and fills
// ————————————————————————————————————————————————————————————————————————

// Order is the canonical order record, owned exclusively by the order engine.
// Others observe it through bus events or the read-only query interface.
type Order struct {
	ID             string          `json:"id"` // client-generated; reused on retries (idempotent place)
	BrokerOrderID  string          `json:"broker_order_id,omitempty"`
	Symbol         string          `json:"symbol"`
	Side           Side            `json:"side"`
	Type           OrderType       `json:"type"`
	Quantity       int64           `json:"quantity"`
	Price          decimal.Decimal `json:"price"` // zero for MARKET
	TIF            string          `json:"tif"`
	State          OrderState      `json:"state"`
	FilledQty      int64           `json:"filled_qty"`
	AvgFillPrice   decimal.Decimal `json:"avg_fill_price"`
	CommissionPaid decimal.Decimal `json:"commission_paid"`
	Strategy       string          `json:"strategy_name"`
	Reason         string          `json:"reason,omitempty"` // terminal reason (rejects, failures)
	CreatedTS      time.Time       `json:"created_ts"`
	UpdatedTS      time.Time       `json:"updated_ts"`
}

// Notional returns price · quantity in KRW. Market orders carry no price
// until filled; callers mark them with the latest close instead.
func (o Order) Notional() decimal.Decimal {
	return o.Price.Mul(decimal.NewFromInt(o.Quantity))
}

// Fill records a single execution against an order. Immutable.
type Fill struct {
	FillID     string          `json:"fill_id"`
	OrderID    string          `json:"order_id"`
	Symbol     string          `json:"symbol"`
	Side       Side            `json:"side"`
	Qty        int64           `json:"qty"`
	Price      decimal.Decimal `json:"price"`
	Commission decimal.Decimal `json:"commission"`
	TS         time.Time       `json:"ts"`
}

// Position is the per-symbol holding record. Qty 0 is retained for history
// until garbage-collected after a grace window.
type Position struct {
	Symbol        string          `json:"symbol"`
	Qty           int64           `json:"qty"`
	AvgCost       decimal.Decimal `json:"avg_cost"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	LastMarkPrice decimal.Decimal `json:"last_mark_price"`
	LastUpdated   time.Time       `json:"last_updated"`
}

// MarketValue returns the position's notional at the last mark price.
func (p Position) MarketValue() decimal.Decimal {
	return p.LastMarkPrice.Mul(decimal.NewFromInt(p.Qty))
}
