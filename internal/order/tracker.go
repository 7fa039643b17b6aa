// tracker.go maintains per-order execution state: fill history, the
// size-weighted average fill price, and the inputs of the partial-fill
// watchdog.
package order

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"qb-trader/pkg/types"
)

// ExecutionTracker accumulates fills against one order.
type ExecutionTracker struct {
	orderID  string
	quantity int64
	maxFills int

	fills        []types.Fill
	filledQty    int64
	notional     decimal.Decimal // Σ price·qty over accepted fills
	lastFillTS   time.Time
	stallFlagged bool // partial_fill_stalled already emitted
	rejected     int  // fills past the cap or past full quantity
}

// NewExecutionTracker creates a tracker for an order of the given quantity.
func NewExecutionTracker(orderID string, quantity int64, maxFills int) *ExecutionTracker {
	if maxFills <= 0 {
		maxFills = 100
	}
	return &ExecutionTracker{orderID: orderID, quantity: quantity, maxFills: maxFills}
}

// Apply accepts a fill into the accounting. Fills beyond the per-order cap
// or beyond the order quantity are rejected; both indicate broker-side
// anomalies and must not corrupt the position books.
func (t *ExecutionTracker) Apply(f types.Fill) error {
	if len(t.fills) >= t.maxFills {
		t.rejected++
		return fmt.Errorf("order %s: fill %s past cap %d", t.orderID, f.FillID, t.maxFills)
	}
	if f.Qty <= 0 {
		t.rejected++
		return fmt.Errorf("order %s: fill %s has qty %d", t.orderID, f.FillID, f.Qty)
	}
	if t.filledQty+f.Qty > t.quantity {
		t.rejected++
		return fmt.Errorf("order %s: fill %s overfills %d+%d > %d",
			t.orderID, f.FillID, t.filledQty, f.Qty, t.quantity)
	}

	t.fills = append(t.fills, f)
	t.filledQty += f.Qty
	t.notional = t.notional.Add(f.Price.Mul(decimal.NewFromInt(f.Qty)))
	if f.TS.After(t.lastFillTS) {
		t.lastFillTS = f.TS
	}
	t.stallFlagged = false
	return nil
}

// FilledQty returns the accepted fill quantity.
func (t *ExecutionTracker) FilledQty() int64 { return t.filledQty }

// Remaining returns the unfilled quantity.
func (t *ExecutionTracker) Remaining() int64 { return t.quantity - t.filledQty }

// Complete reports whether the order is fully filled.
func (t *ExecutionTracker) Complete() bool { return t.filledQty >= t.quantity }

// AvgFillPrice returns the size-weighted average price, zero before any fill.
func (t *ExecutionTracker) AvgFillPrice() decimal.Decimal {
	if t.filledQty == 0 {
		return decimal.Zero
	}
	return t.notional.Div(decimal.NewFromInt(t.filledQty))
}

// Fills returns a copy of the accepted fill history.
func (t *ExecutionTracker) Fills() []types.Fill {
	return append([]types.Fill(nil), t.fills...)
}

// RejectedFills returns how many fills were turned away.
func (t *ExecutionTracker) RejectedFills() int { return t.rejected }

// stallState classifies the partial-fill watchdog condition at now:
// 0 healthy, 1 stalled (emit once), 2 abandoned (cancel remainder).
func (t *ExecutionTracker) stallState(now time.Time, threshold time.Duration) int {
	if t.filledQty == 0 || t.Complete() || t.lastFillTS.IsZero() {
		return 0
	}
	idle := now.Sub(t.lastFillTS)
	switch {
	case idle >= 2*threshold:
		return 2
	case idle >= threshold:
		return 1
	}
	return 0
}
