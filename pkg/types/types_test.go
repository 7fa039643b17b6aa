package types

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestOrderStateTerminal(t *testing.T) {
	tests := []struct {
		state OrderState
		want  bool
	}{
		{OrderNew, false},
		{OrderQueued, false},
		{OrderSubmitted, false},
		{OrderPartial, false},
		{OrderFilled, true},
		{OrderCancelled, true},
		{OrderRejected, true},
		{OrderFailed, true},
	}
	for _, tt := range tests {
		if got := tt.state.Terminal(); got != tt.want {
			t.Errorf("%s.Terminal() = %v, want %v", tt.state, got, tt.want)
		}
	}
}

func TestIntervalTruncate(t *testing.T) {
	ts := time.Date(2025, 3, 14, 9, 3, 42, 120, time.UTC)

	got := Interval1m.Truncate(ts)
	want := time.Date(2025, 3, 14, 9, 3, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("1m truncate = %v, want %v", got, want)
	}

	got = Interval5m.Truncate(ts)
	want = time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("5m truncate = %v, want %v", got, want)
	}
}

func TestCandleValidate(t *testing.T) {
	base := Candle{
		Symbol:   "005930",
		Interval: Interval1m,
		TS:       time.Date(2025, 3, 14, 9, 3, 0, 0, time.UTC),
		Open:     d("75000"),
		High:     d("75100"),
		Low:      d("74900"),
		Close:    d("75050"),
		Volume:   1000,
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("valid candle rejected: %v", err)
	}

	bad := base
	bad.Low = d("75200")
	if err := bad.Validate(); err == nil {
		t.Error("low above open/close should be rejected")
	}

	bad = base
	bad.High = d("74000")
	if err := bad.Validate(); err == nil {
		t.Error("high below open/close should be rejected")
	}

	bad = base
	bad.Volume = -1
	if err := bad.Validate(); err == nil {
		t.Error("negative volume should be rejected")
	}

	bad = base
	bad.TS = bad.TS.Add(10 * time.Second)
	if err := bad.Validate(); err == nil {
		t.Error("unaligned timestamp should be rejected")
	}
}

func TestActionSide(t *testing.T) {
	if ActionBuy.Side() != BUY {
		t.Error("BUY action should map to BUY side")
	}
	if ActionSell.Side() != SELL {
		t.Error("SELL action should map to SELL side")
	}
	if ActionHoldExit.Side() != SELL {
		t.Error("HOLD_EXIT should liquidate via SELL")
	}
}

func TestSignalLiquidation(t *testing.T) {
	if !(TradingSignal{Action: ActionHoldExit}).Liquidation() {
		t.Error("HOLD_EXIT is a liquidation")
	}
	if !(TradingSignal{Action: ActionSell, Source: SourceStopLoss}).Liquidation() {
		t.Error("stop-loss sell is a liquidation")
	}
	if (TradingSignal{Action: ActionBuy}).Liquidation() {
		t.Error("plain BUY is not a liquidation")
	}
}

func TestOrderNotional(t *testing.T) {
	o := Order{Price: d("75000"), Quantity: 13}
	if got := o.Notional(); !got.Equal(d("975000")) {
		t.Errorf("notional = %s, want 975000", got)
	}
}

func TestIndicatorSnapshotHas(t *testing.T) {
	snap := IndicatorSnapshot{Values: map[string]decimal.Decimal{
		"sma_5":  d("75000"),
		"rsi_14": d("55.2"),
	}}
	if !snap.Has("sma_5", "rsi_14") {
		t.Error("present indicators reported missing")
	}
	if snap.Has("sma_5", "atr_14") {
		t.Error("missing atr_14 reported present")
	}
}
