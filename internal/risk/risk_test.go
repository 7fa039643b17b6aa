package risk

import (
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"qb-trader/internal/bus"
	"qb-trader/internal/cache"
	"qb-trader/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testLimits() Limits {
	return Limits{
		MaxDailyLoss:        decimal.NewFromInt(500_000),
		MaxMonthlyLoss:      decimal.NewFromInt(3_000_000),
		MaxPositionRatio:    decimal.RequireFromString("0.10"),
		MaxSectorRatio:      decimal.RequireFromString("0.30"),
		MaxTotalExposure:    decimal.RequireFromString("0.95"),
		MinCashReserveRatio: decimal.RequireFromString("0.05"),
		MaxOrdersPerDay:     50,
		MaxConsecLosses:     5,
		MinOrderValue:       decimal.NewFromInt(10_000),
		MaxOrderValue:       decimal.NewFromInt(10_000_000),
		Sectors:             map[string]string{"005930": "tech", "000660": "tech"},
	}
}

type stubProvider struct {
	ctx types.RiskContext
	err error
}

func (s *stubProvider) RiskContext() (types.RiskContext, error) { return s.ctx, s.err }

func flatContext() types.RiskContext {
	return types.RiskContext{
		PortfolioValue: decimal.NewFromInt(10_000_000),
		Cash:           decimal.NewFromInt(10_000_000),
	}
}

func buyReq(symbol string, price int64, qty int64) types.RiskCheckRequest {
	return types.RiskCheckRequest{
		Order: types.Order{
			Symbol:   symbol,
			Side:     types.BUY,
			Type:     types.OrderTypeLimit,
			Price:    decimal.NewFromInt(price),
			Quantity: qty,
		},
		TS: time.Now().UTC(),
	}
}

func newChecker(provider ContextProvider) *Checker {
	return NewChecker(testLimits(), provider, nil, testLogger())
}

func TestApproveCleanBuy(t *testing.T) {
	t.Parallel()
	c := newChecker(&stubProvider{ctx: flatContext()})

	dec := c.Check(buyReq("005930", 75_000, 10))
	if dec.Decision != types.DecisionApprove {
		t.Fatalf("decision = %s (%v), want APPROVE", dec.Decision, dec.Reasons)
	}
}

func TestPositionSizeAdjust(t *testing.T) {
	t.Parallel()
	// max_position_ratio 0.05, portfolio 10M: cap 500_000. BUY 75_000 × 10
	// (750_000) adjusts down to 6 shares (450_000).
	limits := testLimits()
	limits.MaxPositionRatio = decimal.RequireFromString("0.05")
	c := NewChecker(limits, &stubProvider{ctx: flatContext()}, nil, testLogger())

	dec := c.Check(buyReq("005930", 75_000, 10))
	if dec.Decision != types.DecisionAdjust {
		t.Fatalf("decision = %s (%v), want ADJUST", dec.Decision, dec.Reasons)
	}
	if dec.AdjustedQuantity != 6 {
		t.Errorf("adjusted qty = %d, want 6", dec.AdjustedQuantity)
	}
	if len(dec.Reasons) != 1 || dec.Reasons[0] != ReasonPositionSize {
		t.Errorf("reasons = %v, want [%s]", dec.Reasons, ReasonPositionSize)
	}
}

func TestPositionSizeRejectBelowOneShare(t *testing.T) {
	t.Parallel()
	ctx := flatContext()
	// Existing position already at the cap.
	ctx.Positions = []types.Position{{
		Symbol: "005930", Qty: 13,
		LastMarkPrice: decimal.NewFromInt(77_000),
	}}
	c := newChecker(&stubProvider{ctx: ctx})

	dec := c.Check(buyReq("005930", 75_000, 10))
	if dec.Decision != types.DecisionReject || dec.Reasons[0] != ReasonPositionSize {
		t.Fatalf("decision = %s (%v), want REJECT position_size_limit", dec.Decision, dec.Reasons)
	}
}

func TestDailyLossReject(t *testing.T) {
	t.Parallel()
	ctx := flatContext()
	ctx.RealizedPnLToday = decimal.NewFromInt(-500_001)
	c := newChecker(&stubProvider{ctx: ctx})

	dec := c.Check(buyReq("005930", 75_000, 10))
	if dec.Decision != types.DecisionReject {
		t.Fatalf("decision = %s, want REJECT", dec.Decision)
	}
	if len(dec.Reasons) != 1 || dec.Reasons[0] != ReasonDailyLoss {
		t.Errorf("reasons = %v, want [%s]", dec.Reasons, ReasonDailyLoss)
	}
}

func TestRuleChainOrderAndReasons(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*types.RiskContext, *Limits, *types.RiskCheckRequest)
		want   string
	}{
		{
			name: "sector exposure",
			mutate: func(ctx *types.RiskContext, _ *Limits, _ *types.RiskCheckRequest) {
				ctx.Positions = []types.Position{{
					Symbol: "000660", Qty: 20, LastMarkPrice: decimal.NewFromInt(150_000),
				}}
			},
			want: ReasonSectorExposure,
		},
		{
			name: "monthly loss",
			mutate: func(ctx *types.RiskContext, _ *Limits, _ *types.RiskCheckRequest) {
				ctx.RealizedPnLMonth = decimal.NewFromInt(-3_000_000)
			},
			want: ReasonMonthlyLoss,
		},
		{
			name: "trade frequency",
			mutate: func(ctx *types.RiskContext, _ *Limits, _ *types.RiskCheckRequest) {
				ctx.OrdersToday = 50
			},
			want: ReasonTradeFrequency,
		},
		{
			name: "consecutive losses",
			mutate: func(ctx *types.RiskContext, _ *Limits, _ *types.RiskCheckRequest) {
				ctx.ConsecLosses = 5
			},
			want: ReasonConsecutiveLoss,
		},
		{
			name: "order value below minimum",
			mutate: func(_ *types.RiskContext, _ *Limits, req *types.RiskCheckRequest) {
				req.Order.Price = decimal.NewFromInt(5_000)
				req.Order.Quantity = 1
			},
			want: ReasonOrderValueBounds,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ctx := flatContext()
			limits := testLimits()
			req := buyReq("005930", 75_000, 10)
			tt.mutate(&ctx, &limits, &req)

			dec := NewChecker(limits, &stubProvider{ctx: ctx}, nil, testLogger()).Check(req)
			if dec.Decision != types.DecisionReject {
				t.Fatalf("decision = %s (%v), want REJECT", dec.Decision, dec.Reasons)
			}
			if dec.Reasons[0] != tt.want {
				t.Errorf("reason = %q, want %q", dec.Reasons[0], tt.want)
			}
		})
	}
}

func TestCashReserveAdjust(t *testing.T) {
	t.Parallel()
	ctx := flatContext()
	ctx.Cash = decimal.NewFromInt(800_000) // reserve 500_000 → 300_000 available
	c := newChecker(&stubProvider{ctx: ctx})

	dec := c.Check(buyReq("005930", 75_000, 10))
	if dec.Decision != types.DecisionAdjust || dec.Reasons[0] != ReasonCashReserve {
		t.Fatalf("decision = %s (%v), want ADJUST cash_reserve_limit", dec.Decision, dec.Reasons)
	}
	if dec.AdjustedQuantity != 4 { // 300_000 / 75_000
		t.Errorf("adjusted qty = %d, want 4", dec.AdjustedQuantity)
	}
}

func TestContextUnavailableRejects(t *testing.T) {
	t.Parallel()
	c := newChecker(&stubProvider{err: errors.New("cache down")})

	dec := c.Check(buyReq("005930", 75_000, 10))
	if dec.Decision != types.DecisionReject || dec.Reasons[0] != ReasonContextUnavailable {
		t.Fatalf("decision = %s (%v), want REJECT context_unavailable", dec.Decision, dec.Reasons)
	}
}

func TestSellPassesBuyOnlyRules(t *testing.T) {
	t.Parallel()
	ctx := flatContext()
	ctx.Cash = decimal.NewFromInt(0) // would fail cash reserve for a buy
	ctx.Positions = []types.Position{{
		Symbol: "005930", Qty: 10, LastMarkPrice: decimal.NewFromInt(75_000),
	}}
	ctx.PortfolioValue = decimal.NewFromInt(750_000)
	c := newChecker(&stubProvider{ctx: ctx})

	req := buyReq("005930", 75_000, 10)
	req.Order.Side = types.SELL
	dec := c.Check(req)
	if dec.Decision != types.DecisionApprove {
		t.Fatalf("liquidation decision = %s (%v), want APPROVE", dec.Decision, dec.Reasons)
	}
}

func TestEmergencyStopRuleTen(t *testing.T) {
	t.Parallel()
	b := bus.New(bus.Options{SourceID: "test", HeartbeatInterval: time.Hour}, testLogger())
	defer b.Stop()

	stop := NewEmergencyStop("secret", b, testLogger())
	c := NewChecker(testLimits(), &stubProvider{ctx: flatContext()}, stop, testLogger())

	if dec := c.Check(buyReq("005930", 75_000, 10)); dec.Decision != types.DecisionApprove {
		t.Fatalf("pre-arm decision = %s", dec.Decision)
	}

	stop.Arm("manual")
	dec := c.Check(buyReq("005930", 75_000, 10))
	if dec.Decision != types.DecisionReject || dec.Reasons[0] != ReasonEmergencyStop {
		t.Fatalf("armed decision = %s (%v), want REJECT emergency_stop_active", dec.Decision, dec.Reasons)
	}

	if err := stop.Disarm("wrong"); !errors.Is(err, ErrBadResetToken) {
		t.Error("wrong token must be rejected")
	}
	if err := stop.Disarm("secret"); err != nil {
		t.Fatal(err)
	}
	if dec := c.Check(buyReq("005930", 75_000, 10)); dec.Decision != types.DecisionApprove {
		t.Errorf("post-disarm decision = %s", dec.Decision)
	}
}

func TestEmergencyStopOverridesAdjust(t *testing.T) {
	t.Parallel()
	b := bus.New(bus.Options{SourceID: "test", HeartbeatInterval: time.Hour}, testLogger())
	defer b.Stop()

	// Sized so rule 1 would ADJUST down to 6 shares; the armed gate must
	// win regardless.
	limits := testLimits()
	limits.MaxPositionRatio = decimal.RequireFromString("0.05")
	stop := NewEmergencyStop("secret", b, testLogger())
	c := NewChecker(limits, &stubProvider{ctx: flatContext()}, stop, testLogger())

	stop.Arm("manual")
	dec := c.Check(buyReq("005930", 75_000, 10))
	if dec.Decision != types.DecisionReject {
		t.Fatalf("armed decision = %s (%v), want REJECT", dec.Decision, dec.Reasons)
	}
	if len(dec.Reasons) != 1 || dec.Reasons[0] != ReasonEmergencyStop {
		t.Errorf("reasons = %v, want [%s]", dec.Reasons, ReasonEmergencyStop)
	}
}

func TestLiquidationPermittedWhileArmed(t *testing.T) {
	t.Parallel()
	b := bus.New(bus.Options{SourceID: "test", HeartbeatInterval: time.Hour}, testLogger())
	defer b.Stop()

	// The daily-loss breach that armed the stop is still in the context;
	// a stop-loss exit must clear anyway.
	ctx := flatContext()
	ctx.RealizedPnLToday = decimal.NewFromInt(-600_000)
	ctx.Positions = []types.Position{{
		Symbol: "005930", Qty: 10, LastMarkPrice: decimal.NewFromInt(72_000),
	}}
	stop := NewEmergencyStop("secret", b, testLogger())
	stop.Arm(ReasonDailyLoss)
	c := NewChecker(testLimits(), &stubProvider{ctx: ctx}, stop, testLogger())

	req := types.RiskCheckRequest{
		Order: types.Order{
			Symbol:   "005930",
			Side:     types.SELL,
			Type:     types.OrderTypeMarket,
			Quantity: 10,
		},
		Signal: &types.TradingSignal{
			Symbol:         "005930",
			Action:         types.ActionSell,
			Source:         types.SourceStopLoss,
			SuggestedPrice: decimal.NewFromInt(72_000),
		},
		TS: time.Now().UTC(),
	}
	if dec := c.Check(req); dec.Decision != types.DecisionApprove {
		t.Fatalf("liquidation decision = %s (%v), want APPROVE", dec.Decision, dec.Reasons)
	}

	// A plain entry stays blocked.
	dec := c.Check(buyReq("005930", 75_000, 10))
	if dec.Decision != types.DecisionReject || dec.Reasons[0] != ReasonEmergencyStop {
		t.Fatalf("buy decision = %s (%v), want REJECT emergency_stop_active", dec.Decision, dec.Reasons)
	}
}

func TestEmergencyStopAutoArmsOnDailyLoss(t *testing.T) {
	t.Parallel()
	b := bus.New(bus.Options{SourceID: "test", HeartbeatInterval: time.Hour}, testLogger())
	defer b.Stop()

	var mu sync.Mutex
	var events []bus.EmergencyStopEvent
	_, err := b.Subscribe(bus.TopicEmergencyStop, "test", func(d bus.Delivery) {
		mu.Lock()
		events = append(events, d.Payload.(bus.EmergencyStopEvent))
		mu.Unlock()
	})
	if err != nil {
		t.Fatal(err)
	}

	stop := NewEmergencyStop("secret", b, testLogger())
	ctx := flatContext()
	ctx.RealizedPnLToday = decimal.NewFromInt(-600_000)
	stop.Evaluate(ctx, testLimits())

	if !stop.Armed() {
		t.Fatal("stop must arm on daily loss breach")
	}
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if len(events) != 1 || !events[0].Armed || events[0].Reason != ReasonDailyLoss {
		t.Errorf("events = %+v, want one armed daily_loss_limit", events)
	}
}

func TestStopLossFixedTrigger(t *testing.T) {
	t.Parallel()
	b := bus.New(bus.Options{SourceID: "test", HeartbeatInterval: time.Hour}, testLogger())
	defer b.Stop()

	var mu sync.Mutex
	var signals []types.TradingSignal
	_, err := b.Subscribe(bus.TopicTradingSignal, "test", func(d bus.Delivery) {
		mu.Lock()
		signals = append(signals, d.Payload.(types.TradingSignal))
		mu.Unlock()
	})
	if err != nil {
		t.Fatal(err)
	}

	m := NewStopLossMonitor(b, StopConfig{
		StopPct:      decimal.RequireFromString("0.03"),
		TakePct:      decimal.RequireFromString("0.05"),
		TrailingPct:  decimal.RequireFromString("0.10"),
		BreakEvenPct: decimal.RequireFromString("0.02"),
	}, testLogger())

	m.OnPosition(types.Position{Symbol: "005930", Qty: 10, AvgCost: decimal.NewFromInt(75_000)})

	// Above the stop: nothing.
	m.OnMark("005930", decimal.NewFromInt(74_000), time.Now())
	// Fixed stop at 72_750 (75_000 × 0.97).
	m.OnMark("005930", decimal.NewFromInt(72_700), time.Now())
	// Further marks while triggered must not re-fire.
	m.OnMark("005930", decimal.NewFromInt(72_000), time.Now())

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if len(signals) != 1 {
		t.Fatalf("signals = %d, want 1", len(signals))
	}
	sig := signals[0]
	if sig.Source != types.SourceStopLoss || !sig.Liquidation() {
		t.Errorf("signal source = %q, want %s", sig.Source, types.SourceStopLoss)
	}
	if sig.Action != types.ActionSell || sig.Reason != "stop_loss" {
		t.Errorf("signal = %s/%s, want SELL/stop_loss", sig.Action, sig.Reason)
	}
}

func TestStopLossTrailingRaisesStop(t *testing.T) {
	t.Parallel()
	b := bus.New(bus.Options{SourceID: "test", HeartbeatInterval: time.Hour}, testLogger())
	defer b.Stop()

	var mu sync.Mutex
	var signals []types.TradingSignal
	if _, err := b.Subscribe(bus.TopicTradingSignal, "test", func(d bus.Delivery) {
		mu.Lock()
		signals = append(signals, d.Payload.(types.TradingSignal))
		mu.Unlock()
	}); err != nil {
		t.Fatal(err)
	}

	m := NewStopLossMonitor(b, StopConfig{
		StopPct:      decimal.RequireFromString("0.03"),
		TakePct:      decimal.RequireFromString("0.10"),
		TrailingPct:  decimal.RequireFromString("0.02"),
		BreakEvenPct: decimal.RequireFromString("0.02"),
	}, testLogger())

	m.OnPosition(types.Position{Symbol: "005930", Qty: 10, AvgCost: decimal.NewFromInt(75_000)})

	// Rally to 78_000: trailing stop rises to 76_440 (78_000 × 0.98).
	m.OnMark("005930", decimal.NewFromInt(78_000), time.Now())
	// Pull back below the trailing stop but far above the fixed stop.
	m.OnMark("005930", decimal.NewFromInt(76_400), time.Now())

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if len(signals) != 1 || signals[0].Reason != "stop_loss" {
		t.Fatalf("signals = %+v, want one trailing stop_loss", signals)
	}
}

func TestTakeProfitTrigger(t *testing.T) {
	t.Parallel()
	b := bus.New(bus.Options{SourceID: "test", HeartbeatInterval: time.Hour}, testLogger())
	defer b.Stop()

	var mu sync.Mutex
	var signals []types.TradingSignal
	if _, err := b.Subscribe(bus.TopicTradingSignal, "test", func(d bus.Delivery) {
		mu.Lock()
		signals = append(signals, d.Payload.(types.TradingSignal))
		mu.Unlock()
	}); err != nil {
		t.Fatal(err)
	}

	m := NewStopLossMonitor(b, StopConfig{
		StopPct:      decimal.RequireFromString("0.03"),
		TakePct:      decimal.RequireFromString("0.05"),
		TrailingPct:  decimal.RequireFromString("0.20"),
		BreakEvenPct: decimal.RequireFromString("0.02"),
	}, testLogger())

	m.OnPosition(types.Position{Symbol: "005930", Qty: 10, AvgCost: decimal.NewFromInt(75_000)})
	m.OnMark("005930", decimal.NewFromInt(78_750), time.Now()) // +5%

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if len(signals) != 1 || signals[0].Reason != "take_profit" {
		t.Fatalf("signals = %+v, want one take_profit", signals)
	}
}

func TestMonitorSectorDispersionAlert(t *testing.T) {
	t.Parallel()
	b := bus.New(bus.Options{SourceID: "test", HeartbeatInterval: time.Hour}, testLogger())
	defer b.Stop()

	var mu sync.Mutex
	var alerts []bus.RiskAlert
	if _, err := b.Subscribe(bus.TopicRiskAlert, "test", func(d bus.Delivery) {
		mu.Lock()
		alerts = append(alerts, d.Payload.(bus.RiskAlert))
		mu.Unlock()
	}); err != nil {
		t.Fatal(err)
	}

	// Both holdings map to the tech sector: sector weights collapse to a
	// single bucket and the Herfindahl index hits 1.0.
	ctx := flatContext()
	ctx.Positions = []types.Position{
		{Symbol: "005930", Qty: 10, LastMarkPrice: decimal.NewFromInt(75_000)},
		{Symbol: "000660", Qty: 5, LastMarkPrice: decimal.NewFromInt(150_000)},
	}
	stop := NewEmergencyStop("secret", b, testLogger())
	m := NewMonitor(b, cache.NewMemory(200, 1_000), &stubProvider{ctx: ctx}, stop, testLimits(), time.Minute, testLogger())

	m.Cycle(time.Now().UTC())

	if got := m.Last().SectorDispersion; got < 0.99 {
		t.Fatalf("sector dispersion = %v, want ~1.0", got)
	}

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	var found *bus.RiskAlert
	for i := range alerts {
		if alerts[i].Metric == "sector_dispersion" {
			found = &alerts[i]
		}
	}
	if found == nil {
		t.Fatalf("alerts = %+v, want a sector_dispersion alert", alerts)
	}
	if found.Severity != "critical" {
		t.Errorf("severity = %q, want critical", found.Severity)
	}
}

func TestSizingModes(t *testing.T) {
	t.Parallel()
	r := NewRecommender(SizingConfig{
		RiskPerTrade:  decimal.RequireFromString("0.01"),
		ATRMultiplier: decimal.NewFromInt(2),
		KellyCap:      decimal.RequireFromString("0.25"),
	})

	pv := decimal.NewFromInt(10_000_000)
	entry := decimal.NewFromInt(75_000)

	// Risk budget 100_000 over a 2_250 per-share stop distance → 44 shares.
	if got := r.FixedFractional(pv, entry, decimal.NewFromInt(72_750)); got != 44 {
		t.Errorf("fixed fractional = %d, want 44", got)
	}
	if got := r.FixedFractional(pv, entry, entry); got != 0 {
		t.Errorf("stop at entry must size 0, got %d", got)
	}

	// ATR 1_000 × mult 2 → stop distance 2_000 → 50 shares.
	if got := r.Volatility(pv, entry, decimal.NewFromInt(1_000)); got != 50 {
		t.Errorf("volatility = %d, want 50", got)
	}

	// w=0.6, payoff=2 → f = 0.6 − 0.4/2 = 0.4, capped to 0.25 →
	// 2_500_000 / 75_000 = 33 shares.
	if got := r.Kelly(pv, entry, 0.6, 2); got != 33 {
		t.Errorf("kelly = %d, want 33", got)
	}
	if got := r.Kelly(pv, entry, 0.3, 1); got != 0 {
		t.Errorf("negative-edge kelly = %d, want 0", got)
	}
}
