package order

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"qb-trader/internal/broker"
	"qb-trader/internal/bus"
	"qb-trader/internal/cache"
	"qb-trader/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testRates() CommissionRates {
	return CommissionRates{
		Brokerage:    decimal.RequireFromString("0.00015"),
		MinBrokerage: decimal.NewFromInt(100),
		Exchange:     decimal.RequireFromString("0.000008"),
		Clearing:     decimal.RequireFromString("0.0000154"),
		TxTax:        decimal.RequireFromString("0.0023"),
		RuralTax:     decimal.RequireFromString("0.00046"),
	}
}

// ————————————————————————————————————————————————————————————————————————
// Commission
// ————————————————————————————————————————————————————————————————————————

func TestCommissionSchedule(t *testing.T) {
	t.Parallel()
	r := testRates()

	tests := []struct {
		name  string
		side  types.Side
		price int64
		qty   int64
		want  int64 // won
	}{
		// N=750_000: brokerage 112.5, exchange 6, clearing 11.55 → 130.05
		{"buy above brokerage floor", types.BUY, 75_000, 10, 130},
		// sell adds tx 1725 and rural 345 → 2200.05
		{"sell adds taxes", types.SELL, 75_000, 10, 2200},
		// N=10_000: brokerage floors at 100; +0.08+0.154 → 100.234
		{"min brokerage fee", types.BUY, 10_000, 1, 100},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := r.Commission(tt.side, decimal.NewFromInt(tt.price), tt.qty)
			if !got.Equal(decimal.NewFromInt(tt.want)) {
				t.Errorf("commission = %s, want %d", got, tt.want)
			}
		})
	}
}

// ————————————————————————————————————————————————————————————————————————
// Priority queue
// ————————————————————————————————————————————————————————————————————————

func TestPriorityKey(t *testing.T) {
	t.Parallel()
	overrides := map[string]int{"fast": -10, "slow": 10, "wild": 25}

	tests := []struct {
		name  string
		order types.Order
		want  int
	}{
		{"limit buy", types.Order{Type: types.OrderTypeLimit, Side: types.BUY}, 100},
		{"market buy", types.Order{Type: types.OrderTypeMarket, Side: types.BUY}, 80},
		{"market sell", types.Order{Type: types.OrderTypeMarket, Side: types.SELL}, 75},
		{"limit sell fast strategy", types.Order{Type: types.OrderTypeLimit, Side: types.SELL, Strategy: "fast"}, 85},
		{"override clamped", types.Order{Type: types.OrderTypeLimit, Side: types.BUY, Strategy: "wild"}, 110},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := priorityKey(&tt.order, overrides); got != tt.want {
				t.Errorf("key = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestQueueOrderingAndFIFOTieBreak(t *testing.T) {
	t.Parallel()
	q := newQueue(nil)
	base := time.Date(2026, 2, 2, 9, 0, 0, 0, time.UTC)

	limitOld := &types.Order{ID: "limit-old", Type: types.OrderTypeLimit, Side: types.BUY, CreatedTS: base}
	limitNew := &types.Order{ID: "limit-new", Type: types.OrderTypeLimit, Side: types.BUY, CreatedTS: base.Add(time.Second)}
	marketSell := &types.Order{ID: "mkt-sell", Type: types.OrderTypeMarket, Side: types.SELL, CreatedTS: base.Add(2 * time.Second)}
	marketBuy := &types.Order{ID: "mkt-buy", Type: types.OrderTypeMarket, Side: types.BUY, CreatedTS: base.Add(3 * time.Second)}

	q.push(limitNew)
	q.push(limitOld)
	q.push(marketBuy)
	q.push(marketSell)

	want := []string{"mkt-sell", "mkt-buy", "limit-old", "limit-new"}
	for i, id := range want {
		o := q.pop()
		if o == nil || o.ID != id {
			t.Fatalf("pop %d = %v, want %s", i, o, id)
		}
	}
	if q.pop() != nil {
		t.Error("queue should be drained")
	}
}

func TestQueueRemove(t *testing.T) {
	t.Parallel()
	q := newQueue(nil)
	a := &types.Order{ID: "a", Type: types.OrderTypeLimit, Side: types.BUY, CreatedTS: time.Now()}
	b := &types.Order{ID: "b", Type: types.OrderTypeLimit, Side: types.BUY, CreatedTS: time.Now().Add(time.Second)}
	q.push(a)
	q.push(b)

	if removed := q.remove("a"); removed == nil || removed.ID != "a" {
		t.Fatalf("remove = %v", removed)
	}
	if q.remove("a") != nil {
		t.Error("double remove must return nil")
	}
	if o := q.pop(); o == nil || o.ID != "b" {
		t.Errorf("pop = %v, want b", o)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Execution tracker
// ————————————————————————————————————————————————————————————————————————

func TestTrackerWeightedAverage(t *testing.T) {
	t.Parallel()
	tr := NewExecutionTracker("o1", 100, 100)
	now := time.Now().UTC()

	mustApply(t, tr, types.Fill{FillID: "f1", Qty: 40, Price: decimal.NewFromInt(75_000), TS: now})
	mustApply(t, tr, types.Fill{FillID: "f2", Qty: 60, Price: decimal.NewFromInt(75_500), TS: now.Add(time.Second)})

	if !tr.Complete() || tr.FilledQty() != 100 {
		t.Fatalf("filled = %d, complete = %v", tr.FilledQty(), tr.Complete())
	}
	// (40·75000 + 60·75500) / 100 = 75300
	if !tr.AvgFillPrice().Equal(decimal.NewFromInt(75_300)) {
		t.Errorf("avg = %s, want 75300", tr.AvgFillPrice())
	}
}

func TestTrackerRejectsOverfillAndCap(t *testing.T) {
	t.Parallel()
	tr := NewExecutionTracker("o1", 10, 2)
	now := time.Now().UTC()

	mustApply(t, tr, types.Fill{FillID: "f1", Qty: 4, Price: decimal.NewFromInt(100), TS: now})
	if err := tr.Apply(types.Fill{FillID: "f2", Qty: 7, Price: decimal.NewFromInt(100), TS: now}); err == nil {
		t.Fatal("overfill must be rejected")
	}
	mustApply(t, tr, types.Fill{FillID: "f3", Qty: 3, Price: decimal.NewFromInt(100), TS: now})
	if err := tr.Apply(types.Fill{FillID: "f4", Qty: 1, Price: decimal.NewFromInt(100), TS: now}); err == nil {
		t.Fatal("fill past cap must be rejected")
	}
	if tr.RejectedFills() != 2 {
		t.Errorf("rejected = %d, want 2", tr.RejectedFills())
	}
	if tr.FilledQty() != 7 {
		t.Errorf("filled = %d, want 7", tr.FilledQty())
	}
}

func TestTrackerStallStates(t *testing.T) {
	t.Parallel()
	tr := NewExecutionTracker("o1", 100, 100)
	base := time.Date(2026, 2, 2, 9, 0, 0, 0, time.UTC)
	threshold := 300 * time.Second

	if tr.stallState(base, threshold) != 0 {
		t.Error("no fills yet: healthy")
	}
	mustApply(t, tr, types.Fill{FillID: "f1", Qty: 40, Price: decimal.NewFromInt(75_000), TS: base})

	if got := tr.stallState(base.Add(threshold-time.Second), threshold); got != 0 {
		t.Errorf("before threshold: state %d", got)
	}
	if got := tr.stallState(base.Add(threshold), threshold); got != 1 {
		t.Errorf("at threshold: state %d, want 1", got)
	}
	if got := tr.stallState(base.Add(2*threshold), threshold); got != 2 {
		t.Errorf("at 2x threshold: state %d, want 2", got)
	}
}

func mustApply(t *testing.T, tr *ExecutionTracker, f types.Fill) {
	t.Helper()
	if err := tr.Apply(f); err != nil {
		t.Fatal(err)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Position book
// ————————————————————————————————————————————————————————————————————————

func newTestBook(t *testing.T) (*Book, *bus.InProc) {
	t.Helper()
	b := bus.New(bus.Options{SourceID: "test", HeartbeatInterval: time.Hour}, testLogger())
	t.Cleanup(b.Stop)
	store := cache.NewMemory(200, 10_000)
	book := NewBook(b, store, testLogger())
	book.SetCash(decimal.NewFromInt(10_000_000))
	return book, b
}

func TestBuyRollsCommissionIntoCost(t *testing.T) {
	t.Parallel()
	book, _ := newTestBook(t)
	now := time.Now().UTC()

	book.ApplyFill(types.Fill{
		Symbol: "005930", Side: types.BUY, Qty: 10,
		Price: decimal.NewFromInt(75_000), Commission: decimal.NewFromInt(130), TS: now,
	})

	p, ok := book.Position("005930")
	if !ok {
		t.Fatal("position missing")
	}
	// (750_000 + 130) / 10 = 75_013
	if !p.AvgCost.Equal(decimal.NewFromInt(75_013)) {
		t.Errorf("avg cost = %s, want 75013", p.AvgCost)
	}
	if p.Qty != 10 {
		t.Errorf("qty = %d", p.Qty)
	}

	// Second buy extends the basis.
	book.ApplyFill(types.Fill{
		Symbol: "005930", Side: types.BUY, Qty: 10,
		Price: decimal.NewFromInt(76_000), Commission: decimal.NewFromInt(140), TS: now,
	})
	p, _ = book.Position("005930")
	// (10·75013 + 760_000 + 140) / 20 = 75_513.5
	if !p.AvgCost.Equal(decimal.RequireFromString("75513.5")) {
		t.Errorf("avg cost = %s, want 75513.5", p.AvgCost)
	}
	if p.Qty != 20 {
		t.Errorf("qty = %d", p.Qty)
	}
}

func TestSellRealizesAndResetsWhenFlat(t *testing.T) {
	t.Parallel()
	book, _ := newTestBook(t)
	now := time.Now().UTC()

	book.ApplyFill(types.Fill{
		Symbol: "005930", Side: types.BUY, Qty: 20,
		Price: decimal.NewFromInt(75_000), Commission: decimal.NewFromInt(260), TS: now,
	})
	avg, _ := book.Position("005930")

	// Sell half: avg cost untouched.
	book.ApplyFill(types.Fill{
		Symbol: "005930", Side: types.SELL, Qty: 10,
		Price: decimal.NewFromInt(77_000), Commission: decimal.NewFromInt(2_200), TS: now,
	})
	p, _ := book.Position("005930")
	if p.Qty != 10 || !p.AvgCost.Equal(avg.AvgCost) {
		t.Errorf("after partial sell: qty %d avg %s, want 10 / %s", p.Qty, p.AvgCost, avg.AvgCost)
	}
	wantPnL := decimal.NewFromInt(77_000).Sub(avg.AvgCost).Mul(decimal.NewFromInt(10)).Sub(decimal.NewFromInt(2_200))
	if !p.RealizedPnL.Equal(wantPnL) {
		t.Errorf("realized = %s, want %s", p.RealizedPnL, wantPnL)
	}

	// Sell the rest: basis resets.
	book.ApplyFill(types.Fill{
		Symbol: "005930", Side: types.SELL, Qty: 10,
		Price: decimal.NewFromInt(77_000), Commission: decimal.NewFromInt(2_200), TS: now,
	})
	p, _ = book.Position("005930")
	if p.Qty != 0 || !p.AvgCost.IsZero() || !p.UnrealizedPnL.IsZero() {
		t.Errorf("flat position not reset: %+v", p)
	}

	snap := book.Snapshot()
	if snap.ConsecLosses != 0 {
		t.Errorf("winning round trip must reset consec losses, got %d", snap.ConsecLosses)
	}
}

func TestConsecutiveLossCounting(t *testing.T) {
	t.Parallel()
	book, _ := newTestBook(t)
	now := time.Now().UTC()

	lose := func(symbol string) {
		book.ApplyFill(types.Fill{Symbol: symbol, Side: types.BUY, Qty: 10,
			Price: decimal.NewFromInt(75_000), Commission: decimal.NewFromInt(130), TS: now})
		book.ApplyFill(types.Fill{Symbol: symbol, Side: types.SELL, Qty: 10,
			Price: decimal.NewFromInt(74_000), Commission: decimal.NewFromInt(2_170), TS: now})
	}
	lose("005930")
	lose("000660")
	if snap := book.Snapshot(); snap.ConsecLosses != 2 {
		t.Fatalf("consec losses = %d, want 2", snap.ConsecLosses)
	}

	// A winning trip resets the streak.
	book.ApplyFill(types.Fill{Symbol: "005930", Side: types.BUY, Qty: 10,
		Price: decimal.NewFromInt(75_000), Commission: decimal.NewFromInt(130), TS: now})
	book.ApplyFill(types.Fill{Symbol: "005930", Side: types.SELL, Qty: 10,
		Price: decimal.NewFromInt(80_000), Commission: decimal.NewFromInt(2_300), TS: now})
	if snap := book.Snapshot(); snap.ConsecLosses != 0 {
		t.Errorf("consec losses = %d, want 0", snap.ConsecLosses)
	}
}

func TestMarkRecomputesUnrealized(t *testing.T) {
	t.Parallel()
	book, _ := newTestBook(t)
	now := time.Now().UTC()

	book.ApplyFill(types.Fill{Symbol: "005930", Side: types.BUY, Qty: 10,
		Price: decimal.NewFromInt(75_000), Commission: decimal.NewFromInt(130), TS: now})
	book.Mark("005930", decimal.NewFromInt(76_000), now.Add(time.Minute))

	p, _ := book.Position("005930")
	want := decimal.NewFromInt(76_000).Sub(p.AvgCost).Mul(decimal.NewFromInt(10))
	if !p.UnrealizedPnL.Equal(want) {
		t.Errorf("unrealized = %s, want %s", p.UnrealizedPnL, want)
	}

	snap := book.Snapshot()
	wantValue := snap.Cash.Add(decimal.NewFromInt(760_000))
	if !snap.PortfolioValue.Equal(wantValue) {
		t.Errorf("portfolio value = %s, want %s", snap.PortfolioValue, wantValue)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Engine
// ————————————————————————————————————————————————————————————————————————

type fakeBroker struct {
	mu        sync.Mutex
	placed    []types.Order
	cancelled []string
	placeErr  error
	fills     chan broker.FillNotification
	statuses  chan broker.StatusChange
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		fills:    make(chan broker.FillNotification, 16),
		statuses: make(chan broker.StatusChange, 16),
	}
}

func (f *fakeBroker) Authenticate(context.Context) error { return nil }

func (f *fakeBroker) Place(_ context.Context, o types.Order) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.placeErr != nil {
		return "", f.placeErr
	}
	f.placed = append(f.placed, o)
	return fmt.Sprintf("fb-%d", len(f.placed)), nil
}

func (f *fakeBroker) Cancel(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, id)
	return nil
}

func (f *fakeBroker) Balance(context.Context) (broker.Balance, error) {
	return broker.Balance{Cash: decimal.NewFromInt(10_000_000)}, nil
}

func (f *fakeBroker) Fills() <-chan broker.FillNotification { return f.fills }
func (f *fakeBroker) Statuses() <-chan broker.StatusChange  { return f.statuses }
func (f *fakeBroker) Close() error                          { return nil }

func (f *fakeBroker) placeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.placed)
}

type engineFixture struct {
	engine *Engine
	bus    *bus.InProc
	broker *fakeBroker
	book   *Book
}

// newFixture wires an engine against a scripted risk responder.
func newFixture(t *testing.T, decide func(types.RiskCheckRequest) types.RiskDecision) *engineFixture {
	t.Helper()
	b := bus.New(bus.Options{SourceID: "test", HeartbeatInterval: time.Hour}, testLogger())
	t.Cleanup(b.Stop)
	b.Respond(bus.TopicRiskCheck, func(_ context.Context, env bus.Envelope) (any, error) {
		return decide(env.Payload.(types.RiskCheckRequest)), nil
	})

	store := cache.NewMemory(200, 10_000)
	book := NewBook(b, store, testLogger())
	book.SetCash(decimal.NewFromInt(10_000_000))
	fb := newFakeBroker()

	e := NewEngine(b, store, fb, book, testRates(), Config{
		Symbols:            []string{"005930", "000660"},
		LotValue:           decimal.NewFromInt(750_000),
		MaxPartialFillTime: 300 * time.Second,
	}, testLogger())
	if err := e.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(e.Stop)
	return &engineFixture{engine: e, bus: b, broker: fb, book: book}
}

func approveAll(types.RiskCheckRequest) types.RiskDecision {
	return types.RiskDecision{Decision: types.DecisionApprove}
}

// collectOrders subscribes to an order lifecycle topic and returns a drain
// function producing the events seen so far.
func collectOrders(t *testing.T, b *bus.InProc, topic bus.Topic) func() []bus.OrderEvent {
	t.Helper()
	var mu sync.Mutex
	var events []bus.OrderEvent
	unsub, err := b.Subscribe(topic, "test-"+string(topic), func(d bus.Delivery) {
		mu.Lock()
		events = append(events, d.Payload.(bus.OrderEvent))
		mu.Unlock()
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(unsub)
	return func() []bus.OrderEvent {
		time.Sleep(50 * time.Millisecond)
		mu.Lock()
		defer mu.Unlock()
		return append([]bus.OrderEvent(nil), events...)
	}
}

func buySignal(symbol string) types.TradingSignal {
	return types.TradingSignal{
		Strategy:       "ma_1m_5m",
		Symbol:         symbol,
		Action:         types.ActionBuy,
		Confidence:     0.8,
		SuggestedPrice: decimal.NewFromInt(75_000),
		TS:             time.Now().UTC(),
	}
}

func waitForPlacement(t *testing.T, fb *fakeBroker, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for fb.placeCount() < want {
		if time.Now().After(deadline) {
			t.Fatalf("broker saw %d placements, want %d", fb.placeCount(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSignalFlowsToBroker(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, approveAll)
	placed := collectOrders(t, fx.bus, bus.TopicOrderPlaced)

	fx.engine.OnSignal(buySignal("005930"))
	fx.engine.dispatch(context.Background())
	waitForPlacement(t, fx.broker, 1)

	events := placed()
	if len(events) != 1 {
		t.Fatalf("order_placed events = %d, want 1", len(events))
	}
	o := events[0].Order
	if o.State != types.OrderSubmitted || o.BrokerOrderID == "" {
		t.Errorf("order = %+v", o)
	}
	if o.Quantity != 10 { // lot 750_000 / 75_000
		t.Errorf("qty = %d, want 10", o.Quantity)
	}
	if o.Type != types.OrderTypeLimit || !o.Price.Equal(decimal.NewFromInt(75_000)) {
		t.Errorf("type/price = %s/%s", o.Type, o.Price)
	}
}

func TestDuplicateInFlightRejected(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, approveAll)
	failed := collectOrders(t, fx.bus, bus.TopicOrderFailed)

	fx.engine.OnSignal(buySignal("005930"))
	fx.engine.dispatch(context.Background())
	waitForPlacement(t, fx.broker, 1)

	// Same (symbol, side, strategy) while the first is SUBMITTED.
	fx.engine.OnSignal(buySignal("005930"))
	fx.engine.dispatch(context.Background())

	events := failed()
	if len(events) != 1 || events[0].Order.Reason != "duplicate_in_flight" {
		t.Fatalf("order_failed = %+v, want one duplicate_in_flight", events)
	}
	if fx.broker.placeCount() != 1 {
		t.Errorf("broker placements = %d, want 1 (no second call)", fx.broker.placeCount())
	}
}

func TestRiskRejectPublishesOrderFailed(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, func(types.RiskCheckRequest) types.RiskDecision {
		return types.RiskDecision{Decision: types.DecisionReject, Reasons: []string{"daily_loss_limit"}}
	})
	failed := collectOrders(t, fx.bus, bus.TopicOrderFailed)

	fx.engine.OnSignal(buySignal("005930"))

	events := failed()
	if len(events) != 1 || events[0].Order.Reason != "daily_loss_limit" {
		t.Fatalf("order_failed = %+v", events)
	}
	if fx.broker.placeCount() != 0 {
		t.Error("rejected order must not reach the broker")
	}
}

func TestRiskAdjustShrinksQuantity(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, func(types.RiskCheckRequest) types.RiskDecision {
		return types.RiskDecision{Decision: types.DecisionAdjust, AdjustedQuantity: 6, Reasons: []string{"position_size_limit"}}
	})

	fx.engine.OnSignal(buySignal("005930"))
	fx.engine.dispatch(context.Background())
	waitForPlacement(t, fx.broker, 1)

	fx.broker.mu.Lock()
	qty := fx.broker.placed[0].Quantity
	fx.broker.mu.Unlock()
	if qty != 6 {
		t.Errorf("submitted qty = %d, want adjusted 6", qty)
	}
}

func TestFullFillUpdatesPosition(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, approveAll)
	filled := collectOrders(t, fx.bus, bus.TopicOrderFilled)

	fx.engine.OnSignal(buySignal("005930"))
	fx.engine.dispatch(context.Background())
	waitForPlacement(t, fx.broker, 1)

	fx.engine.OnFill(broker.FillNotification{
		BrokerOrderID: "fb-1", FillID: "f1", Symbol: "005930",
		Side: types.BUY, Qty: 10, Price: decimal.NewFromInt(75_000), TS: time.Now().UTC(),
	})

	events := filled()
	if len(events) != 1 {
		t.Fatalf("order_fully_executed events = %d, want 1", len(events))
	}
	o := events[0].Order
	if o.State != types.OrderFilled || o.FilledQty != 10 {
		t.Errorf("order = %+v", o)
	}
	// Commission 130 rolls into cost: (750_000 + 130) / 10.
	p, ok := fx.book.Position("005930")
	if !ok || !p.AvgCost.Equal(decimal.NewFromInt(75_013)) {
		t.Errorf("position = %+v, want avg 75013", p)
	}
}

func TestPartialFillStallThenCancel(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, approveAll)
	cancelled := collectOrders(t, fx.bus, bus.TopicOrderCancelled)

	var mu sync.Mutex
	var stalls []bus.PartialFillStall
	unsub, err := fx.bus.Subscribe(bus.TopicPartialFillStalled, "test", func(d bus.Delivery) {
		mu.Lock()
		stalls = append(stalls, d.Payload.(bus.PartialFillStall))
		mu.Unlock()
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(unsub)

	base := time.Date(2026, 2, 2, 9, 0, 0, 0, time.UTC)
	fx.engine.now = func() time.Time { return base }

	// Lot 7.5M at 75_000 → qty 100.
	fx.engine.cfg.LotValue = decimal.NewFromInt(7_500_000)
	fx.engine.OnSignal(buySignal("005930"))
	fx.engine.dispatch(context.Background())
	waitForPlacement(t, fx.broker, 1)

	fx.engine.OnFill(broker.FillNotification{
		BrokerOrderID: "fb-1", FillID: "f1", Symbol: "005930",
		Side: types.BUY, Qty: 40, Price: decimal.NewFromInt(75_000), TS: base,
	})

	// At the threshold: stall event, no cancel yet.
	fx.engine.sweep(context.Background(), base.Add(300*time.Second))
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	nStalls := len(stalls)
	mu.Unlock()
	if nStalls != 1 {
		t.Fatalf("stall events = %d, want 1", nStalls)
	}
	mu.Lock()
	stall := stalls[0]
	mu.Unlock()
	if stall.FilledQty != 40 || stall.RemainingQty != 60 {
		t.Errorf("stall = %+v", stall)
	}
	if len(cancelled()) != 0 {
		t.Fatal("no cancel before 2x threshold")
	}

	// Repeated sweeps must not re-emit the stall.
	fx.engine.sweep(context.Background(), base.Add(400*time.Second))
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	nStalls = len(stalls)
	mu.Unlock()
	if nStalls != 1 {
		t.Errorf("stall events = %d after resweep, want 1", nStalls)
	}

	// At 2x: cancel the remainder; terminal CANCELLED keeps filled_qty=40.
	fx.engine.sweep(context.Background(), base.Add(600*time.Second))
	events := cancelled()
	if len(events) != 1 {
		t.Fatalf("order_cancelled events = %d, want 1", len(events))
	}
	o := events[0].Order
	if o.State != types.OrderCancelled || o.FilledQty != 40 {
		t.Errorf("order = %+v, want CANCELLED with filled_qty 40", o)
	}
	fx.broker.mu.Lock()
	nCancels := len(fx.broker.cancelled)
	fx.broker.mu.Unlock()
	if nCancels != 1 {
		t.Errorf("broker cancels = %d, want 1", nCancels)
	}
}

func TestQueuedOrderExpires(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, approveAll)
	failed := collectOrders(t, fx.bus, bus.TopicOrderFailed)

	base := time.Date(2026, 2, 2, 9, 0, 0, 0, time.UTC)
	fx.engine.now = func() time.Time { return base }
	fx.engine.OnSignal(buySignal("005930"))

	// Never dispatched; the watchdog finds it past priority_timeout.
	fx.engine.now = func() time.Time { return base.Add(301 * time.Second) }
	fx.engine.sweep(context.Background(), base.Add(301*time.Second))

	events := failed()
	if len(events) != 1 || events[0].Order.Reason != "expired" {
		t.Fatalf("order_failed = %+v, want one expired", events)
	}
	if fx.broker.placeCount() != 0 {
		t.Error("expired order must not reach the broker")
	}
}

func TestSellUsesPositionQuantity(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, approveAll)

	fx.book.ApplyFill(types.Fill{Symbol: "005930", Side: types.BUY, Qty: 10,
		Price: decimal.NewFromInt(75_000), Commission: decimal.NewFromInt(130), TS: time.Now().UTC()})

	sig := buySignal("005930")
	sig.Action = types.ActionHoldExit
	fx.engine.OnSignal(sig)
	fx.engine.dispatch(context.Background())
	waitForPlacement(t, fx.broker, 1)

	fx.broker.mu.Lock()
	o := fx.broker.placed[0]
	fx.broker.mu.Unlock()
	if o.Side != types.SELL || o.Type != types.OrderTypeMarket || o.Quantity != 10 {
		t.Errorf("liquidation order = %+v, want MARKET SELL 10", o)
	}
}

func TestRestartResumesPendingOrders(t *testing.T) {
	t.Parallel()
	b := bus.New(bus.Options{SourceID: "test", HeartbeatInterval: time.Hour}, testLogger())
	t.Cleanup(b.Stop)
	b.Respond(bus.TopicRiskCheck, func(_ context.Context, env bus.Envelope) (any, error) {
		return approveAll(env.Payload.(types.RiskCheckRequest)), nil
	})
	store := cache.NewMemory(200, 10_000)
	now := time.Now().UTC()
	store.SavePendingOrders([]types.Order{
		{ID: "q1", Symbol: "005930", Side: types.BUY, Type: types.OrderTypeLimit,
			Quantity: 10, Price: decimal.NewFromInt(75_000), State: types.OrderQueued,
			Strategy: "ma_1m_5m", CreatedTS: now},
		{ID: "done", Symbol: "005930", Side: types.SELL, Type: types.OrderTypeLimit,
			Quantity: 5, Price: decimal.NewFromInt(75_000), State: types.OrderFilled,
			Strategy: "ma_1m_5m", CreatedTS: now},
	})

	book := NewBook(b, store, testLogger())
	fb := newFakeBroker()
	e := NewEngine(b, store, fb, book, testRates(), Config{
		Symbols:  []string{"005930"},
		LotValue: decimal.NewFromInt(750_000),
	}, testLogger())
	if err := e.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(e.Stop)

	e.dispatch(context.Background())
	waitForPlacement(t, fb, 1)

	fb.mu.Lock()
	resumed := fb.placed[0]
	fb.mu.Unlock()
	if resumed.ID != "q1" {
		t.Errorf("resumed order = %s, want q1", resumed.ID)
	}
}
