// engine.go ties the order pipeline together: signal intake, the
// synchronous risk check, the priority queue, broker submission under a
// concurrency cap, and fill application into the position book. The queue's
// durable state is mirrored to the cache on every mutation so a restart
// resumes without losing non-terminal orders.
package order

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"qb-trader/internal/broker"
	"qb-trader/internal/bus"
	"qb-trader/internal/cache"
	"qb-trader/pkg/types"
)

const (
	dispatchInterval = 100 * time.Millisecond
	watchdogInterval = time.Second
)

// Config tunes the engine.
type Config struct {
	Symbols                  []string // tradable universe
	PriorityTimeout          time.Duration
	MaxConcurrentSubmissions int
	MaxPartialFillTime       time.Duration
	MaxFillsPerOrder         int
	StrategyPriority         map[string]int
	LotValue                 decimal.Decimal // target KRW notional per entry
	RiskTimeout              time.Duration
}

func (c *Config) fill() {
	if c.PriorityTimeout <= 0 {
		c.PriorityTimeout = 300 * time.Second
	}
	if c.MaxConcurrentSubmissions <= 0 {
		c.MaxConcurrentSubmissions = 10
	}
	if c.MaxPartialFillTime <= 0 {
		c.MaxPartialFillTime = 300 * time.Second
	}
	if c.MaxFillsPerOrder <= 0 {
		c.MaxFillsPerOrder = 100
	}
	if c.RiskTimeout <= 0 {
		c.RiskTimeout = 500 * time.Millisecond
	}
	if !c.LotValue.IsPositive() {
		c.LotValue = decimal.NewFromInt(500_000)
	}
}

// dedupKey identifies an in-flight order for the duplicate gate.
type dedupKey struct {
	symbol   string
	side     types.Side
	strategy string
}

type orderState struct {
	order   *types.Order
	tracker *ExecutionTracker
}

// Engine is the order engine. It owns every Order record; other components
// observe them through bus events.
type Engine struct {
	bus    bus.Bus
	store  cache.Store
	broker broker.Client
	book   *Book
	rates  CommissionRates
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	symbols map[string]bool

	mu       sync.Mutex
	queue    *queue
	orders   map[string]*orderState // non-terminal, by order id
	byBroker map[string]string      // broker order id → order id
	live     map[dedupKey]string    // non-terminal, for the duplicate gate
	inflight int

	unsubs []func()
}

// NewEngine wires the order engine.
func NewEngine(b bus.Bus, store cache.Store, brk broker.Client, book *Book, rates CommissionRates, cfg Config, logger *slog.Logger) *Engine {
	cfg.fill()
	symbols := make(map[string]bool, len(cfg.Symbols))
	for _, s := range cfg.Symbols {
		symbols[s] = true
	}
	return &Engine{
		bus:      b,
		store:    store,
		broker:   brk,
		book:     book,
		rates:    rates,
		cfg:      cfg,
		logger:   logger.With("component", "order_engine"),
		now:      time.Now,
		symbols:  symbols,
		queue:    newQueue(cfg.StrategyPriority),
		orders:   make(map[string]*orderState),
		byBroker: make(map[string]string),
		live:     make(map[dedupKey]string),
	}
}

// Start resumes cached orders and subscribes to signals and marks.
func (e *Engine) Start() error {
	e.resume()

	unsub, err := e.bus.Subscribe(bus.TopicTradingSignal, "order_engine", func(d bus.Delivery) {
		e.OnSignal(d.Payload.(types.TradingSignal))
	})
	if err != nil {
		return fmt.Errorf("order engine subscribe: %w", err)
	}
	e.unsubs = append(e.unsubs, unsub)

	unsub, err = e.bus.Subscribe(bus.TopicMarketData, "order_engine", func(d bus.Delivery) {
		tick := d.Payload.(types.MarketTick)
		e.book.Mark(tick.Symbol, tick.Close, tick.TS)
	})
	if err != nil {
		return fmt.Errorf("order engine subscribe: %w", err)
	}
	e.unsubs = append(e.unsubs, unsub)
	return nil
}

// Stop removes the subscriptions.
func (e *Engine) Stop() {
	for _, unsub := range e.unsubs {
		unsub()
	}
	e.unsubs = nil
}

// resume reloads non-terminal orders mirrored before a restart. Orders that
// were already submitted stay tracked for their fills; queued orders
// re-enter the queue.
func (e *Engine) resume() {
	pending := e.store.PendingOrders()
	if len(pending) == 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, o := range pending {
		if o.State.Terminal() {
			continue
		}
		o := o
		st := &orderState{
			order:   &o,
			tracker: NewExecutionTracker(o.ID, o.Quantity, e.cfg.MaxFillsPerOrder),
		}
		st.tracker.filledQty = o.FilledQty
		st.tracker.notional = o.AvgFillPrice.Mul(decimal.NewFromInt(o.FilledQty))
		e.orders[o.ID] = st
		e.live[dedupKey{o.Symbol, o.Side, o.Strategy}] = o.ID
		if o.BrokerOrderID != "" {
			e.byBroker[o.BrokerOrderID] = o.ID
			e.inflight++
		} else {
			e.queue.push(&o)
		}
	}
	e.logger.Info("orders resumed from cache", "count", len(e.orders))
}

// Run drives submission dispatch, the watchdog, and the broker's push
// channels until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	dispatch := time.NewTicker(dispatchInterval)
	defer dispatch.Stop()
	watchdog := time.NewTicker(watchdogInterval)
	defer watchdog.Stop()

	fills := e.broker.Fills()
	statuses := e.broker.Statuses()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-dispatch.C:
			e.dispatch(ctx)
		case <-watchdog.C:
			e.sweep(ctx, e.now().UTC())
		case n, ok := <-fills:
			if !ok {
				fills = nil
				continue
			}
			e.OnFill(n)
		case s, ok := <-statuses:
			if !ok {
				statuses = nil
				continue
			}
			e.onStatus(s)
		}
	}
}

// ————————————————————————————————————————————————————————————————————————
// Intake
// ————————————————————————————————————————————————————————————————————————

// OnSignal converts a trading signal into an order, runs the synchronous
// risk check, and enqueues on approval.
func (e *Engine) OnSignal(sig types.TradingSignal) {
	o, err := e.buildOrder(sig)
	if err != nil {
		e.logger.Warn("signal dropped", "symbol", sig.Symbol, "action", sig.Action, "error", err)
		return
	}

	// Duplicate gate. Liquidations pass even when a parallel entry is
	// queued for the same key.
	key := dedupKey{o.Symbol, o.Side, o.Strategy}
	if !sig.Liquidation() {
		e.mu.Lock()
		_, dup := e.live[key]
		e.mu.Unlock()
		if dup {
			e.fail(o, "duplicate_in_flight")
			return
		}
	}

	decision, err := e.riskCheck(o, &sig)
	if err != nil {
		e.logger.Warn("risk check unavailable", "order_id", o.ID, "error", err)
		e.fail(o, "risk_timeout")
		return
	}
	switch decision.Decision {
	case types.DecisionApprove:
	case types.DecisionAdjust:
		e.logger.Info("order quantity adjusted by risk",
			"order_id", o.ID, "from", o.Quantity, "to", decision.AdjustedQuantity,
			"reasons", decision.Reasons)
		o.Quantity = decision.AdjustedQuantity
	case types.DecisionReject:
		e.fail(o, strings.Join(decision.Reasons, ","))
		return
	}

	o.State = types.OrderQueued
	o.UpdatedTS = e.now().UTC()
	e.mu.Lock()
	e.orders[o.ID] = &orderState{
		order:   o,
		tracker: NewExecutionTracker(o.ID, o.Quantity, e.cfg.MaxFillsPerOrder),
	}
	e.live[key] = o.ID
	e.queue.push(o)
	e.mirrorLocked()
	e.mu.Unlock()

	e.logger.Info("order queued", "order_id", o.ID, "symbol", o.Symbol,
		"side", o.Side, "type", o.Type, "qty", o.Quantity)
}

// buildOrder maps a signal to an order. Session-close and stop-loss exits
// go out as MARKET; everything else is a LIMIT at the suggested price.
func (e *Engine) buildOrder(sig types.TradingSignal) (*types.Order, error) {
	if !e.symbols[sig.Symbol] {
		return nil, fmt.Errorf("unknown symbol %q", sig.Symbol)
	}

	side := sig.Action.Side()
	typ := types.OrderTypeLimit
	price := sig.SuggestedPrice
	if sig.Liquidation() {
		typ = types.OrderTypeMarket
		price = decimal.Zero
	}

	var qty int64
	if side == types.SELL {
		p, ok := e.book.Position(sig.Symbol)
		if !ok || p.Qty <= 0 {
			return nil, errors.New("no position to sell")
		}
		qty = p.Qty
	} else {
		if !sig.SuggestedPrice.IsPositive() {
			return nil, errors.New("buy signal without a positive price")
		}
		qty = e.cfg.LotValue.Div(sig.SuggestedPrice).IntPart()
	}
	if qty < 1 {
		return nil, fmt.Errorf("sized to %d shares", qty)
	}
	if typ == types.OrderTypeLimit && !price.IsPositive() {
		return nil, errors.New("limit order without a positive price")
	}

	now := e.now().UTC()
	return &types.Order{
		ID:        uuid.NewString(),
		Symbol:    sig.Symbol,
		Side:      side,
		Type:      typ,
		Quantity:  qty,
		Price:     price,
		TIF:       "DAY",
		State:     types.OrderNew,
		Strategy:  sig.Strategy,
		CreatedTS: now,
		UpdatedTS: now,
	}, nil
}

// riskCheck issues the synchronous request. A timeout is a rejection.
func (e *Engine) riskCheck(o *types.Order, sig *types.TradingSignal) (types.RiskDecision, error) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.RiskTimeout)
	defer cancel()

	reply, err := e.bus.Request(ctx, bus.NewEnvelope(bus.TopicRiskCheck, "order", types.RiskCheckRequest{
		Order:  *o,
		Signal: sig,
		TS:     e.now().UTC(),
	}))
	if err != nil {
		return types.RiskDecision{}, err
	}
	decision, ok := reply.Payload.(types.RiskDecision)
	if !ok {
		return types.RiskDecision{}, fmt.Errorf("unexpected risk reply %T", reply.Payload)
	}
	return decision, nil
}

// ————————————————————————————————————————————————————————————————————————
// Submission
// ————————————————————————————————————————————————————————————————————————

// dispatch pops queued orders while the concurrency cap allows.
func (e *Engine) dispatch(ctx context.Context) {
	for {
		e.mu.Lock()
		if e.inflight >= e.cfg.MaxConcurrentSubmissions || e.queue.len() == 0 {
			e.mu.Unlock()
			return
		}
		o := e.queue.pop()
		if e.expiredLocked(o) {
			e.mu.Unlock()
			e.fail(o, "expired")
			continue
		}
		e.inflight++
		e.mirrorLocked()
		e.mu.Unlock()

		go e.submit(ctx, o)
	}
}

func (e *Engine) expiredLocked(o *types.Order) bool {
	return e.now().Sub(o.CreatedTS) > e.cfg.PriorityTimeout
}

func (e *Engine) submit(ctx context.Context, o *types.Order) {
	brokerID, err := e.broker.Place(ctx, *o)
	if err != nil {
		e.mu.Lock()
		e.inflight--
		e.mu.Unlock()
		e.logger.Error("broker place failed", "order_id", o.ID, "error", err)
		e.fail(o, "broker_error")
		return
	}

	e.mu.Lock()
	o.BrokerOrderID = brokerID
	o.State = types.OrderSubmitted
	o.UpdatedTS = e.now().UTC()
	e.byBroker[brokerID] = o.ID
	e.mirrorLocked()
	snapshot := *o
	e.mu.Unlock()

	e.book.NoteOrderPlaced()
	e.bus.Publish(bus.NewEnvelope(bus.TopicOrderPlaced, "order", bus.OrderEvent{Order: snapshot}))
}

// ————————————————————————————————————————————————————————————————————————
// Execution
// ————————————————————————————————————————————————————————————————————————

// OnFill applies one broker fill to the order, commission included, and
// flows it into the position book.
func (e *Engine) OnFill(n broker.FillNotification) {
	e.mu.Lock()
	id, ok := e.byBroker[n.BrokerOrderID]
	if !ok {
		e.mu.Unlock()
		e.logger.Warn("fill for unknown order", "broker_order_id", n.BrokerOrderID)
		return
	}
	st := e.orders[id]
	o := st.order

	fill := types.Fill{
		FillID:     n.FillID,
		OrderID:    o.ID,
		Symbol:     o.Symbol,
		Side:       o.Side,
		Qty:        n.Qty,
		Price:      n.Price,
		Commission: e.rates.Commission(o.Side, n.Price, n.Qty),
		TS:         n.TS,
	}
	if err := st.tracker.Apply(fill); err != nil {
		e.mu.Unlock()
		e.logger.Error("fill rejected from accounting", "error", err)
		return
	}

	o.FilledQty = st.tracker.FilledQty()
	o.AvgFillPrice = st.tracker.AvgFillPrice()
	o.CommissionPaid = o.CommissionPaid.Add(fill.Commission)
	o.UpdatedTS = e.now().UTC()

	full := st.tracker.Complete()
	topic := bus.TopicOrderPartial
	if full {
		o.State = types.OrderFilled
		topic = bus.TopicOrderFilled
		e.removeLocked(o)
	} else {
		o.State = types.OrderPartial
	}
	e.mirrorLocked()
	snapshot := *o
	e.mu.Unlock()

	e.book.ApplyFill(fill)
	e.bus.Publish(bus.NewEnvelope(topic, "order", bus.OrderEvent{Order: snapshot, Fill: &fill}))
	e.logger.Info("fill applied", "order_id", o.ID, "qty", fill.Qty, "price", fill.Price,
		"filled", snapshot.FilledQty, "of", snapshot.Quantity, "full", full)
}

// onStatus handles broker-side transitions that arrive without a fill.
func (e *Engine) onStatus(s broker.StatusChange) {
	e.mu.Lock()
	id, ok := e.byBroker[s.BrokerOrderID]
	if !ok {
		e.mu.Unlock()
		return
	}
	st := e.orders[id]
	o := st.order
	e.mu.Unlock()

	switch strings.ToUpper(s.Status) {
	case "CANCELLED":
		e.terminate(o, types.OrderCancelled, bus.TopicOrderCancelled, s.Detail)
	case "REJECTED":
		e.terminate(o, types.OrderRejected, bus.TopicOrderFailed, s.Detail)
	default:
		e.logger.Info("broker status", "order_id", o.ID, "status", s.Status)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Watchdog
// ————————————————————————————————————————————————————————————————————————

// sweep expires stale queued orders and runs the partial-fill watchdog.
func (e *Engine) sweep(ctx context.Context, now time.Time) {
	var expired []*types.Order
	var stalled, abandoned []*types.Order

	e.mu.Lock()
	for _, o := range e.queue.queued() {
		if now.Sub(o.CreatedTS) > e.cfg.PriorityTimeout {
			e.queue.remove(o.ID)
			expired = append(expired, o)
		}
	}
	for _, st := range e.orders {
		if st.order.State != types.OrderPartial {
			continue
		}
		switch st.tracker.stallState(now, e.cfg.MaxPartialFillTime) {
		case 1:
			if !st.tracker.stallFlagged {
				st.tracker.stallFlagged = true
				stalled = append(stalled, st.order)
			}
		case 2:
			abandoned = append(abandoned, st.order)
		}
	}
	e.mu.Unlock()

	for _, o := range expired {
		e.fail(o, "expired")
	}
	for _, o := range stalled {
		e.mu.Lock()
		snapshot := *o
		remaining := snapshot.Quantity - snapshot.FilledQty
		e.mu.Unlock()
		e.logger.Warn("partial fill stalled", "order_id", snapshot.ID,
			"filled", snapshot.FilledQty, "remaining", remaining)
		e.bus.Publish(bus.NewEnvelope(bus.TopicPartialFillStalled, "order", bus.PartialFillStall{
			OrderID:      snapshot.ID,
			Symbol:       snapshot.Symbol,
			FilledQty:    snapshot.FilledQty,
			RemainingQty: remaining,
			SinceLast:    e.cfg.MaxPartialFillTime.String(),
			TS:           now,
		}))
	}
	for _, o := range abandoned {
		if err := e.broker.Cancel(ctx, o.BrokerOrderID); err != nil {
			e.logger.Error("watchdog cancel failed", "order_id", o.ID, "error", err)
			continue
		}
		e.terminate(o, types.OrderCancelled, bus.TopicOrderCancelled, "partial_fill_abandoned")
	}
}

// ————————————————————————————————————————————————————————————————————————
// Terminal transitions, mirroring, risk context
// ————————————————————————————————————————————————————————————————————————

// fail moves an order to FAILED and publishes order_failed.
func (e *Engine) fail(o *types.Order, reason string) {
	e.terminate(o, types.OrderFailed, bus.TopicOrderFailed, reason)
}

func (e *Engine) terminate(o *types.Order, state types.OrderState, topic bus.Topic, reason string) {
	e.mu.Lock()
	if o.State.Terminal() {
		e.mu.Unlock()
		return
	}
	o.State = state
	o.Reason = reason
	o.UpdatedTS = e.now().UTC()
	e.removeLocked(o)
	e.mirrorLocked()
	snapshot := *o
	e.mu.Unlock()

	e.logger.Warn("order terminal", "order_id", snapshot.ID, "state", state, "reason", reason)
	e.bus.Publish(bus.NewEnvelope(topic, "order", bus.OrderEvent{Order: snapshot}))
}

// removeLocked drops the order from the live indexes. Caller holds e.mu.
func (e *Engine) removeLocked(o *types.Order) {
	key := dedupKey{o.Symbol, o.Side, o.Strategy}
	if e.live[key] == o.ID {
		delete(e.live, key)
	}
	delete(e.orders, o.ID)
	e.queue.remove(o.ID)
	if o.BrokerOrderID != "" {
		delete(e.byBroker, o.BrokerOrderID)
		if e.inflight > 0 {
			e.inflight--
		}
	}
}

// mirrorLocked persists the non-terminal orders. Caller holds e.mu.
func (e *Engine) mirrorLocked() {
	out := make([]types.Order, 0, len(e.orders))
	for _, st := range e.orders {
		out = append(out, *st.order)
	}
	e.store.SavePendingOrders(out)
}

// RiskContext implements the risk engine's context provider: the position
// book's snapshot plus the notional still committed to open buy orders.
func (e *Engine) RiskContext() (types.RiskContext, error) {
	ctx := e.book.Snapshot()

	e.mu.Lock()
	open := decimal.Zero
	for _, st := range e.orders {
		o := st.order
		if o.Side != types.BUY || !o.Price.IsPositive() {
			continue
		}
		remaining := o.Quantity - st.tracker.FilledQty()
		if remaining > 0 {
			open = open.Add(o.Price.Mul(decimal.NewFromInt(remaining)))
		}
	}
	e.mu.Unlock()

	ctx.OpenOrderValue = open
	return ctx, nil
}
