// paper.go is the simulated broker for dry-run mode and tests. It accepts
// every order, fills market orders at the symbol's last cached close, and
// fills limit orders at their limit price. Fills arrive asynchronously on
// the same channel contract the live client provides.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"qb-trader/internal/cache"
	"qb-trader/pkg/types"
)

// Paper simulates the brokerage. Safe for concurrent use.
type Paper struct {
	store  cache.Store
	cash   decimal.Decimal
	delay  time.Duration // placement-to-fill latency, 0 for tests
	logger *slog.Logger

	mu      sync.Mutex
	seq     int64
	placed  map[string]string // client order id → broker order id, for idempotent place
	stopped bool

	fills    chan FillNotification
	statuses chan StatusChange
}

// NewPaper creates a simulated broker seeded with the given cash balance.
func NewPaper(store cache.Store, cash decimal.Decimal, delay time.Duration, logger *slog.Logger) *Paper {
	return &Paper{
		store:    store,
		cash:     cash,
		delay:    delay,
		logger:   logger.With("component", "paper_broker"),
		placed:   make(map[string]string),
		fills:    make(chan FillNotification, feedBuffer),
		statuses: make(chan StatusChange, feedBuffer),
	}
}

// Authenticate always succeeds in paper mode.
func (p *Paper) Authenticate(context.Context) error {
	p.logger.Info("paper trading mode, no broker credentials used")
	return nil
}

// Place accepts the order and schedules its fill. Market orders need a last
// cached tick to price against; without one the order is rejected.
func (p *Paper) Place(_ context.Context, o types.Order) (string, error) {
	p.mu.Lock()
	if id, ok := p.placed[o.ID]; ok {
		p.mu.Unlock()
		return id, nil
	}

	price := o.Price
	if o.Type == types.OrderTypeMarket {
		tick, ok := p.store.Tick(o.Symbol)
		if !ok {
			p.mu.Unlock()
			return "", fmt.Errorf("place %s: %w: no mark price for %s", o.ID, ErrRejected, o.Symbol)
		}
		price = tick.Close
	}
	if !price.IsPositive() {
		p.mu.Unlock()
		return "", fmt.Errorf("place %s: %w: no positive price", o.ID, ErrRejected)
	}

	p.seq++
	brokerID := fmt.Sprintf("paper-%d", p.seq)
	p.placed[o.ID] = brokerID
	p.mu.Unlock()

	fill := FillNotification{
		BrokerOrderID: brokerID,
		FillID:        uuid.NewString(),
		Symbol:        o.Symbol,
		Side:          o.Side,
		Qty:           o.Quantity,
		Price:         price,
		TS:            time.Now().UTC(),
	}
	go p.deliver(fill)
	return brokerID, nil
}

func (p *Paper) deliver(fill FillNotification) {
	if p.delay > 0 {
		time.Sleep(p.delay)
	}
	p.mu.Lock()
	stopped := p.stopped
	p.mu.Unlock()
	if stopped {
		return
	}
	select {
	case p.fills <- fill:
	default:
		p.logger.Error("paper fill channel full", "broker_order_id", fill.BrokerOrderID)
	}
}

// Cancel always succeeds; paper orders fill whole, so there is never a
// working remainder.
func (p *Paper) Cancel(_ context.Context, brokerOrderID string) error {
	p.logger.Info("paper cancel", "broker_order_id", brokerOrderID)
	return nil
}

// Balance returns the seeded cash amount.
func (p *Paper) Balance(context.Context) (Balance, error) {
	return Balance{Cash: p.cash, TS: time.Now().UTC()}, nil
}

func (p *Paper) Fills() <-chan FillNotification { return p.fills }
func (p *Paper) Statuses() <-chan StatusChange  { return p.statuses }

// Close stops fill delivery.
func (p *Paper) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return nil
	}
	p.stopped = true
	close(p.fills)
	close(p.statuses)
	return nil
}
