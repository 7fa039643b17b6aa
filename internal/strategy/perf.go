// perf.go tracks realized performance per strategy: emitted signals paired
// with subsequent fills, rolled up into win rate, total return, max
// drawdown, and a Sharpe ratio from daily aggregates. Query-path only —
// nothing here sits between a signal and an order.
package strategy

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"gonum.org/v1/gonum/stat"

	"qb-trader/internal/bus"
	"qb-trader/pkg/types"
)

// Report is the derived metric set for one strategy.
type Report struct {
	Signals     int             `json:"signals"`
	Trades      int             `json:"trades"` // closed round trips
	Wins        int             `json:"wins"`
	WinRate     float64         `json:"win_rate"`
	TotalPnL    decimal.Decimal `json:"total_pnl"`
	TotalReturn float64         `json:"total_return"` // total pnl / capital deployed
	MaxDrawdown decimal.Decimal `json:"max_drawdown"` // worst peak-to-trough of cumulative pnl, KRW
	Sharpe      float64         `json:"sharpe"`       // annualized, from daily pnl aggregates
}

type openLot struct {
	qty  int64
	cost decimal.Decimal // total entry cost including commission
}

type roundTrip struct {
	pnl      decimal.Decimal
	deployed decimal.Decimal
	closed   time.Time
}

type stratPerf struct {
	signals int
	lots    map[string]*openLot // symbol → open lot
	trips   []roundTrip
}

// Tracker listens to signals and executions and maintains per-strategy
// round-trip records.
type Tracker struct {
	mu     sync.Mutex
	perf   map[string]*stratPerf
	unsubs []func()
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{perf: make(map[string]*stratPerf)}
}

// Start subscribes to the signal and execution topics.
func (t *Tracker) Start(b bus.Bus) error {
	unsub, err := b.Subscribe(bus.TopicTradingSignal, "perf_tracker", func(d bus.Delivery) {
		t.OnSignal(d.Payload.(types.TradingSignal))
	})
	if err != nil {
		return err
	}
	t.unsubs = append(t.unsubs, unsub)

	unsub, err = b.Subscribe(bus.TopicOrderFilled, "perf_tracker", func(d bus.Delivery) {
		t.OnFilled(d.Payload.(bus.OrderEvent).Order)
	})
	if err != nil {
		return err
	}
	t.unsubs = append(t.unsubs, unsub)
	return nil
}

// Stop removes the subscriptions.
func (t *Tracker) Stop() {
	for _, unsub := range t.unsubs {
		unsub()
	}
	t.unsubs = nil
}

// OnSignal counts an emitted signal for its strategy.
func (t *Tracker) OnSignal(sig types.TradingSignal) {
	if sig.Strategy == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.get(sig.Strategy).signals++
}

// OnFilled folds a fully executed order into the strategy's lot ledger.
// Buys open or extend the symbol's lot; sells close against it and realize
// a round trip.
func (t *Tracker) OnFilled(o types.Order) {
	if o.Strategy == "" || o.FilledQty == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	p := t.get(o.Strategy)
	qty := decimal.NewFromInt(o.FilledQty)

	if o.Side == types.BUY {
		lot := p.lots[o.Symbol]
		if lot == nil {
			lot = &openLot{}
			p.lots[o.Symbol] = lot
		}
		lot.qty += o.FilledQty
		lot.cost = lot.cost.Add(o.AvgFillPrice.Mul(qty)).Add(o.CommissionPaid)
		return
	}

	lot := p.lots[o.Symbol]
	if lot == nil || lot.qty == 0 {
		return // sell with no tracked entry: ignore
	}

	closeQty := o.FilledQty
	if closeQty > lot.qty {
		closeQty = lot.qty
	}
	closed := decimal.NewFromInt(closeQty)
	avgCost := lot.cost.Div(decimal.NewFromInt(lot.qty))
	deployed := avgCost.Mul(closed)
	proceeds := o.AvgFillPrice.Mul(closed).Sub(o.CommissionPaid)

	lot.qty -= closeQty
	lot.cost = lot.cost.Sub(deployed)
	if lot.qty == 0 {
		delete(p.lots, o.Symbol)
	}

	p.trips = append(p.trips, roundTrip{
		pnl:      proceeds.Sub(deployed),
		deployed: deployed,
		closed:   o.UpdatedTS,
	})
}

// Metrics derives the report for one strategy.
func (t *Tracker) Metrics(strategyName string) Report {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.perf[strategyName]
	if !ok {
		return Report{}
	}

	r := Report{Signals: p.signals, Trades: len(p.trips)}
	if len(p.trips) == 0 {
		return r
	}

	var deployed decimal.Decimal
	cum := decimal.Zero
	peak := decimal.Zero
	maxDD := decimal.Zero
	daily := make(map[string]float64)

	for _, trip := range p.trips {
		if trip.pnl.IsPositive() {
			r.Wins++
		}
		r.TotalPnL = r.TotalPnL.Add(trip.pnl)
		deployed = deployed.Add(trip.deployed)

		cum = cum.Add(trip.pnl)
		if cum.GreaterThan(peak) {
			peak = cum
		}
		if dd := peak.Sub(cum); dd.GreaterThan(maxDD) {
			maxDD = dd
		}

		f, _ := trip.pnl.Float64()
		daily[trip.closed.UTC().Format("2006-01-02")] += f
	}

	r.WinRate = float64(r.Wins) / float64(r.Trades)
	r.MaxDrawdown = maxDD
	if deployed.IsPositive() {
		r.TotalReturn, _ = r.TotalPnL.Div(deployed).Float64()
	}
	r.Sharpe = sharpe(daily)
	return r
}

func (t *Tracker) get(name string) *stratPerf {
	p, ok := t.perf[name]
	if !ok {
		p = &stratPerf{lots: make(map[string]*openLot)}
		t.perf[name] = p
	}
	return p
}

// sharpe annualizes mean/stddev of the daily pnl series (252 trading days).
// Fewer than two days, or zero variance, yields 0.
func sharpe(daily map[string]float64) float64 {
	if len(daily) < 2 {
		return 0
	}
	days := make([]string, 0, len(daily))
	for d := range daily {
		days = append(days, d)
	}
	sort.Strings(days)
	series := make([]float64, len(days))
	for i, d := range days {
		series[i] = daily[d]
	}

	mean, std := stat.MeanStdDev(series, nil)
	if std == 0 {
		return 0
	}
	return mean / std * math.Sqrt(252)
}
