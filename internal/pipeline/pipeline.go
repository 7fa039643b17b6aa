// Package pipeline consumes adapter ticks, applies the quality gates in
// order, assembles candles per (symbol, interval), and publishes
// market_data_received and candle_closed on the bus.
//
// The pipeline is the single writer of the tick and candle keyspaces: one
// goroutine drains every adapter, so ring appends need no locking beyond the
// cache's own.
package pipeline

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"gonum.org/v1/gonum/stat"

	"qb-trader/internal/adapter"
	"qb-trader/internal/bus"
	"qb-trader/internal/cache"
	"qb-trader/pkg/types"
)

// GateConfig tunes the quality gates.
type GateConfig struct {
	MinPrice           decimal.Decimal
	MaxPrice           decimal.Decimal
	StalenessThreshold time.Duration
	OutlierZScore      float64
}

// Pipeline fans in ticks from a set of adapters.
type Pipeline struct {
	bus       bus.Bus
	store     cache.Store
	adapters  []adapter.Adapter
	intervals []types.Interval
	gates     GateConfig
	logger    *slog.Logger
	now       func() time.Time

	// Open bucket per (symbol, interval). Only the run loop touches it.
	open map[bucketKey]*types.Candle

	// Rolling closes per symbol for the outlier gate.
	recentMu sync.Mutex
	recent   map[string][]float64

	wg sync.WaitGroup
}

type bucketKey struct {
	symbol   string
	interval types.Interval
}

const outlierWindow = 20

// New creates a pipeline over the given adapters and candle intervals.
func New(b bus.Bus, store cache.Store, adapters []adapter.Adapter, intervals []types.Interval, gates GateConfig, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		bus:       b,
		store:     store,
		adapters:  adapters,
		intervals: intervals,
		gates:     gates,
		logger:    logger.With("component", "pipeline"),
		now:       time.Now,
		open:      make(map[bucketKey]*types.Candle),
		recent:    make(map[string][]float64),
	}
}

// Run starts the adapters and drains their tick and health channels until
// ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context) error {
	ticks := make(chan types.MarketTick, 256)

	for _, a := range p.adapters {
		a := a
		p.wg.Add(2)
		go func() {
			defer p.wg.Done()
			if err := a.Run(ctx); err != nil && ctx.Err() == nil {
				p.logger.Error("adapter stopped", "adapter", a.Name(), "error", err)
			}
		}()
		go func() {
			defer p.wg.Done()
			p.drain(ctx, a, ticks)
		}()
	}

	flush := time.NewTicker(time.Second)
	defer flush.Stop()

	for {
		select {
		case <-ctx.Done():
			p.wg.Wait()
			return ctx.Err()
		case tick := <-ticks:
			p.Process(tick)
		case <-flush.C:
			p.closeElapsedBuckets(p.now().UTC())
		}
	}
}

func (p *Pipeline) drain(ctx context.Context, a adapter.Adapter, out chan<- types.MarketTick) {
	for {
		select {
		case <-ctx.Done():
			return
		case tick := <-a.Ticks():
			select {
			case out <- tick:
			case <-ctx.Done():
				return
			}
		case ev := <-a.Health():
			p.onHealth(ev)
		}
	}
}

func (p *Pipeline) onHealth(ev adapter.HealthEvent) {
	switch ev.State {
	case adapter.HealthFailed:
		p.logger.Error("adapter failed", "adapter", ev.Adapter, "detail", ev.Detail)
		p.bus.Publish(bus.NewEnvelope(bus.TopicSystemStatus, "pipeline", bus.SystemStatus{
			Component: "adapter." + ev.Adapter,
			Status:    "error",
			Detail:    ev.Detail,
			TS:        ev.TS,
		}))
	case adapter.HealthDisconnected:
		p.logger.Warn("adapter disconnected", "adapter", ev.Adapter, "detail", ev.Detail)
	case adapter.HealthReconnected:
		p.logger.Info("adapter reconnected", "adapter", ev.Adapter)
	}
}

// Process runs one tick through the gates and, if it survives, through
// candle assembly and publication. Exported for tests and embedded use.
func (p *Pipeline) Process(tick types.MarketTick) {
	verdict := p.applyGates(tick)
	if verdict.drop {
		if verdict.issue != "" {
			p.publishIssue(tick, verdict)
		}
		return
	}
	if verdict.issue != "" { // warn, keep
		p.publishIssue(tick, verdict)
	}

	p.store.SetTick(tick)
	p.recordClose(tick)
	p.assemble(tick)

	p.bus.Publish(bus.NewEnvelope(bus.TopicMarketData, "pipeline", tick))
}

type gateVerdict struct {
	drop     bool
	issue    string // gate name; empty when clean or silently dropped
	severity string
}

// applyGates runs the quality gates in order; the first failure determines
// the outcome.
func (p *Pipeline) applyGates(t types.MarketTick) gateVerdict {
	// Required fields.
	if t.Symbol == "" || t.TS.IsZero() || t.Close.IsZero() {
		return gateVerdict{drop: true, issue: "required_fields", severity: "critical"}
	}

	// Types and ranges.
	if t.Close.LessThanOrEqual(decimal.Zero) || t.Volume < 0 {
		return gateVerdict{drop: true, issue: "range", severity: "critical"}
	}
	if t.Close.LessThan(p.gates.MinPrice) || t.Close.GreaterThan(p.gates.MaxPrice) {
		return gateVerdict{drop: true, issue: "range", severity: "critical"}
	}

	// OHLC consistency, only when the full bar is provided.
	if !t.Open.IsZero() && !t.High.IsZero() && !t.Low.IsZero() {
		lo := decimal.Min(t.Open, t.Close)
		hi := decimal.Max(t.Open, t.Close)
		if t.Low.GreaterThan(lo) || t.High.LessThan(hi) {
			return gateVerdict{drop: true, issue: "ohlc_consistency", severity: "high"}
		}
	}

	// Staleness: warn, keep.
	var verdict gateVerdict
	if p.now().Sub(t.TS) > p.gates.StalenessThreshold {
		verdict = gateVerdict{issue: "staleness", severity: "high"}
	}

	// Duplicate of the newest accepted tick: drop silently.
	if last, ok := p.store.Tick(t.Symbol); ok && last.TS.Equal(t.TS) && last.Close.Equal(t.Close) {
		return gateVerdict{drop: true}
	}

	// Outlier vs the last 20 closes: warn, keep.
	if verdict.issue == "" && p.isOutlier(t) {
		verdict = gateVerdict{issue: "outlier", severity: "high"}
	}
	return verdict
}

func (p *Pipeline) recordClose(t types.MarketTick) {
	f, _ := t.Close.Float64()
	p.recentMu.Lock()
	defer p.recentMu.Unlock()
	closes := append(p.recent[t.Symbol], f)
	if len(closes) > outlierWindow {
		closes = closes[len(closes)-outlierWindow:]
	}
	p.recent[t.Symbol] = closes
}

// isOutlier computes the z-score of the close against the rolling window.
// Too few samples or zero variance never flags.
func (p *Pipeline) isOutlier(t types.MarketTick) bool {
	p.recentMu.Lock()
	closes := append([]float64(nil), p.recent[t.Symbol]...)
	p.recentMu.Unlock()
	if len(closes) < outlierWindow {
		return false
	}

	mean, std := stat.MeanStdDev(closes, nil)
	if std == 0 {
		return false
	}

	f, _ := t.Close.Float64()
	z := (f - mean) / std
	if z < 0 {
		z = -z
	}
	return z > p.gates.OutlierZScore
}

func (p *Pipeline) publishIssue(t types.MarketTick, v gateVerdict) {
	detail := "warned"
	if v.drop {
		detail = "dropped"
	}
	p.bus.Publish(bus.NewEnvelope(bus.TopicQualityIssue, "pipeline", bus.QualityIssue{
		Symbol:   t.Symbol,
		Gate:     v.issue,
		Severity: v.severity,
		Detail:   detail,
		TS:       t.TS,
	}))
}

// ————————————————————————————————————————————————————————————————————————
// Candle assembly
// ————————————————————————————————————————————————————————————————————————

// assemble folds the tick into the open bucket of every configured interval,
// closing buckets the tick has moved past.
func (p *Pipeline) assemble(t types.MarketTick) {
	for _, iv := range p.intervals {
		key := bucketKey{symbol: t.Symbol, interval: iv}
		bucket := iv.Truncate(t.TS)

		cur := p.open[key]
		if cur != nil && t.TS.After(cur.TS) && !bucket.Equal(cur.TS) {
			// Tick for a later bucket closes the current one.
			p.closeBucket(key, *cur)
			cur = nil
		}
		if cur == nil {
			p.open[key] = &types.Candle{
				Symbol:   t.Symbol,
				Interval: iv,
				TS:       bucket,
				Open:     t.Close,
				High:     t.Close,
				Low:      t.Close,
				Close:    t.Close,
				Volume:   t.Volume,
			}
			continue
		}
		if t.TS.Before(cur.TS) {
			// Late tick for an already-closed bucket; nothing to fold into.
			continue
		}

		if t.Close.GreaterThan(cur.High) {
			cur.High = t.Close
		}
		if t.Close.LessThan(cur.Low) {
			cur.Low = t.Close
		}
		cur.Close = t.Close
		cur.Volume += t.Volume
	}
}

// closeElapsedBuckets closes every open bucket whose interval boundary the
// wall clock has crossed.
func (p *Pipeline) closeElapsedBuckets(now time.Time) {
	var done []bucketKey
	for key, c := range p.open {
		if now.Sub(c.TS) >= key.interval.Duration() {
			done = append(done, key)
		}
	}
	// Deterministic close order keeps multi-interval tests stable.
	sort.Slice(done, func(i, j int) bool {
		if done[i].symbol != done[j].symbol {
			return done[i].symbol < done[j].symbol
		}
		return done[i].interval < done[j].interval
	})
	for _, key := range done {
		p.closeBucket(key, *p.open[key])
	}
}

func (p *Pipeline) closeBucket(key bucketKey, c types.Candle) {
	delete(p.open, key)

	if err := c.Validate(); err != nil {
		p.logger.Error("discarding invalid candle", "error", err)
		return
	}
	p.store.PushCandle(c)
	p.bus.Publish(bus.NewEnvelope(bus.TopicCandleClosed, "pipeline", c))
	p.logger.Debug("candle closed",
		"symbol", c.Symbol, "interval", c.Interval, "ts", c.TS, "close", c.Close)
}
