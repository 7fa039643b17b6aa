// Package analysis computes the technical indicator set when a candle
// closes and publishes the resulting snapshot on indicators_updated.
//
// Indicator math is TA-Lib's (go-talib): Wilder smoothing for RSI and ATR,
// EMA with α = 2/(period+1). A value is present in a snapshot only when the
// ring holds at least the samples its window requires — absence, never zero.
// A fingerprint cache short-circuits recomputation when the ring head and
// parameters are unchanged.
package analysis

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"qb-trader/internal/bus"
	"qb-trader/internal/cache"
	"qb-trader/pkg/types"
)

// Config selects the indicator parameters.
type Config struct {
	SMAWindows   []int // default {5, 20}
	EMAWindows   []int // default {12, 26}
	RSIPeriod    int   // default 14
	MACDFast     int   // default 12
	MACDSlow     int   // default 26
	MACDSignal   int   // default 9
	BBPeriod     int   // default 20
	BBWidth      float64
	StochK       int // default 14
	StochSmooth  int // default 3
	ATRPeriod    int // default 14
}

// DefaultConfig returns the standard indicator set.
func DefaultConfig() Config {
	return Config{
		SMAWindows:  []int{5, 20},
		EMAWindows:  []int{12, 26},
		RSIPeriod:   14,
		MACDFast:    12,
		MACDSlow:    26,
		MACDSignal:  9,
		BBPeriod:    20,
		BBWidth:     2.0,
		StochK:      14,
		StochSmooth: 3,
		ATRPeriod:   14,
	}
}

// paramHash is a stable rendering of the config, part of the fingerprint.
func (c Config) paramHash() string {
	var b strings.Builder
	sma := append([]int(nil), c.SMAWindows...)
	sort.Ints(sma)
	ema := append([]int(nil), c.EMAWindows...)
	sort.Ints(ema)
	fmt.Fprintf(&b, "sma=%v;ema=%v;rsi=%d;macd=%d/%d/%d;bb=%d/%.2f;stoch=%d/%d;atr=%d",
		sma, ema, c.RSIPeriod, c.MACDFast, c.MACDSlow, c.MACDSignal,
		c.BBPeriod, c.BBWidth, c.StochK, c.StochSmooth, c.ATRPeriod)
	return b.String()
}

type fingerprint struct {
	symbol    string
	interval  types.Interval
	lastTS    int64
	lastClose string
	params    string
}

// Analyzer subscribes to candle_closed and maintains indicator snapshots.
type Analyzer struct {
	bus    bus.Bus
	store  cache.Store
	cfg    Config
	logger *slog.Logger

	mu   sync.Mutex
	seen map[string]fingerprint // keyed by symbol:interval

	hits   atomic.Uint64
	misses atomic.Uint64

	unsubscribe func()
}

// New creates the analyzer.
func New(b bus.Bus, store cache.Store, cfg Config, logger *slog.Logger) *Analyzer {
	return &Analyzer{
		bus:    b,
		store:  store,
		cfg:    cfg,
		logger: logger.With("component", "analyzer"),
		seen:   make(map[string]fingerprint),
	}
}

// Start subscribes to candle closes.
func (a *Analyzer) Start() error {
	unsub, err := a.bus.Subscribe(bus.TopicCandleClosed, "analyzer", func(d bus.Delivery) {
		a.OnCandle(d.Payload.(types.Candle))
	})
	if err != nil {
		return fmt.Errorf("analyzer subscribe: %w", err)
	}
	a.unsubscribe = unsub
	return nil
}

// Stop removes the subscription.
func (a *Analyzer) Stop() {
	if a.unsubscribe != nil {
		a.unsubscribe()
	}
}

// CacheStats reports fingerprint cache effectiveness.
func (a *Analyzer) CacheStats() (hits, misses uint64) {
	return a.hits.Load(), a.misses.Load()
}

// OnCandle recomputes the snapshot for the candle's (symbol, interval)
// unless the fingerprint says nothing changed.
func (a *Analyzer) OnCandle(c types.Candle) {
	fp := fingerprint{
		symbol:    c.Symbol,
		interval:  c.Interval,
		lastTS:    c.TS.UnixNano(),
		lastClose: c.Close.String(),
		params:    a.cfg.paramHash(),
	}
	key := c.Symbol + ":" + string(c.Interval)

	a.mu.Lock()
	if prev, ok := a.seen[key]; ok && prev == fp {
		a.mu.Unlock()
		a.hits.Add(1)
		return
	}
	a.seen[key] = fp
	a.mu.Unlock()
	a.misses.Add(1)

	ring := a.store.Candles(c.Symbol, c.Interval, 0)
	if len(ring) == 0 {
		return
	}

	snapshot := types.IndicatorSnapshot{
		Symbol:   c.Symbol,
		Interval: c.Interval,
		TS:       c.TS,
		Candle:   c,
		Values:   compute(ring, a.cfg),
	}

	a.store.SetIndicators(snapshot)
	a.bus.Publish(bus.NewEnvelope(bus.TopicIndicatorsUpdated, "analyzer", snapshot))

	a.logger.Debug("indicators updated",
		"symbol", c.Symbol, "interval", c.Interval, "values", len(snapshot.Values))
}
