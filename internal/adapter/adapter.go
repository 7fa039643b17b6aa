// Package adapter implements market-data ingestion. Adapters are
// interchangeable sources that emit normalized MarketTick values toward the
// pipeline over a push channel, plus a health channel for connection state.
//
// Two variants ship: Stream holds a long-lived websocket and re-subscribes
// all symbols after reconnecting; Polled pulls per symbol on an interval with
// ±10% jitter so a fleet of pollers never bursts in lockstep. Mock replays a
// scripted tick sequence for tests.
package adapter

import (
	"context"
	"fmt"
	"math/rand"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"qb-trader/pkg/types"
)

// HealthState is an adapter connection-state transition.
type HealthState string

const (
	HealthHeartbeat    HealthState = "heartbeat"
	HealthDisconnected HealthState = "disconnected"
	HealthReconnected  HealthState = "reconnected"
	HealthFailed       HealthState = "failed" // connect attempts exhausted
)

// HealthEvent is pushed on an adapter's health channel on every transition.
type HealthEvent struct {
	Adapter string      `json:"adapter"`
	State   HealthState `json:"state"`
	TS      time.Time   `json:"ts"`
	Detail  string      `json:"detail,omitempty"`
}

// Adapter is the ingestion contract consumed by the pipeline.
//
// Run connects and maintains the source until ctx is cancelled or the
// reconnect budget is exhausted (surfaced as a failed health event before
// Run returns). Ticks and Health are never closed while Run is live.
type Adapter interface {
	Name() string
	Run(ctx context.Context) error
	Subscribe(symbols ...string) error
	Unsubscribe(symbols ...string) error
	Ticks() <-chan types.MarketTick
	Health() <-chan HealthEvent
}

// ————————————————————————————————————————————————————————————————————————
// Normalization
// ————————————————————————————————————————————————————————————————————————

var symbolCode = regexp.MustCompile(`^[0-9]{6}$`)

// Canonicalize reduces a source-specific symbol to the canonical 6-digit
// code: exchange suffixes (".KS", ".KQ") and the legacy "A" prefix are
// stripped. Anything that does not reduce to six digits is rejected.
func Canonicalize(symbol string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if i := strings.IndexByte(s, '.'); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimPrefix(s, "A")
	if !symbolCode.MatchString(s) {
		return "", fmt.Errorf("symbol %q does not reduce to a 6-digit code", symbol)
	}
	return s, nil
}

// rawTick is the source wire shape shared by the stream and poll feeds.
// Prices arrive as strings and are parsed into decimals; the timestamp is
// epoch milliseconds.
type rawTick struct {
	Code   string `json:"code"`
	TSMs   int64  `json:"ts"`
	Open   string `json:"open"`
	High   string `json:"high"`
	Low    string `json:"low"`
	Close  string `json:"close"`
	Volume int64  `json:"volume"`
}

// normalizeTick converts a raw source tick into a MarketTick, rejecting
// anything that cannot populate every required field.
func normalizeTick(raw rawTick, source string) (types.MarketTick, error) {
	symbol, err := Canonicalize(raw.Code)
	if err != nil {
		return types.MarketTick{}, err
	}
	if raw.TSMs <= 0 {
		return types.MarketTick{}, fmt.Errorf("tick %s: missing timestamp", symbol)
	}
	if raw.Close == "" {
		return types.MarketTick{}, fmt.Errorf("tick %s: missing close", symbol)
	}

	parse := func(field, s string) (decimal.Decimal, error) {
		if s == "" {
			return decimal.Zero, nil
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return decimal.Zero, fmt.Errorf("tick %s: bad %s %q: %w", symbol, field, s, err)
		}
		return d, nil
	}

	var t types.MarketTick
	if t.Close, err = parse("close", raw.Close); err != nil {
		return types.MarketTick{}, err
	}
	if t.Open, err = parse("open", raw.Open); err != nil {
		return types.MarketTick{}, err
	}
	if t.High, err = parse("high", raw.High); err != nil {
		return types.MarketTick{}, err
	}
	if t.Low, err = parse("low", raw.Low); err != nil {
		return types.MarketTick{}, err
	}

	t.Symbol = symbol
	t.TS = time.UnixMilli(raw.TSMs).UTC()
	t.Volume = raw.Volume
	t.Source = source
	return t, nil
}

// ————————————————————————————————————————————————————————————————————————
// Reconnect budget
// ————————————————————————————————————————————————————————————————————————

const (
	backoffInitial = time.Second
	backoffMax     = 60 * time.Second

	failureWindow = 10 * time.Minute
	failureBudget = 5
)

// backoff is the exponential reconnect delay: 1s, 2s, 4s, ..., capped at 60s.
type backoff struct {
	cur time.Duration
}

func (b *backoff) next() time.Duration {
	if b.cur == 0 {
		b.cur = backoffInitial
		return b.cur
	}
	b.cur *= 2
	if b.cur > backoffMax {
		b.cur = backoffMax
	}
	return b.cur
}

func (b *backoff) reset() { b.cur = 0 }

// failures tracks connect failures over a sliding window. When the budget is
// exhausted the adapter gives up and surfaces a failed health event.
type failures struct {
	window time.Duration
	budget int
	times  []time.Time
	now    func() time.Time
}

func newFailures() *failures {
	return &failures{window: failureWindow, budget: failureBudget, now: time.Now}
}

// record logs one failure and reports whether the budget is now exhausted.
func (f *failures) record() bool {
	now := f.now()
	cutoff := now.Add(-f.window)
	kept := f.times[:0]
	for _, t := range f.times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	f.times = append(kept, now)
	return len(f.times) >= f.budget
}

func (f *failures) reset() { f.times = f.times[:0] }

// jitter spreads d by ±10%.
func jitter(d time.Duration) time.Duration {
	spread := float64(d) * 0.10
	return d + time.Duration((rand.Float64()*2-1)*spread)
}

// emitHealth pushes without blocking; health consumers that stall lose
// intermediate transitions, never ticks.
func emitHealth(ch chan HealthEvent, ev HealthEvent) {
	select {
	case ch <- ev:
	default:
	}
}
