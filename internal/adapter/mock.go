// mock.go is the deterministic adapter used by engine and pipeline tests:
// it replays a scripted tick sequence and tracks subscriptions like a real
// source would.
package adapter

import (
	"context"
	"sync"
	"time"

	"qb-trader/pkg/types"
)

// Mock replays its script on Run, emitting only ticks for subscribed
// symbols. A zero Delay replays as fast as the consumer drains.
type Mock struct {
	Script []types.MarketTick
	Delay  time.Duration

	mu         sync.Mutex
	subscribed map[string]bool

	ticks  chan types.MarketTick
	health chan HealthEvent
}

// NewMock creates a scripted adapter.
func NewMock(script []types.MarketTick) *Mock {
	return &Mock{
		Script:     script,
		subscribed: make(map[string]bool),
		ticks:      make(chan types.MarketTick, tickBufferSize),
		health:     make(chan HealthEvent, healthBufferSize),
	}
}

func (m *Mock) Name() string                   { return "mock" }
func (m *Mock) Ticks() <-chan types.MarketTick { return m.ticks }
func (m *Mock) Health() <-chan HealthEvent     { return m.health }

func (m *Mock) Subscribe(symbols ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sym := range symbols {
		code, err := Canonicalize(sym)
		if err != nil {
			return err
		}
		m.subscribed[code] = true
	}
	return nil
}

func (m *Mock) Unsubscribe(symbols ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sym := range symbols {
		code, err := Canonicalize(sym)
		if err != nil {
			return err
		}
		delete(m.subscribed, code)
	}
	return nil
}

// Run replays the script, then idles until ctx is cancelled so health and
// tick channels stay live for the consumer.
func (m *Mock) Run(ctx context.Context) error {
	emitHealth(m.health, HealthEvent{Adapter: m.Name(), State: HealthHeartbeat, TS: time.Now().UTC()})

	for _, tick := range m.Script {
		m.mu.Lock()
		want := m.subscribed[tick.Symbol]
		m.mu.Unlock()
		if !want {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case m.ticks <- tick:
		}
		if m.Delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(m.Delay):
			}
		}
	}

	<-ctx.Done()
	return ctx.Err()
}
