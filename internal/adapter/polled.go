// polled.go implements the HTTP polling adapter: one goroutine per symbol
// pulling the quote endpoint on the configured interval, jittered by ±10% so
// pollers never fire in lockstep.
package adapter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"qb-trader/pkg/types"
)

// Polled is the HTTP-backed adapter.
type Polled struct {
	name     string
	interval time.Duration
	client   *resty.Client
	logger   *slog.Logger

	mu      sync.Mutex
	pollers map[string]context.CancelFunc // symbol → poller cancel
	runCtx  context.Context

	ticks  chan types.MarketTick
	health chan HealthEvent
}

// NewPolled creates a polling adapter against the given base URL.
func NewPolled(name, baseURL string, interval time.Duration, logger *slog.Logger) *Polled {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond)

	return &Polled{
		name:     name,
		interval: interval,
		client:   client,
		logger:   logger.With("component", "adapter", "adapter", name),
		pollers:  make(map[string]context.CancelFunc),
		ticks:    make(chan types.MarketTick, tickBufferSize),
		health:   make(chan HealthEvent, healthBufferSize),
	}
}

func (p *Polled) Name() string                   { return p.name }
func (p *Polled) Ticks() <-chan types.MarketTick { return p.ticks }
func (p *Polled) Health() <-chan HealthEvent     { return p.health }

// Run starts pollers for any symbols subscribed before startup and blocks
// until ctx is cancelled.
func (p *Polled) Run(ctx context.Context) error {
	p.mu.Lock()
	p.runCtx = ctx
	symbols := make([]string, 0, len(p.pollers))
	for sym, cancel := range p.pollers {
		if cancel == nil {
			symbols = append(symbols, sym)
		}
	}
	p.mu.Unlock()

	for _, sym := range symbols {
		p.startPoller(ctx, sym)
	}

	emitHealth(p.health, HealthEvent{Adapter: p.name, State: HealthHeartbeat, TS: time.Now().UTC()})
	<-ctx.Done()
	return ctx.Err()
}

// Subscribe registers symbols and, once running, starts a poller for each.
func (p *Polled) Subscribe(symbols ...string) error {
	for _, sym := range symbols {
		code, err := Canonicalize(sym)
		if err != nil {
			return err
		}

		p.mu.Lock()
		_, exists := p.pollers[code]
		runCtx := p.runCtx
		if !exists {
			p.pollers[code] = nil // placeholder until Run starts it
		}
		p.mu.Unlock()

		if !exists && runCtx != nil {
			p.startPoller(runCtx, code)
		}
	}
	return nil
}

// Unsubscribe stops the symbol's poller.
func (p *Polled) Unsubscribe(symbols ...string) error {
	for _, sym := range symbols {
		code, err := Canonicalize(sym)
		if err != nil {
			return err
		}
		p.mu.Lock()
		if cancel, ok := p.pollers[code]; ok {
			if cancel != nil {
				cancel()
			}
			delete(p.pollers, code)
		}
		p.mu.Unlock()
	}
	return nil
}

func (p *Polled) startPoller(ctx context.Context, symbol string) {
	pollCtx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.pollers[symbol] = cancel
	p.mu.Unlock()

	go p.pollLoop(pollCtx, symbol)
}

func (p *Polled) pollLoop(ctx context.Context, symbol string) {
	timer := time.NewTimer(jitter(p.interval))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if err := p.pollOnce(ctx, symbol); err != nil {
			p.logger.Warn("poll failed", "symbol", symbol, "error", err)
			emitHealth(p.health, HealthEvent{
				Adapter: p.name, State: HealthDisconnected, TS: time.Now().UTC(),
				Detail: err.Error(),
			})
		}
		timer.Reset(jitter(p.interval))
	}
}

func (p *Polled) pollOnce(ctx context.Context, symbol string) error {
	var raw rawTick
	resp, err := p.client.R().
		SetContext(ctx).
		SetQueryParam("code", symbol).
		SetResult(&raw).
		Get("/quote")
	if err != nil {
		return fmt.Errorf("get quote: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("get quote: status %d", resp.StatusCode())
	}

	tick, err := normalizeTick(raw, p.name)
	if err != nil {
		return fmt.Errorf("normalize: %w", err)
	}

	select {
	case p.ticks <- tick:
	default:
		p.logger.Warn("tick channel full, dropping", "symbol", tick.Symbol)
	}
	return nil
}
