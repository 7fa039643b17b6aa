// engine.go dispatches indicator snapshots to active strategies, bounds each
// invocation by a timeout, and handles activation, deactivation, and
// hot-reload. Session-close exits run on a cron schedule in the market
// timezone.
package strategy

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"qb-trader/internal/bus"
	"qb-trader/pkg/types"
)

// consecTimeoutLimit deactivates a strategy after this many consecutive
// analyze timeouts.
const consecTimeoutLimit = 3

// EngineConfig tunes dispatch and scheduling.
type EngineConfig struct {
	Active       []string                  // strategies to activate at startup
	Timeout      time.Duration             // per-invocation budget, default 200ms
	Params       map[string]map[string]any // per-strategy parameter overrides
	SessionClose time.Duration             // offset from local midnight, e.g. 15h20m
	Location     *time.Location            // market timezone
}

type active struct {
	strat       Strategy
	consecSlow  int
	deactivated bool
}

// Engine owns the active strategy instances.
type Engine struct {
	bus    bus.Bus
	cfg    EngineConfig
	logger *slog.Logger

	mu     sync.Mutex
	active map[string]*active

	cron        *cron.Cron
	unsubscribe func()
}

// NewEngine creates the strategy engine.
func NewEngine(b bus.Bus, cfg EngineConfig, logger *slog.Logger) *Engine {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 200 * time.Millisecond
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Engine{
		bus:    b,
		cfg:    cfg,
		logger: logger.With("component", "strategy_engine"),
		active: make(map[string]*active),
	}
}

// Start activates the configured strategies, subscribes to indicator
// updates, and schedules the session-close pass.
func (e *Engine) Start() error {
	for _, name := range e.cfg.Active {
		if err := e.Activate(name); err != nil {
			return err
		}
	}

	unsub, err := e.bus.Subscribe(bus.TopicIndicatorsUpdated, "strategy_engine", func(d bus.Delivery) {
		e.Dispatch(d.Payload.(types.IndicatorSnapshot))
	})
	if err != nil {
		return fmt.Errorf("strategy engine subscribe: %w", err)
	}
	e.unsubscribe = unsub

	e.cron = cron.New(cron.WithLocation(e.cfg.Location))
	h := int(e.cfg.SessionClose / time.Hour)
	m := int(e.cfg.SessionClose % time.Hour / time.Minute)
	spec := fmt.Sprintf("%d %d * * MON-FRI", m, h)
	if _, err := e.cron.AddFunc(spec, e.sessionClose); err != nil {
		return fmt.Errorf("schedule session close %q: %w", spec, err)
	}
	e.cron.Start()
	return nil
}

// Stop halts scheduling and deactivates everything.
func (e *Engine) Stop() {
	if e.cron != nil {
		e.cron.Stop()
	}
	if e.unsubscribe != nil {
		e.unsubscribe()
	}
	e.mu.Lock()
	names := make([]string, 0, len(e.active))
	for name := range e.active {
		names = append(names, name)
	}
	e.mu.Unlock()
	for _, name := range names {
		e.Deactivate(name, "shutdown")
	}
}

// Activate instantiates a registered strategy, applies its configured
// parameters, and starts dispatching to it.
func (e *Engine) Activate(name string) error {
	strat, err := NewByName(name)
	if err != nil {
		return err
	}
	if params := e.cfg.Params[name]; len(params) > 0 {
		if err := validateParams(strat.ParameterSchema(), params); err != nil {
			return fmt.Errorf("activate %s: %w", name, err)
		}
		if err := strat.Configure(params); err != nil {
			return fmt.Errorf("activate %s: %w", name, err)
		}
	}
	if err := strat.OnStart(); err != nil {
		return fmt.Errorf("activate %s: %w", name, err)
	}

	e.mu.Lock()
	e.active[name] = &active{strat: strat}
	e.mu.Unlock()

	e.bus.Publish(bus.NewEnvelope(bus.TopicStrategyActivated, "strategy_engine", bus.StrategyEvent{
		Name: name, TS: time.Now().UTC(),
	}))
	e.logger.Info("strategy activated", "strategy", name)
	return nil
}

// Deactivate stops dispatching to the named strategy.
func (e *Engine) Deactivate(name, reason string) {
	e.mu.Lock()
	a, ok := e.active[name]
	if ok {
		delete(e.active, name)
	}
	e.mu.Unlock()
	if !ok {
		return
	}

	if err := a.strat.OnStop(); err != nil {
		e.logger.Warn("strategy OnStop failed", "strategy", name, "error", err)
	}
	e.bus.Publish(bus.NewEnvelope(bus.TopicStrategyDeactivate, "strategy_engine", bus.StrategyEvent{
		Name: name, Reason: reason, TS: time.Now().UTC(),
	}))
	e.logger.Info("strategy deactivated", "strategy", name, "reason", reason)
}

// Reload replaces a running strategy with a fresh configured instance.
func (e *Engine) Reload(name string) error {
	e.Deactivate(name, "reload")
	return e.Activate(name)
}

// Active lists currently active strategy names.
func (e *Engine) Active() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	names := make([]string, 0, len(e.active))
	for name := range e.active {
		names = append(names, name)
	}
	return names
}

// Dispatch routes one snapshot to every active strategy whose required
// indicators are all present. Each invocation is bounded by the configured
// timeout; three consecutive timeouts deactivate the strategy.
func (e *Engine) Dispatch(snap types.IndicatorSnapshot) {
	e.mu.Lock()
	targets := make(map[string]*active, len(e.active))
	for name, a := range e.active {
		targets[name] = a
	}
	e.mu.Unlock()

	for name, a := range targets {
		if !snap.Has(a.strat.RequiredIndicators()...) {
			continue
		}
		e.invoke(name, a, snap)
	}
}

func (e *Engine) invoke(name string, a *active, snap types.IndicatorSnapshot) {
	done := make(chan *types.TradingSignal, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("strategy panicked", "strategy", name, "panic", r)
				done <- nil
			}
		}()
		done <- a.strat.Analyze(snap)
	}()

	select {
	case sig := <-done:
		a.consecSlow = 0
		if sig != nil {
			e.publish(name, *sig)
		}
	case <-time.After(e.cfg.Timeout):
		a.consecSlow++
		e.logger.Warn("strategy analyze timed out",
			"strategy", name, "consecutive", a.consecSlow, "timeout", e.cfg.Timeout)
		if a.consecSlow >= consecTimeoutLimit {
			e.Deactivate(name, "timeout")
		}
	}
}

func (e *Engine) publish(name string, sig types.TradingSignal) {
	sig.Strategy = name
	if sig.TS.IsZero() {
		sig.TS = time.Now().UTC()
	}
	env := bus.NewEnvelope(bus.TopicTradingSignal, "strategy_engine", sig)
	env.CorrelationID = uuid.NewString()
	e.bus.Publish(env)
	e.logger.Info("signal emitted",
		"strategy", name, "symbol", sig.Symbol, "action", sig.Action, "confidence", sig.Confidence)
}

// sessionClose asks every active strategy holding positions to emit its
// forced exits.
func (e *Engine) sessionClose() {
	e.mu.Lock()
	targets := make(map[string]*active, len(e.active))
	for name, a := range e.active {
		targets[name] = a
	}
	e.mu.Unlock()

	for name, a := range targets {
		closer, ok := a.strat.(SessionCloser)
		if !ok {
			continue
		}
		for _, sig := range closer.SessionClose() {
			e.publish(name, sig)
		}
	}
}
