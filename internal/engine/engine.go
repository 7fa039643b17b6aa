// Package engine is the central orchestrator of the trading platform.
//
// It wires together all subsystems:
//
//  1. Market-data adapters feed the pipeline, which gates ticks and
//     assembles candles into the shared cache.
//  2. The analyzer computes indicator snapshots on every candle close.
//  3. The strategy engine dispatches snapshots to active strategies and
//     publishes their trading signals.
//  4. The risk engine answers synchronous risk checks and runs the
//     stop-loss, portfolio, and emergency-stop monitors.
//  5. The order engine queues approved orders, submits them to the broker,
//     and books fills into positions.
//
// Lifecycle: New() → Start() → [runs until SIGINT] → Stop()
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"

	"qb-trader/internal/adapter"
	"qb-trader/internal/analysis"
	"qb-trader/internal/broker"
	"qb-trader/internal/bus"
	"qb-trader/internal/cache"
	"qb-trader/internal/config"
	"qb-trader/internal/order"
	"qb-trader/internal/pipeline"
	"qb-trader/internal/risk"
	"qb-trader/internal/strategy"
	"qb-trader/pkg/types"
)

// Startup failure classes, mapped to distinct exit codes by the CLI.
var (
	ErrBrokerAuth     = errors.New("engine: broker authentication failed")
	ErrEmergencyArmed = errors.New("engine: emergency stop armed")
)

// Engine owns the lifecycle of every component and goroutine.
type Engine struct {
	cfg    *config.Config
	logger *slog.Logger

	bus      bus.Bus
	store    *cache.Memory
	adapters []adapter.Adapter
	pipe     *pipeline.Pipeline
	analyzer *analysis.Analyzer
	strats   *strategy.Engine
	perf     *strategy.Tracker

	stop     *risk.EmergencyStop
	riskSvc  *risk.Service
	stopLoss *risk.StopLossMonitor
	monitor  *risk.Monitor

	brk    broker.Client
	book   *order.Book
	orders *order.Engine

	loc   *time.Location
	sched *cron.Cron

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates and wires all components. The config must already be
// validated.
func New(cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, fmt.Errorf("resolve timezone: %w", err)
	}
	sessionClose, err := config.ParseSessionTime(cfg.Market.SessionCloseTime)
	if err != nil {
		return nil, err
	}

	store := cache.NewMemory(cfg.Market.RingSize, cfg.Cache.MaxEntries)

	busOpts := bus.Options{
		SourceID:         "qb-trader",
		SubscriberBuffer: cfg.Bus.SubscriberBuffer,
		ShutdownGrace:    cfg.Bus.ShutdownGrace,
	}
	var eventBus bus.Bus
	if cfg.Bus.NatsURL != "" {
		conn, err := bus.Connect(cfg.Bus.NatsURL, busOpts, logger)
		if err != nil {
			return nil, fmt.Errorf("connect bus: %w", err)
		}
		eventBus = conn
	} else {
		eventBus = bus.New(busOpts, logger)
	}

	adapters, err := buildAdapters(cfg.Market, logger)
	if err != nil {
		return nil, err
	}

	var brk broker.Client
	if cfg.PaperTrading {
		brk = broker.NewPaper(store, decimal.NewFromFloat(cfg.Broker.PaperCash), 10*time.Millisecond, logger)
	} else {
		brk = broker.NewREST(cfg.Broker, logger)
	}

	book := order.NewBook(eventBus, store, logger)
	orders := order.NewEngine(eventBus, store, brk, book, order.RatesFromConfig(cfg.Commission), order.Config{
		Symbols:                  cfg.Market.Symbols,
		PriorityTimeout:          cfg.Order.PriorityTimeout,
		MaxConcurrentSubmissions: cfg.Order.MaxConcurrentSubmissions,
		MaxPartialFillTime:       cfg.Order.MaxPartialFillTime,
		MaxFillsPerOrder:         cfg.Order.MaxFillsPerOrder,
		StrategyPriority:         cfg.Order.StrategyPriority,
		LotValue:                 decimal.NewFromFloat(cfg.Order.LotValue),
		RiskTimeout:              cfg.Risk.CheckTimeout,
	}, logger)

	stop := risk.NewEmergencyStop(cfg.Risk.ResetToken, eventBus, logger)
	limits := limitsFromConfig(cfg.Risk)
	checker := risk.NewChecker(limits, orders, stop, logger)
	riskSvc := risk.NewService(eventBus, checker, logger)
	stopLoss := risk.NewStopLossMonitor(eventBus, risk.StopConfig{
		StopPct:      decimal.NewFromFloat(cfg.Risk.StopLossPct),
		TakePct:      decimal.NewFromFloat(cfg.Risk.TakeProfitPct),
		TrailingPct:  decimal.NewFromFloat(cfg.Risk.TrailingOffsetPct),
		BreakEvenPct: decimal.NewFromFloat(cfg.Risk.BreakEvenPct),
	}, logger)
	monitor := risk.NewMonitor(eventBus, store, orders, stop, limits, cfg.Risk.MonitorInterval, logger)

	intervals := make([]types.Interval, 0, len(cfg.Market.Intervals))
	for _, iv := range cfg.Market.Intervals {
		intervals = append(intervals, types.Interval(iv))
	}
	pipe := pipeline.New(eventBus, store, adapters, intervals, pipeline.GateConfig{
		MinPrice:           decimal.NewFromFloat(cfg.Quality.MinPrice),
		MaxPrice:           decimal.NewFromFloat(cfg.Quality.MaxPrice),
		StalenessThreshold: cfg.Quality.StalenessThreshold,
		OutlierZScore:      cfg.Quality.OutlierZScore,
	}, logger)

	analyzer := analysis.New(eventBus, store, analysis.DefaultConfig(), logger)
	strats := strategy.NewEngine(eventBus, strategy.EngineConfig{
		Active:       cfg.Strategy.Active,
		Timeout:      cfg.Strategy.Timeout,
		Params:       cfg.Strategy.Params,
		SessionClose: sessionClose,
		Location:     loc,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:      cfg,
		logger:   logger.With("component", "engine"),
		bus:      eventBus,
		store:    store,
		adapters: adapters,
		pipe:     pipe,
		analyzer: analyzer,
		strats:   strats,
		perf:     strategy.NewTracker(),
		stop:     stop,
		riskSvc:  riskSvc,
		stopLoss: stopLoss,
		monitor:  monitor,
		brk:      brk,
		book:     book,
		orders:   orders,
		loc:      loc,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// buildAdapters assembles the configured market-data sources.
func buildAdapters(cfg config.MarketConfig, logger *slog.Logger) ([]adapter.Adapter, error) {
	var out []adapter.Adapter
	if cfg.StreamURL != "" {
		out = append(out, adapter.NewStream("stream", cfg.StreamURL, logger))
	}
	if cfg.PolledBaseURL != "" {
		out = append(out, adapter.NewPolled("polled", cfg.PolledBaseURL, cfg.PollInterval, logger))
	}
	if len(out) == 0 {
		return nil, errors.New("no market data source configured (set market.stream_url or market.polled_base_url)")
	}
	return out, nil
}

// limitsFromConfig converts the float-typed config thresholds to the
// decimal limit set once, at startup.
func limitsFromConfig(c config.RiskConfig) risk.Limits {
	return risk.Limits{
		MaxDailyLoss:        decimal.NewFromFloat(c.MaxDailyLoss),
		MaxMonthlyLoss:      decimal.NewFromFloat(c.MaxMonthlyLoss),
		MaxPositionRatio:    decimal.NewFromFloat(c.MaxPositionRatio),
		MaxSectorRatio:      decimal.NewFromFloat(c.MaxSectorRatio),
		MaxTotalExposure:    decimal.NewFromFloat(c.MaxTotalExposure),
		MinCashReserveRatio: decimal.NewFromFloat(c.MinCashReserveRatio),
		MaxOrdersPerDay:     c.MaxOrdersPerDay,
		MaxConsecLosses:     c.MaxConsecLosses,
		MinOrderValue:       decimal.NewFromFloat(c.MinOrderValue),
		MaxOrderValue:       decimal.NewFromFloat(c.MaxOrderValue),
		Sectors:             c.Sectors,
	}
}

// Start brings the platform up: broker auth and balance first, then the
// risk responder, then order flow, then market data last so nothing trades
// before every consumer is listening.
func (e *Engine) Start() error {
	if err := e.bus.Start(); err != nil {
		return fmt.Errorf("start bus: %w", err)
	}

	authCtx, cancel := context.WithTimeout(e.ctx, 30*time.Second)
	defer cancel()
	if err := e.brk.Authenticate(authCtx); err != nil {
		return fmt.Errorf("%w: %v", ErrBrokerAuth, err)
	}
	bal, err := e.brk.Balance(authCtx)
	if err != nil {
		return fmt.Errorf("%w: balance query: %v", ErrBrokerAuth, err)
	}
	e.book.SetCash(bal.Cash)
	e.book.Restore()
	e.logger.Info("account ready", "cash", bal.Cash)

	if e.stop.Armed() {
		return fmt.Errorf("%w: %s", ErrEmergencyArmed, e.stop.Reason())
	}

	if err := e.riskSvc.Start(); err != nil {
		return err
	}
	if err := e.stopLoss.Start(); err != nil {
		return err
	}
	if err := e.orders.Start(); err != nil {
		return err
	}
	if err := e.perf.Start(e.bus); err != nil {
		return err
	}
	if err := e.analyzer.Start(); err != nil {
		return err
	}
	if err := e.strats.Start(); err != nil {
		return err
	}

	for _, a := range e.adapters {
		if err := a.Subscribe(e.cfg.Market.Symbols...); err != nil {
			e.logger.Warn("subscribe deferred to connect", "adapter", a.Name(), "error", err)
		}
	}

	// Loss counters reset on the exchange calendar, not process lifetime.
	e.sched = cron.New(cron.WithLocation(e.loc))
	if _, err := e.sched.AddFunc("0 0 * * *", e.book.ResetDaily); err != nil {
		return fmt.Errorf("schedule daily reset: %w", err)
	}
	if _, err := e.sched.AddFunc("0 0 1 * *", e.book.ResetMonthly); err != nil {
		return fmt.Errorf("schedule monthly reset: %w", err)
	}
	e.sched.Start()

	e.runWorker("order_engine", e.orders.Run)
	e.runWorker("risk_monitor", e.monitor.Run)
	e.runWorker("pipeline", e.pipe.Run)

	e.publishStatus("ok", "started")
	e.logger.Info("engine started",
		"symbols", len(e.cfg.Market.Symbols),
		"strategies", e.cfg.Strategy.Active,
		"paper_trading", e.cfg.PaperTrading,
	)
	return nil
}

func (e *Engine) runWorker(name string, run func(context.Context) error) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := run(e.ctx); err != nil && e.ctx.Err() == nil {
			e.logger.Error("worker stopped", "worker", name, "error", err)
			e.publishStatus("error", name)
		}
	}()
}

func (e *Engine) publishStatus(status, detail string) {
	e.bus.Publish(bus.NewEnvelope(bus.TopicSystemStatus, "engine", bus.SystemStatus{
		Component: "engine",
		Status:    status,
		Detail:    detail,
		TS:        time.Now().UTC(),
	}))
}

// Stop shuts everything down in reverse dependency order and waits for the
// workers to drain.
func (e *Engine) Stop() {
	e.logger.Info("shutting down")
	e.cancel()

	if e.sched != nil {
		e.sched.Stop()
	}
	e.strats.Stop()
	e.analyzer.Stop()
	e.stopLoss.Stop()
	e.perf.Stop()
	e.orders.Stop()
	if err := e.brk.Close(); err != nil {
		e.logger.Warn("broker close", "error", err)
	}

	e.wg.Wait()
	e.bus.Stop()
	e.logger.Info("engine stopped")
}

// EmergencyStop exposes the kill switch for operator tooling.
func (e *Engine) EmergencyStop() *risk.EmergencyStop { return e.stop }

// Performance exposes per-strategy metrics.
func (e *Engine) Performance(strategyName string) strategy.Report {
	return e.perf.Metrics(strategyName)
}
