// qb-trader — an event-driven automated trading platform for Korean
// equities.
//
// Architecture:
//
//	main.go              — entry point: loads config, starts engine, waits for SIGINT/SIGTERM
//	engine/engine.go     — orchestrator: wires adapters → pipeline → analyzer → strategies → risk → orders
//	adapter/             — market-data sources (streaming websocket, REST polling) with reconnect
//	pipeline/            — quality gates, deduplication, and candle assembly into the cache
//	analysis/            — technical indicators (SMA/EMA/RSI/MACD/BB/Stoch/ATR) on candle close
//	strategy/            — strategy registry, dispatch with timeouts, MA-cross built-in
//	risk/                — synchronous 10-rule check chain, stop-loss/portfolio monitors, kill switch
//	order/               — priority queue, broker submission, fill tracking, position accounting
//	broker/              — brokerage REST/WebSocket clients and the paper simulator
//	cache/               — bounded in-memory KV store with TTLs and candle rings
//	bus/                 — typed pub/sub and request/response, in-process or NATS-backed
package main

import (
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"qb-trader/internal/config"
	"qb-trader/internal/engine"
)

// Exit codes for supervisors: distinct classes of startup failure.
const (
	exitConfig    = 1
	exitBroker    = 2
	exitEmergency = 3
	exitStartup   = 4
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("QB_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(exitConfig)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(exitConfig)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	eng, err := engine.New(cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(exitStartup)
	}

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		switch {
		case errors.Is(err, engine.ErrBrokerAuth):
			os.Exit(exitBroker)
		case errors.Is(err, engine.ErrEmergencyArmed):
			os.Exit(exitEmergency)
		default:
			os.Exit(exitStartup)
		}
	}

	if cfg.PaperTrading {
		logger.Warn("PAPER TRADING MODE — no real orders will be placed")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())
	eng.Stop()
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
