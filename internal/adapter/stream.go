// stream.go implements the streaming adapter: one long-lived websocket
// carrying tick messages for every subscribed symbol.
//
// The connection auto-reconnects with exponential backoff (1s → 60s max) and
// re-subscribes all tracked symbols after reconnecting. Five failed connect
// attempts inside a ten-minute window exhaust the budget: the adapter emits
// a failed health event and Run returns. A read deadline detects silent
// server failures within ~2 missed pings.
package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"qb-trader/pkg/types"
)

const (
	streamPingInterval = 50 * time.Second
	streamReadTimeout  = 90 * time.Second
	streamWriteTimeout = 10 * time.Second
	tickBufferSize     = 256
	healthBufferSize   = 16
)

// streamMsg is the feed's wire frame: a type tag plus a tick payload.
type streamMsg struct {
	Type string  `json:"type"` // "tick", "pong", ...
	Tick rawTick `json:"tick"`
}

// streamSubMsg subscribes or unsubscribes symbol codes.
type streamSubMsg struct {
	Op    string   `json:"op"` // "subscribe" | "unsubscribe"
	Codes []string `json:"codes"`
}

// Stream is the websocket-backed adapter.
type Stream struct {
	name   string
	url    string
	logger *slog.Logger

	conn   *websocket.Conn
	connMu sync.Mutex

	// Tracked for automatic re-subscribe on reconnect.
	subscribedMu sync.RWMutex
	subscribed   map[string]bool

	ticks  chan types.MarketTick
	health chan HealthEvent
}

// NewStream creates a streaming adapter against the given websocket URL.
func NewStream(name, url string, logger *slog.Logger) *Stream {
	return &Stream{
		name:       name,
		url:        url,
		logger:     logger.With("component", "adapter", "adapter", name),
		subscribed: make(map[string]bool),
		ticks:      make(chan types.MarketTick, tickBufferSize),
		health:     make(chan HealthEvent, healthBufferSize),
	}
}

func (s *Stream) Name() string                   { return s.name }
func (s *Stream) Ticks() <-chan types.MarketTick { return s.ticks }
func (s *Stream) Health() <-chan HealthEvent     { return s.health }

// Subscribe adds symbols to the feed. Symbols are canonicalized before being
// tracked; the server sees the canonical codes.
func (s *Stream) Subscribe(symbols ...string) error {
	codes, err := s.track(symbols, true)
	if err != nil {
		return err
	}
	if len(codes) == 0 {
		return nil
	}
	// Not yet connected: the initial subscription on connect covers it.
	if err := s.writeJSON(streamSubMsg{Op: "subscribe", Codes: codes}); err != nil && !isNotConnected(err) {
		return err
	}
	return nil
}

// Unsubscribe removes symbols from the feed.
func (s *Stream) Unsubscribe(symbols ...string) error {
	codes, err := s.track(symbols, false)
	if err != nil {
		return err
	}
	if len(codes) == 0 {
		return nil
	}
	if err := s.writeJSON(streamSubMsg{Op: "unsubscribe", Codes: codes}); err != nil && !isNotConnected(err) {
		return err
	}
	return nil
}

func (s *Stream) track(symbols []string, add bool) ([]string, error) {
	codes := make([]string, 0, len(symbols))
	for _, sym := range symbols {
		code, err := Canonicalize(sym)
		if err != nil {
			return nil, err
		}
		codes = append(codes, code)
	}
	s.subscribedMu.Lock()
	for _, code := range codes {
		if add {
			s.subscribed[code] = true
		} else {
			delete(s.subscribed, code)
		}
	}
	s.subscribedMu.Unlock()
	return codes, nil
}

// Run connects and maintains the websocket until ctx is cancelled or the
// reconnect budget is exhausted.
func (s *Stream) Run(ctx context.Context) error {
	var (
		bo       backoff
		budget   = newFailures()
		everUp   bool
	)

	for {
		err := s.connectAndRead(ctx, &bo, budget, &everUp)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		emitHealth(s.health, HealthEvent{
			Adapter: s.name, State: HealthDisconnected, TS: time.Now().UTC(),
			Detail: err.Error(),
		})

		if budget.record() {
			emitHealth(s.health, HealthEvent{
				Adapter: s.name, State: HealthFailed, TS: time.Now().UTC(),
				Detail: fmt.Sprintf("%d connect failures within %s", failureBudget, failureWindow),
			})
			return fmt.Errorf("adapter %s: reconnect budget exhausted: %w", s.name, err)
		}

		wait := bo.next()
		s.logger.Warn("stream disconnected, reconnecting", "error", err, "backoff", wait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (s *Stream) connectAndRead(ctx context.Context, bo *backoff, budget *failures, everUp *bool) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()
	defer func() {
		s.connMu.Lock()
		conn.Close()
		s.conn = nil
		s.connMu.Unlock()
	}()

	if err := s.sendInitialSubscription(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	// A successful session resets the backoff and failure window.
	bo.reset()
	budget.reset()
	state := HealthReconnected
	if !*everUp {
		state = HealthHeartbeat
		*everUp = true
	}
	emitHealth(s.health, HealthEvent{Adapter: s.name, State: state, TS: time.Now().UTC()})
	s.logger.Info("stream connected", "url", s.url)

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go s.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		s.dispatch(data)
	}
}

func (s *Stream) sendInitialSubscription() error {
	s.subscribedMu.RLock()
	codes := make([]string, 0, len(s.subscribed))
	for code := range s.subscribed {
		codes = append(codes, code)
	}
	s.subscribedMu.RUnlock()

	if len(codes) == 0 {
		return nil
	}
	return s.writeJSON(streamSubMsg{Op: "subscribe", Codes: codes})
}

func (s *Stream) dispatch(data []byte) {
	var msg streamMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.Debug("ignoring non-json stream message", "data", string(data))
		return
	}
	if msg.Type != "tick" {
		return
	}

	tick, err := normalizeTick(msg.Tick, s.name)
	if err != nil {
		s.logger.Warn("rejected malformed tick", "error", err)
		return
	}

	select {
	case s.ticks <- tick:
	default:
		s.logger.Warn("tick channel full, dropping", "symbol", tick.Symbol)
	}
}

func (s *Stream) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(streamPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.writeMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)); err != nil {
				s.logger.Warn("ping failed", "error", err)
				return
			}
			emitHealth(s.health, HealthEvent{Adapter: s.name, State: HealthHeartbeat, TS: time.Now().UTC()})
		}
	}
}

var errNotConnected = fmt.Errorf("stream not connected")

func isNotConnected(err error) bool { return err == errNotConnected }

func (s *Stream) writeJSON(v any) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return errNotConnected
	}
	s.conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	return s.conn.WriteJSON(v)
}

func (s *Stream) writeMessage(msgType int, data []byte) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return errNotConnected
	}
	s.conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	return s.conn.WriteMessage(msgType, data)
}
