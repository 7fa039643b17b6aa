// ws.go is the execution notification feed. The broker pushes fills and
// order status transitions over a WebSocket; the feed reconnects with
// exponential backoff and resubscribes on every (re)connect.
package broker

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"qb-trader/pkg/types"
)

const (
	feedPingInterval  = 50 * time.Second
	feedReadDeadline  = 90 * time.Second
	feedWriteDeadline = 10 * time.Second
	feedBuffer        = 256

	feedBackoffInitial = time.Second
	feedBackoffMax     = 60 * time.Second
)

// feedMsg is the wire envelope of the execution feed.
type feedMsg struct {
	Type          string `json:"type"` // "fill" | "status"
	BrokerOrderID string `json:"broker_order_id"`
	FillID        string `json:"fill_id,omitempty"`
	Symbol        string `json:"symbol,omitempty"`
	Side          string `json:"side,omitempty"`
	Qty           int64  `json:"qty,omitempty"`
	Price         string `json:"price,omitempty"`
	Status        string `json:"status,omitempty"`
	Detail        string `json:"detail,omitempty"`
	TSMs          int64  `json:"ts"`
}

type fillFeed struct {
	url    string
	logger *slog.Logger

	fills    chan FillNotification
	statuses chan StatusChange

	mu      sync.Mutex
	stopped bool
	stopCh  chan struct{}
}

func newFillFeed(url string, logger *slog.Logger) *fillFeed {
	return &fillFeed{
		url:      url,
		logger:   logger.With("component", "broker_feed"),
		fills:    make(chan FillNotification, feedBuffer),
		statuses: make(chan StatusChange, feedBuffer),
		stopCh:   make(chan struct{}),
	}
}

// start launches the read loop. No-op when the feed URL is unset (paper
// mode never constructs this type).
func (f *fillFeed) start(token string) error {
	if f.url == "" {
		return fmt.Errorf("broker feed: ws_base_url not configured")
	}
	go f.run(token)
	return nil
}

func (f *fillFeed) close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped {
		return nil
	}
	f.stopped = true
	close(f.stopCh)
	return nil
}

func (f *fillFeed) run(token string) {
	backoff := feedBackoffInitial
	for {
		select {
		case <-f.stopCh:
			close(f.fills)
			close(f.statuses)
			return
		default:
		}

		if err := f.connectAndRead(token); err != nil {
			f.logger.Warn("feed disconnected", "error", err, "retry_in", backoff)
		}

		select {
		case <-f.stopCh:
			close(f.fills)
			close(f.statuses)
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > feedBackoffMax {
			backoff = feedBackoffMax
		}
	}
}

func (f *fillFeed) connectAndRead(token string) error {
	conn, _, err := websocket.DefaultDialer.Dial(f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	sub := map[string]string{"op": "subscribe", "channel": "executions", "token": token}
	conn.SetWriteDeadline(time.Now().Add(feedWriteDeadline))
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	f.logger.Info("execution feed connected")

	conn.SetReadDeadline(time.Now().Add(feedReadDeadline))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(feedReadDeadline))
		return nil
	})

	pingDone := make(chan struct{})
	defer close(pingDone)
	go func() {
		ticker := time.NewTicker(feedPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-pingDone:
				return
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(feedWriteDeadline))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	for {
		select {
		case <-f.stopCh:
			return nil
		default:
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(feedReadDeadline))

		var msg feedMsg
		if err := json.Unmarshal(raw, &msg); err != nil {
			f.logger.Warn("undecodable feed message", "error", err)
			continue
		}
		f.dispatch(msg)
	}
}

func (f *fillFeed) dispatch(msg feedMsg) {
	ts := time.UnixMilli(msg.TSMs).UTC()
	switch msg.Type {
	case "fill":
		price, err := decimal.NewFromString(msg.Price)
		if err != nil {
			f.logger.Warn("fill with bad price", "broker_order_id", msg.BrokerOrderID, "price", msg.Price)
			return
		}
		select {
		case f.fills <- FillNotification{
			BrokerOrderID: msg.BrokerOrderID,
			FillID:        msg.FillID,
			Symbol:        msg.Symbol,
			Side:          types.Side(msg.Side),
			Qty:           msg.Qty,
			Price:         price,
			TS:            ts,
		}:
		default:
			f.logger.Error("fill channel full, notification dropped", "broker_order_id", msg.BrokerOrderID)
		}
	case "status":
		select {
		case f.statuses <- StatusChange{
			BrokerOrderID: msg.BrokerOrderID,
			Status:        msg.Status,
			Detail:        msg.Detail,
			TS:            ts,
		}:
		default:
			f.logger.Warn("status channel full, notification dropped", "broker_order_id", msg.BrokerOrderID)
		}
	}
}
