// Package broker implements the brokerage API clients: a REST client for
// order management and account queries, a WebSocket feed for execution
// notifications, and a paper (simulated) implementation for dry-run mode.
//
// The order engine only sees the Client interface; which implementation
// backs it is a wiring decision made at startup from paper_trading.
package broker

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"qb-trader/pkg/types"
)

// FillNotification is a single execution pushed by the broker.
type FillNotification struct {
	BrokerOrderID string          `json:"broker_order_id"`
	FillID        string          `json:"fill_id"`
	Symbol        string          `json:"symbol"`
	Side          types.Side      `json:"side"`
	Qty           int64           `json:"qty"`
	Price         decimal.Decimal `json:"price"`
	TS            time.Time       `json:"ts"`
}

// StatusChange is a broker-side order state transition that is not a fill,
// e.g. an exchange-side cancel or reject.
type StatusChange struct {
	BrokerOrderID string    `json:"broker_order_id"`
	Status        string    `json:"status"`
	Detail        string    `json:"detail,omitempty"`
	TS            time.Time `json:"ts"`
}

// Balance is the account cash snapshot.
type Balance struct {
	Cash decimal.Decimal `json:"cash"`
	TS   time.Time       `json:"ts"`
}

// ErrRejected marks a permanent broker-side rejection: retrying the same
// order cannot succeed.
var ErrRejected = errors.New("broker: order rejected")

// Client is the brokerage contract the order engine submits through.
// Place is idempotent on the client order id: resubmitting an order the
// broker has already accepted returns the original broker order id.
type Client interface {
	// Authenticate obtains (or refreshes) API credentials. Called once at
	// startup; implementations refresh internally afterwards.
	Authenticate(ctx context.Context) error

	// Place submits the order and returns the broker's order id.
	Place(ctx context.Context, o types.Order) (string, error)

	// Cancel cancels the unfilled remainder of a working order.
	Cancel(ctx context.Context, brokerOrderID string) error

	// Balance returns the account cash snapshot.
	Balance(ctx context.Context) (Balance, error)

	// Fills streams execution notifications. The channel closes on Close.
	Fills() <-chan FillNotification

	// Statuses streams non-fill order state transitions.
	Statuses() <-chan StatusChange

	Close() error
}
