package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Decision is the outcome of a synchronous risk check.
type Decision string

const (
	DecisionApprove Decision = "APPROVE"
	DecisionAdjust  Decision = "ADJUST"
	DecisionReject  Decision = "REJECT"
)

// RiskCheckRequest is the payload of a risk_check request envelope. The order
// is the intended order before submission; the risk engine derives its own
// context (positions, P&L, counters) at decision time.
type RiskCheckRequest struct {
	Order  Order     `json:"order"`
	Signal *TradingSignal `json:"signal,omitempty"` // originating signal, if any
	TS     time.Time `json:"ts"`
}

// RiskDecision is the reply payload of a risk check. AdjustedQuantity is set
// only when Decision is ADJUST.
type RiskDecision struct {
	Decision         Decision `json:"decision"`
	AdjustedQuantity int64    `json:"adjusted_quantity,omitempty"`
	Reasons          []string `json:"reasons"`
}

// RiskContext is the portfolio state a risk decision is derived from.
type RiskContext struct {
	PortfolioValue   decimal.Decimal `json:"portfolio_value"`
	Cash             decimal.Decimal `json:"cash"`
	RealizedPnLToday decimal.Decimal `json:"realized_pnl_today"`
	RealizedPnLMonth decimal.Decimal `json:"realized_pnl_month"`
	OpenOrderValue   decimal.Decimal `json:"open_order_value"`
	OrdersToday      int             `json:"orders_today"`
	ConsecLosses     int             `json:"consecutive_losses"`
	Positions        []Position      `json:"positions"`
}
