// Package risk implements the synchronous risk-check rule chain and the
// asynchronous monitors: stop-loss / take-profit, the emergency stop, and
// the interval portfolio monitor.
//
// The emergency-stop gate is evaluated before the chain: while armed, every
// order is rejected except liquidation exits. The remaining rules run in a
// fixed order; the first rule producing a non-APPROVE outcome determines the
// result. Rules that can safely shrink an order (position size, cash reserve)
// downgrade to ADJUST instead of rejecting outright. Liquidations are also
// exempt from the loss limits, which would otherwise trap open positions.
// Every monetary comparison is decimal arithmetic.
package risk

import (
	"log/slog"

	"github.com/shopspring/decimal"

	"qb-trader/pkg/types"
)

// Reject and adjust reason strings. Stable: they appear in order_failed
// events and operator logs.
const (
	ReasonContextUnavailable = "context_unavailable"
	ReasonPositionSize       = "position_size_limit"
	ReasonSectorExposure     = "sector_exposure_limit"
	ReasonDailyLoss          = "daily_loss_limit"
	ReasonMonthlyLoss        = "monthly_loss_limit"
	ReasonCashReserve        = "cash_reserve_limit"
	ReasonTradeFrequency     = "trade_frequency_limit"
	ReasonConsecutiveLoss    = "consecutive_loss_limit"
	ReasonTotalExposure      = "total_exposure_limit"
	ReasonOrderValueBounds   = "order_value_bounds"
	ReasonEmergencyStop      = "emergency_stop_active"
)

// Limits is the threshold set for the rule chain. Ratios are fractions of
// portfolio value; monetary limits are absolute KRW.
type Limits struct {
	MaxDailyLoss        decimal.Decimal
	MaxMonthlyLoss      decimal.Decimal
	MaxPositionRatio    decimal.Decimal
	MaxSectorRatio      decimal.Decimal
	MaxTotalExposure    decimal.Decimal
	MinCashReserveRatio decimal.Decimal
	MaxOrdersPerDay     int
	MaxConsecLosses     int
	MinOrderValue       decimal.Decimal
	MaxOrderValue       decimal.Decimal
	Sectors             map[string]string // symbol → sector
}

// ContextProvider supplies the portfolio snapshot a decision is made from.
// The order engine implements it over its own position and counter state.
type ContextProvider interface {
	RiskContext() (types.RiskContext, error)
}

// Checker evaluates the rule chain.
type Checker struct {
	limits   Limits
	provider ContextProvider
	stop     *EmergencyStop
	logger   *slog.Logger
}

// NewChecker builds the rule chain against a context provider and the shared
// emergency stop.
func NewChecker(limits Limits, provider ContextProvider, stop *EmergencyStop, logger *slog.Logger) *Checker {
	return &Checker{
		limits:   limits,
		provider: provider,
		stop:     stop,
		logger:   logger.With("component", "risk_checker"),
	}
}

func reject(reason string) types.RiskDecision {
	return types.RiskDecision{Decision: types.DecisionReject, Reasons: []string{reason}}
}

func adjust(qty int64, reason string) types.RiskDecision {
	return types.RiskDecision{Decision: types.DecisionAdjust, AdjustedQuantity: qty, Reasons: []string{reason}}
}

// Check runs the chain for one intended order.
func (c *Checker) Check(req types.RiskCheckRequest) types.RiskDecision {
	liquidation := req.Signal != nil && req.Signal.Liquidation()

	// Armed gate, ahead of the chain so no ADJUST short-circuit can reach
	// the broker. Liquidation exits are the one permitted order source.
	if c.stop != nil && c.stop.Armed() && !liquidation {
		return reject(ReasonEmergencyStop)
	}

	ctx, err := c.provider.RiskContext()
	if err != nil {
		c.logger.Warn("risk context unavailable", "error", err)
		return reject(ReasonContextUnavailable)
	}
	if !ctx.PortfolioValue.IsPositive() {
		return reject(ReasonContextUnavailable)
	}

	price := req.Order.Price
	if price.IsZero() && req.Signal != nil {
		// Market orders carry no limit price; value them at the signal's
		// suggested price.
		price = req.Signal.SuggestedPrice
	}
	if !price.IsPositive() || req.Order.Quantity < 1 {
		return reject(ReasonContextUnavailable)
	}

	notional := price.Mul(decimal.NewFromInt(req.Order.Quantity))
	isBuy := req.Order.Side == types.BUY

	// 1. PositionSize — ADJUST downward to the cap; REJECT below one share.
	if isBuy {
		existing := positionValue(ctx.Positions, req.Order.Symbol)
		limit := ctx.PortfolioValue.Mul(c.limits.MaxPositionRatio)
		if existing.Add(notional).GreaterThan(limit) {
			qty := limit.Sub(existing).Div(price).IntPart()
			if qty < 1 {
				return reject(ReasonPositionSize)
			}
			return adjust(qty, ReasonPositionSize)
		}
	}

	// 2. SectorExposure.
	if isBuy {
		if sector, ok := c.limits.Sectors[req.Order.Symbol]; ok {
			held := decimal.Zero
			for _, p := range ctx.Positions {
				if c.limits.Sectors[p.Symbol] == sector {
					held = held.Add(p.MarketValue())
				}
			}
			limit := ctx.PortfolioValue.Mul(c.limits.MaxSectorRatio)
			if held.Add(notional).GreaterThan(limit) {
				return reject(ReasonSectorExposure)
			}
		}
	}

	// 3. DailyLoss. A breached limit must not trap open positions, so
	// liquidation exits are exempt.
	if !liquidation && ctx.RealizedPnLToday.LessThanOrEqual(c.limits.MaxDailyLoss.Neg()) {
		return reject(ReasonDailyLoss)
	}

	// 4. MonthlyLoss. Same exemption as rule 3.
	if !liquidation && ctx.RealizedPnLMonth.LessThanOrEqual(c.limits.MaxMonthlyLoss.Neg()) {
		return reject(ReasonMonthlyLoss)
	}

	// 5. CashReserve — ADJUST downward to what cash allows.
	if isBuy {
		reserve := ctx.PortfolioValue.Mul(c.limits.MinCashReserveRatio)
		available := ctx.Cash.Sub(reserve)
		if notional.GreaterThan(available) {
			qty := available.Div(price).IntPart()
			if qty < 1 {
				return reject(ReasonCashReserve)
			}
			return adjust(qty, ReasonCashReserve)
		}
	}

	// 6. TradeFrequency.
	if ctx.OrdersToday >= c.limits.MaxOrdersPerDay {
		return reject(ReasonTradeFrequency)
	}

	// 7. ConsecutiveLoss.
	if ctx.ConsecLosses >= c.limits.MaxConsecLosses {
		return reject(ReasonConsecutiveLoss)
	}

	// 8. TotalExposure.
	if isBuy {
		total := ctx.OpenOrderValue.Add(notional)
		for _, p := range ctx.Positions {
			total = total.Add(p.MarketValue())
		}
		limit := ctx.PortfolioValue.Mul(c.limits.MaxTotalExposure)
		if total.GreaterThan(limit) {
			return reject(ReasonTotalExposure)
		}
	}

	// 9. OrderValueBounds.
	if notional.LessThan(c.limits.MinOrderValue) || notional.GreaterThan(c.limits.MaxOrderValue) {
		return reject(ReasonOrderValueBounds)
	}

	return types.RiskDecision{Decision: types.DecisionApprove}
}

func positionValue(positions []types.Position, symbol string) decimal.Decimal {
	for _, p := range positions {
		if p.Symbol == symbol {
			return p.MarketValue()
		}
	}
	return decimal.Zero
}
