// Package order implements the order engine: signal intake, the priority
// queue, broker submission, execution tracking, and position bookkeeping
// with the Korean-market fee and tax schedule.
package order

import (
	"github.com/shopspring/decimal"

	"qb-trader/internal/config"
	"qb-trader/pkg/types"
)

// CommissionRates is the fee and tax schedule as fractions of notional.
// The transaction and rural special taxes apply to sells only.
type CommissionRates struct {
	Brokerage    decimal.Decimal
	MinBrokerage decimal.Decimal
	Exchange     decimal.Decimal
	Clearing     decimal.Decimal
	TxTax        decimal.Decimal
	RuralTax     decimal.Decimal
}

// RatesFromConfig converts the float-typed config schedule once, at startup.
func RatesFromConfig(c config.CommissionConfig) CommissionRates {
	return CommissionRates{
		Brokerage:    decimal.NewFromFloat(c.BrokerageRate),
		MinBrokerage: decimal.NewFromFloat(c.MinBrokerageFee),
		Exchange:     decimal.NewFromFloat(c.ExchangeRate),
		Clearing:     decimal.NewFromFloat(c.ClearingRate),
		TxTax:        decimal.NewFromFloat(c.TxTaxRate),
		RuralTax:     decimal.NewFromFloat(c.RuralTaxRate),
	}
}

// Commission computes the total fee for one fill, bankers-rounded to the
// won. Notional N = price · qty; the brokerage component has a floor.
func (r CommissionRates) Commission(side types.Side, price decimal.Decimal, qty int64) decimal.Decimal {
	n := price.Mul(decimal.NewFromInt(qty))

	brokerage := n.Mul(r.Brokerage)
	if brokerage.LessThan(r.MinBrokerage) {
		brokerage = r.MinBrokerage
	}

	total := brokerage.
		Add(n.Mul(r.Exchange)).
		Add(n.Mul(r.Clearing))

	if side == types.SELL {
		total = total.
			Add(n.Mul(r.TxTax)).
			Add(n.Mul(r.RuralTax))
	}
	return total.RoundBank(0)
}
