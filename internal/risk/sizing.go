// sizing.go recommends position sizes. Three modes: fixed-fractional risk,
// volatility (ATR) scaling, and a bounded Kelly fraction. The recommender
// never places orders; strategies and order intake call it.
package risk

import (
	"github.com/shopspring/decimal"
)

// SizingConfig tunes the recommender.
type SizingConfig struct {
	RiskPerTrade  decimal.Decimal // fraction of portfolio risked per trade, e.g. 0.01
	ATRMultiplier decimal.Decimal // stop distance in ATRs for the volatility mode
	KellyCap      decimal.Decimal // upper bound on the Kelly fraction, e.g. 0.25
}

// Recommender computes share quantities from portfolio value and entry
// parameters. All arithmetic is decimal; results floor to whole shares.
type Recommender struct {
	cfg SizingConfig
}

// NewRecommender creates a sizing recommender.
func NewRecommender(cfg SizingConfig) *Recommender {
	return &Recommender{cfg: cfg}
}

// FixedFractional risks RiskPerTrade of the portfolio between entry and
// stop: qty = (portfolio · r) / (entry − stop). Zero when the stop is not
// below the entry.
func (r *Recommender) FixedFractional(portfolio, entry, stop decimal.Decimal) int64 {
	perShare := entry.Sub(stop)
	if !perShare.IsPositive() || !portfolio.IsPositive() {
		return 0
	}
	budget := portfolio.Mul(r.cfg.RiskPerTrade)
	return budget.Div(perShare).IntPart()
}

// Volatility sizes inversely to ATR: the stop distance is ATR times the
// configured multiplier.
func (r *Recommender) Volatility(portfolio, entry, atr decimal.Decimal) int64 {
	if !atr.IsPositive() {
		return 0
	}
	stop := entry.Sub(atr.Mul(r.cfg.ATRMultiplier))
	return r.FixedFractional(portfolio, entry, stop)
}

// Kelly sizes from the rolling win rate and payoff ratio, with the fraction
// bounded to [0, KellyCap]: f = w − (1−w)/payoff.
func (r *Recommender) Kelly(portfolio, entry decimal.Decimal, winRate, payoff float64) int64 {
	if payoff <= 0 || !entry.IsPositive() || !portfolio.IsPositive() {
		return 0
	}
	f := winRate - (1-winRate)/payoff
	if f <= 0 {
		return 0
	}
	frac := decimal.NewFromFloat(f)
	if frac.GreaterThan(r.cfg.KellyCap) {
		frac = r.cfg.KellyCap
	}
	return portfolio.Mul(frac).Div(entry).IntPart()
}
