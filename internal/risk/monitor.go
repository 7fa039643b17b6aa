// monitor.go is the interval portfolio monitor: every cycle it snapshots
// the portfolio, derives concentration and tail-risk metrics, publishes
// risk_alert when a metric crosses its warning or critical threshold, and
// feeds the emergency stop's automatic arm conditions.
package risk

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"gonum.org/v1/gonum/stat"

	"qb-trader/internal/bus"
	"qb-trader/internal/cache"
	"qb-trader/pkg/types"
)

// Metric thresholds. Warning first, critical second.
var monitorThresholds = map[string][2]float64{
	"concentration":     {0.25, 0.40}, // Herfindahl on notional weights
	"top5_share":        {0.70, 0.85},
	"var_95":            {0.03, 0.05}, // one-period historical VaR, fraction of portfolio
	"avg_correlation":   {0.70, 0.85},
	"sector_dispersion": {0.50, 0.75}, // Herfindahl on sector notional weights
	"cash_ratio_floor":  {0.10, 0.05}, // below warning, then below critical
}

// varLookback is how many candles feed the historical VaR and correlation
// estimates.
const varLookback = 60

// PortfolioMetrics is the cached output of one monitor cycle.
type PortfolioMetrics struct {
	TS             time.Time       `json:"ts"`
	PortfolioValue decimal.Decimal `json:"portfolio_value"`
	GrossExposure  decimal.Decimal `json:"gross_exposure"`
	CashRatio      float64         `json:"cash_ratio"`
	Concentration  float64         `json:"concentration"`
	Top5Share      float64         `json:"top5_share"`
	VaR95          float64         `json:"var_95"`
	AvgCorrelation float64         `json:"avg_correlation"`

	// SectorDispersion is the Herfindahl index over per-sector notional
	// weights; symbols without a sector mapping pool under "other".
	SectorDispersion float64 `json:"sector_dispersion"`
}

// Monitor runs the periodic portfolio scan.
type Monitor struct {
	bus      bus.Bus
	store    cache.Store
	provider ContextProvider
	stop     *EmergencyStop
	limits   Limits
	interval time.Duration
	logger   *slog.Logger

	mu   sync.Mutex
	last PortfolioMetrics
}

// NewMonitor creates the portfolio monitor.
func NewMonitor(b bus.Bus, store cache.Store, provider ContextProvider, stop *EmergencyStop, limits Limits, interval time.Duration, logger *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Monitor{
		bus:      b,
		store:    store,
		provider: provider,
		stop:     stop,
		limits:   limits,
		interval: interval,
		logger:   logger.With("component", "risk_monitor"),
	}
}

// Run cycles until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Cycle(time.Now().UTC())
		}
	}
}

// Last returns the most recent metric set.
func (m *Monitor) Last() PortfolioMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// Cycle runs one scan.
func (m *Monitor) Cycle(now time.Time) {
	rc, err := m.provider.RiskContext()
	if err != nil {
		m.logger.Warn("portfolio snapshot unavailable", "error", err)
		m.stop.NoteError()
		return
	}
	m.stop.NoteValuation(now)
	m.stop.Evaluate(rc, m.limits)

	metrics := m.compute(rc, now)
	m.mu.Lock()
	m.last = metrics
	m.mu.Unlock()

	m.check("concentration", metrics.Concentration, now, false)
	m.check("top5_share", metrics.Top5Share, now, false)
	m.check("var_95", metrics.VaR95, now, false)
	m.check("avg_correlation", metrics.AvgCorrelation, now, false)
	m.check("sector_dispersion", metrics.SectorDispersion, now, false)
	m.check("cash_ratio_floor", metrics.CashRatio, now, true)
}

func (m *Monitor) compute(rc types.RiskContext, now time.Time) PortfolioMetrics {
	out := PortfolioMetrics{TS: now, PortfolioValue: rc.PortfolioValue}

	values := make([]float64, 0, len(rc.Positions))
	var gross decimal.Decimal
	for _, p := range rc.Positions {
		mv := p.MarketValue()
		gross = gross.Add(mv)
		f, _ := mv.Float64()
		values = append(values, f)
	}
	out.GrossExposure = gross

	pv, _ := rc.PortfolioValue.Float64()
	if pv > 0 {
		cash, _ := rc.Cash.Float64()
		out.CashRatio = cash / pv
	}

	grossF, _ := gross.Float64()
	if grossF > 0 {
		// Herfindahl and top-5 share on notional weights.
		var herf float64
		for _, v := range values {
			w := v / grossF
			herf += w * w
		}
		out.Concentration = herf

		sorted := append([]float64(nil), values...)
		sort.Sort(sort.Reverse(sort.Float64Slice(sorted)))
		top := 0.0
		for i := 0; i < len(sorted) && i < 5; i++ {
			top += sorted[i]
		}
		out.Top5Share = top / grossF
	}

	if grossF > 0 {
		bySector := make(map[string]float64)
		for _, p := range rc.Positions {
			sector, ok := m.limits.Sectors[p.Symbol]
			if !ok {
				sector = "other"
			}
			mv, _ := p.MarketValue().Float64()
			bySector[sector] += mv
		}
		var herf float64
		for _, v := range bySector {
			w := v / grossF
			herf += w * w
		}
		out.SectorDispersion = herf
	}

	out.VaR95, out.AvgCorrelation = m.tailStats(rc)
	return out
}

// tailStats derives historical VaR (95%) of the weighted portfolio return
// and the mean pairwise correlation across held symbols, from the 1m candle
// rings.
func (m *Monitor) tailStats(rc types.RiskContext) (var95, avgCorr float64) {
	series := make([][]float64, 0, len(rc.Positions))
	weights := make([]float64, 0, len(rc.Positions))
	var gross float64
	for _, p := range rc.Positions {
		rets := m.returns(p.Symbol)
		if len(rets) < 2 {
			continue
		}
		mv, _ := p.MarketValue().Float64()
		series = append(series, rets)
		weights = append(weights, mv)
		gross += mv
	}
	if len(series) == 0 || gross == 0 {
		return 0, 0
	}

	n := len(series[0])
	for _, s := range series {
		if len(s) < n {
			n = len(s)
		}
	}

	// Weighted portfolio return series.
	port := make([]float64, n)
	for i, s := range series {
		w := weights[i] / gross
		for j := 0; j < n; j++ {
			port[j] += w * s[len(s)-n+j]
		}
	}
	sorted := append([]float64(nil), port...)
	sort.Float64s(sorted)
	var95 = -stat.Quantile(0.05, stat.Empirical, sorted, nil)
	if var95 < 0 {
		var95 = 0
	}

	if len(series) > 1 {
		var sum float64
		var pairs int
		for i := 0; i < len(series); i++ {
			for j := i + 1; j < len(series); j++ {
				a := series[i][len(series[i])-n:]
				b := series[j][len(series[j])-n:]
				sum += stat.Correlation(a, b, nil)
				pairs++
			}
		}
		avgCorr = sum / float64(pairs)
	}
	return var95, avgCorr
}

// returns loads up to varLookback simple returns from the symbol's 1m ring.
func (m *Monitor) returns(symbol string) []float64 {
	ring := m.store.Candles(symbol, types.Interval1m, varLookback+1)
	if len(ring) < 3 {
		return nil
	}
	// Ring is newest first; returns oldest first.
	out := make([]float64, 0, len(ring)-1)
	for i := len(ring) - 1; i > 0; i-- {
		prev, _ := ring[i].Close.Float64()
		cur, _ := ring[i-1].Close.Float64()
		if prev == 0 {
			continue
		}
		out = append(out, cur/prev-1)
	}
	return out
}

// check publishes a risk_alert when value crosses its thresholds. invert
// flips the comparison for floor-type metrics.
func (m *Monitor) check(metric string, value float64, now time.Time, invert bool) {
	th, ok := monitorThresholds[metric]
	if !ok {
		return
	}
	warn, crit := th[0], th[1]

	var severity string
	if invert {
		switch {
		case value < crit:
			severity = "critical"
		case value < warn:
			severity = "warning"
		}
	} else {
		switch {
		case value >= crit:
			severity = "critical"
		case value >= warn:
			severity = "warning"
		}
	}
	if severity == "" {
		return
	}

	m.logger.Warn("risk metric threshold crossed", "metric", metric, "value", value, "severity", severity)
	m.bus.Publish(bus.NewEnvelope(bus.TopicRiskAlert, "risk", bus.RiskAlert{
		Metric:    metric,
		Severity:  severity,
		Value:     decimal.NewFromFloat(value).String(),
		Threshold: decimal.NewFromFloat(warn).String(),
		Message:   metric + " crossed " + severity + " threshold",
		TS:        now,
	}))
}
