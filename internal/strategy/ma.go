// ma.go is the built-in moving-average crossover strategy: on every closed
// 1-minute candle, compare the close against the five-bar SMA. Cross above
// while flat buys; cross below while holding sells; at session close any
// holding is force-exited with HOLD_EXIT.
package strategy

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"qb-trader/pkg/types"
)

const maName = "ma_1m_5m"

func init() {
	Register(maName, func() Strategy { return newMACross() })
}

type maPosition struct {
	holding   bool
	entry     decimal.Decimal
	entryTS   time.Time
	lastClose decimal.Decimal
}

// maCross holds per-symbol state. Confidence is the relative distance from
// the mean scaled by k, clamped to [0, 1].
type maCross struct {
	k           float64
	minTurnover decimal.Decimal // 0 disables the volume filter

	mu    sync.Mutex
	state map[string]*maPosition
}

func newMACross() *maCross {
	return &maCross{
		k:     0.02,
		state: make(map[string]*maPosition),
	}
}

func (s *maCross) Name() string                { return maName }
func (s *maCross) RequiredIndicators() []string { return []string{"sma_5"} }
func (s *maCross) OnStart() error              { return nil }

func (s *maCross) OnStop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = make(map[string]*maPosition)
	return nil
}

func (s *maCross) ParameterSchema() map[string]ParamSpec {
	min0 := 0.0001
	max1 := 1.0
	return map[string]ParamSpec{
		"k": {
			Type: "float", Default: 0.02, Min: &min0, Max: &max1,
			Desc: "confidence scale: relative distance from the SMA mapping to confidence 1.0",
		},
		"min_turnover": {
			Type: "float", Default: 0.0,
			Desc: "skip signals when the trigger candle's turnover (close × volume, KRW) is below this floor; 0 disables",
		},
	}
}

func (s *maCross) Configure(params map[string]any) error {
	if v, ok := params["k"]; ok {
		f, isNum := toFloat(v)
		if !isNum || f <= 0 {
			return fmt.Errorf("k must be a positive number, got %v", v)
		}
		s.k = f
	}
	if v, ok := params["min_turnover"]; ok {
		f, isNum := toFloat(v)
		if !isNum || f < 0 {
			return fmt.Errorf("min_turnover must be a non-negative number, got %v", v)
		}
		s.minTurnover = decimal.NewFromFloat(f)
	}
	return nil
}

// Analyze triggers on 1-minute snapshots only.
func (s *maCross) Analyze(snap types.IndicatorSnapshot) *types.TradingSignal {
	if snap.Interval != types.Interval1m {
		return nil
	}
	m, ok := snap.Values["sma_5"]
	if !ok || m.IsZero() {
		return nil
	}
	p := snap.Candle.Close

	s.mu.Lock()
	defer s.mu.Unlock()
	pos := s.state[snap.Symbol]
	if pos == nil {
		pos = &maPosition{}
		s.state[snap.Symbol] = pos
	}
	pos.lastClose = p

	if !s.minTurnover.IsZero() {
		turnover := p.Mul(decimal.NewFromInt(snap.Candle.Volume))
		if turnover.LessThan(s.minTurnover) {
			return nil
		}
	}

	switch {
	case p.GreaterThan(m) && !pos.holding:
		pos.holding = true
		pos.entry = p
		pos.entryTS = snap.TS
		return &types.TradingSignal{
			Symbol:         snap.Symbol,
			Action:         types.ActionBuy,
			Confidence:     s.confidence(p, m),
			SuggestedPrice: p,
			Reason:         fmt.Sprintf("close %s above sma_5 %s", p, m),
			TS:             snap.TS,
		}

	case p.LessThanOrEqual(m) && pos.holding:
		pos.holding = false
		pos.entry = decimal.Zero
		return &types.TradingSignal{
			Symbol:         snap.Symbol,
			Action:         types.ActionSell,
			Confidence:     s.confidence(m, p),
			SuggestedPrice: p,
			Reason:         fmt.Sprintf("close %s at or below sma_5 %s", p, m),
			TS:             snap.TS,
		}
	}
	return nil
}

// confidence maps the relative distance (a−b)/b, scaled by k, into [0, 1].
func (s *maCross) confidence(a, b decimal.Decimal) float64 {
	dist, _ := a.Sub(b).Div(b).Float64()
	c := dist / s.k
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

// SessionClose emits HOLD_EXIT for every symbol still held.
func (s *maCross) SessionClose() []types.TradingSignal {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []types.TradingSignal
	now := time.Now().UTC()
	for symbol, pos := range s.state {
		if !pos.holding {
			continue
		}
		pos.holding = false
		pos.entry = decimal.Zero
		out = append(out, types.TradingSignal{
			Symbol:         symbol,
			Action:         types.ActionHoldExit,
			Confidence:     1,
			SuggestedPrice: pos.lastClose,
			Reason:         "session close",
			TS:             now,
		})
	}
	return out
}
