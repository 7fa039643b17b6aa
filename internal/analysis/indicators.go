package analysis

import (
	"fmt"

	"github.com/markcheno/go-talib"
	"github.com/shopspring/decimal"

	"qb-trader/pkg/types"
)

// compute evaluates the configured indicator set over the ring (newest
// first). Each value appears only when the ring holds enough samples for its
// window; otherwise the key is absent.
func compute(ring []types.Candle, cfg Config) map[string]decimal.Decimal {
	n := len(ring)
	closes := make([]float64, n)
	highs := make([]float64, n)
	lows := make([]float64, n)
	for i, c := range ring {
		// Oldest first for the indicator math.
		j := n - 1 - i
		closes[j], _ = c.Close.Float64()
		highs[j], _ = c.High.Float64()
		lows[j], _ = c.Low.Float64()
	}

	values := make(map[string]decimal.Decimal)
	put := func(name string, series []float64) {
		if len(series) == 0 {
			return
		}
		values[name] = decimal.NewFromFloat(series[len(series)-1])
	}

	for _, w := range cfg.SMAWindows {
		if n >= w {
			put(fmt.Sprintf("sma_%d", w), talib.Sma(closes, w))
		}
	}
	for _, w := range cfg.EMAWindows {
		if n >= w {
			put(fmt.Sprintf("ema_%d", w), talib.Ema(closes, w))
		}
	}

	// Wilder's RSI needs one sample beyond the period.
	if n > cfg.RSIPeriod {
		put(fmt.Sprintf("rsi_%d", cfg.RSIPeriod), talib.Rsi(closes, cfg.RSIPeriod))
	}

	if n >= cfg.MACDSlow+cfg.MACDSignal {
		macd, signal, hist := talib.Macd(closes, cfg.MACDFast, cfg.MACDSlow, cfg.MACDSignal)
		put("macd", macd)
		put("macd_signal", signal)
		put("macd_hist", hist)
	}

	if n >= cfg.BBPeriod {
		upper, middle, lower := talib.BBands(closes, cfg.BBPeriod, cfg.BBWidth, cfg.BBWidth, talib.SMA)
		put("bb_upper", upper)
		put("bb_middle", middle)
		put("bb_lower", lower)
	}

	if n >= cfg.StochK+2*cfg.StochSmooth {
		k, d := talib.Stoch(highs, lows, closes,
			cfg.StochK, cfg.StochSmooth, talib.SMA, cfg.StochSmooth, talib.SMA)
		put("stoch_k", k)
		put("stoch_d", d)
	}

	// Wilder's ATR also needs period+1 bars.
	if n > cfg.ATRPeriod {
		put(fmt.Sprintf("atr_%d", cfg.ATRPeriod), talib.Atr(highs, lows, closes, cfg.ATRPeriod))
	}

	return values
}
