package risk

import (
	"math"

	"github.com/markcheno/go-talib"
	"github.com/mukhametgalin/predict-trading-system/backtester/internal/config"
	"github.com/mukhametgalin/predict-trading-system/backtester/internal/types"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// bars needed before the volatility and deviation dampeners apply
const minDampenerBars = 5

// dampen scales qty down from recent bars: a cap at a fraction of average
// volume, a haircut for high return volatility and one for an entry price far
// from the recent mean close.
func dampen(cfg config.DampenerConfig, qty, price decimal.Decimal, bars []types.MarketEvent) decimal.Decimal {
	if len(bars) == 0 {
		return qty
	}

	closes := make([]float64, len(bars))
	volumes := make([]float64, len(bars))
	for i, bar := range bars {
		closes[i] = bar.Close.InexactFloat64()
		volumes[i] = bar.Volume.InexactFloat64()
	}

	if avg := talib.Sma(volumes, len(volumes))[len(volumes)-1]; avg > 0 {
		limit := math.Max(1, math.Floor(avg*cfg.VolumeLimitPct.InexactFloat64()))
		if capped := decimal.NewFromFloat(limit); capped.LessThan(qty) {
			log.Debug().
				Float64("avg_volume", avg).
				Str("limit", capped.String()).
				Msg("Volume dampener applied")
			qty = capped
		}
	}

	if len(closes) < minDampenerBars {
		return qty
	}

	vol := sampleStdDev(talib.Rocp(closes, 1)[1:])
	factor := decimal.NewFromInt(1)
	switch {
	case vol > cfg.VolatilityHigh.InexactFloat64():
		factor = cfg.VolatilityHighFactor
	case vol > cfg.VolatilityMid.InexactFloat64():
		factor = cfg.VolatilityMidFactor
	}
	if factor.LessThan(decimal.NewFromInt(1)) {
		log.Debug().
			Float64("volatility", vol).
			Str("factor", factor.String()).
			Msg("Volatility dampener applied")
		qty = qty.Mul(factor)
	}

	recent := talib.Sma(closes[len(closes)-minDampenerBars:], minDampenerBars)[minDampenerBars-1]
	if recent > 0 {
		deviation := math.Abs(price.InexactFloat64()-recent) / recent
		if deviation > cfg.DeviationThreshold.InexactFloat64() {
			f := decimal.Max(cfg.MinDeviationFactor, decimal.NewFromFloat(1-deviation))
			log.Debug().
				Float64("deviation", deviation).
				Str("factor", f.String()).
				Msg("Price deviation dampener applied")
			qty = qty.Mul(f)
		}
	}

	return qty
}

// sampleStdDev rescales talib's population deviation to n-1 degrees of freedom
func sampleStdDev(xs []float64) float64 {
	n := len(xs)
	if n < 2 {
		return 0
	}
	pop := talib.StdDev(xs, n, 1)[n-1]
	return pop * math.Sqrt(float64(n)/float64(n-1))
}
