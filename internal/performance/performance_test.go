package performance

import (
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/mukhametgalin/predict-trading-system/backtester/internal/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func day(n int) time.Time {
	return time.Date(2023, 1, 2+n, 0, 0, 0, 0, time.UTC)
}

func curve(values ...int64) []types.HistoryRecord {
	out := make([]types.HistoryRecord, len(values))
	for i, v := range values {
		out[i] = types.HistoryRecord{Timestamp: day(i), TotalValue: decimal.NewFromInt(v), Cash: decimal.NewFromInt(v)}
	}
	return out
}

func sell(pnl int64) types.TradeRecord {
	return types.TradeRecord{
		Fill:        types.Fill{Action: types.ActionSell, Symbol: "AAPL"},
		RealizedPnL: decimal.NullDecimal{Decimal: decimal.NewFromInt(pnl), Valid: true},
	}
}

func TestCalculateUpAndDown(t *testing.T) {
	t.Parallel()
	m, err := Calculate(curve(100, 110, 99), nil, decimal.NewFromInt(100), Options{})
	require.NoError(t, err)

	assert.Equal(t, day(0), m.StartDate)
	assert.Equal(t, day(2), m.EndDate)
	assert.True(t, m.FinalPortfolioValue.Equal(decimal.NewFromInt(99)))
	assert.InDelta(t, -1.0, m.TotalReturnPct, 1e-9)

	annual := math.Pow(0.99, 365.25/2) - 1
	assert.InDelta(t, annual*100, m.AnnualizedReturnPct, 1e-9)
	assert.InDelta(t, 0.1*math.Sqrt(252)*100, m.AnnualizedVolatilityPct, 1e-9)
	assert.InDelta(t, 0, float64(m.SharpeRatio), 1e-9)
	assert.InDelta(t, 10, m.MaxDrawdownPct, 1e-9)
	assert.InDelta(t, annual/0.1, float64(m.CalmarRatio), 1e-9)
	assert.Equal(t, Ratio(0), m.SortinoRatio, "single shortfall has no dispersion and no excess")
}

func TestCalculateSteadyGrowth(t *testing.T) {
	t.Parallel()
	m, err := Calculate(curve(100, 110, 121), nil, decimal.NewFromInt(100), Options{})
	require.NoError(t, err)

	assert.InDelta(t, 21, m.TotalReturnPct, 1e-9)
	assert.Equal(t, Ratio(0), m.SharpeRatio, "zero volatility")
	assert.Equal(t, 0.0, m.MaxDrawdownPct)
	assert.True(t, math.IsInf(float64(m.CalmarRatio), 1))
	assert.True(t, math.IsInf(float64(m.SortinoRatio), 1))

	raw, err := json.Marshal(m)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"calmar_ratio":"+Inf"`)
	assert.Contains(t, string(raw), `"sortino_ratio":"+Inf"`)
	assert.Contains(t, string(raw), `"sharpe_ratio":0`)
}

func TestCalculateSharpeAndSortino(t *testing.T) {
	t.Parallel()
	m, err := Calculate(curve(100, 102, 101, 104, 103), nil, decimal.NewFromInt(100), Options{RiskFreeRate: 0.02})
	require.NoError(t, err)

	returns := []float64{0.02, -1.0 / 102, 3.0 / 101, -1.0 / 104}
	mu := (returns[0] + returns[1] + returns[2] + returns[3]) / 4
	var ss float64
	for _, r := range returns {
		ss += (r - mu) * (r - mu)
	}
	sd := math.Sqrt(ss / 4)
	rf := math.Pow(1.02, 1.0/252) - 1
	assert.InDelta(t, (mu-rf)/sd*math.Sqrt(252), float64(m.SharpeRatio), 1e-9)

	down := []float64{-1.0 / 102, -1.0 / 104}
	dmu := (down[0] + down[1]) / 2
	dsd := math.Sqrt(((down[0]-dmu)*(down[0]-dmu) + (down[1]-dmu)*(down[1]-dmu)) / 2)
	assert.InDelta(t, (mu-rf)/dsd*math.Sqrt(252), float64(m.SortinoRatio), 1e-6)
	assert.InDelta(t, 1.0/102*100, m.MaxDrawdownPct, 1e-9)
}

func TestCalculateEdgeCases(t *testing.T) {
	t.Parallel()

	_, err := Calculate(nil, nil, decimal.NewFromInt(100), Options{})
	assert.True(t, errors.Is(err, ErrEmptyHistory))
	assert.True(t, errors.Is(err, types.ErrValidation))

	m, err := Calculate(curve(105), nil, decimal.NewFromInt(100), Options{})
	require.NoError(t, err)
	assert.InDelta(t, 5, m.TotalReturnPct, 1e-9)
	assert.Equal(t, 0.0, m.AnnualizedReturnPct)
	assert.Equal(t, 0.0, m.AnnualizedVolatilityPct)
	assert.Equal(t, Ratio(0), m.CalmarRatio)

	sameDay := curve(100, 120)
	sameDay[1].Timestamp = sameDay[0].Timestamp.Add(6 * time.Hour)
	m, err = Calculate(sameDay, nil, decimal.NewFromInt(100), Options{})
	require.NoError(t, err)
	assert.Equal(t, 0.0, m.AnnualizedReturnPct, "less than a whole day")

	m, err = Calculate(curve(100), nil, decimal.Zero, Options{})
	require.NoError(t, err)
	assert.Equal(t, 0.0, m.TotalReturnPct)
}

func TestCalculateSortsHistory(t *testing.T) {
	t.Parallel()
	h := curve(100, 110, 99)
	h[0], h[2] = h[2], h[0]

	m, err := Calculate(h, nil, decimal.NewFromInt(100), Options{})
	require.NoError(t, err)
	assert.Equal(t, day(0), m.StartDate)
	assert.True(t, m.FinalPortfolioValue.Equal(decimal.NewFromInt(99)))
	assert.Equal(t, 110, int(h[1].TotalValue.IntPart()), "input is not reordered")
}

func TestTradeStatistics(t *testing.T) {
	t.Parallel()
	buy := types.TradeRecord{Fill: types.Fill{Action: types.ActionBuy, Symbol: "AAPL"}}
	trades := []types.TradeRecord{buy, sell(100), sell(-50), sell(50), sell(0)}

	m, err := Calculate(curve(100, 100), trades, decimal.NewFromInt(100), Options{})
	require.NoError(t, err)
	s := m.TradeStatistics

	assert.Equal(t, 5, s.TotalTrades)
	assert.Equal(t, 3, s.ClosedTrades)
	assert.Equal(t, 2, s.WinningTrades)
	assert.Equal(t, 1, s.LosingTrades)
	assert.InDelta(t, 2.0/3, s.WinRate, 1e-12)
	assert.True(t, s.AverageWin.Equal(decimal.NewFromInt(75)))
	assert.True(t, s.AverageLoss.Equal(decimal.NewFromInt(50)))
	assert.InDelta(t, 3, float64(s.ProfitFactor), 1e-12)
	assert.InDelta(t, 100.0/3, s.AverageTradePnL.InexactFloat64(), 1e-9)

	s = tradeStatistics([]types.TradeRecord{buy, sell(10)})
	assert.True(t, math.IsInf(float64(s.ProfitFactor), 1))
	assert.Equal(t, 1.0, s.WinRate)

	s = tradeStatistics([]types.TradeRecord{buy})
	assert.Equal(t, 1, s.TotalTrades)
	assert.Equal(t, Ratio(0), s.ProfitFactor)
}

func TestRatioJSON(t *testing.T) {
	t.Parallel()
	for _, r := range []Ratio{Ratio(math.Inf(1)), Ratio(math.Inf(-1)), 1.5, 0} {
		raw, err := json.Marshal(r)
		require.NoError(t, err)

		var back Ratio
		require.NoError(t, json.Unmarshal(raw, &back))
		assert.Equal(t, r, back, string(raw))
	}

	raw, err := json.Marshal(Ratio(math.NaN()))
	require.NoError(t, err)
	assert.Equal(t, `"NaN"`, string(raw))
	assert.True(t, Ratio(math.Inf(1)).IsInf())
}
