package performance

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/mukhametgalin/predict-trading-system/backtester/internal/types"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

var ErrEmptyHistory = fmt.Errorf("%w: portfolio history is empty", types.ErrValidation)

const (
	defaultTradingDays = 252
	daysPerYear        = 365.25
)

type Options struct {
	RiskFreeRate       float64
	TargetReturn       float64
	TradingDaysPerYear int
}

type TradeStats struct {
	TotalTrades     int             `json:"total_trades"`
	ClosedTrades    int             `json:"num_closed_trades_with_pnl"`
	WinningTrades   int             `json:"winning_trades"`
	LosingTrades    int             `json:"losing_trades"`
	WinRate         float64         `json:"win_rate"`
	AverageWin      decimal.Decimal `json:"average_win_amount"`
	AverageLoss     decimal.Decimal `json:"average_loss_amount"`
	ProfitFactor    Ratio           `json:"profit_factor"`
	AverageTradePnL decimal.Decimal `json:"average_trade_pnl"`
}

type Metrics struct {
	StartDate               time.Time       `json:"start_date"`
	EndDate                 time.Time       `json:"end_date"`
	InitialCapital          decimal.Decimal `json:"initial_capital"`
	FinalPortfolioValue     decimal.Decimal `json:"final_portfolio_value"`
	TotalReturnPct          float64         `json:"total_return_pct"`
	AnnualizedReturnPct     float64         `json:"annualized_return_pct"`
	AnnualizedVolatilityPct float64         `json:"annualized_volatility_pct"`
	SharpeRatio             Ratio           `json:"sharpe_ratio"`
	SortinoRatio            Ratio           `json:"sortino_ratio"`
	MaxDrawdownPct          float64         `json:"max_drawdown_pct"`
	CalmarRatio             Ratio           `json:"calmar_ratio"`
	TradeStatistics         TradeStats      `json:"trade_statistics"`
}

// Calculate derives the performance report for one run. history is sorted by
// timestamp before use; trades only contribute through SELL records that
// carry a realized PnL.
func Calculate(history []types.HistoryRecord, trades []types.TradeRecord, initialCapital decimal.Decimal, opts Options) (Metrics, error) {
	if len(history) == 0 {
		return Metrics{}, ErrEmptyHistory
	}
	if opts.TradingDaysPerYear <= 0 {
		opts.TradingDaysPerYear = defaultTradingDays
	}

	sorted := make([]types.HistoryRecord, len(history))
	copy(sorted, history)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	values := make([]float64, len(sorted))
	for i, h := range sorted {
		values[i] = h.TotalValue.InexactFloat64()
	}

	first, last := sorted[0], sorted[len(sorted)-1]
	returns := simpleReturns(values)
	total := totalReturn(last.TotalValue, initialCapital)
	annual := annualizedReturn(total, returns, last.Timestamp.Sub(first.Timestamp))
	maxDD := maxDrawdown(values)
	annualFactor := math.Sqrt(float64(opts.TradingDaysPerYear))

	m := Metrics{
		StartDate:               first.Timestamp,
		EndDate:                 last.Timestamp,
		InitialCapital:          initialCapital,
		FinalPortfolioValue:     last.TotalValue,
		TotalReturnPct:          total * 100,
		AnnualizedReturnPct:     annual * 100,
		AnnualizedVolatilityPct: volatility(returns) * annualFactor * 100,
		SharpeRatio:             Ratio(sharpe(returns, opts.RiskFreeRate, opts.TradingDaysPerYear)),
		SortinoRatio:            Ratio(sortino(returns, opts.RiskFreeRate, opts.TargetReturn, opts.TradingDaysPerYear)),
		MaxDrawdownPct:          maxDD * 100,
		CalmarRatio:             Ratio(calmar(annual, maxDD)),
		TradeStatistics:         tradeStatistics(trades),
	}

	log.Debug().
		Float64("total_return_pct", m.TotalReturnPct).
		Float64("max_drawdown_pct", m.MaxDrawdownPct).
		Int("history", len(sorted)).
		Int("trades", len(trades)).
		Msg("Calculated performance metrics")

	return m, nil
}

func simpleReturns(values []float64) []float64 {
	if len(values) < 2 {
		return nil
	}
	out := make([]float64, len(values)-1)
	for i := 1; i < len(values); i++ {
		r := (values[i] - values[i-1]) / values[i-1]
		if math.IsNaN(r) || math.IsInf(r, 0) {
			r = 0
		}
		out[i-1] = r
	}
	return out
}

func totalReturn(final, initial decimal.Decimal) float64 {
	if !initial.IsPositive() {
		return 0
	}
	return final.Sub(initial).Div(initial).InexactFloat64()
}

// annualizedReturn compounds over calendar days, counting whole days only
func annualizedReturn(total float64, returns []float64, span time.Duration) float64 {
	if len(returns) == 0 {
		return 0
	}
	days := int(span.Hours() / 24)
	if days == 0 {
		return 0
	}
	years := float64(days) / daysPerYear
	if 1+total <= 0 {
		return -1
	}
	return math.Pow(1+total, 1/years) - 1
}

func mean(xs []float64) float64 {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// stdDev is the population standard deviation
func stdDev(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	mu := mean(xs)
	var ss float64
	for _, x := range xs {
		ss += (x - mu) * (x - mu)
	}
	return math.Sqrt(ss / float64(len(xs)))
}

func dailyRate(annual float64, tradingDays int) float64 {
	return math.Pow(1+annual, 1/float64(tradingDays)) - 1
}

func volatility(returns []float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	return stdDev(returns)
}

func sharpe(returns []float64, riskFree float64, tradingDays int) float64 {
	if len(returns) < 2 {
		return 0
	}
	sd := stdDev(returns)
	if sd == 0 {
		return 0
	}
	excess := mean(returns) - dailyRate(riskFree, tradingDays)
	return excess / sd * math.Sqrt(float64(tradingDays))
}

func sortino(returns []float64, riskFree, target float64, tradingDays int) float64 {
	if len(returns) < 2 {
		return 0
	}
	excess := mean(returns) - dailyRate(riskFree, tradingDays)
	dailyTarget := dailyRate(target, tradingDays)

	var shortfall []float64
	for _, r := range returns {
		if r < dailyTarget {
			shortfall = append(shortfall, r-dailyTarget)
		}
	}

	dd := stdDev(shortfall)
	if len(shortfall) == 0 || dd == 0 {
		if excess > 0 {
			return math.Inf(1)
		}
		return 0
	}
	return excess / dd * math.Sqrt(float64(tradingDays))
}

// maxDrawdown is the largest peak-to-date decline as a fraction of the peak
func maxDrawdown(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	peak := values[0]
	var worst float64
	for _, v := range values {
		if v > peak {
			peak = v
		}
		if peak <= 0 {
			continue
		}
		if dd := (peak - v) / peak; dd > worst {
			worst = dd
		}
	}
	return worst
}

func calmar(annual, maxDD float64) float64 {
	if maxDD == 0 {
		if annual > 0 {
			return math.Inf(1)
		}
		return 0
	}
	return annual / maxDD
}

func tradeStatistics(trades []types.TradeRecord) TradeStats {
	stats := TradeStats{TotalTrades: len(trades)}

	var pnls []decimal.Decimal
	for _, t := range trades {
		if t.Action == types.ActionSell && t.RealizedPnL.Valid {
			pnls = append(pnls, t.RealizedPnL.Decimal)
		}
	}
	if len(pnls) == 0 {
		return stats
	}

	wins, losses, sum := decimal.Zero, decimal.Zero, decimal.Zero
	for _, pnl := range pnls {
		sum = sum.Add(pnl)
		switch {
		case pnl.IsPositive():
			stats.WinningTrades++
			wins = wins.Add(pnl)
		case pnl.IsNegative():
			stats.LosingTrades++
			losses = losses.Add(pnl.Abs())
		}
	}

	stats.ClosedTrades = stats.WinningTrades + stats.LosingTrades
	if stats.ClosedTrades > 0 {
		stats.WinRate = float64(stats.WinningTrades) / float64(stats.ClosedTrades)
		stats.AverageTradePnL = sum.Div(decimal.NewFromInt(int64(stats.ClosedTrades)))
	}
	if stats.WinningTrades > 0 {
		stats.AverageWin = wins.Div(decimal.NewFromInt(int64(stats.WinningTrades)))
	}
	if stats.LosingTrades > 0 {
		stats.AverageLoss = losses.Div(decimal.NewFromInt(int64(stats.LosingTrades)))
	}

	if losses.IsPositive() {
		stats.ProfitFactor = Ratio(wins.Div(losses).InexactFloat64())
	} else {
		stats.ProfitFactor = Ratio(math.Inf(1))
	}
	return stats
}
