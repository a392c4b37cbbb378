package strategies

import (
	"fmt"

	"github.com/markcheno/go-talib"
	"github.com/mukhametgalin/predict-trading-system/backtester/internal/types"
	"github.com/shopspring/decimal"
)

// MACrossover buys when the fast SMA crosses above the slow SMA and exits the
// whole position on the opposite cross. Entry stops sit ATR multiples below
// the close.
type MACrossover struct {
	FastPeriod    int
	SlowPeriod    int
	ATRPeriod     int
	ATRMultiplier float64
	StopLossPct   float64
}

func NewMACrossover() *MACrossover {
	return &MACrossover{
		FastPeriod:    10,
		SlowPeriod:    30,
		ATRPeriod:     14,
		ATRMultiplier: 2,
		StopLossPct:   0.05,
	}
}

func (m *MACrossover) Name() string {
	return "ma_crossover"
}

func (m *MACrossover) LoadParameters(params map[string]interface{}) error {
	var err error
	if m.FastPeriod, err = paramInt(params, "fast_period", m.FastPeriod); err != nil {
		return err
	}
	if m.SlowPeriod, err = paramInt(params, "slow_period", m.SlowPeriod); err != nil {
		return err
	}
	if m.ATRPeriod, err = paramInt(params, "atr_period", m.ATRPeriod); err != nil {
		return err
	}
	if m.ATRMultiplier, err = paramFloat(params, "atr_multiplier", m.ATRMultiplier); err != nil {
		return err
	}
	if m.StopLossPct, err = paramFloat(params, "stop_loss_pct", m.StopLossPct); err != nil {
		return err
	}

	switch {
	case m.FastPeriod < 1 || m.SlowPeriod < 2:
		return fmt.Errorf("%w: periods must be positive", types.ErrConfiguration)
	case m.FastPeriod >= m.SlowPeriod:
		return fmt.Errorf("%w: fast_period %d must be below slow_period %d", types.ErrConfiguration, m.FastPeriod, m.SlowPeriod)
	case m.ATRPeriod < 1 || m.ATRMultiplier <= 0:
		return fmt.Errorf("%w: atr_period and atr_multiplier must be positive", types.ErrConfiguration)
	case m.StopLossPct <= 0 || m.StopLossPct >= 1:
		return fmt.Errorf("%w: stop_loss_pct must be in (0, 1)", types.ErrConfiguration)
	}
	return nil
}

// Lookback is the bar window the crossover and the ATR need
func (m *MACrossover) Lookback() int {
	n := m.SlowPeriod + 1
	if m.ATRPeriod+1 > n {
		n = m.ATRPeriod + 1
	}
	return n
}

func (m *MACrossover) GenerateSignals(symbol string, bars []types.MarketEvent, analysis map[string]interface{}) (types.Signal, error) {
	hold := types.Signal{Action: types.ActionHold, Symbol: symbol}
	n := len(bars)
	if n < m.SlowPeriod+1 {
		return hold, nil
	}

	closes := make([]float64, n)
	for i, bar := range bars {
		closes[i] = bar.Close.InexactFloat64()
	}

	fast := talib.Sma(closes, m.FastPeriod)
	slow := talib.Sma(closes, m.SlowPeriod)
	cur, prev := n-1, n-2

	held, _ := analysis[AnalysisPositionQuantity].(decimal.Decimal)
	last := bars[cur]

	switch {
	case fast[prev] <= slow[prev] && fast[cur] > slow[cur] && !held.IsPositive():
		return types.Signal{
			Timestamp:     last.Timestamp,
			Action:        types.ActionBuy,
			Symbol:        symbol,
			Price:         last.Close,
			StopLossPrice: decimal.NullDecimal{Decimal: m.stopLoss(bars), Valid: true},
			OrderType:     types.OrderMarket,
			Reason:        fmt.Sprintf("SMA%d crossed above SMA%d", m.FastPeriod, m.SlowPeriod),
		}, nil

	case fast[prev] >= slow[prev] && fast[cur] < slow[cur] && held.IsPositive():
		return types.Signal{
			Timestamp: last.Timestamp,
			Action:    types.ActionSell,
			Symbol:    symbol,
			CloseAll:  true,
			Price:     last.Close,
			OrderType: types.OrderMarket,
			Reason:    fmt.Sprintf("SMA%d crossed below SMA%d", m.FastPeriod, m.SlowPeriod),
		}, nil
	}

	return hold, nil
}

// stopLoss is close minus ATRMultiplier ATRs, or a fixed percentage below the
// close when the ATR is unavailable or would put the stop at or below zero.
func (m *MACrossover) stopLoss(bars []types.MarketEvent) decimal.Decimal {
	last := bars[len(bars)-1].Close
	fallback := last.Mul(decimal.NewFromFloat(1 - m.StopLossPct)).Round(4)

	if len(bars) <= m.ATRPeriod {
		return fallback
	}

	high := make([]float64, len(bars))
	low := make([]float64, len(bars))
	closes := make([]float64, len(bars))
	for i, bar := range bars {
		high[i] = bar.High.InexactFloat64()
		low[i] = bar.Low.InexactFloat64()
		closes[i] = bar.Close.InexactFloat64()
	}

	atr := talib.Atr(high, low, closes, m.ATRPeriod)
	value := atr[len(atr)-1]
	if value <= 0 {
		return fallback
	}

	stop := last.Sub(decimal.NewFromFloat(value * m.ATRMultiplier)).Round(4)
	if !stop.IsPositive() || !stop.LessThan(last) {
		return fallback
	}
	return stop
}
