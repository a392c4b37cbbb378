package broker

import (
	"fmt"

	"github.com/mukhametgalin/predict-trading-system/backtester/internal/config"
	"github.com/mukhametgalin/predict-trading-system/backtester/internal/types"
	"github.com/shopspring/decimal"
)

// Slippage adjusts a reference price against the trader: buys pay up, sells receive less
type Slippage interface {
	Apply(price decimal.Decimal, action types.Action) decimal.Decimal
}

type NoSlippage struct{}

func (NoSlippage) Apply(price decimal.Decimal, _ types.Action) decimal.Decimal {
	return price
}

// FixedSlippage moves the price by a constant amount per share
type FixedSlippage struct {
	PerShare decimal.Decimal
}

func (s FixedSlippage) Apply(price decimal.Decimal, action types.Action) decimal.Decimal {
	return shift(price, s.PerShare, action)
}

// PercentageSlippage moves the price by a fraction of itself
type PercentageSlippage struct {
	Pct decimal.Decimal
}

func (s PercentageSlippage) Apply(price decimal.Decimal, action types.Action) decimal.Decimal {
	return shift(price, price.Mul(s.Pct), action)
}

func shift(price, amount decimal.Decimal, action types.Action) decimal.Decimal {
	switch action {
	case types.ActionBuy, types.ActionCover:
		return price.Add(amount)
	case types.ActionSell, types.ActionShort:
		return price.Sub(amount)
	}
	return price
}

// NewSlippage maps a model name to its implementation
func NewSlippage(model string, fixed, pct decimal.Decimal) (Slippage, error) {
	switch model {
	case config.SlippageNone, "":
		return NoSlippage{}, nil
	case config.SlippageFixed:
		return FixedSlippage{PerShare: fixed}, nil
	case config.SlippagePercentage:
		return PercentageSlippage{Pct: pct}, nil
	default:
		return nil, fmt.Errorf("%w: unknown slippage model %q", types.ErrConfiguration, model)
	}
}
