package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/mukhametgalin/predict-trading-system/backtester/internal/config"
	"github.com/mukhametgalin/predict-trading-system/backtester/internal/types"
	"github.com/shopspring/decimal"
)

var (
	ErrUnknownKind = fmt.Errorf("%w: unknown broker kind", types.ErrConfiguration)
	ErrNoLedger    = fmt.Errorf("%w: broker has no ledger", types.ErrState)
)

// Broker accepts orders and reports their state. Fills are pushed into the
// ledger; the broker's own order and trade records are a read-only cache.
type Broker interface {
	PlaceOrder(ctx context.Context, req types.OrderRequest) (types.ExecutionResult, error)
	CancelOrder(orderID string) types.ExecutionResult
	OrderStatus(orderID string) (types.Order, bool)
	Orders() []types.Order
	Trades() []types.Fill
	EvaluatePending(ctx context.Context, bars BarSource) ([]types.ExecutionResult, error)
	SetLedger(ledger Ledger)
	SetPriceSource(prices PriceSource)
	SetTime(t time.Time)
	AccountSummary() types.AccountSummary
}

// Ledger is the portfolio surface a broker needs to check and apply fills
type Ledger interface {
	Cash() decimal.Decimal
	HeldQuantity(symbol string) decimal.Decimal
	TotalValue() decimal.Decimal
	UpdateFill(fill types.Fill) error
}

// PriceSource provides live quotes for market orders
type PriceSource interface {
	CurrentPrice(symbol string) (decimal.Decimal, bool)
}

// BarSource provides the current bar of each symbol for conditional order checks
type BarSource interface {
	Bar(symbol string) (types.MarketEvent, bool)
}

// New builds the broker variant named by cfg.Kind
func New(cfg config.BrokerConfig) (Broker, error) {
	switch cfg.Kind {
	case "simulated", "":
		slippage, err := NewSlippage(cfg.Slippage, cfg.SlippageFixed, cfg.SlippagePct)
		if err != nil {
			return nil, err
		}
		return NewSimulated("sim_account_001", cfg.Commission, slippage), nil
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownKind, cfg.Kind)
	}
}
