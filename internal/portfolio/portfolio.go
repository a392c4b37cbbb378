package portfolio

import (
	"fmt"
	"sort"
	"time"

	"github.com/mukhametgalin/predict-trading-system/backtester/internal/types"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

var (
	ErrInvalidFill          = fmt.Errorf("%w: invalid fill", types.ErrValidation)
	ErrUnknownAction        = fmt.Errorf("%w: unknown fill action", types.ErrValidation)
	ErrInsufficientCash     = fmt.Errorf("%w: insufficient cash", types.ErrExecution)
	ErrInsufficientPosition = fmt.Errorf("%w: insufficient position", types.ErrState)
)

// PriceSource supplies live prices for mark-to-market
type PriceSource interface {
	CurrentPrice(symbol string) (decimal.Decimal, bool)
}

// Portfolio is the authoritative cash/position ledger for one run.
// It is not safe for concurrent use; a run owns it exclusively.
type Portfolio struct {
	initialCash decimal.Decimal
	cash        decimal.Decimal
	positions   map[string]*types.Position
	tradeLog    []types.TradeRecord
	history     []types.HistoryRecord
	prices      PriceSource
	now         time.Time
}

// New creates a ledger holding only cash and records the initial snapshot at the given time
func New(initialCash decimal.Decimal, at time.Time) *Portfolio {
	p := &Portfolio{
		initialCash: initialCash,
		cash:        initialCash,
		positions:   make(map[string]*types.Position),
		now:         at,
	}

	log.Info().Str("initial_cash", initialCash.String()).Msg("Portfolio initialized")

	p.RecordSnapshot()
	return p
}

// SetPriceSource sets where live prices come from
func (p *Portfolio) SetPriceSource(src PriceSource) {
	p.prices = src
}

// SetTime moves the ledger clock, used for snapshots and fills without a timestamp
func (p *Portfolio) SetTime(t time.Time) {
	p.now = t
}

// Now returns the ledger clock
func (p *Portfolio) Now() time.Time {
	return p.now
}

// UpdateFill applies a broker fill. Validation happens before any mutation so a
// rejected fill leaves the ledger untouched.
func (p *Portfolio) UpdateFill(f types.Fill) error {
	if err := validateFill(f); err != nil {
		log.Error().Err(err).Str("symbol", f.Symbol).Msg("Portfolio rejected fill")
		return err
	}
	if f.Timestamp.IsZero() {
		f.Timestamp = p.now
	}

	notional := f.Quantity.Mul(f.Price)
	record := types.TradeRecord{Fill: f}

	switch f.Action {
	case types.ActionBuy:
		cost := notional.Add(f.Commission)
		if cost.GreaterThan(p.cash) {
			err := fmt.Errorf("%w: need %s, have %s", ErrInsufficientCash, cost, p.cash)
			log.Error().Err(err).Str("symbol", f.Symbol).Msg("Portfolio rejected fill")
			return err
		}

		pos, ok := p.positions[f.Symbol]
		if !ok {
			pos = &types.Position{Symbol: f.Symbol}
			p.positions[f.Symbol] = pos
		}
		heldCost := pos.Quantity.Mul(pos.AvgPrice).Add(notional)
		pos.Quantity = pos.Quantity.Add(f.Quantity)
		pos.TotalCost = pos.TotalCost.Add(notional)
		pos.AvgPrice = heldCost.Div(pos.Quantity)
		if pos.CurrentPrice.IsZero() {
			pos.CurrentPrice = f.Price
		}
		p.cash = p.cash.Sub(cost)

	case types.ActionSell:
		pos, ok := p.positions[f.Symbol]
		if !ok || pos.Quantity.LessThan(f.Quantity) {
			held := decimal.Zero
			if ok {
				held = pos.Quantity
			}
			err := fmt.Errorf("%w: cannot sell %s %s, holding %s", ErrInsufficientPosition, f.Quantity, f.Symbol, held)
			log.Error().Err(err).Str("order_id", f.OrderID).Msg("Portfolio rejected fill")
			return err
		}

		costOfSold := pos.AvgPrice.Mul(f.Quantity)
		realized := notional.Sub(costOfSold).Sub(f.Commission)
		pos.RealizedPnL = pos.RealizedPnL.Add(realized)
		pos.Quantity = pos.Quantity.Sub(f.Quantity)
		pos.TotalCost = pos.TotalCost.Sub(costOfSold)
		p.cash = p.cash.Add(notional).Sub(f.Commission)
		record.RealizedPnL = decimal.NullDecimal{Decimal: realized, Valid: true}

		if pos.Quantity.IsZero() {
			log.Info().
				Str("symbol", f.Symbol).
				Str("realized_pnl", pos.RealizedPnL.String()).
				Msg("Position closed")
		}
	}

	record.CashAfter = p.cash
	p.tradeLog = append(p.tradeLog, record)

	log.Debug().
		Str("action", string(f.Action)).
		Str("symbol", f.Symbol).
		Str("quantity", f.Quantity.String()).
		Str("price", f.Price.String()).
		Str("cash", p.cash.String()).
		Msg("Portfolio applied fill")

	p.RecordSnapshot()
	return nil
}

func validateFill(f types.Fill) error {
	if f.Symbol == "" {
		return fmt.Errorf("%w: missing symbol", ErrInvalidFill)
	}
	if f.Action != types.ActionBuy && f.Action != types.ActionSell {
		return fmt.Errorf("%w %q", ErrUnknownAction, f.Action)
	}
	if !f.Quantity.IsPositive() {
		return fmt.Errorf("%w: quantity %s must be positive", ErrInvalidFill, f.Quantity)
	}
	if !f.Price.IsPositive() {
		return fmt.Errorf("%w: price %s must be positive", ErrInvalidFill, f.Price)
	}
	if f.Commission.IsNegative() {
		return fmt.Errorf("%w: negative commission %s", ErrInvalidFill, f.Commission)
	}
	return nil
}

// MarkToMarket revalues open positions. The price source wins, then the last
// known price, then the average cost.
func (p *Portfolio) MarkToMarket() {
	for symbol, pos := range p.positions {
		if pos.Quantity.IsZero() {
			pos.CurrentPrice = decimal.Zero
			pos.MarketValue = decimal.Zero
			pos.UnrealizedPnL = decimal.Zero
			continue
		}

		price := pos.CurrentPrice
		if p.prices != nil {
			if live, ok := p.prices.CurrentPrice(symbol); ok && live.IsPositive() {
				price = live
			}
		}
		if !price.IsPositive() {
			price = pos.AvgPrice
		}

		pos.CurrentPrice = price
		pos.MarketValue = pos.Quantity.Mul(price)
		pos.UnrealizedPnL = price.Sub(pos.AvgPrice).Mul(pos.Quantity)
	}
}

// TotalValue is cash plus the marked value of every position
func (p *Portfolio) TotalValue() decimal.Decimal {
	p.MarkToMarket()
	return p.cash.Add(p.positionsValue())
}

func (p *Portfolio) positionsValue() decimal.Decimal {
	total := decimal.Zero
	for _, pos := range p.positions {
		total = total.Add(pos.MarketValue)
	}
	return total
}

// RecordSnapshot appends the current valuation to the history
func (p *Portfolio) RecordSnapshot() {
	total := p.TotalValue()
	p.history = append(p.history, types.HistoryRecord{
		Timestamp:      p.now,
		TotalValue:     total,
		Cash:           p.cash,
		PositionsValue: total.Sub(p.cash),
	})
}

// Summary returns the headline figures of the ledger
func (p *Portfolio) Summary() types.Summary {
	total := p.TotalValue()
	realized, unrealized := decimal.Zero, decimal.Zero
	for _, pos := range p.positions {
		realized = realized.Add(pos.RealizedPnL)
		unrealized = unrealized.Add(pos.UnrealizedPnL)
	}
	return types.Summary{
		Timestamp:      p.now,
		InitialCash:    p.initialCash,
		Cash:           p.cash,
		PositionsValue: total.Sub(p.cash),
		TotalValue:     total,
		RealizedPnL:    realized,
		UnrealizedPnL:  unrealized,
		NetPnL:         total.Sub(p.initialCash),
		NumTrades:      len(p.tradeLog),
	}
}

// Position returns an open position; flat or unknown symbols report false
func (p *Portfolio) Position(symbol string) (types.Position, bool) {
	pos, ok := p.positions[symbol]
	if !ok || !pos.Quantity.IsPositive() {
		return types.Position{}, false
	}
	p.MarkToMarket()
	return *pos, true
}

// Positions returns the open positions sorted by symbol
func (p *Portfolio) Positions() []types.Position {
	p.MarkToMarket()
	var out []types.Position
	for _, symbol := range p.symbols() {
		if pos := p.positions[symbol]; pos.Quantity.IsPositive() {
			out = append(out, *pos)
		}
	}
	return out
}

// AllPositions includes flat positions, which keep their realized PnL
func (p *Portfolio) AllPositions() []types.Position {
	p.MarkToMarket()
	out := make([]types.Position, 0, len(p.positions))
	for _, symbol := range p.symbols() {
		out = append(out, *p.positions[symbol])
	}
	return out
}

func (p *Portfolio) symbols() []string {
	keys := make([]string, 0, len(p.positions))
	for k := range p.positions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (p *Portfolio) Cash() decimal.Decimal {
	return p.cash
}

func (p *Portfolio) InitialCash() decimal.Decimal {
	return p.initialCash
}

// HeldQuantity returns the held quantity of a symbol, zero when not held
func (p *Portfolio) HeldQuantity(symbol string) decimal.Decimal {
	if pos, ok := p.positions[symbol]; ok {
		return pos.Quantity
	}
	return decimal.Zero
}

// TradeLog returns a copy of the trade log
func (p *Portfolio) TradeLog() []types.TradeRecord {
	out := make([]types.TradeRecord, len(p.tradeLog))
	copy(out, p.tradeLog)
	return out
}

// History returns a copy of the value series
func (p *Portfolio) History() []types.HistoryRecord {
	out := make([]types.HistoryRecord, len(p.history))
	copy(out, p.history)
	return out
}
