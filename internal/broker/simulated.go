package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mukhametgalin/predict-trading-system/backtester/internal/types"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Simulated matches orders against bars. MARKET orders execute immediately;
// LIMIT, STOP and STOP_LIMIT orders wait for a later bar that meets their condition.
type Simulated struct {
	accountID  string
	commission decimal.Decimal
	slippage   Slippage

	mu      sync.RWMutex
	ledger  Ledger
	prices  PriceSource
	orders  map[string]*types.Order
	placed  []string // all order IDs, placement order
	pending []string // pending order IDs, placement order
	trades  []types.Fill
	clock   time.Time
}

func NewSimulated(accountID string, commission decimal.Decimal, slippage Slippage) *Simulated {
	if slippage == nil {
		slippage = NoSlippage{}
	}

	log.Info().
		Str("account", accountID).
		Str("commission", commission.String()).
		Msg("Simulated broker initialized")

	return &Simulated{
		accountID:  accountID,
		commission: commission,
		slippage:   slippage,
		orders:     make(map[string]*types.Order),
	}
}

// SetLedger points the broker at the portfolio that receives its fills
func (b *Simulated) SetLedger(ledger Ledger) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ledger = ledger
}

func (b *Simulated) SetPriceSource(prices PriceSource) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prices = prices
}

// SetTime moves the broker clock forward; it never goes back
func (b *Simulated) SetTime(t time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t.After(b.clock) {
		b.clock = t
	}
}

func (b *Simulated) PlaceOrder(ctx context.Context, req types.OrderRequest) (types.ExecutionResult, error) {
	if err := ctx.Err(); err != nil {
		return failed("", err.Error()), err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.ledger == nil {
		return failed("", ErrNoLedger.Error()), ErrNoLedger
	}

	if req.Type == "" {
		req.Type = types.OrderMarket
	}
	if msg := checkRequest(req); msg != "" {
		log.Error().Str("symbol", req.Symbol).Str("type", string(req.Type)).Msg("Simulated broker: " + msg)
		return failed("", msg), nil
	}

	// orders without a timestamp belong to the broker's current bar
	at := req.Timestamp
	if at.IsZero() {
		at = b.clock
	} else {
		b.clock = at
	}

	order := &types.Order{
		ID:             uuid.New().String(),
		Symbol:         req.Symbol,
		Action:         req.Action,
		Quantity:       req.Quantity,
		Type:           req.Type,
		ReferencePrice: req.ReferencePrice,
		LimitPrice:     req.LimitPrice,
		StopPrice:      req.StopPrice,
		Status:         types.StatusPending,
		CreatedAt:      at,
		UpdatedAt:      at,
		LastEvaluated:  at,
	}
	b.orders[order.ID] = order
	b.placed = append(b.placed, order.ID)

	if order.Type.Conditional() {
		order.Message = fmt.Sprintf("%s order pending execution", order.Type)
		b.pending = append(b.pending, order.ID)

		log.Info().
			Str("order_id", order.ID).
			Str("symbol", order.Symbol).
			Str("type", string(order.Type)).
			Msg("Conditional order queued")

		return types.ExecutionResult{
			Status:  types.ResultPending,
			OrderID: order.ID,
			Message: order.Message,
		}, nil
	}

	ref := req.ReferencePrice
	if b.prices != nil {
		if live, ok := b.prices.CurrentPrice(req.Symbol); ok && live.IsPositive() {
			ref = live
		}
	}
	if !ref.IsPositive() {
		b.finish(order, types.StatusRejected, "no reference price", at)
		return rejected(order), nil
	}

	return b.execute(order, ref, at), nil
}

func checkRequest(req types.OrderRequest) string {
	switch {
	case req.Symbol == "":
		return "missing symbol"
	case req.Action != types.ActionBuy && req.Action != types.ActionSell:
		return fmt.Sprintf("unsupported action %q", req.Action)
	case !req.Quantity.IsPositive():
		return fmt.Sprintf("quantity %s must be positive", req.Quantity)
	}

	switch req.Type {
	case types.OrderMarket:
	case types.OrderLimit:
		if !req.LimitPrice.Valid || !req.LimitPrice.Decimal.IsPositive() {
			return "missing limit price for LIMIT order"
		}
	case types.OrderStop:
		if !req.StopPrice.Valid || !req.StopPrice.Decimal.IsPositive() {
			return "missing stop price for STOP order"
		}
	case types.OrderStopLimit:
		if !req.LimitPrice.Valid || !req.LimitPrice.Decimal.IsPositive() {
			return "missing limit price for STOP_LIMIT order"
		}
		if !req.StopPrice.Valid || !req.StopPrice.Decimal.IsPositive() {
			return "missing stop price for STOP_LIMIT order"
		}
	default:
		return fmt.Sprintf("unknown order type %q", req.Type)
	}
	return ""
}

// execute fills the order at ref adjusted for slippage, or rejects it when the
// ledger cannot cover it. Caller holds b.mu.
func (b *Simulated) execute(order *types.Order, ref decimal.Decimal, at time.Time) types.ExecutionResult {
	price := b.slippage.Apply(ref, order.Action)
	if !price.IsPositive() {
		b.finish(order, types.StatusRejected, fmt.Sprintf("execution price %s is not positive", price), at)
		return rejected(order)
	}

	switch order.Action {
	case types.ActionBuy:
		cost := order.Quantity.Mul(price).Add(b.commission)
		if cash := b.ledger.Cash(); cash.LessThan(cost) {
			b.finish(order, types.StatusRejected, "insufficient cash", at)
			log.Warn().
				Str("order_id", order.ID).
				Str("cost", cost.String()).
				Str("cash", cash.String()).
				Msg("Simulated broker rejected BUY")
			return rejected(order)
		}
	case types.ActionSell:
		if held := b.ledger.HeldQuantity(order.Symbol); held.LessThan(order.Quantity) {
			b.finish(order, types.StatusRejected, "insufficient position", at)
			log.Warn().
				Str("order_id", order.ID).
				Str("held", held.String()).
				Str("quantity", order.Quantity.String()).
				Msg("Simulated broker rejected SELL")
			return rejected(order)
		}
	}

	fill := types.Fill{
		OrderID:    order.ID,
		Timestamp:  at,
		Symbol:     order.Symbol,
		Action:     order.Action,
		Quantity:   order.Quantity,
		Price:      price,
		Commission: b.commission,
	}
	if err := b.ledger.UpdateFill(fill); err != nil {
		b.finish(order, types.StatusRejected, err.Error(), at)
		return rejected(order)
	}

	order.FilledQuantity = order.Quantity
	order.FilledPrice = price
	order.Commission = b.commission
	b.finish(order, types.StatusFilled, fmt.Sprintf("%s %s %s @ %s filled", order.Action, order.Quantity, order.Symbol, price), at)
	b.trades = append(b.trades, fill)

	log.Info().
		Str("order_id", order.ID).
		Str("action", string(order.Action)).
		Str("symbol", order.Symbol).
		Str("quantity", order.Quantity.String()).
		Str("price", price.String()).
		Msg("Order filled")

	return types.ExecutionResult{
		Status:         types.ResultFilled,
		OrderID:        order.ID,
		Message:        order.Message,
		FilledQuantity: order.Quantity,
		FilledPrice:    price,
	}
}

func (b *Simulated) finish(order *types.Order, status types.OrderStatus, msg string, at time.Time) {
	order.Status = status
	order.Message = msg
	if !at.IsZero() {
		order.UpdatedAt = at
	}
}

// EvaluatePending checks every pending order, in placement order, against the
// current bar of its symbol. A bar is only used once per order, and never the
// bar the order was placed on.
func (b *Simulated) EvaluatePending(ctx context.Context, bars BarSource) ([]types.ExecutionResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.pending) == 0 {
		return nil, nil
	}
	if b.ledger == nil {
		return nil, ErrNoLedger
	}

	var results []types.ExecutionResult
	remaining := make([]string, 0, len(b.pending))

	for _, id := range b.pending {
		order := b.orders[id]
		if order.Status != types.StatusPending {
			continue
		}

		bar, ok := bars.Bar(order.Symbol)
		if !ok || !bar.Timestamp.After(order.LastEvaluated) {
			remaining = append(remaining, id)
			continue
		}
		order.LastEvaluated = bar.Timestamp
		if bar.Timestamp.After(b.clock) {
			b.clock = bar.Timestamp
		}

		if !b.triggered(order, bar.Close) {
			remaining = append(remaining, id)
			continue
		}

		results = append(results, b.execute(order, bar.Close, bar.Timestamp))
	}

	b.pending = remaining
	return results, nil
}

// triggered applies the order's price condition to the bar close. A STOP_LIMIT
// order arms on its stop and stays armed until the limit holds.
func (b *Simulated) triggered(order *types.Order, price decimal.Decimal) bool {
	buy := order.Action == types.ActionBuy

	limitHolds := func() bool {
		limit := order.LimitPrice.Decimal
		if buy {
			return price.LessThanOrEqual(limit)
		}
		return price.GreaterThanOrEqual(limit)
	}
	stopHolds := func() bool {
		stop := order.StopPrice.Decimal
		if buy {
			return price.GreaterThanOrEqual(stop)
		}
		return price.LessThanOrEqual(stop)
	}

	switch order.Type {
	case types.OrderLimit:
		return limitHolds()
	case types.OrderStop:
		return stopHolds()
	case types.OrderStopLimit:
		if !order.StopArmed && stopHolds() {
			order.StopArmed = true
			log.Info().
				Str("order_id", order.ID).
				Str("price", price.String()).
				Msg("Stop-limit order armed")
		}
		return order.StopArmed && limitHolds()
	}
	return false
}

// CancelOrder moves a PENDING order to CANCELLED. Unknown and terminal orders
// return the same failed result on every call.
func (b *Simulated) CancelOrder(orderID string) types.ExecutionResult {
	b.mu.Lock()
	defer b.mu.Unlock()

	order, ok := b.orders[orderID]
	if !ok {
		return failed(orderID, "order ID not found")
	}
	if order.Status.Terminal() {
		log.Warn().
			Str("order_id", orderID).
			Str("status", string(order.Status)).
			Msg("Order cannot be cancelled")
		return failed(orderID, fmt.Sprintf("order cannot be cancelled (status: %s)", order.Status))
	}

	for i, id := range b.pending {
		if id == orderID {
			b.pending = append(b.pending[:i:i], b.pending[i+1:]...)
			break
		}
	}
	b.finish(order, types.StatusCancelled, "order cancelled", b.clock)

	log.Info().Str("order_id", orderID).Msg("Order cancelled")

	return types.ExecutionResult{
		Status:  types.ResultCancelled,
		OrderID: orderID,
		Message: "order cancelled",
	}
}

func (b *Simulated) OrderStatus(orderID string) (types.Order, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	order, ok := b.orders[orderID]
	if !ok {
		return types.Order{}, false
	}
	return *order, true
}

// Orders returns every order in placement order
func (b *Simulated) Orders() []types.Order {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]types.Order, 0, len(b.placed))
	for _, id := range b.placed {
		out = append(out, *b.orders[id])
	}
	return out
}

func (b *Simulated) Trades() []types.Fill {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]types.Fill, len(b.trades))
	copy(out, b.trades)
	return out
}

func (b *Simulated) AccountSummary() types.AccountSummary {
	b.mu.RLock()
	defer b.mu.RUnlock()

	summary := types.AccountSummary{
		AccountID:     b.accountID,
		PendingOrders: len(b.pending),
	}
	if b.ledger == nil {
		return summary
	}

	total := b.ledger.TotalValue()
	cash := b.ledger.Cash()
	summary.TotalEquity = total
	summary.Cash = cash
	summary.BuyingPower = cash
	summary.PositionsValue = total.Sub(cash)
	return summary
}

func failed(orderID, msg string) types.ExecutionResult {
	return types.ExecutionResult{
		Status:  types.ResultFailed,
		OrderID: orderID,
		Message: msg,
	}
}

func rejected(order *types.Order) types.ExecutionResult {
	return types.ExecutionResult{
		Status:  types.ResultRejected,
		OrderID: order.ID,
		Message: order.Message,
	}
}
