package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mukhametgalin/predict-trading-system/backtester/internal/broker"
	"github.com/mukhametgalin/predict-trading-system/backtester/internal/risk"
	"github.com/mukhametgalin/predict-trading-system/backtester/internal/types"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// RiskGate validates and sizes signals before they reach the broker, and
// settles the risk of orders once their outcome is known
type RiskGate interface {
	ValidateSignal(sig types.Signal, summary types.Summary, pos *types.Position) error
	AdjustOrderSize(sig types.Signal, summary types.Summary, pos *types.Position) risk.Adjustment
	ReleaseOrder(symbol string, adj risk.Adjustment)
	ExitFilled(symbol string, sold, heldBefore decimal.Decimal)
}

// clock is implemented by ledgers that know the current bar time
type clock interface {
	Now() time.Time
}

// openOrder is a pending order whose risk is not settled yet
type openOrder struct {
	symbol string
	action types.Action
	adj    risk.Adjustment
}

// OrderHandler turns signals into broker orders. Every outcome, including
// broker errors and panics, comes back as an ExecutionResult.
type OrderHandler struct {
	broker    broker.Broker
	risk      RiskGate
	portfolio types.PortfolioView

	mu   sync.Mutex
	open map[string]openOrder
}

func NewOrderHandler(b broker.Broker, gate RiskGate, portfolio types.PortfolioView) *OrderHandler {
	return &OrderHandler{
		broker:    b,
		risk:      gate,
		portfolio: portfolio,
		open:      make(map[string]openOrder),
	}
}

// SetPortfolio re-links the handler to the portfolio of a new run
func (h *OrderHandler) SetPortfolio(portfolio types.PortfolioView) {
	h.portfolio = portfolio
}

func (h *OrderHandler) ProcessSignal(ctx context.Context, sig types.Signal) (result types.ExecutionResult) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("symbol", sig.Symbol).
				Interface("panic", r).
				Msg("Order handler recovered from panic")
			result = types.ExecutionResult{
				Status:  types.ResultFailed,
				Message: fmt.Sprintf("exception during order processing: %v", r),
			}
		}
	}()

	log.Debug().
		Str("action", string(sig.Action)).
		Str("symbol", sig.Symbol).
		Str("price", sig.Price.String()).
		Msg("Order handler received signal")

	if sig.Action == types.ActionHold || sig.Action == "" || sig.Symbol == "" {
		return types.ExecutionResult{
			Status:  types.ResultIgnored,
			Message: "signal was HOLD or invalid",
		}
	}

	if sig.Timestamp.IsZero() {
		if c, ok := h.portfolio.(clock); ok {
			sig.Timestamp = c.Now()
		}
	}

	qty := sig.Quantity
	gated := h.risk != nil && h.portfolio != nil
	var adj risk.Adjustment
	held := decimal.Zero
	if gated {
		summary := h.portfolio.Summary()
		var pos *types.Position
		if p, ok := h.portfolio.Position(sig.Symbol); ok {
			pos = &p
			held = p.Quantity
		}

		if err := h.risk.ValidateSignal(sig, summary, pos); err != nil {
			log.Warn().
				Err(err).
				Str("symbol", sig.Symbol).
				Str("action", string(sig.Action)).
				Msg("Signal failed risk validation")
			return types.ExecutionResult{
				Status:  types.ResultRejectedRisk,
				Message: err.Error(),
			}
		}

		adj = h.risk.AdjustOrderSize(sig, summary, pos)
		if !adj.Quantity.IsPositive() {
			log.Warn().
				Str("symbol", sig.Symbol).
				Str("reason", adj.Reason).
				Msg("Order quantity adjusted to zero")
			return types.ExecutionResult{
				Status:  types.ResultRejectedRiskAdjusted0,
				Message: adj.Reason,
			}
		}
		qty.Decimal, qty.Valid = adj.Quantity, true
	}

	if gated {
		// whatever happens below, the reservation is settled before returning
		defer func() { h.settle(sig.Symbol, sig.Action, adj, held, result) }()
	}

	if !qty.Valid || !qty.Decimal.IsPositive() {
		return types.ExecutionResult{
			Status:  types.ResultFailed,
			Message: "order has no quantity",
		}
	}

	orderType := sig.OrderType
	if orderType == "" {
		orderType = types.OrderMarket
	}
	if orderType == types.OrderLimit && !sig.LimitPrice.Valid {
		log.Error().Str("symbol", sig.Symbol).Msg("LIMIT order missing limit price")
		return types.ExecutionResult{
			Status:  types.ResultFailed,
			Message: "LIMIT order missing limit price",
		}
	}

	req := types.OrderRequest{
		Timestamp:      sig.Timestamp,
		Symbol:         sig.Symbol,
		Action:         sig.Action,
		Quantity:       qty.Decimal,
		Type:           orderType,
		ReferencePrice: sig.Price,
		LimitPrice:     sig.LimitPrice,
		StopPrice:      sig.StopPrice,
		Reason:         sig.Reason,
	}

	res, err := h.broker.PlaceOrder(ctx, req)
	if err != nil {
		log.Error().
			Err(err).
			Str("symbol", sig.Symbol).
			Msg("Failed to place order")
		return types.ExecutionResult{
			Status:  types.ResultFailed,
			OrderID: res.OrderID,
			Message: fmt.Sprintf("exception during order placement: %v", err),
		}
	}

	log.Info().
		Str("symbol", sig.Symbol).
		Str("action", string(sig.Action)).
		Str("quantity", qty.Decimal.String()).
		Str("type", string(orderType)).
		Str("status", string(res.Status)).
		Msg("Order processed")

	return res
}

func (h *OrderHandler) CheckOrderStatus(orderID string) (types.Order, bool) {
	return h.broker.OrderStatus(orderID)
}

// CancelOrder cancels a pending order and gives back the risk it reserved
func (h *OrderHandler) CancelOrder(orderID string) types.ExecutionResult {
	res := h.broker.CancelOrder(orderID)
	if res.Status == types.ResultCancelled {
		h.Resolve([]types.ExecutionResult{res})
	}
	return res
}

// Resolve settles pending orders the broker has since filled, rejected or
// cancelled. The engine feeds it the results of each pending-order pass.
func (h *OrderHandler) Resolve(results []types.ExecutionResult) {
	for _, res := range results {
		h.mu.Lock()
		o, ok := h.open[res.OrderID]
		delete(h.open, res.OrderID)
		h.mu.Unlock()
		if !ok {
			continue
		}

		held := decimal.Zero
		if h.portfolio != nil {
			if p, ok := h.portfolio.Position(o.symbol); ok {
				held = p.Quantity
			}
		}
		// a filled exit has already left the ledger
		if res.Status == types.ResultFilled && o.action.Closes() {
			held = held.Add(res.FilledQuantity)
		}
		h.settle(o.symbol, o.action, o.adj, held, res)
	}
}

// settle applies an order outcome to the risk ledger. Entries keep their
// reservation once filled and give it back when the order dies; exits reduce
// the symbol's risk only when they fill. Pending orders wait for Resolve.
func (h *OrderHandler) settle(symbol string, action types.Action, adj risk.Adjustment, heldBefore decimal.Decimal, res types.ExecutionResult) {
	switch res.Status {
	case types.ResultPending:
		h.mu.Lock()
		h.open[res.OrderID] = openOrder{symbol: symbol, action: action, adj: adj}
		h.mu.Unlock()
	case types.ResultFilled:
		if action.Closes() {
			h.risk.ExitFilled(symbol, res.FilledQuantity, heldBefore)
		}
	default:
		if action.Opens() {
			h.risk.ReleaseOrder(symbol, adj)
		}
	}
}

func (h *OrderHandler) AccountSummary() types.AccountSummary {
	return h.broker.AccountSummary()
}
