package risk

import (
	"fmt"

	"github.com/mukhametgalin/predict-trading-system/backtester/internal/config"
	"github.com/mukhametgalin/predict-trading-system/backtester/internal/types"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

var ErrSignalRejected = fmt.Errorf("%w: signal rejected", types.ErrValidation)

// State is the portfolio snapshot pushed into the manager
type State struct {
	TotalValue decimal.Decimal
	Cash       decimal.Decimal
}

// StateOf extracts the risk-relevant part of a portfolio summary
func StateOf(s types.Summary) State {
	return State{TotalValue: s.TotalValue, Cash: s.Cash}
}

// History gives the dampeners recent bars for a symbol, oldest first
type History interface {
	RecentBars(symbol string, n int) []types.MarketEvent
}

// Adjustment is the authoritative sizing result for one signal. For entries,
// Risk is what the symbol now holds and Prior what it held before.
type Adjustment struct {
	Quantity decimal.Decimal
	Risk     decimal.Decimal
	Prior    decimal.Decimal
	Reason   string
}

// Manager tracks capital, its high-water mark and the risk allocated per symbol.
// It only learns about the portfolio through explicit state pushes.
type Manager struct {
	cfg     config.RiskConfig
	history History

	capital       decimal.Decimal
	highWaterMark decimal.Decimal
	positionsRisk map[string]decimal.Decimal
	aggregateRisk decimal.Decimal
}

func New(cfg config.RiskConfig, initialCapital decimal.Decimal) *Manager {
	log.Info().
		Str("initial_capital", initialCapital.String()).
		Str("max_risk_per_trade", cfg.MaxRiskPerTradePct.String()).
		Str("max_total_risk", cfg.MaxTotalRiskPct.String()).
		Str("max_drawdown", cfg.MaxDrawdownLimitPct.String()).
		Str("sizing", cfg.SizingMethod).
		Msg("Risk manager initialized")

	return &Manager{
		cfg:           cfg,
		capital:       initialCapital,
		highWaterMark: initialCapital,
		positionsRisk: make(map[string]decimal.Decimal),
	}
}

// SetHistory enables the volume, volatility and price-deviation dampeners
func (m *Manager) SetHistory(h History) {
	m.history = h
}

// UpdatePortfolioState refreshes tracked capital; the high-water mark only rises
func (m *Manager) UpdatePortfolioState(s State) {
	m.capital = s.TotalValue
	if m.capital.GreaterThan(m.highWaterMark) {
		m.highWaterMark = m.capital
	}
}

// Drawdown is (hwm - capital) / hwm, never negative
func (m *Manager) Drawdown() decimal.Decimal {
	if !m.highWaterMark.IsPositive() {
		return decimal.Zero
	}
	dd := m.highWaterMark.Sub(m.capital).Div(m.highWaterMark)
	if dd.IsNegative() {
		return decimal.Zero
	}
	return dd
}

// Halted reports whether the drawdown breaker blocks new exposure
func (m *Manager) Halted() bool {
	return m.Drawdown().GreaterThanOrEqual(m.cfg.MaxDrawdownLimitPct)
}

// Budget returns a copy of the tracked risk state
func (m *Manager) Budget() types.RiskBudget {
	risk := make(map[string]decimal.Decimal, len(m.positionsRisk))
	for k, v := range m.positionsRisk {
		risk[k] = v
	}
	return types.RiskBudget{
		TrackedCapital: m.capital,
		HighWaterMark:  m.highWaterMark,
		PositionsRisk:  risk,
		AggregateRisk:  m.aggregateRisk,
	}
}

func (m *Manager) setRisk(symbol string, amount decimal.Decimal) {
	if !amount.IsPositive() {
		return
	}
	m.aggregateRisk = m.aggregateRisk.Sub(m.positionsRisk[symbol]).Add(amount)
	m.positionsRisk[symbol] = amount

	log.Debug().
		Str("symbol", symbol).
		Str("risk", amount.String()).
		Str("aggregate", m.aggregateRisk.String()).
		Msg("Position risk set")
}

func (m *Manager) releaseRisk(symbol string) {
	removed, ok := m.positionsRisk[symbol]
	if !ok {
		return
	}
	delete(m.positionsRisk, symbol)
	m.aggregateRisk = m.aggregateRisk.Sub(removed)

	log.Debug().
		Str("symbol", symbol).
		Str("released", removed.String()).
		Str("aggregate", m.aggregateRisk.String()).
		Msg("Position risk released")
}

func (m *Manager) scaleRisk(symbol string, factor decimal.Decimal) {
	current, ok := m.positionsRisk[symbol]
	if !ok {
		return
	}
	scaled := current.Mul(factor)
	m.aggregateRisk = m.aggregateRisk.Sub(current).Add(scaled)
	m.positionsRisk[symbol] = scaled
}

func unitRisk(entry decimal.Decimal, stop decimal.NullDecimal) decimal.Decimal {
	return entry.Sub(stop.Decimal).Abs()
}

// favorable reports whether the stop sits on the losing side of the entry
func favorable(action types.Action, entry, stop decimal.Decimal) bool {
	switch action {
	case types.ActionBuy:
		return entry.GreaterThan(stop)
	case types.ActionShort:
		return entry.LessThan(stop)
	}
	return true
}

func validStop(stop decimal.NullDecimal) bool {
	return stop.Valid && stop.Decimal.IsPositive()
}

func heldQuantity(pos *types.Position) decimal.Decimal {
	if pos == nil {
		return decimal.Zero
	}
	return pos.Quantity
}

func rejectf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrSignalRejected, fmt.Sprintf(format, args...))
}

// ValidateSignal applies the risk rules to a signal before sizing.
// Closing actions stay permitted while the drawdown breaker is tripped.
func (m *Manager) ValidateSignal(sig types.Signal, summary types.Summary, pos *types.Position) error {
	if sig.Symbol == "" || sig.Action == "" {
		return rejectf("signal missing action or symbol")
	}
	if !sig.Price.IsPositive() {
		return rejectf("invalid entry price %s", sig.Price)
	}
	if !sig.Action.Opens() && !sig.Action.Closes() {
		return rejectf("unsupported action %q", sig.Action)
	}

	m.UpdatePortfolioState(StateOf(summary))

	if sig.Action.Opens() && m.Halted() {
		return rejectf("max drawdown limit %s reached (current %s)",
			m.cfg.MaxDrawdownLimitPct.StringFixed(4), m.Drawdown().StringFixed(4))
	}

	held := heldQuantity(pos)
	if sig.Action.Closes() && (sig.CloseAll || !sig.Quantity.Valid) {
		if !held.IsPositive() {
			return rejectf("cannot close %s: no existing position", sig.Symbol)
		}
		return nil
	}

	qty := sig.Quantity.Decimal
	if sig.Quantity.Valid && !qty.IsPositive() {
		return rejectf("quantity %s must be positive", qty)
	}

	if validStop(sig.StopLossPrice) && !favorable(sig.Action, sig.Price, sig.StopLossPrice.Decimal) {
		return rejectf("entry %s is not favorable against stop %s for %s", sig.Price, sig.StopLossPrice.Decimal, sig.Action)
	}

	proposed := decimal.Zero
	if sig.Action.Opens() && sig.Quantity.Valid {
		if !validStop(sig.StopLossPrice) {
			if m.cfg.SizingMethod == config.SizingPercentRisk {
				return rejectf("%s %s missing valid stop_loss_price", sig.Action, sig.Symbol)
			}
		} else {
			proposed = unitRisk(sig.Price, sig.StopLossPrice).Mul(qty)
		}
	}

	perTrade := m.capital.Mul(m.cfg.MaxRiskPerTradePct)
	if proposed.GreaterThan(perTrade) {
		return rejectf("proposed risk %s exceeds per-trade limit %s", proposed.StringFixed(2), perTrade.StringFixed(2))
	}

	current := m.positionsRisk[sig.Symbol]
	additional := current.Neg()
	if sig.Action.Opens() {
		additional = proposed.Sub(current)
	}
	totalLimit := m.capital.Mul(m.cfg.MaxTotalRiskPct)
	if additional.IsPositive() && m.aggregateRisk.Add(additional).GreaterThan(totalLimit) {
		return rejectf("trade adds %s risk to %s, above portfolio limit %s",
			additional.StringFixed(2), m.aggregateRisk.StringFixed(2), totalLimit.StringFixed(2))
	}

	total := summary.TotalValue
	if !total.IsPositive() {
		return rejectf("portfolio total value %s is not positive", total)
	}

	switch sig.Action {
	case types.ActionBuy:
		if !sig.Quantity.Valid {
			return nil
		}
		orderValue := qty.Mul(sig.Price)
		if limit := total.Mul(m.cfg.MaxOrderValuePct); orderValue.GreaterThan(limit) {
			return rejectf("order value %s exceeds limit %s", orderValue.StringFixed(2), limit.StringFixed(2))
		}
		if minCash := total.Mul(m.cfg.MinCashBalancePct); summary.Cash.Sub(orderValue).LessThan(minCash) {
			return rejectf("cash after trade below minimum balance %s", minCash.StringFixed(2))
		}
		assetValue := held.Mul(sig.Price).Add(orderValue)
		if limit := total.Mul(m.cfg.MaxPositionPctAsset); assetValue.GreaterThan(limit) {
			return rejectf("%s exposure %s would exceed position limit %s", sig.Symbol, assetValue.StringFixed(2), limit.StringFixed(2))
		}
	case types.ActionSell:
		if qty.GreaterThan(held) {
			return rejectf("sell quantity %s exceeds holdings %s", qty, held)
		}
	}

	return nil
}

// CalculateMaxPositionSize returns the largest whole quantity the rules allow
// for a new entry, with the reason when it is zero.
func (m *Manager) CalculateMaxPositionSize(symbol string, action types.Action, price decimal.Decimal, stop decimal.NullDecimal, state State) (decimal.Decimal, string) {
	if !price.IsPositive() {
		return decimal.Zero, "invalid entry price"
	}
	m.UpdatePortfolioState(state)

	if m.Halted() {
		log.Warn().Str("symbol", symbol).Msg("Max drawdown reached, position size is zero")
		return decimal.Zero, "max drawdown limit reached"
	}

	capital := m.capital
	budget := capital.Mul(m.cfg.MaxRiskPerTradePct)
	remaining := decimal.Max(decimal.Zero, capital.Mul(m.cfg.MaxTotalRiskPct).Sub(m.aggregateRisk))
	budget = decimal.Min(budget, remaining)
	if !budget.IsPositive() {
		return decimal.Zero, "no risk budget left"
	}

	var qty decimal.Decimal
	switch m.cfg.SizingMethod {
	case config.SizingPercentRisk:
		if !validStop(stop) {
			return decimal.Zero, "percent_risk sizing requires a valid stop_loss_price"
		}
		if !favorable(action, price, stop.Decimal) {
			return decimal.Zero, fmt.Sprintf("entry %s is not favorable against stop %s", price, stop.Decimal)
		}
		unit := unitRisk(price, stop)
		if unit.IsZero() {
			return decimal.Zero, "zero unit risk"
		}
		qty = budget.Div(unit)
	case config.SizingFixedAmount:
		qty = budget.Div(price)
	default:
		return decimal.Zero, fmt.Sprintf("sizing method %q does not compute a size", m.cfg.SizingMethod)
	}

	if action == types.ActionBuy {
		spendable := state.Cash.Sub(capital.Mul(m.cfg.MinCashBalancePct))
		if !spendable.IsPositive() {
			return decimal.Zero, "no cash above minimum balance"
		}
		qty = decimal.Min(qty, spendable.Div(price))
	}
	qty = decimal.Min(qty, capital.Mul(m.cfg.MaxPositionPctAsset).Div(price))
	qty = decimal.Min(qty, capital.Mul(m.cfg.MaxOrderValuePct).Div(price))

	if m.cfg.Dampeners.Enabled && m.history != nil {
		bars := m.history.RecentBars(symbol, m.cfg.Dampeners.Lookback)
		qty = dampen(m.cfg.Dampeners, qty, price, bars)
	}

	qty = qty.Floor()
	if !qty.IsPositive() {
		return decimal.Zero, "calculated quantity is zero"
	}
	return qty, ""
}

// AdjustOrderSize decides the final quantity for a signal. Entries reserve
// the symbol's risk right away; exits leave it alone until they fill (see
// ExitFilled). An entry that ends up not filling must be given back with
// ReleaseOrder.
func (m *Manager) AdjustOrderSize(sig types.Signal, summary types.Summary, pos *types.Position) Adjustment {
	state := StateOf(summary)
	m.UpdatePortfolioState(state)

	adj := m.adjust(sig, state, pos)
	if adj.Quantity.IsZero() && adj.Reason == "" {
		adj.Reason = "quantity is zero after adjustment"
	}

	log.Info().
		Str("symbol", sig.Symbol).
		Str("action", string(sig.Action)).
		Str("requested", sig.Quantity.Decimal.String()).
		Str("adjusted", adj.Quantity.String()).
		Str("reason", adj.Reason).
		Msg("Order size adjusted")

	return adj
}

func (m *Manager) adjust(sig types.Signal, state State, pos *types.Position) Adjustment {
	if sig.Symbol == "" || !sig.Price.IsPositive() {
		return Adjustment{Quantity: decimal.Zero, Reason: "invalid order fields"}
	}

	held := heldQuantity(pos)

	switch {
	case sig.Action.Opens():
		if m.Halted() {
			log.Warn().Str("symbol", sig.Symbol).Str("action", string(sig.Action)).Msg("Max drawdown reached, order voided")
			return Adjustment{Quantity: decimal.Zero, Reason: "max drawdown limit reached"}
		}

		var qty decimal.Decimal
		if m.cfg.SizingMethod == config.SizingFixedQuantity {
			if !sig.Quantity.Valid {
				return Adjustment{Quantity: decimal.Zero, Reason: "fixed_quantity sizing requires a quantity"}
			}
			if err := m.ValidateSignal(sig, types.Summary{TotalValue: state.TotalValue, Cash: state.Cash}, pos); err != nil {
				return Adjustment{Quantity: decimal.Zero, Reason: err.Error()}
			}
			qty = sig.Quantity.Decimal
		} else {
			limit, reason := m.CalculateMaxPositionSize(sig.Symbol, sig.Action, sig.Price, sig.StopLossPrice, state)
			if limit.IsZero() {
				return Adjustment{Quantity: decimal.Zero, Reason: reason}
			}
			qty = limit.Sub(held)
			if sig.Quantity.Valid {
				qty = decimal.Min(sig.Quantity.Decimal, qty)
			}
		}

		qty = decimal.Max(decimal.Zero, qty).Floor()
		if qty.IsZero() {
			return Adjustment{Quantity: decimal.Zero, Reason: "calculated quantity is zero"}
		}

		risk := decimal.Zero
		if validStop(sig.StopLossPrice) {
			risk = unitRisk(sig.Price, sig.StopLossPrice).Mul(qty)
		}
		prior := m.positionsRisk[sig.Symbol]
		m.setRisk(sig.Symbol, risk)
		return Adjustment{Quantity: qty, Risk: risk, Prior: prior}

	case sig.Action.Closes():
		qty := held
		if sig.Quantity.Valid && !sig.CloseAll {
			qty = decimal.Min(sig.Quantity.Decimal, held)
		}
		qty = decimal.Max(decimal.Zero, qty).Floor()

		switch {
		case held.IsPositive() && qty.GreaterThanOrEqual(held):
			return Adjustment{Quantity: qty, Reason: "closing position"}
		case qty.IsPositive():
			return Adjustment{Quantity: qty, Reason: "partial exit"}
		}
		return Adjustment{Quantity: decimal.Zero, Reason: "nothing held to close"}
	}

	return Adjustment{Quantity: decimal.Zero, Reason: fmt.Sprintf("unsupported action %q", sig.Action)}
}

// ReleaseOrder gives back the risk an entry reserved when its order was
// rejected, failed or cancelled. The symbol returns to its prior risk unless a
// later entry or exit has changed it since.
func (m *Manager) ReleaseOrder(symbol string, adj Adjustment) {
	if !adj.Risk.IsPositive() {
		return
	}
	current, ok := m.positionsRisk[symbol]
	if !ok || !current.Equal(adj.Risk) {
		log.Debug().
			Str("symbol", symbol).
			Str("reserved", adj.Risk.String()).
			Msg("Reservation superseded, nothing to release")
		return
	}

	if adj.Prior.IsPositive() {
		m.setRisk(symbol, adj.Prior)
		return
	}
	m.releaseRisk(symbol)
}

// ExitFilled shrinks the symbol's risk once a closing order has filled. A full
// exit releases it; a partial one scales it by the quantity left.
func (m *Manager) ExitFilled(symbol string, sold, heldBefore decimal.Decimal) {
	switch {
	case !sold.IsPositive():
	case !heldBefore.IsPositive() || sold.GreaterThanOrEqual(heldBefore):
		m.releaseRisk(symbol)
	default:
		m.scaleRisk(symbol, heldBefore.Sub(sold).Div(heldBefore))
	}
}
