package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event represents an event published on the event bus
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"` // backtest_started, backtest_completed, backtest_failed
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// MarketEvent is a single OHLCV bar for one symbol
type MarketEvent struct {
	Timestamp time.Time       `json:"timestamp"`
	Symbol    string          `json:"symbol"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
}

type Action string

const (
	ActionBuy   Action = "BUY"
	ActionSell  Action = "SELL"
	ActionHold  Action = "HOLD"
	ActionShort Action = "SHORT"
	ActionCover Action = "COVER"
)

// Opens reports whether the action opens or adds to exposure
func (a Action) Opens() bool {
	return a == ActionBuy || a == ActionShort
}

// Closes reports whether the action reduces exposure
func (a Action) Closes() bool {
	return a == ActionSell || a == ActionCover
}

type OrderType string

const (
	OrderMarket    OrderType = "MARKET"
	OrderLimit     OrderType = "LIMIT"
	OrderStop      OrderType = "STOP"
	OrderStopLimit OrderType = "STOP_LIMIT"
)

// Conditional reports whether the order waits for a price condition
func (t OrderType) Conditional() bool {
	return t == OrderLimit || t == OrderStop || t == OrderStopLimit
}

type OrderStatus string

const (
	StatusPending   OrderStatus = "PENDING"
	StatusFilled    OrderStatus = "FILLED"
	StatusRejected  OrderStatus = "REJECTED"
	StatusCancelled OrderStatus = "CANCELLED"
)

// Terminal reports whether no further transition is possible
func (s OrderStatus) Terminal() bool {
	return s == StatusFilled || s == StatusRejected || s == StatusCancelled
}

// Signal is a trade intent emitted by a strategy
type Signal struct {
	Timestamp     time.Time           `json:"timestamp"`
	Action        Action              `json:"action"`
	Symbol        string              `json:"symbol"`
	Quantity      decimal.NullDecimal `json:"quantity"`
	CloseAll      bool                `json:"close_all,omitempty"`
	Price         decimal.Decimal     `json:"price"`
	StopLossPrice decimal.NullDecimal `json:"stop_loss_price"`
	LimitPrice    decimal.NullDecimal `json:"limit_price"`
	StopPrice     decimal.NullDecimal `json:"stop_price"`
	OrderType     OrderType           `json:"order_type,omitempty"`
	Reason        string              `json:"reason,omitempty"`
}

// OrderRequest is what the order handler submits to a broker
type OrderRequest struct {
	Timestamp      time.Time
	Symbol         string
	Action         Action
	Quantity       decimal.Decimal
	Type           OrderType
	ReferencePrice decimal.Decimal
	LimitPrice     decimal.NullDecimal
	StopPrice      decimal.NullDecimal
	Reason         string
}

// Order is the broker's view of a submitted order
type Order struct {
	ID             string              `json:"id"`
	Symbol         string              `json:"symbol"`
	Action         Action              `json:"action"`
	Quantity       decimal.Decimal     `json:"quantity"`
	Type           OrderType           `json:"order_type"`
	ReferencePrice decimal.Decimal     `json:"reference_price"`
	LimitPrice     decimal.NullDecimal `json:"limit_price"`
	StopPrice      decimal.NullDecimal `json:"stop_price"`
	Status         OrderStatus         `json:"status"`
	Message        string              `json:"message"`
	StopArmed      bool                `json:"stop_armed"`
	CreatedAt      time.Time           `json:"created_at"`
	UpdatedAt      time.Time           `json:"updated_at"`
	LastEvaluated  time.Time           `json:"-"`
	FilledQuantity decimal.Decimal     `json:"filled_quantity"`
	FilledPrice    decimal.Decimal     `json:"filled_price"`
	Commission     decimal.Decimal     `json:"commission"`
}

// Fill is a broker-confirmed execution
type Fill struct {
	OrderID    string          `json:"order_id"`
	Timestamp  time.Time       `json:"timestamp"`
	Symbol     string          `json:"symbol"`
	Action     Action          `json:"action"`
	Quantity   decimal.Decimal `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	Commission decimal.Decimal `json:"commission"`
}

// Position represents a holding in the ledger
type Position struct {
	Symbol        string          `json:"symbol"`
	Quantity      decimal.Decimal `json:"quantity"`
	AvgPrice      decimal.Decimal `json:"avg_price"`
	TotalCost     decimal.Decimal `json:"total_cost"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	MarketValue   decimal.Decimal `json:"market_value"`
	CurrentPrice  decimal.Decimal `json:"current_price"`
}

// TradeRecord is one row of the append-only trade log.
// RealizedPnL is only valid for SELL fills.
type TradeRecord struct {
	Fill
	RealizedPnL decimal.NullDecimal `json:"realized_pnl"`
	CashAfter   decimal.Decimal     `json:"cash_after"`
}

// HistoryRecord is one point of the portfolio value series
type HistoryRecord struct {
	Timestamp      time.Time       `json:"timestamp"`
	TotalValue     decimal.Decimal `json:"total_value"`
	Cash           decimal.Decimal `json:"cash"`
	PositionsValue decimal.Decimal `json:"positions_value"`
}

// Summary is the portfolio summary handed to risk checks and callers
type Summary struct {
	Timestamp      time.Time       `json:"timestamp"`
	InitialCash    decimal.Decimal `json:"initial_cash"`
	Cash           decimal.Decimal `json:"cash"`
	PositionsValue decimal.Decimal `json:"positions_value"`
	TotalValue     decimal.Decimal `json:"total_value"`
	RealizedPnL    decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL  decimal.Decimal `json:"unrealized_pnl"`
	NetPnL         decimal.Decimal `json:"net_pnl"`
	NumTrades      int             `json:"num_trades"`
}

// RiskBudget is a copy of the risk manager's tracked state
type RiskBudget struct {
	TrackedCapital decimal.Decimal            `json:"tracked_capital"`
	HighWaterMark  decimal.Decimal            `json:"high_water_mark"`
	PositionsRisk  map[string]decimal.Decimal `json:"positions_risk"`
	AggregateRisk  decimal.Decimal            `json:"aggregate_risk"`
}

// AccountSummary is the broker-facing account view
type AccountSummary struct {
	AccountID      string          `json:"account_id"`
	TotalEquity    decimal.Decimal `json:"total_equity"`
	Cash           decimal.Decimal `json:"cash"`
	BuyingPower    decimal.Decimal `json:"buying_power"`
	PositionsValue decimal.Decimal `json:"positions_value"`
	PendingOrders  int             `json:"pending_orders"`
}
