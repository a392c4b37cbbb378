package types

import (
	"context"
)

// SignalSink accepts signals from a strategy. The order handler implements it.
type SignalSink interface {
	ProcessSignal(ctx context.Context, signal Signal) ExecutionResult
}

// PortfolioView is the read-only portfolio surface given to strategies
type PortfolioView interface {
	Summary() Summary
	Position(symbol string) (Position, bool)
}

// StrategyEnv is what the engine binds a strategy to for one run
type StrategyEnv struct {
	Signals   SignalSink
	Portfolio PortfolioView
}

// Strategy consumes market events and emits signals through its bound sink
type Strategy interface {
	Name() string
	LoadParameters(params map[string]interface{}) error
	Bind(env StrategyEnv)
	OnData(ctx context.Context, event MarketEvent) error
}

// SignalGenerator turns recent bars for one symbol into a signal.
// analysis carries optional per-symbol context (for example a position state).
type SignalGenerator interface {
	Name() string
	LoadParameters(params map[string]interface{}) error
	GenerateSignals(symbol string, bars []MarketEvent, analysis map[string]interface{}) (Signal, error)
}
