package strategies

import (
	"context"
	"fmt"
	"strconv"

	"github.com/mukhametgalin/predict-trading-system/backtester/internal/types"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const defaultLookback = 100

// Analysis keys handed to a SignalGenerator
const (
	AnalysisPositionQuantity = "position_quantity"
	AnalysisAvgPrice         = "avg_price"
)

// GeneratorStrategy adapts a bar-window SignalGenerator to the event-driven
// Strategy interface. It buffers recent bars per symbol and forwards every
// non-HOLD signal to the bound sink.
type GeneratorStrategy struct {
	gen      types.SignalGenerator
	lookback int
	env      types.StrategyEnv
	bars     map[string][]types.MarketEvent
}

func NewGeneratorStrategy(gen types.SignalGenerator) *GeneratorStrategy {
	return &GeneratorStrategy{
		gen:      gen,
		lookback: defaultLookback,
		bars:     make(map[string][]types.MarketEvent),
	}
}

func (s *GeneratorStrategy) Name() string {
	return s.gen.Name()
}

func (s *GeneratorStrategy) LoadParameters(params map[string]interface{}) error {
	if err := s.gen.LoadParameters(params); err != nil {
		return err
	}

	lookback, err := paramInt(params, "lookback", 0)
	if err != nil {
		return err
	}
	if lookback <= 0 {
		if l, ok := s.gen.(interface{ Lookback() int }); ok {
			lookback = l.Lookback()
		} else {
			lookback = defaultLookback
		}
	}
	s.lookback = lookback
	return nil
}

// Bind attaches the strategy to a run and clears buffered bars
func (s *GeneratorStrategy) Bind(env types.StrategyEnv) {
	s.env = env
	s.bars = make(map[string][]types.MarketEvent)
}

func (s *GeneratorStrategy) OnData(ctx context.Context, event types.MarketEvent) error {
	window := append(s.bars[event.Symbol], event)
	if len(window) > s.lookback {
		window = window[len(window)-s.lookback:]
	}
	s.bars[event.Symbol] = window

	analysis := map[string]interface{}{
		AnalysisPositionQuantity: decimal.Zero,
	}
	if s.env.Portfolio != nil {
		if pos, ok := s.env.Portfolio.Position(event.Symbol); ok {
			analysis[AnalysisPositionQuantity] = pos.Quantity
			analysis[AnalysisAvgPrice] = pos.AvgPrice
		}
	}

	bars := make([]types.MarketEvent, len(window))
	copy(bars, window)

	sig, err := s.gen.GenerateSignals(event.Symbol, bars, analysis)
	if err != nil {
		return fmt.Errorf("%s failed on %s: %w", s.gen.Name(), event.Symbol, err)
	}
	if sig.Action == "" || sig.Action == types.ActionHold {
		return nil
	}

	if sig.Symbol == "" {
		sig.Symbol = event.Symbol
	}
	if sig.Timestamp.IsZero() {
		sig.Timestamp = event.Timestamp
	}
	if sig.Price.IsZero() {
		sig.Price = event.Close
	}

	if s.env.Signals == nil {
		return fmt.Errorf("%w: strategy %s is not bound to a signal sink", types.ErrState, s.gen.Name())
	}

	res := s.env.Signals.ProcessSignal(ctx, sig)
	log.Debug().
		Str("strategy", s.gen.Name()).
		Str("symbol", sig.Symbol).
		Str("action", string(sig.Action)).
		Str("status", string(res.Status)).
		Str("message", res.Message).
		Msg("Signal processed")

	return nil
}

func paramInt(params map[string]interface{}, key string, def int) (int, error) {
	raw, ok := params[key]
	if !ok || raw == nil {
		return def, nil
	}
	switch v := raw.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		if v != float64(int(v)) {
			return 0, fmt.Errorf("%w: %s must be a whole number, got %v", types.ErrConfiguration, key, v)
		}
		return int(v), nil
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%w: %s must be an integer, got %q", types.ErrConfiguration, key, v)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("%w: %s has unsupported type %T", types.ErrConfiguration, key, raw)
	}
}

func paramFloat(params map[string]interface{}, key string, def float64) (float64, error) {
	raw, ok := params[key]
	if !ok || raw == nil {
		return def, nil
	}
	switch v := raw.(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case string:
		d, err := decimal.NewFromString(v)
		if err != nil {
			return 0, fmt.Errorf("%w: %s must be a number, got %q", types.ErrConfiguration, key, v)
		}
		return d.InexactFloat64(), nil
	default:
		return 0, fmt.Errorf("%w: %s has unsupported type %T", types.ErrConfiguration, key, raw)
	}
}
