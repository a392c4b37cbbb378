package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/mukhametgalin/predict-trading-system/backtester/internal/broker"
	"github.com/mukhametgalin/predict-trading-system/backtester/internal/config"
	"github.com/mukhametgalin/predict-trading-system/backtester/internal/eventbus"
	"github.com/mukhametgalin/predict-trading-system/backtester/internal/executor"
	"github.com/mukhametgalin/predict-trading-system/backtester/internal/marketdata"
	"github.com/mukhametgalin/predict-trading-system/backtester/internal/performance"
	"github.com/mukhametgalin/predict-trading-system/backtester/internal/portfolio"
	"github.com/mukhametgalin/predict-trading-system/backtester/internal/risk"
	"github.com/mukhametgalin/predict-trading-system/backtester/internal/storage"
	"github.com/mukhametgalin/predict-trading-system/backtester/internal/types"
	"github.com/rs/zerolog/log"
)

type State string

const (
	StateInitialized  State = "INITIALIZED"
	StateDataPrepared State = "DATA_PREPARED"
	StateRunning      State = "RUNNING"
	StateCompleted    State = "COMPLETED"
	StateFailed       State = "FAILED"
)

var ErrNoMarketData = fmt.Errorf("%w: no market data for any symbol", types.ErrConfiguration)

// Recorder persists the artifacts of a finished run
type Recorder interface {
	SaveRun(ctx context.Context, run storage.Run) error
}

// Publisher announces run lifecycle events
type Publisher interface {
	Publish(ctx context.Context, stream string, event types.Event) error
}

type Options struct {
	Config    *config.Config
	Provider  marketdata.Provider
	Strategy  types.Strategy
	Recorder  Recorder
	Publisher Publisher
}

// Result is the outcome of one run: metrics on success, an error message otherwise
type Result struct {
	RunID   string               `json:"run_id"`
	State   State                `json:"state"`
	Metrics *performance.Metrics `json:"metrics,omitempty"`
	Summary *types.Summary       `json:"summary,omitempty"`
	Error   string               `json:"error,omitempty"`
}

// run holds the components built for a single backtest
type run struct {
	id        string
	symbols   []string
	params    map[string]interface{}
	start     time.Time
	end       time.Time
	portfolio *portfolio.Portfolio
	broker    broker.Broker
	risk      *risk.Manager
	handler   *executor.OrderHandler
	snapshot  *marketdata.Snapshot
}

// Engine replays market data through a strategy. Every RunBacktest builds a
// fresh portfolio, broker, risk manager and order handler; nothing is shared
// between runs.
type Engine struct {
	cfg       *config.Config
	provider  marketdata.Provider
	strategy  types.Strategy
	recorder  Recorder
	publisher Publisher

	state State
	last  *run
}

func NewEngine(opts Options) (*Engine, error) {
	switch {
	case opts.Config == nil:
		return nil, fmt.Errorf("%w: engine needs a config", types.ErrConfiguration)
	case opts.Provider == nil:
		return nil, fmt.Errorf("%w: engine needs a data provider", types.ErrConfiguration)
	case opts.Strategy == nil:
		return nil, fmt.Errorf("%w: engine needs a strategy", types.ErrConfiguration)
	}

	return &Engine{
		cfg:       opts.Config,
		provider:  opts.Provider,
		strategy:  opts.Strategy,
		recorder:  opts.Recorder,
		publisher: opts.Publisher,
		state:     StateInitialized,
	}, nil
}

func (e *Engine) State() State {
	return e.state
}

// Portfolio returns the ledger of the most recent run
func (e *Engine) Portfolio() *portfolio.Portfolio {
	if e.last == nil {
		return nil
	}
	return e.last.portfolio
}

// Broker returns the broker of the most recent run
func (e *Engine) Broker() broker.Broker {
	if e.last == nil {
		return nil
	}
	return e.last.broker
}

// RunBacktest replays symbols over the configured window. Empty symbols fall
// back to the configured list; nil params keep the strategy's current ones.
func (e *Engine) RunBacktest(ctx context.Context, symbols []string, params map[string]interface{}) Result {
	r := &run{id: uuid.NewString(), params: params}
	e.state = StateInitialized
	e.last = nil

	if len(symbols) == 0 {
		symbols = e.cfg.Backtest.Symbols
	}
	r.symbols = symbols

	logger := log.With().Str("run_id", r.id).Str("strategy", e.strategy.Name()).Logger()
	logger.Info().Strs("symbols", symbols).Msg("Starting backtest")

	e.publish(ctx, r, eventbus.EventBacktestStarted, map[string]interface{}{
		"symbols":  symbols,
		"strategy": e.strategy.Name(),
	})

	var err error
	if r.start, r.end, err = e.cfg.Backtest.Window(); err != nil {
		return e.fail(ctx, r, err)
	}
	if len(symbols) == 0 {
		return e.fail(ctx, r, fmt.Errorf("%w: no symbols to backtest", types.ErrConfiguration))
	}
	if params != nil {
		if err := e.strategy.LoadParameters(params); err != nil {
			return e.fail(ctx, r, fmt.Errorf("failed to load strategy parameters: %w", err))
		}
	}

	events, err := e.prepareData(ctx, r)
	if err != nil {
		return e.fail(ctx, r, err)
	}
	e.state = StateDataPrepared
	logger.Info().Int("events", len(events)).Msg("Market data prepared")

	if err := e.wire(r, events[0].Timestamp); err != nil {
		return e.fail(ctx, r, err)
	}
	e.last = r

	e.state = StateRunning
	if err := e.loop(ctx, r, events); err != nil {
		return e.fail(ctx, r, err)
	}

	metrics, err := performance.Calculate(r.portfolio.History(), r.portfolio.TradeLog(), r.portfolio.InitialCash(), performance.Options{
		RiskFreeRate:       e.cfg.Performance.RiskFreeRate,
		TargetReturn:       e.cfg.Performance.TargetReturn,
		TradingDaysPerYear: e.cfg.Performance.TradingDaysPerYear,
	})
	if err != nil {
		return e.fail(ctx, r, err)
	}

	e.state = StateCompleted
	summary := r.portfolio.Summary()
	res := Result{RunID: r.id, State: StateCompleted, Metrics: &metrics, Summary: &summary}

	logger.Info().
		Str("final_value", summary.TotalValue.String()).
		Float64("total_return_pct", metrics.TotalReturnPct).
		Float64("max_drawdown_pct", metrics.MaxDrawdownPct).
		Int("trades", summary.NumTrades).
		Msg("Backtest completed")

	e.record(ctx, r, res)
	e.publish(ctx, r, eventbus.EventBacktestCompleted, map[string]interface{}{
		"final_value":      summary.TotalValue.String(),
		"total_return_pct": metrics.TotalReturnPct,
		"trades":           summary.NumTrades,
	})
	return res
}

// prepareData fetches every symbol and merges the bars into one time-ordered
// sequence. Ties keep symbol order, then provider order.
func (e *Engine) prepareData(ctx context.Context, r *run) ([]types.MarketEvent, error) {
	var events []types.MarketEvent
	for _, symbol := range r.symbols {
		bars, err := e.provider.HistoricalData(ctx, symbol, r.start, r.end, e.cfg.Backtest.Timeframe)
		if err != nil {
			log.Warn().Err(err).Str("run_id", r.id).Str("symbol", symbol).Msg("Skipping symbol, failed to fetch data")
			continue
		}
		for _, bar := range bars {
			bar.Symbol = symbol
			events = append(events, bar)
		}
	}

	if len(events) == 0 {
		return nil, ErrNoMarketData
	}

	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})
	return events, nil
}

// wire builds the per-run components and binds the strategy to them
func (e *Engine) wire(r *run, firstBar time.Time) error {
	opened := r.start
	if opened.IsZero() || firstBar.Before(opened) {
		opened = firstBar
	}

	depth := e.cfg.Risk.Dampeners.Lookback
	if depth < 1 {
		depth = 1
	}
	r.snapshot = marketdata.NewSnapshot(depth)

	capital := e.cfg.Backtest.InitialCapital
	r.portfolio = portfolio.New(capital, opened)
	r.portfolio.SetPriceSource(r.snapshot)

	b, err := broker.New(e.cfg.Broker)
	if err != nil {
		return err
	}
	b.SetLedger(r.portfolio)
	b.SetPriceSource(r.snapshot)
	r.broker = b

	r.risk = risk.New(e.cfg.Risk, capital)
	r.risk.SetHistory(r.snapshot)

	r.handler = executor.NewOrderHandler(b, r.risk, r.portfolio)
	e.strategy.Bind(types.StrategyEnv{Signals: r.handler, Portfolio: r.portfolio})
	return nil
}

// loop processes events one at a time; all effects of an event complete
// before the next one starts.
func (e *Engine) loop(ctx context.Context, r *run, events []types.MarketEvent) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic during backtest: %v", p)
		}
	}()

	for i, ev := range events {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("backtest aborted at event %d: %w", i, err)
		}
		if !r.end.IsZero() && ev.Timestamp.After(r.end) {
			log.Debug().Str("run_id", r.id).Time("timestamp", ev.Timestamp).Msg("Reached end date")
			break
		}

		r.snapshot.Update(ev)
		r.portfolio.SetTime(ev.Timestamp)
		r.broker.SetTime(ev.Timestamp)
		r.portfolio.MarkToMarket()
		r.risk.UpdatePortfolioState(risk.StateOf(r.portfolio.Summary()))

		if err := e.strategy.OnData(ctx, ev); err != nil {
			return fmt.Errorf("strategy %s failed at %s: %w", e.strategy.Name(), ev.Timestamp.Format(time.RFC3339), err)
		}

		results, err := r.broker.EvaluatePending(ctx, r.snapshot)
		if err != nil {
			return fmt.Errorf("failed to evaluate pending orders: %w", err)
		}
		r.handler.Resolve(results)
		for _, res := range results {
			log.Debug().
				Str("run_id", r.id).
				Str("order_id", res.OrderID).
				Str("status", string(res.Status)).
				Msg("Conditional order resolved")
		}

		r.portfolio.RecordSnapshot()
	}
	return nil
}

func (e *Engine) fail(ctx context.Context, r *run, err error) Result {
	e.state = StateFailed
	res := Result{RunID: r.id, State: StateFailed, Error: err.Error()}
	if r.portfolio != nil {
		summary := r.portfolio.Summary()
		res.Summary = &summary
	}

	ev := log.Error()
	if errors.Is(err, types.ErrConfiguration) {
		ev = log.Warn()
	}
	ev.Err(err).Str("run_id", r.id).Msg("Backtest failed")

	e.record(ctx, r, res)
	e.publish(ctx, r, eventbus.EventBacktestFailed, map[string]interface{}{"error": err.Error()})
	return res
}

func (e *Engine) record(ctx context.Context, r *run, res Result) {
	if e.recorder == nil {
		return
	}

	row := storage.Run{
		ID:             r.id,
		Strategy:       e.strategy.Name(),
		Symbols:        r.symbols,
		Start:          r.start,
		End:            r.end,
		InitialCapital: e.cfg.Backtest.InitialCapital,
		State:          string(res.State),
		Error:          res.Error,
		Params:         r.params,
		Metrics:        res.Metrics,
	}
	if r.portfolio != nil {
		row.Trades = r.portfolio.TradeLog()
		row.History = r.portfolio.History()
	}

	if err := e.recorder.SaveRun(context.WithoutCancel(ctx), row); err != nil {
		log.Error().Err(err).Str("run_id", r.id).Msg("Failed to persist backtest run")
	}
}

func (e *Engine) publish(ctx context.Context, r *run, eventType string, data map[string]interface{}) {
	if e.publisher == nil {
		return
	}

	event := types.Event{
		ID:        r.id,
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
	if err := e.publisher.Publish(context.WithoutCancel(ctx), e.cfg.Redis.Stream, event); err != nil {
		log.Error().Err(err).Str("run_id", r.id).Str("type", eventType).Msg("Failed to publish event")
	}
}
