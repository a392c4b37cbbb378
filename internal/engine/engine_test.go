package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mukhametgalin/predict-trading-system/backtester/internal/config"
	"github.com/mukhametgalin/predict-trading-system/backtester/internal/eventbus"
	"github.com/mukhametgalin/predict-trading-system/backtester/internal/marketdata"
	"github.com/mukhametgalin/predict-trading-system/backtester/internal/storage"
	"github.com/mukhametgalin/predict-trading-system/backtester/internal/strategies"
	"github.com/mukhametgalin/predict-trading-system/backtester/internal/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func day(n int) time.Time {
	return time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, n)
}

func bars(closes ...float64) []types.MarketEvent {
	out := make([]types.MarketEvent, len(closes))
	for i, c := range closes {
		px := decimal.NewFromFloat(c)
		half := decimal.NewFromFloat(0.5)
		out[i] = types.MarketEvent{
			Timestamp: day(i + 1),
			Open:      px,
			High:      px.Add(half),
			Low:       px.Sub(half),
			Close:     px,
			Volume:    decimal.NewFromInt(10000),
		}
	}
	return out
}

var zigzag = []float64{10, 10, 10, 10, 12, 13, 14, 12, 10, 9, 9, 11, 13, 12, 10}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Backtest.StartDate = "2023-01-01"
	cfg.Backtest.EndDate = "2023-12-31"
	cfg.Backtest.Symbols = []string{"AAPL"}
	return cfg
}

func crossover(t *testing.T) types.Strategy {
	t.Helper()
	r := strategies.NewRegistry()
	strategies.RegisterAll(r)
	s, err := r.Create("ma_crossover", map[string]interface{}{"fast_period": 2, "slow_period": 3, "atr_period": 2})
	require.NoError(t, err)
	return s
}

type recorder struct {
	runs []storage.Run
}

func (r *recorder) SaveRun(_ context.Context, run storage.Run) error {
	r.runs = append(r.runs, run)
	return nil
}

type publisher struct {
	streams []string
	events  []types.Event
}

func (p *publisher) Publish(_ context.Context, stream string, event types.Event) error {
	p.streams = append(p.streams, stream)
	p.events = append(p.events, event)
	return errors.New("redis is down")
}

// scripted hands every event to a callback
type scripted struct {
	env    types.StrategyEnv
	onData func(ctx context.Context, env types.StrategyEnv, ev types.MarketEvent) error
	seen   []types.MarketEvent
}

func (s *scripted) Name() string { return "scripted" }
func (s *scripted) LoadParameters(map[string]interface{}) error { return nil }
func (s *scripted) Bind(env types.StrategyEnv) { s.env = env }

func (s *scripted) OnData(ctx context.Context, ev types.MarketEvent) error {
	s.seen = append(s.seen, ev)
	if s.onData == nil {
		return nil
	}
	return s.onData(ctx, s.env, ev)
}

func newEngine(t *testing.T, cfg *config.Config, provider marketdata.Provider, strategy types.Strategy, opts ...func(*Options)) *Engine {
	t.Helper()
	o := Options{Config: cfg, Provider: provider, Strategy: strategy}
	for _, fn := range opts {
		fn(&o)
	}
	e, err := NewEngine(o)
	require.NoError(t, err)
	return e
}

func TestRunBacktestCompletes(t *testing.T) {
	t.Parallel()
	provider := marketdata.NewMemoryProvider()
	provider.Add("AAPL", bars(zigzag...)...)

	rec := &recorder{}
	pub := &publisher{}
	e := newEngine(t, testConfig(), provider, crossover(t), func(o *Options) {
		o.Recorder = rec
		o.Publisher = pub
	})

	res := e.RunBacktest(context.Background(), nil, nil)
	require.Equal(t, StateCompleted, res.State, res.Error)
	assert.Equal(t, StateCompleted, e.State())
	assert.NotEmpty(t, res.RunID)
	require.NotNil(t, res.Metrics)
	require.NotNil(t, res.Summary)
	assert.Empty(t, res.Error)

	p := e.Portfolio()
	trades := p.TradeLog()
	require.NotEmpty(t, trades, "the zigzag crosses both ways")
	assert.Equal(t, types.ActionBuy, trades[0].Action)
	assert.Equal(t, len(trades), res.Metrics.TradeStatistics.TotalTrades)
	assert.True(t, res.Metrics.InitialCapital.Equal(p.InitialCash()))

	// one initial point, one per event, one per fill
	assert.Len(t, p.History(), 1+len(zigzag)+len(trades))

	summary := p.Summary()
	marked := summary.Cash
	for _, pos := range p.Positions() {
		marked = marked.Add(pos.Quantity.Mul(pos.CurrentPrice))
	}
	assert.True(t, summary.TotalValue.Equal(marked))

	require.Len(t, rec.runs, 1)
	assert.Equal(t, res.RunID, rec.runs[0].ID)
	assert.Equal(t, "COMPLETED", rec.runs[0].State)
	assert.Equal(t, []string{"AAPL"}, rec.runs[0].Symbols)
	assert.Len(t, rec.runs[0].Trades, len(trades))

	require.Len(t, pub.events, 2, "publish failures are not fatal")
	assert.Equal(t, eventbus.EventBacktestStarted, pub.events[0].Type)
	assert.Equal(t, eventbus.EventBacktestCompleted, pub.events[1].Type)
	assert.Equal(t, res.RunID, pub.events[1].ID)
	assert.Equal(t, "backtest:events", pub.streams[0])
}

func TestRunBacktestIsDeterministic(t *testing.T) {
	t.Parallel()
	provider := marketdata.NewMemoryProvider()
	provider.Add("AAPL", bars(zigzag...)...)
	provider.Add("MSFT", bars(20, 20, 20, 20, 24, 26, 28, 24, 20, 18, 18, 22, 26, 24, 20)...)

	e := newEngine(t, testConfig(), provider, crossover(t))

	run := func() (Result, []types.TradeRecord, []types.HistoryRecord) {
		res := e.RunBacktest(context.Background(), []string{"AAPL", "MSFT"}, nil)
		require.Equal(t, StateCompleted, res.State, res.Error)
		trades := e.Portfolio().TradeLog()
		for i := range trades {
			trades[i].OrderID = ""
		}
		return res, trades, e.Portfolio().History()
	}

	first, firstTrades, firstHistory := run()
	second, secondTrades, secondHistory := run()

	assert.NotEqual(t, first.RunID, second.RunID)
	assert.Equal(t, first.Metrics, second.Metrics)
	assert.Equal(t, firstTrades, secondTrades)
	assert.Equal(t, firstHistory, secondHistory)
}

func TestRunBacktestSkipsFailingSymbol(t *testing.T) {
	t.Parallel()
	provider := marketdata.NewMemoryProvider()
	provider.Add("AAPL", bars(zigzag...)...)

	e := newEngine(t, testConfig(), provider, crossover(t))
	res := e.RunBacktest(context.Background(), []string{"GHOST", "AAPL"}, nil)
	assert.Equal(t, StateCompleted, res.State, res.Error)
}

func TestRunBacktestWithoutData(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	pub := &publisher{}
	e := newEngine(t, testConfig(), marketdata.NewMemoryProvider(), crossover(t), func(o *Options) {
		o.Recorder = rec
		o.Publisher = pub
	})

	res := e.RunBacktest(context.Background(), []string{"AAPL"}, nil)
	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, StateFailed, e.State())
	assert.Contains(t, res.Error, "no market data")
	assert.Nil(t, res.Metrics)
	assert.Nil(t, e.Portfolio())

	require.Len(t, rec.runs, 1)
	assert.Equal(t, "FAILED", rec.runs[0].State)
	assert.Equal(t, res.Error, rec.runs[0].Error)
	assert.Equal(t, eventbus.EventBacktestFailed, pub.events[len(pub.events)-1].Type)
}

func TestRunBacktestFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		onData func(context.Context, types.StrategyEnv, types.MarketEvent) error
		want   string
	}{
		{
			name: "strategy error",
			onData: func(context.Context, types.StrategyEnv, types.MarketEvent) error {
				return errors.New("model diverged")
			},
			want: "model diverged",
		},
		{
			name: "strategy panic",
			onData: func(context.Context, types.StrategyEnv, types.MarketEvent) error {
				panic("index out of range")
			},
			want: "panic during backtest: index out of range",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			provider := marketdata.NewMemoryProvider()
			provider.Add("AAPL", bars(10, 11, 12)...)

			e := newEngine(t, testConfig(), provider, &scripted{onData: tt.onData})
			res := e.RunBacktest(context.Background(), nil, nil)
			assert.Equal(t, StateFailed, res.State)
			assert.Contains(t, res.Error, tt.want)
			assert.NotNil(t, res.Summary)
		})
	}
}

func TestRunBacktestCancelled(t *testing.T) {
	t.Parallel()
	provider := marketdata.NewMemoryProvider()
	provider.Add("AAPL", bars(10, 11, 12)...)

	ctx, cancel := context.WithCancel(context.Background())
	strategy := &scripted{onData: func(context.Context, types.StrategyEnv, types.MarketEvent) error {
		cancel()
		return nil
	}}

	e := newEngine(t, testConfig(), provider, strategy)
	res := e.RunBacktest(ctx, nil, nil)
	assert.Equal(t, StateFailed, res.State)
	assert.Contains(t, res.Error, context.Canceled.Error())
	assert.Len(t, strategy.seen, 1)
}

func TestRunBacktestRejectsBadParameters(t *testing.T) {
	t.Parallel()
	provider := marketdata.NewMemoryProvider()
	provider.Add("AAPL", bars(zigzag...)...)

	e := newEngine(t, testConfig(), provider, crossover(t))
	res := e.RunBacktest(context.Background(), nil, map[string]interface{}{"fast_period": 50, "slow_period": 3})
	assert.Equal(t, StateFailed, res.State)
	assert.Contains(t, res.Error, "fast_period")

	cfg := testConfig()
	cfg.Backtest.Symbols = nil
	e = newEngine(t, cfg, provider, crossover(t))
	res = e.RunBacktest(context.Background(), nil, nil)
	assert.Equal(t, StateFailed, res.State)
	assert.Contains(t, res.Error, "no symbols")
}

// unfiltered ignores the requested window
type unfiltered struct {
	bars []types.MarketEvent
}

func (u unfiltered) HistoricalData(context.Context, string, time.Time, time.Time, string) ([]types.MarketEvent, error) {
	return u.bars, nil
}

func (u unfiltered) CurrentPrice(context.Context, string) (decimal.Decimal, error) {
	return u.bars[len(u.bars)-1].Close, nil
}

func TestRunBacktestStopsAtEndDate(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Backtest.EndDate = "2023-01-04"

	strategy := &scripted{}
	e := newEngine(t, cfg, unfiltered{bars: bars(10, 11, 12, 13, 14)}, strategy)

	res := e.RunBacktest(context.Background(), nil, nil)
	require.Equal(t, StateCompleted, res.State, res.Error)
	assert.Len(t, strategy.seen, 3)
	assert.Equal(t, day(3), res.Metrics.EndDate)
}

func TestRunBacktestMergesSymbolsInOrder(t *testing.T) {
	t.Parallel()
	provider := marketdata.NewMemoryProvider()
	provider.Add("AAPL", bars(10, 11)...)
	provider.Add("MSFT", bars(20, 21)...)

	strategy := &scripted{}
	e := newEngine(t, testConfig(), provider, strategy)
	res := e.RunBacktest(context.Background(), []string{"MSFT", "AAPL"}, nil)
	require.Equal(t, StateCompleted, res.State, res.Error)

	var order []string
	for _, ev := range strategy.seen {
		order = append(order, ev.Symbol)
	}
	assert.Equal(t, []string{"MSFT", "AAPL", "MSFT", "AAPL"}, order)
}

func TestRunBacktestTradesThroughPipeline(t *testing.T) {
	t.Parallel()
	provider := marketdata.NewMemoryProvider()
	provider.Add("AAPL", bars(50, 50, 55)...)

	cfg := testConfig()
	cfg.Risk.Dampeners.Enabled = false
	cfg.Risk.MaxOrderValuePct = decimal.RequireFromString("0.2")

	var results []types.ExecutionResult
	strategy := &scripted{onData: func(ctx context.Context, env types.StrategyEnv, ev types.MarketEvent) error {
		var sig types.Signal
		switch ev.Timestamp {
		case day(1):
			sig = types.Signal{Timestamp: ev.Timestamp, Action: types.ActionBuy, Symbol: "AAPL", Price: ev.Close, Quantity: decimal.NewNullDecimal(decimal.NewFromInt(100)),
				StopLossPrice: decimal.NewNullDecimal(decimal.NewFromInt(45))}
		case day(2):
			sig = types.Signal{Timestamp: ev.Timestamp, Action: types.ActionSell, Symbol: "AAPL", Price: ev.Close, CloseAll: true,
				OrderType: types.OrderLimit, LimitPrice: decimal.NewNullDecimal(decimal.NewFromInt(54))}
		default:
			return nil
		}
		results = append(results, env.Signals.ProcessSignal(ctx, sig))
		return nil
	}}

	e := newEngine(t, cfg, provider, strategy)
	res := e.RunBacktest(context.Background(), nil, nil)
	require.Equal(t, StateCompleted, res.State, res.Error)

	require.Len(t, results, 2)
	assert.Equal(t, types.ResultFilled, results[0].Status, results[0].Message)
	assert.Equal(t, types.ResultPending, results[1].Status, results[1].Message)

	order, ok := e.Broker().OrderStatus(results[1].OrderID)
	require.True(t, ok)
	assert.Equal(t, types.StatusFilled, order.Status, "limit sell fills on the day 3 close")

	summary := e.Portfolio().Summary()
	assert.True(t, summary.Cash.Equal(decimal.NewFromInt(100500)), summary.Cash.String())
	assert.True(t, summary.RealizedPnL.Equal(decimal.NewFromInt(500)))
	assert.Equal(t, 2, res.Metrics.TradeStatistics.TotalTrades)
	assert.Equal(t, 1, res.Metrics.TradeStatistics.WinningTrades)
}

func TestNewEngineValidates(t *testing.T) {
	t.Parallel()
	provider := marketdata.NewMemoryProvider()

	_, err := NewEngine(Options{Provider: provider, Strategy: &scripted{}})
	assert.True(t, errors.Is(err, types.ErrConfiguration))
	_, err = NewEngine(Options{Config: testConfig(), Strategy: &scripted{}})
	assert.True(t, errors.Is(err, types.ErrConfiguration))
	_, err = NewEngine(Options{Config: testConfig(), Provider: provider})
	assert.True(t, errors.Is(err, types.ErrConfiguration))

	e := newEngine(t, testConfig(), provider, &scripted{})
	assert.Equal(t, StateInitialized, e.State())
	assert.Nil(t, e.Broker())
}
