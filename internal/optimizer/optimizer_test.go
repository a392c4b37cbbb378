package optimizer

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/mukhametgalin/predict-trading-system/backtester/internal/config"
	"github.com/mukhametgalin/predict-trading-system/backtester/internal/engine"
	"github.com/mukhametgalin/predict-trading-system/backtester/internal/marketdata"
	"github.com/mukhametgalin/predict-trading-system/backtester/internal/performance"
	"github.com/mukhametgalin/predict-trading-system/backtester/internal/storage"
	"github.com/mukhametgalin/predict-trading-system/backtester/internal/strategies"
	"github.com/mukhametgalin/predict-trading-system/backtester/internal/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var zigzag = []float64{10, 10, 10, 10, 12, 13, 14, 12, 10, 9, 9, 11, 13, 12, 10, 11, 13, 15, 14, 12}

func provider() *marketdata.MemoryProvider {
	p := marketdata.NewMemoryProvider()
	half := decimal.NewFromFloat(0.5)
	for i, c := range zigzag {
		px := decimal.NewFromFloat(c)
		p.Add("AAPL", types.MarketEvent{
			Timestamp: time.Date(2023, 1, 2+i, 0, 0, 0, 0, time.UTC),
			Open:      px,
			High:      px.Add(half),
			Low:       px.Sub(half),
			Close:     px,
			Volume:    decimal.NewFromInt(10000),
		})
	}
	return p
}

type recorder struct {
	mu   sync.Mutex
	runs []storage.Run
}

func (r *recorder) SaveRun(_ context.Context, run storage.Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, run)
	return nil
}

func engines(t *testing.T, rec *recorder) Factory {
	t.Helper()
	cfg := config.Default()
	cfg.Backtest.StartDate = "2023-01-01"
	cfg.Backtest.EndDate = "2023-12-31"
	cfg.Backtest.Symbols = []string{"AAPL"}
	data := provider()

	return func() (Runner, error) {
		r := strategies.NewRegistry()
		strategies.RegisterAll(r)
		s, err := r.Create("ma_crossover", map[string]interface{}{"fast_period": 2, "slow_period": 3, "atr_period": 2})
		if err != nil {
			return nil, err
		}
		return engine.NewEngine(engine.Options{Config: cfg, Provider: data, Strategy: s, Recorder: rec})
	}
}

// fixed returns canned results keyed by fast_period
type fixed struct {
	scores map[int]float64
}

func (f fixed) RunBacktest(_ context.Context, _ []string, params map[string]interface{}) engine.Result {
	fast := params["fast_period"].(int)
	score, ok := f.scores[fast]
	if !ok {
		return engine.Result{State: engine.StateFailed, Error: "boom"}
	}
	return engine.Result{State: engine.StateCompleted, Metrics: &performance.Metrics{SharpeRatio: performance.Ratio(score), MaxDrawdownPct: score}}
}

func TestCombinations(t *testing.T) {
	t.Parallel()
	o, err := New(func() (Runner, error) { return fixed{}, nil }, Options{})
	require.NoError(t, err)
	assert.Nil(t, o.Combinations())

	require.NoError(t, o.SetParamGrid(map[string][]interface{}{
		"slow_period": {10, 20},
		"fast_period": {2, 3, 4},
	}))
	combos := o.Combinations()
	require.Len(t, combos, 6)
	assert.Equal(t, map[string]interface{}{"fast_period": 2, "slow_period": 10}, combos[0])
	assert.Equal(t, map[string]interface{}{"fast_period": 2, "slow_period": 20}, combos[1])
	assert.Equal(t, map[string]interface{}{"fast_period": 4, "slow_period": 20}, combos[5])
}

func TestSetParamGridRejectsEmpty(t *testing.T) {
	t.Parallel()
	o, err := New(func() (Runner, error) { return fixed{}, nil }, Options{})
	require.NoError(t, err)

	assert.ErrorIs(t, o.SetParamGrid(nil), ErrEmptyGrid)
	err = o.SetParamGrid(map[string][]interface{}{"fast_period": {}})
	assert.ErrorIs(t, err, types.ErrConfiguration)

	_, err = o.Run(context.Background())
	assert.ErrorIs(t, err, ErrEmptyGrid)
}

func TestNewValidates(t *testing.T) {
	t.Parallel()
	_, err := New(nil, Options{})
	assert.ErrorIs(t, err, types.ErrConfiguration)

	_, err = New(func() (Runner, error) { return fixed{}, nil }, Options{Metric: "luck"})
	assert.ErrorIs(t, err, ErrUnknownMetric)
}

func TestRunRanksByMetric(t *testing.T) {
	t.Parallel()
	runner := fixed{scores: map[int]float64{1: 0.5, 2: 1.5, 3: math.NaN(), 5: -0.2}}
	grid := map[string][]interface{}{"fast_period": {1, 2, 3, 4, 5}}

	o, err := New(func() (Runner, error) { return runner, nil }, Options{Maximize: true})
	require.NoError(t, err)
	require.NoError(t, o.SetParamGrid(grid))

	report, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "sharpe_ratio", report.Metric)
	require.Len(t, report.Trials, 4)
	require.Len(t, report.Failed, 1)
	assert.Equal(t, 4, report.Failed[0].Params["fast_period"])

	var order []interface{}
	for _, tr := range report.Trials {
		order = append(order, tr.Params["fast_period"])
	}
	assert.Equal(t, []interface{}{2, 1, 5, 3}, order)
	assert.Equal(t, map[string]interface{}{"fast_period": 2}, o.BestParams())
	assert.Equal(t, report.Trials, o.Results())

	low, err := New(func() (Runner, error) { return runner, nil }, Options{Metric: "max_drawdown_pct"})
	require.NoError(t, err)
	require.NoError(t, low.SetParamGrid(grid))
	_, err = low.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"fast_period": 5}, low.BestParams())
}

func TestRunWithoutValidResults(t *testing.T) {
	t.Parallel()
	o, err := New(func() (Runner, error) { return fixed{}, nil }, Options{Maximize: true})
	require.NoError(t, err)
	require.NoError(t, o.SetParamGrid(map[string][]interface{}{"fast_period": {1, 2}}))

	report, err := o.Run(context.Background())
	assert.ErrorIs(t, err, ErrNoResults)
	assert.Len(t, report.Failed, 2)
	assert.Nil(t, o.BestParams())
}

func TestRunFactoryError(t *testing.T) {
	t.Parallel()
	o, err := New(func() (Runner, error) { return nil, errors.New("no engine") }, Options{})
	require.NoError(t, err)
	require.NoError(t, o.SetParamGrid(map[string][]interface{}{"fast_period": {1}}))

	_, err = o.Run(context.Background())
	assert.ErrorContains(t, err, "no engine")
}

func TestRunCancelled(t *testing.T) {
	t.Parallel()
	o, err := New(func() (Runner, error) { return fixed{scores: map[int]float64{1: 1}}, nil }, Options{})
	require.NoError(t, err)
	require.NoError(t, o.SetParamGrid(map[string][]interface{}{"fast_period": {1, 1, 1}}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = o.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunBacktestsEveryCombination(t *testing.T) {
	t.Parallel()
	for _, workers := range []int{1, 3} {
		rec := &recorder{}
		o, err := New(engines(t, rec), Options{Metric: "total_return_pct", Maximize: true, Workers: workers})
		require.NoError(t, err)
		require.NoError(t, o.SetParamGrid(map[string][]interface{}{
			"fast_period": {2, 3},
			"slow_period": {3, 5},
		}))

		report, err := o.Run(context.Background())
		require.NoError(t, err)

		// fast 3 / slow 3 is rejected by the strategy
		require.Len(t, report.Failed, 1, "workers=%d", workers)
		assert.Equal(t, map[string]interface{}{"fast_period": 3, "slow_period": 3}, report.Failed[0].Params)
		assert.Equal(t, engine.StateFailed, report.Failed[0].State)
		require.Len(t, report.Trials, 3)

		for i, tr := range report.Trials {
			require.NotNil(t, tr.Metrics)
			assert.Equal(t, tr.Metrics.TotalReturnPct, float64(tr.Score))
			if i > 0 {
				assert.GreaterOrEqual(t, float64(report.Trials[i-1].Score), float64(tr.Score))
			}
		}
		assert.Equal(t, report.Trials[0].Params, o.BestParams())

		// every run, failed or not, is persisted
		require.Len(t, rec.runs, 4)
		ids := map[string]bool{}
		for _, run := range rec.runs {
			ids[run.ID] = true
		}
		for _, tr := range append(report.Trials, report.Failed...) {
			assert.True(t, ids[tr.RunID], "run %s not recorded", tr.RunID)
		}
	}
}

func TestReportSave(t *testing.T) {
	t.Parallel()
	o, err := New(func() (Runner, error) { return fixed{scores: map[int]float64{1: math.Inf(1)}}, nil }, Options{Maximize: true})
	require.NoError(t, err)
	require.NoError(t, o.SetParamGrid(map[string][]interface{}{"fast_period": {1}}))
	report, err := o.Run(context.Background())
	require.NoError(t, err)

	path := t.TempDir() + "/report.json"
	require.NoError(t, report.Save(path))
	assert.FileExists(t, path)
}
