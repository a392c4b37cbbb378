package optimizer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/mukhametgalin/predict-trading-system/backtester/internal/engine"
	"github.com/mukhametgalin/predict-trading-system/backtester/internal/performance"
	"github.com/mukhametgalin/predict-trading-system/backtester/internal/types"
	"github.com/rs/zerolog/log"
)

var (
	ErrEmptyGrid     = fmt.Errorf("%w: parameter grid is empty", types.ErrConfiguration)
	ErrUnknownMetric = fmt.Errorf("%w: unknown optimization metric", types.ErrConfiguration)
	ErrNoResults     = fmt.Errorf("%w: every backtest in the grid failed", types.ErrExecution)
)

// Runner runs one backtest. *engine.Engine satisfies it.
type Runner interface {
	RunBacktest(ctx context.Context, symbols []string, params map[string]interface{}) engine.Result
}

// Factory builds a Runner for one worker. Runners are not shared between
// workers since an engine and its strategy hold per-run state.
type Factory func() (Runner, error)

type Options struct {
	Symbols  []string
	Metric   string
	Maximize bool
	Workers  int
}

// Trial is one grid point and the run it produced
type Trial struct {
	Params  map[string]interface{} `json:"params"`
	RunID   string                 `json:"run_id"`
	State   engine.State           `json:"state"`
	Score   performance.Ratio      `json:"score"`
	Metrics *performance.Metrics   `json:"metrics,omitempty"`
	Error   string                 `json:"error,omitempty"`
}

// Report holds the ranked trials of one optimization. Trials are best first;
// failed runs are kept apart in Failed in grid order.
type Report struct {
	Metric     string                 `json:"metric"`
	Maximize   bool                   `json:"maximize"`
	Started    time.Time              `json:"started_at"`
	Finished   time.Time              `json:"finished_at"`
	BestParams map[string]interface{} `json:"best_params"`
	Trials     []Trial                `json:"trials"`
	Failed     []Trial                `json:"failed,omitempty"`
}

// Optimizer grid-searches strategy parameters, running one backtest per
// combination and ranking the runs by a performance metric.
type Optimizer struct {
	factory Factory
	opts    Options
	grid    map[string][]interface{}

	results []Trial
	best    map[string]interface{}
}

func New(factory Factory, opts Options) (*Optimizer, error) {
	if factory == nil {
		return nil, fmt.Errorf("%w: optimizer needs an engine factory", types.ErrConfiguration)
	}
	if opts.Metric == "" {
		opts.Metric = "sharpe_ratio"
	}
	if _, ok := metrics[opts.Metric]; !ok {
		return nil, fmt.Errorf("%w %q (known: %v)", ErrUnknownMetric, opts.Metric, MetricNames())
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	return &Optimizer{factory: factory, opts: opts}, nil
}

// SetParamGrid replaces the grid. Every parameter needs at least one value.
func (o *Optimizer) SetParamGrid(grid map[string][]interface{}) error {
	if len(grid) == 0 {
		return ErrEmptyGrid
	}
	total := 1
	for name, values := range grid {
		if len(values) == 0 {
			return fmt.Errorf("%w: parameter %q has no values", types.ErrConfiguration, name)
		}
		total *= len(values)
	}
	o.grid = grid

	log.Info().
		Int("parameters", len(grid)).
		Int("combinations", total).
		Msg("Parameter grid set")
	return nil
}

// Combinations expands the grid into its cartesian product. Parameter names
// are taken in sorted order and the last name varies fastest.
func (o *Optimizer) Combinations() []map[string]interface{} {
	if len(o.grid) == 0 {
		return nil
	}
	names := make([]string, 0, len(o.grid))
	for name := range o.grid {
		names = append(names, name)
	}
	sort.Strings(names)

	out := []map[string]interface{}{{}}
	for _, name := range names {
		next := make([]map[string]interface{}, 0, len(out)*len(o.grid[name]))
		for _, base := range out {
			for _, v := range o.grid[name] {
				combo := make(map[string]interface{}, len(base)+1)
				for k, bv := range base {
					combo[k] = bv
				}
				combo[name] = v
				next = append(next, combo)
			}
		}
		out = next
	}
	return out
}

// Run backtests every combination and ranks the completed runs. Failed runs
// are logged and reported but never ranked.
func (o *Optimizer) Run(ctx context.Context) (Report, error) {
	combos := o.Combinations()
	if len(combos) == 0 {
		return Report{}, ErrEmptyGrid
	}

	workers := o.opts.Workers
	if workers > len(combos) {
		workers = len(combos)
	}
	runners := make([]Runner, workers)
	for i := range runners {
		r, err := o.factory()
		if err != nil {
			return Report{}, fmt.Errorf("failed to build engine: %w", err)
		}
		runners[i] = r
	}

	report := Report{Metric: o.opts.Metric, Maximize: o.opts.Maximize, Started: time.Now().UTC()}
	log.Info().
		Int("combinations", len(combos)).
		Int("workers", workers).
		Str("metric", o.opts.Metric).
		Bool("maximize", o.opts.Maximize).
		Msg("Starting optimization")

	trials := make([]Trial, len(combos))
	jobs := make(chan int)
	var wg sync.WaitGroup
	for _, r := range runners {
		wg.Add(1)
		go func(r Runner) {
			defer wg.Done()
			for i := range jobs {
				trials[i] = o.trial(ctx, r, combos[i])
			}
		}(r)
	}

dispatch:
	for i := range combos {
		select {
		case <-ctx.Done():
			break dispatch
		case jobs <- i:
		}
	}
	close(jobs)
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return Report{}, err
	}

	for _, t := range trials {
		if t.State == engine.StateCompleted {
			report.Trials = append(report.Trials, t)
		} else {
			report.Failed = append(report.Failed, t)
		}
	}
	report.Finished = time.Now().UTC()
	if len(report.Trials) == 0 {
		o.results, o.best = nil, nil
		log.Warn().Int("failed", len(report.Failed)).Msg("No valid optimization results")
		return report, ErrNoResults
	}

	sort.SliceStable(report.Trials, func(i, j int) bool {
		return o.better(float64(report.Trials[i].Score), float64(report.Trials[j].Score))
	})
	report.BestParams = report.Trials[0].Params
	o.results = report.Trials
	o.best = report.BestParams

	log.Info().
		Str("metric", o.opts.Metric).
		Float64("best_score", float64(report.Trials[0].Score)).
		Interface("best_params", report.BestParams).
		Int("failed", len(report.Failed)).
		Msg("Optimization complete")
	return report, nil
}

func (o *Optimizer) trial(ctx context.Context, r Runner, params map[string]interface{}) Trial {
	log.Debug().Interface("params", params).Msg("Testing parameters")

	res := r.RunBacktest(ctx, o.opts.Symbols, params)
	t := Trial{Params: params, RunID: res.RunID, State: res.State, Metrics: res.Metrics, Error: res.Error}
	if res.State != engine.StateCompleted {
		log.Warn().Interface("params", params).Str("error", res.Error).Msg("Backtest failed during optimization")
		return t
	}
	score, err := MetricValue(res.Metrics, o.opts.Metric)
	if err != nil {
		t.State, t.Error = engine.StateFailed, err.Error()
		return t
	}
	t.Score = performance.Ratio(score)
	return t
}

// better orders a before b. NaN scores sort last.
func (o *Optimizer) better(a, b float64) bool {
	switch {
	case math.IsNaN(a):
		return false
	case math.IsNaN(b):
		return true
	case o.opts.Maximize:
		return a > b
	default:
		return a < b
	}
}

// BestParams returns the top ranked parameters of the last Run, or nil
func (o *Optimizer) BestParams() map[string]interface{} {
	return o.best
}

// Results returns the ranked completed trials of the last Run
func (o *Optimizer) Results() []Trial {
	return o.results
}

// Save writes the report as indented JSON
func (r Report) Save(path string) error {
	raw, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("failed to save optimization report: %w", err)
	}
	return nil
}

var metrics = map[string]func(*performance.Metrics) float64{
	"total_return_pct":          func(m *performance.Metrics) float64 { return m.TotalReturnPct },
	"annualized_return_pct":     func(m *performance.Metrics) float64 { return m.AnnualizedReturnPct },
	"annualized_volatility_pct": func(m *performance.Metrics) float64 { return m.AnnualizedVolatilityPct },
	"sharpe_ratio":              func(m *performance.Metrics) float64 { return float64(m.SharpeRatio) },
	"sortino_ratio":             func(m *performance.Metrics) float64 { return float64(m.SortinoRatio) },
	"max_drawdown_pct":          func(m *performance.Metrics) float64 { return m.MaxDrawdownPct },
	"calmar_ratio":              func(m *performance.Metrics) float64 { return float64(m.CalmarRatio) },
	"win_rate":                  func(m *performance.Metrics) float64 { return m.TradeStatistics.WinRate },
	"profit_factor":             func(m *performance.Metrics) float64 { return float64(m.TradeStatistics.ProfitFactor) },
}

// MetricNames lists the metrics a grid can be ranked by
func MetricNames() []string {
	names := make([]string, 0, len(metrics))
	for name := range metrics {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// MetricValue reads the named metric from a report
func MetricValue(m *performance.Metrics, name string) (float64, error) {
	get, ok := metrics[name]
	if !ok {
		return 0, fmt.Errorf("%w %q", ErrUnknownMetric, name)
	}
	if m == nil {
		return 0, errors.New("run has no metrics")
	}
	return get(m), nil
}
