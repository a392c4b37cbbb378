package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/mukhametgalin/predict-trading-system/backtester/internal/config"
	"github.com/mukhametgalin/predict-trading-system/backtester/internal/engine"
	"github.com/mukhametgalin/predict-trading-system/backtester/internal/eventbus"
	"github.com/mukhametgalin/predict-trading-system/backtester/internal/marketdata"
	"github.com/mukhametgalin/predict-trading-system/backtester/internal/optimizer"
	"github.com/mukhametgalin/predict-trading-system/backtester/internal/storage"
	"github.com/mukhametgalin/predict-trading-system/backtester/internal/strategies"
	"github.com/mukhametgalin/predict-trading-system/backtester/internal/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
)

var stdout io.Writer = os.Stdout

func jsonOutput(in interface{}) error {
	j, err := json.MarshalIndent(in, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(stdout, string(j))
	return err
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel == "" {
		if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
			zerolog.SetGlobalLevel(level)
		}
	}
	return cfg, nil
}

func openStore(cfg *config.Config) (*storage.Store, error) {
	if !cfg.Storage.Enabled {
		return nil, nil
	}
	return storage.New(cfg.Storage)
}

var runCommand = &cli.Command{
	Name:  "run",
	Usage: "run one backtest and print its result as JSON",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "strategy",
			Usage: "registered strategy name, overrides strategy.name",
		},
		&cli.StringFlag{
			Name:  "symbols",
			Usage: "comma separated symbols, overrides backtest.symbols",
		},
		&cli.StringFlag{
			Name:  "start",
			Usage: "first day of the window (YYYY-MM-DD)",
		},
		&cli.StringFlag{
			Name:  "end",
			Usage: "last day of the window (YYYY-MM-DD), inclusive",
		},
	},
	Action: runBacktest,
}

func runBacktest(c *cli.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if c.IsSet("strategy") {
		cfg.Strategy.Name = c.String("strategy")
	}
	if c.IsSet("start") {
		cfg.Backtest.StartDate = c.String("start")
	}
	if c.IsSet("end") {
		cfg.Backtest.EndDate = c.String("end")
	}
	var symbols []string
	if c.IsSet("symbols") {
		symbols = parseSymbols(c.String("symbols"))
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	if store != nil {
		defer store.Close()
	}
	bus := openBus(cfg)
	if bus != nil {
		defer bus.Close()
	}

	eng, err := buildEngine(cfg, store, bus)
	if err != nil {
		return err
	}

	res := eng.RunBacktest(c.Context, symbols, nil)
	if err := jsonOutput(res); err != nil {
		return err
	}
	if res.State != engine.StateCompleted {
		return cli.Exit("", 1)
	}
	return nil
}

func parseSymbols(list string) []string {
	var symbols []string
	for _, s := range strings.Split(list, ",") {
		if s = strings.TrimSpace(s); s != "" {
			symbols = append(symbols, strings.ToUpper(s))
		}
	}
	return symbols
}

// openBus connects to redis when enabled. A failed connection only costs
// event publishing.
func openBus(cfg *config.Config) *eventbus.RedisEventBus {
	if !cfg.Redis.Enabled {
		return nil
	}
	bus, err := eventbus.NewRedisEventBus(cfg.RedisAddr())
	if err != nil {
		log.Warn().Err(err).Msg("Running without event publishing")
		return nil
	}
	return bus
}

// buildEngine wires an engine with a fresh strategy instance. store and bus
// may be nil.
func buildEngine(cfg *config.Config, store *storage.Store, bus *eventbus.RedisEventBus) (*engine.Engine, error) {
	opts := engine.Options{Config: cfg}
	var bars marketdata.BarStore
	if store != nil {
		opts.Recorder = store
		bars = store
	}
	if bus != nil {
		opts.Publisher = bus
	}

	var err error
	if opts.Provider, err = marketdata.New(cfg.Data, bars); err != nil {
		return nil, err
	}

	registry := strategies.NewRegistry()
	strategies.RegisterAll(registry)
	if opts.Strategy, err = registry.Create(cfg.Strategy.Name, cfg.Strategy.Params); err != nil {
		return nil, fmt.Errorf("%w (registered: %s)", err, strings.Join(registry.Names(), ", "))
	}

	return engine.NewEngine(opts)
}

var optimizeCommand = &cli.Command{
	Name:  "optimize",
	Usage: "grid search strategy parameters and rank the runs by a metric",
	Flags: []cli.Flag{
		&cli.StringSliceFlag{
			Name:  "param",
			Usage: "grid values as name=v1:v2:v3, merged over optimizer.grid",
		},
		&cli.StringFlag{
			Name:  "metric",
			Usage: "metric to rank by, overrides optimizer.metric",
		},
		&cli.BoolFlag{
			Name:  "minimize",
			Usage: "rank the lowest metric value first",
		},
		&cli.IntFlag{
			Name:  "workers",
			Usage: "number of backtests run at once, overrides optimizer.workers",
		},
		&cli.StringFlag{
			Name:  "symbols",
			Usage: "comma separated symbols, overrides backtest.symbols",
		},
		&cli.StringFlag{
			Name:      "output",
			Usage:     "also write the report to this JSON file",
			TakesFile: true,
		},
	},
	Action: optimize,
}

func optimize(c *cli.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	grid := make(map[string][]interface{}, len(cfg.Optimizer.Grid))
	for name, values := range cfg.Optimizer.Grid {
		grid[name] = values
	}
	for _, p := range c.StringSlice("param") {
		name, values, err := parseGridParam(p)
		if err != nil {
			return err
		}
		grid[name] = values
	}

	opts := optimizer.Options{
		Metric:   cfg.Optimizer.Metric,
		Maximize: cfg.Optimizer.Maximize,
		Workers:  cfg.Optimizer.Workers,
	}
	if c.IsSet("metric") {
		opts.Metric = c.String("metric")
	}
	if c.IsSet("minimize") {
		opts.Maximize = !c.Bool("minimize")
	}
	if c.IsSet("workers") {
		opts.Workers = c.Int("workers")
	}
	if c.IsSet("symbols") {
		opts.Symbols = parseSymbols(c.String("symbols"))
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	if store != nil {
		defer store.Close()
	}
	bus := openBus(cfg)
	if bus != nil {
		defer bus.Close()
	}

	opt, err := optimizer.New(func() (optimizer.Runner, error) {
		return buildEngine(cfg, store, bus)
	}, opts)
	if err != nil {
		return err
	}
	if err := opt.SetParamGrid(grid); err != nil {
		return err
	}

	report, err := opt.Run(c.Context)
	if err != nil && len(report.Failed) == 0 {
		return err
	}
	if out := c.String("output"); out != "" {
		if err := report.Save(out); err != nil {
			return err
		}
	}
	if jerr := jsonOutput(report); jerr != nil {
		return jerr
	}
	return err
}

// parseGridParam splits name=v1:v2 into a name and typed values
func parseGridParam(p string) (string, []interface{}, error) {
	name, list, ok := strings.Cut(p, "=")
	name = strings.TrimSpace(name)
	if !ok || name == "" || strings.TrimSpace(list) == "" {
		return "", nil, fmt.Errorf("%w: bad grid parameter %q, want name=v1:v2", types.ErrConfiguration, p)
	}
	var values []interface{}
	for _, raw := range strings.Split(list, ":") {
		values = append(values, parseGridValue(strings.TrimSpace(raw)))
	}
	return name, values, nil
}

func parseGridValue(raw string) interface{} {
	if i, err := strconv.Atoi(raw); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(raw); err == nil {
		return b
	}
	return raw
}

var importCommand = &cli.Command{
	Name:      "import",
	Usage:     "load OHLCV bars from CSV files into the bars table",
	ArgsUsage: "<file.csv> [file.csv...]",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "symbol",
			Usage: "symbol of the bars, defaults to the file name up to the first underscore",
		},
		&cli.StringFlag{
			Name:  "timeframe",
			Usage: "bar timeframe, defaults to backtest.timeframe",
		},
	},
	Action: importBars,
}

func importBars(c *cli.Context) error {
	if c.NArg() == 0 {
		return cli.ShowSubcommandHelp(c)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cfg.Storage.Enabled = true
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	timeframe := cfg.Backtest.Timeframe
	if c.IsSet("timeframe") {
		timeframe = c.String("timeframe")
	}

	for _, file := range c.Args().Slice() {
		symbol := c.String("symbol")
		if symbol == "" {
			symbol = symbolFromFile(file)
		}

		bars, err := marketdata.ReadCSV(file, symbol)
		if err != nil {
			return err
		}
		n, err := store.SaveBars(c.Context, timeframe, bars)
		if err != nil {
			return err
		}

		log.Info().
			Str("file", file).
			Str("symbol", symbol).
			Str("timeframe", timeframe).
			Int("bars", n).
			Msg("Imported bars")
	}
	return nil
}

func symbolFromFile(file string) string {
	name := strings.TrimSuffix(filepath.Base(file), filepath.Ext(file))
	if i := strings.Index(name, "_"); i > 0 {
		name = name[:i]
	}
	return strings.ToUpper(name)
}

var runsCommand = &cli.Command{
	Name:  "runs",
	Usage: "list stored runs, or show one with its trades and metrics",
	Flags: []cli.Flag{
		&cli.IntFlag{
			Name:  "limit",
			Value: 20,
			Usage: "number of runs to list",
		},
		&cli.StringFlag{
			Name:  "id",
			Usage: "show a single run",
		},
	},
	Action: listRuns,
}

func listRuns(c *cli.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cfg.Storage.Enabled = true
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if id := c.String("id"); id != "" {
		run, err := store.GetRun(c.Context, id)
		if err != nil {
			return err
		}
		return jsonOutput(run)
	}

	runs, err := store.ListRuns(c.Context, c.Int("limit"))
	if err != nil {
		return err
	}
	return jsonOutput(runs)
}

var watchCommand = &cli.Command{
	Name:  "watch",
	Usage: "print backtest lifecycle events from the redis stream",
	Action: func(c *cli.Context) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		bus, err := eventbus.NewRedisEventBus(cfg.RedisAddr())
		if err != nil {
			return err
		}
		defer bus.Close()

		err = bus.Subscribe(c.Context, []string{cfg.Redis.Stream}, func(ev types.Event) error {
			return json.NewEncoder(stdout).Encode(ev)
		})
		if c.Context.Err() != nil {
			return nil
		}
		return err
	},
}
