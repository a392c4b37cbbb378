package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mukhametgalin/predict-trading-system/backtester/internal/types"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

const DateLayout = "2006-01-02"

type Config struct {
	Backtest    BacktestConfig    `yaml:"backtest"`
	Broker      BrokerConfig      `yaml:"broker"`
	Risk        RiskConfig        `yaml:"risk"`
	Performance PerformanceConfig `yaml:"performance"`
	Data        DataConfig        `yaml:"data"`
	Strategy    StrategyConfig    `yaml:"strategy"`
	Storage     StorageConfig     `yaml:"storage"`
	Redis       RedisConfig       `yaml:"redis"`
	Optimizer   OptimizerConfig   `yaml:"optimizer"`
	LogLevel    string            `yaml:"log_level"`
}

type BacktestConfig struct {
	StartDate      string          `yaml:"start_date"`
	EndDate        string          `yaml:"end_date"`
	Symbols        []string        `yaml:"symbols"`
	Timeframe      string          `yaml:"timeframe"`
	InitialCapital decimal.Decimal `yaml:"initial_capital"`
}

type BrokerConfig struct {
	Kind          string          `yaml:"kind"`
	Commission    decimal.Decimal `yaml:"commission_per_trade"`
	Slippage      string          `yaml:"slippage_model"`
	SlippageFixed decimal.Decimal `yaml:"slippage_fixed"`
	SlippagePct   decimal.Decimal `yaml:"slippage_pct"`
}

type RiskConfig struct {
	MaxRiskPerTradePct  decimal.Decimal `yaml:"max_risk_per_trade_pct"`
	MaxTotalRiskPct     decimal.Decimal `yaml:"max_total_risk_pct"`
	MaxDrawdownLimitPct decimal.Decimal `yaml:"max_drawdown_limit_pct"`
	MaxPositionPctAsset decimal.Decimal `yaml:"max_position_pct_asset"`
	MaxOrderValuePct    decimal.Decimal `yaml:"max_order_value_pct"`
	MinCashBalancePct   decimal.Decimal `yaml:"min_cash_balance_pct"`
	SizingMethod        string          `yaml:"position_sizing_method"`
	Dampeners           DampenerConfig  `yaml:"dampeners"`
}

// DampenerConfig scales sized quantities down from recent price history
type DampenerConfig struct {
	Enabled              bool            `yaml:"enabled"`
	Lookback             int             `yaml:"lookback"`
	VolumeLimitPct       decimal.Decimal `yaml:"volume_limit_pct"`
	VolatilityMid        decimal.Decimal `yaml:"volatility_mid"`
	VolatilityMidFactor  decimal.Decimal `yaml:"volatility_mid_factor"`
	VolatilityHigh       decimal.Decimal `yaml:"volatility_high"`
	VolatilityHighFactor decimal.Decimal `yaml:"volatility_high_factor"`
	DeviationThreshold   decimal.Decimal `yaml:"deviation_threshold"`
	MinDeviationFactor   decimal.Decimal `yaml:"min_deviation_factor"`
}

type PerformanceConfig struct {
	RiskFreeRate       float64 `yaml:"risk_free_rate"`
	TargetReturn       float64 `yaml:"target_return"`
	TradingDaysPerYear int     `yaml:"trading_days_per_year"`
}

type DataConfig struct {
	Provider string `yaml:"provider"`
	CSVDir   string `yaml:"csv_dir"`
}

type StrategyConfig struct {
	Name   string                 `yaml:"name"`
	Params map[string]interface{} `yaml:"params"`
}

type StorageConfig struct {
	Enabled bool   `yaml:"enabled"`
	Driver  string `yaml:"driver"`
	DSN     string `yaml:"dsn"`
}

type RedisConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	Stream  string `yaml:"stream"`
}

// OptimizerConfig describes a parameter grid search over the configured strategy
type OptimizerConfig struct {
	Metric   string                   `yaml:"metric"`
	Maximize bool                     `yaml:"maximize"`
	Workers  int                      `yaml:"workers"`
	Grid     map[string][]interface{} `yaml:"grid"`
}

const (
	SizingPercentRisk   = "percent_risk"
	SizingFixedAmount   = "fixed_amount_per_trade"
	SizingFixedQuantity = "fixed_quantity"

	SlippageNone       = "none"
	SlippageFixed      = "fixed"
	SlippagePercentage = "percentage"
)

// Default returns a configuration with every value set to its default
func Default() *Config {
	return &Config{
		Backtest: BacktestConfig{
			Timeframe:      "1d",
			InitialCapital: decimal.NewFromInt(100000),
		},
		Broker: BrokerConfig{
			Kind:          "simulated",
			Commission:    decimal.Zero,
			Slippage:      SlippageNone,
			SlippageFixed: decimal.RequireFromString("0.01"),
			SlippagePct:   decimal.RequireFromString("0.0005"),
		},
		Risk: RiskConfig{
			MaxRiskPerTradePct:  decimal.RequireFromString("0.02"),
			MaxTotalRiskPct:     decimal.RequireFromString("0.05"),
			MaxDrawdownLimitPct: decimal.RequireFromString("0.1"),
			MaxPositionPctAsset: decimal.RequireFromString("0.2"),
			MaxOrderValuePct:    decimal.RequireFromString("0.1"),
			MinCashBalancePct:   decimal.RequireFromString("0.05"),
			SizingMethod:        SizingPercentRisk,
			Dampeners: DampenerConfig{
				Enabled:              true,
				Lookback:             20,
				VolumeLimitPct:       decimal.RequireFromString("0.005"),
				VolatilityMid:        decimal.RequireFromString("0.02"),
				VolatilityMidFactor:  decimal.RequireFromString("0.85"),
				VolatilityHigh:       decimal.RequireFromString("0.03"),
				VolatilityHighFactor: decimal.RequireFromString("0.7"),
				DeviationThreshold:   decimal.RequireFromString("0.05"),
				MinDeviationFactor:   decimal.RequireFromString("0.5"),
			},
		},
		Performance: PerformanceConfig{
			TradingDaysPerYear: 252,
		},
		Data: DataConfig{
			Provider: "csv",
			CSVDir:   "data",
		},
		Strategy: StrategyConfig{
			Name:   "ma_crossover",
			Params: map[string]interface{}{},
		},
		Storage: StorageConfig{
			Driver: "sqlite3",
			DSN:    "backtest.db",
		},
		Redis: RedisConfig{
			Host:   "redis",
			Port:   6379,
			Stream: "backtest:events",
		},
		Optimizer: OptimizerConfig{
			Metric:   "sharpe_ratio",
			Maximize: true,
			Workers:  1,
		},
		LogLevel: "info",
	}
}

// Load reads defaults, then the YAML file at path (if any), then environment overrides
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%w: read %s: %v", types.ErrConfiguration, path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("%w: parse %s: %v", types.ErrConfiguration, path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Backtest.StartDate = getEnv("BACKTEST_START_DATE", c.Backtest.StartDate)
	c.Backtest.EndDate = getEnv("BACKTEST_END_DATE", c.Backtest.EndDate)
	c.Backtest.Timeframe = getEnv("BACKTEST_TIMEFRAME", c.Backtest.Timeframe)
	c.Backtest.InitialCapital = getEnvDecimal("BACKTEST_INITIAL_CAPITAL", c.Backtest.InitialCapital)
	if symbols := getEnv("BACKTEST_SYMBOLS", ""); symbols != "" {
		c.Backtest.Symbols = splitList(symbols)
	}

	c.Broker.Commission = getEnvDecimal("BROKER_COMMISSION", c.Broker.Commission)
	c.Broker.Slippage = getEnv("BROKER_SLIPPAGE_MODEL", c.Broker.Slippage)

	c.Risk.SizingMethod = getEnv("RISK_SIZING_METHOD", c.Risk.SizingMethod)
	c.Risk.MaxRiskPerTradePct = getEnvDecimal("RISK_MAX_RISK_PER_TRADE_PCT", c.Risk.MaxRiskPerTradePct)
	c.Risk.MaxDrawdownLimitPct = getEnvDecimal("RISK_MAX_DRAWDOWN_LIMIT_PCT", c.Risk.MaxDrawdownLimitPct)
	c.Risk.Dampeners.Enabled = getEnvBool("RISK_DAMPENERS_ENABLED", c.Risk.Dampeners.Enabled)

	c.Data.Provider = getEnv("DATA_PROVIDER", c.Data.Provider)
	c.Data.CSVDir = getEnv("DATA_CSV_DIR", c.Data.CSVDir)

	c.Strategy.Name = getEnv("STRATEGY_NAME", c.Strategy.Name)

	c.Storage.Enabled = getEnvBool("STORAGE_ENABLED", c.Storage.Enabled)
	c.Storage.Driver = getEnv("STORAGE_DRIVER", c.Storage.Driver)
	c.Storage.DSN = getEnv("STORAGE_DSN", c.Storage.DSN)
	if c.Storage.Driver == "postgres" && c.Storage.DSN == "" {
		c.Storage.DSN = buildPostgresURL()
	}

	c.Redis.Enabled = getEnvBool("REDIS_ENABLED", c.Redis.Enabled)
	c.Redis.Host = getEnv("REDIS_HOST", c.Redis.Host)
	c.Redis.Port = getEnvInt("REDIS_PORT", c.Redis.Port)
	c.Redis.Stream = getEnv("REDIS_STREAM", c.Redis.Stream)

	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
}

// Validate checks ranges and closed sets. Errors wrap types.ErrConfiguration.
func (c *Config) Validate() error {
	if !c.Backtest.InitialCapital.IsPositive() {
		return configErr("initial_capital must be positive, got %s", c.Backtest.InitialCapital)
	}

	start, end, err := c.Backtest.Window()
	if err != nil {
		return err
	}
	if !start.IsZero() && !end.IsZero() && end.Before(start) {
		return configErr("end_date %s is before start_date %s", c.Backtest.EndDate, c.Backtest.StartDate)
	}

	if c.Broker.Kind != "simulated" {
		return configErr("unknown broker kind %q", c.Broker.Kind)
	}
	switch c.Broker.Slippage {
	case SlippageNone, SlippageFixed, SlippagePercentage:
	default:
		return configErr("unknown slippage model %q", c.Broker.Slippage)
	}
	if c.Broker.Commission.IsNegative() || c.Broker.SlippageFixed.IsNegative() || c.Broker.SlippagePct.IsNegative() {
		return configErr("broker costs must not be negative")
	}

	switch c.Risk.SizingMethod {
	case SizingPercentRisk, SizingFixedAmount, SizingFixedQuantity:
	default:
		return configErr("unknown position sizing method %q", c.Risk.SizingMethod)
	}
	pcts := map[string]decimal.Decimal{
		"max_risk_per_trade_pct": c.Risk.MaxRiskPerTradePct,
		"max_total_risk_pct":     c.Risk.MaxTotalRiskPct,
		"max_drawdown_limit_pct": c.Risk.MaxDrawdownLimitPct,
		"max_position_pct_asset": c.Risk.MaxPositionPctAsset,
		"max_order_value_pct":    c.Risk.MaxOrderValuePct,
	}
	for name, v := range pcts {
		if !v.IsPositive() || v.GreaterThan(decimal.NewFromInt(1)) {
			return configErr("%s must be in (0, 1], got %s", name, v)
		}
	}
	if c.Risk.MinCashBalancePct.IsNegative() || c.Risk.MinCashBalancePct.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return configErr("min_cash_balance_pct must be in [0, 1), got %s", c.Risk.MinCashBalancePct)
	}
	if c.Risk.Dampeners.Enabled && c.Risk.Dampeners.Lookback < 2 {
		return configErr("dampener lookback must be at least 2, got %d", c.Risk.Dampeners.Lookback)
	}

	if c.Optimizer.Workers < 1 {
		return configErr("optimizer workers must be at least 1, got %d", c.Optimizer.Workers)
	}

	if c.Performance.TradingDaysPerYear <= 0 {
		return configErr("trading_days_per_year must be positive")
	}

	switch c.Data.Provider {
	case "csv", "database":
	default:
		return configErr("unknown data provider %q", c.Data.Provider)
	}

	if c.Storage.Enabled || c.Data.Provider == "database" {
		switch c.Storage.Driver {
		case "postgres", "sqlite3":
		default:
			return configErr("unknown storage driver %q", c.Storage.Driver)
		}
		if c.Storage.DSN == "" {
			return configErr("storage dsn is empty")
		}
	}

	return nil
}

// Window parses the backtest date range. Unset dates come back as zero times.
func (b BacktestConfig) Window() (time.Time, time.Time, error) {
	var start, end time.Time
	var err error
	if b.StartDate != "" {
		if start, err = time.Parse(DateLayout, b.StartDate); err != nil {
			return start, end, configErr("bad start_date %q", b.StartDate)
		}
	}
	if b.EndDate != "" {
		if end, err = time.Parse(DateLayout, b.EndDate); err != nil {
			return start, end, configErr("bad end_date %q", b.EndDate)
		}
		// end date is inclusive
		end = end.Add(24*time.Hour - time.Nanosecond)
	}
	return start, end, nil
}

// RedisAddr returns host:port for the redis client
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func configErr(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", types.ErrConfiguration, fmt.Sprintf(format, args...))
}

func buildPostgresURL() string {
	host := getEnv("POSTGRES_HOST", "postgres")
	db := getEnv("POSTGRES_DB", "backtests")
	user := getEnv("POSTGRES_USER", "trading")
	pass := getEnv("POSTGRES_PASSWORD", "changeme123")

	return fmt.Sprintf("postgres://%s:%s@%s:5432/%s?sslmode=disable", user, pass, host, db)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDecimal(key string, fallback decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return fallback
}
