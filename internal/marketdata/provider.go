package marketdata

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/mukhametgalin/predict-trading-system/backtester/internal/config"
	"github.com/mukhametgalin/predict-trading-system/backtester/internal/types"
	"github.com/shopspring/decimal"
)

var ErrNoData = fmt.Errorf("%w: no market data", types.ErrConfiguration)

// Provider supplies historical bars and latest prices
type Provider interface {
	HistoricalData(ctx context.Context, symbol string, start, end time.Time, timeframe string) ([]types.MarketEvent, error)
	CurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// BarStore is the persistence surface the database provider reads from
type BarStore interface {
	LoadBars(ctx context.Context, symbol, timeframe string, start, end time.Time) ([]types.MarketEvent, error)
}

// New selects the provider variant named in cfg
func New(cfg config.DataConfig, store BarStore) (Provider, error) {
	switch cfg.Provider {
	case "csv":
		return NewCSVProvider(cfg.CSVDir), nil
	case "database":
		if store == nil {
			return nil, fmt.Errorf("%w: database provider needs a bar store", types.ErrConfiguration)
		}
		return NewDatabaseProvider(store), nil
	default:
		return nil, fmt.Errorf("%w: unknown data provider %q", types.ErrConfiguration, cfg.Provider)
	}
}

// within filters bars to [start, end]; zero bounds are open
func within(bars []types.MarketEvent, start, end time.Time) []types.MarketEvent {
	out := bars[:0:0]
	for _, bar := range bars {
		if !start.IsZero() && bar.Timestamp.Before(start) {
			continue
		}
		if !end.IsZero() && bar.Timestamp.After(end) {
			continue
		}
		out = append(out, bar)
	}
	return out
}

func sortBars(bars []types.MarketEvent) {
	sort.SliceStable(bars, func(i, j int) bool {
		return bars[i].Timestamp.Before(bars[j].Timestamp)
	})
}

// DatabaseProvider reads bars previously imported into storage
type DatabaseProvider struct {
	store BarStore
}

func NewDatabaseProvider(store BarStore) *DatabaseProvider {
	return &DatabaseProvider{store: store}
}

func (p *DatabaseProvider) HistoricalData(ctx context.Context, symbol string, start, end time.Time, timeframe string) ([]types.MarketEvent, error) {
	bars, err := p.store.LoadBars(ctx, symbol, timeframe, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to load bars for %s: %w", symbol, err)
	}
	if len(bars) == 0 {
		return nil, fmt.Errorf("%w for %s", ErrNoData, symbol)
	}
	sortBars(bars)
	return bars, nil
}

func (p *DatabaseProvider) CurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	bars, err := p.store.LoadBars(ctx, symbol, "", time.Time{}, time.Time{})
	if err != nil {
		return decimal.Zero, err
	}
	if len(bars) == 0 {
		return decimal.Zero, fmt.Errorf("%w for %s", ErrNoData, symbol)
	}
	sortBars(bars)
	return bars[len(bars)-1].Close, nil
}

// MemoryProvider serves bars held in memory
type MemoryProvider struct {
	bars map[string][]types.MarketEvent
}

func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{bars: make(map[string][]types.MarketEvent)}
}

// Add appends bars for a symbol, tagging each with it
func (p *MemoryProvider) Add(symbol string, bars ...types.MarketEvent) {
	for _, bar := range bars {
		bar.Symbol = symbol
		p.bars[symbol] = append(p.bars[symbol], bar)
	}
}

func (p *MemoryProvider) HistoricalData(_ context.Context, symbol string, start, end time.Time, _ string) ([]types.MarketEvent, error) {
	bars := within(p.bars[symbol], start, end)
	if len(bars) == 0 {
		return nil, fmt.Errorf("%w for %s", ErrNoData, symbol)
	}
	sortBars(bars)
	return bars, nil
}

func (p *MemoryProvider) CurrentPrice(_ context.Context, symbol string) (decimal.Decimal, error) {
	bars := p.bars[symbol]
	if len(bars) == 0 {
		return decimal.Zero, fmt.Errorf("%w for %s", ErrNoData, symbol)
	}
	return bars[len(bars)-1].Close, nil
}
