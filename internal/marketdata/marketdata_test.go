package marketdata

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mukhametgalin/predict-trading-system/backtester/internal/config"
	"github.com/mukhametgalin/predict-trading-system/backtester/internal/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func day(n int) time.Time {
	return time.Date(2023, 1, n, 0, 0, 0, 0, time.UTC)
}

func bar(n int, close string) types.MarketEvent {
	c := decimal.RequireFromString(close)
	return types.MarketEvent{Timestamp: day(n), Open: c, High: c, Low: c, Close: c, Volume: decimal.NewFromInt(1000)}
}

func writeFile(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600))
}

func TestCSVProviderReadsAndFilters(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeFile(t, dir, "AAPL_1d.csv", "Date,Open,High,Low,Close,Volume\n"+
		"2023-01-04,12,13,11,12.5,3000\n"+
		"2023-01-02,10,11,9,10.5,1000\n"+
		"2023-01-03,11,12,10,11.5,2000\n"+
		"2023-01-05,13,14,12,13.5,4000\n")

	p := NewCSVProvider(dir)
	bars, err := p.HistoricalData(context.Background(), "AAPL", day(2), day(4), "1d")
	require.NoError(t, err)
	require.Len(t, bars, 3)

	assert.Equal(t, day(2), bars[0].Timestamp)
	assert.Equal(t, day(4), bars[2].Timestamp)
	assert.Equal(t, "AAPL", bars[1].Symbol)
	assert.True(t, bars[1].High.Equal(decimal.NewFromInt(12)))
	assert.True(t, bars[1].Volume.Equal(decimal.NewFromInt(2000)))
}

func TestCSVProviderFallbackFileAndLayouts(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeFile(t, dir, "MSFT.csv", "timestamp,close\n"+
		"2023-01-02T00:00:00Z,250\n"+
		"2023-01-03 00:00:00,251.5\n")

	p := NewCSVProvider(dir)
	bars, err := p.HistoricalData(context.Background(), "MSFT", time.Time{}, time.Time{}, "1h")
	require.NoError(t, err)
	require.Len(t, bars, 2)
	assert.True(t, bars[1].Open.Equal(bars[1].Close), "missing columns collapse onto close")
	assert.True(t, bars[1].Volume.IsZero())

	price, err := p.CurrentPrice(context.Background(), "MSFT")
	require.NoError(t, err)
	assert.True(t, price.Equal(decimal.RequireFromString("251.5")))
}

func TestCSVProviderErrors(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeFile(t, dir, "BAD.csv", "date,close\n2023-01-02,abc\n")
	writeFile(t, dir, "NOCLOSE.csv", "date,open\n2023-01-02,1\n")

	p := NewCSVProvider(dir)
	ctx := context.Background()

	_, err := p.HistoricalData(ctx, "MISSING", time.Time{}, time.Time{}, "1d")
	assert.True(t, errors.Is(err, ErrNoData))
	assert.True(t, errors.Is(err, types.ErrConfiguration))

	_, err = p.HistoricalData(ctx, "BAD", time.Time{}, time.Time{}, "1d")
	assert.ErrorContains(t, err, "bad close")

	_, err = p.HistoricalData(ctx, "NOCLOSE", time.Time{}, time.Time{}, "1d")
	assert.ErrorContains(t, err, "close column")
}

func TestMemoryProvider(t *testing.T) {
	t.Parallel()
	p := NewMemoryProvider()
	p.Add("AAPL", bar(3, "11"), bar(2, "10"))

	bars, err := p.HistoricalData(context.Background(), "AAPL", day(1), day(31), "1d")
	require.NoError(t, err)
	require.Len(t, bars, 2)
	assert.Equal(t, day(2), bars[0].Timestamp)
	assert.Equal(t, "AAPL", bars[0].Symbol)

	_, err = p.HistoricalData(context.Background(), "AAPL", day(10), day(31), "1d")
	assert.True(t, errors.Is(err, ErrNoData))
}

type fakeStore struct {
	bars []types.MarketEvent
	err  error
}

func (s fakeStore) LoadBars(context.Context, string, string, time.Time, time.Time) ([]types.MarketEvent, error) {
	return s.bars, s.err
}

func TestNewSelectsProvider(t *testing.T) {
	t.Parallel()

	p, err := New(config.DataConfig{Provider: "csv", CSVDir: "data"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &CSVProvider{}, p)

	_, err = New(config.DataConfig{Provider: "database"}, nil)
	assert.True(t, errors.Is(err, types.ErrConfiguration))

	_, err = New(config.DataConfig{Provider: "ftp"}, nil)
	assert.True(t, errors.Is(err, types.ErrConfiguration))

	store := fakeStore{bars: []types.MarketEvent{bar(3, "11"), bar(2, "10")}}
	p, err = New(config.DataConfig{Provider: "database"}, store)
	require.NoError(t, err)

	bars, err := p.HistoricalData(context.Background(), "AAPL", day(1), day(5), "1d")
	require.NoError(t, err)
	assert.Equal(t, day(2), bars[0].Timestamp)

	price, err := p.CurrentPrice(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.True(t, price.Equal(decimal.NewFromInt(11)))

	empty, err := New(config.DataConfig{Provider: "database"}, fakeStore{})
	require.NoError(t, err)
	_, err = empty.HistoricalData(context.Background(), "AAPL", day(1), day(5), "1d")
	assert.True(t, errors.Is(err, ErrNoData))
}

func TestSnapshot(t *testing.T) {
	t.Parallel()
	s := NewSnapshot(3)

	_, ok := s.CurrentPrice("AAPL")
	assert.False(t, ok)

	for i, c := range []string{"10", "11", "12", "13"} {
		b := bar(i+2, c)
		b.Symbol = "AAPL"
		s.Update(b)
	}
	msft := bar(2, "250")
	msft.Symbol = "MSFT"
	s.Update(msft)

	price, ok := s.CurrentPrice("AAPL")
	require.True(t, ok)
	assert.True(t, price.Equal(decimal.NewFromInt(13)))

	cur, ok := s.Bar("AAPL")
	require.True(t, ok)
	assert.Equal(t, day(5), cur.Timestamp)

	recent := s.RecentBars("AAPL", 10)
	require.Len(t, recent, 3)
	assert.True(t, recent[0].Close.Equal(decimal.NewFromInt(11)))

	recent = s.RecentBars("AAPL", 2)
	require.Len(t, recent, 2)
	assert.True(t, recent[0].Close.Equal(decimal.NewFromInt(12)))

	recent[0].Close = decimal.Zero
	assert.True(t, s.RecentBars("AAPL", 2)[0].Close.Equal(decimal.NewFromInt(12)))

	assert.Empty(t, s.RecentBars("GOOG", 5))
}
