package marketdata

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mukhametgalin/predict-trading-system/backtester/internal/types"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

var timestampLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// CSVProvider reads one file per symbol from a directory. It looks for
// <symbol>_<timeframe>.csv first and falls back to <symbol>.csv.
type CSVProvider struct {
	dir string
}

func NewCSVProvider(dir string) *CSVProvider {
	return &CSVProvider{dir: dir}
}

func (p *CSVProvider) path(symbol, timeframe string) (string, error) {
	candidates := []string{filepath.Join(p.dir, symbol+".csv")}
	if timeframe != "" {
		candidates = append([]string{filepath.Join(p.dir, symbol+"_"+timeframe+".csv")}, candidates...)
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: no csv file for %s in %s", ErrNoData, symbol, p.dir)
}

func (p *CSVProvider) HistoricalData(_ context.Context, symbol string, start, end time.Time, timeframe string) ([]types.MarketEvent, error) {
	file, err := p.path(symbol, timeframe)
	if err != nil {
		return nil, err
	}

	bars, err := ReadCSV(file, symbol)
	if err != nil {
		return nil, err
	}

	bars = within(bars, start, end)
	if len(bars) == 0 {
		return nil, fmt.Errorf("%w for %s between %s and %s", ErrNoData, symbol, start.Format("2006-01-02"), end.Format("2006-01-02"))
	}
	sortBars(bars)

	log.Debug().Str("symbol", symbol).Str("file", file).Int("bars", len(bars)).Msg("Loaded csv bars")
	return bars, nil
}

func (p *CSVProvider) CurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	bars, err := p.HistoricalData(ctx, symbol, time.Time{}, time.Time{}, "")
	if err != nil {
		return decimal.Zero, err
	}
	return bars[len(bars)-1].Close, nil
}

// ReadCSV parses an OHLCV file with a header row. Column names are matched
// case-insensitively; the time column may be called timestamp, date or time.
func ReadCSV(file, symbol string) ([]types.MarketEvent, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := f.Close(); err != nil {
			log.Error().Err(err).Str("file", file).Msg("Failed to close csv file")
		}
	}()

	reader := csv.NewReader(f)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header of %s: %w", file, err)
	}
	cols, err := columns(header)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", file, err)
	}

	var out []types.MarketEvent
	for line := 2; ; line++ {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return out, fmt.Errorf("%s line %d: %w", file, line, err)
		}

		bar, err := parseRow(row, cols)
		if err != nil {
			return out, fmt.Errorf("%s line %d: %w", file, line, err)
		}
		bar.Symbol = symbol
		out = append(out, bar)
	}
	return out, nil
}

type columnIndex struct {
	timestamp, open, high, low, close, volume int
}

func columns(header []string) (columnIndex, error) {
	idx := columnIndex{-1, -1, -1, -1, -1, -1}
	for i, name := range header {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "timestamp", "date", "time", "datetime":
			idx.timestamp = i
		case "open":
			idx.open = i
		case "high":
			idx.high = i
		case "low":
			idx.low = i
		case "close":
			idx.close = i
		case "volume":
			idx.volume = i
		}
	}
	if idx.timestamp < 0 || idx.close < 0 {
		return idx, errors.New("header needs a timestamp and a close column")
	}
	return idx, nil
}

func parseRow(row []string, cols columnIndex) (types.MarketEvent, error) {
	var bar types.MarketEvent

	ts, err := parseTimestamp(row[cols.timestamp])
	if err != nil {
		return bar, err
	}
	bar.Timestamp = ts

	if bar.Close, err = decimal.NewFromString(row[cols.close]); err != nil {
		return bar, fmt.Errorf("bad close %q", row[cols.close])
	}

	// missing OHLC columns collapse onto the close
	fields := []struct {
		idx int
		dst *decimal.Decimal
	}{
		{cols.open, &bar.Open},
		{cols.high, &bar.High},
		{cols.low, &bar.Low},
	}
	for _, field := range fields {
		*field.dst = bar.Close
		if field.idx < 0 || row[field.idx] == "" {
			continue
		}
		if *field.dst, err = decimal.NewFromString(row[field.idx]); err != nil {
			return bar, fmt.Errorf("bad price %q", row[field.idx])
		}
	}

	if cols.volume >= 0 && row[cols.volume] != "" {
		if bar.Volume, err = decimal.NewFromString(row[cols.volume]); err != nil {
			return bar, fmt.Errorf("bad volume %q", row[cols.volume])
		}
	}
	return bar, nil
}

func parseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}
