package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mukhametgalin/predict-trading-system/backtester/internal/types"
	"github.com/rs/zerolog/log"
)

// SaveBars upserts bars for one symbol and timeframe
func (s *Store) SaveBars(ctx context.Context, timeframe string, bars []types.MarketEvent) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, s.rebind(`
		INSERT INTO bars (symbol, timeframe, ts, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (symbol, timeframe, ts) DO UPDATE SET
			open = excluded.open,
			high = excluded.high,
			low = excluded.low,
			close = excluded.close,
			volume = excluded.volume`))
	if err != nil {
		return 0, fmt.Errorf("failed to prepare bar insert: %w", err)
	}
	defer stmt.Close()

	for _, b := range bars {
		if b.Symbol == "" {
			return 0, fmt.Errorf("%w: bar at %s has no symbol", types.ErrValidation, b.Timestamp)
		}
		if _, err := stmt.ExecContext(ctx,
			b.Symbol, timeframe, nanos(b.Timestamp),
			b.Open.String(), b.High.String(), b.Low.String(), b.Close.String(), b.Volume.String(),
		); err != nil {
			return 0, fmt.Errorf("failed to insert bar: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit bars: %w", err)
	}

	log.Debug().Str("timeframe", timeframe).Int("bars", len(bars)).Msg("Saved bars")
	return len(bars), nil
}

// LoadBars reads bars in [start, end] ordered by time. An empty timeframe
// matches any timeframe; zero bounds are open.
func (s *Store) LoadBars(ctx context.Context, symbol, timeframe string, start, end time.Time) ([]types.MarketEvent, error) {
	where := []string{"symbol = ?"}
	args := []interface{}{symbol}

	if timeframe != "" {
		where = append(where, "timeframe = ?")
		args = append(args, timeframe)
	}
	if !start.IsZero() {
		where = append(where, "ts >= ?")
		args = append(args, nanos(start))
	}
	if !end.IsZero() {
		where = append(where, "ts <= ?")
		args = append(args, nanos(end))
	}

	query := "SELECT ts, open, high, low, close, volume FROM bars WHERE " +
		strings.Join(where, " AND ") + " ORDER BY ts"

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query bars: %w", err)
	}
	defer rows.Close()

	var out []types.MarketEvent
	for rows.Next() {
		var (
			b                             types.MarketEvent
			ts                            int64
			open, high, low, last, volume string
		)
		if err := rows.Scan(&ts, &open, &high, &low, &last, &volume); err != nil {
			return nil, err
		}
		b.Symbol = symbol
		b.Timestamp = fromNanos(ts)
		if err := parseDecimals([]string{open, high, low, last, volume}, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
