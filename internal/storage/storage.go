package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/mukhametgalin/predict-trading-system/backtester/internal/config"
	"github.com/mukhametgalin/predict-trading-system/backtester/internal/performance"
	"github.com/mukhametgalin/predict-trading-system/backtester/internal/types"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
)

var (
	ErrUnsupportedDriver = fmt.Errorf("%w: unsupported storage driver", types.ErrConfiguration)
	ErrRunNotFound       = fmt.Errorf("%w: backtest run not found", types.ErrState)
)

// Run is everything persisted for one backtest
type Run struct {
	ID             string
	Strategy       string
	Symbols        []string
	Start          time.Time
	End            time.Time
	InitialCapital decimal.Decimal
	State          string
	Error          string
	Params         map[string]interface{}
	CreatedAt      time.Time
	Metrics        *performance.Metrics
	Trades         []types.TradeRecord
	History        []types.HistoryRecord
}

// Store persists backtest artifacts and imported bars in PostgreSQL or SQLite
type Store struct {
	db     *sql.DB
	driver string
}

func New(cfg config.StorageConfig) (*Store, error) {
	return Open(cfg.Driver, cfg.DSN)
}

func Open(driver, dsn string) (*Store, error) {
	if driver != DriverPostgres && driver != DriverSQLite {
		return nil, fmt.Errorf("%w %q", ErrUnsupportedDriver, driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{db: db, driver: driver}
	if err := s.createTables(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	log.Info().Str("driver", driver).Msg("Connected to database")
	return s, nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS backtest_runs (
		id TEXT PRIMARY KEY,
		strategy TEXT NOT NULL,
		symbols TEXT NOT NULL,
		start_date BIGINT NOT NULL,
		end_date BIGINT NOT NULL,
		initial_capital TEXT NOT NULL,
		state TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		params TEXT NOT NULL DEFAULT '{}',
		created_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS trade_log (
		run_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		order_id TEXT NOT NULL,
		ts BIGINT NOT NULL,
		symbol TEXT NOT NULL,
		action TEXT NOT NULL,
		quantity TEXT NOT NULL,
		price TEXT NOT NULL,
		commission TEXT NOT NULL,
		realized_pnl TEXT,
		cash_after TEXT NOT NULL,
		PRIMARY KEY (run_id, seq)
	)`,
	`CREATE TABLE IF NOT EXISTS portfolio_history (
		run_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		ts BIGINT NOT NULL,
		total_value TEXT NOT NULL,
		cash TEXT NOT NULL,
		positions_value TEXT NOT NULL,
		PRIMARY KEY (run_id, seq)
	)`,
	`CREATE TABLE IF NOT EXISTS run_metrics (
		run_id TEXT PRIMARY KEY,
		metrics TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS bars (
		symbol TEXT NOT NULL,
		timeframe TEXT NOT NULL,
		ts BIGINT NOT NULL,
		open TEXT NOT NULL,
		high TEXT NOT NULL,
		low TEXT NOT NULL,
		close TEXT NOT NULL,
		volume TEXT NOT NULL,
		PRIMARY KEY (symbol, timeframe, ts)
	)`,
}

func (s *Store) createTables(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// rebind rewrites ? placeholders into $n for PostgreSQL
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func nanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

// SaveRun writes the run header, trade log, value history and metrics in one
// transaction. Saving the same run ID twice replaces the earlier rows.
func (s *Store) SaveRun(ctx context.Context, run Run) error {
	params, err := json.Marshal(run.Params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"run_metrics", "portfolio_history", "trade_log"} {
		if _, err := tx.ExecContext(ctx, s.rebind("DELETE FROM "+table+" WHERE run_id = ?"), run.ID); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}
	if _, err := tx.ExecContext(ctx, s.rebind("DELETE FROM backtest_runs WHERE id = ?"), run.ID); err != nil {
		return fmt.Errorf("failed to clear run: %w", err)
	}

	createdAt := run.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err = tx.ExecContext(ctx, s.rebind(`
		INSERT INTO backtest_runs (id, strategy, symbols, start_date, end_date, initial_capital, state, error, params, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		run.ID, run.Strategy, strings.Join(run.Symbols, ","), nanos(run.Start), nanos(run.End),
		run.InitialCapital.String(), run.State, run.Error, string(params), nanos(createdAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	tradeStmt, err := tx.PrepareContext(ctx, s.rebind(`
		INSERT INTO trade_log (run_id, seq, order_id, ts, symbol, action, quantity, price, commission, realized_pnl, cash_after)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`))
	if err != nil {
		return fmt.Errorf("failed to prepare trade insert: %w", err)
	}
	defer tradeStmt.Close()

	for i, t := range run.Trades {
		var pnl sql.NullString
		if t.RealizedPnL.Valid {
			pnl = sql.NullString{String: t.RealizedPnL.Decimal.String(), Valid: true}
		}
		if _, err := tradeStmt.ExecContext(ctx,
			run.ID, i, t.OrderID, nanos(t.Timestamp), t.Symbol, string(t.Action),
			t.Quantity.String(), t.Price.String(), t.Commission.String(), pnl, t.CashAfter.String(),
		); err != nil {
			return fmt.Errorf("failed to insert trade %d: %w", i, err)
		}
	}

	historyStmt, err := tx.PrepareContext(ctx, s.rebind(`
		INSERT INTO portfolio_history (run_id, seq, ts, total_value, cash, positions_value)
		VALUES (?, ?, ?, ?, ?, ?)`))
	if err != nil {
		return fmt.Errorf("failed to prepare history insert: %w", err)
	}
	defer historyStmt.Close()

	for i, h := range run.History {
		if _, err := historyStmt.ExecContext(ctx,
			run.ID, i, nanos(h.Timestamp), h.TotalValue.String(), h.Cash.String(), h.PositionsValue.String(),
		); err != nil {
			return fmt.Errorf("failed to insert history point %d: %w", i, err)
		}
	}

	if run.Metrics != nil {
		metrics, err := json.Marshal(run.Metrics)
		if err != nil {
			return fmt.Errorf("failed to marshal metrics: %w", err)
		}
		if _, err := tx.ExecContext(ctx, s.rebind("INSERT INTO run_metrics (run_id, metrics) VALUES (?, ?)"), run.ID, string(metrics)); err != nil {
			return fmt.Errorf("failed to insert metrics: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run: %w", err)
	}

	log.Debug().
		Str("run_id", run.ID).
		Int("trades", len(run.Trades)).
		Int("history", len(run.History)).
		Msg("Saved backtest run")

	return nil
}

// GetRun loads a run with its trade log, history and metrics
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT id, strategy, symbols, start_date, end_date, initial_capital, state, error, params, created_at
		FROM backtest_runs
		WHERE id = ?`), id)

	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
		}
		return nil, err
	}

	if run.Trades, err = s.trades(ctx, id); err != nil {
		return nil, err
	}
	if run.History, err = s.history(ctx, id); err != nil {
		return nil, err
	}

	var raw string
	err = s.db.QueryRowContext(ctx, s.rebind("SELECT metrics FROM run_metrics WHERE run_id = ?"), id).Scan(&raw)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, fmt.Errorf("failed to load metrics: %w", err)
	default:
		var m performance.Metrics
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			return nil, fmt.Errorf("failed to parse metrics: %w", err)
		}
		run.Metrics = &m
	}

	return run, nil
}

// ListRuns returns run headers, newest first
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, strategy, symbols, start_date, end_date, initial_capital, state, error, params, created_at
		FROM backtest_runs
		ORDER BY created_at DESC
		LIMIT ?`), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			log.Error().Err(err).Msg("Failed to scan run")
			continue
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row scanner) (*Run, error) {
	var (
		run                     Run
		symbols, capital, param string
		start, end, created     int64
	)
	if err := row.Scan(&run.ID, &run.Strategy, &symbols, &start, &end, &capital, &run.State, &run.Error, &param, &created); err != nil {
		return nil, err
	}

	var err error
	if run.InitialCapital, err = decimal.NewFromString(capital); err != nil {
		return nil, fmt.Errorf("bad initial capital %q: %w", capital, err)
	}
	if err := json.Unmarshal([]byte(param), &run.Params); err != nil {
		return nil, fmt.Errorf("failed to parse params: %w", err)
	}
	if symbols != "" {
		run.Symbols = strings.Split(symbols, ",")
	}
	run.Start, run.End, run.CreatedAt = fromNanos(start), fromNanos(end), fromNanos(created)
	return &run, nil
}

func (s *Store) trades(ctx context.Context, runID string) ([]types.TradeRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT order_id, ts, symbol, action, quantity, price, commission, realized_pnl, cash_after
		FROM trade_log
		WHERE run_id = ?
		ORDER BY seq`), runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load trades: %w", err)
	}
	defer rows.Close()

	var out []types.TradeRecord
	for rows.Next() {
		var (
			t                                    types.TradeRecord
			ts                                   int64
			action, qty, price, commission, cash string
			pnl                                  sql.NullString
		)
		if err := rows.Scan(&t.OrderID, &ts, &t.Symbol, &action, &qty, &price, &commission, &pnl, &cash); err != nil {
			return nil, err
		}
		t.Timestamp = fromNanos(ts)
		t.Action = types.Action(action)
		if err := parseDecimals([]string{qty, price, commission, cash}, &t.Quantity, &t.Price, &t.Commission, &t.CashAfter); err != nil {
			return nil, err
		}
		if pnl.Valid {
			d, err := decimal.NewFromString(pnl.String)
			if err != nil {
				return nil, err
			}
			t.RealizedPnL = decimal.NullDecimal{Decimal: d, Valid: true}
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) history(ctx context.Context, runID string) ([]types.HistoryRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT ts, total_value, cash, positions_value
		FROM portfolio_history
		WHERE run_id = ?
		ORDER BY seq`), runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	defer rows.Close()

	var out []types.HistoryRecord
	for rows.Next() {
		var (
			h                     types.HistoryRecord
			ts                    int64
			total, cash, position string
		)
		if err := rows.Scan(&ts, &total, &cash, &position); err != nil {
			return nil, err
		}
		h.Timestamp = fromNanos(ts)
		if err := parseDecimals([]string{total, cash, position}, &h.TotalValue, &h.Cash, &h.PositionsValue); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func parseDecimals(raw []string, dst ...*decimal.Decimal) error {
	for i, s := range raw {
		d, err := decimal.NewFromString(s)
		if err != nil {
			return fmt.Errorf("bad decimal %q: %w", s, err)
		}
		*dst[i] = d
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
