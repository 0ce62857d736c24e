package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/tradedesk/internal/model"
)

// Schema creates the tables PostgresStore needs. Monetary values are
// NUMERIC for exact decimal precision.
const Schema = `
CREATE TABLE IF NOT EXISTS trade_orders (
	id        TEXT PRIMARY KEY,
	side      TEXT NOT NULL CHECK (side IN ('buy', 'sell')),
	ticker    TEXT NOT NULL,
	quantity  BIGINT NOT NULL CHECK (quantity > 0),
	price     NUMERIC NOT NULL,
	total     NUMERIC NOT NULL,
	timestamp TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_trade_orders_ticker_ts ON trade_orders (ticker, timestamp DESC);

CREATE TABLE IF NOT EXISTS ledger_snapshots (
	id               TEXT PRIMARY KEY,
	initial_capital  NUMERIC NOT NULL,
	cash_balance     NUMERIC NOT NULL,
	realized_pnl     NUMERIC NOT NULL,
	positions        JSONB NOT NULL,
	closed_positions JSONB NOT NULL,
	taken_at         TIMESTAMPTZ NOT NULL
);
`

const snapshotID = "default"

// PostgresStore implements Store using PostgreSQL as the source of truth.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies Schema. It is idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertTrade(ctx context.Context, o *model.TradeOrder) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO trade_orders (id, side, ticker, quantity, price, total, timestamp)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7)`,
		o.ID, string(o.Type), o.Ticker, o.Quantity,
		o.Price.String(), o.Total.String(), o.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert trade %s: %w", o.ID, err)
	}
	return nil
}

func (s *PostgresStore) ListTrades(ctx context.Context, filter TradeFilter) ([]model.TradeOrder, error) {
	query := `SELECT id, side, ticker, quantity, price::TEXT, total::TEXT, timestamp
		 FROM trade_orders`
	var args []any
	if filter.Ticker != "" {
		args = append(args, filter.Ticker)
		query += fmt.Sprintf(" WHERE ticker = $%d", len(args))
	}
	query += " ORDER BY timestamp DESC, id DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTrades(rows)
}

func (s *PostgresStore) SaveSnapshot(ctx context.Context, snap *model.Snapshot) error {
	positions, err := json.Marshal(nonNil(snap.Positions))
	if err != nil {
		return fmt.Errorf("encode positions: %w", err)
	}
	closed, err := json.Marshal(nonNil(snap.ClosedPositions))
	if err != nil {
		return fmt.Errorf("encode closed positions: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO ledger_snapshots (id, initial_capital, cash_balance, realized_pnl, positions, closed_positions, taken_at)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4::NUMERIC, $5::JSONB, $6::JSONB, $7)
		 ON CONFLICT (id) DO UPDATE SET
		     initial_capital = EXCLUDED.initial_capital,
		     cash_balance = EXCLUDED.cash_balance,
		     realized_pnl = EXCLUDED.realized_pnl,
		     positions = EXCLUDED.positions,
		     closed_positions = EXCLUDED.closed_positions,
		     taken_at = EXCLUDED.taken_at`,
		snapshotID,
		snap.InitialCapital.String(), snap.CashBalance.String(), snap.RealizedPnL.String(),
		string(positions), string(closed), snap.TakenAt,
	)
	return err
}

func (s *PostgresStore) LoadSnapshot(ctx context.Context) (*model.Snapshot, error) {
	var snap model.Snapshot
	var initialS, cashS, realizedS string
	var positions, closed []byte

	err := s.pool.QueryRow(ctx,
		`SELECT initial_capital::TEXT, cash_balance::TEXT, realized_pnl::TEXT,
		        positions, closed_positions, taken_at
		 FROM ledger_snapshots WHERE id = $1`, snapshotID).
		Scan(&initialS, &cashS, &realizedS, &positions, &closed, &snap.TakenAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	snap.InitialCapital, _ = decimal.NewFromString(initialS)
	snap.CashBalance, _ = decimal.NewFromString(cashS)
	snap.RealizedPnL, _ = decimal.NewFromString(realizedS)
	if err := json.Unmarshal(positions, &snap.Positions); err != nil {
		return nil, fmt.Errorf("decode positions: %w", err)
	}
	if err := json.Unmarshal(closed, &snap.ClosedPositions); err != nil {
		return nil, fmt.Errorf("decode closed positions: %w", err)
	}
	return &snap, nil
}

// pgxRows is the subset of pgx.Rows scanTrades needs.
type pgxRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanTrades(rows pgxRows) ([]model.TradeOrder, error) {
	var orders []model.TradeOrder
	for rows.Next() {
		var o model.TradeOrder
		var side, priceS, totalS string

		if err := rows.Scan(&o.ID, &side, &o.Ticker, &o.Quantity,
			&priceS, &totalS, &o.Timestamp); err != nil {
			return nil, err
		}

		o.Type = model.Side(side)
		o.Price, _ = decimal.NewFromString(priceS)
		o.Total, _ = decimal.NewFromString(totalS)

		orders = append(orders, o)
	}
	return orders, rows.Err()
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
