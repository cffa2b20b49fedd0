package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// PGStore is the Postgres-backed PositionStore for deployments that outlive
// a single host. Same contract as FileStore; the orchestrator does not care
// which one it gets.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(dsn string) (*PGStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &PGStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewPGStoreWithDB wraps an existing handle. Used by tests with sqlmock.
func NewPGStoreWithDB(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS positions (
			id          TEXT PRIMARY KEY,
			pool_id     TEXT NOT NULL,
			symbol      TEXT NOT NULL,
			entry_price NUMERIC NOT NULL,
			amount_usd  NUMERIC NOT NULL,
			status      TEXT NOT NULL,
			meta        JSONB,
			created_at  TIMESTAMPTZ NOT NULL,
			updated_at  TIMESTAMPTZ NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("migrate positions: %w", err)
	}
	return nil
}

func (s *PGStore) RecordEntry(ctx context.Context, p Position) error {
	existing, err := s.Get(ctx, p.ID)
	if err == nil && existing.Status == StatusOpen {
		p = mergeEntry(existing, p)
	} else if err != nil && err != ErrNotFound {
		return err
	}

	meta, err := json.Marshal(p.Meta)
	if err != nil {
		return fmt.Errorf("marshal position meta: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO positions (id, pool_id, symbol, entry_price, amount_usd, status, meta, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			entry_price = EXCLUDED.entry_price,
			amount_usd  = EXCLUDED.amount_usd,
			status      = EXCLUDED.status,
			meta        = EXCLUDED.meta,
			updated_at  = EXCLUDED.updated_at`,
		p.ID, p.PoolID, p.Symbol, p.EntryPrice.String(), p.AmountUSD.String(),
		p.Status, meta, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert position: %w", err)
	}
	return nil
}

func (s *PGStore) ClosePosition(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE positions SET status = $1, updated_at = $2 WHERE id = $3`,
		StatusClosed, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("close position: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) Get(ctx context.Context, id string) (Position, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, pool_id, symbol, entry_price, amount_usd, status, meta, created_at, updated_at
		FROM positions WHERE id = $1`, id)
	p, err := scanPosition(row)
	if err == sql.ErrNoRows {
		return Position{}, ErrNotFound
	}
	return p, err
}

func (s *PGStore) GetOpen(ctx context.Context) ([]Position, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, pool_id, symbol, entry_price, amount_usd, status, meta, created_at, updated_at
		FROM positions WHERE status = $1 ORDER BY created_at`, StatusOpen)
	if err != nil {
		return nil, fmt.Errorf("query open positions: %w", err)
	}
	defer rows.Close()

	var open []Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		open = append(open, p)
	}
	return open, rows.Err()
}

func (s *PGStore) Close() error { return s.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPosition(row rowScanner) (Position, error) {
	var p Position
	var entryPrice, amountUSD string
	var meta []byte

	err := row.Scan(&p.ID, &p.PoolID, &p.Symbol, &entryPrice, &amountUSD,
		&p.Status, &meta, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return Position{}, err
	}

	if p.EntryPrice, err = decimal.NewFromString(entryPrice); err != nil {
		return Position{}, fmt.Errorf("parse entry_price: %w", err)
	}
	if p.AmountUSD, err = decimal.NewFromString(amountUSD); err != nil {
		return Position{}, fmt.Errorf("parse amount_usd: %w", err)
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &p.Meta); err != nil {
			return Position{}, fmt.Errorf("parse meta: %w", err)
		}
	}
	return p, nil
}
