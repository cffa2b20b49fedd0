package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

const (
	StatusOpen   = "open"
	StatusClosed = "closed"
)

// ErrNotFound is returned when a position id has no record in the store.
var ErrNotFound = errors.New("position not found")

// Position is the keyed record behind crash recovery. The store, not
// in-memory state, is the source of truth for what is open.
type Position struct {
	ID         string            `json:"id"`
	PoolID     string            `json:"pool_id"`
	Symbol     string            `json:"symbol"`
	EntryPrice decimal.Decimal   `json:"entry_price"`
	AmountUSD  decimal.Decimal   `json:"amount_usd"`
	Status     string            `json:"status"`
	Meta       map[string]string `json:"meta,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// PositionStore is the persistence contract for open-position records.
// RecordEntry upserts: re-entering a pool that already has an open
// position folds the amounts together at a weighted-average entry price.
type PositionStore interface {
	RecordEntry(ctx context.Context, p Position) error
	ClosePosition(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (Position, error)
	GetOpen(ctx context.Context) ([]Position, error)
	Close() error
}

// mergeEntry folds a new entry into an existing open position on the same
// pool: amounts add, entry price becomes the amount-weighted average.
func mergeEntry(existing, incoming Position) Position {
	total := existing.AmountUSD.Add(incoming.AmountUSD)
	if total.IsPositive() {
		weighted := existing.EntryPrice.Mul(existing.AmountUSD).
			Add(incoming.EntryPrice.Mul(incoming.AmountUSD)).
			Div(total)
		existing.EntryPrice = weighted
	}
	existing.AmountUSD = total
	existing.UpdatedAt = incoming.UpdatedAt
	return existing
}
