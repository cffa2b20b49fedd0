package pnl

import (
	"sync"

	"github.com/shopspring/decimal"

	"github.com/cmorris/tradeforge/internal/observ"
)

// Report is the realized outcome of a closed position.
// Net = fees earned - impermanent loss - gas spent.
type Report struct {
	PositionID      string          `json:"position_id"`
	FeesEarnedUSD   decimal.Decimal `json:"fees_earned_usd"`
	ImpermanentLoss decimal.Decimal `json:"impermanent_loss_usd"`
	GasSpentUSD     decimal.Decimal `json:"gas_spent_usd"`
	NetUSD          decimal.Decimal `json:"net_usd"`
}

type book struct {
	fees decimal.Decimal
	il   decimal.Decimal
	gas  decimal.Decimal
}

// Tracker accumulates per-position economics while a position is open and
// settles them into a single net figure on close. The net feeds the risk
// manager's loss streak, so the books here decide when the breaker trips.
type Tracker struct {
	mu    sync.Mutex
	books map[string]*book

	realizedTotal decimal.Decimal
}

func NewTracker() *Tracker {
	return &Tracker{books: make(map[string]*book)}
}

func (t *Tracker) bookFor(positionID string) *book {
	b, ok := t.books[positionID]
	if !ok {
		b = &book{}
		t.books[positionID] = b
	}
	return b
}

// AddFees records claimed or accrued fee income.
func (t *Tracker) AddFees(positionID string, usd decimal.Decimal) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b := t.bookFor(positionID)
	b.fees = b.fees.Add(usd)
}

// AddGas records transaction costs attributed to the position.
func (t *Tracker) AddGas(positionID string, usd decimal.Decimal) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b := t.bookFor(positionID)
	b.gas = b.gas.Add(usd)
}

// SetImpermanentLoss records the divergence loss measured at exit.
// Set, not add: IL is a point-in-time measurement against entry.
func (t *Tracker) SetImpermanentLoss(positionID string, usd decimal.Decimal) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b := t.bookFor(positionID)
	b.il = usd
}

// Settle closes the books for a position and returns the realized report.
// The position's entry is removed; settling twice yields a zero report.
func (t *Tracker) Settle(positionID string) Report {
	t.mu.Lock()
	b, ok := t.books[positionID]
	if !ok {
		t.mu.Unlock()
		return Report{PositionID: positionID}
	}
	delete(t.books, positionID)

	net := b.fees.Sub(b.il).Sub(b.gas)
	t.realizedTotal = t.realizedTotal.Add(net)
	total := t.realizedTotal
	t.mu.Unlock()

	observ.SetGauge("pnl_realized_total_usd", total.InexactFloat64(), nil)
	observ.Log("position_settled", map[string]any{
		"position_id":      positionID,
		"fees_usd":         b.fees.String(),
		"impermanent_loss": b.il.String(),
		"gas_usd":          b.gas.String(),
		"net_usd":          net.String(),
	})

	return Report{
		PositionID:      positionID,
		FeesEarnedUSD:   b.fees,
		ImpermanentLoss: b.il,
		GasSpentUSD:     b.gas,
		NetUSD:          net,
	}
}

// RealizedTotal is the sum of all settled nets this session.
func (t *Tracker) RealizedTotal() decimal.Decimal {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.realizedTotal
}

// Accrued returns the current unsettled fee income for a position, for
// rebalance profitability estimates.
func (t *Tracker) Accrued(positionID string) decimal.Decimal {
	t.mu.Lock()
	defer t.mu.Unlock()
	if b, ok := t.books[positionID]; ok {
		return b.fees
	}
	return decimal.Zero
}
