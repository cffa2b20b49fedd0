package risk

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cmorris/tradeforge/internal/config"
	"github.com/cmorris/tradeforge/internal/ledger"
	"github.com/cmorris/tradeforge/internal/observ"
)

// Side is the direction of the trade under evaluation.
type Side string

const (
	SideOpen      Side = "OPEN"
	SideClose     Side = "CLOSE"
	SideBuy       Side = "BUY"
	SideSell      Side = "SELL"
	SideClaimFees Side = "CLAIM_FEES"
)

// Rejection reason codes, stable for dashboards and the audit trail.
const (
	ReasonForceStop        = "force_stop"
	ReasonBreakerActive    = "circuit_breaker_active"
	ReasonInvalidAmount    = "invalid_amount"
	ReasonMaxTradeSize     = "max_trade_size_exceeded"
	ReasonMaxOpenPositions = "max_open_positions_reached"
	ReasonRiskLimit        = "risk_limit_exceeded"
)

// Halter reports the process-wide halt state. Satisfied by killswitch.Switch.
type Halter interface {
	Halted() (bool, string)
}

// Verdict is the outcome of a risk check.
type Verdict struct {
	Approved   bool          `json:"approved"`
	Reason     string        `json:"reason,omitempty"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

// Snapshot is a read-only view of risk state for the health endpoint.
type Snapshot struct {
	ConsecutiveLosses int             `json:"consecutive_losses"`
	BreakerActive     bool            `json:"breaker_tripped"`
	BreakerTrippedAt  *time.Time      `json:"breaker_tripped_at,omitempty"`
	ExposureUSD       decimal.Decimal `json:"exposure_usd"`
	RiskLimitUSD      decimal.Decimal `json:"risk_limit_usd"`
	OpenPositions     int             `json:"open_positions"`
}

// Manager enforces the hard safety limits: trade size, open-position cap,
// exposure ceiling, and the consecutive-loss circuit breaker. Exposure
// accounting lives here so check and commit share one critical section;
// no caller can observe a stale exposure value between the two.
type Manager struct {
	mu sync.Mutex

	limitUSD     decimal.Decimal
	maxTradeSize decimal.Decimal
	maxOpen      int
	maxLosses    int
	cooldown     time.Duration

	exposure  decimal.Decimal
	positions map[string]decimal.Decimal // position id -> committed amount

	consecutiveLosses int
	breakerActive     bool
	breakerTrippedAt  time.Time

	halt  Halter
	audit ledger.AuditSink
	now   func() time.Time
}

func NewManager(cfg config.Risk, halt Halter, audit ledger.AuditSink) *Manager {
	return &Manager{
		limitUSD:     decimal.NewFromFloat(cfg.RiskLimitUSD),
		maxTradeSize: decimal.NewFromFloat(cfg.MaxTradeSizeUSD),
		maxOpen:      cfg.MaxOpenPositions,
		maxLosses:    cfg.MaxConsecutiveLosses,
		cooldown:     time.Duration(cfg.CooldownSeconds) * time.Second,
		positions:    make(map[string]decimal.Decimal),
		halt:         halt,
		audit:        audit,
		now:          time.Now,
	}
}

// CheckTrade evaluates the fixed-order rule list without committing
// exposure. First failing rule wins.
func (m *Manager) CheckTrade(amount decimal.Decimal, side Side) Verdict {
	m.mu.Lock()
	v, reset := m.evaluateUnsafe(amount, side)
	m.mu.Unlock()

	m.recordReset(reset)
	m.recordVerdict(v, amount, side)
	return v
}

// CheckAndCommit evaluates the rules and, on approval of a risk-increasing
// side, commits the exposure increment and position record in the same
// critical section.
func (m *Manager) CheckAndCommit(positionID string, amount decimal.Decimal, side Side) Verdict {
	m.mu.Lock()
	v, reset := m.evaluateUnsafe(amount, side)
	if v.Approved && (side == SideOpen || side == SideBuy) {
		m.exposure = m.exposure.Add(amount)
		// Re-entry into an existing position accumulates under one id so
		// a later release returns the full committed amount.
		m.positions[positionID] = m.positions[positionID].Add(amount)
	}
	exposure := m.exposure
	m.mu.Unlock()

	m.recordReset(reset)
	m.recordVerdict(v, amount, side)
	if v.Approved {
		observ.SetGauge("risk_exposure_usd", exposure.InexactFloat64(), nil)
	}
	return v
}

// evaluateUnsafe runs the rule list. Callers hold the lock. No I/O here;
// logging and audit writes happen after the lock is released, driven by
// the returned reset flag and verdict.
func (m *Manager) evaluateUnsafe(amount decimal.Decimal, side Side) (Verdict, bool) {
	var breakerReset bool

	// 1. External force-stop overrides everything.
	if halted, _ := m.halt.Halted(); halted {
		return Verdict{Reason: ReasonForceStop}, breakerReset
	}

	// 2. Circuit breaker, with cooldown reset when elapsed.
	if m.breakerActive {
		elapsed := m.now().Sub(m.breakerTrippedAt)
		if elapsed < m.cooldown {
			return Verdict{
				Reason:     ReasonBreakerActive,
				RetryAfter: m.cooldown - elapsed,
			}, breakerReset
		}
		m.breakerActive = false
		m.consecutiveLosses = 0
		m.breakerTrippedAt = time.Time{}
		breakerReset = true
	}

	// 3. Amount sanity.
	if amount.Sign() <= 0 {
		return Verdict{Reason: ReasonInvalidAmount}, breakerReset
	}

	// 4. Per-trade size cap.
	if amount.GreaterThan(m.maxTradeSize) {
		return Verdict{Reason: ReasonMaxTradeSize}, breakerReset
	}

	// 5. Open-position cap for risk-increasing sides.
	if side == SideOpen || side == SideBuy {
		if len(m.positions) >= m.maxOpen {
			return Verdict{Reason: ReasonMaxOpenPositions}, breakerReset
		}
	}

	// 6. Projected exposure against the session limit. Rejection must not
	// mutate the running exposure.
	if side == SideOpen {
		projected := m.exposure.Add(amount)
		if projected.GreaterThan(m.limitUSD) {
			return Verdict{Reason: ReasonRiskLimit}, breakerReset
		}
	}

	return Verdict{Approved: true}, breakerReset
}

func (m *Manager) recordReset(reset bool) {
	if !reset {
		return
	}
	observ.Log("circuit_breaker_reset", map[string]any{
		"cooldown_seconds": m.cooldown.Seconds(),
	})
	if m.audit != nil {
		m.audit.Append("circuit_breaker_reset", nil)
	}
}

// RollbackCommit undoes a just-committed increment after a failed
// submission, leaving any earlier commitment under the same position id
// intact.
func (m *Manager) RollbackCommit(positionID string, amount decimal.Decimal) {
	m.mu.Lock()
	if cur, ok := m.positions[positionID]; ok {
		remaining := cur.Sub(amount)
		if remaining.IsPositive() {
			m.positions[positionID] = remaining
		} else {
			delete(m.positions, positionID)
		}
		m.exposure = m.exposure.Sub(amount)
		if m.exposure.IsNegative() {
			m.exposure = decimal.Zero
		}
	}
	exposure := m.exposure
	m.mu.Unlock()

	observ.SetGauge("risk_exposure_usd", exposure.InexactFloat64(), nil)
}

// RestoreExposure re-seeds committed exposure from persisted open
// positions during crash recovery. Limits are not re-checked; these
// positions already passed the rules when first opened.
func (m *Manager) RestoreExposure(positionID string, amount decimal.Decimal) {
	m.mu.Lock()
	if _, ok := m.positions[positionID]; !ok {
		m.positions[positionID] = amount
		m.exposure = m.exposure.Add(amount)
	}
	exposure := m.exposure
	m.mu.Unlock()

	observ.SetGauge("risk_exposure_usd", exposure.InexactFloat64(), nil)
}

// ReleaseExposure returns a closed position's committed amount to the
// session budget and reports how much was released.
func (m *Manager) ReleaseExposure(positionID string) decimal.Decimal {
	m.mu.Lock()
	amount, ok := m.positions[positionID]
	if ok {
		delete(m.positions, positionID)
		m.exposure = m.exposure.Sub(amount)
		if m.exposure.IsNegative() {
			m.exposure = decimal.Zero
		}
	}
	exposure := m.exposure
	m.mu.Unlock()

	if ok {
		observ.SetGauge("risk_exposure_usd", exposure.InexactFloat64(), nil)
	}
	return amount
}

// ReportTradeResult feeds realized PnL back into the breaker. A loss
// increments the consecutive-loss count and can trip the breaker; any
// non-negative result resets the count.
func (m *Manager) ReportTradeResult(pnl decimal.Decimal) {
	var tripped bool
	var losses int

	m.mu.Lock()
	if pnl.IsNegative() {
		m.consecutiveLosses++
		if m.consecutiveLosses >= m.maxLosses && !m.breakerActive {
			m.breakerActive = true
			m.breakerTrippedAt = m.now()
			tripped = true
		}
	} else {
		m.consecutiveLosses = 0
	}
	losses = m.consecutiveLosses
	m.mu.Unlock()

	observ.SetGauge("risk_consecutive_losses", float64(losses), nil)
	if tripped {
		observ.IncCounter("circuit_breaker_trips_total", nil)
		observ.Log("circuit_breaker_tripped", map[string]any{
			"consecutive_losses": losses,
			"cooldown_seconds":   m.cooldown.Seconds(),
		})
		if m.audit != nil {
			m.audit.Append("circuit_breaker_tripped", map[string]any{
				"consecutive_losses": losses,
				"pnl":                pnl.String(),
			})
		}
	}
}

func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Snapshot{
		ConsecutiveLosses: m.consecutiveLosses,
		BreakerActive:     m.breakerActive,
		ExposureUSD:       m.exposure,
		RiskLimitUSD:      m.limitUSD,
		OpenPositions:     len(m.positions),
	}
	if m.breakerActive {
		t := m.breakerTrippedAt
		s.BreakerTrippedAt = &t
	}
	return s
}

func (m *Manager) recordVerdict(v Verdict, amount decimal.Decimal, side Side) {
	if v.Approved {
		observ.IncCounter("risk_checks_total", map[string]string{"result": "approved", "side": string(side)})
		return
	}
	observ.IncCounter("risk_checks_total", map[string]string{"result": "rejected", "side": string(side)})
	observ.Log("risk_rejected", map[string]any{
		"reason": v.Reason,
		"side":   string(side),
		"amount": amount.String(),
	})
	if m.audit != nil {
		m.audit.Append("risk_check_rejected", map[string]any{
			"reason": v.Reason,
			"side":   string(side),
			"amount": amount.String(),
		})
	}
}
