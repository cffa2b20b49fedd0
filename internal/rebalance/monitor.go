package rebalance

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cmorris/tradeforge/internal/config"
	"github.com/cmorris/tradeforge/internal/ledger"
	"github.com/cmorris/tradeforge/internal/observ"
)

// PriceSource feeds the monitor current prices.
type PriceSource interface {
	CurrentPrice(ctx context.Context, poolID string) (decimal.Decimal, error)
}

// CloseRequester receives exit decisions. The orchestrator implements it
// by driving a CLOSE signal through the normal pipeline, so exits get the
// same risk checks and audit trail as any other signal.
type CloseRequester interface {
	RequestClose(ctx context.Context, p ledger.Position, reason string) error
}

// Monitor audits every open position on a fixed interval: take-profit and
// stop-loss on realized price drift, then the range rules. Monitoring
// obligations come solely from the position store, so a restart resumes
// exactly where the trail left off.
type Monitor struct {
	cfg    config.Rebalance
	engine *Engine
	store  ledger.PositionStore
	prices PriceSource
	closer CloseRequester
	audit  ledger.AuditSink

	mu       sync.Mutex
	trackers map[string]*Tracker // per-pool volatility windows
}

func NewMonitor(cfg config.Rebalance, engine *Engine, store ledger.PositionStore, prices PriceSource, closer CloseRequester, audit ledger.AuditSink) *Monitor {
	return &Monitor{
		cfg:      cfg,
		engine:   engine,
		store:    store,
		prices:   prices,
		closer:   closer,
		audit:    audit,
		trackers: make(map[string]*Tracker),
	}
}

// Run drives audit cycles until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	interval := time.Duration(m.cfg.PollIntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	observ.Log("exit_monitor_started", map[string]any{"interval": interval.String()})

	for {
		select {
		case <-ctx.Done():
			observ.Log("exit_monitor_stopped", nil)
			return
		case <-ticker.C:
			m.Cycle(ctx)
		}
	}
}

// Cycle audits every open position once. Positions whose pool is already
// under evaluation are skipped for this cycle, never queued.
func (m *Monitor) Cycle(ctx context.Context) {
	open, err := m.store.GetOpen(ctx)
	if err != nil {
		observ.LogError("exit_monitor_list_failed", err, nil)
		return
	}

	for _, pos := range open {
		if ctx.Err() != nil {
			return
		}
		if !m.engine.TryLock(pos.PoolID) {
			observ.IncCounter("position_audits_skipped_total", map[string]string{"pool": pos.PoolID})
			continue
		}
		m.auditPosition(ctx, pos)
		m.engine.Unlock(pos.PoolID)
	}
}

func (m *Monitor) auditPosition(ctx context.Context, pos ledger.Position) {
	price, err := m.prices.CurrentPrice(ctx, pos.PoolID)
	if err != nil {
		observ.LogError("exit_monitor_price_failed", err, map[string]any{"pool_id": pos.PoolID})
		return
	}

	tracker := m.trackerFor(pos.PoolID)
	tracker.AddSample(price)

	// Take-profit / stop-loss on price drift from entry.
	if pos.EntryPrice.IsPositive() {
		driftPct := price.Sub(pos.EntryPrice).
			Div(pos.EntryPrice).
			Mul(decimal.NewFromInt(100))

		if driftPct.GreaterThanOrEqual(decimal.NewFromFloat(m.cfg.TakeProfitPct)) {
			m.requestClose(ctx, pos, "take_profit", price, driftPct)
			return
		}
		if driftPct.LessThanOrEqual(decimal.NewFromFloat(-m.cfg.StopLossPct)) {
			m.requestClose(ctx, pos, "stop_loss", price, driftPct)
			return
		}
	}

	lower, upper, ok := rangeBounds(pos)
	if !ok {
		return
	}

	gain := estimatedGain(pos)
	cost := decimal.NewFromFloat(m.cfg.RebalanceCostUSD)
	decision, reason := m.engine.Evaluate(price, lower, upper, tracker.Level(), gain, cost)

	observ.IncCounter("position_audits_total", map[string]string{"decision": string(decision)})
	if m.audit != nil {
		m.audit.Append("position_audited", map[string]any{
			"position_id": pos.ID,
			"pool_id":     pos.PoolID,
			"decision":    string(decision),
			"reason":      reason,
			"price":       price.String(),
			"volatility":  string(tracker.Level()),
		})
	}

	switch decision {
	case DecisionStopLoss:
		m.requestClose(ctx, pos, "range_stop_loss", price, decimal.Zero)
	case DecisionRebalance:
		m.requestClose(ctx, pos, "rebalance", price, decimal.Zero)
	}
}

func (m *Monitor) requestClose(ctx context.Context, pos ledger.Position, reason string, price, driftPct decimal.Decimal) {
	observ.Log("exit_triggered", map[string]any{
		"position_id": pos.ID,
		"pool_id":     pos.PoolID,
		"reason":      reason,
		"price":       price.String(),
		"drift_pct":   driftPct.StringFixed(2),
	})
	if err := m.closer.RequestClose(ctx, pos, reason); err != nil {
		observ.LogError("exit_close_failed", err, map[string]any{"position_id": pos.ID})
	}
}

func (m *Monitor) trackerFor(poolID string) *Tracker {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trackers[poolID]
	if !ok {
		t = NewTracker(m.cfg.Volatility)
		m.trackers[poolID] = t
	}
	return t
}

// rangeBounds reads the position's configured range from its metadata.
// Positions recorded without bounds are exempt from the range rules.
func rangeBounds(pos ledger.Position) (lower, upper decimal.Decimal, ok bool) {
	ls, lok := pos.Meta["lower_bound"]
	us, uok := pos.Meta["upper_bound"]
	if !lok || !uok {
		return decimal.Zero, decimal.Zero, false
	}
	lower, err := decimal.NewFromString(ls)
	if err != nil {
		return decimal.Zero, decimal.Zero, false
	}
	upper, err = decimal.NewFromString(us)
	if err != nil {
		return decimal.Zero, decimal.Zero, false
	}
	return lower, upper, true
}

// estimatedGain approximates what re-centering recovers: fees accrue only
// while the marker is inside the range, so the expected gain is the fee
// run-rate recorded on the position, if any.
func estimatedGain(pos ledger.Position) decimal.Decimal {
	if s, ok := pos.Meta["accrued_fees_usd"]; ok {
		if d, err := decimal.NewFromString(s); err == nil {
			return d
		}
	}
	return decimal.Zero
}
