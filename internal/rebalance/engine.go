package rebalance

import (
	"sync"

	"github.com/shopspring/decimal"

	"github.com/cmorris/tradeforge/internal/config"
	"github.com/cmorris/tradeforge/internal/observ"
)

// Decision is the classification of a position against its range.
type Decision string

const (
	DecisionHold      Decision = "HOLD"
	DecisionRebalance Decision = "REBALANCE"
	DecisionStopLoss  Decision = "STOP_LOSS"
)

// volatility multipliers applied to the base buffer. Recomputed on every
// evaluation: quiet markets tighten the band to avoid thrashing, violent
// ones widen it to avoid whipsaw exits.
var bufferMultipliers = map[Level]decimal.Decimal{
	LevelLow:    decimal.NewFromFloat(0.5),
	LevelNormal: decimal.NewFromFloat(1.0),
	LevelHigh:   decimal.NewFromFloat(2.25),
}

// Engine classifies positions as HOLD, REBALANCE or STOP_LOSS and applies
// the profitability veto to rebalances. Evaluation is serialized per pool
// via a try-lock map; a pool already under evaluation is skipped for the
// cycle rather than queued.
type Engine struct {
	baseBuffer decimal.Decimal
	minGainUSD decimal.Decimal
	aggressive bool

	mu   sync.Mutex
	busy map[string]bool
}

func NewEngine(cfg config.Rebalance) *Engine {
	return &Engine{
		baseBuffer: decimal.NewFromFloat(cfg.BaseBuffer),
		minGainUSD: decimal.NewFromFloat(cfg.MinGainUSD),
		aggressive: cfg.Aggressive,
		busy:       make(map[string]bool),
	}
}

// BufferFor returns the buffer width for a volatility level.
func (e *Engine) BufferFor(vol Level) decimal.Decimal {
	mult, ok := bufferMultipliers[vol]
	if !ok {
		mult = bufferMultipliers[LevelNormal]
	}
	return e.baseBuffer.Mul(mult)
}

// Classify applies the range rules. The aggressive flag degrades
// STOP_LOSS to HOLD; that is an explicit risk acceptance and is logged
// loudly so it never passes silently.
func (e *Engine) Classify(active, lower, upper decimal.Decimal, vol Level) (Decision, string) {
	buffer := e.BufferFor(vol)

	if active.GreaterThan(upper.Add(buffer)) {
		return DecisionRebalance, "price_above_range"
	}

	if active.LessThan(lower.Sub(buffer)) {
		if e.aggressive {
			observ.Log("stop_loss_suppressed", map[string]any{
				"active":     active.String(),
				"lower":      lower.String(),
				"buffer":     buffer.String(),
				"volatility": string(vol),
				"warning":    "aggressive mode is holding through a stop-loss breach",
			})
			observ.IncCounter("stop_loss_suppressed_total", nil)
			return DecisionHold, "stop_loss_suppressed"
		}
		return DecisionStopLoss, "price_below_range"
	}

	return DecisionHold, "in_range"
}

// CheckProfitability vetoes a rebalance whose expected gain does not
// clear the cost estimate (fees plus slippage) and the dust floor.
func (e *Engine) CheckProfitability(expectedGain, costEstimate decimal.Decimal) bool {
	return expectedGain.GreaterThan(costEstimate.Add(e.minGainUSD))
}

// Evaluate runs Classify and the profitability veto in one step.
func (e *Engine) Evaluate(active, lower, upper decimal.Decimal, vol Level, expectedGain, costEstimate decimal.Decimal) (Decision, string) {
	decision, reason := e.Classify(active, lower, upper, vol)
	if decision != DecisionRebalance {
		return decision, reason
	}
	if !e.CheckProfitability(expectedGain, costEstimate) {
		observ.Log("rebalance_vetoed", map[string]any{
			"reason":        "vetoed_on_cost",
			"expected_gain": expectedGain.String(),
			"cost_estimate": costEstimate.String(),
		})
		observ.IncCounter("rebalance_vetoes_total", nil)
		return DecisionHold, "vetoed_on_cost"
	}
	return DecisionRebalance, reason
}

// TryLock claims a pool for this evaluation cycle. Returns false if the
// pool is already being evaluated.
func (e *Engine) TryLock(poolID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.busy[poolID] {
		return false
	}
	e.busy[poolID] = true
	return true
}

func (e *Engine) Unlock(poolID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.busy, poolID)
}
