package orchestrator

import (
	"github.com/cmorris/tradeforge/internal/observ"
	"github.com/cmorris/tradeforge/internal/risk"
)

// State is the executor's position in the signal lifecycle. One run
// exists per in-flight signal; transitions are monotonic within a run.
type State string

const (
	StateIdle         State = "IDLE"
	StateDiscovery    State = "DISCOVERY"
	StateRouting      State = "ROUTING"
	StateVerifying    State = "VERIFYING"
	StateAwaitingAuth State = "AWAITING_AUTH"
	StateExecuting    State = "EXECUTING"
	StateHalted       State = "HALTED"
)

// run tracks a single signal through the state machine, writing every
// transition to the audit ledger with a risk snapshot. The ledger, not
// this struct, is the source of truth for reconstructing history.
type run struct {
	o        *Orchestrator
	signalID string
	signal   Signal
	state    State
}

func (o *Orchestrator) newRun(signalID string, sig Signal) *run {
	return &run{o: o, signalID: signalID, signal: sig, state: StateIdle}
}

func (r *run) transition(to State) {
	from := r.state
	r.state = to

	snap := risk.Snapshot{}
	if r.o.risk != nil {
		snap = r.o.risk.Snapshot()
	}
	r.o.appendAudit("state_transition", map[string]any{
		"signal_id":          r.signalID,
		"pool_id":            r.signal.PoolID,
		"action":             string(r.signal.Action),
		"from":               string(from),
		"to":                 string(to),
		"exposure_usd":       snap.ExposureUSD.String(),
		"open_positions":     snap.OpenPositions,
		"consecutive_losses": snap.ConsecutiveLosses,
	})
	observ.IncCounter("executor_transitions_total", map[string]string{"to": string(to)})
}

// checkHalt consults the kill switch. A trip forces HALTED and no
// further transitions occur for this run.
func (r *run) checkHalt() bool {
	halted, reason := r.o.halt.Halted()
	if !halted {
		return false
	}
	r.transition(StateHalted)
	observ.Log("signal_halted", map[string]any{
		"signal_id": r.signalID,
		"reason":    reason,
	})
	return true
}
