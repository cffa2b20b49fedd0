package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/cmorris/tradeforge/internal/adapters"
	"github.com/cmorris/tradeforge/internal/approval"
	"github.com/cmorris/tradeforge/internal/config"
	"github.com/cmorris/tradeforge/internal/ledger"
	"github.com/cmorris/tradeforge/internal/observ"
	"github.com/cmorris/tradeforge/internal/pnl"
	"github.com/cmorris/tradeforge/internal/risk"
)

// Orchestrator drives each signal through the executor state machine:
// discovery, routing, risk verification, optional human approval, then
// execution. All collaborators are injected; there are no ambient
// globals, and the kill switch overrides every decision.
type Orchestrator struct {
	risk    *risk.Manager
	gate    *approval.Gate
	quotes  adapters.QuoteService
	backend adapters.ExecutionBackend
	store   ledger.PositionStore
	pnl     *pnl.Tracker
	halt    risk.Halter
	audit   ledger.AuditSink

	autoThreshold   decimal.Decimal
	approvalTimeout time.Duration

	mu       sync.Mutex
	inflight map[string]bool // pool id -> signal in flight
}

func New(
	cfg config.Approval,
	riskMgr *risk.Manager,
	gate *approval.Gate,
	quotes adapters.QuoteService,
	backend adapters.ExecutionBackend,
	store ledger.PositionStore,
	tracker *pnl.Tracker,
	halt risk.Halter,
	audit ledger.AuditSink,
) *Orchestrator {
	return &Orchestrator{
		risk:            riskMgr,
		gate:            gate,
		quotes:          quotes,
		backend:         backend,
		store:           store,
		pnl:             tracker,
		halt:            halt,
		audit:           audit,
		autoThreshold:   decimal.NewFromFloat(cfg.AutoTradeThresholdUSD),
		approvalTimeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
		inflight:        make(map[string]bool),
	}
}

// ProcessSignal runs one signal end to end. Signals above the auto-trade
// threshold return AWAITING_APPROVAL immediately and finish in the
// background once a human resolves the request.
func (o *Orchestrator) ProcessSignal(ctx context.Context, sig Signal) Result {
	signalID := uuid.NewString()
	start := time.Now()
	defer func() {
		observ.Observe("signal_processing_seconds", time.Since(start).Seconds(), map[string]string{"action": string(sig.Action)})
	}()

	if err := sig.Validate(); err != nil {
		o.appendAudit("signal_rejected", map[string]any{
			"signal_id": signalID,
			"reason":    ReasonMalformedSignal,
			"error":     err.Error(),
		})
		observ.IncCounter("signals_total", map[string]string{"status": "rejected", "reason": ReasonMalformedSignal})
		return rejected(ReasonMalformedSignal)
	}

	o.appendAudit("signal_received", map[string]any{
		"signal_id":  signalID,
		"venue":      sig.Venue,
		"pool_id":    sig.PoolID,
		"action":     string(sig.Action),
		"amount_usd": sig.AmountUSD.String(),
	})

	release, ok := o.lockPool(sig.PoolID)
	if !ok {
		observ.IncCounter("signals_total", map[string]string{"status": "rejected", "reason": ReasonPoolBusy})
		return o.finish(signalID, sig, rejected(ReasonPoolBusy))
	}

	r := o.newRun(signalID, sig)
	if r.checkHalt() {
		release()
		return o.finish(signalID, sig, failed(ReasonHalted))
	}

	// CLOSE, SELL and CLAIM_FEES must reference a live position before
	// any risk state is touched.
	var pos ledger.Position
	if sig.PositionID != "" {
		p, err := o.store.Get(ctx, sig.PositionID)
		if err != nil || p.Status != ledger.StatusOpen {
			release()
			return o.finish(signalID, sig, rejected(ReasonUnknownPosition))
		}
		pos = p
	}

	r.transition(StateDiscovery)
	price, err := o.quotes.GetPrice(ctx, sig.PoolID)
	if err != nil {
		release()
		return o.finish(signalID, sig, failed(ReasonQuoteUnavailable))
	}

	r.transition(StateRouting)
	if sig.Action == ActionOpen || sig.Action == ActionBuy {
		if _, err := o.quotes.GetQuote(ctx, "USDC", sig.Symbol, sig.AmountUSD); err != nil {
			release()
			return o.finish(signalID, sig, failed(ReasonQuoteUnavailable))
		}
	}

	r.transition(StateVerifying)
	if r.checkHalt() {
		release()
		return o.finish(signalID, sig, failed(ReasonHalted))
	}
	if v := o.risk.CheckTrade(sig.AmountUSD, sideFor(sig.Action)); !v.Approved {
		release()
		return o.finish(signalID, sig, rejected(v.Reason))
	}

	if o.needsApproval(sig) {
		r.transition(StateAwaitingAuth)
		requestID, err := o.gate.Request(ctx, approval.Details{
			PoolID:    sig.PoolID,
			Symbol:    sig.Symbol,
			Action:    string(sig.Action),
			AmountUSD: sig.AmountUSD,
		})
		if err != nil {
			release()
			return o.finish(signalID, sig, failed(ReasonExecutionFailure))
		}

		go o.awaitAndExecute(r, pos, price.Value, requestID, release)
		return Result{Status: StatusAwaitingApproval, ApprovalID: requestID}
	}

	res := o.execute(ctx, r, pos, price.Value)
	release()
	return o.finish(signalID, sig, res)
}

// awaitAndExecute finishes an approval-gated signal in the background.
// Timeouts and denials are terminal; a kill-switch trip during the wait
// is caught by the pre-execution check.
func (o *Orchestrator) awaitAndExecute(r *run, pos ledger.Position, price decimal.Decimal, requestID string, release func()) {
	defer release()

	outcome := o.gate.Await(context.Background(), requestID, o.approvalTimeout)
	if !outcome.Granted() {
		reason := ReasonApprovalDenied
		if outcome == approval.OutcomeTimedOut {
			reason = ReasonApprovalTimeout
		}
		o.finish(r.signalID, r.signal, rejected(reason))
		return
	}

	o.finish(r.signalID, r.signal, o.execute(context.Background(), r, pos, price))
}

// execute performs the action's submission steps. Exposure is reserved
// atomically before the first submission and rolled back if nothing
// landed on chain; a partial multi-step failure instead emits
// RECONCILIATION_REQUIRED because external state is no longer known.
func (o *Orchestrator) execute(ctx context.Context, r *run, pos ledger.Position, price decimal.Decimal) Result {
	r.transition(StateExecuting)
	if r.checkHalt() {
		return failed(ReasonHalted)
	}

	var res Result
	switch r.signal.Action {
	case ActionOpen:
		res = o.executeOpen(ctx, r, price)
	case ActionBuy:
		res = o.executeBuy(ctx, r, price)
	case ActionClose:
		res = o.executeClose(ctx, r, pos)
	case ActionSell:
		res = o.executeSell(ctx, r, pos)
	case ActionClaimFees:
		res = o.executeClaimFees(ctx, r, pos)
	}

	if res.Status == StatusSuccess {
		r.transition(StateIdle)
	}
	return res
}

// entryPositionID returns the id of the pool's existing open position
// when there is one, so repeat entries fold into a single record at the
// amount-weighted entry price instead of fragmenting the book.
func (o *Orchestrator) entryPositionID(ctx context.Context, poolID string) (string, bool) {
	open, err := o.store.GetOpen(ctx)
	if err == nil {
		for _, p := range open {
			if p.PoolID == poolID {
				return p.ID, true
			}
		}
	}
	return uuid.NewString(), false
}

func (o *Orchestrator) executeOpen(ctx context.Context, r *run, price decimal.Decimal) Result {
	sig := r.signal
	positionID, merged := o.entryPositionID(ctx, sig.PoolID)

	if v := o.risk.CheckAndCommit(positionID, sig.AmountUSD, risk.SideOpen); !v.Approved {
		return rejected(v.Reason)
	}

	params := o.submitParams(sig, positionID)
	txInit, err := o.backend.Submit(ctx, "initialize_position", params)
	if err != nil {
		o.risk.RollbackCommit(positionID, sig.AmountUSD)
		o.appendAudit("trade_failed", map[string]any{
			"signal_id": r.signalID,
			"step":      "initialize_position",
			"error":     err.Error(),
		})
		return failed(ReasonExecutionFailure)
	}

	txAdd, err := o.backend.Submit(ctx, "add_liquidity", params)
	if err != nil {
		// The position exists on chain but holds no liquidity. Keep the
		// exposure reservation and flag the inconsistency for an operator
		// instead of guessing at external state.
		o.appendAudit("reconciliation_required", map[string]any{
			"signal_id":   r.signalID,
			"position_id": positionID,
			"pool_id":     sig.PoolID,
			"completed":   []string{"initialize_position"},
			"failed_step": "add_liquidity",
			"tx_ids":      []string{txInit},
			"error":       err.Error(),
		})
		observ.IncCounter("reconciliations_required_total", nil)
		return Result{Status: StatusError, Reason: ReasonReconciliationRequired, PositionID: positionID, TxIDs: []string{txInit}}
	}

	entry := ledger.Position{
		ID:         positionID,
		PoolID:     sig.PoolID,
		Symbol:     sig.Symbol,
		EntryPrice: price,
		AmountUSD:  sig.AmountUSD,
		Status:     ledger.StatusOpen,
		Meta:       positionMeta(sig),
	}
	if err := o.store.RecordEntry(ctx, entry); err != nil {
		o.appendAudit("reconciliation_required", map[string]any{
			"signal_id":   r.signalID,
			"position_id": positionID,
			"failed_step": "record_entry",
			"tx_ids":      []string{txInit, txAdd},
			"error":       err.Error(),
		})
		return Result{Status: StatusError, Reason: ReasonReconciliationRequired, PositionID: positionID}
	}

	o.recordGas(positionID, sig)
	o.appendAudit("position_opened", map[string]any{
		"signal_id":   r.signalID,
		"position_id": positionID,
		"pool_id":     sig.PoolID,
		"amount_usd":  sig.AmountUSD.String(),
		"entry_price": price.String(),
		"merged":      merged,
		"tx_ids":      []string{txInit, txAdd},
	})
	return Result{Status: StatusSuccess, PositionID: positionID, TxIDs: []string{txInit, txAdd}}
}

func (o *Orchestrator) executeBuy(ctx context.Context, r *run, price decimal.Decimal) Result {
	sig := r.signal
	positionID, _ := o.entryPositionID(ctx, sig.PoolID)

	if v := o.risk.CheckAndCommit(positionID, sig.AmountUSD, risk.SideBuy); !v.Approved {
		return rejected(v.Reason)
	}

	txID, err := o.backend.Submit(ctx, "swap", o.submitParams(sig, positionID))
	if err != nil {
		o.risk.RollbackCommit(positionID, sig.AmountUSD)
		o.appendAudit("trade_failed", map[string]any{
			"signal_id": r.signalID,
			"step":      "swap",
			"error":     err.Error(),
		})
		return failed(ReasonExecutionFailure)
	}

	entry := ledger.Position{
		ID:         positionID,
		PoolID:     sig.PoolID,
		Symbol:     sig.Symbol,
		EntryPrice: price,
		AmountUSD:  sig.AmountUSD,
		Status:     ledger.StatusOpen,
		Meta:       positionMeta(sig),
	}
	if err := o.store.RecordEntry(ctx, entry); err != nil {
		o.appendAudit("reconciliation_required", map[string]any{
			"signal_id":   r.signalID,
			"position_id": positionID,
			"failed_step": "record_entry",
			"tx_ids":      []string{txID},
			"error":       err.Error(),
		})
		return Result{Status: StatusError, Reason: ReasonReconciliationRequired, PositionID: positionID}
	}

	o.recordGas(positionID, sig)
	o.appendAudit("position_opened", map[string]any{
		"signal_id":   r.signalID,
		"position_id": positionID,
		"pool_id":     sig.PoolID,
		"amount_usd":  sig.AmountUSD.String(),
		"tx_ids":      []string{txID},
	})
	return Result{Status: StatusSuccess, PositionID: positionID, TxIDs: []string{txID}}
}

func (o *Orchestrator) executeClose(ctx context.Context, r *run, pos ledger.Position) Result {
	sig := r.signal
	params := o.submitParams(sig, pos.ID)

	txRemove, err := o.backend.Submit(ctx, "remove_liquidity", params)
	if err != nil {
		o.appendAudit("trade_failed", map[string]any{
			"signal_id":   r.signalID,
			"position_id": pos.ID,
			"step":        "remove_liquidity",
			"error":       err.Error(),
		})
		return failed(ReasonExecutionFailure)
	}

	txClose, err := o.backend.Submit(ctx, "close_position", params)
	if err != nil {
		o.appendAudit("reconciliation_required", map[string]any{
			"signal_id":   r.signalID,
			"position_id": pos.ID,
			"completed":   []string{"remove_liquidity"},
			"failed_step": "close_position",
			"tx_ids":      []string{txRemove},
			"error":       err.Error(),
		})
		observ.IncCounter("reconciliations_required_total", nil)
		return Result{Status: StatusError, Reason: ReasonReconciliationRequired, PositionID: pos.ID, TxIDs: []string{txRemove}}
	}

	return o.settle(ctx, r, pos, []string{txRemove, txClose})
}

func (o *Orchestrator) executeSell(ctx context.Context, r *run, pos ledger.Position) Result {
	txID, err := o.backend.Submit(ctx, "swap", o.submitParams(r.signal, pos.ID))
	if err != nil {
		o.appendAudit("trade_failed", map[string]any{
			"signal_id":   r.signalID,
			"position_id": pos.ID,
			"step":        "swap",
			"error":       err.Error(),
		})
		return failed(ReasonExecutionFailure)
	}
	return o.settle(ctx, r, pos, []string{txID})
}

func (o *Orchestrator) executeClaimFees(ctx context.Context, r *run, pos ledger.Position) Result {
	sig := r.signal

	txID, err := o.backend.Submit(ctx, "claim_fees", o.submitParams(sig, pos.ID))
	if err != nil {
		o.appendAudit("trade_failed", map[string]any{
			"signal_id":   r.signalID,
			"position_id": pos.ID,
			"step":        "claim_fees",
			"error":       err.Error(),
		})
		return failed(ReasonExecutionFailure)
	}

	o.pnl.AddFees(pos.ID, sig.AmountUSD)
	o.recordGas(pos.ID, sig)
	o.appendAudit("fees_claimed", map[string]any{
		"signal_id":   r.signalID,
		"position_id": pos.ID,
		"fees_usd":    sig.AmountUSD.String(),
		"tx_ids":      []string{txID},
	})
	return Result{Status: StatusSuccess, PositionID: pos.ID, TxIDs: []string{txID}}
}

// settle closes the books on a position: realize PnL, feed the breaker,
// free exposure, mark the store record closed.
func (o *Orchestrator) settle(ctx context.Context, r *run, pos ledger.Position, txIDs []string) Result {
	o.recordGas(pos.ID, r.signal)
	if il, ok := paramDecimal(r.signal, "impermanent_loss_usd"); ok {
		o.pnl.SetImpermanentLoss(pos.ID, il)
	}

	report := o.pnl.Settle(pos.ID)
	o.risk.ReportTradeResult(report.NetUSD)
	o.risk.ReleaseExposure(pos.ID)

	if err := o.store.ClosePosition(ctx, pos.ID); err != nil {
		o.appendAudit("reconciliation_required", map[string]any{
			"signal_id":   r.signalID,
			"position_id": pos.ID,
			"failed_step": "close_position_record",
			"tx_ids":      txIDs,
			"error":       err.Error(),
		})
		return Result{Status: StatusError, Reason: ReasonReconciliationRequired, PositionID: pos.ID}
	}

	o.appendAudit("position_closed", map[string]any{
		"signal_id":   r.signalID,
		"position_id": pos.ID,
		"pool_id":     pos.PoolID,
		"net_pnl_usd": report.NetUSD.String(),
		"fees_usd":    report.FeesEarnedUSD.String(),
		"il_usd":      report.ImpermanentLoss.String(),
		"gas_usd":     report.GasSpentUSD.String(),
		"tx_ids":      txIDs,
	})
	return Result{Status: StatusSuccess, PositionID: pos.ID, TxIDs: txIDs}
}

// Recover rebuilds monitoring obligations after a restart. The position
// store, never process memory, is the source of truth: each open record
// re-seeds its committed exposure so the session budget matches what is
// actually deployed.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	positions, err := o.store.GetOpen(ctx)
	if err != nil {
		return 0, err
	}

	for _, p := range positions {
		o.risk.RestoreExposure(p.ID, p.AmountUSD)
	}

	o.appendAudit("recovery_completed", map[string]any{
		"open_positions": len(positions),
	})
	observ.Log("recovery_completed", map[string]any{"open_positions": len(positions)})
	return len(positions), nil
}

// CurrentPrice satisfies the rebalance monitor's price source.
func (o *Orchestrator) CurrentPrice(ctx context.Context, poolID string) (decimal.Decimal, error) {
	q, err := o.quotes.GetPrice(ctx, poolID)
	if err != nil {
		return decimal.Zero, err
	}
	return q.Value, nil
}

// RequestClose satisfies the rebalance monitor's close requester by
// feeding a CLOSE signal through the normal pipeline, so monitor-driven
// exits get the same risk checks and audit trail as any other signal.
func (o *Orchestrator) RequestClose(ctx context.Context, p ledger.Position, reason string) error {
	sig := Signal{
		Venue:      "monitor",
		PoolID:     p.PoolID,
		Symbol:     p.Symbol,
		Action:     ActionClose,
		AmountUSD:  p.AmountUSD,
		PositionID: p.ID,
		Params:     map[string]string{"close_reason": reason},
		ReceivedAt: time.Now(),
	}

	res := o.ProcessSignal(ctx, sig)
	if res.Status == StatusSuccess || res.Status == StatusAwaitingApproval {
		return nil
	}
	return &CloseError{PositionID: p.ID, Reason: res.Reason}
}

// CloseError reports why a monitor-requested close did not go through.
type CloseError struct {
	PositionID string
	Reason     string
}

func (e *CloseError) Error() string {
	return "close rejected for position " + e.PositionID + ": " + e.Reason
}

func (o *Orchestrator) needsApproval(sig Signal) bool {
	if o.gate == nil {
		return false
	}
	switch sig.Action {
	case ActionOpen, ActionBuy:
		return sig.AmountUSD.GreaterThan(o.autoThreshold)
	}
	return false
}

func (o *Orchestrator) lockPool(poolID string) (func(), bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.inflight[poolID] {
		return nil, false
	}
	o.inflight[poolID] = true
	return func() {
		o.mu.Lock()
		delete(o.inflight, poolID)
		o.mu.Unlock()
	}, true
}

// finish writes the terminal disposition before returning it. Nothing
// escapes the orchestrator boundary unlogged.
func (o *Orchestrator) finish(signalID string, sig Signal, res Result) Result {
	o.appendAudit("signal_result", map[string]any{
		"signal_id":   signalID,
		"pool_id":     sig.PoolID,
		"action":      string(sig.Action),
		"status":      string(res.Status),
		"reason":      res.Reason,
		"position_id": res.PositionID,
	})
	observ.IncCounter("signals_total", map[string]string{"status": string(res.Status), "reason": res.Reason})
	return res
}

func (o *Orchestrator) appendAudit(event string, payload map[string]any) {
	if o.audit == nil {
		return
	}
	if err := o.audit.Append(event, payload); err != nil {
		observ.LogError("audit_append_failed", err, map[string]any{"event": event})
	}
}

func (o *Orchestrator) submitParams(sig Signal, positionID string) map[string]string {
	params := map[string]string{
		"pool_id":     sig.PoolID,
		"position_id": positionID,
		"amount_usd":  sig.AmountUSD.String(),
	}
	for k, v := range sig.Params {
		params[k] = v
	}
	return params
}

func (o *Orchestrator) recordGas(positionID string, sig Signal) {
	if gas, ok := paramDecimal(sig, "gas_usd"); ok {
		o.pnl.AddGas(positionID, gas)
	}
}

func positionMeta(sig Signal) map[string]string {
	meta := map[string]string{}
	for _, k := range []string{"lower_bound", "upper_bound"} {
		if v, ok := sig.Params[k]; ok {
			meta[k] = v
		}
	}
	if len(meta) == 0 {
		return nil
	}
	return meta
}

func paramDecimal(sig Signal, key string) (decimal.Decimal, bool) {
	v, ok := sig.Params[key]
	if !ok {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

func sideFor(a Action) risk.Side {
	switch a {
	case ActionOpen:
		return risk.SideOpen
	case ActionBuy:
		return risk.SideBuy
	case ActionClose:
		return risk.SideClose
	case ActionSell:
		return risk.SideSell
	default:
		return risk.SideClaimFees
	}
}
