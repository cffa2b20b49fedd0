package orchestrator

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cmorris/tradeforge/internal/adapters"
	"github.com/cmorris/tradeforge/internal/approval"
	"github.com/cmorris/tradeforge/internal/config"
	"github.com/cmorris/tradeforge/internal/ledger"
	"github.com/cmorris/tradeforge/internal/pnl"
	"github.com/cmorris/tradeforge/internal/risk"
)

type stubHalter struct {
	halted bool
	reason string
}

func (s *stubHalter) Halted() (bool, string) { return s.halted, s.reason }

type auditEvent struct {
	name    string
	payload map[string]any
}

type recordingAudit struct {
	mu     sync.Mutex
	events []auditEvent
}

func (r *recordingAudit) Append(event string, payload map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, auditEvent{name: event, payload: payload})
	return nil
}

func (r *recordingAudit) has(event string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.name == event {
			return true
		}
	}
	return false
}

type noopNotifier struct{}

func (noopNotifier) Notify(ctx context.Context, requestID string, d approval.Details) error {
	return nil
}

type env struct {
	o       *Orchestrator
	risk    *risk.Manager
	gate    *approval.Gate
	backend *adapters.MockExecutionBackend
	quotes  *adapters.MockQuoteService
	store   *ledger.FileStore
	pnl     *pnl.Tracker
	audit   *recordingAudit
	halter  *stubHalter
}

func newEnv(t *testing.T) *env {
	return newEnvWithLimit(t, 250)
}

// newEnvWithLimit lets approval tests use a session budget large enough
// that amounts above the auto-trade threshold still pass the risk rules.
func newEnvWithLimit(t *testing.T, riskLimitUSD float64) *env {
	t.Helper()

	audit := &recordingAudit{}
	halter := &stubHalter{}
	riskMgr := risk.NewManager(config.Risk{
		RiskLimitUSD:         riskLimitUSD,
		MaxTradeSizeUSD:      500,
		MaxOpenPositions:     5,
		MaxConsecutiveLosses: 3,
		CooldownSeconds:      3600,
	}, halter, audit)

	store, err := ledger.NewFileStore(filepath.Join(t.TempDir(), "positions.json"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	gate := approval.NewGate(noopNotifier{}, 100*time.Millisecond, audit)
	backend := adapters.NewMockExecutionBackend()
	quotes := adapters.NewMockQuoteService()
	tracker := pnl.NewTracker()

	o := New(
		config.Approval{AutoTradeThresholdUSD: 250},
		riskMgr, gate, quotes, backend, store, tracker, halter, audit,
	)
	return &env{o: o, risk: riskMgr, gate: gate, backend: backend, quotes: quotes, store: store, pnl: tracker, audit: audit, halter: halter}
}

func openSignal(amount float64) Signal {
	return Signal{
		Venue:      "test",
		PoolID:     "pool-1",
		Symbol:     "SOL",
		Action:     ActionOpen,
		AmountUSD:  decimal.NewFromFloat(amount),
		ReceivedAt: time.Now(),
	}
}

func TestExposureLifecycle(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	res := e.o.ProcessSignal(ctx, openSignal(50))
	if res.Status != StatusSuccess {
		t.Fatalf("open 50: got %s/%s, want SUCCESS", res.Status, res.Reason)
	}
	if got := e.risk.Snapshot().ExposureUSD; !got.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("exposure after open = %s, want 50", got)
	}

	big := e.o.ProcessSignal(ctx, openSignal(210))
	if big.Status != StatusRejected || big.Reason != risk.ReasonRiskLimit {
		t.Fatalf("open 210: got %s/%s, want REJECTED/%s", big.Status, big.Reason, risk.ReasonRiskLimit)
	}
	if got := e.risk.Snapshot().ExposureUSD; !got.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("rejection mutated exposure: %s", got)
	}

	closeRes := e.o.ProcessSignal(ctx, Signal{
		PoolID:     "pool-1",
		Action:     ActionClose,
		AmountUSD:  decimal.NewFromInt(50),
		PositionID: res.PositionID,
		ReceivedAt: time.Now(),
	})
	if closeRes.Status != StatusSuccess {
		t.Fatalf("close: got %s/%s", closeRes.Status, closeRes.Reason)
	}
	if got := e.risk.Snapshot().ExposureUSD; !got.IsZero() {
		t.Fatalf("exposure after close = %s, want 0", got)
	}

	retry := e.o.ProcessSignal(ctx, openSignal(210))
	if retry.Status != StatusSuccess {
		t.Fatalf("resubmit 210: got %s/%s, want SUCCESS", retry.Status, retry.Reason)
	}
}

func TestRepeatOpenMergesIntoExistingPosition(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	e.quotes.SetPrice("pool-1", decimal.NewFromInt(100))
	first := e.o.ProcessSignal(ctx, openSignal(50))
	if first.Status != StatusSuccess {
		t.Fatalf("first open: got %s/%s", first.Status, first.Reason)
	}

	e.quotes.SetPrice("pool-1", decimal.NewFromInt(200))
	second := e.o.ProcessSignal(ctx, openSignal(50))
	if second.Status != StatusSuccess {
		t.Fatalf("second open: got %s/%s", second.Status, second.Reason)
	}
	if second.PositionID != first.PositionID {
		t.Fatalf("re-entry created a new position: %s vs %s", second.PositionID, first.PositionID)
	}

	open, err := e.store.GetOpen(ctx)
	if err != nil {
		t.Fatalf("get open: %v", err)
	}
	if len(open) != 1 {
		t.Fatalf("expected one merged position, got %d", len(open))
	}
	if !open[0].AmountUSD.Equal(decimal.NewFromInt(100)) {
		t.Errorf("merged amount = %s, want 100", open[0].AmountUSD)
	}
	if !open[0].EntryPrice.Equal(decimal.NewFromInt(150)) {
		t.Errorf("merged entry price = %s, want weighted average 150", open[0].EntryPrice)
	}
	if got := e.risk.Snapshot().ExposureUSD; !got.Equal(decimal.NewFromInt(100)) {
		t.Errorf("exposure = %s, want 100", got)
	}

	// Closing the merged position frees everything committed to the pool.
	closeRes := e.o.ProcessSignal(ctx, Signal{
		PoolID:     "pool-1",
		Action:     ActionClose,
		AmountUSD:  decimal.NewFromInt(100),
		PositionID: first.PositionID,
		ReceivedAt: time.Now(),
	})
	if closeRes.Status != StatusSuccess {
		t.Fatalf("close: got %s/%s", closeRes.Status, closeRes.Reason)
	}
	if got := e.risk.Snapshot().ExposureUSD; !got.IsZero() {
		t.Errorf("exposure after close = %s, want 0", got)
	}
}

func TestFailedReentryKeepsOriginalPosition(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	first := e.o.ProcessSignal(ctx, openSignal(50))
	if first.Status != StatusSuccess {
		t.Fatalf("first open: got %s/%s", first.Status, first.Reason)
	}

	e.backend.FailAction("initialize_position", 1)
	second := e.o.ProcessSignal(ctx, openSignal(50))
	if second.Status != StatusError || second.Reason != ReasonExecutionFailure {
		t.Fatalf("second open: got %s/%s, want ERROR/%s", second.Status, second.Reason, ReasonExecutionFailure)
	}

	// Rollback of the failed increment must not release the first commit.
	if got := e.risk.Snapshot().ExposureUSD; !got.Equal(decimal.NewFromInt(50)) {
		t.Errorf("exposure = %s, want 50", got)
	}
	pos, err := e.store.Get(ctx, first.PositionID)
	if err != nil {
		t.Fatalf("get position: %v", err)
	}
	if pos.Status != ledger.StatusOpen || !pos.AmountUSD.Equal(decimal.NewFromInt(50)) {
		t.Errorf("original position mutated: status=%s amount=%s", pos.Status, pos.AmountUSD)
	}
}

func TestMalformedSignalRejectedBeforeRiskState(t *testing.T) {
	e := newEnv(t)

	res := e.o.ProcessSignal(context.Background(), Signal{Action: ActionOpen, AmountUSD: decimal.NewFromInt(50)})
	if res.Status != StatusRejected || res.Reason != ReasonMalformedSignal {
		t.Fatalf("got %s/%s", res.Status, res.Reason)
	}
	if e.audit.has("state_transition") {
		t.Fatal("malformed signal entered the state machine")
	}
	if !e.risk.Snapshot().ExposureUSD.IsZero() {
		t.Fatal("malformed signal touched exposure")
	}
}

func TestCloseUnknownPositionRejected(t *testing.T) {
	e := newEnv(t)

	res := e.o.ProcessSignal(context.Background(), Signal{
		PoolID:     "pool-1",
		Action:     ActionClose,
		AmountUSD:  decimal.NewFromInt(10),
		PositionID: "no-such-position",
	})
	if res.Status != StatusRejected || res.Reason != ReasonUnknownPosition {
		t.Fatalf("got %s/%s, want REJECTED/%s", res.Status, res.Reason, ReasonUnknownPosition)
	}
}

func TestHaltBlocksProcessing(t *testing.T) {
	e := newEnv(t)
	e.halter.halted = true
	e.halter.reason = "sentinel_present"

	res := e.o.ProcessSignal(context.Background(), openSignal(50))
	if res.Status != StatusError || res.Reason != ReasonHalted {
		t.Fatalf("got %s/%s, want ERROR/%s", res.Status, res.Reason, ReasonHalted)
	}
	if e.backend.SubmissionCount() != 0 {
		t.Fatal("halted signal reached the backend")
	}
}

func TestPoolBusyRejectsConcurrentSignal(t *testing.T) {
	e := newEnv(t)

	release, ok := e.o.lockPool("pool-1")
	if !ok {
		t.Fatal("initial lock failed")
	}
	defer release()

	res := e.o.ProcessSignal(context.Background(), openSignal(50))
	if res.Status != StatusRejected || res.Reason != ReasonPoolBusy {
		t.Fatalf("got %s/%s, want REJECTED/%s", res.Status, res.Reason, ReasonPoolBusy)
	}
}

func TestApprovalGrantedExecutesInBackground(t *testing.T) {
	e := newEnvWithLimit(t, 1000)
	ctx := context.Background()

	res := e.o.ProcessSignal(ctx, openSignal(300))
	if res.Status != StatusAwaitingApproval || res.ApprovalID == "" {
		t.Fatalf("got %s, want AWAITING_APPROVAL with id", res.Status)
	}
	if e.backend.SubmissionCount() != 0 {
		t.Fatal("executed before approval")
	}

	if err := e.gate.Resolve(res.ApprovalID, true, "alice"); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		open, err := e.store.GetOpen(ctx)
		if err != nil {
			t.Fatalf("get open: %v", err)
		}
		if len(open) == 1 {
			if !e.risk.Snapshot().ExposureUSD.Equal(decimal.NewFromInt(300)) {
				t.Fatalf("exposure = %s, want 300", e.risk.Snapshot().ExposureUSD)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("approved trade never executed")
}

func TestApprovalDeniedNothingExecutes(t *testing.T) {
	e := newEnvWithLimit(t, 1000)

	res := e.o.ProcessSignal(context.Background(), openSignal(300))
	if res.Status != StatusAwaitingApproval {
		t.Fatalf("got %s", res.Status)
	}
	if err := e.gate.Resolve(res.ApprovalID, false, "alice"); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if e.backend.SubmissionCount() != 0 {
		t.Fatal("denied trade executed")
	}
	if !e.risk.Snapshot().ExposureUSD.IsZero() {
		t.Fatal("denied trade committed exposure")
	}
}

func TestApprovalTimeoutFailsClosed(t *testing.T) {
	e := newEnvWithLimit(t, 1000)

	res := e.o.ProcessSignal(context.Background(), openSignal(300))
	if res.Status != StatusAwaitingApproval {
		t.Fatalf("got %s", res.Status)
	}

	// Gate default timeout is 100ms; nobody resolves.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if e.audit.has("approval_timeout") {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !e.audit.has("approval_timeout") {
		t.Fatal("timeout never audited")
	}

	time.Sleep(50 * time.Millisecond)
	if e.backend.SubmissionCount() != 0 {
		t.Fatal("timed-out trade executed")
	}
}

func TestExecutionFailureRollsBackExposure(t *testing.T) {
	e := newEnv(t)
	e.backend.FailAction("initialize_position", 1)

	res := e.o.ProcessSignal(context.Background(), openSignal(50))
	if res.Status != StatusError || res.Reason != ReasonExecutionFailure {
		t.Fatalf("got %s/%s, want ERROR/%s", res.Status, res.Reason, ReasonExecutionFailure)
	}
	if !e.risk.Snapshot().ExposureUSD.IsZero() {
		t.Fatalf("failed execution left exposure = %s", e.risk.Snapshot().ExposureUSD)
	}
	open, _ := e.store.GetOpen(context.Background())
	if len(open) != 0 {
		t.Fatal("failed execution recorded a position")
	}
}

func TestPartialOpenEmitsReconciliationRequired(t *testing.T) {
	e := newEnv(t)
	e.backend.FailAction("add_liquidity", 1)

	res := e.o.ProcessSignal(context.Background(), openSignal(50))
	if res.Status != StatusError || res.Reason != ReasonReconciliationRequired {
		t.Fatalf("got %s/%s, want ERROR/%s", res.Status, res.Reason, ReasonReconciliationRequired)
	}
	if !e.audit.has("reconciliation_required") {
		t.Fatal("reconciliation_required not audited")
	}
	// External state is unknown; the reservation stays until an operator
	// reconciles.
	if !e.risk.Snapshot().ExposureUSD.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("exposure = %s, want 50 held", e.risk.Snapshot().ExposureUSD)
	}
}

func TestPartialCloseEmitsReconciliationRequired(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	res := e.o.ProcessSignal(ctx, openSignal(50))
	if res.Status != StatusSuccess {
		t.Fatalf("open: %s/%s", res.Status, res.Reason)
	}

	e.backend.FailAction("close_position", 1)
	closeRes := e.o.ProcessSignal(ctx, Signal{
		PoolID:     "pool-1",
		Action:     ActionClose,
		AmountUSD:  decimal.NewFromInt(50),
		PositionID: res.PositionID,
	})
	if closeRes.Status != StatusError || closeRes.Reason != ReasonReconciliationRequired {
		t.Fatalf("got %s/%s", closeRes.Status, closeRes.Reason)
	}
}

func TestClaimFeesAccruesToPnl(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	res := e.o.ProcessSignal(ctx, openSignal(50))
	if res.Status != StatusSuccess {
		t.Fatalf("open: %s/%s", res.Status, res.Reason)
	}

	claim := e.o.ProcessSignal(ctx, Signal{
		PoolID:     "pool-1",
		Action:     ActionClaimFees,
		AmountUSD:  decimal.RequireFromString("4.30"),
		PositionID: res.PositionID,
	})
	if claim.Status != StatusSuccess {
		t.Fatalf("claim: %s/%s", claim.Status, claim.Reason)
	}
	if got := e.pnl.Accrued(res.PositionID); !got.Equal(decimal.RequireFromString("4.30")) {
		t.Fatalf("accrued = %s, want 4.30", got)
	}
	if !e.audit.has("fees_claimed") {
		t.Fatal("fees_claimed not audited")
	}
}

func TestLossyClosesTripBreaker(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res := e.o.ProcessSignal(ctx, openSignal(50))
		if res.Status != StatusSuccess {
			t.Fatalf("open %d: %s/%s", i, res.Status, res.Reason)
		}
		closeRes := e.o.ProcessSignal(ctx, Signal{
			PoolID:     "pool-1",
			Action:     ActionClose,
			AmountUSD:  decimal.NewFromInt(50),
			PositionID: res.PositionID,
			Params:     map[string]string{"impermanent_loss_usd": "2.00"},
		})
		if closeRes.Status != StatusSuccess {
			t.Fatalf("close %d: %s/%s", i, closeRes.Status, closeRes.Reason)
		}
	}

	res := e.o.ProcessSignal(ctx, openSignal(50))
	if res.Status != StatusRejected || res.Reason != risk.ReasonBreakerActive {
		t.Fatalf("got %s/%s, want REJECTED/%s", res.Status, res.Reason, risk.ReasonBreakerActive)
	}
}

func TestRecoverRestoresExposureFromStore(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	res := e.o.ProcessSignal(ctx, openSignal(200))
	if res.Status != StatusSuccess {
		t.Fatalf("open: %s/%s", res.Status, res.Reason)
	}

	// Fresh risk manager and orchestrator over the same store, as after
	// a crash.
	audit := &recordingAudit{}
	halter := &stubHalter{}
	riskMgr := risk.NewManager(config.Risk{
		RiskLimitUSD:         250,
		MaxTradeSizeUSD:      500,
		MaxOpenPositions:     5,
		MaxConsecutiveLosses: 3,
		CooldownSeconds:      3600,
	}, halter, audit)
	o2 := New(config.Approval{AutoTradeThresholdUSD: 250}, riskMgr, e.gate, e.quotes, e.backend, e.store, pnl.NewTracker(), halter, audit)

	n, err := o2.Recover(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if n != 1 {
		t.Fatalf("recovered %d positions, want 1", n)
	}
	if got := riskMgr.Snapshot().ExposureUSD; !got.Equal(decimal.NewFromInt(200)) {
		t.Fatalf("restored exposure = %s, want 200", got)
	}

	// Recovered exposure counts against the session budget.
	big := o2.ProcessSignal(ctx, openSignal(100))
	if big.Status != StatusRejected || big.Reason != risk.ReasonRiskLimit {
		t.Fatalf("got %s/%s, want REJECTED/%s", big.Status, big.Reason, risk.ReasonRiskLimit)
	}
}

func TestRequestCloseFeedsPipeline(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	res := e.o.ProcessSignal(ctx, openSignal(50))
	if res.Status != StatusSuccess {
		t.Fatalf("open: %s/%s", res.Status, res.Reason)
	}
	pos, err := e.store.Get(ctx, res.PositionID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	if err := e.o.RequestClose(ctx, pos, "stop_loss"); err != nil {
		t.Fatalf("request close: %v", err)
	}
	if got, _ := e.store.Get(ctx, res.PositionID); got.Status != ledger.StatusClosed {
		t.Fatalf("position status = %s, want closed", got.Status)
	}
}
