package approval

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/cmorris/tradeforge/internal/ledger"
	"github.com/cmorris/tradeforge/internal/observ"
)

// ErrUnknownRequest is returned when resolving an id that is not pending:
// already resolved, timed out, or never issued. Late resolutions are a
// no-op by design.
var ErrUnknownRequest = errors.New("unknown request")

// Outcome is the definite tri-state result of an approval wait.
type Outcome string

const (
	OutcomeApproved Outcome = "approved"
	OutcomeDenied   Outcome = "denied"
	OutcomeTimedOut Outcome = "timed_out"
)

// Granted reports whether the outcome permits execution. Timeouts never do.
func (o Outcome) Granted() bool { return o == OutcomeApproved }

// Details is the trade snapshot shown to the approver.
type Details struct {
	PoolID    string          `json:"pool_id"`
	Symbol    string          `json:"symbol"`
	Action    string          `json:"action"`
	AmountUSD decimal.Decimal `json:"amount_usd"`
}

// Notifier posts the approval prompt to the human channel.
type Notifier interface {
	Notify(ctx context.Context, requestID string, d Details) error
}

type resolution struct {
	approved bool
	approver string
}

type pendingRequest struct {
	details Details
	ch      chan resolution
}

// Gate escalates large trades to a human. One coarse lock guards the
// pending map, so only one prompt is composed and posted at a time even
// under bursty signal arrival. Timeouts resolve to denial; capital at
// stake means uncertainty fails closed.
type Gate struct {
	mu       sync.Mutex
	pending  map[string]*pendingRequest
	notifier Notifier
	timeout  time.Duration
	audit    ledger.AuditSink
}

func NewGate(notifier Notifier, timeout time.Duration, audit ledger.AuditSink) *Gate {
	return &Gate{
		pending:  make(map[string]*pendingRequest),
		notifier: notifier,
		timeout:  timeout,
		audit:    audit,
	}
}

// Request registers a pending approval and posts the prompt. The returned
// id is what the approver resolves against.
func (g *Gate) Request(ctx context.Context, d Details) (string, error) {
	id := uuid.NewString()

	g.mu.Lock()
	g.pending[id] = &pendingRequest{
		details: d,
		ch:      make(chan resolution, 1),
	}
	pendingCount := len(g.pending)

	// Posting under the lock serializes prompt composition; the notifier
	// itself queues asynchronously so the section stays short.
	err := g.notifier.Notify(ctx, id, d)
	g.mu.Unlock()

	if err != nil {
		g.remove(id)
		return "", err
	}

	observ.SetGauge("approvals_pending", float64(pendingCount), nil)
	observ.IncCounter("approvals_requested_total", nil)
	g.appendAudit("approval_requested", id, map[string]any{
		"pool_id":    d.PoolID,
		"action":     d.Action,
		"amount_usd": d.AmountUSD.String(),
	})
	return id, nil
}

// Await blocks until the request resolves or the window closes. The zero
// timeout falls back to the gate's configured window.
func (g *Gate) Await(ctx context.Context, id string, timeout time.Duration) Outcome {
	if timeout <= 0 {
		timeout = g.timeout
	}

	g.mu.Lock()
	req, ok := g.pending[id]
	g.mu.Unlock()
	if !ok {
		return OutcomeDenied
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-req.ch:
		g.remove(id)
		if res.approved {
			observ.IncCounter("approvals_resolved_total", map[string]string{"outcome": "approved"})
			g.appendAudit("approval_granted", id, map[string]any{"approver": res.approver})
			return OutcomeApproved
		}
		observ.IncCounter("approvals_resolved_total", map[string]string{"outcome": "denied"})
		g.appendAudit("approval_denied", id, map[string]any{"approver": res.approver})
		return OutcomeDenied

	case <-timer.C:
		g.remove(id)
		observ.IncCounter("approvals_resolved_total", map[string]string{"outcome": "timed_out"})
		observ.Log("approval_timeout", map[string]any{"request_id": id, "timeout": timeout.String()})
		g.appendAudit("approval_timeout", id, map[string]any{"timeout_seconds": timeout.Seconds()})
		return OutcomeTimedOut

	case <-ctx.Done():
		// Shutdown in progress: the request is dropped and any eventual
		// resolution lands as unknown.
		g.remove(id)
		observ.IncCounter("approvals_resolved_total", map[string]string{"outcome": "cancelled"})
		g.appendAudit("approval_cancelled", id, nil)
		return OutcomeDenied
	}
}

// Resolve delivers the approver's verdict. Resolving a request that is no
// longer pending returns ErrUnknownRequest and changes nothing.
func (g *Gate) Resolve(id string, approved bool, approver string) error {
	g.mu.Lock()
	req, ok := g.pending[id]
	g.mu.Unlock()
	if !ok {
		observ.IncCounter("approvals_unknown_resolutions_total", nil)
		return ErrUnknownRequest
	}

	select {
	case req.ch <- resolution{approved: approved, approver: approver}:
		return nil
	default:
		// A second resolve raced the first; the buffered channel already
		// holds a verdict.
		return ErrUnknownRequest
	}
}

// PendingCount reports the number of unresolved requests.
func (g *Gate) PendingCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

func (g *Gate) remove(id string) {
	g.mu.Lock()
	delete(g.pending, id)
	count := len(g.pending)
	g.mu.Unlock()
	observ.SetGauge("approvals_pending", float64(count), nil)
}

func (g *Gate) appendAudit(event, id string, payload map[string]any) {
	if g.audit == nil {
		return
	}
	if payload == nil {
		payload = map[string]any{}
	}
	payload["request_id"] = id
	g.audit.Append(event, payload)
}
