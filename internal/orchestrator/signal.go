package orchestrator

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Action is the kind of trade a signal requests.
type Action string

const (
	ActionOpen      Action = "OPEN"
	ActionClose     Action = "CLOSE"
	ActionClaimFees Action = "CLAIM_FEES"
	ActionBuy       Action = "BUY"
	ActionSell      Action = "SELL"
)

var validActions = map[Action]bool{
	ActionOpen:      true,
	ActionClose:     true,
	ActionClaimFees: true,
	ActionBuy:       true,
	ActionSell:      true,
}

// Signal is an immutable trade request. Validation happens at the
// boundary; a signal that reaches the state machine is well formed.
type Signal struct {
	Venue      string            `json:"venue"`
	PoolID     string            `json:"pool_id"`
	Symbol     string            `json:"symbol"`
	Action     Action            `json:"action"`
	AmountUSD  decimal.Decimal   `json:"amount_usd"`
	PositionID string            `json:"position_id,omitempty"`
	Params     map[string]string `json:"params,omitempty"`
	ReceivedAt time.Time         `json:"received_at"`
}

// ErrMalformedSignal is returned before any risk state is touched.
var ErrMalformedSignal = errors.New("malformed signal")

func (s Signal) Validate() error {
	if !validActions[s.Action] {
		return fmt.Errorf("%w: unknown action %q", ErrMalformedSignal, s.Action)
	}
	if s.PoolID == "" {
		return fmt.Errorf("%w: missing pool_id", ErrMalformedSignal)
	}
	if s.AmountUSD.IsNegative() {
		return fmt.Errorf("%w: negative amount", ErrMalformedSignal)
	}
	switch s.Action {
	case ActionClose, ActionClaimFees, ActionSell:
		if s.PositionID == "" {
			return fmt.Errorf("%w: %s requires position_id", ErrMalformedSignal, s.Action)
		}
	}
	return nil
}

// Status is the terminal disposition of a processed signal.
type Status string

const (
	StatusSuccess          Status = "SUCCESS"
	StatusRejected         Status = "REJECTED"
	StatusError            Status = "ERROR"
	StatusAwaitingApproval Status = "AWAITING_APPROVAL"
)

// Reason codes surfaced by the orchestrator itself. Risk rejections
// carry the risk manager's own reason codes.
const (
	ReasonMalformedSignal        = "malformed_signal"
	ReasonPoolBusy               = "pool_busy"
	ReasonUnknownPosition        = "unknown_position"
	ReasonHalted                 = "halted"
	ReasonApprovalDenied         = "approval_denied"
	ReasonApprovalTimeout        = "approval_timeout"
	ReasonExecutionFailure       = "execution_failure"
	ReasonQuoteUnavailable       = "quote_unavailable"
	ReasonReconciliationRequired = "reconciliation_required"
)

// Result is what the caller gets back for a signal.
type Result struct {
	Status     Status   `json:"status"`
	Reason     string   `json:"reason,omitempty"`
	PositionID string   `json:"position_id,omitempty"`
	ApprovalID string   `json:"approval_id,omitempty"`
	TxIDs      []string `json:"tx_ids,omitempty"`
}

func rejected(reason string) Result {
	return Result{Status: StatusRejected, Reason: reason}
}

func failed(reason string) Result {
	return Result{Status: StatusError, Reason: reason}
}
