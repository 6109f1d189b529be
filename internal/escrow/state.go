package escrow

import (
	"fmt"
	"strings"

	"sensororacle/internal/apperr"
)

// State is a step of one asset request.
type State int

const (
	StateRequested State = iota
	StateBalanceChecked
	StateFundsTransferred
	StatePackageFetched
	StateMinted
	StateRejected
	StateRefunding
	StateRefunded
)

func (s State) String() string {
	switch s {
	case StateRequested:
		return "requested"
	case StateBalanceChecked:
		return "balance_checked"
	case StateFundsTransferred:
		return "funds_transferred"
	case StatePackageFetched:
		return "package_fetched"
	case StateMinted:
		return "minted"
	case StateRejected:
		return "rejected"
	case StateRefunding:
		return "refunding"
	case StateRefunded:
		return "refunded"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// RefundOutcome reports the single compensating transfer of a failed request.
type RefundOutcome struct {
	Amount        uint64
	TransactionID string
	Err           error
}

func (r *RefundOutcome) Succeeded() bool { return r != nil && r.Err == nil }

// RequestError is the terminal failure of an asset request. It unwraps to
// the cause, so errors.Is against apperr sentinels classifies it.
type RequestError struct {
	// State is the terminal state: Rejected before funds moved, Refunded
	// once a refund was attempted.
	State State
	// Step is the last state reached before the failure.
	Step   State
	Cause  error
	Refund *RefundOutcome
}

func (e *RequestError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "asset request failed after %s: %v", e.Step, e.Cause)
	if e.Refund != nil {
		if e.Refund.Err != nil {
			fmt.Fprintf(&b, " (refund of %d failed: %v)", e.Refund.Amount, e.Refund.Err)
		} else {
			fmt.Fprintf(&b, " (refunded %d in %s)", e.Refund.Amount, e.Refund.TransactionID)
		}
	}
	return b.String()
}

func (e *RequestError) Unwrap() error { return e.Cause }

// Code returns the outward error code of the cause.
func (e *RequestError) Code() apperr.Code { return apperr.CodeOf(e.Cause) }
