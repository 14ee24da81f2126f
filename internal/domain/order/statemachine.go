package order

import (
	"errors"
	"fmt"

	"github.com/coachpo/swapflow/internal/domain/router"
)

// ErrInvalidTransition is matched by every rejected Advance call.
var ErrInvalidTransition = errors.New("order: invalid transition")

// OutcomeKind enumerates the step results fed into the state machine.
type OutcomeKind uint8

const (
	// OutcomeStart begins routing a pending order.
	OutcomeStart OutcomeKind = iota + 1
	// OutcomeQuoted carries the selected venue quote.
	OutcomeQuoted
	// OutcomeBuilt marks the transaction as assembled.
	OutcomeBuilt
	// OutcomeExecuted carries the settled swap.
	OutcomeExecuted
	// OutcomeFailed carries the classified router fault.
	OutcomeFailed
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeStart:
		return "start"
	case OutcomeQuoted:
		return "quoted"
	case OutcomeBuilt:
		return "built"
	case OutcomeExecuted:
		return "executed"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Outcome is the input to Advance. Build values with the constructors below.
type Outcome struct {
	Kind   OutcomeKind
	Quote  router.Quote
	Result router.ExecutionResult
	Fault  *router.Fault
}

// Start is the outcome that moves a pending order into routing.
func Start() Outcome { return Outcome{Kind: OutcomeStart} }

// Quoted reports the quote chosen by the router.
func Quoted(q router.Quote) Outcome { return Outcome{Kind: OutcomeQuoted, Quote: q} }

// Built reports that the swap transaction is ready for submission.
func Built() Outcome { return Outcome{Kind: OutcomeBuilt} }

// Executed reports a settled swap.
func Executed(res router.ExecutionResult) Outcome {
	return Outcome{Kind: OutcomeExecuted, Result: res}
}

// Failed reports a classified fault.
func Failed(f *router.Fault) Outcome { return Outcome{Kind: OutcomeFailed, Fault: f} }

// TransitionError describes a rejected transition.
type TransitionError struct {
	From    Status
	Outcome OutcomeKind
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("order: invalid transition from %s on %s", e.From, e.Outcome)
}

// Is lets errors.Is match ErrInvalidTransition.
func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// Advance computes the next status and its audit message.
// It is pure: the same inputs always produce the same outputs.
func Advance(current Status, outcome Outcome) (Status, string, error) {
	reject := func() (Status, string, error) {
		return "", "", &TransitionError{From: current, Outcome: outcome.Kind}
	}
	if current.Terminal() || !current.Valid() {
		return reject()
	}

	switch outcome.Kind {
	case OutcomeStart:
		if current != StatusPending {
			return reject()
		}
		return StatusRouting, "Finding best route...", nil
	case OutcomeQuoted:
		if current != StatusRouting {
			return reject()
		}
		return StatusBuilding, fmt.Sprintf("Quote received: %s @ %s", outcome.Quote.Provider, outcome.Quote.Price.String()), nil
	case OutcomeBuilt:
		if current != StatusBuilding {
			return reject()
		}
		return StatusSubmitted, "Transaction submitted to network", nil
	case OutcomeExecuted:
		if current != StatusSubmitted {
			return reject()
		}
		return StatusConfirmed, fmt.Sprintf("Swap confirmed. Final Price: %s", outcome.Result.FinalPrice.String()), nil
	case OutcomeFailed:
		if !current.InFlight() || outcome.Fault == nil {
			return reject()
		}
		return StatusFailed, failureMessage(outcome.Fault), nil
	default:
		return reject()
	}
}

func failureMessage(f *router.Fault) string {
	switch f.Kind {
	case router.FaultSlippage:
		return "Slippage error: " + f.Message()
	case router.FaultFatal:
		return "Execution error: " + f.Message()
	case router.FaultTransient:
		return "Network/System error: " + f.Message() + ". Retrying..."
	default:
		return "Network/System error: " + f.Message() + ". Retrying..."
	}
}
