// Package router defines the DEX routing contract consumed by the execution pipeline.
package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Quote is a priced offer obtained from a venue before committing to a swap.
type Quote struct {
	Provider string          `json:"provider"`
	Price    decimal.Decimal `json:"price"`
	Amount   decimal.Decimal `json:"amount"`
	QuotedAt time.Time       `json:"quotedAt"`
}

// ExecutionResult describes a settled swap.
type ExecutionResult struct {
	TxHash     string          `json:"txHash"`
	FinalPrice decimal.Decimal `json:"finalPrice"`
}

// Router prices and executes swaps.
//
// Quote fails with a transient or fatal *Fault when no venue can be reached.
// Execute additionally distinguishes slippage rejections with FaultSlippage.
type Router interface {
	Quote(ctx context.Context, amount decimal.Decimal) (Quote, error)
	Execute(ctx context.Context, quote Quote) (ExecutionResult, error)
}

// FaultKind tags the failure classes a router may report.
type FaultKind uint8

const (
	// FaultTransient covers network and system faults that may succeed on another attempt.
	FaultTransient FaultKind = iota + 1
	// FaultSlippage marks a business-rule rejection: the realised price left the tolerance band.
	FaultSlippage
	// FaultFatal marks a permanent rejection unrelated to price movement.
	FaultFatal
)

func (k FaultKind) String() string {
	switch k {
	case FaultTransient:
		return "transient"
	case FaultSlippage:
		return "slippage"
	case FaultFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Fault is the error type returned by Router implementations.
type Fault struct {
	Kind   FaultKind
	Venue  string
	Reason string

	cause error
}

func (f *Fault) Error() string {
	if f == nil {
		return "<nil>"
	}
	var b strings.Builder
	b.WriteString("router ")
	b.WriteString(f.Kind.String())
	b.WriteString(" fault")
	if f.Venue != "" {
		b.WriteString(" venue=")
		b.WriteString(f.Venue)
	}
	if f.Reason != "" {
		b.WriteString(": ")
		b.WriteString(f.Reason)
	}
	if f.cause != nil {
		b.WriteString(": ")
		b.WriteString(f.cause.Error())
	}
	return b.String()
}

func (f *Fault) Unwrap() error { return f.cause }

// Message renders the fault for humans without the classification prefix.
func (f *Fault) Message() string {
	if f == nil {
		return ""
	}
	switch {
	case f.Reason != "" && f.cause != nil:
		return f.Reason + ": " + f.cause.Error()
	case f.Reason != "":
		return f.Reason
	case f.cause != nil:
		return f.cause.Error()
	default:
		return f.Kind.String() + " fault"
	}
}

// Slippage builds a slippage fault.
func Slippage(venue, format string, args ...any) *Fault {
	return &Fault{Kind: FaultSlippage, Venue: venue, Reason: fmt.Sprintf(format, args...)}
}

// Transient builds a transient fault wrapping cause.
func Transient(venue string, cause error) *Fault {
	return &Fault{Kind: FaultTransient, Venue: venue, cause: cause}
}

// Fatal builds a permanent fault.
func Fatal(venue, format string, args ...any) *Fault {
	return &Fault{Kind: FaultFatal, Venue: venue, Reason: fmt.Sprintf(format, args...)}
}

// Classify maps any error returned by a Router onto a Fault.
// Errors that are not faults, including context cancellation, classify as transient.
func Classify(err error) *Fault {
	if err == nil {
		return nil
	}
	var fault *Fault
	if errors.As(err, &fault) && fault != nil {
		switch fault.Kind {
		case FaultTransient, FaultSlippage, FaultFatal:
			return fault
		}
		return &Fault{Kind: FaultTransient, Venue: fault.Venue, Reason: fault.Reason, cause: fault.cause}
	}
	return &Fault{Kind: FaultTransient, cause: err}
}
