package execution

import (
	"strings"
	"time"
)

// Kind classifies worker failures for the queue's retry policy.
type Kind uint8

const (
	// KindNotFound means the job references an order that does not exist.
	KindNotFound Kind = iota + 1
	// KindInternal means a broken invariant such as an invalid transition.
	KindInternal
	// KindBusy means another live execution owns the order.
	KindBusy
	// KindTransient means the step may succeed on redelivery.
	KindTransient
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindInternal:
		return "internal"
	case KindBusy:
		return "busy"
	case KindTransient:
		return "transient"
	default:
		return "unknown"
	}
}

// Error is returned by Worker.Process.
type Error struct {
	Kind    Kind
	OrderID string

	cause      error
	retryAfter time.Duration
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	var b strings.Builder
	b.WriteString("execution ")
	b.WriteString(e.Kind.String())
	if e.OrderID != "" {
		b.WriteString(" order=")
		b.WriteString(e.OrderID)
	}
	if e.cause != nil {
		b.WriteString(": ")
		b.WriteString(e.cause.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.cause }

// Retryable reports whether the queue should deliver the job again.
func (e *Error) Retryable() bool {
	if e == nil {
		return false
	}
	switch e.Kind {
	case KindBusy, KindTransient:
		return true
	case KindNotFound, KindInternal:
		return false
	default:
		return false
	}
}

// DeferFor reports how long a busy order should be parked before it is
// looked at again. Other kinds return 0.
func (e *Error) DeferFor() time.Duration {
	if e == nil || e.Kind != KindBusy {
		return 0
	}
	return e.retryAfter
}

func newError(kind Kind, orderID string, cause error) *Error {
	return &Error{Kind: kind, OrderID: orderID, cause: cause}
}
