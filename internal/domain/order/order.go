// Package order models swap orders, their audit log and the execution state machine.
package order

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle position of an order in the execution pipeline.
type Status string

const (
	// StatusPending is the only initial status.
	StatusPending Status = "PENDING"
	// StatusRouting means the worker is collecting venue quotes.
	StatusRouting Status = "ROUTING"
	// StatusBuilding means the swap transaction is being assembled.
	StatusBuilding Status = "BUILDING"
	// StatusSubmitted means the transaction was handed to the network.
	StatusSubmitted Status = "SUBMITTED"
	// StatusConfirmed is terminal: the swap settled.
	StatusConfirmed Status = "CONFIRMED"
	// StatusFailed is terminal: the swap was abandoned.
	StatusFailed Status = "FAILED"
)

var pipeline = []Status{
	StatusPending,
	StatusRouting,
	StatusBuilding,
	StatusSubmitted,
	StatusConfirmed,
	StatusFailed,
}

// Statuses returns every status in pipeline order.
func Statuses() []Status {
	out := make([]Status, len(pipeline))
	copy(out, pipeline)
	return out
}

// Terminal reports whether no transition may leave s.
func (s Status) Terminal() bool {
	return s == StatusConfirmed || s == StatusFailed
}

// InFlight reports whether a worker has started but not finished driving the order.
func (s Status) InFlight() bool {
	return s == StatusRouting || s == StatusBuilding || s == StatusSubmitted
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, candidate := range pipeline {
		if s == candidate {
			return true
		}
	}
	return false
}

// ParseStatus normalises and validates a textual status.
func ParseStatus(raw string) (Status, error) {
	status := Status(strings.ToUpper(strings.TrimSpace(raw)))
	if !status.Valid() {
		return "", fmt.Errorf("order: unknown status %q", raw)
	}
	return status, nil
}

// LogEntry is one line of an order's append-only audit trail.
type LogEntry struct {
	Status    Status    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// Order is the persisted record of a swap request.
type Order struct {
	ID            string           `json:"id"`
	Amount        decimal.Decimal  `json:"amount"`
	Status        Status           `json:"status"`
	TxHash        *string          `json:"txHash,omitempty"`
	FinalPrice    *decimal.Decimal `json:"finalPrice,omitempty"`
	ExecutionLogs []LogEntry       `json:"executionLogs"`
	CreatedAt     time.Time        `json:"createdAt"`
	UpdatedAt     time.Time        `json:"updatedAt"`
}

// New builds a PENDING order.
func New(id string, amount decimal.Decimal, now time.Time) (Order, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Order{}, fmt.Errorf("order: id required")
	}
	if !amount.IsPositive() {
		return Order{}, fmt.Errorf("order: amount must be positive, got %s", amount.String())
	}
	now = now.UTC()
	return Order{
		ID:            id,
		Amount:        amount,
		Status:        StatusPending,
		TxHash:        nil,
		FinalPrice:    nil,
		ExecutionLogs: []LogEntry{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// LastEntry returns the most recent audit entry.
func (o Order) LastEntry() (LogEntry, bool) {
	if len(o.ExecutionLogs) == 0 {
		return LogEntry{}, false
	}
	return o.ExecutionLogs[len(o.ExecutionLogs)-1], true
}

// Clone returns a deep copy safe to hand across goroutines.
func (o Order) Clone() Order {
	out := o
	if o.TxHash != nil {
		hash := *o.TxHash
		out.TxHash = &hash
	}
	if o.FinalPrice != nil {
		price := *o.FinalPrice
		out.FinalPrice = &price
	}
	out.ExecutionLogs = make([]LogEntry, len(o.ExecutionLogs))
	copy(out.ExecutionLogs, o.ExecutionLogs)
	return out
}

// NextTimestamp returns now in UTC, nudged forward so it is strictly after prev.
func NextTimestamp(prev, now time.Time) time.Time {
	now = now.UTC()
	if prev.IsZero() || now.After(prev) {
		return now
	}
	return prev.UTC().Add(time.Microsecond)
}
