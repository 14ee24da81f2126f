// Package orderstore defines persistence contracts for order lifecycle state.
package orderstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/coachpo/swapflow/internal/domain/order"
)

var (
	// ErrNotFound is returned when no order exists for the requested id.
	ErrNotFound = errors.New("order store: order not found")
	// ErrConflict is returned when an update's expected status no longer matches the stored one.
	ErrConflict = errors.New("order store: status conflict")
	// ErrExists is returned when creating an order whose id is already taken.
	ErrExists = errors.New("order store: order already exists")
)

// Update is a single atomic step applied to an order: a status change plus
// exactly one appended log entry.
type Update struct {
	// Expect is the status the caller advanced from. The update is rejected
	// with ErrConflict when the stored status differs.
	Expect     order.Status
	Status     order.Status
	TxHash     *string
	FinalPrice *decimal.Decimal
	Entry      order.LogEntry
}

// Query scopes order listings.
type Query struct {
	Statuses []order.Status `json:"statuses,omitempty"`
	Limit    int            `json:"limit,omitempty"`
}

// Store defines the contract for order persistence operations.
type Store interface {
	Create(ctx context.Context, ord order.Order) error
	Get(ctx context.Context, id string) (order.Order, error)
	// Update applies upd atomically and returns the stored order after the write.
	Update(ctx context.Context, id string, upd Update) (order.Order, error)
	List(ctx context.Context, query Query) ([]order.Order, error)
}

const (
	// DefaultListLimit is applied when Query.Limit is unset.
	DefaultListLimit = 50
	// MaxListLimit caps Query.Limit.
	MaxListLimit = 500
)

// ClampLimit normalises a requested page size.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}

// Validate checks that an update is internally consistent before it is applied.
func (u Update) Validate() error {
	if !u.Status.Valid() {
		return fmt.Errorf("order store: invalid status %q", u.Status)
	}
	if u.Expect != "" && !u.Expect.Valid() {
		return fmt.Errorf("order store: invalid expected status %q", u.Expect)
	}
	if u.Entry.Status != u.Status {
		return fmt.Errorf("order store: log entry status %q does not match %q", u.Entry.Status, u.Status)
	}
	if u.Entry.Timestamp.IsZero() {
		return fmt.Errorf("order store: log entry timestamp required")
	}
	return nil
}
