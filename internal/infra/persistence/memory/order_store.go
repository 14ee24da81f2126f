// Package memory provides an in-process order store used in development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coachpo/swapflow/internal/domain/order"
	"github.com/coachpo/swapflow/internal/domain/orderstore"
)

var _ orderstore.Store = (*OrderStore)(nil)

// OrderStore is a mutex-guarded map of orders. Each record has its own lock so
// updates to different orders never contend.
type OrderStore struct {
	mu      sync.RWMutex
	records map[string]*entry
	now     func() time.Time
}

type entry struct {
	mu    sync.Mutex
	order order.Order
}

// Option customises the store.
type Option func(*OrderStore)

// WithClock overrides the clock used for UpdatedAt bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(s *OrderStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewOrderStore constructs an empty store.
func NewOrderStore(opts ...Option) *OrderStore {
	store := new(OrderStore)
	store.records = make(map[string]*entry)
	store.now = time.Now
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	return store
}

// Create inserts a new order.
func (s *OrderStore) Create(ctx context.Context, ord order.Order) error {
	if err := checkContext(ctx, "create"); err != nil {
		return err
	}
	id := strings.TrimSpace(ord.ID)
	if id == "" {
		return fmt.Errorf("order store: order id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[id]; exists {
		return fmt.Errorf("%w: %s", orderstore.ErrExists, id)
	}
	s.records[id] = &entry{order: ord.Clone()}
	return nil
}

// Get returns a copy of the stored order.
func (s *OrderStore) Get(ctx context.Context, id string) (order.Order, error) {
	if err := checkContext(ctx, "get"); err != nil {
		return order.Order{}, err
	}
	e, ok := s.lookup(id)
	if !ok {
		return order.Order{}, fmt.Errorf("%w: %s", orderstore.ErrNotFound, id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.order.Clone(), nil
}

// Update applies upd under the record lock so readers never observe a status
// without its log entry.
func (s *OrderStore) Update(ctx context.Context, id string, upd orderstore.Update) (order.Order, error) {
	if err := checkContext(ctx, "update"); err != nil {
		return order.Order{}, err
	}
	if err := upd.Validate(); err != nil {
		return order.Order{}, err
	}
	e, ok := s.lookup(id)
	if !ok {
		return order.Order{}, fmt.Errorf("%w: %s", orderstore.ErrNotFound, id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	current := e.order.Status
	if current.Terminal() {
		return order.Order{}, fmt.Errorf("%w: %s is terminal (%s)", orderstore.ErrConflict, id, current)
	}
	if upd.Expect != "" && upd.Expect != current {
		return order.Order{}, fmt.Errorf("%w: %s expected %s, found %s", orderstore.ErrConflict, id, upd.Expect, current)
	}

	next := e.order.Clone()
	next.Status = upd.Status
	if upd.TxHash != nil && next.TxHash == nil {
		hash := *upd.TxHash
		next.TxHash = &hash
	}
	if upd.FinalPrice != nil {
		price := *upd.FinalPrice
		next.FinalPrice = &price
	}
	next.ExecutionLogs = append(next.ExecutionLogs, upd.Entry)
	next.UpdatedAt = s.now().UTC()
	e.order = next
	return next.Clone(), nil
}

// List returns orders newest first.
func (s *OrderStore) List(ctx context.Context, query orderstore.Query) ([]order.Order, error) {
	if err := checkContext(ctx, "list"); err != nil {
		return nil, err
	}
	wanted := make(map[order.Status]struct{}, len(query.Statuses))
	for _, status := range query.Statuses {
		wanted[status] = struct{}{}
	}

	s.mu.RLock()
	entries := make([]*entry, 0, len(s.records))
	for _, e := range s.records {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	out := make([]order.Order, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		snapshot := e.order.Clone()
		e.mu.Unlock()
		if len(wanted) > 0 {
			if _, ok := wanted[snapshot.Status]; !ok {
				continue
			}
		}
		out = append(out, snapshot)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit := orderstore.ClampLimit(query.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *OrderStore) lookup(id string) (*entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.records[strings.TrimSpace(id)]
	return e, ok
}

func checkContext(ctx context.Context, op string) error {
	if ctx == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("memory order store %s context: %w", op, ctx.Err())
	default:
		return nil
	}
}
