package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/swapflow/internal/domain/order"
	"github.com/coachpo/swapflow/internal/domain/orderstore"
)

var _ orderstore.Store = (*OrderStore)(nil)

// OrderStore persists orders and their execution logs in PostgreSQL.
type OrderStore struct {
	pool *pgxpool.Pool
}

// NewOrderStore constructs an OrderStore backed by the provided pool.
func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

const (
	orderColumns = `
    id,
    amount::text,
    status,
    tx_hash,
    final_price::text,
    execution_logs,
    created_at,
    updated_at`

	orderInsertSQL = `
INSERT INTO orders (
    id,
    amount,
    status,
    execution_logs,
    created_at,
    updated_at
)
VALUES (
    @id,
    @amount::numeric,
    @status,
    @logs::jsonb,
    @created_at,
    @created_at
)
ON CONFLICT (id) DO NOTHING;
`

	// The terminal guard and the expected-status check run inside the UPDATE
	// so concurrent writers cannot both succeed.
	orderUpdateSQL = `
UPDATE orders
SET status = @status,
    tx_hash = COALESCE(tx_hash, @tx_hash),
    final_price = COALESCE(@final_price::numeric, final_price),
    execution_logs = execution_logs || jsonb_build_array(@entry::jsonb),
    updated_at = NOW()
WHERE id = @id
  AND status NOT IN ('CONFIRMED', 'FAILED')
  AND (@expect::text = '' OR status = @expect::text)
RETURNING` + orderColumns + `;
`

	orderSelectSQL = `SELECT` + orderColumns + `
FROM orders
WHERE id = $1;
`

	orderExistsSQL = `SELECT status FROM orders WHERE id = $1;`

	orderListBase = `SELECT` + orderColumns + `
FROM orders
WHERE 1=1`
)

func (s *OrderStore) ensurePool() (*pgxpool.Pool, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("order store: nil pool")
	}
	return s.pool, nil
}

// Create inserts a new order. An existing id yields orderstore.ErrExists.
func (s *OrderStore) Create(ctx context.Context, ord order.Order) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	id := strings.TrimSpace(ord.ID)
	if id == "" {
		return fmt.Errorf("order store: order id required")
	}
	logs, err := encodeLogs(ord.ExecutionLogs)
	if err != nil {
		return err
	}
	createdAt := ord.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	args := pgx.NamedArgs{
		"id":         id,
		"amount":     ord.Amount.String(),
		"status":     string(ord.Status),
		"logs":       logs,
		"created_at": createdAt,
	}
	tag, err := pool.Exec(ctx, orderInsertSQL, args)
	if err != nil {
		return fmt.Errorf("order store: insert order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", orderstore.ErrExists, id)
	}
	return nil
}

// Get loads a single order with its full log.
func (s *OrderStore) Get(ctx context.Context, id string) (order.Order, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return order.Order{}, err
	}
	id = strings.TrimSpace(id)
	ord, err := scanOrder(pool.QueryRow(ctx, orderSelectSQL, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return order.Order{}, fmt.Errorf("%w: %s", orderstore.ErrNotFound, id)
		}
		return order.Order{}, fmt.Errorf("order store: get order: %w", err)
	}
	return ord, nil
}

// Update applies upd in a single statement and returns the stored row.
func (s *OrderStore) Update(ctx context.Context, id string, upd orderstore.Update) (order.Order, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return order.Order{}, err
	}
	if err := upd.Validate(); err != nil {
		return order.Order{}, err
	}
	id = strings.TrimSpace(id)
	entry, err := json.Marshal(upd.Entry)
	if err != nil {
		return order.Order{}, fmt.Errorf("order store: encode log entry: %w", err)
	}
	args := pgx.NamedArgs{
		"id":          id,
		"status":      string(upd.Status),
		"expect":      string(upd.Expect),
		"tx_hash":     nullableText(upd.TxHash),
		"final_price": decimalArg(upd.FinalPrice),
		"entry":       string(entry),
	}
	ord, err := scanOrder(pool.QueryRow(ctx, orderUpdateSQL, args))
	if err == nil {
		return ord, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return order.Order{}, fmt.Errorf("order store: update order: %w", err)
	}

	// No row matched: distinguish a missing order from a lost race.
	var current string
	if err := pool.QueryRow(ctx, orderExistsSQL, id).Scan(&current); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return order.Order{}, fmt.Errorf("%w: %s", orderstore.ErrNotFound, id)
		}
		return order.Order{}, fmt.Errorf("order store: check order: %w", err)
	}
	return order.Order{}, fmt.Errorf("%w: %s expected %s, found %s", orderstore.ErrConflict, id, upd.Expect, current)
}

// List returns orders newest first, optionally filtered by status.
func (s *OrderStore) List(ctx context.Context, query orderstore.Query) ([]order.Order, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	limit := orderstore.ClampLimit(query.Limit)

	builder := strings.Builder{}
	builder.WriteString(orderListBase)

	args := make([]any, 0, 2)
	argPos := 1
	if statuses := normalizedStatuses(query.Statuses); len(statuses) > 0 {
		fmt.Fprintf(&builder, " AND status = ANY($%d)", argPos)
		args = append(args, statuses)
		argPos++
	}
	fmt.Fprintf(&builder, " ORDER BY created_at DESC, id ASC LIMIT $%d", argPos)
	args = append(args, limit)

	rows, err := pool.Query(ctx, builder.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("order store: list orders: %w", err)
	}
	defer rows.Close()

	records := make([]order.Order, 0, limit)
	for rows.Next() {
		ord, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("order store: scan order: %w", err)
		}
		records = append(records, ord)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("order store: iterate orders: %w", err)
	}
	return records, nil
}

func scanOrder(row pgx.Row) (order.Order, error) {
	var (
		id         string
		amount     string
		status     string
		txHash     *string
		finalPrice *string
		logs       []byte
		createdAt  time.Time
		updatedAt  time.Time
	)
	if err := row.Scan(&id, &amount, &status, &txHash, &finalPrice, &logs, &createdAt, &updatedAt); err != nil {
		return order.Order{}, err
	}
	amountValue, err := parseDecimal(amount)
	if err != nil {
		return order.Order{}, err
	}
	priceValue, err := parseOptionalDecimal(finalPrice)
	if err != nil {
		return order.Order{}, err
	}
	entries, err := decodeLogs(logs)
	if err != nil {
		return order.Order{}, err
	}
	return order.Order{
		ID:            id,
		Amount:        amountValue,
		Status:        order.Status(status),
		TxHash:        txHash,
		FinalPrice:    priceValue,
		ExecutionLogs: entries,
		CreatedAt:     createdAt.UTC(),
		UpdatedAt:     updatedAt.UTC(),
	}, nil
}

func encodeLogs(entries []order.LogEntry) (string, error) {
	if len(entries) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return "", fmt.Errorf("order store: encode execution logs: %w", err)
	}
	return string(data), nil
}

func decodeLogs(raw []byte) ([]order.LogEntry, error) {
	entries := []order.LogEntry{}
	if len(raw) == 0 {
		return entries, nil
	}
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("order store: decode execution logs: %w", err)
	}
	return entries, nil
}

func nullableText(ptr *string) any {
	if ptr == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*ptr)
	if trimmed == "" {
		return nil
	}
	return trimmed
}

func normalizedStatuses(statuses []order.Status) []string {
	if len(statuses) == 0 {
		return nil
	}
	out := make([]string, 0, len(statuses))
	seen := make(map[order.Status]struct{}, len(statuses))
	for _, status := range statuses {
		if !status.Valid() {
			continue
		}
		if _, dup := seen[status]; dup {
			continue
		}
		seen[status] = struct{}{}
		out = append(out, string(status))
	}
	return out
}
