// Package httpserver exposes order intake, order audit and the live order
// stream over HTTP and WebSocket.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/coachpo/swapflow/errs"
	"github.com/coachpo/swapflow/internal/app/gateway"
	"github.com/coachpo/swapflow/internal/domain/order"
	"github.com/coachpo/swapflow/internal/domain/orderstore"
	"github.com/coachpo/swapflow/internal/infra/queue"
	"github.com/coachpo/swapflow/internal/observability"
)

const (
	maxJSONBodyBytes int64 = 1 << 20 // 1 MiB

	healthPath        = "/health"
	executePath       = "/api/orders/execute"
	ordersPath        = "/api/orders"
	orderDetailPrefix = ordersPath + "/"
	streamPrefix      = "/orders/"
)

type handlerFunc func(http.ResponseWriter, *http.Request)

// Enqueuer hands accepted orders to the execution queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, orderID string) (queue.Job, error)
}

// Streamer serves one order's event stream on a client connection.
type Streamer interface {
	Serve(ctx context.Context, orderID string, conn gateway.Conn) error
}

// Options wires the handler to the order pipeline.
type Options struct {
	Store   orderstore.Store
	Queue   Enqueuer
	Streams Streamer
	Logger  observability.Logger
	Now     func() time.Time
	NewID   func() string
	// AllowedOrigins are host patterns accepted on WebSocket upgrades. Empty
	// accepts any origin.
	AllowedOrigins []string
}

type httpServer struct {
	store   orderstore.Store
	queue   Enqueuer
	streams Streamer
	logger  observability.Logger
	now     func() time.Time
	newID   func() string
	origins []string
}

// NewHandler creates the HTTP handler for the order API.
func NewHandler(opts Options) http.Handler {
	server := &httpServer{
		store:   opts.Store,
		queue:   opts.Queue,
		streams: opts.Streams,
		logger:  observability.Or(opts.Logger),
		now:     opts.Now,
		newID:   opts.NewID,
		origins: opts.AllowedOrigins,
	}
	if server.now == nil {
		server.now = time.Now
	}
	if server.newID == nil {
		server.newID = uuid.NewString
	}
	mux := http.NewServeMux()

	mux.Handle(healthPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.health,
	}))
	mux.Handle(executePath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.executeOrder,
	}))
	mux.Handle(ordersPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.listOrders,
	}))
	mux.Handle(orderDetailPrefix, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getOrder,
	}))
	mux.Handle(streamPrefix, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.streamOrder,
	}))

	return withCORS(mux)
}

func (s *httpServer) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	if len(handlers) == 0 {
		return nil
	}
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

func (s *httpServer) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type executeRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

func (s *httpServer) executeOrder(w http.ResponseWriter, r *http.Request) {
	if s.store == nil || s.queue == nil {
		writeError(w, http.StatusServiceUnavailable, "order intake unavailable")
		return
	}
	limitRequestBody(w, r)
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDecodeError(w, err)
		return
	}
	ord, err := order.New(s.newID(), req.Amount, s.now())
	if err != nil {
		writeError(w, http.StatusBadRequest, "amount must be a positive number")
		return
	}
	if err := s.store.Create(r.Context(), ord); err != nil {
		s.logger.Error("http: create order failed", observability.F("order_id", ord.ID), observability.Err(err))
		writeError(w, http.StatusInternalServerError, "could not store order")
		return
	}
	job, err := s.queue.Enqueue(r.Context(), ord.ID)
	if err != nil {
		s.logger.Error("http: enqueue order failed", observability.F("order_id", ord.ID), observability.Err(err))
		writeQueueError(w, err)
		return
	}
	s.logger.Info("http: order accepted",
		observability.F("order_id", ord.ID),
		observability.F("job_id", job.ID),
		observability.F("amount", ord.Amount.String()))
	writeJSON(w, http.StatusAccepted, map[string]string{"orderId": ord.ID})
}

func (s *httpServer) getOrder(w http.ResponseWriter, r *http.Request) {
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, orderDetailPrefix), "/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, "order id required")
		return
	}
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "order store unavailable")
		return
	}
	ord, err := s.store.Get(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ord)
}

func (s *httpServer) listOrders(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "order store unavailable")
		return
	}
	query, err := parseListQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	orders, err := s.store.List(r.Context(), query)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if orders == nil {
		orders = []order.Order{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": orders})
}

func parseListQuery(r *http.Request) (orderstore.Query, error) {
	var query orderstore.Query
	values := r.URL.Query()
	for _, raw := range values["status"] {
		for _, part := range strings.Split(raw, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			status, err := order.ParseStatus(part)
			if err != nil {
				return orderstore.Query{}, fmt.Errorf("unknown status %q, want one of %s", part, statusList())
			}
			query.Statuses = append(query.Statuses, status)
		}
	}
	if raw := strings.TrimSpace(values.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return orderstore.Query{}, fmt.Errorf("limit must be a positive integer")
		}
		query.Limit = limit
	}
	query.Limit = orderstore.ClampLimit(query.Limit)
	return query, nil
}

func statusList() string {
	statuses := order.Statuses()
	names := make([]string, len(statuses))
	for i, status := range statuses {
		names[i] = string(status)
	}
	return strings.Join(names, ", ")
}

// writeQueueError maps queue error codes onto responses. A closed queue
// asks the client to come back; an id the queue rejects is our fault.
func writeQueueError(w http.ResponseWriter, err error) {
	switch {
	case errs.HasCode(err, errs.CodeUnavailable):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "order intake is shutting down")
	case errs.HasCode(err, errs.CodeInvalid):
		writeError(w, http.StatusInternalServerError, "order rejected by queue")
	default:
		writeError(w, http.StatusServiceUnavailable, "could not queue order")
	}
}

func (s *httpServer) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, orderstore.ErrNotFound):
		writeError(w, http.StatusNotFound, "order not found")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, "request cancelled")
	default:
		s.logger.Error("http: order store failed", observability.Err(err))
		writeError(w, http.StatusInternalServerError, "order store failure")
	}
}

func limitRequestBody(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
}

func writeDecodeError(w http.ResponseWriter, err error) {
	if isRequestTooLarge(err) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid payload: %v", err))
}

func isRequestTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr)
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}

func withCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
