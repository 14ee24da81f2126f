package httpserver

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/coder/websocket"

	"github.com/coachpo/swapflow/internal/app/gateway"
	"github.com/coachpo/swapflow/internal/observability"
)

var _ gateway.Conn = (*wsConn)(nil)

// wsConn adapts a server-side WebSocket to gateway.Conn. Reads are handled by
// CloseRead, whose context ends when the client disconnects.
type wsConn struct {
	conn *websocket.Conn
	ctx  context.Context
}

func (c *wsConn) Write(ctx context.Context, payload []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, payload)
}

func (c *wsConn) Done() <-chan struct{} { return c.ctx.Done() }

func (s *httpServer) streamOrder(w http.ResponseWriter, r *http.Request) {
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, streamPrefix), "/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, "order id required")
		return
	}
	if s.streams == nil {
		writeError(w, http.StatusServiceUnavailable, "order stream unavailable")
		return
	}
	if s.store != nil {
		if _, err := s.store.Get(r.Context(), id); err != nil {
			s.writeStoreError(w, err)
			return
		}
	}

	opts := &websocket.AcceptOptions{
		InsecureSkipVerify: len(s.origins) == 0,
		OriginPatterns:     s.origins,
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Warn("http: websocket upgrade failed", observability.F("order_id", id), observability.Err(err))
		return
	}
	defer conn.CloseNow()

	readCtx := conn.CloseRead(r.Context())
	if err := s.streams.Serve(r.Context(), id, &wsConn{conn: conn, ctx: readCtx}); err != nil {
		s.logger.Warn("http: order stream ended with error", observability.F("order_id", id), observability.Err(err))
		if errors.Is(err, gateway.ErrSlowConsumer) {
			_ = conn.Close(websocket.StatusTryAgainLater, "slow consumer")
			return
		}
		_ = conn.Close(websocket.StatusInternalError, "stream failed")
		return
	}
	_ = conn.Close(websocket.StatusNormalClosure, "")
}
