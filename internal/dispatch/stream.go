package dispatch

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tunnelgate/gateway/internal/connlog"
)

// upgrader accepts any origin, matching the teacher's admin-facing
// websocket upgrader (cmd/flowersec-proxy-gateway/gateway.go serveWS):
// the stream is gated by the admin API key, not by Origin.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

const streamWriteTimeout = 10 * time.Second

// handleConnectionLogsStream implements GET /api/admin/connection-logs/stream
// (SPEC_FULL.md §4.12): upgrades to a websocket and pushes every
// connlog.Entry appended from this point on as a JSON text frame, until
// the client disconnects. Entries that arrive while the client's send
// buffer is full are dropped; the stream itself stays open.
//
// Unlike the teacher's bidirectional proxy pump, this stream is
// one-directional (gateway -> admin client): there is nothing useful for
// the admin to send back, so only a close-detecting reader runs
// alongside the entry pump.
func (h *Handler) handleConnectionLogsStream(w http.ResponseWriter, r *http.Request) {
	if !checkAdminKey(r, h.AdminAPIKey) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "Unauthorized"})
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	depth := h.WSBufferDepth
	if depth <= 0 {
		depth = 64
	}
	entries := make(chan connlog.Entry, depth)
	unsubscribe := h.ConnLog.Subscribe(func(e connlog.Entry) {
		select {
		case entries <- e:
		default:
			// Slow reader: drop the entry rather than block the appender
			// (connlog.Subscriber must never block, per connlog.Log's
			// contract).
		}
	})
	defer unsubscribe()

	errCh := make(chan error, 2)
	done := make(chan struct{})
	defer close(done)

	// Drain client frames solely to detect the close handshake; the
	// gateway never expects inbound payloads on this stream.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				errCh <- err
				return
			}
		}
	}()

	go func() {
		for {
			select {
			case <-done:
				return
			case e := <-entries:
				payload, err := json.Marshal(e)
				if err != nil {
					continue
				}
				_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
				if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
					errCh <- err
					return
				}
			}
		}
	}()

	<-errCh
}
