// Package dispatch implements the gateway's HTTP API (spec.md §4.7): the
// agent-forwarding endpoint plus the admin health, security, cleanup and
// connection-log surfaces, grounded on the teacher's
// cmd/flowersec-proxy-gateway/gateway.go host-routed http.Handler.
package dispatch

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/tunnelgate/gateway/internal/connlog"
	"github.com/tunnelgate/gateway/internal/gwerrors"
	"github.com/tunnelgate/gateway/internal/gwlog"
	"github.com/tunnelgate/gateway/internal/observability"
	"github.com/tunnelgate/gateway/internal/registry"
	"github.com/tunnelgate/gateway/internal/security"
	"github.com/tunnelgate/gateway/internal/tunnel"
	"github.com/tunnelgate/gateway/internal/wire"
)

// Registry is the subset of *registry.Registry the dispatch layer needs.
type Registry interface {
	ForwardToNamed(req wire.Request) (wire.Response, error)
	Names() []string
	Details() []registry.Detail
	Get(name string) (registry.Detail, bool)
	Count() int
	Sweep() []string
}

// Ledger is the subset of *security.Ledger the dispatch layer needs.
type Ledger interface {
	IsBanned(ip string) bool
	Ban(ip string)
	Unban(ip string) bool
	AutoBanStatus(ip string) security.AutoBanStatus
	Snapshot() security.Snapshot
}

// ConnLog is the subset of *connlog.Log the dispatch layer needs.
type ConnLog interface {
	LogDisconnect(name, ip, reason string)
	Subscribe(fn connlog.Subscriber) (unsubscribe func())
	Filter(eventType connlog.Event, clientName string, limit int) []connlog.Entry
	Clear()
	Stats() connlog.Stats
	Len() int
}

// Handler is the gateway's HTTP API surface.
type Handler struct {
	Registry Registry
	Ledger   Ledger
	ConnLog  ConnLog

	AdminAPIKey   string
	GzipThreshold int
	WSBufferDepth int

	Observer  observability.GatewayObserver
	Logger    *gwlog.Logger
	StartedAt time.Time

	mux *http.ServeMux
}

// New constructs a Handler and wires its routes. Observer defaults to
// observability.Noop and StartedAt to time.Now() if left zero; Logger is
// kept as given and is not defaulted.
func New(h *Handler) *Handler {
	if h.Observer == nil {
		h.Observer = observability.Noop
	}
	if h.StartedAt.IsZero() {
		h.StartedAt = time.Now()
	}
	h.mux = http.NewServeMux()
	h.routes()
	return h
}

func (h *Handler) routes() {
	gz := gzipMiddleware(h.GzipThreshold)

	h.mux.HandleFunc("POST /api/forward", h.handleForward)
	h.mux.HandleFunc("GET /api/health", gz(h.handleHealth))
	h.mux.HandleFunc("GET /api/health/{name}", gz(h.handleHealthByName))
	h.mux.HandleFunc("GET /api/security-status", gz(h.requireAdmin(h.handleSecurityStatus)))
	h.mux.HandleFunc("POST /api/admin/security", gz(h.requireAdmin(h.handleAdminSecurity)))
	h.mux.HandleFunc("POST /api/cleanup-connections", gz(h.requireAdmin(h.handleCleanupConnections)))
	h.mux.HandleFunc("GET /api/admin/connection-logs", gz(h.requireAdmin(h.handleConnectionLogs)))
	h.mux.HandleFunc("POST /api/admin/connection-logs/clear", gz(h.requireAdmin(h.handleConnectionLogsClear)))
	h.mux.HandleFunc("GET /api/admin/connection-logs/stream", h.handleConnectionLogsStream)
}

// ServeHTTP makes Handler an http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) { h.mux.ServeHTTP(w, r) }

func (h *Handler) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !checkAdminKey(r, h.AdminAPIKey) {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "Unauthorized"})
			return
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload map[string]any) {
	if payload == nil {
		payload = map[string]any{}
	}
	payload["timestamp"] = time.Now().Local().Format(time.RFC3339)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// handleForward implements POST /api/forward (spec.md §4.7): decode a
// {clientName, method, url, body} request, dispatch it to the named
// agent's tunnel session, and relay the agent's reply — decoding the
// response envelope when present, or passing the raw body through
// verbatim when it is not (spec.md §6).
func (h *Handler) handleForward(w http.ResponseWriter, r *http.Request) {
	var req wire.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid request body"})
		return
	}
	if req.ClientName == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "clientName is required"})
		return
	}

	start := time.Now()
	resp, err := h.Registry.ForwardToNamed(req)
	elapsed := time.Since(start)

	if err != nil {
		h.recordDispatchFailure(err, elapsed)
		h.writeForwardError(w, req.ClientName, err)
		return
	}
	h.Observer.Dispatch(observability.DispatchResultOK, elapsed)

	headers, body, ok := wire.DecodeEnvelope(resp.Body)
	if !ok {
		w.WriteHeader(resp.Status)
		_, _ = w.Write([]byte(resp.Body))
		return
	}
	for _, hdr := range headers {
		w.Header().Add(hdr.Name, hdr.Value)
	}
	w.WriteHeader(resp.Status)
	_, _ = w.Write(body)
}

func (h *Handler) recordDispatchFailure(err error, elapsed time.Duration) {
	code, ok := gwerrors.CodeOf(err)
	switch {
	case ok && code == gwerrors.CodeNotRegistered:
		h.Observer.Dispatch(observability.DispatchResultNotRegistered, elapsed)
	case ok && code == gwerrors.CodeDispatchTimeout:
		h.Observer.Dispatch(observability.DispatchResultTimeout, elapsed)
	default:
		h.Observer.Dispatch(observability.DispatchResultUnhealthy, elapsed)
	}
}

// writeForwardError maps a dispatch failure onto the HTTP response per the
// error-code table in spec.md §7: an unregistered client is a 404, a
// dispatch timeout or an unhealthy session is a 500.
func (h *Handler) writeForwardError(w http.ResponseWriter, clientName string, err error) {
	code, ok := gwerrors.CodeOf(err)
	if ok && code == gwerrors.CodeNotRegistered {
		writeJSON(w, http.StatusNotFound, map[string]any{
			"error":      "Client not connected",
			"clientName": clientName,
		})
		return
	}
	category := "unhealthy"
	if ok && code == gwerrors.CodeDispatchTimeout {
		category = "timeout"
	}
	writeJSON(w, http.StatusInternalServerError, map[string]any{
		"error":      "dispatch failed",
		"category":   category,
		"clientName": clientName,
		"detail":     err.Error(),
	})
}

// handleHealth implements GET /api/health (spec.md §4.7/§6): healthy with at
// least one registered agent, unhealthy (503) with none.
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	details := h.Registry.Details()
	names := h.Registry.Names()

	if h.Registry.Count() == 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":               "unhealthy",
			"connectedClients":     0,
			"connectedClientNames": names,
			"clientDetails":        details,
			"uptime":               tunnel.FormatUptime(time.Since(h.StartedAt)),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":               "healthy",
		"connectedClients":     len(names),
		"connectedClientNames": names,
		"clientDetails":        details,
		"uptime":               tunnel.FormatUptime(time.Since(h.StartedAt)),
	})
}

// handleHealthByName implements GET /api/health/{name} (spec.md §4.7/§6):
// 200 iff the named agent is registered and its session currently passes
// local socket health; otherwise 404 with a disconnected status.
func (h *Handler) handleHealthByName(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	detail, ok := h.Registry.Get(name)
	if !ok || !detail.Connected {
		writeJSON(w, http.StatusNotFound, map[string]any{
			"status":    "disconnected",
			"connected": false,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "healthy",
		"clientName": detail.Name,
		"connected":  detail.Connected,
		"remoteIP":   detail.RemoteIP,
		"uptime":     detail.Uptime,
	})
}
