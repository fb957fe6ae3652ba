package dispatch

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/tunnelgate/gateway/internal/connlog"
)

// handleSecurityStatus implements GET /api/security-status (spec.md
// §4.7): a snapshot of the ledger's internal counters and thresholds.
func (h *Handler) handleSecurityStatus(w http.ResponseWriter, r *http.Request) {
	snap := h.Ledger.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"bannedCount":  snap.BannedCount,
		"trackedCount": snap.TrackedCount,
		"graceCount":   snap.GraceCount,
		"thresholds": map[string]any{
			"maxAttempts":   snap.Thresholds.MaxAttempts,
			"window":        snap.Thresholds.Window.String(),
			"permanent":     snap.Thresholds.Permanent,
			"authTolerance": snap.Thresholds.AuthTolerance,
			"grace":         snap.Thresholds.Grace.String(),
			"gc":            snap.Thresholds.GC.String(),
		},
	})
}

type adminSecurityRequest struct {
	Action string `json:"action"`
	IP     string `json:"ip"`
}

// handleAdminSecurity implements POST /api/admin/security: ban, unban,
// status and check actions against a single IP (spec.md §4.7). "status"
// without an ip returns ledger-wide counts instead.
func (h *Handler) handleAdminSecurity(w http.ResponseWriter, r *http.Request) {
	var req adminSecurityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid request body"})
		return
	}

	switch req.Action {
	case "ban":
		if req.IP == "" {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "ip is required"})
			return
		}
		h.Ledger.Ban(req.IP)
		h.Observer.Ban()
		writeJSON(w, http.StatusOK, map[string]any{"ip": req.IP, "banned": true})
	case "unban":
		if req.IP == "" {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "ip is required"})
			return
		}
		wasBanned := h.Ledger.Unban(req.IP)
		h.Observer.Unban()
		writeJSON(w, http.StatusOK, map[string]any{"ip": req.IP, "wasActuallyBanned": wasBanned})
	case "status":
		if req.IP == "" {
			snap := h.Ledger.Snapshot()
			writeJSON(w, http.StatusOK, map[string]any{
				"bannedCount":  snap.BannedCount,
				"trackedCount": snap.TrackedCount,
				"graceCount":   snap.GraceCount,
			})
			return
		}
		writeJSON(w, http.StatusOK, autoBanStatusPayload(req.IP, h.Ledger))
	case "check":
		if req.IP == "" {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "ip is required"})
			return
		}
		writeJSON(w, http.StatusOK, autoBanStatusPayload(req.IP, h.Ledger))
	default:
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":         "unknown action",
			"validActions":  []string{"ban", "unban", "status", "check"},
		})
	}
}

func autoBanStatusPayload(ip string, ledger Ledger) map[string]any {
	status := ledger.AutoBanStatus(ip)
	return map[string]any{
		"ip":             status.IP,
		"banned":         status.Banned,
		"inGrace":        status.InGrace,
		"graceRemaining": status.GraceRemaining.String(),
		"attempts":       status.Attempts,
		"firstAttempt":   status.FirstAttempt,
		"lastAttempt":    status.LastAttempt,
		"wouldAutoBan":   status.WouldAutoBan,
		"reason":         status.Reason,
	}
}

// handleCleanupConnections implements POST /api/cleanup-connections: runs
// the registry's two-phase health sweep on demand (spec.md §4.5/§4.8).
func (h *Handler) handleCleanupConnections(w http.ResponseWriter, r *http.Request) {
	before := h.Registry.Count()
	removed := h.Registry.Sweep()
	for _, name := range removed {
		h.ConnLog.LogDisconnect(name, "", "swept")
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"before":       before,
		"after":        h.Registry.Count(),
		"removed":      removed,
		"removedCount": len(removed),
	})
}

// handleConnectionLogs implements GET /api/admin/connection-logs, with
// optional eventType/clientName/limit query filters (spec.md §4.7).
func (h *Handler) handleConnectionLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	eventType := connlog.Event(q.Get("eventType"))
	clientName := q.Get("clientName")
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}

	entries := h.ConnLog.Filter(eventType, clientName, limit)
	stats := h.ConnLog.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"stats": map[string]any{
			"total":           stats.Total,
			"connectTotal":    stats.ConnectTotal,
			"disconnectTotal": stats.DisconnectTotal,
			"uniqueNames":     stats.UniqueNames,
		},
	})
}

// handleConnectionLogsClear implements POST /api/admin/connection-logs/clear.
func (h *Handler) handleConnectionLogsClear(w http.ResponseWriter, r *http.Request) {
	h.ConnLog.Clear()
	writeJSON(w, http.StatusOK, map[string]any{"cleared": true})
}
