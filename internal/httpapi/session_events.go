package httpapi

import (
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lukasbauer/streamscribe/internal/eventlog"
)

// handleSessionEvents returns the stored event history of one session.
func (r *Router) handleSessionEvents(w http.ResponseWriter, req *http.Request) {
	if r.eventLog == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "Session event log not configured"})
		return
	}

	id := req.PathValue("id")
	if _, err := uuid.Parse(id); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid session id"})
		return
	}

	events, err := r.eventLog.ListSession(req.Context(), id)
	if err != nil {
		r.logger.Error("session_events: query failed", zap.String("session_id", id), zap.Error(err))
		captureError(req, err, "failed to list session events")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to load session events"})
		return
	}
	if events == nil {
		events = []eventlog.Event{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": id,
		"events":     events,
	})
}
