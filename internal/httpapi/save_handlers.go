package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/lukasbauer/streamscribe/internal/eventlog"
)

const maxSaveBodyBytes = 5 << 20

type saveRequest struct {
	Transcript string `json:"transcript"`
	SessionID  string `json:"session_id,omitempty"`
}

// handleSave stores a finished transcript as a text object.
func (r *Router) handleSave(w http.ResponseWriter, req *http.Request) {
	var body saveRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxSaveBodyBytes)).Decode(&body); err != nil {
		r.metrics.RecordTranscriptSave("invalid")
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Transcript missing"})
		return
	}
	if strings.TrimSpace(body.Transcript) == "" {
		r.metrics.RecordTranscriptSave("invalid")
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Transcript missing"})
		return
	}

	if r.store == nil {
		r.metrics.RecordTranscriptSave("error")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "Transcript storage not configured"})
		return
	}

	key, err := r.store.Save(req.Context(), body.Transcript)
	if err != nil {
		r.logger.Error("save: failed to store transcript", zap.Error(err))
		captureError(req, err, "failed to save transcript")
		r.metrics.RecordTranscriptSave("error")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to save transcript"})
		return
	}

	r.metrics.RecordTranscriptSave("ok")
	r.eventLog.LogAsync(body.SessionID, eventlog.EventTranscriptSaved, map[string]any{
		"key":   key,
		"chars": len(body.Transcript),
	})
	r.logger.Info("save: transcript stored", zap.String("key", key), zap.Int("chars", len(body.Transcript)))

	writeJSON(w, http.StatusOK, map[string]string{
		"message": "Transcript saved!",
		"key":     key,
	})
}
