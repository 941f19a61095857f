package httpapi

import (
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lukasbauer/streamscribe/internal/session"
)

// maxAudioFrameBytes bounds a single inbound frame. Browsers send a few KB
// per audio callback.
const maxAudioFrameBytes = 1 << 20

func (r *Router) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  8 << 10,
		WriteBufferSize: 8 << 10,
		CheckOrigin: func(req *http.Request) bool {
			origin := req.Header.Get("Origin")
			// Non-browser clients send no Origin.
			return origin == "" || r.originAllowed(origin)
		},
	}
}

// handleStream upgrades to a WebSocket and runs one transcription session on
// it until the session ends.
func (r *Router) handleStream(w http.ResponseWriter, req *http.Request) {
	if !r.sessions.Add() {
		r.logger.Info("stream_ws: rejecting stream, server draining")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "Server is shutting down"})
		return
	}
	defer r.sessions.Done()

	conn, err := r.upgrader().Upgrade(w, req, nil)
	if err != nil {
		// Upgrade has already written the HTTP error response.
		r.logger.Warn("stream_ws: upgrade failed", zap.Error(err))
		return
	}
	conn.SetReadLimit(maxAudioFrameBytes)

	s := session.New(conn, r.backend, r.cfg.Session, session.Deps{
		Logger:  r.logger,
		Events:  r.eventLog,
		Metrics: r.metrics,
	})

	fields := []zap.Field{
		zap.String("session_id", s.ID()),
		zap.String("remote_addr", req.RemoteAddr),
	}
	if subject := authSubject(req.Context()); subject != "" {
		fields = append(fields, zap.String("subject", subject))
	}
	r.logger.Info("stream_ws: session accepted", fields...)

	out := s.Run(r.baseCtx)

	r.logger.Info("stream_ws: session finished",
		zap.String("session_id", s.ID()),
		zap.String("outcome", out.Reason),
		zap.Int("events", out.Events),
		zap.Int("transcript_chars", len(out.Transcript)))
}
