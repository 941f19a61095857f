package eventlog

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// EventType represents the type of session event
type EventType string

const (
	EventSessionStarted   EventType = "session_started"
	EventEndOfAudio       EventType = "end_of_audio"
	EventFinalTranscript  EventType = "final_transcript"
	EventSessionCompleted EventType = "session_completed"
	EventSessionFailed    EventType = "session_failed"
	EventSessionCancelled EventType = "session_cancelled"
	EventTranscriptSaved  EventType = "transcript_saved"
)

// Schema creates the event table. Applied by App on startup.
const Schema = `
CREATE TABLE IF NOT EXISTS session_events (
	id          BIGSERIAL PRIMARY KEY,
	session_id  TEXT        NOT NULL,
	event_type  TEXT        NOT NULL,
	event_data  JSONB       NOT NULL DEFAULT '{}'::jsonb,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS session_events_session_id_idx ON session_events (session_id);
`

// Event is one stored row.
type Event struct {
	SessionID string          `json:"session_id"`
	Type      EventType       `json:"event_type"`
	Data      json.RawMessage `json:"event_data"`
	CreatedAt time.Time       `json:"created_at"`
}

// Logger provides async event logging to the database
type Logger struct {
	db      *pgxpool.Pool
	pending sync.WaitGroup // LogAsync writes in flight
}

// New creates a new event logger. A nil pool disables logging.
func New(db *pgxpool.Pool) *Logger {
	return &Logger{db: db}
}

// Migrate applies Schema.
func (l *Logger) Migrate(ctx context.Context) error {
	if l == nil || l.db == nil {
		return nil
	}
	_, err := l.db.Exec(ctx, Schema)
	return err
}

// Log writes an event to the database synchronously
func (l *Logger) Log(ctx context.Context, sessionID string, eventType EventType, data map[string]any) error {
	if l == nil || l.db == nil || sessionID == "" {
		return nil // Silently skip if no DB or session ID
	}

	dataJSON, err := json.Marshal(data)
	if err != nil {
		dataJSON = []byte("{}")
	}

	_, err = l.db.Exec(ctx, `
		INSERT INTO session_events (session_id, event_type, event_data)
		VALUES ($1, $2, $3)
	`, sessionID, string(eventType), dataJSON)

	return err
}

// LogAsync logs an event without blocking the caller
func (l *Logger) LogAsync(sessionID string, eventType EventType, data map[string]any) {
	if l == nil || l.db == nil || sessionID == "" {
		return
	}

	l.pending.Add(1)
	go func() {
		defer l.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = l.Log(ctx, sessionID, eventType, data)
	}()
}

// Flush waits for LogAsync writes still in flight. Call it once nothing logs
// anymore, before closing the pool.
func (l *Logger) Flush(ctx context.Context) error {
	if l == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		l.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListSession returns a session's events in insertion order.
func (l *Logger) ListSession(ctx context.Context, sessionID string) ([]Event, error) {
	if l == nil || l.db == nil {
		return nil, nil
	}

	rows, err := l.db.Query(ctx, `
		SELECT session_id, event_type, event_data, created_at
		FROM session_events
		WHERE session_id = $1
		ORDER BY id
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var eventType string
		if err := rows.Scan(&e.SessionID, &eventType, &e.Data, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Type = EventType(eventType)
		events = append(events, e)
	}
	return events, rows.Err()
}
