// Package session runs one client transcription session: inbound audio frames
// flow through an audiobridge.Queue into a streaming backend, and every result
// event the backend emits is forwarded back to the client as a JSON text frame.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lukasbauer/streamscribe/internal/audiobridge"
	"github.com/lukasbauer/streamscribe/internal/costs"
	"github.com/lukasbauer/streamscribe/internal/eventlog"
	"github.com/lukasbauer/streamscribe/internal/metrics"
	"github.com/lukasbauer/streamscribe/internal/stt"
)

const writeTimeout = 10 * time.Second

var (
	// ErrIdleTimeout ends a session whose client sent nothing for Config.IdleTimeout.
	ErrIdleTimeout = errors.New("session idle timeout")

	// ErrShuttingDown ends sessions still live when the server aborts them.
	ErrShuttingDown = errors.New("server shutting down")

	errPanic = errors.New("internal server error")
)

// State is the lifecycle position of a Session.
type State int32

const (
	Idle State = iota
	Connected
	Streaming
	Completed
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connected:
		return "connected"
	case Streaming:
		return "streaming"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Outcome reasons, also used as the metrics label.
const (
	ReasonCompleted = "completed"
	ReasonFailed    = "failed"
	ReasonCancelled = "cancelled"
)

// Conn is the part of *websocket.Conn a session uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Config holds per-session settings.
type Config struct {
	Stream stt.StreamConfig

	// IdleTimeout fails the session when no frame arrives for this long
	// before end of audio. Zero disables it.
	IdleTimeout time.Duration

	// MaxQueueDepth caps buffered audio chunks; reading from the socket pauses
	// while the cap is reached. Zero means unbounded.
	MaxQueueDepth int

	// Pricing for the per-session cost estimate. Zero rates estimate nothing.
	Pricing costs.Pricing
}

// Deps are the optional collaborators of a Session. Nil fields disable the
// corresponding feature.
type Deps struct {
	Logger  *zap.Logger
	Events  *eventlog.Logger
	Metrics *metrics.Metrics
}

// Outcome summarizes a finished session.
type Outcome struct {
	State      State
	Reason     string
	Err        error
	Events     int    // result events forwarded
	Chunks     int    // audio chunks accepted
	Transcript string // final transcripts joined by spaces
	Finals     []string
	Costs      costs.SessionCosts
}

// Session owns one client connection for its whole lifetime. Run it once.
type Session struct {
	id      string
	conn    Conn
	backend stt.Backend
	cfg     Config

	logger  *zap.Logger
	events  *eventlog.Logger
	metrics *metrics.Metrics
	hub     *sentry.Hub

	queue *audiobridge.Queue
	state atomic.Int32

	writeMu sync.Mutex
	endOnce sync.Once

	pushed   atomic.Int64
	bytes    atomic.Int64
	started  time.Time // backend exchange opened
	forwards int
	finals   []string

	depthMu       sync.Mutex
	reportedDepth int // this session's share of the queue depth gauge
}

// New prepares a session for conn. Nothing happens until Run.
func New(conn Conn, backend stt.Backend, cfg Config, deps Deps) *Session {
	id := uuid.NewString()

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	hub := sentry.CurrentHub().Clone()
	hub.ConfigureScope(func(scope *sentry.Scope) {
		scope.SetTag("session_id", id)
		scope.SetTag("component", "session")
	})

	return &Session{
		id:      id,
		conn:    conn,
		backend: backend,
		cfg:     cfg,
		logger:  logger.With(zap.String("session_id", id)),
		events:  deps.Events,
		metrics: deps.Metrics,
		hub:     hub,
		queue:   audiobridge.New(audiobridge.WithMaxDepth(cfg.MaxQueueDepth)),
	}
}

// ID returns the session's unique id.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) setState(st State) { s.state.Store(int32(st)) }

// Run drives the session until the backend finishes, either side fails, or
// the client goes away. The connection is closed when Run returns.
func (s *Session) Run(parent context.Context) (out Outcome) {
	start := time.Now()
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	s.setState(Connected)
	s.metrics.RecordSessionStarted()
	s.events.LogAsync(s.id, eventlog.EventSessionStarted, map[string]any{
		"language":       s.cfg.Stream.LanguageCode,
		"sample_rate_hz": s.cfg.Stream.SampleRateHz,
		"encoding":       s.cfg.Stream.Encoding,
		"specialty":      s.cfg.Stream.Specialty,
		"type":           s.cfg.Stream.Type,
	})
	s.logger.Info("session: connected",
		zap.String("language", s.cfg.Stream.LanguageCode),
		zap.Int("sample_rate_hz", s.cfg.Stream.SampleRateHz))

	defer func() {
		if p := recover(); p != nil {
			s.hub.Recover(p)
			s.logger.Error("session: panic", zap.Any("panic", p), zap.Stack("stack"))
			cancel()
			out = s.fail(fmt.Errorf("%w: %v", errPanic, p))
		}
		s.finish(&out, time.Since(start))
	}()

	stream, err := s.backend.Start(ctx, s.cfg.Stream, &meteredSource{q: s.queue, s: s})
	if err != nil {
		if parent.Err() != nil {
			return s.fail(ErrShuttingDown)
		}
		s.hub.CaptureException(err)
		s.logger.Error("session: backend start failed", zap.Error(err))
		return s.fail(fmt.Errorf("failed to start transcription: %w", err))
	}
	defer stream.Close()
	s.started = time.Now()
	s.setState(Streaming)

	readDone := make(chan error, 1)
	go func() { readDone <- s.guard(s.readLoop) }()

	fwdDone := make(chan error, 1)
	go func() { fwdDone <- s.guard(func() error { return s.forward(ctx, stream) }) }()

	select {
	case err := <-fwdDone:
		switch {
		case err == nil:
			out = s.complete()
		case parent.Err() != nil:
			s.logger.Info("session: aborted by server shutdown", zap.NamedError("cause", err))
			out = s.fail(ErrShuttingDown)
		default:
			if !errors.Is(err, errPanic) {
				s.hub.CaptureException(err)
			}
			s.logger.Error("session: backend failed", zap.Error(err))
			out = s.fail(err)
		}
		<-readDone

	case err := <-readDone:
		cancel()
		_ = stream.Close()
		s.queue.Close()
		<-fwdDone

		switch {
		case isTimeout(err):
			s.logger.Warn("session: idle timeout", zap.Duration("idle_timeout", s.cfg.IdleTimeout))
			out = s.fail(ErrIdleTimeout)
		case errors.Is(err, errPanic):
			out = s.fail(err)
		default:
			s.logger.Info("session: client disconnected", zap.Error(err))
			out = s.cancelled(err)
		}
	}
	return out
}

// guard turns a panic in fn into an error so a single session can never take
// the process down.
func (s *Session) guard(fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			s.hub.Recover(p)
			s.logger.Error("session: panic", zap.Any("panic", p), zap.Stack("stack"))
			err = fmt.Errorf("%w: %v", errPanic, p)
		}
	}()
	return fn()
}

// readLoop feeds inbound binary frames into the queue. It returns only on a
// read error or when the queue is closed.
func (s *Session) readLoop() error {
	for {
		if s.cfg.IdleTimeout > 0 && !s.queue.Ended() {
			_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		}

		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			return err
		}
		if mt != websocket.BinaryMessage {
			continue
		}

		if len(data) == 0 {
			if s.queue.SignalEnd() {
				// Results may take a while after the last chunk; stop timing the client.
				_ = s.conn.SetReadDeadline(time.Time{})
				s.metrics.RecordEndOfStream()
				s.events.LogAsync(s.id, eventlog.EventEndOfAudio, map[string]any{
					"chunks": s.pushed.Load(),
				})
				s.logger.Debug("session: end of audio", zap.Int64("chunks", s.pushed.Load()))
			}
			continue
		}

		switch err := s.queue.Push(data); {
		case err == nil:
			s.pushed.Add(1)
			s.bytes.Add(int64(len(data)))
			s.metrics.RecordAudioChunk(len(data))
			s.syncQueueDepth()
		case errors.Is(err, audiobridge.ErrEnded):
			s.metrics.RecordDroppedChunk()
			s.logger.Debug("session: chunk after end of audio dropped", zap.Int("bytes", len(data)))
		default:
			return err
		}
	}
}

// forward relays result events to the client in order. It returns nil when
// the backend completes normally.
func (s *Session) forward(ctx context.Context, stream stt.ResultStream) error {
	for {
		ev, err := stream.Recv(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		payload, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("encode result event: %w", err)
		}
		if err := s.write(websocket.TextMessage, payload); err != nil {
			return fmt.Errorf("write result event: %w", err)
		}
		s.forwards++

		final := ev.HasFinal()
		s.metrics.RecordResultEvent(final)
		if !final {
			if r := ev.Results(); len(r) > 0 && len(r[0].Alternatives) > 0 {
				s.logger.Debug("session: partial transcript", zap.String("text", r[0].Alternatives[0].Transcript))
			}
			continue
		}
		for _, text := range ev.FinalTranscripts() {
			s.finals = append(s.finals, text)
			s.logger.Info("session: final transcript", zap.String("text", text))
			s.events.LogAsync(s.id, eventlog.EventFinalTranscript, map[string]any{"transcript": text})
		}
	}
}

func (s *Session) write(messageType int, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteMessage(messageType, data)
}

// complete closes the socket normally after the backend finished.
func (s *Session) complete() Outcome {
	out := Outcome{State: Completed, Reason: ReasonCompleted}
	s.terminate(func() {
		s.setState(Completed)
		_ = s.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	})
	return out
}

// fail sends exactly one error frame, then closes the socket.
func (s *Session) fail(err error) Outcome {
	out := Outcome{State: Failed, Reason: ReasonFailed, Err: err}
	s.terminate(func() {
		s.setState(Failed)
		msg, _ := json.Marshal(map[string]string{"error": errorMessage(err)})
		if werr := s.write(websocket.TextMessage, msg); werr != nil {
			s.logger.Debug("session: error frame not delivered", zap.Error(werr))
			return
		}
		_ = s.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, ""))
	})
	return out
}

// cancelled tears down without sending anything; the client is already gone.
func (s *Session) cancelled(err error) Outcome {
	out := Outcome{State: Failed, Reason: ReasonCancelled, Err: err}
	s.terminate(func() { s.setState(Failed) })
	return out
}

// terminate runs the end-of-session transition once, then releases the queue
// and the socket.
func (s *Session) terminate(fn func()) {
	s.endOnce.Do(func() {
		fn()
		s.queue.Close()
		_ = s.conn.Close()
	})
}

func (s *Session) finish(out *Outcome, elapsed time.Duration) {
	out.Events = s.forwards
	out.Chunks = int(s.pushed.Load())
	out.Finals = s.finals
	out.Transcript = strings.Join(s.finals, " ")

	usage := costs.SessionUsage{
		AudioBytes:   s.bytes.Load(),
		SampleRateHz: s.cfg.Stream.SampleRateHz,
		Encoding:     s.cfg.Stream.Encoding,
	}
	if !s.started.IsZero() {
		usage.Streamed = time.Since(s.started)
	}
	out.Costs = s.cfg.Pricing.Calculate(usage)
	s.metrics.RecordSessionCost(out.Costs.AudioSeconds, out.Costs.STTCostCents)

	// The queue is closed by now, so this releases any chunks it discarded.
	s.syncQueueDepth()
	s.metrics.RecordSessionEnded(out.Reason, elapsed)

	data := map[string]any{
		"duration_ms":    elapsed.Milliseconds(),
		"events":         out.Events,
		"chunks":         out.Chunks,
		"audio_seconds":  out.Costs.AudioSeconds,
		"stt_cost_cents": out.Costs.STTCostCents,
	}
	eventType := eventlog.EventSessionCompleted
	switch out.Reason {
	case ReasonFailed:
		eventType = eventlog.EventSessionFailed
		data["error"] = errorMessage(out.Err)
	case ReasonCancelled:
		eventType = eventlog.EventSessionCancelled
	}
	s.events.LogAsync(s.id, eventType, data)

	s.logger.Info("session: ended",
		zap.String("outcome", out.Reason),
		zap.Duration("duration", elapsed),
		zap.Int("events", out.Events),
		zap.Int("chunks", out.Chunks),
		zap.Float64("audio_seconds", out.Costs.AudioSeconds))
}

func errorMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, errPanic):
		return errPanic.Error()
	case errors.Is(err, ErrShuttingDown):
		return "Server is shutting down"
	default:
		return err.Error()
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// syncQueueDepth moves this session's contribution to the queue depth gauge
// to the queue's current length.
func (s *Session) syncQueueDepth() {
	s.depthMu.Lock()
	defer s.depthMu.Unlock()
	n := s.queue.Len()
	s.metrics.AddQueueDepth(n - s.reportedDepth)
	s.reportedDepth = n
}

// meteredSource keeps the depth gauge current as the backend pulls chunks.
type meteredSource struct {
	q *audiobridge.Queue
	s *Session
}

func (m *meteredSource) Next(ctx context.Context) ([]byte, error) {
	chunk, err := m.q.Next(ctx)
	if err == nil {
		m.s.syncQueueDepth()
	}
	return chunk, err
}
