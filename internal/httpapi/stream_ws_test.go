package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lukasbauer/streamscribe/internal/session"
	"github.com/lukasbauer/streamscribe/internal/stt"
)

// echoBackend emits a partial result for every audio chunk and one final
// result with the concatenated audio once the source ends.
type echoBackend struct {
	failAfter int // fail after this many chunks; 0 never fails
}

type echoStream struct {
	events chan stt.ResultEvent
	err    error
	done   chan struct{}
	cancel context.CancelFunc
	exited chan struct{}
}

func partialOrFinal(text string, partial bool) stt.ResultEvent {
	return stt.ResultEvent{TranscriptEvent: &stt.TranscriptEvent{Transcript: stt.Transcript{
		Results: []stt.Result{{IsPartial: partial, Alternatives: []stt.Alternative{{Transcript: text}}}},
	}}}
}

func (b *echoBackend) Start(ctx context.Context, _ stt.StreamConfig, audio stt.AudioSource) (stt.ResultStream, error) {
	ctx, cancel := context.WithCancel(ctx)
	s := &echoStream{
		events: make(chan stt.ResultEvent, 16),
		done:   make(chan struct{}),
		cancel: cancel,
		exited: make(chan struct{}),
	}
	go func() {
		defer close(s.exited)
		defer close(s.events)
		var text []string
		for {
			chunk, err := audio.Next(ctx)
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				s.err = err
				return
			}
			text = append(text, string(chunk))
			select {
			case s.events <- partialOrFinal(strings.Join(text, " "), true):
			case <-ctx.Done():
				s.err = ctx.Err()
				return
			}
			if b.failAfter > 0 && len(text) >= b.failAfter {
				s.err = errors.New("upstream rejected audio")
				return
			}
		}
		s.events <- partialOrFinal(strings.Join(text, " "), false)
		s.err = io.EOF
	}()
	return s, nil
}

func (s *echoStream) Recv(ctx context.Context) (stt.ResultEvent, error) {
	select {
	case ev, ok := <-s.events:
		if !ok {
			return stt.ResultEvent{}, s.err
		}
		return ev, nil
	case <-ctx.Done():
		return stt.ResultEvent{}, ctx.Err()
	}
}

func (s *echoStream) Close() error {
	s.cancel()
	<-s.exited
	return nil
}

func newStreamServer(t *testing.T, cfg RouterConfig, deps RouterDeps) string {
	t.Helper()
	if deps.Backend == nil {
		deps.Backend = &echoBackend{}
	}
	srv := httptest.NewServer(NewRouter(cfg, deps))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/stream"
}

func readAll(t *testing.T, conn *websocket.Conn) ([]string, error) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msgs []string
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return msgs, err
		}
		if mt == websocket.TextMessage {
			msgs = append(msgs, string(data))
		}
	}
}

func transcriptText(t *testing.T, raw string) (string, bool) {
	t.Helper()
	var ev stt.ResultEvent
	require.NoError(t, json.Unmarshal([]byte(raw), &ev))
	require.Len(t, ev.Results(), 1)
	r := ev.Results()[0]
	return r.Alternatives[0].Transcript, r.IsPartial
}

func TestStream_EndToEnd(t *testing.T) {
	sessions := NewSessionRegistry()
	url := newStreamServer(t, RouterConfig{Session: session.Config{Stream: stt.DefaultStreamConfig()}}, RouterDeps{Sessions: sessions})

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("patient")))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("ignored")))
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("stable")))
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{}))

	msgs, err := readAll(t, conn)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected close: %v", err)

	require.Len(t, msgs, 3)
	text, partial := transcriptText(t, msgs[0])
	assert.Equal(t, "patient", text)
	assert.True(t, partial)
	text, partial = transcriptText(t, msgs[1])
	assert.Equal(t, "patient stable", text)
	assert.True(t, partial)
	text, partial = transcriptText(t, msgs[2])
	assert.Equal(t, "patient stable", text)
	assert.False(t, partial)

	require.Eventually(t, func() bool { return sessions.ActiveCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestStream_BackendFailure(t *testing.T) {
	url := newStreamServer(t, RouterConfig{}, RouterDeps{Backend: &echoBackend{failAfter: 1}})

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("hello")))

	msgs, err := readAll(t, conn)
	require.Error(t, err)
	require.Len(t, msgs, 2)
	text, partial := transcriptText(t, msgs[0])
	assert.Equal(t, "hello", text)
	assert.True(t, partial)
	assert.JSONEq(t, `{"error":"upstream rejected audio"}`, msgs[1])
}

func TestStream_RequiresTokenWhenAuthEnabled(t *testing.T) {
	url := newStreamServer(t, RouterConfig{JWTSecret: "s3cret"}, RouterDeps{})

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token, _, err := IssueToken("s3cret", "clinic-7", time.Minute)
	require.NoError(t, err)

	conn, _, err := websocket.DefaultDialer.Dial(url+"?token="+token, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{}))
	msgs, err := readAll(t, conn)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected close: %v", err)
	assert.Len(t, msgs, 1)
}

func TestStream_RejectsForeignOrigin(t *testing.T) {
	url := newStreamServer(t, RouterConfig{AllowedOrigins: []string{"http://localhost:8501"}}, RouterDeps{})

	header := http.Header{}
	header.Set("Origin", "http://evil.example")
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestStream_ClientDisconnectReleasesSession(t *testing.T) {
	sessions := NewSessionRegistry()
	url := newStreamServer(t, RouterConfig{}, RouterDeps{Sessions: sessions})

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("partial audio")))

	require.Eventually(t, func() bool { return sessions.ActiveCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool { return sessions.ActiveCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}
