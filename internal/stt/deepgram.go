package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultDeepgramURL          = "wss://api.deepgram.com/v1/listen"
	defaultDeepgramModel        = "nova-3"
	defaultDeepgramMedicalModel = "nova-3-medical"
)

var closeStreamMsg = []byte(`{"type": "CloseStream"}`)

// ErrStreamClosed is returned by Recv after Close.
var ErrStreamClosed = errors.New("stt: stream closed")

// DeepgramConfig holds configuration for the Deepgram backend.
type DeepgramConfig struct {
	APIKey       string `yaml:"api_key"`
	URL          string `yaml:"url"`           // listen endpoint, defaults to the public API
	Model        string `yaml:"model"`         // model for general audio, e.g. "nova-3"
	MedicalModel string `yaml:"medical_model"` // model used when StreamConfig.Specialty is set
	Punctuate    bool   `yaml:"punctuate"`
	Endpointing  int    `yaml:"endpointing"` // milliseconds of silence for endpointing, 0 for default
}

// DeepgramBackend implements Backend using Deepgram's live streaming API.
type DeepgramBackend struct {
	cfg    DeepgramConfig
	dialer *websocket.Dialer
	logger *zap.Logger
}

// NewDeepgramBackend creates a backend. It does not connect until Start.
func NewDeepgramBackend(cfg DeepgramConfig, logger *zap.Logger) *DeepgramBackend {
	if cfg.URL == "" {
		cfg.URL = defaultDeepgramURL
	}
	if cfg.Model == "" {
		cfg.Model = defaultDeepgramModel
	}
	if cfg.MedicalModel == "" {
		cfg.MedicalModel = defaultDeepgramMedicalModel
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DeepgramBackend{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// deepgramResponse represents a Deepgram WebSocket response.
type deepgramResponse struct {
	Type     string  `json:"type"`
	Start    float64 `json:"start"`
	Duration float64 `json:"duration"`
	Channel  struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
			Words      []struct {
				Word           string  `json:"word"`
				PunctuatedWord string  `json:"punctuated_word"`
				Start          float64 `json:"start"`
				End            float64 `json:"end"`
				Confidence     float64 `json:"confidence"`
			} `json:"words"`
		} `json:"alternatives"`
	} `json:"channel"`
	ChannelIndex []int `json:"channel_index"`
	IsFinal      bool  `json:"is_final"`
	SpeechFinal  bool  `json:"speech_final"`
	Metadata     struct {
		RequestID string `json:"request_id"`
	} `json:"metadata"`
}

func (b *DeepgramBackend) listenURL(cfg StreamConfig) (string, error) {
	u, err := url.Parse(b.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("invalid Deepgram URL: %w", err)
	}

	model := b.cfg.Model
	if cfg.Specialty != "" {
		model = b.cfg.MedicalModel
	}

	q := u.Query()
	q.Set("model", model)
	if cfg.LanguageCode != "" {
		q.Set("language", cfg.LanguageCode)
	}
	q.Set("encoding", deepgramEncoding(cfg.Encoding))
	if cfg.SampleRateHz > 0 {
		q.Set("sample_rate", strconv.Itoa(cfg.SampleRateHz))
	}
	q.Set("channels", "1")
	q.Set("interim_results", "true")
	q.Set("punctuate", strconv.FormatBool(b.cfg.Punctuate))
	if strings.EqualFold(cfg.Type, "DICTATION") {
		q.Set("dictation", "true")
	}
	if b.cfg.Endpointing > 0 {
		q.Set("endpointing", strconv.Itoa(b.cfg.Endpointing))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func deepgramEncoding(enc string) string {
	switch strings.ToLower(enc) {
	case "", "pcm":
		return "linear16"
	case "ogg-opus":
		return "opus"
	default:
		return strings.ToLower(enc)
	}
}

// Start connects to Deepgram and begins pulling audio from the source. The
// returned stream ends with io.EOF after Deepgram has processed the end of the
// audio and closed the connection normally.
func (b *DeepgramBackend) Start(ctx context.Context, cfg StreamConfig, audio AudioSource) (ResultStream, error) {
	target, err := b.listenURL(cfg)
	if err != nil {
		return nil, err
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+b.cfg.APIKey)

	conn, resp, err := b.dialer.DialContext(ctx, target, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to connect to Deepgram (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to connect to Deepgram: %w", err)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	s := &deepgramStream{
		conn:   conn,
		events: make(chan ResultEvent, 32),
		closed: make(chan struct{}),
		cancel: cancel,
		logger: b.logger,
	}

	s.wg.Add(2)
	go s.writeLoop(streamCtx, audio)
	go s.readLoop()

	return s, nil
}

type deepgramStream struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	events  chan ResultEvent // closed by readLoop after err is set
	err     error
	errOnce sync.Once

	closed    chan struct{}
	closeOnce sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	seq    int
	logger *zap.Logger
}

func (s *deepgramStream) Recv(ctx context.Context) (ResultEvent, error) {
	select {
	case ev, ok := <-s.events:
		if ok {
			return ev, nil
		}
		return ResultEvent{}, s.err
	case <-ctx.Done():
		return ResultEvent{}, ctx.Err()
	}
}

func (s *deepgramStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.setErr(ErrStreamClosed)
		close(s.closed)
		s.cancel()
		err = s.conn.Close()
		s.wg.Wait()
	})
	return err
}

// setErr records the terminal error. The first one wins.
func (s *deepgramStream) setErr(err error) {
	s.errOnce.Do(func() { s.err = err })
}

func (s *deepgramStream) fail(err error) {
	s.setErr(err)
	_ = s.conn.Close()
}

func (s *deepgramStream) write(messageType int, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(messageType, data)
}

// writeLoop pulls audio until the source ends, then asks Deepgram to flush.
func (s *deepgramStream) writeLoop(ctx context.Context, audio AudioSource) {
	defer s.wg.Done()

	for {
		chunk, err := audio.Next(ctx)
		if errors.Is(err, io.EOF) {
			if err := s.write(websocket.TextMessage, closeStreamMsg); err != nil {
				s.fail(fmt.Errorf("send CloseStream: %w", err))
			}
			return
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.fail(fmt.Errorf("read audio: %w", err))
			return
		}

		if err := s.write(websocket.BinaryMessage, chunk); err != nil {
			s.fail(fmt.Errorf("send audio: %w", err))
			return
		}
	}
}

// readLoop reads responses from Deepgram and hands them to Recv.
func (s *deepgramStream) readLoop() {
	defer s.wg.Done()
	defer close(s.events)

	for {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				s.setErr(io.EOF)
			} else {
				s.setErr(fmt.Errorf("deepgram: read error: %w", err))
			}
			return
		}

		var resp deepgramResponse
		if err := json.Unmarshal(msg, &resp); err != nil {
			s.logger.Warn("deepgram: failed to parse response", zap.Error(err))
			continue
		}

		// Skip Metadata, SpeechStarted, UtteranceEnd.
		if resp.Type != "Results" {
			continue
		}

		select {
		case s.events <- s.toEvent(resp):
		case <-s.closed:
			return
		}
	}
}

func (s *deepgramStream) toEvent(resp deepgramResponse) ResultEvent {
	s.seq++

	result := Result{
		ResultID:  fmt.Sprintf("%s-%d", resp.Metadata.RequestID, s.seq),
		StartTime: resp.Start,
		EndTime:   resp.Start + resp.Duration,
		IsPartial: !resp.IsFinal,
	}
	if len(resp.ChannelIndex) > 0 {
		result.ChannelID = fmt.Sprintf("ch_%d", resp.ChannelIndex[0])
	}

	for _, alt := range resp.Channel.Alternatives {
		a := Alternative{Transcript: alt.Transcript}
		for _, w := range alt.Words {
			content := w.PunctuatedWord
			if content == "" {
				content = w.Word
			}
			a.Items = append(a.Items, Item{
				Content:    content,
				StartTime:  w.Start,
				EndTime:    w.End,
				Type:       "pronunciation",
				Confidence: w.Confidence,
			})
		}
		result.Alternatives = append(result.Alternatives, a)
	}

	return ResultEvent{
		TranscriptEvent: &TranscriptEvent{
			Transcript: Transcript{Results: []Result{result}},
		},
	}
}
