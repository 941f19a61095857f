package stt

import (
	"context"

	"github.com/samber/lo"
)

// StreamConfig describes one streaming transcription request.
type StreamConfig struct {
	LanguageCode string `yaml:"language_code"` // e.g. "en-US"
	SampleRateHz int    `yaml:"sample_rate_hz"`
	Encoding     string `yaml:"encoding"`  // "pcm" for 16-bit little-endian mono
	Specialty    string `yaml:"specialty"` // medical domain, e.g. "PRIMARYCARE"; empty for general
	Type         string `yaml:"type"`      // "DICTATION" or "CONVERSATION"
}

// DefaultStreamConfig matches what the browser client records: 48 kHz mono PCM
// dictation in US English for primary care.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		LanguageCode: "en-US",
		SampleRateHz: 48000,
		Encoding:     "pcm",
		Specialty:    "PRIMARYCARE",
		Type:         "DICTATION",
	}
}

// AudioSource is the pull side of the audio path. Next blocks until a chunk is
// available and returns io.EOF once the client has finished sending audio.
type AudioSource interface {
	Next(ctx context.Context) ([]byte, error)
}

// ResultStream is the pull side of the result path.
type ResultStream interface {
	// Recv blocks for the next event. It returns io.EOF when the backend has
	// consumed all audio and emitted every result.
	Recv(ctx context.Context) (ResultEvent, error)

	// Close tears the exchange down and returns once the stream has stopped
	// reading from its AudioSource. Safe to call more than once.
	Close() error
}

// Backend starts streaming exchanges with a transcription provider.
type Backend interface {
	Start(ctx context.Context, cfg StreamConfig, audio AudioSource) (ResultStream, error)
}

// ResultEvent is one message of the result stream. The JSON shape is what the
// browser client parses, so field names must not change.
type ResultEvent struct {
	TranscriptEvent *TranscriptEvent `json:"TranscriptEvent,omitempty"`
}

type TranscriptEvent struct {
	Transcript Transcript `json:"Transcript"`
}

type Transcript struct {
	Results []Result `json:"Results"`
}

// Result is a partial or final recognition hypothesis for one audio segment.
type Result struct {
	ResultID     string        `json:"ResultId,omitempty"`
	StartTime    float64       `json:"StartTime"`
	EndTime      float64       `json:"EndTime"`
	IsPartial    bool          `json:"IsPartial"`
	ChannelID    string        `json:"ChannelId,omitempty"`
	Alternatives []Alternative `json:"Alternatives"`
}

// Alternative is one ranked transcription of a Result, best first.
type Alternative struct {
	Transcript string `json:"Transcript"`
	Items      []Item `json:"Items,omitempty"`
}

type Item struct {
	Content    string  `json:"Content"`
	StartTime  float64 `json:"StartTime"`
	EndTime    float64 `json:"EndTime"`
	Type       string  `json:"Type"` // "pronunciation" or "punctuation"
	Confidence float64 `json:"Confidence,omitempty"`
}

// Results returns the event's results, or nil for events without a transcript.
func (e ResultEvent) Results() []Result {
	if e.TranscriptEvent == nil {
		return nil
	}
	return e.TranscriptEvent.Transcript.Results
}

// HasFinal reports whether any result in the event is final.
func (e ResultEvent) HasFinal() bool {
	return lo.SomeBy(e.Results(), func(r Result) bool { return !r.IsPartial })
}

// FinalTranscripts returns the best alternative of every final result.
func (e ResultEvent) FinalTranscripts() []string {
	return lo.FilterMap(e.Results(), func(r Result, _ int) (string, bool) {
		if r.IsPartial || len(r.Alternatives) == 0 {
			return "", false
		}
		return r.Alternatives[0].Transcript, true
	})
}
