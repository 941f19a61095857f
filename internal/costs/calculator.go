// Package costs estimates what a transcription session costs the provider account.
package costs

import (
	"strings"
	"time"
)

// Pricing holds provider rates in cents per unit for precision.
type Pricing struct {
	// STTCentsPerMinute is the streaming speech-to-text rate.
	// Deepgram Nova-3 streaming: $0.0077/min = 0.77 cents/min
	STTCentsPerMinute float64 `yaml:"stt_cents_per_minute"`
}

// DefaultPricing returns current list prices.
func DefaultPricing() Pricing {
	return Pricing{STTCentsPerMinute: 0.77}
}

// SessionUsage contains the raw metrics of a session used for cost calculation.
type SessionUsage struct {
	AudioBytes   int64         // audio accepted from the client
	SampleRateHz int           // agreed stream sample rate
	Encoding     string        // agreed stream encoding
	Streamed     time.Duration // wall clock time the backend exchange was open
}

// SessionCosts contains the calculated cost of a session.
type SessionCosts struct {
	AudioSeconds float64 // audio billed by the provider
	STTCostCents float64 // unrounded; sessions are usually well under a cent
}

// AudioSeconds returns the duration of the audio the client sent. Only
// uncompressed 16-bit mono PCM can be measured from its size; for compressed
// encodings the streamed wall clock time is used, which is what the provider
// bills for a live stream anyway.
func (u SessionUsage) AudioSeconds() float64 {
	if isPCM16(u.Encoding) && u.SampleRateHz > 0 {
		return float64(u.AudioBytes) / float64(2*u.SampleRateHz)
	}
	return u.Streamed.Seconds()
}

// Calculate computes the cost of a session based on its usage.
func (p Pricing) Calculate(u SessionUsage) SessionCosts {
	secs := u.AudioSeconds()
	return SessionCosts{
		AudioSeconds: secs,
		STTCostCents: (secs / 60.0) * p.STTCentsPerMinute,
	}
}

// RoundCents rounds to the nearest whole cent.
func RoundCents(c float64) int {
	if c < 0 {
		return int(c - 0.5)
	}
	return int(c + 0.5)
}

func isPCM16(encoding string) bool {
	switch strings.ToLower(encoding) {
	case "pcm", "linear16":
		return true
	}
	return false
}
