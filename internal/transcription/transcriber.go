package transcription

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
	"unicode"
)

// ErrEmptyAudio is returned when a request carries no samples
var ErrEmptyAudio = errors.New("empty audio window")

// Transcriber turns a window of 16-bit PCM into text
type Transcriber interface {
	Transcribe(ctx context.Context, req *Request) (*Response, error)
	GetStats() ClientStats
}

// Request is one audio window to transcribe
type Request struct {
	SessionID  string
	WindowID   string
	RequestID  string
	Samples    []int16
	SampleRate int
	StartTime  time.Time
	Language   string
}

// Duration returns the audio duration of the window
func (r *Request) Duration() time.Duration {
	if r.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(r.Samples)) * time.Second / time.Duration(r.SampleRate)
}

// Response represents the response from the transcription API
type Response struct {
	SessionID   string    `json:"session_id"`
	WindowID    string    `json:"window_id"`
	Text        string    `json:"text"`
	Confidence  float32   `json:"confidence"`
	Language    string    `json:"language,omitempty"`
	Segments    []Segment `json:"segments,omitempty"`
	Duration    float64   `json:"duration"`
	ProcessedAt time.Time `json:"processed_at"`
}

// Segment represents a segment of transcribed text
type Segment struct {
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Text       string  `json:"text"`
	Confidence float32 `json:"confidence"`
}

// Placeholder answers every window with a fixed text
type Placeholder struct {
	text     string
	requests atomic.Uint64
}

// NewPlaceholder creates a transcriber that always returns text
func NewPlaceholder(text string) *Placeholder {
	return &Placeholder{text: text}
}

// Transcribe returns the configured text
func (p *Placeholder) Transcribe(ctx context.Context, req *Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.requests.Add(1)

	return &Response{
		SessionID:   req.SessionID,
		WindowID:    req.WindowID,
		Text:        p.text,
		Confidence:  1,
		Duration:    req.Duration().Seconds(),
		ProcessedAt: time.Now(),
	}, nil
}

// GetStats reports every request as successful
func (p *Placeholder) GetStats() ClientStats {
	n := p.requests.Load()
	rate := float64(0)
	if n > 0 {
		rate = 100
	}
	return ClientStats{
		TotalRequests:   n,
		SuccessRequests: n,
		SuccessRate:     rate,
	}
}

// MeaningfulLength counts the non-whitespace runes of text
func MeaningfulLength(text string) int {
	n := 0
	for _, r := range text {
		if !unicode.IsSpace(r) {
			n++
		}
	}
	return n
}

// Accept reports whether a transcript is long enough to show. Short
// fragments are mostly recognition noise.
func Accept(text string, minLength int) bool {
	n := MeaningfulLength(text)
	return n > 0 && n >= minLength
}
