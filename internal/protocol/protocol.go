package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Message protocol constants.
//
// Binary websocket messages carry raw little-endian signed 16-bit mono PCM.
// Text messages are either pings ("ping:<ms>", echoed verbatim by the
// server), JSON results ({"type":...,"text":...}) or plain subtitle text.
const (
	PingPrefix = "ping:"

	// Result types
	ResultPartial   = "partial"
	ResultFinal     = "final"
	ResultFinalVosk = "final_vosk"

	// BytesPerSample of the PCM wire format
	BytesPerSample = 2
)

var (
	// ErrEmptyFrame is returned for a binary frame without audio
	ErrEmptyFrame = errors.New("empty audio frame")
	// ErrOddFrame is returned for a binary frame that is not whole 16-bit samples
	ErrOddFrame = errors.New("audio frame length is not a multiple of 2")
	// ErrFrameTooLarge is returned for a binary frame above the configured limit
	ErrFrameTooLarge = errors.New("audio frame too large")
	// ErrNotPing is returned when parsing a text message that is not a ping
	ErrNotPing = errors.New("not a ping message")
)

// Kind classifies a text message
type Kind int

const (
	KindText Kind = iota
	KindPing
	KindResult
)

// String returns a human-readable representation of the kind
func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindPing:
		return "ping"
	case KindResult:
		return "result"
	default:
		return fmt.Sprintf("Unknown(%d)", int(k))
	}
}

// Result is a subtitle produced by the server
type Result struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Message is a decoded text message
type Message struct {
	Kind   Kind
	Raw    string
	Result Result // Only set for KindResult
}

// Subtitle returns the text to display: the result text or the plain message.
// Pings have no subtitle.
func (m Message) Subtitle() string {
	switch m.Kind {
	case KindResult:
		return m.Result.Text
	case KindText:
		return m.Raw
	default:
		return ""
	}
}

// FormatPing builds a ping message stamped with t in fractional milliseconds
func FormatPing(t time.Time) string {
	ms := float64(t.UnixMicro()) / 1000
	return PingPrefix + strconv.FormatFloat(ms, 'f', 3, 64)
}

// IsPing reports whether a text message is a ping
func IsPing(msg string) bool {
	return strings.HasPrefix(msg, PingPrefix)
}

// ParsePing extracts the send time from an echoed ping
func ParsePing(msg string) (time.Time, error) {
	if !IsPing(msg) {
		return time.Time{}, ErrNotPing
	}

	ms, err := strconv.ParseFloat(msg[len(PingPrefix):], 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid ping timestamp %q: %w", msg[len(PingPrefix):], err)
	}

	return time.UnixMicro(int64(ms * 1000)), nil
}

// EncodeResult serializes a subtitle result as JSON
func EncodeResult(r Result) ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}
	return data, nil
}

// DecodeMessage classifies a text message. JSON objects with a type and a
// text field are results; anything else that is not a ping is plain text.
func DecodeMessage(data []byte) Message {
	raw := string(data)
	if IsPing(raw) {
		return Message{Kind: KindPing, Raw: raw}
	}

	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "{") {
		var r Result
		if err := json.Unmarshal([]byte(trimmed), &r); err == nil && r.Type != "" {
			return Message{Kind: KindResult, Raw: raw, Result: r}
		}
	}

	return Message{Kind: KindText, Raw: raw}
}

// ValidateAudioFrame checks that a binary frame holds whole 16-bit samples
// and does not exceed maxBytes. A non-positive maxBytes disables the limit.
func ValidateAudioFrame(data []byte, maxBytes int) error {
	if len(data) == 0 {
		return ErrEmptyFrame
	}

	if len(data)%BytesPerSample != 0 {
		return fmt.Errorf("%w: got %d bytes", ErrOddFrame, len(data))
	}

	if maxBytes > 0 && len(data) > maxBytes {
		return fmt.Errorf("%w: %d bytes (maximum %d)", ErrFrameTooLarge, len(data), maxBytes)
	}

	return nil
}

// FrameErrorType maps a frame validation error to a metrics label
func FrameErrorType(err error) string {
	switch {
	case errors.Is(err, ErrEmptyFrame):
		return "empty"
	case errors.Is(err, ErrOddFrame):
		return "odd_length"
	case errors.Is(err, ErrFrameTooLarge):
		return "too_large"
	default:
		return "unknown"
	}
}

// String returns a human-readable representation of the result
func (r Result) String() string {
	return fmt.Sprintf("Result{Type:%s, Text:%q}", r.Type, r.Text)
}
