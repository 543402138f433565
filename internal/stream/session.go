package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/seokmin100/Youtube-LiveSubtitle/internal/audio"
	"github.com/seokmin100/Youtube-LiveSubtitle/internal/protocol"
	"github.com/seokmin100/Youtube-LiveSubtitle/internal/transcription"
)

// ErrNoOutput is returned when audio arrives before an output is attached
var ErrNoOutput = errors.New("session has no output attached")

// Output delivers results back to the connected client
type Output interface {
	SendResult(result protocol.Result) error
	Close() error
}

// Session is one websocket connection streaming audio to the server
type Session struct {
	ID         string
	RemoteAddr string
	StartTime  time.Time

	LastActivity time.Time

	output   Output
	windower *audio.Windower
	manager  *Manager
	logger   *slog.Logger

	framesReceived    uint64
	bytesReceived     uint64
	samplesReceived   uint64
	pingsAnswered     uint64
	resultsSent       uint64
	windowsGenerated  uint64
	windowsSuccessful uint64
	windowsFailed     uint64
	windowsDiscarded  uint64
	tailSamples       uint64 // partial window left when the session stopped

	// Transcription control
	ctx      context.Context
	cancel   context.CancelFunc
	inflight sync.WaitGroup
	stopped  bool
	stopOnce sync.Once

	mu sync.RWMutex
}

func newSession(id, remoteAddr string, m *Manager) *Session {
	ctx, cancel := context.WithCancel(m.ctx)
	now := time.Now()

	var windower *audio.Windower
	if m.config.Transcriber != nil {
		windower = audio.NewWindower(m.config.WindowSamples)
	}

	return &Session{
		ID:           id,
		RemoteAddr:   remoteAddr,
		StartTime:    now,
		LastActivity: now,
		windower:     windower,
		manager:      m,
		logger:       m.logger.With(slog.String("session_id", id)),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Attach sets the output results are written to
func (s *Session) Attach(out Output) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.output = out
}

// Touch records activity on the connection
func (s *Session) Touch() {
	s.mu.Lock()
	s.LastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Session) lastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.LastActivity
}

// AddAudio accepts one validated binary frame of 16-bit PCM. Every window
// it completes is transcribed asynchronously.
func (s *Session) AddAudio(data []byte) error {
	samples, err := audio.DecodePCM16LE(data)
	if err != nil {
		return fmt.Errorf("failed to decode audio frame: %w", err)
	}

	s.mu.Lock()
	if s.output == nil {
		s.mu.Unlock()
		return ErrNoOutput
	}
	s.LastActivity = time.Now()
	s.framesReceived++
	s.bytesReceived += uint64(len(data))
	s.samplesReceived += uint64(len(samples))

	var windows [][]int16
	var firstWindow uint64
	if s.windower != nil && !s.stopped {
		windows = s.windower.Push(samples)
		firstWindow = s.windowsGenerated
		s.windowsGenerated += uint64(len(windows))
		s.inflight.Add(len(windows))
	}
	s.mu.Unlock()

	for i, window := range windows {
		go func(index uint64, window []int16) {
			defer s.inflight.Done()
			s.processTranscription(index, window)
		}(firstWindow+uint64(i), window)
	}

	return nil
}

// RecordPing counts an answered ping
func (s *Session) RecordPing() {
	s.mu.Lock()
	s.LastActivity = time.Now()
	s.pingsAnswered++
	s.mu.Unlock()
}

// RecordResult counts a result written to the client outside the
// transcription path
func (s *Session) RecordResult() {
	s.mu.Lock()
	s.resultsSent++
	s.mu.Unlock()
}

// processTranscription sends one window for transcription and forwards an
// accepted transcript to the client
func (s *Session) processTranscription(index uint64, window []int16) {
	cfg := s.manager.config
	m := s.manager.metrics

	req := &transcription.Request{
		SessionID:  s.ID,
		WindowID:   fmt.Sprintf("%s-%d", s.ID, index),
		Samples:    window,
		SampleRate: cfg.SampleRate,
		StartTime:  s.StartTime.Add(windowOffset(index, len(window), cfg.SampleRate)),
		Language:   cfg.Language,
	}

	ctx, cancel := context.WithTimeout(s.ctx, cfg.RequestTimeout)
	defer cancel()

	startTime := time.Now()
	response, err := cfg.Transcriber.Transcribe(ctx, req)
	m.RecordWindowProcessed()

	if err != nil {
		s.mu.Lock()
		s.windowsFailed++
		s.mu.Unlock()

		if s.ctx.Err() != nil {
			return
		}
		s.logger.Error("Transcription failed",
			slog.String("window_id", req.WindowID),
			slog.String("error", err.Error()),
			slog.Duration("duration", time.Since(startTime)),
		)
		return
	}

	if !transcription.Accept(response.Text, cfg.MinTextLength) {
		s.mu.Lock()
		s.windowsDiscarded++
		s.mu.Unlock()
		m.RecordTranscriptionDiscarded()

		s.logger.Debug("Transcript discarded",
			slog.String("window_id", req.WindowID),
			slog.String("text", response.Text),
		)
		return
	}

	s.mu.Lock()
	s.windowsSuccessful++
	out := s.output
	s.mu.Unlock()

	if s.ctx.Err() != nil || out == nil {
		return
	}

	result := protocol.Result{Type: cfg.ResultType, Text: response.Text}
	if err := out.SendResult(result); err != nil {
		s.logger.Warn("Failed to send result",
			slog.String("window_id", req.WindowID),
			slog.String("error", err.Error()),
		)
		return
	}

	s.mu.Lock()
	s.resultsSent++
	s.mu.Unlock()
	m.RecordResultSent(result.Type)

	s.logger.Info("Window transcription completed",
		slog.String("window_id", req.WindowID),
		slog.String("text", response.Text),
		slog.Duration("duration", time.Since(startTime)),
	)
}

// stop cancels pending transcriptions, waits for them and closes the output
func (s *Session) stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		var tail []int16
		if s.windower != nil {
			tail = s.windower.Flush()
		}
		s.tailSamples = uint64(len(tail))
		s.mu.Unlock()

		// Shorter than a window: the connection is going away, so there is
		// no client left to answer
		if len(tail) > 0 {
			s.logger.Debug("Partial window not transcribed", slog.Int("samples", len(tail)))
		}

		s.cancel()
		s.inflight.Wait()

		s.mu.RLock()
		out := s.output
		s.mu.RUnlock()

		if out != nil {
			if err := out.Close(); err != nil {
				s.logger.Debug("Error closing session output", slog.String("error", err.Error()))
			}
		}
	})
}

// windowOffset returns the stream position of window index
func windowOffset(index uint64, size, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(index) * time.Duration(size) * time.Second / time.Duration(sampleRate)
}

// Done is closed once the session is removed
func (s *Session) Done() <-chan struct{} {
	return s.ctx.Done()
}

// GetSessionInfo returns a snapshot of the session for monitoring
func (s *Session) GetSessionInfo() SessionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pending := 0
	if s.windower != nil {
		pending = s.windower.Pending()
	}

	audioSeconds := float64(0)
	if rate := s.manager.config.SampleRate; rate > 0 {
		audioSeconds = float64(s.samplesReceived) / float64(rate)
	}

	return SessionInfo{
		SessionID:         s.ID,
		RemoteAddr:        s.RemoteAddr,
		StartTime:         s.StartTime,
		LastActivity:      s.LastActivity,
		Duration:          time.Since(s.StartTime),
		FramesReceived:    s.framesReceived,
		BytesReceived:     s.bytesReceived,
		SamplesReceived:   s.samplesReceived,
		AudioSeconds:      audioSeconds,
		PendingSamples:    pending,
		PingsAnswered:     s.pingsAnswered,
		ResultsSent:       s.resultsSent,
		WindowsGenerated:  s.windowsGenerated,
		WindowsSuccessful: s.windowsSuccessful,
		WindowsFailed:     s.windowsFailed,
		WindowsDiscarded:  s.windowsDiscarded,
		TailSamples:       s.tailSamples,
	}
}

// SessionInfo represents session information for monitoring and APIs
type SessionInfo struct {
	SessionID       string        `json:"session_id"`
	RemoteAddr      string        `json:"remote_addr"`
	StartTime       time.Time     `json:"start_time"`
	LastActivity    time.Time     `json:"last_activity"`
	Duration        time.Duration `json:"duration"`
	FramesReceived  uint64        `json:"frames_received"`
	BytesReceived   uint64        `json:"bytes_received"`
	SamplesReceived uint64        `json:"samples_received"`
	AudioSeconds    float64       `json:"audio_seconds"`
	PendingSamples  int           `json:"pending_samples"`
	PingsAnswered   uint64        `json:"pings_answered"`
	ResultsSent     uint64        `json:"results_sent"`

	// Transcription statistics
	WindowsGenerated  uint64 `json:"windows_generated"`
	WindowsSuccessful uint64 `json:"windows_successful"`
	WindowsFailed     uint64 `json:"windows_failed"`
	WindowsDiscarded  uint64 `json:"windows_discarded"`
	TailSamples       uint64 `json:"tail_samples"`
}
