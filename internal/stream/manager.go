package stream

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/seokmin100/Youtube-LiveSubtitle/internal/config"
	"github.com/seokmin100/Youtube-LiveSubtitle/internal/metrics"
	"github.com/seokmin100/Youtube-LiveSubtitle/internal/protocol"
	"github.com/seokmin100/Youtube-LiveSubtitle/internal/transcription"
)

// ErrTooManySessions is returned when the session limit is reached
var ErrTooManySessions = errors.New("too many active sessions")

const defaultCleanupInterval = 30 * time.Second

// ManagerConfig contains configuration for the stream manager
type ManagerConfig struct {
	SampleRate      int
	MaxSessions     int           // 0 means unlimited
	SessionTimeout  time.Duration // idle time before a session is removed
	CleanupInterval time.Duration // defaults to 30s
	WindowSamples   int           // transcription window length
	MinTextLength   int           // shorter transcripts are discarded
	ResultType      string
	RequestTimeout  time.Duration // per window transcription timeout
	Language        string
	Transcriber     transcription.Transcriber // nil disables windowed transcription
}

// ConfigFromApp builds a manager configuration from the server and
// transcription sections. A window may take every retry of the client.
func ConfigFromApp(cfg *config.Config, t transcription.Transcriber) ManagerConfig {
	attempts := time.Duration(cfg.Transcription.MaxRetries + 1)
	return ManagerConfig{
		SampleRate:     cfg.Server.SampleRate,
		MaxSessions:    cfg.Server.MaxConnections,
		SessionTimeout: cfg.Server.GetSessionTimeoutDuration(),
		WindowSamples:  cfg.Server.WindowSamples(),
		MinTextLength:  cfg.Server.MinTextLength,
		ResultType:     cfg.Server.ResultType,
		RequestTimeout: cfg.Transcription.GetTimeoutDuration() * attempts,
		Language:       cfg.Transcription.Language,
		Transcriber:    t,
	}
}

// Manager manages all active subtitle sessions
type Manager struct {
	sessions map[string]*Session
	mu       sync.RWMutex
	logger   *slog.Logger
	metrics  *metrics.Metrics
	config   ManagerConfig

	// Cleanup management
	ctx     context.Context
	cancel  context.CancelFunc
	cleanup chan struct{}
}

// NewManager creates a new stream manager and starts its cleanup routine
func NewManager(logger *slog.Logger, m *metrics.Metrics, config ManagerConfig) *Manager {
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = defaultCleanupInterval
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 30 * time.Second
	}
	if config.ResultType == "" {
		config.ResultType = protocol.ResultFinal
	}

	ctx, cancel := context.WithCancel(context.Background())

	mgr := &Manager{
		sessions: make(map[string]*Session),
		logger:   logger,
		metrics:  m,
		config:   config,
		ctx:      ctx,
		cancel:   cancel,
		cleanup:  make(chan struct{}),
	}

	go mgr.startCleanupRoutine()

	return mgr
}

// CreateSession registers a new session for a connection from remoteAddr.
// The output must be attached before audio is added.
func (m *Manager) CreateSession(remoteAddr string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.config.MaxSessions > 0 && len(m.sessions) >= m.config.MaxSessions {
		return nil, ErrTooManySessions
	}

	session := newSession(uuid.NewString(), remoteAddr, m)
	m.sessions[session.ID] = session

	m.metrics.RecordConnectionAccepted()
	m.metrics.SetActiveConnections(len(m.sessions))

	m.logger.Info("Created new subtitle session",
		slog.String("session_id", session.ID),
		slog.String("remote_addr", remoteAddr),
		slog.Int("active_sessions", len(m.sessions)),
	)

	return session, nil
}

// GetSession retrieves an existing session
func (m *Manager) GetSession(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, exists := m.sessions[id]
	return session, exists
}

// GetActiveSessionCount returns the number of currently active sessions
func (m *Manager) GetActiveSessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// GetAllSessions returns a snapshot of all active sessions (for monitoring)
func (m *Manager) GetAllSessions() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sessions := make([]*Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		sessions = append(sessions, session)
	}

	return sessions
}

// RemoveSession removes a session, cancels its pending transcriptions and
// closes its output. It returns false if the session was already gone.
func (m *Manager) RemoveSession(id string) bool {
	m.mu.Lock()
	session, exists := m.sessions[id]
	if exists {
		delete(m.sessions, id)
		m.metrics.SetActiveConnections(len(m.sessions))
	}
	m.mu.Unlock()

	if !exists {
		return false
	}

	session.stop()

	info := session.GetSessionInfo()
	m.metrics.RecordSessionClosed(info.Duration.Seconds())

	m.logger.Info("Subtitle session removed",
		slog.String("session_id", id),
		slog.String("remote_addr", info.RemoteAddr),
		slog.Duration("duration", info.Duration),
		slog.Uint64("frames_received", info.FramesReceived),
		slog.Uint64("windows_generated", info.WindowsGenerated),
		slog.Uint64("results_sent", info.ResultsSent),
	)

	return true
}

// Stop removes every session and stops the cleanup routine
func (m *Manager) Stop() {
	m.logger.Info("Stopping stream manager...")

	for _, session := range m.GetAllSessions() {
		m.RemoveSession(session.ID)
	}

	// Cancel context to stop cleanup routine
	m.cancel()
	<-m.cleanup

	transcriptionStats := m.GetTranscriptionStats()
	m.logger.Info("Stream manager stopped",
		slog.Int("remaining_sessions", m.GetActiveSessionCount()),
		slog.Uint64("total_transcription_requests", transcriptionStats.TotalRequests),
		slog.Uint64("successful_transcriptions", transcriptionStats.SuccessRequests),
		slog.Float64("transcription_success_rate", transcriptionStats.SuccessRate),
	)
}

// GetTranscriptionStats returns current transcription statistics
func (m *Manager) GetTranscriptionStats() transcription.ClientStats {
	if m.config.Transcriber == nil {
		return transcription.ClientStats{}
	}
	return m.config.Transcriber.GetStats()
}

// Config returns the manager configuration
func (m *Manager) Config() ManagerConfig {
	return m.config
}

// startCleanupRoutine runs in a separate goroutine to clean up expired sessions
func (m *Manager) startCleanupRoutine() {
	defer close(m.cleanup)

	ticker := time.NewTicker(m.config.CleanupInterval)
	defer ticker.Stop()

	m.logger.Info("Session cleanup routine started",
		slog.Duration("timeout", m.config.SessionTimeout),
		slog.Duration("check_interval", m.config.CleanupInterval),
	)

	for {
		select {
		case <-m.ctx.Done():
			m.logger.Info("Session cleanup routine stopping")
			return

		case <-ticker.C:
			m.cleanupExpiredSessions()
		}
	}
}

// cleanupExpiredSessions removes sessions that have been inactive for too long
func (m *Manager) cleanupExpiredSessions() {
	if m.config.SessionTimeout <= 0 {
		return
	}

	now := time.Now()
	expiredSessions := make([]string, 0)

	m.mu.RLock()
	for id, session := range m.sessions {
		if now.Sub(session.lastActivity()) > m.config.SessionTimeout {
			expiredSessions = append(expiredSessions, id)
		}
	}
	m.mu.RUnlock()

	if len(expiredSessions) > 0 {
		m.logger.Info("Cleaning up expired sessions",
			slog.Int("expired_count", len(expiredSessions)),
		)

		for _, id := range expiredSessions {
			m.RemoveSession(id)
		}
	}
}
