package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/seokmin100/Youtube-LiveSubtitle/internal/config"
	"github.com/seokmin100/Youtube-LiveSubtitle/internal/metrics"
	"github.com/seokmin100/Youtube-LiveSubtitle/internal/protocol"
	"github.com/seokmin100/Youtube-LiveSubtitle/internal/stream"
	"github.com/seokmin100/Youtube-LiveSubtitle/internal/transcription"
)

const (
	writeWait = 5 * time.Second
	// Text frames (pings) may exceed the audio limit slightly
	readLimitSlack = 1024
)

var errConnectionClosed = errors.New("connection closed")

// WSServer accepts websocket connections streaming PCM audio and answers
// them with subtitles
type WSServer struct {
	server    *http.Server
	listener  net.Listener
	config    *config.ServerConfig
	logger    *slog.Logger
	streamMgr *stream.Manager
	metrics   *metrics.Metrics
	upgrader  websocket.Upgrader

	// Answers every frame when the placeholder backend is active
	placeholder *transcription.Placeholder

	// Connection tracking
	wg      sync.WaitGroup
	closing bool

	// Basic counters
	connectionsAccepted uint64
	connectionsRejected uint64
	framesReceived      uint64
	framesRejected      uint64
	bytesReceived       uint64
	pingsAnswered       uint64
	resultsSent         uint64
	mu                  sync.RWMutex
}

// NewWSServer creates a new websocket server instance
func NewWSServer(cfg *config.ServerConfig, logger *slog.Logger, streamMgr *stream.Manager, m *metrics.Metrics) *WSServer {
	s := &WSServer{
		config:    cfg,
		logger:    logger,
		streamMgr: streamMgr,
		metrics:   m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser capture clients connect from arbitrary origins
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	if cfg.Backend == config.BackendPlaceholder {
		s.placeholder = transcription.NewPlaceholder(cfg.PlaceholderText)
	}

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// Handler returns the websocket routes: the configured path and the root,
// which older clients connect to
func (s *WSServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.config.Path, s.handleWebSocket)
	if s.config.Path != "/" {
		mux.HandleFunc("/", s.handleWebSocket)
	}
	return mux
}

// Start begins listening for websocket connections
func (s *WSServer) Start() error {
	listener, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.server.Addr, err)
	}
	s.listener = listener

	s.logger.Info("WebSocket server started",
		slog.String("address", listener.Addr().String()),
		slog.String("path", s.config.Path),
		slog.String("backend", s.config.Backend),
		slog.Int("max_connections", s.config.MaxConnections),
	)

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("WebSocket server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Addr returns the listening address once started
func (s *WSServer) Addr() string {
	if s.listener == nil {
		return s.server.Addr
	}
	return s.listener.Addr().String()
}

// Stop stops accepting connections, closes every session and waits for
// the connection handlers to finish
func (s *WSServer) Stop(ctx context.Context) error {
	s.logger.Info("Stopping WebSocket server...")

	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	// Hijacked connections are not tracked by Shutdown
	err := s.server.Shutdown(ctx)

	for _, session := range s.streamMgr.GetAllSessions() {
		s.streamMgr.RemoveSession(session.ID)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("timed out waiting for connections: %w", ctx.Err())
	}

	stats := s.GetStatistics()
	s.logger.Info("WebSocket server stopped",
		slog.Uint64("connections_accepted", stats.ConnectionsAccepted),
		slog.Uint64("frames_received", stats.FramesReceived),
		slog.Uint64("frames_rejected", stats.FramesRejected),
		slog.Uint64("results_sent", stats.ResultsSent),
	)

	return err
}

// handleWebSocket upgrades one connection and runs its read loop
func (s *WSServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		http.Error(w, "Server shutting down", http.StatusServiceUnavailable)
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	session, err := s.streamMgr.CreateSession(r.RemoteAddr)
	if err != nil {
		s.mu.Lock()
		s.connectionsRejected++
		s.mu.Unlock()
		s.metrics.RecordConnectionRejected()

		s.logger.Warn("Rejecting connection",
			slog.String("remote_addr", r.RemoteAddr),
			slog.String("error", err.Error()),
		)
		http.Error(w, "Too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already answered the request
		s.logger.Warn("WebSocket upgrade failed",
			slog.String("remote_addr", r.RemoteAddr),
			slog.String("error", err.Error()),
		)
		s.streamMgr.RemoveSession(session.ID)
		return
	}
	conn.SetReadLimit(int64(s.config.MaxFrameBytes) + readLimitSlack)

	c := newConnection(conn)
	session.Attach(c)

	s.mu.Lock()
	s.connectionsAccepted++
	s.mu.Unlock()

	s.readLoop(session, c)

	s.streamMgr.RemoveSession(session.ID)
}

// readLoop processes messages until the client disconnects or the session
// is removed
func (s *WSServer) readLoop(session *stream.Session, c *connection) {
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if !c.isClosed() && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("Connection read failed",
					slog.String("session_id", session.ID),
					slog.String("error", err.Error()),
				)
			}
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			s.handleAudio(session, c, data)
		case websocket.TextMessage:
			s.handleText(session, c, data)
		}
	}
}

// handleAudio validates one audio frame and hands it to the session
func (s *WSServer) handleAudio(session *stream.Session, c *connection, data []byte) {
	if err := protocol.ValidateAudioFrame(data, s.config.MaxFrameBytes); err != nil {
		s.mu.Lock()
		s.framesRejected++
		s.mu.Unlock()
		s.metrics.RecordFrameError(protocol.FrameErrorType(err))

		s.logger.Debug("Rejected audio frame",
			slog.String("session_id", session.ID),
			slog.Int("frame_size", len(data)),
			slog.String("error", err.Error()),
		)
		return
	}

	s.mu.Lock()
	s.framesReceived++
	s.bytesReceived += uint64(len(data))
	s.mu.Unlock()
	s.metrics.RecordFrameReceived(len(data))

	if err := session.AddAudio(data); err != nil {
		s.logger.Error("Failed to add audio to session",
			slog.String("session_id", session.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	if s.placeholder != nil {
		s.answerPlaceholder(session, c)
	}
}

// answerPlaceholder replies to one frame with the placeholder text. The
// audio itself has already been handed to the session.
func (s *WSServer) answerPlaceholder(session *stream.Session, c *connection) {
	resp, err := s.placeholder.Transcribe(context.Background(), &transcription.Request{
		SessionID:  session.ID,
		SampleRate: s.config.SampleRate,
	})
	if err != nil {
		return
	}

	if err := c.SendText(resp.Text); err != nil {
		s.logger.Debug("Failed to send placeholder",
			slog.String("session_id", session.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	s.mu.Lock()
	s.resultsSent++
	s.mu.Unlock()
	session.RecordResult()
	s.metrics.RecordResultSent("placeholder")
}

// handleText echoes pings; other text messages only count as activity
func (s *WSServer) handleText(session *stream.Session, c *connection, data []byte) {
	if !protocol.IsPing(string(data)) {
		session.Touch()
		s.logger.Debug("Ignoring text message",
			slog.String("session_id", session.ID),
			slog.Int("size", len(data)),
		)
		return
	}

	if err := c.SendText(string(data)); err != nil {
		s.logger.Debug("Failed to echo ping",
			slog.String("session_id", session.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	s.mu.Lock()
	s.pingsAnswered++
	s.mu.Unlock()
	session.RecordPing()
	s.metrics.RecordPing()
}

// TranscriptionStats returns the statistics of the active backend
func (s *WSServer) TranscriptionStats() transcription.ClientStats {
	if s.placeholder != nil {
		return s.placeholder.GetStats()
	}
	return s.streamMgr.GetTranscriptionStats()
}

// GetStatistics returns current server statistics
func (s *WSServer) GetStatistics() ServerStatistics {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return ServerStatistics{
		ConnectionsAccepted: s.connectionsAccepted,
		ConnectionsRejected: s.connectionsRejected,
		FramesReceived:      s.framesReceived,
		FramesRejected:      s.framesRejected,
		BytesReceived:       s.bytesReceived,
		PingsAnswered:       s.pingsAnswered,
		ResultsSent:         s.resultsSent,
		ActiveSessions:      uint64(s.streamMgr.GetActiveSessionCount()),
	}
}

// ServerStatistics represents server performance metrics
type ServerStatistics struct {
	ConnectionsAccepted uint64 `json:"connections_accepted"`
	ConnectionsRejected uint64 `json:"connections_rejected"`
	FramesReceived      uint64 `json:"frames_received"`
	FramesRejected      uint64 `json:"frames_rejected"`
	BytesReceived       uint64 `json:"bytes_received"`
	PingsAnswered       uint64 `json:"pings_answered"`
	ResultsSent         uint64 `json:"results_sent"`
	ActiveSessions      uint64 `json:"active_sessions"`
}

// connection serializes writes to one websocket connection
type connection struct {
	conn   *websocket.Conn
	mu     sync.Mutex
	closed bool
}

func newConnection(conn *websocket.Conn) *connection {
	return &connection{conn: conn}
}

// SendText writes a text message
func (c *connection) SendText(text string) error {
	return c.write(websocket.TextMessage, []byte(text))
}

// SendResult writes a JSON subtitle result
func (c *connection) SendResult(result protocol.Result) error {
	data, err := protocol.EncodeResult(result)
	if err != nil {
		return err
	}
	return c.write(websocket.TextMessage, data)
}

func (c *connection) write(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errConnectionClosed
	}

	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}
	if err := c.conn.WriteMessage(messageType, data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

func (c *connection) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close sends a close frame and closes the connection, which ends the
// read loop
func (c *connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	c.mu.Unlock()

	return c.conn.Close()
}
