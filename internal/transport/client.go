package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/seokmin100/Youtube-LiveSubtitle/internal/audio"
	"github.com/seokmin100/Youtube-LiveSubtitle/internal/config"
	"github.com/seokmin100/Youtube-LiveSubtitle/internal/metrics"
	"github.com/seokmin100/Youtube-LiveSubtitle/internal/protocol"
)

// ErrClosed is returned when using a client after it was closed
var ErrClosed = errors.New("transport closed")

// Config contains websocket client configuration
type Config struct {
	URL              string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration // 0 disables pings
}

// ConfigFromTransport builds a client configuration from the transport section
func ConfigFromTransport(cfg config.TransportConfig) Config {
	return Config{
		URL:              cfg.URL,
		HandshakeTimeout: cfg.GetHandshakeTimeoutDuration(),
		WriteTimeout:     cfg.GetWriteTimeoutDuration(),
		PingInterval:     cfg.GetPingIntervalDuration(),
	}
}

// SubtitleHandler is called from the read loop for every result or plain
// text message
type SubtitleHandler func(msg protocol.Message)

// ClientStats holds client statistics
type ClientStats struct {
	PacketsSent       uint64        `json:"packets_sent"`
	BytesSent         uint64        `json:"bytes_sent"`
	PingsSent         uint64        `json:"pings_sent"`
	PingsReceived     uint64        `json:"pings_received"`
	SubtitlesReceived uint64        `json:"subtitles_received"`
	LastRTT           time.Duration `json:"last_rtt"`
}

// Client is the websocket connection to the subtitle server. Audio packets
// are sent as binary messages; subtitles come back as text messages.
// Writes are serialized, so SendPacket may be called concurrently with the
// ping loop.
type Client struct {
	config  Config
	conn    *websocket.Conn
	logger  *slog.Logger
	metrics *metrics.Metrics

	onSubtitle SubtitleHandler

	writeMu   sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once

	rtt           atomic.Int64 // nanoseconds
	packetsSent   atomic.Uint64
	bytesSent     atomic.Uint64
	pingsSent     atomic.Uint64
	pingsReceived atomic.Uint64
	subtitles     atomic.Uint64
}

// Dial connects to the subtitle server
func Dial(ctx context.Context, cfg Config, logger *slog.Logger, m *metrics.Metrics) (*Client, error) {
	dialer := websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout}

	conn, resp, err := dialer.DialContext(ctx, cfg.URL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to connect to %s (status %d): %w", cfg.URL, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.URL, err)
	}

	logger.Info("Connected to subtitle server", slog.String("url", cfg.URL))

	return &Client{
		config:  cfg,
		conn:    conn,
		logger:  logger,
		metrics: m,
	}, nil
}

// OnSubtitle registers the subtitle callback. It must be set before Run.
func (c *Client) OnSubtitle(h SubtitleHandler) {
	c.onSubtitle = h
}

// SendPacket writes the packet as one binary PCM message
func (c *Client) SendPacket(ctx context.Context, pkt *audio.Packet) error {
	data := pkt.PCM()
	if err := c.write(ctx, websocket.BinaryMessage, data); err != nil {
		return err
	}

	c.packetsSent.Add(1)
	c.bytesSent.Add(uint64(len(data)))
	return nil
}

// Ping sends a timestamped ping; the echo updates RTT
func (c *Client) Ping(ctx context.Context) error {
	if err := c.write(ctx, websocket.TextMessage, []byte(protocol.FormatPing(time.Now()))); err != nil {
		return err
	}
	c.pingsSent.Add(1)
	return nil
}

func (c *Client) write(ctx context.Context, messageType int, data []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	deadline := time.Now().Add(c.config.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}
	if err := c.conn.WriteMessage(messageType, data); err != nil {
		if c.closed.Load() {
			return ErrClosed
		}
		return fmt.Errorf("failed to write message: %w", err)
	}

	return nil
}

// RTT returns the last measured round-trip time, 0 before the first echo
func (c *Client) RTT() time.Duration {
	return time.Duration(c.rtt.Load())
}

// Run processes incoming messages and sends pings until ctx is done, the
// server closes the connection or the client is closed. A normal close
// returns nil.
func (c *Client) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(c.readLoop)

	if c.config.PingInterval > 0 {
		g.Go(func() error {
			return c.pingLoop(gctx)
		})
	}

	// Unblocks the read loop once anything ends the group
	g.Go(func() error {
		<-gctx.Done()
		c.Close()
		return nil
	})

	err := g.Wait()
	if errors.Is(err, ErrClosed) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (c *Client) readLoop() error {
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if c.closed.Load() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return ErrClosed
			}
			return fmt.Errorf("failed to read message: %w", err)
		}

		if messageType != websocket.TextMessage {
			c.logger.Debug("Ignoring non-text message", slog.Int("bytes", len(data)))
			continue
		}

		c.handleText(data)
	}
}

func (c *Client) handleText(data []byte) {
	msg := protocol.DecodeMessage(data)

	if msg.Kind == protocol.KindPing {
		sent, err := protocol.ParsePing(msg.Raw)
		if err != nil {
			c.logger.Debug("Invalid ping echo", slog.String("error", err.Error()))
			return
		}
		rtt := time.Since(sent)
		c.rtt.Store(int64(rtt))
		c.pingsReceived.Add(1)
		c.metrics.SetRoundTripTime(rtt.Seconds())
		return
	}

	c.subtitles.Add(1)
	c.metrics.RecordSubtitleReceived()
	if c.onSubtitle != nil {
		c.onSubtitle(msg)
	}
}

func (c *Client) pingLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := c.Ping(ctx); err != nil {
				if errors.Is(err, ErrClosed) || ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("ping failed: %w", err)
			}
		}
	}
}

// Close sends a close frame and closes the connection. It is safe to call
// more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)

		c.writeMu.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		// The close frame is best effort; the peer may already be gone
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.writeMu.Unlock()

		err = c.conn.Close()
		c.logger.Info("Disconnected from subtitle server",
			slog.Uint64("packets_sent", c.packetsSent.Load()),
			slog.Uint64("subtitles_received", c.subtitles.Load()),
		)
	})
	return err
}

// Stats returns a snapshot of the client statistics
func (c *Client) Stats() ClientStats {
	return ClientStats{
		PacketsSent:       c.packetsSent.Load(),
		BytesSent:         c.bytesSent.Load(),
		PingsSent:         c.pingsSent.Load(),
		PingsReceived:     c.pingsReceived.Load(),
		SubtitlesReceived: c.subtitles.Load(),
		LastRTT:           c.RTT(),
	}
}
