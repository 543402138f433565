package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/seokmin100/Youtube-LiveSubtitle/internal/audio"
	"github.com/seokmin100/Youtube-LiveSubtitle/internal/config"
	"github.com/seokmin100/Youtube-LiveSubtitle/internal/metrics"
	"github.com/seokmin100/Youtube-LiveSubtitle/internal/vad"
)

// ErrSessionStopped is returned when feeding a session that was stopped
var ErrSessionStopped = errors.New("capture session stopped")

// Sink receives emitted packets on the dispatcher goroutine.
// It takes ownership of the packet.
type Sink interface {
	SendPacket(ctx context.Context, pkt *audio.Packet) error
}

// SinkFunc adapts a function to the Sink interface
type SinkFunc func(ctx context.Context, pkt *audio.Packet) error

// SendPacket calls f(ctx, pkt)
func (f SinkFunc) SendPacket(ctx context.Context, pkt *audio.Packet) error {
	return f(ctx, pkt)
}

// Config contains capture session configuration
type Config struct {
	Packetizer audio.PacketizerConfig
	QueueSize  int
}

// ConfigFromCapture builds a session configuration from the capture section
func ConfigFromCapture(cfg config.CaptureConfig) Config {
	return Config{
		Packetizer: audio.PacketizerConfig{
			SampleRate:          cfg.SampleRate,
			BlockSize:           cfg.BlockSize,
			SilenceThreshold:    cfg.SilenceThreshold,
			MaxSilentBlocks:     cfg.MaxSilentBlocks,
			TargetSampleCount:   cfg.TargetSampleCount(),
			TrimTrailingSilence: cfg.TrimTrailingSilence,
		},
		QueueSize: cfg.QueueSize,
	}
}

// SessionStats combines packetizer counters with hand-off statistics
type SessionStats struct {
	ID             string                `json:"id"`
	StartTime      time.Time             `json:"start_time"`
	Stopped        bool                  `json:"stopped"`
	Packetizer     audio.PacketizerStats `json:"packetizer"`
	PacketsQueued  uint64                `json:"packets_queued"`
	PacketsSent    uint64                `json:"packets_sent"`
	PacketsDropped uint64                `json:"packets_dropped"`
	SendFailures   uint64                `json:"send_failures"`
	QueueDepth     int                   `json:"queue_depth"`
}

// Session is one capture session: it owns a packetizer and hands emitted
// packets to a sink through a bounded queue drained by a dispatcher goroutine.
//
// ProcessBlock is meant to be called from a single capture goroutine. It
// never waits on the sink: when the queue is full the packet is dropped.
type Session struct {
	id        string
	config    Config
	sink      Sink
	logger    *slog.Logger
	metrics   *metrics.Metrics
	startTime time.Time

	// mu guards the packetizer between the capture goroutine and Stop.
	// It is never held across I/O.
	mu         sync.Mutex
	packetizer *audio.Packetizer
	stopped    bool

	queue  chan *audio.Packet
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	stopOnce sync.Once
	stopErr  error

	queued  atomic.Uint64
	sent    atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64
}

// NewSession starts a capture session: gate and accumulator are allocated in
// their initial state and the dispatcher goroutine is started.
func NewSession(id string, cfg Config, sink Sink, logger *slog.Logger, m *metrics.Metrics) *Session {
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:         id,
		config:     cfg,
		sink:       sink,
		logger:     logger.With(slog.String("session_id", id)),
		metrics:    m,
		startTime:  time.Now(),
		packetizer: audio.NewPacketizer(cfg.Packetizer),
		queue:      make(chan *audio.Packet, cfg.QueueSize),
		done:       make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}

	go s.dispatch()

	s.logger.Info("Capture session started",
		slog.Int("sample_rate", cfg.Packetizer.SampleRate),
		slog.Float64("silence_threshold", cfg.Packetizer.SilenceThreshold),
		slog.Int("max_silent_blocks", cfg.Packetizer.MaxSilentBlocks),
		slog.Int("target_samples", cfg.Packetizer.TargetSampleCount),
		slog.Int("queue_size", cfg.QueueSize),
	)

	return s
}

// ID returns the session identifier
func (s *Session) ID() string {
	return s.id
}

// ProcessBlock gates and accumulates one block of normalized samples.
// The block is not retained. It is a no-op once the session is stopped.
func (s *Session) ProcessBlock(block []float32) {
	if len(block) == 0 {
		return
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	trimmedBefore := s.packetizer.Stats().SamplesTrimmed
	pkt := s.packetizer.ProcessBlock(block)
	energy := s.packetizer.LastEnergy()
	decision := s.packetizer.LastDecision()
	var trimmed uint64
	if decision == vad.DecisionDrop {
		trimmed = s.packetizer.Stats().SamplesTrimmed - trimmedBefore
	}
	// The queue is closed by Stop under the same lock
	queued := pkt != nil && s.handOff(pkt)
	s.mu.Unlock()

	s.metrics.RecordBlock(decision.String(), energy)
	s.metrics.RecordSamplesTrimmed(int(trimmed))
	if pkt != nil {
		s.metrics.RecordPacketEmitted(pkt.Reason.String(), len(pkt.Samples))
		if queued {
			s.metrics.SetQueueDepth(len(s.queue))
		} else {
			s.metrics.RecordQueueDrop()
		}
	}
}

// handOff queues a packet without waiting and reports whether it was queued
func (s *Session) handOff(pkt *audio.Packet) bool {
	select {
	case s.queue <- pkt:
		s.queued.Add(1)
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}

// dispatch delivers queued packets to the sink until the queue is closed
func (s *Session) dispatch() {
	defer close(s.done)

	for pkt := range s.queue {
		s.metrics.SetQueueDepth(len(s.queue))

		if err := s.sink.SendPacket(s.ctx, pkt); err != nil {
			s.failed.Add(1)
			s.metrics.RecordPacketSent(false)
			s.logger.Warn("Failed to send packet",
				slog.Uint64("sequence", pkt.Sequence),
				slog.Int("samples", len(pkt.Samples)),
				slog.String("error", err.Error()),
			)
			continue
		}

		s.sent.Add(1)
		s.metrics.RecordPacketSent(true)
		s.logger.Debug("Packet sent",
			slog.Uint64("sequence", pkt.Sequence),
			slog.Int("samples", len(pkt.Samples)),
			slog.String("reason", pkt.Reason.String()),
			slog.Float64("energy", pkt.Energy),
		)
	}
}

// Stop ends the session. Pending samples are flushed as a final packet
// through the same hand-off, then the queue is drained into the sink.
// Stop waits for the drain until ctx is done; remaining sends are then
// cancelled. Calling Stop again returns the result of the first call.
func (s *Session) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() {
		s.stopErr = s.stop(ctx)
	})
	return s.stopErr
}

func (s *Session) stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	pkt := s.packetizer.Flush(audio.EmitStop)
	stats := s.packetizer.Stats()
	s.mu.Unlock()

	if pkt != nil {
		s.metrics.RecordPacketEmitted(pkt.Reason.String(), len(pkt.Samples))
		// Off the audio path the final packet may wait for room in the queue
		select {
		case s.queue <- pkt:
			s.queued.Add(1)
		case <-ctx.Done():
			s.dropped.Add(1)
			s.metrics.RecordQueueDrop()
		}
	}
	close(s.queue)

	var err error
	select {
	case <-s.done:
	case <-ctx.Done():
		s.cancel()
		<-s.done
		err = fmt.Errorf("capture session %s: drain interrupted: %w", s.id, ctx.Err())
	}
	s.cancel()

	s.logger.Info("Capture session stopped",
		slog.Duration("duration", time.Since(s.startTime)),
		slog.Uint64("blocks_processed", stats.BlocksProcessed),
		slog.Uint64("packets_emitted", stats.PacketsEmitted),
		slog.Uint64("samples_emitted", stats.SamplesEmitted),
		slog.Uint64("packets_sent", s.sent.Load()),
		slog.Uint64("packets_dropped", s.dropped.Load()),
		slog.Uint64("send_failures", s.failed.Load()),
	)

	return err
}

// Done is closed once the dispatcher has delivered the last packet
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Stats returns a snapshot of the session statistics
func (s *Session) Stats() SessionStats {
	s.mu.Lock()
	pstats := s.packetizer.Stats()
	stopped := s.stopped
	s.mu.Unlock()

	return SessionStats{
		ID:             s.id,
		StartTime:      s.startTime,
		Stopped:        stopped,
		Packetizer:     pstats,
		PacketsQueued:  s.queued.Load(),
		PacketsSent:    s.sent.Load(),
		PacketsDropped: s.dropped.Load(),
		SendFailures:   s.failed.Load(),
		QueueDepth:     len(s.queue),
	}
}

// Stopped reports whether Stop has been called
func (s *Session) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}
