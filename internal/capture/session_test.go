package capture

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/seokmin100/Youtube-LiveSubtitle/internal/audio"
	"github.com/seokmin100/Youtube-LiveSubtitle/internal/config"
	"github.com/seokmin100/Youtube-LiveSubtitle/internal/metrics"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig() Config {
	return Config{
		Packetizer: audio.PacketizerConfig{
			SampleRate:          16000,
			BlockSize:           160,
			SilenceThreshold:    0.01,
			MaxSilentBlocks:     10,
			TargetSampleCount:   4000,
			TrimTrailingSilence: true,
		},
		QueueSize: 16,
	}
}

// recordingSink collects every packet it receives
type recordingSink struct {
	mu      sync.Mutex
	packets []*audio.Packet
	err     error
	block   chan struct{}
}

func (r *recordingSink) SendPacket(ctx context.Context, pkt *audio.Packet) error {
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.packets = append(r.packets, pkt)
	return nil
}

func (r *recordingSink) Packets() []*audio.Packet {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*audio.Packet, len(r.packets))
	copy(out, r.packets)
	return out
}

func constantBlock(n int, v float32) []float32 {
	block := make([]float32, n)
	for i := range block {
		block[i] = v
	}
	return block
}

func stopSession(t *testing.T, s *Session) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
}

func TestSessionReferenceScenario(t *testing.T) {
	sink := &recordingSink{}
	s := NewSession("ref", testConfig(), sink, testLogger(), nil)

	for i := 0; i < 25; i++ {
		s.ProcessBlock(constantBlock(160, 0.5))
	}
	for i := 0; i < 11; i++ {
		s.ProcessBlock(make([]float32, 160))
	}
	for i := 0; i < 5; i++ {
		s.ProcessBlock(constantBlock(160, 0.5))
	}
	for i := 0; i < 11; i++ {
		s.ProcessBlock(make([]float32, 160))
	}
	stopSession(t, s)

	packets := sink.Packets()
	if len(packets) != 2 {
		t.Fatalf("Expected 2 packets, got %d", len(packets))
	}
	if len(packets[0].Samples) != 4000 || packets[0].Reason != audio.EmitThreshold {
		t.Errorf("First packet: expected 4000 threshold samples, got %d (%s)", len(packets[0].Samples), packets[0].Reason)
	}
	if len(packets[1].Samples) != 800 || packets[1].Reason != audio.EmitSilence {
		t.Errorf("Second packet: expected 800 silence samples, got %d (%s)", len(packets[1].Samples), packets[1].Reason)
	}
}

func TestSessionStopFlushesPending(t *testing.T) {
	sink := &recordingSink{}
	s := NewSession("stop", testConfig(), sink, testLogger(), nil)

	for i := 0; i < 3; i++ {
		s.ProcessBlock(constantBlock(160, 0.3))
	}
	stopSession(t, s)

	packets := sink.Packets()
	if len(packets) != 1 {
		t.Fatalf("Expected 1 packet, got %d", len(packets))
	}
	if packets[0].Reason != audio.EmitStop {
		t.Errorf("Expected stop reason, got %s", packets[0].Reason)
	}
	if len(packets[0].Samples) != 480 {
		t.Errorf("Expected 480 samples, got %d", len(packets[0].Samples))
	}

	stats := s.Stats()
	if !stats.Stopped {
		t.Error("Expected stopped session")
	}
	if stats.PacketsSent != 1 {
		t.Errorf("Expected 1 packet sent, got %d", stats.PacketsSent)
	}
	if stats.Packetizer.PendingSamples != 0 {
		t.Errorf("Expected nothing pending, got %d", stats.Packetizer.PendingSamples)
	}
}

func TestSessionStopWithoutPendingSendsNothing(t *testing.T) {
	sink := &recordingSink{}
	s := NewSession("empty", testConfig(), sink, testLogger(), nil)
	stopSession(t, s)

	if len(sink.Packets()) != 0 {
		t.Errorf("Expected no packets, got %d", len(sink.Packets()))
	}
}

func TestSessionStopIsIdempotent(t *testing.T) {
	sink := &recordingSink{}
	s := NewSession("twice", testConfig(), sink, testLogger(), nil)
	s.ProcessBlock(constantBlock(160, 0.5))

	stopSession(t, s)
	stopSession(t, s)

	// Blocks after stop are ignored
	s.ProcessBlock(constantBlock(160, 0.5))

	if len(sink.Packets()) != 1 {
		t.Errorf("Expected exactly 1 packet, got %d", len(sink.Packets()))
	}
	select {
	case <-s.Done():
	default:
		t.Error("Expected dispatcher finished after stop")
	}
}

func TestSessionDropsWhenQueueFull(t *testing.T) {
	cfg := testConfig()
	cfg.Packetizer.TargetSampleCount = 160
	cfg.QueueSize = 2

	sink := &recordingSink{block: make(chan struct{})}
	reg := prometheus.NewRegistry()
	s := NewSession("full", cfg, sink, testLogger(), metrics.NewMetrics(reg))

	// Every block is a packet; the sink is stalled so the queue fills up
	start := time.Now()
	for i := 0; i < 10; i++ {
		s.ProcessBlock(constantBlock(160, 0.5))
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("ProcessBlock waited on the sink for %v", elapsed)
	}

	stats := s.Stats()
	if stats.PacketsDropped == 0 {
		t.Fatal("Expected dropped packets with a stalled sink")
	}
	// One packet may be held by the dispatcher, the rest fill the queue
	if stats.PacketsQueued+stats.PacketsDropped != 10 {
		t.Errorf("Queued %d + dropped %d != 10 emitted", stats.PacketsQueued, stats.PacketsDropped)
	}

	close(sink.block)
	stopSession(t, s)

	if got := uint64(len(sink.Packets())); got != stats.PacketsQueued {
		t.Errorf("Expected %d delivered packets, got %d", stats.PacketsQueued, got)
	}
}

func TestSessionSinkErrorsAreContained(t *testing.T) {
	cfg := testConfig()
	cfg.Packetizer.TargetSampleCount = 160
	sink := &recordingSink{err: errors.New("connection reset")}
	s := NewSession("failing", cfg, sink, testLogger(), nil)

	for i := 0; i < 3; i++ {
		s.ProcessBlock(constantBlock(160, 0.5))
	}
	stopSession(t, s)

	stats := s.Stats()
	if stats.SendFailures != 3 {
		t.Errorf("Expected 3 send failures, got %d", stats.SendFailures)
	}
	if stats.PacketsSent != 0 {
		t.Errorf("Expected no packets sent, got %d", stats.PacketsSent)
	}
}

func TestSessionStopTimeoutCancelsSink(t *testing.T) {
	sink := &recordingSink{block: make(chan struct{})}
	s := NewSession("slow", testConfig(), sink, testLogger(), nil)
	s.ProcessBlock(constantBlock(160, 0.5))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := s.Stop(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected deadline exceeded, got %v", err)
	}
	if s.Stats().SendFailures != 1 {
		t.Errorf("Expected the cancelled send counted as failure, got %d", s.Stats().SendFailures)
	}
}

func TestSinkFunc(t *testing.T) {
	var got *audio.Packet
	sink := SinkFunc(func(ctx context.Context, pkt *audio.Packet) error {
		got = pkt
		return nil
	})

	pkt := &audio.Packet{Sequence: 7}
	if err := sink.SendPacket(context.Background(), pkt); err != nil {
		t.Fatalf("SendPacket failed: %v", err)
	}
	if got != pkt {
		t.Error("Expected packet passed through")
	}
}

func TestConfigFromCapture(t *testing.T) {
	capCfg := config.Default().Capture
	capCfg.TargetSamples = 0
	capCfg.TargetDuration = 0.5

	cfg := ConfigFromCapture(capCfg)
	if cfg.Packetizer.TargetSampleCount != 8000 {
		t.Errorf("Expected 8000 target samples, got %d", cfg.Packetizer.TargetSampleCount)
	}
	if cfg.Packetizer.SilenceThreshold != 0.01 || cfg.Packetizer.MaxSilentBlocks != 10 {
		t.Errorf("Unexpected gate settings %+v", cfg.Packetizer)
	}
	if cfg.QueueSize != capCfg.QueueSize {
		t.Errorf("Expected queue size %d, got %d", capCfg.QueueSize, cfg.QueueSize)
	}
}

func TestFeedClipSource(t *testing.T) {
	sink := &recordingSink{}
	s := NewSession("feed", testConfig(), sink, testLogger(), nil)

	// 4100 voiced samples: one threshold packet and 100 left for the stop flush
	clip := &audio.Clip{SampleRate: 16000, Channels: 1, Samples: constantBlock(4100, 0.5)}
	n, err := Feed(context.Background(), s, NewClipSource(clip), FeedOptions{BlockSize: 160, SampleRate: 16000})
	if err != nil {
		t.Fatalf("Feed failed: %v", err)
	}
	if n != 4100 {
		t.Errorf("Expected 4100 samples fed, got %d", n)
	}
	stopSession(t, s)

	packets := sink.Packets()
	if len(packets) != 2 {
		t.Fatalf("Expected 2 packets, got %d", len(packets))
	}
	// 25 blocks reach 4000 exactly; the short final block goes out on stop
	total := len(packets[0].Samples) + len(packets[1].Samples)
	if total != 4100 {
		t.Errorf("Expected all 4100 samples emitted, got %d", total)
	}
}

func TestFeedStoppedSession(t *testing.T) {
	s := NewSession("stopped", testConfig(), &recordingSink{}, testLogger(), nil)
	stopSession(t, s)

	clip := &audio.Clip{SampleRate: 16000, Samples: constantBlock(320, 0.5)}
	_, err := Feed(context.Background(), s, NewClipSource(clip), FeedOptions{BlockSize: 160})
	if !errors.Is(err, ErrSessionStopped) {
		t.Errorf("Expected ErrSessionStopped, got %v", err)
	}
}

func TestFeedRejectsBadBlockSize(t *testing.T) {
	s := NewSession("bad", testConfig(), &recordingSink{}, testLogger(), nil)
	defer stopSession(t, s)

	if _, err := Feed(context.Background(), s, NewClipSource(&audio.Clip{}), FeedOptions{}); err == nil {
		t.Error("Expected error for zero block size")
	}
}

func TestFeedRealtimeHonoursContext(t *testing.T) {
	s := NewSession("paced", testConfig(), &recordingSink{}, testLogger(), nil)
	defer stopSession(t, s)

	// 10 s of audio paced in real time, cancelled after a few blocks
	clip := &audio.Clip{SampleRate: 16000, Samples: constantBlock(160000, 0.5)}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	n, err := Feed(ctx, s, NewClipSource(clip), FeedOptions{BlockSize: 1600, SampleRate: 16000, Realtime: true})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected deadline exceeded, got %v", err)
	}
	if n == 0 || n >= len(clip.Samples) {
		t.Errorf("Expected a partial feed, got %d samples", n)
	}
}

func TestFloat32Source(t *testing.T) {
	var buf bytes.Buffer
	values := []float32{0.25, -0.5, 1, 0.125, -1}
	for _, v := range values {
		binary.Write(&buf, binary.LittleEndian, math.Float32bits(v))
	}
	buf.Write([]byte{0x01, 0x02}) // partial trailing sample

	src := NewFloat32Source(&buf)
	block := make([]float32, 3)

	n, err := src.ReadBlock(block)
	if err != nil || n != 3 {
		t.Fatalf("First block: expected 3 samples, got %d (%v)", n, err)
	}
	for i := 0; i < 3; i++ {
		if block[i] != values[i] {
			t.Errorf("Sample %d: expected %f, got %f", i, values[i], block[i])
		}
	}

	n, err = src.ReadBlock(block)
	if err != nil || n != 2 {
		t.Fatalf("Second block: expected 2 samples, got %d (%v)", n, err)
	}

	if _, err := src.ReadBlock(block); !errors.Is(err, io.EOF) {
		t.Errorf("Expected EOF, got %v", err)
	}
}
