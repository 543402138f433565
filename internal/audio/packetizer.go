package audio

import (
	"time"

	"github.com/seokmin100/Youtube-LiveSubtitle/internal/vad"
)

// EmitReason tells why a packet was emitted
type EmitReason int

const (
	// EmitThreshold means the pending samples reached the target count
	EmitThreshold EmitReason = iota
	// EmitSilence means a silence run exceeded the hysteresis window
	EmitSilence
	// EmitStop means the capture session was stopped with samples pending
	EmitStop
)

// String returns the reason label used in logs and metrics
func (r EmitReason) String() string {
	switch r {
	case EmitThreshold:
		return "threshold"
	case EmitSilence:
		return "silence"
	case EmitStop:
		return "stop"
	default:
		return "unknown"
	}
}

// Packet is one emitted unit of 16-bit PCM ready for transmission.
// Samples is allocated per emission and owned by the receiver.
type Packet struct {
	Sequence   uint64     `json:"sequence"`
	Samples    []int16    `json:"-"`
	Energy     float64    `json:"energy"`
	Reason     EmitReason `json:"reason"`
	SampleRate int        `json:"sample_rate"`
	Blocks     int        `json:"blocks"`
}

// PCM returns the wire representation: raw little-endian signed 16-bit mono
func (p *Packet) PCM() []byte {
	return EncodePCM16LE(p.Samples)
}

// Duration returns the audio duration carried by the packet
func (p *Packet) Duration() time.Duration {
	if p.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(p.Samples)) * time.Second / time.Duration(p.SampleRate)
}

// PacketizerConfig contains the gating and packetization tunables
type PacketizerConfig struct {
	SampleRate        int
	BlockSize         int
	SilenceThreshold  float64
	MaxSilentBlocks   int
	TargetSampleCount int

	// TrimTrailingSilence drops the tolerated silence run when a long
	// silence flushes the utterance, so the packet ends at the last voiced
	// block. When false the tolerated silence is sent along.
	TrimTrailingSilence bool
}

// PacketizerStats holds running counters of one packetizer.
// Samples fed = SamplesBuffered + SamplesDropped, and
// SamplesBuffered = SamplesEmitted + SamplesTrimmed + PendingSamples.
type PacketizerStats struct {
	BlocksProcessed         uint64  `json:"blocks_processed"`
	VoicedBlocks            uint64  `json:"voiced_blocks"`
	SilentBlocksBuffered    uint64  `json:"silent_blocks_buffered"`
	SilentBlocksDropped     uint64  `json:"silent_blocks_dropped"`
	SamplesBuffered         uint64  `json:"samples_buffered"`
	SamplesDropped          uint64  `json:"samples_dropped"`
	SamplesTrimmed          uint64  `json:"samples_trimmed"`
	SamplesEmitted          uint64  `json:"samples_emitted"`
	PacketsEmitted          uint64  `json:"packets_emitted"`
	ThresholdPackets        uint64  `json:"threshold_packets"`
	SilencePackets          uint64  `json:"silence_packets"`
	StopPackets             uint64  `json:"stop_packets"`
	PendingSamples          int     `json:"pending_samples"`
	ConsecutiveSilentBlocks int     `json:"consecutive_silent_blocks"`
	LastEnergy              float64 `json:"last_energy"`
}

// Packetizer gates audio blocks on energy and groups them into packets.
//
// One Packetizer belongs to one capture session. ProcessBlock runs on the
// audio callback path: it never blocks, never logs and never fails. It is not
// safe for concurrent use.
type Packetizer struct {
	config PacketizerConfig
	gate   *vad.Gate
	acc    *Accumulator

	sequence     uint64
	lastEnergy   float64
	lastDecision vad.Decision

	stats PacketizerStats
}

// NewPacketizer creates a packetizer in the initial Silent(0) state
func NewPacketizer(config PacketizerConfig) *Packetizer {
	if config.TargetSampleCount < 0 {
		config.TargetSampleCount = 0
	}
	if config.MaxSilentBlocks < 0 {
		config.MaxSilentBlocks = 0
	}

	return &Packetizer{
		config: config,
		gate:   vad.NewGate(config.SilenceThreshold, config.MaxSilentBlocks),
		acc:    NewAccumulator(config.TargetSampleCount, config.BlockSize),
	}
}

// ProcessBlock consumes one block and returns the packet it completed, if any.
// Empty blocks are ignored without touching any state.
func (p *Packetizer) ProcessBlock(block []float32) *Packet {
	if len(block) == 0 {
		return nil
	}

	energy := vad.Energy(block)
	decision := p.gate.Observe(energy)

	p.lastEnergy = energy
	p.lastDecision = decision
	p.stats.BlocksProcessed++

	switch decision {
	case vad.DecisionDrop:
		// Long silence: flush what the utterance left behind, skip the block
		p.stats.SilentBlocksDropped++
		p.stats.SamplesDropped += uint64(len(block))
		return p.emit(EmitSilence, energy, p.config.TrimTrailingSilence)
	case vad.DecisionBufferSilence:
		p.stats.SilentBlocksBuffered++
	default:
		p.stats.VoicedBlocks++
	}

	p.acc.AppendFloat32(block, decision == vad.DecisionBufferSilence)
	p.stats.SamplesBuffered += uint64(len(block))

	if p.acc.Ready() {
		return p.emit(EmitThreshold, energy, false)
	}

	return nil
}

// Flush emits everything pending, regardless of the target.
// It returns nil when nothing is pending.
func (p *Packetizer) Flush(reason EmitReason) *Packet {
	return p.emit(reason, p.lastEnergy, false)
}

// emit drains the accumulator into a new packet
func (p *Packetizer) emit(reason EmitReason, energy float64, trim bool) *Packet {
	var (
		samples []int16
		blocks  int
	)
	if trim {
		var trimmed int
		samples, blocks, trimmed = p.acc.DrainCommitted()
		p.stats.SamplesTrimmed += uint64(trimmed)
	} else {
		samples, blocks = p.acc.Drain()
	}
	if samples == nil {
		return nil
	}

	p.sequence++
	p.stats.PacketsEmitted++
	p.stats.SamplesEmitted += uint64(len(samples))
	switch reason {
	case EmitThreshold:
		p.stats.ThresholdPackets++
	case EmitSilence:
		p.stats.SilencePackets++
	case EmitStop:
		p.stats.StopPackets++
	}

	return &Packet{
		Sequence:   p.sequence,
		Samples:    samples,
		Energy:     energy,
		Reason:     reason,
		SampleRate: p.config.SampleRate,
		Blocks:     blocks,
	}
}

// PendingSamples returns the number of samples waiting for emission
func (p *Packetizer) PendingSamples() int {
	return p.acc.Len()
}

// LastEnergy returns the energy of the most recently processed block
func (p *Packetizer) LastEnergy() float64 {
	return p.lastEnergy
}

// LastDecision returns the gate decision for the most recently processed block
func (p *Packetizer) LastDecision() vad.Decision {
	return p.lastDecision
}

// Config returns the packetizer configuration after normalization
func (p *Packetizer) Config() PacketizerConfig {
	return p.config
}

// Stats returns a snapshot of the counters
func (p *Packetizer) Stats() PacketizerStats {
	stats := p.stats
	stats.PendingSamples = p.acc.Len()
	stats.ConsecutiveSilentBlocks = p.gate.ConsecutiveSilentBlocks()
	stats.LastEnergy = p.lastEnergy
	return stats
}

// Reset drops pending samples and returns the gate to Silent(0).
// Counters and the packet sequence are kept.
func (p *Packetizer) Reset() {
	p.acc.Reset()
	p.gate.Reset()
	p.lastEnergy = 0
	p.lastDecision = vad.DecisionVoiced
}
