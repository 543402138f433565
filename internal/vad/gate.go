package vad

import "math"

// Decision is the outcome of classifying one block against the gate
type Decision int

const (
	// DecisionVoiced means the block carries energy at or above the threshold
	DecisionVoiced Decision = iota
	// DecisionBufferSilence means the block is silent but still inside the
	// hysteresis window, so it must be kept with the utterance
	DecisionBufferSilence
	// DecisionDrop means the silence run exceeded the window: the block is
	// discarded and anything pending should be flushed
	DecisionDrop
)

// String returns a human-readable decision name
func (d Decision) String() string {
	switch d {
	case DecisionVoiced:
		return "voiced"
	case DecisionBufferSilence:
		return "buffer_silence"
	case DecisionDrop:
		return "drop"
	default:
		return "unknown"
	}
}

// Energy returns the root-mean-square amplitude of a block.
// An empty block has zero energy. NaN samples contribute nothing.
func Energy(block []float32) float64 {
	if len(block) == 0 {
		return 0
	}

	var sum float64
	for _, s := range block {
		v := float64(s)
		if math.IsNaN(v) {
			continue
		}
		sum += v * v
	}

	return math.Sqrt(sum / float64(len(block)))
}

// Gate classifies blocks as voiced or silent with a tolerance for short
// silence runs. It is owned by a single capture session and is not safe for
// concurrent use.
type Gate struct {
	silenceThreshold float64
	maxSilentBlocks  int

	consecutiveSilentBlocks int
}

// NewGate creates a gate. A negative maxSilentBlocks is treated as zero,
// which makes every silent block a drop.
func NewGate(silenceThreshold float64, maxSilentBlocks int) *Gate {
	if maxSilentBlocks < 0 {
		maxSilentBlocks = 0
	}
	return &Gate{
		silenceThreshold: silenceThreshold,
		maxSilentBlocks:  maxSilentBlocks,
	}
}

// Observe advances the gate with the energy of the next block.
// energy == threshold counts as voiced.
func (g *Gate) Observe(energy float64) Decision {
	if energy < g.silenceThreshold {
		g.consecutiveSilentBlocks++
		if g.consecutiveSilentBlocks > g.maxSilentBlocks {
			return DecisionDrop
		}
		return DecisionBufferSilence
	}

	g.consecutiveSilentBlocks = 0
	return DecisionVoiced
}

// ConsecutiveSilentBlocks returns the length of the current silence run
func (g *Gate) ConsecutiveSilentBlocks() int {
	return g.consecutiveSilentBlocks
}

// SilenceThreshold returns the configured RMS threshold
func (g *Gate) SilenceThreshold() float64 {
	return g.silenceThreshold
}

// MaxSilentBlocks returns the hysteresis window size
func (g *Gate) MaxSilentBlocks() int {
	return g.maxSilentBlocks
}

// Reset returns the gate to its initial Silent(0) state
func (g *Gate) Reset() {
	g.consecutiveSilentBlocks = 0
}
