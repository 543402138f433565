package audio

// Accumulator collects converted 16-bit samples until a packet is due.
//
// Samples are written into a single arena in arrival order, so merging on
// emit is one bounded copy. The arena is pre-sized to the target plus one
// block and is reused across emissions; drained packets never alias it.
//
// Frames appended as tentative form the trailing silence run. They stay in
// the arena and count towards the target, but DrainCommitted leaves them out
// unless a committed frame arrived after them.
type Accumulator struct {
	arena  []int16
	target int
	frames int

	tailSamples int
	tailFrames  int
}

// NewAccumulator creates an accumulator for targetSampleCount samples.
// blockSizeHint is the expected block length and only affects the initial
// capacity. Negative values are treated as zero.
func NewAccumulator(targetSampleCount, blockSizeHint int) *Accumulator {
	if targetSampleCount < 0 {
		targetSampleCount = 0
	}
	if blockSizeHint < 0 {
		blockSizeHint = 0
	}

	return &Accumulator{
		arena:  make([]int16, 0, targetSampleCount+blockSizeHint),
		target: targetSampleCount,
	}
}

// AppendFloat32 converts a normalized block and appends it as one frame
func (a *Accumulator) AppendFloat32(block []float32, tentative bool) {
	a.arena = AppendPCM16(a.arena, block)
	a.track(len(block), tentative)
}

// Append appends already converted samples as one frame
func (a *Accumulator) Append(samples []int16, tentative bool) {
	a.arena = append(a.arena, samples...)
	a.track(len(samples), tentative)
}

func (a *Accumulator) track(n int, tentative bool) {
	a.frames++
	if tentative {
		a.tailSamples += n
		a.tailFrames++
		return
	}
	a.tailSamples = 0
	a.tailFrames = 0
}

// Len returns the number of pending samples, tentative ones included
func (a *Accumulator) Len() int {
	return len(a.arena)
}

// Committed returns the number of pending samples outside the trailing
// tentative run
func (a *Accumulator) Committed() int {
	return len(a.arena) - a.tailSamples
}

// Frames returns the number of blocks currently pending
func (a *Accumulator) Frames() int {
	return a.frames
}

// Target returns the emission threshold in samples
func (a *Accumulator) Target() int {
	return a.target
}

// Ready reports whether the pending samples reached the target
func (a *Accumulator) Ready() bool {
	return len(a.arena) >= a.target
}

// Drain returns a freshly allocated copy of all pending samples in order,
// along with the number of frames they came from, and resets the
// accumulator. It returns nil when nothing is pending.
func (a *Accumulator) Drain() ([]int16, int) {
	return a.drain(len(a.arena), a.frames)
}

// DrainCommitted works like Drain but discards the trailing tentative run.
// The number of discarded samples is returned as trimmed.
func (a *Accumulator) DrainCommitted() (samples []int16, frames int, trimmed int) {
	trimmed = a.tailSamples
	samples, frames = a.drain(len(a.arena)-a.tailSamples, a.frames-a.tailFrames)
	return samples, frames, trimmed
}

func (a *Accumulator) drain(n, frames int) ([]int16, int) {
	var merged []int16
	if n > 0 {
		merged = make([]int16, n)
		copy(merged, a.arena[:n])
	} else {
		frames = 0
	}

	a.Reset()
	return merged, frames
}

// Reset discards pending samples without emitting them
func (a *Accumulator) Reset() {
	a.arena = a.arena[:0]
	a.frames = 0
	a.tailSamples = 0
	a.tailFrames = 0
}
