package audio

// Windower cuts a continuous stream of 16-bit samples into fixed-size
// windows, carrying the remainder over to the next push.
type Windower struct {
	size int
	buf  []int16
}

// NewWindower creates a windower emitting windows of size samples.
// A non-positive size disables windowing: every push is returned as is.
func NewWindower(size int) *Windower {
	capacity := size * 2
	if capacity < 0 {
		capacity = 0
	}
	return &Windower{
		size: size,
		buf:  make([]int16, 0, capacity),
	}
}

// Push appends samples and returns every window completed by them, oldest
// first. Returned windows are freshly allocated.
func (w *Windower) Push(samples []int16) [][]int16 {
	if len(samples) == 0 {
		return nil
	}

	if w.size <= 0 {
		out := make([]int16, len(samples))
		copy(out, samples)
		return [][]int16{out}
	}

	w.buf = append(w.buf, samples...)

	var windows [][]int16
	offset := 0
	for len(w.buf)-offset >= w.size {
		window := make([]int16, w.size)
		copy(window, w.buf[offset:offset+w.size])
		windows = append(windows, window)
		offset += w.size
	}

	if offset > 0 {
		// Shift the remainder to the front
		n := copy(w.buf, w.buf[offset:])
		w.buf = w.buf[:n]
	}

	return windows
}

// Pending returns the number of samples waiting for a full window
func (w *Windower) Pending() int {
	return len(w.buf)
}

// Size returns the window size in samples
func (w *Windower) Size() int {
	return w.size
}

// Flush returns the partial window and clears it. It returns nil when empty.
func (w *Windower) Flush() []int16 {
	if len(w.buf) == 0 {
		return nil
	}
	out := make([]int16, len(w.buf))
	copy(out, w.buf)
	w.buf = w.buf[:0]
	return out
}
