package capture

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/seokmin100/Youtube-LiveSubtitle/internal/audio"
)

// Source delivers fixed-size blocks of normalized samples.
// ReadBlock fills block and returns the number of samples written; it
// returns io.EOF once the source is exhausted and no samples were written.
type Source interface {
	ReadBlock(block []float32) (int, error)
}

// ClipSource reads blocks from a decoded clip
type ClipSource struct {
	clip   *audio.Clip
	offset int
}

// NewClipSource creates a source over the samples of clip
func NewClipSource(clip *audio.Clip) *ClipSource {
	return &ClipSource{clip: clip}
}

// ReadBlock copies the next block of the clip
func (c *ClipSource) ReadBlock(block []float32) (int, error) {
	if c.offset >= len(c.clip.Samples) {
		return 0, io.EOF
	}
	n := copy(block, c.clip.Samples[c.offset:])
	c.offset += n
	return n, nil
}

// Float32Source reads raw little-endian float32 mono samples from a reader
type Float32Source struct {
	r   *bufio.Reader
	buf []byte
}

// NewFloat32Source creates a source decoding raw f32le samples from r
func NewFloat32Source(r io.Reader) *Float32Source {
	return &Float32Source{r: bufio.NewReader(r)}
}

// ReadBlock reads up to len(block) samples. A trailing partial sample is
// discarded.
func (f *Float32Source) ReadBlock(block []float32) (int, error) {
	need := len(block) * 4
	if cap(f.buf) < need {
		f.buf = make([]byte, need)
	}
	buf := f.buf[:need]

	n, err := io.ReadFull(f.r, buf)
	samples, decodeErr := audio.DecodeFloat32LEInto(block, buf[:n-n%4])
	if decodeErr != nil {
		return 0, decodeErr
	}

	switch {
	case err == nil:
		return samples, nil
	case errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.EOF):
		if samples == 0 {
			return 0, io.EOF
		}
		return samples, nil
	default:
		return samples, fmt.Errorf("failed to read samples: %w", err)
	}
}

// FeedOptions controls how Feed drives a session
type FeedOptions struct {
	BlockSize  int
	SampleRate int
	// Realtime paces blocks at the sample rate, like a live capture device
	Realtime bool
}

// Feed reads blocks from src and processes them until the source is
// exhausted, ctx is done or the session is stopped. It returns the number of
// samples fed. A short final block is delivered as is.
func Feed(ctx context.Context, s *Session, src Source, opts FeedOptions) (int, error) {
	if opts.BlockSize < 1 {
		return 0, fmt.Errorf("block size must be positive, got %d", opts.BlockSize)
	}

	var ticker *time.Ticker
	if opts.Realtime && opts.SampleRate > 0 {
		interval := time.Duration(opts.BlockSize) * time.Second / time.Duration(opts.SampleRate)
		ticker = time.NewTicker(interval)
		defer ticker.Stop()
	}

	block := make([]float32, opts.BlockSize)
	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		n, err := src.ReadBlock(block)
		if n > 0 {
			if s.Stopped() {
				return total, ErrSessionStopped
			}
			s.ProcessBlock(block[:n])
			total += n
		}
		if errors.Is(err, io.EOF) {
			return total, nil
		}
		if err != nil {
			return total, err
		}

		if ticker != nil {
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return total, ctx.Err()
			}
		}
	}
}
