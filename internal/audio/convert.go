package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// PCM16Scale maps the normalized range [-1, 1] onto signed 16-bit samples
const PCM16Scale = 32767

var (
	// ErrOddPCMLength is returned when 16-bit PCM data has an odd byte count
	ErrOddPCMLength = errors.New("pcm data length must be even")
	// ErrFloatPCMLength is returned when float32 PCM data is not a multiple of 4 bytes
	ErrFloatPCMLength = errors.New("float32 pcm data length must be a multiple of 4")
)

// ToPCM16 clamps a normalized sample to [-1, 1] and scales it to int16.
// The fractional part is truncated toward zero. NaN maps to 0.
func ToPCM16(sample float32) int16 {
	v := float64(sample)
	switch {
	case math.IsNaN(v):
		return 0
	case v > 1:
		v = 1
	case v < -1:
		v = -1
	}
	return int16(v * PCM16Scale)
}

// FromPCM16 converts a 16-bit sample back to the normalized range
func FromPCM16(sample int16) float32 {
	return float32(sample) / PCM16Scale
}

// AppendPCM16 converts src in order and appends the result to dst
func AppendPCM16(dst []int16, src []float32) []int16 {
	for _, s := range src {
		dst = append(dst, ToPCM16(s))
	}
	return dst
}

// EncodePCM16LE serializes samples as raw little-endian signed 16-bit PCM
func EncodePCM16LE(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// DecodePCM16LE parses raw little-endian signed 16-bit PCM
func DecodePCM16LE(data []byte) ([]int16, error) {
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("%w (got %d bytes)", ErrOddPCMLength, len(data))
	}

	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return samples, nil
}

// DecodeFloat32LE parses raw little-endian IEEE-754 float32 samples
func DecodeFloat32LE(data []byte) ([]float32, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("%w (got %d bytes)", ErrFloatPCMLength, len(data))
	}

	samples := make([]float32, len(data)/4)
	if _, err := DecodeFloat32LEInto(samples, data); err != nil {
		return nil, err
	}
	return samples, nil
}

// DecodeFloat32LEInto decodes float32 samples from data into dst and
// returns the number written. dst must hold len(data)/4 samples.
func DecodeFloat32LEInto(dst []float32, data []byte) (int, error) {
	if len(data)%4 != 0 {
		return 0, fmt.Errorf("%w (got %d bytes)", ErrFloatPCMLength, len(data))
	}
	n := len(data) / 4
	if len(dst) < n {
		return 0, fmt.Errorf("destination holds %d samples, need %d", len(dst), n)
	}

	for i := 0; i < n; i++ {
		dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return n, nil
}
