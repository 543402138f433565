package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

const (
	wavFormatPCM   = 1
	wavFormatFloat = 3

	wavHeaderSize = 44
)

// wavHeader is the canonical 44-byte header written by EncodeWAV
type wavHeader struct {
	ChunkID       [4]byte // "RIFF"
	ChunkSize     uint32  // File size - 8 bytes
	Format        [4]byte // "WAVE"
	Subchunk1ID   [4]byte // "fmt "
	Subchunk1Size uint32  // 16 for PCM
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Subchunk2ID   [4]byte // "data"
	Subchunk2Size uint32
}

// Clip is decoded audio downmixed to mono in the normalized float range
type Clip struct {
	SampleRate int
	Channels   int // channel count of the source before downmixing
	Samples    []float32
}

// Duration returns the clip length
func (c *Clip) Duration() time.Duration {
	if c.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(c.Samples)) * time.Second / time.Duration(c.SampleRate)
}

// WAVInfo describes the format section of a WAV file
type WAVInfo struct {
	AudioFormat   uint16  `json:"audio_format"`
	SampleRate    uint32  `json:"sample_rate"`
	Channels      uint16  `json:"channels"`
	BitsPerSample uint16  `json:"bits_per_sample"`
	Duration      float64 `json:"duration_seconds"`
	DataSize      uint32  `json:"data_size_bytes"`
	NumSamples    uint32  `json:"num_samples"`
}

// EncodeWAV wraps mono 16-bit samples into a PCM WAV file
func EncodeWAV(samples []int16, sampleRate int) ([]byte, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("cannot encode empty audio samples")
	}

	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}

	dataSize := uint32(len(samples) * 2)
	header := wavHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataSize,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   wavFormatPCM,
		NumChannels:   1,
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate) * 2,
		BlockAlign:    2,
		BitsPerSample: 16,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}

	buf := bytes.NewBuffer(make([]byte, 0, wavHeaderSize+len(samples)*2))
	if err := binary.Write(buf, binary.LittleEndian, header); err != nil {
		return nil, fmt.Errorf("failed to write WAV header: %w", err)
	}
	if err := binary.Write(buf, binary.LittleEndian, samples); err != nil {
		return nil, fmt.Errorf("failed to write audio data: %w", err)
	}

	return buf.Bytes(), nil
}

// wavFile holds the located fmt and data chunks of a RIFF/WAVE file
type wavFile struct {
	info WAVInfo
	data []byte
}

// parseWAV walks the RIFF chunk list, skipping chunks it does not need
// (LIST, fact, ...), and locates the fmt and data chunks.
func parseWAV(data []byte) (*wavFile, error) {
	if len(data) < 12 {
		return nil, fmt.Errorf("WAV data too short: need at least 12 bytes, got %d", len(data))
	}
	if string(data[0:4]) != "RIFF" {
		return nil, fmt.Errorf("invalid WAV file: missing RIFF header")
	}
	if string(data[8:12]) != "WAVE" {
		return nil, fmt.Errorf("invalid WAV file: missing WAVE format")
	}

	var (
		wf     wavFile
		hasFmt bool
	)

	offset := 12
	for offset+8 <= len(data) {
		id := string(data[offset : offset+4])
		size := int(binary.LittleEndian.Uint32(data[offset+4 : offset+8]))
		body := offset + 8
		end := body + size
		if size < 0 || end > len(data) {
			// Streams written without a final size report 0 or a bogus length
			if id == "data" {
				end = len(data)
			} else {
				return nil, fmt.Errorf("invalid WAV file: chunk %q overruns file", id)
			}
		}

		switch id {
		case "fmt ":
			if end-body < 16 {
				return nil, fmt.Errorf("invalid WAV file: fmt chunk too short (%d bytes)", end-body)
			}
			f := data[body:end]
			wf.info.AudioFormat = binary.LittleEndian.Uint16(f[0:2])
			wf.info.Channels = binary.LittleEndian.Uint16(f[2:4])
			wf.info.SampleRate = binary.LittleEndian.Uint32(f[4:8])
			wf.info.BitsPerSample = binary.LittleEndian.Uint16(f[14:16])
			if wf.info.AudioFormat == 0xFFFE && len(f) >= 26 {
				// WAVE_FORMAT_EXTENSIBLE: the real format is the sub-format GUID prefix
				wf.info.AudioFormat = binary.LittleEndian.Uint16(f[24:26])
			}
			hasFmt = true
		case "data":
			if !hasFmt {
				return nil, fmt.Errorf("invalid WAV file: data chunk before fmt chunk")
			}
			wf.data = data[body:end]
			wf.info.DataSize = uint32(len(wf.data))
			return finishWAVInfo(&wf)
		}

		// Chunks are padded to an even size
		offset = end + (size & 1)
	}

	if !hasFmt {
		return nil, fmt.Errorf("invalid WAV file: missing fmt chunk")
	}
	return nil, fmt.Errorf("invalid WAV file: missing data chunk")
}

func finishWAVInfo(wf *wavFile) (*wavFile, error) {
	info := &wf.info
	if info.Channels == 0 {
		return nil, fmt.Errorf("invalid WAV file: zero channels")
	}
	if info.SampleRate == 0 {
		return nil, fmt.Errorf("invalid WAV file: zero sample rate")
	}
	if info.BitsPerSample == 0 || info.BitsPerSample%8 != 0 {
		return nil, fmt.Errorf("unsupported bit depth: %d", info.BitsPerSample)
	}

	frameSize := uint32(info.Channels) * uint32(info.BitsPerSample/8)
	info.NumSamples = info.DataSize / frameSize
	info.Duration = float64(info.NumSamples) / float64(info.SampleRate)

	return wf, nil
}

// DecodeWAV decodes a 16-bit PCM or 32-bit float WAV file into a mono clip.
// Multi-channel input is averaged down to one channel.
func DecodeWAV(data []byte) (*Clip, error) {
	wf, err := parseWAV(data)
	if err != nil {
		return nil, err
	}

	info := wf.info
	channels := int(info.Channels)
	frames := int(info.NumSamples)
	if frames == 0 {
		return nil, fmt.Errorf("no audio data found")
	}

	var sampleAt func(i int) float32
	switch {
	case info.AudioFormat == wavFormatPCM && info.BitsPerSample == 16:
		sampleAt = func(i int) float32 {
			return FromPCM16(int16(binary.LittleEndian.Uint16(wf.data[i*2:])))
		}
	case info.AudioFormat == wavFormatFloat && info.BitsPerSample == 32:
		sampleAt = func(i int) float32 {
			return math.Float32frombits(binary.LittleEndian.Uint32(wf.data[i*4:]))
		}
	default:
		return nil, fmt.Errorf("unsupported audio format %d with %d bits (only 16-bit PCM and 32-bit float are supported)",
			info.AudioFormat, info.BitsPerSample)
	}

	samples := make([]float32, frames)
	for f := 0; f < frames; f++ {
		var sum float32
		for c := 0; c < channels; c++ {
			sum += sampleAt(f*channels + c)
		}
		samples[f] = sum / float32(channels)
	}

	return &Clip{
		SampleRate: int(info.SampleRate),
		Channels:   channels,
		Samples:    samples,
	}, nil
}

// GetWAVInfo extracts metadata from a WAV file without decoding samples
func GetWAVInfo(data []byte) (*WAVInfo, error) {
	wf, err := parseWAV(data)
	if err != nil {
		return nil, err
	}
	info := wf.info
	return &info, nil
}

// ValidateWAV checks that data is a WAV file this package can decode
func ValidateWAV(data []byte) error {
	info, err := GetWAVInfo(data)
	if err != nil {
		return err
	}
	if !(info.AudioFormat == wavFormatPCM && info.BitsPerSample == 16) &&
		!(info.AudioFormat == wavFormatFloat && info.BitsPerSample == 32) {
		return fmt.Errorf("unsupported audio format %d with %d bits", info.AudioFormat, info.BitsPerSample)
	}
	return nil
}
