// Package audio defines the minimal audio source boundary the diarization
// pipeline consumes: a finite, randomly addressable sequence of 16 kHz
// mono float32 samples. Container decoding and resampling to this format
// are an external collaborator's job, not this package's.
package audio

import (
	"fmt"
	"math"
)

// Source is the abstract audio input every component in this module reads
// from. It is polymorphic over two concrete variants — in-memory and
// disk-backed — mirroring the teacher's protocol-style model provider
// abstractions.
type Source interface {
	// SampleCount returns the total number of samples available.
	SampleCount() int
	// CopySamples fills dst[:count] starting at offset. It fails if
	// offset+count exceeds SampleCount().
	CopySamples(dst []float32, offset, count int) error
}

// MemorySource is a Source backed by an in-memory slice, the common case
// for already-decoded recordings.
type MemorySource struct {
	samples []float32
}

// NewMemorySource wraps samples without copying; callers must not mutate
// the slice afterward, matching the pipeline's "borrowed immutably" data
// model for AudioBuffer.
func NewMemorySource(samples []float32) *MemorySource {
	return &MemorySource{samples: samples}
}

func (s *MemorySource) SampleCount() int { return len(s.samples) }

func (s *MemorySource) CopySamples(dst []float32, offset, count int) error {
	if offset < 0 || count < 0 || offset+count > len(s.samples) {
		return fmt.Errorf("audio: copy_samples out of range: offset=%d count=%d len=%d", offset, count, len(s.samples))
	}
	copy(dst[:count], s.samples[offset:offset+count])
	return nil
}

// DiskSource is a Source backed by a raw little-endian float32 PCM file,
// read via io.ReaderAt so large recordings never need to be fully resident.
type DiskSource struct {
	r           readerAt
	sampleCount int
}

type readerAt interface {
	ReadAt(p []byte, off int64) (n int, err error)
}

// NewDiskSource wraps r, which must contain exactly sampleCount raw
// little-endian float32 samples (no container header).
func NewDiskSource(r readerAt, sampleCount int) *DiskSource {
	return &DiskSource{r: r, sampleCount: sampleCount}
}

func (s *DiskSource) SampleCount() int { return s.sampleCount }

func (s *DiskSource) CopySamples(dst []float32, offset, count int) error {
	if offset < 0 || count < 0 || offset+count > s.sampleCount {
		return fmt.Errorf("audio: copy_samples out of range: offset=%d count=%d len=%d", offset, count, s.sampleCount)
	}
	buf := make([]byte, count*4)
	if _, err := s.r.ReadAt(buf, int64(offset)*4); err != nil {
		return fmt.Errorf("audio: disk read failed: %w", err)
	}
	for i := 0; i < count; i++ {
		dst[i] = float32FromLE(buf[i*4 : i*4+4])
	}
	return nil
}

func float32FromLE(b []byte) float32 {
	bits := uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
	return math.Float32frombits(bits)
}
