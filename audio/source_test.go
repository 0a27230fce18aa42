package audio

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"
)

func TestMemorySourceCopySamples(t *testing.T) {
	src := NewMemorySource([]float32{1, 2, 3, 4, 5})
	dst := make([]float32, 3)
	if err := src.CopySamples(dst, 1, 3); err != nil {
		t.Fatalf("CopySamples: %v", err)
	}
	want := []float32{2, 3, 4}
	for i := range want {
		if dst[i] != want[i] {
			t.Errorf("dst[%d] = %v, want %v", i, dst[i], want[i])
		}
	}
}

func TestMemorySourceOutOfRange(t *testing.T) {
	src := NewMemorySource([]float32{1, 2, 3})
	dst := make([]float32, 2)
	if err := src.CopySamples(dst, 2, 2); err == nil {
		t.Error("expected out-of-range error")
	}
}

type byteReaderAt struct{ b []byte }

func (r *byteReaderAt) ReadAt(p []byte, off int64) (int, error) {
	return copy(p, r.b[off:]), nil
}

func TestDiskSourceRoundTrip(t *testing.T) {
	samples := []float32{0.5, -0.5, 1.0, -1.0}
	buf := &bytes.Buffer{}
	for _, s := range samples {
		binary.Write(buf, binary.LittleEndian, math.Float32bits(s))
	}
	src := NewDiskSource(&byteReaderAt{b: buf.Bytes()}, len(samples))
	if src.SampleCount() != 4 {
		t.Fatalf("SampleCount() = %d, want 4", src.SampleCount())
	}
	dst := make([]float32, 4)
	if err := src.CopySamples(dst, 0, 4); err != nil {
		t.Fatalf("CopySamples: %v", err)
	}
	for i, s := range samples {
		if dst[i] != s {
			t.Errorf("dst[%d] = %v, want %v", i, dst[i], s)
		}
	}
}
