package mask

import (
	"math"
	"testing"

	"diarization/segmentation"
)

func makeChunk(weights [][]float64, frameDuration float64) segmentation.Chunk {
	return segmentation.Chunk{
		Index:          0,
		OffsetS:        0,
		FrameDurationS: frameDuration,
		SpeakerWeights: weights,
	}
}

func TestConditionDiscardsSilentSpeaker(t *testing.T) {
	weights := [][]float64{{0, 0, 0}, {0, 0, 0}}
	chunk := makeChunk(weights, 0.1)
	out := Condition(Config{MinSegmentDurationS: 0.1, ResampledLength: 2}, chunk)
	if len(out) != 0 {
		t.Fatalf("expected no masks, got %d", len(out))
	}
}

func TestConditionOverlapExclusion(t *testing.T) {
	// frame 0: both speaker 0 and 1 active -> overlap, zeroed in clean
	// frame 1: only speaker 0 active, at full weight so the clean sum (1.0)
	// reaches the one-frame minimum ceil(0.05/0.1)
	weights := [][]float64{
		{0.9, 0.9, 0},
		{1.0, 0, 0},
	}
	chunk := makeChunk(weights, 0.1)
	out := Condition(Config{MinSegmentDurationS: 0.05, ResampledLength: 2}, chunk)
	var speaker0 *SpeakerMask
	for i := range out {
		if out[i].LocalSpeaker == 0 {
			speaker0 = &out[i]
		}
	}
	if speaker0 == nil {
		t.Fatal("expected a mask for speaker 0")
	}
	if speaker0.UsedFallback {
		t.Error("expected clean mask to be used, not fallback")
	}
}

func TestConditionFallsBackWhenCleanTooShort(t *testing.T) {
	// every frame overlaps, so clean sum is always 0; min duration forces fallback
	weights := [][]float64{
		{0.9, 0.9, 0},
		{0.9, 0.9, 0},
	}
	chunk := makeChunk(weights, 0.1)
	out := Condition(Config{MinSegmentDurationS: 0.05, ResampledLength: 2}, chunk)
	if len(out) == 0 {
		t.Fatal("expected fallback masks")
	}
	for _, m := range out {
		if !m.UsedFallback {
			t.Errorf("expected fallback for speaker %d", m.LocalSpeaker)
		}
	}
}

func TestResampleIdentityWhenSameLength(t *testing.T) {
	src := []float64{0.1, 0.5, 0.9, 0.2}
	out := resampleLinear(src, len(src))
	for i := range src {
		if math.Abs(out[i]-src[i]) > 1e-5 {
			t.Errorf("out[%d] = %v, want %v", i, out[i], src[i])
		}
	}
}

func TestResampleClampsToRange(t *testing.T) {
	src := []float64{1, 2, 3}
	out := resampleLinear(src, 6)
	for _, v := range out {
		if v < 1 || v > 3 {
			t.Errorf("resampled value %v out of source range [1,3]", v)
		}
	}
}

func TestActiveRangeAllZero(t *testing.T) {
	first, last := activeRange([]float64{0, 0, 0})
	if first != -1 || last != -1 {
		t.Errorf("activeRange of all-zero = (%d,%d), want (-1,-1)", first, last)
	}
}
