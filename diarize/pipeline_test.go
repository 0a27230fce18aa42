package diarize

import (
	"context"
	"sync/atomic"
	"testing"

	"diarization/audio"
	"diarization/embedding"
	"diarization/onnxmodel"
)

// twoSpeakerSegModel emits a one-hot powerset class per call, alternating
// between speaker {0} (class 1) on the first call and speaker {1}
// (class 2) on the second, simulating two well-separated non-overlapping
// speech chunks.
type twoSpeakerSegModel struct {
	frames, classes int
	calls           int32
}

func (m *twoSpeakerSegModel) Name() string { return "fake-segmentation" }
func (m *twoSpeakerSegModel) Close() error { return nil }

func (m *twoSpeakerSegModel) Predict(in onnxmodel.TensorMap) (onnxmodel.TensorMap, error) {
	call := atomic.AddInt32(&m.calls, 1) - 1
	activeClass := 1
	if call%2 == 1 {
		activeClass = 2
	}
	audioT := in["audio"]
	batch := int(audioT.Shape[0])
	data := make([]float32, batch*m.frames*m.classes)
	for b := 0; b < batch; b++ {
		for f := 0; f < m.frames; f++ {
			base := (b*m.frames + f) * m.classes
			for c := 0; c < m.classes; c++ {
				if c == activeClass {
					data[base+c] = 10
				} else {
					data[base+c] = -10
				}
			}
		}
	}
	return onnxmodel.TensorMap{
		"segments": &onnxmodel.Tensor{
			Shape: []int64{int64(batch), int64(m.frames), int64(m.classes)},
			Data:  data,
		},
	}, nil
}

type fakeFbankModel struct{}

func (fakeFbankModel) Name() string { return "fake-fbank" }
func (fakeFbankModel) Close() error { return nil }
func (fakeFbankModel) Predict(in onnxmodel.TensorMap) (onnxmodel.TensorMap, error) {
	return onnxmodel.TensorMap{
		"fbank_features": &onnxmodel.Tensor{
			Shape: []int64{1, 5, 8},
			Data:  make([]float32, 40),
		},
	}, nil
}

// twoSpeakerEmbeddingModel emits an orthogonal unit vector per call,
// alternating axis 0 and axis 1, so downstream clustering sees two
// maximally-separated embeddings.
type twoSpeakerEmbeddingModel struct {
	calls atomic.Int32
}

func (m *twoSpeakerEmbeddingModel) Name() string { return "fake-embedding" }
func (m *twoSpeakerEmbeddingModel) Close() error { return nil }
func (m *twoSpeakerEmbeddingModel) Predict(in onnxmodel.TensorMap) (onnxmodel.TensorMap, error) {
	call := m.calls.Add(1) - 1
	emb := make([]float32, 256)
	emb[call%2] = 1.0
	return onnxmodel.TensorMap{
		"embedding": &onnxmodel.Tensor{
			Shape: []int64{1, 256},
			Data:  emb,
		},
	}, nil
}

func TestPipelineRunProducesTwoClustersForTwoDistinctSpeakers(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Segmentation.WindowDurationS = 1.0
	cfg.Segmentation.SampleRate = 16000
	cfg.Segmentation.StepRatio = 1.0
	cfg.Segmentation.BatchSize = 1
	cfg.Embedding.MinSegmentDurationS = 0.01
	cfg.Embedding.BatchSize = 1
	cfg.Clustering.Threshold = 0.9
	if err := cfg.Validate(); err != nil {
		t.Fatalf("DefaultConfig invalid: %v", err)
	}

	models := Models{
		Segmentation: &twoSpeakerSegModel{frames: 5, classes: 7},
		Fbank:        fakeFbankModel{},
		Embedding:    &twoSpeakerEmbeddingModel{},
		PLDA:         embedding.NewPLDA(make([]float64, 4), nil),
	}

	p, err := New(cfg, models)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	samples := make([]float32, 16000*2) // two 1s windows, non-overlapping
	src := audio.NewMemorySource(samples)

	result, err := p.Run(context.Background(), src)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.NumClusters != 2 {
		t.Errorf("NumClusters = %d, want 2 for two orthogonal speaker embeddings", result.NumClusters)
	}
	if len(result.Segments) == 0 {
		t.Error("expected at least one reconstructed segment")
	}
	if result.RunID == "" {
		t.Error("expected a non-empty RunID")
	}
	for stage, d := range result.Timings {
		if d < 0 {
			t.Errorf("stage %q has negative duration", stage)
		}
	}
}

func TestNewRejectsMissingModel(t *testing.T) {
	cfg := DefaultConfig()
	_, err := New(cfg, Models{})
	if err == nil {
		t.Fatal("expected error for missing models")
	}
	derr, ok := err.(*Error)
	if !ok {
		t.Fatalf("expected *Error, got %T", err)
	}
	if derr.Kind != KindModelNotLoaded {
		t.Errorf("Kind = %v, want KindModelNotLoaded", derr.Kind)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Segmentation.SampleRate = 0
	_, err := New(cfg, Models{
		Segmentation: &twoSpeakerSegModel{},
		Fbank:        fakeFbankModel{},
		Embedding:    &twoSpeakerEmbeddingModel{},
	})
	if err == nil {
		t.Fatal("expected error for invalid config")
	}
}
