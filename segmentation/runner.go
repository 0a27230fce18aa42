// Package segmentation implements the sliding-window segmentation runner
// (component A): it batches fixed-length audio windows through a neural
// segmentation model and converts logits into per-frame class
// log-probabilities and per-speaker soft activation weights.
package segmentation

import (
	"context"
	"fmt"
	"math"

	"github.com/charmbracelet/log"

	"diarization/audio"
	"diarization/onnxmodel"
)

// NumSpeakers is the fixed local-speaker count the powerset incidence
// matrix is built for (spec: "Speakers per chunk = 3").
const NumSpeakers = 3

// Chunk holds one window's segmentation output.
type Chunk struct {
	Index          int
	OffsetS        float64
	FrameDurationS float64
	// LogProbs is frames x classes, row-major.
	LogProbs [][]float64
	// SpeakerWeights is frames x NumSpeakers, row-major.
	SpeakerWeights [][]float64
}

// Output is the ordered result of a full segmentation run.
type Output struct {
	Chunks         []Chunk
	FrameDurationS float64
}

// Config mirrors diarize.SegmentationConfig's fields this package needs
// directly; it is duplicated here (rather than importing diarize, which
// would create an import cycle) and populated by the pipeline orchestrator.
type Config struct {
	WindowDurationS      float64
	SampleRate           int
	StepRatio            float64
	BatchSize            int
	SpeechOnsetThreshold float64
}

// Runner drives the sliding window over an audio.Source through a
// segmentation onnxmodel.Model.
type Runner struct {
	cfg   Config
	model onnxmodel.Model
}

// NewRunner constructs a Runner bound to model.
func NewRunner(cfg Config, model onnxmodel.Model) *Runner {
	return &Runner{cfg: cfg, model: model}
}

// incidenceMatrix builds the fixed 3x7 (or 3x8, zero-padded) powerset
// incidence matrix: class index -> which of the 3 speakers are active.
// Class order: {}, {0}, {1}, {2}, {0,1}, {0,2}, {1,2}, (optional all-zero 8th).
func incidenceMatrix(numClasses int) [][]float64 {
	classes := [][]int{
		{},
		{0},
		{1},
		{2},
		{0, 1},
		{0, 2},
		{1, 2},
	}
	m := make([][]float64, NumSpeakers)
	for s := 0; s < NumSpeakers; s++ {
		m[s] = make([]float64, numClasses)
	}
	for c, speakers := range classes {
		if c >= numClasses {
			break
		}
		for _, s := range speakers {
			m[s][c] = 1
		}
	}
	// An 8th class, if present, stays all-zero: it never activates any
	// speaker. See DESIGN.md's open-question decision.
	return m
}

// logSoftmax normalizes logits into a valid log-probability row via a
// numerically stable log-sum-exp shift.
func logSoftmax(logits []float64) []float64 {
	max := logits[0]
	for _, v := range logits[1:] {
		if v > max {
			max = v
		}
	}
	sumExp := 0.0
	shifted := make([]float64, len(logits))
	for i, v := range logits {
		shifted[i] = v - max
		sumExp += math.Exp(shifted[i])
	}
	logSum := math.Log(sumExp)
	out := make([]float64, len(logits))
	for i, v := range shifted {
		out[i] = v - logSum
	}
	return out
}

// Run produces a SegmentationOutput for src. Windows are W =
// sample_rate*window_duration_s samples, stepped by S = floor(W*step_ratio).
func (r *Runner) Run(ctx context.Context, src audio.Source) (*Output, error) {
	total := src.SampleCount()
	if total == 0 {
		return nil, fmt.Errorf("segmentation: no speech: empty audio source")
	}

	w := int(float64(r.cfg.SampleRate) * r.cfg.WindowDurationS)
	if w <= 0 {
		return nil, fmt.Errorf("segmentation: invalid window size %d", w)
	}
	s := int(float64(w) * r.cfg.StepRatio)
	if s <= 0 {
		s = 1
	}

	var offsets []int
	for off := 0; off < total; off += s {
		offsets = append(offsets, off)
		if off+w >= total {
			break
		}
	}
	if len(offsets) == 0 {
		offsets = []int{0}
	}

	batchSize := r.cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 1
	}

	chunks := make([]Chunk, 0, len(offsets))
	for batchStart := 0; batchStart < len(offsets); batchStart += batchSize {
		if err := checkCancelled(ctx); err != nil {
			return nil, err
		}
		batchEnd := batchStart + batchSize
		if batchEnd > len(offsets) {
			batchEnd = len(offsets)
		}

		windows := make([][]float32, 0, batchEnd-batchStart)
		for _, off := range offsets[batchStart:batchEnd] {
			window := make([]float32, w)
			copyLen := w
			if off+w > total {
				copyLen = total - off
			}
			if copyLen > 0 {
				if err := src.CopySamples(window[:copyLen], off, copyLen); err != nil {
					return nil, fmt.Errorf("segmentation: batch preparation failed: %w", err)
				}
			}
			windows = append(windows, window)
		}

		batchChunks, err := r.runBatch(windows, offsets[batchStart:batchEnd])
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, batchChunks...)
	}

	if len(chunks) == 0 {
		return nil, fmt.Errorf("segmentation: produced zero chunks")
	}

	// runBatch leaves every chunk's Index at 0; number them globally here
	// so indices stay unique across batch boundaries.
	for i := range chunks {
		chunks[i].Index = i
	}

	frameDuration := chunks[0].FrameDurationS
	return &Output{Chunks: chunks, FrameDurationS: frameDuration}, nil
}

func (r *Runner) runBatch(windows [][]float32, offsets []int) ([]Chunk, error) {
	batch := len(windows)
	w := len(windows[0])

	flat := make([]float32, 0, batch*w)
	for _, win := range windows {
		flat = append(flat, win...)
	}

	input := onnxmodel.TensorMap{
		"audio": &onnxmodel.Tensor{
			Shape: []int64{int64(batch), 1, int64(w)},
			Data:  flat,
		},
	}

	out, err := r.model.Predict(input)
	if err != nil {
		return nil, fmt.Errorf("segmentation: model invocation failed: %w", err)
	}

	logits, err := extractLogits(out)
	if err != nil {
		return nil, err
	}

	frames, classes, err := logitsShape(logits, batch)
	if err != nil {
		return nil, err
	}

	windowDuration := r.cfg.WindowDurationS
	frameDuration := windowDuration / float64(frames)
	incidence := incidenceMatrix(classes)

	chunks := make([]Chunk, batch)
	for b := 0; b < batch; b++ {
		logProbs := make([][]float64, frames)
		speakerWeights := make([][]float64, frames)
		speechFrames := 0
		for f := 0; f < frames; f++ {
			rawLogits := make([]float64, classes)
			base := (b*frames + f) * classes
			for c := 0; c < classes; c++ {
				rawLogits[c] = float64(logits.Data[base+c])
			}
			row := logSoftmax(rawLogits)
			logProbs[f] = row

			weights := make([]float64, NumSpeakers)
			maxWeight := 0.0
			for spk := 0; spk < NumSpeakers; spk++ {
				sum := 0.0
				for c := 0; c < classes; c++ {
					sum += incidence[spk][c] * math.Exp(row[c])
				}
				weights[spk] = clip01(sum)
				if weights[spk] > maxWeight {
					maxWeight = weights[spk]
				}
			}
			speakerWeights[f] = weights
			if maxWeight > r.cfg.SpeechOnsetThreshold {
				speechFrames++
			}
		}

		log.Debug("segmentation chunk diagnostics",
			"offset_samples", offsets[b],
			"speech_frames", speechFrames, "total_frames", frames)

		chunks[b] = Chunk{
			OffsetS:        float64(offsets[b]) / float64(r.cfg.SampleRate),
			FrameDurationS: frameDuration,
			LogProbs:       logProbs,
			SpeakerWeights: speakerWeights,
		}
	}
	return chunks, nil
}

func clip01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func extractLogits(out onnxmodel.TensorMap) (*onnxmodel.Tensor, error) {
	if t, ok := out["segments"]; ok {
		return t, nil
	}
	if t, ok := out["log_probs"]; ok {
		return t, nil
	}
	return nil, fmt.Errorf("segmentation: model shape error: missing output \"segments\" or \"log_probs\"")
}

func logitsShape(t *onnxmodel.Tensor, batch int) (frames, classes int, err error) {
	switch len(t.Shape) {
	case 3:
		if int(t.Shape[0]) != batch {
			return 0, 0, fmt.Errorf("segmentation: model shape error: batch dim %d != expected %d", t.Shape[0], batch)
		}
		return int(t.Shape[1]), int(t.Shape[2]), nil
	case 2:
		if batch != 1 {
			return 0, 0, fmt.Errorf("segmentation: model shape error: 2-D output with batch %d != 1", batch)
		}
		return int(t.Shape[0]), int(t.Shape[1]), nil
	default:
		return 0, 0, fmt.Errorf("segmentation: model shape error: cannot interpret %d-D output as (batch, frames, classes)", len(t.Shape))
	}
}

func checkCancelled(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("segmentation: cancelled: %w", ctx.Err())
	default:
		return nil
	}
}
