// Package onnxmodel defines the neural-model boundary the diarization core
// consumes (spec.md §6): a small `predict`/`batch_predict` contract that
// every stage — segmentation, fbank extraction, embedding, PLDA projection —
// invokes uniformly, independent of the inference backend behind it.
package onnxmodel

import "fmt"

// Tensor is a named, row-major, float32 n-dimensional array. Models in this
// package never observe more than 3 dimensions (batch, frames, channels).
type Tensor struct {
	Shape []int64
	Data  []float32
}

// NumElements returns the product of Shape.
func (t *Tensor) NumElements() int {
	n := int64(1)
	for _, d := range t.Shape {
		n *= d
	}
	return int(n)
}

// Dim returns Shape[i], or 0 if i is out of range.
func (t *Tensor) Dim(i int) int64 {
	if i < 0 || i >= len(t.Shape) {
		return 0
	}
	return t.Shape[i]
}

// TensorMap is the named-tensor input/output of a Predict call.
type TensorMap map[string]*Tensor

// Model is the minimal inference contract consumed by this module: a
// synchronous named-tensor transform. Implementations must be safe for
// concurrent use by multiple callers (spec.md §5, "Neural model handles are
// shared read-only across tasks").
type Model interface {
	Name() string
	Predict(inputs TensorMap) (TensorMap, error)
	Close() error
}

// BatchModel is implemented by models that can run several independent
// inputs through one native call more cheaply than N separate Predict
// calls (the segmentation and fbank models, per spec.md §4.A/§4.C). Callers
// fall back to sequential Predict when a Model does not implement this.
type BatchModel interface {
	Model
	BatchPredict(batches []TensorMap) ([]TensorMap, error)
}

// RunBatch executes batches through m, using BatchPredict when available
// and falling back to sequential Predict otherwise.
func RunBatch(m Model, batches []TensorMap) ([]TensorMap, error) {
	if bm, ok := m.(BatchModel); ok {
		return bm.BatchPredict(batches)
	}
	out := make([]TensorMap, len(batches))
	for i, b := range batches {
		o, err := m.Predict(b)
		if err != nil {
			return nil, fmt.Errorf("model %s: batch item %d: %w", m.Name(), i, err)
		}
		out[i] = o
	}
	return out, nil
}

// RequireOutput fetches a named output tensor or returns a descriptive
// error; the fbank, embedding and PLDA stages call this instead of indexing
// the map directly so a missing/renamed output surfaces as a shape error,
// not a nil panic (spec.md's ModelShape failure mode). Segmentation checks
// its two accepted output names itself.
func RequireOutput(name string, out TensorMap, key string) (*Tensor, error) {
	t, ok := out[key]
	if !ok || t == nil {
		return nil, fmt.Errorf("model %s: missing output %q", name, key)
	}
	return t, nil
}
