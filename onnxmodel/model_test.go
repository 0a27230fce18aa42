package onnxmodel

import "testing"

type fakeModel struct {
	name string
	fn   func(TensorMap) (TensorMap, error)
}

func (f *fakeModel) Name() string { return f.name }
func (f *fakeModel) Predict(in TensorMap) (TensorMap, error) { return f.fn(in) }
func (f *fakeModel) Close() error { return nil }

func TestTensorNumElements(t *testing.T) {
	cases := []struct {
		shape []int64
		want  int
	}{
		{shape: []int64{1, 10, 80}, want: 800},
		{shape: []int64{32, 16000}, want: 512000},
		{shape: []int64{}, want: 1},
	}
	for _, c := range cases {
		tensor := &Tensor{Shape: c.shape}
		if got := tensor.NumElements(); got != c.want {
			t.Errorf("NumElements(%v) = %d, want %d", c.shape, got, c.want)
		}
	}
}

func TestTensorDimOutOfRange(t *testing.T) {
	tensor := &Tensor{Shape: []int64{2, 3}}
	if got := tensor.Dim(5); got != 0 {
		t.Errorf("Dim(5) = %d, want 0", got)
	}
	if got := tensor.Dim(-1); got != 0 {
		t.Errorf("Dim(-1) = %d, want 0", got)
	}
	if got := tensor.Dim(1); got != 3 {
		t.Errorf("Dim(1) = %d, want 3", got)
	}
}

func TestRunBatchFallsBackToSequentialPredict(t *testing.T) {
	calls := 0
	m := &fakeModel{
		name: "fake",
		fn: func(in TensorMap) (TensorMap, error) {
			calls++
			return TensorMap{"out": in["in"]}, nil
		},
	}
	batches := []TensorMap{
		{"in": &Tensor{Shape: []int64{1}, Data: []float32{1}}},
		{"in": &Tensor{Shape: []int64{1}, Data: []float32{2}}},
	}
	out, err := RunBatch(m, batches)
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	if calls != 2 {
		t.Errorf("expected 2 sequential Predict calls, got %d", calls)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 outputs, got %d", len(out))
	}
}

type fakeBatchModel struct {
	fakeModel
	batchFn func([]TensorMap) ([]TensorMap, error)
}

func (f *fakeBatchModel) BatchPredict(b []TensorMap) ([]TensorMap, error) { return f.batchFn(b) }

func TestRunBatchUsesBatchPredictWhenAvailable(t *testing.T) {
	used := false
	m := &fakeBatchModel{
		fakeModel: fakeModel{name: "fake"},
		batchFn: func(b []TensorMap) ([]TensorMap, error) {
			used = true
			return make([]TensorMap, len(b)), nil
		},
	}
	if _, err := RunBatch(m, []TensorMap{{}}); err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	if !used {
		t.Error("expected RunBatch to use BatchPredict")
	}
}

func TestRequireOutputMissing(t *testing.T) {
	if _, err := RequireOutput("m", TensorMap{}, "logits"); err == nil {
		t.Error("expected error for missing output")
	}
}

func TestRequireOutputPresent(t *testing.T) {
	want := &Tensor{Shape: []int64{1}, Data: []float32{1}}
	out := TensorMap{"logits": want}
	got, err := RequireOutput("m", out, "logits")
	if err != nil {
		t.Fatalf("RequireOutput: %v", err)
	}
	if got != want {
		t.Error("RequireOutput returned wrong tensor")
	}
}

func TestBufferPoolReusesBackingArray(t *testing.T) {
	p := NewBufferPool()
	shape := []int64{1, 80, 10}
	first := p.Get("fbank", 1, shape, 800)
	first[0] = 42
	second := p.Get("fbank", 1, shape, 800)
	if second[0] != 42 {
		t.Error("expected pooled buffer to be reused")
	}
}

func TestBufferPoolGrowsOnLargerRequest(t *testing.T) {
	p := NewBufferPool()
	shape := []int64{1, 80, 10}
	small := p.Get("fbank", 1, shape, 10)
	if len(small) != 10 {
		t.Fatalf("len(small) = %d, want 10", len(small))
	}
	large := p.Get("fbank", 1, shape, 800)
	if len(large) != 800 {
		t.Fatalf("len(large) = %d, want 800", len(large))
	}
}

func TestBufferPoolReset(t *testing.T) {
	p := NewBufferPool()
	shape := []int64{1}
	buf := p.Get("m", 1, shape, 4)
	buf[0] = 1
	p.Reset()
	fresh := p.Get("m", 1, shape, 4)
	if fresh[0] != 0 {
		t.Error("expected Reset to discard pooled buffers")
	}
}
