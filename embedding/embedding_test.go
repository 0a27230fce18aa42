package embedding

import (
	"encoding/base64"
	"encoding/binary"
	"math"
	"testing"

	"diarization/onnxmodel"
)

func float32ToLEBase64(vals []float32) string {
	buf := make([]byte, len(vals)*4)
	for i, v := range vals {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return base64.StdEncoding.EncodeToString(buf)
}

func TestLoadPLDAParams(t *testing.T) {
	psi := []float32{0.1, 0.2, 0.3, 0.4}
	doc := []byte(`{"tensors":{"psi":{"data_base64":"` + float32ToLEBase64(psi) + `"}}}`)
	got, err := LoadPLDAParams(doc)
	if err != nil {
		t.Fatalf("LoadPLDAParams: %v", err)
	}
	if len(got) != len(psi) {
		t.Fatalf("len(got) = %d, want %d", len(got), len(psi))
	}
	for i := range psi {
		if math.Abs(got[i]-float64(psi[i])) > 1e-6 {
			t.Errorf("got[%d] = %v, want %v", i, got[i], psi[i])
		}
	}
}

func TestPLDAFallbackTransformTruncates(t *testing.T) {
	p := NewPLDA([]float64{1, 1}, nil)
	rho, err := p.Transform([]float32{1, 2, 3})
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	if len(rho) != 2 {
		t.Fatalf("len(rho) = %d, want 2", len(rho))
	}
}

type fakePLDAModel struct{}

func (fakePLDAModel) Name() string { return "plda" }
func (fakePLDAModel) Close() error { return nil }
func (fakePLDAModel) Predict(in onnxmodel.TensorMap) (onnxmodel.TensorMap, error) {
	emb := in["embedding"]
	data := make([]float32, len(emb.Data))
	copy(data, emb.Data)
	return onnxmodel.TensorMap{"rho": &onnxmodel.Tensor{Shape: []int64{1, int64(len(data))}, Data: data}}, nil
}

func TestPLDATransformWithModel(t *testing.T) {
	p := NewPLDA([]float64{1, 1, 1}, fakePLDAModel{})
	rho, err := p.Transform([]float32{0.1, 0.2, 0.3})
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	if len(rho) != 3 {
		t.Fatalf("len(rho) = %d, want 3", len(rho))
	}
}
