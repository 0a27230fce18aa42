package embedding

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"

	"diarization/onnxmodel"
)

// pldaFile mirrors the JSON parameter document described in spec §6:
//
//	{ "tensors": { "psi": { "data_base64": "<little-endian f32[] of length D>" } } }
type pldaFile struct {
	Tensors struct {
		Psi struct {
			DataBase64 string `json:"data_base64"`
		} `json:"psi"`
	} `json:"tensors"`
}

// PLDA holds the immutable parameters (diagonal psi covariance) used to
// project a 256-d embedding to a D-d rho vector via an attached PLDA
// projection model, or via the truncate/zero-pad fallback below when no
// model is attached.
type PLDA struct {
	Psi   []float64 // length D
	model onnxmodel.Model
}

// LoadPLDAParams parses the PLDA parameter file format from spec §6 and
// returns the psi vector; D is defined as its length.
func LoadPLDAParams(data []byte) ([]float64, error) {
	var f pldaFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("embedding: plda parameter file: %w", err)
	}
	raw, err := base64.StdEncoding.DecodeString(f.Tensors.Psi.DataBase64)
	if err != nil {
		return nil, fmt.Errorf("embedding: plda psi base64 decode: %w", err)
	}
	if len(raw)%4 != 0 {
		return nil, fmt.Errorf("embedding: plda psi byte length %d not a multiple of 4", len(raw))
	}
	n := len(raw) / 4
	psi := make([]float64, n)
	for i := 0; i < n; i++ {
		bits := binary.LittleEndian.Uint32(raw[i*4 : i*4+4])
		psi[i] = float64(math.Float32frombits(bits))
	}
	return psi, nil
}

// NewPLDA constructs a PLDA projector. model, when non-nil, is invoked for
// the projection itself (spec §6's "PLDA (rho projection)" model entry);
// psi is retained for VBx's precompute step regardless.
func NewPLDA(psi []float64, model onnxmodel.Model) *PLDA {
	return &PLDA{Psi: psi, model: model}
}

// Transform projects a 256-d L2-normalized embedding to a D-d rho vector.
func (p *PLDA) Transform(embedding []float32) ([]float64, error) {
	if p.model == nil {
		return p.fallbackTransform(embedding), nil
	}

	input := onnxmodel.TensorMap{
		"embedding": &onnxmodel.Tensor{
			Shape: []int64{1, int64(len(embedding))},
			Data:  embedding,
		},
	}
	out, err := p.model.Predict(input)
	if err != nil {
		return nil, fmt.Errorf("plda model invocation failed: %w", err)
	}
	tensor, err := onnxmodel.RequireOutput("plda", out, "rho")
	if err != nil {
		return nil, err
	}
	rho := make([]float64, len(tensor.Data))
	for i, v := range tensor.Data {
		rho[i] = float64(v)
	}
	return rho, nil
}

// fallbackTransform truncates or zero-pads the embedding to dim(psi) when
// no PLDA model is attached (as in the tests).
func (p *PLDA) fallbackTransform(embedding []float32) []float64 {
	d := len(p.Psi)
	rho := make([]float64, d)
	for i := 0; i < d && i < len(embedding); i++ {
		rho[i] = float64(embedding[i])
	}
	return rho
}
