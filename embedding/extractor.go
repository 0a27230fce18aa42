// Package embedding implements the embedding extractor (component C):
// neural fbank-feature computation, embedding model inference, L2
// normalization, and PLDA projection of variable-duration speaker
// snippets to fixed-dimension rho vectors.
package embedding

import (
	"fmt"
	"math"

	"diarization/mask"
	"diarization/onnxmodel"
	"diarization/segmentation"
)

// minNormSquared is the L2-norm-squared floor below which an embedding is
// considered degenerate and skipped (spec §4.C.3).
const minNormSquared = 1e-2

// TimedEmbedding is one accepted embedding plus its PLDA-projected rho
// vector and source provenance, matching spec §3's TimedEmbedding entity.
type TimedEmbedding struct {
	ChunkIndex   int
	LocalSpeaker int
	StartS       float64
	EndS         float64
	FrameWeights []float64
	Embedding    []float32 // 256-d, L2-normalized
	Rho          []float64 // D-d, PLDA-projected
}

// Config carries the extractor's tunables.
type Config struct {
	BatchSize int
}

// Extractor batches fbank + embedding inference across chunks and
// PLDA-projects the result.
type Extractor struct {
	cfg            Config
	fbankModel     onnxmodel.Model
	embeddingModel onnxmodel.Model
	plda           *PLDA
}

// NewExtractor builds an Extractor bound to the given model handles and
// PLDA parameters.
func NewExtractor(cfg Config, fbankModel, embeddingModel onnxmodel.Model, plda *PLDA) *Extractor {
	return &Extractor{
		cfg:            cfg,
		fbankModel:     fbankModel,
		embeddingModel: embeddingModel,
		plda:           plda,
	}
}

// ChunkWindow pairs a chunk's raw audio window with its accepted masks.
type ChunkWindow struct {
	Chunk  segmentation.Chunk
	Window []float32
	Masks  []mask.SpeakerMask
}

// Extract runs fbank + embedding + PLDA for every accepted mask across the
// given chunk windows, in batches of up to cfg.BatchSize.
func (e *Extractor) Extract(windows []ChunkWindow) ([]TimedEmbedding, error) {
	var out []TimedEmbedding

	for start := 0; start < len(windows); start += e.cfg.BatchSize {
		end := start + e.cfg.BatchSize
		if end > len(windows) {
			end = len(windows)
		}
		batch := windows[start:end]

		fbanks, err := e.computeFbankBatch(batch)
		if err != nil {
			return nil, err
		}

		for i, cw := range batch {
			fbankFeatures := fbanks[i]
			for _, m := range cw.Masks {
				emb, err := e.embedOne(fbankFeatures, m.Weights)
				if err != nil {
					return nil, fmt.Errorf("embedding: model invocation failed: %w", err)
				}
				if emb == nil {
					continue // skipped: below norm floor
				}

				rho, err := e.plda.Transform(emb)
				if err != nil {
					return nil, fmt.Errorf("embedding: plda projection failed: %w", err)
				}

				out = append(out, TimedEmbedding{
					ChunkIndex:   cw.Chunk.Index,
					LocalSpeaker: m.LocalSpeaker,
					StartS:       m.StartS,
					EndS:         m.EndS,
					FrameWeights: m.Weights,
					Embedding:    emb,
					Rho:          rho,
				})
			}
		}
	}
	return out, nil
}

func (e *Extractor) computeFbankBatch(batch []ChunkWindow) ([]*onnxmodel.Tensor, error) {
	out := make([]*onnxmodel.Tensor, len(batch))
	for i, cw := range batch {
		input := onnxmodel.TensorMap{
			"audio": &onnxmodel.Tensor{
				Shape: []int64{1, 1, int64(len(cw.Window))},
				Data:  cw.Window,
			},
		}
		modelOut, err := e.fbankModel.Predict(input)
		if err != nil {
			return nil, fmt.Errorf("embedding: fbank model invocation failed: %w", err)
		}
		tensor, err := onnxmodel.RequireOutput("fbank", modelOut, "fbank_features")
		if err != nil {
			return nil, err
		}
		out[i] = tensor
	}
	return out, nil
}

func (e *Extractor) embedOne(fbankFeatures *onnxmodel.Tensor, weights []float64) ([]float32, error) {
	w := make([]float32, len(weights))
	for i, v := range weights {
		w[i] = float32(v)
	}

	input := onnxmodel.TensorMap{
		"fbank_features": fbankFeatures,
		"weights": &onnxmodel.Tensor{
			Shape: []int64{1, int64(len(w))},
			Data:  w,
		},
	}
	out, err := e.embeddingModel.Predict(input)
	if err != nil {
		return nil, err
	}
	tensor, err := onnxmodel.RequireOutput("embedding", out, "embedding")
	if err != nil {
		return nil, err
	}

	normSq := 0.0
	for _, v := range tensor.Data {
		normSq += float64(v) * float64(v)
	}
	if normSq <= minNormSquared {
		return nil, nil
	}

	norm := math.Sqrt(normSq)
	emb := make([]float32, len(tensor.Data))
	for i, v := range tensor.Data {
		emb[i] = float32(float64(v) / norm)
	}
	return emb, nil
}
