package diarize

import (
	"fmt"
	"math"

	"github.com/go-playground/validator/v10"
)

// SegmentationConfig controls the sliding-window segmentation runner (§4.A).
type SegmentationConfig struct {
	WindowDurationS      float64 `validate:"gt=0"`
	SampleRate           int     `validate:"gt=0"`
	MinDurationOn        float64 `validate:"gte=0"`
	MinDurationOff       float64 `validate:"gte=0"`
	StepRatio            float64 `validate:"gt=0,lte=1"`
	SpeechOnsetThreshold float64 `validate:"gte=0,lte=1"`
	// SpeechOffsetThreshold must be <= SpeechOnsetThreshold; checked in Validate.
	SpeechOffsetThreshold float64 `validate:"gte=0,lte=1"`
	BatchSize             int    `validate:"gte=1"`
}

// EmbeddingConfig controls mask conditioning and the embedding extractor
// (§4.B, §4.C).
type EmbeddingConfig struct {
	BatchSize           int     `validate:"gte=1,lte=32"`
	ExcludeOverlap      bool
	MinSegmentDurationS float64 `validate:"gt=0"`
}

// ClusteringConfig controls the AHC warm-start (§4.D.1).
type ClusteringConfig struct {
	Threshold   float64 `validate:"gt=0"`
	WarmStartFa float64 `validate:"gt=0"`
	WarmStartFb float64 `validate:"gt=0"`
}

// VBxConfig controls the Variational Bayes refinement EM loop (§4.D.2).
type VBxConfig struct {
	MaxIterations        int     `validate:"gte=1"`
	ConvergenceTolerance float64 `validate:"gt=0"`
}

// PostProcessingConfig controls timeline reconstruction's merge/sanitize
// passes (§4.E).
type PostProcessingConfig struct {
	MinGapDurationS float64 `validate:"gte=0"`
}

// Config aggregates every tunable documented in spec.md §6. Zero-value
// Config is invalid; use DefaultConfig and override as needed.
type Config struct {
	Segmentation   SegmentationConfig    `validate:"required"`
	Embedding      EmbeddingConfig       `validate:"required"`
	Clustering     ClusteringConfig      `validate:"required"`
	VBx            VBxConfig             `validate:"required"`
	PostProcessing PostProcessingConfig  `validate:"required"`

	// EmbeddingsPath, when non-empty, is a writable file path that
	// receives the JSON embedding export described in §6. A write failure
	// there is returned as KindExportFailed alongside the complete Result;
	// it never fails the core result.
	EmbeddingsPath string

	// ChunkLongAudio is carried in the configuration but is not read by
	// Pipeline.Run: every recording is segmented in one sliding-window run
	// regardless of its length or of this setting.
	ChunkLongAudio bool
}

// DefaultConfig returns the defaults enumerated in spec.md §6.
func DefaultConfig() Config {
	return Config{
		Segmentation: SegmentationConfig{
			WindowDurationS:        10.0,
			SampleRate:             16000,
			MinDurationOn:          0.0,
			MinDurationOff:         0.0,
			StepRatio:              0.2,
			SpeechOnsetThreshold:   0.5,
			SpeechOffsetThreshold:  0.5,
			BatchSize:              32,
		},
		Embedding: EmbeddingConfig{
			BatchSize:           32,
			ExcludeOverlap:      true,
			MinSegmentDurationS: 1.0,
		},
		Clustering: ClusteringConfig{
			Threshold:   0.6,
			WarmStartFa: 0.07,
			WarmStartFb: 0.8,
		},
		VBx: VBxConfig{
			MaxIterations:        20,
			ConvergenceTolerance: 1e-4,
		},
		PostProcessing: PostProcessingConfig{
			MinGapDurationS: 0.1,
		},
		ChunkLongAudio: true,
	}
}

var validate = validator.New()

// sqrt2 is the maximum valid clustering threshold (§6): squared-distance
// cuts are derived from cosine similarity, whose distance domain is
// bounded by sqrt(2) at orthogonality-to-opposite extremes.
const sqrt2 = math.Sqrt2

// Validate enforces every numeric bound in spec.md §6, including the
// cross-field constraints the validator tags above cannot express, and
// returns the first violation as a *Error: Kind InvalidBatchSize for an
// Embedding.BatchSize outside [1, 32], Kind InvalidConfiguration otherwise.
func (c *Config) Validate() error {
	if c.Embedding.BatchSize < 1 || c.Embedding.BatchSize > 32 {
		return &Error{
			Kind:   KindInvalidBatchSize,
			Field:  "Embedding.BatchSize",
			Value:  c.Embedding.BatchSize,
			Reason: "batch size must be in [1, 32]",
		}
	}

	if err := validate.Struct(c); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
			fe := verrs[0]
			return errInvalidConfig(fe.Namespace(), fe.Value(), fmt.Sprintf("failed %q", fe.Tag()))
		}
		return errInvalidConfig("", nil, err.Error())
	}

	s := c.Segmentation
	if s.SpeechOffsetThreshold > s.SpeechOnsetThreshold {
		return errInvalidConfig("Segmentation.SpeechOffsetThreshold", s.SpeechOffsetThreshold,
			"must be <= Segmentation.SpeechOnsetThreshold")
	}

	if c.Clustering.Threshold > sqrt2 {
		return errInvalidConfig("Clustering.Threshold", c.Clustering.Threshold,
			fmt.Sprintf("must be in (0, %.6f]", sqrt2))
	}

	return nil
}
