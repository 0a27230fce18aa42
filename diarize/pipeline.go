package diarize

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"gonum.org/v1/gonum/mat"

	"diarization/audio"
	"diarization/cluster"
	"diarization/embedding"
	"diarization/mask"
	"diarization/onnxmodel"
	"diarization/segmentation"
	"diarization/timeline"
)

// Models bundles the neural model handles the pipeline needs. Callers own
// their lifecycle; Pipeline never closes them.
type Models struct {
	Segmentation onnxmodel.Model
	Fbank        onnxmodel.Model
	Embedding    onnxmodel.Model
	PLDA         *embedding.PLDA
}

// Pipeline orchestrates segmentation, mask conditioning, embedding
// extraction, two-stage clustering, and timeline reconstruction into one
// offline diarization run (spec.md §5).
type Pipeline struct {
	cfg    Config
	models Models
}

// New validates cfg and returns a Pipeline bound to models.
func New(cfg Config, models Models) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if models.Segmentation == nil {
		return nil, &Error{Kind: KindModelNotLoaded, Name: "segmentation", Reason: "no model attached"}
	}
	if models.Fbank == nil {
		return nil, &Error{Kind: KindModelNotLoaded, Name: "fbank", Reason: "no model attached"}
	}
	if models.Embedding == nil {
		return nil, &Error{Kind: KindModelNotLoaded, Name: "embedding", Reason: "no model attached"}
	}
	return &Pipeline{cfg: cfg, models: models}, nil
}

// Result is the outcome of one Run: the reconstructed timeline, the run's
// cluster count, and basic stage timings for observability.
type Result struct {
	RunID       string
	Segments    []timeline.Segment
	NumClusters int
	Timings     map[string]time.Duration
}

// Run executes the full offline pipeline against src. When only the
// optional embedding export fails, Run returns the complete Result together
// with a KindExportFailed error.
func (p *Pipeline) Run(ctx context.Context, src audio.Source) (*Result, error) {
	runID := uuid.NewString()
	timings := make(map[string]time.Duration)
	log.Info("diarize: run started", "run_id", runID, "samples", src.SampleCount())
	if src.SampleCount() == 0 {
		return nil, errNoSpeech("empty audio source")
	}

	segStart := time.Now()
	segOut, err := p.runSegmentation(ctx, src)
	timings["segmentation"] = time.Since(segStart)
	if err != nil {
		return nil, err
	}
	if len(segOut.Chunks) == 0 {
		return nil, errNoSpeech("no chunks produced from input audio")
	}

	maskStart := time.Now()
	windows := p.buildWindows(segOut, src)
	timings["mask"] = time.Since(maskStart)

	embedStart := time.Now()
	extractor := embedding.NewExtractor(embedding.Config{
		BatchSize: p.cfg.Embedding.BatchSize,
	}, p.models.Fbank, p.models.Embedding, p.models.PLDA)
	timed, err := extractor.Extract(windows)
	timings["embedding"] = time.Since(embedStart)
	if err != nil {
		return nil, errProcessingFailed("embedding extraction failed", err)
	}
	if len(timed) == 0 {
		return nil, errNoSpeech("no valid embeddings extracted")
	}

	var exportErr error
	if p.cfg.EmbeddingsPath != "" {
		if err := exportEmbeddings(p.cfg.EmbeddingsPath, runID, timed); err != nil {
			log.Warn("diarize: embedding export failed", "path", p.cfg.EmbeddingsPath, "err", err)
			exportErr = newErr(KindExportFailed, "embedding export failed", err)
		}
	}

	clusterStart := time.Now()
	assignments, numClusters, err := p.runClustering(timed)
	timings["clustering"] = time.Since(clusterStart)
	if err != nil {
		return nil, err
	}

	timelineStart := time.Now()
	segments, err := timeline.Reconstruct(timelineConfig(p.cfg, segOut.FrameDurationS), segOut.Chunks, assignments)
	timings["timeline"] = time.Since(timelineStart)
	if err != nil {
		return nil, errProcessingFailed("timeline reconstruction failed", err)
	}

	log.Info("diarize: run complete", "run_id", runID, "segments", len(segments), "clusters", numClusters)
	return &Result{RunID: runID, Segments: segments, NumClusters: numClusters, Timings: timings}, exportErr
}

func (p *Pipeline) runSegmentation(ctx context.Context, src audio.Source) (*segmentation.Output, error) {
	runner := segmentation.NewRunner(segmentation.Config{
		WindowDurationS:      p.cfg.Segmentation.WindowDurationS,
		SampleRate:           p.cfg.Segmentation.SampleRate,
		StepRatio:            p.cfg.Segmentation.StepRatio,
		BatchSize:            p.cfg.Segmentation.BatchSize,
		SpeechOnsetThreshold: p.cfg.Segmentation.SpeechOnsetThreshold,
	}, p.models.Segmentation)

	out, err := runner.Run(ctx, src)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errCancelled()
		}
		return nil, errProcessingFailed("segmentation failed", err)
	}
	return out, nil
}

// buildWindows pairs each chunk with its conditioned masks and the raw
// sample window the embedding extractor needs to compute fbank features.
func (p *Pipeline) buildWindows(segOut *segmentation.Output, src audio.Source) []embedding.ChunkWindow {
	windows := make([]embedding.ChunkWindow, 0, len(segOut.Chunks))
	windowSamples := int(p.cfg.Segmentation.WindowDurationS * float64(p.cfg.Segmentation.SampleRate))

	for _, chunk := range segOut.Chunks {
		// ResampledLength is the embedding model's declared weight length
		// F' (spec §6: F' = 589, identical to the segmentation frame count
		// F in the typical case), not the sample-level fbank frame count:
		// resampling targets the chunk's own frame grid so StartS/EndS
		// (scaled by chunk.FrameDurationS in mask.Condition) stay correct.
		maskCfg := mask.Config{
			MinSegmentDurationS: p.cfg.Embedding.MinSegmentDurationS,
			ResampledLength:     len(chunk.SpeakerWeights),
		}
		masks := mask.Condition(maskCfg, chunk)
		if len(masks) == 0 {
			continue
		}

		offsetSamples := int(chunk.OffsetS * float64(p.cfg.Segmentation.SampleRate))
		samples := make([]float32, windowSamples)
		n := windowSamples
		if offsetSamples+n > src.SampleCount() {
			n = src.SampleCount() - offsetSamples
		}
		if n > 0 {
			_ = src.CopySamples(samples[:n], offsetSamples, n)
		}

		windows = append(windows, embedding.ChunkWindow{Chunk: chunk, Window: samples, Masks: masks})
	}
	return windows
}

func (p *Pipeline) runClustering(timed []embedding.TimedEmbedding) ([]cluster.ChunkAssignment, int, error) {
	rows := make([][]float64, len(timed))
	for i, te := range timed {
		rows[i] = te.Rho
	}
	normalized := cluster.L2Normalize(rows)

	dendrogram, err := cluster.CentroidLinkage(normalized)
	if err != nil {
		return nil, 0, errProcessingFailed("AHC clustering failed", err)
	}

	cut := cluster.ThresholdToDistance(p.cfg.Clustering.Threshold)
	ahcLabels := cluster.CutDendrogram(dendrogram, len(normalized), cut)

	numClusters := 0
	for _, l := range ahcLabels {
		if l+1 > numClusters {
			numClusters = l + 1
		}
	}

	rhoMat := rhoToDense(normalized)
	d := 0
	if len(normalized) > 0 {
		d = len(normalized[0])
	}
	var pldaPsi []float64
	if p.models.PLDA != nil {
		pldaPsi = p.models.PLDA.Psi
	}
	psi := cluster.ResolvePsi(pldaPsi, d)

	vbxResult := cluster.Refine(cluster.VBxConfig{
		Fa:                   p.cfg.Clustering.WarmStartFa,
		Fb:                   p.cfg.Clustering.WarmStartFb,
		MaxIterations:        p.cfg.VBx.MaxIterations,
		ConvergenceTolerance: p.cfg.VBx.ConvergenceTolerance,
	}, rhoMat, ahcLabels, psi)

	chunkIndices := make([]int, len(timed))
	localSpeakers := make([]int, len(timed))
	for i, te := range timed {
		chunkIndices[i] = te.ChunkIndex
		localSpeakers[i] = te.LocalSpeaker
	}

	assignments := cluster.BuildChunkAssignments(chunkIndices, localSpeakers, vbxResult.HardLabels)
	return assignments, numClusters, nil
}

func timelineConfig(cfg Config, frameDurationS float64) timeline.Config {
	return timeline.Config{
		FrameDurationS:        frameDurationS,
		MinGapDurationS:       cfg.PostProcessing.MinGapDurationS,
		SegmentationMinDurOff: cfg.Segmentation.MinDurationOff,
		MinSegmentDurationS:   cfg.Embedding.MinSegmentDurationS,
		SegmentationMinDurOn:  cfg.Segmentation.MinDurationOn,
		ExcludeOverlap:        cfg.Embedding.ExcludeOverlap,
	}
}

func rhoToDense(rows [][]float64) *mat.Dense {
	if len(rows) == 0 {
		return mat.NewDense(0, 0, nil)
	}
	n, d := len(rows), len(rows[0])
	flat := make([]float64, 0, n*d)
	for _, r := range rows {
		flat = append(flat, r...)
	}
	return mat.NewDense(n, d, flat)
}

type exportedEmbedding struct {
	RunID        string    `json:"run_id"`
	ChunkIndex   int       `json:"chunk_index"`
	LocalSpeaker int       `json:"local_speaker"`
	StartS       float64   `json:"start_s"`
	EndS         float64   `json:"end_s"`
	Embedding    []float32 `json:"embedding"`
}

// exportEmbeddings writes the optional JSON embedding side-channel
// described in spec.md §6.
func exportEmbeddings(path, runID string, timed []embedding.TimedEmbedding) error {
	out := make([]exportedEmbedding, len(timed))
	for i, te := range timed {
		out[i] = exportedEmbedding{
			RunID:        runID,
			ChunkIndex:   te.ChunkIndex,
			LocalSpeaker: te.LocalSpeaker,
			StartS:       te.StartS,
			EndS:         te.EndS,
			Embedding:    te.Embedding,
		}
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
