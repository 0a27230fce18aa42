// Package sherpafastpath provides an optional secondary diarization
// backend that delegates the entire segmentation+embedding+clustering
// pipeline to sherpa-onnx's bundled OfflineSpeakerDiarization, for callers
// who want the vendor's fast path instead of the from-scratch AHC+VBx
// core in diarize/cluster/timeline.
package sherpafastpath

import (
	"fmt"
	"os"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"

	sherpa "github.com/k2-fsa/sherpa-onnx-go/sherpa_onnx"

	"github.com/charmbracelet/log"

	"diarization/timeline"
)

// Config mirrors the teacher's SherpaDiarizerConfig, generalized to this
// module's naming.
type Config struct {
	SegmentationModelPath string
	EmbeddingModelPath    string
	NumThreads            int
	ClusteringThreshold   float32
	MinDurationOn         float32
	MinDurationOff        float32
	Provider              string // cpu, cuda, coreml, auto
}

// DefaultConfig returns sensible defaults for model paths given at
// runtime.
func DefaultConfig(segmentationPath, embeddingPath string) Config {
	return Config{
		SegmentationModelPath: segmentationPath,
		EmbeddingModelPath:    embeddingPath,
		NumThreads:            4,
		ClusteringThreshold:   0.5,
		MinDurationOn:         0.3,
		MinDurationOff:        0.5,
		Provider:              "auto",
	}
}

func detectBestProvider() string {
	if runtime.GOOS == "darwin" && runtime.GOARCH == "arm64" {
		return "coreml"
	}
	return "cpu"
}

// maxDiarizationSamples bounds a single native call to ~15s at 16kHz,
// guarding against sherpa-onnx's native code hanging on long inputs.
const maxDiarizationSamples = 240000

// Diarizer wraps sherpa-onnx's OfflineSpeakerDiarization as an alternate
// backend to the diarize package's own A-E pipeline.
type Diarizer struct {
	config      Config
	diarizer    *sherpa.OfflineSpeakerDiarization
	mu          sync.Mutex
	initialized bool
	inProgress  int32
}

// New creates a Diarizer, auto-detecting the best execution provider and
// falling back to CPU if the requested one fails to initialize.
func New(cfg Config) (*Diarizer, error) {
	if _, err := os.Stat(cfg.SegmentationModelPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("sherpafastpath: segmentation model not found: %s", cfg.SegmentationModelPath)
	}
	if _, err := os.Stat(cfg.EmbeddingModelPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("sherpafastpath: embedding model not found: %s", cfg.EmbeddingModelPath)
	}

	provider := cfg.Provider
	if provider == "auto" || provider == "" {
		provider = detectBestProvider()
	}
	log.Info("sherpafastpath: initializing", "provider", provider, "requested", cfg.Provider)

	sherpaCfg := &sherpa.OfflineSpeakerDiarizationConfig{
		Segmentation: sherpa.OfflineSpeakerSegmentationModelConfig{
			Pyannote: sherpa.OfflineSpeakerSegmentationPyannoteModelConfig{
				Model: cfg.SegmentationModelPath,
			},
			NumThreads: cfg.NumThreads,
			Debug:      0,
			Provider:   provider,
		},
		Embedding: sherpa.SpeakerEmbeddingExtractorConfig{
			Model:      cfg.EmbeddingModelPath,
			NumThreads: cfg.NumThreads,
			Debug:      0,
			Provider:   provider,
		},
		Clustering: sherpa.FastClusteringConfig{
			NumClusters: -1,
			Threshold:   cfg.ClusteringThreshold,
		},
		MinDurationOn:  cfg.MinDurationOn,
		MinDurationOff: cfg.MinDurationOff,
	}

	diarizer := sherpa.NewOfflineSpeakerDiarization(sherpaCfg)
	if diarizer == nil {
		if provider != "cpu" {
			log.Warn("sherpafastpath: provider failed, falling back to cpu", "provider", provider)
			sherpaCfg.Segmentation.Provider = "cpu"
			sherpaCfg.Embedding.Provider = "cpu"
			diarizer = sherpa.NewOfflineSpeakerDiarization(sherpaCfg)
			if diarizer == nil {
				return nil, fmt.Errorf("sherpafastpath: failed to create diarizer (tried %s and cpu)", provider)
			}
			provider = "cpu"
		} else {
			return nil, fmt.Errorf("sherpafastpath: failed to create diarizer")
		}
	}
	cfg.Provider = provider

	return &Diarizer{config: cfg, diarizer: diarizer, initialized: true}, nil
}

// Diarize runs sherpa-onnx's bundled pipeline over samples (16kHz mono
// float32) and returns a timeline.Segment list in the same shape the
// from-scratch pipeline produces. Long inputs are chunked to avoid
// native-code hangs, with overlap merging to stitch boundaries.
func (d *Diarizer) Diarize(samples []float32) ([]timeline.Segment, error) {
	if !d.mu.TryLock() {
		inProg := atomic.LoadInt32(&d.inProgress)
		return nil, fmt.Errorf("sherpafastpath: diarizer busy (inProgress=%d)", inProg)
	}
	defer d.mu.Unlock()

	if !d.initialized {
		return nil, fmt.Errorf("sherpafastpath: diarizer not initialized")
	}
	if len(samples) == 0 {
		return nil, nil
	}

	if len(samples) > maxDiarizationSamples {
		return d.diarizeInChunks(samples)
	}
	return d.diarizeSingle(samples)
}

func (d *Diarizer) diarizeSingle(samples []float32) ([]timeline.Segment, error) {
	atomic.AddInt32(&d.inProgress, 1)
	defer atomic.AddInt32(&d.inProgress, -1)

	segments := d.diarizer.Process(samples)
	return sherpaToTimeline(segments), nil
}

func (d *Diarizer) diarizeInChunks(samples []float32) ([]timeline.Segment, error) {
	const chunkSize = maxDiarizationSamples
	const overlapSize = 16000
	const sampleRate = 16000

	var all []timeline.Segment
	offset := 0
	chunkIndex := 0

	for offset < len(samples) {
		end := offset + chunkSize
		if end > len(samples) {
			end = len(samples)
		}
		chunk := samples[offset:end]
		chunkOffsetSec := float64(offset) / float64(sampleRate)

		atomic.AddInt32(&d.inProgress, 1)
		segments := d.diarizer.Process(chunk)
		atomic.AddInt32(&d.inProgress, -1)

		for _, seg := range sherpaToTimeline(segments) {
			seg.StartS += chunkOffsetSec
			seg.EndS += chunkOffsetSec
			all = append(all, seg)
		}

		if end >= len(samples) {
			break
		}
		offset = end - overlapSize
		if offset < 0 {
			offset = 0
		}
		if len(samples)-offset < sampleRate {
			break
		}
		chunkIndex++
	}

	log.Info("sherpafastpath: chunked diarization complete", "segments", len(all), "chunks", chunkIndex+1)
	return mergeOverlapping(all), nil
}

func sherpaToTimeline(segments []sherpa.OfflineSpeakerDiarizationSegment) []timeline.Segment {
	out := make([]timeline.Segment, len(segments))
	for i, seg := range segments {
		out[i] = timeline.Segment{
			SpeakerID: fmt.Sprintf("S%d", seg.Speaker+1),
			StartS:    float64(seg.Start),
			EndS:      float64(seg.End),
			Quality:   1.0,
		}
	}
	return out
}

// mergeOverlapping stitches same-speaker segments that overlap or are
// separated by a gap of at most 0.5 s (as across a chunk boundary),
// mirroring the teacher's mergeOverlappingSegments.
func mergeOverlapping(segments []timeline.Segment) []timeline.Segment {
	if len(segments) <= 1 {
		return segments
	}
	sort.SliceStable(segments, func(i, j int) bool { return segments[i].StartS < segments[j].StartS })

	merged := []timeline.Segment{segments[0]}
	for _, seg := range segments[1:] {
		last := &merged[len(merged)-1]
		if seg.SpeakerID == last.SpeakerID && seg.StartS <= last.EndS+0.5 {
			if seg.EndS > last.EndS {
				last.EndS = seg.EndS
			}
			continue
		}
		merged = append(merged, seg)
	}
	return merged
}

// SampleRate returns the rate sherpa-onnx expects (16kHz).
func (d *Diarizer) SampleRate() int {
	if d.diarizer != nil {
		return d.diarizer.SampleRate()
	}
	return 16000
}

// Close releases the native diarizer handle.
func (d *Diarizer) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.diarizer != nil {
		sherpa.DeleteOfflineSpeakerDiarization(d.diarizer)
		d.diarizer = nil
	}
	d.initialized = false
}
