// Package timeline implements timeline reconstruction (component E):
// projecting per-chunk, per-local-speaker cluster labels onto a global
// frame timeline with expected-speaker-count regularization, then
// stitching segments under minimum-duration and gap policies.
package timeline

import (
	"fmt"
	"math"
	"sort"

	"diarization/cluster"
	"diarization/segmentation"
)

// maxConcurrentSpeakers bounds the expected-speaker-count estimator per
// spec §4.E.2 ("clipped to [0, min(K, 3)]"); 3 is the fixed per-chunk
// local-speaker count.
const maxConcurrentSpeakers = 3

// Segment is one emitted, non-overlapping speaker-labeled interval.
type Segment struct {
	SpeakerID string
	StartS    float64
	EndS      float64
	Quality   float64
}

// Config carries the tunables this package needs (mirrors
// diarize.SegmentationConfig/PostProcessingConfig's relevant fields).
type Config struct {
	FrameDurationS          float64
	MinGapDurationS         float64
	SegmentationMinDurOff   float64
	MinSegmentDurationS     float64
	SegmentationMinDurOn    float64
	ExcludeOverlap          bool
}

// chunkInput holds one chunk's per-frame soft weights for its local
// speakers, already resolved to global cluster ids via clusters.
type chunkInput struct {
	offsetFrame int // chunk offset in global frames
	weights     [][3]float64
	clusters    [3]int // cluster id per local speaker, -1 if unused
}

// Reconstruct builds the final ordered Segment stream from per-chunk
// cluster assignments and the original per-chunk soft activation weights.
func Reconstruct(cfg Config, chunks []segmentation.Chunk, assignments []cluster.ChunkAssignment) ([]Segment, error) {
	if len(chunks) == 0 {
		return nil, nil
	}

	assignByChunk := make(map[int]cluster.ChunkAssignment, len(assignments))
	for _, a := range assignments {
		assignByChunk[a.ChunkIndex] = a
	}

	maxClusterID := -1
	for _, a := range assignments {
		for _, c := range a.Clusters {
			if c > maxClusterID {
				maxClusterID = c
			}
		}
	}
	if maxClusterID < 0 {
		return nil, nil // no valid embeddings anywhere: all-silence input
	}
	numClusters := maxClusterID + 1

	frameDuration := cfg.FrameDurationS
	if frameDuration <= 0 {
		return nil, fmt.Errorf("timeline: frame duration must be positive")
	}

	var inputs []chunkInput
	maxEndFrame := 0
	for _, c := range chunks {
		assignment, ok := assignByChunk[c.Index]
		if !ok {
			continue
		}
		offsetFrame := int(math.Round(c.OffsetS / frameDuration))
		weights := make([][3]float64, len(c.SpeakerWeights))
		for f, row := range c.SpeakerWeights {
			weights[f] = [3]float64{row[0], row[1], row[2]}
		}
		inputs = append(inputs, chunkInput{offsetFrame: offsetFrame, weights: weights, clusters: assignment.Clusters})
		if end := offsetFrame + len(weights); end > maxEndFrame {
			maxEndFrame = end
		}
	}
	if len(inputs) == 0 {
		return nil, nil
	}

	activationSum := make([][]float64, maxEndFrame)
	activationCount := make([][]int, maxEndFrame)
	expectedCountSum := make([]float64, maxEndFrame)
	contributingChunks := make([]int, maxEndFrame)
	for t := range activationSum {
		activationSum[t] = make([]float64, numClusters)
		activationCount[t] = make([]int, numClusters)
	}

	for _, in := range inputs {
		for f, w := range in.weights {
			t := in.offsetFrame + f
			if t >= maxEndFrame {
				continue
			}
			contributingChunks[t]++
			frameExpected := 0.0
			for local := 0; local < 3; local++ {
				frameExpected += w[local]
				k := in.clusters[local]
				if k < 0 {
					continue
				}
				if activationCount[t][k] == 0 || w[local] > activationSum[t][k] {
					activationSum[t][k] = w[local]
				}
				if w[local] > 0 {
					activationCount[t][k]++
				}
			}
			expectedCountSum[t] += frameExpected
		}
	}

	activeClusters := make([][]int, maxEndFrame)
	for t := 0; t < maxEndFrame; t++ {
		if contributingChunks[t] == 0 {
			continue
		}
		n := bankersRound(expectedCountSum[t] / float64(contributingChunks[t]))
		if n < 0 {
			n = 0
		}
		if n > minInt(numClusters, maxConcurrentSpeakers) {
			n = minInt(numClusters, maxConcurrentSpeakers)
		}
		activeClusters[t] = topNClusters(activationSum[t], n)
	}

	raw := sweepSegments(activeClusters, activationSum, frameDuration)

	gapThreshold := cfg.MinGapDurationS
	if cfg.SegmentationMinDurOff > gapThreshold {
		gapThreshold = cfg.SegmentationMinDurOff
	}
	merged := mergeSegments(raw, gapThreshold)

	minDuration := cfg.MinSegmentDurationS
	if cfg.SegmentationMinDurOn > minDuration {
		minDuration = cfg.SegmentationMinDurOn
	}
	sanitized := sanitizeSegments(merged, minDuration, cfg.ExcludeOverlap)

	out := make([]Segment, len(sanitized))
	for i, seg := range sanitized {
		out[i] = Segment{
			SpeakerID: fmt.Sprintf("S%d", seg.cluster+1),
			StartS:    seg.startS,
			EndS:      seg.endS,
			Quality:   seg.quality,
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].StartS != out[j].StartS {
			return out[i].StartS < out[j].StartS
		}
		return out[i].SpeakerID < out[j].SpeakerID
	})
	return out, nil
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// bankersRound rounds to the nearest integer, breaking exact .5 ties to
// the nearest even integer (spec §4.E.2).
func bankersRound(v float64) int {
	floor := math.Floor(v)
	diff := v - floor
	switch {
	case diff < 0.5:
		return int(floor)
	case diff > 0.5:
		return int(floor) + 1
	default:
		if int(floor)%2 == 0 {
			return int(floor)
		}
		return int(floor) + 1
	}
}

func topNClusters(activation []float64, n int) []int {
	if n <= 0 {
		return nil
	}
	type kv struct {
		k int
		v float64
	}
	all := make([]kv, len(activation))
	for k, v := range activation {
		all[k] = kv{k, v}
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].v > all[j].v })
	if n > len(all) {
		n = len(all)
	}
	out := make([]int, 0, n)
	for i := 0; i < n; i++ {
		if all[i].v <= 0 {
			continue
		}
		out = append(out, all[i].k)
	}
	return out
}

type rawSegment struct {
	cluster           int
	startFrame        int
	endFrame          int // exclusive
	scoreSum          float64
	frameCount        int
	startS, endS      float64
	quality           float64
}

func sweepSegments(activeClusters [][]int, activationSum [][]float64, frameDuration float64) []rawSegment {
	open := make(map[int]*rawSegment)
	var closed []rawSegment

	for t := 0; t < len(activeClusters); t++ {
		activeSet := make(map[int]bool)
		for _, k := range activeClusters[t] {
			activeSet[k] = true
		}

		for k, seg := range open {
			if !activeSet[k] {
				seg.endFrame = t
				closed = append(closed, finishSegment(*seg, frameDuration))
				delete(open, k)
			}
		}
		for k := range activeSet {
			if _, ok := open[k]; !ok {
				open[k] = &rawSegment{cluster: k, startFrame: t}
			}
			seg := open[k]
			seg.scoreSum += activationSum[t][k]
			seg.frameCount++
		}
	}
	for k, seg := range open {
		seg.endFrame = len(activeClusters)
		closed = append(closed, finishSegment(*seg, frameDuration))
		delete(open, k)
	}

	sort.SliceStable(closed, func(i, j int) bool { return closed[i].startS < closed[j].startS })
	return closed
}

func finishSegment(seg rawSegment, frameDuration float64) rawSegment {
	seg.startS = float64(seg.startFrame) * frameDuration
	seg.endS = float64(seg.endFrame) * frameDuration
	if seg.frameCount > 0 {
		seg.quality = clip01(seg.scoreSum / float64(seg.frameCount))
	}
	return seg
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

func mergeSegments(raw []rawSegment, gapThreshold float64) []rawSegment {
	if len(raw) == 0 {
		return nil
	}
	out := []rawSegment{raw[0]}
	for _, seg := range raw[1:] {
		last := &out[len(out)-1]
		if seg.cluster == last.cluster && seg.startS-last.endS <= gapThreshold {
			totalFrames := last.frameCount + seg.frameCount
			if totalFrames > 0 {
				last.quality = clip01((last.quality*float64(last.frameCount) + seg.quality*float64(seg.frameCount)) / float64(totalFrames))
			}
			last.frameCount = totalFrames
			last.endS = seg.endS
			last.endFrame = seg.endFrame
			continue
		}
		out = append(out, seg)
	}
	return out
}

func sanitizeSegments(segs []rawSegment, minDuration float64, excludeOverlap bool) []rawSegment {
	var out []rawSegment
	for _, seg := range segs {
		if seg.endS-seg.startS < minDuration {
			continue
		}
		out = append(out, seg)
	}
	if !excludeOverlap {
		return out
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].startS < out[j].startS })
	var clipped []rawSegment
	prevEnd := math.Inf(-1)
	for _, seg := range out {
		original := seg.endS - seg.startS
		if seg.startS < prevEnd {
			seg.startS = prevEnd
		}
		newDuration := seg.endS - seg.startS
		if newDuration <= 0 {
			continue
		}
		if original > 0 {
			seg.quality = clip01(seg.quality * (newDuration / original))
		}
		clipped = append(clipped, seg)
		prevEnd = seg.endS
	}
	return clipped
}
