// Package mask implements mask conditioning & resampling (component B):
// turning a segmentation chunk's per-frame speaker activation matrix into
// one accept/discard SpeakerMask per (chunk, local speaker), ready for the
// embedding model.
package mask

import (
	"math"

	"diarization/segmentation"
)

// overlapThreshold is the per-frame activation level above which a
// speaker is considered "present" when detecting overlap (spec §4.B.3).
const overlapThreshold = 1e-3

// SpeakerMask is one accepted (chunk, local-speaker) mask, resampled to
// the embedding model's expected weight length.
type SpeakerMask struct {
	ChunkIndex   int
	LocalSpeaker int
	Weights      []float64 // length F', resampled
	FirstActive  int
	LastActive   int
	StartS       float64
	EndS         float64
	UsedFallback bool
}

// Config carries the tunables this package needs (mirrors
// diarize.EmbeddingConfig's relevant fields).
type Config struct {
	MinSegmentDurationS float64
	ResampledLength      int // F', the embedding model's declared weight length
}

// Condition produces the accepted SpeakerMasks for one segmentation chunk.
func Condition(cfg Config, chunk segmentation.Chunk) []SpeakerMask {
	frames := len(chunk.SpeakerWeights)
	if frames == 0 {
		return nil
	}
	minFrames := int(math.Ceil(cfg.MinSegmentDurationS / chunk.FrameDurationS))

	overlapping := make([]bool, frames)
	for f := 0; f < frames; f++ {
		active := 0
		for s := 0; s < segmentation.NumSpeakers; s++ {
			if chunk.SpeakerWeights[f][s] > overlapThreshold {
				active++
			}
		}
		overlapping[f] = active > 1
	}

	var out []SpeakerMask
	for s := 0; s < segmentation.NumSpeakers; s++ {
		base := make([]float64, frames)
		baseSum := 0.0
		for f := 0; f < frames; f++ {
			base[f] = chunk.SpeakerWeights[f][s]
			baseSum += base[f]
		}
		if baseSum == 0 {
			continue
		}

		clean := make([]float64, frames)
		cleanSum := 0.0
		for f := 0; f < frames; f++ {
			if !overlapping[f] {
				clean[f] = base[f]
				cleanSum += clean[f]
			}
		}

		chosen := clean
		usedFallback := false
		if cleanSum < float64(minFrames) {
			chosen = base
			usedFallback = true
			if baseSum == 0 {
				continue
			}
		}

		resampled := resampleLinear(chosen, cfg.ResampledLength)
		first, last := activeRange(resampled)
		if first < 0 {
			continue
		}

		out = append(out, SpeakerMask{
			ChunkIndex:   chunk.Index,
			LocalSpeaker: s,
			Weights:      resampled,
			FirstActive:  first,
			LastActive:   last,
			StartS:       chunk.OffsetS + float64(first)*chunk.FrameDurationS,
			EndS:         chunk.OffsetS + float64(last+1)*chunk.FrameDurationS,
			UsedFallback: usedFallback,
		})
	}
	return out
}

// resampleLinear resamples src (length F) to length dstLen (F') using the
// half-pixel-offset convention src = (dst + 0.5)*scale - 0.5, matching the
// reference exporter's mask-to-audio alignment.
func resampleLinear(src []float64, dstLen int) []float64 {
	srcLen := len(src)
	if dstLen == srcLen {
		out := make([]float64, srcLen)
		copy(out, src)
		return out
	}
	if srcLen == 0 || dstLen <= 0 {
		return make([]float64, dstLen)
	}

	scale := float64(srcLen) / float64(dstLen)
	out := make([]float64, dstLen)
	for i := 0; i < dstLen; i++ {
		srcCoord := (float64(i)+0.5)*scale - 0.5
		if srcCoord < 0 {
			srcCoord = 0
		}
		if srcCoord > float64(srcLen-1) {
			srcCoord = float64(srcLen - 1)
		}
		lo := int(math.Floor(srcCoord))
		hi := lo + 1
		if hi > srcLen-1 {
			hi = srcLen - 1
		}
		frac := srcCoord - float64(lo)
		out[i] = src[lo]*(1-frac) + src[hi]*frac
	}
	return out
}

func activeRange(mask []float64) (first, last int) {
	first, last = -1, -1
	for i, v := range mask {
		if v > overlapThreshold {
			if first < 0 {
				first = i
			}
			last = i
		}
	}
	return first, last
}
