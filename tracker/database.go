package tracker

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// Defaults per spec §4.F.
const (
	DefaultSpeakerThreshold         = 0.65
	DefaultEmbeddingThreshold       = 0.45
	DefaultMinEmbeddingUpdateDurS   = 2.0
	DefaultMinSpeechDurationS       = 1.0
	embeddingEMAAlpha               = 0.9
)

// Database is the thread-safe SpeakerDatabase: many concurrent readers,
// at most one writer at a time (spec §4.F "Concurrency").
type Database struct {
	mu      sync.RWMutex
	entries map[string]*speakerEntry
	nextID  int
}

// NewDatabase returns an empty database with its id counter at 1.
func NewDatabase() *Database {
	return &Database{entries: make(map[string]*speakerEntry), nextID: 1}
}

func l2NormSquared(v []float32) float64 {
	sum := 0.0
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return sum
}

func l2Normalize(v []float32) []float32 {
	normSq := l2NormSquared(v)
	if normSq == 0 {
		return append([]float32(nil), v...)
	}
	norm := math.Sqrt(normSq)
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

// cosineDistance returns 1 - cosine_similarity(a, b).
func cosineDistance(a, b []float32) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 1.0
	}
	sim := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	if sim > 1 {
		sim = 1
	} else if sim < -1 {
		sim = -1
	}
	return 1.0 - sim
}

// AssignSpeaker implements spec §4.F's assign_speaker contract.
func (db *Database) AssignSpeaker(emb []float32, duration float64, threshold float64) (*Speaker, error) {
	if len(emb) != embeddingDim {
		return nil, fmt.Errorf("tracker: embedding length %d != %d", len(emb), embeddingDim)
	}
	if l2NormSquared(emb) <= 0.01 {
		return nil, fmt.Errorf("tracker: embedding norm-squared too small")
	}
	normalized := l2Normalize(emb)

	if threshold <= 0 {
		threshold = DefaultSpeakerThreshold
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	closestID := ""
	closestDist := math.Inf(1)
	for id, e := range db.entries {
		d := cosineDistance(normalized, e.current)
		if d < closestDist {
			closestDist = d
			closestID = id
		}
	}

	now := time.Now()

	if closestID != "" && closestDist < threshold {
		e := db.entries[closestID]
		e.updatedAt = now
		e.updateCount++
		e.accumulatedS += duration

		if closestDist < DefaultEmbeddingThreshold && duration >= DefaultMinEmbeddingUpdateDurS {
			updated := make([]float32, len(e.current))
			for i := range updated {
				updated[i] = float32(embeddingEMAAlpha*float64(e.current[i]) + (1-embeddingEMAAlpha)*float64(normalized[i]))
			}
			e.current = l2Normalize(updated)
			e.raw.push(normalized)
		}

		snap := e.snapshot()
		return &snap, nil
	}

	if duration >= DefaultMinSpeechDurationS {
		id := strconv.Itoa(db.nextID)
		db.nextID++
		e := &speakerEntry{
			id:           id,
			current:      normalized,
			accumulatedS: duration,
			createdAt:    now,
			updatedAt:    now,
			updateCount:  1,
			raw:          newRingBuffer(),
		}
		e.raw.push(normalized)
		db.entries[id] = e
		snap := e.snapshot()
		return &snap, nil
	}

	return nil, nil
}

// FindSpeaker is a read-only lookup of the closest speaker to emb.
func (db *Database) FindSpeaker(emb []float32, threshold float64) (string, float64) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	normalized := l2Normalize(emb)
	bestID := ""
	bestDist := math.Inf(1)
	for id, e := range db.entries {
		d := cosineDistance(normalized, e.current)
		if d < bestDist {
			bestDist = d
			bestID = id
		}
	}
	if bestID == "" || bestDist >= threshold {
		return "", bestDist
	}
	return bestID, bestDist
}

// Match pairs a speaker id with its distance to a query embedding.
type Match struct {
	ID       string
	Distance float64
}

// FindMatchingSpeakers returns every speaker within threshold, sorted
// ascending by distance.
func (db *Database) FindMatchingSpeakers(emb []float32, threshold float64) []Match {
	db.mu.RLock()
	defer db.mu.RUnlock()

	normalized := l2Normalize(emb)
	var matches []Match
	for id, e := range db.entries {
		d := cosineDistance(normalized, e.current)
		if d < threshold {
			matches = append(matches, Match{ID: id, Distance: d})
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Distance < matches[j].Distance })
	return matches
}

// MakePermanent sets a speaker's is_permanent flag.
func (db *Database) MakePermanent(id string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	e, ok := db.entries[id]
	if !ok {
		return fmt.Errorf("tracker: unknown speaker %q", id)
	}
	e.isPermanent = true
	return nil
}

// RevokePermanence clears a speaker's is_permanent flag.
func (db *Database) RevokePermanence(id string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	e, ok := db.entries[id]
	if !ok {
		return fmt.Errorf("tracker: unknown speaker %q", id)
	}
	e.isPermanent = false
	return nil
}

// Merge absorbs src into dst: dst keeps its own is_permanent flag (per
// DESIGN.md's Open Question decision), raw embeddings are combined and
// the main embedding recomputed as their mean, durations summed, and src
// is removed. Self-merge is forbidden. If stopIfPermanent and dst is
// permanent, the merge is skipped.
func (db *Database) Merge(src, dst string, name string, stopIfPermanent bool) error {
	if src == dst {
		return fmt.Errorf("tracker: cannot merge a speaker into itself")
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	srcEntry, ok := db.entries[src]
	if !ok {
		return fmt.Errorf("tracker: unknown speaker %q", src)
	}
	dstEntry, ok := db.entries[dst]
	if !ok {
		return fmt.Errorf("tracker: unknown speaker %q", dst)
	}
	if stopIfPermanent && dstEntry.isPermanent {
		return nil
	}

	combined := append(append([][]float32(nil), dstEntry.raw.items()...), srcEntry.raw.items()...)
	mean := meanEmbedding(combined)
	dstEntry.current = l2Normalize(mean)
	dstEntry.raw = newRingBuffer()
	for _, v := range combined {
		dstEntry.raw.push(v)
	}
	dstEntry.accumulatedS += srcEntry.accumulatedS
	dstEntry.updateCount += srcEntry.updateCount
	dstEntry.updatedAt = time.Now()
	if name != "" {
		dstEntry.name = name
	}

	delete(db.entries, src)
	log.Debug("tracker: merged speaker", "src", src, "dst", dst)
	return nil
}

func meanEmbedding(vectors [][]float32) []float32 {
	if len(vectors) == 0 {
		return nil
	}
	dim := len(vectors[0])
	sum := make([]float64, dim)
	for _, v := range vectors {
		for i, x := range v {
			sum[i] += float64(x)
		}
	}
	out := make([]float32, dim)
	for i, s := range sum {
		out[i] = float32(s / float64(len(vectors)))
	}
	return out
}

// MergeablePair is an unordered pair of speaker ids eligible for merging,
// with a canonical src/dst direction: prefer a non-permanent speaker as
// src, otherwise the smaller numeric id as dst.
type MergeablePair struct {
	Src, Dst string
	Distance float64
}

// FindMergeablePairs enumerates every unordered speaker pair whose
// current-embedding cosine distance is below threshold.
func (db *Database) FindMergeablePairs(threshold float64, excludeIfBothPermanent bool) []MergeablePair {
	db.mu.RLock()
	defer db.mu.RUnlock()

	ids := make([]string, 0, len(db.entries))
	for id := range db.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var pairs []MergeablePair
	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			a, b := db.entries[ids[i]], db.entries[ids[j]]
			if excludeIfBothPermanent && a.isPermanent && b.isPermanent {
				continue
			}
			d := cosineDistance(a.current, b.current)
			if d < threshold {
				src, dst := canonicalDirection(a, b)
				pairs = append(pairs, MergeablePair{Src: src, Dst: dst, Distance: d})
			}
		}
	}
	sort.SliceStable(pairs, func(i, j int) bool { return pairs[i].Distance < pairs[j].Distance })
	return pairs
}

func canonicalDirection(a, b *speakerEntry) (src, dst string) {
	if a.isPermanent != b.isPermanent {
		if a.isPermanent {
			return b.id, a.id
		}
		return a.id, b.id
	}
	an, _ := strconv.Atoi(a.id)
	bn, _ := strconv.Atoi(b.id)
	if bn < an {
		return a.id, b.id
	}
	return b.id, a.id
}

// RemoveSpeaker deletes id unless keepIfPermanent is set and the speaker
// is permanent.
func (db *Database) RemoveSpeaker(id string, keepIfPermanent bool) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	e, ok := db.entries[id]
	if !ok {
		return fmt.Errorf("tracker: unknown speaker %q", id)
	}
	if keepIfPermanent && e.isPermanent {
		return nil
	}
	delete(db.entries, id)
	return nil
}

// RemoveInactive deletes every speaker whose UpdatedAt is before
// threshold, honoring keepIfPermanent.
func (db *Database) RemoveInactive(threshold time.Time, keepIfPermanent bool) int {
	db.mu.Lock()
	defer db.mu.Unlock()
	removed := 0
	for id, e := range db.entries {
		if keepIfPermanent && e.isPermanent {
			continue
		}
		if e.updatedAt.Before(threshold) {
			delete(db.entries, id)
			removed++
		}
	}
	return removed
}

// RemoveWhere deletes every speaker for which pred returns true, honoring
// keepIfPermanent.
func (db *Database) RemoveWhere(pred func(Speaker) bool, keepIfPermanent bool) int {
	db.mu.Lock()
	defer db.mu.Unlock()
	removed := 0
	for id, e := range db.entries {
		if keepIfPermanent && e.isPermanent {
			continue
		}
		if pred(e.snapshot()) {
			delete(db.entries, id)
			removed++
		}
	}
	return removed
}

// Reset clears the database. When keepIfPermanent is true, permanent
// speakers survive and next_id becomes max(numeric ids)+1; otherwise the
// database is emptied and next_id resets to 1.
func (db *Database) Reset(keepIfPermanent bool) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if !keepIfPermanent {
		db.entries = make(map[string]*speakerEntry)
		db.nextID = 1
		return
	}

	kept := make(map[string]*speakerEntry)
	maxID := 0
	for id, e := range db.entries {
		if e.isPermanent {
			kept[id] = e
			if n, err := strconv.Atoi(id); err == nil && n > maxID {
				maxID = n
			}
		}
	}
	db.entries = kept
	db.nextID = maxID + 1
}

// Get returns a snapshot of one speaker, if present.
func (db *Database) Get(id string) (Speaker, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	e, ok := db.entries[id]
	if !ok {
		return Speaker{}, false
	}
	return e.snapshot(), true
}

// Count returns the number of tracked speakers.
func (db *Database) Count() int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return len(db.entries)
}

// All returns a snapshot of every tracked speaker.
func (db *Database) All() []Speaker {
	db.mu.RLock()
	defer db.mu.RUnlock()
	out := make([]Speaker, 0, len(db.entries))
	for _, e := range db.entries {
		out = append(out, e.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
