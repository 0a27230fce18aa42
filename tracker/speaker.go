// Package tracker implements the streaming speaker tracker (component F):
// a thread-safe SpeakerDatabase that assigns successive 256-d embeddings
// to speakers by cosine-distance thresholding and maintains each
// speaker's embedding via exponential moving average.
package tracker

import "time"

// embeddingDim is the fixed embedding length this package accepts (spec
// §4.F.1: "Reject embeddings whose length != 256").
const embeddingDim = 256

// rawEmbeddingCapacity bounds the FIFO of raw embeddings kept per
// speaker (spec §3, "bounded history of up to 50 raw embeddings").
const rawEmbeddingCapacity = 50

// Speaker is a snapshot of one tracked speaker. Values returned to
// callers are copies; mutating them has no effect on the database.
type Speaker struct {
	ID                 string
	Name               string
	CurrentEmbedding   []float32
	AccumulatedSeconds float64
	CreatedAt          time.Time
	UpdatedAt          time.Time
	UpdateCount        int
	RawEmbeddings      [][]float32
	IsPermanent        bool
}

// ringBuffer is a fixed-capacity FIFO of raw embeddings.
type ringBuffer struct {
	buf   [][]float32
	start int
}

func newRingBuffer() *ringBuffer {
	return &ringBuffer{}
}

func (r *ringBuffer) push(emb []float32) {
	if len(r.buf) < rawEmbeddingCapacity {
		r.buf = append(r.buf, emb)
		return
	}
	r.buf[r.start] = emb
	r.start = (r.start + 1) % rawEmbeddingCapacity
}

// items returns the buffer's contents in insertion order.
func (r *ringBuffer) items() [][]float32 {
	if len(r.buf) < rawEmbeddingCapacity {
		out := make([][]float32, len(r.buf))
		copy(out, r.buf)
		return out
	}
	out := make([][]float32, rawEmbeddingCapacity)
	for i := 0; i < rawEmbeddingCapacity; i++ {
		out[i] = r.buf[(r.start+i)%rawEmbeddingCapacity]
	}
	return out
}

// speakerEntry is the database's internal mutable record.
type speakerEntry struct {
	id            string
	name          string
	current       []float32
	accumulatedS  float64
	createdAt     time.Time
	updatedAt     time.Time
	updateCount   int
	raw           *ringBuffer
	isPermanent   bool
}

func (e *speakerEntry) snapshot() Speaker {
	current := make([]float32, len(e.current))
	copy(current, e.current)
	raw := e.raw.items()
	for i, v := range raw {
		raw[i] = append([]float32(nil), v...)
	}
	return Speaker{
		ID:                 e.id,
		Name:               e.name,
		CurrentEmbedding:   current,
		AccumulatedSeconds: e.accumulatedS,
		CreatedAt:          e.createdAt,
		UpdatedAt:          e.updatedAt,
		UpdateCount:        e.updateCount,
		RawEmbeddings:      raw,
		IsPermanent:        e.isPermanent,
	}
}
