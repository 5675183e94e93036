package retrieval

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/helmstream/helmstream/internal/filter"
)

// Record kinds.
const (
	KindDocument = "document"
	KindEmail    = "email"
)

// ErrNotFound is returned when a record id is unknown.
var ErrNotFound = errors.New("record not found")

// Record is one retrievable item of a corpus. Records are written once at
// ingest and read-only afterwards.
type Record struct {
	ID         string
	Kind       string
	Title      string
	ContentRef string
	Preview    string
	Metadata   map[string]string
	Embedding  []float32
	CreatedAt  time.Time
}

// ScoredRecord is a Record with its cosine similarity to the query. Scores
// keep full precision; rounding is a presentation concern.
type ScoredRecord struct {
	Record
	Score float64
}

// CorpusSource yields the records of one kind. hint may be used to narrow the
// scan at the source, but callers always re-apply the filter.
type CorpusSource interface {
	Scan(ctx context.Context, kind string, hint filter.Set) ([]Record, error)
}

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32s deserializes little-endian bytes into a new float32 slice.
// A length that is not a multiple of 4 indicates corruption.
func decodeFloat32s(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}
