package retrieval

import (
	"context"
	"fmt"
	"testing"

	"github.com/helmstream/helmstream/internal/filter"
	"github.com/helmstream/helmstream/internal/vecmath"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rec(id string, emb []float32, meta map[string]string) Record {
	return Record{ID: id, Kind: KindEmail, Embedding: emb, Metadata: meta, Preview: "preview " + id}
}

func ids(results []ScoredRecord) []string {
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.ID
	}
	return out
}

func TestRetrieve_ExactMatchFirst(t *testing.T) {
	corpus := []Record{
		rec("r1", []float32{1, 0, 0}, nil),
		rec("r2", []float32{0, 1, 0}, nil),
		rec("r3", []float32{0.6, 0.8, 0}, nil),
	}
	got, err := Retrieve(context.Background(), []float32{0, 1, 0}, corpus, filter.Set{}, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "r2", got[0].ID)
	assert.InDelta(t, 1.0, got[0].Score, 1e-9)
	assert.Equal(t, "r3", got[1].ID)
	assert.InDelta(t, 0.8, got[1].Score, 1e-6)
}

func TestRetrieve_NeverMoreThanKAndNonIncreasing(t *testing.T) {
	var corpus []Record
	for i := 0; i < 50; i++ {
		corpus = append(corpus, rec(fmt.Sprintf("r%d", i), []float32{float32(i % 7), float32(i % 3), 1}, nil))
	}
	for _, k := range []int{1, 5, 49, 50, 100} {
		got, err := Retrieve(context.Background(), []float32{1, 2, 3}, corpus, filter.Set{}, k)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(got), k)
		assert.Len(t, got, min(k, len(corpus)))
		for i := 1; i < len(got); i++ {
			assert.GreaterOrEqual(t, got[i-1].Score, got[i].Score)
		}
	}
}

func TestRetrieve_TiesKeepScanOrder(t *testing.T) {
	corpus := []Record{
		rec("a", []float32{1, 0}, nil),
		rec("b", []float32{2, 0}, nil),
		rec("c", []float32{4, 0}, nil),
		rec("d", []float32{0, 1}, nil),
	}
	for i := 0; i < 5; i++ {
		got, err := Retrieve(context.Background(), []float32{1, 0}, corpus, filter.Set{}, 4)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b", "c", "d"}, ids(got))
	}
}

func TestRetrieve_EmptyCorpus(t *testing.T) {
	got, err := Retrieve(context.Background(), []float32{1, 0}, nil, filter.Set{}, 5)
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestRetrieve_InvalidK(t *testing.T) {
	for _, k := range []int{0, -1} {
		_, err := Retrieve(context.Background(), []float32{1}, []Record{rec("a", []float32{1}, nil)}, filter.Set{}, k)
		assert.ErrorIs(t, err, ErrInvalidK)
	}
}

func TestRetrieve_FiltersApplied(t *testing.T) {
	corpus := []Record{
		rec("e1", []float32{1, 0}, map[string]string{"vessel": "MV Sentinel", "month": "06"}),
		rec("e2", []float32{1, 0}, map[string]string{"vessel": "MV Nordic Wave", "month": "06"}),
		rec("e3", []float32{0, 1}, map[string]string{"vessel": "MV Sentinel", "month": "07"}),
		rec("e4", []float32{1, 0}, map[string]string{"month": "06"}),
	}
	f := filter.Set{Equals: map[string]string{"vessel": "MV Sentinel"}}
	got, err := Retrieve(context.Background(), []float32{1, 0}, corpus, f, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"e1", "e3"}, ids(got))

	none := filter.Set{Equals: map[string]string{"vessel": "MT Orange Grove"}}
	got, err = Retrieve(context.Background(), []float32{1, 0}, corpus, none, 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRetrieve_ZeroEmbeddingScoresZero(t *testing.T) {
	corpus := []Record{rec("zero", []float32{0, 0}, nil), rec("one", []float32{1, 0}, nil)}
	got, err := Retrieve(context.Background(), []float32{1, 0}, corpus, filter.Set{}, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "zero"}, ids(got))
	assert.Equal(t, 0.0, got[1].Score)
}

func TestRetrieve_DimensionMismatchNamesRecord(t *testing.T) {
	corpus := []Record{rec("ok", []float32{1, 0}, nil), rec("bad", []float32{1, 0, 0}, nil)}
	_, err := Retrieve(context.Background(), []float32{1, 0}, corpus, filter.Set{}, 2)
	require.ErrorIs(t, err, vecmath.ErrLengthMismatch)
	assert.Contains(t, err.Error(), "bad")
}

func TestRetrieve_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Retrieve(ctx, []float32{1}, []Record{rec("a", []float32{1}, nil)}, filter.Set{}, 1)
	assert.ErrorIs(t, err, context.Canceled)
}

type sliceSource struct {
	records []Record
	hint    filter.Set
}

func (s *sliceSource) Scan(_ context.Context, kind string, hint filter.Set) ([]Record, error) {
	s.hint = hint
	var out []Record
	for _, r := range s.records {
		if r.Kind == kind {
			out = append(out, r)
		}
	}
	return out, nil
}

func TestRetriever_ParallelMatchesSequential(t *testing.T) {
	var corpus []Record
	for i := 0; i < 500; i++ {
		meta := map[string]string{"month": fmt.Sprintf("%02d", 6+i%3)}
		corpus = append(corpus, rec(fmt.Sprintf("r%03d", i), []float32{float32(i % 11), float32(i % 5), float32(i % 2)}, meta))
	}
	query := []float32{3, 1, 1}
	f := filter.Set{Equals: map[string]string{"month": "07"}}

	want, err := Retrieve(context.Background(), query, corpus, f, 25)
	require.NoError(t, err)

	r := NewRetriever(&sliceSource{records: corpus}, 16)
	got, err := r.Search(context.Background(), KindEmail, query, f, 25)
	require.NoError(t, err)
	assert.Equal(t, ids(want), ids(got))
}

func TestRetriever_ReappliesFilterAfterSource(t *testing.T) {
	src := &sliceSource{records: []Record{
		rec("e1", []float32{1, 0}, map[string]string{"vessel": "MV Sentinel"}),
		rec("e2", []float32{1, 0}, map[string]string{"vessel": "MV Nordic Wave"}),
	}}
	f := filter.Set{Equals: map[string]string{"vessel": "MV Sentinel"}}
	got, err := NewRetriever(src, 0).Search(context.Background(), KindEmail, []float32{1, 0}, f, 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"e1"}, ids(got))
	assert.Equal(t, "MV Sentinel", src.hint.Equals["vessel"])
}
