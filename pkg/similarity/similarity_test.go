package similarity

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCosine(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"length mismatch", []float32{1, 0}, []float32{1, 0, 0}, 0},
		{"zero vector", []float32{0, 0}, []float32{1, 1}, 0},
		{"empty", nil, nil, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Cosine(tt.a, tt.b), 1e-9)
		})
	}
}

func TestNormalized(t *testing.T) {
	v := Normalized([]float32{3, 4})
	assert.InDelta(t, 0.6, v[0], 1e-6)
	assert.InDelta(t, 0.8, v[1], 1e-6)
	assert.Equal(t, []float32{0, 0}, Normalized([]float32{0, 0}))
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"What's the Revenue?", "what the revenue"},
		{"  many   spaces\there ", "many space here"},
		{"Cats and dogs", "cat and dog"},
		{"revenue this month", "revenue thi month"},
		{"class pass", "class pass"},
		{"東京の会議は月曜日です", "東京の会議は月曜日です"},
		{"Привет, мир!", "привет мир"},
		{"?!", ""},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.in))
		})
	}
}

func TestNormalizeComposesUnicode(t *testing.T) {
	assert.Equal(t, Normalize("caf\u00e9 menu"), Normalize("cafe\u0301 menu"))
}

func TestNormalizeIsIdempotent(t *testing.T) {
	for _, q := range []string{"revenue this month", "Buses and classes", "東京 meetings", "s ss sss"} {
		once := Normalize(q)
		assert.Equal(t, once, Normalize(once), q)
	}
}

func TestTokenIndexNormalizesRawKeys(t *testing.T) {
	idx := NewTokenIndex()
	idx.Add("revenue this month")

	m, ok := idx.Best(context.Background(), "how much revenue this month", 0.6, nil)
	require.True(t, ok)
	assert.Equal(t, "revenue this month", m.Key)
	assert.InDelta(t, 0.6, m.Score, 1e-9)
}

func TestOverlap(t *testing.T) {
	key := QueryTokens("revenue this month")
	query := QueryTokens("how much revenue this month")

	assert.InDelta(t, 0.6, Overlap(key, query), 1e-9)
	assert.Equal(t, Overlap(key, query), Overlap(query, key))
	assert.Equal(t, 0.0, Overlap(TokenSet{}, TokenSet{}))
	assert.Equal(t, 1.0, Overlap(key, key))
}

func TestTokensDropsShortWords(t *testing.T) {
	set := Tokens("a an the revenue")
	_, hasThe := set["the"]
	_, hasAn := set["an"]
	assert.True(t, hasThe)
	assert.False(t, hasAn)
	assert.Len(t, set, 2)
}

func TestWords(t *testing.T) {
	assert.Equal(t, []string{"Deploy", "the", "service"}, Words("Deploy to the service"))
	assert.Empty(t, Words("a b"))
}

func TestTokenIndexBest(t *testing.T) {
	ctx := context.Background()
	idx := NewTokenIndex()
	idx.Add(Normalize("revenue this month"))
	idx.Add(Normalize("deploy pipeline failure"))

	m, ok := idx.Best(ctx, "how much revenue this month", 0.6, nil)
	require.True(t, ok)
	assert.Equal(t, "revenue thi month", m.Key)
	assert.InDelta(t, 0.6, m.Score, 1e-9)

	_, ok = idx.Best(ctx, "how much revenue", 0.6, nil)
	assert.False(t, ok)

	_, ok = idx.Best(ctx, "how much revenue this month", 0.6, func(string) bool { return false })
	assert.False(t, ok, "rejected keys are never returned")
}

func TestTokenIndexTieBreakIsDeterministic(t *testing.T) {
	idx := NewTokenIndex()
	idx.Add("beta alpha")
	idx.Add("alpha beta")

	for i := 0; i < 10; i++ {
		m, ok := idx.Best(context.Background(), "alpha beta", 0.5, nil)
		require.True(t, ok)
		assert.Equal(t, "alpha beta", m.Key)
	}
}

func TestTokenIndexRemoveAndReset(t *testing.T) {
	idx := NewTokenIndex()
	idx.Add("revenue thi month")
	idx.Add("revenue thi month")
	assert.Equal(t, 1, idx.Len())

	idx.Remove("revenue thi month")
	assert.Equal(t, 0, idx.Len())
	_, ok := idx.Best(context.Background(), "revenue this month", 0.1, nil)
	assert.False(t, ok)

	idx.Add("one two three")
	idx.Reset()
	assert.Equal(t, 0, idx.Len())
}

type staticEmbedder struct {
	vectors map[string][]float32
	calls   atomic.Int32
	err     error
}

func (e *staticEmbedder) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.GenerateEmbeddings(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (e *staticEmbedder) GenerateEmbeddings(_ context.Context, texts []string) ([][]float32, error) {
	e.calls.Add(int32(len(texts)))
	if e.err != nil {
		return nil, e.err
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		v, ok := e.vectors[text]
		if !ok {
			v = []float32{0, 0, 1}
		}
		out[i] = v
	}
	return out, nil
}

func TestVectorIndexBest(t *testing.T) {
	emb := &staticEmbedder{vectors: map[string][]float32{
		"quarterly income":  {1, 0, 0},
		"team offsite plan": {0, 1, 0},
		"how much money":    {0.9, 0.1, 0},
	}}
	idx := NewVectorIndex(emb)
	idx.Add("quarterly income")
	idx.Add("team offsite plan")

	m, ok := idx.Best(context.Background(), "how much money", 0.75, nil)
	require.True(t, ok)
	assert.Equal(t, "quarterly income", m.Key)
	assert.Greater(t, m.Score, 0.75)

	before := emb.calls.Load()
	_, _ = idx.Best(context.Background(), "how much money", 0.75, nil)
	assert.Equal(t, before+1, emb.calls.Load(), "key vectors are memoized, only the query is embedded")
}

func TestVectorIndexThresholdIsStrict(t *testing.T) {
	emb := &staticEmbedder{vectors: map[string][]float32{
		"a": {1, 0},
		"b": {1, 0},
	}}
	idx := NewVectorIndex(emb)
	idx.Add("a")

	_, ok := idx.Best(context.Background(), "b", 1.0, nil)
	assert.False(t, ok)
}

func TestVectorIndexDegradesOnEmbedderFailure(t *testing.T) {
	emb := &staticEmbedder{err: errors.New("embedder down")}
	idx := NewVectorIndex(emb)
	idx.Add("anything")

	_, ok := idx.Best(context.Background(), "anything", 0.1, nil)
	assert.False(t, ok)
}

func TestVectorIndexSkipsEmbeddingWhenNothingAccepted(t *testing.T) {
	emb := &staticEmbedder{}
	idx := NewVectorIndex(emb)
	idx.Add("expired key")

	_, ok := idx.Best(context.Background(), "query", 0.1, func(string) bool { return false })
	assert.False(t, ok)
	assert.Equal(t, int32(0), emb.calls.Load())
}
