package embedding

import (
	"context"
	"hash/fnv"
	"strings"
	"unicode/utf8"

	"github.com/harun/memgate/pkg/similarity"
)

// DefaultHashDimension is the vector size used by HashProvider.
const DefaultHashDimension = 256

// HashProvider is a local, deterministic embedder based on feature hashing of
// normalized tokens and adjacent token pairs. It needs no network and is used
// when no embedding service is configured.
type HashProvider struct {
	dimension int
}

func NewHashProvider(dimension int) *HashProvider {
	if dimension <= 0 {
		dimension = DefaultHashDimension
	}
	return &HashProvider{dimension: dimension}
}

func (p *HashProvider) Dimension() int {
	return p.dimension
}

func (p *HashProvider) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	return p.embed(text), nil
}

func (p *HashProvider) GenerateEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = p.embed(t)
	}
	return out, nil
}

func (p *HashProvider) embed(text string) []float32 {
	vec := make([]float32, p.dimension)
	var prev string
	for _, tok := range splitNormalized(similarity.Normalize(text)) {
		p.add(vec, tok, 1)
		if prev != "" {
			p.add(vec, prev+" "+tok, 0.5)
		}
		prev = tok
	}
	return similarity.Normalized(vec)
}

func (p *HashProvider) add(vec []float32, feature string, weight float32) {
	h := fnv.New64a()
	_, _ = h.Write([]byte(feature))
	sum := h.Sum64()
	idx := int(sum % uint64(p.dimension))
	if sum&(1<<63) != 0 {
		weight = -weight
	}
	vec[idx] += weight
}

func splitNormalized(s string) []string {
	var out []string
	for _, w := range strings.Fields(s) {
		if utf8.RuneCountInString(w) >= similarity.MinTokenLength {
			out = append(out, w)
		}
	}
	return out
}
