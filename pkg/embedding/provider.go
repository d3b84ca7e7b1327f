// Package embedding turns text into vectors. Providers are interchangeable;
// callers treat every failure as "no embedding available" and degrade.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/harun/memgate/internal/observability"
)

// ErrUnavailable wraps every provider failure.
var ErrUnavailable = errors.New("embedding unavailable")

// Provider generates vector embeddings from text
type Provider interface {
	GenerateEmbedding(ctx context.Context, text string) ([]float32, error)
	GenerateEmbeddings(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// Instrumented records metrics for every call to the wrapped provider and
// wraps its errors in ErrUnavailable.
type Instrumented struct {
	name     string
	provider Provider
	timeout  time.Duration
}

// Instrument wraps p. A positive timeout bounds every call.
func Instrument(name string, p Provider, timeout time.Duration) *Instrumented {
	observability.EnsureRegistered()
	return &Instrumented{name: name, provider: p, timeout: timeout}
}

func (i *Instrumented) Dimension() int {
	return i.provider.Dimension()
}

func (i *Instrumented) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	vecs, err := i.GenerateEmbeddings(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (i *Instrumented) GenerateEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if i.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, i.timeout)
		defer cancel()
	}

	start := time.Now()
	vecs, err := i.provider.GenerateEmbeddings(ctx, texts)
	if err == nil && len(vecs) != len(texts) {
		err = fmt.Errorf("expected %d embeddings, got %d", len(texts), len(vecs))
	}
	observability.RecordEmbeddingCall(i.name, time.Since(start), err == nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, i.name, err)
	}
	return vecs, nil
}
