package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"math/rand"
	"sync/atomic"
)

// =============================================================================
// MOCK EMBEDDING ENGINE
// =============================================================================

// MockEngine produces deterministic unit vectors without a network. The
// same text always embeds to the same vector. Used by tests and by the
// validator's offline self-check.
type MockEngine struct {
	dim   int
	calls atomic.Int64

	// Err, when set, is returned by every call.
	Err error
}

// NewMockEngine returns a mock engine emitting vectors of length dim.
func NewMockEngine(dim int) *MockEngine {
	if dim <= 0 {
		dim = 768
	}
	return &MockEngine{dim: dim}
}

// Embed returns a deterministic unit vector derived from the text.
func (e *MockEngine) Embed(_ context.Context, text string) ([]float32, error) {
	e.calls.Add(1)
	if e.Err != nil {
		return nil, e.Err
	}

	h := fnv.New64a()
	h.Write([]byte(text))
	rng := rand.New(rand.NewSource(int64(h.Sum64())))

	vec := make([]float32, e.dim)
	var norm float64
	for i := range vec {
		vec[i] = float32(rng.NormFloat64())
		norm += float64(vec[i]) * float64(vec[i])
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		vec[0] = 1
		return vec, nil
	}
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec, nil
}

// EmbedBatch embeds each text with Embed.
func (e *MockEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vecs := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := e.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		vecs[i] = vec
	}
	return vecs, nil
}

// Dimensions returns the configured dimensionality.
func (e *MockEngine) Dimensions() int { return e.dim }

// Name returns the engine name.
func (e *MockEngine) Name() string { return "mock" }

// Calls returns how many Embed calls were made.
func (e *MockEngine) Calls() int64 { return e.calls.Load() }

// HealthCheck always succeeds unless Err is set.
func (e *MockEngine) HealthCheck(context.Context) error { return e.Err }
