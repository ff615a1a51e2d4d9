package embedding

import (
	"context"
	"hash/fnv"
	"sync/atomic"
)

// MockEmbedder produces deterministic vectors without network access.
// Each text seeds an FNV hash that is expanded into dimension components.
type MockEmbedder struct {
	dimension int
	calls     atomic.Int64
}

func NewMockEmbedder(dimension int) *MockEmbedder {
	if dimension <= 0 {
		dimension = 64
	}
	return &MockEmbedder{dimension: dimension}
}

func (e *MockEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.calls.Add(1)

	embeddings := make([][]float32, len(texts))
	for i, text := range texts {
		h := fnv.New64a()
		h.Write([]byte(text))
		state := h.Sum64() | 1

		v := make([]float32, e.dimension)
		for j := range v {
			// xorshift64
			state ^= state << 13
			state ^= state >> 7
			state ^= state << 17
			v[j] = float32(int64(state>>11)%2001-1000) / 1000
		}
		embeddings[i] = v
	}
	return embeddings, nil
}

// Calls returns how many times Embed has been invoked.
func (e *MockEmbedder) Calls() int {
	return int(e.calls.Load())
}

func (e *MockEmbedder) Dimension() int {
	return e.dimension
}

func (e *MockEmbedder) ModelName() string {
	return "mock"
}
