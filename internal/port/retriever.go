package port

import "task2vec/internal/domain"

// NeighborSearcher answers top-k similarity queries over an immutable index.
type NeighborSearcher interface {
	// TopK returns up to k neighbours ordered by similarity desc, key asc.
	TopK(query []float32, k int) ([]domain.Neighbor, error)
}
