package index

import (
	"errors"
	"fmt"
)

// ErrEmptyIndex is returned by queries against an index with no rankable rows.
var ErrEmptyIndex = errors.New("similarity index is empty")

// ZeroVectorError rejects a query with no defined direction.
type ZeroVectorError struct {
	Norm float64
}

func (e *ZeroVectorError) Error() string {
	return fmt.Sprintf("query vector has no direction (norm %g)", e.Norm)
}

// QueryDimensionError rejects a query whose width differs from the index.
type QueryDimensionError struct {
	Expected int
	Actual   int
}

func (e *QueryDimensionError) Error() string {
	return fmt.Sprintf("query dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}
