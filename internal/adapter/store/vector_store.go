package store

import (
	"task2vec/internal/domain"
)

// Mode controls how Add treats keys that are already present.
type Mode int

const (
	// Strict rejects re-adding an existing key.
	Strict Mode = iota
	// LastWriteWins overwrites the stored vector in place.
	LastWriteWins
)

func (m Mode) String() string {
	if m == LastWriteWins {
		return "last-write-wins"
	}
	return "strict"
}

// VectorCache is the in-memory key -> vector map backing the snapshot file.
// Rows live in one contiguous buffer; index maps a key to its row.
// It is not safe for concurrent mutation; a single writer owns it.
type VectorCache struct {
	mode  Mode
	model string
	dim   int
	keys  []string
	index map[string]int
	data  []float32
}

// New creates an empty cache.
func New(mode Mode) *VectorCache {
	return &VectorCache{
		mode:  mode,
		index: make(map[string]int),
	}
}

// Missing returns the keys not present in the cache, in input order.
// Keys repeated in the input are reported once.
func (c *VectorCache) Missing(keys []string) []string {
	var missing []string
	seen := make(map[string]struct{})
	for _, k := range keys {
		if _, ok := c.index[k]; ok {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		missing = append(missing, k)
	}
	return missing
}

// Has reports whether key is cached.
func (c *VectorCache) Has(key string) bool {
	_, ok := c.index[key]
	return ok
}

// Add appends (key, vector) pairs. All input is validated before the cache is
// touched, so a failed Add leaves it unchanged.
func (c *VectorCache) Add(keys []string, vectors [][]float32) error {
	if len(vectors) != len(keys) {
		return &DimensionMismatchError{Expected: len(keys), Actual: len(vectors), RowCount: true}
	}
	if len(keys) == 0 {
		return nil
	}

	dim := c.dim
	if dim == 0 {
		dim = len(vectors[0])
	}
	inCall := make(map[string]struct{}, len(keys))
	for i, k := range keys {
		if len(vectors[i]) != dim || dim == 0 {
			return &DimensionMismatchError{Key: k, Expected: dim, Actual: len(vectors[i])}
		}
		if c.mode == Strict {
			if _, ok := c.index[k]; ok {
				return &DuplicateKeyError{Key: k}
			}
			if _, ok := inCall[k]; ok {
				return &DuplicateKeyError{Key: k}
			}
		}
		inCall[k] = struct{}{}
	}

	c.dim = dim
	for i, k := range keys {
		if row, ok := c.index[k]; ok {
			copy(c.row(row), vectors[i])
			continue
		}
		c.index[k] = len(c.keys)
		c.keys = append(c.keys, k)
		c.data = append(c.data, vectors[i]...)
	}
	return nil
}

// Get returns the keys found, in request order, with a fresh copy of their vectors.
// Callers compare len(found) with len(keys) to detect misses.
func (c *VectorCache) Get(keys []string) ([]string, domain.Matrix) {
	found := make([]string, 0, len(keys))
	m := domain.Matrix{Dim: c.dim, Data: make([]float32, 0, len(keys)*c.dim)}
	for _, k := range keys {
		row, ok := c.index[k]
		if !ok {
			continue
		}
		found = append(found, k)
		m.Data = append(m.Data, c.row(row)...)
	}
	return found, m
}

// All returns every key in insertion order with a copy of the full matrix.
func (c *VectorCache) All() ([]string, domain.Matrix) {
	keys := make([]string, len(c.keys))
	copy(keys, c.keys)
	data := make([]float32, len(c.data))
	copy(data, c.data)
	return keys, domain.Matrix{Dim: c.dim, Data: data}
}

// Truncate drops every row appended after the first n. It undoes appends only;
// in-place overwrites made in LastWriteWins mode are not reverted.
func (c *VectorCache) Truncate(n int) {
	if n < 0 || n >= len(c.keys) {
		return
	}
	for _, k := range c.keys[n:] {
		delete(c.index, k)
	}
	c.keys = c.keys[:n]
	c.data = c.data[:n*c.dim]
}

func (c *VectorCache) Len() int { return len(c.keys) }

func (c *VectorCache) Dim() int { return c.dim }

func (c *VectorCache) Mode() Mode { return c.mode }

// Model returns the embedding model the vectors came from, if recorded.
func (c *VectorCache) Model() string { return c.model }

func (c *VectorCache) SetModel(model string) { c.model = model }

func (c *VectorCache) row(i int) []float32 {
	return c.data[i*c.dim : (i+1)*c.dim]
}
