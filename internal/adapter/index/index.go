// Package index implements the read-only similarity index: L2-normalised rows,
// brute-force dot products and deterministic top-k selection.
package index

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/sync/errgroup"
	"task2vec/internal/domain"
)

// minNorm is the norm below which a vector is treated as having no direction.
const minNorm = 1e-12

// parallelRows is the row count above which scoring is split across goroutines.
const parallelRows = 4096

var generations atomic.Uint64

// BuildOptions filters which cache keys enter the index.
type BuildOptions struct {
	Includes []string // doublestar patterns; empty means all keys
	Excludes []string
	Workers  int // 0 means GOMAXPROCS
}

// Index is immutable once built; all methods are safe for concurrent use.
type Index struct {
	keys       []string
	vectors    domain.Matrix
	rankable   []bool
	nRankable  int
	meta       []domain.Metadata
	pos        map[string]int
	workers    int
	generation uint64
	builtAt    time.Time
}

// Build takes ownership of vectors and normalises its rows in place.
// Rows with zero norm stay in the index but are never ranked.
func Build(keys []string, vectors domain.Matrix, meta map[string]domain.Metadata, opts BuildOptions) (*Index, error) {
	if vectors.Rows() != len(keys) {
		return nil, fmt.Errorf("index build: %d keys but %d vectors", len(keys), vectors.Rows())
	}
	if len(keys) > 0 && vectors.Dim <= 0 {
		return nil, fmt.Errorf("index build: invalid vector width %d", vectors.Dim)
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	keys, vectors, err := filterRows(keys, vectors, opts)
	if err != nil {
		return nil, err
	}

	idx := &Index{
		keys:       keys,
		vectors:    vectors,
		rankable:   make([]bool, len(keys)),
		meta:       make([]domain.Metadata, len(keys)),
		pos:        make(map[string]int, len(keys)),
		workers:    workers,
		generation: generations.Add(1),
		builtAt:    time.Now(),
	}

	for i, k := range keys {
		if _, dup := idx.pos[k]; dup {
			return nil, fmt.Errorf("index build: duplicate key %q", k)
		}
		idx.pos[k] = i
		if m, ok := meta[k]; ok {
			idx.meta[i] = m
		} else {
			idx.meta[i] = domain.Metadata{Cluster: -1}
		}
	}

	err = forShards(context.Background(), len(keys), workers, func(lo, hi int) error {
		for i := lo; i < hi; i++ {
			idx.rankable[i] = normalize(vectors.Row(i))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, ok := range idx.rankable {
		if ok {
			idx.nRankable++
		}
	}
	return idx, nil
}

func filterRows(keys []string, vectors domain.Matrix, opts BuildOptions) ([]string, domain.Matrix, error) {
	for _, p := range append(append([]string{}, opts.Includes...), opts.Excludes...) {
		if !doublestar.ValidatePattern(p) {
			return nil, vectors, fmt.Errorf("index build: invalid key pattern %q", p)
		}
	}
	if len(opts.Includes) == 0 && len(opts.Excludes) == 0 {
		return append([]string(nil), keys...), vectors, nil
	}

	kept := keys[:0:0]
	out := 0
	for i, k := range keys {
		if !keep(k, opts) {
			continue
		}
		if out != i {
			copy(vectors.Row(out), vectors.Row(i))
		}
		kept = append(kept, k)
		out++
	}
	vectors.Data = vectors.Data[:out*vectors.Dim]
	return kept, vectors, nil
}

func keep(key string, opts BuildOptions) bool {
	if len(opts.Includes) > 0 && !matchAny(opts.Includes, key) {
		return false
	}
	return !matchAny(opts.Excludes, key)
}

func matchAny(patterns []string, key string) bool {
	for _, p := range patterns {
		if ok, err := doublestar.Match(p, key); err == nil && ok {
			return true
		}
	}
	return false
}

// normalize scales v to unit length and reports whether it has a direction.
// Vectors without one are zeroed.
func normalize(v []float32) bool {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	norm := math.Sqrt(sum)
	if norm < minNorm || math.IsNaN(norm) || math.IsInf(norm, 0) {
		for i := range v {
			v[i] = 0
		}
		return false
	}
	for i, x := range v {
		v[i] = float32(float64(x) / norm)
	}
	return true
}

// TopK returns the k most similar rankable rows, ordered by similarity
// descending with ties broken by key ascending.
// A zero query is rejected before the index is consulted.
func (x *Index) TopK(query []float32, k int) ([]domain.Neighbor, error) {
	q, err := unitQuery(query)
	if err != nil {
		return nil, err
	}
	if x.nRankable == 0 {
		return nil, ErrEmptyIndex
	}
	if len(query) != x.vectors.Dim {
		return nil, &QueryDimensionError{Expected: x.vectors.Dim, Actual: len(query)}
	}
	if k <= 0 {
		return []domain.Neighbor{}, nil
	}

	scores := make([]float64, len(x.keys))
	score := func(lo, hi int) error {
		for i := lo; i < hi; i++ {
			if x.rankable[i] {
				scores[i] = dot(x.vectors.Row(i), q)
			}
		}
		return nil
	}
	if len(x.keys) >= parallelRows && x.workers > 1 {
		if err := forShards(context.Background(), len(x.keys), x.workers, score); err != nil {
			return nil, err
		}
	} else {
		_ = score(0, len(x.keys))
	}

	best := selectTop(x.keys, scores, x.rankable, k)
	out := make([]domain.Neighbor, len(best))
	for i, c := range best {
		out[i] = domain.Neighbor{
			Key:        x.keys[c.row],
			Similarity: c.sim,
			Metadata:   x.meta[c.row],
		}
	}
	return out, nil
}

func unitQuery(query []float32) ([]float64, error) {
	var sum float64
	for _, v := range query {
		sum += float64(v) * float64(v)
	}
	norm := math.Sqrt(sum)
	if norm < minNorm || math.IsNaN(norm) || math.IsInf(norm, 0) {
		return nil, &ZeroVectorError{Norm: norm}
	}
	q := make([]float64, len(query))
	for i, v := range query {
		q[i] = float64(v) / norm
	}
	return q, nil
}

func dot(row []float32, q []float64) float64 {
	var s float64
	for i, v := range row {
		s += float64(v) * q[i]
	}
	return s
}

// forShards runs fn over [0,n) split into at most workers contiguous ranges.
func forShards(ctx context.Context, n, workers int, fn func(lo, hi int) error) error {
	if n == 0 {
		return nil
	}
	if workers > n {
		workers = n
	}
	size := (n + workers - 1) / workers

	g, _ := errgroup.WithContext(ctx)
	for lo := 0; lo < n; lo += size {
		lo, hi := lo, min(lo+size, n)
		g.Go(func() error { return fn(lo, hi) })
	}
	return g.Wait()
}

// Lookup returns a copy of the normalised vector and the metadata for key.
// ok is false when the key is absent or its row is unrankable.
func (x *Index) Lookup(key string) ([]float32, domain.Metadata, bool) {
	i, found := x.pos[key]
	if !found || !x.rankable[i] {
		return nil, domain.Metadata{}, false
	}
	v := make([]float32, x.vectors.Dim)
	copy(v, x.vectors.Row(i))
	return v, x.meta[i], true
}

// Contains reports whether key has a row, rankable or not.
func (x *Index) Contains(key string) bool {
	_, ok := x.pos[key]
	return ok
}

func (x *Index) Len() int { return len(x.keys) }

func (x *Index) Rankable() int { return x.nRankable }

func (x *Index) Dim() int { return x.vectors.Dim }

// Generation is unique per built index within a process.
func (x *Index) Generation() uint64 { return x.generation }

func (x *Index) Stats() domain.IndexStats {
	return domain.IndexStats{
		Rows:       len(x.keys),
		Rankable:   x.nRankable,
		Dim:        x.vectors.Dim,
		Generation: x.generation,
		BuiltAt:    x.builtAt,
	}
}
