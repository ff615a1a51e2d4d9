package index

import (
	"container/heap"
	"sort"
)

type candidate struct {
	row int
	sim float64
	key string
}

// better is the total ranking order: similarity desc, then key asc.
func better(a, b candidate) bool {
	if a.sim != b.sim {
		return a.sim > b.sim
	}
	return a.key < b.key
}

// worstFirst is a heap whose root is the lowest-ranked candidate kept so far.
type worstFirst []candidate

func (h worstFirst) Len() int           { return len(h) }
func (h worstFirst) Less(i, j int) bool { return better(h[j], h[i]) }
func (h worstFirst) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *worstFirst) Push(x any)        { *h = append(*h, x.(candidate)) }
func (h *worstFirst) Pop() any {
	old := *h
	c := old[len(old)-1]
	*h = old[:len(old)-1]
	return c
}

func selectTop(keys []string, scores []float64, rankable []bool, k int) []candidate {
	h := make(worstFirst, 0, min(k, len(keys)))
	for i, ok := range rankable {
		if !ok {
			continue
		}
		c := candidate{row: i, sim: scores[i], key: keys[i]}
		if len(h) < k {
			heap.Push(&h, c)
			continue
		}
		if better(c, h[0]) {
			h[0] = c
			heap.Fix(&h, 0)
		}
	}

	out := []candidate(h)
	sort.Slice(out, func(i, j int) bool { return better(out[i], out[j]) })
	return out
}
