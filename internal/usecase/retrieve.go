package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"task2vec/internal/adapter/cache"
	"task2vec/internal/adapter/index"
	"task2vec/internal/domain"
	"task2vec/internal/metrics"
	"task2vec/internal/port"
)

// MaxQueryRunes caps free-text queries before they are embedded.
const MaxQueryRunes = 8000

// AnalyzeNeighbors is how many neighbours Analyze draws experts from.
const AnalyzeNeighbors = 20

const (
	analyzeDisplay = 5
	analyzeExperts = 3
)

// ErrNoSnapshot is returned by queries issued before the first Swap.
var ErrNoSnapshot = errors.New("no index snapshot loaded")

// Snapshot is one immutable serving state. It is replaced whole, never mutated.
type Snapshot struct {
	Index   *index.Index
	Labels  *domain.LabelTable
	BuiltAt time.Time
}

func (s *Snapshot) signals() map[string]domain.Signal {
	if s.Labels == nil {
		return nil
	}
	return s.Labels.Signals
}

type queryResult struct {
	neighbors []domain.Neighbor
	outcome   domain.Outcome
	analysis  domain.Analysis
}

// Service answers top-k and score queries against the current snapshot.
// Readers load the snapshot once per request, so a swap mid-request is invisible.
type Service struct {
	current  atomic.Pointer[Snapshot]
	scorer   *Scorer
	embedder port.Embedder
	results  *cache.QueryCache[queryResult]
	logger   *slog.Logger
}

// ServiceOptions configures result memoisation. A non-positive CacheSize
// disables it.
type ServiceOptions struct {
	CacheSize int
	CacheTTL  time.Duration
}

// NewService creates a service. embedder is only needed for the text variants.
func NewService(scorer *Scorer, embedder port.Embedder, opts ServiceOptions, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		scorer:   scorer,
		embedder: embedder,
		logger:   logger,
	}
	if opts.CacheSize > 0 {
		s.results = cache.NewQueryCache[queryResult](opts.CacheSize, opts.CacheTTL)
	}
	return s
}

// Swap installs next as the serving snapshot and drops memoised results.
func (s *Service) Swap(next *Snapshot) {
	if next == nil || next.Index == nil {
		s.logger.Warn("ignoring swap to an empty snapshot")
		return
	}
	prev := s.current.Swap(next)
	if s.results != nil {
		s.results.Invalidate()
	}
	metrics.IndexSwaps.Inc()
	metrics.IndexRows.Set(float64(next.Index.Len()))

	attrs := []any{"rows", next.Index.Len(), "generation", next.Index.Generation()}
	if prev != nil && prev.Index != nil {
		attrs = append(attrs, "previous_generation", prev.Index.Generation())
	}
	s.logger.Info("index snapshot swapped", attrs...)
}

// Snapshot returns the current snapshot, or nil before the first Swap.
func (s *Service) Snapshot() *Snapshot {
	return s.current.Load()
}

// Labels returns the outcome label enumeration in scoring order.
func (s *Service) Labels() []string {
	return s.scorer.Labels()
}

func (s *Service) load() (*Snapshot, error) {
	snap := s.current.Load()
	if snap == nil || snap.Index == nil {
		return nil, ErrNoSnapshot
	}
	return snap, nil
}

// TopK returns the k nearest rows to vector.
func (s *Service) TopK(ctx context.Context, vector []float32, k int) ([]domain.Neighbor, error) {
	defer observe("topk", time.Now())
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	snap, err := s.load()
	if err != nil {
		return nil, err
	}
	return snap.Index.TopK(vector, k)
}

// Score weighs the outcome labels of the n nearest rows to vector.
func (s *Service) Score(ctx context.Context, vector []float32, n int) (domain.Outcome, error) {
	defer observe("score", time.Now())
	if err := ctx.Err(); err != nil {
		return domain.Outcome{}, err
	}
	snap, err := s.load()
	if err != nil {
		return domain.Outcome{}, err
	}
	return s.scorer.Score(vector, snap.Index, snap.signals(), n)
}

// TopKByKey uses an indexed ticket's own vector as the query and leaves the
// ticket itself out of the result.
func (s *Service) TopKByKey(ctx context.Context, key string, k int) ([]domain.Neighbor, error) {
	defer observe("topk_key", time.Now())
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	snap, err := s.load()
	if err != nil {
		return nil, err
	}
	return neighborsOf(snap.Index, key, k)
}

// ScoreByKey scores an indexed ticket against its n nearest other tickets, so
// its own label does not count as evidence.
func (s *Service) ScoreByKey(ctx context.Context, key string, n int) (domain.Outcome, error) {
	defer observe("score_key", time.Now())
	if err := ctx.Err(); err != nil {
		return domain.Outcome{}, err
	}
	snap, err := s.load()
	if err != nil {
		return domain.Outcome{}, err
	}
	hits, err := neighborsOf(snap.Index, key, n)
	if err != nil {
		return domain.Outcome{}, err
	}
	return s.scorer.FromNeighbors(hits, snap.signals()), nil
}

func neighborsOf(idx *index.Index, key string, k int) ([]domain.Neighbor, error) {
	vec, _, ok := idx.Lookup(key)
	if !ok {
		return nil, fmt.Errorf("key %s is not a rankable index entry", key)
	}
	if k <= 0 {
		return []domain.Neighbor{}, nil
	}

	hits, err := idx.TopK(vec, k+1)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Neighbor, 0, k)
	for _, h := range hits {
		if h.Key == key {
			continue
		}
		if len(out) == k {
			break
		}
		out = append(out, h)
	}
	return out, nil
}

// TopKText embeds text and returns its k nearest rows.
func (s *Service) TopKText(ctx context.Context, text string, k int) ([]domain.Neighbor, error) {
	r, err := s.cached(ctx, "topk", text, k, func(snap *Snapshot, vec []float32) (queryResult, error) {
		hits, err := snap.Index.TopK(vec, k)
		return queryResult{neighbors: hits}, err
	})
	return r.neighbors, err
}

// ScoreText embeds text and scores it against the n nearest rows.
func (s *Service) ScoreText(ctx context.Context, text string, n int) (domain.Outcome, error) {
	r, err := s.cached(ctx, "score", text, n, func(snap *Snapshot, vec []float32) (queryResult, error) {
		out, err := s.scorer.Score(vec, snap.Index, snap.signals(), n)
		return queryResult{outcome: out}, err
	})
	return r.outcome, err
}

// AnalyzeText embeds text and describes its neighbourhood.
func (s *Service) AnalyzeText(ctx context.Context, text string) (domain.Analysis, error) {
	r, err := s.cached(ctx, "analyze", text, AnalyzeNeighbors, func(snap *Snapshot, vec []float32) (queryResult, error) {
		a, err := analyze(snap.Index, vec)
		return queryResult{analysis: a}, err
	})
	return r.analysis, err
}

// Analyze describes the neighbourhood of vector: the closest tickets, the
// assignees who appear most often nearby, the majority cluster and an
// estimated projection position.
func (s *Service) Analyze(ctx context.Context, vector []float32) (domain.Analysis, error) {
	defer observe("analyze", time.Now())
	if err := ctx.Err(); err != nil {
		return domain.Analysis{}, err
	}
	snap, err := s.load()
	if err != nil {
		return domain.Analysis{}, err
	}
	return analyze(snap.Index, vector)
}

func (s *Service) cached(ctx context.Context, op, text string, k int, run func(*Snapshot, []float32) (queryResult, error)) (queryResult, error) {
	defer observe(op+"_text", time.Now())

	if s.embedder == nil {
		return queryResult{}, errors.New("text queries need an embedder")
	}
	text = domain.TruncateRunes(strings.TrimSpace(text), MaxQueryRunes)
	if text == "" {
		return queryResult{}, errors.New("empty query text")
	}

	key := cache.Key(op, text, k)
	var gen uint64
	if s.results != nil {
		if r, ok := s.results.Get(key); ok {
			return r, nil
		}
		gen = s.results.Generation()
	}

	snap, err := s.load()
	if err != nil {
		return queryResult{}, err
	}

	vecs, err := s.embedder.Embed(ctx, []string{text})
	if err != nil {
		return queryResult{}, fmt.Errorf("failed to embed query: %w", err)
	}
	if len(vecs) != 1 {
		return queryResult{}, fmt.Errorf("embedding returned %d vectors for one query", len(vecs))
	}

	r, err := run(snap, vecs[0])
	if err != nil {
		return queryResult{}, err
	}
	if s.results != nil {
		s.results.Put(key, gen, r)
	}
	return r, nil
}

func analyze(idx *index.Index, vector []float32) (domain.Analysis, error) {
	hits, err := idx.TopK(vector, AnalyzeNeighbors)
	if err != nil {
		return domain.Analysis{}, err
	}

	a := domain.Analysis{Cluster: -1, Experts: []domain.Expert{}}
	if len(hits) == 0 {
		a.Similar = []domain.Neighbor{}
		return a, nil
	}
	a.TopSimilarity = hits[0].Similarity
	nearest := hits[:min(analyzeDisplay, len(hits))]
	a.Similar = append([]domain.Neighbor(nil), nearest...)
	a.Experts = topAssignees(hits, analyzeExperts)
	a.Cluster = majorityCluster(nearest)
	a.Pos = meanPosition(nearest)
	return a, nil
}

// topAssignees counts assignees across hits; equal counts keep first-seen order.
func topAssignees(hits []domain.Neighbor, n int) []domain.Expert {
	var experts []domain.Expert
	pos := make(map[string]int)
	for _, h := range hits {
		name := h.Metadata.Assignee
		if name == "" {
			continue
		}
		if i, ok := pos[name]; ok {
			experts[i].Count++
			continue
		}
		pos[name] = len(experts)
		experts = append(experts, domain.Expert{Name: name, Count: 1})
	}
	sort.SliceStable(experts, func(i, j int) bool { return experts[i].Count > experts[j].Count })
	if len(experts) > n {
		experts = experts[:n]
	}
	if experts == nil {
		experts = []domain.Expert{}
	}
	return experts
}

// majorityCluster votes over hits; ties go to the cluster seen first.
func majorityCluster(hits []domain.Neighbor) int {
	counts := make(map[int]int)
	var seen []int
	for _, h := range hits {
		c := h.Metadata.Cluster
		if c < 0 {
			continue
		}
		if counts[c] == 0 {
			seen = append(seen, c)
		}
		counts[c]++
	}
	best, bestN := -1, 0
	for _, c := range seen {
		if counts[c] > bestN {
			best, bestN = c, counts[c]
		}
	}
	return best
}

func meanPosition(hits []domain.Neighbor) *domain.Position {
	var sx, sy float64
	n := 0
	for _, h := range hits {
		if h.Metadata.Pos == nil {
			continue
		}
		sx += h.Metadata.Pos.X
		sy += h.Metadata.Pos.Y
		n++
	}
	if n == 0 {
		return nil
	}
	return &domain.Position{X: sx / float64(n), Y: sy / float64(n)}
}

func observe(op string, start time.Time) {
	metrics.QueryLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
