package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"task2vec/internal/adapter/embedding"
	"task2vec/internal/adapter/store"
	"task2vec/internal/domain"
	"task2vec/internal/metrics"
	"task2vec/internal/port"
)

// EmbeddingFailedError identifies the batch whose embedding call failed.
// Progress flushed by earlier checkpoints is kept; re-running resumes from it.
type EmbeddingFailedError struct {
	Keys      []string
	Retryable bool
	Err       error
}

func (e *EmbeddingFailedError) Error() string {
	first := ""
	if len(e.Keys) > 0 {
		first = e.Keys[0]
	}
	kind := "permanent"
	if e.Retryable {
		kind = "retryable"
	}
	return fmt.Sprintf("embedding failed (%s) for batch of %d keys starting at %s: %v", kind, len(e.Keys), first, e.Err)
}

func (e *EmbeddingFailedError) Unwrap() error { return e.Err }

// Checkpointer makes embedded vectors durable: add to the cache, save the
// snapshot, record the position in the writer journal.
type Checkpointer struct {
	cache  *store.VectorCache
	path   string
	lock   *store.WriterLock
	logger *slog.Logger
	saves  int
}

// NewCheckpointer creates a checkpointer. lock may be nil.
func NewCheckpointer(cache *store.VectorCache, path string, lock *store.WriterLock, logger *slog.Logger) *Checkpointer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Checkpointer{cache: cache, path: path, lock: lock, logger: logger}
}

// Flush persists keys/vectors. If the save fails the in-memory add is undone,
// so memory and disk stay equal.
func (c *Checkpointer) Flush(keys []string, vectors [][]float32) error {
	if len(keys) == 0 {
		return nil
	}

	before := c.cache.Len()
	if err := c.cache.Add(keys, vectors); err != nil {
		return fmt.Errorf("checkpoint rejected: %w", err)
	}
	if err := c.cache.Save(c.path); err != nil {
		c.cache.Truncate(before)
		return fmt.Errorf("checkpoint save failed: %w", err)
	}
	c.saves++

	metrics.Checkpoints.Inc()
	metrics.CacheRows.Set(float64(c.cache.Len()))
	c.logger.Info("checkpoint flushed", "items", len(keys), "cache_rows", c.cache.Len())

	if c.lock != nil {
		if err := c.lock.RecordCheckpoint(len(keys), c.cache.Len()); err != nil {
			c.logger.Warn("failed to record checkpoint in journal", "error", err)
		}
	}
	return nil
}

// Persist saves the cache as it is, even with nothing new to flush.
func (c *Checkpointer) Persist() error {
	if err := c.cache.Save(c.path); err != nil {
		return fmt.Errorf("cache save failed: %w", err)
	}
	c.saves++
	metrics.CacheRows.Set(float64(c.cache.Len()))
	c.logger.Info("cache saved", "cache_rows", c.cache.Len(), "model", c.cache.Model())
	return nil
}

// Saves counts successful writes of the cache file.
func (c *Checkpointer) Saves() int {
	return c.saves
}

// EmbedOptions tunes the pipeline.
type EmbedOptions struct {
	BatchSize       int
	CheckpointEvery int // items, not batches
	BatchTimeout    time.Duration
	// ForceSave writes the cache file at the end of a successful run even
	// when nothing was embedded, so a rebuilt cache replaces the old file.
	ForceSave bool
}

// ProgressFunc reports embedded-item progress over the missing set.
type ProgressFunc func(done, total int)

// Pipeline guarantees every requested key has exactly one cached vector,
// calling the embedder only for keys the cache does not hold.
type Pipeline struct {
	cache    *store.VectorCache
	embedder port.Embedder
	ckpt     *Checkpointer
	opts     EmbedOptions
	logger   *slog.Logger
	progress ProgressFunc
}

// NewPipeline creates a pipeline writing through ckpt.
func NewPipeline(cache *store.VectorCache, embedder port.Embedder, ckpt *Checkpointer, opts EmbedOptions, logger *slog.Logger) *Pipeline {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 128
	}
	if opts.CheckpointEvery <= 0 {
		opts.CheckpointEvery = 1000
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		cache:    cache,
		embedder: embedder,
		ckpt:     ckpt,
		opts:     opts,
		logger:   logger,
	}
}

// OnProgress registers a progress callback.
func (p *Pipeline) OnProgress(fn ProgressFunc) {
	p.progress = fn
}

// EmbedResult summarises one EnsureEmbedded call.
type EmbedResult struct {
	Requested int
	Missing   int
	Embedded  int
	Batches   int
}

// EnsureEmbedded returns keys aligned with items and their vectors from the cache,
// embedding whatever is missing first.
func (p *Pipeline) EnsureEmbedded(ctx context.Context, items []domain.Item) ([]string, domain.Matrix, error) {
	keys, m, _, err := p.Run(ctx, items)
	return keys, m, err
}

// Run is EnsureEmbedded with a summary of the work done.
func (p *Pipeline) Run(ctx context.Context, items []domain.Item) ([]string, domain.Matrix, *EmbedResult, error) {
	keys := make([]string, len(items))
	for i, it := range items {
		keys[i] = it.Key
	}

	result := &EmbedResult{Requested: len(items)}
	missing := p.cache.Missing(keys)
	result.Missing = len(missing)

	if len(missing) > 0 {
		p.logger.Info("embedding missing items",
			"missing", len(missing),
			"requested", len(items),
			"model", p.embedder.ModelName(),
		)
		if err := p.embedMissing(ctx, items, missing, result); err != nil {
			return nil, domain.Matrix{}, result, err
		}
	}
	if p.opts.ForceSave && p.ckpt.Saves() == 0 {
		if err := p.ckpt.Persist(); err != nil {
			return nil, domain.Matrix{}, result, err
		}
	}

	found, m := p.cache.Get(keys)
	if len(found) != len(keys) {
		return nil, domain.Matrix{}, result, fmt.Errorf("cache inconsistent: %d of %d keys still missing after embedding", len(keys)-len(found), len(keys))
	}
	return found, m, result, nil
}

func (p *Pipeline) embedMissing(ctx context.Context, items []domain.Item, missing []string, result *EmbedResult) error {
	texts := make(map[string]string, len(missing))
	for _, it := range items {
		if _, ok := texts[it.Key]; !ok {
			texts[it.Key] = it.Text
		}
	}

	var (
		pendingKeys []string
		pendingVecs [][]float32
		width       = p.cache.Dim()
		done        int
	)

	for start := 0; start < len(missing); start += p.opts.BatchSize {
		end := min(start+p.opts.BatchSize, len(missing))
		batch := missing[start:end]

		if err := ctx.Err(); err != nil {
			p.discard(len(pendingKeys))
			return fmt.Errorf("embedding interrupted: %w", err)
		}

		batchTexts := make([]string, len(batch))
		for i, k := range batch {
			batchTexts[i] = texts[k]
		}

		vecs, err := p.embedBatch(ctx, batch, batchTexts, &width)
		result.Batches++
		if err != nil {
			p.discard(len(pendingKeys))
			return err
		}

		pendingKeys = append(pendingKeys, batch...)
		pendingVecs = append(pendingVecs, vecs...)
		done += len(batch)

		if len(pendingKeys) >= p.opts.CheckpointEvery {
			if err := p.ckpt.Flush(pendingKeys, pendingVecs); err != nil {
				return err
			}
			result.Embedded += len(pendingKeys)
			pendingKeys, pendingVecs = nil, nil
		}

		if p.progress != nil {
			p.progress(done, len(missing))
		}
	}

	if err := p.ckpt.Flush(pendingKeys, pendingVecs); err != nil {
		return err
	}
	result.Embedded += len(pendingKeys)
	return nil
}

func (p *Pipeline) embedBatch(ctx context.Context, keys, texts []string, width *int) ([][]float32, error) {
	bctx := ctx
	if p.opts.BatchTimeout > 0 {
		var cancel context.CancelFunc
		bctx, cancel = context.WithTimeout(ctx, p.opts.BatchTimeout)
		defer cancel()
	}

	model := p.embedder.ModelName()
	start := time.Now()
	vecs, err := p.embedder.Embed(bctx, texts)
	metrics.EmbeddingLatency.WithLabelValues(model).Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.EmbeddingBatches.WithLabelValues(model, "error").Inc()
		return nil, &EmbeddingFailedError{Keys: keys, Retryable: embedding.IsRetryable(err), Err: err}
	}
	if len(vecs) != len(keys) {
		metrics.EmbeddingBatches.WithLabelValues(model, "malformed").Inc()
		return nil, &EmbeddingFailedError{Keys: keys, Err: fmt.Errorf("provider returned %d vectors for %d texts", len(vecs), len(keys))}
	}
	for i, v := range vecs {
		if len(v) == 0 {
			metrics.EmbeddingBatches.WithLabelValues(model, "malformed").Inc()
			return nil, &EmbeddingFailedError{Keys: keys, Err: fmt.Errorf("empty vector for key %s", keys[i])}
		}
		if *width == 0 {
			*width = len(v)
		}
		if len(v) != *width {
			metrics.EmbeddingBatches.WithLabelValues(model, "malformed").Inc()
			return nil, &EmbeddingFailedError{Keys: keys, Err: fmt.Errorf("vector for key %s has width %d, want %d", keys[i], len(v), *width)}
		}
	}

	metrics.EmbeddingBatches.WithLabelValues(model, "ok").Inc()
	metrics.EmbeddingItems.WithLabelValues(model).Add(float64(len(keys)))
	return vecs, nil
}

func (p *Pipeline) discard(pending int) {
	if pending > 0 {
		p.logger.Warn("discarding unflushed items", "items", pending)
	}
}
