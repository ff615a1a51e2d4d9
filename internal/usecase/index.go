package usecase

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"task2vec/internal/adapter/index"
	"task2vec/internal/adapter/store"
	"task2vec/internal/domain"
	"task2vec/internal/port"
)

// Builder produces serving snapshots from the cache file plus the metadata
// and label side tables. It never touches the snapshot currently served.
type Builder struct {
	cachePath string
	mode      store.Mode
	meta      port.MetadataSource
	labels    port.LabelSource
	opts      index.BuildOptions
	logger    *slog.Logger
}

// NewBuilder creates a builder. meta and labels may be nil.
func NewBuilder(
	cachePath string,
	mode store.Mode,
	meta port.MetadataSource,
	labels port.LabelSource,
	opts index.BuildOptions,
	logger *slog.Logger,
) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{
		cachePath: cachePath,
		mode:      mode,
		meta:      meta,
		labels:    labels,
		opts:      opts,
		logger:    logger,
	}
}

// BuildResult describes one snapshot build.
type BuildResult struct {
	CacheRows int
	Indexed   int
	Rankable  int
	Labelled  int
	Duration  time.Duration
}

// Build loads the cache from disk and returns a fresh snapshot.
func (b *Builder) Build(ctx context.Context) (*Snapshot, *BuildResult, error) {
	start := time.Now()

	c, err := store.Load(b.cachePath, b.mode)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load cache: %w", err)
	}
	return b.BuildFrom(ctx, c, start)
}

// BuildFrom indexes an already loaded cache.
func (b *Builder) BuildFrom(ctx context.Context, c *store.VectorCache, start time.Time) (*Snapshot, *BuildResult, error) {
	var meta map[string]domain.Metadata
	if b.meta != nil {
		var err error
		meta, err = b.meta.Load(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load metadata: %w", err)
		}
	}

	table, err := b.loadLabels()
	if err != nil {
		return nil, nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	keys, vectors := c.All()
	idx, err := index.Build(keys, vectors, meta, b.opts)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build index: %w", err)
	}

	result := &BuildResult{
		CacheRows: c.Len(),
		Indexed:   idx.Len(),
		Rankable:  idx.Rankable(),
		Duration:  time.Since(start),
	}
	for key := range table.Signals {
		if idx.Contains(key) {
			result.Labelled++
		}
	}

	b.logger.Info("index built",
		"cache_rows", result.CacheRows,
		"indexed", result.Indexed,
		"rankable", result.Rankable,
		"labelled", result.Labelled,
		"metadata", len(meta),
		"duration", result.Duration,
	)

	return &Snapshot{Index: idx, Labels: table, BuiltAt: time.Now()}, result, nil
}

func (b *Builder) loadLabels() (*domain.LabelTable, error) {
	empty := &domain.LabelTable{Signals: map[string]domain.Signal{}}
	if b.labels == nil {
		return empty, nil
	}
	table, err := b.labels.LoadLabels()
	if errors.Is(err, fs.ErrNotExist) {
		b.logger.Warn("no outcome labels found, scores will fall back to uniform")
		return empty, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load labels: %w", err)
	}
	return table, nil
}
