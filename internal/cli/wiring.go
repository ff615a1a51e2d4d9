package cli

import (
	"fmt"
	"time"

	"github.com/schollz/progressbar/v3"
	"task2vec/config"
	"task2vec/internal/adapter/embedding"
	"task2vec/internal/adapter/index"
	"task2vec/internal/adapter/metadata"
	"task2vec/internal/adapter/store"
	"task2vec/internal/port"
	"task2vec/internal/usecase"
)

func cacheMode(cfg *config.Config) store.Mode {
	if cfg.Cache.Strict {
		return store.Strict
	}
	return store.LastWriteWins
}

// newBuilder wires the snapshot builder to the configured cache and side tables.
func newBuilder(cfg *config.Config, dir string) (*usecase.Builder, error) {
	meta, err := metadata.Open(cfg.MetadataPath(dir), cfg.Index.MetadataTable, cfg.Index.SummaryMaxLen)
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata: %w", err)
	}

	var labels port.LabelSource
	if p := cfg.LabelsPath(dir); p != "" {
		labels = metadata.NewLabelFile(p, cfg.Score.Labels)
	}

	opts := index.BuildOptions{Includes: cfg.Index.Includes, Excludes: cfg.Index.Excludes}
	return usecase.NewBuilder(cfg.CachePath(dir), cacheMode(cfg), meta, labels, opts, logger), nil
}

// newService builds the query service and its first snapshot. withEmbedder
// is false for commands that only query by key.
func newService(cfg *config.Config, dir string, withEmbedder bool) (*usecase.Service, *usecase.Builder, error) {
	scorer, err := usecase.NewScorer(cfg.Score.Labels, cfg.Score.FallbackLabel)
	if err != nil {
		return nil, nil, err
	}

	var embedder port.Embedder
	if withEmbedder {
		embedder, err = embedding.NewFromConfig(cfg.Embedding, logger)
		if err != nil {
			return nil, nil, err
		}
	}

	builder, err := newBuilder(cfg, dir)
	if err != nil {
		return nil, nil, err
	}

	svc := usecase.NewService(scorer, embedder, usecase.ServiceOptions{
		CacheSize: cfg.Score.QueryCache,
		CacheTTL:  cfg.Score.QueryCacheTTL,
	}, logger)
	return svc, builder, nil
}

func newProgressBar(total int, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(total,
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowBytes(false),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowCount(),
		progressbar.OptionSetDescription("[cyan]"+description+"[reset]"),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "[green]=[reset]",
			SaucerHead:    "[green]>[reset]",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
		progressbar.OptionOnCompletion(func() {
			fmt.Println()
		}),
	)
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return "<1s"
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm%ds", m, s)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	return fmt.Sprintf("%dh%dm", h, m)
}
