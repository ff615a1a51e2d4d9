package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"task2vec/config"
	"task2vec/internal/adapter/embedding"
	"task2vec/internal/adapter/fs"
	"task2vec/internal/adapter/store"
	"task2vec/internal/usecase"
)

var embedRebuild bool

var embedCmd = &cobra.Command{
	Use:   "embed <path>",
	Short: "Embed items the cache does not hold yet",
	Long: `Read {"key", "text"} records from a JSONL file or a directory of them and
embed every key missing from the vector cache. Progress is checkpointed, so an
interrupted run resumes where the last checkpoint left off.

The cache is stored in .task2vec/embeddings.db unless cache.path is set.

Examples:
  task2vec embed tickets.jsonl
  task2vec embed exports/ --rebuild`,
	Args: cobra.ExactArgs(1),
	RunE: runEmbed,
}

func init() {
	rootCmd.AddCommand(embedCmd)
	embedCmd.Flags().BoolVar(&embedRebuild, "rebuild", false, "discard the existing cache and embed everything again")
}

func runEmbed(cmd *cobra.Command, args []string) error {
	cfg := GetConfig()
	dir := GetRootDir()

	input, err := filepath.Abs(args[0])
	if err != nil {
		return fmt.Errorf("invalid path: %w", err)
	}
	if _, err := os.Stat(input); err != nil {
		return fmt.Errorf("path does not exist: %w", err)
	}

	if cfg.Cache.Path == "" {
		if err := config.EnsureDataDir(dir); err != nil {
			return fmt.Errorf("failed to create %s directory: %w", config.DataDirName, err)
		}
	}
	cachePath := cfg.CachePath(dir)

	lock, err := store.AcquireWriterLock(cachePath, cfg.Cache.LockTimeout)
	if err != nil {
		if errors.Is(err, store.ErrCacheLocked) {
			return fmt.Errorf("another embed run holds the cache: %w", err)
		}
		return err
	}
	defer lock.Release()

	embedder, err := embedding.NewFromConfig(cfg.Embedding, logger)
	if err != nil {
		return err
	}

	cache, err := openCache(cfg, cachePath, embedder.ModelName())
	if err != nil {
		return err
	}

	items, err := fs.NewWalker(nil, nil).Items(input)
	if err != nil {
		return fmt.Errorf("failed to read items: %w", err)
	}
	fmt.Printf("Read %d items from %s\n", len(items), input)

	if _, err := lock.BeginRun(embedder.ModelName(), cache.Len()); err != nil {
		return err
	}

	ckpt := usecase.NewCheckpointer(cache, cachePath, lock, logger)
	pipeline := usecase.NewPipeline(cache, embedder, ckpt, usecase.EmbedOptions{
		BatchSize:       cfg.Embedding.BatchSize,
		CheckpointEvery: cfg.Embedding.CheckpointEvery,
		BatchTimeout:    cfg.Embedding.BatchTimeout,
		ForceSave:       embedRebuild,
	}, logger)

	var (
		bar       *progressbar.ProgressBar
		barMu     sync.Mutex
		startTime time.Time
	)
	pipeline.OnProgress(func(done, total int) {
		barMu.Lock()
		defer barMu.Unlock()

		if bar == nil {
			startTime = time.Now()
			bar = newProgressBar(total, "Embedding")
		}
		bar.Set(done)

		if done > 0 {
			rate := float64(done) / time.Since(startTime).Seconds()
			if rate > 0 {
				eta := time.Duration(float64(total-done)/rate) * time.Second
				bar.Describe(fmt.Sprintf("[cyan]Embedding[reset] ETA: %s", formatDuration(eta)))
			}
		}
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	_, _, result, err := pipeline.Run(ctx, items)
	if err != nil {
		var failed *usecase.EmbeddingFailedError
		switch {
		case errors.As(err, &failed) && failed.Retryable:
			fmt.Printf("\nEmbedding stopped on a retryable error; rerun to resume from %d cached rows.\n", cache.Len())
		case errors.Is(err, context.Canceled):
			fmt.Printf("\nInterrupted; %d rows are checkpointed.\n", cache.Len())
		}
		return fmt.Errorf("embedding failed: %w", err)
	}

	if err := lock.Complete(); err != nil {
		logger.Warn("failed to close run journal", "error", err)
	}

	fmt.Printf("\nEmbedding complete:\n")
	fmt.Printf("  Items requested: %d\n", result.Requested)
	fmt.Printf("  Already cached:  %d\n", result.Requested-result.Missing)
	fmt.Printf("  Embedded:        %d in %d batches\n", result.Embedded, result.Batches)
	fmt.Printf("  Cache rows:      %d (dim %d, %s)\n", cache.Len(), cache.Dim(), cache.Mode())
	fmt.Printf("  Took:            %s\n", formatDuration(time.Since(start)))
	fmt.Printf("\nCache stored at: %s\n", cachePath)
	return nil
}

// openCache loads the cache for appending, starting over when --rebuild is
// set or when the stored snapshot cannot be extended with vectors from model.
func openCache(cfg *config.Config, path, model string) (*store.VectorCache, error) {
	mode := cacheMode(cfg)
	if embedRebuild {
		fmt.Println("Rebuilding cache from scratch")
		c := store.New(mode)
		c.SetModel(model)
		return c, nil
	}

	info, err := store.ReadSchemaInfo(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read cache header: %w", err)
	}
	if check := store.CheckCompatibility(info, model); check.NeedsRebuild {
		return nil, fmt.Errorf("cache rebuild required: %s (run with --rebuild)", check.Reason)
	}

	c, err := store.Load(path, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to load cache: %w", err)
	}
	c.SetModel(model)
	return c, nil
}
