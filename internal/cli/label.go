package cli

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
	"task2vec/config"
	"task2vec/internal/adapter/fs"
	"task2vec/internal/adapter/index"
	"task2vec/internal/adapter/metadata"
	"task2vec/internal/adapter/store"
	"task2vec/internal/usecase"
)

var (
	labelCal     = usecase.DefaultCalibration
	labelAllKeys bool
	labelOutput  string
)

var labelCmd = &cobra.Command{
	Use:   "label <records.jsonl>",
	Short: "Derive outcome labels from resolved ticket history",
	Long: `Read resolved tickets ({"key", "created", "resolved", "watches", "assignee"})
and label each one by resolution time, watcher count and assignee workload.
Only tickets present in the index are labelled unless --all is given.

The table is written atomically to index.labels_path, which a running
'task2vec serve' picks up on its own.

Examples:
  task2vec label issues.jsonl
  task2vec label issues.jsonl --p33-days 2.5 --p67-days 30`,
	Args: cobra.ExactArgs(1),
	RunE: runLabel,
}

func init() {
	rootCmd.AddCommand(labelCmd)
	labelCmd.Flags().Float64Var(&labelCal.P33Days, "p33-days", labelCal.P33Days, "resolution days at or under which a ticket counts as fast")
	labelCmd.Flags().Float64Var(&labelCal.P67Days, "p67-days", labelCal.P67Days, "resolution days over which a ticket counts as slow")
	labelCmd.Flags().Float64Var(&labelCal.P75Assignee, "p75-assignee", labelCal.P75Assignee, "assignee ticket count from which an assignee counts as busy")
	labelCmd.Flags().BoolVar(&labelAllKeys, "all", false, "label records whether or not they are indexed")
	labelCmd.Flags().StringVarP(&labelOutput, "output", "o", "", "output path (default index.labels_path)")
}

func runLabel(cmd *cobra.Command, args []string) error {
	cfg := GetConfig()
	dir := GetRootDir()

	out := labelOutput
	if out == "" {
		out = cfg.LabelsPath(dir)
	}
	if out == "" {
		out = filepath.Join(dir, config.DataDirName, "outcome_signals.json")
	}

	records, err := fs.ReadRecords(args[0])
	if err != nil {
		return fmt.Errorf("failed to read records: %w", err)
	}
	fmt.Printf("Read %d records from %s\n", len(records), args[0])

	var indexed func(string) bool
	if !labelAllKeys {
		idx, err := loadIndex(cfg, dir)
		if err != nil {
			return err
		}
		if idx.Len() == 0 {
			return fmt.Errorf("the vector cache is empty; run 'task2vec embed' first or pass --all")
		}
		indexed = idx.Contains
	}

	labeler, err := usecase.NewLabeler(labelCal, cfg.Score.Labels, logger)
	if err != nil {
		return err
	}

	bar := newProgressBar(len(records), "Labelling")
	table, res := labeler.Label(records, indexed, func(done int) {
		if done%1000 == 0 || done == len(records) {
			bar.Set(done)
		}
	})

	if err := metadata.NewLabelFile(out, cfg.Score.Labels).WriteLabels(table); err != nil {
		return err
	}

	fmt.Printf("\nLabelling complete:\n")
	fmt.Printf("  Records:       %d\n", res.Records)
	fmt.Printf("  Labelled:      %d\n", res.Labelled)
	fmt.Printf("  Not indexed:   %d\n", res.NotIndexed)
	fmt.Printf("  Missing dates: %d\n", res.NoDates)
	for _, l := range cfg.Score.Labels {
		fmt.Printf("  %-13s  %d\n", l+":", res.Counts[l])
	}
	fmt.Printf("\nLabels stored at: %s\n", out)
	return nil
}

// loadIndex indexes the cache without side tables, for key membership only.
func loadIndex(cfg *config.Config, dir string) (*index.Index, error) {
	c, err := store.Load(cfg.CachePath(dir), cacheMode(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to load cache: %w", err)
	}
	keys, m := c.All()
	return index.Build(keys, m, nil, index.BuildOptions{Includes: cfg.Index.Includes, Excludes: cfg.Index.Excludes})
}
