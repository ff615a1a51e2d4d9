package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"task2vec/internal/adapter/store"
)

var statsJSON bool

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cache, index and label coverage",
	RunE:  runStats,
}

func init() {
	rootCmd.AddCommand(statsCmd)
	statsCmd.Flags().BoolVar(&statsJSON, "json", false, "output as JSON")
}

type statsReport struct {
	CachePath string            `json:"cache_path"`
	Schema    *store.SchemaInfo `json:"schema"`
	LastRun   *store.RunRecord  `json:"last_run,omitempty"`
	Locked    bool              `json:"locked"`
	Indexed   int               `json:"indexed"`
	Rankable  int               `json:"rankable"`
	Labelled  int               `json:"labelled"`
	Labels    map[string]int    `json:"labels"`
}

func runStats(cmd *cobra.Command, args []string) error {
	cfg := GetConfig()
	dir := GetRootDir()

	report := statsReport{CachePath: cfg.CachePath(dir), Labels: make(map[string]int)}

	info, err := store.ReadSchemaInfo(report.CachePath)
	if err != nil {
		return fmt.Errorf("failed to read cache header: %w", err)
	}
	if info == nil {
		fmt.Printf("No cache at %s. Run 'task2vec embed' first.\n", report.CachePath)
		return nil
	}
	report.Schema = info

	report.LastRun, err = store.ReadLastRun(report.CachePath, 100*time.Millisecond)
	switch {
	case errors.Is(err, store.ErrCacheLocked):
		report.Locked = true
	case err != nil:
		return fmt.Errorf("failed to read run journal: %w", err)
	}

	builder, err := newBuilder(cfg, dir)
	if err != nil {
		return err
	}
	snap, res, err := builder.Build(cmd.Context())
	if err != nil {
		return err
	}
	report.Indexed = res.Indexed
	report.Rankable = res.Rankable
	report.Labelled = res.Labelled
	for key, s := range snap.Labels.Signals {
		if snap.Index.Contains(key) {
			report.Labels[s.Label]++
		}
	}

	if statsJSON {
		return printJSON(report)
	}

	fmt.Printf("Cache:    %s\n", report.CachePath)
	fmt.Printf("  Schema:   v%d\n", info.Version)
	fmt.Printf("  Model:    %s\n", info.Model)
	fmt.Printf("  Rows:     %d (dim %d)\n", info.Count, info.Dim)
	switch {
	case report.Locked:
		fmt.Println("  Last run: an embed run is in progress")
	case report.LastRun != nil:
		r := report.LastRun
		state := "interrupted"
		if r.Completed {
			state = "completed"
		}
		fmt.Printf("  Last run: %s %s, %d items in %d checkpoints\n", r.StartedAt.Local().Format(time.DateTime), state, r.Flushed, r.Checkpoints)
	}
	fmt.Printf("Index:    %d rows, %d rankable\n", report.Indexed, report.Rankable)
	fmt.Printf("Labels:   %d indexed tickets labelled\n", report.Labelled)
	for _, l := range cfg.Score.Labels {
		fmt.Printf("  %-10s %d\n", l, report.Labels[l])
	}
	return nil
}
