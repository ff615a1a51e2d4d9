package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"task2vec/internal/domain"
)

var (
	scoreText      string
	scoreKey       string
	scoreNeighbors int
	scoreJSON      bool
)

var scoreCmd = &cobra.Command{
	Use:   "score",
	Short: "Estimate the outcome of a ticket from its labelled neighbours",
	Long: `Weigh the outcome labels of the nearest labelled tickets by similarity and
report the resulting distribution, the most likely tier and the evidence used.

Examples:
  task2vec score -q "Context fails to start with circular reference"
  task2vec score --key SPR-1234 -n 20 --json`,
	RunE: runScore,
}

func init() {
	rootCmd.AddCommand(scoreCmd)
	scoreCmd.Flags().StringVarP(&scoreText, "query", "q", "", "free-text ticket description")
	scoreCmd.Flags().StringVar(&scoreKey, "key", "", "score an indexed ticket")
	scoreCmd.Flags().IntVarP(&scoreNeighbors, "neighbors", "n", 0, "neighbours to weigh (default from config)")
	scoreCmd.Flags().BoolVar(&scoreJSON, "json", false, "output as JSON")
	scoreCmd.MarkFlagsMutuallyExclusive("query", "key")
	scoreCmd.MarkFlagsOneRequired("query", "key")
}

func runScore(cmd *cobra.Command, args []string) error {
	cfg := GetConfig()
	ctx := cmd.Context()

	svc, builder, err := newService(cfg, GetRootDir(), scoreText != "")
	if err != nil {
		return err
	}
	snap, res, err := builder.Build(ctx)
	if err != nil {
		return err
	}
	svc.Swap(snap)
	if snap.Index.Len() == 0 {
		return errors.New("the vector cache is empty; run 'task2vec embed' first")
	}
	if res.Labelled == 0 {
		logger.Warn("no indexed ticket carries an outcome label; run 'task2vec label' first")
	}

	n := cfg.Score.NeighborCount
	if scoreNeighbors > 0 {
		n = scoreNeighbors
	}

	var out domain.Outcome
	if scoreKey != "" {
		out, err = svc.ScoreByKey(ctx, scoreKey, n)
	} else {
		out, err = svc.ScoreText(ctx, scoreText, n)
	}
	if err != nil {
		return fmt.Errorf("scoring failed: %w", err)
	}
	out = out.Rounded(cfg.Score.Precision)

	if scoreJSON {
		return printJSON(out)
	}
	printOutcome(out, cfg.Score.Precision)
	return nil
}

func printOutcome(out domain.Outcome, precision int) {
	fmt.Printf("Tier: %s (confidence %.*f, %d labelled neighbours)\n\n", out.Tier, precision, out.Confidence, out.Coverage)
	for _, l := range out.Labels {
		fmt.Printf("  %-10s %.*f\n", l, precision, out.Probabilities[l])
	}
	if out.AvgDays != nil {
		fmt.Printf("\nAverage resolution: %.1f days\n", *out.AvgDays)
	}
	if len(out.Evidence) == 0 {
		return
	}
	fmt.Println("\nEvidence:")
	for _, e := range out.Evidence {
		fmt.Printf("  %s %-10s sim %.3f  %5.1fd  %d watches  %s\n", e.Key, e.Label, e.Similarity, e.Days, e.Watches, e.Summary)
	}
}
