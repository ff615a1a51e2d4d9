package cli

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"task2vec/internal/domain"
	"task2vec/internal/usecase"
)

var (
	queryText    string
	queryKey     string
	queryTopK    int
	queryJSON    bool
	queryAnalyze bool
)

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Find the tickets most similar to a text or an indexed ticket",
	Long: `Rank indexed tickets by cosine similarity to a free-text query or to the
vector of a ticket already in the index. A ticket never appears in its own
result.

Examples:
  task2vec query -q "NullPointerException in BeanFactory"
  task2vec query --key SPR-1234 -k 10 --json
  task2vec query -q "login fails after upgrade" --analyze`,
	RunE: runQuery,
}

func init() {
	rootCmd.AddCommand(queryCmd)
	queryCmd.Flags().StringVarP(&queryText, "query", "q", "", "free-text query")
	queryCmd.Flags().StringVar(&queryKey, "key", "", "use an indexed ticket as the query")
	queryCmd.Flags().IntVarP(&queryTopK, "top-k", "k", 0, "number of results (default from config)")
	queryCmd.Flags().BoolVar(&queryJSON, "json", false, "output as JSON")
	queryCmd.Flags().BoolVar(&queryAnalyze, "analyze", false, "also report experts, majority cluster and position")
	queryCmd.MarkFlagsMutuallyExclusive("query", "key")
	queryCmd.MarkFlagsOneRequired("query", "key")
	queryCmd.MarkFlagsMutuallyExclusive("key", "analyze")
}

func runQuery(cmd *cobra.Command, args []string) error {
	cfg := GetConfig()
	ctx := cmd.Context()

	svc, builder, err := newService(cfg, GetRootDir(), queryText != "")
	if err != nil {
		return err
	}
	snap, _, err := builder.Build(ctx)
	if err != nil {
		return err
	}
	svc.Swap(snap)
	if snap.Index.Len() == 0 {
		return errors.New("the vector cache is empty; run 'task2vec embed' first")
	}

	topK := cfg.Score.TopK
	if queryTopK > 0 {
		topK = queryTopK
	}

	if queryAnalyze {
		a, err := svc.AnalyzeText(ctx, queryText)
		if err != nil {
			return fmt.Errorf("analysis failed: %w", err)
		}
		if queryJSON {
			return printJSON(a)
		}
		printNeighbors(a.Similar, queryText)
		printAnalysis(a)
		return nil
	}

	var hits []domain.Neighbor
	label := queryText
	if queryKey != "" {
		hits, err = svc.TopKByKey(ctx, queryKey, topK)
		label = queryKey
	} else {
		hits, err = svc.TopKText(ctx, queryText, topK)
	}
	if err != nil {
		return fmt.Errorf("search failed: %w", err)
	}

	if queryJSON {
		return printJSON(hits)
	}
	printNeighbors(hits, label)
	return nil
}

func printNeighbors(hits []domain.Neighbor, label string) {
	if len(hits) == 0 {
		fmt.Println("No results found.")
		return
	}
	fmt.Printf("Found %d results for: %s\n\n", len(hits), label)
	for i, h := range hits {
		fmt.Printf("[%d] %s (similarity: %.3f)", i+1, h.Key, h.Similarity)
		if h.Metadata.Assignee != "" {
			fmt.Printf("  assignee: %s", h.Metadata.Assignee)
		}
		fmt.Println()
		if h.Metadata.Summary != "" {
			fmt.Printf("    %s\n", h.Metadata.Summary)
		}
	}
}

func printAnalysis(a domain.Analysis) {
	fmt.Printf("\nTop similarity: %.3f\n", a.TopSimilarity)
	if len(a.Experts) > 0 {
		fmt.Println("Experts:")
		for _, e := range a.Experts {
			fmt.Printf("  %s (%d of the nearest %d)\n", e.Name, e.Count, usecase.AnalyzeNeighbors)
		}
	}
	if a.Cluster >= 0 {
		fmt.Printf("Cluster: %d\n", a.Cluster)
	}
	if a.Pos != nil {
		fmt.Printf("Position: (%.3f, %.3f)\n", a.Pos.X, a.Pos.Y)
	}
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
