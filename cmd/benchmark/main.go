package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"slices"
	"strings"
	"time"

	"task2vec/config"
	"task2vec/internal/adapter/embedding"
	"task2vec/internal/adapter/index"
	"task2vec/internal/adapter/store"
	"task2vec/internal/domain"
)

func main() {
	dir := flag.String("dir", ".", "Project directory holding the cache")
	query := flag.String("q", "", "Optional free-text query to rate")
	topK := flag.Int("k", 10, "Number of results")
	queries := flag.Int("n", 200, "Number of self-queries to time")
	seed := flag.Int64("seed", 1, "Sampling seed")
	flag.Parse()

	cfg, err := config.LoadFromDir(*dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	start := time.Now()
	cache, err := store.Load(cfg.CachePath(*dir), store.LastWriteWins)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading cache: %v\n", err)
		os.Exit(1)
	}
	loadTime := time.Since(start)

	start = time.Now()
	keys, m := cache.All()
	idx, err := index.Build(keys, m, nil, index.BuildOptions{Includes: cfg.Index.Includes, Excludes: cfg.Index.Excludes})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error building index: %v\n", err)
		os.Exit(1)
	}
	buildTime := time.Since(start)

	if idx.Rankable() == 0 {
		fmt.Fprintln(os.Stderr, "No rankable rows - run 'task2vec embed' first")
		os.Exit(1)
	}

	fmt.Println("SIMILARITY INDEX BENCHMARK")
	fmt.Println(strings.Repeat("=", 70))
	fmt.Printf("Cache rows: %d (model %s)\n", cache.Len(), cache.Model())
	fmt.Printf("Indexed:    %d rows, %d rankable, dim %d\n", idx.Len(), idx.Rankable(), idx.Dim())
	fmt.Printf("Load:       %s\n", loadTime)
	fmt.Printf("Build:      %s\n", buildTime)
	fmt.Println()

	rng := rand.New(rand.NewSource(*seed))
	var (
		latencies  []time.Duration
		mismatches int
	)
	for i := 0; i < *queries; i++ {
		key := keys[rng.Intn(len(keys))]
		vec, _, ok := idx.Lookup(key)
		if !ok {
			continue
		}

		t0 := time.Now()
		first, err := idx.TopK(vec, *topK)
		latencies = append(latencies, time.Since(t0))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Search error: %v\n", err)
			os.Exit(1)
		}

		second, _ := idx.TopK(vec, *topK)
		if !sameKeys(first, second) {
			mismatches++
		}
	}

	if len(latencies) > 0 {
		slices.Sort(latencies)
		fmt.Printf("Top-%d over %d self-queries:\n", *topK, len(latencies))
		fmt.Printf("  p50: %s\n", latencies[len(latencies)/2])
		fmt.Printf("  p99: %s\n", latencies[len(latencies)*99/100])
		fmt.Printf("  max: %s\n", latencies[len(latencies)-1])
		fmt.Printf("  non-deterministic results: %d\n", mismatches)
		fmt.Println()
	}

	if *query == "" {
		return
	}

	embedder, err := embedding.NewFromConfig(cfg.Embedding, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Embedding not available: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Query: \"%s\"\n", *query)
	fmt.Println(strings.Repeat("-", 70))

	queryVec, err := embedder.Embed(context.Background(), []string{*query})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Embedding error: %v\n", err)
		os.Exit(1)
	}
	results, err := idx.TopK(queryVec[0], *topK)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Search error: %v\n", err)
		os.Exit(1)
	}

	totalScore := 0.0
	for i, r := range results {
		totalScore += r.Similarity

		rating := "LOW"
		if r.Similarity > 0.7 {
			rating = "HIGH"
		} else if r.Similarity > 0.5 {
			rating = "GOOD"
		} else if r.Similarity > 0.3 {
			rating = "OK"
		}
		fmt.Printf("%d. [%s %.3f] %s\n", i+1, rating, r.Similarity, r.Key)
	}
	if len(results) == 0 {
		return
	}

	avgScore := totalScore / float64(len(results))
	fmt.Println(strings.Repeat("=", 70))
	fmt.Printf("QUALITY METRICS:\n")
	fmt.Printf("  Average similarity: %.3f\n", avgScore)
	fmt.Printf("  Top-1 similarity:   %.3f\n", results[0].Similarity)
}

func sameKeys(a, b []domain.Neighbor) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Key != b[i].Key {
			return false
		}
	}
	return true
}
