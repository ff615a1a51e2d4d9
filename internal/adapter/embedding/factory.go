package embedding

import (
	"fmt"
	"log/slog"

	"task2vec/config"
	"task2vec/internal/port"
)

// NewFromConfig builds the provider client wrapped with truncation and rate limiting.
func NewFromConfig(cfg config.EmbeddingConfig, logger *slog.Logger) (port.Embedder, error) {
	var (
		base port.Embedder
		err  error
	)

	switch cfg.Provider {
	case "openai":
		base, err = NewOpenAIEmbedder(cfg.APIKeyEnv, cfg.Model, cfg.BaseURL, cfg.Dimension)
	case "voyage", "jina", "deepseek", "ollama", "compatible":
		base, err = NewCompatibleEmbedder(cfg.Provider, cfg.APIKeyEnv, cfg.Model, cfg.BaseURL, cfg.Dimension)
	case "mock":
		return NewMockEmbedder(cfg.Dimension), nil
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s", cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create embedder: %w", err)
	}

	var e port.Embedder = base
	if cfg.MaxInputTokens > 0 {
		e = NewTruncating(e, cfg.MaxInputTokens, logger)
	}
	return NewRateLimited(e, cfg.RequestsPerMinute, cfg.Burst, cfg.MaxRetries, logger), nil
}
