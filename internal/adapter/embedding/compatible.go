package embedding

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/goccy/go-json"
)

// CompatibleEmbedder talks to any OpenAI-compatible /embeddings endpoint.
type CompatibleEmbedder struct {
	provider  string
	apiKey    string
	model     string
	baseURL   string
	dimension int
	client    *http.Client
}

type embeddingRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

type embeddingResponse struct {
	Data  []embeddingData `json:"data"`
	Error *apiError       `json:"error,omitempty"`
}

type embeddingData struct {
	Embedding []float32 `json:"embedding"`
	Index     int       `json:"index"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

var defaultBaseURLs = map[string]string{
	"voyage":   "https://api.voyageai.com/v1",
	"jina":     "https://api.jina.ai/v1",
	"deepseek": "https://api.deepseek.com/v1",
	"ollama":   "http://localhost:11434/v1",
}

var knownDimensions = map[string]int{
	"text-embedding-3-small": 1536,
	"text-embedding-3-large": 3072,
	"text-embedding-ada-002": 1536,
	"voyage-3":               1024,
	"voyage-3-large":         1024,
	"voyage-3-lite":          512,
	"jina-embeddings-v3":     1024,
	"jina-embeddings-v4":     2048,
	"nomic-embed-text":       768,
	"mxbai-embed-large":      1024,
	"all-minilm":             384,
}

// NewCompatibleEmbedder creates an embedder for provider. An empty baseURL
// selects the provider's public endpoint. Ollama needs no API key.
func NewCompatibleEmbedder(provider, apiKeyEnv, model, baseURL string, dimension int) (*CompatibleEmbedder, error) {
	if baseURL == "" {
		baseURL = defaultBaseURLs[provider]
	}
	if baseURL == "" {
		return nil, fmt.Errorf("base_url is required for provider %q", provider)
	}

	apiKey := "ollama"
	if provider != "ollama" {
		apiKey = os.Getenv(apiKeyEnv)
		if apiKey == "" {
			return nil, fmt.Errorf("API key not found in environment variable: %s", apiKeyEnv)
		}
	}

	if dimension <= 0 {
		dimension = knownDimensions[model]
	}

	return &CompatibleEmbedder{
		provider:  provider,
		apiKey:    apiKey,
		model:     model,
		baseURL:   baseURL,
		dimension: dimension,
		client: &http.Client{
			Timeout: 120 * time.Second,
		},
	}, nil
}

// Embed sends one request for all texts; batching is the caller's concern.
func (e *CompatibleEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	jsonData, err := json.Marshal(embeddingRequest{Input: texts, Model: e.model})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embeddings", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.apiKey)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, newTransportError(e.provider, e.model, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, newTransportError(e.provider, e.model, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, newStatusError(e.provider, e.model, resp.StatusCode, preview(body))
	}

	var embResp embeddingResponse
	if err := json.Unmarshal(body, &embResp); err != nil {
		return nil, newResponseError(e.provider, e.model, fmt.Sprintf("failed to parse response (body: %s): %v", preview(body), err))
	}
	if embResp.Error != nil {
		return nil, newResponseError(e.provider, e.model, "API error: "+embResp.Error.Message)
	}

	embeddings := make([][]float32, len(texts))
	for _, data := range embResp.Data {
		if data.Index < 0 || data.Index >= len(embeddings) {
			return nil, newResponseError(e.provider, e.model, fmt.Sprintf("response index %d out of range", data.Index))
		}
		embeddings[data.Index] = data.Embedding
	}

	return embeddings, nil
}

func (e *CompatibleEmbedder) Dimension() int {
	return e.dimension
}

func (e *CompatibleEmbedder) ModelName() string {
	return e.model
}

func preview(body []byte) string {
	s := string(body)
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
