package embedding

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/sashabaranov/go-openai"
)

// OpenAIEmbedder uses the OpenAI SDK.
type OpenAIEmbedder struct {
	client    *openai.Client
	model     string
	dimension int
	native    int
}

func NewOpenAIEmbedder(apiKeyEnv, model, baseURL string, dimension int) (*OpenAIEmbedder, error) {
	apiKey := os.Getenv(apiKeyEnv)
	if apiKey == "" {
		return nil, fmt.Errorf("API key not found in environment variable: %s", apiKeyEnv)
	}

	clientConfig := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		clientConfig.BaseURL = baseURL
	}

	native := knownDimensions[model]
	if dimension <= 0 {
		dimension = native
	}

	return &OpenAIEmbedder{
		client:    openai.NewClientWithConfig(clientConfig),
		model:     model,
		dimension: dimension,
		native:    native,
	}, nil
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	req := openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(e.model),
	}
	// Only the v3 models accept a reduced output width.
	if strings.HasPrefix(e.model, "text-embedding-3") && e.dimension != e.native {
		req.Dimensions = e.dimension
	}

	resp, err := e.client.CreateEmbeddings(ctx, req)
	if err != nil {
		return nil, e.classify(err)
	}

	embeddings := make([][]float32, len(texts))
	for _, data := range resp.Data {
		if data.Index < 0 || data.Index >= len(embeddings) {
			return nil, newResponseError("openai", e.model, fmt.Sprintf("response index %d out of range", data.Index))
		}
		embeddings[data.Index] = data.Embedding
	}
	return embeddings, nil
}

func (e *OpenAIEmbedder) classify(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return newStatusError("openai", e.model, apiErr.HTTPStatusCode, apiErr.Message)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return newStatusError("openai", e.model, reqErr.HTTPStatusCode, reqErr.Error())
	}
	return newTransportError("openai", e.model, err)
}

func (e *OpenAIEmbedder) Dimension() int {
	return e.dimension
}

func (e *OpenAIEmbedder) ModelName() string {
	return e.model
}
