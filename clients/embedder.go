package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	xerrors "github.com/reeltotext/rtt/errors"
	"github.com/reeltotext/rtt/media"
)

// Embedder turns texts into fixed-width dense vectors.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// OllamaEmbedder calls a local Ollama server's /api/embed endpoint.
type OllamaEmbedder struct {
	BaseURL string
	Model   string

	client *retryablehttp.Client
}

func NewOllamaEmbedder(baseURL, model string) *OllamaEmbedder {
	return &OllamaEmbedder{
		BaseURL: baseURL,
		Model:   model,
		client:  newRetryingClient(2 * time.Minute),
	}
}

type ollamaEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

func (e *OllamaEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	body, err := json.Marshal(ollamaEmbedRequest{Model: e.Model, Input: texts})
	if err != nil {
		return nil, err
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, "POST", e.BaseURL+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindExternalServiceError, "embedder_unreachable",
			fmt.Sprintf("embedding model at %s", e.BaseURL), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, xerrors.New(xerrors.KindExternalServiceError, "embedder_error",
			fmt.Sprintf("embedding request returned HTTP %d: %s", resp.StatusCode, msg))
	}

	var parsed ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, xerrors.Wrap(xerrors.KindExternalServiceError, "embedder_bad_response", "decoding embed response", err)
	}
	if len(parsed.Embeddings) != len(texts) {
		return nil, xerrors.New(xerrors.KindDataShapeError, "embedding_count_mismatch",
			fmt.Sprintf("asked for %d embeddings, got %d", len(texts), len(parsed.Embeddings)))
	}
	for i, vec := range parsed.Embeddings {
		if len(vec) != media.EmbeddingDim {
			return nil, xerrors.New(xerrors.KindDataShapeError, "embedding_dim_mismatch",
				fmt.Sprintf("embedding %d has width %d, expected %d", i, len(vec), media.EmbeddingDim))
		}
	}
	return parsed.Embeddings, nil
}
