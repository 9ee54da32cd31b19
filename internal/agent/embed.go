package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EmbedResult is the outcome of an embeddings call.
type EmbedResult struct {
	Embeddings [][]float64 `json:"embeddings"`
	Dim        int         `json:"dim"`
	RequestID  string      `json:"request_id"`
	Tokens     int         `json:"tokens"`
	Provider   string      `json:"provider"`
}

// Embedder produces vector embeddings for memory retrieval.
type Embedder interface {
	Embed(ctx context.Context, texts []string, model string) (*EmbedResult, error)
}

// DeterministicDim is the fixed dimension of offline embeddings.
const DeterministicDim = 64

// DeterministicEmbedder produces normalized hashed token-count vectors.
// The same text always embeds to the same vector, which makes similarity
// assertions in tests stable without any provider.
type DeterministicEmbedder struct{}

// Embed hashes each whitespace token into one of DeterministicDim
// buckets, counts occupancy, and L2-normalizes the result.
func (DeterministicEmbedder) Embed(_ context.Context, texts []string, _ string) (*EmbedResult, error) {
	out := &EmbedResult{
		Dim:       DeterministicDim,
		RequestID: uuid.NewString(),
		Provider:  "deterministic",
	}
	for _, text := range texts {
		vec := make([]float64, DeterministicDim)
		tokens := strings.Fields(strings.ToLower(text))
		out.Tokens += len(tokens)
		for _, tok := range tokens {
			h := fnv.New32a()
			_, _ = h.Write([]byte(tok))
			vec[h.Sum32()%DeterministicDim]++
		}
		var norm float64
		for _, v := range vec {
			norm += v * v
		}
		if norm > 0 {
			norm = math.Sqrt(norm)
			for i := range vec {
				vec[i] /= norm
			}
		}
		out.Embeddings = append(out.Embeddings, vec)
	}
	return out, nil
}

// HTTPEmbedder calls an OpenAI-compatible embeddings endpoint under the
// provider base URL.
type HTTPEmbedder struct {
	BaseURL  string
	APIKey   string
	Provider string
	Client   *http.Client
}

// Embed posts the texts to {base}/v1/embeddings and decodes the result.
func (e *HTTPEmbedder) Embed(ctx context.Context, texts []string, model string) (*EmbedResult, error) {
	client := e.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	body, err := json.Marshal(map[string]any{"model": model, "input": texts})
	if err != nil {
		return nil, fmt.Errorf("marshal embeddings request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(e.BaseURL, "/")+"/v1/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build embeddings request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.APIKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embeddings request: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embeddings request: status %d", resp.StatusCode)
	}

	var payload struct {
		Data []struct {
			Embedding []float64 `json:"embedding"`
		} `json:"data"`
		Usage struct {
			TotalTokens int `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode embeddings response: %w", err)
	}

	out := &EmbedResult{
		RequestID: resp.Header.Get("X-Request-Id"),
		Tokens:    payload.Usage.TotalTokens,
		Provider:  e.Provider,
	}
	for _, d := range payload.Data {
		out.Embeddings = append(out.Embeddings, d.Embedding)
	}
	if len(out.Embeddings) > 0 {
		out.Dim = len(out.Embeddings[0])
	}
	return out, nil
}
