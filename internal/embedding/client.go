// Package embedding provides the text-embedding boundary used by the
// similarity layer: a client interface, an OpenAI-backed implementation,
// an in-memory cosine index, and a text-distance fallback for when the
// embedding service is unavailable.
package embedding

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/agnivade/levenshtein"
	openai "github.com/sashabaranov/go-openai"
)

// Client turns free text into a fixed-length vector. Implementations are
// treated as untrusted, possibly-unavailable external services; callers
// must degrade rather than abort when Embed fails.
type Client interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// OpenAIClient embeds text through the OpenAI embeddings API.
type OpenAIClient struct {
	client *openai.Client
	model  openai.EmbeddingModel
}

// NewOpenAIClient creates an embedding client for the given API key.
// An empty model selects the small embedding model.
func NewOpenAIClient(apiKey string, model string) *OpenAIClient {
	m := openai.SmallEmbedding3
	if model != "" {
		m = openai.EmbeddingModel(model)
	}
	return &OpenAIClient{
		client: openai.NewClient(apiKey),
		model:  m,
	}
}

// Embed returns the embedding vector for the given text.
func (c *OpenAIClient) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := c.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: c.model,
	})
	if err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}

	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("embedding response contained no vectors")
	}

	return resp.Data[0].Embedding, nil
}

// Cosine returns the cosine similarity of two vectors, or 0 when either
// vector is empty or their lengths differ.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// FallbackSimilarity scores two descriptions by normalized edit distance.
// It is the degraded-mode scorer when the embedding service is down:
// cruder than embeddings, but it keeps the similarity layer producing
// evidence instead of aborting the batch.
func FallbackSimilarity(a, b string) float64 {
	a = normalizeText(a)
	b = normalizeText(b)

	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}

	distance := levenshtein.ComputeDistance(a, b)
	longest := len([]rune(a))
	if l := len([]rune(b)); l > longest {
		longest = l
	}

	return 1.0 - float64(distance)/float64(longest)
}

func normalizeText(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
