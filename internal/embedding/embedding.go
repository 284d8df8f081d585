// Package embedding provides a pluggable interface for text embedding providers.
package embedding

import (
	"context"
	"math"
	"strings"
	"time"

	fserr "github.com/rcliao/framestore/pkg/errors"
)

// Vector is a float32 embedding vector.
type Vector = []float32

// Embedder generates embedding vectors from text.
type Embedder interface {
	Embed(ctx context.Context, text string) (Vector, error)
	Dims() int
}

// CosineSimilarity computes cosine similarity between two vectors.
func CosineSimilarity(a, b Vector) float64 {
	if len(a) != len(b) || len(a) == 0 {
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

// Config selects and configures a provider.
type Config struct {
	Provider string // "", "ollama" or "openai"
	Model    string
	URL      string
	APIKey   string
	Dims     int
	Timeout  time.Duration
}

// New builds the configured embedder. An empty provider disables
// embeddings and returns nil.
func New(cfg Config) (Embedder, error) {
	switch strings.ToLower(cfg.Provider) {
	case "":
		return nil, nil
	case "ollama":
		return NewOllamaEmbedder(cfg), nil
	case "openai":
		return NewOpenAIEmbedder(cfg), nil
	default:
		return nil, fserr.New(fserr.CodeConfigValidateInvalid, "unknown embedding provider",
			fserr.Field("provider", cfg.Provider))
	}
}

// upstreamError classifies a provider failure. Throttling, server errors and
// transport failures are transient and worth retrying.
func upstreamError(err error, status int, provider string) error {
	code := fserr.CodeEmbeddingUpstream
	if status == 0 || status == 429 || status >= 500 {
		code = fserr.CodeEnrichStepTransient
	}
	return fserr.Wrap(err, code, provider+" embedding request failed",
		fserr.Field("provider", provider), fserr.Field("status", status))
}
