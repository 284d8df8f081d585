package embedding

import (
	"context"
	"errors"

	openaisdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	fserr "github.com/rcliao/framestore/pkg/errors"
)

// OpenAIEmbedder uses any OpenAI-compatible embedding API.
type OpenAIEmbedder struct {
	client openaisdk.Client
	model  string
	dims   int
}

// NewOpenAIEmbedder creates an embedder using an OpenAI-compatible API. The
// API key falls back to OPENAI_API_KEY in the environment.
func NewOpenAIEmbedder(cfg Config) *OpenAIEmbedder {
	var opts []option.RequestOption
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.URL != "" {
		opts = append(opts, option.WithBaseURL(cfg.URL))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}
	model := cfg.Model
	if model == "" {
		model = "text-embedding-3-small"
	}
	dims := cfg.Dims
	if dims == 0 {
		dims = 1536
	}
	return &OpenAIEmbedder{
		client: openaisdk.NewClient(opts...),
		model:  model,
		dims:   dims,
	}
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) (Vector, error) {
	resp, err := e.client.Embeddings.New(ctx, openaisdk.EmbeddingNewParams{
		Input:      openaisdk.EmbeddingNewParamsInputUnion{OfString: openaisdk.String(text)},
		Model:      openaisdk.EmbeddingModel(e.model),
		Dimensions: openaisdk.Int(int64(e.dims)),
	})
	if err != nil {
		var apiErr *openaisdk.Error
		if errors.As(err, &apiErr) {
			return nil, upstreamError(err, apiErr.StatusCode, "openai")
		}
		return nil, upstreamError(err, 0, "openai")
	}
	if len(resp.Data) == 0 {
		return nil, fserr.New(fserr.CodeEmbeddingResponseInvalid, "openai returned no embedding")
	}

	raw := resp.Data[0].Embedding
	vec := make(Vector, len(raw))
	for i, v := range raw {
		vec[i] = float32(v)
	}
	return vec, nil
}

func (e *OpenAIEmbedder) Dims() int { return e.dims }
