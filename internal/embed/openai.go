package embed

import (
	"context"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	apperrors "github.com/juhokoskela/rag-service/internal/errors"
)

// Defaults for the OpenAI embeddings backend.
const (
	DefaultModel      = "text-embedding-3-large"
	DefaultDimensions = 3072

	// maxAPIBatch is the provider-side cap on inputs per request.
	maxAPIBatch = 2048
)

// OpenAIProvider embeds text via the OpenAI embeddings API.
type OpenAIProvider struct {
	client openai.Client
	model  string
	dims   int
}

var _ Provider = (*OpenAIProvider)(nil)

// NewOpenAIProvider creates a provider for model with the given vector
// width. Empty or zero arguments select the defaults.
func NewOpenAIProvider(apiKey, model string, dimensions int) (*OpenAIProvider, error) {
	if apiKey == "" {
		return nil, apperrors.New(apperrors.ErrCodeConfigInvalid, "embedding API key is not set", nil)
	}
	if model == "" {
		model = DefaultModel
	}
	if dimensions <= 0 {
		dimensions = DefaultDimensions
	}

	return &OpenAIProvider{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
		dims:   dimensions,
	}, nil
}

// EmbedBatch embeds texts in one API call.
func (p *OpenAIProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	if len(texts) > maxAPIBatch {
		return nil, apperrors.InvalidInput("embedding batch exceeds provider limit")
	}

	params := openai.EmbeddingNewParams{
		Model:      openai.EmbeddingModel(p.model),
		Dimensions: openai.Int(int64(p.dims)),
	}
	if len(texts) == 1 {
		params.Input = openai.EmbeddingNewParamsInputUnion{
			OfString: openai.String(texts[0]),
		}
	} else {
		params.Input = openai.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: texts,
		}
	}

	resp, err := p.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, apperrors.ProviderError("embedding request failed", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, apperrors.ProviderError("embedding response count mismatch", nil)
	}

	vectors := make([][]float32, len(resp.Data))
	for i, data := range resp.Data {
		vec := make([]float32, len(data.Embedding))
		for j, v := range data.Embedding {
			vec[j] = float32(v)
		}
		vectors[i] = vec
	}
	return vectors, nil
}

// Model returns the model identifier.
func (p *OpenAIProvider) Model() string {
	return p.model
}

// Dimensions returns the vector width.
func (p *OpenAIProvider) Dimensions() int {
	return p.dims
}
