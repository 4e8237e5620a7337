package embed

import (
	"context"
	"log/slog"
	"time"

	"github.com/juhokoskela/rag-service/internal/cache"
	apperrors "github.com/juhokoskela/rag-service/internal/errors"
)

// Batching defaults.
const (
	DefaultBatchSize       = 10
	DefaultInterBatchDelay = 100 * time.Millisecond
)

// ClientConfig tunes the guarded embedding client.
type ClientConfig struct {
	BatchSize       int
	InterBatchDelay time.Duration
	Retry           apperrors.RetryConfig
	MaxFailures     int
	ResetTimeout    time.Duration
}

// DefaultClientConfig returns the standard client settings.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		BatchSize:       DefaultBatchSize,
		InterBatchDelay: DefaultInterBatchDelay,
		Retry:           apperrors.DefaultRetryConfig(),
	}
}

// Client embeds text through a Provider with a two-tier cache in
// front and a circuit breaker wrapping retried provider calls. Only
// cache misses reach the provider.
type Client struct {
	provider Provider
	cache    *cache.Tiered
	breaker  *apperrors.CircuitBreaker
	retry    apperrors.RetryConfig

	batchSize int
	pause     time.Duration
}

// NewClient wraps provider. cache may be nil, which disables caching.
func NewClient(provider Provider, tiered *cache.Tiered, cfg ClientConfig) *Client {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.InterBatchDelay <= 0 {
		cfg.InterBatchDelay = DefaultInterBatchDelay
	}
	if cfg.Retry.MaxRetries == 0 && cfg.Retry.InitialDelay == 0 {
		cfg.Retry = apperrors.DefaultRetryConfig()
	}

	var opts []apperrors.CircuitBreakerOption
	if cfg.MaxFailures > 0 {
		opts = append(opts, apperrors.WithMaxFailures(cfg.MaxFailures))
	}
	if cfg.ResetTimeout > 0 {
		opts = append(opts, apperrors.WithResetTimeout(cfg.ResetTimeout))
	}

	return &Client{
		provider:  provider,
		cache:     tiered,
		breaker:   apperrors.NewCircuitBreaker("embeddings", opts...),
		retry:     cfg.Retry,
		batchSize: cfg.BatchSize,
		pause:     cfg.InterBatchDelay,
	}
}

// Embed embeds a single text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch embeds texts in order, serving what it can from cache.
// Any provider failure fails the whole call; use EmbedEach to collect
// per-item failures instead.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	results := make([][]float32, len(texts))
	missIdx, missTexts := c.partition(ctx, texts, results)
	if len(missTexts) == 0 {
		return results, nil
	}

	for start := 0; start < len(missTexts); start += c.batchSize {
		end := start + c.batchSize
		if end > len(missTexts) {
			end = len(missTexts)
		}
		if start > 0 {
			// Pace consecutive provider calls
			select {
			case <-time.After(c.pause):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		vecs, err := c.callProvider(ctx, missTexts[start:end])
		if err != nil {
			return nil, err
		}
		c.storeBatch(ctx, texts, missIdx[start:end], vecs, results)
	}

	return results, nil
}

// EmbedEach embeds texts like EmbedBatch but keeps going when a batch
// fails, recording a failure per affected item. The returned slice
// has a vector for every item that succeeded and nil for the rest.
func (c *Client) EmbedEach(ctx context.Context, texts []string) ([][]float32, []apperrors.ItemFailure) {
	results := make([][]float32, len(texts))
	if len(texts) == 0 {
		return results, nil
	}

	missIdx, missTexts := c.partition(ctx, texts, results)
	var failures []apperrors.ItemFailure

	for start := 0; start < len(missTexts); start += c.batchSize {
		end := start + c.batchSize
		if end > len(missTexts) {
			end = len(missTexts)
		}
		if start > 0 {
			select {
			case <-time.After(c.pause):
			case <-ctx.Done():
				for _, idx := range missIdx[start:] {
					failures = append(failures, apperrors.ItemFailure{Index: idx, Err: ctx.Err()})
				}
				return results, failures
			}
		}

		vecs, err := c.callProvider(ctx, missTexts[start:end])
		if err != nil {
			for _, idx := range missIdx[start:end] {
				failures = append(failures, apperrors.ItemFailure{Index: idx, Err: err})
			}
			continue
		}
		c.storeBatch(ctx, texts, missIdx[start:end], vecs, results)
	}

	return results, failures
}

// Model returns the provider's model identifier.
func (c *Client) Model() string {
	return c.provider.Model()
}

// Dimensions returns the provider's vector width.
func (c *Client) Dimensions() int {
	return c.provider.Dimensions()
}

// BreakerState reports the circuit breaker state for status output.
func (c *Client) BreakerState() apperrors.State {
	return c.breaker.State()
}

// partition fills results from cache and returns the indices and
// texts still needing the provider.
func (c *Client) partition(ctx context.Context, texts []string, results [][]float32) ([]int, []string) {
	missIdx := make([]int, 0, len(texts))
	missTexts := make([]string, 0, len(texts))
	for i, text := range texts {
		if c.cache != nil {
			if vec, ok := c.cache.Get(ctx, text); ok {
				results[i] = vec
				continue
			}
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, text)
	}
	return missIdx, missTexts
}

// callProvider runs one provider batch behind the breaker, with
// retries inside the breaker's accounting.
func (c *Client) callProvider(ctx context.Context, texts []string) ([][]float32, error) {
	return apperrors.CircuitExecuteWithResult(c.breaker, func() ([][]float32, error) {
		return apperrors.RetryWithResult(ctx, c.retry, func() ([][]float32, error) {
			return c.provider.EmbedBatch(ctx, texts)
		})
	}, func() ([][]float32, error) {
		return nil, apperrors.New(apperrors.ErrCodeCircuitOpen,
			"embedding provider unavailable", apperrors.ErrCircuitOpen)
	})
}

// storeBatch places vectors into results and writes them through to
// the cache.
func (c *Client) storeBatch(ctx context.Context, texts []string, indices []int, vecs [][]float32, results [][]float32) {
	for j, idx := range indices {
		if j >= len(vecs) {
			break
		}
		results[idx] = vecs[j]
		if c.cache != nil {
			if err := c.cache.Put(ctx, texts[idx], vecs[j]); err != nil {
				slog.Warn("embedding cache write failed", "error", err)
			}
		}
	}
}
