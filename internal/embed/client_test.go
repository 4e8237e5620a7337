package embed

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/juhokoskela/rag-service/internal/cache"
	apperrors "github.com/juhokoskela/rag-service/internal/errors"
	"github.com/juhokoskela/rag-service/internal/store"
)

// fakeProvider returns deterministic vectors and can be scripted to
// fail on specific texts.
type fakeProvider struct {
	mu      sync.Mutex
	calls   int
	batches [][]string
	failOn  map[string]bool
	failAll bool
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{failOn: make(map[string]bool)}
}

func (f *fakeProvider) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.batches = append(f.batches, append([]string(nil), texts...))

	if f.failAll {
		return nil, apperrors.ProviderError("provider down", nil)
	}
	vecs := make([][]float32, len(texts))
	for i, text := range texts {
		if f.failOn[text] {
			return nil, apperrors.ProviderError("bad input: "+text, nil)
		}
		vecs[i] = []float32{float32(len(text)), 1}
	}
	return vecs, nil
}

func (f *fakeProvider) Model() string    { return "fake-model" }
func (f *fakeProvider) Dimensions() int  { return 2 }
func (f *fakeProvider) callCount() int   { f.mu.Lock(); defer f.mu.Unlock(); return f.calls }
func (f *fakeProvider) batchSizes() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	sizes := make([]int, len(f.batches))
	for i, b := range f.batches {
		sizes[i] = len(b)
	}
	return sizes
}

func fastRetry() apperrors.RetryConfig {
	return apperrors.RetryConfig{
		MaxRetries:   2,
		InitialDelay: time.Millisecond,
		MaxDelay:     2 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func newTestClient(t *testing.T, provider Provider, batchSize int) (*Client, *cache.Tiered) {
	t.Helper()
	s, err := store.NewSQLiteStore("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	tiered := cache.NewTiered(s, provider.Model(), 100, time.Minute)
	client := NewClient(provider, tiered, ClientConfig{
		BatchSize:       batchSize,
		InterBatchDelay: time.Millisecond,
		Retry:           fastRetry(),
	})
	return client, tiered
}

func TestClient_CacheHitSkipsProvider(t *testing.T) {
	// Given a client that has embedded a text once
	provider := newFakeProvider()
	client, _ := newTestClient(t, provider, 10)
	ctx := context.Background()

	first, err := client.Embed(ctx, "hello world")
	require.NoError(t, err)
	callsAfterFirst := provider.callCount()

	// When embedding the same text again
	second, err := client.Embed(ctx, "hello world")

	// Then the provider is not called a second time
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, callsAfterFirst, provider.callCount())
}

func TestClient_BatchesRespectSize(t *testing.T) {
	// Given 25 distinct texts and a batch size of 10
	provider := newFakeProvider()
	client, _ := newTestClient(t, provider, 10)
	texts := make([]string, 25)
	for i := range texts {
		texts[i] = strings.Repeat("x", i+1)
	}

	// When embedding them
	vecs, err := client.EmbedBatch(context.Background(), texts)

	// Then the provider sees batches of 10, 10, and 5
	require.NoError(t, err)
	require.Len(t, vecs, 25)
	assert.Equal(t, []int{10, 10, 5}, provider.batchSizes())
	for _, v := range vecs {
		assert.NotNil(t, v)
	}
}

func TestClient_MixedCacheHitsOnlyEmbedMisses(t *testing.T) {
	// Given two texts already cached
	provider := newFakeProvider()
	client, _ := newTestClient(t, provider, 10)
	ctx := context.Background()
	_, err := client.EmbedBatch(ctx, []string{"alpha", "beta"})
	require.NoError(t, err)
	callsBefore := provider.callCount()

	// When embedding a mix of cached and new texts
	vecs, err := client.EmbedBatch(ctx, []string{"alpha", "gamma", "beta", "delta"})

	// Then only the new texts reach the provider
	require.NoError(t, err)
	require.Len(t, vecs, 4)
	assert.Equal(t, callsBefore+1, provider.callCount())
	last := provider.batches[len(provider.batches)-1]
	assert.ElementsMatch(t, []string{"gamma", "delta"}, last)
}

func TestClient_BreakerOpensAfterRepeatedFailure(t *testing.T) {
	// Given a provider that always fails
	provider := newFakeProvider()
	provider.failAll = true
	client, _ := newTestClient(t, provider, 10)
	ctx := context.Background()

	// When enough calls fail to trip the breaker
	for i := 0; i < 5; i++ {
		_, err := client.EmbedBatch(ctx, []string{strings.Repeat("y", i+1)})
		require.Error(t, err)
	}

	// Then the breaker is open and further calls fail fast
	assert.Equal(t, apperrors.StateOpen, client.BreakerState())
	callsBefore := provider.callCount()

	_, err := client.EmbedBatch(ctx, []string{"zzz"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrCircuitOpen))
	assert.Equal(t, callsBefore, provider.callCount())
}

func TestClient_EmbedEachCollectsPerItemFailures(t *testing.T) {
	// Given 12 texts where exactly one fails
	provider := newFakeProvider()
	provider.failOn["bad-item"] = true
	client, _ := newTestClient(t, provider, 1)

	texts := make([]string, 12)
	for i := range texts {
		texts[i] = strings.Repeat("t", i+1)
	}
	texts[7] = "bad-item"

	// When embedding with per-item failure collection
	vecs, failures := client.EmbedEach(context.Background(), texts)

	// Then 11 succeed and the failure points at the bad item
	require.Len(t, failures, 1)
	assert.Equal(t, 7, failures[0].Index)
	for i, v := range vecs {
		if i == 7 {
			assert.Nil(t, v)
		} else {
			assert.NotNil(t, v, "item %d should have a vector", i)
		}
	}
}

func TestClient_EmptyBatch(t *testing.T) {
	provider := newFakeProvider()
	client, _ := newTestClient(t, provider, 10)

	vecs, err := client.EmbedBatch(context.Background(), nil)

	require.NoError(t, err)
	assert.Empty(t, vecs)
	assert.Equal(t, 0, provider.callCount())
}
