// Package cache provides the two-tier embedding cache: a fast in-memory
// LRU tier with TTL expiry in front of the durable SQLite tier.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/juhokoskela/rag-service/internal/store"
)

// Cache configuration defaults.
const (
	// DefaultFastSize is the default number of vectors kept in memory.
	DefaultFastSize = 10000

	// DefaultFastTTL is how long a fast-tier entry stays valid.
	DefaultFastTTL = 24 * time.Hour
)

// DurableTier is the persistent cache backend. Implemented by the
// SQLite store.
type DurableTier interface {
	CacheGet(ctx context.Context, textHash string) ([]float32, bool, error)
	CachePut(ctx context.Context, entry *store.CacheEntry) error
}

// Tiered layers an expiring in-memory LRU over a durable tier.
// A durable hit backfills the fast tier; a miss in both means the
// caller must compute the embedding and Put it back.
type Tiered struct {
	fast    *expirable.LRU[string, []float32]
	durable DurableTier
	model   string
}

// NewTiered creates a two-tier cache for vectors produced by model.
// size and ttl control the fast tier; zero values select defaults.
func NewTiered(durable DurableTier, model string, size int, ttl time.Duration) *Tiered {
	if size <= 0 {
		size = DefaultFastSize
	}
	if ttl <= 0 {
		ttl = DefaultFastTTL
	}
	return &Tiered{
		fast:    expirable.NewLRU[string, []float32](size, nil, ttl),
		durable: durable,
		model:   model,
	}
}

// Key derives the cache key for text: the hex SHA-256 of "model:text".
// The model prefix keeps vectors from different models apart.
func Key(model, text string) string {
	hash := sha256.Sum256([]byte(model + ":" + text))
	return hex.EncodeToString(hash[:])
}

// Get looks up the vector for text, checking the fast tier then the
// durable tier. A durable hit is promoted into the fast tier.
func (c *Tiered) Get(ctx context.Context, text string) ([]float32, bool) {
	key := Key(c.model, text)

	if vec, ok := c.fast.Get(key); ok {
		return vec, true
	}

	vec, ok, err := c.durable.CacheGet(ctx, key)
	if err != nil {
		// Durable tier trouble degrades to a miss
		slog.Warn("durable cache read failed", "error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}

	c.fast.Add(key, vec)
	return vec, true
}

// Put stores the vector for text in both tiers.
func (c *Tiered) Put(ctx context.Context, text string, vec []float32) error {
	key := Key(c.model, text)
	c.fast.Add(key, vec)

	return c.durable.CachePut(ctx, &store.CacheEntry{
		TextHash: key,
		Model:    c.model,
		Vector:   vec,
	})
}

// Model returns the model whose vectors this cache holds.
func (c *Tiered) Model() string {
	return c.model
}

// Purge drops every fast-tier entry. Durable entries are untouched;
// they are swept separately by the store's prune pass.
func (c *Tiered) Purge() {
	c.fast.Purge()
}
