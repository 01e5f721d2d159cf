// Package kv provides a namespaced key-value store shared across threads
// of a graph. Where checkpoints hold per-thread conversation state, the
// kv store holds long-lived facts any thread may read or write, organized
// under hierarchical namespaces and optionally searchable by vector
// similarity.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a namespace/key pair does not exist.
var ErrNotFound = errors.New("kv: item not found")

// Namespace is a hierarchical path identifying a collection of items,
// for example ["memories", "user-42"].
type Namespace []string

// Item is a stored value with its location and timestamps.
type Item struct {
	Namespace Namespace      `json:"namespace"`
	Key       string         `json:"key"`
	Value     map[string]any `json:"value"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// EmbedFunc converts texts to vectors for similarity search. Implementations
// typically call an embedding model; tests use a deterministic stand-in.
type EmbedFunc func(ctx context.Context, texts []string) ([][]float32, error)

// IndexConfig enables semantic search over stored items.
type IndexConfig struct {
	// Dims is the embedding dimensionality. Vectors of any other length
	// are rejected at Put time.
	Dims int

	// Embed produces vectors for indexed fields and for search queries.
	Embed EmbedFunc

	// Fields names the value fields to embed. Empty means the whole value
	// is serialized and embedded as one document.
	Fields []string
}

// SearchResult pairs an item with its similarity score. Score is zero when
// the search had no query vector.
type SearchResult struct {
	Item  Item
	Score float32
}

// Store is the long-term memory interface. All methods are safe for
// concurrent use.
type Store interface {
	// Put creates or replaces the item at (ns, key).
	Put(ctx context.Context, ns Namespace, key string, value map[string]any) error

	// Get returns the item at (ns, key), or ErrNotFound.
	Get(ctx context.Context, ns Namespace, key string) (Item, error)

	// Delete removes the item at (ns, key). Deleting a missing item is
	// not an error.
	Delete(ctx context.Context, ns Namespace, key string) error

	// Search returns items under the namespace prefix. With a non-empty
	// query and an index configured, results are ordered by similarity;
	// otherwise by recency, most recently updated first. limit <= 0 means
	// no limit.
	Search(ctx context.Context, prefix Namespace, query string, limit int) ([]SearchResult, error)
}
