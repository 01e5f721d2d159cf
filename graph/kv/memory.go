package kv

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
)

// MemoryStore is an in-memory Store for development and tests. Data does
// not survive process restarts.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]*memoryItem
	index *IndexConfig
}

type memoryItem struct {
	item   Item
	vector []float32
}

// NewMemoryStore creates an empty in-memory store. index may be nil, in
// which case Search always orders by recency.
func NewMemoryStore(index *IndexConfig) *MemoryStore {
	return &MemoryStore{
		items: make(map[string]*memoryItem),
		index: index,
	}
}

// nsKey flattens a namespace and key into a single map key. The unit
// separator cannot appear in namespace labels.
func nsKey(ns Namespace, key string) string {
	return strings.Join(ns, "\x1f") + "\x1f" + key
}

func hasPrefix(ns, prefix Namespace) bool {
	if len(prefix) > len(ns) {
		return false
	}
	for i, label := range prefix {
		if ns[i] != label {
			return false
		}
	}
	return true
}

// Put implements Store.
func (m *MemoryStore) Put(ctx context.Context, ns Namespace, key string, value map[string]any) error {
	if len(ns) == 0 {
		return fmt.Errorf("kv: empty namespace")
	}
	for _, label := range ns {
		if label == "" || strings.Contains(label, "\x1f") {
			return fmt.Errorf("kv: invalid namespace label %q", label)
		}
	}

	var vector []float32
	if m.index != nil && m.index.Embed != nil {
		doc := indexDocument(value, m.index.Fields)
		vecs, err := m.index.Embed(ctx, []string{doc})
		if err != nil {
			return fmt.Errorf("kv: embed value: %w", err)
		}
		if len(vecs) != 1 || len(vecs[0]) != m.index.Dims {
			return fmt.Errorf("kv: embedding has wrong shape, want 1x%d", m.index.Dims)
		}
		vector = vecs[0]
	}

	now := time.Now().UTC()
	m.mu.Lock()
	defer m.mu.Unlock()

	k := nsKey(ns, key)
	created := now
	if prev, ok := m.items[k]; ok {
		created = prev.item.CreatedAt
	}
	m.items[k] = &memoryItem{
		item: Item{
			Namespace: append(Namespace{}, ns...),
			Key:       key,
			Value:     copyValue(value),
			CreatedAt: created,
			UpdatedAt: now,
		},
		vector: vector,
	}
	return nil
}

// Get implements Store.
func (m *MemoryStore) Get(_ context.Context, ns Namespace, key string) (Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	it, ok := m.items[nsKey(ns, key)]
	if !ok {
		return Item{}, ErrNotFound
	}
	out := it.item
	out.Value = copyValue(out.Value)
	return out, nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(_ context.Context, ns Namespace, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, nsKey(ns, key))
	return nil
}

// Search implements Store.
func (m *MemoryStore) Search(ctx context.Context, prefix Namespace, query string, limit int) ([]SearchResult, error) {
	var queryVec []float32
	if query != "" && m.index != nil && m.index.Embed != nil {
		vecs, err := m.index.Embed(ctx, []string{query})
		if err != nil {
			return nil, fmt.Errorf("kv: embed query: %w", err)
		}
		if len(vecs) != 1 || len(vecs[0]) != m.index.Dims {
			return nil, fmt.Errorf("kv: query embedding has wrong shape, want 1x%d", m.index.Dims)
		}
		queryVec = vecs[0]
	}

	m.mu.RLock()
	var results []SearchResult
	for _, it := range m.items {
		if !hasPrefix(it.item.Namespace, prefix) {
			continue
		}
		res := SearchResult{Item: it.item}
		res.Item.Value = copyValue(res.Item.Value)
		if queryVec != nil && it.vector != nil {
			res.Score = cosine(queryVec, it.vector)
		}
		results = append(results, res)
	}
	m.mu.RUnlock()

	if queryVec != nil {
		sort.SliceStable(results, func(i, j int) bool {
			if results[i].Score != results[j].Score {
				return results[i].Score > results[j].Score
			}
			return results[i].Item.UpdatedAt.After(results[j].Item.UpdatedAt)
		})
	} else {
		sort.SliceStable(results, func(i, j int) bool {
			return results[i].Item.UpdatedAt.After(results[j].Item.UpdatedAt)
		})
	}

	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// indexDocument extracts the text to embed from a value, either the named
// fields joined in order or the whole value serialized.
func indexDocument(value map[string]any, fields []string) string {
	if len(fields) == 0 {
		data, err := json.Marshal(value)
		if err != nil {
			return fmt.Sprint(value)
		}
		return string(data)
	}
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		if v, ok := value[f]; ok {
			parts = append(parts, fmt.Sprint(v))
		}
	}
	return strings.Join(parts, "\n")
}

func cosine(a, b []float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

func copyValue(value map[string]any) map[string]any {
	if value == nil {
		return nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		out := make(map[string]any, len(value))
		for k, v := range value {
			out[k] = v
		}
		return out
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return value
	}
	return out
}
