package checkpoint

import (
	"context"
	"sync"

	json "github.com/goccy/go-json"
)

// MemorySaver keeps checkpoint histories in process memory.
//
// It is the engine's default saver: correct for tests, development, and
// runs that do not need to survive the process. Histories grow without
// bound; use a durable saver for anything long-lived.
type MemorySaver struct {
	mu      sync.RWMutex
	threads map[string][]Checkpoint // commit order, oldest first
	index   map[string]map[string]int
}

// NewMemorySaver creates an empty in-memory saver.
func NewMemorySaver() *MemorySaver {
	return &MemorySaver{
		threads: make(map[string][]Checkpoint),
		index:   make(map[string]map[string]int),
	}
}

// Put implements Saver. The checkpoint is deep-copied on the way in so later
// caller mutations cannot reach stored history.
func (m *MemorySaver) Put(_ context.Context, cp Checkpoint) error {
	stored, err := copyCheckpoint(cp)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.index[cp.ThreadID] == nil {
		m.index[cp.ThreadID] = make(map[string]int)
	}
	m.index[cp.ThreadID][cp.ID] = len(m.threads[cp.ThreadID])
	m.threads[cp.ThreadID] = append(m.threads[cp.ThreadID], stored)
	return nil
}

// Latest implements Saver.
func (m *MemorySaver) Latest(_ context.Context, threadID string) (Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	history := m.threads[threadID]
	if len(history) == 0 {
		return Checkpoint{}, ErrNotFound
	}
	return copyCheckpoint(history[len(history)-1])
}

// Get implements Saver.
func (m *MemorySaver) Get(_ context.Context, threadID, checkpointID string) (Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	pos, ok := m.index[threadID][checkpointID]
	if !ok {
		return Checkpoint{}, ErrNotFound
	}
	return copyCheckpoint(m.threads[threadID][pos])
}

// History implements Saver, returning checkpoints most recent first.
func (m *MemorySaver) History(_ context.Context, threadID string) ([]Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	history := m.threads[threadID]
	out := make([]Checkpoint, 0, len(history))
	for i := len(history) - 1; i >= 0; i-- {
		cp, err := copyCheckpoint(history[i])
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

// copyCheckpoint round-trips the checkpoint through JSON, the same deep-copy
// the durable savers get for free from serialization.
func copyCheckpoint(cp Checkpoint) (Checkpoint, error) {
	data, err := json.Marshal(cp)
	if err != nil {
		return Checkpoint{}, err
	}
	var out Checkpoint
	if err := json.Unmarshal(data, &out); err != nil {
		return Checkpoint{}, err
	}
	return out, nil
}
