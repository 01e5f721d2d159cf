package checkpoint

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	badger "github.com/dgraph-io/badger/v3"
	json "github.com/goccy/go-json"
)

// BadgerSaver persists checkpoint histories in an embedded Badger
// key-value store: durable like the SQL savers but with no external
// service and no SQL surface, a good fit for agents and edge processes.
//
// Layout: history entries under h/<hex(thread)>/<seq> in commit order,
// and an id index under i/<hex(thread)>/<checkpoint_id> pointing at the
// sequence key. The thread id is hex encoded so that a thread whose id
// is a prefix of another (subgraph threads extend the parent id with
// "/<node>:<instance>") cannot fall inside the other's key range.
type BadgerSaver struct {
	db     *badger.DB
	mu     sync.Mutex // serializes Put per process; badger handles durability
	closed bool
}

// NewBadgerSaver opens (creating if necessary) a Badger database at dir.
// An empty dir opens an in-memory database, for tests.
func NewBadgerSaver(dir string) (*BadgerSaver, error) {
	opts := badger.DefaultOptions(dir)
	opts = opts.WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &BadgerSaver{db: db}, nil
}

func threadSegment(threadID string) string {
	return hex.EncodeToString([]byte(threadID))
}

func historyPrefix(threadID string) []byte {
	return []byte("h/" + threadSegment(threadID) + "/")
}

func historyKey(threadID string, seq uint64) []byte {
	return []byte(fmt.Sprintf("h/%s/%016x", threadSegment(threadID), seq))
}

func indexKey(threadID, checkpointID string) []byte {
	return []byte("i/" + threadSegment(threadID) + "/" + checkpointID)
}

// Put implements Saver.
func (b *BadgerSaver) Put(_ context.Context, cp Checkpoint) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("badger saver is closed")
	}

	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	return b.db.Update(func(txn *badger.Txn) error {
		seq, err := nextSeq(txn, cp.ThreadID)
		if err != nil {
			return err
		}
		key := historyKey(cp.ThreadID, seq)
		if err := txn.Set(key, data); err != nil {
			return fmt.Errorf("set checkpoint: %w", err)
		}
		if err := txn.Set(indexKey(cp.ThreadID, cp.ID), key); err != nil {
			return fmt.Errorf("set checkpoint index: %w", err)
		}
		return nil
	})
}

// nextSeq finds the next per-thread sequence number by seeking the highest
// existing history key.
func nextSeq(txn *badger.Txn, threadID string) (uint64, error) {
	opts := badger.DefaultIteratorOptions
	opts.Reverse = true
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()

	prefix := historyPrefix(threadID)
	// Reverse iteration needs a seek key past the prefix range.
	seek := append(append([]byte{}, prefix...), 0xff)
	it.Seek(seek)
	if !it.ValidForPrefix(prefix) {
		return 0, nil
	}

	var last uint64
	key := it.Item().Key()
	if _, err := fmt.Sscanf(string(key[len(prefix):]), "%016x", &last); err != nil {
		return 0, fmt.Errorf("parse sequence from key %q: %w", key, err)
	}
	return last + 1, nil
}

// Latest implements Saver.
func (b *BadgerSaver) Latest(_ context.Context, threadID string) (Checkpoint, error) {
	var cp Checkpoint
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := historyPrefix(threadID)
		seek := append(append([]byte{}, prefix...), 0xff)
		it.Seek(seek)
		if !it.ValidForPrefix(prefix) {
			return ErrNotFound
		}
		return it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &cp)
		})
	})
	if err != nil {
		return Checkpoint{}, err
	}
	return cp, nil
}

// Get implements Saver.
func (b *BadgerSaver) Get(_ context.Context, threadID, checkpointID string) (Checkpoint, error) {
	var cp Checkpoint
	err := b.db.View(func(txn *badger.Txn) error {
		idx, err := txn.Get(indexKey(threadID, checkpointID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get checkpoint index: %w", err)
		}

		var key []byte
		if err := idx.Value(func(val []byte) error {
			key = append([]byte{}, val...)
			return nil
		}); err != nil {
			return err
		}

		item, err := txn.Get(key)
		if err != nil {
			return fmt.Errorf("get checkpoint: %w", err)
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &cp)
		})
	})
	if err != nil {
		return Checkpoint{}, err
	}
	return cp, nil
}

// History implements Saver, most recent first.
func (b *BadgerSaver) History(_ context.Context, threadID string) ([]Checkpoint, error) {
	var out []Checkpoint
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := historyPrefix(threadID)
		seek := append(append([]byte{}, prefix...), 0xff)
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			if !bytes.HasPrefix(it.Item().Key(), prefix) {
				break
			}
			var cp Checkpoint
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &cp)
			}); err != nil {
				return err
			}
			out = append(out, cp)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Close closes the database. Double-close is a no-op.
func (b *BadgerSaver) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.db.Close()
}
