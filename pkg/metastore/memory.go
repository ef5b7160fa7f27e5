package metastore

import (
	"bytes"
	"context"
	"strings"
	"sync"

	"github.com/zhangyunhao116/skipmap"
)

// MemStore is the in-process MetaStore used by tests and single-node
// deployments. Entries live in a skip list so List walks keys in order
// without copying the whole map; a store-wide mutex serializes
// transactions against reads of multiple keys.
type MemStore struct {
	mu      sync.RWMutex
	entries *skipmap.StringMap[[]byte]
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{entries: skipmap.NewString[[]byte]()}
}

func (s *MemStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.entries.Load(key)
	if !ok {
		return nil, ErrKeyNotFound
	}
	return bytes.Clone(v), nil
}

func (s *MemStore) Put(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries.Store(key, bytes.Clone(value))
	return nil
}

func (s *MemStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries.Delete(key)
	return nil
}

func (s *MemStore) List(_ context.Context, prefix string) ([]KV, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []KV
	s.entries.Range(func(key string, value []byte) bool {
		if strings.HasPrefix(key, prefix) {
			out = append(out, KV{Key: key, Value: bytes.Clone(value)})
		}
		return true
	})
	return out, nil
}

func (s *MemStore) Txn(_ context.Context, conds []Precondition, ops []Op) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range conds {
		v, ok := s.entries.Load(c.Key)
		switch c.Kind {
		case CondExists:
			if !ok {
				return ErrTxnConflict
			}
		case CondAbsent:
			if ok {
				return ErrTxnConflict
			}
		case CondValueEquals:
			if !ok || !bytes.Equal(v, c.Value) {
				return ErrTxnConflict
			}
		}
	}

	for _, op := range ops {
		switch op.Kind {
		case OpPut:
			s.entries.Store(op.Key, bytes.Clone(op.Value))
		case OpDelete:
			s.entries.Delete(op.Key)
		}
	}
	return nil
}

func (s *MemStore) Close() error { return nil }
