// Package metastore abstracts the transactional metadata store the
// version manager persists its state in. Implementations must provide
// linearizable single-key operations and multi-key atomic transactions
// with preconditions; nothing else is assumed.
package metastore

import (
	"context"
	"errors"
)

var (
	ErrKeyNotFound = errors.New("metastore: key not found")
	// ErrTxnConflict means a precondition failed and nothing was
	// written; the caller re-reads and retries.
	ErrTxnConflict = errors.New("metastore: transaction precondition failed")
)

// OpKind discriminates transaction operations.
type OpKind int

const (
	OpPut OpKind = iota
	OpDelete
)

// Op is one write inside a transaction.
type Op struct {
	Kind  OpKind
	Key   string
	Value []byte
}

// Put builds a put op.
func Put(key string, value []byte) Op {
	return Op{Kind: OpPut, Key: key, Value: value}
}

// Delete builds a delete op.
func Delete(key string) Op {
	return Op{Kind: OpDelete, Key: key}
}

// CondKind discriminates transaction preconditions.
type CondKind int

const (
	// CondExists requires the key to be present.
	CondExists CondKind = iota
	// CondAbsent requires the key to be missing.
	CondAbsent
	// CondValueEquals requires the key to hold exactly Value.
	CondValueEquals
)

// Precondition guards a transaction; any failed guard aborts it with
// ErrTxnConflict and leaves the store untouched.
type Precondition struct {
	Kind  CondKind
	Key   string
	Value []byte
}

// KeyExists builds an existence guard.
func KeyExists(key string) Precondition {
	return Precondition{Kind: CondExists, Key: key}
}

// KeyAbsent builds an absence guard.
func KeyAbsent(key string) Precondition {
	return Precondition{Kind: CondAbsent, Key: key}
}

// ValueEquals builds an equality guard.
func ValueEquals(key string, value []byte) Precondition {
	return Precondition{Kind: CondValueEquals, Key: key, Value: value}
}

// KV is one listed entry.
type KV struct {
	Key   string
	Value []byte
}

// MetaStore is the narrow collaborator interface consumed by the
// version manager. All methods are safe for concurrent use.
type MetaStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	// List returns all entries whose key starts with prefix, in
	// ascending key order.
	List(ctx context.Context, prefix string) ([]KV, error)
	// Txn atomically applies ops if every precondition holds.
	Txn(ctx context.Context, conds []Precondition, ops []Op) error
	Close() error
}
