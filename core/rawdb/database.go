// Package rawdb wraps the raw key-value store underneath the keystone
// client: the store interface, an in-memory backend for tests, a leveldb
// backend for production, atomic write batches and the database schema.
package rawdb

import "errors"

// Database errors.
var (
	// ErrNotFound is returned when a key is absent from the store.
	ErrNotFound = errors.New("rawdb: key not found")

	// ErrClosed is returned when operating on a closed store.
	ErrClosed = errors.New("rawdb: database closed")
)

// KeyValueStore is the interface all database backends implement: a
// byte-key/byte-value store with atomic batches and ordered iteration.
type KeyValueStore interface {
	// Get retrieves the value for a key. Returns ErrNotFound if absent.
	Get(key []byte) ([]byte, error)

	// Has returns whether the key exists in the store.
	Has(key []byte) (bool, error)

	// Put stores a key-value pair. Both key and value are copied.
	Put(key, value []byte) error

	// Delete removes a key. It is a no-op if the key does not exist.
	Delete(key []byte) error

	// NewBatch creates an atomic write batch.
	NewBatch() Batch

	// NewIterator returns an iterator over the keys with the given prefix,
	// starting at start (which is appended to the prefix), in ascending
	// key order.
	NewIterator(prefix, start []byte) Iterator

	// Close releases the store's resources.
	Close() error
}

// Batch accumulates writes that are applied atomically by Write.
type Batch interface {
	// Put queues a key-value write into the batch.
	Put(key, value []byte) error

	// Delete queues a key removal into the batch.
	Delete(key []byte) error

	// ValueSize returns the amount of queued data.
	ValueSize() int

	// Write flushes the batch to the underlying store atomically.
	Write() error

	// Reset discards the batch contents for reuse.
	Reset()
}

// Iterator walks key-value pairs in ascending key order.
type Iterator interface {
	// Next advances the iterator; it returns false when exhausted.
	Next() bool

	// Key returns the current key. Only valid after a true Next.
	Key() []byte

	// Value returns the current value. Only valid after a true Next.
	Value() []byte

	// Release frees the iterator's resources.
	Release()
}
