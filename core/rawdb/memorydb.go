package rawdb

import (
	"bytes"
	"sort"
	"sync"
)

// MemoryDB is an in-memory KeyValueStore. It is safe for concurrent use and
// intended for testing and development.
type MemoryDB struct {
	mu     sync.RWMutex
	data   map[string][]byte
	closed bool
}

// NewMemoryDB creates a new in-memory database.
func NewMemoryDB() *MemoryDB {
	return &MemoryDB{data: make(map[string][]byte)}
}

// Get retrieves the value for a key. Returns ErrNotFound if absent.
func (db *MemoryDB) Get(key []byte) ([]byte, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return nil, ErrClosed
	}
	val, ok := db.data[string(key)]
	if !ok {
		return nil, ErrNotFound
	}
	return bytes.Clone(val), nil
}

// Has returns whether the key exists in the store.
func (db *MemoryDB) Has(key []byte) (bool, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return false, ErrClosed
	}
	_, ok := db.data[string(key)]
	return ok, nil
}

// Put stores a key-value pair, copying both.
func (db *MemoryDB) Put(key, value []byte) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ErrClosed
	}
	db.data[string(key)] = bytes.Clone(value)
	return nil
}

// Delete removes a key from the store.
func (db *MemoryDB) Delete(key []byte) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ErrClosed
	}
	delete(db.data, string(key))
	return nil
}

// Close marks the store closed. Further operations fail with ErrClosed.
func (db *MemoryDB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.closed = true
	return nil
}

// Len returns the number of stored keys.
func (db *MemoryDB) Len() int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return len(db.data)
}

// NewBatch creates an atomic write batch.
func (db *MemoryDB) NewBatch() Batch {
	return &memBatch{db: db}
}

// NewIterator returns an iterator over a snapshot of the keys with the
// given prefix, starting at prefix+start.
func (db *MemoryDB) NewIterator(prefix, start []byte) Iterator {
	db.mu.RLock()
	defer db.mu.RUnlock()

	first := append(append([]byte{}, prefix...), start...)
	var keys []string
	for k := range db.data {
		if bytes.HasPrefix([]byte(k), prefix) && bytes.Compare([]byte(k), first) >= 0 {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	items := make([]kvPair, len(keys))
	for i, k := range keys {
		items[i] = kvPair{key: []byte(k), value: bytes.Clone(db.data[k])}
	}
	return &memIterator{items: items, index: -1}
}

// kvPair is a single key-value entry captured by an iterator snapshot.
type kvPair struct {
	key   []byte
	value []byte
}

// memIterator iterates a snapshot of memory database contents.
type memIterator struct {
	items []kvPair
	index int
}

func (it *memIterator) Next() bool {
	it.index++
	return it.index < len(it.items)
}

func (it *memIterator) Key() []byte {
	if it.index < 0 || it.index >= len(it.items) {
		return nil
	}
	return it.items[it.index].key
}

func (it *memIterator) Value() []byte {
	if it.index < 0 || it.index >= len(it.items) {
		return nil
	}
	return it.items[it.index].value
}

func (it *memIterator) Release() { it.items = nil }

// memBatch queues writes against a MemoryDB.
type memBatch struct {
	db      *MemoryDB
	writes  []kvPair
	deletes [][]byte
	size    int
}

func (b *memBatch) Put(key, value []byte) error {
	b.writes = append(b.writes, kvPair{key: bytes.Clone(key), value: bytes.Clone(value)})
	b.size += len(key) + len(value)
	return nil
}

func (b *memBatch) Delete(key []byte) error {
	b.deletes = append(b.deletes, bytes.Clone(key))
	b.size += len(key)
	return nil
}

func (b *memBatch) ValueSize() int { return b.size }

func (b *memBatch) Write() error {
	b.db.mu.Lock()
	defer b.db.mu.Unlock()
	if b.db.closed {
		return ErrClosed
	}
	for _, w := range b.writes {
		b.db.data[string(w.key)] = w.value
	}
	for _, k := range b.deletes {
		delete(b.db.data, string(k))
	}
	return nil
}

func (b *memBatch) Reset() {
	b.writes = nil
	b.deletes = nil
	b.size = 0
}
