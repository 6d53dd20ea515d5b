package trie

import (
	"errors"
	"fmt"

	"github.com/keystone-eth/keystone/core/rawdb"
	"github.com/keystone-eth/keystone/core/types"
)

// ErrNodeNotFound is returned by node readers when a referenced node is not
// present in the backing store.
var ErrNodeNotFound = errors.New("trie: node not found")

// NodeReader resolves trie nodes by their hash.
type NodeReader interface {
	// Node returns the RLP blob of the node with the given hash, or
	// ErrNodeNotFound (possibly wrapped) when absent.
	Node(hash types.Hash) ([]byte, error)
}

// NodeWriter persists trie node blobs keyed by their hash.
type NodeWriter interface {
	PutNode(hash types.Hash, blob []byte) error
}

// MissingNodeError is returned when trie resolution hits a node that is
// referenced but not available. It carries the position so callers can
// schedule a targeted heal.
type MissingNodeError struct {
	Hash types.Hash // hash of the absent node
	Path []byte     // hex-nibble path from the root
}

func (e *MissingNodeError) Error() string {
	return fmt.Sprintf("missing trie node %s at path %x", e.Hash.Hex(), e.Path)
}

func (e *MissingNodeError) Unwrap() error { return ErrNodeNotFound }

// Database reads and writes trie nodes through the raw key-value store,
// under the state-node key prefix.
type Database struct {
	disk rawdb.KeyValueStore
}

// NewDatabase creates a trie node database over a key-value store.
func NewDatabase(disk rawdb.KeyValueStore) *Database {
	return &Database{disk: disk}
}

// Node returns the stored blob for the given node hash.
func (db *Database) Node(hash types.Hash) ([]byte, error) {
	blob := rawdb.ReadStateNode(db.disk, hash)
	if blob == nil {
		return nil, ErrNodeNotFound
	}
	return blob, nil
}

// Has reports whether the node with the given hash is stored.
func (db *Database) Has(hash types.Hash) bool {
	return rawdb.HasStateNode(db.disk, hash)
}

// PutNode stores a node blob immediately (outside any batch).
func (db *Database) PutNode(hash types.Hash, blob []byte) error {
	return rawdb.WriteStateNode(db.disk, hash, blob)
}

// BatchWriter returns a NodeWriter that queues node writes into the given
// raw database batch, so a reply's nodes land atomically.
func (db *Database) BatchWriter(batch rawdb.Batch) NodeWriter {
	return &batchNodeWriter{batch: batch}
}

// batchNodeWriter adapts a rawdb batch to the NodeWriter interface.
type batchNodeWriter struct {
	batch rawdb.Batch
}

func (w *batchNodeWriter) PutNode(hash types.Hash, blob []byte) error {
	return rawdb.WriteStateNode(w.batch, hash, blob)
}

// memoryNodeReader serves nodes from an in-memory map. Used for proof
// verification and tests.
type memoryNodeReader struct {
	nodes map[types.Hash][]byte
}

// NewMemoryNodeSet builds a NodeReader over the given blobs, keyed by their
// Keccak-256 hashes.
func NewMemoryNodeSet(blobs [][]byte) NodeReader {
	r := &memoryNodeReader{nodes: make(map[types.Hash][]byte, len(blobs))}
	for _, blob := range blobs {
		r.nodes[hashBlob(blob)] = blob
	}
	return r
}

func (r *memoryNodeReader) Node(hash types.Hash) ([]byte, error) {
	blob, ok := r.nodes[hash]
	if !ok {
		return nil, ErrNodeNotFound
	}
	return blob, nil
}
