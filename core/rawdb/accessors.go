package rawdb

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/keystone-eth/keystone/core/types"
)

// KeyValueWriter is the subset of write operations shared by stores and
// batches, so accessors can target either.
type KeyValueWriter interface {
	Put(key, value []byte) error
	Delete(key []byte) error
}

// ReadStateNode retrieves a state trie node by its hash, or nil if absent.
func ReadStateNode(db KeyValueStore, nodeKey types.Hash) []byte {
	data, err := db.Get(stateNodeKey(nodeKey))
	if err != nil {
		return nil
	}
	return data
}

// HasStateNode reports whether a state trie node is present.
func HasStateNode(db KeyValueStore, nodeKey types.Hash) bool {
	ok, _ := db.Has(stateNodeKey(nodeKey))
	return ok
}

// WriteStateNode stores a state trie node keyed by its hash.
func WriteStateNode(w KeyValueWriter, nodeKey types.Hash, data []byte) error {
	return w.Put(stateNodeKey(nodeKey), data)
}

// ReadCode retrieves contract bytecode by code hash, or nil if absent.
func ReadCode(db KeyValueStore, codeHash types.Hash) []byte {
	data, err := db.Get(codeKey(codeHash))
	if err != nil {
		return nil
	}
	return data
}

// HasCode reports whether contract bytecode is present.
func HasCode(db KeyValueStore, codeHash types.Hash) bool {
	ok, _ := db.Has(codeKey(codeHash))
	return ok
}

// WriteCode stores contract bytecode keyed by its hash.
func WriteCode(w KeyValueWriter, codeHash types.Hash, code []byte) error {
	return w.Put(codeKey(codeHash), code)
}

// ReadCanonicalHash retrieves the canonical block hash for a number.
func ReadCanonicalHash(db KeyValueStore, number uint64) types.Hash {
	data, err := db.Get(canonicalKey(number))
	if err != nil || len(data) != types.HashLength {
		return types.Hash{}
	}
	return types.BytesToHash(data)
}

// WriteCanonicalHash stores the canonical block hash for a number.
func WriteCanonicalHash(w KeyValueWriter, number uint64, hash types.Hash) error {
	return w.Put(canonicalKey(number), hash.Bytes())
}

// ReadHeader retrieves a block header, or nil if absent or undecodable.
func ReadHeader(db KeyValueStore, number uint64, hash types.Hash) *types.Header {
	data, err := db.Get(headerKey(number, hash))
	if err != nil {
		return nil
	}
	header := new(types.Header)
	if err := rlp.DecodeBytes(data, header); err != nil {
		return nil
	}
	return header
}

// WriteHeader stores a block header along with its hash-to-number index.
func WriteHeader(w KeyValueWriter, header *types.Header) error {
	var (
		number = header.NumberU64()
		hash   = header.Hash()
	)
	data, err := rlp.EncodeToBytes(header)
	if err != nil {
		return err
	}
	if err := w.Put(headerKey(number, hash), data); err != nil {
		return err
	}
	return w.Put(headerNumberKey(hash), encodeBlockNumber(number))
}

// ReadHeaderNumber resolves a header hash to its block number.
func ReadHeaderNumber(db KeyValueStore, hash types.Hash) (uint64, bool) {
	data, err := db.Get(headerNumberKey(hash))
	if err != nil || len(data) != 8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(data), true
}

// ReadHeadHeaderHash retrieves the current head header hash.
func ReadHeadHeaderHash(db KeyValueStore) types.Hash {
	data, err := db.Get(headHeaderKey)
	if err != nil || len(data) != types.HashLength {
		return types.Hash{}
	}
	return types.BytesToHash(data)
}

// WriteHeadHeaderHash stores the current head header hash.
func WriteHeadHeaderHash(w KeyValueWriter, hash types.Hash) error {
	return w.Put(headHeaderKey, hash.Bytes())
}

// ReadBody retrieves the raw transaction payloads of a block body.
func ReadBody(db KeyValueStore, number uint64, hash types.Hash) [][]byte {
	data, err := db.Get(bodyKey(number, hash))
	if err != nil {
		return nil
	}
	var txs [][]byte
	if err := rlp.DecodeBytes(data, &txs); err != nil {
		return nil
	}
	return txs
}

// WriteBody stores the raw transaction payloads of a block body.
func WriteBody(w KeyValueWriter, number uint64, hash types.Hash, txs [][]byte) error {
	data, err := rlp.EncodeToBytes(txs)
	if err != nil {
		return err
	}
	return w.Put(bodyKey(number, hash), data)
}

// ReadSyncProgress retrieves the persisted snap-sync progress snapshot.
func ReadSyncProgress(db KeyValueStore) []byte {
	data, err := db.Get(syncProgressKey)
	if err != nil {
		return nil
	}
	return data
}

// WriteSyncProgress stores the snap-sync progress snapshot.
func WriteSyncProgress(w KeyValueWriter, data []byte) error {
	return w.Put(syncProgressKey, data)
}

// DeleteSyncProgress removes the snap-sync progress snapshot.
func DeleteSyncProgress(w KeyValueWriter) error {
	return w.Delete(syncProgressKey)
}
