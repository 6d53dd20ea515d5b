package rawdb

import "encoding/binary"

// Key prefixes for the database schema. Single-letter prefixes keep the
// keyspace compact while avoiding collisions between record kinds.
var (
	// State trie nodes, keyed by node hash: S + nodeKey -> node RLP.
	// Invariant: keccak256(value) == nodeKey.
	stateNodePrefix = []byte("S")

	// Canonical block index: T + num (8 bytes BE) -> block hash.
	canonicalPrefix = []byte("T")

	// Contract code: C + code hash -> bytecode.
	codePrefix = []byte("C")

	// Snap-sync pivot progress snapshot (a single record).
	syncProgressKey = []byte("P")

	// Header data: h + num (8 bytes BE) + hash -> header RLP.
	headerPrefix = []byte("h")

	// Header number index: H + hash -> num (8 bytes BE).
	headerNumberPrefix = []byte("H")

	// Block body data: b + num (8 bytes BE) + hash -> body RLP.
	bodyPrefix = []byte("b")

	// Current head header hash.
	headHeaderKey = []byte("hh")
)

// encodeBlockNumber encodes a block number as an 8-byte big-endian value.
func encodeBlockNumber(number uint64) []byte {
	enc := make([]byte, 8)
	binary.BigEndian.PutUint64(enc, number)
	return enc
}

// stateNodeKey = stateNodePrefix + nodeKey
func stateNodeKey(nodeKey [32]byte) []byte {
	return append(append([]byte{}, stateNodePrefix...), nodeKey[:]...)
}

// canonicalKey = canonicalPrefix + num
func canonicalKey(number uint64) []byte {
	return append(append([]byte{}, canonicalPrefix...), encodeBlockNumber(number)...)
}

// codeKey = codePrefix + codeHash
func codeKey(codeHash [32]byte) []byte {
	return append(append([]byte{}, codePrefix...), codeHash[:]...)
}

// headerKey = headerPrefix + num + hash
func headerKey(number uint64, hash [32]byte) []byte {
	key := append(append([]byte{}, headerPrefix...), encodeBlockNumber(number)...)
	return append(key, hash[:]...)
}

// headerNumberKey = headerNumberPrefix + hash
func headerNumberKey(hash [32]byte) []byte {
	return append(append([]byte{}, headerNumberPrefix...), hash[:]...)
}

// bodyKey = bodyPrefix + num + hash
func bodyKey(number uint64, hash [32]byte) []byte {
	key := append(append([]byte{}, bodyPrefix...), encodeBlockNumber(number)...)
	return append(key, hash[:]...)
}
