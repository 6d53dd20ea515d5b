// Package rpc exposes the read-only hooks the sync engine offers to
// request handlers, together with the authenticated-endpoint (JWT-HS256)
// and CORS boundaries in front of them.
package rpc

import (
	"errors"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/keystone-eth/keystone/core/rawdb"
	"github.com/keystone-eth/keystone/core/types"
	"github.com/keystone-eth/keystone/trie"
)

// ErrNotFound is returned by lookups that miss.
var ErrNotFound = errors.New("rpc: not found")

// Backend is the read-only view request handlers consume.
type Backend interface {
	// LatestHeader returns the current head header.
	LatestHeader() (*types.Header, error)

	// HeaderByNumber returns the canonical header at the given height.
	HeaderByNumber(number uint64) (*types.Header, error)

	// BlockByHash returns the block with the given hash.
	BlockByHash(hash types.Hash) (*types.Block, error)

	// StateReady reports whether the state at the header's root is fully
	// available locally.
	StateReady(header *types.Header) bool

	// Ledger opens a read-only account view at the given state root.
	Ledger(stateRoot types.Hash) (*LedgerView, error)
}

// chainBackend implements Backend over the raw database.
type chainBackend struct {
	db    rawdb.KeyValueStore
	nodes *trie.Database
}

// NewBackend creates a Backend over a key-value store.
func NewBackend(db rawdb.KeyValueStore) Backend {
	return &chainBackend{db: db, nodes: trie.NewDatabase(db)}
}

// LatestHeader returns the head header, resolved through the head pointer.
func (b *chainBackend) LatestHeader() (*types.Header, error) {
	hash := rawdb.ReadHeadHeaderHash(b.db)
	if hash.IsZero() {
		return nil, ErrNotFound
	}
	number, ok := rawdb.ReadHeaderNumber(b.db, hash)
	if !ok {
		return nil, ErrNotFound
	}
	header := rawdb.ReadHeader(b.db, number, hash)
	if header == nil {
		return nil, ErrNotFound
	}
	return header, nil
}

// HeaderByNumber returns the canonical header at a height.
func (b *chainBackend) HeaderByNumber(number uint64) (*types.Header, error) {
	hash := rawdb.ReadCanonicalHash(b.db, number)
	if hash.IsZero() {
		return nil, ErrNotFound
	}
	header := rawdb.ReadHeader(b.db, number, hash)
	if header == nil {
		return nil, ErrNotFound
	}
	return header, nil
}

// BlockByHash assembles a block from its stored header and body.
func (b *chainBackend) BlockByHash(hash types.Hash) (*types.Block, error) {
	number, ok := rawdb.ReadHeaderNumber(b.db, hash)
	if !ok {
		return nil, ErrNotFound
	}
	header := rawdb.ReadHeader(b.db, number, hash)
	if header == nil {
		return nil, ErrNotFound
	}
	txs := rawdb.ReadBody(b.db, number, hash)
	return types.NewBlock(header, txs), nil
}

// StateReady probes whether the state at the header's root is locally
// available. The root node is the authoritative signal: the sync engine
// only reports completion once every reachable node is persisted.
func (b *chainBackend) StateReady(header *types.Header) bool {
	if header.Root == types.EmptyRootHash {
		return true
	}
	if _, err := b.nodes.Node(header.Root); err != nil {
		return false
	}
	return true
}

// Ledger opens a read-only account view at a state root.
func (b *chainBackend) Ledger(stateRoot types.Hash) (*LedgerView, error) {
	if stateRoot != types.EmptyRootHash && !b.nodes.Has(stateRoot) {
		return nil, ErrNotFound
	}
	return &LedgerView{db: b.db, nodes: b.nodes, root: stateRoot}, nil
}

// LedgerView reads accounts, storage slots and bytecode out of one state
// root.
type LedgerView struct {
	db    rawdb.KeyValueStore
	nodes *trie.Database
	root  types.Hash
}

// Root returns the state root of the view.
func (v *LedgerView) Root() types.Hash { return v.root }

// Account returns the account stored under the given account key.
func (v *LedgerView) Account(accKey types.Hash) (*types.StateAccount, error) {
	tr := trie.NewAtRoot(v.root, v.nodes)
	blob, err := tr.Get(accKey.Bytes())
	if err != nil {
		if errors.Is(err, trie.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var account types.StateAccount
	if err := rlp.DecodeBytes(blob, &account); err != nil {
		return nil, err
	}
	return &account, nil
}

// Slot returns the raw RLP value of a storage slot.
func (v *LedgerView) Slot(accKey, slotKey types.Hash) ([]byte, error) {
	account, err := v.Account(accKey)
	if err != nil {
		return nil, err
	}
	if account.Root == types.EmptyRootHash {
		return nil, ErrNotFound
	}
	tr := trie.NewAtRoot(account.Root, v.nodes)
	value, err := tr.Get(slotKey.Bytes())
	if err != nil {
		if errors.Is(err, trie.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return value, nil
}

// Code returns the bytecode stored under a code hash.
func (v *LedgerView) Code(codeHash types.Hash) ([]byte, error) {
	if codeHash == types.EmptyCodeHash {
		return nil, nil
	}
	code := rawdb.ReadCode(v.db, codeHash)
	if code == nil {
		return nil, ErrNotFound
	}
	return code, nil
}
