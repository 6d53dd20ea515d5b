// import.go persists verified range replies: the partial trie rebuilt from
// a reply's proof and leaves is committed node-by-node through an atomic
// batch, and dangling references inside the covered interval surface as
// gaps for the healer.
package sync

import (
	"fmt"

	"github.com/keystone-eth/keystone/core/rawdb"
	"github.com/keystone-eth/keystone/core/types"
	"github.com/keystone-eth/keystone/crypto"
	"github.com/keystone-eth/keystone/trie"
)

// stateStore bundles the raw database with its trie node view; every
// reply is committed through one atomic batch.
type stateStore struct {
	db    rawdb.KeyValueStore
	nodes *trie.Database
}

// newStateStore creates a state store over a key-value database.
func newStateStore(db rawdb.KeyValueStore) *stateStore {
	return &stateStore{db: db, nodes: trie.NewDatabase(db)}
}

// AccountImport is the outcome of persisting one account-range reply.
type AccountImport struct {
	// Covered is the interval the reply vouches for: from the requested
	// origin through the last returned key, or the end of the key space
	// when the reply exhausted the trie.
	Covered TagRange

	// Gaps are dangling references whose envelopes intersect Covered:
	// in-range subtrees the reply referenced but did not deliver. Their
	// envelopes must not be marked processed.
	Gaps []trie.NodeSpec

	// More reports whether keys beyond Covered exist.
	More bool

	// Accounts are the decoded account bodies, aligned with the reply.
	Accounts []*types.StateAccount
}

// ImportAccountRange verifies an account-range reply against the state
// root and commits its nodes. The reply's proof and leaves must rebuild a
// partial trie hashing to root, or nothing is written.
func (s *stateStore) ImportAccountRange(root, origin types.Hash, resp *AccountRangeResponse) (*AccountImport, error) {
	keys := make([][]byte, len(resp.Accounts))
	values := make([][]byte, len(resp.Accounts))
	accounts := make([]*types.StateAccount, len(resp.Accounts))
	for i, entry := range resp.Accounts {
		account, err := types.FullAccount(entry.Body)
		if err != nil {
			return nil, fmt.Errorf("%w: account %s: %v", trie.ErrBadProof, entry.Hash.Hex(), err)
		}
		full, err := types.FullAccountRLP(entry.Body)
		if err != nil {
			return nil, err
		}
		keys[i] = entry.Hash.Bytes()
		values[i] = full
		accounts[i] = account
	}

	res, err := trie.VerifyRangeProof(root, origin, keys, values, resp.Proof)
	if err != nil {
		return nil, err
	}

	out := &AccountImport{More: res.More, Accounts: accounts}
	first := TagFromHash(origin)
	last := fullLast
	if res.More {
		if len(keys) == 0 {
			return nil, fmt.Errorf("%w: truncated reply without keys", trie.ErrBadProof)
		}
		last = TagFromHash(types.BytesToHash(keys[len(keys)-1]))
	}
	if first.Cmp(&last) > 0 {
		return nil, fmt.Errorf("%w: reply covers nothing", trie.ErrBadProof)
	}
	out.Covered = MakeTagRange(&first, &last)

	if len(keys) == 0 {
		// Proof of exhaustion: nothing to persist, nothing dangling.
		return out, nil
	}

	batch := s.db.NewBatch()
	_, dangling, err := res.Trie.Commit(s.nodes.BatchWriter(batch))
	if err != nil {
		return nil, err
	}
	if err := batch.Write(); err != nil {
		return nil, fmt.Errorf("sync: import accounts: %w", err)
	}
	out.Gaps = s.filterGaps(dangling, out.Covered)
	return out, nil
}

// StorageImport is the outcome of persisting one account's slot list.
type StorageImport struct {
	Covered  TagRange
	Gaps     []trie.NodeSpec
	More     bool
	NumSlots int
}

// ImportStorageRange verifies one account's slot list against its storage
// root and commits the nodes.
func (s *stateStore) ImportStorageRange(storageRoot, origin types.Hash, slots []StorageEntry, proof [][]byte) (*StorageImport, error) {
	keys := make([][]byte, len(slots))
	values := make([][]byte, len(slots))
	for i, slot := range slots {
		keys[i] = slot.SlotHash.Bytes()
		values[i] = slot.Value
	}
	res, err := trie.VerifyRangeProof(storageRoot, origin, keys, values, proof)
	if err != nil {
		return nil, err
	}

	out := &StorageImport{More: res.More, NumSlots: len(slots)}
	first := TagFromHash(origin)
	last := fullLast
	if res.More {
		if len(keys) == 0 {
			return nil, fmt.Errorf("%w: truncated reply without keys", trie.ErrBadProof)
		}
		last = TagFromHash(slots[len(slots)-1].SlotHash)
	}
	if first.Cmp(&last) > 0 {
		return nil, fmt.Errorf("%w: reply covers nothing", trie.ErrBadProof)
	}
	out.Covered = MakeTagRange(&first, &last)

	if len(keys) == 0 {
		return out, nil
	}
	batch := s.db.NewBatch()
	_, dangling, err := res.Trie.Commit(s.nodes.BatchWriter(batch))
	if err != nil {
		return nil, err
	}
	if err := batch.Write(); err != nil {
		return nil, fmt.Errorf("sync: import storage: %w", err)
	}
	out.Gaps = s.filterGaps(dangling, out.Covered)
	return out, nil
}

// ImportCode verifies and stores bytecode blobs against the requested
// hashes. It returns the set of hashes actually delivered; a blob hashing
// to anything not requested rejects the whole reply.
func (s *stateStore) ImportCode(requested []types.Hash, blobs [][]byte) (map[types.Hash]bool, error) {
	wanted := make(map[types.Hash]bool, len(requested))
	for _, h := range requested {
		wanted[h] = true
	}
	delivered := make(map[types.Hash]bool, len(blobs))
	batch := s.db.NewBatch()
	for _, blob := range blobs {
		hash := crypto.Keccak256Hash(blob)
		if !wanted[hash] {
			return nil, fmt.Errorf("%w: unrequested bytecode %s", trie.ErrBadProof, hash.Hex())
		}
		if delivered[hash] {
			continue
		}
		if err := rawdb.WriteCode(batch, hash, blob); err != nil {
			return nil, err
		}
		delivered[hash] = true
	}
	if err := batch.Write(); err != nil {
		return nil, fmt.Errorf("sync: import code: %w", err)
	}
	return delivered, nil
}

// filterGaps keeps the dangling references whose envelopes intersect the
// covered interval and which are still absent from the store.
func (s *stateStore) filterGaps(dangling []trie.NodeSpec, covered TagRange) []trie.NodeSpec {
	var gaps []trie.NodeSpec
	for _, spec := range dangling {
		env, err := PathEnvelope(spec.Path)
		if err != nil {
			continue
		}
		if !env.Overlaps(covered) {
			continue
		}
		if s.nodes.Has(spec.Hash) {
			continue
		}
		gaps = append(gaps, spec)
	}
	return gaps
}

// probeStorageTrie classifies a storage root against the local store: a
// missing root node means nothing is local; a bounded inspection with no
// dangling references means the trie is complete; anything else is
// partial.
func (s *stateStore) probeStorageTrie(storageRoot types.Hash) StorageProbe {
	if !s.nodes.Has(storageRoot) {
		return StorageAbsent
	}
	res, err := InspectTrie(s.nodes, storageRoot, InspectOptions{
		BatchLimit:  4096,
		MaxDangling: 1,
	})
	if err != nil {
		return StoragePartial
	}
	if len(res.Dangling) == 0 && res.Resume == nil {
		return StorageComplete
	}
	return StoragePartial
}
