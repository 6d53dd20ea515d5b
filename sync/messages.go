// messages.go defines the snap wire requests and replies the engine
// exchanges with remote peers, plus the request sizing constants. The
// transport framing underneath is the peer implementation's business; the
// engine only sees these structs.
package sync

import "github.com/keystone-eth/keystone/core/types"

// Request sizing. Replies are soft-capped around one megabyte; range
// requests leave headroom for the boundary proof so a full reply does not
// overshoot the cap and get rejected.
const (
	// softResponseLimit is the soft byte cap advertised on range requests.
	softResponseLimit = 1024 * 1024

	// estimatedProofSize is the headroom reserved for boundary proof
	// nodes: roughly ten nodes of up to 532 bytes each.
	estimatedProofSize = 10 * 532

	// fetchRequestBytes is the byte budget for leaf payloads.
	fetchRequestBytes = softResponseLimit - estimatedProofSize

	// fetchRequestContractsMax caps code hashes per GetByteCodes request.
	fetchRequestContractsMax = 64

	// fetchRequestTrieNodesMax caps node paths per GetTrieNodes request.
	fetchRequestTrieNodesMax = 1024

	// fetchRequestStorageSlotsMax caps accounts per GetStorageRanges
	// request.
	fetchRequestStorageSlotsMax = 8
)

// AccountEntry is one account leaf of an account-range reply: the account
// key and the slim-encoded account body.
type AccountEntry struct {
	Hash types.Hash // account key (keccak256 of the address)
	Body []byte     // slim account RLP
}

// AccountRangeRequest asks for the account leaves inside a key interval of
// the state trie at Root.
type AccountRangeRequest struct {
	ID     uint64
	Root   types.Hash
	Origin types.Hash // first account key of interest (inclusive)
	Limit  types.Hash // last account key of interest (inclusive)
	Bytes  uint64     // soft reply size cap
}

// AccountRangeResponse carries the sorted account leaves plus the Merkle
// proof of the range boundaries.
type AccountRangeResponse struct {
	ID       uint64
	Accounts []AccountEntry
	Proof    [][]byte
}

// StorageSlotsAccount identifies one per-account storage sub-trie within a
// storage-ranges request.
type StorageSlotsAccount struct {
	AccKey      types.Hash // owning account key
	StorageRoot types.Hash // expected storage trie root
}

// StorageRangesRequest asks for storage leaves of several accounts under
// one state root. Origin/Limit bound the slot key interval; they normally
// cover the full space except when resuming a partially fetched account.
type StorageRangesRequest struct {
	ID       uint64
	Root     types.Hash
	Accounts []StorageSlotsAccount
	Origin   types.Hash
	Limit    types.Hash
	Bytes    uint64
}

// StorageEntry is a single storage leaf.
type StorageEntry struct {
	SlotHash types.Hash // keccak256 of the storage key
	Value    []byte     // RLP-encoded slot value
}

// StorageRangesResponse returns one slot list per requested account, in
// request order. Only the last list may be truncated, in which case Proof
// holds its right-boundary proof.
type StorageRangesResponse struct {
	ID    uint64
	Slots [][]StorageEntry
	Proof [][]byte
}

// ByteCodesRequest asks for contract bytecodes by code hash.
type ByteCodesRequest struct {
	ID     uint64
	Hashes []types.Hash
	Bytes  uint64
}

// ByteCodesResponse carries the returned bytecode blobs; peers may return
// fewer than requested but never unknown ones.
type ByteCodesResponse struct {
	ID    uint64
	Codes [][]byte
}

// TrieNodePathSet addresses trie nodes for healing: the first element is
// an account-trie partial path; any further elements are storage-trie
// partial paths below that account.
type TrieNodePathSet [][]byte

// TrieNodesRequest asks for individual trie nodes under a state root.
type TrieNodesRequest struct {
	ID    uint64
	Root  types.Hash
	Paths []TrieNodePathSet
	Bytes uint64
}

// TrieNodesResponse returns the node blobs in request order; missing nodes
// are nil entries.
type TrieNodesResponse struct {
	ID    uint64
	Nodes [][]byte
}

// SnapPeer is a remote peer speaking the snap protocol. Implementations
// block until the reply arrives or the request times out.
type SnapPeer interface {
	// ID returns the unique identifier of the peer.
	ID() string

	// RequestAccountRange requests account trie leaves in a key range.
	RequestAccountRange(req AccountRangeRequest) (*AccountRangeResponse, error)

	// RequestStorageRanges requests storage leaves for a set of accounts.
	RequestStorageRanges(req StorageRangesRequest) (*StorageRangesResponse, error)

	// RequestByteCodes requests contract bytecodes by hash.
	RequestByteCodes(req ByteCodesRequest) (*ByteCodesResponse, error)

	// RequestTrieNodes requests individual trie nodes by path.
	RequestTrieNodes(req TrieNodesRequest) (*TrieNodesResponse, error)
}
