package types

import (
	"math/big"

	"github.com/ethereum/go-ethereum/rlp"
	"golang.org/x/crypto/sha3"
)

// Header is the post-merge block header subset the sync and RPC layers
// consume. Consensus fields that never influence state reconstruction
// (mix digest, nonce, uncle hash) are omitted.
type Header struct {
	ParentHash  Hash
	Coinbase    Address
	Root        Hash // state trie root
	TxHash      Hash
	ReceiptHash Hash
	Number      *big.Int
	GasLimit    uint64
	GasUsed     uint64
	Time        uint64
	BaseFee     *big.Int
}

// Hash returns the Keccak256 hash of the header's RLP encoding.
func (h *Header) Hash() Hash {
	enc, err := rlp.EncodeToBytes(h)
	if err != nil {
		panic(err)
	}
	d := sha3.NewLegacyKeccak256()
	d.Write(enc)
	return BytesToHash(d.Sum(nil))
}

// NumberU64 returns the block number as a uint64, or zero when unset.
func (h *Header) NumberU64() uint64 {
	if h.Number == nil {
		return 0
	}
	return h.Number.Uint64()
}

// CopyHeader creates a deep copy of a header.
func CopyHeader(h *Header) *Header {
	cpy := *h
	if h.Number != nil {
		cpy.Number = new(big.Int).Set(h.Number)
	}
	if h.BaseFee != nil {
		cpy.BaseFee = new(big.Int).Set(h.BaseFee)
	}
	return &cpy
}

// Block pairs a header with its transaction payload. The sync engine only
// ever needs the header; the body is carried for the RPC block-by-hash
// surface.
type Block struct {
	header *Header
	txs    [][]byte // opaque RLP-encoded transactions
}

// NewBlock assembles a block from a header and raw transaction payloads.
func NewBlock(header *Header, txs [][]byte) *Block {
	return &Block{header: CopyHeader(header), txs: txs}
}

// Header returns a copy of the block's header.
func (b *Block) Header() *Header { return CopyHeader(b.header) }

// Root returns the state root committed to by the block.
func (b *Block) Root() Hash { return b.header.Root }

// NumberU64 returns the block number.
func (b *Block) NumberU64() uint64 { return b.header.NumberU64() }

// Hash returns the block hash (the header hash).
func (b *Block) Hash() Hash { return b.header.Hash() }

// Transactions returns the raw transaction payloads.
func (b *Block) Transactions() [][]byte { return b.txs }
