package types

import (
	"math/big"

	"github.com/ethereum/go-ethereum/rlp"
)

// Well-known hashes of empty structures.
var (
	// EmptyRootHash is the root of an empty Merkle-Patricia trie:
	// Keccak256(RLP("")).
	EmptyRootHash = HexToHash("0x56e81f171bcc55a6ff8345e692c0f86e5b48e01b996cadc001622fb5e363b421")

	// EmptyCodeHash is Keccak256 of empty bytecode.
	EmptyCodeHash = HexToHash("0xc5d2460186f7233c927e7db2dcc703c0e500b653ca82273b7bfad8045d85a470")
)

// StateAccount is the consensus representation of an account stored in the
// account trie: RLP([nonce, balance, storageRoot, codeHash]).
type StateAccount struct {
	Nonce    uint64
	Balance  *big.Int
	Root     Hash   // storage trie root (EmptyRootHash when no storage)
	CodeHash []byte // keccak256 of code (EmptyCodeHash bytes for EOAs)
}

// NewStateAccount returns an account with zero balance, no storage and no
// code.
func NewStateAccount() *StateAccount {
	return &StateAccount{
		Balance:  new(big.Int),
		Root:     EmptyRootHash,
		CodeHash: EmptyCodeHash.Bytes(),
	}
}

// SlimAccount is the wire representation used by the snap protocol: the
// storage root and code hash are omitted (encoded as empty strings) when
// they carry the well-known empty values.
type SlimAccount struct {
	Nonce    uint64
	Balance  *big.Int
	Root     []byte // nil means EmptyRootHash
	CodeHash []byte // nil means EmptyCodeHash
}

// SlimAccountRLP converts a consensus account into its slim RLP encoding.
func SlimAccountRLP(account StateAccount) []byte {
	slim := SlimAccount{
		Nonce:   account.Nonce,
		Balance: account.Balance,
	}
	if account.Root != EmptyRootHash {
		slim.Root = account.Root.Bytes()
	}
	if BytesToHash(account.CodeHash) != EmptyCodeHash {
		slim.CodeHash = account.CodeHash
	}
	data, err := rlp.EncodeToBytes(slim)
	if err != nil {
		panic(err)
	}
	return data
}

// FullAccount decodes slim-encoded account data into the consensus form,
// restoring the empty root and code hash placeholders.
func FullAccount(data []byte) (*StateAccount, error) {
	var slim SlimAccount
	if err := rlp.DecodeBytes(data, &slim); err != nil {
		return nil, err
	}
	account := &StateAccount{
		Nonce:   slim.Nonce,
		Balance: slim.Balance,
		Root:    EmptyRootHash,
	}
	if account.Balance == nil {
		account.Balance = new(big.Int)
	}
	if len(slim.Root) != 0 {
		account.Root = BytesToHash(slim.Root)
	}
	if len(slim.CodeHash) != 0 {
		account.CodeHash = slim.CodeHash
	} else {
		account.CodeHash = EmptyCodeHash.Bytes()
	}
	return account, nil
}

// FullAccountRLP converts slim-encoded account data into the full consensus
// RLP encoding used as the account trie leaf value.
func FullAccountRLP(data []byte) ([]byte, error) {
	account, err := FullAccount(data)
	if err != nil {
		return nil, err
	}
	return rlp.EncodeToBytes(account)
}
