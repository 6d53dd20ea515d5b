package trie

import (
	"errors"

	"github.com/keystone-eth/keystone/core/types"
	"github.com/keystone-eth/keystone/crypto"
)

// ErrNotFound is returned when a key is not present in the trie.
var ErrNotFound = errors.New("trie: key not found")

// EmptyRoot is the root hash of an empty trie: Keccak256(RLP("")).
var EmptyRoot = crypto.Keccak256Hash([]byte{0x80})

// NodeSpec names a trie node by its position and hash: a partial path of
// hex nibbles from the root, plus the node key. It is how dangling
// references travel between the trie layer and the sync engine.
type NodeSpec struct {
	Path []byte     // hex nibbles from the root
	Hash types.Hash // node key (keccak256 of the blob)
}

// Trie is a hexary Merkle-Patricia trie. A trie created by New is fully
// in-memory; one created by NewAtRoot resolves nodes on demand through a
// NodeReader. A partial trie (see newPartialTrie) additionally tolerates
// unresolved references during insertion, which is what range-proof
// reconstruction needs.
type Trie struct {
	root    node
	reader  NodeReader
	partial bool
}

// New creates a new, empty, fully in-memory trie.
func New() *Trie {
	return &Trie{}
}

// NewAtRoot creates a trie positioned at an existing root, resolving nodes
// lazily through the reader. An EmptyRoot or zero root yields an empty trie.
func NewAtRoot(root types.Hash, reader NodeReader) *Trie {
	t := &Trie{reader: reader}
	if root != EmptyRoot && !root.IsZero() {
		t.root = hashNode(root.Bytes())
	}
	return t
}

// newPartialTrie creates a trie for range-proof reconstruction: nodes
// resolve through the reader where possible, and insertion replaces
// unresolved references with freshly built subtrees. The recomputed root
// hash vouches for the replacements.
func newPartialTrie(root types.Hash, reader NodeReader) *Trie {
	t := NewAtRoot(root, reader)
	t.partial = true
	return t
}

// hashBlob returns the node key of a blob.
func hashBlob(blob []byte) types.Hash {
	return crypto.Keccak256Hash(blob)
}

// resolve materializes a hash reference through the reader.
func (t *Trie) resolve(n hashNode, path []byte) (node, error) {
	hash := types.BytesToHash(n)
	if t.reader == nil {
		return nil, &MissingNodeError{Hash: hash, Path: append([]byte{}, path...)}
	}
	blob, err := t.reader.Node(hash)
	if err != nil {
		return nil, &MissingNodeError{Hash: hash, Path: append([]byte{}, path...)}
	}
	return decodeNode(hashNode(hash.Bytes()), blob)
}

// Get retrieves the value associated with the given key. Returns
// ErrNotFound if the key does not exist, or a *MissingNodeError when
// resolution hits an absent node.
func (t *Trie) Get(key []byte) ([]byte, error) {
	value, newroot, err := t.get(t.root, keybytesToHex(key), nil)
	if err != nil {
		return nil, err
	}
	t.root = newroot
	if value == nil {
		return nil, ErrNotFound
	}
	return value, nil
}

func (t *Trie) get(n node, key []byte, path []byte) ([]byte, node, error) {
	switch n := n.(type) {
	case nil:
		return nil, nil, nil
	case valueNode:
		return []byte(n), n, nil
	case *shortNode:
		if len(key) < len(n.Key) || !bytesEqual(n.Key, key[:len(n.Key)]) {
			return nil, n, nil
		}
		value, child, err := t.get(n.Val, key[len(n.Key):], append(path, n.Key...))
		if err != nil {
			return nil, n, err
		}
		n.Val = child
		return value, n, nil
	case *fullNode:
		if len(key) == 0 {
			return nil, n, nil
		}
		if key[0] == terminatorNibble {
			value, child, err := t.get(n.Children[16], nil, path)
			if err != nil {
				return nil, n, err
			}
			n.Children[16] = child
			return value, n, nil
		}
		value, child, err := t.get(n.Children[key[0]], key[1:], append(path, key[0]))
		if err != nil {
			return nil, n, err
		}
		n.Children[key[0]] = child
		return value, n, nil
	case hashNode:
		resolved, err := t.resolve(n, path)
		if err != nil {
			return nil, n, err
		}
		value, newnode, err := t.get(resolved, key, path)
		if err != nil {
			return nil, n, err
		}
		return value, newnode, nil
	default:
		return nil, n, errors.New("trie: unknown node type")
	}
}

// Update inserts or updates a key-value pair. An empty value deletes the
// key instead.
func (t *Trie) Update(key, value []byte) error {
	if len(value) == 0 {
		return t.Delete(key)
	}
	k := keybytesToHex(key)
	n, err := t.insert(t.root, nil, k, valueNode(value))
	if err != nil {
		return err
	}
	t.root = n
	return nil
}

func (t *Trie) insert(n node, prefix, key []byte, value node) (node, error) {
	if len(key) == 0 {
		if v, ok := n.(valueNode); ok && bytesEqual(v, value.(valueNode)) {
			return v, nil
		}
		return value, nil
	}

	switch n := n.(type) {
	case nil:
		return &shortNode{Key: key, Val: value, flags: nodeFlag{dirty: true}}, nil

	case *shortNode:
		matchLen := prefixLen(key, n.Key)
		if matchLen == len(n.Key) {
			nn, err := t.insert(n.Val, append(prefix, key[:matchLen]...), key[matchLen:], value)
			if err != nil {
				return nil, err
			}
			return &shortNode{Key: n.Key, Val: nn, flags: nodeFlag{dirty: true}}, nil
		}
		// Diverging keys: split into a branch.
		branch := &fullNode{flags: nodeFlag{dirty: true}}
		existing, err := t.insert(nil, append(prefix, n.Key[:matchLen+1]...), n.Key[matchLen+1:], n.Val)
		if err != nil {
			return nil, err
		}
		branch.Children[n.Key[matchLen]] = existing
		added, err := t.insert(nil, append(prefix, key[:matchLen+1]...), key[matchLen+1:], value)
		if err != nil {
			return nil, err
		}
		branch.Children[key[matchLen]] = added
		if matchLen > 0 {
			return &shortNode{Key: key[:matchLen], Val: branch, flags: nodeFlag{dirty: true}}, nil
		}
		return branch, nil

	case *fullNode:
		nn := n.copy()
		nn.flags = nodeFlag{dirty: true}
		child, err := t.insert(n.Children[key[0]], append(prefix, key[0]), key[1:], value)
		if err != nil {
			return nil, err
		}
		nn.Children[key[0]] = child
		return nn, nil

	case hashNode:
		resolved, err := t.resolve(n, prefix)
		if err != nil {
			if t.partial {
				// Reconstruction mode: build a fresh subtree in place of
				// the unresolved reference; the recomputed root hash must
				// still match, which forces the replacement to be complete.
				return t.insert(nil, prefix, key, value)
			}
			return nil, err
		}
		return t.insert(resolved, prefix, key, value)

	default:
		return nil, errors.New("trie: unknown node type")
	}
}

// Delete removes a key from the trie. Deleting an absent key is a no-op.
func (t *Trie) Delete(key []byte) error {
	k := keybytesToHex(key)
	n, err := t.remove(t.root, nil, k)
	if err != nil {
		return err
	}
	t.root = n
	return nil
}

func (t *Trie) remove(n node, prefix, key []byte) (node, error) {
	switch n := n.(type) {
	case nil:
		return nil, nil

	case *shortNode:
		matchLen := prefixLen(key, n.Key)
		if matchLen < len(n.Key) {
			return n, nil
		}
		if matchLen == len(key) {
			return nil, nil
		}
		child, err := t.remove(n.Val, append(prefix, key[:len(n.Key)]...), key[len(n.Key):])
		if err != nil {
			return nil, err
		}
		switch child := child.(type) {
		case nil:
			return nil, nil
		case *shortNode:
			return &shortNode{
				Key:   concatNibbles(n.Key, child.Key),
				Val:   child.Val,
				flags: nodeFlag{dirty: true},
			}, nil
		default:
			return &shortNode{Key: n.Key, Val: child, flags: nodeFlag{dirty: true}}, nil
		}

	case *fullNode:
		nn := n.copy()
		nn.flags = nodeFlag{dirty: true}
		child, err := t.remove(n.Children[key[0]], append(prefix, key[0]), key[1:])
		if err != nil {
			return nil, err
		}
		nn.Children[key[0]] = child

		remaining := -1
		for i := 0; i < 17; i++ {
			if nn.Children[i] != nil {
				if remaining >= 0 {
					return nn, nil
				}
				remaining = i
			}
		}
		if remaining < 0 {
			return nil, nil
		}
		if remaining == 16 {
			return &shortNode{
				Key:   []byte{terminatorNibble},
				Val:   nn.Children[16],
				flags: nodeFlag{dirty: true},
			}, nil
		}
		// A single child remains: collapse the branch. The child must be
		// resolved to merge its key.
		child = nn.Children[remaining]
		if hn, ok := child.(hashNode); ok {
			resolved, err := t.resolve(hn, append(prefix, byte(remaining)))
			if err != nil {
				return nil, err
			}
			child = resolved
		}
		if cnode, ok := child.(*shortNode); ok {
			return &shortNode{
				Key:   concatNibbles([]byte{byte(remaining)}, cnode.Key),
				Val:   cnode.Val,
				flags: nodeFlag{dirty: true},
			}, nil
		}
		return &shortNode{
			Key:   []byte{byte(remaining)},
			Val:   child,
			flags: nodeFlag{dirty: true},
		}, nil

	case valueNode:
		if len(key) == 0 {
			return nil, nil
		}
		return n, nil

	case hashNode:
		resolved, err := t.resolve(n, prefix)
		if err != nil {
			return nil, err
		}
		return t.remove(resolved, prefix, key)

	default:
		return nil, errors.New("trie: unknown node type")
	}
}

// Hash computes the Keccak-256 root hash of the trie.
func (t *Trie) Hash() types.Hash {
	if t.root == nil {
		return EmptyRoot
	}
	h := newHasher()
	hashed, cached := h.hash(t.root, true)
	t.root = cached
	if hn, ok := hashed.(hashNode); ok {
		return types.BytesToHash(hn)
	}
	enc, _ := encodeNode(hashed)
	return crypto.Keccak256Hash(enc)
}

// Empty returns true if the trie has no entries.
func (t *Trie) Empty() bool {
	return t.root == nil
}

// Commit hashes the trie and writes every materialized node blob to the
// writer, keyed by node hash. It returns the root hash and the list of
// dangling references: hash children that were never materialized in this
// trie (they may or may not exist in the backing store; the caller
// decides).
func (t *Trie) Commit(w NodeWriter) (types.Hash, []NodeSpec, error) {
	root := t.Hash()
	if t.root == nil {
		return root, nil, nil
	}
	var dangling []NodeSpec
	h := newHasher()
	var commit func(n node, path []byte) error
	commit = func(n node, path []byte) error {
		switch n := n.(type) {
		case *shortNode:
			if n.flags.hash != nil {
				enc, err := encodeNode(h.collapse(n))
				if err != nil {
					return err
				}
				if err := w.PutNode(types.BytesToHash(n.flags.hash), enc); err != nil {
					return err
				}
			}
			if !hasTerm(n.Key) {
				return commit(n.Val, append(path, n.Key...))
			}
			return nil
		case *fullNode:
			if n.flags.hash != nil {
				enc, err := encodeNode(h.collapse(n))
				if err != nil {
					return err
				}
				if err := w.PutNode(types.BytesToHash(n.flags.hash), enc); err != nil {
					return err
				}
			}
			for i := 0; i < 16; i++ {
				if n.Children[i] != nil {
					if err := commit(n.Children[i], append(path, byte(i))); err != nil {
						return err
					}
				}
			}
			return nil
		case hashNode:
			dangling = append(dangling, NodeSpec{
				Path: append([]byte{}, path...),
				Hash: types.BytesToHash(n),
			})
			return nil
		default:
			// Value nodes are embedded in their parents.
			return nil
		}
	}
	if err := commit(t.root, nil); err != nil {
		return types.Hash{}, nil, err
	}
	return root, dangling, nil
}

// Leaves walks the fully resolved portion of the trie in key order, calling
// fn with the packed key bytes and value of every leaf. Resolution errors
// abort the walk.
func (t *Trie) Leaves(fn func(key, value []byte) error) error {
	var walk func(n node, path []byte) error
	walk = func(n node, path []byte) error {
		switch n := n.(type) {
		case nil:
			return nil
		case valueNode:
			return fn(hexToKeybytes(path), []byte(n))
		case *shortNode:
			ext := append(append([]byte{}, path...), n.Key...)
			if hasTerm(ext) {
				ext = ext[:len(ext)-1]
				if v, ok := n.Val.(valueNode); ok {
					return fn(hexToKeybytes(ext), []byte(v))
				}
				return nil
			}
			return walk(n.Val, ext)
		case *fullNode:
			for i := 0; i < 16; i++ {
				if n.Children[i] != nil {
					if err := walk(n.Children[i], append(append([]byte{}, path...), byte(i))); err != nil {
						return err
					}
				}
			}
			if v, ok := n.Children[16].(valueNode); ok {
				return fn(hexToKeybytes(path), []byte(v))
			}
			return nil
		case hashNode:
			resolved, err := t.resolve(n, path)
			if err != nil {
				return err
			}
			return walk(resolved, path)
		default:
			return errors.New("trie: unknown node type")
		}
	}
	return walk(t.root, nil)
}

// bytesEqual reports whether two nibble slices are equal.
func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// concatNibbles concatenates two nibble slices into a new slice.
func concatNibbles(a, b []byte) []byte {
	r := make([]byte, len(a)+len(b))
	copy(r, a)
	copy(r[len(a):], b)
	return r
}
