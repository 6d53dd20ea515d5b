package trie

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/keystone-eth/keystone/core/types"
)

// Range proof errors.
var (
	// ErrBadProof is returned when reply data cannot be verified against
	// the advertised root.
	ErrBadProof = errors.New("trie: range proof verification failed")

	// ErrUnsortedKeys is returned when range keys are not strictly
	// increasing.
	ErrUnsortedKeys = errors.New("trie: range keys not strictly increasing")
)

// Prove collects the node blobs on the path from the root towards the given
// key, resolving through the reader. The returned list is a Merkle proof of
// the key's presence, or of its absence when the path ends early. Keys
// must be packed bytes (not nibbles).
func Prove(reader NodeReader, root types.Hash, key []byte) ([][]byte, error) {
	if root == EmptyRoot || root.IsZero() {
		return nil, nil
	}
	var (
		proof [][]byte
		want  = root
		path  = keybytesToHex(key)
	)
	for {
		blob, err := reader.Node(want)
		if err != nil {
			return nil, &MissingNodeError{Hash: want}
		}
		proof = append(proof, blob)
		n, err := decodeNode(hashNode(want.Bytes()), blob)
		if err != nil {
			return nil, err
		}
		// Walk as deep as the current blob allows, following embedded
		// nodes inline until the next hash reference or a terminal.
		next, rest, done := walkTowards(n, path)
		if done {
			return proof, nil
		}
		want = next
		path = rest
	}
}

// walkTowards descends from a decoded node along the key path until it hits
// a hash reference (returned with the remaining path), or a terminal
// condition: the value was reached or the path provably diverges.
func walkTowards(n node, path []byte) (next types.Hash, rest []byte, done bool) {
	for {
		switch cur := n.(type) {
		case *shortNode:
			if len(path) < len(cur.Key) || !bytesEqual(cur.Key, path[:len(cur.Key)]) {
				return types.Hash{}, nil, true
			}
			path = path[len(cur.Key):]
			n = cur.Val
		case *fullNode:
			if len(path) == 0 {
				return types.Hash{}, nil, true
			}
			n = cur.Children[path[0]]
			path = path[1:]
		case hashNode:
			return types.BytesToHash(cur), path, false
		case valueNode, nil:
			return types.Hash{}, nil, true
		default:
			return types.Hash{}, nil, true
		}
	}
}

// RangeResult is the outcome of a successful range-proof verification.
type RangeResult struct {
	// More reports whether the trie holds keys beyond the last verified
	// one (the reply was truncated by the size cap).
	More bool

	// Trie is the reconstructed partial trie: boundary proof nodes plus
	// every leaf of the range. Committing it persists the verified nodes
	// and surfaces dangling references.
	Trie *Trie
}

// VerifyRangeProof checks a snap-style range reply against a state root:
// the keys must be strictly increasing within [origin, ...], and the
// partial trie rebuilt from the boundary proof plus the leaves must hash to
// the root. With an empty proof the keys must form the complete trie.
//
// An empty key set with a proof is accepted only as a proof of exhaustion:
// no keys at or after origin exist.
func VerifyRangeProof(root types.Hash, origin types.Hash, keys [][]byte, values [][]byte, proof [][]byte) (*RangeResult, error) {
	if len(keys) != len(values) {
		return nil, fmt.Errorf("%w: %d keys vs %d values", ErrBadProof, len(keys), len(values))
	}
	for i := 0; i < len(keys); i++ {
		if i > 0 && bytes.Compare(keys[i-1], keys[i]) >= 0 {
			return nil, ErrUnsortedKeys
		}
		if len(values[i]) == 0 {
			return nil, fmt.Errorf("%w: empty value at index %d", ErrBadProof, i)
		}
	}
	if len(keys) > 0 && bytes.Compare(keys[0], origin.Bytes()) < 0 {
		return nil, fmt.Errorf("%w: first key below range origin", ErrBadProof)
	}

	// No proof: the reply must be the whole trie.
	if len(proof) == 0 {
		tr := New()
		for i, key := range keys {
			if err := tr.Update(key, values[i]); err != nil {
				return nil, err
			}
		}
		if have := tr.Hash(); have != root {
			return nil, fmt.Errorf("%w: root mismatch, have %s want %s", ErrBadProof, have.Hex(), root.Hex())
		}
		return &RangeResult{Trie: tr}, nil
	}

	reader := NewMemoryNodeSet(proof)
	tr := newPartialTrie(root, reader)

	if len(keys) == 0 {
		// Proof of exhaustion: resolving the origin path must succeed and
		// show nothing at or right of origin.
		more, err := tr.hasRightFrom(origin.Bytes(), true)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadProof, err)
		}
		if more {
			return nil, fmt.Errorf("%w: empty reply but keys remain", ErrBadProof)
		}
		return &RangeResult{Trie: tr}, nil
	}

	for i, key := range keys {
		if err := tr.Update(key, values[i]); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadProof, err)
		}
	}
	if have := tr.Hash(); have != root {
		return nil, fmt.Errorf("%w: root mismatch, have %s want %s", ErrBadProof, have.Hex(), root.Hex())
	}
	more, err := tr.hasRightFrom(keys[len(keys)-1], false)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadProof, err)
	}
	return &RangeResult{More: more, Trie: tr}, nil
}

// hasRightFrom reports whether the trie holds any key strictly greater than
// key, or greater-or-equal when inclusive is set. The walk follows the
// key's path; every node on it must resolve.
func (t *Trie) hasRightFrom(key []byte, inclusive bool) (bool, error) {
	path := keybytesToHex(key)
	path = path[:len(path)-1]
	var walk func(n node, path []byte, prefix []byte) (bool, error)
	walk = func(n node, path []byte, prefix []byte) (bool, error) {
		switch n := n.(type) {
		case nil:
			return false, nil
		case valueNode:
			// A value exactly at the key.
			return inclusive, nil
		case *shortNode:
			k := n.Key
			if hasTerm(k) {
				k = k[:len(k)-1]
			}
			m := len(k)
			if m > len(path) {
				m = len(path)
			}
			switch bytes.Compare(k[:m], path[:m]) {
			case 1:
				return true, nil
			case -1:
				return false, nil
			}
			if len(k) > len(path) {
				// The node key extends the probe key: everything below is
				// greater.
				return true, nil
			}
			return walk(n.Val, path[len(k):], append(prefix, k...))
		case *fullNode:
			if len(path) == 0 {
				// The probe key terminates at this branch; any child is
				// greater, the branch value itself is equal.
				for i := 0; i < 16; i++ {
					if n.Children[i] != nil {
						return true, nil
					}
				}
				return inclusive && n.Children[16] != nil, nil
			}
			for i := int(path[0]) + 1; i < 16; i++ {
				if n.Children[i] != nil {
					return true, nil
				}
			}
			return walk(n.Children[path[0]], path[1:], append(prefix, path[0]))
		case hashNode:
			resolved, err := t.resolve(n, prefix)
			if err != nil {
				return false, err
			}
			return walk(resolved, path, prefix)
		default:
			return false, errors.New("trie: unknown node type")
		}
	}
	return walk(t.root, path, nil)
}

// NodeAt resolves the node sitting at the given partial path (hex nibbles)
// below the root, returning its blob and hash. Embedded nodes cannot be
// addressed individually; asking for one returns the enclosing stored node.
func NodeAt(reader NodeReader, root types.Hash, path []byte) ([]byte, types.Hash, error) {
	want := root
	rest := path
	for {
		if want == EmptyRoot || want.IsZero() {
			return nil, types.Hash{}, ErrNodeNotFound
		}
		blob, err := reader.Node(want)
		if err != nil {
			return nil, types.Hash{}, &MissingNodeError{Hash: want, Path: path[:len(path)-len(rest)]}
		}
		if len(rest) == 0 {
			return blob, want, nil
		}
		n, err := decodeNode(hashNode(want.Bytes()), blob)
		if err != nil {
			return nil, types.Hash{}, err
		}
		next, remaining, done := walkTowards(n, rest)
		if done {
			// The path ends inside this stored node (embedded child or
			// divergence): the stored node is the closest addressable one.
			return blob, want, nil
		}
		want = next
		rest = remaining
	}
}
