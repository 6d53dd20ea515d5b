// envelope.go implements trie-node envelopes: the interval of keys
// reachable under a partial path, and the decomposition of a range set's
// complement into a minimal list of node envelopes. Decomposition output
// doubles as the work list for range fetching and the seed for healing.
package sync

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
	"github.com/keystone-eth/keystone/core/types"
	"github.com/keystone-eth/keystone/trie"
)

// keyNibbles is the nibble length of a full 32-byte key path.
const keyNibbles = 64

// Envelope errors.
var (
	// ErrPathTooLong is returned for partial paths deeper than the key
	// space allows.
	ErrPathTooLong = errors.New("sync: partial path exceeds key length")

	// ErrDanglingAnchor is returned by decomposition when the root itself
	// cannot be resolved.
	ErrDanglingAnchor = errors.New("sync: trie root not resolvable")
)

// PathEnvelope returns the closed tag range of all keys whose nibble
// expansion starts with the partial path: the path padded right with 0
// nibbles to 64 for the lower bound and with 0xf nibbles for the upper.
func PathEnvelope(partialPath []byte) (TagRange, error) {
	if len(partialPath) > keyNibbles {
		return TagRange{}, ErrPathTooLong
	}
	var minKey, maxKey types.Hash
	for i, nib := range partialPath {
		if nib > 0x0f {
			return TagRange{}, fmt.Errorf("sync: invalid nibble %#x in partial path", nib)
		}
		if i%2 == 0 {
			minKey[i/2] = nib << 4
		} else {
			minKey[i/2] |= nib
		}
	}
	copy(maxKey[:], minKey[:])
	for i := len(partialPath); i < keyNibbles; i++ {
		if i%2 == 0 {
			maxKey[i/2] |= 0xf0
		} else {
			maxKey[i/2] |= 0x0f
		}
	}
	return HashTagRange(minKey, maxKey), nil
}

// PathTag returns the tag of a full 64-nibble path.
func PathTag(fullPath []byte) (uint256.Int, error) {
	if len(fullPath) != keyNibbles {
		return uint256.Int{}, fmt.Errorf("sync: full path is %d nibbles, want %d", len(fullPath), keyNibbles)
	}
	env, err := PathEnvelope(fullPath)
	if err != nil {
		return uint256.Int{}, err
	}
	return env.First, nil
}

// EnvelopeTouchedBy returns the intersection of the set with the envelope
// of the node at the given partial path.
func EnvelopeTouchedBy(set *TagRangeSet, partialPath []byte) (*TagRangeSet, error) {
	env, err := PathEnvelope(partialPath)
	if err != nil {
		return nil, err
	}
	return set.Intersect(env), nil
}

// resolveRef materializes a child reference: embedded nodes decode in
// place, hash references resolve through the reader. missing is true when
// a hash reference has no backing blob.
func resolveRef(reader trie.NodeReader, ref trie.ChildRef) (n *trie.DecodedNode, missing bool, err error) {
	if len(ref.Embedded) > 0 {
		n, err = trie.DecodeNodeData(ref.Embedded)
		return n, false, err
	}
	if !ref.IsHash() {
		return nil, false, errors.New("sync: empty child reference")
	}
	blob, rerr := reader.Node(ref.Hash)
	if rerr != nil {
		return nil, true, nil
	}
	n, err = trie.DecodeNodeData(blob)
	return n, false, err
}

// Decompose returns a minimal list of node specs whose envelopes are
// pairwise disjoint, disjoint from every interval in processed, and whose
// union covers the complement of processed restricted to the allocated
// subtries of the trie rooted at rootKey.
//
// The walk never descends below a node whose envelope is entirely outside
// processed (that node itself is the answer) and skips nodes whose
// envelope is fully processed. Unresolvable references on the partially
// covered frontier are reported as-is; they need fetching before they can
// be split further.
func Decompose(processed *TagRangeSet, rootKey types.Hash, reader trie.NodeReader) ([]trie.NodeSpec, error) {
	if processed.IsFull() {
		return nil, nil
	}
	if rootKey == trie.EmptyRoot || rootKey.IsZero() {
		return nil, nil
	}
	var out []trie.NodeSpec
	var walk func(pp []byte, ref trie.ChildRef) error
	walk = func(pp []byte, ref trie.ChildRef) error {
		env, err := PathEnvelope(pp)
		if err != nil {
			return err
		}
		if processed.EnclosesRange(env) {
			return nil
		}
		covered := processed.Covered(env)
		if covered.IsZero() && ref.IsHash() {
			// Entirely unprocessed: the node's own envelope is the answer.
			out = append(out, trie.NodeSpec{Path: append([]byte{}, pp...), Hash: ref.Hash})
			return nil
		}
		n, missing, err := resolveRef(reader, ref)
		if err != nil {
			return err
		}
		if missing {
			// Partially covered but not resolvable: report the reference,
			// it must be fetched before the overlap can be split away.
			out = append(out, trie.NodeSpec{Path: append([]byte{}, pp...), Hash: ref.Hash})
			return nil
		}
		switch n.Kind {
		case trie.KindLeaf:
			full := concatPath(pp, n.Key)
			tag, err := PathTag(full)
			if err != nil {
				return err
			}
			if !processed.Contains(&tag) && ref.IsHash() {
				out = append(out, trie.NodeSpec{Path: append([]byte{}, pp...), Hash: ref.Hash})
			}
			return nil
		case trie.KindExtension:
			return walk(concatPath(pp, n.Key), n.Child)
		case trie.KindBranch:
			for i := 0; i < 16; i++ {
				child := n.Children[i]
				if !child.IsHash() && len(child.Embedded) == 0 {
					continue
				}
				if err := walk(concatPath(pp, []byte{byte(i)}), child); err != nil {
					return err
				}
			}
			return nil
		default:
			return trie.ErrDecodeNode
		}
	}
	root := trie.ChildRef{Hash: rootKey}
	if _, missing, _ := resolveRef(reader, root); missing {
		// Nothing of the trie is local yet: the root envelope is the
		// whole remaining work list.
		if processed.IsEmpty() {
			return []trie.NodeSpec{{Hash: rootKey}}, nil
		}
		return nil, ErrDanglingAnchor
	}
	if err := walk(nil, root); err != nil {
		return nil, err
	}
	return out, nil
}

// concatPath joins two nibble path segments into a fresh slice.
func concatPath(a, b []byte) []byte {
	out := make([]byte, len(a)+len(b))
	copy(out, a)
	copy(out[len(a):], b)
	return out
}
