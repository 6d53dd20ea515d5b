// inflate.go widens the interval credited for a single healed leaf: a leaf
// proves not just its own key but the emptiness of the key space between
// its neighbouring allocated positions, so the processed set can grow by
// the whole slab between them.
package sync

import (
	"github.com/holiman/uint256"
	"github.com/keystone-eth/keystone/core/types"
	"github.com/keystone-eth/keystone/trie"
)

// RangeInflate returns the widest interval around tag that contains no
// allocated position other than tag itself, judged against the locally
// resolvable trie at rootKey. Unresolvable subtree references count as
// allocated at their envelope boundary, so the result never spans keys the
// local store cannot vouch for.
func RangeInflate(reader trie.NodeReader, rootKey types.Hash, tag *uint256.Int) TagRange {
	var first, last uint256.Int
	last.SetAllOne()

	if prev, ok := prevAllocated(reader, rootKey, tag); ok {
		first.AddUint64(&prev, 1)
	}
	if next, ok := nextAllocated(reader, rootKey, tag); ok {
		last.SubUint64(&next, 1)
	}
	if first.Cmp(&last) > 0 {
		// Neighbours hug the tag on both sides.
		return MakeTagRange(tag, tag)
	}
	return MakeTagRange(&first, &last)
}

// nextAllocated finds the smallest allocated tag strictly greater than
// from. A dangling reference counts at the first tag of its envelope.
func nextAllocated(reader trie.NodeReader, rootKey types.Hash, from *uint256.Int) (uint256.Int, bool) {
	if from.Eq(&fullLast) {
		return uint256.Int{}, false
	}
	var probe uint256.Int
	probe.AddUint64(from, 1)
	key := HashFromTag(&probe)
	path := trie.KeyToNibbles(key[:])
	return seekAllocated(reader, trie.ChildRef{Hash: rootKey}, nil, path, false)
}

// prevAllocated finds the largest allocated tag strictly smaller than from.
func prevAllocated(reader trie.NodeReader, rootKey types.Hash, from *uint256.Int) (uint256.Int, bool) {
	if from.IsZero() {
		return uint256.Int{}, false
	}
	var probe uint256.Int
	probe.SubUint64(from, 1)
	key := HashFromTag(&probe)
	path := trie.KeyToNibbles(key[:])
	return seekAllocated(reader, trie.ChildRef{Hash: rootKey}, nil, path, true)
}

// seekAllocated walks towards the probe path and returns the allocated tag
// nearest to it on the probe's side: the smallest tag >= probe when
// backwards is false, the largest tag <= probe otherwise.
func seekAllocated(reader trie.NodeReader, ref trie.ChildRef, pp, path []byte, backwards bool) (uint256.Int, bool) {
	n, missing, err := resolveRef(reader, ref)
	if err != nil {
		return uint256.Int{}, false
	}
	if missing {
		// Dangling subtree: allocated at its envelope boundary.
		env, err := PathEnvelope(pp)
		if err != nil {
			return uint256.Int{}, false
		}
		if backwards {
			return env.Last, true
		}
		return env.First, true
	}
	switch n.Kind {
	case trie.KindLeaf:
		full := concatPath(pp, n.Key)
		tag, err := PathTag(full)
		if err != nil {
			return uint256.Int{}, false
		}
		if cmpOnSide(full, path, backwards) {
			return tag, true
		}
		return uint256.Int{}, false
	case trie.KindExtension:
		child := concatPath(pp, n.Key)
		switch comparePaths(n.Key, path) {
		case 0:
			return seekAllocated(reader, n.Child, child, path[min(len(n.Key), len(path)):], backwards)
		case 1:
			if backwards {
				return uint256.Int{}, false
			}
			return extremeAllocated(reader, n.Child, child, false)
		default:
			if backwards {
				return extremeAllocated(reader, n.Child, child, true)
			}
			return uint256.Int{}, false
		}
	case trie.KindBranch:
		if len(path) == 0 {
			return uint256.Int{}, false
		}
		nib := int(path[0])
		if occupied(n.Children[nib]) {
			if tag, ok := seekAllocated(reader, n.Children[nib], concatPath(pp, []byte{byte(nib)}), path[1:], backwards); ok {
				return tag, true
			}
		}
		if backwards {
			for i := nib - 1; i >= 0; i-- {
				if occupied(n.Children[i]) {
					return extremeAllocated(reader, n.Children[i], concatPath(pp, []byte{byte(i)}), true)
				}
			}
		} else {
			for i := nib + 1; i < 16; i++ {
				if occupied(n.Children[i]) {
					return extremeAllocated(reader, n.Children[i], concatPath(pp, []byte{byte(i)}), false)
				}
			}
		}
		return uint256.Int{}, false
	}
	return uint256.Int{}, false
}

// extremeAllocated returns the largest (backwards) or smallest allocated
// tag in the subtree at ref.
func extremeAllocated(reader trie.NodeReader, ref trie.ChildRef, pp []byte, backwards bool) (uint256.Int, bool) {
	n, missing, err := resolveRef(reader, ref)
	if err != nil {
		return uint256.Int{}, false
	}
	if missing {
		env, err := PathEnvelope(pp)
		if err != nil {
			return uint256.Int{}, false
		}
		if backwards {
			return env.Last, true
		}
		return env.First, true
	}
	switch n.Kind {
	case trie.KindLeaf:
		tag, err := PathTag(concatPath(pp, n.Key))
		if err != nil {
			return uint256.Int{}, false
		}
		return tag, true
	case trie.KindExtension:
		return extremeAllocated(reader, n.Child, concatPath(pp, n.Key), backwards)
	case trie.KindBranch:
		if backwards {
			for i := 15; i >= 0; i-- {
				if occupied(n.Children[i]) {
					return extremeAllocated(reader, n.Children[i], concatPath(pp, []byte{byte(i)}), true)
				}
			}
		} else {
			for i := 0; i < 16; i++ {
				if occupied(n.Children[i]) {
					return extremeAllocated(reader, n.Children[i], concatPath(pp, []byte{byte(i)}), false)
				}
			}
		}
	}
	return uint256.Int{}, false
}

// occupied reports whether a child slot holds any reference.
func occupied(ref trie.ChildRef) bool {
	return ref.IsHash() || len(ref.Embedded) > 0
}

// cmpOnSide reports whether full lies at or beyond path on the probe side.
func cmpOnSide(full, path []byte, backwards bool) bool {
	c := comparePaths(full, path)
	if backwards {
		return c <= 0
	}
	return c >= 0
}

// comparePaths orders nibble paths lexicographically; a shared prefix
// compares equal (0).
func comparePaths(a, b []byte) int {
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		switch {
		case a[i] < b[i]:
			return -1
		case a[i] > b[i]:
			return 1
		}
	}
	return 0
}
