// inspect.go implements the trie inspector: a breadth-first, bounded walk
// over a persisted hexary trie that reports dangling child references:
// nodes referenced by their parents but absent from the store. The healer
// uses it to discover what to fetch when envelope decomposition alone
// cannot (plan B), and the importer uses it to tell complete local storage
// tries from partial ones.
package sync

import (
	"errors"
	"fmt"

	"github.com/keystone-eth/keystone/core/types"
	"github.com/keystone-eth/keystone/trie"
)

// Inspector errors.
var (
	// ErrTrieLoopAlert is returned when a walk descends deeper than the
	// key space allows, which only a reference cycle can cause.
	ErrTrieLoopAlert = errors.New("sync: trie reference loop detected")

	// ErrTrieLockedForPerusal is returned when a long inspection is
	// already running against the same range batch.
	ErrTrieLockedForPerusal = errors.New("sync: trie locked for perusal")
)

// inspectItem is one queued position of a breadth-first trie walk.
type inspectItem struct {
	path  []byte
	ref   trie.ChildRef
	level int
}

// InspectResume carries the state of a suspended inspection so it can be
// continued by a later call.
type InspectResume struct {
	queue []inspectItem
}

// InspectOptions bounds an inspection run.
type InspectOptions struct {
	// SeedPaths are the partial paths to start from; empty means the root.
	SeedPaths [][]byte

	// Resume continues a previously suspended walk. SeedPaths are ignored
	// when set.
	Resume *InspectResume

	// BatchLimit suspends the walk after this many node reads (0 means
	// unlimited). A suspended walk returns a Resume context.
	BatchLimit int

	// MaxDangling stops the walk once this many dangling references have
	// been found (0 means unlimited).
	MaxDangling int
}

// InspectResult is the outcome of one inspection call.
type InspectResult struct {
	Dangling []trie.NodeSpec // references that do not resolve locally
	Level    int             // deepest node depth visited, in hops below the start items
	Visited  uint64          // number of nodes read
	Resume   *InspectResume  // non-nil when suspended by BatchLimit
	Stopped  bool            // true when MaxDangling cut the walk short
}

// InspectTrie walks the persisted trie below rootKey breadth-first from the
// seed paths, recording every child reference that does not resolve in the
// store. The walk suspends after BatchLimit reads and stops early once
// MaxDangling references have been found.
func InspectTrie(reader trie.NodeReader, rootKey types.Hash, opts InspectOptions) (*InspectResult, error) {
	res := &InspectResult{}

	var queue []inspectItem
	switch {
	case opts.Resume != nil:
		queue = opts.Resume.queue
	case len(opts.SeedPaths) == 0:
		queue = []inspectItem{{ref: trie.ChildRef{Hash: rootKey}}}
	default:
		for _, pp := range opts.SeedPaths {
			item, ok, err := seedAt(reader, rootKey, pp)
			if err != nil {
				return nil, err
			}
			if ok {
				queue = append(queue, item)
			}
		}
	}

	for len(queue) > 0 {
		if opts.BatchLimit > 0 && res.Visited >= uint64(opts.BatchLimit) {
			res.Resume = &InspectResume{queue: queue}
			return res, nil
		}
		item := queue[0]
		queue = queue[1:]

		if len(item.path) > keyNibbles {
			return nil, fmt.Errorf("%w: at path %x", ErrTrieLoopAlert, item.path)
		}
		n, missing, err := resolveRef(reader, item.ref)
		if err != nil {
			return nil, fmt.Errorf("%w: at path %x", err, item.path)
		}
		res.Visited++
		if item.level > res.Level {
			res.Level = item.level
		}
		if missing {
			res.Dangling = append(res.Dangling, trie.NodeSpec{Path: item.path, Hash: item.ref.Hash})
			if opts.MaxDangling > 0 && len(res.Dangling) >= opts.MaxDangling {
				res.Stopped = true
				return res, nil
			}
			continue
		}
		switch n.Kind {
		case trie.KindLeaf:
			// Terminal.
		case trie.KindExtension:
			queue = append(queue, inspectItem{
				path:  concatPath(item.path, n.Key),
				ref:   n.Child,
				level: item.level + 1,
			})
		case trie.KindBranch:
			for i := 0; i < 16; i++ {
				if occupied(n.Children[i]) {
					queue = append(queue, inspectItem{
						path:  concatPath(item.path, []byte{byte(i)}),
						ref:   n.Children[i],
						level: item.level + 1,
					})
				}
			}
		}
	}
	return res, nil
}

// seedAt positions an inspection start item at the given partial path. A
// missing node on the way to the seed becomes the seed itself (it is a
// dangling reference worth reporting); a diverging path yields no item.
func seedAt(reader trie.NodeReader, rootKey types.Hash, pp []byte) (inspectItem, bool, error) {
	var (
		ref  = trie.ChildRef{Hash: rootKey}
		walk []byte
		rest = pp
	)
	for {
		if len(rest) == 0 {
			return inspectItem{path: walk, ref: ref}, true, nil
		}
		n, missing, err := resolveRef(reader, ref)
		if err != nil {
			return inspectItem{}, false, fmt.Errorf("%w: at path %x", err, walk)
		}
		if missing {
			return inspectItem{path: walk, ref: ref}, true, nil
		}
		switch n.Kind {
		case trie.KindLeaf:
			// The path points below a leaf: nothing to inspect there.
			return inspectItem{}, false, nil
		case trie.KindExtension:
			k := n.Key
			if len(rest) < len(k) {
				if comparePaths(k[:len(rest)], rest) == 0 {
					return inspectItem{path: concatPath(walk, k), ref: n.Child}, true, nil
				}
				return inspectItem{}, false, nil
			}
			if comparePaths(k, rest[:len(k)]) != 0 {
				return inspectItem{}, false, nil
			}
			walk = concatPath(walk, k)
			rest = rest[len(k):]
			ref = n.Child
		case trie.KindBranch:
			nib := rest[0]
			if nib > 0x0f || !occupied(n.Children[nib]) {
				return inspectItem{}, false, nil
			}
			walk = concatPath(walk, []byte{nib})
			rest = rest[1:]
			ref = n.Children[nib]
		default:
			return inspectItem{}, false, trie.ErrDecodeNode
		}
	}
}
