package trie

import (
	"errors"
	"fmt"

	"github.com/keystone-eth/keystone/core/types"
)

// ErrDecodeNode is returned when a byte blob does not decode as an RLP trie
// node.
var ErrDecodeNode = errors.New("trie: invalid encoded node")

// decodeNode decodes an RLP-encoded trie node. The hash is the expected
// hash reference of this node, cached on the result.
func decodeNode(hash hashNode, data []byte) (node, error) {
	if len(data) == 0 {
		return nil, ErrDecodeNode
	}
	elems, err := splitRLPList(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecodeNode, err)
	}
	switch len(elems) {
	case 2:
		return decodeShort(hash, elems)
	case 17:
		return decodeFull(hash, elems)
	default:
		return nil, fmt.Errorf("%w: %d list elements", ErrDecodeNode, len(elems))
	}
}

// decodeShort decodes a 2-element RLP list into a shortNode.
func decodeShort(hash hashNode, elems [][]byte) (node, error) {
	key := compactToHex(elems[0])
	if hasTerm(key) {
		// Leaf node.
		return &shortNode{
			Key:   key,
			Val:   valueNode(elems[1]),
			flags: nodeFlag{hash: hash},
		}, nil
	}
	// Extension node: the second element references a child.
	child, err := decodeRef(elems[1])
	if err != nil {
		return nil, err
	}
	return &shortNode{
		Key:   key,
		Val:   child,
		flags: nodeFlag{hash: hash},
	}, nil
}

// decodeFull decodes a 17-element RLP list into a fullNode.
func decodeFull(hash hashNode, elems [][]byte) (node, error) {
	n := &fullNode{flags: nodeFlag{hash: hash}}
	for i := 0; i < 16; i++ {
		if len(elems[i]) == 0 {
			continue
		}
		child, err := decodeRef(elems[i])
		if err != nil {
			return nil, err
		}
		n.Children[i] = child
	}
	if len(elems[16]) > 0 {
		n.Children[16] = valueNode(elems[16])
	}
	return n, nil
}

// decodeRef decodes a child node reference: a 32-byte hash, or an inline
// node when the child's RLP encoding is shorter than 32 bytes.
func decodeRef(data []byte) (node, error) {
	if len(data) == 0 {
		return nil, nil
	}
	if len(data) == 32 {
		return hashNode(data), nil
	}
	return decodeNode(nil, data)
}

// splitRLPList splits a top-level RLP list into its element byte slices.
// String elements are returned as their content; nested lists (inline
// nodes) are returned with their header intact so they can be decoded
// recursively.
func splitRLPList(data []byte) ([][]byte, error) {
	if len(data) == 0 {
		return nil, ErrDecodeNode
	}
	prefix := data[0]
	if prefix < 0xc0 {
		return nil, fmt.Errorf("expected list, got string prefix 0x%02x", prefix)
	}
	var payload []byte
	switch {
	case prefix <= 0xf7:
		length := int(prefix - 0xc0)
		if 1+length > len(data) {
			return nil, ErrDecodeNode
		}
		payload = data[1 : 1+length]
	default:
		lenLen := int(prefix - 0xf7)
		if 1+lenLen > len(data) {
			return nil, ErrDecodeNode
		}
		length := beInt(data[1:1+lenLen], lenLen)
		if 1+lenLen+length > len(data) {
			return nil, ErrDecodeNode
		}
		payload = data[1+lenLen : 1+lenLen+length]
	}

	var elems [][]byte
	for len(payload) > 0 {
		elem, rest, err := splitRLPElement(payload)
		if err != nil {
			return nil, err
		}
		elems = append(elems, elem)
		payload = rest
	}
	return elems, nil
}

// splitRLPElement reads one RLP element from the front of data, returning
// its content (or full encoding for nested lists) and the remaining data.
func splitRLPElement(data []byte) (content []byte, rest []byte, err error) {
	if len(data) == 0 {
		return nil, nil, ErrDecodeNode
	}
	prefix := data[0]
	switch {
	case prefix <= 0x7f:
		return data[:1], data[1:], nil

	case prefix == 0x80:
		return nil, data[1:], nil

	case prefix <= 0xb7:
		length := int(prefix - 0x80)
		if 1+length > len(data) {
			return nil, nil, ErrDecodeNode
		}
		return data[1 : 1+length], data[1+length:], nil

	case prefix <= 0xbf:
		lenLen := int(prefix - 0xb7)
		if 1+lenLen > len(data) {
			return nil, nil, ErrDecodeNode
		}
		length := beInt(data[1:1+lenLen], lenLen)
		end := 1 + lenLen + length
		if end > len(data) {
			return nil, nil, ErrDecodeNode
		}
		return data[1+lenLen : end], data[end:], nil

	case prefix <= 0xf7:
		// Nested list (inline node): keep the header for recursive decode.
		end := 1 + int(prefix-0xc0)
		if end > len(data) {
			return nil, nil, ErrDecodeNode
		}
		return data[:end], data[end:], nil

	default:
		lenLen := int(prefix - 0xf7)
		if 1+lenLen > len(data) {
			return nil, nil, ErrDecodeNode
		}
		length := beInt(data[1:1+lenLen], lenLen)
		end := 1 + lenLen + length
		if end > len(data) {
			return nil, nil, ErrDecodeNode
		}
		return data[:end], data[end:], nil
	}
}

// beInt decodes a big-endian length from the given bytes.
func beInt(data []byte, lenLen int) int {
	var length int
	for i := 0; i < lenLen; i++ {
		length = length<<8 | int(data[i])
	}
	return length
}

// NodeKind classifies a decoded trie node.
type NodeKind int

const (
	KindBranch NodeKind = iota
	KindExtension
	KindLeaf
)

// ChildRef is a decoded child slot of a branch or extension node:
// either a 32-byte hash reference or an inline embedded node.
type ChildRef struct {
	Hash     types.Hash // set when the child is referenced by hash
	Embedded []byte     // raw RLP when the child is embedded inline
}

// IsHash reports whether the reference points to a separately stored node.
func (r ChildRef) IsHash() bool { return !r.Hash.IsZero() }

// DecodedNode is the exported, traversal-friendly view of a trie node used
// by the sync engine's inspector and envelope decomposition.
type DecodedNode struct {
	Kind NodeKind

	// Key is the hex-nibble path segment of an extension or leaf node,
	// without the terminator.
	Key []byte

	// Children holds the 16 child slots of a branch node. A slot with a
	// zero hash and nil Embedded bytes is empty.
	Children [16]ChildRef

	// Child is the single child reference of an extension node.
	Child ChildRef

	// Value is the payload of a leaf node, or the embedded value of a
	// branch node.
	Value []byte
}

// DecodeNodeData decodes a stored node blob into its exported form.
// Returns ErrDecodeNode (wrapped) if the blob is not a valid trie node.
func DecodeNodeData(data []byte) (*DecodedNode, error) {
	n, err := decodeNode(nil, data)
	if err != nil {
		return nil, err
	}
	return exportNode(n)
}

// exportNode converts an internal node to its exported view.
func exportNode(n node) (*DecodedNode, error) {
	switch n := n.(type) {
	case *shortNode:
		if hasTerm(n.Key) {
			val, ok := n.Val.(valueNode)
			if !ok {
				return nil, ErrDecodeNode
			}
			return &DecodedNode{
				Kind:  KindLeaf,
				Key:   n.Key[:len(n.Key)-1],
				Value: []byte(val),
			}, nil
		}
		dn := &DecodedNode{Kind: KindExtension, Key: n.Key}
		dn.Child = exportRef(n.Val)
		return dn, nil
	case *fullNode:
		dn := &DecodedNode{Kind: KindBranch}
		for i := 0; i < 16; i++ {
			if n.Children[i] != nil {
				dn.Children[i] = exportRef(n.Children[i])
			}
		}
		if v, ok := n.Children[16].(valueNode); ok {
			dn.Value = []byte(v)
		}
		return dn, nil
	default:
		return nil, ErrDecodeNode
	}
}

// exportRef converts an internal child node to a ChildRef.
func exportRef(n node) ChildRef {
	switch n := n.(type) {
	case hashNode:
		return ChildRef{Hash: types.BytesToHash(n)}
	case nil:
		return ChildRef{}
	default:
		// Inline node: re-encode (keys back to compact form) to carry the
		// raw bytes.
		enc, err := encodeNode(newHasher().collapse(n))
		if err != nil {
			return ChildRef{}
		}
		return ChildRef{Embedded: enc}
	}
}
