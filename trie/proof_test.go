package trie

import (
	"bytes"
	"testing"

	"github.com/keystone-eth/keystone/core/rawdb"
	"github.com/keystone-eth/keystone/core/types"
)

// rangeProofFor collects the boundary proofs for a sub-range: the origin
// path plus the last returned key's path.
func rangeProofFor(t *testing.T, db *Database, root types.Hash, origin []byte, lastKey []byte) [][]byte {
	t.Helper()
	proof, err := Prove(db, root, origin)
	if err != nil {
		t.Fatalf("prove origin: %v", err)
	}
	if lastKey != nil {
		more, err := Prove(db, root, lastKey)
		if err != nil {
			t.Fatalf("prove last: %v", err)
		}
		proof = append(proof, more...)
	}
	return proof
}

func TestVerifyRangeProofWholeTrie(t *testing.T) {
	root, _, pairs := buildTestTrie(t, 25)
	keys := make([][]byte, len(pairs))
	values := make([][]byte, len(pairs))
	for i, kv := range pairs {
		keys[i], values[i] = kv[0], kv[1]
	}
	res, err := VerifyRangeProof(root, types.Hash{}, keys, values, nil)
	if err != nil {
		t.Fatalf("whole-trie verification failed: %v", err)
	}
	if res.More {
		t.Fatalf("whole trie reported more elements")
	}
}

func TestVerifyRangeProofSubRange(t *testing.T) {
	root, db, pairs := buildTestTrie(t, 40)

	// Serve the middle slice [10, 30).
	sub := pairs[10:30]
	keys := make([][]byte, len(sub))
	values := make([][]byte, len(sub))
	for i, kv := range sub {
		keys[i], values[i] = kv[0], kv[1]
	}
	origin := types.BytesToHash(pairs[10][0])
	proof := rangeProofFor(t, db, root, origin.Bytes(), keys[len(keys)-1])

	res, err := VerifyRangeProof(root, origin, keys, values, proof)
	if err != nil {
		t.Fatalf("sub-range verification failed: %v", err)
	}
	if !res.More {
		t.Fatalf("truncated range did not report more elements")
	}
}

func TestVerifyRangeProofTail(t *testing.T) {
	root, db, pairs := buildTestTrie(t, 40)

	// Serve everything from entry 30 to the end.
	sub := pairs[30:]
	keys := make([][]byte, len(sub))
	values := make([][]byte, len(sub))
	for i, kv := range sub {
		keys[i], values[i] = kv[0], kv[1]
	}
	origin := types.BytesToHash(pairs[30][0])
	proof := rangeProofFor(t, db, root, origin.Bytes(), keys[len(keys)-1])

	res, err := VerifyRangeProof(root, origin, keys, values, proof)
	if err != nil {
		t.Fatalf("tail verification failed: %v", err)
	}
	if res.More {
		t.Fatalf("exhausted tail still reported more elements")
	}
}

func TestVerifyRangeProofEmptyExhausted(t *testing.T) {
	root, db, pairs := buildTestTrie(t, 12)

	// Probe just past the very last key: a proof of exhaustion.
	last := pairs[len(pairs)-1][0]
	probe := bytes.Clone(last)
	for i := len(probe) - 1; i >= 0; i-- {
		probe[i]++
		if probe[i] != 0 {
			break
		}
	}
	proof := rangeProofFor(t, db, root, probe, nil)
	res, err := VerifyRangeProof(root, types.BytesToHash(probe), nil, nil, proof)
	if err != nil {
		t.Fatalf("exhaustion proof rejected: %v", err)
	}
	if res.More {
		t.Fatalf("exhaustion proof reported more elements")
	}

	// The same empty reply anchored before the last key must be refused.
	first := pairs[0][0]
	badProof := rangeProofFor(t, db, root, first, nil)
	if _, err := VerifyRangeProof(root, types.BytesToHash(first), nil, nil, badProof); err == nil {
		t.Fatalf("empty reply with remaining keys accepted")
	}
}

func TestVerifyRangeProofTamperedValue(t *testing.T) {
	root, db, pairs := buildTestTrie(t, 20)
	sub := pairs[5:15]
	keys := make([][]byte, len(sub))
	values := make([][]byte, len(sub))
	for i, kv := range sub {
		keys[i] = kv[0]
		values[i] = bytes.Clone(kv[1])
	}
	values[3][0] ^= 0xff
	origin := types.BytesToHash(keys[0])
	proof := rangeProofFor(t, db, root, origin.Bytes(), keys[len(keys)-1])
	if _, err := VerifyRangeProof(root, origin, keys, values, proof); err == nil {
		t.Fatalf("tampered value slipped through")
	}
}

func TestVerifyRangeProofUnsortedKeys(t *testing.T) {
	root, _, pairs := buildTestTrie(t, 10)
	keys := [][]byte{pairs[3][0], pairs[2][0]}
	values := [][]byte{pairs[3][1], pairs[2][1]}
	if _, err := VerifyRangeProof(root, types.Hash{}, keys, values, [][]byte{{0x80}}); err == nil {
		t.Fatalf("unsorted keys slipped through")
	}
}

func TestCommitSurfacesDanglingRefs(t *testing.T) {
	root, db, pairs := buildTestTrie(t, 60)

	// Reconstruct a partial trie from a sub-range reply and commit it
	// into a fresh store: the boundary references outside the range must
	// come back as dangling.
	sub := pairs[20:40]
	keys := make([][]byte, len(sub))
	values := make([][]byte, len(sub))
	for i, kv := range sub {
		keys[i], values[i] = kv[0], kv[1]
	}
	origin := types.BytesToHash(keys[0])
	proof := rangeProofFor(t, db, root, origin.Bytes(), keys[len(keys)-1])
	res, err := VerifyRangeProof(root, origin, keys, values, proof)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	fresh := NewDatabase(rawdb.NewMemoryDB())
	gotRoot, dangling, err := res.Trie.Commit(fresh)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if gotRoot != root {
		t.Fatalf("committed root mismatch: have %s, want %s", gotRoot.Hex(), root.Hex())
	}
	if len(dangling) == 0 {
		t.Fatalf("sub-range commit produced no dangling refs")
	}
	// Every committed range key must now resolve from the fresh store.
	reloaded := NewAtRoot(root, fresh)
	for _, kv := range sub {
		got, err := reloaded.Get(kv[0])
		if err != nil {
			t.Fatalf("reload %x: %v", kv[0], err)
		}
		if !bytes.Equal(got, kv[1]) {
			t.Fatalf("reload %x: wrong value", kv[0])
		}
	}
}

func TestNodeAt(t *testing.T) {
	root, db, _ := buildTestTrie(t, 30)
	blob, hash, err := NodeAt(db, root, nil)
	if err != nil {
		t.Fatalf("root lookup: %v", err)
	}
	if hash != root {
		t.Fatalf("root hash mismatch")
	}
	decoded, err := DecodeNodeData(blob)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Kind != KindBranch {
		t.Fatalf("30-entry hashed-key trie root should be a branch")
	}
	// Each occupied child slot must be addressable by its one-nibble
	// path.
	for i := 0; i < 16; i++ {
		if !decoded.Children[i].IsHash() {
			continue
		}
		_, childHash, err := NodeAt(db, root, []byte{byte(i)})
		if err != nil {
			t.Fatalf("child %x: %v", i, err)
		}
		if childHash != decoded.Children[i].Hash {
			t.Fatalf("child %x hash mismatch", i)
		}
	}
}
