package trie

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/keystone-eth/keystone/core/rawdb"
	"github.com/keystone-eth/keystone/core/types"
	"github.com/keystone-eth/keystone/crypto"
)

func TestEmptyRoot(t *testing.T) {
	want := types.HexToHash("0x56e81f171bcc55a6ff8345e692c0f86e5b48e01b996cadc001622fb5e363b421")
	if EmptyRoot != want {
		t.Fatalf("empty root mismatch: have %s, want %s", EmptyRoot.Hex(), want.Hex())
	}
	if got := New().Hash(); got != want {
		t.Fatalf("empty trie hash: have %s, want %s", got.Hex(), want.Hex())
	}
}

func TestTrieGetUpdateDelete(t *testing.T) {
	tr := New()
	entries := map[string]string{
		"doe":          "reindeer",
		"dog":          "puppy",
		"dogglesworth": "cat",
		"horse":        "stallion",
	}
	for k, v := range entries {
		if err := tr.Update([]byte(k), []byte(v)); err != nil {
			t.Fatalf("update %q: %v", k, err)
		}
	}
	for k, v := range entries {
		got, err := tr.Get([]byte(k))
		if err != nil {
			t.Fatalf("get %q: %v", k, err)
		}
		if string(got) != v {
			t.Fatalf("get %q: have %q, want %q", k, got, v)
		}
	}
	if _, err := tr.Get([]byte("dogs")); err != ErrNotFound {
		t.Fatalf("absent key: have %v, want ErrNotFound", err)
	}
	if err := tr.Delete([]byte("dog")); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := tr.Get([]byte("dog")); err != ErrNotFound {
		t.Fatalf("deleted key still present: %v", err)
	}
	if got, err := tr.Get([]byte("dogglesworth")); err != nil || string(got) != "cat" {
		t.Fatalf("sibling damaged by delete: %q %v", got, err)
	}
}

func TestTrieHashOrderIndependent(t *testing.T) {
	keys := make([][]byte, 16)
	for i := range keys {
		keys[i] = crypto.Keccak256([]byte{byte(i)})
	}
	a, b := New(), New()
	for _, k := range keys {
		if err := a.Update(k, append([]byte("value-"), k[:4]...)); err != nil {
			t.Fatal(err)
		}
	}
	for i := len(keys) - 1; i >= 0; i-- {
		if err := b.Update(keys[i], append([]byte("value-"), keys[i][:4]...)); err != nil {
			t.Fatal(err)
		}
	}
	if a.Hash() != b.Hash() {
		t.Fatalf("insertion order changed the root: %s vs %s", a.Hash().Hex(), b.Hash().Hex())
	}
}

func TestTrieDeleteRestoresRoot(t *testing.T) {
	tr := New()
	if err := tr.Update([]byte("alpha"), []byte("one")); err != nil {
		t.Fatal(err)
	}
	before := tr.Hash()
	if err := tr.Update([]byte("beta"), []byte("two")); err != nil {
		t.Fatal(err)
	}
	if err := tr.Delete([]byte("beta")); err != nil {
		t.Fatal(err)
	}
	if got := tr.Hash(); got != before {
		t.Fatalf("root not restored after delete: have %s, want %s", got.Hex(), before.Hex())
	}
}

// buildTestTrie commits n hashed-key entries into a fresh database and
// returns the root, the database and the sorted key-value pairs.
func buildTestTrie(t *testing.T, n int) (types.Hash, *Database, [][2][]byte) {
	t.Helper()
	db := NewDatabase(rawdb.NewMemoryDB())
	tr := New()
	var pairs [][2][]byte
	for i := 0; i < n; i++ {
		key := crypto.Keccak256([]byte(fmt.Sprintf("account-%d", i)))
		val := []byte(fmt.Sprintf("value-body-with-some-length-%04d", i))
		if err := tr.Update(key, val); err != nil {
			t.Fatal(err)
		}
		pairs = append(pairs, [2][]byte{key, val})
	}
	root, dangling, err := tr.Commit(db)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if len(dangling) != 0 {
		t.Fatalf("in-memory trie committed with %d dangling refs", len(dangling))
	}
	sortPairs(pairs)
	return root, db, pairs
}

func sortPairs(pairs [][2][]byte) {
	for i := 1; i < len(pairs); i++ {
		for j := i; j > 0 && bytes.Compare(pairs[j-1][0], pairs[j][0]) > 0; j-- {
			pairs[j-1], pairs[j] = pairs[j], pairs[j-1]
		}
	}
}

func TestTrieCommitAndReload(t *testing.T) {
	root, db, pairs := buildTestTrie(t, 50)

	reloaded := NewAtRoot(root, db)
	for _, kv := range pairs {
		got, err := reloaded.Get(kv[0])
		if err != nil {
			t.Fatalf("get %x: %v", kv[0], err)
		}
		if !bytes.Equal(got, kv[1]) {
			t.Fatalf("get %x: have %q, want %q", kv[0], got, kv[1])
		}
	}
	if got := reloaded.Hash(); got != root {
		t.Fatalf("reloaded root mismatch: have %s, want %s", got.Hex(), root.Hex())
	}
}

func TestTrieLeavesOrdered(t *testing.T) {
	root, db, pairs := buildTestTrie(t, 30)
	tr := NewAtRoot(root, db)

	var walked [][2][]byte
	err := tr.Leaves(func(key, value []byte) error {
		walked = append(walked, [2][]byte{bytes.Clone(key), bytes.Clone(value)})
		return nil
	})
	if err != nil {
		t.Fatalf("leaves: %v", err)
	}
	if len(walked) != len(pairs) {
		t.Fatalf("leaf count: have %d, want %d", len(walked), len(pairs))
	}
	for i := range walked {
		if !bytes.Equal(walked[i][0], pairs[i][0]) || !bytes.Equal(walked[i][1], pairs[i][1]) {
			t.Fatalf("leaf %d mismatch", i)
		}
	}
}

func TestTrieMissingNodeError(t *testing.T) {
	root, _, pairs := buildTestTrie(t, 20)

	// Resolving against an empty store must report the root as missing.
	empty := NewDatabase(rawdb.NewMemoryDB())
	tr := NewAtRoot(root, empty)
	_, err := tr.Get(pairs[0][0])
	var missing *MissingNodeError
	if !errors.As(err, &missing) {
		t.Fatalf("have %v, want MissingNodeError", err)
	}
	if missing.Hash != root {
		t.Fatalf("missing hash: have %s, want root %s", missing.Hash.Hex(), root.Hex())
	}
}

func TestDecodeNodeData(t *testing.T) {
	root, db, pairs := buildTestTrie(t, 40)
	blob, err := db.Node(root)
	if err != nil {
		t.Fatalf("root blob: %v", err)
	}
	decoded, err := DecodeNodeData(blob)
	if err != nil {
		t.Fatalf("decode root: %v", err)
	}
	if decoded.Kind == KindLeaf {
		t.Fatalf("40-entry trie root decoded as leaf")
	}
	if _, err := DecodeNodeData([]byte{0x01, 0x02}); err == nil {
		t.Fatalf("garbage decoded without error")
	}
	_ = pairs
}
