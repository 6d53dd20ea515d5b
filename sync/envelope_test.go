package sync

import (
	"fmt"
	"testing"

	"github.com/keystone-eth/keystone/core/rawdb"
	"github.com/keystone-eth/keystone/core/types"
	"github.com/keystone-eth/keystone/crypto"
	"github.com/keystone-eth/keystone/trie"
)

func TestPathEnvelope(t *testing.T) {
	tests := []struct {
		path []byte
		min  string
		max  string
	}{
		{
			path: nil,
			min:  "0x0000000000000000000000000000000000000000000000000000000000000000",
			max:  "0xffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff",
		},
		{
			path: []byte{0x1, 0xa},
			min:  "0x1a00000000000000000000000000000000000000000000000000000000000000",
			max:  "0x1affffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff",
		},
		{
			path: []byte{0xf},
			min:  "0xf000000000000000000000000000000000000000000000000000000000000000",
			max:  "0xffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff",
		},
	}
	for i, tt := range tests {
		env, err := PathEnvelope(tt.path)
		if err != nil {
			t.Fatalf("test %d: %v", i, err)
		}
		if HashFromTag(&env.First) != types.HexToHash(tt.min) {
			t.Errorf("test %d min: have %s, want %s", i, HashFromTag(&env.First).Hex(), tt.min)
		}
		if HashFromTag(&env.Last) != types.HexToHash(tt.max) {
			t.Errorf("test %d max: have %s, want %s", i, HashFromTag(&env.Last).Hex(), tt.max)
		}
	}
	if _, err := PathEnvelope(make([]byte, 65)); err == nil {
		t.Fatalf("oversized path accepted")
	}
	if _, err := PathEnvelope([]byte{0x10}); err == nil {
		t.Fatalf("invalid nibble accepted")
	}
}

func TestEnvelopeHierarchy(t *testing.T) {
	parent, _ := PathEnvelope([]byte{0x3})
	child, _ := PathEnvelope([]byte{0x3, 0x7})
	sibling, _ := PathEnvelope([]byte{0x3, 0x8})
	if !parent.Encloses(child) {
		t.Fatalf("child envelope not inside parent")
	}
	if child.Overlaps(sibling) {
		t.Fatalf("sibling envelopes overlap")
	}
}

// buildSyncTrie commits n account-like entries and returns the root, the
// node database and the sorted keys.
func buildSyncTrie(t *testing.T, n int) (types.Hash, *trie.Database, []types.Hash) {
	t.Helper()
	db := trie.NewDatabase(rawdb.NewMemoryDB())
	tr := trie.New()
	var keys []types.Hash
	for i := 0; i < n; i++ {
		key := crypto.Keccak256Hash([]byte(fmt.Sprintf("addr-%d", i)))
		val := []byte(fmt.Sprintf("leaf-value-padding-padding-%04d", i))
		if err := tr.Update(key.Bytes(), val); err != nil {
			t.Fatal(err)
		}
		keys = append(keys, key)
	}
	root, _, err := tr.Commit(db)
	if err != nil {
		t.Fatal(err)
	}
	sortHashes(keys)
	return root, db, keys
}

func sortHashes(keys []types.Hash) {
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0; j-- {
			a, b := TagFromHash(keys[j-1]), TagFromHash(keys[j])
			if a.Cmp(&b) <= 0 {
				break
			}
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}
}

// TestDecomposeCoversComplement verifies the central property of the
// decomposition: the returned envelopes are pairwise disjoint, disjoint
// from processed, and every allocated key outside processed falls into
// exactly one of them.
func TestDecomposeCoversComplement(t *testing.T) {
	root, db, keys := buildSyncTrie(t, 64)

	// Mark the bottom half of the key space processed.
	processed := NewTagRangeSet()
	var mid uint256Mid
	processed.Merge(mid.lowerHalf())

	specs, err := Decompose(processed, root, db)
	if err != nil {
		t.Fatalf("decompose: %v", err)
	}
	var envs []TagRange
	for _, spec := range specs {
		env, err := PathEnvelope(spec.Path)
		if err != nil {
			t.Fatalf("envelope %x: %v", spec.Path, err)
		}
		if !processed.Intersect(env).IsEmpty() {
			t.Fatalf("envelope %x intersects processed", spec.Path)
		}
		for _, other := range envs {
			if env.Overlaps(other) {
				t.Fatalf("envelopes overlap at %x", spec.Path)
			}
		}
		envs = append(envs, env)
	}
	for _, key := range keys {
		tg := TagFromHash(key)
		if processed.Contains(&tg) {
			continue
		}
		hits := 0
		for _, env := range envs {
			if env.Contains(&tg) {
				hits++
			}
		}
		if hits != 1 {
			t.Fatalf("unprocessed key %s covered by %d envelopes", key.Hex(), hits)
		}
	}
}

func TestDecomposeProcessedFull(t *testing.T) {
	root, db, _ := buildSyncTrie(t, 16)
	specs, err := Decompose(NewFullTagRangeSet(), root, db)
	if err != nil {
		t.Fatalf("decompose: %v", err)
	}
	if len(specs) != 0 {
		t.Fatalf("full processed set still yields %d specs", len(specs))
	}
}

func TestDecomposeMissingRoot(t *testing.T) {
	empty := trie.NewDatabase(rawdb.NewMemoryDB())
	root := crypto.Keccak256Hash([]byte("nonexistent"))
	specs, err := Decompose(NewTagRangeSet(), root, empty)
	if err != nil {
		t.Fatalf("decompose: %v", err)
	}
	if len(specs) != 1 || len(specs[0].Path) != 0 || specs[0].Hash != root {
		t.Fatalf("missing root not reported as the sole spec: %v", specs)
	}
}

func TestEnvelopeTouchedBy(t *testing.T) {
	set := NewTagRangeSet()
	env, _ := PathEnvelope([]byte{0x2})
	set.Merge(env)
	touched, err := EnvelopeTouchedBy(set, []byte{0x2, 0x5})
	if err != nil {
		t.Fatal(err)
	}
	sub, _ := PathEnvelope([]byte{0x2, 0x5})
	total, _ := touched.Total()
	want, _ := sub.Size()
	if !total.Eq(&want) {
		t.Fatalf("touched size: have %s, want %s", total.Dec(), want.Dec())
	}
	if touched, _ := EnvelopeTouchedBy(set, []byte{0x3}); !touched.IsEmpty() {
		t.Fatalf("disjoint envelope reported as touched")
	}
}

// uint256Mid is a tiny helper producing the lower half of the key space.
type uint256Mid struct{}

func (uint256Mid) lowerHalf() TagRange {
	env, _ := PathEnvelope(nil)
	var mid = env.Last
	mid.Rsh(&mid, 1)
	return MakeTagRange(&env.First, &mid)
}
