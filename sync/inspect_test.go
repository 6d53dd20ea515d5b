package sync

import (
	"errors"
	"testing"

	"github.com/keystone-eth/keystone/core/rawdb"
	"github.com/keystone-eth/keystone/crypto"
	"github.com/keystone-eth/keystone/trie"
)

func TestInspectCompleteTrie(t *testing.T) {
	root, db, _ := buildSyncTrie(t, 48)
	res, err := InspectTrie(db, root, InspectOptions{})
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if len(res.Dangling) != 0 {
		t.Fatalf("complete trie reported %d dangling refs", len(res.Dangling))
	}
	if res.Resume != nil || res.Stopped {
		t.Fatalf("unbounded walk suspended")
	}
	if res.Visited == 0 {
		t.Fatalf("walk visited nothing")
	}
}

// evictChild removes one stored child node of the root branch, returning
// its expected dangling path.
func evictChild(t *testing.T, disk *rawdb.MemoryDB, db *trie.Database, root [32]byte) []byte {
	t.Helper()
	blob, err := db.Node(root)
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := trie.DecodeNodeData(blob)
	if err != nil {
		t.Fatal(err)
	}
	if decoded.Kind != trie.KindBranch {
		t.Fatalf("test trie root is not a branch")
	}
	for i := 0; i < 16; i++ {
		if decoded.Children[i].IsHash() {
			// Delete through the raw schema key: S + hash.
			key := append([]byte("S"), decoded.Children[i].Hash.Bytes()...)
			if err := disk.Delete(key); err != nil {
				t.Fatal(err)
			}
			return []byte{byte(i)}
		}
	}
	t.Fatalf("no hash children to evict")
	return nil
}

func TestInspectFindsDangling(t *testing.T) {
	disk := rawdb.NewMemoryDB()
	db := trie.NewDatabase(disk)
	tr := trie.New()
	for i := 0; i < 48; i++ {
		key := crypto.Keccak256([]byte{byte(i)})
		if err := tr.Update(key, []byte("leaf-value-with-enough-length-to-hash")); err != nil {
			t.Fatal(err)
		}
	}
	root, _, err := tr.Commit(db)
	if err != nil {
		t.Fatal(err)
	}
	wantPath := evictChild(t, disk, db, root)

	res, err := InspectTrie(db, root, InspectOptions{})
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if len(res.Dangling) != 1 {
		t.Fatalf("dangling count: have %d, want 1", len(res.Dangling))
	}
	if len(res.Dangling[0].Path) != len(wantPath) || res.Dangling[0].Path[0] != wantPath[0] {
		t.Fatalf("dangling path: have %x, want %x", res.Dangling[0].Path, wantPath)
	}
}

func TestInspectSuspendResume(t *testing.T) {
	root, db, _ := buildSyncTrie(t, 64)

	var (
		visited uint64
		resume  *InspectResume
		rounds  int
	)
	for {
		res, err := InspectTrie(db, root, InspectOptions{Resume: resume, BatchLimit: 5})
		if err != nil {
			t.Fatalf("inspect round %d: %v", rounds, err)
		}
		visited += res.Visited
		rounds++
		if res.Resume == nil {
			break
		}
		resume = res.Resume
		if rounds > 1000 {
			t.Fatalf("walk never finished")
		}
	}
	if rounds < 2 {
		t.Fatalf("batch limit never suspended the walk")
	}
	full, err := InspectTrie(db, root, InspectOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if visited != full.Visited {
		t.Fatalf("resumed walk visited %d, full walk %d", visited, full.Visited)
	}
}

func TestInspectMaxDangling(t *testing.T) {
	disk := rawdb.NewMemoryDB()
	db := trie.NewDatabase(disk)
	tr := trie.New()
	for i := 0; i < 128; i++ {
		key := crypto.Keccak256([]byte{byte(i)})
		if err := tr.Update(key, []byte("leaf-value-with-enough-length-to-hash")); err != nil {
			t.Fatal(err)
		}
	}
	root, _, err := tr.Commit(db)
	if err != nil {
		t.Fatal(err)
	}
	// Evict several children of the root.
	blob, _ := db.Node(root)
	decoded, _ := trie.DecodeNodeData(blob)
	evicted := 0
	for i := 0; i < 16 && evicted < 4; i++ {
		if decoded.Children[i].IsHash() {
			key := append([]byte("S"), decoded.Children[i].Hash.Bytes()...)
			if err := disk.Delete(key); err != nil {
				t.Fatal(err)
			}
			evicted++
		}
	}
	res, err := InspectTrie(db, root, InspectOptions{MaxDangling: 2})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Stopped || len(res.Dangling) != 2 {
		t.Fatalf("max dangling ignored: stopped=%v count=%d", res.Stopped, len(res.Dangling))
	}
}

func TestInspectLoopAlert(t *testing.T) {
	disk := rawdb.NewMemoryDB()
	db := trie.NewDatabase(disk)

	// Hand-craft a branch node that references itself: resolution never
	// terminates, so the depth guard must fire. The store is not
	// hash-verified on read, which is exactly the corruption the alert
	// protects against.
	self := crypto.Keccak256Hash([]byte("self-referencing node"))
	var payload []byte
	for i := 0; i < 17; i++ {
		if i == 3 {
			payload = append(payload, 0xa0)
			payload = append(payload, self.Bytes()...)
			continue
		}
		payload = append(payload, 0x80)
	}
	blob := append([]byte{0xc0 + byte(len(payload))}, payload...)
	if err := db.PutNode(self, blob); err != nil {
		t.Fatal(err)
	}
	_, err := InspectTrie(db, self, InspectOptions{})
	if !errors.Is(err, ErrTrieLoopAlert) {
		t.Fatalf("have %v, want ErrTrieLoopAlert", err)
	}
}

func TestInspectDecodeError(t *testing.T) {
	db := trie.NewDatabase(rawdb.NewMemoryDB())
	junk := []byte{0x01, 0x02, 0x03}
	hash := crypto.Keccak256Hash(junk)
	if err := db.PutNode(hash, junk); err != nil {
		t.Fatal(err)
	}
	_, err := InspectTrie(db, hash, InspectOptions{})
	if !errors.Is(err, trie.ErrDecodeNode) {
		t.Fatalf("have %v, want ErrDecodeNode", err)
	}
}
