package rawdb

import (
	"bytes"
	"math/big"
	"testing"

	"github.com/keystone-eth/keystone/core/types"
)

func TestMemoryDBBasics(t *testing.T) {
	db := NewMemoryDB()
	if _, err := db.Get([]byte("missing")); err != ErrNotFound {
		t.Fatalf("missing key: have %v, want ErrNotFound", err)
	}
	if err := db.Put([]byte("k"), []byte("v")); err != nil {
		t.Fatal(err)
	}
	got, err := db.Get([]byte("k"))
	if err != nil || string(got) != "v" {
		t.Fatalf("get: %q %v", got, err)
	}
	ok, _ := db.Has([]byte("k"))
	if !ok {
		t.Fatalf("has lied")
	}
	if err := db.Delete([]byte("k")); err != nil {
		t.Fatal(err)
	}
	if ok, _ := db.Has([]byte("k")); ok {
		t.Fatalf("deleted key still present")
	}
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}
	if err := db.Put([]byte("x"), nil); err != ErrClosed {
		t.Fatalf("closed put: have %v, want ErrClosed", err)
	}
}

func TestMemoryDBBatchAtomic(t *testing.T) {
	db := NewMemoryDB()
	if err := db.Put([]byte("stale"), []byte("old")); err != nil {
		t.Fatal(err)
	}
	batch := db.NewBatch()
	_ = batch.Put([]byte("a"), []byte("1"))
	_ = batch.Put([]byte("b"), []byte("2"))
	_ = batch.Delete([]byte("stale"))
	if batch.ValueSize() == 0 {
		t.Fatalf("batch reports zero size")
	}
	// Nothing lands before Write.
	if ok, _ := db.Has([]byte("a")); ok {
		t.Fatalf("batch leaked before write")
	}
	if err := batch.Write(); err != nil {
		t.Fatal(err)
	}
	if ok, _ := db.Has([]byte("a")); !ok {
		t.Fatalf("batch write lost a key")
	}
	if ok, _ := db.Has([]byte("stale")); ok {
		t.Fatalf("batch delete ignored")
	}
	batch.Reset()
	if batch.ValueSize() != 0 {
		t.Fatalf("reset batch keeps size")
	}
}

func TestMemoryDBIterator(t *testing.T) {
	db := NewMemoryDB()
	keys := []string{"p-a", "p-b", "p-c", "q-a"}
	for _, k := range keys {
		if err := db.Put([]byte(k), []byte(k)); err != nil {
			t.Fatal(err)
		}
	}
	it := db.NewIterator([]byte("p-"), nil)
	defer it.Release()
	var got []string
	for it.Next() {
		got = append(got, string(it.Key()))
	}
	if len(got) != 3 || got[0] != "p-a" || got[2] != "p-c" {
		t.Fatalf("prefix iteration wrong: %v", got)
	}
	it2 := db.NewIterator([]byte("p-"), []byte("b"))
	defer it2.Release()
	var got2 []string
	for it2.Next() {
		got2 = append(got2, string(it2.Key()))
	}
	if len(got2) != 2 || got2[0] != "p-b" {
		t.Fatalf("start offset ignored: %v", got2)
	}
}

func TestStateNodeAccessors(t *testing.T) {
	db := NewMemoryDB()
	nodeKey := types.HexToHash("0x11")
	blob := []byte("node blob")
	if err := WriteStateNode(db, nodeKey, blob); err != nil {
		t.Fatal(err)
	}
	if !HasStateNode(db, nodeKey) {
		t.Fatalf("node not found after write")
	}
	if got := ReadStateNode(db, nodeKey); !bytes.Equal(got, blob) {
		t.Fatalf("node roundtrip: %q", got)
	}
	if ReadStateNode(db, types.HexToHash("0x22")) != nil {
		t.Fatalf("phantom node read")
	}
}

func TestHeaderAccessors(t *testing.T) {
	db := NewMemoryDB()
	header := &types.Header{
		ParentHash: types.HexToHash("0x01"),
		Root:       types.HexToHash("0x02"),
		Number:     big.NewInt(77),
		Time:       1700000000,
	}
	if err := WriteHeader(db, header); err != nil {
		t.Fatal(err)
	}
	hash := header.Hash()
	if err := WriteCanonicalHash(db, 77, hash); err != nil {
		t.Fatal(err)
	}
	if got := ReadCanonicalHash(db, 77); got != hash {
		t.Fatalf("canonical hash mismatch")
	}
	number, ok := ReadHeaderNumber(db, hash)
	if !ok || number != 77 {
		t.Fatalf("header number: %d %v", number, ok)
	}
	back := ReadHeader(db, 77, hash)
	if back == nil || back.Hash() != hash {
		t.Fatalf("header roundtrip failed")
	}
	if ReadHeader(db, 78, hash) != nil {
		t.Fatalf("phantom header read")
	}
}

func TestSyncProgressAccessors(t *testing.T) {
	db := NewMemoryDB()
	if ReadSyncProgress(db) != nil {
		t.Fatalf("phantom progress")
	}
	if err := WriteSyncProgress(db, []byte("snapshot")); err != nil {
		t.Fatal(err)
	}
	if got := ReadSyncProgress(db); string(got) != "snapshot" {
		t.Fatalf("progress roundtrip: %q", got)
	}
	if err := DeleteSyncProgress(db); err != nil {
		t.Fatal(err)
	}
	if ReadSyncProgress(db) != nil {
		t.Fatalf("progress survived delete")
	}
}

func TestCodeAccessors(t *testing.T) {
	db := NewMemoryDB()
	codeHash := types.HexToHash("0xc0de")
	if err := WriteCode(db, codeHash, []byte{0x60, 0x00}); err != nil {
		t.Fatal(err)
	}
	if !HasCode(db, codeHash) {
		t.Fatalf("code not found")
	}
	if got := ReadCode(db, codeHash); !bytes.Equal(got, []byte{0x60, 0x00}) {
		t.Fatalf("code roundtrip: %x", got)
	}
}
