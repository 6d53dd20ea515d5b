package sync

import (
	"testing"

	"github.com/keystone-eth/keystone/core/rawdb"
)

// TestProgressRoundtrip persists a half-synced pivot and resumes it on a
// fresh engine over the same database.
func TestProgressRoundtrip(t *testing.T) {
	chain := newTestChain(t, 48, chainOpts{storageEvery: 6, codeEvery: 8})
	disk := rawdb.NewMemoryDB()
	e := NewEngine(disk, Config{MaxPeers: 4})
	e.SetPivot(chain.header)

	peer := newMockPeer("peer-1", chain)
	peer.failAfter = 2
	b, err := e.Register(peer)
	if err != nil {
		t.Fatal(err)
	}
	_ = e.RunRound(b)

	p := e.CurrentPivot()
	factor := p.CloneAccountProcessed().FullFactor()
	if factor <= 0 || factor >= 1 {
		t.Fatalf("fixture should be half synced, factor %.2f", factor)
	}
	accounts, _, _ := p.Stats()
	if err := e.SaveProgress(); err != nil {
		t.Fatalf("save: %v", err)
	}

	// A fresh engine over the same disk resumes and finishes.
	e2 := NewEngine(disk, Config{MaxPeers: 4})
	p2, err := e2.LoadProgress()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if p2.StateRoot() != chain.root {
		t.Fatalf("restored root mismatch")
	}
	accounts2, _, _ := p2.Stats()
	if accounts2 != accounts {
		t.Fatalf("restored account counter: have %d, want %d", accounts2, accounts)
	}
	restored := p2.CloneAccountProcessed().FullFactor()
	if restored < factor-0.01 || restored > factor+0.01 {
		t.Fatalf("restored coverage %.2f, want %.2f", restored, factor)
	}

	peer2 := newMockPeer("peer-2", chain)
	b2, err := e2.Register(peer2)
	if err != nil {
		t.Fatal(err)
	}
	syncToCompletion(t, e2, b2, 64)
	assertReconstruction(t, e2, chain)
}

func TestLoadProgressEmpty(t *testing.T) {
	e := newTestEngine(1)
	if _, err := e.LoadProgress(); err != ErrNoProgress {
		t.Fatalf("have %v, want ErrNoProgress", err)
	}
}

// TestEngineSyncDriver runs the high-level Sync loop end to end and
// checks the covered-accounts statistic rolls over at saturation.
func TestEngineSyncDriver(t *testing.T) {
	chain := newTestChain(t, 32, chainOpts{storageEvery: 8})
	e := newTestEngine(2)
	e.SetPivot(chain.header)
	peer := newMockPeer("peer-1", chain)
	b, err := e.Register(peer)
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Sync(b); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if !e.CurrentPivot().Complete() {
		t.Fatalf("sync returned before completion")
	}
	// Full coverage resets the process-wide statistic.
	if f := e.CoveredFactor(); f != 0 {
		t.Fatalf("covered factor did not roll over: %f", f)
	}
	assertReconstruction(t, e, chain)
}

func TestEngineSetPivotRollover(t *testing.T) {
	chain := newTestChain(t, 8, chainOpts{})
	chain2 := newTestChain(t, 9, chainOpts{})
	e := newTestEngine(1)

	p1 := e.SetPivot(chain.header)
	if p1.Archived() {
		t.Fatalf("fresh pivot archived")
	}
	// Same root: no-op.
	if again := e.SetPivot(chain.header); again != p1 {
		t.Fatalf("same-root SetPivot created a new pivot")
	}
	p2 := e.SetPivot(chain2.header)
	if p2 == p1 {
		t.Fatalf("rollover kept the old pivot current")
	}
	if !p1.Archived() {
		t.Fatalf("old pivot not archived on rollover")
	}
	if got := e.CurrentPivot(); got != p2 {
		t.Fatalf("current pivot wrong after rollover")
	}
}
