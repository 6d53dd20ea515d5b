package sync

import (
	"testing"
	"time"
)

func TestBuddyCtrlTransitions(t *testing.T) {
	b := NewBuddy(newMockPeer("x", nil))
	if !b.Running() {
		t.Fatalf("fresh buddy not running")
	}
	b.Stop()
	if b.Ctrl() != CtrlStopped {
		t.Fatalf("stop: %s", b.Ctrl())
	}
	b.Restart()
	if !b.Running() {
		t.Fatalf("restart failed")
	}
	b.Zombify()
	if b.Ctrl() != CtrlZombie {
		t.Fatalf("zombify: %s", b.Ctrl())
	}
	b.Restart()
	if b.Ctrl() != CtrlZombie {
		t.Fatalf("zombie resurrected")
	}
}

func TestBuddyErrorCounters(t *testing.T) {
	b := NewBuddy(newMockPeer("x", nil))
	if b.RecordTimeout() || b.RecordTimeout() {
		t.Fatalf("banned before the third strike")
	}
	if !b.RecordTimeout() {
		t.Fatalf("third timeout did not trip the ban")
	}
	// A success clears the slate.
	b2 := NewBuddy(newMockPeer("y", nil))
	b2.RecordNetworkError()
	b2.RecordNetworkError()
	b2.RecordSuccess()
	if b2.RecordNetworkError() {
		t.Fatalf("counters not cleared by success")
	}
}

func TestBanListExpiry(t *testing.T) {
	l := NewBanList()
	now := time.Unix(1700000000, 0)
	l.now = func() time.Time { return now }

	l.Ban("peer-1", 0)
	if !l.Banned("peer-1") {
		t.Fatalf("fresh ban not in effect")
	}
	if l.Banned("peer-2") {
		t.Fatalf("unknown peer banned")
	}
	// Just before expiry.
	now = now.Add(banDuration - time.Second)
	if !l.Banned("peer-1") {
		t.Fatalf("ban expired early")
	}
	// After expiry the peer is automatically eligible again.
	now = now.Add(2 * time.Second)
	if l.Banned("peer-1") {
		t.Fatalf("ban outlived its window")
	}
	if l.Len() != 0 {
		t.Fatalf("expired ban still counted")
	}
}

func TestInspectAccountsPerusalLock(t *testing.T) {
	chain := newTestChain(t, 8, chainOpts{})
	e := newTestEngine(1)
	p := e.SetPivot(chain.header)

	if !p.LockAccountsPerusal() {
		t.Fatalf("first perusal lock refused")
	}
	if _, err := e.InspectAccounts(p, InspectOptions{}); err != ErrTrieLockedForPerusal {
		t.Fatalf("concurrent inspection: have %v, want ErrTrieLockedForPerusal", err)
	}
	p.UnlockAccountsPerusal()
	// With the trie absent locally the walk reports the root dangling.
	res, err := e.InspectAccounts(p, InspectOptions{})
	if err != nil {
		t.Fatalf("inspect after unlock: %v", err)
	}
	if len(res.Dangling) != 1 {
		t.Fatalf("unsynced root not reported dangling: %d", len(res.Dangling))
	}
}
