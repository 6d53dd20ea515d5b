// peer.go implements the buddy layer: one worker context per remote peer,
// with a cooperative control state machine, error accounting and the ban
// registry that takes persistently misbehaving peers out of rotation.
package sync

import (
	"sync"
	"sync/atomic"
	"time"
)

// Buddy control states.
type CtrlState uint32

const (
	// CtrlRunning means the buddy may issue requests.
	CtrlRunning CtrlState = iota

	// CtrlStopped means the buddy must yield: return its leases and exit
	// the current round. It may be restarted.
	CtrlStopped

	// CtrlZombie means the buddy is disconnected and forgotten.
	CtrlZombie
)

// String returns the human-readable control state name.
func (s CtrlState) String() string {
	switch s {
	case CtrlRunning:
		return "running"
	case CtrlStopped:
		return "stopped"
	case CtrlZombie:
		return "zombie"
	default:
		return "unknown"
	}
}

// Error accounting thresholds: this many consecutive failures of one kind
// demote the buddy and ban the peer.
const (
	maxTimeoutErrors  = 3
	maxNetworkErrors  = 3
	maxResponseErrors = 3

	// banDuration is how long a misbehaving peer stays out of rotation
	// before it is automatically re-dialed.
	banDuration = 150 * time.Minute
)

// buddyErrors tracks consecutive failures per kind. A successful exchange
// clears all counters.
type buddyErrors struct {
	timeouts  int
	network   int
	responses int
}

// Buddy binds one remote snap peer to the engine: its control state, error
// counters and per-peer ignore sets used by the fetch loops.
type Buddy struct {
	peer  SnapPeer
	ctrl  atomic.Uint32
	reqID atomic.Uint64

	mu     sync.Mutex
	errors buddyErrors

	// ignoreCodes holds code hashes this peer failed to deliver; they are
	// not asked from it again.
	ignoreCodes map[[32]byte]struct{}

	// ignoreNodes holds heal paths this peer failed to deliver this
	// round.
	ignoreNodes map[string]struct{}
}

// NewBuddy wraps a snap peer into a running buddy.
func NewBuddy(peer SnapPeer) *Buddy {
	return &Buddy{
		peer:        peer,
		ignoreCodes: make(map[[32]byte]struct{}),
		ignoreNodes: make(map[string]struct{}),
	}
}

// Peer returns the wrapped snap peer.
func (b *Buddy) Peer() SnapPeer { return b.peer }

// ID returns the remote peer's identifier.
func (b *Buddy) ID() string { return b.peer.ID() }

// NextID returns a fresh request identifier.
func (b *Buddy) NextID() uint64 { return b.reqID.Add(1) }

// Ctrl returns the current control state.
func (b *Buddy) Ctrl() CtrlState { return CtrlState(b.ctrl.Load()) }

// Running reports whether the buddy may keep working. Every loop re-checks
// this after a request returns.
func (b *Buddy) Running() bool { return b.Ctrl() == CtrlRunning }

// Stop demotes the buddy to stopped; it yields at the next check.
func (b *Buddy) Stop() {
	b.ctrl.CompareAndSwap(uint32(CtrlRunning), uint32(CtrlStopped))
}

// Restart resumes a stopped buddy. Zombies stay dead.
func (b *Buddy) Restart() {
	b.ctrl.CompareAndSwap(uint32(CtrlStopped), uint32(CtrlRunning))
}

// Zombify marks the buddy for disconnection.
func (b *Buddy) Zombify() {
	b.ctrl.Store(uint32(CtrlZombie))
}

// RecordSuccess clears the consecutive-error counters after a useful
// exchange.
func (b *Buddy) RecordSuccess() {
	b.mu.Lock()
	b.errors = buddyErrors{}
	b.mu.Unlock()
}

// RecordTimeout notes a request timeout or empty reply. It demotes the
// buddy to stopped and returns true when the peer should be banned.
func (b *Buddy) RecordTimeout() bool {
	b.Stop()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.errors.timeouts++
	return b.errors.timeouts >= maxTimeoutErrors
}

// RecordNetworkError notes a transport failure; returns true when the peer
// should be banned.
func (b *Buddy) RecordNetworkError() bool {
	b.Stop()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.errors.network++
	return b.errors.network >= maxNetworkErrors
}

// RecordResponseError notes an unverifiable reply (bad proof, hash
// mismatch, undecodable payload); returns true when the peer should be
// banned.
func (b *Buddy) RecordResponseError() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.errors.responses++
	if b.errors.responses >= maxResponseErrors {
		b.Zombify()
		return true
	}
	return false
}

// IgnoreCode marks a code hash as undeliverable by this peer.
func (b *Buddy) IgnoreCode(hash [32]byte) {
	b.mu.Lock()
	b.ignoreCodes[hash] = struct{}{}
	b.mu.Unlock()
}

// CodeIgnored reports whether a code hash is on the peer's ignore list.
func (b *Buddy) CodeIgnored(hash [32]byte) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.ignoreCodes[hash]
	return ok
}

// IgnoreNode marks a heal path as undeliverable by this peer this round.
func (b *Buddy) IgnoreNode(path []byte) {
	b.mu.Lock()
	b.ignoreNodes[string(path)] = struct{}{}
	b.mu.Unlock()
}

// NodeIgnored reports whether a heal path is on the peer's ignore list.
func (b *Buddy) NodeIgnored(path []byte) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.ignoreNodes[string(path)]
	return ok
}

// ClearNodeIgnores resets the per-round heal ignore set.
func (b *Buddy) ClearNodeIgnores() {
	b.mu.Lock()
	b.ignoreNodes = make(map[string]struct{})
	b.mu.Unlock()
}

// BanList tracks peers temporarily excluded from rotation. Bans expire on
// their own; expired entries are pruned lazily.
type BanList struct {
	mu    sync.Mutex
	until map[string]time.Time
	now   func() time.Time
}

// NewBanList creates an empty ban registry.
func NewBanList() *BanList {
	return &BanList{
		until: make(map[string]time.Time),
		now:   time.Now,
	}
}

// Ban excludes a peer for the given duration (banDuration when zero).
func (l *BanList) Ban(id string, d time.Duration) {
	if d <= 0 {
		d = banDuration
	}
	l.mu.Lock()
	l.until[id] = l.now().Add(d)
	l.mu.Unlock()
}

// Banned reports whether the peer is currently excluded.
func (l *BanList) Banned(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	deadline, ok := l.until[id]
	if !ok {
		return false
	}
	if l.now().After(deadline) {
		delete(l.until, id)
		return false
	}
	return true
}

// Len returns the number of live bans.
func (l *BanList) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	now := l.now()
	for _, deadline := range l.until {
		if now.Before(deadline) {
			n++
		}
	}
	return n
}
