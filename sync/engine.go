// engine.go wires the snap-sync engine together: the pivot table, the
// process-wide coverage statistics, buddy registration and the per-buddy
// work rounds that drive range fetching, bytecode download and healing
// against the current pivot.
package sync

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/holiman/uint256"
	"github.com/keystone-eth/keystone/core/rawdb"
	"github.com/keystone-eth/keystone/core/types"
	"github.com/keystone-eth/keystone/log"
)

// Engine errors.
var (
	ErrPeerBanned = errors.New("sync: peer is banned")
	ErrPeerKnown  = errors.New("sync: peer already registered")
	ErrNoPivot    = errors.New("sync: no pivot configured")
)

// Config carries the process-wide engine tuning, initialized once before
// any buddy starts.
type Config struct {
	// MaxPeers bounds the buddy pool and sizes the per-lease account
	// range (the key space is dealt out in 1/MaxPeers slices).
	MaxPeers int

	// StorageQueueMax pauses account fetching while the combined storage
	// queues exceed it (back-pressure).
	StorageQueueMax int

	// HealNodesBatchMax bounds trie nodes fetched per healing call.
	HealNodesBatchMax int

	// SwapInLapsMax caps swap-in passes per invocation.
	SwapInLapsMax int
}

// DefaultConfig returns the standard engine tuning.
func DefaultConfig() Config {
	return Config{
		MaxPeers:          50,
		StorageQueueMax:   4096,
		HealNodesBatchMax: 2048,
		SwapInLapsMax:     3,
	}
}

// Stats aggregates engine-lifetime telemetry.
type Stats struct {
	Accounts    atomic.Uint64
	Slots       atomic.Uint64
	Codes       atomic.Uint64
	HealedNodes atomic.Uint64
	Bytes       atomic.Uint64
}

// Engine coordinates snap sync over one database: it owns the pivot table
// and the buddy pool, and it is the only writer of the process-wide
// covered-accounts set.
type Engine struct {
	cfg   Config
	lg    *log.Logger
	store *stateStore
	bans  *BanList
	stats Stats

	mu      sync.Mutex
	pivots  map[types.Hash]*Pivot
	current *Pivot
	buddies map[string]*Buddy

	// covered is the union of account coverage across all pivots; it
	// rolls over to empty at 100% so the statistic keeps moving.
	covered *TagRangeSet
}

// NewEngine creates a snap-sync engine over the given database.
func NewEngine(db rawdb.KeyValueStore, cfg Config) *Engine {
	if cfg.MaxPeers <= 0 {
		cfg.MaxPeers = DefaultConfig().MaxPeers
	}
	if cfg.StorageQueueMax <= 0 {
		cfg.StorageQueueMax = DefaultConfig().StorageQueueMax
	}
	if cfg.HealNodesBatchMax <= 0 {
		cfg.HealNodesBatchMax = DefaultConfig().HealNodesBatchMax
	}
	if cfg.SwapInLapsMax <= 0 {
		cfg.SwapInLapsMax = DefaultConfig().SwapInLapsMax
	}
	return &Engine{
		cfg:     cfg,
		lg:      log.Default().Module("snap"),
		store:   newStateStore(db),
		bans:    NewBanList(),
		pivots:  make(map[types.Hash]*Pivot),
		buddies: make(map[string]*Buddy),
		covered: NewTagRangeSet(),
	}
}

// StatsRef exposes the engine telemetry counters.
func (e *Engine) StatsRef() *Stats { return &e.stats }

// SetPivot installs a new pivot header. The previous pivot is archived but
// kept in the table so swap-in can salvage its finished subtries. Setting
// the same root again is a no-op.
func (e *Engine) SetPivot(header *types.Header) *Pivot {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current != nil && e.current.StateRoot() == header.Root {
		return e.current
	}
	if e.current != nil {
		e.current.Archive()
	}
	p, ok := e.pivots[header.Root]
	if !ok {
		p = NewPivot(header)
		e.pivots[header.Root] = p
	}
	e.current = p
	e.lg.Info("pivot updated", "root", header.Root.Hex(), "number", header.NumberU64())
	return p
}

// CurrentPivot returns the pivot being reconstructed, or nil.
func (e *Engine) CurrentPivot() *Pivot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current
}

// DropPivot removes an archived pivot no other pivot can benefit from.
func (e *Engine) DropPivot(root types.Hash) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.pivots[root]; ok && p != e.current {
		delete(e.pivots, root)
	}
}

// archivedPivots snapshots the archived pivot list, excluding the given
// one. Swap-in receives pivots by value of this slice, never a shared
// container reference.
func (e *Engine) archivedPivots(exclude *Pivot) []*Pivot {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []*Pivot
	for _, p := range e.pivots {
		if p != exclude && p.Archived() {
			out = append(out, p)
		}
	}
	return out
}

// Register adds a remote peer to the buddy pool.
func (e *Engine) Register(peer SnapPeer) (*Buddy, error) {
	if e.bans.Banned(peer.ID()) {
		return nil, ErrPeerBanned
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.buddies[peer.ID()]; ok {
		return nil, ErrPeerKnown
	}
	b := NewBuddy(peer)
	e.buddies[peer.ID()] = b
	return b, nil
}

// Deregister drops a buddy from the pool.
func (e *Engine) Deregister(id string) {
	e.mu.Lock()
	if b, ok := e.buddies[id]; ok {
		b.Zombify()
		delete(e.buddies, id)
	}
	e.mu.Unlock()
}

// banPeer excludes a misbehaving peer: one warning, zombie, timer-based
// re-dial later.
func (e *Engine) banPeer(b *Buddy, reason string) {
	e.lg.Warn("peer banned", "peer", b.ID(), "reason", reason, "duration", banDuration)
	e.bans.Ban(b.ID(), 0)
	b.Zombify()
	e.mu.Lock()
	delete(e.buddies, b.ID())
	e.mu.Unlock()
}

// accountLeaseLen returns the per-lease account range length: the key
// space divided among the maximum peer count.
func (e *Engine) accountLeaseLen() *uint256.Int {
	var n uint256.Int
	n.SetAllOne()
	n.Div(&n, uint256.NewInt(uint64(e.cfg.MaxPeers)))
	return &n
}

// RunRound drives one cooperative work round for a buddy against the
// current pivot: account ranges while back-pressure allows, then storage,
// then bytecode, then a healing pass. Returns ErrNoPivot when no pivot is
// set; a nil error otherwise, even if the peer failed mid-round (its
// counters and ban state capture that).
func (e *Engine) RunRound(b *Buddy) error {
	p := e.CurrentPivot()
	if p == nil {
		return ErrNoPivot
	}
	if !b.Running() {
		return nil
	}
	if !p.AccountsComplete() && p.StorageQueueLen() < e.cfg.StorageQueueMax {
		e.fetchAccounts(p, b)
	}
	if b.Running() && !p.Archived() {
		e.fetchStorage(p, b)
	}
	if b.Running() && !p.Archived() {
		e.fetchCodes(p, b)
	}
	if b.Running() && !p.Archived() && (p.BulkSaturated() || p.HasHealSeeds()) {
		e.healAccounts(p, b)
		e.healStorage(p, b)
	}
	return nil
}

// Sync loops rounds for a buddy until the pivot completes, the buddy
// stops, or a round makes no progress.
func (e *Engine) Sync(b *Buddy) error {
	for b.Running() {
		p := e.CurrentPivot()
		if p == nil {
			return ErrNoPivot
		}
		if p.Complete() {
			e.noteCoverage(p)
			return nil
		}
		before := e.progressFingerprint(p)
		if err := e.RunRound(b); err != nil {
			return err
		}
		if p.Complete() {
			e.noteCoverage(p)
			return nil
		}
		if e.progressFingerprint(p) == before {
			// Stalled: nothing moved this round, yield to the caller.
			return nil
		}
	}
	return nil
}

// progressFingerprint summarizes pivot progress for stall detection. Only
// monotonically increasing quantities contribute, so genuine progress can
// never cancel out.
func (e *Engine) progressFingerprint(p *Pivot) uint64 {
	accounts, slotLists, contracts := p.Stats()
	healed := e.stats.HealedNodes.Load()
	p.mu.Lock()
	total, full := p.fetchAccounts.Processed.Total()
	p.mu.Unlock()
	var top uint256.Int
	top.Rsh(&total, 200)
	sum := accounts + slotLists + contracts + healed + top.Uint64()
	if full {
		sum++
	}
	return sum
}

// noteCoverage merges a pivot's processed account space into the
// process-wide covered set, rolling the set over when it saturates.
func (e *Engine) noteCoverage(p *Pivot) {
	p.mu.Lock()
	ranges := p.fetchAccounts.Processed.Ranges()
	p.mu.Unlock()
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, r := range ranges {
		e.covered.Merge(r)
	}
	if e.covered.IsFull() {
		e.covered.Clear()
	}
}

// CoveredFactor reports the fraction of the account space covered across
// pivots since the last rollover.
func (e *Engine) CoveredFactor() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.covered.FullFactor()
}

// InspectAccounts runs a trie inspection of the pivot's account trie under
// the perusal lock. A concurrent long walk returns
// ErrTrieLockedForPerusal immediately instead of queueing behind it.
func (e *Engine) InspectAccounts(p *Pivot, opts InspectOptions) (*InspectResult, error) {
	if !p.LockAccountsPerusal() {
		return nil, ErrTrieLockedForPerusal
	}
	defer p.UnlockAccountsPerusal()
	return InspectTrie(e.store.nodes, p.StateRoot(), opts)
}

// CloneAccountProcessed snapshots the pivot's processed account set.
func (p *Pivot) CloneAccountProcessed() *TagRangeSet {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fetchAccounts.Processed.Clone()
}

// LockAccountsPerusal takes the trie-perusal lock on the pivot's account
// batch; inspections must hold it so they do not stack up.
func (p *Pivot) LockAccountsPerusal() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fetchAccounts.lockPerusal()
}

// UnlockAccountsPerusal releases the trie-perusal lock.
func (p *Pivot) UnlockAccountsPerusal() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fetchAccounts.unlockPerusal()
}
