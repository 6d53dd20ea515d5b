// pivot.go holds the per-pivot download state: the account range batch,
// the storage and contract queues and the bookkeeping counters. The range
// batch, the storage queues and the counters are guarded by the pivot
// mutex; the contract queue methods rely only on the LRU's own locking and
// do not take it. A range checked out of the
// batch is in neither processed nor unprocessed and is therefore invisible
// to other buddies until it is returned or promoted.
package sync

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/holiman/uint256"
	"github.com/keystone-eth/keystone/core/types"
	"github.com/keystone-eth/keystone/trie"
)

// fetchContractsCacheSize bounds the in-memory contract queue.
const fetchContractsCacheSize = 16 * 1024

// SnapRangeBatch tracks download progress over one trie's key space:
// processed ranges, plus unprocessed ranges split into two priority tiers.
// The gap, key space in neither, is exactly what workers have checked
// out.
type SnapRangeBatch struct {
	Processed   *TagRangeSet
	Unprocessed [2]*TagRangeSet

	// perusal is the lockTriePerusal flag: set while a long inspection
	// walks this trie, so concurrent inspections bail out instead of
	// queueing behind it.
	perusal bool
}

// NewSnapRangeBatch creates a batch with the entire key space unprocessed
// in the high-priority tier.
func NewSnapRangeBatch() *SnapRangeBatch {
	return &SnapRangeBatch{
		Processed:   NewTagRangeSet(),
		Unprocessed: [2]*TagRangeSet{NewFullTagRangeSet(), NewTagRangeSet()},
	}
}

// checkOut pops the next unprocessed range of at most maxLen tags,
// draining the high-priority tier first. The caller now leases the range.
func (b *SnapRangeBatch) checkOut(maxLen *uint256.Int) (TagRange, bool) {
	if iv, ok := b.Unprocessed[0].Fetch(maxLen); ok {
		return iv, true
	}
	return b.Unprocessed[1].Fetch(maxLen)
}

// putBack re-merges an unfinished leased range into the high-priority
// unprocessed tier.
func (b *SnapRangeBatch) putBack(iv TagRange) {
	b.Unprocessed[0].Merge(iv)
}

// markProcessed moves iv into the processed set, dropping any overlap from
// both unprocessed tiers. The interval must not intersect what is already
// processed; that would mean lease accounting is broken, which is a bug.
func (b *SnapRangeBatch) markProcessed(iv TagRange) uint256.Int {
	b.Unprocessed[0].Reduce(iv)
	b.Unprocessed[1].Reduce(iv)
	before := b.Processed.Covered(iv)
	if !before.IsZero() {
		panic("sync: processed range overlap, lease accounting broken")
	}
	return b.Processed.Merge(iv)
}

// credit promotes to processed only the parts of iv that are currently
// unprocessed, leaving checked-out and already-processed parts alone. This
// is the overlap-tolerant path used by healing inflation and swap-in,
// where the credited interval was derived outside the lease discipline.
func (b *SnapRangeBatch) credit(iv TagRange) uint256.Int {
	var added uint256.Int
	for _, tier := range b.Unprocessed {
		for _, r := range tier.Intersect(iv).Ranges() {
			tier.Reduce(r)
			a := b.Processed.Merge(r)
			added.Add(&added, &a)
		}
	}
	return added
}

// unprocessedEmpty reports whether both tiers are drained.
func (b *SnapRangeBatch) unprocessedEmpty() bool {
	return b.Unprocessed[0].IsEmpty() && b.Unprocessed[1].IsEmpty()
}

// lockPerusal attempts to take the trie-perusal lock.
func (b *SnapRangeBatch) lockPerusal() bool {
	if b.perusal {
		return false
	}
	b.perusal = true
	return true
}

// unlockPerusal releases the trie-perusal lock.
func (b *SnapRangeBatch) unlockPerusal() { b.perusal = false }

// StorageQueueItem is one account's storage sub-trie awaiting download.
// Slots is nil while the account sits in the full-range queue and holds
// the partial progress batch once the first truncated reply arrives.
type StorageQueueItem struct {
	AccKey      types.Hash
	StorageRoot types.Hash
	Slots       *SnapRangeBatch
}

// Pivot is the download state toward one state root. Pivots live in the
// engine's pivot table; the newest is current, older ones are archived and
// kept around only for swap-in salvage.
type Pivot struct {
	mu sync.Mutex

	stateHeader *types.Header
	stateRoot   types.Hash

	fetchAccounts *SnapRangeBatch

	// fetchStorageFull queues accounts with no storage progress yet,
	// LRU-ordered so retries cycle fairly. Keyed by account key: an
	// account lives in exactly one of full, part or parked.
	fetchStorageFull *lru.Cache[types.Hash, *StorageQueueItem]

	// fetchStoragePart holds accounts with partial slot progress.
	fetchStoragePart map[types.Hash]*StorageQueueItem

	// parkedStorage holds accounts whose storage request is in flight.
	parkedStorage map[types.Hash]*StorageQueueItem

	// fetchContracts queues bytecode hashes, bounded LRU, mapping code
	// hash to one of the accounts that referenced it.
	fetchContracts *lru.Cache[types.Hash, types.Hash]

	// healSeeds are dangling references reported by range imports,
	// queued for the healer. Their envelopes also remain unprocessed, so
	// no key space is ever lost if healing stalls.
	healSeeds []trie.NodeSpec

	nAccounts  uint64
	nSlotLists uint64
	nContracts uint64

	archived bool
}

// NewPivot creates the download state for the given pivot header.
func NewPivot(header *types.Header) *Pivot {
	full, _ := lru.New[types.Hash, *StorageQueueItem](fetchContractsCacheSize)
	contracts, _ := lru.New[types.Hash, types.Hash](fetchContractsCacheSize)
	return &Pivot{
		stateHeader:      types.CopyHeader(header),
		stateRoot:        header.Root,
		fetchAccounts:    NewSnapRangeBatch(),
		fetchStorageFull: full,
		fetchStoragePart: make(map[types.Hash]*StorageQueueItem),
		parkedStorage:    make(map[types.Hash]*StorageQueueItem),
		fetchContracts:   contracts,
	}
}

// StateRoot returns the state root this pivot reconstructs toward.
func (p *Pivot) StateRoot() types.Hash { return p.stateRoot }

// Header returns the pivot block header.
func (p *Pivot) Header() *types.Header { return types.CopyHeader(p.stateHeader) }

// Archived reports whether the pivot has been mothballed.
func (p *Pivot) Archived() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.archived
}

// Archive mothballs the pivot: no more writes, reads allowed for swap-in.
func (p *Pivot) Archive() {
	p.mu.Lock()
	p.archived = true
	p.mu.Unlock()
}

// Stats returns the account, slot-list and contract counters.
func (p *Pivot) Stats() (accounts, slotLists, contracts uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nAccounts, p.nSlotLists, p.nContracts
}

// AccountsComplete reports whether the whole account key space is
// processed.
func (p *Pivot) AccountsComplete() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fetchAccounts.Processed.IsFull()
}

// StorageQueueLen returns the combined length of the storage queues,
// parked items included. This is the back-pressure signal for account fetching.
func (p *Pivot) StorageQueueLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fetchStorageFull.Len() + len(p.fetchStoragePart) + len(p.parkedStorage)
}

// ContractQueueLen returns the number of queued bytecode hashes.
func (p *Pivot) ContractQueueLen() int {
	return p.fetchContracts.Len()
}

// CheckOutRange leases the next unprocessed account range of at most
// maxLen tags. Returns false when nothing is available or the pivot is
// archived.
func (p *Pivot) CheckOutRange(maxLen *uint256.Int) (TagRange, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.archived {
		return TagRange{}, false
	}
	return p.fetchAccounts.checkOut(maxLen)
}

// ReturnRange gives an unfinished account lease back.
func (p *Pivot) ReturnRange(iv TagRange) {
	p.mu.Lock()
	p.fetchAccounts.putBack(iv)
	p.mu.Unlock()
}

// MarkProcessed promotes a leased account interval to processed and
// returns the number of tags added.
func (p *Pivot) MarkProcessed(iv TagRange) uint256.Int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fetchAccounts.markProcessed(iv)
}

// ResolveLease atomically returns a leased interval and promotes the good
// sub-ranges to processed. Doing both under one lock keeps other buddies
// from checking out the interval in between, which would break the strict
// no-overlap rule of markProcessed.
func (p *Pivot) ResolveLease(iv TagRange, good *TagRangeSet) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fetchAccounts.putBack(iv)
	for _, r := range good.Ranges() {
		if leased, ok := r.Intersection(iv); ok {
			p.fetchAccounts.markProcessed(leased)
		}
	}
}

// CreditRange promotes to processed whatever parts of iv are currently
// unprocessed. Safe to call with intervals that overlap processed or
// checked-out space; returns the number of tags actually promoted.
func (p *Pivot) CreditRange(iv TagRange) uint256.Int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fetchAccounts.credit(iv)
}

// AddAccounts bumps the imported-accounts counter.
func (p *Pivot) AddAccounts(n uint64) {
	p.mu.Lock()
	p.nAccounts += n
	p.mu.Unlock()
}

// AppendStorageFull queues an account's storage sub-trie for a full-range
// download. Accounts already tracked anywhere are left alone.
func (p *Pivot) AppendStorageFull(accKey, storageRoot types.Hash) {
	if storageRoot == types.EmptyRootHash || storageRoot.IsZero() {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.storageTracked(accKey) {
		return
	}
	p.fetchStorageFull.Add(accKey, &StorageQueueItem{
		AccKey:      accKey,
		StorageRoot: storageRoot,
	})
}

// AppendStoragePartialBisect queues an account with partial progress,
// bisecting its first remaining range: the leading half stays urgent, the
// trailing half is deferred. Used when replies keep delivering only the
// head of an account's slots.
func (p *Pivot) AppendStoragePartialBisect(item *StorageQueueItem) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if item.Slots == nil {
		item.Slots = NewSnapRangeBatch()
	}
	if iv, ok := item.Slots.Unprocessed[0].Fetch(nil); ok {
		size, full := iv.Size()
		var half uint256.Int
		if full {
			half.SetAllOne()
			half.Rsh(&half, 1)
		} else {
			half.Rsh(&size, 1)
		}
		if half.IsZero() {
			item.Slots.Unprocessed[0].Merge(iv)
		} else {
			var mid uint256.Int
			mid.Add(&iv.First, &half)
			if !full {
				// half is a tag count here; mid is the last leading tag.
				mid.SubUint64(&mid, 1)
			}
			var midNext uint256.Int
			midNext.AddUint64(&mid, 1)
			item.Slots.Unprocessed[0].Merge(MakeTagRange(&iv.First, &mid))
			if midNext.Cmp(&iv.Last) <= 0 {
				item.Slots.Unprocessed[1].Merge(MakeTagRange(&midNext, &iv.Last))
			}
		}
	}
	delete(p.parkedStorage, item.AccKey)
	p.fetchStorageFull.Remove(item.AccKey)
	p.fetchStoragePart[item.AccKey] = item
}

// StorageProbe classifies a storage root against the local store.
type StorageProbe int

const (
	// StorageAbsent means nothing of the trie is local: request the full
	// range.
	StorageAbsent StorageProbe = iota

	// StorageComplete means the trie is fully local: nothing to fetch.
	StorageComplete

	// StoragePartial means parts are local: the account moves to the
	// partial queue for range accounting.
	StoragePartial
)

// FetchStorageFullBatch pops up to n accounts from the full-range queue,
// probing each storage root: complete tries are dropped on the fast path,
// partial ones move to the partial queue, absent ones are parked and
// returned for a full-range request.
func (p *Pivot) FetchStorageFullBatch(n int, probe func(storageRoot types.Hash) StorageProbe) (items []*StorageQueueItem, nComplete, nPartial int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.archived {
		return nil, 0, 0
	}
	for len(items) < n {
		accKey, item, ok := p.fetchStorageFull.GetOldest()
		if !ok {
			break
		}
		p.fetchStorageFull.Remove(accKey)
		switch probe(item.StorageRoot) {
		case StorageComplete:
			nComplete++
			p.nSlotLists++
		case StoragePartial:
			item.Slots = NewSnapRangeBatch()
			p.fetchStoragePart[accKey] = item
			nPartial++
		default:
			p.parkedStorage[accKey] = item
			items = append(items, item)
		}
	}
	return items, nComplete, nPartial
}

// FetchStoragePartial pops one account from the partial queue and parks it
// while its request is in flight.
func (p *Pivot) FetchStoragePartial() (*StorageQueueItem, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.archived {
		return nil, false
	}
	for accKey, item := range p.fetchStoragePart {
		delete(p.fetchStoragePart, accKey)
		p.parkedStorage[accKey] = item
		return item, true
	}
	return nil, false
}

// UnparkStorage returns a parked item to the appropriate queue after its
// request concluded without finishing the account.
func (p *Pivot) UnparkStorage(item *StorageQueueItem) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.parkedStorage, item.AccKey)
	if item.Slots != nil {
		p.fetchStoragePart[item.AccKey] = item
		return
	}
	p.fetchStorageFull.Add(item.AccKey, item)
}

// StorageDone retires a parked item: the account's storage trie is fully
// downloaded.
func (p *Pivot) StorageDone(item *StorageQueueItem) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.parkedStorage, item.AccKey)
	p.nSlotLists++
}

// storageTracked reports whether the account is in any storage queue.
// Callers hold p.mu.
func (p *Pivot) storageTracked(accKey types.Hash) bool {
	if _, ok := p.fetchStoragePart[accKey]; ok {
		return true
	}
	if _, ok := p.parkedStorage[accKey]; ok {
		return true
	}
	return p.fetchStorageFull.Contains(accKey)
}

// AppendContract queues a bytecode hash for download.
func (p *Pivot) AppendContract(codeHash, accKey types.Hash) {
	if codeHash == types.EmptyCodeHash || codeHash.IsZero() {
		return
	}
	p.fetchContracts.Add(codeHash, accKey)
}

// ContractItem is one queued bytecode download.
type ContractItem struct {
	CodeHash types.Hash
	AccKey   types.Hash
}

// FetchContracts pops up to n bytecode hashes, skipping any on the ignore
// filter. Popped hashes must be re-queued by the caller if the peer fails
// to deliver them.
func (p *Pivot) FetchContracts(n int, ignored func(types.Hash) bool) []ContractItem {
	var out []ContractItem
	for _, codeHash := range p.fetchContracts.Keys() {
		if len(out) >= n {
			break
		}
		if ignored != nil && ignored(codeHash) {
			continue
		}
		accKey, ok := p.fetchContracts.Peek(codeHash)
		if !ok {
			continue
		}
		p.fetchContracts.Remove(codeHash)
		out = append(out, ContractItem{CodeHash: codeHash, AccKey: accKey})
	}
	return out
}

// RequeueContract puts an undelivered bytecode hash back into rotation.
func (p *Pivot) RequeueContract(codeHash, accKey types.Hash) {
	p.fetchContracts.Add(codeHash, accKey)
}

// AddContracts bumps the stored-bytecode counter.
func (p *Pivot) AddContracts(n uint64) {
	p.mu.Lock()
	p.nContracts += n
	p.mu.Unlock()
}

// AppendHealSeeds queues dangling references for the healer.
func (p *Pivot) AppendHealSeeds(specs []trie.NodeSpec) {
	if len(specs) == 0 {
		return
	}
	p.mu.Lock()
	p.healSeeds = append(p.healSeeds, specs...)
	p.mu.Unlock()
}

// TakeHealSeeds drains the queued heal seeds.
func (p *Pivot) TakeHealSeeds() []trie.NodeSpec {
	p.mu.Lock()
	defer p.mu.Unlock()
	seeds := p.healSeeds
	p.healSeeds = nil
	return seeds
}

// HasHealSeeds reports whether imports left dangling references behind.
func (p *Pivot) HasHealSeeds() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.healSeeds) > 0
}

// BulkSaturated reports whether account range-fetching has nothing left to
// lease: the moment healing becomes the productive activity.
func (p *Pivot) BulkSaturated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fetchAccounts.unprocessedEmpty()
}

// Complete reports whether the pivot's state download is finished: the
// account space fully processed and every queue drained.
func (p *Pivot) Complete() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fetchAccounts.Processed.IsFull() &&
		p.fetchStorageFull.Len() == 0 &&
		len(p.fetchStoragePart) == 0 &&
		len(p.parkedStorage) == 0 &&
		p.fetchContracts.Len() == 0
}
