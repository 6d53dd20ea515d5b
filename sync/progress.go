// progress.go persists the pivot's download progress under the database's
// snapshot key, so an interrupted sync resumes where it stopped instead of
// re-fetching the world. Only processed intervals and queue contents are
// stored; in-flight leases die with the process and their key space simply
// reappears as unprocessed.
package sync

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/keystone-eth/keystone/core/rawdb"
	"github.com/keystone-eth/keystone/core/types"
)

// ErrNoProgress is returned when no snapshot is stored.
var ErrNoProgress = errors.New("sync: no persisted progress")

// storedRange is one processed interval in its 32-byte wire form.
type storedRange struct {
	First types.Hash
	Last  types.Hash
}

// storedStorageItem is one queued storage download. Processed is nil for
// items still in the full-range queue.
type storedStorageItem struct {
	AccKey      types.Hash
	StorageRoot types.Hash
	HasSlots    bool
	Processed   []storedRange
}

// storedContract is one queued bytecode download.
type storedContract struct {
	CodeHash types.Hash
	AccKey   types.Hash
}

// progressSnapshot is the RLP layout of the persisted pivot progress.
type progressSnapshot struct {
	Header    *types.Header
	Processed []storedRange
	Storage   []storedStorageItem
	Contracts []storedContract
	Accounts  uint64
	SlotLists uint64
	NumCodes  uint64
}

// packRanges converts a range set into its stored form.
func packRanges(s *TagRangeSet) []storedRange {
	ranges := s.Ranges()
	out := make([]storedRange, len(ranges))
	for i, r := range ranges {
		out[i] = storedRange{First: HashFromTag(&r.First), Last: HashFromTag(&r.Last)}
	}
	return out
}

// unpackRanges merges stored intervals into a fresh set.
func unpackRanges(in []storedRange) *TagRangeSet {
	s := NewTagRangeSet()
	for _, r := range in {
		s.Merge(HashTagRange(r.First, r.Last))
	}
	return s
}

// SaveProgress snapshots the current pivot's progress into the database.
func (e *Engine) SaveProgress() error {
	p := e.CurrentPivot()
	if p == nil {
		return ErrNoPivot
	}
	p.mu.Lock()
	snap := progressSnapshot{
		Header:    types.CopyHeader(p.stateHeader),
		Processed: packRanges(p.fetchAccounts.Processed),
		Accounts:  p.nAccounts,
		SlotLists: p.nSlotLists,
		NumCodes:  p.nContracts,
	}
	appendItem := func(item *StorageQueueItem) {
		stored := storedStorageItem{AccKey: item.AccKey, StorageRoot: item.StorageRoot}
		if item.Slots != nil {
			stored.HasSlots = true
			stored.Processed = packRanges(item.Slots.Processed)
		}
		snap.Storage = append(snap.Storage, stored)
	}
	for _, accKey := range p.fetchStorageFull.Keys() {
		if item, ok := p.fetchStorageFull.Peek(accKey); ok {
			appendItem(item)
		}
	}
	for _, item := range p.fetchStoragePart {
		appendItem(item)
	}
	for _, item := range p.parkedStorage {
		appendItem(item)
	}
	for _, codeHash := range p.fetchContracts.Keys() {
		if accKey, ok := p.fetchContracts.Peek(codeHash); ok {
			snap.Contracts = append(snap.Contracts, storedContract{CodeHash: codeHash, AccKey: accKey})
		}
	}
	p.mu.Unlock()

	data, err := rlp.EncodeToBytes(&snap)
	if err != nil {
		return fmt.Errorf("sync: encode progress: %w", err)
	}
	return rawdb.WriteSyncProgress(e.store.db, data)
}

// LoadProgress restores a persisted pivot into the engine, replacing the
// current one. Returns ErrNoProgress when nothing usable is stored.
func (e *Engine) LoadProgress() (*Pivot, error) {
	data := rawdb.ReadSyncProgress(e.store.db)
	if data == nil {
		return nil, ErrNoProgress
	}
	var snap progressSnapshot
	if err := rlp.DecodeBytes(data, &snap); err != nil {
		return nil, fmt.Errorf("sync: decode progress: %w", err)
	}
	p := NewPivot(snap.Header)
	p.mu.Lock()
	p.fetchAccounts.Processed = unpackRanges(snap.Processed)
	remaining := NewFullTagRangeSet()
	for _, r := range p.fetchAccounts.Processed.Ranges() {
		remaining.Reduce(r)
	}
	p.fetchAccounts.Unprocessed[0] = remaining
	p.fetchAccounts.Unprocessed[1] = NewTagRangeSet()
	p.nAccounts = snap.Accounts
	p.nSlotLists = snap.SlotLists
	p.nContracts = snap.NumCodes
	for i := range snap.Storage {
		stored := snap.Storage[i]
		item := &StorageQueueItem{AccKey: stored.AccKey, StorageRoot: stored.StorageRoot}
		if stored.HasSlots {
			item.Slots = NewSnapRangeBatch()
			item.Slots.Processed = unpackRanges(stored.Processed)
			left := NewFullTagRangeSet()
			for _, r := range item.Slots.Processed.Ranges() {
				left.Reduce(r)
			}
			item.Slots.Unprocessed[0] = left
			item.Slots.Unprocessed[1] = NewTagRangeSet()
			p.fetchStoragePart[item.AccKey] = item
		} else {
			p.fetchStorageFull.Add(item.AccKey, item)
		}
	}
	for _, c := range snap.Contracts {
		p.fetchContracts.Add(c.CodeHash, c.AccKey)
	}
	p.mu.Unlock()

	e.mu.Lock()
	if e.current != nil {
		e.current.Archive()
	}
	e.pivots[p.StateRoot()] = p
	e.current = p
	e.mu.Unlock()
	return p, nil
}
