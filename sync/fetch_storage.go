// fetch_storage.go drives the storage-slot download for one buddy. The
// full-range queue is drained in account batches; the partial queue is
// drained one account at a time with an explicit slot-range lease. A
// truncated or gap-ridden reply re-queues the account with partial
// progress; a bad proof re-queues it through the bisect path.
package sync

import (
	"github.com/keystone-eth/keystone/core/types"
)

// fetchStorage runs the storage range-fetch loop until the queues are
// empty or the buddy is stopped. Parked items always land back in exactly
// one queue on every exit path.
func (e *Engine) fetchStorage(p *Pivot, b *Buddy) {
	root := p.StateRoot()

	// Partial items whose remaining space is gap-only (nothing left to
	// lease, healing's job) cycle straight back to the queue; remember
	// them so the loop terminates.
	seen := make(map[types.Hash]bool)

	for b.Running() && !p.Archived() {
		var (
			items     []*StorageQueueItem
			partial   *StorageQueueItem
			lease     TagRange
			haveLease bool
			origin    types.Hash
			limit     = HashFromTag(&fullLast)
		)
		items, _, _ = p.FetchStorageFullBatch(fetchRequestStorageSlotsMax, e.store.probeStorageTrie)
		if len(items) == 0 {
			item, ok := p.FetchStoragePartial()
			if !ok {
				return
			}
			if seen[item.AccKey] {
				p.UnparkStorage(item)
				return
			}
			seen[item.AccKey] = true
			iv, ok := item.Slots.checkOut(nil)
			if !ok {
				if item.Slots.Processed.IsFull() {
					p.StorageDone(item)
				} else {
					p.UnparkStorage(item)
				}
				continue
			}
			partial, lease, haveLease = item, iv, true
			origin = HashFromTag(&iv.First)
			limit = HashFromTag(&iv.Last)
			items = []*StorageQueueItem{item}
		}

		accounts := make([]StorageSlotsAccount, len(items))
		for i, it := range items {
			accounts[i] = StorageSlotsAccount{AccKey: it.AccKey, StorageRoot: it.StorageRoot}
		}
		resp, err := b.Peer().RequestStorageRanges(StorageRangesRequest{
			ID:       b.NextID(),
			Root:     root,
			Accounts: accounts,
			Origin:   origin,
			Limit:    limit,
			Bytes:    fetchRequestBytes,
		})
		if err != nil || len(resp.Slots) == 0 {
			if haveLease {
				partial.Slots.putBack(lease)
			}
			for _, it := range items {
				p.UnparkStorage(it)
			}
			banned := false
			if err != nil {
				banned = b.RecordNetworkError()
			} else {
				banned = b.RecordTimeout()
			}
			if banned {
				e.banPeer(b, "storage range failures")
			}
			return
		}
		if len(resp.Slots) > len(items) {
			if haveLease {
				partial.Slots.putBack(lease)
			}
			for _, it := range items {
				p.UnparkStorage(it)
			}
			if b.RecordResponseError() {
				e.banPeer(b, "oversized storage reply")
			}
			return
		}

		for i, it := range items {
			if i >= len(resp.Slots) {
				// Not served in this reply; back into rotation.
				if haveLease && it == partial {
					it.Slots.putBack(lease)
				}
				p.UnparkStorage(it)
				continue
			}
			var (
				list    = resp.Slots[i]
				isLast  = i == len(resp.Slots)-1
				proof   [][]byte
				listOrg types.Hash
			)
			if isLast {
				proof = resp.Proof
			}
			if haveLease {
				listOrg = origin
			}
			imp, err := e.store.ImportStorageRange(it.StorageRoot, listOrg, list, proof)
			if err != nil {
				// Unverifiable slot list: re-queue through the bisect
				// path so a stubborn range shrinks until it fits.
				e.lg.Debug("storage range rejected", "peer", b.ID(), "account", it.AccKey.Hex(), "err", err)
				if haveLease && it == partial {
					it.Slots.putBack(lease)
				}
				p.AppendStoragePartialBisect(it)
				if b.RecordResponseError() {
					e.banPeer(b, "unverifiable storage ranges")
				}
				continue
			}
			e.stats.Slots.Add(uint64(imp.NumSlots))
			for _, slot := range list {
				e.stats.Bytes.Add(uint64(len(slot.Value)) + 32)
			}

			if it.Slots == nil {
				if !imp.More && len(imp.Gaps) == 0 {
					// Complete in one shot: the fast path.
					p.StorageDone(it)
					continue
				}
				it.Slots = NewSnapRangeBatch()
			}
			good := NewTagRangeSet()
			good.Merge(imp.Covered)
			for _, gap := range imp.Gaps {
				if env, err := PathEnvelope(gap.Path); err == nil {
					good.Reduce(env)
				}
			}
			if haveLease && it == partial {
				it.Slots.putBack(lease)
			}
			for _, r := range good.Ranges() {
				it.Slots.credit(r)
			}
			if it.Slots.Processed.IsFull() {
				p.StorageDone(it)
			} else {
				p.UnparkStorage(it)
			}
		}
		b.RecordSuccess()
	}
}
