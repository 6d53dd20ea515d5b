// swapin.go salvages work across pivot rollovers: when a sub-trie under a
// partial path hashes identically in the new pivot and some archived one,
// every interval the old pivot processed inside that envelope is processed
// for the new pivot too, with no network traffic needed. Swap-in only ever
// adds coverage, so it is idempotent and safe next to concurrent fetching.
package sync

import (
	"github.com/keystone-eth/keystone/trie"
)

// runSwapIn tries to inherit processed coverage from archived pivots into
// p. It loops until a full pass adds nothing or the lap cap is reached.
func (e *Engine) runSwapIn(p *Pivot) {
	others := e.archivedPivots(p)
	if len(others) == 0 {
		return
	}
	for lap := 0; lap < e.cfg.SwapInLapsMax; lap++ {
		if !e.swapInLap(p, others) {
			return
		}
	}
}

// swapInLap runs one salvage pass; it reports whether any coverage moved.
func (e *Engine) swapInLap(p *Pivot, others []*Pivot) bool {
	missing, err := Decompose(p.CloneAccountProcessed(), p.StateRoot(), e.store.nodes)
	if err != nil || len(missing) == 0 {
		return false
	}
	moved := false
	for _, spec := range missing {
		env, err := PathEnvelope(spec.Path)
		if err != nil {
			continue
		}
		for _, old := range others {
			// The sub-trie is shared iff the old pivot resolves the same
			// node key at the same path.
			_, oldHash, err := trie.NodeAt(e.store.nodes, old.StateRoot(), spec.Path)
			if err != nil || oldHash != spec.Hash {
				continue
			}
			salvage := old.CloneAccountProcessed().Intersect(env)
			for _, r := range salvage.Ranges() {
				if added := p.CreditRange(r); !added.IsZero() {
					moved = true
				}
			}
			e.transferStorageQueues(old, p, env)
			break
		}
	}
	if moved {
		e.lg.Debug("swap-in advanced pivot", "root", p.StateRoot().Hex())
	}
	return moved
}

// transferStorageQueues copies the old pivot's queued storage work for
// accounts inside the envelope onto the new pivot. Items are copied, not
// shared: each pivot owns its queue entries.
func (e *Engine) transferStorageQueues(old, p *Pivot, env TagRange) {
	for _, item := range old.storageItemsIn(env) {
		p.AppendStorageFull(item.AccKey, item.StorageRoot)
	}
}

// storageItemsIn snapshots the queued storage items whose account keys lie
// inside the envelope, across all three holding places.
func (p *Pivot) storageItemsIn(env TagRange) []StorageQueueItem {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []StorageQueueItem
	include := func(item *StorageQueueItem) {
		tag := TagFromHash(item.AccKey)
		if env.Contains(&tag) {
			out = append(out, StorageQueueItem{AccKey: item.AccKey, StorageRoot: item.StorageRoot})
		}
	}
	for _, accKey := range p.fetchStorageFull.Keys() {
		if item, ok := p.fetchStorageFull.Peek(accKey); ok {
			include(item)
		}
	}
	for _, item := range p.fetchStoragePart {
		include(item)
	}
	for _, item := range p.parkedStorage {
		include(item)
	}
	return out
}
