// heal.go implements state healing: targeted fetches of individual trie
// nodes to close the gaps bulk range-fetching left behind. Accounts heal
// against the pivot's account batch; each partially fetched storage trie
// heals against its own slot batch. Healed leaves are promoted back into
// range progress by inflating the interval they vouch for.
package sync

import (
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/keystone-eth/keystone/core/types"
	"github.com/keystone-eth/keystone/crypto"
	"github.com/keystone-eth/keystone/trie"
)

// healAccounts runs healing rounds against the pivot's account trie until
// the node budget is spent, the trie completes, the buddy stops or the
// pivot is archived.
func (e *Engine) healAccounts(p *Pivot, b *Buddy) {
	if !p.LockAccountsPerusal() {
		// Another buddy is walking this trie; don't stack up behind it.
		return
	}
	defer p.UnlockAccountsPerusal()

	var (
		root   = p.StateRoot()
		budget = e.cfg.HealNodesBatchMax
	)
	b.ClearNodeIgnores()
	for budget > 0 && b.Running() && !p.Archived() {
		missing, complete := e.healPlan(p, root, budget)
		if complete {
			// Nothing dangles and nothing is missing: whatever space is
			// still unprocessed is provably empty.
			p.CreditRange(FullTagRange())
			return
		}
		if len(missing) == 0 {
			return
		}
		request := missing
		if len(request) > fetchRequestTrieNodesMax {
			request = request[:fetchRequestTrieNodesMax]
		}
		filtered := request[:0]
		for _, spec := range request {
			if !b.NodeIgnored(spec.Path) {
				filtered = append(filtered, spec)
			}
		}
		if len(filtered) == 0 {
			return
		}
		paths := make([]TrieNodePathSet, len(filtered))
		for i, spec := range filtered {
			paths[i] = TrieNodePathSet{spec.Path}
		}
		resp, err := b.Peer().RequestTrieNodes(TrieNodesRequest{
			ID:    b.NextID(),
			Root:  root,
			Paths: paths,
			Bytes: fetchRequestBytes,
		})
		if err != nil {
			if b.RecordNetworkError() {
				e.banPeer(b, "trie node transport errors")
			}
			return
		}
		stored := e.healStoreNodes(p, b, root, filtered, resp.Nodes, true)
		if stored == 0 {
			if b.RecordTimeout() {
				e.banPeer(b, "useless trie node replies")
			}
			return
		}
		b.RecordSuccess()
		budget -= stored
	}
}

// healPlan produces the next batch of account-trie nodes to fetch: plan A
// is envelope decomposition against the processed set; entries that
// already resolve locally are dropped; when nothing remains, plan B walks
// the allocated trie for dangling references. complete is true when both
// plans agree there is nothing left to fetch.
func (e *Engine) healPlan(p *Pivot, root types.Hash, budget int) (missing []trie.NodeSpec, complete bool) {
	// Seeds reported by range imports come first: they are known-dangling
	// and already positioned.
	for _, spec := range p.TakeHealSeeds() {
		if !e.store.nodes.Has(spec.Hash) {
			missing = append(missing, spec)
		}
	}
	if len(missing) > 0 {
		return missing, false
	}
	processed := p.CloneAccountProcessed()
	decomposed, err := Decompose(processed, root, e.store.nodes)
	if err != nil {
		return nil, false
	}
	var seeds [][]byte
	for _, spec := range decomposed {
		if e.store.nodes.Has(spec.Hash) {
			// Allocated but simply not marked processed: range arithmetic
			// settles this when the enclosing interval is fetched; do not
			// re-request the node. Keep it as a plan-B seed.
			seeds = append(seeds, spec.Path)
			continue
		}
		missing = append(missing, spec)
	}
	if len(missing) > 0 {
		return missing, false
	}
	// Plan B: inspect below the already-allocated frontier.
	res, err := InspectTrie(e.store.nodes, root, InspectOptions{
		SeedPaths:   seeds,
		BatchLimit:  budget * 8,
		MaxDangling: fetchRequestTrieNodesMax,
	})
	if err != nil {
		return nil, false
	}
	if len(res.Dangling) == 0 {
		return nil, res.Resume == nil
	}
	return res.Dangling, false
}

// healStoreNodes verifies and persists healed node blobs, classifying each
// one. Account-trie leaves promote range progress and register storage and
// bytecode work; failures land on the peer's per-round ignore list.
// Returns the number of nodes stored.
func (e *Engine) healStoreNodes(p *Pivot, b *Buddy, root types.Hash, requested []trie.NodeSpec, nodes [][]byte, accountTrie bool) int {
	var (
		stored int
		batch  = e.store.db.NewBatch()
		writer = e.store.nodes.BatchWriter(batch)
	)
	type healedLeaf struct {
		spec trie.NodeSpec
		node *trie.DecodedNode
	}
	var leaves []healedLeaf
	for i, spec := range requested {
		if i >= len(nodes) || len(nodes[i]) == 0 {
			b.IgnoreNode(spec.Path)
			continue
		}
		blob := nodes[i]
		if crypto.Keccak256Hash(blob) != spec.Hash {
			b.IgnoreNode(spec.Path)
			if b.RecordResponseError() {
				e.banPeer(b, "trie node hash mismatch")
				break
			}
			continue
		}
		decoded, err := trie.DecodeNodeData(blob)
		if err != nil {
			b.IgnoreNode(spec.Path)
			if b.RecordResponseError() {
				e.banPeer(b, "undecodable trie node")
				break
			}
			continue
		}
		if err := writer.PutNode(spec.Hash, blob); err != nil {
			return stored
		}
		stored++
		e.stats.HealedNodes.Add(1)
		e.stats.Bytes.Add(uint64(len(blob)))
		if decoded.Kind == trie.KindLeaf {
			leaves = append(leaves, healedLeaf{spec: spec, node: decoded})
		}
	}
	if err := batch.Write(); err != nil {
		e.lg.Error("heal batch write failed", "err", err)
		return 0
	}
	// Classify leaves only after the batch landed, so inflation sees the
	// new nodes.
	for _, leaf := range leaves {
		full := concatPath(leaf.spec.Path, leaf.node.Key)
		if len(full) != keyNibbles {
			continue
		}
		tag, err := PathTag(full)
		if err != nil {
			continue
		}
		inflated := RangeInflate(e.store.nodes, root, &tag)
		if accountTrie {
			p.CreditRange(inflated)
			var account types.StateAccount
			if err := rlp.DecodeBytes(leaf.node.Value, &account); err == nil {
				accKey := HashFromTag(&tag)
				p.AppendStorageFull(accKey, account.Root)
				p.AppendContract(types.BytesToHash(account.CodeHash), accKey)
			}
		}
	}
	return stored
}

// healStorage heals the partially fetched storage tries: for each queued
// partial item, one bounded round of decompose-and-fetch against its slot
// batch. Completed tries retire their queue items.
func (e *Engine) healStorage(p *Pivot, b *Buddy) {
	budget := e.cfg.HealNodesBatchMax
	for budget > 0 && b.Running() && !p.Archived() {
		item, ok := p.FetchStoragePartial()
		if !ok {
			return
		}
		spent, done := e.healStorageTrie(p, b, item, budget)
		if done {
			p.StorageDone(item)
		} else {
			p.UnparkStorage(item)
		}
		if spent == 0 {
			return
		}
		budget -= spent
	}
}

// healStorageTrie runs one healing round for a single storage trie.
// Returns the nodes stored and whether the trie is complete.
func (e *Engine) healStorageTrie(p *Pivot, b *Buddy, item *StorageQueueItem, budget int) (int, bool) {
	if !item.Slots.unprocessedEmpty() {
		// Range fetching still has slot space to lease; healing would
		// only duplicate its work.
		return 0, false
	}
	root := item.StorageRoot
	missing, err := Decompose(item.Slots.Processed.Clone(), root, e.store.nodes)
	if err != nil {
		return 0, false
	}
	var (
		fetch []trie.NodeSpec
		seeds [][]byte
	)
	for _, spec := range missing {
		if e.store.nodes.Has(spec.Hash) {
			seeds = append(seeds, spec.Path)
			continue
		}
		fetch = append(fetch, spec)
	}
	if len(fetch) == 0 {
		res, err := InspectTrie(e.store.nodes, root, InspectOptions{
			SeedPaths:   seeds,
			BatchLimit:  budget * 8,
			MaxDangling: fetchRequestTrieNodesMax,
		})
		if err != nil {
			return 0, false
		}
		if len(res.Dangling) == 0 && res.Resume == nil {
			item.Slots.credit(FullTagRange())
			return 0, true
		}
		fetch = res.Dangling
	}
	if len(fetch) > budget {
		fetch = fetch[:budget]
	}
	if len(fetch) == 0 {
		return 0, false
	}
	// Storage node paths travel as [account path, storage path] pairs.
	paths := make([]TrieNodePathSet, len(fetch))
	for i, spec := range fetch {
		paths[i] = TrieNodePathSet{keyToPath(item.AccKey), spec.Path}
	}
	resp, err := b.Peer().RequestTrieNodes(TrieNodesRequest{
		ID:    b.NextID(),
		Root:  p.StateRoot(),
		Paths: paths,
		Bytes: fetchRequestBytes,
	})
	if err != nil {
		if b.RecordNetworkError() {
			e.banPeer(b, "storage heal transport errors")
		}
		return 0, false
	}
	stored := e.healStoreNodes(p, b, root, fetch, resp.Nodes, false)
	if stored == 0 {
		return 0, false
	}
	// Credit the healed storage leaves into the slot batch.
	for i, spec := range fetch {
		if i >= len(resp.Nodes) || len(resp.Nodes[i]) == 0 {
			continue
		}
		decoded, err := trie.DecodeNodeData(resp.Nodes[i])
		if err != nil || decoded.Kind != trie.KindLeaf {
			continue
		}
		full := concatPath(spec.Path, decoded.Key)
		if len(full) != keyNibbles {
			continue
		}
		tag, err := PathTag(full)
		if err != nil {
			continue
		}
		item.Slots.credit(RangeInflate(e.store.nodes, root, &tag))
	}
	b.RecordSuccess()
	return stored, item.Slots.Processed.IsFull()
}

// keyToPath expands a 32-byte key into its full 64-nibble path.
func keyToPath(key types.Hash) []byte {
	return trie.KeyToNibbles(key.Bytes())
}
