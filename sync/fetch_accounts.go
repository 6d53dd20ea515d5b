// fetch_accounts.go drives the bulk account-range download for one buddy:
// lease a slice of the key space, fetch it with boundary proofs, persist
// the verified partial trie, promote the covered interval (minus any gaps)
// to processed and register discovered storage roots and code hashes.
package sync

import (
	"github.com/keystone-eth/keystone/core/types"
	"github.com/keystone-eth/keystone/trie"
)

// fetchAccounts runs the account range-fetch loop until the lease well
// runs dry, back-pressure kicks in, or the buddy is stopped. Every leased
// range is either promoted or returned on every exit path.
func (e *Engine) fetchAccounts(p *Pivot, b *Buddy) {
	root := p.StateRoot()
	maxLen := e.accountLeaseLen()

	for b.Running() && !p.Archived() {
		if p.StorageQueueLen() >= e.cfg.StorageQueueMax {
			return
		}
		iv, ok := p.CheckOutRange(maxLen)
		if !ok {
			return
		}
		resp, err := b.Peer().RequestAccountRange(AccountRangeRequest{
			ID:     b.NextID(),
			Root:   root,
			Origin: HashFromTag(&iv.First),
			Limit:  HashFromTag(&iv.Last),
			Bytes:  fetchRequestBytes,
		})
		if err != nil {
			p.ReturnRange(iv)
			if b.RecordNetworkError() {
				e.banPeer(b, "account range transport errors")
			}
			return
		}
		imp, err := e.store.ImportAccountRange(root, HashFromTag(&iv.First), resp)
		if err != nil {
			p.ReturnRange(iv)
			e.lg.Debug("account range rejected", "peer", b.ID(), "err", err)
			if b.RecordResponseError() {
				e.banPeer(b, "unverifiable account ranges")
			}
			return
		}
		b.RecordSuccess()

		// Resolve the lease: return the interval and promote the covered
		// slice minus the gap envelopes in one atomic step.
		e.promoteCovered(p, iv, imp.Covered, imp.Gaps)

		// Register follow-up work discovered in the reply.
		for i, account := range imp.Accounts {
			accKey := resp.Accounts[i].Hash
			p.AppendStorageFull(accKey, account.Root)
			p.AppendContract(types.BytesToHash(account.CodeHash), accKey)
		}
		p.AddAccounts(uint64(len(imp.Accounts)))
		e.stats.Accounts.Add(uint64(len(imp.Accounts)))
		for _, entry := range resp.Accounts {
			e.stats.Bytes.Add(uint64(len(entry.Body)) + 32)
		}

		// Coverage changed: give swap-in a chance to salvage from the
		// archived pivots.
		e.runSwapIn(p)

		if p.AccountsComplete() {
			return
		}
	}
}

// promoteCovered resolves the range accounting of a verified reply: the
// part of the covered interval inside the lease, minus the gap envelopes,
// goes through the strict mark-processed path; surplus coverage beyond the
// lease (a reply that exhausted the trie vouches for everything to the
// right) goes through the overlap-tolerant credit path.
func (e *Engine) promoteCovered(p *Pivot, iv, covered TagRange, gaps []trie.NodeSpec) {
	good := NewTagRangeSet()
	good.Merge(covered)
	for _, gap := range gaps {
		env, err := PathEnvelope(gap.Path)
		if err != nil {
			continue
		}
		good.Reduce(env)
	}
	p.ResolveLease(iv, good)
	p.AppendHealSeeds(gaps)
	// Coverage outside the lease overlaps other leases or processed
	// space; only credit what is genuinely still unprocessed.
	outside := good.Clone()
	outside.Reduce(iv)
	for _, r := range outside.Ranges() {
		p.CreditRange(r)
	}
}
