// fetch_codes.go drives the contract bytecode download for one buddy.
// Bytecode is the lowest-priority fetch: it only runs after account and
// storage work in a round. Hashes a peer fails to deliver go onto that
// peer's ignore list and back into the queue for somebody else.
package sync

import "github.com/keystone-eth/keystone/core/types"

// fetchCodes runs the bytecode fetch loop until the queue is empty (or
// holds only hashes this peer ignores) or the buddy is stopped.
func (e *Engine) fetchCodes(p *Pivot, b *Buddy) {
	for b.Running() && !p.Archived() {
		batch := p.FetchContracts(fetchRequestContractsMax, func(h types.Hash) bool {
			return b.CodeIgnored(h)
		})
		if len(batch) == 0 {
			return
		}
		hashes := make([]types.Hash, 0, len(batch))
		for _, item := range batch {
			hashes = append(hashes, item.CodeHash)
		}
		resp, err := b.Peer().RequestByteCodes(ByteCodesRequest{
			ID:     b.NextID(),
			Hashes: hashes,
			Bytes:  fetchRequestBytes,
		})
		if err != nil {
			for _, item := range batch {
				p.RequeueContract(item.CodeHash, item.AccKey)
			}
			if b.RecordNetworkError() {
				e.banPeer(b, "bytecode transport errors")
			}
			return
		}
		delivered, err := e.store.ImportCode(hashes, resp.Codes)
		if err != nil {
			for _, item := range batch {
				p.RequeueContract(item.CodeHash, item.AccKey)
			}
			if b.RecordResponseError() {
				e.banPeer(b, "unverifiable bytecodes")
			}
			return
		}
		var stored uint64
		for _, item := range batch {
			if delivered[item.CodeHash] {
				stored++
				continue
			}
			// Not delivered: remember the refusal for this peer and let
			// another buddy pick the hash up.
			b.IgnoreCode(item.CodeHash)
			p.RequeueContract(item.CodeHash, item.AccKey)
		}
		if stored == 0 {
			if b.RecordTimeout() {
				e.banPeer(b, "empty bytecode replies")
			}
			return
		}
		p.AddContracts(stored)
		e.stats.Codes.Add(stored)
		for _, blob := range resp.Codes {
			e.stats.Bytes.Add(uint64(len(blob)))
		}
		b.RecordSuccess()
	}
}
