package multihead

import (
	"github.com/gopaprika/paprika/internal/pagedb"
	"github.com/gopaprika/paprika/internal/trie"
)

// Reader is a leased, point-in-time view returned by Chain.TryLeaseReader
// or Chain.LeaseLatestFinalized. While held, it prevents every proposed
// batch it passes through from being dropped from memory, exactly the way
// a pagedb.ReadOnlyBatch pins pages against reuse.
type Reader struct {
	ancestors []*proposedBatch
	terminal  *pagedb.ReadOnlyBatch
	released  bool
}

// GetRaw reads key, falling through the pinned ancestor chain to the
// terminal finalized snapshot.
func (r *Reader) GetRaw(key trie.Key) ([]byte, bool, error) {
	sk := storeKeyString(key)
	for _, pb := range r.ancestors {
		if w, ok := pb.writes[sk]; ok {
			if w.deleted {
				return nil, false, nil
			}
			return w.value, true, nil
		}
	}
	if r.terminal == nil {
		return nil, false, nil
	}
	return r.terminal.GetRaw(key)
}

// Release drops this reader's leases, potentially unblocking the
// finalizer's discard of a fully-persisted proposed batch and/or page
// reuse at the PagedDb level.
func (r *Reader) Release() {
	if r.released {
		return
	}
	r.released = true
	for _, pb := range r.ancestors {
		pb.releaseLease()
	}
	if r.terminal != nil {
		r.terminal.Release()
	}
}
