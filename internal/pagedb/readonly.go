package pagedb

import (
	"fmt"

	"github.com/gopaprika/paprika/internal/pagestore"
	"github.com/gopaprika/paprika/internal/paprikaerrors"
)

// ReadOnlyBatch is a leased, point-in-time snapshot of a committed root.
// Holding one prevents every page it can reach from being reused until
// Release is called.
type ReadOnlyBatch struct {
	db       *PagedDb
	batchID  uint32
	rootSlot uint32
	released bool
}

// BeginReadOnlyBatch leases the root identified by stateHash, or the
// latest committed root if stateHash is nil.
func (db *PagedDb) BeginReadOnlyBatch(stateHash *[32]byte) (*ReadOnlyBatch, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	slot := db.activeSlot
	if stateHash != nil {
		found := false
		for s := uint32(0); s < db.historyDepth; s++ {
			r, err := pagestore.WrapRootPage(db.ringSlotBytes(s))
			if err != nil {
				continue
			}
			if r.Metadata().StateHash == *stateHash {
				slot = s
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("pagedb: state hash not in history ring: %w", paprikaerrors.ErrStateNotFound)
		}
	}
	r, err := pagestore.WrapRootPage(db.ringSlotBytes(slot))
	if err != nil {
		return nil, fmt.Errorf("pagedb: read-only batch: %w", err)
	}
	batchID := r.BatchID()
	db.leases[batchID]++
	return &ReadOnlyBatch{db: db, batchID: batchID, rootSlot: slot}, nil
}

// LeaseLatestFinalized leases the most recently committed root.
func (db *PagedDb) LeaseLatestFinalized() (*ReadOnlyBatch, error) {
	return db.BeginReadOnlyBatch(nil)
}

// SnapshotAll returns a leased ReadOnlyBatch for every distinct root
// currently held in the history ring, oldest first.
func (db *PagedDb) SnapshotAll() ([]*ReadOnlyBatch, error) {
	db.mu.Lock()
	slots := make([]uint32, 0, db.historyDepth)
	seen := map[uint32]bool{}
	for i := uint32(0); i < db.historyDepth; i++ {
		slot := (db.activeSlot + 1 + i) % db.historyDepth
		r, err := pagestore.WrapRootPage(db.ringSlotBytes(slot))
		if err != nil {
			continue
		}
		if seen[r.BatchID()] {
			continue
		}
		seen[r.BatchID()] = true
		slots = append(slots, slot)
	}
	db.mu.Unlock()

	out := make([]*ReadOnlyBatch, 0, len(slots))
	for _, slot := range slots {
		db.mu.Lock()
		r, err := pagestore.WrapRootPage(db.ringSlotBytes(slot))
		if err != nil {
			db.mu.Unlock()
			continue
		}
		batchID := r.BatchID()
		db.leases[batchID]++
		db.mu.Unlock()
		out = append(out, &ReadOnlyBatch{db: db, batchID: batchID, rootSlot: slot})
	}
	return out, nil
}

// Root returns the RootPage this snapshot is pinned to.
func (b *ReadOnlyBatch) Root() *pagestore.RootPage {
	b.db.mu.Lock()
	defer b.db.mu.Unlock()
	r, _ := pagestore.WrapRootPage(b.db.ringSlotBytes(b.rootSlot))
	return r
}

// BatchID returns the batch id this snapshot is pinned to.
func (b *ReadOnlyBatch) BatchID() uint32 { return b.batchID }

// ReadPage returns the raw bytes at addr.
func (b *ReadOnlyBatch) ReadPage(addr pagestore.DbAddress) []byte { return b.db.pageBytes(addr) }

// Release drops this snapshot's lease, potentially unblocking reuse of
// pages it was the last reader of.
func (b *ReadOnlyBatch) Release() {
	if b.released {
		return
	}
	b.released = true
	b.db.mu.Lock()
	defer b.db.mu.Unlock()
	if b.db.leases[b.batchID] > 0 {
		b.db.leases[b.batchID]--
	}
}
