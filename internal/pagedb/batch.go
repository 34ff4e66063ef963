package pagedb

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/gopaprika/paprika/internal/pagestore"
	"github.com/gopaprika/paprika/internal/paprikaerrors"
)

// CommitOptions controls how durable a commit must be before Commit
// returns.
type CommitOptions int

const (
	// FlushDataOnly schedules write-back of the whole file mapping
	// (msync MS_ASYNC) and returns without waiting for it, so neither the
	// data pages nor the root slot are durable when Commit returns.
	FlushDataOnly CommitOptions = iota
	// FlushDataAndRoot waits until the whole file mapping, data pages and
	// the new root slot alike, has been written back (msync MS_SYNC).
	FlushDataAndRoot
)

// Batch is an exclusive write transaction against a PagedDb: at most one
// Batch may be open at a time (BeginNextBatch blocks until any prior batch
// commits).
type Batch struct {
	db      *PagedDb
	batchID uint32

	scratchBuf  []byte
	scratchRoot *pagestore.RootPage

	registered map[pagestore.DbAddress]bool
	freed      []pagestore.AbandonedEntry

	committed bool
}

// BeginNextBatch starts a new write batch, copying the most recently
// committed root as the batch's scratch root. It blocks until any
// previously begun batch has committed.
func (db *PagedDb) BeginNextBatch() *Batch {
	db.writerMu.Lock()

	db.mu.Lock()
	batchID := db.currentBatchID + 1
	active := db.activeRoot()
	db.mu.Unlock()

	scratch := active.Clone()
	scratch.SetBatchID(batchID)

	return &Batch{
		db:          db,
		batchID:     batchID,
		scratchBuf:  scratch.Bytes(),
		scratchRoot: scratch,
		registered:  make(map[pagestore.DbAddress]bool),
	}
}

// BatchID returns the id this batch will commit as.
func (b *Batch) BatchID() uint32 { return b.batchID }

// GetNewPage allocates a fresh page for this batch, optionally zeroing it,
// and stamps its header's batch id to the current batch.
func (b *Batch) GetNewPage(pt pagestore.PageType, clear bool) (pagestore.DbAddress, []byte, error) {
	b.db.mu.Lock()
	defer b.db.mu.Unlock()
	return b.newPageLocked(pt, clear)
}

// newPageLocked is GetNewPage without acquiring db.mu itself — for callers
// that already hold it.
func (b *Batch) newPageLocked(pt pagestore.PageType, clear bool) (pagestore.DbAddress, []byte, error) {
	addr, err := b.db.allocatePage()
	if err != nil {
		return 0, nil, err
	}
	buf := b.db.pageBytes(addr)
	if clear {
		for i := range buf {
			buf[i] = 0
		}
	}
	pagestore.MarshalHeader(pagestore.PageHeader{BatchID: b.batchID, PageType: pt, PaprikaVersion: pagestore.CurrentPaprikaVersion}, buf)
	return addr, buf, nil
}

func (db *PagedDb) allocatePageLocked() (pagestore.DbAddress, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.allocatePage()
}

// ReadPage returns the raw bytes at addr, for read-only inspection.
func (b *Batch) ReadPage(addr pagestore.DbAddress) []byte { return b.db.pageBytes(addr) }

// EnsureWritable returns a page addr's buffer, copy-on-writing it into a
// fresh page stamped with the current batch id if it was last written by
// an earlier batch. The caller is responsible for updating whatever
// parent pointer referenced the old address to the returned one.
func (b *Batch) EnsureWritable(addr pagestore.DbAddress) (pagestore.DbAddress, []byte, error) {
	buf := b.db.pageBytes(addr)
	h := pagestore.UnmarshalHeader(buf)
	if h.BatchID == b.batchID {
		return addr, buf, nil
	}
	newAddr, err := b.db.allocatePageLocked()
	if err != nil {
		return 0, nil, err
	}
	newBuf := b.db.pageBytes(newAddr)
	copy(newBuf, buf)
	h.BatchID = b.batchID
	pagestore.MarshalHeader(h, newBuf)
	if err := b.RegisterForFutureReuse(addr); err != nil {
		return 0, nil, err
	}
	return newAddr, newBuf, nil
}

// RegisterForFutureReuse marks addr as abandoned by this batch, reusable
// once no live read-only snapshot can still reach it. Registering the same
// address twice in one batch is a bug and returns ErrDuplicateRegistration.
func (b *Batch) RegisterForFutureReuse(addr pagestore.DbAddress) error {
	if b.registered[addr] {
		return fmt.Errorf("pagedb: page %d registered twice in batch %d: %w", addr, b.batchID, paprikaerrors.ErrDuplicateRegistration)
	}
	b.registered[addr] = true
	oldBatchID := pagestore.UnmarshalHeader(b.db.pageBytes(addr)).BatchID
	b.freed = append(b.freed, pagestore.AbandonedEntry{BatchID: oldBatchID, Addr: addr})
	return nil
}

// ScratchRoot exposes the batch's in-progress root page, for trie
// operations that need to read or update the state trie's fan-out root
// pointer before commit.
func (b *Batch) ScratchRoot() *pagestore.RootPage { return b.scratchRoot }

// Commit finalises the batch: the scratch root is written into the next
// history-ring slot, every page registered for reuse this batch is handed
// to the abandoned-page list, the allocator's high-water mark and the
// abandoned list's on-disk chain are stamped into the scratch root so a
// later reopen restores them exactly, and the batch's exclusive writer
// lock is released. opts controls how far durability is pushed before
// returning.
func (b *Batch) Commit(opts CommitOptions) (pagestore.Metadata, error) {
	if b.committed {
		return pagestore.Metadata{}, fmt.Errorf("pagedb: batch %d already committed", b.batchID)
	}
	b.committed = true
	defer b.db.writerMu.Unlock()

	db := b.db
	db.mu.Lock()

	// The chain this scratch root still points at is the one the prior
	// commit persisted; it is replaced wholesale below by a fresh chain, and
	// unlike trie pages no live reader ever dereferences an old commit's
	// chain (only a cold reopen walks it, and only for the most recent
	// commit), so its pages go straight onto the free list rather than
	// through the oldestLiveSnapshotBatch-gated abandoned list.
	b.reclaimAbandonedChainLocked(b.scratchRoot.AbandonedListHead())

	byBatch := map[uint32][]pagestore.DbAddress{}
	for _, e := range b.freed {
		byBatch[e.BatchID] = append(byBatch[e.BatchID], e.Addr)
	}
	for batchID, addrs := range byBatch {
		db.abandoned.Push(batchID, addrs)
	}

	newHead, err := b.persistAbandonedListLocked()
	if err != nil {
		db.mu.Unlock()
		return pagestore.Metadata{}, err
	}
	b.scratchRoot.SetAbandonedListHead(newHead)
	b.scratchRoot.SetNextFreePage(db.nextFreePage)

	nextSlot := (db.activeSlot + 1) % db.historyDepth
	copy(db.ringSlotBytes(nextSlot), b.scratchBuf)
	db.activeSlot = nextSlot
	db.currentBatchID = b.batchID
	meta := db.activeRoot().Metadata()
	db.mu.Unlock()

	if db.file != nil {
		flags := unix.MS_ASYNC
		if opts == FlushDataAndRoot {
			flags = unix.MS_SYNC
		}
		if err := unix.Msync(db.backing, flags); err != nil {
			return meta, fmt.Errorf("pagedb: msync: %w", err)
		}
	}
	return meta, nil
}

// reclaimAbandonedChainLocked walks the on-disk AbandonedPage chain rooted
// at head and returns every page in it straight to db.freePages. Caller
// must hold db.mu.
func (b *Batch) reclaimAbandonedChainLocked(head pagestore.DbAddress) {
	for addr := head; !addr.IsNull(); {
		ap := pagestore.WrapAbandonedPage(b.db.pageBytes(addr))
		next := ap.Next()
		b.db.freePages = append(b.db.freePages, addr)
		addr = next
	}
}

// persistAbandonedListLocked serializes db.abandoned's current entries into
// a fresh chain of AbandonedPages and returns its head (NullAddress if the
// list is empty). Each page is tagged, via its own PageHeader.BatchID, with
// the logical batch whose frees it holds — a deliberate reuse of that field
// distinct from its usual "who wrote this page" meaning, since AbandonedPage
// itself carries no other home for that grouping. Caller must hold db.mu.
func (b *Batch) persistAbandonedListLocked() (pagestore.DbAddress, error) {
	byBatch := map[uint32][]pagestore.DbAddress{}
	var order []uint32
	for _, e := range b.db.abandoned.Entries() {
		if _, ok := byBatch[e.BatchID]; !ok {
			order = append(order, e.BatchID)
		}
		byBatch[e.BatchID] = append(byBatch[e.BatchID], e.Addr)
	}

	head := pagestore.NullAddress
	for _, batchID := range order {
		addrs := byBatch[batchID]
		for start := 0; start < len(addrs); start += pagestore.AbandonedCapacity() {
			end := start + pagestore.AbandonedCapacity()
			if end > len(addrs) {
				end = len(addrs)
			}
			pageAddr, buf, err := b.newChainPageLocked()
			if err != nil {
				return pagestore.NullAddress, err
			}
			ap := pagestore.InitAbandonedPage(buf, batchID)
			for _, a := range addrs[start:end] {
				if !ap.TryPush(a) {
					return pagestore.NullAddress, fmt.Errorf("pagedb: abandoned page overflow while persisting free list")
				}
			}
			ap.SetNext(head)
			head = pageAddr
		}
	}
	return head, nil
}

// newChainPageLocked allocates a page to back one AbandonedPage chain
// segment without consulting db.abandoned itself. persistAbandonedListLocked
// snapshots db.abandoned.Entries() once up front and must serialize exactly
// that snapshot; drawing a backing page through the normal allocatePage
// path (which can pop entries straight out of db.abandoned via Reusable)
// could hand out an address this same call is still in the middle of
// writing into the chain as a free entry, recording a page as both
// reusable and, simultaneously, the live backing store of the chain that
// says so. Caller must hold db.mu.
func (b *Batch) newChainPageLocked() (pagestore.DbAddress, []byte, error) {
	db := b.db
	var addr pagestore.DbAddress
	if n := len(db.freePages); n > 0 {
		addr = db.freePages[n-1]
		db.freePages = db.freePages[:n-1]
	} else {
		if db.nextFreePage >= db.pageCount {
			return 0, nil, paprikaerrors.ErrOutOfSpace
		}
		addr = pagestore.DbAddress(db.nextFreePage)
		db.nextFreePage++
	}
	buf := db.pageBytes(addr)
	for i := range buf {
		buf[i] = 0
	}
	pagestore.MarshalHeader(pagestore.PageHeader{BatchID: b.batchID, PageType: pagestore.PageTypeAbandoned, PaprikaVersion: pagestore.CurrentPaprikaVersion}, buf)
	return addr, buf, nil
}
