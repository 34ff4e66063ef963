// Package pagedb implements PagedDb: a copy-on-write page allocator over a
// flat, fixed-size page arena, with batch/commit discipline, a history ring
// of recently committed roots, abandoned-page reuse, and read-only
// snapshots leased against a specific committed state.
package pagedb

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/gopaprika/paprika/internal/pagestore"
	"github.com/gopaprika/paprika/internal/paprikaerrors"
)

// Options names the two open-time settings of a PagedDb. Open and
// NativeMemory take these as separate arguments (an arena size in bytes
// rather than a page count); no function in this package accepts an
// Options value.
type Options struct {
	// PageCount is the total number of PageSize pages the arena holds,
	// including the history ring.
	PageCount uint32
	// HistoryDepth is the number of root-ring slots (H ≥ 2).
	HistoryDepth uint32
}

// PagedDb is a copy-on-write, page-structured store with a bounded history
// of committed roots.
type PagedDb struct {
	backing []byte
	file    *os.File // nil for NativeMemory

	historyDepth uint32
	pageCount    uint32

	writerMu sync.Mutex // at most one write batch at a time

	mu             sync.Mutex // guards the fields below
	nextFreePage   uint32     // first never-yet-allocated data page index
	currentBatchID uint32     // highest batch id ever committed
	activeSlot     uint32     // which ring slot holds the active root
	freePages      []pagestore.DbAddress
	abandoned      *pagestore.AbandonedList
	leases         map[uint32]int // batchID -> outstanding read-only lease count
}

// dataPagesStart is the page index of the first non-ring-slot page.
func (db *PagedDb) dataPagesStart() uint32 { return db.historyDepth }

// Open opens (or initialises, if empty) a file-backed PagedDb of
// sizeBytes, with the given history depth.
func Open(path string, sizeBytes int64, historyDepth uint32) (*PagedDb, error) {
	if historyDepth < 2 {
		return nil, fmt.Errorf("pagedb: history depth must be >= 2, got %d", historyDepth)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("pagedb: open %s: %w", path, err)
	}
	if err := f.Truncate(sizeBytes); err != nil {
		f.Close()
		return nil, fmt.Errorf("pagedb: truncate %s: %w", path, err)
	}
	backing, err := unix.Mmap(int(f.Fd()), 0, int(sizeBytes), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("pagedb: mmap %s: %w", path, err)
	}
	for slot := uint32(0); slot < historyDepth && int64(slot+1)*pagestore.PageSize <= sizeBytes; slot++ {
		off := int(slot) * pagestore.PageSize
		_, err := pagestore.WrapRootPage(backing[off : off+pagestore.PageSize])
		if errors.Is(err, paprikaerrors.ErrVersionMismatch) {
			unix.Munmap(backing)
			f.Close()
			return nil, fmt.Errorf("pagedb: open %s: %w", path, err)
		}
	}
	db := newPagedDb(backing, uint32(sizeBytes/pagestore.PageSize), historyDepth)
	db.file = f
	return db, nil
}

// NativeMemory opens an anonymous-memory-backed PagedDb — no file, no
// durability beyond process lifetime, for tests and ephemeral snapshots.
func NativeMemory(sizeBytes int64, historyDepth uint32) (*PagedDb, error) {
	if historyDepth < 2 {
		return nil, fmt.Errorf("pagedb: history depth must be >= 2, got %d", historyDepth)
	}
	backing, err := unix.Mmap(-1, 0, int(sizeBytes), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("pagedb: anonymous mmap: %w", err)
	}
	return newPagedDb(backing, uint32(sizeBytes/pagestore.PageSize), historyDepth), nil
}

func newPagedDb(backing []byte, pageCount, historyDepth uint32) *PagedDb {
	db := &PagedDb{
		backing:      backing,
		pageCount:    pageCount,
		historyDepth: historyDepth,
		nextFreePage: historyDepth,
		abandoned:    pagestore.NewAbandonedList(),
		leases:       make(map[uint32]int),
	}
	db.initOrLoadRootRing()
	return db
}

func (db *PagedDb) ringSlotBytes(slot uint32) []byte {
	off := int(slot) * pagestore.PageSize
	return db.backing[off : off+pagestore.PageSize]
}

func (db *PagedDb) initOrLoadRootRing() {
	best := uint32(0)
	bestBatch := uint32(0)
	found := false
	for slot := uint32(0); slot < db.historyDepth; slot++ {
		buf := db.ringSlotBytes(slot)
		if r, err := pagestore.WrapRootPage(buf); err == nil {
			if !found || r.BatchID() > bestBatch {
				bestBatch = r.BatchID()
				best = slot
				found = true
			}
			continue
		}
	}
	if !found {
		for slot := uint32(0); slot < db.historyDepth; slot++ {
			pagestore.InitRootPage(db.ringSlotBytes(slot), uint64(db.pageCount))
		}
		best = 0
	}
	db.activeSlot = best
	db.currentBatchID = bestBatch

	if !found {
		return
	}
	active := db.activeRoot()
	if n := active.NextFreePage(); n > db.nextFreePage {
		db.nextFreePage = n
	}
	db.abandoned = pagestore.NewAbandonedListFrom(db.loadAbandonedEntries(active.AbandonedListHead()))
}

// loadAbandonedEntries walks the on-disk AbandonedPage chain rooted at head
// and decodes it back into the (batchID, address) pairs it was serialized
// from. Each page's own header batch id carries the logical batch whose
// frees it holds, per persistAbandonedListLocked.
func (db *PagedDb) loadAbandonedEntries(head pagestore.DbAddress) []pagestore.AbandonedEntry {
	var entries []pagestore.AbandonedEntry
	for addr := head; !addr.IsNull(); {
		buf := db.pageBytes(addr)
		ap := pagestore.WrapAbandonedPage(buf)
		batchID := pagestore.UnmarshalHeader(buf).BatchID
		for _, a := range ap.All() {
			entries = append(entries, pagestore.AbandonedEntry{BatchID: batchID, Addr: a})
		}
		addr = ap.Next()
	}
	return entries
}

// Close unmaps the backing arena and, for file-backed databases, closes
// the underlying file.
func (db *PagedDb) Close() error {
	if err := unix.Munmap(db.backing); err != nil {
		return fmt.Errorf("pagedb: munmap: %w", err)
	}
	if db.file != nil {
		return db.file.Close()
	}
	return nil
}

// activeRoot returns the RootPage wrapping the currently active ring slot.
// Caller must hold db.mu.
func (db *PagedDb) activeRoot() *pagestore.RootPage {
	r, err := pagestore.WrapRootPage(db.ringSlotBytes(db.activeSlot))
	if err != nil {
		panic(fmt.Sprintf("pagedb: active root slot corrupted: %v", err))
	}
	return r
}

// HasState reports whether hash is the state hash of any root currently
// held in the history ring.
func (db *PagedDb) HasState(hash [32]byte) bool {
	db.mu.Lock()
	defer db.mu.Unlock()
	for slot := uint32(0); slot < db.historyDepth; slot++ {
		r, err := pagestore.WrapRootPage(db.ringSlotBytes(slot))
		if err != nil {
			continue
		}
		if r.Metadata().StateHash == hash {
			return true
		}
	}
	return false
}

// oldestLiveSnapshotBatch returns the smallest batch id with an
// outstanding read-only lease, or the current batch id if none — the
// value AbandonedList.Reusable is evaluated against. Caller must hold
// db.mu.
func (db *PagedDb) oldestLiveSnapshotBatch() uint32 {
	oldest := db.currentBatchID
	for batchID, count := range db.leases {
		if count > 0 && batchID < oldest {
			oldest = batchID
		}
	}
	return oldest
}

func (db *PagedDb) pageBytes(addr pagestore.DbAddress) []byte {
	off := int(addr) * pagestore.PageSize
	return db.backing[off : off+pagestore.PageSize]
}

// allocatePage returns a fresh page address, preferring a reused abandoned
// page over extending the arena. Caller must hold db.mu.
func (db *PagedDb) allocatePage() (pagestore.DbAddress, error) {
	if len(db.freePages) == 0 {
		db.freePages = append(db.freePages, db.abandoned.Reusable(db.oldestLiveSnapshotBatch())...)
	}
	if len(db.freePages) > 0 {
		addr := db.freePages[len(db.freePages)-1]
		db.freePages = db.freePages[:len(db.freePages)-1]
		return addr, nil
	}
	if db.nextFreePage >= db.pageCount {
		return 0, paprikaerrors.ErrOutOfSpace
	}
	addr := pagestore.DbAddress(db.nextFreePage)
	db.nextFreePage++
	return addr, nil
}
