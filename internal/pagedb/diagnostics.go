package pagedb

import (
	"fmt"

	"github.com/gopaprika/paprika/internal/pagestore"
)

// Stats summarizes a PagedDb's page-level occupancy, the way the teacher's
// pager/inspect.go reports page counts without wiring a metrics exporter —
// introspection for tests and operators, not a metrics surface.
type Stats struct {
	PageCount      uint32
	HistoryDepth   uint32
	UsedPages      uint32 // pages ever allocated via the bump pointer
	FreeListLength int    // reusable addresses currently cached in memory
	AbandonedCount int    // addresses tracked by the abandoned list, reclaimed or not
	CurrentBatchID uint32
	ActiveSlot     uint32
}

// Stats reports the database's current page-level occupancy.
func (db *PagedDb) Stats() Stats {
	db.mu.Lock()
	defer db.mu.Unlock()
	return Stats{
		PageCount:      db.pageCount,
		HistoryDepth:   db.historyDepth,
		UsedPages:      db.nextFreePage,
		FreeListLength: len(db.freePages),
		AbandonedCount: db.abandoned.Len(),
		CurrentBatchID: db.currentBatchID,
		ActiveSlot:     db.activeSlot,
	}
}

// DebugString renders Stats as a single human-readable line, for test
// failure messages and ad-hoc diagnostics.
func (s Stats) DebugString() string {
	return fmt.Sprintf(
		"pages=%d/%d history=%d free_list=%d abandoned=%d batch=%d active_slot=%d",
		s.UsedPages, s.PageCount, s.HistoryDepth, s.FreeListLength, s.AbandonedCount, s.CurrentBatchID, s.ActiveSlot,
	)
}

// ReachablePages walks the currently active (most recently committed)
// root's fan-out tree and returns the set of every page address still
// reachable from it, plus the history-ring slots themselves. It mirrors
// the teacher's garbage collector's reachability scan, turned around: the
// teacher used it to find orphan pages to reclaim, this uses it to check
// the opposite property — that abandoned-page reuse never hands back a
// page some live root can still reach.
func (db *PagedDb) ReachablePages() (map[pagestore.DbAddress]bool, error) {
	db.mu.Lock()
	l1Addr := db.activeRoot().StateTrieFanoutRoot()
	historyDepth := db.historyDepth
	db.mu.Unlock()

	reachable := make(map[pagestore.DbAddress]bool, historyDepth)
	for slot := uint32(0); slot < historyDepth; slot++ {
		reachable[pagestore.DbAddress(slot)] = true
	}
	if l1Addr.IsNull() {
		return reachable, nil
	}
	if err := db.markFanOutReachable(l1Addr, reachable); err != nil {
		return nil, err
	}
	return reachable, nil
}

func (db *PagedDb) markFanOutReachable(l1Addr pagestore.DbAddress, out map[pagestore.DbAddress]bool) error {
	out[l1Addr] = true
	l1 := pagestore.WrapFanOutLevel1Page(db.pageBytes(l1Addr))
	for i := 0; i < pagestore.FanOutLevel1Entries; i++ {
		l2Addr := l1.Get(i)
		if l2Addr.IsNull() || out[l2Addr] {
			continue
		}
		out[l2Addr] = true
		l2 := pagestore.WrapFanOutLevel2Page(db.pageBytes(l2Addr))
		for j := 0; j < pagestore.FanOutLevel2Entries; j++ {
			l3Addr := l2.Get(j)
			if l3Addr.IsNull() || out[l3Addr] {
				continue
			}
			out[l3Addr] = true
			l3 := pagestore.WrapFanOutLevel3Page(db.pageBytes(l3Addr))
			for bucket := 0; bucket < pagestore.FanOutLevel3Buckets; bucket++ {
				for idx2 := 0; idx2 < pagestore.FanOutLevel3PerBucket; idx2++ {
					leafAddr := l3.Get(pagestore.FanOutIndices{Bucket: bucket, Idx2: idx2})
					if leafAddr.IsNull() {
						continue
					}
					if err := db.markLeafReachable(leafAddr, out); err != nil {
						return err
					}
				}
			}
		}
	}
	return nil
}

// markLeafReachable walks a DataPage/BottomPage's 16 nibble children
// recursively; a LeafOverflowPage has none.
func (db *PagedDb) markLeafReachable(addr pagestore.DbAddress, out map[pagestore.DbAddress]bool) error {
	if addr.IsNull() || out[addr] {
		return nil
	}
	out[addr] = true
	buf := db.pageBytes(addr)
	switch pagestore.UnmarshalHeader(buf).PageType {
	case pagestore.PageTypeData:
		dp := pagestore.WrapDataPage(buf)
		for n := 0; n < 16; n++ {
			if dp.HasChild(byte(n)) {
				if err := db.markLeafReachable(dp.GetChild(byte(n)), out); err != nil {
					return err
				}
			}
		}
	case pagestore.PageTypeBottom:
		bp := pagestore.WrapBottomPage(buf)
		for n := 0; n < 16; n++ {
			if bp.HasChild(byte(n)) {
				if err := db.markLeafReachable(bp.GetChild(byte(n)), out); err != nil {
					return err
				}
			}
		}
	case pagestore.PageTypeLeafOverflow:
	default:
		return fmt.Errorf("pagedb: unexpected page type %v in reachability scan", pagestore.UnmarshalHeader(buf).PageType)
	}
	return nil
}
