package pagestore

// ───────────────────────────────────────────────────────────────────────────
// LeafOverflowPage — a pure hashed map, no fan-out
// ───────────────────────────────────────────────────────────────────────────
//
// Layout:
//   [0:8]         PageHeader
//   [8:PageSize]  local SlottedArray body
//
// A LeafOverflowPage is installed as a DataPage/BottomPage child once a
// subtree's keys have thinned out enough that further fan-out no longer
// earns its keep — the entire remaining subtree fits as hashed tails in
// one page's map with no children of its own.

const leafOverflowSlottedOff = PageHeaderSize

// LeafOverflowPage wraps a page buffer as a pure hashed map.
type LeafOverflowPage struct {
	buf     []byte
	slotted *SlottedArray
}

// InitLeafOverflowPage initialises buf as a fresh, empty LeafOverflowPage.
func InitLeafOverflowPage(buf []byte, batchID uint32) *LeafOverflowPage {
	MarshalHeader(PageHeader{BatchID: batchID, PageType: PageTypeLeafOverflow, PaprikaVersion: CurrentPaprikaVersion}, buf)
	return &LeafOverflowPage{buf: buf, slotted: NewSlottedArray(buf[leafOverflowSlottedOff:])}
}

// WrapLeafOverflowPage wraps an already-initialised buffer.
func WrapLeafOverflowPage(buf []byte) *LeafOverflowPage {
	return &LeafOverflowPage{buf: buf, slotted: WrapSlottedArray(buf[leafOverflowSlottedOff:])}
}

// Bytes returns the underlying page buffer.
func (l *LeafOverflowPage) Bytes() []byte { return l.buf }

// Local returns the page's hashed map.
func (l *LeafOverflowPage) Local() *SlottedArray { return l.slotted }
