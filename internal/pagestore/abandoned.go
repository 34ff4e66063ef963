package pagestore

import "encoding/binary"

// ───────────────────────────────────────────────────────────────────────────
// AbandonedPage — a LIFO stack of freed page addresses
// ───────────────────────────────────────────────────────────────────────────
//
// Layout:
//   [0:8]    PageHeader
//   [8:12]   Next       (DbAddress, fixed, 0 = end of chain)
//   [12:14]  Count      (uint16 LE)
//   [14:...] Addresses  (DbAddress, fixed 4 bytes each)

const (
	abandonedNextOff  = PageHeaderSize
	abandonedCountOff = abandonedNextOff + 4
	abandonedDataOff  = abandonedCountOff + 2
)

// AbandonedCapacity returns how many addresses fit on one AbandonedPage.
func AbandonedCapacity() int {
	return (PageSize - abandonedDataOff) / 4
}

// AbandonedPage wraps a page buffer as a stack of freed addresses.
type AbandonedPage struct {
	buf []byte
}

// InitAbandonedPage initialises buf as an empty AbandonedPage.
func InitAbandonedPage(buf []byte, batchID uint32) *AbandonedPage {
	MarshalHeader(PageHeader{BatchID: batchID, PageType: PageTypeAbandoned, PaprikaVersion: CurrentPaprikaVersion}, buf)
	DbAddress(NullAddress).PutFixed(buf[abandonedNextOff:])
	binary.LittleEndian.PutUint16(buf[abandonedCountOff:], 0)
	return &AbandonedPage{buf: buf}
}

// WrapAbandonedPage wraps an already-initialised buffer.
func WrapAbandonedPage(buf []byte) *AbandonedPage { return &AbandonedPage{buf: buf} }

// Next returns the next page in the abandoned chain, or NullAddress.
func (a *AbandonedPage) Next() DbAddress { return ReadFixedAddress(a.buf[abandonedNextOff:]) }

// SetNext links a to the next page in the chain.
func (a *AbandonedPage) SetNext(addr DbAddress) { addr.PutFixed(a.buf[abandonedNextOff:]) }

// Count returns the number of addresses currently stored.
func (a *AbandonedPage) Count() int { return int(binary.LittleEndian.Uint16(a.buf[abandonedCountOff:])) }

func (a *AbandonedPage) setCount(n int) { binary.LittleEndian.PutUint16(a.buf[abandonedCountOff:], uint16(n)) }

// IsEmpty reports whether the stack holds no addresses.
func (a *AbandonedPage) IsEmpty() bool { return a.Count() == 0 }

// TryPush pushes addr onto the stack. Returns false if the page is full.
func (a *AbandonedPage) TryPush(addr DbAddress) bool {
	n := a.Count()
	if n >= AbandonedCapacity() {
		return false
	}
	off := abandonedDataOff + n*4
	addr.PutFixed(a.buf[off:])
	a.setCount(n + 1)
	return true
}

// TryPop pops and returns the most recently pushed address. ok is false if
// empty.
func (a *AbandonedPage) TryPop() (DbAddress, bool) {
	n := a.Count()
	if n == 0 {
		return NullAddress, false
	}
	off := abandonedDataOff + (n-1)*4
	addr := ReadFixedAddress(a.buf[off:])
	a.setCount(n - 1)
	return addr, true
}

// All returns every address currently stored, bottom of stack first.
func (a *AbandonedPage) All() []DbAddress {
	n := a.Count()
	out := make([]DbAddress, n)
	for i := 0; i < n; i++ {
		out[i] = ReadFixedAddress(a.buf[abandonedDataOff+i*4:])
	}
	return out
}

// ───────────────────────────────────────────────────────────────────────────
// AbandonedList — the head structure stored inside the RootPage
// ───────────────────────────────────────────────────────────────────────────

// AbandonedEntry records one batch's worth of pages freed together, so
// reuse can be withheld until no snapshot older than BatchID remains live.
type AbandonedEntry struct {
	BatchID uint32
	Addr    DbAddress
}

// AbandonedList maintains, in memory, the ordered-by-batch-id chain of
// abandoned page groups rooted at a RootPage's abandoned_list_head.
type AbandonedList struct {
	entries []AbandonedEntry
}

// NewAbandonedList returns an empty list.
func NewAbandonedList() *AbandonedList { return &AbandonedList{} }

// NewAbandonedListFrom builds a list from entries already known, e.g. ones
// just decoded from an on-disk AbandonedPage chain.
func NewAbandonedListFrom(entries []AbandonedEntry) *AbandonedList {
	return &AbandonedList{entries: entries}
}

// Entries returns every tracked (batchID, address) pair, for persisting the
// list into an AbandonedPage chain.
func (l *AbandonedList) Entries() []AbandonedEntry { return l.entries }

// Push records that every address in addrs was freed by batchID.
func (l *AbandonedList) Push(batchID uint32, addrs []DbAddress) {
	for _, a := range addrs {
		l.entries = append(l.entries, AbandonedEntry{BatchID: batchID, Addr: a})
	}
}

// Reusable returns every address freed at a batch old enough that no live
// snapshot in [oldestLiveBatch, currentBatch) can still reach it — i.e.
// BatchID < oldestLiveBatch — per the PagedDb reuse rule in §4.4, and
// removes them from the list.
func (l *AbandonedList) Reusable(oldestLiveBatch uint32) []DbAddress {
	var reusable []DbAddress
	kept := l.entries[:0]
	for _, e := range l.entries {
		if e.BatchID < oldestLiveBatch {
			reusable = append(reusable, e.Addr)
		} else {
			kept = append(kept, e)
		}
	}
	l.entries = kept
	return reusable
}

// Len returns the number of tracked abandoned addresses (reclaimed or
// not).
func (l *AbandonedList) Len() int { return len(l.entries) }
