package pagestore

import (
	"encoding/binary"

	"github.com/gopaprika/paprika/internal/bitset"
	"github.com/gopaprika/paprika/internal/nibble"
)

// ───────────────────────────────────────────────────────────────────────────
// DataPage — a 16-way radix fan-out node with a local hashed overflow map
// ───────────────────────────────────────────────────────────────────────────
//
// Layout:
//   [0:8]          PageHeader
//   [8:10]         child presence bitmap (NibbleSet16, uint16 LE)
//   [10:10+16*4]   children, one fixed DbAddress per nibble value 0..15
//   [74:PageSize]  local SlottedArray body
//
// A DataPage holds two kinds of entries in its local map: the empty-key
// slot (this page's own value, e.g. an account record terminating exactly
// at this depth) and nibble-tagged tails that have not yet been spilled
// into a child. Every local key tail is a nibble.Path.WriteTo() encoding of
// the key's remaining nibbles relative to this page's own depth — never
// raw undecoded bytes — so spilling one nibble deeper is a well-defined
// decode/slice/re-encode rather than a bit-shift over an opaque blob.
//
// A child one nibble deeper is a DataPage, a BottomPage or a
// LeafOverflowPage, as chosen by package pagedb. DataPage exposes only the
// structural primitives (GetChild/SetChild, local map access, heaviest-
// nibble selection, spill) — the recursive set/get/overflow algorithm that
// walks a multi-page trie lives in package pagedb, which owns page
// allocation and the page cache DataPage itself has no access to.

const (
	dataPresenceOff = PageHeaderSize
	dataChildrenOff = dataPresenceOff + 2
	dataSlottedOff  = dataChildrenOff + 16*4
)

// DataPage wraps a page buffer as a 16-way fan-out node.
type DataPage struct {
	buf     []byte
	slotted *SlottedArray
}

// InitDataPage initialises buf as a fresh, childless DataPage.
func InitDataPage(buf []byte, batchID uint32) *DataPage {
	MarshalHeader(PageHeader{BatchID: batchID, PageType: PageTypeData, PaprikaVersion: CurrentPaprikaVersion}, buf)
	binary.LittleEndian.PutUint16(buf[dataPresenceOff:], uint16(bitset.EmptyNibbleSet))
	for n := 0; n < 16; n++ {
		NullAddress.PutFixed(buf[dataChildrenOff+n*4:])
	}
	return &DataPage{buf: buf, slotted: NewSlottedArray(buf[dataSlottedOff:])}
}

// WrapDataPage wraps an already-initialised buffer.
func WrapDataPage(buf []byte) *DataPage {
	return &DataPage{buf: buf, slotted: WrapSlottedArray(buf[dataSlottedOff:])}
}

// Bytes returns the underlying page buffer.
func (d *DataPage) Bytes() []byte { return d.buf }

func (d *DataPage) presence() bitset.NibbleSet16 {
	return bitset.NibbleSet16(binary.LittleEndian.Uint16(d.buf[dataPresenceOff:]))
}

func (d *DataPage) setPresence(s bitset.NibbleSet16) {
	binary.LittleEndian.PutUint16(d.buf[dataPresenceOff:], uint16(s))
}

// HasChild reports whether nibble n has a child page installed.
func (d *DataPage) HasChild(n byte) bool { return d.presence().Has(n) }

// GetChild returns the child address for nibble n, or NullAddress.
func (d *DataPage) GetChild(n byte) DbAddress {
	return ReadFixedAddress(d.buf[dataChildrenOff+int(n)*4:])
}

// SetChild installs addr as the child for nibble n.
func (d *DataPage) SetChild(n byte, addr DbAddress) {
	addr.PutFixed(d.buf[dataChildrenOff+int(n)*4:])
	if addr.IsNull() {
		d.setPresence(d.presence().Without(n))
	} else {
		d.setPresence(d.presence().With(n))
	}
}

// ChildCount returns how many of the 16 nibble slots have a child
// installed.
func (d *DataPage) ChildCount() int { return d.presence().Count() }

// Local returns the page's local hashed overflow map.
func (d *DataPage) Local() *SlottedArray { return d.slotted }

// TailFor encodes path as a local-map key tail relative to this page's
// depth.
func TailFor(path nibble.Path) []byte { return path.WriteTo() }

// PathFromTail decodes a local-map key tail back into a nibble path.
func PathFromTail(tail []byte) (nibble.Path, error) {
	p, _, err := nibble.ReadFrom(tail)
	return p, err
}

// HeaviestNibble scans the local map and returns the nibble (and its
// occupied byte count) whose non-empty-key entries consume the most
// space — the candidate to spill into a new child DataPage when the local
// map fills up. ok is false if there is nothing to spill (every live
// entry is the empty-key entry, or the map is empty).
func (d *DataPage) HeaviestNibble() (nibble byte, occupied int, ok bool) {
	var totals [16]int
	for _, e := range d.slotted.EnumerateAll() {
		if len(e.KeyTail) == 0 {
			continue
		}
		p, err := PathFromTail(e.KeyTail)
		if err != nil || p.IsEmpty() {
			continue
		}
		n := p.Get(0)
		totals[n] += len(e.KeyTail) + len(e.Value) + 2 // +2 approximates the varint length prefixes
	}
	best := -1
	for n := 0; n < 16; n++ {
		if totals[n] > best {
			best = totals[n]
			nibble = byte(n)
			occupied = totals[n]
		}
	}
	if occupied <= 0 {
		return 0, 0, false
	}
	return nibble, occupied, true
}

// SpillNibbleTo drains every local entry whose leading nibble is n into
// dest's local map, one nibble shallower than before (dest is the child
// page reached by routing on n), leaving every other entry — including
// the empty-key slot — untouched in d.
func (d *DataPage) SpillNibbleTo(n byte, dest *DataPage) {
	d.SpillNibbleToArray(n, dest.slotted)
}

// SpillNibbleToArray is SpillNibbleTo's generic form, for the cases where
// the page absorbing the overflow isn't another DataPage — a BottomPage
// (fan-out thinning out near the fringe of a subtree) or a
// LeafOverflowPage (fan-out abandoned entirely) can take the same
// one-nibble-shallower entries just as well, since both expose their own
// local map as a *SlottedArray.
func (d *DataPage) SpillNibbleToArray(n byte, dest *SlottedArray) {
	for _, e := range d.slotted.EnumerateAll() {
		if len(e.KeyTail) == 0 {
			continue
		}
		p, err := PathFromTail(e.KeyTail)
		if err != nil || p.IsEmpty() || p.Get(0) != n {
			continue
		}
		childTail := TailFor(p.SliceFrom(1))
		dest.TrySet(childTail, e.Value)
		d.slotted.Delete(e.KeyTail)
	}
}
