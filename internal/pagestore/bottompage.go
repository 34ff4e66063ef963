package pagestore

// ───────────────────────────────────────────────────────────────────────────
// BottomPage — a 2-way fan-out node with a much larger local map
// ───────────────────────────────────────────────────────────────────────────
//
// Layout:
//   [0:8]         PageHeader
//   [8:16]        children, one fixed DbAddress per half (nibble < 8, nibble >= 8)
//   [16:PageSize] local SlottedArray body
//
// BottomPage trades DataPage's full 16-way fan-out for only two children,
// selected by the top bit of the routing nibble, in exchange for a much
// larger local hashed map. It is installed near the bottom of a subtree
// once further 16-way fan-out stops paying for itself — most of a
// DataPage's children would otherwise sit mostly empty.

const (
	bottomChildrenOff = PageHeaderSize
	bottomSlottedOff  = bottomChildrenOff + 2*4
)

// BottomPage wraps a page buffer as a 2-way fan-out node.
type BottomPage struct {
	buf     []byte
	slotted *SlottedArray
}

// InitBottomPage initialises buf as a fresh, childless BottomPage.
func InitBottomPage(buf []byte, batchID uint32) *BottomPage {
	MarshalHeader(PageHeader{BatchID: batchID, PageType: PageTypeBottom, PaprikaVersion: CurrentPaprikaVersion}, buf)
	NullAddress.PutFixed(buf[bottomChildrenOff:])
	NullAddress.PutFixed(buf[bottomChildrenOff+4:])
	return &BottomPage{buf: buf, slotted: NewSlottedArray(buf[bottomSlottedOff:])}
}

// WrapBottomPage wraps an already-initialised buffer.
func WrapBottomPage(buf []byte) *BottomPage {
	return &BottomPage{buf: buf, slotted: WrapSlottedArray(buf[bottomSlottedOff:])}
}

// Bytes returns the underlying page buffer.
func (b *BottomPage) Bytes() []byte { return b.buf }

// half maps a routing nibble to 0 or 1.
func half(n byte) int {
	if n&0x08 != 0 {
		return 1
	}
	return 0
}

// HasChild reports whether the half containing nibble n has a child page.
func (b *BottomPage) HasChild(n byte) bool { return !b.GetChild(n).IsNull() }

// GetChild returns the child address for the half containing nibble n.
func (b *BottomPage) GetChild(n byte) DbAddress {
	return ReadFixedAddress(b.buf[bottomChildrenOff+half(n)*4:])
}

// SetChild installs addr as the child for the half containing nibble n.
func (b *BottomPage) SetChild(n byte, addr DbAddress) {
	addr.PutFixed(b.buf[bottomChildrenOff+half(n)*4:])
}

// Local returns the page's local hashed overflow map.
func (b *BottomPage) Local() *SlottedArray { return b.slotted }

// SpillHalfTo drains every local entry whose leading nibble falls in the
// same half as n into dest, one nibble shallower than before — the
// BottomPage counterpart of DataPage.SpillNibbleToArray, used when a
// BottomPage's own local map overflows and the half being routed through
// still has no child of its own.
func (b *BottomPage) SpillHalfTo(n byte, dest *SlottedArray) {
	for _, e := range b.slotted.EnumerateAll() {
		if len(e.KeyTail) == 0 {
			continue
		}
		p, err := PathFromTail(e.KeyTail)
		if err != nil || p.IsEmpty() || half(p.Get(0)) != half(n) {
			continue
		}
		childTail := TailFor(p.SliceFrom(1))
		dest.TrySet(childTail, e.Value)
		b.slotted.Delete(e.KeyTail)
	}
}
