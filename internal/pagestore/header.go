// Package pagestore implements paprika's fixed-size page family: the
// common PageHeader, DbAddress, the slotted in-page key/value map, and the
// DataPage/BottomPage/LeafOverflowPage/AbandonedPage/StorageFanOut/RootPage
// types that together encode a radix-16 trie inside a flat page file.
package pagestore

import (
	"encoding/binary"
	"fmt"

	"github.com/gopaprika/paprika/internal/paprikaerrors"
)

// ───────────────────────────────────────────────────────────────────────────
// Constants
// ───────────────────────────────────────────────────────────────────────────

const (
	// PageSize is the fixed size of every page, in bytes.
	PageSize = 4096

	// PageHeaderSize is the size of the common header present at the start
	// of every page.
	//   [0:4] BatchID        (uint32 LE)
	//   [4]   PageType       (1 byte)
	//   [5]   PaprikaVersion (1 byte)
	//   [6:8] Reserved       (2 bytes)
	PageHeaderSize = 8

	// CurrentPaprikaVersion is the only version value this module defines
	// — see DESIGN.md's "paprika_version" open-question decision: no
	// upgrade path is implemented, Open hard-fails on mismatch.
	CurrentPaprikaVersion = 1

	// InvalidPageID is the NULL page address.
	InvalidPageID PageID = 0
)

// PageID identifies a page by its index in the backing file.
type PageID uint32

// PageType identifies a page's structural shape. Once stamped into a
// page's header it never changes for that page's current lifetime.
type PageType uint8

const (
	PageTypeRoot PageType = iota + 1
	PageTypeData
	PageTypeBottom
	PageTypeLeafOverflow
	PageTypeAbandoned
	PageTypeFanOutLevel1
	PageTypeFanOutLevel2
	PageTypeFanOutLevel3
)

func (pt PageType) String() string {
	switch pt {
	case PageTypeRoot:
		return "Root"
	case PageTypeData:
		return "Data"
	case PageTypeBottom:
		return "Bottom"
	case PageTypeLeafOverflow:
		return "LeafOverflow"
	case PageTypeAbandoned:
		return "Abandoned"
	case PageTypeFanOutLevel1:
		return "FanOutLevel1"
	case PageTypeFanOutLevel2:
		return "FanOutLevel2"
	case PageTypeFanOutLevel3:
		return "FanOutLevel3"
	default:
		return fmt.Sprintf("Unknown(0x%02x)", uint8(pt))
	}
}

// ───────────────────────────────────────────────────────────────────────────
// PageHeader
// ───────────────────────────────────────────────────────────────────────────

// PageHeader is the 8-byte header present at the start of every page.
type PageHeader struct {
	BatchID        uint32
	PageType       PageType
	PaprikaVersion uint8
	Reserved       uint16
}

// MarshalHeader writes h into the first PageHeaderSize bytes of buf.
func MarshalHeader(h PageHeader, buf []byte) {
	if len(buf) < PageHeaderSize {
		panic("pagestore: buffer too small for PageHeader")
	}
	binary.LittleEndian.PutUint32(buf[0:4], h.BatchID)
	buf[4] = byte(h.PageType)
	buf[5] = h.PaprikaVersion
	binary.LittleEndian.PutUint16(buf[6:8], h.Reserved)
}

// UnmarshalHeader reads a PageHeader from the first PageHeaderSize bytes of
// buf.
func UnmarshalHeader(buf []byte) PageHeader {
	return PageHeader{
		BatchID:        binary.LittleEndian.Uint32(buf[0:4]),
		PageType:       PageType(buf[4]),
		PaprikaVersion: buf[5],
		Reserved:       binary.LittleEndian.Uint16(buf[6:8]),
	}
}

// NewPage allocates a zeroed page buffer and writes its header, stamping
// the page with the current writer's batch ID.
func NewPage(pt PageType, batchID uint32) []byte {
	buf := make([]byte, PageSize)
	MarshalHeader(PageHeader{BatchID: batchID, PageType: pt, PaprikaVersion: CurrentPaprikaVersion}, buf)
	return buf
}

// CheckType verifies that buf's header carries the expected page type,
// returning an error wrapping ErrPageTypeMismatch if not.
func CheckType(buf []byte, want PageType) error {
	got := PageType(buf[4])
	if got != want {
		return fmt.Errorf("pagestore: page type mismatch: want %s, got %s: %w", want, got, paprikaerrors.ErrPageTypeMismatch)
	}
	return nil
}

// ───────────────────────────────────────────────────────────────────────────
// DbAddress
// ───────────────────────────────────────────────────────────────────────────

// DbAddress is a 4-byte page index; zero is NULL.
type DbAddress uint32

// NullAddress is the NULL page address.
const NullAddress DbAddress = 0

// IsNull reports whether a is the NULL address.
func (a DbAddress) IsNull() bool { return a == NullAddress }

// PutFixed writes a as a fixed 4-byte little-endian value — the form used
// inside a DbAddressList.
func (a DbAddress) PutFixed(buf []byte) {
	binary.LittleEndian.PutUint32(buf, uint32(a))
}

// ReadFixedAddress reads a fixed 4-byte DbAddress from buf.
func ReadFixedAddress(buf []byte) DbAddress {
	return DbAddress(binary.LittleEndian.Uint32(buf))
}

// PutVariable encodes a into 1–4 bytes, the form used when a DbAddress is
// embedded inside another page's entries. The top 2 bits of the first byte
// give the encoded length minus one; the value occupies the remaining 6
// bits of byte 0 plus all 8 bits of each following byte, low-to-high — so
// NULL and small page indexes, overwhelmingly the common case early in a
// database's life, cost a single byte.
func (a DbAddress) PutVariable(buf []byte) int {
	v := uint32(a)
	var n int
	switch {
	case v < 1<<6:
		n = 1
	case v < 1<<14:
		n = 2
	case v < 1<<22:
		n = 3
	default:
		n = 4
	}
	buf[0] = byte(v&0x3f) | byte(n-1)<<6
	rest := v >> 6
	for i := 1; i < n; i++ {
		buf[i] = byte(rest)
		rest >>= 8
	}
	return n
}

// ReadVariableAddress decodes a variable-length DbAddress from the start
// of buf, returning the address and the number of bytes consumed.
func ReadVariableAddress(buf []byte) (DbAddress, int) {
	n := int(buf[0]>>6) + 1
	v := uint32(buf[0] & 0x3f)
	shift := uint(6)
	for i := 1; i < n; i++ {
		v |= uint32(buf[i]) << shift
		shift += 8
	}
	return DbAddress(v), n
}
