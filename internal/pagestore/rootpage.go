package pagestore

import (
	"encoding/binary"
	"fmt"

	"github.com/gopaprika/paprika/internal/paprikaerrors"
)

// ───────────────────────────────────────────────────────────────────────────
// RootPage — database header
// ───────────────────────────────────────────────────────────────────────────
//
// Layout (all integers little-endian):
//   [0:4]    magic             "PPRK"
//   [4]      version           uint8, currently always 1
//   [5:8]    reserved
//   [8:16]   size_pages        uint64
//   [16:24]  block_number      uint64   } metadata
//   [24:56]  state_hash        [32]byte }
//   [56:60]  next_free_page    uint32
//   [60:64]  abandoned_list_head  DbAddress (fixed)
//   [64:68]  state_trie_fanout_root  DbAddress (fixed) — points at the
//            Level1 StorageFanOut page that roots the state trie; the
//            1024-entry DbAddressList itself lives there rather than
//            inline, since 1024 fixed 4-byte entries alone exceed what
//            fits in a 4 KiB page alongside this header (see DESIGN.md).
//   [68:72]  batch_id          uint32   the batch this root was committed as

const (
	rootMagicOff           = 0
	rootVersionOff         = 4
	rootSizePagesOff       = 8
	rootBlockNumberOff     = 16
	rootStateHashOff       = 24
	rootNextFreePageOff    = 56
	rootAbandonedHeadOff   = 60
	rootStateFanoutRootOff = 64
	rootBatchIDOff         = 68
	rootHeaderEnd          = 72
)

// RootMagic is the 4-byte magic stamped at the start of every RootPage.
var RootMagic = [4]byte{'P', 'P', 'R', 'K'}

// Metadata carries the externally meaningful identity of a committed
// snapshot: the block it corresponds to and the Keccak state hash.
type Metadata struct {
	BlockNumber uint64
	StateHash   [32]byte
}

// RootPage wraps a page buffer as a database root.
type RootPage struct {
	buf []byte
}

// InitRootPage initialises buf as a fresh, empty RootPage.
func InitRootPage(buf []byte, sizePages uint64) *RootPage {
	MarshalHeader(PageHeader{BatchID: 0, PageType: PageTypeRoot, PaprikaVersion: CurrentPaprikaVersion}, buf)
	r := &RootPage{buf: buf}
	copy(buf[rootMagicOff:rootMagicOff+4], RootMagic[:])
	buf[rootVersionOff] = CurrentPaprikaVersion
	r.SetSizePages(sizePages)
	r.SetMetadata(Metadata{})
	r.SetNextFreePage(0)
	r.SetAbandonedListHead(NullAddress)
	r.SetStateTrieFanoutRoot(NullAddress)
	r.SetBatchID(0)
	return r
}

// WrapRootPage wraps an already-initialised buffer, validating its magic
// and version.
func WrapRootPage(buf []byte) (*RootPage, error) {
	r := &RootPage{buf: buf}
	if string(buf[rootMagicOff:rootMagicOff+4]) != string(RootMagic[:]) {
		return nil, fmt.Errorf("pagestore: bad root page magic %q", buf[rootMagicOff:rootMagicOff+4])
	}
	if buf[rootVersionOff] != CurrentPaprikaVersion {
		return nil, fmt.Errorf("pagestore: root page version %d: %w", buf[rootVersionOff], paprikaerrors.ErrVersionMismatch)
	}
	return r, nil
}

// Bytes returns the underlying page buffer.
func (r *RootPage) Bytes() []byte { return r.buf }

// BatchID returns the batch this root was committed as.
func (r *RootPage) BatchID() uint32 {
	return binary.LittleEndian.Uint32(r.buf[rootBatchIDOff:])
}

// SetBatchID stamps the committing batch ID into the root's batch_id field.
func (r *RootPage) SetBatchID(id uint32) {
	binary.LittleEndian.PutUint32(r.buf[rootBatchIDOff:], id)
}

// SizePages returns the database size in pages.
func (r *RootPage) SizePages() uint64 {
	return binary.LittleEndian.Uint64(r.buf[rootSizePagesOff:])
}

// SetSizePages sets the database size in pages.
func (r *RootPage) SetSizePages(n uint64) {
	binary.LittleEndian.PutUint64(r.buf[rootSizePagesOff:], n)
}

// Metadata returns the (block_number, state_hash) pair this root carries.
func (r *RootPage) Metadata() Metadata {
	var m Metadata
	m.BlockNumber = binary.LittleEndian.Uint64(r.buf[rootBlockNumberOff:])
	copy(m.StateHash[:], r.buf[rootStateHashOff:rootStateHashOff+32])
	return m
}

// SetMetadata overwrites the root's metadata.
func (r *RootPage) SetMetadata(m Metadata) {
	binary.LittleEndian.PutUint64(r.buf[rootBlockNumberOff:], m.BlockNumber)
	copy(r.buf[rootStateHashOff:rootStateHashOff+32], m.StateHash[:])
}

// NextFreePage returns the next never-yet-allocated page index.
func (r *RootPage) NextFreePage() uint32 {
	return binary.LittleEndian.Uint32(r.buf[rootNextFreePageOff:])
}

// SetNextFreePage sets the next never-yet-allocated page index.
func (r *RootPage) SetNextFreePage(n uint32) {
	binary.LittleEndian.PutUint32(r.buf[rootNextFreePageOff:], n)
}

// AbandonedListHead returns the head of the abandoned-page chain.
func (r *RootPage) AbandonedListHead() DbAddress {
	return ReadFixedAddress(r.buf[rootAbandonedHeadOff:])
}

// SetAbandonedListHead sets the head of the abandoned-page chain.
func (r *RootPage) SetAbandonedListHead(addr DbAddress) {
	addr.PutFixed(r.buf[rootAbandonedHeadOff:])
}

// StateTrieFanoutRoot returns the address of the Level1 StorageFanOut page
// that roots the state trie's top-level fan-out.
func (r *RootPage) StateTrieFanoutRoot() DbAddress {
	return ReadFixedAddress(r.buf[rootStateFanoutRootOff:])
}

// SetStateTrieFanoutRoot sets the address of the Level1 StorageFanOut page.
func (r *RootPage) SetStateTrieFanoutRoot(addr DbAddress) {
	addr.PutFixed(r.buf[rootStateFanoutRootOff:])
}

// Clone makes an independent copy of the root page's bytes, for installing
// as the scratch root of a new batch.
func (r *RootPage) Clone() *RootPage {
	out := make([]byte, len(r.buf))
	copy(out, r.buf)
	return &RootPage{buf: out}
}
