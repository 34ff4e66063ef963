package pagestore

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"

	"github.com/gopaprika/paprika/internal/nibble"
)

// ───────────────────────────────────────────────────────────────────────────
// StorageFanOut — three-level indirection from a combined hash to a leaf
// page, routing an account-hash (and, for storage, a storage-slot hash)
// to its subtree without storing intermediate keys.
// ───────────────────────────────────────────────────────────────────────────
//
// Index math (exactly as specified):
//
//   (next0, idx0) = (raw  mod 1024, raw  / 1024)    at Level1
//   (next1, idx1) = (next0 mod 1024, next0 / 1024)  at Level2
//   (bucket, idx2) = split(next1): bucket ∈ [0,16), idx2 ∈ [0,256)
//
// with idx0/idx1 used as the array index at each level (the mod result —
// the conventional low-bits-select-a-bucket reading) and the division
// result carried forward as the new "raw" for the next level. A literal
// 16-bucket × 256-entry Level3 table is 4096 DbAddress entries — too large
// for one 4 KiB page alongside its header — so Level3Page folds bucket and
// idx2 into a single flat index (bucket*256+idx2) into one DbAddressList;
// see DESIGN.md's Open Question log.
//
// Every level's page is a PageHeader followed by a DbAddressList of fixed
// 4-byte entries, sized to whatever fits in the remaining page body.

// FanOutLevel1Entries / 2 / 3 are the nominal per-page entry counts; the
// actual stored capacity (fanoutCapacity) is bounded by the page body and
// is slightly smaller.
const (
	FanOutLevel1Entries   = 1024
	FanOutLevel2Entries   = 1024
	FanOutLevel3Buckets   = 16
	FanOutLevel3PerBucket = 256

	// StorageConsumedNibbles is the number of leading nibbles of a key's
	// path the three fan-out levels consume between them before handing
	// off to a leaf DataPage — exactly 8, since idx0 (10 bits) + idx1 (10
	// bits) + bucket+idx2 (12 bits) account for all 32 bits of the raw
	// routing value RawFromPath reads.
	StorageConsumedNibbles = 8
)

func fanoutCapacity() int { return (PageSize - PageHeaderSize) / 4 }

// FanOutIndices is the (idx0, idx1, bucket, idx2) coordinate computed from
// a combined 32-bit hash value.
type FanOutIndices struct {
	Idx0   int
	Idx1   int
	Bucket int
	Idx2   int
}

// ComputeFanOutIndices applies the index math above to raw.
func ComputeFanOutIndices(raw uint32) FanOutIndices {
	idx0 := int(raw % 1024)
	carry := raw / 1024
	idx1 := int(carry % 1024)
	carry2 := carry / 1024
	bucket := int(carry2 % 16)
	idx2 := int(carry2 / 16)
	return FanOutIndices{Idx0: idx0, Idx1: idx1, Bucket: bucket, Idx2: idx2}
}

// flatLevel3Index folds (bucket, idx2) into the single index used by
// Level3Page's flat DbAddressList.
func (f FanOutIndices) flatLevel3Index() int {
	return f.Bucket*FanOutLevel3PerBucket + f.Idx2
}

// RawFromPath packs the first StorageConsumedNibbles nibbles of p into a
// 32-bit routing value, the form used to route a key to its top-level
// fan-out leaf before the remaining nibbles are handled by the DataPage
// trie underneath. p must have at least StorageConsumedNibbles nibbles.
func RawFromPath(p nibble.Path) uint32 {
	var raw uint32
	for i := 0; i < StorageConsumedNibbles; i++ {
		raw = (raw << 4) | uint32(p.Get(i))
	}
	return raw
}

// RawFromKeyBytes derives the fan-out routing value for a key whose path
// isn't a fixed 64-nibble hash — the Merkle engine's node keys, which range
// from 0 to well over StorageConsumedNibbles nibbles. A literal nibble
// prefix (RawFromPath's approach) can't be used here: two keys of
// different lengths whose real nibbles happen to agree up to the shorter
// one's length, with the longer one's extra nibbles all zero, would hash
// to the same prefix and then collide again in the leaf page's "fully
// consumed" slot, since nothing downstream would know the two keys
// actually had different lengths. Hashing the complete length-prefixed
// encoding (see trie.EncodeStoreKey) avoids that: the length byte is part
// of the hashed input, and the caller descends with the key's untruncated
// path rather than a routing-consumed suffix, so identity is never lost.
func RawFromKeyBytes(encodedKey []byte) uint32 {
	return uint32(xxhash.Sum64(encodedKey))
}

// CombinedRaw derives the 32-bit routing value from an account hash and,
// for storage cells, a storage-slot hash — the first 4 bytes of the
// account hash XORed with the first 4 bytes of the storage hash (zero for
// a plain account lookup), giving a value that changes with either input.
func CombinedRaw(accountHash [32]byte, storageSlotHash *[32]byte) uint32 {
	raw := binary.BigEndian.Uint32(accountHash[:4])
	if storageSlotHash != nil {
		raw ^= binary.BigEndian.Uint32(storageSlotHash[:4])
	}
	return raw
}

// fanOutPage is the shared shape of all three StorageFanOut levels: a
// page header followed by a flat fixed-entry DbAddressList.
type fanOutPage struct {
	buf []byte
}

func initFanOutPage(buf []byte, pt PageType, batchID uint32) *fanOutPage {
	MarshalHeader(PageHeader{BatchID: batchID, PageType: pt, PaprikaVersion: CurrentPaprikaVersion}, buf)
	return &fanOutPage{buf: buf}
}

func (f *fanOutPage) get(i int) DbAddress {
	off := PageHeaderSize + i*4
	return ReadFixedAddress(f.buf[off:])
}

func (f *fanOutPage) set(i int, addr DbAddress) {
	off := PageHeaderSize + i*4
	addr.PutFixed(f.buf[off:])
}

// FanOutLevel1Page routes idx0 to a Level2Page address.
type FanOutLevel1Page struct{ *fanOutPage }

// InitFanOutLevel1Page initialises buf as an empty Level1 page.
func InitFanOutLevel1Page(buf []byte, batchID uint32) *FanOutLevel1Page {
	return &FanOutLevel1Page{initFanOutPage(buf, PageTypeFanOutLevel1, batchID)}
}

// WrapFanOutLevel1Page wraps an already-initialised buffer.
func WrapFanOutLevel1Page(buf []byte) *FanOutLevel1Page {
	return &FanOutLevel1Page{&fanOutPage{buf: buf}}
}

// Get returns the Level2Page address at idx0.
func (p *FanOutLevel1Page) Get(idx0 int) DbAddress { return p.get(idx0) }

// Set installs the Level2Page address at idx0.
func (p *FanOutLevel1Page) Set(idx0 int, addr DbAddress) { p.set(idx0, addr) }

// FanOutLevel2Page routes idx1 to a Level3Page address.
type FanOutLevel2Page struct{ *fanOutPage }

// InitFanOutLevel2Page initialises buf as an empty Level2 page.
func InitFanOutLevel2Page(buf []byte, batchID uint32) *FanOutLevel2Page {
	return &FanOutLevel2Page{initFanOutPage(buf, PageTypeFanOutLevel2, batchID)}
}

// WrapFanOutLevel2Page wraps an already-initialised buffer.
func WrapFanOutLevel2Page(buf []byte) *FanOutLevel2Page {
	return &FanOutLevel2Page{&fanOutPage{buf: buf}}
}

// Get returns the Level3Page address at idx1.
func (p *FanOutLevel2Page) Get(idx1 int) DbAddress { return p.get(idx1) }

// Set installs the Level3Page address at idx1.
func (p *FanOutLevel2Page) Set(idx1 int, addr DbAddress) { p.set(idx1, addr) }

// FanOutLevel3Page routes the folded (bucket, idx2) coordinate to a leaf
// page address.
type FanOutLevel3Page struct{ *fanOutPage }

// InitFanOutLevel3Page initialises buf as an empty Level3 page.
func InitFanOutLevel3Page(buf []byte, batchID uint32) *FanOutLevel3Page {
	return &FanOutLevel3Page{initFanOutPage(buf, PageTypeFanOutLevel3, batchID)}
}

// WrapFanOutLevel3Page wraps an already-initialised buffer.
func WrapFanOutLevel3Page(buf []byte) *FanOutLevel3Page {
	return &FanOutLevel3Page{&fanOutPage{buf: buf}}
}

// Get returns the leaf page address at the folded (bucket, idx2) index.
func (p *FanOutLevel3Page) Get(idx FanOutIndices) DbAddress { return p.get(idx.flatLevel3Index()) }

// Set installs the leaf page address at the folded (bucket, idx2) index.
func (p *FanOutLevel3Page) Set(idx FanOutIndices, addr DbAddress) { p.set(idx.flatLevel3Index(), addr) }
