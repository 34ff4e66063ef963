// Package nibble implements NibblePath: a half-byte-addressable view over a
// byte buffer, used throughout paprika to address individual hex digits of
// a 256-bit trie key without ever materialising a per-nibble slice.
//
// A Path never copies its backing buffer on read — Get, SliceTo and
// SliceFrom all return views into the same bytes. Append and AppendNibble
// allocate a fresh buffer, since they may need to reassemble a boundary
// byte that straddles the parity split; ReadFrom, Bytes, WriteTo and String
// also allocate the buffers they return.
package nibble

import "fmt"

// MaxLength is the largest nibble count a Path can address — the length
// byte on the wire reserves its top bit for the odd flag, leaving 7 bits
// for the count, and a single Keccak key never exceeds 64 nibbles anyway.
const MaxLength = 255

// Path is a length-tagged sequence of nibbles over a byte buffer.
//
// buf holds the underlying bytes; odd indicates whether the first nibble
// of the path is the low half of buf[0] (odd == 1) or the high half
// (odd == 0); length is the number of nibbles the path spans starting
// from that point.
type Path struct {
	buf    []byte
	odd    uint8
	length int
}

// Empty is the zero-length path.
var Empty = Path{}

// FromBytes builds a full-length Path over b (every nibble of every byte,
// even offset).
func FromBytes(b []byte) Path {
	return Path{buf: b, odd: 0, length: len(b) * 2}
}

// New constructs a Path view over buf starting at the given odd offset
// (0 or 1) and spanning length nibbles. It panics if the view would run
// past the end of buf — this is a programming error, not a runtime one.
func New(buf []byte, odd int, length int) Path {
	if odd != 0 && odd != 1 {
		panic("nibble: odd flag must be 0 or 1")
	}
	if length < 0 || length > MaxLength {
		panic("nibble: length out of range")
	}
	needBytes := (odd + length + 1) / 2
	if needBytes > len(buf) {
		panic("nibble: buffer too small for requested length")
	}
	return Path{buf: buf, odd: uint8(odd), length: length}
}

// Length returns the number of nibbles in the path.
func (p Path) Length() int { return p.length }

// IsEmpty reports whether the path has zero nibbles.
func (p Path) IsEmpty() bool { return p.length == 0 }

// Odd reports whether the first nibble starts at the low half of byte 0.
func (p Path) Odd() bool { return p.odd == 1 }

// Get returns the nibble at logical index i (0-based). Out-of-range i is a
// programming error and panics.
func (p Path) Get(i int) byte {
	if i < 0 || i >= p.length {
		panic(fmt.Sprintf("nibble: index %d out of range [0,%d)", i, p.length))
	}
	pos := int(p.odd) + i
	b := p.buf[pos/2]
	if pos%2 == 0 {
		return b >> 4
	}
	return b & 0x0f
}

// SliceTo returns the prefix of the path spanning the first n nibbles.
// It shares the underlying buffer — no allocation.
func (p Path) SliceTo(n int) Path {
	if n < 0 || n > p.length {
		panic("nibble: SliceTo out of range")
	}
	return Path{buf: p.buf, odd: p.odd, length: n}
}

// SliceFrom returns the suffix of the path starting at nibble n. It shares
// the underlying buffer, adjusting the byte offset and parity.
func (p Path) SliceFrom(n int) Path {
	if n < 0 || n > p.length {
		panic("nibble: SliceFrom out of range")
	}
	pos := int(p.odd) + n
	return Path{buf: p.buf[pos/2:], odd: uint8(pos % 2), length: p.length - n}
}

// Equal reports whether two paths have the same length and the same
// nibble sequence, independent of where in the buffer they live or their
// parity.
func (p Path) Equal(other Path) bool {
	if p.length != other.length {
		return false
	}
	n, ok := p.FirstDifferingNibble(other)
	return !ok || n >= p.length
}

// FirstDifferingNibble returns the index of the first nibble at which p
// and other differ. ok is false if one is a prefix of the other (no
// differing nibble was found within the shorter length) — the caller
// should then compare lengths to see which is the prefix.
//
// Runs a byte/word-at-a-time comparison where alignment allows, but must
// correctly handle all four parity combinations (the two paths' odd
// flags need not match).
func (p Path) FirstDifferingNibble(other Path) (int, bool) {
	n := p.length
	if other.length < n {
		n = other.length
	}
	if p.odd == other.odd {
		// Aligned: can compare whole bytes once past any leading half-byte.
		i := 0
		if p.odd == 1 && i < n {
			if p.Get(0) != other.Get(0) {
				return 0, true
			}
			i = 1
		}
		pStart := (int(p.odd) + i) / 2
		oStart := (int(other.odd) + i) / 2
		fullBytes := (n - i) / 2
		for k := 0; k < fullBytes; k++ {
			if p.buf[pStart+k] != other.buf[oStart+k] {
				// Mismatch within this byte — determine which nibble.
				hi1, lo1 := p.buf[pStart+k]>>4, p.buf[pStart+k]&0x0f
				hi2, lo2 := other.buf[oStart+k]>>4, other.buf[oStart+k]&0x0f
				if hi1 != hi2 {
					return i + 2*k, true
				}
				_ = lo1
				_ = lo2
				return i + 2*k + 1, true
			}
		}
		for j := i + 2*fullBytes; j < n; j++ {
			if p.Get(j) != other.Get(j) {
				return j, true
			}
		}
		return 0, false
	}
	// Misaligned parities: fall back to nibble-at-a-time comparison.
	for i := 0; i < n; i++ {
		if p.Get(i) != other.Get(i) {
			return i, true
		}
	}
	return 0, false
}

// CommonPrefixLen returns the number of leading nibbles shared by p and
// other.
func (p Path) CommonPrefixLen(other Path) int {
	idx, ok := p.FirstDifferingNibble(other)
	if !ok {
		if p.length < other.length {
			return p.length
		}
		return other.length
	}
	return idx
}

// AppendNibble returns a new Path with n appended as the last nibble. It
// always allocates a fresh buffer sized for the result, correctly
// reconstructing the boundary byte when the path's own storage ends
// mid-byte.
func (p Path) AppendNibble(n byte) Path {
	n &= 0x0f
	newLen := p.length + 1
	out := make([]byte, (int(p.odd)+newLen+1)/2)
	odd := int(p.odd)
	for i := 0; i < p.length; i++ {
		setNibble(out, odd, i, p.Get(i))
	}
	setNibble(out, odd, p.length, n)
	return Path{buf: out, odd: p.odd, length: newLen}
}

// Append returns a new Path that is the concatenation of p followed by
// other. Always allocates.
func (p Path) Append(other Path) Path {
	newLen := p.length + other.length
	odd := int(p.odd)
	out := make([]byte, (odd+newLen+1)/2)
	for i := 0; i < p.length; i++ {
		setNibble(out, odd, i, p.Get(i))
	}
	for i := 0; i < other.length; i++ {
		setNibble(out, odd, p.length+i, other.Get(i))
	}
	return Path{buf: out, odd: p.odd, length: newLen}
}

func setNibble(buf []byte, odd, i int, v byte) {
	pos := odd + i
	idx := pos / 2
	if pos%2 == 0 {
		buf[idx] = (buf[idx] & 0x0f) | (v << 4)
	} else {
		buf[idx] = (buf[idx] & 0xf0) | (v & 0x0f)
	}
}

// Bytes materialises the path as a new, tightly packed byte slice (odd
// offset 0), suitable for cases that need a plain byte key (e.g. feeding
// Keccak). The result has ⌈length/2⌉ bytes; if length is odd the final
// nibble occupies the high half of the last byte and the low half is 0.
func (p Path) Bytes() []byte {
	out := make([]byte, (p.length+1)/2)
	for i := 0; i < p.length; i++ {
		setNibble(out, 0, i, p.Get(i))
	}
	return out
}

// WriteTo serialises the path into its storage wire form: one length byte
// (low 7 bits = nibble count, top bit reserved and always clear on output)
// followed by ⌈length/2⌉ packed-nibble bytes, always repacked starting at
// nibble offset 0 regardless of the path's own odd flag. Two paths with
// identical nibble sequences therefore produce byte-identical output
// regardless of their underlying buffers, parity, or trailing bits beyond
// length — the wire form never preserves storage-level parity, only the
// logical sequence.
func (p Path) WriteTo() []byte {
	if p.length > MaxLength {
		panic("nibble: length exceeds wire limit")
	}
	dataBytes := (p.length + 1) / 2
	out := make([]byte, 1+dataBytes)
	out[0] = byte(p.length)
	for i := 0; i < p.length; i++ {
		setNibble(out[1:], 0, i, p.Get(i))
	}
	return out
}

// ReadFrom decodes a Path from its wire form, returning the path and the
// number of bytes consumed from buf. The returned path always has odd
// offset 0 — the wire form is canonically packed.
func ReadFrom(buf []byte) (Path, int, error) {
	if len(buf) < 1 {
		return Path{}, 0, fmt.Errorf("nibble: truncated length byte")
	}
	length := int(buf[0] & 0x7f)
	dataBytes := (length + 1) / 2
	if len(buf) < 1+dataBytes {
		return Path{}, 0, fmt.Errorf("nibble: truncated path data: need %d bytes, have %d", dataBytes, len(buf)-1)
	}
	data := make([]byte, dataBytes)
	copy(data, buf[1:1+dataBytes])
	return Path{buf: data, odd: 0, length: length}, 1 + dataBytes, nil
}

// Hash returns a value that depends only on the logical nibble sequence
// of p (not its parity or the contents of trailing unused bits). Two
// equal paths always hash identically; this is an FNV-1a style mix, good
// enough for in-memory map keys and the SlottedArray probe hash.
func (p Path) Hash() uint64 {
	const offset64 = 14695981039346656037
	const prime64 = 1099511628211
	h := uint64(offset64)
	h = (h ^ uint64(p.length)) * prime64
	for i := 0; i < p.length; i++ {
		h = (h ^ uint64(p.Get(i))) * prime64
	}
	return h
}

// String renders the path as a hex string, for debugging.
func (p Path) String() string {
	const hexDigits = "0123456789abcdef"
	out := make([]byte, p.length)
	for i := 0; i < p.length; i++ {
		out[i] = hexDigits[p.Get(i)]
	}
	return string(out)
}
