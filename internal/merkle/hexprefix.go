package merkle

import "github.com/gopaprika/paprika/internal/nibble"

// HexPrefix implements the compact ("hex-prefix") nibble encoding used in
// a Leaf or Extension node's RLP form: a single encoded byte sequence that
// carries both the path's nibbles and a flag distinguishing leaf paths
// (terminated) from extension paths (not), with an odd-length nibble
// folded into the low nibble of the first output byte, beneath the flag
// nibble, instead of padded.
func HexPrefix(path nibble.Path, isLeaf bool) []byte {
	n := path.Length()
	odd := n%2 == 1

	flag := byte(0)
	if isLeaf {
		flag |= 0x02
	}
	if odd {
		flag |= 0x01
	}

	out := make([]byte, 0, 1+(n+1)/2)
	if odd {
		out = append(out, flag<<4|path.Get(0))
		n = 1
	} else {
		out = append(out, flag<<4)
		n = 0
	}
	for i := n; i < path.Length(); i += 2 {
		out = append(out, path.Get(i)<<4|path.Get(i+1))
	}
	return out
}

// DecodeHexPrefix is the inverse of HexPrefix.
func DecodeHexPrefix(buf []byte) (path nibble.Path, isLeaf bool, ok bool) {
	if len(buf) == 0 {
		return nibble.Path{}, false, false
	}
	flag := buf[0] >> 4
	isLeaf = flag&0x02 != 0
	odd := flag&0x01 != 0

	p := nibble.Empty
	if odd {
		p = p.AppendNibble(buf[0] & 0x0f)
	}
	for _, b := range buf[1:] {
		p = p.AppendNibble(b >> 4).AppendNibble(b & 0x0f)
	}
	return p, isLeaf, true
}
