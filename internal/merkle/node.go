// Package merkle computes the Keccak root hash of paprika's account and
// storage tries directly over the paged store, without ever materialising
// an in-memory node graph: trie nodes are themselves values stored under
// Merkle-typed keys namespaced alongside the data they describe.
package merkle

import (
	"fmt"

	"github.com/gopaprika/paprika/internal/bitset"
	"github.com/gopaprika/paprika/internal/nibble"
)

// Kind identifies a trie node's structural shape.
type Kind uint8

const (
	KindLeaf Kind = iota
	KindExtension
	KindBranch
)

func (k Kind) String() string {
	switch k {
	case KindLeaf:
		return "Leaf"
	case KindExtension:
		return "Extension"
	case KindBranch:
		return "Branch"
	default:
		return fmt.Sprintf("Kind(%d)", k)
	}
}

// header bit layout: top 2 bits select Kind; for Branch, the low two bits
// record which optional trailing fields follow.
const (
	headerKindShift = 6
	headerKindMask  = 0x03 << headerKindShift

	branchFlagHasKeccak         = 1 << 0
	branchFlagHasEmbeddedLeaves = 1 << 1
)

// Node is the decoded form of a trie node, exactly one of Leaf, Extension
// or Branch being meaningful depending on Kind.
type Node struct {
	Kind Kind

	// Leaf, Extension
	Path nibble.Path

	// Branch
	Children   bitset.NibbleSet16
	Keccak     *[32]byte
	Embedded   *EmbeddedLeaves
	Memo       *RlpMemo
}

// NewLeaf builds a Leaf node over the given remaining path.
func NewLeaf(path nibble.Path) Node { return Node{Kind: KindLeaf, Path: path} }

// NewExtension builds an Extension node over the given shared path.
func NewExtension(path nibble.Path) Node { return Node{Kind: KindExtension, Path: path} }

// NewBranch builds an empty Branch node.
func NewBranch() Node { return Node{Kind: KindBranch} }

// EmbeddedLeaves densely packs up to 16 short leaf paths inline in a
// Branch node, indexed by the leaf's own first nibble, to avoid a
// separate page read for children small enough to embed.
type EmbeddedLeaves struct {
	present bitset.NibbleSet16
	paths   []nibble.Path // dense, ordered by NibbleSet16.Index
}

// Get returns the embedded leaf path for child nibble n, if present.
func (e *EmbeddedLeaves) Get(n byte) (nibble.Path, bool) {
	if e == nil || !e.present.Has(n) {
		return nibble.Path{}, false
	}
	return e.paths[e.present.Index(n)], true
}

// With returns a copy of e (or a fresh set, if e is nil) with child nibble
// n's path embedded.
func (e *EmbeddedLeaves) With(n byte, path nibble.Path) *EmbeddedLeaves {
	present := bitset.EmptyNibbleSet
	var old []nibble.Path
	if e != nil {
		present = e.present
		old = e.paths
	}
	if present.Has(n) {
		paths := append([]nibble.Path(nil), old...)
		paths[present.Index(n)] = path
		return &EmbeddedLeaves{present: present, paths: paths}
	}
	idx := present.Index(n)
	paths := make([]nibble.Path, 0, len(old)+1)
	paths = append(paths, old[:idx]...)
	paths = append(paths, path)
	paths = append(paths, old[idx:]...)
	return &EmbeddedLeaves{present: present.With(n), paths: paths}
}

// Without returns a copy of e with child nibble n's embedding removed.
func (e *EmbeddedLeaves) Without(n byte) *EmbeddedLeaves {
	if e == nil || !e.present.Has(n) {
		return e
	}
	idx := e.present.Index(n)
	paths := append([]nibble.Path(nil), e.paths[:idx]...)
	paths = append(paths, e.paths[idx+1:]...)
	out := &EmbeddedLeaves{present: e.present.Without(n), paths: paths}
	if out.present.IsEmpty() {
		return nil
	}
	return out
}

// RlpMemo stores up to 16 memoized child Keccak hashes inline, indexed by
// a NibbleSet16 the same way EmbeddedLeaves indexes paths. MarkPathDirty
// and Delete invalidate a changed child's entry; Compute neither reads nor
// fills it, and it is not part of a node's encoded form.
type RlpMemo struct {
	present bitset.NibbleSet16
	hashes  [][32]byte
}

// Get returns the memoized hash for child nibble n, if present.
func (m *RlpMemo) Get(n byte) ([32]byte, bool) {
	if m == nil || !m.present.Has(n) {
		return [32]byte{}, false
	}
	return m.hashes[m.present.Index(n)], true
}

// With returns a copy of m (or a fresh memo, if m is nil) with child
// nibble n's hash recorded.
func (m *RlpMemo) With(n byte, hash [32]byte) *RlpMemo {
	present := bitset.EmptyNibbleSet
	var old [][32]byte
	if m != nil {
		present = m.present
		old = m.hashes
	}
	if present.Has(n) {
		hashes := append([][32]byte(nil), old...)
		hashes[present.Index(n)] = hash
		return &RlpMemo{present: present, hashes: hashes}
	}
	idx := present.Index(n)
	hashes := make([][32]byte, 0, len(old)+1)
	hashes = append(hashes, old[:idx]...)
	hashes = append(hashes, hash)
	hashes = append(hashes, old[idx:]...)
	return &RlpMemo{present: present.With(n), hashes: hashes}
}

// Invalidate drops any memoized entry for child nibble n — called whenever
// the subtree under n is structurally dirtied.
func (m *RlpMemo) Invalidate(n byte) *RlpMemo {
	if m == nil || !m.present.Has(n) {
		return m
	}
	idx := m.present.Index(n)
	hashes := append([][32]byte(nil), m.hashes[:idx]...)
	hashes = append(hashes, m.hashes[idx+1:]...)
	out := &RlpMemo{present: m.present.Without(n), hashes: hashes}
	if out.present.IsEmpty() {
		return nil
	}
	return out
}

// Encode serialises n into the byte form stored as a Merkle key's value.
func Encode(n Node) []byte {
	switch n.Kind {
	case KindLeaf, KindExtension:
		header := byte(n.Kind) << headerKindShift
		pathBytes := n.Path.WriteTo()
		out := make([]byte, 1, 1+len(pathBytes))
		out[0] = header
		out = append(out, pathBytes...)
		return out
	case KindBranch:
		flags := byte(0)
		if n.Keccak != nil {
			flags |= branchFlagHasKeccak
		}
		if n.Embedded != nil {
			flags |= branchFlagHasEmbeddedLeaves
		}
		header := byte(KindBranch)<<headerKindShift | flags
		out := make([]byte, 1)
		out[0] = header
		out = append(out, byte(n.Children), byte(n.Children>>8))
		if n.Keccak != nil {
			out = append(out, n.Keccak[:]...)
		}
		if n.Embedded != nil {
			out = append(out, byte(n.Embedded.present), byte(n.Embedded.present>>8))
			for _, p := range n.Embedded.paths {
				out = append(out, p.WriteTo()...)
			}
		}
		return out
	default:
		panic(fmt.Sprintf("merkle: invalid node kind %d", n.Kind))
	}
}

// Decode is the inverse of Encode. The RlpMemo field is not part of the
// encoded form, so a decoded node's Memo is always empty; it is an optional
// performance structure rather than part of the node's logical identity.
func Decode(buf []byte) (Node, error) {
	if len(buf) < 1 {
		return Node{}, fmt.Errorf("merkle: truncated node header")
	}
	kind := Kind(buf[0] >> headerKindShift)
	switch kind {
	case KindLeaf, KindExtension:
		p, _, err := nibble.ReadFrom(buf[1:])
		if err != nil {
			return Node{}, fmt.Errorf("merkle: decode %s path: %w", kind, err)
		}
		return Node{Kind: kind, Path: p}, nil
	case KindBranch:
		flags := buf[0] & 0x3f
		if len(buf) < 3 {
			return Node{}, fmt.Errorf("merkle: truncated branch node")
		}
		children := bitset.NibbleSet16(uint16(buf[1]) | uint16(buf[2])<<8)
		pos := 3
		n := Node{Kind: KindBranch, Children: children}
		if flags&branchFlagHasKeccak != 0 {
			if len(buf) < pos+32 {
				return Node{}, fmt.Errorf("merkle: truncated branch keccak")
			}
			var h [32]byte
			copy(h[:], buf[pos:pos+32])
			n.Keccak = &h
			pos += 32
		}
		if flags&branchFlagHasEmbeddedLeaves != 0 {
			if len(buf) < pos+2 {
				return Node{}, fmt.Errorf("merkle: truncated embedded-leaves header")
			}
			present := bitset.NibbleSet16(uint16(buf[pos]) | uint16(buf[pos+1])<<8)
			pos += 2
			paths := make([]nibble.Path, 0, present.Count())
			for i := 0; i < present.Count(); i++ {
				p, consumed, err := nibble.ReadFrom(buf[pos:])
				if err != nil {
					return Node{}, fmt.Errorf("merkle: decode embedded leaf %d: %w", i, err)
				}
				paths = append(paths, p)
				pos += consumed
			}
			n.Embedded = &EmbeddedLeaves{present: present, paths: paths}
		}
		return n, nil
	default:
		return Node{}, fmt.Errorf("merkle: invalid node kind %d", kind)
	}
}
