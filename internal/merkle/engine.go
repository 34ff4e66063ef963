package merkle

import (
	"fmt"

	"golang.org/x/crypto/sha3"

	"github.com/ethereum/go-ethereum/rlp"

	"github.com/gopaprika/paprika/internal/nibble"
	"github.com/gopaprika/paprika/internal/trie"
)

// ValueKind distinguishes the two flavours of leaf a trie built over
// CommitView can terminate in.
type ValueKind int

const (
	ValueKindAccount ValueKind = iota
	ValueKindStorage
)

// Because every key this engine ever indexes is a fixed-length (64-nibble)
// Keccak hash path, two distinct keys routed to the same trie position
// always have equally many nibbles remaining there. That rules out the
// generic Patricia-trie case where one key is a strict prefix of another
// ("value at a branch"), which is why Node carries no branch-level value
// slot and why the algorithms below never need one.

// MarkPathDirty inserts (or confirms) a leaf at path, splitting and
// growing Leaf/Extension/Branch structure as needed, and invalidating the
// memoized Keccak of every Branch whose subtree it structurally changes.
func MarkPathDirty(view CommitView, path nibble.Path) error {
	return markPathDirty(view, nibble.Empty, path)
}

func markPathDirty(view CommitView, pos, remaining nibble.Path) error {
	node, ok, err := view.GetNode(pos)
	if err != nil {
		return err
	}
	if !ok {
		return view.SetNode(pos, NewLeaf(remaining))
	}

	switch node.Kind {
	case KindLeaf:
		matched := node.Path.CommonPrefixLen(remaining)
		if matched == node.Path.Length() {
			// Equal length by the fixed-key invariant above, so this is
			// the same key: nothing structural changes.
			return nil
		}
		branchPos := pos.Append(node.Path.SliceTo(matched))
		branch := NewBranch()

		oldNibble := node.Path.Get(matched)
		oldTail := node.Path.SliceFrom(matched + 1)
		newNibble := remaining.Get(matched)
		newTail := remaining.SliceFrom(matched + 1)
		branch.Children = branch.Children.With(oldNibble).With(newNibble)

		if err := view.SetNode(branchPos.AppendNibble(oldNibble), NewLeaf(oldTail)); err != nil {
			return err
		}
		if err := view.SetNode(branchPos.AppendNibble(newNibble), NewLeaf(newTail)); err != nil {
			return err
		}
		if err := view.SetNode(branchPos, branch); err != nil {
			return err
		}
		if matched > 0 {
			if err := view.SetNode(pos, NewExtension(node.Path.SliceTo(matched))); err != nil {
				return err
			}
		}
		return nil

	case KindExtension:
		matched := node.Path.CommonPrefixLen(remaining)
		if matched == node.Path.Length() {
			return markPathDirty(view, pos.Append(node.Path), remaining.SliceFrom(matched))
		}

		branchPos := pos.Append(node.Path.SliceTo(matched))
		branch := NewBranch()

		oldNibble := node.Path.Get(matched)
		oldTail := node.Path.SliceFrom(matched + 1)
		newNibble := remaining.Get(matched)
		newTail := remaining.SliceFrom(matched + 1)
		branch.Children = branch.Children.With(oldNibble).With(newNibble)

		// The original extension's target (pos.Append(node.Path)) is left
		// untouched; only introduce a shortened extension in front of it
		// when the old nibble doesn't already land exactly there.
		if oldTail.Length() > 0 {
			if err := view.SetNode(branchPos.AppendNibble(oldNibble), NewExtension(oldTail)); err != nil {
				return err
			}
		}
		if err := view.SetNode(branchPos.AppendNibble(newNibble), NewLeaf(newTail)); err != nil {
			return err
		}
		if err := view.SetNode(branchPos, branch); err != nil {
			return err
		}
		if matched > 0 {
			if err := view.SetNode(pos, NewExtension(node.Path.SliceTo(matched))); err != nil {
				return err
			}
		}
		return nil

	case KindBranch:
		if remaining.IsEmpty() {
			return fmt.Errorf("merkle: path terminates exactly at an existing branch")
		}
		n := remaining.Get(0)
		if err := markPathDirty(view, pos.AppendNibble(n), remaining.SliceFrom(1)); err != nil {
			return err
		}
		if !node.Children.Has(n) {
			node.Children = node.Children.With(n)
		}
		node.Keccak = nil
		node.Memo = node.Memo.Invalidate(n)
		return view.SetNode(pos, node)

	default:
		return fmt.Errorf("merkle: invalid node kind %d", node.Kind)
	}
}

// DeleteResult reports the structural effect Delete had at the key's
// enclosing node.
type DeleteResult int

const (
	KeyDoesNotExist DeleteResult = iota
	LeafDeleted
	BranchToLeafOrExtension
	ExtensionToLeaf
	NodeTypePreserved
)

// Delete removes the leaf at path, collapsing a Branch that is left with a
// single child into an Extension or Leaf and merging adjacent Extensions,
// exactly mirroring the structural moves MarkPathDirty makes in reverse.
func Delete(view CommitView, path nibble.Path) (DeleteResult, error) {
	return deleteAt(view, nibble.Empty, path)
}

func deleteAt(view CommitView, pos, remaining nibble.Path) (DeleteResult, error) {
	node, ok, err := view.GetNode(pos)
	if err != nil {
		return KeyDoesNotExist, err
	}
	if !ok {
		return KeyDoesNotExist, nil
	}

	switch node.Kind {
	case KindLeaf:
		if !node.Path.Equal(remaining) {
			return KeyDoesNotExist, nil
		}
		if err := view.DeleteNode(pos); err != nil {
			return KeyDoesNotExist, err
		}
		return LeafDeleted, nil

	case KindExtension:
		matched := node.Path.CommonPrefixLen(remaining)
		if matched < node.Path.Length() {
			return KeyDoesNotExist, nil
		}
		childPos := pos.Append(node.Path)
		res, err := deleteAt(view, childPos, remaining.SliceFrom(matched))
		if err != nil || res == KeyDoesNotExist {
			return res, err
		}

		childNode, exists, err := view.GetNode(childPos)
		if err != nil {
			return KeyDoesNotExist, err
		}
		if !exists {
			// The extension's sole target vanished outright; nothing is
			// left to extend to.
			if err := view.DeleteNode(pos); err != nil {
				return KeyDoesNotExist, err
			}
			return LeafDeleted, nil
		}
		switch childNode.Kind {
		case KindBranch:
			return NodeTypePreserved, nil
		case KindExtension:
			merged := node.Path.Append(childNode.Path)
			if err := view.DeleteNode(childPos); err != nil {
				return KeyDoesNotExist, err
			}
			if err := view.SetNode(pos, NewExtension(merged)); err != nil {
				return KeyDoesNotExist, err
			}
			return NodeTypePreserved, nil
		case KindLeaf:
			merged := node.Path.Append(childNode.Path)
			if err := view.DeleteNode(childPos); err != nil {
				return KeyDoesNotExist, err
			}
			if err := view.SetNode(pos, NewLeaf(merged)); err != nil {
				return KeyDoesNotExist, err
			}
			return ExtensionToLeaf, nil
		}
		return NodeTypePreserved, nil

	case KindBranch:
		if remaining.IsEmpty() {
			return KeyDoesNotExist, nil
		}
		n := remaining.Get(0)
		if !node.Children.Has(n) {
			return KeyDoesNotExist, nil
		}
		childPos := pos.AppendNibble(n)
		res, err := deleteAt(view, childPos, remaining.SliceFrom(1))
		if err != nil || res == KeyDoesNotExist {
			return res, err
		}

		node.Keccak = nil
		node.Memo = node.Memo.Invalidate(n)
		if res != LeafDeleted {
			// The child was restructured in place and still exists.
			if err := view.SetNode(pos, node); err != nil {
				return KeyDoesNotExist, err
			}
			return NodeTypePreserved, nil
		}
		node.Children = node.Children.Without(n)
		node.Embedded = node.Embedded.Without(n)

		if single, ok := node.Children.SingleChild(); ok {
			onlyPos := pos.AppendNibble(single)
			onlyChild, exists, err := view.GetNode(onlyPos)
			if err != nil {
				return KeyDoesNotExist, err
			}
			if !exists {
				return KeyDoesNotExist, fmt.Errorf("merkle: branch's only remaining child missing at %s", onlyPos)
			}
			switch onlyChild.Kind {
			case KindLeaf:
				merged := nibble.Empty.AppendNibble(single).Append(onlyChild.Path)
				if err := view.DeleteNode(onlyPos); err != nil {
					return KeyDoesNotExist, err
				}
				if err := view.DeleteNode(pos); err != nil {
					return KeyDoesNotExist, err
				}
				if err := view.SetNode(pos, NewLeaf(merged)); err != nil {
					return KeyDoesNotExist, err
				}
			case KindExtension:
				merged := nibble.Empty.AppendNibble(single).Append(onlyChild.Path)
				if err := view.DeleteNode(onlyPos); err != nil {
					return KeyDoesNotExist, err
				}
				if err := view.DeleteNode(pos); err != nil {
					return KeyDoesNotExist, err
				}
				if err := view.SetNode(pos, NewExtension(merged)); err != nil {
					return KeyDoesNotExist, err
				}
			case KindBranch:
				if err := view.DeleteNode(pos); err != nil {
					return KeyDoesNotExist, err
				}
				if err := view.SetNode(pos, NewExtension(nibble.Empty.AppendNibble(single))); err != nil {
					return KeyDoesNotExist, err
				}
			}
			return BranchToLeafOrExtension, nil
		}

		if err := view.SetNode(pos, node); err != nil {
			return KeyDoesNotExist, err
		}
		return NodeTypePreserved, nil

	default:
		return KeyDoesNotExist, fmt.Errorf("merkle: invalid node kind %d", node.Kind)
	}
}

// KeccakOrRlp is a node's RLP encoding, inlined directly when shorter than
// 32 bytes and hashed with Keccak otherwise — the same space-saving trick
// Ethereum's own state trie uses to avoid a page round trip for small
// subtrees.
type KeccakOrRlp struct {
	Inline []byte
	Hash   [32]byte
}

// Bytes returns the RLP-list element this reference contributes to its
// parent's encoding.
func (k KeccakOrRlp) Bytes() []byte {
	if k.Inline != nil {
		return k.Inline
	}
	return k.Hash[:]
}

var emptyNodeRLP = []byte{0x80}

func emptyRef() KeccakOrRlp { return KeccakOrRlp{Inline: emptyNodeRLP} }

func wrapRef(enc []byte) KeccakOrRlp {
	if len(enc) < 32 {
		return KeccakOrRlp{Inline: enc}
	}
	return KeccakOrRlp{Hash: keccak256(enc)}
}

func keccak256(b []byte) [32]byte {
	var h [32]byte
	d := sha3.NewLegacyKeccak256()
	d.Write(b)
	d.Sum(h[:0])
	return h
}

// Trie depths at or beyond minimumMemoizeLevel, on a memoizeEvery cadence,
// persist their Keccak hash back into their Branch node so a later Compute
// can skip re-descending into an unchanged subtree.
const (
	minimumMemoizeLevel = 2
	memoizeEvery        = 4
)

func shouldMemoize(depth int) bool {
	return depth >= minimumMemoizeLevel && depth%memoizeEvery == 0
}

// ComputeOptions controls how much of a previously memoized trie Compute
// is willing to trust.
type ComputeOptions struct {
	// SkipCachedInformation makes Compute ignore every memoized Branch
	// Keccak and recompute the whole reference from scratch, re-deriving
	// the tree bottom-up instead of stopping at the first cached hash.
	SkipCachedInformation bool
	// ForceStorageRootHashRecalculation, passed to computeStorageRoots via
	// BeforeCommit, recomputes a touched account's storage root with
	// SkipCachedInformation rather than trusting that account's storage
	// trie's own memoized Branch hashes.
	ForceStorageRootHashRecalculation bool
}

// Compute returns the root reference (inline RLP or Keccak hash) of the
// trie view represents, descending only as far as unmemoized structure
// requires unless opts asks it to ignore the cache.
func Compute(view CommitView, opts ...ComputeOptions) (KeccakOrRlp, error) {
	var o ComputeOptions
	if len(opts) > 0 {
		o = opts[0]
	}
	return compute(view, nibble.Empty, o)
}

func compute(view CommitView, pos nibble.Path, opts ComputeOptions) (KeccakOrRlp, error) {
	node, ok, err := view.GetNode(pos)
	if err != nil {
		return KeccakOrRlp{}, err
	}
	if !ok {
		return emptyRef(), nil
	}

	switch node.Kind {
	case KindLeaf:
		fullPath := pos.Append(node.Path)
		raw, ok, err := view.GetValue(fullPath)
		if err != nil {
			return KeccakOrRlp{}, err
		}
		if !ok {
			return KeccakOrRlp{}, fmt.Errorf("merkle: leaf at %s has no backing value", fullPath)
		}
		valueEncoded, err := encodeLeafValue(view.ValueKind(), raw)
		if err != nil {
			return KeccakOrRlp{}, err
		}
		enc, err := rlp.EncodeToBytes([][]byte{HexPrefix(node.Path, true), valueEncoded})
		if err != nil {
			return KeccakOrRlp{}, err
		}
		return wrapRef(enc), nil

	case KindExtension:
		childRef, err := compute(view, pos.Append(node.Path), opts)
		if err != nil {
			return KeccakOrRlp{}, err
		}
		enc, err := rlp.EncodeToBytes([][]byte{HexPrefix(node.Path, false), childRef.Bytes()})
		if err != nil {
			return KeccakOrRlp{}, err
		}
		return wrapRef(enc), nil

	case KindBranch:
		if node.Keccak != nil && !opts.SkipCachedInformation {
			return KeccakOrRlp{Hash: *node.Keccak}, nil
		}
		children := make([][]byte, 17)
		for n := 0; n < 16; n++ {
			if !node.Children.Has(byte(n)) {
				children[n] = []byte{}
				continue
			}
			ref, err := compute(view, pos.AppendNibble(byte(n)), opts)
			if err != nil {
				return KeccakOrRlp{}, err
			}
			children[n] = ref.Bytes()
		}
		children[16] = []byte{}
		enc, err := rlp.EncodeToBytes(children)
		if err != nil {
			return KeccakOrRlp{}, err
		}
		ref := wrapRef(enc)
		if ref.Inline == nil && shouldMemoize(pos.Length()) && !opts.SkipCachedInformation {
			hash := ref.Hash
			node.Keccak = &hash
			if err := view.SetNode(pos, node); err != nil {
				return KeccakOrRlp{}, err
			}
		}
		return ref, nil

	default:
		return KeccakOrRlp{}, fmt.Errorf("merkle: invalid node kind %d", node.Kind)
	}
}

func encodeLeafValue(kind ValueKind, raw []byte) ([]byte, error) {
	if kind == ValueKindAccount {
		acc, err := trie.DecodeAccount(raw)
		if err != nil {
			return nil, err
		}
		return encodeAccountValue(acc)
	}
	cell, err := trie.DecodeStorageCell(raw)
	if err != nil {
		return nil, err
	}
	return encodeStorageValue(cell)
}
