package pagedb

import (
	"fmt"

	"github.com/gopaprika/paprika/internal/nibble"
	"github.com/gopaprika/paprika/internal/pagestore"
	"github.com/gopaprika/paprika/internal/trie"
)

// DeletedEntry is one Account or StorageCell record a DeleteByPrefix call
// removed, reported so the caller's Merkle commit tracker can mark the
// right trie positions dirty without having to re-derive what used to be
// there.
type DeletedEntry struct {
	Key   trie.Key
	Value []byte
}

// subtreeEntry is an intermediate result: suffix is the entry's path
// relative to the prefix DeleteByPrefix was called with, not yet joined
// to it.
type subtreeEntry struct {
	suffix nibble.Path
	value  []byte
}

func decodeTail(tail []byte) (nibble.Path, error) {
	if len(tail) == 0 {
		return nibble.Empty, nil
	}
	return pagestore.PathFromTail(tail)
}

// DeleteByPrefix removes every Account/StorageCell entry whose path
// begins with prefix — called with a 64-nibble account path, this deletes
// the account record together with every storage cell beneath it in one
// pass, the way dropping an account needs to. Returns what it removed, in
// no particular order, so the caller can retire the corresponding Merkle
// trie positions.
func (b *Batch) DeleteByPrefix(prefix nibble.Path) ([]DeletedEntry, error) {
	if prefix.Length() < pagestore.StorageConsumedNibbles {
		return nil, fmt.Errorf("pagedb: delete-by-prefix: prefix shorter than the fan-out's consumed nibble count")
	}
	raw := pagestore.RawFromPath(prefix)
	root := b.scratchRoot

	l1AddrOld := root.StateTrieFanoutRoot()
	if l1AddrOld.IsNull() {
		return nil, nil
	}
	l1Addr, l1Buf, err := b.EnsureWritable(l1AddrOld)
	if err != nil {
		return nil, err
	}
	if l1Addr != l1AddrOld {
		root.SetStateTrieFanoutRoot(l1Addr)
	}
	l1 := pagestore.WrapFanOutLevel1Page(l1Buf)

	idx := pagestore.ComputeFanOutIndices(raw)
	l2AddrOld := l1.Get(idx.Idx0)
	if l2AddrOld.IsNull() {
		return nil, nil
	}
	l2Addr, l2Buf, err := b.EnsureWritable(l2AddrOld)
	if err != nil {
		return nil, err
	}
	if l2Addr != l2AddrOld {
		l1.Set(idx.Idx0, l2Addr)
	}
	l2 := pagestore.WrapFanOutLevel2Page(l2Buf)

	l3AddrOld := l2.Get(idx.Idx1)
	if l3AddrOld.IsNull() {
		return nil, nil
	}
	l3Addr, l3Buf, err := b.EnsureWritable(l3AddrOld)
	if err != nil {
		return nil, err
	}
	if l3Addr != l3AddrOld {
		l2.Set(idx.Idx1, l3Addr)
	}
	l3 := pagestore.WrapFanOutLevel3Page(l3Buf)

	leafAddrOld := l3.Get(idx)
	if leafAddrOld.IsNull() {
		return nil, nil
	}

	newLeafAddr, matches, err := b.deletePrefixRecursive(leafAddrOld, prefix.SliceFrom(pagestore.StorageConsumedNibbles), nibble.Empty)
	if err != nil {
		return nil, err
	}
	if newLeafAddr != leafAddrOld {
		l3.Set(idx, newLeafAddr)
	}

	out := make([]DeletedEntry, 0, len(matches))
	for _, m := range matches {
		full := prefix.Append(m.suffix)
		typ := trie.StorageCell
		if full.Length() == prefix.Length() {
			typ = trie.Account
		}
		out = append(out, DeletedEntry{Key: trie.Key{Path: full, Type: typ}, Value: m.value})
	}
	return out, nil
}

// deletePrefixRecursive walks addr consuming remaining's nibbles exactly
// like deleteRecursive. Once remaining is exhausted, everything still
// reachable from addr necessarily shares the prefix (the literal nibbles
// consumed to get here match it exactly), so the whole subtree is
// discarded at once. If the next nibble along remaining has no installed
// child, nothing below this page could diverge onto a different path for
// it — any matching entries must be local tails at this very page, found
// by treating the unconsumed remainder as a prefix of the tail.
func (b *Batch) deletePrefixRecursive(addr pagestore.DbAddress, remaining, consumed nibble.Path) (pagestore.DbAddress, []subtreeEntry, error) {
	if addr.IsNull() {
		return addr, nil, nil
	}
	if remaining.IsEmpty() {
		entries, err := b.discardSubtree(addr, consumed)
		if err != nil {
			return 0, nil, err
		}
		return pagestore.NullAddress, entries, nil
	}

	newAddr, buf, err := b.EnsureWritable(addr)
	if err != nil {
		return 0, nil, err
	}
	n := remaining.Get(0)
	switch pagestore.UnmarshalHeader(buf).PageType {
	case pagestore.PageTypeData:
		dp := pagestore.WrapDataPage(buf)
		if dp.HasChild(n) {
			newChildAddr, entries, err := b.deletePrefixRecursive(dp.GetChild(n), remaining.SliceFrom(1), consumed.AppendNibble(n))
			if err != nil {
				return 0, nil, err
			}
			dp.SetChild(n, newChildAddr)
			return newAddr, entries, nil
		}
		entries, err := removeMatchingLocal(dp.Local(), remaining, consumed)
		return newAddr, entries, err
	case pagestore.PageTypeBottom:
		bp := pagestore.WrapBottomPage(buf)
		if bp.HasChild(n) {
			newChildAddr, entries, err := b.deletePrefixRecursive(bp.GetChild(n), remaining.SliceFrom(1), consumed.AppendNibble(n))
			if err != nil {
				return 0, nil, err
			}
			bp.SetChild(n, newChildAddr)
			return newAddr, entries, nil
		}
		entries, err := removeMatchingLocal(bp.Local(), remaining, consumed)
		return newAddr, entries, err
	case pagestore.PageTypeLeafOverflow:
		lo := pagestore.WrapLeafOverflowPage(buf)
		entries, err := removeMatchingLocal(lo.Local(), remaining, consumed)
		return newAddr, entries, err
	default:
		return 0, nil, fmt.Errorf("pagedb: unexpected page type in prefix-delete descent")
	}
}

// removeMatchingLocal scans arr's live entries for tails that start with
// remaining, deletes the ones that match, and reports them relative to
// the prefix-delete's subtree root (consumed.Append(tail)).
func removeMatchingLocal(arr *pagestore.SlottedArray, remaining, consumed nibble.Path) ([]subtreeEntry, error) {
	var out []subtreeEntry
	for _, e := range arr.EnumerateAll() {
		tailPath, err := decodeTail(e.KeyTail)
		if err != nil {
			return nil, err
		}
		if tailPath.Length() < remaining.Length() || !tailPath.SliceTo(remaining.Length()).Equal(remaining) {
			continue
		}
		if !arr.Delete(e.KeyTail) {
			return nil, fmt.Errorf("pagedb: prefix-delete: matched entry vanished mid-scan")
		}
		out = append(out, subtreeEntry{suffix: consumed.Append(tailPath), value: e.Value})
	}
	return out, nil
}

// discardSubtree registers every page reachable from addr for future
// reuse without copy-on-writing any of them — nothing else still
// references this subtree once its parent's pointer is cleared, so there
// is nothing to preserve — and reports every live entry it held, relative
// to the prefix-delete's subtree root.
func (b *Batch) discardSubtree(addr pagestore.DbAddress, consumed nibble.Path) ([]subtreeEntry, error) {
	if addr.IsNull() {
		return nil, nil
	}
	buf := b.db.pageBytes(addr)
	if err := b.RegisterForFutureReuse(addr); err != nil {
		return nil, err
	}

	collect := func(arr *pagestore.SlottedArray) ([]subtreeEntry, error) {
		var out []subtreeEntry
		for _, e := range arr.EnumerateAll() {
			tailPath, err := decodeTail(e.KeyTail)
			if err != nil {
				return nil, err
			}
			out = append(out, subtreeEntry{suffix: consumed.Append(tailPath), value: e.Value})
		}
		return out, nil
	}

	var out []subtreeEntry
	switch pagestore.UnmarshalHeader(buf).PageType {
	case pagestore.PageTypeData:
		dp := pagestore.WrapDataPage(buf)
		entries, err := collect(dp.Local())
		if err != nil {
			return nil, err
		}
		out = append(out, entries...)
		for n := 0; n < 16; n++ {
			if !dp.HasChild(byte(n)) {
				continue
			}
			sub, err := b.discardSubtree(dp.GetChild(byte(n)), consumed.AppendNibble(byte(n)))
			if err != nil {
				return nil, err
			}
			out = append(out, sub...)
		}
	case pagestore.PageTypeBottom:
		bp := pagestore.WrapBottomPage(buf)
		entries, err := collect(bp.Local())
		if err != nil {
			return nil, err
		}
		out = append(out, entries...)
		for n := 0; n < 16; n++ {
			if !bp.HasChild(byte(n)) {
				continue
			}
			sub, err := b.discardSubtree(bp.GetChild(byte(n)), consumed.AppendNibble(byte(n)))
			if err != nil {
				return nil, err
			}
			out = append(out, sub...)
		}
	case pagestore.PageTypeLeafOverflow:
		lo := pagestore.WrapLeafOverflowPage(buf)
		entries, err := collect(lo.Local())
		if err != nil {
			return nil, err
		}
		out = append(out, entries...)
	}
	return out, nil
}
