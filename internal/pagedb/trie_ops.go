package pagedb

import (
	"fmt"

	"github.com/gopaprika/paprika/internal/nibble"
	"github.com/gopaprika/paprika/internal/pagestore"
	"github.com/gopaprika/paprika/internal/paprikaerrors"
	"github.com/gopaprika/paprika/internal/trie"
)

// routeKey picks the fan-out routing value and the path to descend with
// once a leaf is reached. Account and StorageCell keys are always at least
// StorageConsumedNibbles long (they carry a full 64-nibble hash), so the
// classic literal-prefix routing applies and the prefix is dropped before
// descent, exactly as the three fan-out levels already consumed it. Merkle
// keys have no such length floor — they name a trie node at any depth, so
// they route by a hash of their complete encoding and descend with their
// whole path; see RawFromKeyBytes for why a literal prefix can't be reused
// here.
func routeKey(key trie.Key) (raw uint32, descend nibble.Path, err error) {
	if key.Type == trie.Merkle {
		return pagestore.RawFromKeyBytes(trie.EncodeStoreKey(key)), key.Path, nil
	}
	if key.Path.Length() < pagestore.StorageConsumedNibbles {
		return 0, nibble.Path{}, fmt.Errorf("pagedb: key path shorter than the fan-out's consumed nibble count")
	}
	return pagestore.RawFromPath(key.Path), key.Path.SliceFrom(pagestore.StorageConsumedNibbles), nil
}

// SetRaw stores value under key, descending (and growing, copy-on-write)
// the fan-out chain and the DataPage/BottomPage/LeafOverflowPage trie
// beneath it as needed.
func (b *Batch) SetRaw(key trie.Key, value []byte) error {
	raw, descend, err := routeKey(key)
	if err != nil {
		return err
	}
	leafAddr, err := b.resolveLeafForWrite(raw)
	if err != nil {
		return err
	}
	if _, err := b.setRecursive(leafAddr, descend, value, 0); err != nil {
		return err
	}
	return nil
}

// GetRaw looks up key, observing every write already made in this batch.
func (b *Batch) GetRaw(key trie.Key) ([]byte, bool, error) {
	raw, descend, err := routeKey(key)
	if err != nil {
		return nil, false, err
	}
	leafAddr, ok := resolveLeafForRead(b.db.pageBytes, b.scratchRoot, raw)
	if !ok {
		return nil, false, nil
	}
	v, found := getFromChain(b.db.pageBytes, leafAddr, descend)
	return v, found, nil
}

// GetRaw looks up key as of this snapshot's pinned root.
func (r *ReadOnlyBatch) GetRaw(key trie.Key) ([]byte, bool, error) {
	raw, descend, err := routeKey(key)
	if err != nil {
		return nil, false, err
	}
	leafAddr, ok := resolveLeafForRead(r.ReadPage, r.Root(), raw)
	if !ok {
		return nil, false, nil
	}
	v, found := getFromChain(r.ReadPage, leafAddr, descend)
	return v, found, nil
}

// DeleteRaw removes key if present, copy-on-writing every page on the path
// to it — the three fan-out levels and the leaf DataPage/BottomPage tree
// beneath them — and rewriting each parent's pointer so the commit's new
// root actually reaches the edit. It is a no-op if the fan-out leaf for
// key was never created.
func (b *Batch) DeleteRaw(key trie.Key) error {
	raw, descend, err := routeKey(key)
	if err != nil {
		return err
	}
	_, ok, err := b.cowLeafForDelete(raw, descend)
	if err != nil || !ok {
		return err
	}
	return nil
}

// cowLeafForDelete walks the three fan-out levels rooted at the batch's
// scratch root, copy-on-writing each one it actually finds (never
// creating a missing link — nothing to delete through a link that was
// never written) and rewriting the parent pointer whenever EnsureWritable
// hands back a new address, exactly as resolveLeafForWrite does for
// writes. It deletes descend from the leaf it reaches and rewrites the
// leaf's own parent pointer (the level-3 fan-out slot) the same way.
// Returns ok=false the moment a link is missing.
func (b *Batch) cowLeafForDelete(raw uint32, descend nibble.Path) (pagestore.DbAddress, bool, error) {
	root := b.scratchRoot

	l1AddrOld := root.StateTrieFanoutRoot()
	if l1AddrOld.IsNull() {
		return 0, false, nil
	}
	l1Addr, l1Buf, err := b.EnsureWritable(l1AddrOld)
	if err != nil {
		return 0, false, err
	}
	if l1Addr != l1AddrOld {
		root.SetStateTrieFanoutRoot(l1Addr)
	}
	l1 := pagestore.WrapFanOutLevel1Page(l1Buf)

	idx := pagestore.ComputeFanOutIndices(raw)
	l2AddrOld := l1.Get(idx.Idx0)
	if l2AddrOld.IsNull() {
		return 0, false, nil
	}
	l2Addr, l2Buf, err := b.EnsureWritable(l2AddrOld)
	if err != nil {
		return 0, false, err
	}
	if l2Addr != l2AddrOld {
		l1.Set(idx.Idx0, l2Addr)
	}
	l2 := pagestore.WrapFanOutLevel2Page(l2Buf)

	l3AddrOld := l2.Get(idx.Idx1)
	if l3AddrOld.IsNull() {
		return 0, false, nil
	}
	l3Addr, l3Buf, err := b.EnsureWritable(l3AddrOld)
	if err != nil {
		return 0, false, err
	}
	if l3Addr != l3AddrOld {
		l2.Set(idx.Idx1, l3Addr)
	}
	l3 := pagestore.WrapFanOutLevel3Page(l3Buf)

	leafAddrOld := l3.Get(idx)
	if leafAddrOld.IsNull() {
		return 0, false, nil
	}
	newLeafAddr, err := b.deleteRecursive(leafAddrOld, descend)
	if err != nil {
		return 0, false, err
	}
	if newLeafAddr != leafAddrOld {
		l3.Set(idx, newLeafAddr)
	}
	return newLeafAddr, true, nil
}

// deleteRecursive mirrors setRecursive: copy-on-write the page at addr,
// remove the key tail from it (or descend further), and return the
// (possibly new) address for the caller to install in its own parent
// pointer. It always copy-on-writes the page it touches, even when the key
// turns out not to be present in it.
func (b *Batch) deleteRecursive(addr pagestore.DbAddress, path nibble.Path) (pagestore.DbAddress, error) {
	newAddr, buf, err := b.EnsureWritable(addr)
	if err != nil {
		return 0, err
	}
	switch pagestore.UnmarshalHeader(buf).PageType {
	case pagestore.PageTypeData:
		dp := pagestore.WrapDataPage(buf)
		if path.IsEmpty() {
			dp.Local().Delete(nil)
			return newAddr, nil
		}
		n := path.Get(0)
		if dp.HasChild(n) {
			childAddr := dp.GetChild(n)
			newChildAddr, err := b.deleteRecursive(childAddr, path.SliceFrom(1))
			if err != nil {
				return 0, err
			}
			if newChildAddr != childAddr {
				dp.SetChild(n, newChildAddr)
			}
			return newAddr, nil
		}
		dp.Local().Delete(pagestore.TailFor(path))
		return newAddr, nil
	case pagestore.PageTypeBottom:
		bp := pagestore.WrapBottomPage(buf)
		if path.IsEmpty() {
			bp.Local().Delete(nil)
			return newAddr, nil
		}
		n := path.Get(0)
		if bp.HasChild(n) {
			childAddr := bp.GetChild(n)
			newChildAddr, err := b.deleteRecursive(childAddr, path.SliceFrom(1))
			if err != nil {
				return 0, err
			}
			if newChildAddr != childAddr {
				bp.SetChild(n, newChildAddr)
			}
			return newAddr, nil
		}
		bp.Local().Delete(pagestore.TailFor(path))
		return newAddr, nil
	case pagestore.PageTypeLeafOverflow:
		lo := pagestore.WrapLeafOverflowPage(buf)
		lo.Local().Delete(pagestore.TailFor(path))
		return newAddr, nil
	default:
		return 0, fmt.Errorf("pagedb: unexpected page type in trie descent")
	}
}

// resolveLeafForWrite walks (creating, copy-on-write, as needed) the three
// fan-out levels rooted at the batch's scratch root, returning the address
// of the writable leaf DataPage for raw.
func (b *Batch) resolveLeafForWrite(raw uint32) (pagestore.DbAddress, error) {
	idx := pagestore.ComputeFanOutIndices(raw)
	root := b.scratchRoot

	l1Addr, l1Buf, err := b.ensureChildLevel(root.StateTrieFanoutRoot, root.SetStateTrieFanoutRoot, pagestore.PageTypeFanOutLevel1, func(buf []byte, batchID uint32) {
		pagestore.InitFanOutLevel1Page(buf, batchID)
	})
	if err != nil {
		return 0, err
	}
	l1 := pagestore.WrapFanOutLevel1Page(l1Buf)

	l2Addr, l2Buf, err := b.ensureChildLevel(
		func() pagestore.DbAddress { return l1.Get(idx.Idx0) },
		func(a pagestore.DbAddress) { l1.Set(idx.Idx0, a) },
		pagestore.PageTypeFanOutLevel2,
		func(buf []byte, batchID uint32) { pagestore.InitFanOutLevel2Page(buf, batchID) },
	)
	if err != nil {
		return 0, err
	}
	_ = l1Addr
	l2 := pagestore.WrapFanOutLevel2Page(l2Buf)

	l3Addr, l3Buf, err := b.ensureChildLevel(
		func() pagestore.DbAddress { return l2.Get(idx.Idx1) },
		func(a pagestore.DbAddress) { l2.Set(idx.Idx1, a) },
		pagestore.PageTypeFanOutLevel3,
		func(buf []byte, batchID uint32) { pagestore.InitFanOutLevel3Page(buf, batchID) },
	)
	if err != nil {
		return 0, err
	}
	_ = l2Addr
	l3 := pagestore.WrapFanOutLevel3Page(l3Buf)

	leafAddr, _, err := b.ensureChildLevel(
		func() pagestore.DbAddress { return l3.Get(idx) },
		func(a pagestore.DbAddress) { l3.Set(idx, a) },
		pagestore.PageTypeData,
		func(buf []byte, batchID uint32) { pagestore.InitDataPage(buf, batchID) },
	)
	if err != nil {
		return 0, err
	}
	_ = l3Addr
	return leafAddr, nil
}

// ensureChildLevel fetches the address an accessor pair refers to,
// allocating and initialising a fresh page via initFn if unset, or
// copy-on-writing the existing page into the current batch and updating
// the accessor if it was last written by an earlier one.
func (b *Batch) ensureChildLevel(
	getAddr func() pagestore.DbAddress,
	setAddr func(pagestore.DbAddress),
	pt pagestore.PageType,
	initFn func(buf []byte, batchID uint32),
) (pagestore.DbAddress, []byte, error) {
	addr := getAddr()
	if addr.IsNull() {
		a, buf, err := b.GetNewPage(pt, true)
		if err != nil {
			return 0, nil, err
		}
		initFn(buf, b.batchID)
		setAddr(a)
		return a, buf, nil
	}
	newAddr, buf, err := b.EnsureWritable(addr)
	if err != nil {
		return 0, nil, err
	}
	if newAddr != addr {
		setAddr(newAddr)
	}
	return newAddr, buf, nil
}

// resolveLeafForRead walks the fan-out chain rooted at root without ever
// allocating, returning ok=false the moment a link is missing.
func resolveLeafForRead(readPage func(pagestore.DbAddress) []byte, root *pagestore.RootPage, raw uint32) (pagestore.DbAddress, bool) {
	idx := pagestore.ComputeFanOutIndices(raw)

	l1Addr := root.StateTrieFanoutRoot()
	if l1Addr.IsNull() {
		return 0, false
	}
	l1 := pagestore.WrapFanOutLevel1Page(readPage(l1Addr))

	l2Addr := l1.Get(idx.Idx0)
	if l2Addr.IsNull() {
		return 0, false
	}
	l2 := pagestore.WrapFanOutLevel2Page(readPage(l2Addr))

	l3Addr := l2.Get(idx.Idx1)
	if l3Addr.IsNull() {
		return 0, false
	}
	l3 := pagestore.WrapFanOutLevel3Page(readPage(l3Addr))

	leafAddr := l3.Get(idx)
	if leafAddr.IsNull() {
		return 0, false
	}
	return leafAddr, true
}

// dataPageFanoutDepthLimit is how many DataPage hops below a fan-out leaf
// still spill into a fresh 16-way DataPage. Beyond it, a spill installs a
// BottomPage instead — fan-out stops paying for itself once a subtree has
// thinned out this much, per BottomPage's own "used at the fringe of the
// trie" role (spec.md §4.3). See DESIGN.md's Open Question log.
const dataPageFanoutDepthLimit = 4

// spillChildPageType picks the page type a DataPage spill installs for a
// child at depth (the depth the new child itself will sit at).
func spillChildPageType(depth int) pagestore.PageType {
	if depth >= dataPageFanoutDepthLimit {
		return pagestore.PageTypeBottom
	}
	return pagestore.PageTypeData
}

// setRecursive copy-on-writes the page at addr, applies the set to it
// according to its page type, and returns the (possibly new) address the
// caller must install in its own, already-writable, parent pointer. depth
// counts DataPage/BottomPage hops below the fan-out leaf, used to decide
// when a spill should thin fan-out down to a BottomPage.
func (b *Batch) setRecursive(addr pagestore.DbAddress, path nibble.Path, value []byte, depth int) (pagestore.DbAddress, error) {
	newAddr, buf, err := b.EnsureWritable(addr)
	if err != nil {
		return 0, err
	}
	switch pagestore.UnmarshalHeader(buf).PageType {
	case pagestore.PageTypeData:
		if err := b.setInData(pagestore.WrapDataPage(buf), path, value, depth); err != nil {
			return 0, err
		}
	case pagestore.PageTypeBottom:
		if err := b.setInBottom(pagestore.WrapBottomPage(buf), path, value); err != nil {
			return 0, err
		}
	case pagestore.PageTypeLeafOverflow:
		lo := pagestore.WrapLeafOverflowPage(buf)
		if !lo.Local().TrySet(pagestore.TailFor(path), value) {
			return 0, fmt.Errorf("pagedb: leaf overflow page full: %w", paprikaerrors.ErrOutOfSpace)
		}
	default:
		return 0, fmt.Errorf("pagedb: unexpected page type in trie descent")
	}
	return newAddr, nil
}

// setInData applies the descend/try-local/spill algorithm to a writable
// DataPage. When local overflow persists and the nibble being descended to
// still lacks a child, the final fallback spills straight into a
// LeafOverflowPage rather than trying yet another DataPage (spec.md §4.3
// step 4: "convert into a deeper structure by spilling to a
// LeafOverflowPage").
func (b *Batch) setInData(dp *pagestore.DataPage, path nibble.Path, value []byte, depth int) error {
	if path.IsEmpty() {
		if dp.Local().TrySet(nil, value) {
			return nil
		}
		return fmt.Errorf("pagedb: data page empty-key slot full: %w", paprikaerrors.ErrOutOfSpace)
	}
	n := path.Get(0)
	if dp.HasChild(n) {
		childAddr := dp.GetChild(n)
		newChildAddr, err := b.setRecursive(childAddr, path.SliceFrom(1), value, depth+1)
		if err != nil {
			return err
		}
		if newChildAddr != childAddr {
			dp.SetChild(n, newChildAddr)
		}
		return nil
	}
	tail := pagestore.TailFor(path)
	if dp.Local().TrySet(tail, value) {
		return nil
	}
	for attempt := 0; attempt < 16; attempt++ {
		hn, _, ok := dp.HeaviestNibble()
		if !ok || dp.HasChild(hn) {
			break
		}
		childAddr, childBuf, err := b.GetNewPage(spillChildPageType(depth+1), true)
		if err != nil {
			return err
		}
		var childLocal *pagestore.SlottedArray
		switch spillChildPageType(depth + 1) {
		case pagestore.PageTypeBottom:
			childLocal = pagestore.InitBottomPage(childBuf, b.batchID).Local()
		default:
			childLocal = pagestore.InitDataPage(childBuf, b.batchID).Local()
		}
		dp.SpillNibbleToArray(hn, childLocal)
		dp.SetChild(hn, childAddr)
		if hn == n {
			newChildAddr, err := b.setRecursive(dp.GetChild(n), path.SliceFrom(1), value, depth+1)
			if err != nil {
				return err
			}
			if newChildAddr != dp.GetChild(n) {
				dp.SetChild(n, newChildAddr)
			}
			return nil
		}
		if dp.Local().TrySet(tail, value) {
			return nil
		}
	}
	if dp.HasChild(n) {
		return fmt.Errorf("pagedb: data page would not stop overflowing: %w", paprikaerrors.ErrOutOfSpace)
	}
	loAddr, loBuf, err := b.GetNewPage(pagestore.PageTypeLeafOverflow, true)
	if err != nil {
		return err
	}
	lo := pagestore.InitLeafOverflowPage(loBuf, b.batchID)
	dp.SpillNibbleToArray(n, lo.Local())
	if !lo.Local().TrySet(pagestore.TailFor(path.SliceFrom(1)), value) {
		return fmt.Errorf("pagedb: leaf overflow page full while absorbing data page overflow: %w", paprikaerrors.ErrOutOfSpace)
	}
	dp.SetChild(n, loAddr)
	return nil
}

// setInBottom mirrors setInData for the 2-way BottomPage fan-out. It never
// spills into another BottomPage or DataPage — BottomPage is already the
// fan-out-has-stopped-paying-off page type — so local overflow converts
// the overflowing half straight into a LeafOverflowPage instead.
func (b *Batch) setInBottom(bp *pagestore.BottomPage, path nibble.Path, value []byte) error {
	if path.IsEmpty() {
		if bp.Local().TrySet(nil, value) {
			return nil
		}
		return fmt.Errorf("pagedb: bottom page empty-key slot full: %w", paprikaerrors.ErrOutOfSpace)
	}
	n := path.Get(0)
	if bp.HasChild(n) {
		childAddr := bp.GetChild(n)
		newChildAddr, err := b.setRecursive(childAddr, path.SliceFrom(1), value, dataPageFanoutDepthLimit)
		if err != nil {
			return err
		}
		if newChildAddr != childAddr {
			bp.SetChild(n, newChildAddr)
		}
		return nil
	}
	tail := pagestore.TailFor(path)
	if bp.Local().TrySet(tail, value) {
		return nil
	}
	loAddr, loBuf, err := b.GetNewPage(pagestore.PageTypeLeafOverflow, true)
	if err != nil {
		return err
	}
	lo := pagestore.InitLeafOverflowPage(loBuf, b.batchID)
	bp.SpillHalfTo(n, lo.Local())
	if !lo.Local().TrySet(pagestore.TailFor(path.SliceFrom(1)), value) {
		return fmt.Errorf("pagedb: leaf overflow page full while absorbing bottom page overflow: %w", paprikaerrors.ErrOutOfSpace)
	}
	bp.SetChild(n, loAddr)
	return nil
}

// getFromChain is the read-only counterpart of setRecursive/setInData,
// shared by Batch.GetRaw (reading its own uncommitted writes) and
// ReadOnlyBatch.GetRaw (reading a pinned snapshot).
func getFromChain(readPage func(pagestore.DbAddress) []byte, addr pagestore.DbAddress, path nibble.Path) ([]byte, bool) {
	if addr.IsNull() {
		return nil, false
	}
	buf := readPage(addr)
	switch pagestore.UnmarshalHeader(buf).PageType {
	case pagestore.PageTypeData:
		dp := pagestore.WrapDataPage(buf)
		if path.IsEmpty() {
			return dp.Local().TryGet(nil)
		}
		n := path.Get(0)
		if dp.HasChild(n) {
			return getFromChain(readPage, dp.GetChild(n), path.SliceFrom(1))
		}
		return dp.Local().TryGet(pagestore.TailFor(path))
	case pagestore.PageTypeBottom:
		bp := pagestore.WrapBottomPage(buf)
		if path.IsEmpty() {
			return bp.Local().TryGet(nil)
		}
		n := path.Get(0)
		if bp.HasChild(n) {
			return getFromChain(readPage, bp.GetChild(n), path.SliceFrom(1))
		}
		return bp.Local().TryGet(pagestore.TailFor(path))
	case pagestore.PageTypeLeafOverflow:
		lo := pagestore.WrapLeafOverflowPage(buf)
		return lo.Local().TryGet(pagestore.TailFor(path))
	default:
		return nil, false
	}
}
