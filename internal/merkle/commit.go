package merkle

import (
	"context"
	"fmt"
	"runtime"
	"sort"

	"github.com/ethereum/go-ethereum/rlp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/gopaprika/paprika/internal/nibble"
	"github.com/gopaprika/paprika/internal/trie"
)

func pathKey(p nibble.Path) string { return string(p.WriteTo()) }

func parallelDegree() int {
	n := runtime.NumCPU() * 2
	if n < 1 {
		n = 1
	}
	return n
}

// CommitTracker records every account and storage write a batch makes, in
// the order the Merkle engine needs to replay them: by account for
// storage, once per account for state.
type CommitTracker struct {
	accountOps map[string]trackedOp
	storageOps map[string][]trackedOp // keyed by account path
	accountPos map[string]nibble.Path
}

type trackedOp struct {
	path    nibble.Path
	deleted bool
}

// NewCommitTracker returns an empty tracker for one batch.
func NewCommitTracker() *CommitTracker {
	return &CommitTracker{
		accountOps: make(map[string]trackedOp),
		storageOps: make(map[string][]trackedOp),
		accountPos: make(map[string]nibble.Path),
	}
}

// TouchAccount records a state-level write (set) or removal (delete) of
// the account at path.
func (t *CommitTracker) TouchAccount(path nibble.Path, deleted bool) {
	k := pathKey(path)
	t.accountOps[k] = trackedOp{path: path, deleted: deleted}
	t.accountPos[k] = path
}

// TouchStorage records a write (set) or removal (delete) of one storage
// cell under accountPath.
func (t *CommitTracker) TouchStorage(accountPath, storagePath nibble.Path, deleted bool) {
	k := pathKey(accountPath)
	t.storageOps[k] = append(t.storageOps[k], trackedOp{path: storagePath, deleted: deleted})
	t.accountPos[k] = accountPath
}

// overlayView buffers node writes in memory instead of applying them to
// parent, so many goroutines can run MarkPathDirty/Delete/Compute
// concurrently against the same underlying batch without racing on its
// shared page-allocation state; the caller merges each overlay back into
// parent, one at a time, once its goroutine finishes.
type overlayView struct {
	parent CommitView
	writes map[string]overlayWrite
}

type overlayWrite struct {
	pos     nibble.Path
	deleted bool
	node    Node
}

func newOverlayView(parent CommitView) *overlayView {
	return &overlayView{parent: parent, writes: make(map[string]overlayWrite)}
}

func (o *overlayView) GetNode(pos nibble.Path) (Node, bool, error) {
	if w, ok := o.writes[pathKey(pos)]; ok {
		if w.deleted {
			return Node{}, false, nil
		}
		return w.node, true, nil
	}
	return o.parent.GetNode(pos)
}

func (o *overlayView) SetNode(pos nibble.Path, n Node) error {
	o.writes[pathKey(pos)] = overlayWrite{pos: pos, node: n}
	return nil
}

func (o *overlayView) DeleteNode(pos nibble.Path) error {
	o.writes[pathKey(pos)] = overlayWrite{pos: pos, deleted: true}
	return nil
}

func (o *overlayView) GetValue(fullPath nibble.Path) ([]byte, bool, error) {
	return o.parent.GetValue(fullPath)
}

func (o *overlayView) ValueKind() ValueKind { return o.parent.ValueKind() }

func (o *overlayView) mergeInto(dst CommitView) error {
	for _, w := range o.writes {
		if w.deleted {
			if err := dst.DeleteNode(w.pos); err != nil {
				return err
			}
			continue
		}
		if err := dst.SetNode(w.pos, w.node); err != nil {
			return err
		}
	}
	return nil
}

// BeforeCommit runs the full pre-commit pipeline against batch: it applies
// every tracked storage write to the account it belongs to, applies every
// tracked state write, touches accounts that only had storage writes,
// recomputes touched accounts' storage roots, and finally computes and
// returns the new state root. opts is optional; its zero value is the
// normal memoized-recompute path.
func BeforeCommit(batch rawBatch, tracker *CommitTracker, opts ...ComputeOptions) ([32]byte, error) {
	var o ComputeOptions
	if len(opts) > 0 {
		o = opts[0]
	}
	stateView := NewAccountTrieView(batch)

	if err := visitStorage(batch, tracker); err != nil {
		return [32]byte{}, err
	}
	if err := visitState(stateView, tracker); err != nil {
		return [32]byte{}, err
	}
	touched, err := touchAccounts(stateView, tracker)
	if err != nil {
		return [32]byte{}, err
	}
	if err := computeStorageRoots(batch, tracker, touched, o); err != nil {
		return [32]byte{}, err
	}

	ref, err := ComputeStateRootParallel(stateView, o)
	if err != nil {
		return [32]byte{}, err
	}
	// The committed root pointer is always a full 32-byte hash, the same
	// way a touched account's storage root is in computeStorageRoots,
	// even though a sparse trie's own RLP may be short enough to inline.
	if ref.Inline != nil {
		return keccak256(ref.Inline), nil
	}
	return ref.Hash, nil
}

// visitStorage partitions the batch's per-account storage writes into at
// most parallelDegree() groups and replays each account's ops on a
// prefixed commit view namespaced under that account, several accounts at
// a time.
func visitStorage(batch rawBatch, tracker *CommitTracker) error {
	accounts := make([]string, 0, len(tracker.storageOps))
	for k := range tracker.storageOps {
		accounts = append(accounts, k)
	}
	sort.Strings(accounts)

	parts := partitionStrings(accounts, parallelDegree())
	g, ctx := errgroup.WithContext(context.Background())
	sem := semaphore.NewWeighted(int64(parallelDegree()))

	type result struct {
		accountKey string
		overlay    *overlayView
	}
	results := make([]result, len(accounts))
	resultIdx := make(map[string]int, len(accounts))
	for i, k := range accounts {
		resultIdx[k] = i
	}

	for _, group := range parts {
		group := group
		if err := sem.Acquire(ctx, 1); err != nil {
			return err
		}
		g.Go(func() error {
			defer sem.Release(1)
			for _, accountKey := range group {
				accountPath := tracker.accountPos[accountKey]
				base := NewStorageTrieView(batch, accountPath)
				overlay := newOverlayView(base)
				for _, op := range tracker.storageOps[accountKey] {
					var err error
					if op.deleted {
						_, err = Delete(overlay, op.path)
					} else {
						err = MarkPathDirty(overlay, op.path)
					}
					if err != nil {
						return fmt.Errorf("merkle: storage trie for account %x: %w", accountPath.Bytes(), err)
					}
				}
				results[resultIdx[accountKey]] = result{accountKey: accountKey, overlay: overlay}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, r := range results {
		if r.overlay == nil {
			continue
		}
		accountPath := tracker.accountPos[r.accountKey]
		dst := NewStorageTrieView(batch, accountPath)
		if err := r.overlay.mergeInto(dst); err != nil {
			return err
		}
	}
	return nil
}

// visitState applies every tracked state-level write directly (state
// writes are rare relative to storage writes within one batch, so this
// stage is not worth parallelising).
func visitState(stateView CommitView, tracker *CommitTracker) error {
	keys := make([]string, 0, len(tracker.accountOps))
	for k := range tracker.accountOps {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		op := tracker.accountOps[k]
		if op.deleted {
			if _, err := Delete(stateView, op.path); err != nil {
				return err
			}
			continue
		}
		if err := MarkPathDirty(stateView, op.path); err != nil {
			return err
		}
	}
	return nil
}

// touchAccounts dirties the state leaf of any account that had storage
// writes but no state write of its own, so its storage root gets
// refreshed, and returns the full set of accounts whose storage root
// needs recomputing.
func touchAccounts(stateView CommitView, tracker *CommitTracker) ([]nibble.Path, error) {
	touched := make(map[string]nibble.Path)
	for k, path := range tracker.accountPos {
		if _, hasStorage := tracker.storageOps[k]; !hasStorage {
			continue
		}
		if op, hasState := tracker.accountOps[k]; hasState && op.deleted {
			continue // deleted accounts have no storage root to recompute
		}
		touched[k] = path
		if _, hasState := tracker.accountOps[k]; !hasState {
			if err := MarkPathDirty(stateView, path); err != nil {
				return nil, err
			}
		}
	}
	out := make([]nibble.Path, 0, len(touched))
	keys := make([]string, 0, len(touched))
	for k := range touched {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, touched[k])
	}
	return out, nil
}

// computeStorageRoots recomputes and writes back the storage root of every
// touched account. When opts.ForceStorageRootHashRecalculation is set, each
// account's storage trie is recomputed with SkipCachedInformation, ignoring
// any memoized Branch hashes already sitting in that storage trie.
func computeStorageRoots(batch rawBatch, tracker *CommitTracker, touched []nibble.Path, opts ComputeOptions) error {
	storageOpts := ComputeOptions{}
	if opts.ForceStorageRootHashRecalculation {
		storageOpts.SkipCachedInformation = true
	}
	for _, accountPath := range touched {
		raw, ok, err := batch.GetRaw(trie.NewAccountKey(accountPath))
		if err != nil {
			return err
		}
		if !ok {
			continue // account itself was deleted in this same batch
		}
		acc, err := trie.DecodeAccount(raw)
		if err != nil {
			return err
		}
		storageView := NewStorageTrieView(batch, accountPath)
		ref, err := Compute(storageView, storageOpts)
		if err != nil {
			return err
		}
		// An account's StorageRoot field is always a full 32-byte Keccak
		// hash, even when the root node's own RLP happened to be short
		// enough to inline elsewhere in the trie.
		root := ref.Hash
		if ref.Inline != nil {
			root = keccak256(ref.Inline)
		}
		acc = acc.WithChangedStorageRoot(root)
		if err := batch.SetRaw(trie.NewAccountKey(accountPath), trie.EncodeAccount(acc)); err != nil {
			return err
		}
	}
	return nil
}

// ComputeStateRootParallel computes the state trie's root, fanning the
// direct children of the root Branch out across parallelDegree() workers
// when the root is one; a Leaf/Extension/empty root is cheap enough to
// compute directly. opts is optional; its zero value is the normal
// memoized-recompute path.
func ComputeStateRootParallel(view CommitView, opts ...ComputeOptions) (KeccakOrRlp, error) {
	var o ComputeOptions
	if len(opts) > 0 {
		o = opts[0]
	}
	node, ok, err := view.GetNode(nibble.Empty)
	if err != nil {
		return KeccakOrRlp{}, err
	}
	if !ok {
		return emptyRef(), nil
	}
	if node.Kind != KindBranch {
		return compute(view, nibble.Empty, o)
	}
	if node.Keccak != nil && !o.SkipCachedInformation {
		return KeccakOrRlp{Hash: *node.Keccak}, nil
	}

	children := make([][]byte, 17)
	children[16] = []byte{}
	overlays := make([]*overlayView, 16)

	g, ctx := errgroup.WithContext(context.Background())
	sem := semaphore.NewWeighted(int64(parallelDegree()))
	for n := 0; n < 16; n++ {
		n := n
		if !node.Children.Has(byte(n)) {
			children[n] = []byte{}
			continue
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			return KeccakOrRlp{}, err
		}
		g.Go(func() error {
			defer sem.Release(1)
			overlay := newOverlayView(view)
			ref, err := compute(overlay, nibble.Empty.AppendNibble(byte(n)), o)
			if err != nil {
				return err
			}
			children[n] = ref.Bytes()
			overlays[n] = overlay
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return KeccakOrRlp{}, err
	}
	for _, overlay := range overlays {
		if overlay == nil {
			continue
		}
		if err := overlay.mergeInto(view); err != nil {
			return KeccakOrRlp{}, err
		}
	}

	enc, err := rlp.EncodeToBytes(children)
	if err != nil {
		return KeccakOrRlp{}, err
	}
	return wrapRef(enc), nil
}

// partitionStrings splits items into at most parts roughly-equal groups,
// preserving order, matching spec's "~1/(2*CPU)-sized work batches"
// sizing rather than one goroutine per item.
func partitionStrings(items []string, parts int) [][]string {
	if len(items) == 0 {
		return nil
	}
	if parts > len(items) {
		parts = len(items)
	}
	if parts < 1 {
		parts = 1
	}
	out := make([][]string, 0, parts)
	base := len(items) / parts
	rem := len(items) % parts
	i := 0
	for p := 0; p < parts; p++ {
		size := base
		if p < rem {
			size++
		}
		out = append(out, items[i:i+size])
		i += size
	}
	return out
}
