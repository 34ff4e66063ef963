// Package paprika is a persistent, copy-on-write, page-structured storage
// engine for an Ethereum-style authenticated state trie. It wires three
// internal layers into one embeddable database:
//
//   - internal/pagedb: a COW paged store with a fixed-depth root ring,
//     reachable through a radix-16 fan-out keyed by Keccak account and
//     storage-slot hashes.
//   - internal/merkle: the Merkle Patricia trie built on top of pagedb's
//     raw key/value space, computing state roots and recomputing touched
//     accounts' storage roots before every commit.
//   - internal/multihead: a concurrent facade letting several proposed
//     chains of commits exist in memory before a single background
//     finalizer serializes them into pagedb FIFO.
//
// # Basic usage
//
//	db, _ := paprika.Open("chain.db", 1<<30, 64)
//	defer db.Close()
//
//	batch := db.BeginNextBatch()
//	batch.SetAccount(accountPath, trie.Account{Balance: big1, Nonce: 1})
//	batch.SetStorage(accountPath, slotPath, []byte{0x2a})
//	stateHash, _ := batch.Commit(pagedb.FlushDataAndRoot)
//
//	reader, _ := db.BeginReadOnlyBatch(&stateHash)
//	defer reader.Release()
//	value, ok, _ := reader.GetAccount(accountPath)
//
// # Multiple concurrent chains
//
//	chain := db.OpenMultiHeadChain()
//	defer chain.Close()
//	head := chain.Begin(parentStateHash)
//	head.SetAccount(accountPath, acct)
//	newHash, _ := head.Commit(blockNumber)
//	chain.Finalize(newHash)
package paprika

import (
	"fmt"

	"github.com/gopaprika/paprika/internal/merkle"
	"github.com/gopaprika/paprika/internal/multihead"
	"github.com/gopaprika/paprika/internal/nibble"
	"github.com/gopaprika/paprika/internal/pagedb"
	"github.com/gopaprika/paprika/internal/pagestore"
	"github.com/gopaprika/paprika/internal/trie"
)

// CommitOptions selects how durably a commit is flushed. FlushDataOnly
// only schedules write-back and returns without waiting, so nothing is yet
// durable; FlushDataAndRoot waits for the data pages and the root ring
// slot to be written back, making the commit survive a crash.
type CommitOptions = pagedb.CommitOptions

const (
	FlushDataOnly    = pagedb.FlushDataOnly
	FlushDataAndRoot = pagedb.FlushDataAndRoot
)

// Account is the decoded form of an account record.
type Account = trie.Account

// Db is a paprika database: a PagedDb plus the bookkeeping needed to run
// the Merkle engine's pre-commit pipeline over every batch.
type Db struct {
	inner *pagedb.PagedDb
}

// Open opens (or creates) a file-backed Db of sizeBytes with a root ring
// historyDepth roots deep.
func Open(path string, sizeBytes int64, historyDepth uint32) (*Db, error) {
	inner, err := pagedb.Open(path, sizeBytes, historyDepth)
	if err != nil {
		return nil, err
	}
	return &Db{inner: inner}, nil
}

// NativeMemory opens an anonymous-memory-backed Db, useful for tests and
// ephemeral chains that need no on-disk persistence.
func NativeMemory(sizeBytes int64, historyDepth uint32) (*Db, error) {
	inner, err := pagedb.NativeMemory(sizeBytes, historyDepth)
	if err != nil {
		return nil, err
	}
	return &Db{inner: inner}, nil
}

// Close releases the Db's backing resources.
func (db *Db) Close() error { return db.inner.Close() }

// HasState reports whether stateHash is still present in the root ring.
func (db *Db) HasState(stateHash [32]byte) bool { return db.inner.HasState(stateHash) }

// Stats reports the database's current page-level occupancy, for
// diagnostics and tests, not a metrics-plumbing surface.
func (db *Db) Stats() pagedb.Stats { return db.inner.Stats() }

// ReachablePages returns every page address reachable from the currently
// active root, for verifying abandoned-page reuse never hands back a page
// some live root still needs.
func (db *Db) ReachablePages() (map[pagestore.DbAddress]bool, error) {
	return db.inner.ReachablePages()
}

// BeginNextBatch starts a new write batch against the most recently
// committed root.
func (db *Db) BeginNextBatch() *Batch {
	return &Batch{inner: db.inner.BeginNextBatch(), tracker: merkle.NewCommitTracker()}
}

// BeginReadOnlyBatch leases the root identified by stateHash, or the most
// recently committed root if stateHash is nil.
func (db *Db) BeginReadOnlyBatch(stateHash *[32]byte) (*ReadOnlyBatch, error) {
	inner, err := db.inner.BeginReadOnlyBatch(stateHash)
	if err != nil {
		return nil, err
	}
	return &ReadOnlyBatch{inner: inner}, nil
}

// SnapshotAll returns a leased ReadOnlyBatch for every distinct root still
// held in the history ring, oldest first.
func (db *Db) SnapshotAll() ([]*ReadOnlyBatch, error) {
	inners, err := db.inner.SnapshotAll()
	if err != nil {
		return nil, err
	}
	out := make([]*ReadOnlyBatch, len(inners))
	for i, in := range inners {
		out[i] = &ReadOnlyBatch{inner: in}
	}
	return out, nil
}

// OpenMultiHeadChain starts a concurrent facade over db letting several
// proposed chains of commits exist simultaneously before a background
// finalizer serializes them into db FIFO.
func (db *Db) OpenMultiHeadChain() *MultiHeadChain {
	return &MultiHeadChain{chain: multihead.OpenMultiHeadChain(db.inner)}
}

// Batch is one unit of mutation against a Db: every Account/Storage write
// made through it is also tracked so Commit can run the Merkle engine's
// pre-commit pipeline and derive the resulting state hash.
type Batch struct {
	inner       *pagedb.Batch
	tracker     *merkle.CommitTracker
	blockNumber uint64
}

// SetAccount stores the account record at accountPath and marks it dirty
// for the next state-root computation.
func (b *Batch) SetAccount(accountPath nibble.Path, acct trie.Account) error {
	if err := b.inner.SetRaw(trie.NewAccountKey(accountPath), trie.EncodeAccount(acct)); err != nil {
		return err
	}
	b.tracker.TouchAccount(accountPath, false)
	return nil
}

// SetStorage stores one storage cell under accountPath and marks it dirty
// for the next storage-root computation.
func (b *Batch) SetStorage(accountPath, slotPath nibble.Path, value []byte) error {
	if err := b.inner.SetRaw(trie.NewStorageKey(accountPath, slotPath), value); err != nil {
		return err
	}
	b.tracker.TouchStorage(accountPath, slotPath, false)
	return nil
}

// SetRaw stores value directly under key, bypassing the Merkle tracker —
// for callers (index pages, engine-internal bookkeeping) that address the
// raw key space without participating in the state trie.
func (b *Batch) SetRaw(key trie.Key, value []byte) error {
	return b.inner.SetRaw(key, value)
}

// GetRaw reads key, observing every write already made in this batch.
func (b *Batch) GetRaw(key trie.Key) ([]byte, bool, error) {
	return b.inner.GetRaw(key)
}

// DeleteAccount removes the account at accountPath together with every
// storage cell beneath it, and marks each removed entry dirty for the
// next Merkle computation so the trie positions they occupied collapse
// out of the commit.
func (b *Batch) DeleteAccount(accountPath nibble.Path) error {
	deleted, err := b.inner.DeleteByPrefix(accountPath)
	if err != nil {
		return err
	}
	for _, d := range deleted {
		switch d.Key.Type {
		case trie.Account:
			b.tracker.TouchAccount(d.Key.Path, true)
		case trie.StorageCell:
			b.tracker.TouchStorage(accountPath, d.Key.Path.SliceFrom(accountPath.Length()), true)
		}
	}
	return nil
}

// SetMetadata records the block number this batch will commit as. The
// state hash is always the one Commit derives from the Merkle engine's
// pre-commit pipeline, not a caller-supplied value — committing a state
// root nobody computed would defeat the point of an authenticated trie.
func (b *Batch) SetMetadata(blockNumber uint64) {
	b.blockNumber = blockNumber
}

// Commit runs the Merkle engine's pre-commit pipeline over every tracked
// write, derives the resulting state hash, stamps it and the batch's
// recorded block number into the scratch root's metadata, and persists
// the batch per opts. Returns the new state hash.
func (b *Batch) Commit(opts CommitOptions) ([32]byte, error) {
	stateHash, err := merkle.BeforeCommit(b.inner, b.tracker)
	if err != nil {
		return [32]byte{}, fmt.Errorf("paprika: commit: %w", err)
	}
	b.inner.ScratchRoot().SetMetadata(pagestore.Metadata{BlockNumber: b.blockNumber, StateHash: stateHash})
	if _, err := b.inner.Commit(opts); err != nil {
		return [32]byte{}, err
	}
	return stateHash, nil
}

// ReadOnlyBatch is a leased, point-in-time snapshot of a committed root.
type ReadOnlyBatch struct {
	inner *pagedb.ReadOnlyBatch
}

// GetAccount decodes the account record at accountPath, if present.
func (r *ReadOnlyBatch) GetAccount(accountPath nibble.Path) (trie.Account, bool, error) {
	raw, ok, err := r.inner.GetRaw(trie.NewAccountKey(accountPath))
	if err != nil || !ok {
		return trie.Account{}, ok, err
	}
	acct, err := trie.DecodeAccount(raw)
	return acct, err == nil, err
}

// GetStorage reads the storage cell under accountPath/slotPath, if present.
func (r *ReadOnlyBatch) GetStorage(accountPath, slotPath nibble.Path) ([]byte, bool, error) {
	return r.inner.GetRaw(trie.NewStorageKey(accountPath, slotPath))
}

// GetRaw reads key directly, bypassing account/storage decoding.
func (r *ReadOnlyBatch) GetRaw(key trie.Key) ([]byte, bool, error) {
	return r.inner.GetRaw(key)
}

// Metadata returns the (block_number, state_hash) pair this snapshot's
// root was committed with.
func (r *ReadOnlyBatch) Metadata() pagestore.Metadata { return r.inner.Root().Metadata() }

// Release drops this snapshot's lease.
func (r *ReadOnlyBatch) Release() { r.inner.Release() }

// MultiHeadChain is a concurrent facade letting several proposed chains of
// commits exist simultaneously against one Db before a background
// finalizer serializes them in, FIFO, across every head.
type MultiHeadChain struct {
	chain *multihead.Chain
}

// Begin returns a head whose reads fall through its own pending writes,
// then any not-yet-finalized ancestor proposed against parentStateHash,
// then the finalized root identified by parentStateHash.
func (m *MultiHeadChain) Begin(parentStateHash [32]byte) *Head {
	return &Head{inner: m.chain.Begin(parentStateHash), tracker: merkle.NewCommitTracker()}
}

// Finalize blocks until the chain of proposed batches up to and
// including stateHash has been committed to the underlying Db.
func (m *MultiHeadChain) Finalize(stateHash [32]byte) error { return m.chain.Finalize(stateHash) }

// TryLeaseReader returns a reader for stateHash, searching proposed
// batches first and then the Db's history ring.
func (m *MultiHeadChain) TryLeaseReader(stateHash [32]byte) (*Reader, bool, error) {
	r, ok, err := m.chain.TryLeaseReader(stateHash)
	if err != nil || !ok {
		return nil, ok, err
	}
	return &Reader{inner: r}, true, nil
}

// LeaseLatestFinalized returns a reader for the most recently committed
// root, bypassing any still-proposed batch.
func (m *MultiHeadChain) LeaseLatestFinalized() (*Reader, error) {
	r, err := m.chain.LeaseLatestFinalized()
	if err != nil {
		return nil, err
	}
	return &Reader{inner: r}, nil
}

// Close stops the chain's background finalizer once its queues drain.
func (m *MultiHeadChain) Close() { m.chain.Close() }

// headRawBatch adapts a Head's in-memory overlay chain into the rawBatch
// shape merkle.BeforeCommit needs, so the pre-commit pipeline can run
// against a head's pending writes the same way it runs against a Batch,
// without multihead itself ever becoming aware of the Merkle trie.
type headRawBatch struct {
	head *multihead.Head
}

func (h headRawBatch) SetRaw(key trie.Key, value []byte) error {
	h.head.SetRaw(key, value)
	return nil
}

func (h headRawBatch) GetRaw(key trie.Key) ([]byte, bool, error) {
	return h.head.TryGet(key)
}

func (h headRawBatch) DeleteRaw(key trie.Key) error {
	h.head.DeleteRaw(key)
	return nil
}

// Head is one logical chain of proposed commits: at most one writer
// mutates it, but any number of Heads may write concurrently to
// different tips of the same MultiHeadChain.
type Head struct {
	inner   *multihead.Head
	tracker *merkle.CommitTracker
}

// SetAccount buffers an account write in this head's overlay and marks it
// dirty for the next state-root computation.
func (h *Head) SetAccount(accountPath nibble.Path, acct trie.Account) {
	h.inner.SetRaw(trie.NewAccountKey(accountPath), trie.EncodeAccount(acct))
	h.tracker.TouchAccount(accountPath, false)
}

// SetStorage buffers a storage-cell write in this head's overlay and
// marks it dirty for the next storage-root computation.
func (h *Head) SetStorage(accountPath, slotPath nibble.Path, value []byte) {
	h.inner.SetRaw(trie.NewStorageKey(accountPath, slotPath), value)
	h.tracker.TouchStorage(accountPath, slotPath, false)
}

// SetRaw buffers a raw write in this head's overlay, bypassing the
// Merkle tracker.
func (h *Head) SetRaw(key trie.Key, value []byte) { h.inner.SetRaw(key, value) }

// TryGet reads key through this head's overlay and ancestor chain.
func (h *Head) TryGet(key trie.Key) ([]byte, bool, error) { return h.inner.TryGet(key) }

// Commit runs the Merkle engine's pre-commit pipeline against this head's
// pending overlay and ancestor chain, derives the resulting state hash,
// freezes the overlay into a proposed batch labeled blockNumber, and
// advances the head's parent to the new hash. Returns the new state hash.
func (h *Head) Commit(blockNumber uint64) ([32]byte, error) {
	stateHash, err := merkle.BeforeCommit(headRawBatch{head: h.inner}, h.tracker)
	if err != nil {
		return [32]byte{}, fmt.Errorf("paprika: head commit: %w", err)
	}
	h.inner.Commit(blockNumber, stateHash)
	h.tracker = merkle.NewCommitTracker()
	return stateHash, nil
}

// Reader is a leased view of a state identified by its hash, resolved
// either through a still-proposed chain of batches or a finalized root.
type Reader struct {
	inner *multihead.Reader
}

// GetRaw reads key through the reader's resolved chain.
func (r *Reader) GetRaw(key trie.Key) ([]byte, bool, error) { return r.inner.GetRaw(key) }

// GetAccount decodes the account record at accountPath, if present.
func (r *Reader) GetAccount(accountPath nibble.Path) (trie.Account, bool, error) {
	raw, ok, err := r.inner.GetRaw(trie.NewAccountKey(accountPath))
	if err != nil || !ok {
		return trie.Account{}, ok, err
	}
	acct, err := trie.DecodeAccount(raw)
	return acct, err == nil, err
}

// Release drops this reader's lease.
func (r *Reader) Release() { r.inner.Release() }
