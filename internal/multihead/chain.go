// Package multihead implements MultiHeadChain: a concurrent facade over a
// pagedb.PagedDb that lets several in-progress chains of writes ("heads")
// exist simultaneously, each proposing batches in memory, with a single
// background finalizer serializing them into the database FIFO.
package multihead

import (
	"fmt"
	"log"
	"sync"

	"github.com/gopaprika/paprika/internal/pagedb"
	"github.com/gopaprika/paprika/internal/pagestore"
	"github.com/gopaprika/paprika/internal/paprikaerrors"
	"github.com/gopaprika/paprika/internal/trie"
)

// write is one pending mutation frozen into a proposedBatch.
type write struct {
	key     trie.Key
	value   []byte
	deleted bool
}

// proposedBatch is a head's commit before it has been durably written to
// the PagedDb: the write set plus enough identity to chain it to its
// parent and to the commit it will eventually become.
type proposedBatch struct {
	parentHash  [32]byte
	stateHash   [32]byte
	blockNumber uint64
	writes      map[string]write

	persistedCh chan struct{} // closed once Commit to the PagedDb has returned
	persistErr  error

	leaseMu    sync.Mutex
	leaseCond  *sync.Cond
	leaseCount int
}

func newProposedBatch(parentHash, stateHash [32]byte, blockNumber uint64, writes map[string]write) *proposedBatch {
	pb := &proposedBatch{
		parentHash:  parentHash,
		stateHash:   stateHash,
		blockNumber: blockNumber,
		writes:      writes,
		persistedCh: make(chan struct{}),
	}
	pb.leaseCond = sync.NewCond(&pb.leaseMu)
	return pb
}

func (pb *proposedBatch) addLease() {
	pb.leaseMu.Lock()
	pb.leaseCount++
	pb.leaseMu.Unlock()
}

func (pb *proposedBatch) releaseLease() {
	pb.leaseMu.Lock()
	pb.leaseCount--
	if pb.leaseCount == 0 {
		pb.leaseCond.Broadcast()
	}
	pb.leaseMu.Unlock()
}

func (pb *proposedBatch) waitForNoLeases() {
	pb.leaseMu.Lock()
	for pb.leaseCount > 0 {
		pb.leaseCond.Wait()
	}
	pb.leaseMu.Unlock()
}

// Chain is a MultiHeadChain: the proposed-batch bookkeeping lives here,
// shared by every Head opened against it.
type Chain struct {
	db *pagedb.PagedDb

	mu       sync.Mutex
	proposed map[[32]byte]*proposedBatch

	persistQueue chan *proposedBatch
	discardQueue chan *proposedBatch
	closeOnce    sync.Once
	done         chan struct{}
}

// OpenMultiHeadChain starts a MultiHeadChain's background finalizer over
// db. The finalizer serializes every head's commits into db FIFO, in the
// order Head.Commit froze them, regardless of which head they came from.
func OpenMultiHeadChain(db *pagedb.PagedDb) *Chain {
	c := &Chain{
		db:           db,
		proposed:     make(map[[32]byte]*proposedBatch),
		persistQueue: make(chan *proposedBatch, 64),
		discardQueue: make(chan *proposedBatch, 64),
		done:         make(chan struct{}),
	}
	go c.persistLoop()
	go c.discardLoop()
	return c
}

// Begin returns a head whose reads fall through the head's own pending
// writes, then the proposed-batch ancestors rooted at parentHash, then the
// PagedDb root matching parentHash. If parentHash is the zero value and no
// committed root carries it, there is no PagedDb root beneath the ancestors
// and reads that fall through them miss.
func (c *Chain) Begin(parentHash [32]byte) *Head {
	return &Head{
		chain:      c,
		parentHash: parentHash,
		overlay:    make(map[string]write),
	}
}

// Finalize blocks until the chain of proposed batches up to and including
// stateHash has been committed to the PagedDb.
func (c *Chain) Finalize(stateHash [32]byte) error {
	c.mu.Lock()
	pb, ok := c.proposed[stateHash]
	c.mu.Unlock()
	if !ok {
		if c.db.HasState(stateHash) {
			return nil
		}
		return fmt.Errorf("multihead: finalize: %w", paprikaerrors.ErrStateNotFound)
	}
	<-pb.persistedCh
	return pb.persistErr
}

// TryLeaseReader searches proposed batches first, then the PagedDb's
// history ring, returning ok=false if stateHash is known to neither.
func (c *Chain) TryLeaseReader(stateHash [32]byte) (reader *Reader, ok bool, err error) {
	c.mu.Lock()
	_, stillProposed := c.proposed[stateHash]
	c.mu.Unlock()
	if stillProposed {
		return c.leaseProposedReader(stateHash)
	}
	rb, err := c.db.BeginReadOnlyBatch(&stateHash)
	if err != nil {
		return nil, false, nil
	}
	return &Reader{terminal: rb}, true, nil
}

// LeaseLatestFinalized returns a reader for the most recently committed
// root, bypassing any still-proposed batch.
func (c *Chain) LeaseLatestFinalized() (*Reader, error) {
	rb, err := c.db.LeaseLatestFinalized()
	if err != nil {
		return nil, err
	}
	return &Reader{terminal: rb}, nil
}

// Close stops the background finalizer once its queues have drained.
// Outstanding proposed batches already enqueued are still persisted first.
func (c *Chain) Close() {
	c.closeOnce.Do(func() {
		close(c.persistQueue)
	})
	<-c.done
}

// resolveChain walks the proposed-batch ancestors rooted at hash, pinning
// a lease on each one it touches, until it reaches a hash no longer
// tracked as proposed — at which point it leases a ReadOnlyBatch for that
// hash as the terminal fallthrough, unless hash is the zero value with no
// committed root yet (a fresh chain with nothing written), in which case
// terminal is nil and reads simply miss.
func (c *Chain) resolveChain(hash [32]byte) (ancestors []*proposedBatch, terminal *pagedb.ReadOnlyBatch, err error) {
	for {
		c.mu.Lock()
		pb, ok := c.proposed[hash]
		if ok {
			pb.addLease()
		}
		c.mu.Unlock()
		if !ok {
			break
		}
		ancestors = append(ancestors, pb)
		hash = pb.parentHash
	}

	if hash == ([32]byte{}) && !c.db.HasState(hash) {
		return ancestors, nil, nil
	}
	terminal, err = c.db.BeginReadOnlyBatch(&hash)
	if err != nil {
		for _, pb := range ancestors {
			pb.releaseLease()
		}
		return nil, nil, err
	}
	return ancestors, terminal, nil
}

func (c *Chain) leaseProposedReader(stateHash [32]byte) (*Reader, bool, error) {
	ancestors, terminal, err := c.resolveChain(stateHash)
	if err != nil {
		return nil, false, err
	}
	return &Reader{ancestors: ancestors, terminal: terminal}, true, nil
}

// enqueue registers pb as proposed and schedules it for background
// persistence, called by Head.Commit.
func (c *Chain) enqueue(pb *proposedBatch) {
	c.mu.Lock()
	c.proposed[pb.stateHash] = pb
	c.mu.Unlock()
	c.persistQueue <- pb
}

// persistLoop applies each proposed batch's writes to a fresh pagedb.Batch
// and commits it, strictly FIFO, then hands the batch off to discardLoop.
// A batch that fails to persist still gets its persistedCh closed (with
// persistErr set) so Finalize callers don't hang, and is dropped from
// c.proposed immediately since it will never be read through again.
func (c *Chain) persistLoop() {
	defer close(c.discardQueue)
	for pb := range c.persistQueue {
		if err := c.persist(pb); err != nil {
			pb.persistErr = err
			log.Printf("multihead: finalizer: batch for state %x failed to persist: %v", pb.stateHash, err)
			c.mu.Lock()
			delete(c.proposed, pb.stateHash)
			c.mu.Unlock()
			close(pb.persistedCh)
			continue
		}
		close(pb.persistedCh)
		c.discardQueue <- pb
	}
}

func (c *Chain) persist(pb *proposedBatch) error {
	batch := c.db.BeginNextBatch()
	for _, w := range pb.writes {
		if w.deleted {
			if err := batch.DeleteRaw(w.key); err != nil {
				return err
			}
			continue
		}
		if err := batch.SetRaw(w.key, w.value); err != nil {
			return err
		}
	}
	batch.ScratchRoot().SetMetadata(pagestore.Metadata{BlockNumber: pb.blockNumber, StateHash: pb.stateHash})
	_, err := batch.Commit(pagedb.FlushDataAndRoot)
	return err
}

// discardLoop waits out each persisted batch's outstanding reader leases,
// FIFO, before dropping it from c.proposed — the in-memory record a
// resolveChain walk or a head's overlay chain might still be following.
func (c *Chain) discardLoop() {
	defer close(c.done)
	for pb := range c.discardQueue {
		pb.waitForNoLeases()
		c.mu.Lock()
		delete(c.proposed, pb.stateHash)
		c.mu.Unlock()
	}
}
