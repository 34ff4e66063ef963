package multihead

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gopaprika/paprika/internal/nibble"
	"github.com/gopaprika/paprika/internal/pagedb"
	"github.com/gopaprika/paprika/internal/pagestore"
	"github.com/gopaprika/paprika/internal/trie"
)

func newTestChain(t *testing.T) *Chain {
	t.Helper()
	db, err := pagedb.NativeMemory(256*pagestore.PageSize, 4)
	require.NoError(t, err)
	c := OpenMultiHeadChain(db)
	t.Cleanup(func() {
		c.Close()
		db.Close()
	})
	return c
}

func accountKey(b byte) trie.Key {
	path := nibble.FromBytes([]byte{b, b, b, b, b, b, b, b, b, b, b, b, b, b, b, b,
		b, b, b, b, b, b, b, b, b, b, b, b, b, b, b, b})
	return trie.NewAccountKey(path)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %s", timeout)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestHeadSeesOwnWritesBeforeCommit(t *testing.T) {
	c := newTestChain(t)
	h := c.Begin([32]byte{})

	k := accountKey(0xaa)
	h.SetRaw(k, []byte("pending"))

	v, ok, err := h.TryGet(k)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("pending"), v)
}

func TestCommitAndFinalizePersistsToPagedDb(t *testing.T) {
	c := newTestChain(t)
	h := c.Begin([32]byte{})

	k := accountKey(0xbb)
	h.SetRaw(k, []byte("durable"))

	stateHash := [32]byte{1}
	h.Commit(1, stateHash)

	require.NoError(t, c.Finalize(stateHash))

	rb, err := c.db.BeginReadOnlyBatch(&stateHash)
	require.NoError(t, err)
	defer rb.Release()

	v, ok, err := rb.GetRaw(k)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("durable"), v)
}

func TestHeadChainsThroughUnfinalizedParent(t *testing.T) {
	c := newTestChain(t)
	h := c.Begin([32]byte{})

	k1 := accountKey(0xc1)
	h.SetRaw(k1, []byte("first"))
	firstHash := [32]byte{2}
	h.Commit(1, firstHash)

	k2 := accountKey(0xc2)
	h.SetRaw(k2, []byte("second"))

	v1, ok, err := h.TryGet(k1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("first"), v1)

	v2, ok, err := h.TryGet(k2)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("second"), v2)

	require.NoError(t, c.Finalize(firstHash))
}

func TestMultiHeadIsolation(t *testing.T) {
	c := newTestChain(t)

	parent := c.Begin([32]byte{})
	parentKey := accountKey(0x01)
	parent.SetRaw(parentKey, []byte("genesis"))
	parentHash := [32]byte{9}
	parent.Commit(1, parentHash)
	require.NoError(t, c.Finalize(parentHash))

	headA := c.Begin(parentHash)
	headB := c.Begin(parentHash)

	keyA := accountKey(0xa1)
	keyB := accountKey(0xb1)
	headA.SetRaw(keyA, []byte("from-a"))
	headB.SetRaw(keyB, []byte("from-b"))

	hashA := [32]byte{0xa}
	hashB := [32]byte{0xb}
	headA.Commit(2, hashA)
	headB.Commit(2, hashB)

	require.NoError(t, c.Finalize(hashA))

	readerA, ok, err := c.TryLeaseReader(hashA)
	require.NoError(t, err)
	require.True(t, ok)
	defer readerA.Release()

	_, ok, err = readerA.GetRaw(keyA)
	require.NoError(t, err)
	require.True(t, ok, "head A's own reader should see its own write")

	_, ok, err = readerA.GetRaw(keyB)
	require.NoError(t, err)
	require.False(t, ok, "head A's reader must not see head B's unfinalized write")

	readerB, ok, err := c.TryLeaseReader(hashB)
	require.NoError(t, err)
	require.True(t, ok)
	defer readerB.Release()

	_, ok, err = readerB.GetRaw(keyB)
	require.NoError(t, err)
	require.True(t, ok, "head B's own reader should see its own write")

	_, ok, err = readerB.GetRaw(keyA)
	require.NoError(t, err)
	require.False(t, ok, "head B's reader must not see head A's write")

	require.NoError(t, c.Finalize(hashB))
}

func TestTryLeaseReaderUnknownHashMisses(t *testing.T) {
	c := newTestChain(t)
	_, ok, err := c.TryLeaseReader([32]byte{0xff})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestFinalizeUnknownHashErrors(t *testing.T) {
	c := newTestChain(t)
	err := c.Finalize([32]byte{0xfe})
	require.Error(t, err)
}

func TestReaderLeaseDelaysDiscardFromProposed(t *testing.T) {
	c := newTestChain(t)
	h := c.Begin([32]byte{})

	k := accountKey(0xd1)
	h.SetRaw(k, []byte("leased"))
	stateHash := [32]byte{0xd}
	h.Commit(1, stateHash)

	reader, ok, err := c.TryLeaseReader(stateHash)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, c.Finalize(stateHash))

	c.mu.Lock()
	_, stillProposed := c.proposed[stateHash]
	c.mu.Unlock()
	require.True(t, stillProposed, "a leased proposed batch must not be discarded from memory while held")

	reader.Release()

	waitFor(t, time.Second, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		_, present := c.proposed[stateHash]
		return !present
	})
}

func TestLeaseLatestFinalizedReadsMostRecentRoot(t *testing.T) {
	c := newTestChain(t)
	h := c.Begin([32]byte{})
	k := accountKey(0xe1)
	h.SetRaw(k, []byte("latest"))
	stateHash := [32]byte{0xe}
	h.Commit(1, stateHash)
	require.NoError(t, c.Finalize(stateHash))

	waitFor(t, time.Second, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		_, present := c.proposed[stateHash]
		return !present
	})

	reader, err := c.LeaseLatestFinalized()
	require.NoError(t, err)
	defer reader.Release()

	v, ok, err := reader.GetRaw(k)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("latest"), v)
}
