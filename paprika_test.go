package paprika_test

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gopaprika/paprika"
	"github.com/gopaprika/paprika/internal/nibble"
)

func pathFor(seed uint64) nibble.Path {
	var b [32]byte
	binary.BigEndian.PutUint64(b[24:], seed)
	return nibble.FromBytes(b[:])
}

func TestSmallAccountRoundTrip(t *testing.T) {
	db, err := paprika.NativeMemory(256*1<<12, 4)
	require.NoError(t, err)
	defer db.Close()

	batch := db.BeginNextBatch()
	acct := pathFor(1)
	require.NoError(t, batch.SetAccount(acct, paprika.Account{Balance: []byte{1}, Nonce: 1}))
	batch.SetMetadata(1)
	stateHash, err := batch.Commit(paprika.FlushDataAndRoot)
	require.NoError(t, err)

	reader, err := db.BeginReadOnlyBatch(&stateHash)
	require.NoError(t, err)
	defer reader.Release()

	got, ok, err := reader.GetAccount(acct)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte{1}, got.Balance)
	require.Equal(t, uint64(1), got.Nonce)
}

func TestStorageOverwriteWithinOneBatch(t *testing.T) {
	db, err := paprika.NativeMemory(256*1<<12, 4)
	require.NoError(t, err)
	defer db.Close()

	batch := db.BeginNextBatch()
	acct := pathFor(2)
	slot := pathFor(3)
	require.NoError(t, batch.SetStorage(acct, slot, []byte{0x2a}))
	require.NoError(t, batch.SetStorage(acct, slot, []byte{0x2b}))
	stateHash, err := batch.Commit(paprika.FlushDataAndRoot)
	require.NoError(t, err)

	reader, err := db.BeginReadOnlyBatch(&stateHash)
	require.NoError(t, err)
	defer reader.Release()

	got, ok, err := reader.GetStorage(acct, slot)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte{0x2b}, got)
}

func TestDeleteAccountRemovesStorageAndLeavesOthersIntact(t *testing.T) {
	db, err := paprika.NativeMemory(256*1<<12, 4)
	require.NoError(t, err)
	defer db.Close()

	acctA := pathFor(10)
	acctB := pathFor(20)

	batch := db.BeginNextBatch()
	require.NoError(t, batch.SetAccount(acctA, paprika.Account{Balance: []byte{1}, Nonce: 1}))
	require.NoError(t, batch.SetStorage(acctA, pathFor(100), []byte{0x01}))
	require.NoError(t, batch.SetStorage(acctA, pathFor(101), []byte{0x02}))
	require.NoError(t, batch.SetAccount(acctB, paprika.Account{Balance: []byte{2}, Nonce: 2}))
	stateHash1, err := batch.Commit(paprika.FlushDataAndRoot)
	require.NoError(t, err)

	batch2 := db.BeginNextBatch()
	require.NoError(t, batch2.DeleteAccount(acctA))
	stateHash2, err := batch2.Commit(paprika.FlushDataAndRoot)
	require.NoError(t, err)
	require.NotEqual(t, stateHash1, stateHash2)

	reader, err := db.BeginReadOnlyBatch(&stateHash2)
	require.NoError(t, err)
	defer reader.Release()

	_, ok, err := reader.GetAccount(acctA)
	require.NoError(t, err)
	require.False(t, ok)

	_, ok, err = reader.GetStorage(acctA, pathFor(100))
	require.NoError(t, err)
	require.False(t, ok)

	gotB, ok, err := reader.GetAccount(acctB)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte{2}, gotB.Balance)
}

func TestStatsAndReachablePagesTrackDeletion(t *testing.T) {
	db, err := paprika.NativeMemory(256*1<<12, 4)
	require.NoError(t, err)
	defer db.Close()

	acct := pathFor(50)
	batch := db.BeginNextBatch()
	require.NoError(t, batch.SetAccount(acct, paprika.Account{Balance: []byte{1}, Nonce: 1}))
	_, err = batch.Commit(paprika.FlushDataAndRoot)
	require.NoError(t, err)

	before, err := db.ReachablePages()
	require.NoError(t, err)

	batch2 := db.BeginNextBatch()
	require.NoError(t, batch2.DeleteAccount(acct))
	_, err = batch2.Commit(paprika.FlushDataAndRoot)
	require.NoError(t, err)

	stats := db.Stats()
	require.Greater(t, stats.AbandonedCount, 0)

	after, err := db.ReachablePages()
	require.NoError(t, err)
	require.Less(t, len(after), len(before))
}

func TestMultiHeadChainBeginCommitFinalize(t *testing.T) {
	db, err := paprika.NativeMemory(256*1<<12, 4)
	require.NoError(t, err)
	defer db.Close()

	chain := db.OpenMultiHeadChain()
	defer chain.Close()

	head := chain.Begin([32]byte{})
	acct := pathFor(42)
	head.SetAccount(acct, paprika.Account{Balance: []byte{9}, Nonce: 1})

	stateHash, err := head.Commit(1)
	require.NoError(t, err)
	require.NoError(t, chain.Finalize(stateHash))

	reader, err := chain.LeaseLatestFinalized()
	require.NoError(t, err)
	defer reader.Release()

	got, ok, err := reader.GetAccount(acct)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte{9}, got.Balance)
}
