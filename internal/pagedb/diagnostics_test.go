package pagedb

import (
	"encoding/binary"
	"strings"
	"testing"

	"github.com/gopaprika/paprika/internal/nibble"
	"github.com/gopaprika/paprika/internal/trie"
)

func diagPathFor(seed uint64) nibble.Path {
	var b [32]byte
	binary.BigEndian.PutUint64(b[24:], seed)
	return nibble.FromBytes(b[:])
}

func TestStatsReflectsAllocationAndAbandonment(t *testing.T) {
	db := newTestDb(t, 256, 4)

	before := db.Stats()
	if before.UsedPages != before.HistoryDepth {
		t.Fatalf("fresh db should have only the history-ring pages allocated, got used=%d history=%d", before.UsedPages, before.HistoryDepth)
	}

	b := db.BeginNextBatch()
	acct := diagPathFor(1)
	if err := b.SetRaw(trie.NewAccountKey(acct), []byte("v1")); err != nil {
		t.Fatalf("SetRaw: %v", err)
	}
	if _, err := b.Commit(FlushDataOnly); err != nil {
		t.Fatalf("commit: %v", err)
	}

	afterFirst := db.Stats()
	if afterFirst.UsedPages <= before.UsedPages {
		t.Fatalf("expected page count to grow after writing an account, before=%d after=%d", before.UsedPages, afterFirst.UsedPages)
	}
	if afterFirst.CurrentBatchID != 1 {
		t.Fatalf("expected current batch id 1, got %d", afterFirst.CurrentBatchID)
	}

	b2 := db.BeginNextBatch()
	if _, err := b2.DeleteByPrefix(acct); err != nil {
		t.Fatalf("DeleteByPrefix: %v", err)
	}
	if _, err := b2.Commit(FlushDataOnly); err != nil {
		t.Fatalf("commit: %v", err)
	}

	afterDelete := db.Stats()
	if afterDelete.AbandonedCount == 0 {
		t.Fatalf("expected the deleted subtree's pages to be tracked as abandoned")
	}

	if !strings.Contains(afterDelete.DebugString(), "batch=2") {
		t.Fatalf("DebugString should mention the current batch id, got %q", afterDelete.DebugString())
	}
}

func TestReachablePagesOnEmptyDbIsJustTheHistoryRing(t *testing.T) {
	db := newTestDb(t, 64, 4)
	reachable, err := db.ReachablePages()
	if err != nil {
		t.Fatalf("ReachablePages: %v", err)
	}
	if len(reachable) != 4 {
		t.Fatalf("expected exactly the 4 history-ring slots reachable on an empty db, got %d", len(reachable))
	}
}

func TestReachablePagesNeverIncludesAbandonedAddresses(t *testing.T) {
	db := newTestDb(t, 256, 4)

	b := db.BeginNextBatch()
	acct := diagPathFor(7)
	if err := b.SetRaw(trie.NewAccountKey(acct), []byte("v1")); err != nil {
		t.Fatalf("SetRaw: %v", err)
	}
	for i := uint64(0); i < 50; i++ {
		if err := b.SetRaw(trie.NewStorageKey(acct, diagPathFor(1000+i)), []byte{byte(i)}); err != nil {
			t.Fatalf("SetRaw slot %d: %v", i, err)
		}
	}
	if _, err := b.Commit(FlushDataOnly); err != nil {
		t.Fatalf("commit: %v", err)
	}

	reachableBefore, err := db.ReachablePages()
	if err != nil {
		t.Fatalf("ReachablePages: %v", err)
	}

	b2 := db.BeginNextBatch()
	if _, err := b2.DeleteByPrefix(acct); err != nil {
		t.Fatalf("DeleteByPrefix: %v", err)
	}
	if _, err := b2.Commit(FlushDataOnly); err != nil {
		t.Fatalf("commit: %v", err)
	}

	reachableAfter, err := db.ReachablePages()
	if err != nil {
		t.Fatalf("ReachablePages: %v", err)
	}
	if len(reachableAfter) >= len(reachableBefore) {
		t.Fatalf("deleting the only account should shrink the reachable set, before=%d after=%d", len(reachableBefore), len(reachableAfter))
	}

	// Forcing allocation of new pages must never reuse an address a live
	// reachability scan right before the allocation still called reachable.
	b3 := db.BeginNextBatch()
	acct2 := diagPathFor(8)
	for i := uint64(0); i < 50; i++ {
		if err := b3.SetRaw(trie.NewStorageKey(acct2, diagPathFor(2000+i)), []byte{byte(i)}); err != nil {
			t.Fatalf("SetRaw slot %d: %v", i, err)
		}
	}
	if _, err := b3.Commit(FlushDataOnly); err != nil {
		t.Fatalf("commit: %v", err)
	}

	reachableFinal, err := db.ReachablePages()
	if err != nil {
		t.Fatalf("ReachablePages: %v", err)
	}
	for addr := range reachableAfter {
		if !reachableFinal[addr] {
			t.Fatalf("page %d reachable before new allocations must remain reachable", addr)
		}
	}
}
