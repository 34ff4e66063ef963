package pagedb

import (
	"encoding/binary"
	"sort"
	"testing"

	"github.com/gopaprika/paprika/internal/nibble"
	"github.com/gopaprika/paprika/internal/trie"
)

func accountPathFor(seed uint64) nibble.Path {
	var b [32]byte
	binary.BigEndian.PutUint64(b[24:], seed)
	return nibble.FromBytes(b[:])
}

func storagePathFor(seed uint64) nibble.Path {
	var b [32]byte
	binary.BigEndian.PutUint64(b[24:], seed)
	return nibble.FromBytes(b[:])
}

func TestDeleteByPrefixRemovesAccountAndItsStorage(t *testing.T) {
	db := newTestDb(t, 256, 4)
	b := db.BeginNextBatch()

	acct := accountPathFor(1)
	acctKey := trie.NewAccountKey(acct)
	if err := b.SetRaw(acctKey, []byte("account-1")); err != nil {
		t.Fatalf("SetRaw account: %v", err)
	}

	slot1 := storagePathFor(10)
	slot2 := storagePathFor(20)
	s1Key := trie.NewStorageKey(acct, slot1)
	s2Key := trie.NewStorageKey(acct, slot2)
	if err := b.SetRaw(s1Key, []byte("slot-10")); err != nil {
		t.Fatalf("SetRaw slot1: %v", err)
	}
	if err := b.SetRaw(s2Key, []byte("slot-20")); err != nil {
		t.Fatalf("SetRaw slot2: %v", err)
	}

	otherAcct := accountPathFor(2)
	otherKey := trie.NewAccountKey(otherAcct)
	if err := b.SetRaw(otherKey, []byte("account-2")); err != nil {
		t.Fatalf("SetRaw other account: %v", err)
	}

	deleted, err := b.DeleteByPrefix(acct)
	if err != nil {
		t.Fatalf("DeleteByPrefix: %v", err)
	}
	if len(deleted) != 3 {
		t.Fatalf("expected 3 entries removed (account + 2 storage cells), got %d", len(deleted))
	}

	var accountCount, storageCount int
	values := make(map[string]bool)
	for _, d := range deleted {
		values[string(d.Value)] = true
		switch d.Key.Type {
		case trie.Account:
			accountCount++
			if !d.Key.Path.Equal(acct) {
				t.Fatalf("deleted account entry has wrong path")
			}
		case trie.StorageCell:
			storageCount++
		default:
			t.Fatalf("unexpected key type %v in deleted entries", d.Key.Type)
		}
	}
	if accountCount != 1 || storageCount != 2 {
		t.Fatalf("expected 1 account + 2 storage entries, got %d account, %d storage", accountCount, storageCount)
	}
	for _, want := range []string{"account-1", "slot-10", "slot-20"} {
		if !values[want] {
			t.Fatalf("deleted entries missing expected value %q", want)
		}
	}

	if _, ok, err := b.GetRaw(acctKey); err != nil || ok {
		t.Fatalf("account should be gone after DeleteByPrefix, ok=%v err=%v", ok, err)
	}
	if _, ok, err := b.GetRaw(s1Key); err != nil || ok {
		t.Fatalf("storage slot 1 should be gone after DeleteByPrefix, ok=%v err=%v", ok, err)
	}
	if _, ok, err := b.GetRaw(s2Key); err != nil || ok {
		t.Fatalf("storage slot 2 should be gone after DeleteByPrefix, ok=%v err=%v", ok, err)
	}

	got, ok, err := b.GetRaw(otherKey)
	if err != nil {
		t.Fatalf("GetRaw other account: %v", err)
	}
	if !ok || string(got) != "account-2" {
		t.Fatalf("unrelated account must survive a different account's DeleteByPrefix, got (%q, %v)", got, ok)
	}
}

func TestDeleteByPrefixOnAbsentAccountIsNoOp(t *testing.T) {
	db := newTestDb(t, 256, 4)
	b := db.BeginNextBatch()
	deleted, err := b.DeleteByPrefix(accountPathFor(99))
	if err != nil {
		t.Fatalf("DeleteByPrefix: %v", err)
	}
	if len(deleted) != 0 {
		t.Fatalf("expected no entries removed for a never-written account, got %d", len(deleted))
	}
}

func TestDeleteByPrefixSurvivesCommitAndPersists(t *testing.T) {
	db := newTestDb(t, 256, 4)

	b1 := db.BeginNextBatch()
	acct := accountPathFor(3)
	acctKey := trie.NewAccountKey(acct)
	slot := storagePathFor(30)
	storageKey := trie.NewStorageKey(acct, slot)
	if err := b1.SetRaw(acctKey, []byte("v1")); err != nil {
		t.Fatalf("SetRaw: %v", err)
	}
	if err := b1.SetRaw(storageKey, []byte("s1")); err != nil {
		t.Fatalf("SetRaw: %v", err)
	}
	if _, err := b1.Commit(FlushDataOnly); err != nil {
		t.Fatalf("commit: %v", err)
	}

	b2 := db.BeginNextBatch()
	deleted, err := b2.DeleteByPrefix(acct)
	if err != nil {
		t.Fatalf("DeleteByPrefix: %v", err)
	}
	if len(deleted) != 2 {
		t.Fatalf("expected 2 entries removed, got %d", len(deleted))
	}
	if _, err := b2.Commit(FlushDataOnly); err != nil {
		t.Fatalf("commit: %v", err)
	}

	snap, err := db.LeaseLatestFinalized()
	if err != nil {
		t.Fatalf("LeaseLatestFinalized: %v", err)
	}
	defer snap.Release()

	if _, ok, err := snap.GetRaw(acctKey); err != nil || ok {
		t.Fatalf("account should be gone from the committed snapshot, ok=%v err=%v", ok, err)
	}
	if _, ok, err := snap.GetRaw(storageKey); err != nil || ok {
		t.Fatalf("storage cell should be gone from the committed snapshot, ok=%v err=%v", ok, err)
	}
}

func TestDeleteByPrefixManyStorageCellsForcingSpill(t *testing.T) {
	db := newTestDb(t, 4096, 4)
	b := db.BeginNextBatch()

	acct := accountPathFor(5)
	if err := b.SetRaw(trie.NewAccountKey(acct), []byte("account-5")); err != nil {
		t.Fatalf("SetRaw account: %v", err)
	}

	const n = 300
	var keys []trie.Key
	for i := uint64(0); i < n; i++ {
		slot := storagePathFor(1000 + i)
		k := trie.NewStorageKey(acct, slot)
		if err := b.SetRaw(k, []byte{byte(i), byte(i >> 8)}); err != nil {
			t.Fatalf("SetRaw slot %d: %v", i, err)
		}
		keys = append(keys, k)
	}

	deleted, err := b.DeleteByPrefix(acct)
	if err != nil {
		t.Fatalf("DeleteByPrefix: %v", err)
	}
	if len(deleted) != n+1 {
		t.Fatalf("expected %d entries removed, got %d", n+1, len(deleted))
	}

	sort.Slice(keys, func(i, j int) bool { return i < j })
	for _, k := range keys {
		if _, ok, err := b.GetRaw(k); err != nil || ok {
			t.Fatalf("storage cell should be gone after DeleteByPrefix, ok=%v err=%v", ok, err)
		}
	}
}
