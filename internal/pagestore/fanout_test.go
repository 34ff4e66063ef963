package pagestore

import "testing"

func TestComputeFanOutIndicesRanges(t *testing.T) {
	for _, raw := range []uint32{0, 1, 1023, 1024, 1<<20 - 1, 1 << 20, 1<<31 + 12345, 0xffffffff} {
		idx := ComputeFanOutIndices(raw)
		if idx.Idx0 < 0 || idx.Idx0 >= 1024 {
			t.Fatalf("raw=%d: idx0=%d out of range", raw, idx.Idx0)
		}
		if idx.Idx1 < 0 || idx.Idx1 >= 1024 {
			t.Fatalf("raw=%d: idx1=%d out of range", raw, idx.Idx1)
		}
		if idx.Bucket < 0 || idx.Bucket >= 16 {
			t.Fatalf("raw=%d: bucket=%d out of range", raw, idx.Bucket)
		}
		if idx.Idx2 < 0 || idx.Idx2 >= 256 {
			t.Fatalf("raw=%d: idx2=%d out of range", raw, idx.Idx2)
		}
	}
}

func TestComputeFanOutIndicesDeterministic(t *testing.T) {
	a := ComputeFanOutIndices(123456789)
	b := ComputeFanOutIndices(123456789)
	if a != b {
		t.Fatalf("same raw produced different indices: %+v vs %+v", a, b)
	}
}

func TestCombinedRawChangesWithEitherInput(t *testing.T) {
	var acct1, acct2, slot1, slot2 [32]byte
	acct1[0] = 1
	acct2[0] = 2
	slot1[0] = 0x10
	slot2[0] = 0x20

	base := CombinedRaw(acct1, &slot1)
	diffAccount := CombinedRaw(acct2, &slot1)
	diffSlot := CombinedRaw(acct1, &slot2)
	plainAccount := CombinedRaw(acct1, nil)

	if base == diffAccount {
		t.Fatalf("expected differing account hash to change combined raw")
	}
	if base == diffSlot {
		t.Fatalf("expected differing storage slot hash to change combined raw")
	}
	if plainAccount == base {
		t.Fatalf("expected nil-slot lookup to differ from a storage lookup")
	}
}

func TestFanOutLevel1Level2RoundTrip(t *testing.T) {
	buf1 := make([]byte, PageSize)
	l1 := InitFanOutLevel1Page(buf1, 7)
	l1.Set(5, DbAddress(99))
	l1.Set(1023, DbAddress(42))
	if got := l1.Get(5); got != DbAddress(99) {
		t.Fatalf("Get(5) = %v, want 99", got)
	}
	if got := l1.Get(1023); got != DbAddress(42) {
		t.Fatalf("Get(1023) = %v, want 42", got)
	}
	if got := l1.Get(6); got != NullAddress {
		t.Fatalf("Get(6) = %v, want NullAddress", got)
	}

	rewrapped := WrapFanOutLevel1Page(buf1)
	if got := rewrapped.Get(5); got != DbAddress(99) {
		t.Fatalf("after rewrap Get(5) = %v, want 99", got)
	}

	buf2 := make([]byte, PageSize)
	l2 := InitFanOutLevel2Page(buf2, 7)
	l2.Set(17, DbAddress(1234))
	if got := l2.Get(17); got != DbAddress(1234) {
		t.Fatalf("Get(17) = %v, want 1234", got)
	}
}

func TestFanOutLevel3RoundTrip(t *testing.T) {
	buf := make([]byte, PageSize)
	l3 := InitFanOutLevel3Page(buf, 1)
	idx := FanOutIndices{Bucket: 3, Idx2: 200}
	l3.Set(idx, DbAddress(555))
	if got := l3.Get(idx); got != DbAddress(555) {
		t.Fatalf("Get = %v, want 555", got)
	}
	other := FanOutIndices{Bucket: 3, Idx2: 199}
	if got := l3.Get(other); got != NullAddress {
		t.Fatalf("neighbouring index polluted: got %v", got)
	}
}
