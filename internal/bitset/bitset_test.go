package bitset

import "testing"

func TestBitVectorSetGetClear(t *testing.T) {
	v := NewBitVector(100)
	v.Set(0)
	v.Set(63)
	v.Set(64)
	v.Set(99)
	for _, i := range []int{0, 63, 64, 99} {
		if !v.Get(i) {
			t.Fatalf("expected bit %d set", i)
		}
	}
	if v.Get(1) || v.Get(65) {
		t.Fatalf("unexpected set bit")
	}
	if v.Count() != 4 {
		t.Fatalf("Count = %d, want 4", v.Count())
	}
	v.Clear(63)
	if v.Get(63) {
		t.Fatalf("expected bit 63 cleared")
	}
	if v.Count() != 3 {
		t.Fatalf("Count after clear = %d, want 3", v.Count())
	}
}

func TestBitVectorIterateAscending(t *testing.T) {
	v := NewBitVector(200)
	want := []int{3, 64, 65, 130, 199}
	for _, i := range want {
		v.Set(i)
	}
	var got []int
	v.Iterate(func(i int) { got = append(got, i) })
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestBitVectorOutOfRangePanics(t *testing.T) {
	v := NewBitVector(8)
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on out-of-range access")
		}
	}()
	v.Set(8)
}

func TestBitMapFilterNoFalseNegatives(t *testing.T) {
	f := NewBitMapFilter(1024, 4)
	hashes := []uint64{1, 2, 3, 12345, 0xdeadbeef, 0xffffffffffffffff}
	for _, h := range hashes {
		f.Add(h)
	}
	for _, h := range hashes {
		if !f.MaybeContains(h) {
			t.Fatalf("false negative for %x", h)
		}
	}
}

func TestBitMapFilterDefinitelyAbsent(t *testing.T) {
	f := NewBitMapFilter(1024, 4)
	f.Add(1)
	f.Add(2)
	if f.MaybeContains(999999) {
		t.Logf("false positive for 999999 (probabilistic, not a failure)")
	}
}

func TestNibbleSet16Basic(t *testing.T) {
	s := EmptyNibbleSet
	if !s.IsEmpty() {
		t.Fatalf("expected empty set")
	}
	s = s.With(3).With(10).With(15)
	if s.Count() != 3 {
		t.Fatalf("Count = %d, want 3", s.Count())
	}
	for _, n := range []byte{3, 10, 15} {
		if !s.Has(n) {
			t.Fatalf("expected nibble %d present", n)
		}
	}
	for _, n := range []byte{0, 1, 2, 4, 9, 11, 14} {
		if s.Has(n) {
			t.Fatalf("unexpected nibble %d present", n)
		}
	}
	s = s.Without(10)
	if s.Has(10) {
		t.Fatalf("nibble 10 should have been removed")
	}
	if s.Count() != 2 {
		t.Fatalf("Count after removal = %d, want 2", s.Count())
	}
}

func TestNibbleSet16SingleChild(t *testing.T) {
	s := EmptyNibbleSet.With(7)
	n, ok := s.SingleChild()
	if !ok || n != 7 {
		t.Fatalf("SingleChild = (%d,%v), want (7,true)", n, ok)
	}
	s = s.With(8)
	if _, ok := s.SingleChild(); ok {
		t.Fatalf("expected SingleChild to fail with two children")
	}
}

func TestNibbleSet16Iterate(t *testing.T) {
	s := EmptyNibbleSet.With(0).With(5).With(15)
	var got []byte
	s.Iterate(func(n byte) { got = append(got, n) })
	want := []byte{0, 5, 15}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestNibbleSet16IndexIsDenseRank(t *testing.T) {
	s := EmptyNibbleSet.With(2).With(5).With(9)
	if idx := s.Index(2); idx != 0 {
		t.Fatalf("Index(2) = %d, want 0", idx)
	}
	if idx := s.Index(5); idx != 1 {
		t.Fatalf("Index(5) = %d, want 1", idx)
	}
	if idx := s.Index(9); idx != 2 {
		t.Fatalf("Index(9) = %d, want 2", idx)
	}
	if idx := s.Index(7); idx != 2 {
		t.Fatalf("Index(7) (absent, between 5 and 9) = %d, want 2", idx)
	}
}
