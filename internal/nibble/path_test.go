package nibble

import (
	"bytes"
	"testing"
)

func TestGetAtAllParities(t *testing.T) {
	buf := []byte{0x12, 0x34, 0x56}
	even := New(buf, 0, 6) // 1 2 3 4 5 6
	odd := New(buf, 1, 5)  // 2 3 4 5 6

	wantEven := []byte{1, 2, 3, 4, 5, 6}
	for i, w := range wantEven {
		if got := even.Get(i); got != w {
			t.Fatalf("even.Get(%d) = %d, want %d", i, got, w)
		}
	}
	wantOdd := []byte{2, 3, 4, 5, 6}
	for i, w := range wantOdd {
		if got := odd.Get(i); got != w {
			t.Fatalf("odd.Get(%d) = %d, want %d", i, got, w)
		}
	}
}

func TestEqualIgnoresParityAndLocation(t *testing.T) {
	a := New([]byte{0xAB, 0xC0}, 0, 3) // a b c
	b := New([]byte{0x0A, 0xBC}, 1, 3) // a b c
	if !a.Equal(b) {
		t.Fatalf("expected equal paths regardless of parity/buffer")
	}
	c := New([]byte{0xAB, 0xD0}, 0, 3) // a b d
	if a.Equal(c) {
		t.Fatalf("expected unequal paths to compare unequal")
	}
}

func TestFirstDifferingNibbleAllParityCombos(t *testing.T) {
	cases := []struct {
		a, b     Path
		wantIdx  int
		wantDiff bool
	}{
		{New([]byte{0x12, 0x34}, 0, 4), New([]byte{0x12, 0x35}, 0, 4), 3, true},
		{New([]byte{0x01, 0x23, 0x40}, 1, 4), New([]byte{0x01, 0x23, 0x40}, 1, 4), 0, false},
		{New([]byte{0x12, 0x34}, 0, 4), New([]byte{0x01, 0x23, 0x40}, 1, 4), 0, false},
		{New([]byte{0x12, 0x35}, 0, 4), New([]byte{0x01, 0x23, 0x40}, 1, 4), 3, true},
	}
	for i, c := range cases {
		idx, diff := c.a.FirstDifferingNibble(c.b)
		if diff != c.wantDiff || (diff && idx != c.wantIdx) {
			t.Fatalf("case %d: got (%d,%v), want (%d,%v)", i, idx, diff, c.wantIdx, c.wantDiff)
		}
	}
}

func TestAppendNibbleThenSliceToRoundTrips(t *testing.T) {
	p := New([]byte{0xAB}, 1, 1) // nibble 'b'
	for n := byte(0); n < 16; n++ {
		extended := p.AppendNibble(n)
		if !extended.SliceTo(p.Length()).Equal(p) {
			t.Fatalf("slice-to-original-length mismatch for appended nibble %d", n)
		}
		if got := extended.Get(p.Length()); got != n {
			t.Fatalf("Get(length) = %d, want %d", got, n)
		}
	}
}

func TestAppendAcrossBoundary(t *testing.T) {
	a := New([]byte{0x1}, 1, 1)       // "1"
	b := New([]byte{0x23, 0x40}, 0, 3) // "234"
	got := a.Append(b)
	want := "1234"
	if got.String() != want {
		t.Fatalf("Append = %q, want %q", got.String(), want)
	}
}

func TestWriteToReadFromRoundTrip(t *testing.T) {
	paths := []Path{
		Empty,
		New([]byte{0xAB}, 0, 2),
		New([]byte{0xAB}, 1, 1),
		New([]byte{0x12, 0x34, 0x56, 0x78}, 0, 8),
		New([]byte{0x01, 0x23, 0x45, 0x67, 0x80}, 1, 8),
	}
	for _, p := range paths {
		wire := p.WriteTo()
		got, n, err := ReadFrom(wire)
		if err != nil {
			t.Fatalf("ReadFrom: %v", err)
		}
		if n != len(wire) {
			t.Fatalf("consumed %d, want %d", n, len(wire))
		}
		if !got.Equal(p) {
			t.Fatalf("round trip mismatch: got %q, want %q", got.String(), p.String())
		}
	}
}

func TestWriteToIsParityIndependent(t *testing.T) {
	a := New([]byte{0xAB, 0xC0}, 0, 3)
	b := New([]byte{0x0A, 0xBC}, 1, 3)
	if !bytes.Equal(a.WriteTo(), b.WriteTo()) {
		t.Fatalf("equal paths with different parity must serialize identically")
	}
}

func TestWriteToIgnoresTrailingBits(t *testing.T) {
	a := New([]byte{0xA0}, 0, 1) // only nibble 'a' matters; low nibble is garbage-but-zero
	b := New([]byte{0xAF}, 0, 1) // same high nibble, different trailing bits beyond length
	if !bytes.Equal(a.WriteTo(), b.WriteTo()) {
		t.Fatalf("serialization must not depend on bits beyond length")
	}
}

func TestCommonPrefixLen(t *testing.T) {
	a := New([]byte{0x12, 0x34}, 0, 4)
	b := New([]byte{0x12, 0x30}, 0, 4)
	if got := a.CommonPrefixLen(b); got != 3 {
		t.Fatalf("CommonPrefixLen = %d, want 3", got)
	}
	c := a.SliceTo(2)
	if got := a.CommonPrefixLen(c); got != 2 {
		t.Fatalf("CommonPrefixLen with prefix = %d, want 2", got)
	}
}

func TestHashStableOverParity(t *testing.T) {
	a := New([]byte{0xAB, 0xC0}, 0, 3)
	b := New([]byte{0x0A, 0xBC}, 1, 3)
	if a.Hash() != b.Hash() {
		t.Fatalf("hash must be stable across parity for equal paths")
	}
}

func TestEmptyKeyPath(t *testing.T) {
	if Empty.Length() != 0 || !Empty.IsEmpty() {
		t.Fatalf("Empty path must have length 0")
	}
	wire := Empty.WriteTo()
	if len(wire) != 1 {
		t.Fatalf("empty path wire form should be just the length byte, got %d bytes", len(wire))
	}
	got, n, err := ReadFrom(wire)
	if err != nil || n != 1 || !got.IsEmpty() {
		t.Fatalf("empty path round trip failed: %v %d %v", err, n, got)
	}
}

func TestFullKeccakLengthAtEveryParity(t *testing.T) {
	buf := make([]byte, 33)
	for i := range buf {
		buf[i] = byte(i * 7)
	}
	even := New(buf, 0, 64)
	odd := New(buf, 1, 64)
	if even.Length() != 64 || odd.Length() != 64 {
		t.Fatalf("expected 64-nibble paths")
	}
	wire := even.WriteTo()
	got, _, err := ReadFrom(wire)
	if err != nil || !got.Equal(even) {
		t.Fatalf("64-nibble round trip failed: %v", err)
	}
}
