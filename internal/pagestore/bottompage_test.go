package pagestore

import (
	"bytes"
	"testing"
)

func TestBottomPageChildRouting(t *testing.T) {
	buf := make([]byte, PageSize)
	b := InitBottomPage(buf, 1)
	if b.HasChild(0x3) || b.HasChild(0xb) {
		t.Fatalf("expected fresh page to have no children")
	}
	b.SetChild(0x3, DbAddress(10)) // low half (nibble < 8)
	if got := b.GetChild(0x5); got != DbAddress(10) {
		t.Fatalf("GetChild(0x5) = %v, want 10 (shares low half with 0x3)", got)
	}
	if b.HasChild(0xb) {
		t.Fatalf("expected high half untouched")
	}
	b.SetChild(0xc, DbAddress(20)) // high half
	if got := b.GetChild(0xf); got != DbAddress(20) {
		t.Fatalf("GetChild(0xf) = %v, want 20 (shares high half with 0xc)", got)
	}
	if got := b.GetChild(0x3); got != DbAddress(10) {
		t.Fatalf("low half child clobbered by high half set: got %v", got)
	}
}

func TestBottomPageLocalSetGet(t *testing.T) {
	buf := make([]byte, PageSize)
	b := InitBottomPage(buf, 1)
	if !b.Local().TrySet([]byte("key"), []byte("value")) {
		t.Fatalf("TrySet failed")
	}
	v, ok := b.Local().TryGet([]byte("key"))
	if !ok || !bytes.Equal(v, []byte("value")) {
		t.Fatalf("TryGet = (%q,%v), want (value,true)", v, ok)
	}
}

func TestBottomPageHasMoreLocalCapacityThanDataPage(t *testing.T) {
	dbuf := make([]byte, PageSize)
	d := InitDataPage(dbuf, 1)
	bbuf := make([]byte, PageSize)
	b := InitBottomPage(bbuf, 1)
	if b.Local().CapacityLeft() <= d.Local().CapacityLeft() {
		t.Fatalf("expected BottomPage's 2-child layout to leave more local capacity than DataPage's 16-child layout: bottom=%d data=%d", b.Local().CapacityLeft(), d.Local().CapacityLeft())
	}
}
