package trie

import (
	"bytes"
	"testing"

	"github.com/gopaprika/paprika/internal/nibble"
)

func pathFromNibbles(ns ...byte) nibble.Path {
	p := nibble.Empty
	for _, n := range ns {
		p = p.AppendNibble(n)
	}
	return p
}

func TestStoreKeyRoundTripPlain(t *testing.T) {
	cases := []Key{
		NewAccountKey(pathFromNibbles(1, 2, 3, 4, 5)),
		NewStorageKey(pathFromNibbles(0xa, 0xb), pathFromNibbles(0xc, 0xd, 0xe)),
		NewMerkleKey(nibble.Empty),
		NewMerkleKey(pathFromNibbles(1)),
	}
	for _, k := range cases {
		enc := EncodeStoreKey(k)
		if len(enc)%2 != 0 {
			t.Fatalf("encoded store key length %d is not even", len(enc))
		}
		got, err := DecodeStoreKey(enc)
		if err != nil {
			t.Fatalf("DecodeStoreKey: %v", err)
		}
		if got.Type != k.Type || !got.Path.Equal(k.Path) {
			t.Fatalf("round trip mismatch: got %v/%s, want %v/%s", got.Type, got.Path, k.Type, k.Path)
		}
	}
}

func TestStoreKeyDensePacking(t *testing.T) {
	// Length-2 path, second nibble fits in 3 bits: dense form used, and the
	// predicate is satisfied (Get(1) <= 7).
	k := NewAccountKey(pathFromNibbles(0xa, 0x5))
	enc := EncodeStoreKey(k)
	if len(enc) != 2 { // tag byte + 1 packed data byte, already even
		t.Fatalf("expected dense-2 encoding length 2, got %d", len(enc))
	}
	got, err := DecodeStoreKey(enc)
	if err != nil || !got.Path.Equal(k.Path) {
		t.Fatalf("dense-2 round trip failed: %v %v", got, err)
	}

	// Second nibble does NOT fit in 3 bits: falls back to plain encoding.
	k2 := NewAccountKey(pathFromNibbles(0xa, 0x9))
	enc2 := EncodeStoreKey(k2)
	got2, err := DecodeStoreKey(enc2)
	if err != nil || !got2.Path.Equal(k2.Path) {
		t.Fatalf("plain-fallback round trip failed: %v %v", got2, err)
	}

	// Length-4 path, fourth nibble fits in 3 bits: dense-4 form used
	// (tag byte + 2 packed data bytes = 3, padded to 4 to stay even).
	k3 := NewAccountKey(pathFromNibbles(1, 2, 3, 4))
	enc3 := EncodeStoreKey(k3)
	if len(enc3) != 4 {
		t.Fatalf("expected padded dense-4 encoding length 4, got %d", len(enc3))
	}
	got3, err := DecodeStoreKey(enc3)
	if err != nil || !got3.Path.Equal(k3.Path) {
		t.Fatalf("dense-4 round trip failed: %v %v", got3, err)
	}
}

func TestStoreKeyEncodedLengthAlwaysEven(t *testing.T) {
	for n0 := byte(0); n0 < 16; n0++ {
		for n1 := byte(0); n1 < 16; n1++ {
			k := NewAccountKey(pathFromNibbles(n0, n1))
			if len(EncodeStoreKey(k))%2 != 0 {
				t.Fatalf("odd-length encoding for nibbles %d,%d", n0, n1)
			}
		}
	}
	for n3 := byte(0); n3 < 16; n3++ {
		k := NewAccountKey(pathFromNibbles(1, 2, 3, n3))
		if len(EncodeStoreKey(k))%2 != 0 {
			t.Fatalf("odd-length encoding for length-4 path ending in %d", n3)
		}
	}
}

func TestAccountRoundTripEOA(t *testing.T) {
	a := Account{
		Balance:     []byte{0x01, 0x00},
		Nonce:       7,
		CodeHash:    EmptyCodeHash,
		StorageRoot: EmptyStorageRoot,
	}
	enc := EncodeAccount(a)
	got, err := DecodeAccount(enc)
	if err != nil {
		t.Fatalf("DecodeAccount: %v", err)
	}
	if !bytes.Equal(trimLeadingZeros(a.Balance), got.Balance) || got.Nonce != a.Nonce {
		t.Fatalf("round trip mismatch: got %+v, want balance=%x nonce=%d", got, trimLeadingZeros(a.Balance), a.Nonce)
	}
	if got.CodeHash != EmptyCodeHash || got.StorageRoot != EmptyStorageRoot {
		t.Fatalf("expected empty code/storage hashes preserved")
	}
}

func TestAccountRoundTripContract(t *testing.T) {
	a := Account{
		Balance:     []byte{0xff, 0xee, 0xdd},
		Nonce:       42,
		CodeHash:    [32]byte{1, 2, 3},
		StorageRoot: [32]byte{4, 5, 6},
	}
	enc := EncodeAccount(a)
	got, err := DecodeAccount(enc)
	if err != nil {
		t.Fatalf("DecodeAccount: %v", err)
	}
	if got.Nonce != a.Nonce || got.CodeHash != a.CodeHash || got.StorageRoot != a.StorageRoot {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, a)
	}
	if !bytes.Equal(got.Balance, a.Balance) {
		t.Fatalf("balance mismatch: got %x, want %x", got.Balance, a.Balance)
	}
}

func TestAccountWithChangedStorageRoot(t *testing.T) {
	a := Account{CodeHash: EmptyCodeHash, StorageRoot: EmptyStorageRoot}
	newRoot := [32]byte{9, 9, 9}
	b := a.WithChangedStorageRoot(newRoot)
	if b.StorageRoot != newRoot {
		t.Fatalf("expected storage root updated")
	}
	if a.StorageRoot != EmptyStorageRoot {
		t.Fatalf("original account must be unmodified")
	}
}

func TestStorageCellRoundTrip(t *testing.T) {
	cases := [][]byte{
		{},
		{0x00},
		{0x2a},
		bytes.Repeat([]byte{0xff}, 32),
		{0x00, 0x00, 0x01},
	}
	for _, v := range cases {
		enc := EncodeStorageCell(v)
		got, err := DecodeStorageCell(enc)
		if err != nil {
			t.Fatalf("DecodeStorageCell: %v", err)
		}
		want := trimLeadingZeros(v)
		if !bytes.Equal(got, want) {
			t.Fatalf("round trip mismatch: got %x, want %x", got, want)
		}
	}
}

func TestStorageCellZeroIsDistinctFromShortValue(t *testing.T) {
	zero := EncodeStorageCell(nil)
	if zero[0] != 0 {
		t.Fatalf("expected length-0 encoding for nil value")
	}
	one := EncodeStorageCell([]byte{0x01})
	if one[0] != 1 {
		t.Fatalf("expected length-1 encoding for single byte value")
	}
}
