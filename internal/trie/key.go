// Package trie defines the logical key space paprika stores values under,
// the on-disk StoreKey encoding used as the in-page lookup key, and the
// value codecs for Account and StorageCell records.
package trie

import (
	"encoding/binary"
	"fmt"

	"github.com/gopaprika/paprika/internal/nibble"
)

// Type distinguishes the three classes of logical key.
type Type uint8

const (
	// Account addresses an account record, keyed by the account's path
	// (the nibble path of keccak256(address)).
	Account Type = iota
	// StorageCell addresses a single storage slot, keyed by the
	// concatenation of the owning account's path and the slot's path.
	StorageCell
	// Merkle addresses a trie node (Leaf/Extension/Branch) in the Merkle
	// engine's own key space, namespaced the same way as StorageCell.
	Merkle
)

func (t Type) String() string {
	switch t {
	case Account:
		return "Account"
	case StorageCell:
		return "StorageCell"
	case Merkle:
		return "Merkle"
	default:
		return fmt.Sprintf("Type(%d)", t)
	}
}

// Key is paprika's logical key: a nibble path together with the type of
// value it addresses. For StorageCell and Merkle keys under an account,
// Path is the account path with the storage/trie path already appended —
// callers that need per-account namespacing build that concatenation with
// nibble.Path.Append before constructing the Key (this is how the Merkle
// engine's "prefixed commit view" works in practice: it just appends the
// account prefix before delegating).
type Key struct {
	Path nibble.Path
	Type Type
}

// NewAccountKey builds an Account key from an account path.
func NewAccountKey(accountPath nibble.Path) Key {
	return Key{Path: accountPath, Type: Account}
}

// NewStorageKey builds a StorageCell key from an account path and a
// storage-slot path.
func NewStorageKey(accountPath, storagePath nibble.Path) Key {
	return Key{Path: accountPath.Append(storagePath), Type: StorageCell}
}

// NewMerkleKey builds a Merkle key for a (possibly partial) trie path,
// already namespaced under its owning account when applicable.
func NewMerkleKey(path nibble.Path) Key {
	return Key{Path: path, Type: Merkle}
}

// pathForm tags how a Key's path nibbles are packed in its StoreKey. Dense
// forms exist only for path lengths 2 and 4, and only apply when the last
// nibble of the packed pair fits in three bits (value ≤ 7); this predicate
// is taken as a fixed rule rather than generalised to other widths.
type pathForm uint8

const (
	formPlain  pathForm = 0
	formDense2 pathForm = 1 // 2-nibble path, 1 packed data byte
	formDense4 pathForm = 2 // 4-nibble path, 2 packed data bytes
)

// EncodeStoreKey produces the deterministic in-page lookup key for k. The
// first byte carries the key Type (top 2 bits) and the path's pathForm
// (next 2 bits); the remainder is the packed path. Encoded lengths are
// always even.
func EncodeStoreKey(k Key) []byte {
	form, dense := denseForm(k.Path)
	tag := (byte(k.Type) << 6) | (byte(form) << 4)

	if dense {
		out := make([]byte, 1+len(dense2or4Bytes(k.Path, form)))
		out[0] = tag
		copy(out[1:], dense2or4Bytes(k.Path, form))
		return padToEven(out)
	}

	plain := k.Path.WriteTo()
	out := make([]byte, 1+len(plain))
	out[0] = tag
	copy(out[1:], plain)
	return padToEven(out)
}

// DecodeStoreKey parses a StoreKey produced by EncodeStoreKey.
func DecodeStoreKey(buf []byte) (Key, error) {
	if len(buf) < 1 {
		return Key{}, fmt.Errorf("trie: truncated store key")
	}
	tag := buf[0]
	typ := Type(tag >> 6)
	form := pathForm((tag >> 4) & 0x3)
	body := buf[1:]

	switch form {
	case formDense2:
		if len(body) < 1 {
			return Key{}, fmt.Errorf("trie: truncated dense-2 store key")
		}
		n0 := body[0] >> 4
		n1 := body[0] & 0x07
		p := nibble.Empty.AppendNibble(n0).AppendNibble(n1)
		return Key{Path: p, Type: typ}, nil
	case formDense4:
		if len(body) < 2 {
			return Key{}, fmt.Errorf("trie: truncated dense-4 store key")
		}
		n0 := body[0] >> 4
		n1 := body[0] & 0x0f
		n2 := body[1] >> 4
		n3 := body[1] & 0x07
		p := nibble.Empty.AppendNibble(n0).AppendNibble(n1).AppendNibble(n2).AppendNibble(n3)
		return Key{Path: p, Type: typ}, nil
	default:
		p, _, err := nibble.ReadFrom(body)
		if err != nil {
			return Key{}, fmt.Errorf("trie: decode plain store key: %w", err)
		}
		return Key{Path: p, Type: typ}, nil
	}
}

// denseForm decides whether p qualifies for dense packing and, if so,
// which form.
func denseForm(p nibble.Path) (pathForm, bool) {
	switch p.Length() {
	case 2:
		if p.Get(1) <= 0x07 {
			return formDense2, true
		}
	case 4:
		if p.Get(3) <= 0x07 {
			return formDense4, true
		}
	}
	return formPlain, false
}

func dense2or4Bytes(p nibble.Path, form pathForm) []byte {
	switch form {
	case formDense2:
		return []byte{(p.Get(0) << 4) | p.Get(1)}
	case formDense4:
		return []byte{
			(p.Get(0) << 4) | p.Get(1),
			(p.Get(2) << 4) | p.Get(3),
		}
	default:
		return nil
	}
}

func padToEven(b []byte) []byte {
	if len(b)%2 == 0 {
		return b
	}
	return append(b, 0)
}

// ───────────────────────────────────────────────────────────────────────────
// Account value codec
// ───────────────────────────────────────────────────────────────────────────

// MaxAccountByteCount is the largest possible encoded size of an Account:
// 1 tag byte + up to 32 trimmed balance bytes + 8 fixed nonce bytes + the
// 32-byte codeHash and storageRoot tail for contract accounts. An EOA with
// a small balance and no code/storage tail is the common case and encodes
// far smaller; this constant is the true worst case used to size buffers.
const MaxAccountByteCount = 1 + 32 + 8 + 2*32

// accountFlag bits record which optional fixed-size tail fields are
// present, so an EOA with the empty-code/empty-storage hashes need not
// store either 32-byte field.
const (
	accountFlagHasCode    byte = 1 << 0
	accountFlagHasStorage byte = 1 << 1
)

// EmptyCodeHash and EmptyStorageRoot are the well-known Keccak hashes of
// an empty byte string and an empty trie, respectively — the sentinel
// values an EOA account is never made to store explicitly.
var (
	EmptyCodeHash    = [32]byte{0xc5, 0xd2, 0x46, 0x01, 0x86, 0xf7, 0x23, 0x3c, 0x92, 0x7e, 0x7d, 0xb2, 0xdc, 0xc7, 0x03, 0xc0, 0xe5, 0x00, 0xb6, 0x53, 0xca, 0x82, 0x27, 0x3b, 0x7b, 0xfa, 0xd8, 0x04, 0x5d, 0x85, 0xa4, 0x70}
	EmptyStorageRoot = [32]byte{0x56, 0xe8, 0x1f, 0x17, 0x1b, 0xcc, 0x55, 0xa6, 0xff, 0x83, 0x45, 0xe6, 0x92, 0xc0, 0xf8, 0x6e, 0x5b, 0x48, 0xe0, 0x1b, 0x99, 0x6c, 0xad, 0xc0, 0x01, 0x62, 0x2f, 0xb5, 0xe3, 0x63, 0xb4, 0x21}
)

// Account is the decoded form of an account record: balance, nonce,
// code hash and storage root.
type Account struct {
	Balance     []byte // big-endian, trailing zeros stripped, up to 32 bytes
	Nonce       uint64
	CodeHash    [32]byte
	StorageRoot [32]byte
}

// IsEOA reports whether a has no deployed code and an empty storage trie —
// the case EncodeAccount shortens by omitting both 32-byte fields.
func (a Account) IsEOA() bool {
	return a.CodeHash == EmptyCodeHash && a.StorageRoot == EmptyStorageRoot
}

// WithChangedStorageRoot returns a copy of a with its storage root
// replaced — used by the Merkle engine's before_commit pipeline after
// recomputing a touched account's storage root.
func (a Account) WithChangedStorageRoot(root [32]byte) Account {
	a.StorageRoot = root
	return a
}

// EncodeAccount serialises a into its variable-length on-disk form: a tag
// byte (flags in the low 2 bits, trimmed balance length in the next 6),
// the trimmed balance, the nonce as a fixed 8 bytes, and the code hash /
// storage root tail only when the account is not a bare EOA.
func EncodeAccount(a Account) []byte {
	bal := trimLeadingZeros(a.Balance)
	if len(bal) > 32 {
		panic("trie: balance exceeds 32 bytes")
	}
	flags := byte(0)
	if !a.IsEOA() {
		flags |= accountFlagHasCode | accountFlagHasStorage
	}
	tag := flags | (byte(len(bal)) << 2)

	out := make([]byte, 0, MaxAccountByteCount)
	out = append(out, tag)
	out = append(out, bal...)
	var nonceBuf [8]byte
	binary.BigEndian.PutUint64(nonceBuf[:], a.Nonce)
	out = append(out, nonceBuf[:]...)
	if flags&accountFlagHasCode != 0 {
		out = append(out, a.CodeHash[:]...)
		out = append(out, a.StorageRoot[:]...)
	}
	return out
}

// DecodeAccount is the inverse of EncodeAccount.
func DecodeAccount(buf []byte) (Account, error) {
	if len(buf) < 1 {
		return Account{}, fmt.Errorf("trie: truncated account record")
	}
	tag := buf[0]
	flags := tag & 0x03
	balLen := int(tag >> 2)
	pos := 1
	if len(buf) < pos+balLen {
		return Account{}, fmt.Errorf("trie: truncated account balance")
	}
	bal := append([]byte(nil), buf[pos:pos+balLen]...)
	pos += balLen

	if len(buf) < pos+8 {
		return Account{}, fmt.Errorf("trie: truncated account nonce")
	}
	nonce := binary.BigEndian.Uint64(buf[pos : pos+8])
	pos += 8

	acc := Account{Balance: bal, Nonce: nonce, CodeHash: EmptyCodeHash, StorageRoot: EmptyStorageRoot}
	if flags&accountFlagHasCode != 0 {
		if len(buf) < pos+64 {
			return Account{}, fmt.Errorf("trie: truncated account code/storage hashes")
		}
		copy(acc.CodeHash[:], buf[pos:pos+32])
		copy(acc.StorageRoot[:], buf[pos+32:pos+64])
	}
	return acc, nil
}

func trimLeadingZeros(b []byte) []byte {
	i := 0
	for i < len(b) && b[i] == 0 {
		i++
	}
	return b[i:]
}

// ───────────────────────────────────────────────────────────────────────────
// StorageCell value codec
// ───────────────────────────────────────────────────────────────────────────

// EncodeStorageCell serialises a storage slot value as a length byte
// followed by 1…32 big-endian bytes with trailing (i.e. leading, in
// big-endian terms) zeros stripped. A zero value encodes as length 0.
func EncodeStorageCell(v []byte) []byte {
	t := trimLeadingZeros(v)
	if len(t) > 32 {
		panic("trie: storage cell value exceeds 32 bytes")
	}
	out := make([]byte, 1+len(t))
	out[0] = byte(len(t))
	copy(out[1:], t)
	return out
}

// DecodeStorageCell is the inverse of EncodeStorageCell.
func DecodeStorageCell(buf []byte) ([]byte, error) {
	if len(buf) < 1 {
		return nil, fmt.Errorf("trie: truncated storage cell")
	}
	n := int(buf[0])
	if len(buf) < 1+n {
		return nil, fmt.Errorf("trie: truncated storage cell value")
	}
	return append([]byte(nil), buf[1:1+n]...), nil
}
