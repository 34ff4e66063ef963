package merkle

import (
	"github.com/gopaprika/paprika/internal/nibble"
	"github.com/gopaprika/paprika/internal/trie"
)

// CommitView is the storage surface mark_path_dirty, Delete and Compute
// need: a Merkle-keyed node store plus read access to the Account or
// StorageCell values the leaves describe. A concrete view is always scoped
// to exactly one trie (the global state trie, or one account's storage
// trie) so ValueKind is fixed for its lifetime.
type CommitView interface {
	GetNode(pos nibble.Path) (Node, bool, error)
	SetNode(pos nibble.Path, n Node) error
	DeleteNode(pos nibble.Path) error

	// GetValue returns the raw encoded Account or StorageCell bytes backing
	// the leaf whose full path (from this view's trie root) is fullPath.
	GetValue(fullPath nibble.Path) ([]byte, bool, error)

	ValueKind() ValueKind
}

// rawBatch is the subset of *pagedb.Batch that batchView needs, kept
// narrow so tests can supply a fake.
type rawBatch interface {
	SetRaw(key trie.Key, value []byte) error
	GetRaw(key trie.Key) ([]byte, bool, error)
	DeleteRaw(key trie.Key) error
}

// batchView adapts a writable batch into a CommitView over one trie,
// namespacing every Merkle node position under prefix (empty for the
// state trie, an account's path for a storage trie) and every value
// lookup under the same prefix joined with the node position.
type batchView struct {
	batch  rawBatch
	prefix nibble.Path
	kind   ValueKind
}

// NewAccountTrieView returns a CommitView over the global state trie.
func NewAccountTrieView(batch rawBatch) CommitView {
	return &batchView{batch: batch, prefix: nibble.Empty, kind: ValueKindAccount}
}

// NewStorageTrieView returns a CommitView over one account's storage
// trie, namespaced under that account's path.
func NewStorageTrieView(batch rawBatch, accountPath nibble.Path) CommitView {
	return &batchView{batch: batch, prefix: accountPath, kind: ValueKindStorage}
}

func (v *batchView) ValueKind() ValueKind { return v.kind }

func (v *batchView) merkleKey(pos nibble.Path) trie.Key {
	if v.kind == ValueKindAccount {
		return trie.NewMerkleKey(pos)
	}
	return trie.NewMerkleKey(v.prefix.Append(pos))
}

func (v *batchView) valueKey(fullPath nibble.Path) trie.Key {
	if v.kind == ValueKindAccount {
		return trie.NewAccountKey(fullPath)
	}
	return trie.NewStorageKey(v.prefix, fullPath)
}

func (v *batchView) GetNode(pos nibble.Path) (Node, bool, error) {
	buf, ok, err := v.batch.GetRaw(v.merkleKey(pos))
	if err != nil || !ok {
		return Node{}, ok, err
	}
	n, err := Decode(buf)
	return n, err == nil, err
}

func (v *batchView) SetNode(pos nibble.Path, n Node) error {
	return v.batch.SetRaw(v.merkleKey(pos), Encode(n))
}

func (v *batchView) DeleteNode(pos nibble.Path) error {
	return v.batch.DeleteRaw(v.merkleKey(pos))
}

func (v *batchView) GetValue(fullPath nibble.Path) ([]byte, bool, error) {
	return v.batch.GetRaw(v.valueKey(fullPath))
}
