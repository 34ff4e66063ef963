package merkle

import "github.com/gopaprika/paprika/internal/trie"

// fakeBatch is a minimal in-memory rawBatch, standing in for a
// pagedb.Batch so the Merkle algorithms can be exercised without a page
// store.
type fakeBatch struct {
	store map[string][]byte
}

func newFakeBatch() *fakeBatch {
	return &fakeBatch{store: make(map[string][]byte)}
}

func storeKey(k trie.Key) string {
	return string(append([]byte{byte(k.Type)}, k.Path.WriteTo()...))
}

func (f *fakeBatch) SetRaw(key trie.Key, value []byte) error {
	f.store[storeKey(key)] = append([]byte(nil), value...)
	return nil
}

func (f *fakeBatch) GetRaw(key trie.Key) ([]byte, bool, error) {
	v, ok := f.store[storeKey(key)]
	return v, ok, nil
}

func (f *fakeBatch) DeleteRaw(key trie.Key) error {
	delete(f.store, storeKey(key))
	return nil
}
