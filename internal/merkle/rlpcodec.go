package merkle

import (
	"math/big"

	"github.com/ethereum/go-ethereum/rlp"

	"github.com/gopaprika/paprika/internal/trie"
)

// ethAccount is the Ethereum yellow-paper RLP shape of an account leaf's
// value — distinct from trie.EncodeAccount's compact on-disk form, which
// exists purely to minimize page space and is never hashed directly.
type ethAccount struct {
	Nonce       uint64
	Balance     *big.Int
	StorageRoot []byte
	CodeHash    []byte
}

// encodeAccountValue renders a into the RLP bytes a Leaf node embeds as
// its value when terminating an account-trie path.
func encodeAccountValue(a trie.Account) ([]byte, error) {
	bal := new(big.Int).SetBytes(a.Balance)
	return rlp.EncodeToBytes(ethAccount{
		Nonce:       a.Nonce,
		Balance:     bal,
		StorageRoot: a.StorageRoot[:],
		CodeHash:    a.CodeHash[:],
	})
}

// encodeStorageValue renders a decoded storage cell into the RLP string a
// Leaf node embeds as its value when terminating a storage-trie path.
func encodeStorageValue(cell []byte) ([]byte, error) {
	return rlp.EncodeToBytes(cell)
}
