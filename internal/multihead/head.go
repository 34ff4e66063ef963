package multihead

import (
	"sync"

	"github.com/gopaprika/paprika/internal/trie"
)

// Head is one logical chain of proposed commits against a Chain: at most
// one writer (this Head) mutates it, but any number of Heads may write
// concurrently to different tips of the same Chain.
type Head struct {
	chain      *Chain
	mu         sync.Mutex
	parentHash [32]byte
	overlay    map[string]write
}

func storeKeyString(k trie.Key) string { return string(trie.EncodeStoreKey(k)) }

// SetRaw buffers a write in the head's in-memory overlay, visible to this
// head's own reads immediately but not to any other head or reader until
// Commit freezes it and the background finalizer persists it.
func (h *Head) SetRaw(key trie.Key, value []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.overlay[storeKeyString(key)] = write{key: key, value: append([]byte(nil), value...)}
}

// DeleteRaw buffers a tombstone in the head's overlay.
func (h *Head) DeleteRaw(key trie.Key) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.overlay[storeKeyString(key)] = write{key: key, deleted: true}
}

// TryGet reads key, falling through (in order) this head's pending
// writes, the parent chain of not-yet-finalized proposed batches, and
// finally the finalized PagedDb root the head descends from.
func (h *Head) TryGet(key trie.Key) ([]byte, bool, error) {
	h.mu.Lock()
	if w, ok := h.overlay[storeKeyString(key)]; ok {
		h.mu.Unlock()
		if w.deleted {
			return nil, false, nil
		}
		return w.value, true, nil
	}
	parentHash := h.parentHash
	h.mu.Unlock()

	ancestors, terminal, err := h.chain.resolveChain(parentHash)
	if err != nil {
		return nil, false, err
	}
	defer func() {
		for _, pb := range ancestors {
			pb.releaseLease()
		}
		if terminal != nil {
			terminal.Release()
		}
	}()

	sk := storeKeyString(key)
	for _, pb := range ancestors {
		if w, ok := pb.writes[sk]; ok {
			if w.deleted {
				return nil, false, nil
			}
			return w.value, true, nil
		}
	}
	if terminal == nil {
		return nil, false, nil
	}
	return terminal.GetRaw(key)
}

// Commit freezes the head's pending overlay into a proposed batch labeled
// blockNumber/newStateHash, hands it to the chain's background finalizer,
// and advances the head's parent to newStateHash. The overlay is cleared;
// subsequent reads on this head fall through to the just-frozen batch.
func (h *Head) Commit(blockNumber uint64, newStateHash [32]byte) {
	h.mu.Lock()
	writes := h.overlay
	parentHash := h.parentHash
	h.overlay = make(map[string]write)
	h.parentHash = newStateHash
	h.mu.Unlock()

	pb := newProposedBatch(parentHash, newStateHash, blockNumber, writes)
	h.chain.enqueue(pb)
}
