package wallet

import (
	"sync"

	ristretto "github.com/bwesterb/go-ristretto"
)

// Index is the process-wide registry of locally managed wallets. Reads are
// shared; every mutation, including path patching, takes the exclusive lock.
type Index struct {
	lock    sync.RWMutex
	wallets map[ID]*Wallet
}

// NewIndex returns an empty wallet index.
func NewIndex() *Index {
	return &Index{wallets: make(map[ID]*Wallet)}
}

// Add registers a wallet; idempotent on ID.
func (i *Index) Add(w *Wallet) {
	i.lock.Lock()
	defer i.lock.Unlock()

	if _, ok := i.wallets[w.ID]; ok {
		return
	}
	i.wallets[w.ID] = w
}

// Get returns a snapshot copy of a wallet.
func (i *Index) Get(id ID) (Wallet, bool) {
	i.lock.RLock()
	defer i.lock.RUnlock()

	w, ok := i.wallets[id]
	if !ok {
		return Wallet{}, false
	}
	return *w, true
}

// IDs returns the identifiers of every indexed wallet.
func (i *Index) IDs() []ID {
	i.lock.RLock()
	defer i.lock.RUnlock()

	ids := make([]ID, 0, len(i.wallets))
	for id := range i.wallets {
		ids = append(ids, id)
	}
	return ids
}

// AttachProof installs the authentication path for a wallet once its
// commitment has been located on-chain.
func (i *Index) AttachProof(id ID, proof *AuthenticationPath) {
	i.lock.Lock()
	defer i.lock.Unlock()

	if w, ok := i.wallets[id]; ok {
		w.MerkleProof = proof
	}
}

// Patch applies a net node-change map to every wallet path touching one of
// the changed coordinates. Applying the same map twice is a no-op. Returns
// the IDs of the wallets whose paths changed.
func (i *Index) Patch(changed map[TreeCoords]ristretto.Scalar) []ID {
	i.lock.Lock()
	defer i.lock.Unlock()

	var patched []ID
	for id, w := range i.wallets {
		if w.MerkleProof == nil {
			continue
		}

		dirty := false
		for n, coord := range w.MerkleProof.Coords() {
			if v, ok := changed[coord]; ok {
				w.MerkleProof.Siblings[n] = v
				dirty = true
			}
		}
		if dirty {
			patched = append(patched, id)
		}
	}
	return patched
}
