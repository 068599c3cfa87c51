package wallet

import (
	"encoding/binary"

	ristretto "github.com/bwesterb/go-ristretto"
	"github.com/google/uuid"
	"github.com/umbra-exchange/umbra-relay/pkg/core/data/order"
	"golang.org/x/crypto/blake2b"
)

// MerkleHeight is the height of the on-chain commitment tree.
const MerkleHeight = 32

// ID identifies a wallet managed by this cluster.
type ID = uuid.UUID

// TreeCoords addresses an internal node of the commitment tree. Depth counts
// from the root; leaves sit at depth MerkleHeight.
type TreeCoords struct {
	Depth int
	Index uint64
}

// AuthenticationPath is the Merkle path authenticating a wallet commitment
// under the current on-chain root. Siblings are ordered deepest-first.
type AuthenticationPath struct {
	LeafIndex uint64
	Siblings  [MerkleHeight]ristretto.Scalar
}

// Coords returns the coordinates of every sibling on the path, deepest-first.
// The reconciler patches siblings whose coordinates appear in a block's net
// node-change map.
func (p *AuthenticationPath) Coords() []TreeCoords {
	coords := make([]TreeCoords, MerkleHeight)
	idx := p.LeafIndex

	for i := 0; i < MerkleHeight; i++ {
		coords[i] = TreeCoords{Depth: MerkleHeight - i, Index: idx ^ 1}
		idx >>= 1
	}
	return coords
}

// Balance is a single-mint balance held by a wallet.
type Balance struct {
	Mint   uint64
	Amount uint64
}

// Fee is a standing fee commitment a wallet makes to its managing relayer.
type Fee struct {
	GasMint   uint64
	GasAmount uint64
	// PercentBps is the relayer take on a match, in basis points.
	PercentBps uint32
}

// WalletOrder pairs an order identifier with its hidden fields. The fields
// stay inside the wallet; only the identifier is gossiped.
type WalletOrder struct {
	ID      order.ID
	Details order.Order
}

// Wallet is a locally managed wallet: balances, fee commitments, orders, the
// randomness behind its commitment, and the Merkle path authenticating it.
type Wallet struct {
	ID         ID
	Balances   []Balance
	Fees       []Fee
	Orders     []WalletOrder
	Randomness ristretto.Scalar

	// MerkleProof is nil until the wallet's commitment has been located in
	// on-chain state.
	MerkleProof *AuthenticationPath
}

// Commitment derives the wallet commitment from its contents and randomness.
func (w *Wallet) Commitment() [32]byte {
	h, _ := blake2b.New256(nil)

	var buf [8]byte
	for _, b := range w.Balances {
		binary.LittleEndian.PutUint64(buf[:], b.Mint)
		_, _ = h.Write(buf[:])
		binary.LittleEndian.PutUint64(buf[:], b.Amount)
		_, _ = h.Write(buf[:])
	}
	for _, f := range w.Fees {
		binary.LittleEndian.PutUint64(buf[:], f.GasMint)
		_, _ = h.Write(buf[:])
		binary.LittleEndian.PutUint64(buf[:], f.GasAmount)
		_, _ = h.Write(buf[:])
		binary.LittleEndian.PutUint64(buf[:], uint64(f.PercentBps))
		_, _ = h.Write(buf[:])
	}
	for _, o := range w.Orders {
		_, _ = h.Write(o.ID[:])
	}
	_, _ = h.Write(w.Randomness.Bytes())

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// MatchNullifier derives the single-use nullifier for the current wallet
// version. Spending it on-chain invalidates orders bound to this version.
func (w *Wallet) MatchNullifier() order.Nullifier {
	commitment := w.Commitment()

	h, _ := blake2b.New256(nil)
	_, _ = h.Write(w.Randomness.Bytes())
	_, _ = h.Write(commitment[:])

	var digest [32]byte
	copy(digest[:], h.Sum(nil))

	s := &ristretto.Scalar{}
	s.SetReduced(&digest)
	return order.NullifierFromScalar(s)
}
