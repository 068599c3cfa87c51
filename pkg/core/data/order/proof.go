package order

import (
	"encoding/binary"

	ristretto "github.com/bwesterb/go-ristretto"
	"golang.org/x/crypto/blake2b"
)

// ValidCommitmentsStatement is the public statement proven by a validity
// proof: the order is a legitimate element of a committed wallet.
type ValidCommitmentsStatement struct {
	// Nullifier of the wallet version the order belongs to.
	Nullifier Nullifier
	// WalletCommitment is the commitment the order was proven against.
	WalletCommitment [32]byte
	// MerkleRoot the commitment was authenticated under.
	MerkleRoot [32]byte
}

// ValidCommitmentsBundle pairs a validity proof with its statement.
type ValidCommitmentsBundle struct {
	Statement ValidCommitmentsStatement
	// Proof is the opaque proof blob; its internal structure belongs to the
	// proof-generation collaborator.
	Proof []byte
}

// ValidCommitmentsWitness holds the secret inputs behind a validity proof.
// Present only for locally managed orders.
type ValidCommitmentsWitness struct {
	Order Order
	// BalanceAmount backs the order on the appropriate side of the book.
	BalanceAmount uint64
	// FeeBalance covers the relayer fee for a match on this order.
	FeeBalance uint64
	// RelayerFeeBps is the wallet's committed take for its managing relayer,
	// in basis points.
	RelayerFeeBps uint32
	// Randomness blinds the wallet commitment.
	Randomness ristretto.Scalar
}

// Commit derives the witness commitment bound into notes produced by a match
// on this order.
func (w *ValidCommitmentsWitness) Commit() [32]byte {
	h, _ := blake2b.New256(nil)

	var buf [8]byte
	for _, v := range []uint64{w.Order.BaseMint, w.Order.QuoteMint, uint64(w.Order.Side), w.Order.Price, w.Order.Amount, w.BalanceAmount, w.FeeBalance, uint64(w.RelayerFeeBps)} {
		binary.LittleEndian.PutUint64(buf[:], v)
		_, _ = h.Write(buf[:])
	}
	_, _ = h.Write(w.Randomness.Bytes())

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
