package order

import (
	"encoding/hex"

	ristretto "github.com/bwesterb/go-ristretto"
	"github.com/google/uuid"
)

// ID identifies an order globally across the network.
type ID = uuid.UUID

// Side is the direction of an order.
type Side uint8

const (
	// Buy orders purchase the base mint with the quote mint.
	Buy Side = iota
	// Sell orders sell the base mint for the quote mint.
	Sell
)

// Order holds the hidden fields of an order. These are never gossiped; they
// enter the MPC as private inputs and otherwise live only inside witnesses
// held for locally managed orders.
type Order struct {
	BaseMint  uint64
	QuoteMint uint64
	Side      Side
	Price     uint64
	Amount    uint64
}

// Nullifier is a field element derived from a wallet's randomness and its
// current commitment. Spending it on-chain invalidates every order bound to
// the wallet version that produced it. Stored in its canonical 32-byte
// encoding so it can key indexes.
type Nullifier [32]byte

// NullifierFromScalar encodes a ristretto scalar as a Nullifier.
func NullifierFromScalar(s *ristretto.Scalar) Nullifier {
	var n Nullifier
	copy(n[:], s.Bytes())
	return n
}

// Scalar decodes the nullifier back into field element form.
func (n Nullifier) Scalar() *ristretto.Scalar {
	var buf [32]byte
	copy(buf[:], n[:])

	s := &ristretto.Scalar{}
	s.SetBytes(&buf)
	return s
}

func (n Nullifier) String() string {
	return hex.EncodeToString(n[:8])
}
