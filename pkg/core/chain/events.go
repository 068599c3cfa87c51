package chain

import (
	"context"
	"encoding/binary"

	ristretto "github.com/bwesterb/go-ristretto"
	"github.com/pkg/errors"
	"github.com/umbra-exchange/umbra-relay/pkg/core/data/order"
	"github.com/umbra-exchange/umbra-relay/pkg/core/data/wallet"
)

// EventKey selects the contract events the reconciler recognises.
type EventKey uint8

const (
	// MerkleRootChanged: the contract's commitment tree root moved.
	MerkleRootChanged EventKey = iota
	// MerkleNodeChanged: an internal node of the tree was rewritten. Data is
	// [depth, index, value].
	MerkleNodeChanged
	// NullifierSpent: a wallet nullifier was consumed. Data is [nullifier].
	NullifierSpent
)

// Event is a raw contract event as delivered by the on-chain source.
type Event struct {
	BlockNumber uint64
	Keys        []EventKey
	Data        [][]byte
}

// Source is the on-chain event collaborator. Implementations wrap the
// network's RPC gateway; tests substitute fakes.
type Source interface {
	// BlockNumber returns the current chain head.
	BlockNumber(ctx context.Context) (uint64, error)
	// Events returns all contract events from the given block onward, in
	// block and transaction order.
	Events(ctx context.Context, fromBlock uint64) ([]Event, error)
	// EventsInBlock returns the events with the given key in one block, in
	// transaction order.
	EventsInBlock(ctx context.Context, block uint64, key EventKey) ([]Event, error)
}

// parseNodeChange decodes a MerkleNodeChanged event payload.
func parseNodeChange(ev Event) (wallet.TreeCoords, ristretto.Scalar, error) {
	var value ristretto.Scalar
	if len(ev.Data) != 3 || len(ev.Data[0]) != 8 || len(ev.Data[1]) != 8 || len(ev.Data[2]) != 32 {
		return wallet.TreeCoords{}, value, errors.New("malformed node change event")
	}

	coords := wallet.TreeCoords{
		Depth: int(binary.LittleEndian.Uint64(ev.Data[0])),
		Index: binary.LittleEndian.Uint64(ev.Data[1]),
	}

	var buf [32]byte
	copy(buf[:], ev.Data[2])
	value.SetBytes(&buf)
	return coords, value, nil
}

// parseNullifier decodes a NullifierSpent event payload.
func parseNullifier(ev Event) (order.Nullifier, error) {
	var n order.Nullifier
	if len(ev.Data) != 1 || len(ev.Data[0]) != 32 {
		return n, errors.New("malformed nullifier spent event")
	}
	copy(n[:], ev.Data[0])
	return n, nil
}
