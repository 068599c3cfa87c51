package message

import (
	"github.com/google/uuid"
	"github.com/umbra-exchange/umbra-relay/pkg/core/data/order"
	"github.com/umbra-exchange/umbra-relay/pkg/core/data/wallet"
)

// OrderStateChange announces a lifecycle transition of a single order.
// Published on topics.OrderStateChange.
type OrderStateChange struct {
	ID   order.ID
	Prev order.State
	New  order.State
}

// HandshakeInProgress announces that an MPC is starting on an order pair.
// Published on topics.HandshakeStatus.
type HandshakeInProgress struct {
	RequestID    uuid.UUID
	LocalOrderID order.ID
	PeerOrderID  order.ID
}

// HandshakeCompleted announces that a handshake settled a match.
// Published on topics.HandshakeStatus.
type HandshakeCompleted struct {
	RequestID    uuid.UUID
	LocalOrderID order.ID
	PeerOrderID  order.ID
}

// WalletUpdated announces that a wallet's Merkle path was patched after an
// on-chain root change. Published on topics.WalletUpdate.
type WalletUpdated struct {
	WalletID wallet.ID
}
