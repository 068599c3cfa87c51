package handshake

import (
	"io"

	"github.com/google/uuid"
	"github.com/umbra-exchange/umbra-relay/pkg/core/data/order"
	"github.com/umbra-exchange/umbra-relay/pkg/p2p/gossip"
)

// Job is a unit of work on the executor's queue.
type Job interface {
	isJob()
}

// PerformHandshake schedules an outbound proposal targeting a remote order.
// Enqueued by the scheduler.
type PerformHandshake struct {
	PeerOrder order.ID
}

// ProcessInbound carries a handshake message received from a peer. ReplySet
// is true when the transport expects a paired response on Reply.
type ProcessInbound struct {
	RequestID uuid.UUID
	Message   gossip.HandshakeMessage
	Reply     gossip.ReplyToken
	ReplySet  bool
}

// CacheCompleted is gossiped by a cluster sibling that finished a match on
// the pair.
type CacheCompleted struct {
	Order1 order.ID
	Order2 order.ID
}

// PeerMatchInProgress is gossiped by a cluster sibling that began a match on
// the pair; the pair goes invisible for the standard window.
type PeerMatchInProgress struct {
	Order1 order.ID
	Order2 order.ID
}

// MpcNetReady is emitted by the transport once the brokered MPC stream is
// connected.
type MpcNetReady struct {
	RequestID uuid.UUID
	PartyID   uint64
	Conn      io.ReadWriteCloser
}

// MpcShootdown aborts every in-flight handshake touching a freshly spent
// nullifier. Emitted by the on-chain reconciler.
type MpcShootdown struct {
	Nullifier order.Nullifier
}

func (PerformHandshake) isJob()    {}
func (ProcessInbound) isJob()      {}
func (CacheCompleted) isJob()      {}
func (PeerMatchInProgress) isJob() {}
func (MpcNetReady) isJob()         {}
func (MpcShootdown) isJob()        {}
