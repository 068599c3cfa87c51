package gossip

import (
	"bytes"
	"encoding/gob"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// HandshakeKind discriminates the handshake message variants.
type HandshakeKind uint8

const (
	// Ack closes a request/response exchange that needs no further action.
	Ack HandshakeKind = iota
	// ProposeMatchCandidate asks a peer to match the sender's order against
	// one of the peer's own.
	ProposeMatchCandidate
	// RejectMatchCandidate declines a proposal.
	RejectMatchCandidate
	// ExecuteMatch accepts a proposal and nominates an MPC listener port.
	ExecuteMatch
)

// RejectionReason is carried on a RejectMatchCandidate message.
type RejectionReason uint8

const (
	// NoValidityProof: the initiator's claimed order is not Verified at the
	// recipient.
	NoValidityProof RejectionReason = iota
	// LocalOrderNotReady: the recipient's own target order has no witness.
	LocalOrderNotReady
	// Cached: the pair has already completed a match.
	Cached
)

func (r RejectionReason) String() string {
	switch r {
	case NoValidityProof:
		return "NoValidityProof"
	case LocalOrderNotReady:
		return "LocalOrderNotReady"
	case Cached:
		return "Cached"
	}
	return "Unknown"
}

// HandshakeMessage is the body of a point-to-point handshake frame. Fields
// are populated according to Kind.
type HandshakeMessage struct {
	Kind   HandshakeKind
	PeerID PeerID

	// Propose: SenderOrder is the initiator's order, PeerOrder the
	// recipient's. Reject echoes the same pair.
	SenderOrder uuid.UUID
	PeerOrder   uuid.UUID
	Reason      RejectionReason

	// ExecuteMatch: the recipient's listener port and the agreed pair.
	Port   uint16
	Order1 uuid.UUID
	Order2 uuid.UUID
}

// ClusterBodyKind discriminates the signed cluster management bodies.
type ClusterBodyKind uint8

const (
	// MatchInProgress tells siblings a pair is being matched; they should not
	// schedule it until the invisibility window lapses.
	MatchInProgress ClusterBodyKind = iota
	// CacheSync tells siblings a pair completed; never schedule it again.
	CacheSync
	// Join announces a replica joining the cluster.
	Join
)

// ClusterMessage is a signed intra-cluster pub-sub payload.
type ClusterMessage struct {
	ClusterID ClusterID
	Kind      ClusterBodyKind

	Order1 uuid.UUID
	Order2 uuid.UUID
	Peer   PeerID

	Signature []byte
}

// signingDigest is the byte string the cluster key signs; the signature field
// itself is excluded.
func (m *ClusterMessage) signingDigest() []byte {
	buf := new(bytes.Buffer)
	unsigned := *m
	unsigned.Signature = nil

	// A gob encode of a fixed struct cannot fail.
	_ = gob.NewEncoder(buf).Encode(&unsigned)
	return buf.Bytes()
}

// Sign the message with the cluster's private key.
func (m *ClusterMessage) Sign(keys ClusterKeys) {
	m.Signature = sign(keys, m.signingDigest())
}

// Verify the message against the cluster's pinned public key.
func (m *ClusterMessage) Verify(d *Directory) error {
	key, ok := d.ClusterKey(m.ClusterID)
	if !ok {
		return errors.Errorf("no key pinned for cluster %s", m.ClusterID)
	}
	if !verify(key, m.signingDigest(), m.Signature) {
		return errors.Errorf("bad signature on cluster %s message", m.ClusterID)
	}
	return nil
}
