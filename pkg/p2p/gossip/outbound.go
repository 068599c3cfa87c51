package gossip

import "github.com/google/uuid"

// ReplyToken is the opaque address of a pending request on the transport.
// Responses carry it back so the transport can pair them; unpaired requests
// are liable to be treated as dead connections and dropped.
type ReplyToken uint64

// ConnectionRole is the side a peer takes when brokering an MPC stream.
type ConnectionRole uint8

const (
	// Dialer connects out to the listener's advertised port.
	Dialer ConnectionRole = iota
	// Listener accepts the dialer's connection.
	Listener
)

// Outbound is a message from the core to the transport. Exactly one of the
// variant fields is set.
type Outbound struct {
	// Request is a point-to-point frame expecting a paired response.
	Request *Request
	// Response answers a previously received request.
	Response *Response
	// Pubsub floods a signed cluster message on a topic.
	Pubsub *Pubsub
	// Directive is an out-of-band control message to the transport.
	Directive *BrokerMpcNet
}

// Request is a point-to-point handshake request.
type Request struct {
	To        PeerID
	RequestID uuid.UUID
	Message   HandshakeMessage
}

// Response is the paired response to a transport request.
type Response struct {
	Channel   ReplyToken
	RequestID uuid.UUID
	Message   HandshakeMessage
}

// Pubsub floods a signed cluster-management message.
type Pubsub struct {
	Topic   string
	Message ClusterMessage
}

// BrokerMpcNet instructs the transport to establish the dedicated byte
// stream two parties run their MPC over. On success the transport emits an
// MpcNetReady job back to the handshake executor.
type BrokerMpcNet struct {
	RequestID uuid.UUID
	PeerID    PeerID
	PeerPort  uint16
	LocalPort uint16
	Role      ConnectionRole
}
