package transport

import (
	"fmt"
	"net"
	"time"

	logger "github.com/sirupsen/logrus"
	"github.com/umbra-exchange/umbra-relay/pkg/core/handshake"
	"github.com/umbra-exchange/umbra-relay/pkg/p2p/gossip"
)

var log = logger.WithFields(logger.Fields{"prefix": "transport"})

// dial parameters for MPC stream establishment.
const (
	dialTimeout   = 5 * time.Second
	acceptTimeout = 30 * time.Second
)

// Sender delivers point-to-point and pub-sub frames into the gossip mesh.
// The mesh implementation (wire encoding included) is a collaborator; tests
// and single-node deployments install capture or no-op senders.
type Sender interface {
	SendRequest(gossip.Request) error
	SendResponse(gossip.Response) error
	Publish(gossip.Pubsub) error
}

// Broker consumes the core's outbound queue: requests, responses, and
// pub-sub frames go to the Sender; BrokerMpcNet directives are handled here
// by establishing the dedicated MPC byte stream and emitting MpcNetReady.
type Broker struct {
	outbound      <-chan gossip.Outbound
	handshakeJobs chan<- handshake.Job
	sender        Sender

	// PeerHost resolves a peer ID to a dialable host; defaults to loopback,
	// which serves local clusters and tests.
	PeerHost func(gossip.PeerID) string

	quitChan chan struct{}
}

// NewBroker wires the outbound queue to the sender and the handshake
// executor's job queue.
func NewBroker(outbound <-chan gossip.Outbound, jobs chan<- handshake.Job, sender Sender) *Broker {
	return &Broker{
		outbound:      outbound,
		handshakeJobs: jobs,
		sender:        sender,
		PeerHost:      func(gossip.PeerID) string { return "127.0.0.1" },
		quitChan:      make(chan struct{}),
	}
}

// Run drains the outbound queue until cancelled.
func (b *Broker) Run() {
	for {
		select {
		case out := <-b.outbound:
			b.dispatch(out)
		case <-b.quitChan:
			return
		}
	}
}

// Quit stops the broker loop.
func (b *Broker) Quit() {
	close(b.quitChan)
}

func (b *Broker) dispatch(out gossip.Outbound) {
	switch {
	case out.Request != nil:
		if err := b.sender.SendRequest(*out.Request); err != nil {
			log.WithError(err).Warnln("request send failed")
		}
	case out.Response != nil:
		if err := b.sender.SendResponse(*out.Response); err != nil {
			log.WithError(err).Warnln("response send failed")
		}
	case out.Pubsub != nil:
		if err := b.sender.Publish(*out.Pubsub); err != nil {
			log.WithError(err).Warnln("pubsub send failed")
		}
	case out.Directive != nil:
		// Stream establishment blocks on the network; give it a goroutine.
		go b.brokerMpcNet(*out.Directive)
	}
}

// brokerMpcNet establishes the two-party MPC stream. The listener side binds
// the advertised port and waits for the dialer; the dialer connects to the
// peer's advertised port. Party IDs follow the role: dialer 0, listener 1.
func (b *Broker) brokerMpcNet(d gossip.BrokerMpcNet) {
	var (
		conn net.Conn
		err  error
	)

	switch d.Role {
	case gossip.Listener:
		conn, err = b.acceptOne(d.LocalPort)
	case gossip.Dialer:
		addr := fmt.Sprintf("%s:%d", b.PeerHost(d.PeerID), d.PeerPort)
		conn, err = net.DialTimeout("tcp", addr, dialTimeout)
	}

	if err != nil {
		log.WithError(err).WithField("request", d.RequestID).Warnln("mpc net setup failed")
		return
	}

	partyID := uint64(0)
	if d.Role == gossip.Listener {
		partyID = 1
	}

	select {
	case b.handshakeJobs <- handshake.MpcNetReady{RequestID: d.RequestID, PartyID: partyID, Conn: conn}:
	case <-b.quitChan:
		_ = conn.Close()
	}
}

func (b *Broker) acceptOne(port uint16) (net.Conn, error) {
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return nil, err
	}
	defer func() { _ = l.Close() }()

	if tcp, ok := l.(*net.TCPListener); ok {
		_ = tcp.SetDeadline(time.Now().Add(acceptTimeout))
	}
	return l.Accept()
}
