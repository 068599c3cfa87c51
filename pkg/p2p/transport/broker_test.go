package transport

import (
	"testing"
	"time"

	"github.com/google/uuid"
	assert "github.com/stretchr/testify/require"
	"github.com/umbra-exchange/umbra-relay/pkg/core/handshake"
	"github.com/umbra-exchange/umbra-relay/pkg/p2p/gossip"
)

type captureSender struct {
	requests chan gossip.Request
}

func (c *captureSender) SendRequest(r gossip.Request) error {
	c.requests <- r
	return nil
}

func (c *captureSender) SendResponse(gossip.Response) error { return nil }
func (c *captureSender) Publish(gossip.Pubsub) error        { return nil }

func TestBrokerForwardsRequests(t *testing.T) {
	assert := assert.New(t)

	outbound := make(chan gossip.Outbound, 4)
	jobs := make(chan handshake.Job, 4)
	sender := &captureSender{requests: make(chan gossip.Request, 1)}

	b := NewBroker(outbound, jobs, sender)
	go b.Run()
	defer b.Quit()

	outbound <- gossip.Outbound{Request: &gossip.Request{To: "beta", RequestID: uuid.New()}}

	select {
	case r := <-sender.requests:
		assert.Equal(gossip.PeerID("beta"), r.To)
	case <-time.After(time.Second):
		assert.Fail("request not forwarded")
	}
}

func TestBrokerEstablishesMpcStream(t *testing.T) {
	assert := assert.New(t)

	outbound := make(chan gossip.Outbound, 4)
	jobs := make(chan handshake.Job, 4)
	b := NewBroker(outbound, jobs, &captureSender{requests: make(chan gossip.Request, 1)})
	go b.Run()
	defer b.Quit()

	port, err := gossip.PickUnusedPort()
	assert.NoError(err)

	req := uuid.New()
	outbound <- gossip.Outbound{Directive: &gossip.BrokerMpcNet{
		RequestID: req,
		Role:      gossip.Listener,
		LocalPort: port,
	}}
	// Give the listener a moment to bind before dialing it.
	time.Sleep(100 * time.Millisecond)
	outbound <- gossip.Outbound{Directive: &gossip.BrokerMpcNet{
		RequestID: req,
		Role:      gossip.Dialer,
		PeerID:    "self",
		PeerPort:  port,
	}}

	var parties []uint64
	for i := 0; i < 2; i++ {
		select {
		case job := <-jobs:
			ready, ok := job.(handshake.MpcNetReady)
			assert.True(ok)
			assert.Equal(req, ready.RequestID)
			assert.NotNil(ready.Conn)
			parties = append(parties, ready.PartyID)
			defer func() { _ = ready.Conn.Close() }()
		case <-time.After(5 * time.Second):
			assert.Fail("mpc stream not brokered")
		}
	}
	assert.ElementsMatch([]uint64{0, 1}, parties)
}
