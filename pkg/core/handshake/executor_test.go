package handshake

import (
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	assert "github.com/stretchr/testify/require"
	"github.com/umbra-exchange/umbra-relay/pkg/core/data/order"
	"github.com/umbra-exchange/umbra-relay/pkg/core/mpc"
	"github.com/umbra-exchange/umbra-relay/pkg/core/orderbook"
	"github.com/umbra-exchange/umbra-relay/pkg/core/proofs"
	"github.com/umbra-exchange/umbra-relay/pkg/p2p/gossip"
	"github.com/umbra-exchange/umbra-relay/pkg/p2p/wire/message"
	"github.com/umbra-exchange/umbra-relay/pkg/p2p/wire/topics"
	"github.com/umbra-exchange/umbra-relay/pkg/util/nativeutils/eventbus"
)

// node bundles an executor with its collaborators for protocol tests.
type node struct {
	executor *Executor
	book     *orderbook.Book
	outbound chan gossip.Outbound
	events   chan message.Message
}

func newTestNode(t *testing.T, peerID gossip.PeerID, clusterID gossip.ClusterID) *node {
	t.Helper()

	keys, err := gossip.NewClusterKeys()
	assert.NoError(t, err)

	bus := eventbus.New()
	events := make(chan message.Message, 16)
	bus.Subscribe(topics.HandshakeStatus, eventbus.NewChanListener(events))

	book := orderbook.New(bus)
	directory := gossip.NewDirectory()
	directory.SetClusterKey(clusterID, keys.Pub)

	outbound := make(chan gossip.Outbound, 16)
	proofQueue := make(chan proofs.Job, 16)
	go drainProofs(proofQueue)

	executor := NewExecutor(ExecutorConfig{
		Book:        book,
		Directory:   directory,
		PeerID:      peerID,
		ClusterID:   clusterID,
		Keys:        keys,
		NetworkChan: outbound,
		ProofQueue:  proofQueue,
		EventBus:    bus,
	})

	return &node{executor: executor, book: book, outbound: outbound, events: events}
}

func drainProofs(queue chan proofs.Job) {
	for job := range queue {
		job.RespChan <- proofs.Bundle{MatchEncryption: &proofs.ValidMatchEncryptionBundle{}}
	}
}

// addVerifiedOrder indexes a verified order, attaching a witness when local.
func (n *node) addVerifiedOrder(t *testing.T, id order.ID, nullifier order.Nullifier, cluster string, local bool, details *order.Order) {
	t.Helper()

	o := order.NewNetworkOrder(id, nullifier, cluster, local)
	n.book.Add(o)

	proof := &order.ValidCommitmentsBundle{
		Statement: order.ValidCommitmentsStatement{Nullifier: nullifier},
		Proof:     []byte{1},
	}
	assert.NoError(t, n.book.AttachProof(id, proof))

	if local && details != nil {
		witness := &order.ValidCommitmentsWitness{Order: *details, BalanceAmount: 1 << 40}
		assert.NoError(t, n.book.AttachWitness(id, witness))
	}
}

func (n *node) nextOutbound(t *testing.T) gossip.Outbound {
	t.Helper()
	select {
	case out := <-n.outbound:
		return out
	case <-time.After(time.Second):
		t.Fatal("no outbound message")
		return gossip.Outbound{}
	}
}

func TestPerformHandshakeProposes(t *testing.T) {
	assert := assert.New(t)
	n := newTestNode(t, "alpha", "cluster-a")

	localID, remoteID := uuid.New(), uuid.New()
	n.addVerifiedOrder(t, localID, order.Nullifier{1}, "cluster-a", true, &order.Order{})
	n.addVerifiedOrder(t, remoteID, order.Nullifier{2}, "cluster-b", false, nil)
	n.executor.directory.SetOrderManager(remoteID, "beta")

	assert.NoError(n.executor.process(PerformHandshake{PeerOrder: remoteID}))

	out := n.nextOutbound(t)
	assert.NotNil(out.Request)
	assert.Equal(gossip.PeerID("beta"), out.Request.To)
	assert.Equal(gossip.ProposeMatchCandidate, out.Request.Message.Kind)
	assert.Equal(localID, out.Request.Message.SenderOrder)
	assert.Equal(remoteID, out.Request.Message.PeerOrder)

	rec, ok := n.executor.states.Get(out.Request.RequestID)
	assert.True(ok)
	assert.Equal(Proposed, rec.Phase)
}

func TestPerformHandshakeSkipsCachedPairs(t *testing.T) {
	assert := assert.New(t)
	n := newTestNode(t, "alpha", "cluster-a")

	localID, remoteID := uuid.New(), uuid.New()
	n.addVerifiedOrder(t, localID, order.Nullifier{1}, "cluster-a", true, &order.Order{})
	n.addVerifiedOrder(t, remoteID, order.Nullifier{2}, "cluster-b", false, nil)
	n.executor.directory.SetOrderManager(remoteID, "beta")

	n.executor.cache.MarkCompleted(localID, remoteID)

	assert.NoError(n.executor.process(PerformHandshake{PeerOrder: remoteID}))
	assert.Empty(n.outbound)
}

func TestPerformHandshakeDropsUnknownManager(t *testing.T) {
	assert := assert.New(t)
	n := newTestNode(t, "alpha", "cluster-a")

	localID, remoteID := uuid.New(), uuid.New()
	n.addVerifiedOrder(t, localID, order.Nullifier{1}, "cluster-a", true, &order.Order{})
	n.addVerifiedOrder(t, remoteID, order.Nullifier{2}, "cluster-b", false, nil)

	assert.NoError(n.executor.process(PerformHandshake{PeerOrder: remoteID}))
	assert.Empty(n.outbound)
}

func inboundPropose(req uuid.UUID, from gossip.PeerID, senderOrder, peerOrder order.ID) ProcessInbound {
	return ProcessInbound{
		RequestID: req,
		Message: gossip.HandshakeMessage{
			Kind:        gossip.ProposeMatchCandidate,
			PeerID:      from,
			SenderOrder: senderOrder,
			PeerOrder:   peerOrder,
		},
		Reply:    gossip.ReplyToken(1),
		ReplySet: true,
	}
}

func expectReject(t *testing.T, n *node, reason gossip.RejectionReason) {
	t.Helper()
	out := n.nextOutbound(t)
	assert.NotNil(t, out.Response)
	assert.Equal(t, gossip.RejectMatchCandidate, out.Response.Message.Kind)
	assert.Equal(t, reason, out.Response.Message.Reason)
}

func TestInboundProposeRejectsUnverifiedSender(t *testing.T) {
	assert := assert.New(t)
	n := newTestNode(t, "beta", "cluster-b")

	myID := uuid.New()
	n.addVerifiedOrder(t, myID, order.Nullifier{1}, "cluster-b", true, &order.Order{})

	// The initiator's order is entirely unknown here.
	assert.NoError(n.executor.process(inboundPropose(uuid.New(), "alpha", uuid.New(), myID)))
	expectReject(t, n, gossip.NoValidityProof)
}

func TestInboundProposeRejectsWithoutWitness(t *testing.T) {
	assert := assert.New(t)
	n := newTestNode(t, "beta", "cluster-b")

	myID, theirID := uuid.New(), uuid.New()
	// Local target order is verified but carries no witness.
	n.addVerifiedOrder(t, myID, order.Nullifier{1}, "cluster-b", true, nil)
	n.addVerifiedOrder(t, theirID, order.Nullifier{2}, "cluster-a", false, nil)

	assert.NoError(n.executor.process(inboundPropose(uuid.New(), "alpha", theirID, myID)))
	expectReject(t, n, gossip.LocalOrderNotReady)

	// No state change for either order.
	mine, _ := n.book.Get(myID)
	assert.Equal(order.Verified, mine.State)
}

func TestInboundProposeRejectsCachedPair(t *testing.T) {
	assert := assert.New(t)
	n := newTestNode(t, "beta", "cluster-b")

	myID, theirID := uuid.New(), uuid.New()
	n.addVerifiedOrder(t, myID, order.Nullifier{1}, "cluster-b", true, &order.Order{})
	n.addVerifiedOrder(t, theirID, order.Nullifier{2}, "cluster-a", false, nil)

	n.executor.cache.MarkCompleted(myID, theirID)

	req := uuid.New()
	assert.NoError(n.executor.process(inboundPropose(req, "alpha", theirID, myID)))
	expectReject(t, n, gossip.Cached)

	// The record does not survive a cached rejection.
	_, ok := n.executor.states.Get(req)
	assert.False(ok)
}

func TestInboundProposeAccepts(t *testing.T) {
	assert := assert.New(t)
	n := newTestNode(t, "beta", "cluster-b")

	myID, theirID := uuid.New(), uuid.New()
	n.addVerifiedOrder(t, myID, order.Nullifier{1}, "cluster-b", true, &order.Order{})
	n.addVerifiedOrder(t, theirID, order.Nullifier{2}, "cluster-a", false, nil)

	req := uuid.New()
	assert.NoError(n.executor.process(inboundPropose(req, "alpha", theirID, myID)))

	// Broker directive with the listener role.
	out := n.nextOutbound(t)
	assert.NotNil(out.Directive)
	assert.Equal(gossip.Listener, out.Directive.Role)
	assert.NotZero(out.Directive.LocalPort)

	// Sibling notification that the pair is being matched.
	out = n.nextOutbound(t)
	assert.NotNil(out.Pubsub)
	assert.Equal(gossip.MatchInProgress, out.Pubsub.Message.Kind)
	assert.NoError(out.Pubsub.Message.Verify(n.executor.directory))

	// The acceptance itself.
	out = n.nextOutbound(t)
	assert.NotNil(out.Response)
	assert.Equal(gossip.ExecuteMatch, out.Response.Message.Kind)
	assert.Equal(myID, out.Response.Message.Order1)
	assert.Equal(theirID, out.Response.Message.Order2)

	rec, ok := n.executor.states.Get(req)
	assert.True(ok)
	assert.Equal(AwaitingMpc, rec.Phase)
}

func TestInboundProposeDuplicateRequestID(t *testing.T) {
	assert := assert.New(t)
	n := newTestNode(t, "beta", "cluster-b")

	myID, theirID := uuid.New(), uuid.New()
	n.addVerifiedOrder(t, myID, order.Nullifier{1}, "cluster-b", true, &order.Order{})
	n.addVerifiedOrder(t, theirID, order.Nullifier{2}, "cluster-a", false, nil)

	req := uuid.New()
	assert.NoError(n.executor.process(inboundPropose(req, "alpha", theirID, myID)))
	for i := 0; i < 3; i++ {
		n.nextOutbound(t)
	}
	rec, _ := n.executor.states.Get(req)

	// The replay is declined and the existing record is untouched.
	assert.NoError(n.executor.process(inboundPropose(req, "alpha", theirID, myID)))
	expectReject(t, n, gossip.LocalOrderNotReady)

	after, ok := n.executor.states.Get(req)
	assert.True(ok)
	assert.Equal(rec.Phase, after.Phase)
}

func TestRejectionCachedGossipsKnowledge(t *testing.T) {
	assert := assert.New(t)
	n := newTestNode(t, "alpha", "cluster-a")

	a, b := uuid.New(), uuid.New()
	assert.NoError(n.executor.process(ProcessInbound{
		RequestID: uuid.New(),
		Message: gossip.HandshakeMessage{
			Kind:        gossip.RejectMatchCandidate,
			PeerID:      "beta",
			SenderOrder: a,
			PeerOrder:   b,
			Reason:      gossip.Cached,
		},
	}))
	assert.True(n.executor.cache.ContainsCompleted(a, b))
}

func TestRejectionOtherReasonsLeavePairEligible(t *testing.T) {
	assert := assert.New(t)
	n := newTestNode(t, "alpha", "cluster-a")

	a, b := uuid.New(), uuid.New()
	assert.NoError(n.executor.process(ProcessInbound{
		RequestID: uuid.New(),
		Message: gossip.HandshakeMessage{
			Kind:        gossip.RejectMatchCandidate,
			PeerID:      "beta",
			SenderOrder: a,
			PeerOrder:   b,
			Reason:      gossip.LocalOrderNotReady,
		},
	}))
	assert.False(n.executor.cache.Contains(a, b))
}

func TestExecuteMatchMarksCompletedAndDials(t *testing.T) {
	assert := assert.New(t)
	n := newTestNode(t, "alpha", "cluster-a")

	localID, remoteID := uuid.New(), uuid.New()
	n.addVerifiedOrder(t, localID, order.Nullifier{1}, "cluster-a", true, &order.Order{})
	n.addVerifiedOrder(t, remoteID, order.Nullifier{2}, "cluster-b", false, nil)

	req := uuid.New()
	_, err := n.executor.states.NewHandshake(req, remoteID, localID, "beta")
	assert.NoError(err)

	assert.NoError(n.executor.process(ProcessInbound{
		RequestID: req,
		Message: gossip.HandshakeMessage{
			Kind:   gossip.ExecuteMatch,
			PeerID: "beta",
			Port:   40123,
			Order1: remoteID,
			Order2: localID,
		},
	}))

	assert.True(n.executor.cache.ContainsCompleted(localID, remoteID))

	out := n.nextOutbound(t)
	assert.NotNil(out.Directive)
	assert.Equal(gossip.Dialer, out.Directive.Role)
	assert.Equal(uint16(40123), out.Directive.PeerPort)

	// No reply token on this exchange, so the Ack goes out as a request.
	out = n.nextOutbound(t)
	assert.NotNil(out.Request)
	assert.Equal(gossip.Ack, out.Request.Message.Kind)

	rec, ok := n.executor.states.Get(req)
	assert.True(ok)
	assert.Equal(AwaitingMpc, rec.Phase)
}

func TestClusterMessagesUpdateCache(t *testing.T) {
	assert := assert.New(t)
	n := newTestNode(t, "alpha", "cluster-a")

	a, b := uuid.New(), uuid.New()

	msg := gossip.ClusterMessage{ClusterID: "cluster-a", Kind: gossip.MatchInProgress, Order1: a, Order2: b}
	msg.Sign(n.executor.keys)
	assert.NoError(n.executor.ProcessClusterMessage(msg))
	assert.NoError(n.executor.process(<-drainJob(n)))
	assert.True(n.executor.cache.Contains(a, b))
	assert.False(n.executor.cache.ContainsCompleted(a, b))

	msg = gossip.ClusterMessage{ClusterID: "cluster-a", Kind: gossip.CacheSync, Order1: a, Order2: b}
	msg.Sign(n.executor.keys)
	assert.NoError(n.executor.ProcessClusterMessage(msg))
	assert.NoError(n.executor.process(<-drainJob(n)))
	assert.True(n.executor.cache.ContainsCompleted(a, b))
}

func TestClusterMessageBadSignature(t *testing.T) {
	assert := assert.New(t)
	n := newTestNode(t, "alpha", "cluster-a")

	msg := gossip.ClusterMessage{ClusterID: "cluster-a", Kind: gossip.CacheSync, Order1: uuid.New(), Order2: uuid.New()}
	msg.Sign(n.executor.keys)
	msg.Order1 = uuid.New() // tamper after signing

	err := n.executor.ProcessClusterMessage(msg)
	var herr *Error
	assert.ErrorAs(err, &herr)
	assert.Equal(AuthenticationFailure, herr.Kind)
}

func drainJob(n *node) chan Job {
	return n.executor.jobChan
}

// TestHappyPathMatch drives two executors through the full protocol: propose,
// accept, broker, MPC, settle. Both books end Matched, both caches Completed.
func TestHappyPathMatch(t *testing.T) {
	assert := assert.New(t)

	alpha := newTestNode(t, "alpha", "cluster-a")
	beta := newTestNode(t, "beta", "cluster-b")

	orderA, orderB := uuid.New(), uuid.New()
	buy := order.Order{BaseMint: 1, QuoteMint: 2, Side: order.Buy, Price: mpc.FixedPrice(10), Amount: 5}
	sell := order.Order{BaseMint: 1, QuoteMint: 2, Side: order.Sell, Price: mpc.FixedPrice(9), Amount: 4}

	alpha.addVerifiedOrder(t, orderA, order.Nullifier{1}, "cluster-a", true, &buy)
	alpha.addVerifiedOrder(t, orderB, order.Nullifier{2}, "cluster-b", false, nil)
	beta.addVerifiedOrder(t, orderB, order.Nullifier{2}, "cluster-b", true, &sell)
	beta.addVerifiedOrder(t, orderA, order.Nullifier{1}, "cluster-a", false, nil)
	alpha.executor.directory.SetOrderManager(orderB, "beta")

	// Alpha proposes.
	assert.NoError(alpha.executor.process(PerformHandshake{PeerOrder: orderB}))
	proposal := alpha.nextOutbound(t).Request
	assert.NotNil(proposal)

	// Beta accepts.
	assert.NoError(beta.executor.process(ProcessInbound{
		RequestID: proposal.RequestID,
		Message:   proposal.Message,
		Reply:     gossip.ReplyToken(7),
		ReplySet:  true,
	}))
	directive := beta.nextOutbound(t).Directive
	assert.NotNil(directive)
	assert.Equal(gossip.Listener, directive.Role)
	_ = beta.nextOutbound(t) // MatchInProgress pubsub
	acceptance := beta.nextOutbound(t).Response
	assert.Equal(gossip.ExecuteMatch, acceptance.Message.Kind)

	// Alpha handles the acceptance.
	assert.NoError(alpha.executor.process(ProcessInbound{
		RequestID: acceptance.RequestID,
		Message:   acceptance.Message,
	}))
	alphaDirective := alpha.nextOutbound(t).Directive
	assert.NotNil(alphaDirective)
	assert.Equal(gossip.Dialer, alphaDirective.Role)

	// The transport brokered a stream; hand both ends over. Alpha dialed,
	// so it is party 0.
	connA, connB := net.Pipe()
	errs := make(chan error, 2)
	go func() {
		errs <- alpha.executor.process(MpcNetReady{RequestID: proposal.RequestID, PartyID: 0, Conn: connA})
	}()
	go func() {
		errs <- beta.executor.process(MpcNetReady{RequestID: proposal.RequestID, PartyID: 1, Conn: connB})
	}()
	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			assert.NoError(err)
		case <-time.After(10 * time.Second):
			assert.Fail("mpc did not finish")
		}
	}

	// Both endpoints end Matched, by the local node.
	for _, tc := range []struct {
		n  *node
		id order.ID
	}{{alpha, orderA}, {alpha, orderB}, {beta, orderA}, {beta, orderB}} {
		got, ok := tc.n.book.Get(tc.id)
		assert.True(ok)
		assert.Equal(order.Matched, got.State)
		assert.True(got.ByLocalNode)
	}
	assert.True(alpha.executor.cache.ContainsCompleted(orderA, orderB))
	assert.True(beta.executor.cache.ContainsCompleted(orderA, orderB))

	// HandshakeInProgress then HandshakeCompleted on each bus.
	for _, n := range []*node{alpha, beta} {
		var sawCompleted bool
		for len(n.events) > 0 {
			msg := <-n.events
			if _, ok := msg.Payload().(message.HandshakeCompleted); ok {
				sawCompleted = true
			}
		}
		assert.True(sawCompleted)
	}

	// Beta also synced its cache to siblings.
	var sawSync bool
	for len(beta.outbound) > 0 {
		if out := <-beta.outbound; out.Pubsub != nil && out.Pubsub.Message.Kind == gossip.CacheSync {
			sawSync = true
		}
	}
	assert.True(sawSync)
}

// TestShootdownDuringMpc spends a nullifier mid-computation: the runner
// exits promptly, the record aborts, and the orders cancel.
func TestShootdownDuringMpc(t *testing.T) {
	assert := assert.New(t)
	n := newTestNode(t, "alpha", "cluster-a")

	localID, remoteID := uuid.New(), uuid.New()
	buy := order.Order{BaseMint: 1, QuoteMint: 2, Side: order.Buy, Price: mpc.FixedPrice(10), Amount: 5}
	n.addVerifiedOrder(t, localID, order.Nullifier{1}, "cluster-a", true, &buy)
	n.addVerifiedOrder(t, remoteID, order.Nullifier{2}, "cluster-b", false, nil)

	req := uuid.New()
	_, err := n.executor.states.NewHandshake(req, remoteID, localID, "beta")
	assert.NoError(err)

	// The peer end of the pipe never responds, so the MPC blocks in its
	// first round until the shootdown fires its cancel token.
	connA, _ := net.Pipe()
	done := make(chan error, 1)
	go func() {
		done <- n.executor.process(MpcNetReady{RequestID: req, PartyID: 0, Conn: connA})
	}()

	// Wait for the record to reach RunningMpc before shooting it down.
	assert.Eventually(func() bool {
		rec, ok := n.executor.states.Get(req)
		return ok && rec.Phase == RunningMpc
	}, time.Second, 5*time.Millisecond)

	n.executor.shootdown(order.Nullifier{1})

	select {
	case err := <-done:
		assert.NoError(err)
	case <-time.After(5 * time.Second):
		assert.Fail("mpc did not exit on shootdown")
	}

	// The record is gone and the local order is cancelled.
	_, ok := n.executor.states.Get(req)
	assert.False(ok)
	got, _ := n.book.Get(localID)
	assert.Equal(order.Cancelled, got.State)

	// The cache entry stays invisible and will simply expire.
	assert.True(n.executor.cache.Contains(localID, remoteID))
	assert.False(n.executor.cache.ContainsCompleted(localID, remoteID))
}
