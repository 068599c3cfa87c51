package handshake

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	logger "github.com/sirupsen/logrus"
	"github.com/umbra-exchange/umbra-relay/pkg/core/data/order"
	"github.com/umbra-exchange/umbra-relay/pkg/core/mpc"
	"github.com/umbra-exchange/umbra-relay/pkg/core/orderbook"
	"github.com/umbra-exchange/umbra-relay/pkg/core/proofs"
	"github.com/umbra-exchange/umbra-relay/pkg/p2p/gossip"
	"github.com/umbra-exchange/umbra-relay/pkg/p2p/wire/message"
	"github.com/umbra-exchange/umbra-relay/pkg/p2p/wire/topics"
	"github.com/umbra-exchange/umbra-relay/pkg/util/nativeutils/eventbus"
)

var log = logger.WithFields(logger.Fields{"prefix": "handshake"})

const (
	// InvisibilityWindow is how long an order pair stays unschedulable while
	// a peer works on it.
	InvisibilityWindow = 120 * time.Second
	// CacheSize bounds the pair cache.
	CacheSize = 500
	// SchedulerInterval is the period between outbound proposals.
	SchedulerInterval = 2 * time.Second
	// ExecutorWorkers bounds the number of concurrently processed jobs.
	ExecutorWorkers = 8
)

// Settler receives finished match-encryption bundles for on-chain
// submission. The implementation is the on-chain client collaborator.
type Settler interface {
	SubmitMatch(*proofs.ValidMatchEncryptionBundle) error
}

// Executor drives the handshake protocol: it is the sole consumer of the job
// queue, dispatching each job onto a bounded worker so one slow handshake
// never blocks the rest.
type Executor struct {
	cache     *Cache
	states    *StateIndex
	book      *orderbook.Book
	directory *gossip.Directory

	peerID    gossip.PeerID
	clusterID gossip.ClusterID
	keys      gossip.ClusterKeys

	jobChan     chan Job
	networkChan chan<- gossip.Outbound
	proofQueue  chan<- proofs.Job
	settler     Settler

	eventBus eventbus.Publisher

	invisibility time.Duration
	workers      chan struct{}
	quitChan     chan struct{}
	fatalChan    chan *Error
}

// ExecutorConfig collects the collaborators and identity an Executor needs.
type ExecutorConfig struct {
	Book      *orderbook.Book
	Directory *gossip.Directory
	PeerID    gossip.PeerID
	ClusterID gossip.ClusterID
	Keys      gossip.ClusterKeys

	NetworkChan chan<- gossip.Outbound
	ProofQueue  chan<- proofs.Job
	Settler     Settler
	EventBus    eventbus.Publisher

	// Invisibility overrides InvisibilityWindow when non-zero.
	Invisibility time.Duration
	// Workers overrides ExecutorWorkers when non-zero.
	Workers int
	// CacheCapacity overrides CacheSize when non-zero.
	CacheCapacity int
}

// NewExecutor builds an executor and its owned cache and state index.
func NewExecutor(cfg ExecutorConfig) *Executor {
	invisibility := cfg.Invisibility
	if invisibility == 0 {
		invisibility = InvisibilityWindow
	}
	workers := cfg.Workers
	if workers == 0 {
		workers = ExecutorWorkers
	}
	capacity := cfg.CacheCapacity
	if capacity == 0 {
		capacity = CacheSize
	}

	return &Executor{
		cache:        NewCache(capacity),
		states:       NewStateIndex(cfg.Book),
		book:         cfg.Book,
		directory:    cfg.Directory,
		peerID:       cfg.PeerID,
		clusterID:    cfg.ClusterID,
		keys:         cfg.Keys,
		jobChan:      make(chan Job, 64),
		networkChan:  cfg.NetworkChan,
		proofQueue:   cfg.ProofQueue,
		settler:      cfg.Settler,
		eventBus:     cfg.EventBus,
		invisibility: invisibility,
		workers:      make(chan struct{}, workers),
		quitChan:     make(chan struct{}),
		fatalChan:    make(chan *Error, 1),
	}
}

// Fatal delivers invariant violations to the process supervisor, which is
// expected to restart the subsystem.
func (e *Executor) Fatal() <-chan *Error {
	return e.fatalChan
}

// JobQueue is the channel collaborators enqueue executor jobs on.
func (e *Executor) JobQueue() chan<- Job {
	return e.jobChan
}

// Cache exposes the pair cache to the sibling gossip handlers.
func (e *Executor) Cache() *Cache {
	return e.cache
}

// States exposes the in-flight record index for the read model.
func (e *Executor) States() *StateIndex {
	return e.states
}

// Run is the executor main loop. Each job runs on its own worker slot; the
// MPC itself is CPU-bound and stays on that worker so it never starves the
// loop.
func (e *Executor) Run() {
	for {
		select {
		case job := <-e.jobChan:
			e.workers <- struct{}{}
			go func() {
				defer func() { <-e.workers }()
				if err := e.process(job); err != nil {
					e.reportError(err)
				}
			}()
		case <-e.quitChan:
			log.Infoln("executor received cancel signal, shutting down")
			return
		}
	}
}

// Quit terminates the main loop. In-flight workers finish their current job.
func (e *Executor) Quit() {
	close(e.quitChan)
}

func (e *Executor) process(job Job) error {
	switch j := job.(type) {
	case PerformHandshake:
		return e.performHandshake(j.PeerOrder)
	case ProcessInbound:
		return e.handleMessage(j)
	case CacheCompleted:
		e.cache.MarkCompleted(j.Order1, j.Order2)
		return nil
	case PeerMatchInProgress:
		e.cache.MarkInvisible(j.Order1, j.Order2, e.invisibility)
		return nil
	case MpcNetReady:
		return e.handleMpcNetReady(j)
	case MpcShootdown:
		e.shootdown(j.Nullifier)
		return nil
	}
	return protocolErr(errors.Errorf("unknown job type %T", job))
}

// ProcessClusterMessage verifies a signed sibling message and enqueues the
// matching cache job. Called by the transport's pub-sub delivery path.
func (e *Executor) ProcessClusterMessage(msg gossip.ClusterMessage) error {
	if err := msg.Verify(e.directory); err != nil {
		return &Error{Kind: AuthenticationFailure, Err: err}
	}

	switch msg.Kind {
	case gossip.MatchInProgress:
		e.jobChan <- PeerMatchInProgress{Order1: msg.Order1, Order2: msg.Order2}
	case gossip.CacheSync:
		e.jobChan <- CacheCompleted{Order1: msg.Order1, Order2: msg.Order2}
	case gossip.Join:
		e.directory.AddClusterPeer(msg.ClusterID, msg.Peer)
	}
	return nil
}

// ---------------------
// | Outbound proposal |
// ---------------------

func (e *Executor) performHandshake(peerOrderID order.ID) error {
	localOrderID, ok := e.chooseMatchProposal(peerOrderID)
	if !ok {
		// Nothing schedulable against this order right now.
		return nil
	}

	peer, ok := e.resolveManagingPeer(peerOrderID)
	if !ok {
		// A future heartbeat will rediscover the order's manager.
		log.WithField("order", peerOrderID).Debugln("no known manager for order")
		return nil
	}

	requestID := uuid.New()
	if _, err := e.states.NewHandshake(requestID, peerOrderID, localOrderID, peer); err != nil {
		if errors.Is(err, ErrDuplicateRequest) {
			return fatalErr(errors.Wrap(err, "indexing outbound handshake"))
		}
		// Either order can drop out of the book between the tick and now;
		// the scheduler simply re-selects later.
		log.WithError(err).Debugln("order vanished before proposal")
		return nil
	}

	err := e.send(gossip.Outbound{Request: &gossip.Request{
		To:        peer,
		RequestID: requestID,
		Message: gossip.HandshakeMessage{
			Kind:        gossip.ProposeMatchCandidate,
			PeerID:      e.peerID,
			SenderOrder: localOrderID,
			PeerOrder:   peerOrderID,
		},
	}})
	if err != nil {
		e.states.Advance(requestID, Aborted)
		return err
	}
	return nil
}

// chooseMatchProposal picks the first schedulable local order whose pairing
// with the peer order is not cached.
func (e *Executor) chooseMatchProposal(peerOrderID order.ID) (order.ID, bool) {
	for _, localID := range e.book.SchedulableLocalOrders() {
		if !e.cache.Contains(localID, peerOrderID) {
			return localID, true
		}
	}
	return order.ID{}, false
}

func (e *Executor) resolveManagingPeer(orderID order.ID) (gossip.PeerID, bool) {
	if peer, ok := e.directory.OrderManager(orderID); ok {
		return peer, true
	}
	return "", false
}

// --------------------
// | Inbound messages |
// --------------------

func (e *Executor) handleMessage(j ProcessInbound) error {
	switch j.Message.Kind {
	case gossip.Ack:
		return nil
	case gossip.ProposeMatchCandidate:
		return e.handleProposeMatchCandidate(j)
	case gossip.RejectMatchCandidate:
		e.handleProposalRejection(j)
		return nil
	case gossip.ExecuteMatch:
		return e.handleExecuteMatch(j)
	}
	return protocolErr(errors.Errorf("unknown handshake message kind %d", j.Message.Kind))
}

// handleProposeMatchCandidate decides whether to meet a peer's proposal with
// an MPC. The sender's order must be Verified locally; our own target order
// must be schedulable; the pair must not have completed a match before.
func (e *Executor) handleProposeMatchCandidate(j ProcessInbound) error {
	senderOrder := j.Message.SenderOrder
	myOrder := j.Message.PeerOrder
	peer := j.Message.PeerID

	if info, ok := e.book.Get(senderOrder); !ok || info.State != order.Verified {
		return e.rejectMatchProposal(j, gossip.NoValidityProof)
	}

	if info, ok := e.book.Get(myOrder); !ok || !info.Schedulable() {
		return e.rejectMatchProposal(j, gossip.LocalOrderNotReady)
	}

	if _, err := e.states.NewHandshake(j.RequestID, senderOrder, myOrder, peer); err != nil {
		// A duplicate request ID never resets the existing record, and an
		// order cancelled since the checks above is no longer ready; both
		// replays are declined.
		return e.rejectMatchProposal(j, gossip.LocalOrderNotReady)
	}

	if e.cache.ContainsCompleted(myOrder, senderOrder) {
		e.states.Drop(j.RequestID)
		return e.rejectMatchProposal(j, gossip.Cached)
	}

	localPort, err := gossip.PickUnusedPort()
	if err != nil {
		e.states.Advance(j.RequestID, Aborted)
		return transientErr(err)
	}

	// Take the listener role; the peer's port is learned when it dials.
	if err := e.send(gossip.Outbound{Directive: &gossip.BrokerMpcNet{
		RequestID: j.RequestID,
		PeerID:    peer,
		PeerPort:  0,
		LocalPort: localPort,
		Role:      gossip.Listener,
	}}); err != nil {
		e.states.Advance(j.RequestID, Aborted)
		return err
	}

	// Tell cluster siblings to keep their hands off the pair while the
	// match runs.
	if err := e.publishCluster(gossip.MatchInProgress, myOrder, senderOrder); err != nil {
		e.states.Advance(j.RequestID, Aborted)
		return err
	}

	e.states.Advance(j.RequestID, AwaitingMpc)

	return e.respond(j, gossip.HandshakeMessage{
		Kind:   gossip.ExecuteMatch,
		PeerID: e.peerID,
		Port:   localPort,
		Order1: myOrder,
		Order2: senderOrder,
	})
}

// handleProposalRejection absorbs a rejection. A Cached reason is gossiped
// knowledge: adopt it. Other reasons leave the pair eligible for a later
// tick.
func (e *Executor) handleProposalRejection(j ProcessInbound) {
	if j.Message.Reason == gossip.Cached {
		e.cache.MarkCompleted(j.Message.SenderOrder, j.Message.PeerOrder)
	}

	log.WithFields(logger.Fields{
		"request": j.RequestID,
		"reason":  j.Message.Reason,
	}).Debugln("match proposal rejected")

	e.states.Advance(j.RequestID, Aborted)
}

// handleExecuteMatch runs on the initiator once the recipient accepts: mark
// the pair completed (the MPC is attempted exactly once), dial the
// recipient's listener, and close the exchange with an Ack.
func (e *Executor) handleExecuteMatch(j ProcessInbound) error {
	e.cache.MarkCompleted(j.Message.Order1, j.Message.Order2)

	localPort, err := gossip.PickUnusedPort()
	if err != nil {
		e.states.Advance(j.RequestID, Aborted)
		return transientErr(err)
	}

	if err := e.send(gossip.Outbound{Directive: &gossip.BrokerMpcNet{
		RequestID: j.RequestID,
		PeerID:    j.Message.PeerID,
		PeerPort:  j.Message.Port,
		LocalPort: localPort,
		Role:      gossip.Dialer,
	}}); err != nil {
		e.states.Advance(j.RequestID, Aborted)
		return err
	}

	e.states.Advance(j.RequestID, AwaitingMpc)
	return e.respond(j, gossip.HandshakeMessage{Kind: gossip.Ack, PeerID: e.peerID})
}

// -------------
// | MPC phase |
// -------------

func (e *Executor) handleMpcNetReady(j MpcNetReady) error {
	record, ok := e.states.Get(j.RequestID)
	if !ok {
		// Shot down or long gone; drop the channel on the floor.
		_ = j.Conn.Close()
		return nil
	}

	// Refresh invisibility so duplicate invitations stay suppressed even if
	// the computation is slow.
	e.cache.MarkInvisible(record.LocalOrderID, record.PeerOrderID, e.invisibility)

	e.publishStatus(topics.HandshakeStatus, message.HandshakeInProgress{
		RequestID:    record.RequestID,
		LocalOrderID: record.LocalOrderID,
		PeerOrderID:  record.PeerOrderID,
	})

	e.states.Advance(j.RequestID, RunningMpc)

	localOrder, ok := e.book.Get(record.LocalOrderID)
	if !ok || localOrder.Witness == nil {
		_ = j.Conn.Close()
		e.states.Advance(j.RequestID, Aborted)
		return protocolErr(errors.New("local witness missing at mpc start"))
	}

	result, err := mpc.Run(mpc.Input{
		RequestID:         record.RequestID,
		PartyID:           j.PartyID,
		Order:             localOrder.Witness.Order,
		WitnessCommitment: localOrder.Witness.Commit(),
		RelayerFeeBps:     localOrder.Witness.RelayerFeeBps,
		Conn:              j.Conn,
		Cancel:            record.Cancel.Done(),
	})
	_ = j.Conn.Close()

	if err != nil {
		// The invisibility window set above expires on its own; the pair
		// becomes eligible again afterwards.
		e.states.Advance(j.RequestID, Aborted)
		log.WithError(err).WithField("request", j.RequestID).Debugln("mpc did not produce a match")
		return nil
	}

	return e.recordCompletedMatch(record, result)
}

// recordCompletedMatch settles a successful MPC into every state store and
// kicks off on-chain submission.
func (e *Executor) recordCompletedMatch(record *Record, result *mpc.MatchResult) error {
	for _, id := range []order.ID{record.LocalOrderID, record.PeerOrderID} {
		if err := e.book.Transition(id, order.Matched, true); err != nil {
			return fatalErr(errors.Wrapf(err, "marking order %s matched", id))
		}
	}

	e.cache.MarkCompleted(record.LocalOrderID, record.PeerOrderID)
	e.states.Advance(record.RequestID, Completed)

	if err := e.publishCluster(gossip.CacheSync, record.LocalOrderID, record.PeerOrderID); err != nil {
		log.WithError(err).Warnln("could not sync cache to siblings")
	}

	e.publishStatus(topics.HandshakeStatus, message.HandshakeCompleted{
		RequestID:    record.RequestID,
		LocalOrderID: record.LocalOrderID,
		PeerOrderID:  record.PeerOrderID,
	})

	e.submitMatch(result)
	return nil
}

// submitMatch requests a proof of VALID MATCH ENCRYPTION and forwards the
// bundle to the settlement collaborator.
func (e *Executor) submitMatch(result *mpc.MatchResult) {
	respChan := make(chan proofs.Bundle, 1)

	select {
	case e.proofQueue <- proofs.Job{Kind: proofs.ValidMatchEncryption, Match: result, RespChan: respChan}:
	default:
		log.WithField("request", result.RequestID).Errorln("proof queue full, match not settled")
		return
	}

	go func() {
		bundle := <-respChan
		if bundle.Err != nil {
			log.WithError(bundle.Err).Errorln("match encryption proof failed")
			return
		}
		if e.settler == nil {
			return
		}
		if err := e.settler.SubmitMatch(bundle.MatchEncryption); err != nil {
			log.WithError(err).Errorln("match settlement failed")
		}
	}()
}

// -------------
// | Shootdown |
// -------------

func (e *Executor) shootdown(n order.Nullifier) {
	reqs := e.states.Shootdown(n)
	if len(reqs) > 0 {
		log.WithFields(logger.Fields{
			"nullifier": n,
			"count":     len(reqs),
		}).Infoln("shot down in-flight handshakes")
	}

	e.book.CancelByNullifier(n)
}

// -----------
// | Helpers |
// -----------

func (e *Executor) rejectMatchProposal(j ProcessInbound, reason gossip.RejectionReason) error {
	return e.respond(j, gossip.HandshakeMessage{
		Kind:        gossip.RejectMatchCandidate,
		PeerID:      e.peerID,
		SenderOrder: j.Message.SenderOrder,
		PeerOrder:   j.Message.PeerOrder,
		Reason:      reason,
	})
}

// respond pairs the reply with the transport's reply token when one exists,
// falling back to a fresh request. Unpaired exchanges are liable to be
// treated as dead connections.
func (e *Executor) respond(j ProcessInbound, msg gossip.HandshakeMessage) error {
	if j.ReplySet {
		return e.send(gossip.Outbound{Response: &gossip.Response{
			Channel:   j.Reply,
			RequestID: j.RequestID,
			Message:   msg,
		}})
	}
	return e.send(gossip.Outbound{Request: &gossip.Request{
		To:        j.Message.PeerID,
		RequestID: j.RequestID,
		Message:   msg,
	}})
}

func (e *Executor) publishCluster(kind gossip.ClusterBodyKind, a, b order.ID) error {
	msg := gossip.ClusterMessage{
		ClusterID: e.clusterID,
		Kind:      kind,
		Order1:    a,
		Order2:    b,
		Peer:      e.peerID,
	}
	msg.Sign(e.keys)

	return e.send(gossip.Outbound{Pubsub: &gossip.Pubsub{
		Topic:   e.clusterID.ManagementTopic(),
		Message: msg,
	}})
}

func (e *Executor) send(out gossip.Outbound) error {
	select {
	case e.networkChan <- out:
		return nil
	case <-e.quitChan:
		return &Error{Kind: Cancelled, Err: errors.New("executor shutting down")}
	}
}

func (e *Executor) publishStatus(topic topics.Topic, payload interface{}) {
	if e.eventBus == nil {
		return
	}
	e.eventBus.Publish(topic, message.New(topic, payload))
}

func (e *Executor) reportError(err error) {
	var herr *Error
	if errors.As(err, &herr) {
		switch herr.Kind {
		case Fatal:
			log.WithError(herr).Errorln("fatal handshake error, escalating")
			select {
			case e.fatalChan <- herr:
			default:
			}
			return
		case Cancelled:
			return
		}
	}
	log.WithError(err).Infoln("error executing handshake")
}
