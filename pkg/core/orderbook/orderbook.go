package orderbook

import (
	"math/rand"
	"sync"

	"github.com/pkg/errors"
	logger "github.com/sirupsen/logrus"
	"github.com/umbra-exchange/umbra-relay/pkg/core/data/order"
	"github.com/umbra-exchange/umbra-relay/pkg/p2p/wire/message"
	"github.com/umbra-exchange/umbra-relay/pkg/p2p/wire/topics"
	"github.com/umbra-exchange/umbra-relay/pkg/util/nativeutils/eventbus"
)

var log = logger.WithFields(logger.Fields{"prefix": "orderbook"})

// ErrUnknownOrder is returned for operations on an order the book never saw.
var ErrUnknownOrder = errors.New("unknown order")

// ErrIllegalTransition is returned when a requested transition is not an edge
// of the order lifecycle DAG. Callers treat it as an invariant violation.
var ErrIllegalTransition = errors.New("illegal order state transition")

// Book is the authoritative in-memory index of every order the node knows
// about, local and remote. All mutations are serialized on the book's lock;
// state changes are published on the event bus after the lock is released.
type Book struct {
	lock sync.RWMutex

	orders   map[order.ID]*order.NetworkOrder
	local    map[order.ID]struct{}
	verified map[order.ID]struct{}
	// byNullifier maps a wallet match nullifier to the orders claiming it.
	byNullifier map[order.Nullifier]map[order.ID]struct{}

	eventBus eventbus.Publisher
}

// New returns an empty order book publishing state changes on the given bus.
func New(eventBus eventbus.Publisher) *Book {
	return &Book{
		orders:      make(map[order.ID]*order.NetworkOrder),
		local:       make(map[order.ID]struct{}),
		verified:    make(map[order.ID]struct{}),
		byNullifier: make(map[order.Nullifier]map[order.ID]struct{}),
		eventBus:    eventBus,
	}
}

// Add inserts an order into the book; idempotent on ID.
func (b *Book) Add(o *order.NetworkOrder) {
	b.lock.Lock()
	defer b.lock.Unlock()

	if _, ok := b.orders[o.ID]; ok {
		return
	}

	cp := *o
	b.orders[o.ID] = &cp

	if cp.Local {
		b.local[cp.ID] = struct{}{}
	}
	if cp.State == order.Verified {
		b.verified[cp.ID] = struct{}{}
	}
	b.indexNullifier(cp.MatchNullifier, cp.ID)

	log.WithFields(logger.Fields{
		"order": cp.ID,
		"state": cp.State,
		"local": cp.Local,
	}).Debugln("order added")
}

// AttachProof attaches a validity proof to an order in the Received state,
// moving it to Verified. The match nullifier is re-indexed from the proof
// statement.
func (b *Book) AttachProof(id order.ID, proof *order.ValidCommitmentsBundle) error {
	b.lock.Lock()

	o, ok := b.orders[id]
	if !ok {
		b.lock.Unlock()
		return ErrUnknownOrder
	}
	if o.State != order.Received {
		b.lock.Unlock()
		return errors.Wrapf(ErrIllegalTransition, "attach proof in state %s", o.State)
	}

	prev := o.State
	b.unindexNullifier(o.MatchNullifier, id)
	o.MatchNullifier = proof.Statement.Nullifier
	b.indexNullifier(o.MatchNullifier, id)

	o.ValidityProof = proof
	o.State = order.Verified
	b.verified[id] = struct{}{}
	b.lock.Unlock()

	b.publishStateChange(id, prev, order.Verified)
	return nil
}

// AttachWitness augments a locally managed order with the witness behind its
// validity proof. No state change.
func (b *Book) AttachWitness(id order.ID, witness *order.ValidCommitmentsWitness) error {
	b.lock.Lock()
	defer b.lock.Unlock()

	o, ok := b.orders[id]
	if !ok {
		return ErrUnknownOrder
	}
	if !o.Local {
		return errors.New("witness attached to non-local order")
	}

	o.Witness = witness
	return nil
}

// Transition applies a single legal lifecycle transition. byLocal is
// meaningful only when the target is Matched.
func (b *Book) Transition(id order.ID, target order.State, byLocal bool) error {
	b.lock.Lock()

	o, ok := b.orders[id]
	if !ok {
		b.lock.Unlock()
		return ErrUnknownOrder
	}

	if !legalTransition(o.State, target) {
		from, to := o.State, target
		b.lock.Unlock()
		return errors.Wrapf(ErrIllegalTransition, "%s -> %s", from, to)
	}

	prev := o.State
	o.State = target
	if target == order.Matched {
		o.ByLocalNode = byLocal
	}
	if prev == order.Verified && target != order.Verified {
		delete(b.verified, id)
	}
	// A proof is held exactly while the order is Verified or Matched.
	if target != order.Verified && target != order.Matched {
		o.ValidityProof = nil
	}
	b.lock.Unlock()

	b.publishStateChange(id, prev, target)
	return nil
}

// legalTransition reports whether from -> to is an edge of the lifecycle DAG:
// Received -> Verified -> Matched, any -> Cancelled, Verified -> Pruned.
func legalTransition(from, to order.State) bool {
	if to == order.Cancelled {
		return true
	}
	switch from {
	case order.Received:
		return to == order.Verified
	case order.Verified:
		return to == order.Matched || to == order.Pruned
	}
	return false
}

// Get returns a snapshot copy of an order record.
func (b *Book) Get(id order.ID) (order.NetworkOrder, bool) {
	b.lock.RLock()
	defer b.lock.RUnlock()

	o, ok := b.orders[id]
	if !ok {
		return order.NetworkOrder{}, false
	}
	return *o, true
}

// Contains reports whether the order is indexed.
func (b *Book) Contains(id order.ID) bool {
	b.lock.RLock()
	defer b.lock.RUnlock()

	_, ok := b.orders[id]
	return ok
}

// Nullifier returns the match nullifier currently indexed for an order.
func (b *Book) Nullifier(id order.ID) (order.Nullifier, error) {
	b.lock.RLock()
	defer b.lock.RUnlock()

	o, ok := b.orders[id]
	if !ok {
		return order.Nullifier{}, ErrUnknownOrder
	}
	return o.MatchNullifier, nil
}

// SchedulableLocalOrders returns the local, verified orders holding a
// witness; the candidates for the local side of a handshake.
func (b *Book) SchedulableLocalOrders() []order.ID {
	b.lock.RLock()
	defer b.lock.RUnlock()

	var out []order.ID
	for id := range b.verified {
		if _, ok := b.local[id]; !ok {
			continue
		}
		if b.orders[id].Witness != nil {
			out = append(out, id)
		}
	}
	return out
}

// NonlocalVerifiedOrders returns verified orders managed by other clusters;
// the candidates for the remote side of a handshake.
func (b *Book) NonlocalVerifiedOrders() []order.ID {
	b.lock.RLock()
	defer b.lock.RUnlock()

	var out []order.ID
	for id := range b.verified {
		if _, ok := b.local[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}

// RandomNonlocalVerified picks a remote verified order uniformly at random.
func (b *Book) RandomNonlocalVerified() (order.ID, bool) {
	candidates := b.NonlocalVerifiedOrders()
	if len(candidates) == 0 {
		return order.ID{}, false
	}
	return candidates[rand.Intn(len(candidates))], true
}

// OrdersByNullifier returns the orders claiming the given nullifier.
func (b *Book) OrdersByNullifier(n order.Nullifier) []order.ID {
	b.lock.RLock()
	defer b.lock.RUnlock()

	var out []order.ID
	for id := range b.byNullifier[n] {
		out = append(out, id)
	}
	return out
}

// CancelByNullifier transitions every order claiming the nullifier to
// Cancelled. Invoked when the nullifier is seen spent on-chain.
func (b *Book) CancelByNullifier(n order.Nullifier) {
	for _, id := range b.OrdersByNullifier(n) {
		if err := b.Transition(id, order.Cancelled, false); err != nil {
			log.WithError(err).WithField("order", id).Warnln("could not cancel order")
		}
	}
}

// OrderOwnerPairs returns every known order with the cluster to contact for
// it.
func (b *Book) OrderOwnerPairs() map[order.ID]string {
	b.lock.RLock()
	defer b.lock.RUnlock()

	out := make(map[order.ID]string, len(b.orders))
	for id, o := range b.orders {
		out[id] = o.Cluster
	}
	return out
}

// Snapshot copies the full book for the control-plane read model.
func (b *Book) Snapshot() map[order.ID]order.NetworkOrder {
	b.lock.RLock()
	defer b.lock.RUnlock()

	out := make(map[order.ID]order.NetworkOrder, len(b.orders))
	for id, o := range b.orders {
		cp := *o
		// The witness never leaves the book through the read model.
		cp.Witness = nil
		out[id] = cp
	}
	return out
}

func (b *Book) indexNullifier(n order.Nullifier, id order.ID) {
	if _, ok := b.byNullifier[n]; !ok {
		b.byNullifier[n] = make(map[order.ID]struct{})
	}
	b.byNullifier[n][id] = struct{}{}
}

func (b *Book) unindexNullifier(n order.Nullifier, id order.ID) {
	if set, ok := b.byNullifier[n]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(b.byNullifier, n)
		}
	}
}

func (b *Book) publishStateChange(id order.ID, prev, next order.State) {
	if b.eventBus == nil {
		return
	}

	b.eventBus.Publish(topics.OrderStateChange, message.New(topics.OrderStateChange, message.OrderStateChange{
		ID:   id,
		Prev: prev,
		New:  next,
	}))
}
