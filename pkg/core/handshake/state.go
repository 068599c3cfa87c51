package handshake

import (
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/umbra-exchange/umbra-relay/pkg/core/data/order"
	"github.com/umbra-exchange/umbra-relay/pkg/core/orderbook"
	"github.com/umbra-exchange/umbra-relay/pkg/p2p/gossip"
)

// Phase of an in-flight handshake. Advancement is monotone:
// Proposed -> AwaitingMpc -> RunningMpc -> Completed | Aborted.
type Phase uint8

const (
	// Proposed: the pair has been proposed to (or by) a peer.
	Proposed Phase = iota
	// AwaitingMpc: both sides accepted; the transport is brokering a stream.
	AwaitingMpc
	// RunningMpc: the match computation is executing.
	RunningMpc
	// Completed: the match settled.
	Completed
	// Aborted: the handshake was rejected, failed, or shot down.
	Aborted
)

func (p Phase) String() string {
	switch p {
	case Proposed:
		return "Proposed"
	case AwaitingMpc:
		return "AwaitingMpc"
	case RunningMpc:
		return "RunningMpc"
	case Completed:
		return "Completed"
	case Aborted:
		return "Aborted"
	}
	return "Unknown"
}

// ErrDuplicateRequest is returned when a request ID is already indexed.
var ErrDuplicateRequest = errors.New("duplicate handshake request id")

// CancelToken is a one-shot signal the MPC runner consumes to abort early.
type CancelToken struct {
	once sync.Once
	ch   chan struct{}
}

func newCancelToken() *CancelToken {
	return &CancelToken{ch: make(chan struct{})}
}

// Cancel fires the token. Safe to call more than once.
func (t *CancelToken) Cancel() {
	t.once.Do(func() { close(t.ch) })
}

// Done returns the channel closed on cancellation.
func (t *CancelToken) Done() <-chan struct{} {
	return t.ch
}

// Record is the state kept per in-flight handshake, keyed by request ID.
type Record struct {
	RequestID    uuid.UUID
	LocalOrderID order.ID
	PeerOrderID  order.ID
	PeerID       gossip.PeerID
	Phase        Phase
	// Nullifiers claimed by the two orders; a spend of either shoots the
	// handshake down.
	Nullifiers [2]order.Nullifier

	Cancel *CancelToken
}

// StateIndex tracks in-flight handshakes with a secondary index by nullifier
// for shootdowns. Both indexes mutate under the same lock.
type StateIndex struct {
	lock    sync.RWMutex
	records map[uuid.UUID]*Record
	// byNullifier maps a nullifier to the requests whose orders claim it.
	byNullifier map[order.Nullifier]map[uuid.UUID]struct{}

	book *orderbook.Book
}

// NewStateIndex returns an empty index resolving order nullifiers against
// the given book.
func NewStateIndex(book *orderbook.Book) *StateIndex {
	return &StateIndex{
		records:     make(map[uuid.UUID]*Record),
		byNullifier: make(map[order.Nullifier]map[uuid.UUID]struct{}),
		book:        book,
	}
}

// NewHandshake creates a record in the Proposed phase. Fails on a duplicate
// request ID or when either order is absent from the book.
func (s *StateIndex) NewHandshake(req uuid.UUID, peerOrder, localOrder order.ID, peer gossip.PeerID) (*Record, error) {
	localNullifier, err := s.book.Nullifier(localOrder)
	if err != nil {
		return nil, errors.Wrap(err, "local order")
	}
	peerNullifier, err := s.book.Nullifier(peerOrder)
	if err != nil {
		return nil, errors.Wrap(err, "peer order")
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	if _, ok := s.records[req]; ok {
		return nil, ErrDuplicateRequest
	}

	r := &Record{
		RequestID:    req,
		LocalOrderID: localOrder,
		PeerOrderID:  peerOrder,
		PeerID:       peer,
		Phase:        Proposed,
		Nullifiers:   [2]order.Nullifier{localNullifier, peerNullifier},
		Cancel:       newCancelToken(),
	}
	s.records[req] = r

	for _, n := range r.Nullifiers {
		if _, ok := s.byNullifier[n]; !ok {
			s.byNullifier[n] = make(map[uuid.UUID]struct{})
		}
		s.byNullifier[n][req] = struct{}{}
	}

	return snapshot(r), nil
}

// Advance moves a record to a later phase; regressions are ignored.
// Completed and Aborted are terminal: the record is dropped from both
// indexes.
func (s *StateIndex) Advance(req uuid.UUID, phase Phase) bool {
	s.lock.Lock()
	defer s.lock.Unlock()

	r, ok := s.records[req]
	if !ok || phase <= r.Phase {
		return false
	}

	r.Phase = phase
	if phase == Completed || phase == Aborted {
		s.dropLocked(r)
	}
	return true
}

// Get returns a snapshot of a record.
func (s *StateIndex) Get(req uuid.UUID) (*Record, bool) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	r, ok := s.records[req]
	if !ok {
		return nil, false
	}
	return snapshot(r), true
}

// Drop removes a record without a terminal phase transition; used when a
// proposal is rejected outright.
func (s *StateIndex) Drop(req uuid.UUID) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if r, ok := s.records[req]; ok {
		s.dropLocked(r)
	}
}

// Shootdown aborts every record whose orders claim the nullifier, firing
// their cancel tokens. Returns the shot-down request IDs.
func (s *StateIndex) Shootdown(n order.Nullifier) []uuid.UUID {
	s.lock.Lock()

	var tokens []*CancelToken
	var reqs []uuid.UUID
	for req := range s.byNullifier[n] {
		r, ok := s.records[req]
		if !ok {
			continue
		}
		r.Phase = Aborted
		tokens = append(tokens, r.Cancel)
		reqs = append(reqs, req)
		s.dropLocked(r)
	}
	s.lock.Unlock()

	for _, t := range tokens {
		t.Cancel()
	}
	return reqs
}

// Active returns snapshots of every in-flight record, for the read model.
func (s *StateIndex) Active() []*Record {
	s.lock.RLock()
	defer s.lock.RUnlock()

	out := make([]*Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, snapshot(r))
	}
	return out
}

func (s *StateIndex) dropLocked(r *Record) {
	delete(s.records, r.RequestID)
	for _, n := range r.Nullifiers {
		if set, ok := s.byNullifier[n]; ok {
			delete(set, r.RequestID)
			if len(set) == 0 {
				delete(s.byNullifier, n)
			}
		}
	}
}

func snapshot(r *Record) *Record {
	cp := *r
	return &cp
}
