package order

// State is the lifecycle state of a known order, as seen by the local node.
type State uint8

const (
	// Received indicates the local node knows about the order but has not yet
	// seen a validity proof for it. Orders in this state cannot be matched.
	Received State = iota
	// Verified indicates a validity proof has been received and checked.
	// Orders in this state are ready to be matched.
	Verified
	// Matched indicates the order is known to be matched, not necessarily by
	// the local node.
	Matched
	// Cancelled indicates a nullifier for the containing wallet was spent
	// on-chain, invalidating the order.
	Cancelled
	// Pruned indicates the originating relayer became uncontactable; the order
	// is parked while its cluster peers pick it up.
	Pruned
)

func (s State) String() string {
	switch s {
	case Received:
		return "Received"
	case Verified:
		return "Verified"
	case Matched:
		return "Matched"
	case Cancelled:
		return "Cancelled"
	case Pruned:
		return "Pruned"
	}
	return "Unknown"
}

// NetworkOrder is the record kept for every order the node knows about,
// locally managed or discovered via gossip.
type NetworkOrder struct {
	ID ID
	// Cluster is the cluster known to manage the order.
	Cluster string
	// Local is set when this node's cluster manages the order. It does not
	// imply the order originated at this node.
	Local bool
	// MatchNullifier of the containing wallet. Re-derived from the proof
	// statement when a validity proof is attached.
	MatchNullifier Nullifier

	State State
	// ByLocalNode is meaningful only in the Matched state.
	ByLocalNode bool

	// ValidityProof is present exactly when State is Verified or Matched.
	ValidityProof *ValidCommitmentsBundle
	// Witness to the validity proof; held only for locally managed orders
	// that are ready to enter an MPC. Never serialized off the node.
	Witness *ValidCommitmentsWitness
}

// NewNetworkOrder returns an order record in the Received state.
func NewNetworkOrder(id ID, nullifier Nullifier, cluster string, local bool) *NetworkOrder {
	return &NetworkOrder{
		ID:             id,
		Cluster:        cluster,
		Local:          local,
		MatchNullifier: nullifier,
		State:          Received,
	}
}

// Schedulable reports whether the order may be proposed as the local side of
// a handshake: locally managed, verified, and witness in hand.
func (o *NetworkOrder) Schedulable() bool {
	return o.Local && o.State == Verified && o.Witness != nil
}
