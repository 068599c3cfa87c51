package proofs

import (
	"github.com/google/uuid"
	"github.com/umbra-exchange/umbra-relay/pkg/core/data/order"
	"github.com/umbra-exchange/umbra-relay/pkg/core/mpc"
)

// JobKind names the relation a proof job proves.
type JobKind uint8

const (
	// ValidCommitments proves an order is a legitimate element of a committed
	// wallet. Requested when a new local order is added.
	ValidCommitments JobKind = iota
	// ValidMatchEncryption proves the notes produced by a match are correctly
	// encrypted against the verified commitments. Requested after every
	// successful MPC.
	ValidMatchEncryption
)

func (k JobKind) String() string {
	switch k {
	case ValidCommitments:
		return "ValidCommitments"
	case ValidMatchEncryption:
		return "ValidMatchEncryption"
	}
	return "Unknown"
}

// ValidMatchEncryptionBundle pairs a match-encryption proof with the match
// it settles.
type ValidMatchEncryptionBundle struct {
	RequestID uuid.UUID
	// NoteCommitments bound by the proof.
	NoteCommitments [4][32]byte
	Proof           []byte
}

// Bundle is the response to a proof job; exactly one result field is set.
type Bundle struct {
	Commitments     *order.ValidCommitmentsBundle
	MatchEncryption *ValidMatchEncryptionBundle
	Err             error
}

// Job is a unit of work for the proof manager.
type Job struct {
	Kind JobKind

	// ValidCommitments inputs.
	OrderID   order.ID
	Witness   *order.ValidCommitmentsWitness
	Statement order.ValidCommitmentsStatement

	// ValidMatchEncryption inputs.
	Match *mpc.MatchResult

	// RespChan receives the finished bundle; buffered by the submitter.
	RespChan chan Bundle
}
