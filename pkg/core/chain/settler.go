package chain

import (
	"github.com/umbra-exchange/umbra-relay/pkg/core/proofs"
)

// Submitter is the settlement half of the on-chain client collaborator.
// The transaction construction itself lives outside the core; this type is
// the boundary the handshake executor hands finished bundles to.
type Submitter struct {
	// Submit posts a settlement transaction. Nil submitters log and drop,
	// which keeps single-node deployments and tests running without a
	// gateway.
	Submit func(*proofs.ValidMatchEncryptionBundle) error
}

// SubmitMatch implements handshake.Settler.
func (s *Submitter) SubmitMatch(bundle *proofs.ValidMatchEncryptionBundle) error {
	if s.Submit == nil {
		log.WithField("request", bundle.RequestID).Infoln("match settled (no gateway configured)")
		return nil
	}
	return s.Submit(bundle)
}
