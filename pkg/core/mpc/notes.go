package mpc

import (
	"encoding/binary"

	"github.com/google/uuid"
	"github.com/umbra-exchange/umbra-relay/pkg/core/data/order"
	"golang.org/x/crypto/blake2b"
)

// ProtocolFeeBps is the protocol's fixed take on every match, in basis
// points. The relayer's take is not a constant: each wallet commits its
// managing relayer's rate, carried into the MPC by both parties.
const ProtocolFeeBps = 2

// NoteKind distinguishes the four notes a match produces.
type NoteKind uint8

const (
	// Party0Note and Party1Note record each party's post-trade position.
	Party0Note NoteKind = iota
	Party1Note
	// RelayerFeeNote records the relayer's fee on the match.
	RelayerFeeNote
	// ProtocolFeeNote records the protocol's fee on the match.
	ProtocolFeeNote
)

// Note is the cryptographic record of what one recipient receives from a
// match, settleable on-chain.
type Note struct {
	Kind NoteKind
	// Mint and Amount describe the transfer.
	Mint   uint64
	Amount uint64
	// Commitment binds the note to the match transcript and the witness
	// commitments both validity proofs were verified against.
	Commitment [32]byte
}

// MatchResult is the package the runner hands back for settlement: the four
// notes plus the ciphertexts the settlement verifier consumes.
type MatchResult struct {
	RequestID uuid.UUID
	Outcome   Outcome
	Notes     [4]Note
	// Ciphertexts are the encrypted note openings bound into the
	// VALID MATCH ENCRYPTION relation.
	Ciphertexts [][]byte
}

// buildNotes derives the four notes from the crossed orders, the two
// wallet-committed relayer rates, and the shared transcript digest. The
// buying party receives the base mint, the selling party the quote volume
// net of fees; the relayer fee note compensates both sides' managing
// relayers at their committed rates. Both parties hold identical
// transcripts, so both derive identical notes.
func buildNotes(outcome Outcome, party0, party1 order.Order, fee0, fee1 uint32, transcript [32]byte) [4]Note {
	quoteVolume := (outcome.Amount * outcome.Price) >> PriceShift
	relayerFee := quoteVolume * uint64(fee0+fee1) / 10_000
	protocolFee := quoteVolume * ProtocolFeeBps / 10_000

	partyNote := func(kind NoteKind, o order.Order) Note {
		if o.Side == order.Buy {
			return Note{Kind: kind, Mint: o.BaseMint, Amount: outcome.Amount}
		}
		return Note{Kind: kind, Mint: o.QuoteMint, Amount: quoteVolume - relayerFee - protocolFee}
	}

	var notes [4]Note
	notes[Party0Note] = partyNote(Party0Note, party0)
	notes[Party1Note] = partyNote(Party1Note, party1)
	notes[RelayerFeeNote] = Note{Kind: RelayerFeeNote, Mint: party0.QuoteMint, Amount: relayerFee}
	notes[ProtocolFeeNote] = Note{Kind: ProtocolFeeNote, Mint: party0.QuoteMint, Amount: protocolFee}

	for i := range notes {
		notes[i].Commitment = noteCommitment(notes[i], transcript)
	}
	return notes
}

func noteCommitment(n Note, transcript [32]byte) [32]byte {
	h, _ := blake2b.New256(nil)
	_, _ = h.Write(transcript[:])

	var buf [8]byte
	for _, v := range []uint64{uint64(n.Kind), n.Mint, n.Amount} {
		binary.LittleEndian.PutUint64(buf[:], v)
		_, _ = h.Write(buf[:])
	}

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
