package mpc

import (
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"

	ristretto "github.com/bwesterb/go-ristretto"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	logger "github.com/sirupsen/logrus"
	"github.com/umbra-exchange/umbra-relay/pkg/core/data/order"
	"golang.org/x/crypto/blake2b"
)

var log = logger.WithFields(logger.Fields{"prefix": "mpc"})

// AbortError reports a match computation that ended without a result: a
// cancellation, a transcript divergence, or a peer failure.
type AbortError struct {
	Reason string
}

func (e *AbortError) Error() string {
	return "mpc aborted: " + e.Reason
}

// Input is everything the runner needs to execute one match computation.
type Input struct {
	RequestID uuid.UUID
	// PartyID fixes the message ordering on the wire: party 0 writes first
	// in every round.
	PartyID uint64
	// Order is the local party's hidden order; it never crosses the wire in
	// the clear.
	Order order.Order
	// WitnessCommitment binds the runner's outputs to the commitment the
	// local validity proof was verified against.
	WitnessCommitment [32]byte
	// RelayerFeeBps is the rate the local order's wallet committed to its
	// managing relayer.
	RelayerFeeBps uint32

	Conn io.ReadWriteCloser
	// Cancel aborts the computation; checked at every round boundary and
	// unblocks in-flight I/O by closing the connection.
	Cancel <-chan struct{}
}

// keyMsg carries a party's ephemeral ristretto public point.
type keyMsg struct {
	Point []byte
}

// orderMsg carries a party's witness commitment, its order fields sealed
// under the shared pad, and its wallet's committed relayer rate.
type orderMsg struct {
	Commitment [32]byte
	Sealed     []byte
	FeeBps     uint32
}

// digestMsg closes the protocol: both parties exchange their result digest
// and must agree byte for byte.
type digestMsg struct {
	Digest [32]byte
}

// Run executes the two-party match computation. Both parties either return
// byte-identical MatchResults or both abort. The arithmetic runs on the
// caller's goroutine; callers schedule it on a blocking pool.
func Run(in Input) (*MatchResult, error) {
	done := make(chan struct{})
	defer close(done)

	// A fired cancel closes the connection so blocked reads return.
	go func() {
		select {
		case <-in.Cancel:
			_ = in.Conn.Close()
		case <-done:
		}
	}()

	res, err := run(in)
	if err != nil {
		select {
		case <-in.Cancel:
			return nil, &AbortError{Reason: "cancelled"}
		default:
		}
		return nil, err
	}
	return res, nil
}

func run(in Input) (*MatchResult, error) {
	enc := gob.NewEncoder(in.Conn)
	dec := gob.NewDecoder(in.Conn)

	// Round 1: ephemeral key exchange.
	if err := checkCancel(in.Cancel); err != nil {
		return nil, err
	}

	var secret ristretto.Scalar
	secret.Rand()
	var public ristretto.Point
	public.ScalarMultBase(&secret)

	var theirKey keyMsg
	if err := exchange(in.PartyID, enc, dec, &keyMsg{Point: public.Bytes()}, &theirKey); err != nil {
		return nil, errors.Wrap(err, "key exchange")
	}

	var peerPoint ristretto.Point
	if !peerPoint.SetBytes(sized32(theirKey.Point)) {
		return nil, &AbortError{Reason: "malformed peer key"}
	}

	var shared ristretto.Point
	shared.ScalarMult(&peerPoint, &secret)
	seed := blake2b.Sum256(shared.Bytes())

	// Round 2: sealed order exchange.
	if err := checkCancel(in.Cancel); err != nil {
		return nil, err
	}

	sealed := sealOrder(in.Order, seed, in.PartyID)
	var theirs orderMsg
	out := orderMsg{Commitment: in.WitnessCommitment, Sealed: sealed, FeeBps: in.RelayerFeeBps}
	if err := exchange(in.PartyID, enc, dec, &out, &theirs); err != nil {
		return nil, errors.Wrap(err, "order exchange")
	}

	peerOrder, err := openOrder(theirs.Sealed, seed, 1-in.PartyID)
	if err != nil {
		return nil, &AbortError{Reason: err.Error()}
	}

	// Round 3: both sides evaluate the match and confirm agreement.
	if err := checkCancel(in.Cancel); err != nil {
		return nil, err
	}

	party0Order, party1Order := in.Order, peerOrder
	commit0, commit1 := in.WitnessCommitment, theirs.Commitment
	fee0, fee1 := in.RelayerFeeBps, theirs.FeeBps
	if in.PartyID == 1 {
		party0Order, party1Order = peerOrder, in.Order
		commit0, commit1 = theirs.Commitment, in.WitnessCommitment
		fee0, fee1 = theirs.FeeBps, in.RelayerFeeBps
	}

	outcome := ComputeMatch(party0Order, party1Order)
	transcript := transcriptDigest(in.RequestID, commit0, commit1, outcome)
	notes := buildNotes(outcome, party0Order, party1Order, fee0, fee1, transcript)
	ciphertexts := sealNotes(notes, seed)

	digest := resultDigest(notes, ciphertexts)
	var theirDigest digestMsg
	if err := exchange(in.PartyID, enc, dec, &digestMsg{Digest: digest}, &theirDigest); err != nil {
		return nil, errors.Wrap(err, "digest exchange")
	}
	if theirDigest.Digest != digest {
		return nil, &AbortError{Reason: "transcript divergence"}
	}

	if !outcome.Crossed {
		log.WithField("request", in.RequestID).Debugln("orders do not cross")
		return nil, &AbortError{Reason: "no cross"}
	}

	return &MatchResult{
		RequestID:   in.RequestID,
		Outcome:     outcome,
		Notes:       notes,
		Ciphertexts: ciphertexts,
	}, nil
}

// exchange performs one round: party 0 writes then reads, party 1 reads then
// writes. Strict alternation keeps the protocol safe on half-duplex pipes.
func exchange(party uint64, enc *gob.Encoder, dec *gob.Decoder, send, recv interface{}) error {
	if party == 0 {
		if err := enc.Encode(send); err != nil {
			return err
		}
		return dec.Decode(recv)
	}

	if err := dec.Decode(recv); err != nil {
		return err
	}
	return enc.Encode(send)
}

func checkCancel(cancel <-chan struct{}) error {
	select {
	case <-cancel:
		return &AbortError{Reason: "cancelled"}
	default:
		return nil
	}
}

// sealOrder encrypts the order fields under a pad derived from the shared
// seed and the sender's party ID.
func sealOrder(o order.Order, seed [32]byte, sender uint64) []byte {
	plain := encodeOrder(o)
	pad := derivePad(seed, sender, len(plain))

	sealed := make([]byte, len(plain))
	for i := range plain {
		sealed[i] = plain[i] ^ pad[i]
	}
	return sealed
}

func openOrder(sealed []byte, seed [32]byte, sender uint64) (order.Order, error) {
	if len(sealed) != 40 {
		return order.Order{}, fmt.Errorf("sealed order has %d bytes, want 40", len(sealed))
	}

	pad := derivePad(seed, sender, len(sealed))
	plain := make([]byte, len(sealed))
	for i := range sealed {
		plain[i] = sealed[i] ^ pad[i]
	}
	return decodeOrder(plain), nil
}

func encodeOrder(o order.Order) []byte {
	buf := make([]byte, 40)
	binary.LittleEndian.PutUint64(buf[0:], o.BaseMint)
	binary.LittleEndian.PutUint64(buf[8:], o.QuoteMint)
	binary.LittleEndian.PutUint64(buf[16:], uint64(o.Side))
	binary.LittleEndian.PutUint64(buf[24:], o.Price)
	binary.LittleEndian.PutUint64(buf[32:], o.Amount)
	return buf
}

func decodeOrder(buf []byte) order.Order {
	return order.Order{
		BaseMint:  binary.LittleEndian.Uint64(buf[0:]),
		QuoteMint: binary.LittleEndian.Uint64(buf[8:]),
		Side:      order.Side(binary.LittleEndian.Uint64(buf[16:])),
		Price:     binary.LittleEndian.Uint64(buf[24:]),
		Amount:    binary.LittleEndian.Uint64(buf[32:]),
	}
}

func derivePad(seed [32]byte, sender uint64, n int) []byte {
	pad := make([]byte, 0, n)
	var counter uint64
	for len(pad) < n {
		h, _ := blake2b.New256(nil)
		_, _ = h.Write(seed[:])

		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], sender)
		_, _ = h.Write(buf[:])
		binary.LittleEndian.PutUint64(buf[:], counter)
		_, _ = h.Write(buf[:])

		pad = append(pad, h.Sum(nil)...)
		counter++
	}
	return pad[:n]
}

// sealNotes produces the ciphertexts the settlement verifier consumes; one
// per note, bound to the shared seed.
func sealNotes(notes [4]Note, seed [32]byte) [][]byte {
	out := make([][]byte, len(notes))
	for i, n := range notes {
		h, _ := blake2b.New512(nil)
		_, _ = h.Write(seed[:])
		_, _ = h.Write(n.Commitment[:])
		out[i] = h.Sum(nil)
	}
	return out
}

func transcriptDigest(req uuid.UUID, commit0, commit1 [32]byte, outcome Outcome) [32]byte {
	h, _ := blake2b.New256(nil)
	_, _ = h.Write(req[:])
	_, _ = h.Write(commit0[:])
	_, _ = h.Write(commit1[:])

	var buf [8]byte
	crossed := uint64(0)
	if outcome.Crossed {
		crossed = 1
	}
	for _, v := range []uint64{crossed, outcome.Amount, outcome.Price} {
		binary.LittleEndian.PutUint64(buf[:], v)
		_, _ = h.Write(buf[:])
	}

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func resultDigest(notes [4]Note, ciphertexts [][]byte) [32]byte {
	h, _ := blake2b.New256(nil)
	for _, n := range notes {
		_, _ = h.Write(n.Commitment[:])
	}
	for _, ct := range ciphertexts {
		_, _ = h.Write(ct)
	}

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func sized32(b []byte) *[32]byte {
	var out [32]byte
	copy(out[:], b)
	return &out
}
