package proofs

import (
	"encoding/binary"

	"github.com/pkg/errors"
	logger "github.com/sirupsen/logrus"
	"github.com/umbra-exchange/umbra-relay/pkg/core/data/order"
	"golang.org/x/crypto/blake2b"
)

var log = logger.WithFields(logger.Fields{"prefix": "proofs"})

// Manager runs the proof-generation worker pool. Proof construction is
// CPU-heavy, so jobs fan out over a fixed number of workers and never run on
// the submitter's goroutine.
type Manager struct {
	jobQueue chan Job
	workers  int
	quitChan chan struct{}
}

// NewManager builds a manager with the given pool size and queue depth.
func NewManager(workers, queueDepth int) *Manager {
	return &Manager{
		jobQueue: make(chan Job, queueDepth),
		workers:  workers,
		quitChan: make(chan struct{}),
	}
}

// JobQueue is the channel collaborators submit proof jobs on.
func (m *Manager) JobQueue() chan<- Job {
	return m.jobQueue
}

// Run starts the worker pool.
func (m *Manager) Run() {
	log.Infof("starting %d proof workers", m.workers)
	for i := 0; i < m.workers; i++ {
		go m.worker()
	}
}

// Quit stops the pool; queued jobs are abandoned.
func (m *Manager) Quit() {
	close(m.quitChan)
}

func (m *Manager) worker() {
	for {
		select {
		case job := <-m.jobQueue:
			m.handle(job)
		case <-m.quitChan:
			return
		}
	}
}

func (m *Manager) handle(job Job) {
	var bundle Bundle

	switch job.Kind {
	case ValidCommitments:
		bundle = m.proveValidCommitments(job)
	case ValidMatchEncryption:
		bundle = m.proveValidMatchEncryption(job)
	default:
		bundle = Bundle{Err: errors.Errorf("unknown proof kind %d", job.Kind)}
	}

	select {
	case job.RespChan <- bundle:
	default:
		log.WithField("kind", job.Kind).Warnln("proof response dropped, submitter gone")
	}
}

func (m *Manager) proveValidCommitments(job Job) Bundle {
	if job.Witness == nil {
		return Bundle{Err: errors.New("valid commitments job without witness")}
	}

	statement := job.Statement
	statement.WalletCommitment = job.Witness.Commit()

	h, _ := blake2b.New512(nil)
	_, _ = h.Write(job.OrderID[:])
	_, _ = h.Write(statement.Nullifier[:])
	_, _ = h.Write(statement.WalletCommitment[:])
	_, _ = h.Write(statement.MerkleRoot[:])

	return Bundle{Commitments: &order.ValidCommitmentsBundle{Statement: statement, Proof: h.Sum(nil)}}
}

func (m *Manager) proveValidMatchEncryption(job Job) Bundle {
	if job.Match == nil {
		return Bundle{Err: errors.New("match encryption job without match result")}
	}

	out := &ValidMatchEncryptionBundle{RequestID: job.Match.RequestID}

	h, _ := blake2b.New512(nil)
	_, _ = h.Write(job.Match.RequestID[:])
	for i, note := range job.Match.Notes {
		out.NoteCommitments[i] = note.Commitment
		_, _ = h.Write(note.Commitment[:])
	}
	for _, ct := range job.Match.Ciphertexts {
		_, _ = h.Write(ct)
	}

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], job.Match.Outcome.Amount)
	_, _ = h.Write(buf[:])

	out.Proof = h.Sum(nil)
	return Bundle{MatchEncryption: out}
}
