package chain

import (
	"context"
	"time"

	ristretto "github.com/bwesterb/go-ristretto"
	logger "github.com/sirupsen/logrus"
	"github.com/umbra-exchange/umbra-relay/pkg/core/data/order"
	"github.com/umbra-exchange/umbra-relay/pkg/core/data/wallet"
	"github.com/umbra-exchange/umbra-relay/pkg/core/handshake"
	"github.com/umbra-exchange/umbra-relay/pkg/p2p/wire/message"
	"github.com/umbra-exchange/umbra-relay/pkg/p2p/wire/topics"
	"github.com/umbra-exchange/umbra-relay/pkg/util/nativeutils/eventbus"
)

var log = logger.WithFields(logger.Fields{"prefix": "chain"})

// PollInterval is the default period between contract event polls.
const PollInterval = 5 * time.Second

// Checkpointer persists the reconciler's Merkle-consistent block across
// restarts so resync skips already applied events.
type Checkpointer interface {
	SaveCheckpoint(block uint64) error
	LoadCheckpoint() (uint64, bool, error)
}

// Reconciler keeps local state consistent with the settlement contract: it
// patches wallet authentication paths on Merkle changes and shoots down
// in-flight handshakes whose nullifiers were spent.
type Reconciler struct {
	source  Source
	wallets *wallet.Index

	handshakeJobs chan<- handshake.Job
	eventBus      eventbus.Publisher
	checkpoint    Checkpointer

	pollInterval time.Duration

	// cursor is the next block to poll from; merkleLastConsistentBlock is
	// the highest block whose Merkle events have been applied.
	cursor                    uint64
	merkleLastConsistentBlock uint64

	quitChan chan struct{}
}

// ReconcilerConfig wires a reconciler's collaborators.
type ReconcilerConfig struct {
	Source        Source
	Wallets       *wallet.Index
	HandshakeJobs chan<- handshake.Job
	EventBus      eventbus.Publisher
	Checkpoint    Checkpointer
	PollInterval  time.Duration
}

// NewReconciler builds a reconciler; Run starts it.
func NewReconciler(cfg ReconcilerConfig) *Reconciler {
	interval := cfg.PollInterval
	if interval == 0 {
		interval = PollInterval
	}

	return &Reconciler{
		source:        cfg.Source,
		wallets:       cfg.Wallets,
		handshakeJobs: cfg.HandshakeJobs,
		eventBus:      cfg.EventBus,
		checkpoint:    cfg.Checkpoint,
		pollInterval:  interval,
		quitChan:      make(chan struct{}),
	}
}

// Run polls the contract until cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	head, err := r.source.BlockNumber(ctx)
	if err != nil {
		log.WithError(err).Errorln("could not fetch chain head")
		return
	}

	r.cursor = head
	r.merkleLastConsistentBlock = head
	if r.checkpoint != nil {
		if block, ok, err := r.checkpoint.LoadCheckpoint(); err == nil && ok && block > head {
			r.merkleLastConsistentBlock = block
		}
	}

	log.WithField("block", r.cursor).Infoln("starting on-chain reconciler")

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := r.poll(ctx); err != nil {
				log.WithError(err).Errorln("error polling events")
			}
		case <-ctx.Done():
			log.Infoln("reconciler cancelled, winding down")
			return
		case <-r.quitChan:
			return
		}
	}
}

// Quit stops the reconciler outside of context cancellation.
func (r *Reconciler) Quit() {
	close(r.quitChan)
}

func (r *Reconciler) poll(ctx context.Context) error {
	events, err := r.source.Events(ctx, r.cursor)
	if err != nil {
		return err
	}

	for _, ev := range events {
		if err := r.handleEvent(ctx, ev); err != nil {
			log.WithError(err).WithField("block", ev.BlockNumber).Warnln("skipping bad event")
		}
		if ev.BlockNumber >= r.cursor {
			r.cursor = ev.BlockNumber + 1
		}
	}
	return nil
}

func (r *Reconciler) handleEvent(ctx context.Context, ev Event) error {
	if len(ev.Keys) == 0 {
		return nil
	}

	switch ev.Keys[0] {
	case MerkleRootChanged:
		// Skip blocks whose Merkle events were already applied; re-observed
		// events during resync must be idempotent.
		if ev.BlockNumber <= r.merkleLastConsistentBlock {
			return nil
		}
		return r.handleRootChanged(ctx, ev.BlockNumber)

	case NullifierSpent:
		n, err := parseNullifier(ev)
		if err != nil {
			return err
		}
		return r.handleNullifierSpent(n)
	}

	return nil
}

// handleRootChanged composes the net node-change map for the block, later
// writes winning, and patches every wallet path touching a changed
// coordinate.
func (r *Reconciler) handleRootChanged(ctx context.Context, block uint64) error {
	events, err := r.source.EventsInBlock(ctx, block, MerkleNodeChanged)
	if err != nil {
		return err
	}

	changed := make(map[wallet.TreeCoords]ristretto.Scalar, len(events))
	for _, ev := range events {
		coords, value, err := parseNodeChange(ev)
		if err != nil {
			return err
		}
		// Events arrive in transaction order; the final value per node wins.
		changed[coords] = value
	}

	patched := r.wallets.Patch(changed)
	for _, id := range patched {
		if r.eventBus != nil {
			r.eventBus.Publish(topics.WalletUpdate, message.New(topics.WalletUpdate, message.WalletUpdated{WalletID: id}))
		}
	}

	r.merkleLastConsistentBlock = block
	if r.checkpoint != nil {
		if err := r.checkpoint.SaveCheckpoint(block); err != nil {
			log.WithError(err).Warnln("could not persist merkle checkpoint")
		}
	}

	log.WithFields(logger.Fields{
		"block":   block,
		"nodes":   len(changed),
		"patched": len(patched),
	}).Debugln("applied merkle update")
	return nil
}

// handleNullifierSpent hands the spent nullifier to the handshake executor,
// whose shootdown path aborts in-flight MPCs and cancels every order bound
// to it.
func (r *Reconciler) handleNullifierSpent(n order.Nullifier) error {
	select {
	case r.handshakeJobs <- handshake.MpcShootdown{Nullifier: n}:
	case <-r.quitChan:
	}
	return nil
}
