package main

import (
	"context"
	"encoding/hex"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	logger "github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"

	cfg "github.com/umbra-exchange/umbra-relay/pkg/config"
	"github.com/umbra-exchange/umbra-relay/pkg/core/chain"
	"github.com/umbra-exchange/umbra-relay/pkg/core/data/order"
	"github.com/umbra-exchange/umbra-relay/pkg/core/data/wallet"
	"github.com/umbra-exchange/umbra-relay/pkg/core/database"
	"github.com/umbra-exchange/umbra-relay/pkg/core/handshake"
	"github.com/umbra-exchange/umbra-relay/pkg/core/orderbook"
	"github.com/umbra-exchange/umbra-relay/pkg/core/proofs"
	"github.com/umbra-exchange/umbra-relay/pkg/p2p/gossip"
	"github.com/umbra-exchange/umbra-relay/pkg/p2p/transport"
	"github.com/umbra-exchange/umbra-relay/pkg/util/nativeutils/eventbus"
	"github.com/umbra-exchange/umbra-relay/pkg/util/nativeutils/rpcbus"
)

var log = logger.WithFields(logger.Fields{"prefix": "main"})

const proofWorkers = 4

func main() {
	configPath := flag.String("config", "", "path to a TOML config file")
	flag.Parse()

	if *configPath != "" {
		if err := cfg.Load(*configPath); err != nil {
			logger.WithError(err).Fatalln("could not load config")
		}
	}
	registry := cfg.Get()

	setupLogging(registry)
	log.WithField("network", registry.General.Network).Infoln("starting relayer")

	// Stores are built once here and handed into each subsystem; teardown
	// runs in reverse order at the bottom of main.
	eventBus := eventbus.New()
	rpcBus := rpcbus.New()

	db, err := database.Open(registry.Database.Dir)
	if err != nil {
		log.WithError(err).Fatalln("could not open database")
	}

	walletIndex := wallet.NewIndex()
	wallets, err := db.FetchWallets()
	if err != nil {
		log.WithError(err).Fatalln("could not load wallets")
	}
	for _, w := range wallets {
		walletIndex.Add(w)
	}
	log.WithField("wallets", len(wallets)).Infoln("wallet index restored")

	book := orderbook.New(eventBus)
	directory := gossip.NewDirectory()

	keys, err := gossip.NewClusterKeys()
	if err != nil {
		log.WithError(err).Fatalln("could not generate cluster keys")
	}
	clusterID := gossip.ClusterID(registry.Gossip.ClusterID)
	peerID := gossip.PeerID(hex.EncodeToString(keys.Pub[:8]))
	directory.SetClusterKey(clusterID, keys.Pub)
	seedDirectory(directory, registry, clusterID)

	proofMgr := proofs.NewManager(proofWorkers, 64)
	proofMgr.Run()

	networkChan := make(chan gossip.Outbound, 64)

	hsMgr, err := handshake.NewManager(handshake.ExecutorConfig{
		Book:          book,
		Directory:     directory,
		PeerID:        peerID,
		ClusterID:     clusterID,
		Keys:          keys,
		NetworkChan:   networkChan,
		ProofQueue:    proofMgr.JobQueue(),
		Settler:       newSettler(),
		EventBus:      eventBus,
		Invisibility:  registry.InvisibilityWindow(),
		Workers:       int(registry.Handshake.Workers),
		CacheCapacity: int(registry.Handshake.CacheSize),
	}, rpcBus, registry.HandshakeInterval())
	if err != nil {
		log.WithError(err).Fatalln("could not build handshake manager")
	}
	hsMgr.Run()

	broker := transport.NewBroker(networkChan, hsMgr.Executor.JobQueue(), meshSender{})
	go broker.Run()

	// The on-chain RPC client is an external collaborator; a bare node runs
	// the reconciler against an empty event source.
	if registry.Chain.Gateway == "" {
		log.Infoln("no chain gateway configured; reconciler polls an empty event source")
	} else {
		log.WithField("gateway", registry.Chain.Gateway).
			Infoln("chain gateway configured; attach an event source to consume it")
	}
	reconciler := chain.NewReconciler(chain.ReconcilerConfig{
		Source:        chainSource{},
		Wallets:       walletIndex,
		HandshakeJobs: hsMgr.Executor.JobQueue(),
		EventBus:      eventBus,
		Checkpoint:    db,
		PollInterval:  registry.ChainPollInterval(),
	})
	chainCtx, chainCancel := context.WithCancel(context.Background())
	go reconciler.Run(chainCtx)

	seedLocalOrders(book, walletIndex, proofMgr.JobQueue(), string(clusterID))
	go answerReadModel(rpcBus, book, walletIndex)
	go superviseFatal(hsMgr)

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-interrupt
	log.Infoln("shutting down")

	chainCancel()
	broker.Quit()
	hsMgr.Quit()
	proofMgr.Quit()
	if err := db.Close(); err != nil {
		log.WithError(err).Warnln("error closing database")
	}
}

func setupLogging(registry *cfg.Registry) {
	level, err := logger.ParseLevel(registry.General.LogLevel)
	if err != nil {
		level = logger.InfoLevel
	}
	logger.SetLevel(level)
	logger.SetFormatter(&prefixed.TextFormatter{FullTimestamp: true})

	if registry.General.LogFile != "" {
		logger.SetOutput(&lumberjack.Logger{
			Filename:   registry.General.LogFile,
			MaxSize:    100, // MB
			MaxBackups: 5,
		})
	}
}

func seedDirectory(directory *gossip.Directory, registry *cfg.Registry, clusterID gossip.ClusterID) {
	peers, err := registry.BootstrapPeers()
	if err != nil {
		log.WithError(err).Warnln("could not load bootstrap peers")
		return
	}
	for peer := range peers {
		directory.AddClusterPeer(clusterID, gossip.PeerID(peer))
	}
}

// seedLocalOrders rebuilds the order book from the restored wallets: each
// wallet order enters in the Received state and a VALID COMMITMENTS proof is
// requested; the proof response promotes the order to Verified with its
// witness attached.
func seedLocalOrders(book *orderbook.Book, wallets *wallet.Index, proofQueue chan<- proofs.Job, cluster string) {
	for _, id := range wallets.IDs() {
		w, ok := wallets.Get(id)
		if !ok {
			continue
		}

		nullifier := w.MatchNullifier()
		for _, wo := range w.Orders {
			book.Add(order.NewNetworkOrder(wo.ID, nullifier, cluster, true))

			witness := &order.ValidCommitmentsWitness{
				Order:         wo.Details,
				BalanceAmount: backingBalance(&w, wo.Details),
				FeeBalance:    feeBalance(&w),
				RelayerFeeBps: relayerFeeBps(&w),
				Randomness:    w.Randomness,
			}

			respChan := make(chan proofs.Bundle, 1)
			proofQueue <- proofs.Job{
				Kind:      proofs.ValidCommitments,
				OrderID:   wo.ID,
				Witness:   witness,
				Statement: order.ValidCommitmentsStatement{Nullifier: nullifier},
				RespChan:  respChan,
			}

			go func(orderID order.ID, witness *order.ValidCommitmentsWitness) {
				bundle := <-respChan
				if bundle.Err != nil {
					log.WithError(bundle.Err).WithField("order", orderID).Errorln("validity proof failed")
					return
				}
				if err := book.AttachProof(orderID, bundle.Commitments); err != nil {
					log.WithError(err).WithField("order", orderID).Errorln("could not attach proof")
					return
				}
				if err := book.AttachWitness(orderID, witness); err != nil {
					log.WithError(err).WithField("order", orderID).Errorln("could not attach witness")
				}
			}(wo.ID, witness)
		}
	}
}

// backingBalance is the wallet balance backing the order: the base mint for
// a sell, the quote mint for a buy.
func backingBalance(w *wallet.Wallet, o order.Order) uint64 {
	mint := o.BaseMint
	if o.Side == order.Buy {
		mint = o.QuoteMint
	}
	for _, b := range w.Balances {
		if b.Mint == mint {
			return b.Amount
		}
	}
	return 0
}

func feeBalance(w *wallet.Wallet) uint64 {
	var total uint64
	for _, f := range w.Fees {
		total += f.GasAmount
	}
	return total
}

// relayerFeeBps is the rate the wallet committed to its managing relayer.
func relayerFeeBps(w *wallet.Wallet) uint32 {
	var total uint32
	for _, f := range w.Fees {
		total += f.PercentBps
	}
	return total
}

func answerReadModel(rpcBus *rpcbus.RPCBus, book *orderbook.Book, wallets *wallet.Index) {
	bookChan := make(chan rpcbus.Request, 1)
	walletChan := make(chan rpcbus.Request, 1)
	if err := rpcBus.Register(rpcbus.GetOrderBook, bookChan); err != nil {
		log.WithError(err).Errorln("could not register order book query")
		return
	}
	if err := rpcBus.Register(rpcbus.GetWallet, walletChan); err != nil {
		log.WithError(err).Errorln("could not register wallet query")
		return
	}

	for {
		select {
		case r := <-bookChan:
			r.RespChan <- rpcbus.Response{Resp: book.Snapshot()}
		case r := <-walletChan:
			id, ok := r.Params.(wallet.ID)
			if !ok {
				r.RespChan <- rpcbus.Response{Err: errors.New("wallet id expected")}
				continue
			}
			w, found := wallets.Get(id)
			if !found {
				r.RespChan <- rpcbus.Response{Err: errors.New("wallet not found")}
				continue
			}
			r.RespChan <- rpcbus.Response{Resp: w}
		}
	}
}

// superviseFatal restarts nothing on its own; invariant violations are
// surfaced loudly so the operator's process supervisor can bounce the node.
func superviseFatal(hsMgr *handshake.Manager) {
	err := <-hsMgr.Executor.Fatal()
	log.WithError(err).Fatalln("handshake subsystem invariant violated")
}

// meshSender is the gossip mesh attachment point. The mesh wire protocol is
// a collaborator of this node; a bare node logs outbound frames.
type meshSender struct{}

func (meshSender) SendRequest(r gossip.Request) error {
	log.WithField("to", r.To).Debugln("outbound handshake request (no mesh attached)")
	return nil
}

func (meshSender) SendResponse(gossip.Response) error { return nil }

func (meshSender) Publish(gossip.Pubsub) error { return nil }

// chainSource is the on-chain event source attachment point. The RPC client
// wrapping the network's gateway is a collaborator of this node; a bare node
// sees an empty event stream.
type chainSource struct{}

func (chainSource) BlockNumber(context.Context) (uint64, error) { return 0, nil }

func (chainSource) Events(context.Context, uint64) ([]chain.Event, error) { return nil, nil }

func (chainSource) EventsInBlock(context.Context, uint64, chain.EventKey) ([]chain.Event, error) {
	return nil, nil
}

func newSettler() handshake.Settler {
	return &chain.Submitter{}
}
