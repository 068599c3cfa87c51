package gossip

import (
	"crypto/ed25519"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// PeerID identifies a single relayer process on the mesh.
type PeerID string

// ClusterID identifies a set of replicas co-managing the same wallets. The
// cluster's signing key authenticates its management topic.
type ClusterID string

// ManagementTopic is the pub-sub topic the cluster's control messages flow on.
func (c ClusterID) ManagementTopic() string {
	return string(c) + "-cluster-mgmt"
}

// ClusterKeys is the signing keypair shared by a cluster's replicas.
type ClusterKeys struct {
	Pub  ed25519.PublicKey
	Priv ed25519.PrivateKey
}

// NewClusterKeys generates a fresh cluster keypair.
func NewClusterKeys() (ClusterKeys, error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return ClusterKeys{}, errors.Wrap(err, "generating cluster keys")
	}
	return ClusterKeys{Pub: pub, Priv: priv}, nil
}

// Directory tracks which peers belong to which cluster and which peer manages
// which order, learned from heartbeats and cluster joins.
type Directory struct {
	lock          sync.RWMutex
	clusterPeers  map[ClusterID][]PeerID
	clusterKeys   map[ClusterID]ed25519.PublicKey
	orderManagers map[uuid.UUID]PeerID
}

// NewDirectory returns an empty peer directory.
func NewDirectory() *Directory {
	return &Directory{
		clusterPeers:  make(map[ClusterID][]PeerID),
		clusterKeys:   make(map[ClusterID]ed25519.PublicKey),
		orderManagers: make(map[uuid.UUID]PeerID),
	}
}

// AddClusterPeer records a peer as a member of a cluster.
func (d *Directory) AddClusterPeer(cluster ClusterID, peer PeerID) {
	d.lock.Lock()
	defer d.lock.Unlock()

	for _, p := range d.clusterPeers[cluster] {
		if p == peer {
			return
		}
	}
	d.clusterPeers[cluster] = append(d.clusterPeers[cluster], peer)
}

// SetClusterKey pins the public key a cluster signs its management topic with.
func (d *Directory) SetClusterKey(cluster ClusterID, key ed25519.PublicKey) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.clusterKeys[cluster] = key
}

// ClusterKey returns the pinned public key for a cluster.
func (d *Directory) ClusterKey(cluster ClusterID) (ed25519.PublicKey, bool) {
	d.lock.RLock()
	defer d.lock.RUnlock()

	key, ok := d.clusterKeys[cluster]
	return key, ok
}

// SetOrderManager records the peer shopping an order around the network.
func (d *Directory) SetOrderManager(orderID uuid.UUID, peer PeerID) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.orderManagers[orderID] = peer
}

// OrderManager resolves the peer managing an order, if known.
func (d *Directory) OrderManager(orderID uuid.UUID) (PeerID, bool) {
	d.lock.RLock()
	defer d.lock.RUnlock()

	peer, ok := d.orderManagers[orderID]
	return peer, ok
}

// PickUnusedPort asks the kernel for a free TCP port to receive an MPC
// connection on.
func PickUnusedPort() (uint16, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, errors.Wrap(err, "picking port")
	}

	port := l.Addr().(*net.TCPAddr).Port
	_ = l.Close()
	return uint16(port), nil
}
