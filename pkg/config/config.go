package config

import (
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/magiconair/properties"
	"github.com/pkg/errors"
)

// Registry is the full node configuration, loaded once at startup.
type Registry struct {
	General   generalConfiguration
	Handshake handshakeConfiguration
	Chain     chainConfiguration
	Database  databaseConfiguration
	Gossip    gossipConfiguration
}

type generalConfiguration struct {
	// Network name, used to namespace gossip topics.
	Network string
	// LogLevel accepted by logrus (trace, debug, info, ...).
	LogLevel string
	// LogFile receives rotated log output; empty logs to stdout only.
	LogFile string
}

type handshakeConfiguration struct {
	// IntervalMillis between outbound proposals.
	IntervalMillis uint
	// InvisibilityMillis a pair stays unschedulable after a sibling claims it.
	InvisibilityMillis uint
	// CacheSize bounds the pair cache.
	CacheSize uint
	// Workers bounds concurrent handshake jobs.
	Workers uint
}

type chainConfiguration struct {
	// Gateway is the RPC endpoint of the settlement chain; when empty the
	// reconciler still runs, polling an empty event source.
	Gateway string
	// ContractAddress of the darkpool contract.
	ContractAddress string
	// PollIntervalMillis between contract event polls.
	PollIntervalMillis uint
}

type databaseConfiguration struct {
	Dir string
}

type gossipConfiguration struct {
	// Port the transport listens on.
	Port uint
	// ClusterID this replica belongs to.
	ClusterID string
	// BootstrapFile is an optional .properties file mapping peer IDs to
	// addresses, used to seed the mesh.
	BootstrapFile string
}

var (
	r    *Registry
	once sync.Once
)

// Get the registry, initialized with defaults if Load was never called.
func Get() *Registry {
	once.Do(func() {
		if r == nil {
			r = defaultRegistry()
		}
	})
	return r
}

// Load the registry from a TOML file. Must run before the first Get.
func Load(path string) error {
	loaded := defaultRegistry()
	if _, err := toml.DecodeFile(path, loaded); err != nil {
		return errors.Wrapf(err, "loading config from %s", path)
	}

	r = loaded
	return nil
}

func defaultRegistry() *Registry {
	return &Registry{
		General: generalConfiguration{
			Network:  "testnet",
			LogLevel: "info",
		},
		Handshake: handshakeConfiguration{
			IntervalMillis:     2_000,
			InvisibilityMillis: 120_000,
			CacheSize:          500,
			Workers:            8,
		},
		Chain: chainConfiguration{
			PollIntervalMillis: 5_000,
		},
		Database: databaseConfiguration{
			Dir: ".umbra/db",
		},
		Gossip: gossipConfiguration{
			Port:      7946,
			ClusterID: "default-cluster",
		},
	}
}

// HandshakeInterval as a duration.
func (r *Registry) HandshakeInterval() time.Duration {
	return time.Duration(r.Handshake.IntervalMillis) * time.Millisecond
}

// InvisibilityWindow as a duration.
func (r *Registry) InvisibilityWindow() time.Duration {
	return time.Duration(r.Handshake.InvisibilityMillis) * time.Millisecond
}

// ChainPollInterval as a duration.
func (r *Registry) ChainPollInterval() time.Duration {
	return time.Duration(r.Chain.PollIntervalMillis) * time.Millisecond
}

// BootstrapPeers reads the optional bootstrap .properties file, mapping peer
// ID to dial address.
func (r *Registry) BootstrapPeers() (map[string]string, error) {
	if r.Gossip.BootstrapFile == "" {
		return nil, nil
	}

	props, err := properties.LoadFile(r.Gossip.BootstrapFile, properties.UTF8)
	if err != nil {
		return nil, errors.Wrap(err, "loading bootstrap peers")
	}
	return props.Map(), nil
}
