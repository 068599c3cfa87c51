package database

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"

	"github.com/pkg/errors"
	logger "github.com/sirupsen/logrus"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/umbra-exchange/umbra-relay/pkg/core/data/wallet"
)

var log = logger.WithFields(logger.Fields{"prefix": "database"})

var (
	walletPrefix  = []byte("wallet:")
	checkpointKey = []byte("merkle:checkpoint")
)

// DB is the node's durable store: wallet snapshots and the reconciler's
// Merkle checkpoint. The order book itself is memory-only and rebuilt from
// chain state and gossip at startup.
type DB struct {
	ldb *leveldb.DB
}

// Open creates or opens the store at the given path.
func Open(path string) (*DB, error) {
	ldb, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, errors.Wrap(err, "opening database")
	}

	log.WithField("path", path).Infoln("database open")
	return &DB{ldb: ldb}, nil
}

// Close the underlying store.
func (d *DB) Close() error {
	return d.ldb.Close()
}

// PutWallet stores a wallet snapshot.
func (d *DB) PutWallet(w *wallet.Wallet) error {
	buf := new(bytes.Buffer)
	if err := gob.NewEncoder(buf).Encode(w); err != nil {
		return errors.Wrap(err, "encoding wallet")
	}
	return d.ldb.Put(walletKey(w.ID), buf.Bytes(), nil)
}

// FetchWallets loads every stored wallet snapshot.
func (d *DB) FetchWallets() ([]*wallet.Wallet, error) {
	iter := d.ldb.NewIterator(nil, nil)
	defer iter.Release()

	var wallets []*wallet.Wallet
	for iter.Next() {
		if !bytes.HasPrefix(iter.Key(), walletPrefix) {
			continue
		}

		w := new(wallet.Wallet)
		if err := gob.NewDecoder(bytes.NewReader(iter.Value())).Decode(w); err != nil {
			return nil, errors.Wrap(err, "decoding wallet")
		}
		wallets = append(wallets, w)
	}
	return wallets, iter.Error()
}

// SaveCheckpoint persists the highest Merkle-consistent block. Implements
// chain.Checkpointer.
func (d *DB) SaveCheckpoint(block uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], block)
	return d.ldb.Put(checkpointKey, buf[:], nil)
}

// LoadCheckpoint returns the persisted checkpoint, if any. Implements
// chain.Checkpointer.
func (d *DB) LoadCheckpoint() (uint64, bool, error) {
	val, err := d.ldb.Get(checkpointKey, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	if len(val) != 8 {
		return 0, false, errors.New("corrupt checkpoint")
	}
	return binary.LittleEndian.Uint64(val), true, nil
}

func walletKey(id wallet.ID) []byte {
	return append(append([]byte{}, walletPrefix...), id[:]...)
}
