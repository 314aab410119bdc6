// Package store keeps the accumulator history on disk.
package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	badgerdb "github.com/dgraph-io/badger/v3"
	"go.uber.org/zap"

	"github.com/raitobridge/blockmmr"
)

const (
	nodePrefix = 'n'
	keyLen     = 1 + 1 + 8
)

// numLeavesKey holds the leaf count of the last completed append.
var numLeavesKey = []byte("meta/num_leaves")

// Options configures the badger backed history.
type Options struct {
	// Dir is where the database lives. Empty means in memory.
	Dir string `json:"dir"`

	// SyncWrites makes every append durable before it returns.
	SyncWrites bool `json:"sync_writes"`
}

var _ blockmmr.HistoryStore = (*BadgerHistory)(nil)

// BadgerHistory implements blockmmr.HistoryStore on top of badger. Every
// append is written in a single transaction.
type BadgerHistory struct {
	db     *badgerdb.DB
	logger *zap.Logger
}

// Open opens or creates the history described by opts.
func Open(opts Options, logger *zap.Logger) (*BadgerHistory, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("store")

	var dbOpts badgerdb.Options
	if opts.Dir == "" {
		dbOpts = badgerdb.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(opts.Dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create history dir %s: %w", opts.Dir, err)
		}
		dbOpts = badgerdb.DefaultOptions(opts.Dir)
		dbOpts.SyncWrites = opts.SyncWrites
	}
	dbOpts.Logger = &badgerLogger{logger.Sugar()}

	db, err := badgerdb.Open(dbOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open history: %w", err)
	}

	logger.Info("history opened", zap.String("dir", opts.Dir))
	return &BadgerHistory{db: db, logger: logger}, nil
}

// Close closes the database.
func (b *BadgerHistory) Close() error {
	return b.db.Close()
}

// nodeKey encodes the key as the prefix, the height and the big-endian index
// so nodes of one height are stored in index order.
func nodeKey(k blockmmr.NodeKey) []byte {
	key := make([]byte, keyLen)
	key[0] = nodePrefix
	key[1] = k.Height
	binary.BigEndian.PutUint64(key[2:], k.Index)
	return key
}

// Get returns the hash at the given key.
func (b *BadgerHistory) Get(k blockmmr.NodeKey) (blockmmr.Hash, bool, error) {
	var hash blockmmr.Hash
	found := false
	err := b.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(nodeKey(k))
		if err != nil {
			if errors.Is(err, badgerdb.ErrKeyNotFound) {
				return nil
			}
			return err
		}

		return item.Value(func(val []byte) error {
			if len(val) != len(hash) {
				return fmt.Errorf("node %s has %d bytes", k, len(val))
			}
			copy(hash[:], val)
			found = true
			return nil
		})
	})
	if err != nil {
		return blockmmr.Hash{}, false, fmt.Errorf("badger get %s: %w", k, err)
	}
	return hash, found, nil
}

// Append writes the nodes and the leaf count in one transaction.
func (b *BadgerHistory) Append(nodes []blockmmr.Node, numLeaves uint64) error {
	err := b.db.Update(func(txn *badgerdb.Txn) error {
		for _, n := range nodes {
			hash := n.Hash
			if err := txn.Set(nodeKey(n.NodeKey), hash[:]); err != nil {
				return err
			}
		}
		var count [8]byte
		binary.BigEndian.PutUint64(count[:], numLeaves)
		return txn.Set(numLeavesKey, count[:])
	})
	if err != nil {
		return fmt.Errorf("badger append at %d leaves: %w", numLeaves, err)
	}
	return nil
}

// NumLeaves returns the leaf count of the last completed append.
func (b *BadgerHistory) NumLeaves() (uint64, error) {
	var numLeaves uint64
	err := b.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(numLeavesKey)
		if err != nil {
			if errors.Is(err, badgerdb.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if len(val) != 8 {
			return fmt.Errorf("leaf count has %d bytes", len(val))
		}
		numLeaves = binary.BigEndian.Uint64(val)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("badger read leaf count: %w", err)
	}
	return numLeaves, nil
}

// badgerLogger sends badger's logs to zap.
type badgerLogger struct {
	*zap.SugaredLogger
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.Warnf(format, args...)
}
