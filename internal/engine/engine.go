package engine

import (
	"sync/atomic"

	"github.com/juju/errors"
	"github.com/sirupsen/logrus"

	"github.com/myuser/txndb/internal/config"
	"github.com/myuser/txndb/internal/storage"
	"github.com/myuser/txndb/internal/storage/wal"
	"github.com/myuser/txndb/internal/txn"
)

// DB wires the transactional core together: version store, lock table,
// transaction manager and commit log. Connections are the only public
// way in; everything underneath is shared mutable state the connections
// race on.
type DB struct {
	cfg    config.Config
	store  *storage.VersionStore
	locks  *txn.LockTable
	mgr    *txn.Manager
	log    *wal.WAL
	nextID atomic.Uint64
}

// Open assembles an engine from cfg. An empty WALPath disables the
// durability notification.
func Open(cfg config.Config) (*DB, error) {
	if lvl, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logrus.SetLevel(lvl)
	}

	var log *wal.WAL
	if cfg.WALPath != "" {
		var err error
		log, err = wal.Open(cfg.WALPath)
		if err != nil {
			return nil, errors.Annotate(err, "opening commit log")
		}
	}

	store := storage.NewVersionStore()
	locks := txn.NewLockTable(txn.WaitPolicy{
		Timeout: cfg.LockWaitTimeout,
		NoWait:  cfg.NoWait,
	})
	return &DB{
		cfg:   cfg,
		store: store,
		locks: locks,
		mgr:   txn.NewManager(store, locks, log, cfg.DefaultIsolation),
		log:   log,
	}, nil
}

func (db *DB) Close() error {
	if db.log != nil {
		return db.log.Close()
	}
	return nil
}

// NewConnection hands out an independent execution context. Each
// connection owns at most one active transaction at a time.
func (db *DB) NewConnection() *Connection {
	return &Connection{
		id: db.nextID.Add(1),
		db: db,
	}
}

// Manager exposes the transaction manager for tools that drive the
// data path directly.
func (db *DB) Manager() *txn.Manager { return db.mgr }

// scanKeys collects, in key order, every row of table visible to t.
// Used by full-table writes, which need the key set up front before
// taking locks row by row.
func (db *DB) scanKeys(t *txn.Transaction, table string) []storage.RowKey {
	prefix := storage.TablePrefix(table)
	var keys []storage.RowKey
	var pos []byte
	for {
		key, _, ok := db.store.NextVisible(prefix, pos, t.SnapshotSeq(), t.ID(), db.mgr)
		if !ok {
			return keys
		}
		keys = append(keys, storage.DecodeRowKey(key))
		pos = key
	}
}
