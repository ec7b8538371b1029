package txn

import (
	"sync"

	"github.com/juju/errors"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/btree"

	"github.com/myuser/txndb/internal/metrics"
	"github.com/myuser/txndb/internal/storage"
	"github.com/myuser/txndb/internal/storage/wal"
)

// Manager owns transaction lifecycle: id and snapshot assignment,
// isolation enforcement on the data path, commit/rollback, and lock
// bookkeeping. It also implements storage.StatusView, which is how the
// version store learns whether a writer committed and at what sequence.
type Manager struct {
	store *storage.VersionStore
	locks *LockTable
	log   *wal.WAL // durability collaborator; nil disables notification

	mu   sync.RWMutex
	txns btree.Map[uint64, *Transaction]

	defaultIsolation IsolationLevel
}

func NewManager(store *storage.VersionStore, locks *LockTable, log *wal.WAL, defaultIsolation IsolationLevel) *Manager {
	return &Manager{
		store:            store,
		locks:            locks,
		log:              log,
		defaultIsolation: defaultIsolation,
	}
}

func (m *Manager) DefaultIsolation() IsolationLevel { return m.defaultIsolation }

// Begin starts a transaction. REPEATABLE READ and SERIALIZABLE capture
// their snapshot here; READ COMMITTED (and READ UNCOMMITTED, which is
// implemented as READ COMMITTED) capture one per statement via
// RefreshSnapshot.
func (m *Manager) Begin(isolation IsolationLevel) *Transaction {
	t := &Transaction{
		id:        m.store.NextSeq(),
		isolation: isolation,
		state:     StateActive,
	}
	if isolation >= RepeatableRead {
		t.snapshotSeq = m.store.CurrentSeq()
	}

	m.mu.Lock()
	m.txns.Set(t.id, t)
	m.mu.Unlock()

	metrics.Inc("txn_begin")
	logrus.WithFields(logrus.Fields{
		"txn":       t.id,
		"isolation": isolation.String(),
	}).Debug("begin")
	return t
}

// RefreshSnapshot advances the snapshot to the current sequence for
// levels that read per-statement. Called at every statement boundary.
func (m *Manager) RefreshSnapshot(t *Transaction) {
	if t.isolation >= RepeatableRead {
		return
	}
	seq := m.store.CurrentSeq()
	t.mu.Lock()
	t.snapshotSeq = seq
	t.mu.Unlock()
}

// Lookup implements storage.StatusView.
func (m *Manager) Lookup(txnID uint64) (storage.TxnStatus, uint64) {
	m.mu.RLock()
	t, ok := m.txns.Get(txnID)
	m.mu.RUnlock()
	if !ok {
		return storage.TxnRolledBack, 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.state {
	case StateCommitted:
		return storage.TxnCommitted, t.commitSeq
	case StateRolledBack:
		return storage.TxnRolledBack, 0
	default:
		return storage.TxnActive, 0
	}
}

func ensureActive(t *Transaction) error {
	if t == nil {
		return errors.Trace(ErrNoActiveTransaction)
	}
	if t.State() != StateActive {
		return errors.Trace(ErrTxnNotActive)
	}
	return nil
}

// acquire takes a row lock for t, turning a deadlock victimization into
// a full transaction abort: all locks are released before the error is
// handed back, so the caller can safely retry with a fresh transaction.
func (m *Manager) acquire(t *Transaction, key storage.RowKey, mode LockMode) error {
	err := m.locks.Acquire(string(storage.EncodeRowKey(key)), mode, t.id)
	if err == nil {
		return nil
	}
	if errors.Cause(err) == ErrDeadlockAborted {
		metrics.Inc("deadlock_abort")
		m.finishLocked(t, StateRolledBack)
	}
	return errors.Trace(err)
}

// ReadLock takes the Shared lock SERIALIZABLE requires for reading key;
// a no-op at every other level. Cursors use it to lock rows they emit
// while reading at their own pinned snapshot.
func (m *Manager) ReadLock(t *Transaction, key storage.RowKey) error {
	if err := ensureActive(t); err != nil {
		return err
	}
	if t.isolation != Serializable {
		return nil
	}
	return m.acquire(t, key, LockShared)
}

// Get reads the version of key visible to t. SERIALIZABLE additionally
// takes a Shared lock held until transaction end; other levels read
// without locking (readers never block on MVCC reads).
func (m *Manager) Get(t *Transaction, key storage.RowKey) (*storage.Version, bool, error) {
	if err := ensureActive(t); err != nil {
		return nil, false, err
	}
	if t.isolation == Serializable {
		if err := m.acquire(t, key, LockShared); err != nil {
			return nil, false, err
		}
	}
	v, ok := m.store.VisibleVersion(key, t.SnapshotSeq(), t.id, m)
	return v, ok, nil
}

// Put writes a new version of key. An Exclusive lock is always taken,
// at every isolation level, to prevent lost updates from concurrent
// writers; the prior visible version is stamped as superseded.
func (m *Manager) Put(t *Transaction, key storage.RowKey, payload []byte) error {
	if err := ensureActive(t); err != nil {
		return err
	}
	if err := m.acquire(t, key, LockExclusive); err != nil {
		return err
	}
	m.store.Delete(key, t.id, t.SnapshotSeq(), m)
	m.store.Append(key, payload, t.id)
	return nil
}

// Delete tombstones the visible version(s) of key. Returns whether
// anything was visible to delete.
func (m *Manager) Delete(t *Transaction, key storage.RowKey) (bool, error) {
	if err := ensureActive(t); err != nil {
		return false, err
	}
	if err := m.acquire(t, key, LockExclusive); err != nil {
		return false, err
	}
	return m.store.Delete(key, t.id, t.SnapshotSeq(), m), nil
}

// Commit finalizes t. The commit sequence is allocated and the
// Committed status published inside the store's sequence lock: readers
// already lock store then transaction when a visibility walk consults
// writer status, and Commit must take them in the same order or a
// reader mid-walk and a committer can block on each other forever. The
// durability notification is attempted before success is reported; its
// failure is logged, not returned (the log's failure modes are the
// collaborator's concern). Locks are released exactly once, here.
func (m *Manager) Commit(t *Transaction) error {
	if t == nil {
		return errors.Trace(ErrNoActiveTransaction)
	}
	if t.State() != StateActive {
		return errors.Trace(ErrTxnNotActive)
	}

	var commitSeq uint64
	committed := false
	m.store.NextSeqWith(func(seq uint64) {
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.state != StateActive {
			return
		}
		t.commitSeq = seq
		t.state = StateCommitted
		commitSeq = seq
		committed = true
	})
	if !committed {
		// Lost the race with a concurrent rollback or victim abort.
		return errors.Trace(ErrTxnNotActive)
	}

	if m.log != nil {
		if err := m.log.AppendCommit(t.id, commitSeq); err != nil {
			logrus.WithFields(logrus.Fields{
				"txn": t.id,
			}).WithError(err).Warn("commit log notification failed")
		}
	}

	m.locks.ReleaseAll(t.id)
	metrics.Inc("txn_commit")
	logrus.WithFields(logrus.Fields{
		"txn":       t.id,
		"commitSeq": commitSeq,
	}).Debug("commit")
	return nil
}

// Rollback aborts t. Versions it appended remain physically present but
// can never become visible: Lookup reports the writer rolled back.
// Safe to call concurrently with reads on the same transaction.
func (m *Manager) Rollback(t *Transaction) error {
	if t == nil {
		return errors.Trace(ErrNoActiveTransaction)
	}

	t.mu.Lock()
	if t.state != StateActive {
		t.mu.Unlock()
		return errors.Trace(ErrTxnNotActive)
	}
	t.state = StateRolledBack
	t.mu.Unlock()

	m.locks.ReleaseAll(t.id)
	metrics.Inc("txn_rollback")
	logrus.WithFields(logrus.Fields{"txn": t.id}).Debug("rollback")
	return nil
}

// finishLocked force-terminates t into the given state, used when the
// lock table picked t as a deadlock victim.
func (m *Manager) finishLocked(t *Transaction, state State) {
	t.mu.Lock()
	if t.state == StateActive {
		t.state = state
	}
	t.mu.Unlock()
	m.locks.ReleaseAll(t.id)
	metrics.Inc("txn_rollback")
}
