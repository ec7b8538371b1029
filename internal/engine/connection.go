package engine

import (
	"sync"

	"github.com/juju/errors"

	"github.com/myuser/txndb/internal/metrics"
	"github.com/myuser/txndb/internal/sql"
	"github.com/myuser/txndb/internal/storage"
	"github.com/myuser/txndb/internal/txn"
)

// Connection is the sole authority for commit and rollback. It owns at
// most one active transaction and tracks the cursors derived from it so
// terminating the transaction invalidates them all, including cursors
// the caller forgot about.
type Connection struct {
	id uint64
	db *DB

	mu      sync.Mutex
	tx      *txn.Transaction
	cursors []*Cursor
}

func (c *Connection) ID() uint64 { return c.id }

// activeTxLocked returns the connection's transaction if it is still
// Active. A transaction aborted underneath us (deadlock victim) no
// longer counts as active, so the slot is reusable.
func (c *Connection) activeTxLocked() *txn.Transaction {
	if c.tx != nil && c.tx.State() == txn.StateActive {
		return c.tx
	}
	return nil
}

// Begin starts a transaction at the given isolation level.
func (c *Connection) Begin(isolation txn.IsolationLevel) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.activeTxLocked() != nil {
		return errors.Trace(txn.ErrAlreadyInTransaction)
	}
	c.tx = c.db.mgr.Begin(isolation)
	return nil
}

// BeginDefault starts a transaction at the engine's default level.
func (c *Connection) BeginDefault() error {
	return c.Begin(c.db.cfg.DefaultIsolation)
}

// Commit finalizes the current transaction and invalidates every
// outstanding cursor derived from it.
func (c *Connection) Commit() error {
	return c.finish(true)
}

// Rollback aborts the current transaction and invalidates every
// outstanding cursor derived from it.
func (c *Connection) Rollback() error {
	return c.finish(false)
}

func (c *Connection) finish(commit bool) error {
	c.mu.Lock()
	t := c.activeTxLocked()
	if t == nil {
		c.mu.Unlock()
		return errors.Trace(txn.ErrNoActiveTransaction)
	}
	c.tx = nil
	cursors := append([]*Cursor(nil), c.cursors...)
	c.cursors = nil
	c.mu.Unlock()

	var err error
	if commit {
		err = c.db.mgr.Commit(t)
	} else {
		err = c.db.mgr.Rollback(t)
	}
	for _, cur := range cursors {
		cur.invalidate()
	}
	return errors.Trace(err)
}

// Query parses and executes one SQL statement.
func (c *Connection) Query(sqlStr string, kind CursorKind) (*Cursor, error) {
	stmt, err := sql.Parse(sqlStr)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return c.Execute(stmt, kind)
}

// Execute runs a planned statement under the connection's transaction.
// With no active transaction it fails with ErrNoActiveTransaction
// unless autocommit is configured, in which case a single-statement
// transaction is begun and committed around the call. Reads are then
// materialized eagerly; a lazy cursor cannot outlive the implicit
// commit.
func (c *Connection) Execute(stmt *sql.Statement, kind CursorKind) (*Cursor, error) {
	c.mu.Lock()
	t := c.activeTxLocked()
	c.mu.Unlock()

	if t != nil {
		c.db.mgr.RefreshSnapshot(t)
		cur, err := c.run(t, stmt, kind, true)
		if err != nil {
			return nil, errors.Trace(err)
		}
		return cur, nil
	}

	if !c.db.cfg.Autocommit {
		return nil, errors.Trace(txn.ErrNoActiveTransaction)
	}

	// Implicit single-statement transaction. It never becomes the
	// connection's current transaction, so Begin stays available.
	t = c.db.mgr.Begin(c.db.cfg.DefaultIsolation)
	c.db.mgr.RefreshSnapshot(t)
	cur, err := c.run(t, stmt, ClientSide, false)
	if err != nil {
		c.db.mgr.Rollback(t)
		return nil, errors.Trace(err)
	}
	if err := c.db.mgr.Commit(t); err != nil {
		return nil, errors.Trace(err)
	}
	return cur, nil
}

// run executes stmt on t. Cursors are only registered for invalidation
// when the transaction is connection-owned.
func (c *Connection) run(t *txn.Transaction, stmt *sql.Statement, kind CursorKind, register bool) (*Cursor, error) {
	switch stmt.Kind {
	case sql.KindSelect:
		return c.openCursor(t, stmt, kind, register)
	case sql.KindInsert:
		key := storage.RowKey{Table: stmt.Table, PK: stmt.PK}
		if err := c.db.mgr.Put(t, key, []byte(stmt.Payload)); err != nil {
			return nil, errors.Trace(err)
		}
		return c.resultCursor(t, 1, register), nil
	case sql.KindUpdate:
		return c.writeEach(t, stmt, register, func(key storage.RowKey) (bool, error) {
			if _, ok := c.db.store.VisibleVersion(key, t.SnapshotSeq(), t.ID(), c.db.mgr); !ok {
				return false, nil
			}
			return true, c.db.mgr.Put(t, key, []byte(stmt.Payload))
		})
	case sql.KindDelete:
		return c.writeEach(t, stmt, register, func(key storage.RowKey) (bool, error) {
			return c.db.mgr.Delete(t, key)
		})
	}
	return nil, errors.Errorf("unsupported statement kind %v", stmt.Kind)
}

// writeEach applies op to the statement's target keys: the point key,
// or every visible row of the table.
func (c *Connection) writeEach(t *txn.Transaction, stmt *sql.Statement, register bool, op func(storage.RowKey) (bool, error)) (*Cursor, error) {
	var keys []storage.RowKey
	if stmt.HasPK {
		keys = []storage.RowKey{{Table: stmt.Table, PK: stmt.PK}}
	} else {
		keys = c.db.scanKeys(t, stmt.Table)
	}

	affected := 0
	for _, key := range keys {
		hit, err := op(key)
		if err != nil {
			return nil, errors.Trace(err)
		}
		if hit {
			affected++
		}
	}
	return c.resultCursor(t, affected, register), nil
}

func (c *Connection) openCursor(t *txn.Transaction, stmt *sql.Statement, kind CursorKind, register bool) (*Cursor, error) {
	cur := &Cursor{
		kind:     ServerSide,
		conn:     c,
		tx:       t,
		table:    stmt.Table,
		pointPK:  stmt.PK,
		hasPoint: stmt.HasPK,
		snapshot: t.SnapshotSeq(),
	}
	metrics.Inc("cursor_open")

	if kind == ClientSide {
		// Materialize through the lazy path, then hand out a buffered
		// cursor; the drained server-side one is discarded.
		rows, err := cur.FetchAll()
		if err != nil {
			return nil, errors.Trace(err)
		}
		cur = &Cursor{
			kind: ClientSide,
			conn: c,
			tx:   t,
			rows: rows,
		}
	}

	if register {
		c.mu.Lock()
		c.cursors = append(c.cursors, cur)
		c.mu.Unlock()
	}
	return cur, nil
}

// resultCursor wraps a write's affected-row count in an exhausted-style
// client cursor so Execute has a uniform return shape.
func (c *Connection) resultCursor(t *txn.Transaction, affected int, register bool) *Cursor {
	cur := &Cursor{
		kind:     ClientSide,
		conn:     c,
		tx:       t,
		affected: affected,
	}
	if register {
		c.mu.Lock()
		c.cursors = append(c.cursors, cur)
		c.mu.Unlock()
	}
	return cur
}

func (c *Connection) forgetCursor(cur *Cursor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, have := range c.cursors {
		if have == cur {
			c.cursors = append(c.cursors[:i], c.cursors[i+1:]...)
			return
		}
	}
}

// Close rolls back any active transaction and closes the connection's
// cursors.
func (c *Connection) Close() error {
	c.mu.Lock()
	t := c.activeTxLocked()
	cursors := append([]*Cursor(nil), c.cursors...)
	c.mu.Unlock()

	for _, cur := range cursors {
		cur.Close()
	}
	if t != nil {
		return errors.Trace(c.Rollback())
	}
	return nil
}
