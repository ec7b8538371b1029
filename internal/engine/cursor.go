package engine

import (
	"sync"

	"github.com/juju/errors"

	"github.com/myuser/txndb/internal/metrics"
	"github.com/myuser/txndb/internal/storage"
	"github.com/myuser/txndb/internal/txn"
)

// CursorKind selects the iteration strategy for a statement's results.
type CursorKind int

const (
	// ServerSide fetches one row per Next from the version store: O(1)
	// memory, but the cursor dies with its transaction.
	ServerSide CursorKind = iota
	// ClientSide materializes the whole result at execute time; already
	// fetched rows survive transaction termination.
	ClientSide
)

type cursorState uint8

const (
	curOpen cursorState = iota
	curExhausted
	curClosed
	curInvalidated
)

// Row is one result row.
type Row struct {
	Key     storage.RowKey
	Payload []byte
}

// Cursor iterates a statement's result set. It is bound to the
// transaction that executed the statement but never owns it: commit and
// rollback authority stays with the connection. Cursors are modeled as
// a small state machine (Open -> Exhausted/Closed/Invalidated) because
// invalidation must be observable independently of exhaustion.
type Cursor struct {
	kind CursorKind
	conn *Connection
	tx   *txn.Transaction

	mu    sync.Mutex
	state cursorState

	// ClientSide: the materialized result.
	rows []Row
	pos  int

	// ServerSide: scan position. snapshot is pinned at execute time so
	// READ COMMITTED statements issued later on the same transaction do
	// not shift this cursor's view mid-iteration.
	table    string
	lastKey  []byte
	pointPK  string
	hasPoint bool
	pointRet bool
	snapshot uint64

	affected int
}

// Affected reports rows touched by a write statement.
func (c *Cursor) Affected() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.affected
}

// Next returns the next row, or (nil, nil) once the result set is
// exhausted. After the bound transaction leaves the Active state every
// call on a server-side cursor fails with ErrCursorInvalidated, and
// keeps failing with it.
func (c *Cursor) Next() (*Row, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case curClosed:
		return nil, errors.Trace(txn.ErrCursorClosed)
	case curInvalidated:
		return nil, errors.Trace(txn.ErrCursorInvalidated)
	case curExhausted:
		return nil, nil
	}

	if c.kind == ClientSide {
		if c.pos >= len(c.rows) {
			c.state = curExhausted
			return nil, nil
		}
		row := c.rows[c.pos]
		c.pos++
		return &row, nil
	}
	return c.nextServerLocked()
}

func (c *Cursor) nextServerLocked() (*Row, error) {
	if err := c.checkAliveLocked(); err != nil {
		return nil, err
	}

	row, ok, err := c.fetchLocked()
	if err != nil {
		return nil, err
	}

	// A rollback may have raced the fetch on another goroutine. Never
	// hand out data read across the termination point.
	if err := c.checkAliveLocked(); err != nil {
		return nil, err
	}
	if !ok {
		c.state = curExhausted
		return nil, nil
	}
	return row, nil
}

func (c *Cursor) checkAliveLocked() error {
	if c.tx.State() != txn.StateActive {
		c.state = curInvalidated
		metrics.Inc("cursor_invalidated")
		return errors.Trace(txn.ErrCursorInvalidated)
	}
	return nil
}

func (c *Cursor) fetchLocked() (*Row, bool, error) {
	mgr := c.conn.db.mgr
	store := c.conn.db.store

	if c.hasPoint {
		if c.pointRet {
			return nil, false, nil
		}
		c.pointRet = true
		key := storage.RowKey{Table: c.table, PK: c.pointPK}
		if err := mgr.ReadLock(c.tx, key); err != nil {
			return nil, false, errors.Trace(err)
		}
		v, ok := store.VisibleVersion(key, c.snapshot, c.tx.ID(), mgr)
		if !ok {
			return nil, false, nil
		}
		return &Row{Key: key, Payload: append([]byte(nil), v.Payload...)}, true, nil
	}

	prefix := storage.TablePrefix(c.table)
	encKey, v, ok := store.NextVisible(prefix, c.lastKey, c.snapshot, c.tx.ID(), mgr)
	if !ok {
		return nil, false, nil
	}
	c.lastKey = encKey
	key := storage.DecodeRowKey(encKey)

	// SERIALIZABLE reads lock every row they emit.
	if err := mgr.ReadLock(c.tx, key); err != nil {
		return nil, false, errors.Trace(err)
	}
	return &Row{Key: key, Payload: append([]byte(nil), v.Payload...)}, true, nil
}

// FetchAll drains the cursor and returns the remaining rows.
func (c *Cursor) FetchAll() ([]Row, error) {
	var out []Row
	for {
		row, err := c.Next()
		if err != nil {
			return out, errors.Trace(err)
		}
		if row == nil {
			return out, nil
		}
		out = append(out, *row)
	}
}

// Close releases the cursor before exhaustion. Idempotent, never fails,
// and has no effect on the owning transaction.
func (c *Cursor) Close() {
	c.mu.Lock()
	if c.state == curClosed {
		c.mu.Unlock()
		return
	}
	c.state = curClosed
	c.rows = nil
	c.mu.Unlock()

	if c.conn != nil {
		c.conn.forgetCursor(c)
	}
}

// invalidate is the transaction-termination event. Materialized rows on
// a client-side cursor stay readable; a server-side cursor becomes
// permanently unusable whatever state it was in.
func (c *Cursor) invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.kind == ClientSide || c.state == curClosed {
		return
	}
	if c.state != curInvalidated {
		c.state = curInvalidated
		metrics.Inc("cursor_invalidated")
	}
}
