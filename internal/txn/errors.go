package txn

import "github.com/juju/errors"

// Error taxonomy surfaced by the core. Callers match with errors.Cause.
var (
	// ErrAlreadyInTransaction: Begin on a connection that already has an
	// active transaction.
	ErrAlreadyInTransaction = errors.New("already in transaction")

	// ErrNoActiveTransaction: statement executed outside a transaction
	// with autocommit disabled.
	ErrNoActiveTransaction = errors.New("no active transaction")

	// ErrTxnNotActive: commit, rollback or a data operation on a
	// transaction that already terminated.
	ErrTxnNotActive = errors.New("transaction is not active")

	// ErrWouldBlock: lock unavailable under the no-wait policy.
	ErrWouldBlock = errors.New("lock not available")

	// ErrLockTimeout: lock wait exceeded the configured timeout. The
	// transaction stays active; only the statement failed.
	ErrLockTimeout = errors.New("lock wait timeout exceeded")

	// ErrDeadlockAborted: the transaction was chosen as a deadlock
	// victim. The whole transaction is rolled back and its locks are
	// released before this error is returned, so the caller may retry
	// with a fresh transaction.
	ErrDeadlockAborted = errors.New("deadlock detected, transaction aborted")

	// ErrCursorInvalidated: the cursor's bound transaction left the
	// Active state. Every subsequent call returns this same error.
	ErrCursorInvalidated = errors.New("cursor invalidated by transaction end")

	// ErrCursorClosed: operation on an explicitly closed cursor.
	ErrCursorClosed = errors.New("cursor is closed")
)
