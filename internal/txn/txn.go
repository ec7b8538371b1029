package txn

import (
	"strings"
	"sync"

	"github.com/juju/errors"
)

// IsolationLevel, loosest first.
type IsolationLevel uint8

const (
	// ReadUncommitted is accepted but implemented as ReadCommitted: the
	// engine never exposes uncommitted data. This mirrors what real
	// engines document for the level and is a deliberate simplification.
	ReadUncommitted IsolationLevel = iota
	ReadCommitted
	RepeatableRead
	Serializable
)

func (l IsolationLevel) String() string {
	switch l {
	case ReadUncommitted:
		return "READ UNCOMMITTED"
	case ReadCommitted:
		return "READ COMMITTED"
	case RepeatableRead:
		return "REPEATABLE READ"
	case Serializable:
		return "SERIALIZABLE"
	}
	return "UNKNOWN"
}

// ParseIsolation maps a level name (case-insensitive, spaces or
// underscores) to its IsolationLevel.
func ParseIsolation(s string) (IsolationLevel, error) {
	switch strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "_", " ")) {
	case "READ UNCOMMITTED":
		return ReadUncommitted, nil
	case "READ COMMITTED":
		return ReadCommitted, nil
	case "REPEATABLE READ":
		return RepeatableRead, nil
	case "SERIALIZABLE":
		return Serializable, nil
	}
	return 0, errors.Errorf("unknown isolation level %q", s)
}

// State of a transaction. Terminated transactions are never reused.
type State uint8

const (
	StateActive State = iota
	StateCommitted
	StateRolledBack
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateCommitted:
		return "committed"
	case StateRolledBack:
		return "rolledback"
	}
	return "unknown"
}

// Transaction is owned by exactly one connection at a time. The id
// comes from the same global counter as version sequence numbers, so
// ids and sequences are jointly strictly increasing.
type Transaction struct {
	id        uint64
	isolation IsolationLevel

	mu          sync.Mutex
	state       State
	snapshotSeq uint64
	commitSeq   uint64
}

func (t *Transaction) ID() uint64                { return t.id }
func (t *Transaction) Isolation() IsolationLevel { return t.isolation }

func (t *Transaction) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// SnapshotSeq is the sequence this transaction reads at. Fixed at Begin
// for REPEATABLE READ and SERIALIZABLE; refreshed per statement below
// that.
func (t *Transaction) SnapshotSeq() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotSeq
}
