package txn

import (
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/sirupsen/logrus"

	"github.com/myuser/txndb/internal/metrics"
)

// LockMode of a row lock. Shared is compatible with Shared; Exclusive
// is compatible with nothing.
type LockMode uint8

const (
	LockShared LockMode = iota
	LockExclusive
)

func (m LockMode) String() string {
	if m == LockExclusive {
		return "X"
	}
	return "S"
}

// WaitPolicy controls what happens when a lock cannot be granted
// immediately: fail fast with ErrWouldBlock, or block up to Timeout and
// then fail with ErrLockTimeout.
type WaitPolicy struct {
	Timeout time.Duration
	NoWait  bool
}

type lockRequest struct {
	txnID uint64
	mode  LockMode
	grant chan error // buffered(1); nil = granted
}

type lockEntry struct {
	holders map[uint64]LockMode
	queue   []*lockRequest // FIFO
}

type pendingWait struct {
	key string
	req *lockRequest
}

// LockTable provides row-granularity S/X locks with FIFO wait queues,
// same-transaction upgrade, and wait-for graph deadlock detection on
// every blocked acquire. All state is guarded by one mutex; waiters
// block outside it on their grant channel.
type LockTable struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
	graph   *waitGraph
	held    map[uint64]map[string]struct{}
	waiting map[uint64]pendingWait // at most one blocked acquire per txn
	policy  WaitPolicy
}

func NewLockTable(policy WaitPolicy) *LockTable {
	return &LockTable{
		entries: make(map[string]*lockEntry),
		graph:   newWaitGraph(),
		held:    make(map[uint64]map[string]struct{}),
		waiting: make(map[uint64]pendingWait),
		policy:  policy,
	}
}

func (lt *LockTable) entryLocked(key string) *lockEntry {
	e, ok := lt.entries[key]
	if !ok {
		e = &lockEntry{holders: make(map[uint64]LockMode)}
		lt.entries[key] = e
	}
	return e
}

// compatibleLocked: no holder other than the requester conflicts.
// Holding any lock while requesting Exclusive is an upgrade; it only
// passes when the requester is the sole holder.
func compatibleLocked(e *lockEntry, txnID uint64, mode LockMode) bool {
	for id, held := range e.holders {
		if id == txnID {
			continue
		}
		if mode == LockExclusive || held == LockExclusive {
			return false
		}
	}
	return true
}

// grantableLocked adds queue fairness on top of compatibility: a new
// request must not overtake queued waiters, except when the requester
// already holds a lock on the entry (upgrades jump the queue so a
// transaction cannot deadlock behind its own wait).
func (lt *LockTable) grantableLocked(e *lockEntry, txnID uint64, mode LockMode) bool {
	if !compatibleLocked(e, txnID, mode) {
		return false
	}
	if len(e.queue) == 0 {
		return true
	}
	_, holdsHere := e.holders[txnID]
	return holdsHere
}

func (lt *LockTable) grantLocked(e *lockEntry, key string, txnID uint64, mode LockMode) {
	if cur, ok := e.holders[txnID]; !ok || mode > cur {
		e.holders[txnID] = mode
	}
	keys, ok := lt.held[txnID]
	if !ok {
		keys = make(map[string]struct{})
		lt.held[txnID] = keys
	}
	keys[key] = struct{}{}
}

// syncWaitEdgesLocked rebuilds wait-for edges for every queued request
// of the entry: a waiter waits on incompatible holders and on
// incompatible requests queued ahead of it.
func (lt *LockTable) syncWaitEdgesLocked(e *lockEntry) {
	for i, req := range e.queue {
		lt.graph.removeWaiter(req.txnID)
		for id, held := range e.holders {
			if id != req.txnID && (req.mode == LockExclusive || held == LockExclusive) {
				lt.graph.addWait(req.txnID, id)
			}
		}
		for _, ahead := range e.queue[:i] {
			if ahead.txnID != req.txnID && (req.mode == LockExclusive || ahead.mode == LockExclusive) {
				lt.graph.addWait(req.txnID, ahead.txnID)
			}
		}
	}
}

// dropRequestLocked removes a queued request without signalling it.
func (lt *LockTable) dropRequestLocked(key string, req *lockRequest) {
	e := lt.entries[key]
	if e == nil {
		return
	}
	for i, r := range e.queue {
		if r == req {
			e.queue = append(e.queue[:i], e.queue[i+1:]...)
			break
		}
	}
	delete(lt.waiting, req.txnID)
	lt.graph.removeWaiter(req.txnID)
	lt.promoteLocked(key)
}

// failWaiterLocked aborts the blocked acquire of a transaction by
// delivering err on its grant channel.
func (lt *LockTable) failWaiterLocked(txnID uint64, err error) {
	p, ok := lt.waiting[txnID]
	if !ok {
		return
	}
	e := lt.entries[p.key]
	for i, r := range e.queue {
		if r == p.req {
			e.queue = append(e.queue[:i], e.queue[i+1:]...)
			break
		}
	}
	delete(lt.waiting, txnID)
	lt.graph.removeWaiter(txnID)
	p.req.grant <- err
	lt.promoteLocked(p.key)
}

// promoteLocked grants the longest compatible prefix of the wait queue.
func (lt *LockTable) promoteLocked(key string) {
	e := lt.entries[key]
	if e == nil {
		return
	}
	for len(e.queue) > 0 {
		req := e.queue[0]
		if !compatibleLocked(e, req.txnID, req.mode) {
			break
		}
		e.queue = e.queue[1:]
		lt.grantLocked(e, key, req.txnID, req.mode)
		delete(lt.waiting, req.txnID)
		lt.graph.removeWaiter(req.txnID)
		req.grant <- nil
	}
	lt.syncWaitEdgesLocked(e)
	if len(e.holders) == 0 && len(e.queue) == 0 {
		delete(lt.entries, key)
	}
}

// Acquire takes a lock on key for txnID, blocking per the configured
// policy. A deadlock discovered while blocking aborts the cycle member
// with the highest transaction id: if that is the requester, Acquire
// returns ErrDeadlockAborted; otherwise the victim's own blocked
// Acquire fails and the requester keeps waiting.
func (lt *LockTable) Acquire(key string, mode LockMode, txnID uint64) error {
	lt.mu.Lock()
	e := lt.entryLocked(key)
	if lt.grantableLocked(e, txnID, mode) {
		lt.grantLocked(e, key, txnID, mode)
		lt.mu.Unlock()
		return nil
	}
	if lt.policy.NoWait {
		lt.mu.Unlock()
		return errors.Annotatef(ErrWouldBlock, "key %q mode %s", key, mode)
	}

	req := &lockRequest{txnID: txnID, mode: mode, grant: make(chan error, 1)}
	e.queue = append(e.queue, req)
	lt.waiting[txnID] = pendingWait{key: key, req: req}
	lt.syncWaitEdgesLocked(e)
	metrics.Inc("lock_wait")

	if cycle := lt.graph.cycleFrom(txnID); cycle != nil {
		victim := cycle[0]
		for _, id := range cycle {
			if id > victim {
				victim = id
			}
		}
		logrus.WithFields(logrus.Fields{
			"victim": victim,
			"cycle":  cycle,
		}).Warn("deadlock detected")
		if victim == txnID {
			lt.dropRequestLocked(key, req)
			lt.mu.Unlock()
			return errors.Annotatef(ErrDeadlockAborted, "txn %d on key %q", txnID, key)
		}
		lt.failWaiterLocked(victim, ErrDeadlockAborted)
	}
	lt.mu.Unlock()

	timer := time.NewTimer(lt.policy.Timeout)
	defer timer.Stop()

	select {
	case err := <-req.grant:
		if err != nil {
			return errors.Annotatef(err, "txn %d on key %q", txnID, key)
		}
		return nil
	case <-timer.C:
		lt.mu.Lock()
		if p, ok := lt.waiting[txnID]; ok && p.req == req {
			lt.dropRequestLocked(key, req)
			lt.mu.Unlock()
			metrics.Inc("lock_timeout")
			return errors.Annotatef(ErrLockTimeout, "txn %d on key %q after %v", txnID, key, lt.policy.Timeout)
		}
		lt.mu.Unlock()
		// A grant or victimization raced the timeout; honor it.
		if err := <-req.grant; err != nil {
			return errors.Annotatef(err, "txn %d on key %q", txnID, key)
		}
		return nil
	}
}

// ReleaseAll releases every lock held by txnID and fails any blocked
// acquire it has in flight. Idempotent; called exactly at transaction
// termination, never earlier.
func (lt *LockTable) ReleaseAll(txnID uint64) {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	// A rollback can race the transaction's own blocked acquire.
	lt.failWaiterLocked(txnID, ErrTxnNotActive)

	keys := lt.held[txnID]
	delete(lt.held, txnID)
	lt.graph.removeTxn(txnID)
	for key := range keys {
		if e := lt.entries[key]; e != nil {
			delete(e.holders, txnID)
			lt.promoteLocked(key)
		}
	}
}
