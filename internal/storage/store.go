package storage

import (
	"bytes"
	"sync"

	"github.com/google/btree"
)

// rowChain is a btree item: one encoded row key and its append-only
// version history, oldest first.
type rowChain struct {
	key      []byte
	versions []*Version
}

func (c *rowChain) Less(than btree.Item) bool {
	return bytes.Compare(c.key, than.(*rowChain).key) < 0
}

// VersionStore is the in-memory MVCC index: encoded row key -> version
// chain. It also owns the single global sequence counter used for both
// version sequence numbers and transaction ids, guarded by the same
// mutex that protects appends so no two appends can observe the same
// sequence.
type VersionStore struct {
	mu   sync.RWMutex
	tree *btree.BTree
	seq  uint64
}

func NewVersionStore() *VersionStore {
	return &VersionStore{
		tree: btree.New(32),
	}
}

// NextSeq allocates the next global sequence number.
// The `0` value is reserved to mean "unset", so valid ids start at 1.
func (s *VersionStore) NextSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return s.seq
}

// NextSeqWith allocates the next sequence number and invokes fn with it
// while the store lock is still held. Commit publication uses this so
// the status transition keyed to the new sequence happens in the same
// store.mu -> transaction.mu order that readers use when a visibility
// walk consults writer status, which rules out a lock-order inversion
// between a committer and a concurrent reader.
func (s *VersionStore) NextSeqWith(fn func(seq uint64)) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	fn(s.seq)
	return s.seq
}

// CurrentSeq returns the most recently allocated sequence number.
// Snapshots are taken by capturing this value.
func (s *VersionStore) CurrentSeq() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.seq
}

// chainLocked finds the chain for an encoded key, creating it when
// create is set. Caller holds s.mu.
func (s *VersionStore) chainLocked(encoded []byte, create bool) *rowChain {
	if got := s.tree.Get(&rowChain{key: encoded}); got != nil {
		return got.(*rowChain)
	}
	if !create {
		return nil
	}
	c := &rowChain{key: append([]byte(nil), encoded...)}
	s.tree.ReplaceOrInsert(c)
	return c
}

// Append adds a new version of key written by txnID. Sequence
// assignment and the append are atomic under one lock hold.
func (s *VersionStore) Append(key RowKey, payload []byte, txnID uint64) *Version {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	v := &Version{
		Payload:    append([]byte(nil), payload...),
		CreatedBy:  txnID,
		CreatedSeq: s.seq,
	}
	chain := s.chainLocked(EncodeRowKey(key), true)
	chain.versions = append(chain.versions, v)
	return v
}

// Delete stamps DeletedBy on every version of key visible to the
// caller. Returns false when nothing was visible (row absent), which is
// not an error. The stamp has no effect on other transactions until the
// deleter commits.
//
// A stamp left by a committed deleter is immutable: a snapshot reader
// can still see such a version (the delete committed after its
// snapshot) and delete it again, but overwriting the stamp would tie
// the committed delete's fate to the second deleter, whose rollback
// would then resurrect the row for every future snapshot. The second
// delete still counts as having found the row.
func (s *VersionStore) Delete(key RowKey, txnID, snapshotSeq uint64, view StatusView) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	chain := s.chainLocked(EncodeRowKey(key), false)
	if chain == nil {
		return false
	}
	found := false
	for i := len(chain.versions) - 1; i >= 0; i-- {
		v := chain.versions[i]
		if !v.visibleTo(snapshotSeq, txnID, view) {
			continue
		}
		found = true
		if v.DeletedBy != 0 && v.DeletedBy != txnID {
			if status, _ := view.Lookup(v.DeletedBy); status == TxnCommitted {
				continue
			}
		}
		v.DeletedBy = txnID
	}
	return found
}

// VisibleVersion walks the chain newest to oldest and returns the first
// version visible under the snapshot. Missing keys and tombstoned rows
// return not-found, never an error.
func (s *VersionStore) VisibleVersion(key RowKey, snapshotSeq, selfID uint64, view StatusView) (*Version, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chain := s.chainLocked(EncodeRowKey(key), false)
	if chain == nil {
		return nil, false
	}
	for i := len(chain.versions) - 1; i >= 0; i-- {
		if v := chain.versions[i]; v.visibleTo(snapshotSeq, selfID, view) {
			return v, true
		}
	}
	return nil, false
}

// NextVisible seeks the first key within prefix, strictly after `after`
// (or the first key of the prefix when after is nil), that has a
// visible version under the snapshot. It returns a copy of the encoded
// key so cursors can hold a position without pinning tree internals.
// This is the one-row-at-a-time scan primitive behind lazy cursors.
func (s *VersionStore) NextVisible(prefix, after []byte, snapshotSeq, selfID uint64, view StatusView) ([]byte, *Version, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	start := prefix
	if after != nil {
		// Smallest key strictly greater than `after`.
		start = append(append([]byte(nil), after...), 0x00)
	}

	var (
		foundKey []byte
		foundVer *Version
	)
	s.tree.AscendGreaterOrEqual(&rowChain{key: start}, func(i btree.Item) bool {
		chain := i.(*rowChain)
		if !bytes.HasPrefix(chain.key, prefix) {
			return false
		}
		for j := len(chain.versions) - 1; j >= 0; j-- {
			if v := chain.versions[j]; v.visibleTo(snapshotSeq, selfID, view) {
				foundKey = append([]byte(nil), chain.key...)
				foundVer = v
				return false
			}
		}
		return true // tombstoned or invisible row, keep seeking
	})

	if foundVer == nil {
		return nil, nil, false
	}
	return foundKey, foundVer, true
}
