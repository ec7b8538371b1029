package storage

// TxnStatus is the lifecycle state of a transaction as seen by
// visibility checks. The storage layer never transitions states itself;
// it only consults them through a StatusView.
type TxnStatus uint8

const (
	TxnActive TxnStatus = iota
	TxnCommitted
	TxnRolledBack
)

// StatusView resolves a transaction id to its current status and, for
// committed transactions, the commit sequence number. Unknown ids
// report TxnRolledBack so their writes can never become visible.
type StatusView interface {
	Lookup(txnID uint64) (TxnStatus, uint64)
}

// Version is one immutable revision of a row. Versions are appended to
// a per-row chain and never removed; the only post-append mutation is
// stamping DeletedBy, which models logical deletion of the revision
// that was visible to the deleter.
type Version struct {
	Payload    []byte
	CreatedBy  uint64
	CreatedSeq uint64
	DeletedBy  uint64 // 0 = not deleted
}

// visibleTo reports whether the version is visible under the given
// snapshot. A writer's effect applies if the writer is the reader
// itself, or if the writer committed at or before the snapshot. A
// rolled-back or still-active writer never applies, so versions from
// aborted transactions stay invisible regardless of sequence numbers.
func (v *Version) visibleTo(snapshotSeq, selfID uint64, view StatusView) bool {
	if !writerApplies(v.CreatedBy, snapshotSeq, selfID, view) {
		return false
	}
	if v.DeletedBy != 0 && writerApplies(v.DeletedBy, snapshotSeq, selfID, view) {
		return false
	}
	return true
}

func writerApplies(writer, snapshotSeq, selfID uint64, view StatusView) bool {
	if writer == selfID {
		return true
	}
	status, commitSeq := view.Lookup(writer)
	return status == TxnCommitted && commitSeq <= snapshotSeq
}
