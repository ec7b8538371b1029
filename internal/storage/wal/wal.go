package wal

import (
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"
	"sync"

	"github.com/golang/snappy"

	"github.com/myuser/txndb/internal/metrics"
)

// WAL is the commit log the transaction manager notifies on commit.
// Durability semantics beyond "the notification was attempted" are an
// external concern; the core never reads the log on its own behalf.
type WAL struct {
	mu   sync.Mutex
	f    *os.File
	path string
}

// Open opens or creates a WAL file.
func Open(path string) (*WAL, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	return &WAL{
		f:    f,
		path: path,
	}, nil
}

// Append writes an entry to the WAL.
// Format: Len(4) | SnappyData(N) | CRC(4), CRC over the compressed body.
func (w *WAL) Append(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	body := snappy.Encode(nil, data)

	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(len(body)))
	if _, err := w.f.Write(buf); err != nil {
		return err
	}

	if _, err := w.f.Write(body); err != nil {
		return err
	}

	crc := crc32.ChecksumIEEE(body)
	binary.BigEndian.PutUint32(buf, crc)
	if _, err := w.f.Write(buf); err != nil {
		return err
	}

	metrics.Inc("wal_append")
	return w.f.Sync()
}

// commit record body: TxnID(8) | CommitSeq(8)
const commitRecordLen = 16

// AppendCommit writes a commit notification for one transaction.
func (w *WAL) AppendCommit(txnID, commitSeq uint64) error {
	body := make([]byte, commitRecordLen)
	binary.BigEndian.PutUint64(body[0:8], txnID)
	binary.BigEndian.PutUint64(body[8:16], commitSeq)
	return w.Append(body)
}

// Iterate reads all entries from the WAL calling handler for each.
// A torn tail (short read on the final record) stops iteration without
// error; a checksum mismatch on a complete record is reported.
func (w *WAL) Iterate(handler func(data []byte) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.f.Seek(0, io.SeekStart); err != nil {
		return err
	}

	for {
		lenBuf := make([]byte, 4)
		if _, err := io.ReadFull(w.f, lenBuf); err != nil {
			// EOF here is a clean end; a partial length prefix is a
			// torn tail from a crashed writer. Both stop replay.
			break
		}
		length := binary.BigEndian.Uint32(lenBuf)

		body := make([]byte, length)
		if _, err := io.ReadFull(w.f, body); err != nil {
			break // torn tail
		}

		crcBuf := make([]byte, 4)
		if _, err := io.ReadFull(w.f, crcBuf); err != nil {
			break // torn tail
		}
		if crc32.ChecksumIEEE(body) != binary.BigEndian.Uint32(crcBuf) {
			return io.ErrUnexpectedEOF
		}

		data, err := snappy.Decode(nil, body)
		if err != nil {
			return err
		}
		if err := handler(data); err != nil {
			return err
		}
	}

	// Reset position to end for appending.
	_, err := w.f.Seek(0, io.SeekEnd)
	return err
}

// IterateCommits replays commit records, skipping entries of other shapes.
func (w *WAL) IterateCommits(handler func(txnID, commitSeq uint64) error) error {
	return w.Iterate(func(data []byte) error {
		if len(data) != commitRecordLen {
			return nil
		}
		return handler(
			binary.BigEndian.Uint64(data[0:8]),
			binary.BigEndian.Uint64(data[8:16]),
		)
	})
}

func (w *WAL) Close() error {
	return w.f.Close()
}
