package mvcc

import (
	"bytes"

	"github.com/pingcap-incubator/tinycdc/kv/storage"
	"github.com/pingcap-incubator/tinycdc/kv/util/codec"
	"github.com/pingcap-incubator/tinycdc/kv/util/engine_util"
	"github.com/pingcap/errors"
)

type DeltaKind int

const (
	// DeltaPrewrite is an outstanding lock.
	DeltaPrewrite DeltaKind = iota + 1
	// DeltaCommitted is a committed version.
	DeltaCommitted
)

// DeltaEntry is one change found by a DeltaScanner. Lock is set for
// prewrites, Write and CommitTs for committed versions.
type DeltaEntry struct {
	Kind     DeltaKind
	Key      []byte
	Value    []byte
	StartTs  uint64
	CommitTs uint64
	Lock     *Lock
	Write    *Write
}

// Size is the number of key and value bytes of the entry.
func (e *DeltaEntry) Size() int {
	return len(e.Key) + len(e.Value)
}

// DeltaScanner walks [start, end) of a snapshot and returns, for each key,
// its Put/Delete lock followed by the versions committed after fromTs, newest first.
// Invariant: either the scanner is finished and cannot be used, or it is ready to return a value immediately.
type DeltaScanner struct {
	txn       *RoTxn
	end       []byte
	fromTs    uint64
	lockIter  engine_util.DBIterator
	writeIter engine_util.DBIterator
	pending   []*DeltaEntry
	finished  bool
}

func NewDeltaScanner(snap storage.Snapshot, start, end []byte, fromTs uint64) *DeltaScanner {
	lockIter := snap.IterCF(engine_util.CfLock)
	lockIter.Seek(start)
	writeIter := snap.IterCF(engine_util.CfWrite)
	writeIter.Seek(codec.EncodeBytes(start))
	return &DeltaScanner{
		txn:       &RoTxn{Reader: snap, StartTS: TsMax},
		end:       end,
		fromTs:    fromTs,
		lockIter:  lockIter,
		writeIter: writeIter,
	}
}

func (scan *DeltaScanner) Close() {
	scan.lockIter.Close()
	scan.writeIter.Close()
}

// Next returns the next entry, or nil once the range is exhausted.
func (scan *DeltaScanner) Next() (*DeltaEntry, error) {
	for len(scan.pending) == 0 {
		if scan.finished {
			return nil, nil
		}
		if err := scan.loadKey(); err != nil {
			scan.finished = true
			return nil, err
		}
	}
	entry := scan.pending[0]
	scan.pending[0] = nil
	scan.pending = scan.pending[1:]
	return entry, nil
}

func (scan *DeltaScanner) writeUserKey() ([]byte, error) {
	if !scan.writeIter.Valid() {
		return nil, nil
	}
	userKey, _, err := codec.DecodeKey(scan.writeIter.Item().Key())
	return userKey, errors.Trace(err)
}

// loadKey fills pending with the entries of the smallest key left.
func (scan *DeltaScanner) loadKey() error {
	var lockKey []byte
	if scan.lockIter.Valid() {
		lockKey = scan.lockIter.Item().KeyCopy(nil)
	}
	writeKey, err := scan.writeUserKey()
	if err != nil {
		return err
	}
	var key []byte
	switch {
	case lockKey == nil && writeKey == nil:
		scan.finished = true
		return nil
	case lockKey == nil:
		key = writeKey
	case writeKey == nil:
		key = lockKey
	case bytes.Compare(lockKey, writeKey) <= 0:
		key = lockKey
	default:
		key = writeKey
	}
	if engine_util.ExceedEndKey(key, scan.end) {
		scan.finished = true
		return nil
	}
	if lockKey != nil && bytes.Equal(lockKey, key) {
		if err = scan.loadLock(key); err != nil {
			return err
		}
		scan.lockIter.Next()
	}
	if writeKey != nil && bytes.Equal(writeKey, key) {
		return scan.loadWrites(key)
	}
	return nil
}

func (scan *DeltaScanner) loadLock(key []byte) error {
	val, err := scan.lockIter.Item().Value()
	if err != nil {
		return errors.Trace(err)
	}
	lock, err := ParseLock(val)
	if err != nil {
		return err
	}
	if lock.Kind != LockKindPut && lock.Kind != LockKindDelete {
		return nil
	}
	entry := &DeltaEntry{Kind: DeltaPrewrite, Key: key, StartTs: lock.Ts, Lock: lock}
	if lock.Kind == LockKindPut {
		if entry.Value, err = scan.txn.LoadValue(key, lock.Ts, lock.ShortValue); err != nil {
			return err
		}
	}
	scan.pending = append(scan.pending, entry)
	return nil
}

// loadWrites consumes every write CF record of key.
func (scan *DeltaScanner) loadWrites(key []byte) error {
	newest := true
	for ; scan.writeIter.Valid(); scan.writeIter.Next() {
		write, commitTs, err := parseWriteItem(scan.writeIter.Item(), key)
		if err != nil {
			return err
		}
		if write == nil {
			return nil
		}
		latest := newest
		newest = false
		if commitTs <= scan.fromTs || !write.IsDataChange() {
			continue
		}
		if latest && !write.ValidAsLatestAt(TsMax) {
			continue
		}
		entry := &DeltaEntry{Kind: DeltaCommitted, Key: key, StartTs: write.StartTS, CommitTs: commitTs, Write: write}
		if write.Kind == WriteKindPut {
			if entry.Value, err = scan.txn.LoadValue(key, write.StartTS, write.ShortValue); err != nil {
				return err
			}
		}
		scan.pending = append(scan.pending, entry)
	}
	return nil
}

// LockEntry is a lock found by ScanLocks.
type LockEntry struct {
	Key  []byte
	Lock *Lock
}

// ScanLocks returns every lock in [start, end).
func ScanLocks(snap storage.Snapshot, start, end []byte) ([]LockEntry, error) {
	iter := snap.IterCF(engine_util.CfLock)
	defer iter.Close()
	var locks []LockEntry
	for iter.Seek(start); iter.Valid(); iter.Next() {
		item := iter.Item()
		if engine_util.ExceedEndKey(item.Key(), end) {
			break
		}
		val, err := item.Value()
		if err != nil {
			return nil, errors.Trace(err)
		}
		lock, err := ParseLock(val)
		if err != nil {
			return nil, err
		}
		locks = append(locks, LockEntry{Key: item.KeyCopy(nil), Lock: lock})
	}
	return locks, nil
}
