package mvcc

import (
	"bytes"

	"github.com/pingcap-incubator/tinycdc/kv/storage"
	"github.com/pingcap-incubator/tinycdc/kv/util/codec"
	"github.com/pingcap-incubator/tinycdc/kv/util/engine_util"
	"github.com/pingcap/errors"
)

// RoTxn is a 'transaction' which will only read from the DB.
type RoTxn struct {
	Reader  storage.Snapshot
	StartTS uint64
}

// MvccTxn represents an mvcc transaction. It permits reading from a snapshot
// and stores writes in a buffer for atomic writing. Old values read while
// building the writes are collected in Extra.
type MvccTxn struct {
	RoTxn
	writes []storage.Modify
	Extra  storage.TxnExtra
}

func NewTxn(reader storage.Snapshot, startTs uint64) *MvccTxn {
	return &MvccTxn{
		RoTxn: RoTxn{Reader: reader, StartTS: startTs},
	}
}

func (txn *MvccTxn) Writes() []storage.Modify {
	return txn.writes
}

// MostRecentWrite finds the most recent write with the given key. It returns a Write from the DB and that
// write's commit timestamp, or an error.
func (txn *RoTxn) MostRecentWrite(key []byte) (*Write, uint64, error) {
	return txn.mostRecentWriteBefore(key, TsMax)
}

// mostRecentWriteBefore finds the write with the given key and the most recent commit timestamp before or equal to ts.
// Postcondition: the returned ts is <= the ts arg.
func (txn *RoTxn) mostRecentWriteBefore(key []byte, ts uint64) (*Write, uint64, error) {
	iter := txn.Reader.IterCF(engine_util.CfWrite)
	defer iter.Close()
	iter.Seek(codec.EncodeKey(key, ts))
	if !iter.Valid() {
		return nil, 0, nil
	}
	return parseWriteItem(iter.Item(), key)
}

// parseWriteItem decodes a write CF item, returning nil if it belongs to
// another user key.
func parseWriteItem(item engine_util.DBItem, key []byte) (*Write, uint64, error) {
	userKey, commitTs, err := codec.DecodeKey(item.Key())
	if err != nil {
		return nil, 0, errors.Trace(err)
	}
	if !bytes.Equal(userKey, key) {
		return nil, 0, nil
	}
	value, err := item.Value()
	if err != nil {
		return nil, 0, errors.Trace(err)
	}
	write, err := ParseWrite(value)
	if err != nil {
		return nil, 0, err
	}
	return write, commitTs, nil
}

// CurrentWrite searches for a write with this transaction's start timestamp. It returns a Write from the DB and that
// write's commit timestamp, or an error.
func (txn *RoTxn) CurrentWrite(key []byte) (*Write, uint64, error) {
	seekTs := TsMax
	for {
		write, commitTs, err := txn.mostRecentWriteBefore(key, seekTs)
		if err != nil {
			return nil, 0, err
		}
		if write == nil {
			return nil, 0, nil
		}
		if write.StartTS == txn.StartTS {
			return write, commitTs, nil
		}
		if commitTs <= txn.StartTS {
			return nil, 0, nil
		}
		seekTs = commitTs - 1
	}
}

// WriteAt returns the record stored at exactly (key, commitTs).
func (txn *RoTxn) WriteAt(key []byte, commitTs uint64) (*Write, error) {
	write, ts, err := txn.mostRecentWriteBefore(key, commitTs)
	if err != nil || write == nil || ts != commitTs {
		return nil, err
	}
	return write, nil
}

// nextDataVersionAfter returns the commit ts of the oldest Put or Delete
// committed after ts, 0 if there is none.
func (txn *RoTxn) nextDataVersionAfter(key []byte, ts uint64) (uint64, error) {
	iter := txn.Reader.IterCF(engine_util.CfWrite)
	defer iter.Close()
	var next uint64
	for iter.Seek(codec.EncodeKey(key, TsMax)); iter.Valid(); iter.Next() {
		write, commitTs, err := parseWriteItem(iter.Item(), key)
		if err != nil {
			return 0, err
		}
		if write == nil || commitTs <= ts {
			break
		}
		if write.IsDataChange() {
			next = commitTs
		}
	}
	return next, nil
}

// GetValue finds the value for key, valid at the start timestamp of this transaction.
// I.e., the most recent value committed before the start of this transaction.
func (txn *RoTxn) GetValue(key []byte) ([]byte, error) {
	value, _, err := txn.GetValueAt(key, txn.StartTS)
	return value, err
}

// GetValueAt returns the value visible to a read at ts and whether the key
// existed. Rollback and Lock records are skipped. A Put whose gc fence is at
// or below ts was superseded by a version that no longer exists.
func (txn *RoTxn) GetValueAt(key []byte, ts uint64) ([]byte, bool, error) {
	iter := txn.Reader.IterCF(engine_util.CfWrite)
	defer iter.Close()
	for iter.Seek(codec.EncodeKey(key, ts)); iter.Valid(); iter.Next() {
		write, _, err := parseWriteItem(iter.Item(), key)
		if err != nil {
			return nil, false, err
		}
		// If the user key part of the combined key has changed, then we've got to the next key without finding a put write.
		if write == nil {
			return nil, false, nil
		}
		switch write.Kind {
		case WriteKindPut:
			if !write.ValidAsLatestAt(ts) {
				return nil, false, nil
			}
			value, err := txn.LoadValue(key, write.StartTS, write.ShortValue)
			if err != nil {
				return nil, false, err
			}
			return value, true, nil
		case WriteKindDelete:
			return nil, false, nil
		}
	}

	// Iterated to the end of the DB
	return nil, false, nil
}

// LoadValue returns the short value if present, else the default CF value
// written at startTs.
func (txn *RoTxn) LoadValue(key []byte, startTs uint64, shortValue []byte) ([]byte, error) {
	if shortValue != nil {
		return shortValue, nil
	}
	value, err := txn.Reader.GetCF(engine_util.CfDefault, codec.EncodeKey(key, startTs))
	if err != nil {
		return nil, errors.Trace(err)
	}
	if value == nil {
		return nil, errors.Errorf("mvcc: default value missing for key %q at %d", key, startTs)
	}
	return value, nil
}

// GetLock returns a lock if key is locked. It will return (nil, nil) if there is no lock on key, and (nil, err)
// if an error occurs during lookup.
func (txn *RoTxn) GetLock(key []byte) (*Lock, error) {
	bytes, err := txn.Reader.GetCF(engine_util.CfLock, key)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if bytes == nil {
		return nil, nil
	}
	return ParseLock(bytes)
}

// PutWrite records write at key and ts.
func (txn *MvccTxn) PutWrite(key []byte, ts uint64, write *Write) {
	txn.writes = append(txn.writes, storage.NewPut(engine_util.CfWrite, codec.EncodeKey(key, ts), write.ToBytes()))
}

// PutLock adds a key/lock to this transaction.
func (txn *MvccTxn) PutLock(key []byte, lock *Lock) {
	txn.writes = append(txn.writes, storage.NewPut(engine_util.CfLock, key, lock.ToBytes()))
}

// DeleteLock adds a delete lock to this transaction.
func (txn *MvccTxn) DeleteLock(key []byte) {
	txn.writes = append(txn.writes, storage.NewDelete(engine_util.CfLock, key))
}

// PutValue adds a key/value write to this transaction.
func (txn *MvccTxn) PutValue(key []byte, value []byte) {
	txn.writes = append(txn.writes, storage.NewPut(engine_util.CfDefault, codec.EncodeKey(key, txn.StartTS), value))
}

// DeleteValue removes a key/value pair in this transaction.
func (txn *MvccTxn) DeleteValue(key []byte) {
	txn.writes = append(txn.writes, storage.NewDelete(engine_util.CfDefault, codec.EncodeKey(key, txn.StartTS)))
}

// recordOldValue reads the value visible at readTs and keeps it in Extra.
func (txn *MvccTxn) recordOldValue(key []byte, readTs uint64) error {
	value, exists, err := txn.GetValueAt(key, readTs)
	if err != nil {
		return err
	}
	txn.Extra.AddOldValue(codec.EncodeKey(key, txn.StartTS), storage.OldValue{Value: value, Exists: exists})
	return nil
}
