package mvcc

import (
	"github.com/pingcap/errors"
)

type MutationOp int

const (
	MutationPut MutationOp = iota + 1
	MutationDelete
	MutationLock
)

// Mutation is one key written by a transaction.
type Mutation struct {
	Op    MutationOp
	Key   []byte
	Value []byte
}

func (m *Mutation) lockKind() LockKind {
	switch m.Op {
	case MutationPut:
		return LockKindPut
	case MutationDelete:
		return LockKindDelete
	}
	return LockKindLock
}

func (m *Mutation) changesData() bool {
	return m.Op == MutationPut || m.Op == MutationDelete
}

// TxnOptions are the per transaction parameters of a write.
type TxnOptions struct {
	Primary []byte
	LockTtl uint64
	// ForUpdateTs is set for pessimistic transactions.
	ForUpdateTs uint64
	MinCommitTs uint64
	// TxnSource tags writes made on behalf of another cluster, 0 for local.
	TxnSource uint64
}

// putValue stores small values inline and returns them, large ones go to
// the default CF.
func (txn *MvccTxn) putValue(m *Mutation) []byte {
	if m.Op != MutationPut {
		return nil
	}
	if len(m.Value) <= ShortValueMaxLen {
		if m.Value == nil {
			return []byte{}
		}
		return m.Value
	}
	txn.PutValue(m.Key, m.Value)
	return nil
}

// checkConflict fails if the key was committed after ts or if this
// transaction was already rolled back on it.
func (txn *MvccTxn) checkConflict(key []byte, ts uint64) error {
	write, commitTs, err := txn.MostRecentWrite(key)
	if err != nil {
		return err
	}
	if write != nil && commitTs > ts {
		return &ErrWriteConflict{Key: key, StartTs: txn.StartTS, ConflictTs: commitTs}
	}
	write, err = txn.WriteAt(key, txn.StartTS)
	if err != nil {
		return err
	}
	if write != nil && ((write.Kind == WriteKindRollback && write.StartTS == txn.StartTS) || write.HasOverlappedRollback) {
		return &ErrAlreadyRolledBack{Key: key, StartTs: txn.StartTS}
	}
	return nil
}

// Prewrite installs the lock of an optimistic transaction on m.Key.
func Prewrite(txn *MvccTxn, m *Mutation, opts *TxnOptions) error {
	lock, err := txn.GetLock(m.Key)
	if err != nil {
		return err
	}
	if lock != nil {
		if lock.Ts != txn.StartTS {
			return &ErrKeyIsLocked{Key: m.Key, Lock: lock}
		}
		// Prewritten already.
		return nil
	}
	if err = txn.checkConflict(m.Key, txn.StartTS); err != nil {
		return err
	}
	if m.changesData() {
		if err = txn.recordOldValue(m.Key, txn.StartTS); err != nil {
			return err
		}
	}
	txn.PutLock(m.Key, &Lock{
		Primary:     opts.Primary,
		Ts:          txn.StartTS,
		Ttl:         opts.LockTtl,
		Kind:        m.lockKind(),
		MinCommitTs: opts.MinCommitTs,
		ShortValue:  txn.putValue(m),
		TxnSource:   opts.TxnSource,
	})
	return nil
}

// AcquirePessimisticLock locks key for a pessimistic transaction at
// forUpdateTs without writing any data.
func AcquirePessimisticLock(txn *MvccTxn, key []byte, opts *TxnOptions) error {
	lock, err := txn.GetLock(key)
	if err != nil {
		return err
	}
	if lock != nil {
		if lock.Ts != txn.StartTS {
			return &ErrKeyIsLocked{Key: key, Lock: lock}
		}
		if lock.Kind == LockKindPessimistic && lock.ForUpdateTs < opts.ForUpdateTs {
			lock.ForUpdateTs = opts.ForUpdateTs
			txn.PutLock(key, lock)
		}
		return nil
	}
	if err = txn.checkConflict(key, opts.ForUpdateTs); err != nil {
		return err
	}
	txn.PutLock(key, &Lock{
		Primary:     opts.Primary,
		Ts:          txn.StartTS,
		Ttl:         opts.LockTtl,
		Kind:        LockKindPessimistic,
		ForUpdateTs: opts.ForUpdateTs,
		TxnSource:   opts.TxnSource,
	})
	return nil
}

// PessimisticPrewrite turns the pessimistic lock on m.Key into a prewrite
// lock. The old value is read at the lock's for update ts.
func PessimisticPrewrite(txn *MvccTxn, m *Mutation, opts *TxnOptions) error {
	lock, err := txn.GetLock(m.Key)
	if err != nil {
		return err
	}
	if lock == nil || lock.Ts != txn.StartTS {
		return &ErrTxnLockNotFound{Key: m.Key, StartTs: txn.StartTS}
	}
	if lock.Kind != LockKindPessimistic {
		return nil
	}
	if m.changesData() {
		if err = txn.recordOldValue(m.Key, lock.ForUpdateTs); err != nil {
			return err
		}
	}
	txn.PutLock(m.Key, &Lock{
		Primary:     lock.Primary,
		Ts:          txn.StartTS,
		Ttl:         lock.Ttl,
		Kind:        m.lockKind(),
		ForUpdateTs: lock.ForUpdateTs,
		MinCommitTs: opts.MinCommitTs,
		ShortValue:  txn.putValue(m),
		TxnSource:   lock.TxnSource,
	})
	return nil
}

// markOverlapped sets the overlapped rollback flag when a rollback record
// already sits at (key, commitTs).
func (txn *MvccTxn) markOverlapped(key []byte, commitTs uint64, write *Write) error {
	existing, err := txn.WriteAt(key, commitTs)
	if err != nil {
		return err
	}
	if existing != nil && existing.Kind == WriteKindRollback {
		write.HasOverlappedRollback = true
	}
	return nil
}

// Commit writes the commit record of the prewritten key at commitTs and
// removes its lock.
func Commit(txn *MvccTxn, key []byte, commitTs uint64) error {
	lock, err := txn.GetLock(key)
	if err != nil {
		return err
	}
	if lock == nil || lock.Ts != txn.StartTS {
		write, ts, err := txn.CurrentWrite(key)
		if err != nil {
			return err
		}
		if write == nil {
			return &ErrTxnLockNotFound{Key: key, StartTs: txn.StartTS}
		}
		if write.Kind == WriteKindRollback {
			return &ErrAlreadyRolledBack{Key: key, StartTs: txn.StartTS}
		}
		if ts != commitTs {
			return &ErrAlreadyCommitted{Key: key, StartTs: txn.StartTS, CommitTs: ts}
		}
		return nil
	}
	if lock.Kind == LockKindPessimistic {
		return errors.Errorf("mvcc: commit of key %q whose pessimistic lock %d is not prewritten", key, lock.Ts)
	}
	if commitTs < lock.MinCommitTs {
		return errors.Errorf("mvcc: commit ts %d is below min commit ts %d", commitTs, lock.MinCommitTs)
	}
	write := &Write{
		StartTS:    txn.StartTS,
		Kind:       WriteKindFromLock(lock.Kind),
		ShortValue: lock.ShortValue,
		TxnSource:  lock.TxnSource,
	}
	if err = txn.markOverlapped(key, commitTs, write); err != nil {
		return err
	}
	txn.PutWrite(key, commitTs, write)
	txn.DeleteLock(key)
	return nil
}

// Rollback cancels the transaction on key. A rollback record is written at
// the start ts unless another transaction committed at that ts, in which
// case that record is flagged and fenced by the next newer version.
func Rollback(txn *MvccTxn, key []byte) error {
	lock, err := txn.GetLock(key)
	if err != nil {
		return err
	}
	if lock != nil && lock.Ts == txn.StartTS {
		txn.DeleteLock(key)
		if lock.Kind == LockKindPut && lock.ShortValue == nil {
			txn.DeleteValue(key)
		}
	}
	existing, err := txn.WriteAt(key, txn.StartTS)
	if err != nil {
		return err
	}
	switch {
	case existing == nil:
		txn.PutWrite(key, txn.StartTS, &Write{StartTS: txn.StartTS, Kind: WriteKindRollback})
	case existing.StartTS == txn.StartTS:
		if existing.Kind != WriteKindRollback {
			return &ErrAlreadyCommitted{Key: key, StartTs: txn.StartTS, CommitTs: txn.StartTS}
		}
	case !existing.HasOverlappedRollback:
		fence, err := txn.nextDataVersionAfter(key, txn.StartTS)
		if err != nil {
			return err
		}
		existing.HasOverlappedRollback = true
		existing.GcFence = &fence
		txn.PutWrite(key, txn.StartTS, existing)
	}
	return nil
}

// OnePC commits the mutations at commitTs without leaving locks behind.
func OnePC(txn *MvccTxn, mutations []*Mutation, opts *TxnOptions, commitTs uint64) error {
	for _, m := range mutations {
		lock, err := txn.GetLock(m.Key)
		if err != nil {
			return err
		}
		if lock != nil && lock.Ts != txn.StartTS {
			return &ErrKeyIsLocked{Key: m.Key, Lock: lock}
		}
		if err = txn.checkConflict(m.Key, txn.StartTS); err != nil {
			return err
		}
		if m.changesData() {
			if err = txn.recordOldValue(m.Key, txn.StartTS); err != nil {
				return err
			}
		}
		write := &Write{
			StartTS:    txn.StartTS,
			Kind:       WriteKindFromLock(m.lockKind()),
			ShortValue: txn.putValue(m),
			TxnSource:  opts.TxnSource,
		}
		if err = txn.markOverlapped(m.Key, commitTs, write); err != nil {
			return err
		}
		txn.PutWrite(m.Key, commitTs, write)
		if lock != nil {
			txn.DeleteLock(m.Key)
		}
	}
	return nil
}
