package mvcc

import "fmt"

// ErrKeyIsLocked means another transaction holds a lock on Key.
type ErrKeyIsLocked struct {
	Key  []byte
	Lock *Lock
}

func (e *ErrKeyIsLocked) Error() string {
	return fmt.Sprintf("key %q is locked by txn %d, primary %q", e.Key, e.Lock.Ts, e.Lock.Primary)
}

type ErrWriteConflict struct {
	Key        []byte
	StartTs    uint64
	ConflictTs uint64
}

func (e *ErrWriteConflict) Error() string {
	return fmt.Sprintf("write conflict on key %q, start ts %d, conflict commit ts %d", e.Key, e.StartTs, e.ConflictTs)
}

type ErrTxnLockNotFound struct {
	Key     []byte
	StartTs uint64
}

func (e *ErrTxnLockNotFound) Error() string {
	return fmt.Sprintf("lock of txn %d not found on key %q", e.StartTs, e.Key)
}

type ErrAlreadyRolledBack struct {
	Key     []byte
	StartTs uint64
}

func (e *ErrAlreadyRolledBack) Error() string {
	return fmt.Sprintf("txn %d is already rolled back on key %q", e.StartTs, e.Key)
}

type ErrAlreadyCommitted struct {
	Key      []byte
	StartTs  uint64
	CommitTs uint64
}

func (e *ErrAlreadyCommitted) Error() string {
	return fmt.Sprintf("txn %d is already committed at %d on key %q", e.StartTs, e.CommitTs, e.Key)
}
