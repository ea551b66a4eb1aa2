package commands

import (
	"github.com/pingcap-incubator/tinycdc/kv/storage"
	"github.com/pingcap-incubator/tinycdc/kv/transaction/concurrency"
	"github.com/pingcap-incubator/tinycdc/kv/transaction/latches"
	"github.com/pingcap-incubator/tinycdc/kv/transaction/mvcc"
	"github.com/pingcap/errors"
)

// Command is a transactional write: it names the keys it may write and
// builds its writes in an mvcc transaction.
type Command interface {
	StartTs() uint64
	// WillWrite returns a list of all keys that might be written by this command.
	WillWrite() [][]byte
	// MemoryLock is the lock published in the concurrency manager while the
	// command runs, nil if the command installs no lock.
	MemoryLock() *mvcc.Lock
	// PrepareWrites is for building writes in an mvcc transaction. Returning without modifying txn means that no
	// transaction will be executed.
	PrepareWrites(txn *mvcc.MvccTxn) error
}

// Storage is what commands run against.
type Storage interface {
	Snapshot() (storage.Snapshot, error)
	WriteWithExtra(batch []storage.Modify, extra *storage.TxnExtra) error
}

// Scheduler runs commands one key set at a time.
type Scheduler struct {
	store   Storage
	Latches *latches.Latches
	cm      *concurrency.Manager
}

func NewScheduler(store Storage, cm *concurrency.Manager) *Scheduler {
	return &Scheduler{store: store, Latches: latches.NewLatches(), cm: cm}
}

func (s *Scheduler) ConcurrencyManager() *concurrency.Manager {
	return s.cm
}

// Run runs a transactional command.
func (s *Scheduler) Run(cmd Command) error {
	keysToWrite := cmd.WillWrite()
	if len(keysToWrite) == 0 {
		return nil
	}
	s.Latches.WaitForLatches(keysToWrite)
	defer s.Latches.ReleaseLatches(keysToWrite)

	if lock := cmd.MemoryLock(); lock != nil {
		guards := s.cm.LockKeys(keysToWrite, lock)
		defer concurrency.ReleaseAll(guards)
	}

	snap, err := s.store.Snapshot()
	if err != nil {
		return errors.Trace(err)
	}
	defer snap.Close()

	txn := mvcc.NewTxn(snap, cmd.StartTs())
	if err = cmd.PrepareWrites(txn); err != nil {
		return err
	}
	if len(txn.Writes()) == 0 {
		return nil
	}
	s.Latches.Validate(txn.Writes(), keysToWrite)
	return errors.Trace(s.store.WriteWithExtra(txn.Writes(), &txn.Extra))
}

// Get reads key at ts. It fails with ErrKeyIsLocked when a Put or Delete
// lock at or below ts may hide a newer value.
func (s *Scheduler) Get(key []byte, ts uint64) ([]byte, error) {
	s.cm.UpdateMaxTs(ts)
	snap, err := s.store.Snapshot()
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer snap.Close()
	txn := &mvcc.RoTxn{Reader: snap, StartTS: ts}
	lock, err := txn.GetLock(key)
	if err != nil {
		return nil, err
	}
	if lock != nil && lock.Ts <= ts && (lock.Kind == mvcc.LockKindPut || lock.Kind == mvcc.LockKindDelete) {
		return nil, &mvcc.ErrKeyIsLocked{Key: key, Lock: lock}
	}
	return txn.GetValue(key)
}

// CommandBase provides some default function implementations for the Command interface.
type CommandBase struct {
	startTs uint64
}

func (base CommandBase) StartTs() uint64 {
	return base.startTs
}

func (base CommandBase) MemoryLock() *mvcc.Lock {
	return nil
}

func mutationKeys(mutations []*mvcc.Mutation) [][]byte {
	keys := make([][]byte, 0, len(mutations))
	for _, m := range mutations {
		keys = append(keys, m.Key)
	}
	return keys
}
