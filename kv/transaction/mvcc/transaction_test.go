package mvcc

import (
	"testing"

	"github.com/pingcap-incubator/tinycdc/kv/storage"
	"github.com/pingcap-incubator/tinycdc/kv/util/codec"
	"github.com/pingcap-incubator/tinycdc/kv/util/engine_util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testStore struct {
	t   *testing.T
	mem *storage.MemStorage
}

func newTestStore(t *testing.T) *testStore {
	return &testStore{t: t, mem: storage.NewMemStorage()}
}

// run builds a transaction over a fresh snapshot and writes it.
func (s *testStore) run(startTs uint64, f func(txn *MvccTxn) error) (*MvccTxn, error) {
	snap, err := s.mem.Snapshot()
	require.Nil(s.t, err)
	defer snap.Close()
	txn := NewTxn(snap, startTs)
	if err = f(txn); err != nil {
		return txn, err
	}
	require.Nil(s.t, s.mem.Write(txn.Writes()))
	return txn, nil
}

func (s *testStore) mustRun(startTs uint64, f func(txn *MvccTxn) error) *MvccTxn {
	txn, err := s.run(startTs, f)
	require.Nil(s.t, err)
	return txn
}

func (s *testStore) put(key, value string, startTs, commitTs uint64) {
	m := &Mutation{Op: MutationPut, Key: []byte(key), Value: []byte(value)}
	s.mustRun(startTs, func(txn *MvccTxn) error {
		return Prewrite(txn, m, &TxnOptions{Primary: []byte(key), LockTtl: 3000})
	})
	s.mustRun(startTs, func(txn *MvccTxn) error { return Commit(txn, []byte(key), commitTs) })
}

func (s *testStore) reader(ts uint64) *RoTxn {
	snap, err := s.mem.Snapshot()
	require.Nil(s.t, err)
	return &RoTxn{Reader: snap, StartTS: ts}
}

func assertPutInTxn(t *testing.T, txn *MvccTxn, key []byte, value []byte, cf string) {
	writes := txn.Writes()
	assert.Equal(t, 1, len(writes))
	expected := storage.Put{Cf: cf, Key: key, Value: value}
	assert.Equal(t, expected, writes[0].Data.(storage.Put))
}

func TestLockEncoding(t *testing.T) {
	lock := &Lock{
		Primary:     []byte("pk"),
		Ts:          100,
		Ttl:         3000,
		Kind:        LockKindPut,
		ForUpdateTs: 110,
		MinCommitTs: 120,
		ShortValue:  []byte("v"),
		TxnSource:   1,
	}
	parsed, err := ParseLock(lock.ToBytes())
	require.Nil(t, err)
	assert.Equal(t, lock, parsed)
	assert.True(t, parsed.IsPessimistic())

	_, err = ParseLock(nil)
	assert.NotNil(t, err)
	_, err = ParseLock([]byte{byte(LockKindPut), 2, 'p'})
	assert.NotNil(t, err)
}

func TestWriteEncoding(t *testing.T) {
	w := &Write{StartTS: 42, Kind: WriteKindDelete}
	b := w.ToBytes()
	assert.Equal(t, 9, len(b))
	parsed, err := ParseWrite(b)
	require.Nil(t, err)
	assert.Equal(t, w, parsed)

	fence := uint64(0)
	w = &Write{StartTS: 42, Kind: WriteKindPut, ShortValue: []byte("v"), HasOverlappedRollback: true, GcFence: &fence, TxnSource: 7}
	parsed, err = ParseWrite(w.ToBytes())
	require.Nil(t, err)
	assert.Equal(t, w, parsed)
	assert.True(t, parsed.ValidAsLatestAt(TsMax))

	fence = 20
	assert.True(t, w.ValidAsLatestAt(19))
	assert.False(t, w.ValidAsLatestAt(20))

	_, err = ParseWrite([]byte{1, 2})
	assert.NotNil(t, err)
}

func TestPutLockAndWrite(t *testing.T) {
	txn := NewTxn(nil, 42)
	lock := Lock{Primary: []byte{16}, Ts: 100, Ttl: 100000, Kind: LockKindDelete}
	txn.PutLock([]byte{1}, &lock)
	assertPutInTxn(t, txn, []byte{1}, lock.ToBytes(), engine_util.CfLock)

	txn = NewTxn(nil, 42)
	write := Write{StartTS: 100, Kind: WriteKindDelete}
	txn.PutWrite([]byte{1}, 42, &write)
	assertPutInTxn(t, txn, codec.EncodeKey([]byte{1}, 42), write.ToBytes(), engine_util.CfWrite)

	txn = NewTxn(nil, 42)
	txn.PutValue([]byte{1}, []byte{1, 1, 2, 3})
	assertPutInTxn(t, txn, codec.EncodeKey([]byte{1}, 42), []byte{1, 1, 2, 3}, engine_util.CfDefault)
}

func TestPrewriteCommit(t *testing.T) {
	s := newTestStore(t)
	s.put("k", "v1", 10, 15)

	r := s.reader(14)
	val, exists, err := r.GetValueAt([]byte("k"), 14)
	require.Nil(t, err)
	assert.False(t, exists)
	val, err = s.reader(15).GetValue([]byte("k"))
	require.Nil(t, err)
	assert.Equal(t, []byte("v1"), val)

	// The second prewrite records the first value as its old value.
	m := &Mutation{Op: MutationPut, Key: []byte("k"), Value: []byte("v2")}
	txn := s.mustRun(20, func(txn *MvccTxn) error { return Prewrite(txn, m, &TxnOptions{Primary: []byte("k")}) })
	old := txn.Extra.OldValues[string(codec.EncodeKey([]byte("k"), 20))]
	assert.True(t, old.Exists)
	assert.Equal(t, []byte("v1"), old.Value)

	// Another transaction sees the lock.
	_, err = s.run(25, func(txn *MvccTxn) error { return Prewrite(txn, m, &TxnOptions{Primary: []byte("k")}) })
	_, ok := err.(*ErrKeyIsLocked)
	assert.True(t, ok)

	s.mustRun(20, func(txn *MvccTxn) error { return Commit(txn, []byte("k"), 30) })
	// Committing again is a no-op.
	s.mustRun(20, func(txn *MvccTxn) error { return Commit(txn, []byte("k"), 30) })

	// A transaction that started before the commit conflicts.
	_, err = s.run(25, func(txn *MvccTxn) error { return Prewrite(txn, m, &TxnOptions{Primary: []byte("k")}) })
	_, ok = err.(*ErrWriteConflict)
	assert.True(t, ok)

	_, err = s.run(40, func(txn *MvccTxn) error { return Commit(txn, []byte("k"), 45) })
	_, ok = err.(*ErrTxnLockNotFound)
	assert.True(t, ok)
}

func TestLongValue(t *testing.T) {
	s := newTestStore(t)
	long := make([]byte, ShortValueMaxLen+1)
	m := &Mutation{Op: MutationPut, Key: []byte("k"), Value: long}
	txn := s.mustRun(10, func(txn *MvccTxn) error { return Prewrite(txn, m, &TxnOptions{Primary: []byte("k")}) })
	assert.Equal(t, 2, len(txn.Writes()))
	s.mustRun(10, func(txn *MvccTxn) error { return Commit(txn, []byte("k"), 11) })
	val, err := s.reader(20).GetValue([]byte("k"))
	require.Nil(t, err)
	assert.Equal(t, long, val)
}

func TestPessimistic(t *testing.T) {
	s := newTestStore(t)
	s.put("k", "v1", 10, 15)

	opts := &TxnOptions{Primary: []byte("k"), ForUpdateTs: 20}
	txn := s.mustRun(18, func(txn *MvccTxn) error { return AcquirePessimisticLock(txn, []byte("k"), opts) })
	assert.True(t, txn.Extra.IsEmpty())

	// A commit between start ts and for update ts is visible to the old value read.
	m := &Mutation{Op: MutationDelete, Key: []byte("k")}
	txn = s.mustRun(18, func(txn *MvccTxn) error { return PessimisticPrewrite(txn, m, opts) })
	old := txn.Extra.OldValues[string(codec.EncodeKey([]byte("k"), 18))]
	assert.Equal(t, []byte("v1"), old.Value)

	lock, err := s.reader(0).GetLock([]byte("k"))
	require.Nil(t, err)
	assert.Equal(t, LockKindDelete, lock.Kind)
	assert.Equal(t, uint64(20), lock.ForUpdateTs)

	s.mustRun(18, func(txn *MvccTxn) error { return Commit(txn, []byte("k"), 25) })
	_, exists, err := s.reader(30).GetValueAt([]byte("k"), 30)
	require.Nil(t, err)
	assert.False(t, exists)

	_, err = s.run(40, func(txn *MvccTxn) error { return PessimisticPrewrite(txn, m, opts) })
	_, ok := err.(*ErrTxnLockNotFound)
	assert.True(t, ok)
}

func TestRollback(t *testing.T) {
	s := newTestStore(t)
	m := &Mutation{Op: MutationPut, Key: []byte("k"), Value: []byte("v")}
	s.mustRun(10, func(txn *MvccTxn) error { return Prewrite(txn, m, &TxnOptions{Primary: []byte("k")}) })
	txn := s.mustRun(10, func(txn *MvccTxn) error { return Rollback(txn, []byte("k")) })
	assert.Equal(t, 2, len(txn.Writes()))

	write, commitTs, err := s.reader(10).CurrentWrite([]byte("k"))
	require.Nil(t, err)
	assert.Equal(t, WriteKindRollback, write.Kind)
	assert.Equal(t, uint64(10), commitTs)

	_, err = s.run(10, func(txn *MvccTxn) error { return Prewrite(txn, m, &TxnOptions{Primary: []byte("k")}) })
	_, ok := err.(*ErrAlreadyRolledBack)
	assert.True(t, ok)
	_, err = s.run(10, func(txn *MvccTxn) error { return Commit(txn, []byte("k"), 12) })
	_, ok = err.(*ErrAlreadyRolledBack)
	assert.True(t, ok)
}

func TestOverlappedRollback(t *testing.T) {
	s := newTestStore(t)
	s.put("k", "v1", 10, 20)
	s.put("k", "v2", 25, 30)

	// Txn 20 rolls back after txn 10 committed at 20.
	s.mustRun(20, func(txn *MvccTxn) error { return Rollback(txn, []byte("k")) })
	write, err := s.reader(0).WriteAt([]byte("k"), 20)
	require.Nil(t, err)
	assert.Equal(t, uint64(10), write.StartTS)
	assert.True(t, write.HasOverlappedRollback)
	require.NotNil(t, write.GcFence)
	assert.Equal(t, uint64(30), *write.GcFence)

	// The flagged version still reads fine below its fence.
	val, err := s.reader(25).GetValue([]byte("k"))
	require.Nil(t, err)
	assert.Equal(t, []byte("v1"), val)

	// A commit over a rollback record keeps the data and flags the overlap.
	m := &Mutation{Op: MutationPut, Key: []byte("k"), Value: []byte("v3")}
	s.mustRun(35, func(txn *MvccTxn) error { return Prewrite(txn, m, &TxnOptions{Primary: []byte("k")}) })
	s.mustRun(40, func(txn *MvccTxn) error { return Rollback(txn, []byte("k")) })
	s.mustRun(35, func(txn *MvccTxn) error { return Commit(txn, []byte("k"), 40) })
	write, err = s.reader(0).WriteAt([]byte("k"), 40)
	require.Nil(t, err)
	assert.Equal(t, WriteKindPut, write.Kind)
	assert.True(t, write.HasOverlappedRollback)
	assert.Nil(t, write.GcFence)
}

func TestGcFenceRead(t *testing.T) {
	s := newTestStore(t)
	fence := uint64(15)
	s.mustRun(0, func(txn *MvccTxn) error {
		txn.PutWrite([]byte("k"), 10, &Write{StartTS: 5, Kind: WriteKindPut, ShortValue: []byte("v"), GcFence: &fence})
		return nil
	})
	_, exists, err := s.reader(0).GetValueAt([]byte("k"), 14)
	require.Nil(t, err)
	assert.True(t, exists)
	_, exists, err = s.reader(0).GetValueAt([]byte("k"), 15)
	require.Nil(t, err)
	assert.False(t, exists)
}

func TestOnePC(t *testing.T) {
	s := newTestStore(t)
	s.put("a", "old", 1, 2)
	mutations := []*Mutation{
		{Op: MutationPut, Key: []byte("a"), Value: []byte("new")},
		{Op: MutationDelete, Key: []byte("b")},
	}
	txn := s.mustRun(10, func(txn *MvccTxn) error {
		return OnePC(txn, mutations, &TxnOptions{Primary: []byte("a"), TxnSource: 1}, 11)
	})
	assert.Equal(t, 2, len(txn.Extra.OldValues))
	assert.False(t, txn.Extra.OldValues[string(codec.EncodeKey([]byte("b"), 10))].Exists)

	write, commitTs, err := s.reader(0).MostRecentWrite([]byte("a"))
	require.Nil(t, err)
	assert.Equal(t, uint64(11), commitTs)
	assert.Equal(t, uint64(1), write.TxnSource)
	lock, err := s.reader(0).GetLock([]byte("a"))
	require.Nil(t, err)
	assert.Nil(t, lock)
}
