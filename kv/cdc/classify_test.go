package cdc

import (
	"bytes"
	"testing"

	"github.com/pingcap-incubator/tinycdc/kv/storage"
	"github.com/pingcap-incubator/tinycdc/kv/storage/standalone_storage"
	"github.com/pingcap-incubator/tinycdc/kv/transaction/mvcc"
	"github.com/pingcap-incubator/tinycdc/kv/util/engine_util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type classifyEnv struct {
	t     *testing.T
	mem   *storage.MemStorage
	cache *OldValueCache
	index uint64
}

func newClassifyEnv(t *testing.T) *classifyEnv {
	cache, err := NewOldValueCache(16)
	require.Nil(t, err)
	return &classifyEnv{t: t, mem: storage.NewMemStorage(), cache: cache}
}

// apply runs f in a transaction, writes it and classifies the batch.
func (env *classifyEnv) apply(startTs uint64, f func(txn *mvcc.MvccTxn) error) ([]*EventRow, []lockOp) {
	snap, err := env.mem.Snapshot()
	require.Nil(env.t, err)
	txn := mvcc.NewTxn(snap, startTs)
	require.Nil(env.t, f(txn))
	snap.Close()
	require.Nil(env.t, env.mem.Write(txn.Writes()))

	env.index++
	batch := &standalone_storage.CmdBatch{RegionID: 1, Index: env.index, Modifies: txn.Writes(), Extra: &txn.Extra}
	env.cache.InsertExtra(batch.Extra)
	reader := &rowReader{snapshot: env.mem.Snapshot, cache: env.cache}
	defer reader.close()
	rows, ops, err := classify(batch, reader, true)
	require.Nil(env.t, err)
	return rows, ops
}

func TestClassifyPrewriteCommit(t *testing.T) {
	env := newClassifyEnv(t)
	opts := &mvcc.TxnOptions{Primary: []byte("k")}
	long := bytes.Repeat([]byte("x"), mvcc.ShortValueMaxLen+1)

	rows, ops := env.apply(10, func(txn *mvcc.MvccTxn) error {
		if err := mvcc.Prewrite(txn, &mvcc.Mutation{Op: mvcc.MutationPut, Key: []byte("k"), Value: []byte("v1")}, opts); err != nil {
			return err
		}
		return mvcc.Prewrite(txn, &mvcc.Mutation{Op: mvcc.MutationPut, Key: []byte("l"), Value: long}, opts)
	})
	require.Len(t, rows, 2)
	assert.Equal(t, EventRowPrewrite, rows[0].Type)
	assert.Equal(t, OpPut, rows[0].OpType)
	assert.Equal(t, []byte("v1"), rows[0].Value)
	assert.Nil(t, rows[0].OldValue)
	assert.Equal(t, long, rows[1].Value)
	assert.Equal(t, []lockOp{
		{kind: lockTrack, key: []byte("k"), ts: 10},
		{kind: lockTrack, key: []byte("l"), ts: 10},
	}, ops)

	rows, ops = env.apply(10, func(txn *mvcc.MvccTxn) error {
		if err := mvcc.Commit(txn, []byte("k"), 20); err != nil {
			return err
		}
		return mvcc.Commit(txn, []byte("l"), 20)
	})
	require.Len(t, rows, 2)
	assert.Equal(t, EventRowCommit, rows[0].Type)
	assert.Equal(t, uint64(10), rows[0].StartTs)
	assert.Equal(t, uint64(20), rows[0].CommitTs)
	assert.Equal(t, []byte("v1"), rows[0].Value)
	// The long value is read back from the default CF.
	assert.Equal(t, long, rows[1].Value)
	assert.Contains(t, ops, lockOp{kind: lockUntrack, key: []byte("k"), ts: 10})
	assert.Contains(t, ops, lockOp{kind: lockUntrackKey, key: []byte("k")})

	rows, _ = env.apply(30, func(txn *mvcc.MvccTxn) error {
		return mvcc.Prewrite(txn, &mvcc.Mutation{Op: mvcc.MutationDelete, Key: []byte("k")}, opts)
	})
	require.Len(t, rows, 1)
	assert.Equal(t, OpDelete, rows[0].OpType)
	assert.Nil(t, rows[0].Value)
	assert.Equal(t, []byte("v1"), rows[0].OldValue)
}

func TestClassifyRollbackAndLock(t *testing.T) {
	env := newClassifyEnv(t)
	opts := &mvcc.TxnOptions{Primary: []byte("k")}

	rows, ops := env.apply(10, func(txn *mvcc.MvccTxn) error {
		return mvcc.Prewrite(txn, &mvcc.Mutation{Op: mvcc.MutationLock, Key: []byte("k")}, opts)
	})
	assert.Empty(t, rows)
	assert.Empty(t, ops)
	rows, _ = env.apply(10, func(txn *mvcc.MvccTxn) error {
		return mvcc.Commit(txn, []byte("k"), 15)
	})
	assert.Empty(t, rows)

	env.apply(20, func(txn *mvcc.MvccTxn) error {
		return mvcc.Prewrite(txn, &mvcc.Mutation{Op: mvcc.MutationPut, Key: []byte("k"), Value: []byte("v")}, opts)
	})
	rows, ops = env.apply(20, func(txn *mvcc.MvccTxn) error {
		return mvcc.Rollback(txn, []byte("k"))
	})
	require.Len(t, rows, 1)
	assert.Equal(t, EventRowRollback, rows[0].Type)
	assert.Equal(t, uint64(20), rows[0].StartTs)
	assert.Nil(t, rows[0].OldValue)
	assert.Contains(t, ops, lockOp{kind: lockUntrackKey, key: []byte("k")})
}

func TestClassifyOverlappedRollback(t *testing.T) {
	env := newClassifyEnv(t)
	opts := &mvcc.TxnOptions{Primary: []byte("k")}
	env.apply(35, func(txn *mvcc.MvccTxn) error {
		return mvcc.Prewrite(txn, &mvcc.Mutation{Op: mvcc.MutationPut, Key: []byte("k"), Value: []byte("v")}, opts)
	})
	env.apply(35, func(txn *mvcc.MvccTxn) error {
		return mvcc.Commit(txn, []byte("k"), 40)
	})

	// Rolling back the transaction that started at 40 rewrites the commit
	// record of 35 with a gc fence.
	rows, ops := env.apply(40, func(txn *mvcc.MvccTxn) error {
		return mvcc.Rollback(txn, []byte("k"))
	})
	require.Len(t, rows, 1)
	assert.Equal(t, EventRowRollback, rows[0].Type)
	assert.Equal(t, uint64(40), rows[0].StartTs)
	assert.Equal(t, uint64(0), rows[0].CommitTs)
	assert.Equal(t, []lockOp{{kind: lockUntrack, key: []byte("k"), ts: 40}}, ops)
}

func TestClassifyOnePCAndPessimistic(t *testing.T) {
	env := newClassifyEnv(t)
	opts := &mvcc.TxnOptions{Primary: []byte("k")}
	rows, ops := env.apply(10, func(txn *mvcc.MvccTxn) error {
		return mvcc.OnePC(txn, []*mvcc.Mutation{{Op: mvcc.MutationPut, Key: []byte("k"), Value: []byte("v1")}}, opts, 11)
	})
	require.Len(t, rows, 1)
	assert.Equal(t, EventRowCommitted, rows[0].Type)
	assert.Equal(t, []lockOp{{kind: lockUntrack, key: []byte("k"), ts: 10}}, ops)

	// The pessimistic lock itself is invisible.
	pessimistic := &mvcc.TxnOptions{Primary: []byte("k"), ForUpdateTs: 30}
	rows, ops = env.apply(20, func(txn *mvcc.MvccTxn) error {
		return mvcc.AcquirePessimisticLock(txn, []byte("k"), pessimistic)
	})
	assert.Empty(t, rows)
	assert.Empty(t, ops)
	access, miss := env.cache.Stats()

	rows, _ = env.apply(20, func(txn *mvcc.MvccTxn) error {
		return mvcc.PessimisticPrewrite(txn, &mvcc.Mutation{Op: mvcc.MutationDelete, Key: []byte("k")}, pessimistic)
	})
	require.Len(t, rows, 1)
	assert.Equal(t, EventRowPrewrite, rows[0].Type)
	assert.Equal(t, OpDelete, rows[0].OpType)
	assert.Equal(t, []byte("v1"), rows[0].OldValue)
	access2, miss2 := env.cache.Stats()
	assert.Equal(t, access+1, access2)
	assert.Equal(t, miss, miss2)
}

func TestClassifyCommitReadsBeforeCommitTs(t *testing.T) {
	env := newClassifyEnv(t)
	put := func(v string) []*mvcc.Mutation {
		return []*mvcc.Mutation{{Op: mvcc.MutationPut, Key: []byte("k"), Value: []byte(v)}}
	}
	opts := &mvcc.TxnOptions{Primary: []byte("k")}
	env.apply(10, func(txn *mvcc.MvccTxn) error { return mvcc.OnePC(txn, put("v1"), opts, 11) })
	env.apply(31, func(txn *mvcc.MvccTxn) error { return mvcc.OnePC(txn, put("v2"), opts, 32) })

	pessimistic := &mvcc.TxnOptions{Primary: []byte("k"), ForUpdateTs: 40}
	env.apply(30, func(txn *mvcc.MvccTxn) error {
		return mvcc.AcquirePessimisticLock(txn, []byte("k"), pessimistic)
	})
	rows, _ := env.apply(30, func(txn *mvcc.MvccTxn) error {
		return mvcc.PessimisticPrewrite(txn, put("v3")[0], pessimistic)
	})
	require.Len(t, rows, 1)
	assert.Equal(t, []byte("v2"), rows[0].OldValue)

	// Start from an empty cache so the commit reads the old value itself.
	cache, err := NewOldValueCache(16)
	require.Nil(t, err)
	env.cache = cache
	rows, _ = env.apply(30, func(txn *mvcc.MvccTxn) error {
		return mvcc.Commit(txn, []byte("k"), 60)
	})
	require.Len(t, rows, 1)
	assert.Equal(t, EventRowCommit, rows[0].Type)
	assert.Equal(t, []byte("v2"), rows[0].OldValue)
	_, miss := env.cache.Stats()
	assert.Equal(t, int64(1), miss)
}

func TestClassifyRaw(t *testing.T) {
	env := newClassifyEnv(t)
	reader := &rowReader{snapshot: env.mem.Snapshot, cache: env.cache}
	defer reader.close()
	batch := &standalone_storage.CmdBatch{RegionID: 1, Index: 1, Modifies: []storage.Modify{
		storage.NewPut(engine_util.CfRaw, []byte("a"), storage.EncodeRawValue([]byte("v"), 5, false)),
		storage.NewPut(engine_util.CfRaw, []byte("b"), storage.EncodeRawValue(nil, 6, true)),
	}}
	rows, ops, err := classify(batch, reader, true)
	require.Nil(t, err)
	assert.Empty(t, ops)
	require.Len(t, rows, 2)
	assert.Equal(t, KvAPIRaw, rows[0].api)
	assert.Equal(t, OpPut, rows[0].OpType)
	assert.Equal(t, uint64(5), rows[0].CommitTs)
	assert.Equal(t, OpDelete, rows[1].OpType)
	assert.Nil(t, rows[1].OldValue)

	txnDownstream := &Downstream{kvAPI: KvAPITxn}
	rawDownstream := &Downstream{kvAPI: KvAPIRaw}
	assert.False(t, txnDownstream.accept(rows[0]))
	assert.True(t, rawDownstream.accept(rows[0]))
}
