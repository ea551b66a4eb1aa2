package commands

import (
	"testing"

	"github.com/pingcap-incubator/tinycdc/kv/storage"
	"github.com/pingcap-incubator/tinycdc/kv/storage/standalone_storage"
	"github.com/pingcap-incubator/tinycdc/kv/transaction/concurrency"
	"github.com/pingcap-incubator/tinycdc/kv/transaction/mvcc"
	"github.com/pingcap-incubator/tinycdc/kv/util/codec"
	"github.com/pingcap-incubator/tinycdc/kv/util/engine_util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newScheduler(t *testing.T) (*Scheduler, *standalone_storage.StandAloneStorage) {
	store := standalone_storage.NewStandAloneStorageWithEngine(storage.NewMemStorage(), 1)
	sched := NewScheduler(store, concurrency.NewManager(1))
	sched.Latches.Validation = func(writes []storage.Modify, keys [][]byte) {
		keyMap := make(map[string]struct{})
		for _, k := range keys {
			keyMap[string(k)] = struct{}{}
		}
		for _, wr := range writes {
			key := wr.Key()
			if wr.Cf() != engine_util.CfLock {
				userKey, _, err := codec.DecodeKey(key)
				require.Nil(t, err)
				key = userKey
			}
			if _, ok := keyMap[string(key)]; !ok {
				t.Errorf("tried to write key %q which was not latched", key)
			}
		}
	}
	return sched, store
}

func put(key, value string) *mvcc.Mutation {
	return &mvcc.Mutation{Op: mvcc.MutationPut, Key: []byte(key), Value: []byte(value)}
}

func TestPrewriteCommitGet(t *testing.T) {
	sched, store := newScheduler(t)
	defer store.Close()

	opts := mvcc.TxnOptions{Primary: []byte("a"), LockTtl: 3000}
	require.Nil(t, sched.Run(NewPrewrite([]*mvcc.Mutation{put("a", "1"), put("b", "2")}, 10, opts)))
	assert.Equal(t, 0, sched.ConcurrencyManager().Len())

	_, err := sched.Get([]byte("a"), 12)
	_, ok := err.(*mvcc.ErrKeyIsLocked)
	assert.True(t, ok)
	val, err := sched.Get([]byte("a"), 9)
	require.Nil(t, err)
	assert.Nil(t, val)
	assert.Equal(t, uint64(12), sched.ConcurrencyManager().MaxTs())

	require.Nil(t, sched.Run(NewCommit([][]byte{[]byte("a"), []byte("b")}, 10, 15)))
	val, err = sched.Get([]byte("b"), 20)
	require.Nil(t, err)
	assert.Equal(t, []byte("2"), val)
}

func TestPessimisticFlow(t *testing.T) {
	sched, store := newScheduler(t)
	defer store.Close()

	opts := mvcc.TxnOptions{Primary: []byte("k"), ForUpdateTs: 12}
	require.Nil(t, sched.Run(NewPessimisticLock([][]byte{[]byte("k")}, 10, opts)))
	require.Nil(t, sched.Run(NewPrewrite([]*mvcc.Mutation{put("k", "v")}, 10, opts)))
	require.Nil(t, sched.Run(NewCommit([][]byte{[]byte("k")}, 10, 13)))
	val, err := sched.Get([]byte("k"), 13)
	require.Nil(t, err)
	assert.Equal(t, []byte("v"), val)
}

func TestRollbackAndOnePC(t *testing.T) {
	sched, store := newScheduler(t)
	defer store.Close()

	opts := mvcc.TxnOptions{Primary: []byte("k")}
	require.Nil(t, sched.Run(NewPrewrite([]*mvcc.Mutation{put("k", "v")}, 10, opts)))
	require.Nil(t, sched.Run(NewRollback([][]byte{[]byte("k")}, 10)))
	err := sched.Run(NewCommit([][]byte{[]byte("k")}, 10, 11))
	_, ok := err.(*mvcc.ErrAlreadyRolledBack)
	assert.True(t, ok)

	require.Nil(t, sched.Run(NewOnePC([]*mvcc.Mutation{put("k", "w")}, 20, 21, opts)))
	val, err := sched.Get([]byte("k"), 30)
	require.Nil(t, err)
	assert.Equal(t, []byte("w"), val)
}
