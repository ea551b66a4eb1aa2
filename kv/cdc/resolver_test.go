package cdc

import (
	"testing"

	"github.com/pingcap-incubator/tinycdc/kv/transaction/concurrency"
	"github.com/pingcap-incubator/tinycdc/kv/transaction/mvcc"
	"github.com/stretchr/testify/assert"
)

func TestResolver(t *testing.T) {
	r := NewResolver(1, nil, nil, nil)
	assert.Equal(t, uint64(100), r.Resolve(100))

	r.TrackLock(150, []byte("a"))
	r.TrackLock(150, []byte("b"))
	r.TrackLock(120, []byte("c"))
	r.TrackLock(120, []byte("c"))
	assert.Equal(t, 3, r.Len())
	assert.Equal(t, uint64(119), r.Resolve(200))

	// A rollback of another ts leaves the lock in place.
	r.UntrackLock(110, []byte("c"))
	assert.Equal(t, uint64(119), r.Resolve(200))
	r.UntrackLock(120, []byte("c"))
	assert.Equal(t, uint64(149), r.Resolve(200))

	r.UntrackKey([]byte("a"))
	assert.Equal(t, uint64(149), r.Resolve(200))
	r.UntrackKey([]byte("b"))
	r.UntrackKey([]byte("never"))
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, uint64(200), r.Resolve(200))

	// Never goes backwards.
	r.TrackLock(50, []byte("d"))
	assert.Equal(t, uint64(200), r.Resolve(300))
	assert.Equal(t, uint64(200), r.ResolvedTs())
}

func TestResolverReplacesLock(t *testing.T) {
	r := NewResolver(1, nil, nil, nil)
	r.TrackLock(10, []byte("k"))
	r.TrackLock(20, []byte("k"))
	assert.Equal(t, 1, r.Len())
	min, ok := r.MinLockTs()
	assert.True(t, ok)
	assert.Equal(t, uint64(20), min)
}

func TestResolverMemoryLock(t *testing.T) {
	cm := concurrency.NewManager(1)
	r := NewResolver(1, cm, []byte("b"), []byte("d"))
	guard := cm.LockKey([]byte("c"), &mvcc.Lock{Ts: 80})
	outside := cm.LockKey([]byte("x"), &mvcc.Lock{Ts: 10})
	assert.Equal(t, uint64(79), r.Resolve(100))
	guard.Release()
	assert.Equal(t, uint64(100), r.Resolve(100))
	outside.Release()
}
