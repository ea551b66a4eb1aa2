package concurrency

import (
	"testing"
	"time"

	"github.com/pingcap-incubator/tinycdc/kv/transaction/mvcc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMinLock(t *testing.T) {
	m := NewManager(1)
	_, ok := m.GlobalMinLock()
	assert.False(t, ok)

	g1 := m.LockKey([]byte("b"), &mvcc.Lock{Ts: 20})
	guards := m.LockKeys([][]byte{[]byte("d"), []byte("a"), []byte("d")}, &mvcc.Lock{Ts: 10})
	require.Equal(t, 2, len(guards))
	assert.Equal(t, []byte("a"), guards[0].Key())
	assert.Equal(t, 3, m.Len())

	ts, ok := m.GlobalMinLock()
	assert.True(t, ok)
	assert.Equal(t, uint64(10), ts)
	ts, ok = m.MinLockInRange([]byte("b"), []byte("d"))
	assert.True(t, ok)
	assert.Equal(t, uint64(20), ts)
	ts, ok = m.MinLockInRange([]byte("b"), nil)
	assert.True(t, ok)
	assert.Equal(t, uint64(10), ts)
	_, ok = m.MinLockInRange([]byte("e"), nil)
	assert.False(t, ok)

	ReleaseAll(guards)
	ts, _ = m.GlobalMinLock()
	assert.Equal(t, uint64(20), ts)
	g1.Release()
	g1.Release()
	assert.Equal(t, 0, m.Len())
}

func TestLockKeyWaits(t *testing.T) {
	m := NewManager(1)
	g := m.LockKey([]byte("k"), &mvcc.Lock{Ts: 5})
	acquired := make(chan *KeyHandleGuard)
	go func() {
		acquired <- m.LockKey([]byte("k"), &mvcc.Lock{Ts: 6})
	}()
	select {
	case <-acquired:
		t.Fatal("key locked twice")
	case <-time.After(50 * time.Millisecond):
	}
	g.Release()
	g2 := <-acquired
	ts, _ := m.GlobalMinLock()
	assert.Equal(t, uint64(6), ts)
	g2.Release()
}

func TestMaxTs(t *testing.T) {
	m := NewManager(10)
	m.UpdateMaxTs(5)
	assert.Equal(t, uint64(10), m.MaxTs())
	m.UpdateMaxTs(15)
	assert.Equal(t, uint64(15), m.MaxTs())
}
