package concurrency

import (
	"bytes"
	"sort"
	"sync"

	"github.com/dgryski/go-farm"
	"github.com/google/btree"
	"github.com/pingcap-incubator/tinycdc/kv/transaction/mvcc"
	"go.uber.org/atomic"
)

const shardCount = 16

// Manager holds the in-memory lock table and max_ts of the store.
//
// A writer locks its keys here before building its writes and releases them
// once the writes are applied, so a lock is visible in memory before it is
// durable. Readers of resolved ts only observe the table.
type Manager struct {
	maxTs  *atomic.Uint64
	shards [shardCount]*lockShard
}

type lockShard struct {
	mu   sync.Mutex
	tree *btree.BTree
}

type keyHandle struct {
	key      []byte
	lock     *mvcc.Lock
	released chan struct{}
}

func (h *keyHandle) Less(than btree.Item) bool {
	return bytes.Compare(h.key, than.(*keyHandle).key) < 0
}

func NewManager(latestTs uint64) *Manager {
	m := &Manager{maxTs: atomic.NewUint64(latestTs)}
	for i := range m.shards {
		m.shards[i] = &lockShard{tree: btree.New(8)}
	}
	return m
}

func (m *Manager) shardFor(key []byte) *lockShard {
	return m.shards[farm.Fingerprint32(key)%shardCount]
}

// KeyHandleGuard keeps a key locked in memory until Release.
type KeyHandleGuard struct {
	shard  *lockShard
	handle *keyHandle
	once   sync.Once
}

func (g *KeyHandleGuard) Key() []byte {
	return g.handle.key
}

func (g *KeyHandleGuard) Release() {
	g.once.Do(func() {
		g.shard.mu.Lock()
		g.shard.tree.Delete(g.handle)
		g.shard.mu.Unlock()
		close(g.handle.released)
	})
}

// LockKey puts lock on key, waiting for any other holder of the key to
// release it first.
func (m *Manager) LockKey(key []byte, lock *mvcc.Lock) *KeyHandleGuard {
	shard := m.shardFor(key)
	probe := &keyHandle{key: key}
	for {
		shard.mu.Lock()
		if item := shard.tree.Get(probe); item != nil {
			released := item.(*keyHandle).released
			shard.mu.Unlock()
			<-released
			continue
		}
		h := &keyHandle{key: append([]byte{}, key...), lock: lock, released: make(chan struct{})}
		shard.tree.ReplaceOrInsert(h)
		shard.mu.Unlock()
		return &KeyHandleGuard{shard: shard, handle: h}
	}
}

// LockKeys locks every key in byte order, so concurrent callers cannot
// deadlock.
func (m *Manager) LockKeys(keys [][]byte, lock *mvcc.Lock) []*KeyHandleGuard {
	sorted := make([][]byte, len(keys))
	copy(sorted, keys)
	sort.Slice(sorted, func(i, j int) bool { return bytes.Compare(sorted[i], sorted[j]) < 0 })
	guards := make([]*KeyHandleGuard, 0, len(sorted))
	for i, key := range sorted {
		if i > 0 && bytes.Equal(key, sorted[i-1]) {
			continue
		}
		guards = append(guards, m.LockKey(key, lock))
	}
	return guards
}

// ReleaseAll releases guards returned by LockKeys.
func ReleaseAll(guards []*KeyHandleGuard) {
	for _, g := range guards {
		g.Release()
	}
}

// GlobalMinLock returns the smallest start ts in the table.
func (m *Manager) GlobalMinLock() (uint64, bool) {
	return m.MinLockInRange(nil, nil)
}

// MinLockInRange returns the smallest start ts of the locks on keys in
// [start, end). An empty end means no upper bound.
func (m *Manager) MinLockInRange(start, end []byte) (uint64, bool) {
	var min uint64
	found := false
	for _, shard := range m.shards {
		shard.mu.Lock()
		shard.tree.AscendGreaterOrEqual(&keyHandle{key: start}, func(item btree.Item) bool {
			h := item.(*keyHandle)
			if len(end) > 0 && bytes.Compare(h.key, end) >= 0 {
				return false
			}
			if h.lock != nil && (!found || h.lock.Ts < min) {
				min = h.lock.Ts
				found = true
			}
			return true
		})
		shard.mu.Unlock()
	}
	return min, found
}

// Len is the number of keys locked in memory.
func (m *Manager) Len() int {
	n := 0
	for _, shard := range m.shards {
		shard.mu.Lock()
		n += shard.tree.Len()
		shard.mu.Unlock()
	}
	return n
}

// UpdateMaxTs raises max_ts to ts if it is larger.
func (m *Manager) UpdateMaxTs(ts uint64) {
	for {
		cur := m.maxTs.Load()
		if ts <= cur || m.maxTs.CAS(cur, ts) {
			return
		}
	}
}

func (m *Manager) MaxTs() uint64 {
	return m.maxTs.Load()
}
