package storage

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/coocood/badger/y"
	"github.com/google/btree"
	"github.com/pingcap-incubator/tinycdc/kv/util/engine_util"
)

const memBtreeDegree = 32

// MemStorage keeps every column family in a copy-on-write btree, so a snapshot
// is a cheap clone. Data is not written to disk; it is intended for testing.
type MemStorage struct {
	mu  sync.Mutex
	cfs map[string]*btree.BTree
}

func NewMemStorage() *MemStorage {
	s := &MemStorage{cfs: make(map[string]*btree.BTree, len(engine_util.CFs))}
	for _, cf := range engine_util.CFs {
		s.cfs[cf] = btree.New(memBtreeDegree)
	}
	return s
}

func (s *MemStorage) Write(batch []Modify) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range batch {
		tree, ok := s.cfs[m.Cf()]
		if !ok {
			return fmt.Errorf("mem-storage: bad CF %s", m.Cf())
		}
		switch data := m.Data.(type) {
		case Put:
			tree.ReplaceOrInsert(memItem{key: y.SafeCopy(nil, data.Key), value: y.SafeCopy(nil, data.Value)})
		case Delete:
			tree.Delete(memItem{key: data.Key})
		}
	}
	return nil
}

func (s *MemStorage) Snapshot() (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := &memSnapshot{cfs: make(map[string]*btree.BTree, len(s.cfs))}
	for cf, tree := range s.cfs {
		snap.cfs[cf] = tree.Clone()
	}
	return snap, nil
}

// Len returns the number of keys in cf.
func (s *MemStorage) Len(cf string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tree, ok := s.cfs[cf]; ok {
		return tree.Len()
	}
	return -1
}

func (s *MemStorage) Close() error {
	return nil
}

type memSnapshot struct {
	cfs map[string]*btree.BTree
}

func (ms *memSnapshot) GetCF(cf string, key []byte) ([]byte, error) {
	tree, ok := ms.cfs[cf]
	if !ok {
		return nil, fmt.Errorf("mem-storage: bad CF %s", cf)
	}
	result := tree.Get(memItem{key: key})
	if result == nil {
		return nil, nil
	}
	return result.(memItem).value, nil
}

func (ms *memSnapshot) IterCF(cf string) engine_util.DBIterator {
	tree, ok := ms.cfs[cf]
	if !ok {
		tree = btree.New(2)
	}
	it := &memIter{data: tree}
	if min := tree.Min(); min != nil {
		it.item = min.(memItem)
	}
	return it
}

func (ms *memSnapshot) Close() {}

type memIter struct {
	data *btree.BTree
	item memItem
}

func (it *memIter) Item() engine_util.DBItem {
	return it.item
}

func (it *memIter) Valid() bool {
	return it.item.key != nil
}

func (it *memIter) Next() {
	cur := it.item
	it.item = memItem{}
	it.data.AscendGreaterOrEqual(cur, func(item btree.Item) bool {
		if !cur.Less(item) {
			return true
		}
		it.item = item.(memItem)
		return false
	})
}

func (it *memIter) Seek(key []byte) {
	it.item = memItem{}
	it.data.AscendGreaterOrEqual(memItem{key: key}, func(item btree.Item) bool {
		it.item = item.(memItem)
		return false
	})
}

func (it *memIter) Close() {}

type memItem struct {
	key   []byte
	value []byte
}

func (it memItem) Key() []byte {
	return it.key
}

func (it memItem) KeyCopy(dst []byte) []byte {
	return y.SafeCopy(dst, it.key)
}

func (it memItem) Value() ([]byte, error) {
	return it.value, nil
}

func (it memItem) ValueCopy(dst []byte) ([]byte, error) {
	return y.SafeCopy(dst, it.value), nil
}

func (it memItem) Less(than btree.Item) bool {
	return bytes.Compare(it.key, than.(memItem).key) < 0
}
