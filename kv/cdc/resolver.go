package cdc

import (
	"github.com/google/btree"
	"github.com/pingcap-incubator/tinycdc/kv/transaction/concurrency"
)

// tsCount is the number of tracked locks with one start ts.
type tsCount struct {
	ts    uint64
	count int
}

func (c *tsCount) Less(than btree.Item) bool {
	return c.ts < than.(*tsCount).ts
}

// Resolver tracks the outstanding locks of a region and computes its
// resolved ts. It is owned by the endpoint loop.
type Resolver struct {
	regionID   uint64
	locksByKey map[string]uint64
	lockTs     *btree.BTree
	resolvedTs uint64

	// cm and the region range bound resolution by in-memory locks.
	cm       *concurrency.Manager
	startKey []byte
	endKey   []byte
}

func NewResolver(regionID uint64, cm *concurrency.Manager, startKey, endKey []byte) *Resolver {
	return &Resolver{
		regionID:   regionID,
		locksByKey: make(map[string]uint64),
		lockTs:     btree.New(8),
		cm:         cm,
		startKey:   startKey,
		endKey:     endKey,
	}
}

func (r *Resolver) ResolvedTs() uint64 {
	return r.resolvedTs
}

// Len is the number of tracked locks.
func (r *Resolver) Len() int {
	return len(r.locksByKey)
}

// TrackLock records the lock of startTs on key. A key holds one lock, so a
// different ts replaces the tracked one.
func (r *Resolver) TrackLock(startTs uint64, key []byte) {
	if ts, ok := r.locksByKey[string(key)]; ok {
		if ts == startTs {
			return
		}
		r.release(ts)
	}
	r.locksByKey[string(key)] = startTs
	if item := r.lockTs.Get(&tsCount{ts: startTs}); item != nil {
		item.(*tsCount).count++
		return
	}
	r.lockTs.ReplaceOrInsert(&tsCount{ts: startTs, count: 1})
}

// UntrackLock forgets the lock of startTs on key. A lock of another
// transaction on key is kept.
func (r *Resolver) UntrackLock(startTs uint64, key []byte) {
	if ts, ok := r.locksByKey[string(key)]; ok && ts == startTs {
		delete(r.locksByKey, string(key))
		r.release(ts)
	}
}

// UntrackKey forgets whatever lock is tracked on key.
func (r *Resolver) UntrackKey(key []byte) {
	if ts, ok := r.locksByKey[string(key)]; ok {
		delete(r.locksByKey, string(key))
		r.release(ts)
	}
}

func (r *Resolver) release(ts uint64) {
	item := r.lockTs.Get(&tsCount{ts: ts})
	if item == nil {
		return
	}
	if c := item.(*tsCount); c.count > 1 {
		c.count--
		return
	}
	r.lockTs.Delete(item)
}

// MinLockTs returns the smallest tracked start ts.
func (r *Resolver) MinLockTs() (uint64, bool) {
	min := r.lockTs.Min()
	if min == nil {
		return 0, false
	}
	return min.(*tsCount).ts, true
}

// Resolve advances the resolved ts towards minTs. It stays below every
// tracked lock and every in-memory lock of the region, and never decreases.
func (r *Resolver) Resolve(minTs uint64) uint64 {
	ts := minTs
	if min, ok := r.MinLockTs(); ok && min-1 < ts {
		ts = min - 1
	}
	if r.cm != nil {
		if min, ok := r.cm.MinLockInRange(r.startKey, r.endKey); ok && min-1 < ts {
			ts = min - 1
		}
	}
	if ts > r.resolvedTs {
		r.resolvedTs = ts
	}
	return r.resolvedTs
}
