package latches

import (
	"sync"

	"github.com/pingcap-incubator/tinycdc/kv/storage"
)

// Latches serialise commands that write the same keys. A command latches
// every user key it may write before it reads its snapshot and releases them
// after the writes are applied, so two commands never build writes for a key
// from the same stale snapshot.
//
// There is one latch per user key, not one per CF. The map is guarded by a
// single mutex.
type Latches struct {
	// latchMap maps each latched key to the WaitGroup waiters block on.
	latchMap   map[string]*sync.WaitGroup
	latchGuard sync.Mutex
	// Validation, if set, is called with the writes of a command and the keys
	// it latched. Only used for testing.
	Validation func(writes []storage.Modify, keys [][]byte)
}

func NewLatches() *Latches {
	l := new(Latches)
	l.latchMap = make(map[string]*sync.WaitGroup)
	return l
}

// AcquireLatches tries to latch all keys at once. It returns nil on success,
// otherwise the WaitGroup of a latch that is held.
func (l *Latches) AcquireLatches(keysToLatch [][]byte) *sync.WaitGroup {
	l.latchGuard.Lock()
	defer l.latchGuard.Unlock()

	for _, key := range keysToLatch {
		if latchWg, ok := l.latchMap[string(key)]; ok {
			return latchWg
		}
	}

	wg := new(sync.WaitGroup)
	wg.Add(1)
	for _, key := range keysToLatch {
		l.latchMap[string(key)] = wg
	}
	return nil
}

// ReleaseLatches releases keys latched together by one AcquireLatches call
// and wakes their waiters.
func (l *Latches) ReleaseLatches(keysToUnlatch [][]byte) {
	l.latchGuard.Lock()
	defer l.latchGuard.Unlock()

	first := true
	for _, key := range keysToUnlatch {
		if first {
			if wg, ok := l.latchMap[string(key)]; ok {
				wg.Done()
			}
			first = false
		}
		delete(l.latchMap, string(key))
	}
}

// WaitForLatches blocks until all keys are latched.
func (l *Latches) WaitForLatches(keysToLatch [][]byte) {
	for {
		wg := l.AcquireLatches(keysToLatch)
		if wg == nil {
			return
		}
		wg.Wait()
	}
}

// Validate calls the function in Validation, if it exists.
func (l *Latches) Validate(writes []storage.Modify, latched [][]byte) {
	if l.Validation != nil {
		l.Validation(writes, latched)
	}
}
