package standalone_storage

import (
	"sync"

	"github.com/pingcap-incubator/tinycdc/kv/storage"
	"github.com/pingcap/kvproto/pkg/metapb"
)

// CmdBatch is what one apply wrote to a region, in order.
type CmdBatch struct {
	RegionID uint64
	Index    uint64
	Modifies []storage.Modify
	// Extra is nil unless the writer attached old values.
	Extra *storage.TxnExtra
}

// Size is the number of key and value bytes in the batch.
func (b *CmdBatch) Size() int {
	size := 0
	for i := range b.Modifies {
		size += b.Modifies[i].Size()
	}
	return size
}

type RegionChangeKind int

const (
	RegionEpochChanged RegionChangeKind = iota + 1
	RegionLeaderChanged
	RegionDestroyed
)

func (k RegionChangeKind) String() string {
	switch k {
	case RegionEpochChanged:
		return "EpochChanged"
	case RegionLeaderChanged:
		return "LeaderChanged"
	case RegionDestroyed:
		return "Destroyed"
	}
	return "Unknown"
}

// RegionChange reports a change of region meta or leadership. Derived lists
// the regions that now cover the old range, for epoch changes.
type RegionChange struct {
	Kind     RegionChangeKind
	RegionID uint64
	Region   *metapb.Region
	Leader   *metapb.Peer
	Derived  []*metapb.Region
}

// Observer is told about every apply and region change, in apply order.
// Callbacks run on a single goroutine and may block.
type Observer interface {
	OnCmdBatch(batch *CmdBatch)
	OnRegionChange(change *RegionChange)
}

// notifier hands notifications to the observer in order without making
// appliers wait for it.
type notifier struct {
	mu       sync.Mutex
	cond     *sync.Cond
	queue    []interface{}
	observer Observer
	closed   bool
	done     chan struct{}
}

func newNotifier() *notifier {
	n := &notifier{done: make(chan struct{})}
	n.cond = sync.NewCond(&n.mu)
	go n.run()
	return n
}

func (n *notifier) setObserver(o Observer) {
	n.mu.Lock()
	n.observer = o
	n.mu.Unlock()
}

func (n *notifier) push(msg interface{}) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.observer == nil || n.closed {
		return false
	}
	n.queue = append(n.queue, msg)
	n.cond.Signal()
	return true
}

// barrier is a queued callback, it runs after every notification queued
// before it has been delivered.
type barrier func()

func (n *notifier) run() {
	defer close(n.done)
	for {
		n.mu.Lock()
		for len(n.queue) == 0 && !n.closed {
			n.cond.Wait()
		}
		if len(n.queue) == 0 {
			n.mu.Unlock()
			return
		}
		msgs := n.queue
		n.queue = nil
		observer := n.observer
		n.mu.Unlock()

		for _, msg := range msgs {
			switch m := msg.(type) {
			case barrier:
				m()
			case *CmdBatch:
				if observer != nil {
					observer.OnCmdBatch(m)
				}
			case *RegionChange:
				if observer != nil {
					observer.OnRegionChange(m)
				}
			}
		}
	}
}

// close stops the notifier after the queued notifications are delivered.
func (n *notifier) close() {
	n.mu.Lock()
	n.closed = true
	n.cond.Signal()
	n.mu.Unlock()
	<-n.done
}
