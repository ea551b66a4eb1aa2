package cdc

import (
	"time"

	"github.com/pingcap-incubator/tinycdc/kv/storage/standalone_storage"
	"github.com/pingcap-incubator/tinycdc/log"
	"github.com/pingcap/kvproto/pkg/metapb"
)

// indexedRows are the rows of one command batch.
type indexedRows struct {
	index uint64
	rows  []*EventRow
}

type indexedLockOps struct {
	index uint64
	ops   []lockOp
}

// Delegate fans the changes of one region out to its downstreams. It is
// owned by the endpoint loop.
type Delegate struct {
	regionID uint64
	// handle tells a delegate apart from an older one of the same region.
	handle uint64
	region *metapb.Region

	downstreams []*Downstream

	resolver      *Resolver
	resolverIndex uint64
	// resolverBuilder is the downstream whose scan also reads the locks.
	resolverBuilder DownstreamID
	pendingLockOps  []indexedLockOps

	// pendingRows holds live rows while a downstream is initializing.
	pendingRows []indexedRows

	lastAdvance  time.Time
	stallWarned  bool
	lastResolved uint64
}

func newDelegate(regionID, handle uint64, region *metapb.Region) *Delegate {
	return &Delegate{
		regionID:    regionID,
		handle:      handle,
		region:      region,
		lastAdvance: time.Now(),
	}
}

func (dg *Delegate) subscribe(d *Downstream) {
	dg.downstreams = append(dg.downstreams, d)
}

func (dg *Delegate) downstream(id DownstreamID) *Downstream {
	for _, d := range dg.downstreams {
		if d.id == id {
			return d
		}
	}
	return nil
}

// unsubscribe removes the downstream and stops it. It reports whether the
// delegate has no downstream left.
func (dg *Delegate) unsubscribe(id DownstreamID) bool {
	for i, d := range dg.downstreams {
		if d.id == id {
			d.stop()
			dg.downstreams = append(dg.downstreams[:i], dg.downstreams[i+1:]...)
			break
		}
	}
	if !dg.hasInitializing() {
		dg.pendingRows = nil
	}
	return len(dg.downstreams) == 0
}

// stop sends err to every downstream and stops them all.
func (dg *Delegate) stop(err error) []*Downstream {
	downstreams := dg.downstreams
	for _, d := range downstreams {
		if d.state != downstreamStopped {
			d.sinkError(err)
		}
		d.stop()
	}
	dg.downstreams = nil
	dg.pendingRows = nil
	dg.pendingLockOps = nil
	return downstreams
}

func (dg *Delegate) readOldValue() bool {
	for _, d := range dg.downstreams {
		if d.readOldValue && d.kvAPI == KvAPITxn {
			return true
		}
	}
	return false
}

func (dg *Delegate) hasInitializing() bool {
	for _, d := range dg.downstreams {
		if d.state == downstreamInitializing {
			return true
		}
	}
	return false
}

func (dg *Delegate) isInitialized() bool {
	return dg.resolver != nil
}

// onResolverReady installs the resolver built from a snapshot at index and
// replays the lock changes applied after it.
func (dg *Delegate) onResolverReady(r *Resolver, index uint64) {
	for _, pending := range dg.pendingLockOps {
		if pending.index <= index {
			continue
		}
		for i := range pending.ops {
			pending.ops[i].apply(r)
		}
	}
	dg.pendingLockOps = nil
	dg.resolver = r
	dg.resolverIndex = index
	dg.resolverBuilder = 0
}

// onCmdBatch delivers the classified rows of a batch and updates the locks.
func (dg *Delegate) onCmdBatch(batch *standalone_storage.CmdBatch, rows []*EventRow, ops []lockOp, batchSize uint64) {
	if len(ops) > 0 {
		switch {
		case dg.resolver != nil:
			if batch.Index > dg.resolverIndex {
				for i := range ops {
					ops[i].apply(dg.resolver)
				}
			}
		default:
			dg.pendingLockOps = append(dg.pendingLockOps, indexedLockOps{index: batch.Index, ops: ops})
		}
	}
	if len(rows) == 0 {
		return
	}
	for _, d := range dg.downstreams {
		if d.state == downstreamNormal && batch.Index > d.snapshotIndex {
			d.sinkRows(rows, batchSize)
		}
	}
	if dg.hasInitializing() {
		dg.pendingRows = append(dg.pendingRows, indexedRows{index: batch.Index, rows: rows})
	}
}

// onScanDone sends the live rows that arrived during the scan of d, then
// marks d initialized.
func (dg *Delegate) onScanDone(d *Downstream, batchSize uint64) {
	var rows []*EventRow
	for _, pending := range dg.pendingRows {
		if pending.index > d.snapshotIndex {
			rows = append(rows, pending.rows...)
		}
	}
	rows = append(rows, &EventRow{Type: EventRowInitialized})
	d.sinkRows(rows, batchSize)
	d.state = downstreamNormal
	if !dg.hasInitializing() {
		dg.pendingRows = nil
	}
}

// resolve advances the resolved ts of the region. It returns false until
// the resolver is built.
func (dg *Delegate) resolve(minTs uint64, stallAfter time.Duration) (uint64, bool) {
	if dg.resolver == nil {
		return 0, false
	}
	ts := dg.resolver.Resolve(minTs)
	now := time.Now()
	if ts > dg.lastResolved {
		dg.lastResolved = ts
		dg.lastAdvance = now
		dg.stallWarned = false
	} else if !dg.stallWarned && now.Sub(dg.lastAdvance) > stallAfter {
		dg.stallWarned = true
		min, _ := dg.resolver.MinLockTs()
		log.Warnf("region %d resolved ts %d stalled for %v, %d locks, min lock ts %d",
			dg.regionID, ts, now.Sub(dg.lastAdvance), dg.resolver.Len(), min)
	}
	return ts, true
}
