package cdc

import (
	"bytes"
	"context"
	"time"

	"github.com/pingcap-incubator/tinycdc/kv/storage"
	"github.com/pingcap-incubator/tinycdc/kv/storage/standalone_storage"
	"github.com/pingcap-incubator/tinycdc/kv/transaction/mvcc"
	"github.com/pingcap-incubator/tinycdc/kv/util/engine_util"
	"github.com/pingcap-incubator/tinycdc/kv/util/worker"
	"github.com/pingcap-incubator/tinycdc/log"
	"github.com/pingcap/errors"
	"github.com/pingcap/kvproto/pkg/metapb"
	"golang.org/x/time/rate"
)

// scanTask reads the changes a downstream missed before its registration
// from the snapshot taken when it registered.
type scanTask struct {
	ctx          context.Context
	regionID     uint64
	handle       uint64
	downstreamID DownstreamID
	snap         *standalone_storage.RegionSnapshot

	// start and end are the downstream range clipped to the region.
	start        []byte
	end          []byte
	checkpointTs uint64
	kvAPI        KvAPI
	readOldValue bool
	// scanData is false for a task that only rebuilds the resolver.
	scanData      bool
	buildResolver bool
}

// Discard releases the snapshot of a task the scan pool dropped.
func (t *scanTask) Discard() {
	t.snap.Close()
}

type scanRowsMsg struct {
	regionID     uint64
	handle       uint64
	downstreamID DownstreamID
	rows         []*EventRow
}

type scanDoneMsg struct {
	regionID     uint64
	handle       uint64
	downstreamID DownstreamID
}

type scanFailedMsg struct {
	regionID     uint64
	handle       uint64
	downstreamID DownstreamID
	err          error
}

type resolverReadyMsg struct {
	regionID     uint64
	handle       uint64
	downstreamID DownstreamID
	index        uint64
	locks        []mvcc.LockEntry
}

// initializer runs scan tasks on the scan pool.
type initializer struct {
	send      func(msg interface{}) bool
	limiter   *rate.Limiter
	batchSize int
}

var (
	_ worker.TaskHandler = (*initializer)(nil)
	_ worker.Discarder   = (*scanTask)(nil)
)

func newInitializer(send func(msg interface{}) bool, speedLimit uint64, batchSize int) *initializer {
	in := &initializer{send: send, batchSize: batchSize}
	if speedLimit > 0 {
		in.limiter = rate.NewLimiter(rate.Limit(speedLimit), int(speedLimit))
	}
	return in
}

func (in *initializer) Handle(t worker.Task) {
	task := t.(*scanTask)
	defer task.snap.Close()
	if err := in.run(task); err != nil {
		if task.ctx.Err() != nil {
			log.Debugf("scan of region %d downstream %d canceled", task.regionID, task.downstreamID)
			return
		}
		log.Errorf("scan of region %d downstream %d failed: %v", task.regionID, task.downstreamID, err)
		in.send(&scanFailedMsg{
			regionID:     task.regionID,
			handle:       task.handle,
			downstreamID: task.downstreamID,
			err:          err,
		})
	}
}

func (in *initializer) run(task *scanTask) error {
	start := time.Now()
	if task.buildResolver {
		region := task.snap.Region
		locks, err := mvcc.ScanLocks(task.snap, region.StartKey, region.EndKey)
		if err != nil {
			return err
		}
		in.send(&resolverReadyMsg{
			regionID:     task.regionID,
			handle:       task.handle,
			downstreamID: task.downstreamID,
			index:        task.snap.Index,
			locks:        locks,
		})
	}
	if !task.scanData {
		return nil
	}

	var (
		entries int
		size    int
		err     error
	)
	if task.kvAPI == KvAPIRaw {
		entries, size, err = in.scanRaw(task)
	} else {
		entries, size, err = in.scanTxn(task)
	}
	if err != nil {
		return err
	}
	scanDuration.Observe(time.Since(start).Seconds())
	log.Infof("region %d downstream %d scanned %d entries (%d bytes) in %v",
		task.regionID, task.downstreamID, entries, size, time.Since(start))
	if !in.send(&scanDoneMsg{regionID: task.regionID, handle: task.handle, downstreamID: task.downstreamID}) {
		return ErrEndpointClosed
	}
	return nil
}

func (in *initializer) scanTxn(task *scanTask) (int, int, error) {
	scanner := mvcc.NewDeltaScanner(task.snap, task.start, task.end, task.checkpointTs)
	defer scanner.Close()
	txn := &mvcc.RoTxn{Reader: task.snap, StartTS: mvcc.TsMax}

	var (
		rows    []*EventRow
		entries int
		total   int
	)
	for {
		entry, err := scanner.Next()
		if err != nil {
			return entries, total, err
		}
		if entry == nil {
			break
		}
		row, readTs := scannedRow(entry)
		if task.readOldValue {
			if row.OldValue, _, err = txn.GetValueAt(row.Key, readTs); err != nil {
				return entries, total, err
			}
		}
		size := entry.Size() + len(row.OldValue)
		if err := in.throttle(task.ctx, size); err != nil {
			return entries, total, err
		}
		entries++
		total += size
		rows = append(rows, row)
		if len(rows) >= in.batchSize {
			if err := in.flush(task, rows); err != nil {
				return entries, total, err
			}
			rows = nil
		}
	}
	return entries, total, in.flush(task, rows)
}

func scannedRow(entry *mvcc.DeltaEntry) (*EventRow, uint64) {
	row := &EventRow{
		OpType:  OpPut,
		Key:     entry.Key,
		Value:   entry.Value,
		StartTs: entry.StartTs,
	}
	readTs := entry.StartTs
	if entry.Kind == mvcc.DeltaPrewrite {
		row.Type = EventRowPrewrite
		row.TxnSource = entry.Lock.TxnSource
		if entry.Lock.Kind == mvcc.LockKindDelete {
			row.OpType = OpDelete
		}
		if entry.Lock.IsPessimistic() {
			readTs = entry.Lock.ForUpdateTs
		}
		return row, readTs
	}
	row.Type = EventRowCommitted
	row.CommitTs = entry.CommitTs
	readTs = entry.CommitTs - 1
	row.TxnSource = entry.Write.TxnSource
	if entry.Write.Kind == mvcc.WriteKindDelete {
		row.OpType = OpDelete
	}
	return row, readTs
}

func (in *initializer) scanRaw(task *scanTask) (int, int, error) {
	iter := task.snap.IterCF(engine_util.CfRaw)
	defer iter.Close()
	var (
		rows    []*EventRow
		entries int
		total   int
	)
	for iter.Seek(task.start); iter.Valid(); iter.Next() {
		item := iter.Item()
		if engine_util.ExceedEndKey(item.Key(), task.end) {
			break
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return entries, total, errors.Trace(err)
		}
		value, ts, deleted, err := storage.DecodeRawValue(val)
		if err != nil {
			return entries, total, err
		}
		if ts <= task.checkpointTs {
			continue
		}
		row := &EventRow{Type: EventRowCommitted, OpType: OpPut, Key: item.KeyCopy(nil), Value: value, CommitTs: ts, api: KvAPIRaw}
		if deleted {
			row.OpType = OpDelete
			row.Value = nil
		}
		if err := in.throttle(task.ctx, len(row.Key)+len(val)); err != nil {
			return entries, total, err
		}
		entries++
		total += len(row.Key) + len(val)
		rows = append(rows, row)
		if len(rows) >= in.batchSize {
			if err := in.flush(task, rows); err != nil {
				return entries, total, err
			}
			rows = nil
		}
	}
	return entries, total, in.flush(task, rows)
}

// throttle waits until n more bytes may be read.
func (in *initializer) throttle(ctx context.Context, n int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	scanBytes.Add(float64(n))
	if in.limiter == nil {
		return nil
	}
	burst := in.limiter.Burst()
	for n > 0 {
		chunk := n
		if chunk > burst {
			chunk = burst
		}
		if err := in.limiter.WaitN(ctx, chunk); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

func (in *initializer) flush(task *scanTask, rows []*EventRow) error {
	if len(rows) == 0 {
		return nil
	}
	if err := task.ctx.Err(); err != nil {
		return err
	}
	if !in.send(&scanRowsMsg{regionID: task.regionID, handle: task.handle, downstreamID: task.downstreamID, rows: rows}) {
		return ErrEndpointClosed
	}
	return nil
}

// clipRange intersects [start, end) with the range of region. An empty end
// means no upper bound.
func clipRange(start, end []byte, region *metapb.Region) ([]byte, []byte) {
	if bytes.Compare(region.StartKey, start) > 0 {
		start = region.StartKey
	}
	if len(end) == 0 || (len(region.EndKey) > 0 && bytes.Compare(region.EndKey, end) < 0) {
		end = region.EndKey
	}
	return start, end
}
