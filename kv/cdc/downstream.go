package cdc

import (
	"bytes"
	"context"
	"fmt"

	"github.com/pingcap-incubator/tinycdc/kv/util/engine_util"
	"github.com/pingcap/kvproto/pkg/metapb"
	"go.uber.org/atomic"
)

type KvAPI int

const (
	KvAPITxn KvAPI = iota
	KvAPIRaw
)

// ChangeDataRequest subscribes a connection to the changes of [StartKey,
// EndKey) within a region, starting after CheckpointTs.
type ChangeDataRequest struct {
	ClusterID    uint64
	RegionID     uint64
	RegionEpoch  *metapb.RegionEpoch
	RequestID    uint64
	CheckpointTs uint64
	StartKey     []byte
	EndKey       []byte
	ReadOldValue bool
	FilterLoop   bool
	KvAPI        KvAPI
}

type ConnID uint64

var (
	connIDAlloc       = atomic.NewUint64(0)
	downstreamIDAlloc = atomic.NewUint64(0)
)

// Conn is a client connection. It owns one sink shared by all the
// downstreams it registers.
type Conn struct {
	id      ConnID
	version string
	sink    *Sink

	// downstreams is owned by the endpoint loop.
	downstreams map[downstreamKey]*Downstream
}

type downstreamKey struct {
	regionID  uint64
	requestID uint64
}

func (c *Conn) ID() ConnID {
	return c.id
}

// Version is the client version sent when connecting.
func (c *Conn) Version() string {
	return c.version
}

// Recv returns the next event of the connection.
func (c *Conn) Recv(ctx context.Context) (Event, error) {
	return c.sink.Recv(ctx)
}

// Close drops the connection. Its downstreams are deregistered.
func (c *Conn) Close() {
	c.sink.Close()
}

func (c *Conn) String() string {
	return fmt.Sprintf("conn %d", c.id)
}

type DownstreamID uint64

type downstreamState int

const (
	downstreamInitializing downstreamState = iota
	downstreamNormal
	downstreamStopped
)

// Downstream is one registration of a connection on a region.
type Downstream struct {
	id           DownstreamID
	regionID     uint64
	requestID    uint64
	conn         *Conn
	startKey     []byte
	endKey       []byte
	checkpointTs uint64
	kvAPI        KvAPI
	filterLoop   bool
	readOldValue bool

	state downstreamState
	// snapshotIndex is the apply index covered by the scan of this downstream.
	snapshotIndex uint64
	cancelScan    context.CancelFunc
}

func newDownstream(conn *Conn, req *ChangeDataRequest) *Downstream {
	return &Downstream{
		id:           DownstreamID(downstreamIDAlloc.Inc()),
		regionID:     req.RegionID,
		requestID:    req.RequestID,
		conn:         conn,
		startKey:     req.StartKey,
		endKey:       req.EndKey,
		checkpointTs: req.CheckpointTs,
		kvAPI:        req.KvAPI,
		filterLoop:   req.FilterLoop,
		readOldValue: req.ReadOldValue,
	}
}

func (d *Downstream) ID() DownstreamID {
	return d.id
}

func (d *Downstream) String() string {
	return fmt.Sprintf("downstream %d (region %d, request %d, %v)", d.id, d.regionID, d.requestID, d.conn)
}

func (d *Downstream) key() downstreamKey {
	return downstreamKey{regionID: d.regionID, requestID: d.requestID}
}

func (d *Downstream) inRange(key []byte) bool {
	return bytes.Compare(key, d.startKey) >= 0 && !engine_util.ExceedEndKey(key, d.endKey)
}

// accept reports whether the live or scanned row goes to this downstream.
func (d *Downstream) accept(row *EventRow) bool {
	if row.Type == EventRowInitialized {
		return true
	}
	if row.api != d.kvAPI || !d.inRange(row.Key) {
		return false
	}
	if d.filterLoop && row.TxnSource != 0 && row.Type != EventRowRollback {
		return false
	}
	return true
}

// sinkRows filters rows and sends them in batches of at most batchSize
// bytes. A row larger than batchSize goes out alone.
func (d *Downstream) sinkRows(rows []*EventRow, batchSize uint64) bool {
	var batch []*EventRow
	var size uint64
	flush := func() bool {
		if len(batch) == 0 {
			return true
		}
		ok := d.conn.sink.Send(&ChangeDataEvent{RegionID: d.regionID, RequestID: d.requestID, Rows: batch})
		batch, size = nil, 0
		return ok
	}
	for _, row := range rows {
		if !d.accept(row) {
			continue
		}
		row = d.stamp(row)
		rowSize := uint64(row.Size())
		if rowSize >= batchSize || size+rowSize > batchSize {
			if !flush() {
				return false
			}
		}
		batch = append(batch, row)
		size += rowSize
		if rowSize >= batchSize {
			if !flush() {
				return false
			}
		}
	}
	return flush()
}

// stamp returns a copy of row addressed to this downstream.
func (d *Downstream) stamp(row *EventRow) *EventRow {
	r := *row
	r.RegionID = d.regionID
	r.RequestID = d.requestID
	if !d.readOldValue {
		r.OldValue = nil
	}
	return &r
}

func (d *Downstream) sinkError(err error) bool {
	return d.conn.sink.Send(&ErrorEvent{RegionID: d.regionID, RequestID: d.requestID, Error: toEventError(err)})
}

func (d *Downstream) stop() {
	d.state = downstreamStopped
	if d.cancelScan != nil {
		d.cancelScan()
	}
}
