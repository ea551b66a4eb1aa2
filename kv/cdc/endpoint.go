package cdc

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/coreos/go-semver/semver"
	"github.com/pingcap-incubator/tinycdc/kv/config"
	"github.com/pingcap-incubator/tinycdc/kv/storage"
	"github.com/pingcap-incubator/tinycdc/kv/storage/standalone_storage"
	"github.com/pingcap-incubator/tinycdc/kv/transaction/concurrency"
	"github.com/pingcap-incubator/tinycdc/kv/transaction/mvcc"
	"github.com/pingcap-incubator/tinycdc/kv/util/worker"
	"github.com/pingcap-incubator/tinycdc/log"
	"github.com/pingcap/errors"
	"github.com/pingcap/kvproto/pkg/metapb"
)

// RegionStore is the storage the endpoint observes.
type RegionStore interface {
	StoreID() uint64
	Snapshot() (storage.Snapshot, error)
	CaptureChange(regionID uint64, epoch *metapb.RegionEpoch) (*standalone_storage.RegionSnapshot, error)
	SetObserver(o standalone_storage.Observer)
	// AfterApplied runs fn behind every change already handed to the
	// observer queue.
	AfterApplied(fn func())
}

// TSO hands out timestamps.
type TSO interface {
	GetTS(ctx context.Context) (uint64, error)
}

// Messages handled by the endpoint loop.
type (
	connectMsg struct {
		conn *Conn
	}
	connDroppedMsg struct {
		conn *Conn
		err  error
	}
	registerMsg struct {
		conn *Conn
		req  *ChangeDataRequest
	}
	deregisterMsg struct {
		conn      *Conn
		regionID  uint64
		requestID uint64
	}
	cmdBatchMsg struct {
		batch *standalone_storage.CmdBatch
	}
	regionChangeMsg struct {
		change *standalone_storage.RegionChange
	}
	minTsMsg struct {
		minTs uint64
		tsoTs uint64
	}
	validateMsg struct {
		fn   func(*Introspection)
		done chan struct{}
	}
)

// Endpoint captures the changes of the regions led by one store and
// streams them to the registered downstreams. All the delegate state is
// owned by a single loop goroutine fed by msgCh.
type Endpoint struct {
	conf      *config.Config
	store     RegionStore
	cm        *concurrency.Manager
	tso       TSO
	cache     *OldValueCache
	minVer    *semver.Version
	batchSize uint64

	msgCh   chan interface{}
	closeCh chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	scanWg   sync.WaitGroup
	scanPool *worker.Worker

	closeOnce sync.Once

	// Owned by the loop.
	capture    map[uint64]*Delegate
	conns      map[ConnID]*Conn
	nextHandle uint64
}

var _ standalone_storage.Observer = (*Endpoint)(nil)

func NewEndpoint(conf *config.Config, store RegionStore, cm *concurrency.Manager, tso TSO) (*Endpoint, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	cache, err := NewOldValueCache(conf.OldValueCacheSize)
	if err != nil {
		return nil, err
	}
	minVer, err := semver.NewVersion(conf.ClusterIDCheckMinVersion)
	if err != nil {
		return nil, errors.Trace(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Endpoint{
		conf:      conf,
		store:     store,
		cm:        cm,
		tso:       tso,
		cache:     cache,
		minVer:    minVer,
		batchSize: conf.EventBatchSizeBytes,
		msgCh:     make(chan interface{}, 1024),
		closeCh:   make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
		capture:   make(map[uint64]*Delegate),
		conns:     make(map[ConnID]*Conn),
	}
	e.scanPool = worker.NewPool("cdc-scan", conf.IncrementalScanWorkers, &e.scanWg)
	return e, nil
}

// Start observes the store and starts the loop, the scan pool and the
// resolved ts ticker.
func (e *Endpoint) Start() {
	e.scanPool.Start(newInitializer(e.send, e.conf.IncrementalScanSpeedLimit, e.conf.IncrementalScanBatchSize))
	e.wg.Add(2)
	go e.run()
	go e.tick()
	e.store.SetObserver(e)
	log.Infof("cdc endpoint started on store %d", e.store.StoreID())
}

// Close stops the endpoint. Every connection is finished with
// ErrEndpointClosed after its queued events.
func (e *Endpoint) Close() {
	e.closeOnce.Do(func() {
		e.store.SetObserver(nil)
		close(e.closeCh)
		e.cancel()
		e.wg.Wait()
		e.scanPool.Stop()
		e.scanWg.Wait()
		for _, conn := range e.conns {
			conn.sink.finish(ErrEndpointClosed)
		}
		for _, dg := range e.capture {
			for _, d := range dg.downstreams {
				d.stop()
			}
		}
		e.conns = nil
		e.capture = nil
		captureRegionGauge.Set(0)
		log.Infof("cdc endpoint closed")
	})
}

// send hands msg to the loop. It returns false once the endpoint is closed.
func (e *Endpoint) send(msg interface{}) bool {
	select {
	case <-e.closeCh:
		return false
	default:
	}
	select {
	case e.msgCh <- msg:
		return true
	case <-e.closeCh:
		return false
	}
}

// Connect opens a connection. Client versions older than
// ClusterIDCheckMinVersion skip the cluster id check.
func (e *Endpoint) Connect(version string) *Conn {
	conn := &Conn{
		id:          ConnID(connIDAlloc.Inc()),
		version:     version,
		sink:        newSink(e.conf.SinkCapacity, e.conf.SinkSendTimeout.Duration),
		downstreams: make(map[downstreamKey]*Downstream),
	}
	conn.sink.onStall = func(err error) {
		e.send(&connDroppedMsg{conn: conn, err: err})
	}
	conn.sink.onDrop = func() {
		e.send(&connDroppedMsg{conn: conn})
	}
	conn.sink.start()
	if !e.send(&connectMsg{conn: conn}) {
		conn.sink.finish(ErrEndpointClosed)
	}
	return conn
}

// Register subscribes conn to a region. Errors are delivered on the
// connection as an ErrorEvent.
func (e *Endpoint) Register(conn *Conn, req *ChangeDataRequest) error {
	if !e.send(&registerMsg{conn: conn, req: req}) {
		return ErrEndpointClosed
	}
	return nil
}

// Deregister removes the registration of requestID on a region.
func (e *Endpoint) Deregister(conn *Conn, regionID, requestID uint64) error {
	if !e.send(&deregisterMsg{conn: conn, regionID: regionID, requestID: requestID}) {
		return ErrEndpointClosed
	}
	return nil
}

func (e *Endpoint) OnCmdBatch(batch *standalone_storage.CmdBatch) {
	e.send(&cmdBatchMsg{batch: batch})
}

func (e *Endpoint) OnRegionChange(change *standalone_storage.RegionChange) {
	e.send(&regionChangeMsg{change: change})
}

func (e *Endpoint) run() {
	defer e.wg.Done()
	for {
		select {
		case <-e.closeCh:
			return
		case msg := <-e.msgCh:
			e.handle(msg)
		}
	}
}

func (e *Endpoint) handle(msg interface{}) {
	switch m := msg.(type) {
	case *connectMsg:
		e.conns[m.conn.id] = m.conn
	case *connDroppedMsg:
		e.onConnDropped(m.conn, m.err)
	case *registerMsg:
		e.onRegister(m.conn, m.req)
	case *deregisterMsg:
		if d, ok := m.conn.downstreams[downstreamKey{regionID: m.regionID, requestID: m.requestID}]; ok {
			log.Infof("%v deregistered", d)
			e.removeDownstream(d, nil)
		}
	case *cmdBatchMsg:
		e.onCmdBatch(m.batch)
	case *regionChangeMsg:
		e.onRegionChange(m.change)
	case *scanRowsMsg:
		if d := e.findDownstream(m.regionID, m.handle, m.downstreamID); d != nil && d.state == downstreamInitializing {
			d.sinkRows(m.rows, e.batchSize)
		}
	case *scanDoneMsg:
		if d := e.findDownstream(m.regionID, m.handle, m.downstreamID); d != nil && d.state == downstreamInitializing {
			e.capture[m.regionID].onScanDone(d, e.batchSize)
			log.Infof("%v initialized", d)
		}
	case *scanFailedMsg:
		if d := e.findDownstream(m.regionID, m.handle, m.downstreamID); d != nil {
			e.removeDownstream(d, m.err)
		}
	case *resolverReadyMsg:
		e.onResolverReady(m)
	case *minTsMsg:
		e.onMinTs(m.minTs, m.tsoTs)
	case *validateMsg:
		m.fn(&Introspection{e: e})
		close(m.done)
	default:
		log.Errorf("cdc endpoint got unknown message %T", msg)
	}
}

func (e *Endpoint) findDownstream(regionID, handle uint64, id DownstreamID) *Downstream {
	dg, ok := e.capture[regionID]
	if !ok || dg.handle != handle {
		return nil
	}
	return dg.downstream(id)
}

// checkClusterID reports whether a client of version must send the id of
// this cluster.
func (e *Endpoint) checkClusterID(version string) bool {
	if version == "" {
		return false
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		log.Warnf("invalid client version %q, skip cluster id check", version)
		return false
	}
	return !v.LessThan(*e.minVer)
}

func isZeroEpoch(epoch *metapb.RegionEpoch) bool {
	return epoch.GetConfVer() == 0 && epoch.GetVersion() == 0
}

func (e *Endpoint) onRegister(conn *Conn, req *ChangeDataRequest) {
	if _, ok := e.conns[conn.id]; !ok {
		return
	}
	reject := func(err error) {
		log.Warnf("%v rejected registration of region %d request %d: %v", conn, req.RegionID, req.RequestID, err)
		conn.sink.Send(&ErrorEvent{RegionID: req.RegionID, RequestID: req.RequestID, Error: toEventError(err)})
	}
	if e.checkClusterID(conn.version) && req.ClusterID != e.conf.ClusterID {
		reject(&ErrClusterIDMismatch{Current: e.conf.ClusterID, Request: req.ClusterID})
		return
	}
	if isZeroEpoch(req.RegionEpoch) {
		reject(&storage.ErrEpochNotMatch{Message: "zero region epoch"})
		return
	}
	key := downstreamKey{regionID: req.RegionID, requestID: req.RequestID}
	if _, ok := conn.downstreams[key]; ok {
		reject(&ErrDuplicateRequest{RegionID: req.RegionID})
		return
	}
	snap, err := e.store.CaptureChange(req.RegionID, req.RegionEpoch)
	if err != nil {
		reject(err)
		return
	}

	dg, ok := e.capture[req.RegionID]
	if !ok {
		e.nextHandle++
		dg = newDelegate(req.RegionID, e.nextHandle, snap.Region)
		e.capture[req.RegionID] = dg
		captureRegionGauge.Inc()
	}
	d := newDownstream(conn, req)
	d.snapshotIndex = snap.Index
	ctx, cancel := context.WithCancel(e.ctx)
	d.cancelScan = cancel
	dg.subscribe(d)
	conn.downstreams[key] = d

	task := &scanTask{
		ctx:          ctx,
		regionID:     req.RegionID,
		handle:       dg.handle,
		downstreamID: d.id,
		snap:         snap,
		checkpointTs: req.CheckpointTs,
		kvAPI:        req.KvAPI,
		readOldValue: req.ReadOldValue && req.KvAPI == KvAPITxn,
		scanData:     true,
	}
	task.start, task.end = clipRange(req.StartKey, req.EndKey, snap.Region)
	if dg.resolver == nil && dg.resolverBuilder == 0 {
		dg.resolverBuilder = d.id
		task.buildResolver = true
	}
	e.scanPool.Schedule(task)
	log.Infof("%v registered, checkpoint ts %d, snapshot index %d", d, req.CheckpointTs, snap.Index)
}

// rebuildResolver schedules a lock scan for a delegate whose resolver
// builder went away.
func (e *Endpoint) rebuildResolver(dg *Delegate) {
	snap, err := e.store.CaptureChange(dg.regionID, nil)
	if err != nil {
		e.stopDelegate(dg, err)
		return
	}
	builder := dg.downstreams[0]
	dg.resolverBuilder = builder.id
	e.scanPool.Schedule(&scanTask{
		ctx:           e.ctx,
		regionID:      dg.regionID,
		handle:        dg.handle,
		downstreamID:  builder.id,
		snap:          snap,
		buildResolver: true,
	})
}

func (e *Endpoint) onResolverReady(m *resolverReadyMsg) {
	dg, ok := e.capture[m.regionID]
	if !ok || dg.handle != m.handle || dg.resolverBuilder != m.downstreamID {
		return
	}
	r := NewResolver(dg.regionID, e.cm, dg.region.StartKey, dg.region.EndKey)
	for _, l := range m.locks {
		if l.Lock.Kind == mvcc.LockKindPut || l.Lock.Kind == mvcc.LockKindDelete {
			r.TrackLock(l.Lock.Ts, l.Key)
		}
	}
	dg.onResolverReady(r, m.index)
	log.Infof("region %d resolver ready with %d locks at index %d", dg.regionID, r.Len(), m.index)
}

// removeDownstream deregisters d, sending err to it when err is not nil.
func (e *Endpoint) removeDownstream(d *Downstream, err error) {
	delete(d.conn.downstreams, d.key())
	dg, ok := e.capture[d.regionID]
	if !ok {
		return
	}
	if err != nil {
		d.sinkError(err)
	}
	if dg.unsubscribe(d.id) {
		delete(e.capture, d.regionID)
		captureRegionGauge.Dec()
		log.Infof("region %d has no downstream, stop capturing", d.regionID)
		return
	}
	if dg.resolver == nil && dg.resolverBuilder == d.id {
		e.rebuildResolver(dg)
	}
}

// stopDelegate tears down a delegate, sending err to all its downstreams.
func (e *Endpoint) stopDelegate(dg *Delegate, err error) {
	for _, d := range dg.stop(err) {
		delete(d.conn.downstreams, d.key())
	}
	if cur, ok := e.capture[dg.regionID]; ok && cur == dg {
		delete(e.capture, dg.regionID)
		captureRegionGauge.Dec()
	}
	log.Infof("region %d stop capturing: %v", dg.regionID, err)
}

func (e *Endpoint) onConnDropped(conn *Conn, err error) {
	if _, ok := e.conns[conn.id]; !ok {
		return
	}
	delete(e.conns, conn.id)
	for _, d := range conn.downstreams {
		e.removeDownstream(d, nil)
	}
	if err != nil {
		log.Warnf("%v dropped: %v", conn, err)
	} else {
		log.Infof("%v closed", conn)
	}
}

func (e *Endpoint) onCmdBatch(batch *standalone_storage.CmdBatch) {
	dg, ok := e.capture[batch.RegionID]
	if !ok {
		return
	}
	readOldValue := dg.readOldValue()
	if readOldValue {
		e.cache.InsertExtra(batch.Extra)
	}
	reader := &rowReader{snapshot: e.store.Snapshot, cache: e.cache}
	rows, ops, err := classify(batch, reader, readOldValue)
	reader.close()
	if err != nil {
		log.Errorf("region %d failed to read command batch %d: %v", batch.RegionID, batch.Index, err)
		e.stopDelegate(dg, err)
		return
	}
	dg.onCmdBatch(batch, rows, ops, e.batchSize)
}

func (e *Endpoint) onRegionChange(change *standalone_storage.RegionChange) {
	dg, ok := e.capture[change.RegionID]
	if !ok {
		return
	}
	switch change.Kind {
	case standalone_storage.RegionEpochChanged:
		if change.Region != nil && !epochNewer(change.Region.GetRegionEpoch(), dg.region.GetRegionEpoch()) {
			return
		}
		e.stopDelegate(dg, &storage.ErrEpochNotMatch{Message: "region epoch changed", Regions: change.Derived})
	case standalone_storage.RegionLeaderChanged:
		if change.Leader != nil && change.Leader.StoreId == e.store.StoreID() {
			return
		}
		e.stopDelegate(dg, &storage.ErrNotLeader{RegionId: change.RegionID, Leader: change.Leader})
	case standalone_storage.RegionDestroyed:
		e.stopDelegate(dg, &storage.ErrRegionNotFound{RegionId: change.RegionID})
	}
}

func epochNewer(lhs, rhs *metapb.RegionEpoch) bool {
	return lhs.GetVersion() > rhs.GetVersion() || lhs.GetConfVer() > rhs.GetConfVer()
}

func (e *Endpoint) tick() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.conf.MinTsInterval.Duration)
	defer ticker.Stop()
	for {
		select {
		case <-e.closeCh:
			return
		case <-ticker.C:
		}
		ts, err := e.tso.GetTS(e.ctx)
		if err != nil {
			if e.ctx.Err() == nil {
				log.Warnf("cdc failed to get ts: %v", err)
			}
			continue
		}
		e.cm.UpdateMaxTs(ts)
		minTs := ts
		if min, ok := e.cm.GlobalMinLock(); ok && min-1 < minTs {
			minTs = min - 1
		}
		// A lock released from memory before GlobalMinLock was read is
		// already queued as a command batch, so the resolved ts must not
		// overtake it.
		msg := &minTsMsg{minTs: minTs, tsoTs: ts}
		e.store.AfterApplied(func() { e.send(msg) })
	}
}

func (e *Endpoint) onMinTs(minTs, tsoTs uint64) {
	stallAfter := 20 * e.conf.MinTsInterval.Duration
	perConn := make(map[ConnID]map[uint64][]uint64)
	var minResolved uint64
	for regionID, dg := range e.capture {
		ts, ok := dg.resolve(minTs, stallAfter)
		if !ok {
			continue
		}
		if minResolved == 0 || ts < minResolved {
			minResolved = ts
		}
		for _, d := range dg.downstreams {
			if d.state != downstreamNormal {
				continue
			}
			byTs, ok := perConn[d.conn.id]
			if !ok {
				byTs = make(map[uint64][]uint64)
				perConn[d.conn.id] = byTs
			}
			regions := byTs[ts]
			if len(regions) == 0 || regions[len(regions)-1] != regionID {
				byTs[ts] = append(regions, regionID)
			}
		}
	}
	for connID, byTs := range perConn {
		conn, ok := e.conns[connID]
		if !ok {
			continue
		}
		tss := make([]uint64, 0, len(byTs))
		for ts := range byTs {
			tss = append(tss, ts)
		}
		sort.Slice(tss, func(i, j int) bool { return tss[i] < tss[j] })
		for _, ts := range tss {
			regions := byTs[ts]
			sort.Slice(regions, func(i, j int) bool { return regions[i] < regions[j] })
			conn.sink.Send(&ResolvedTsEvent{Regions: regions, Ts: ts})
		}
	}
	if minResolved != 0 {
		resolvedTsGauge.WithLabelValues("min").Set(float64(minResolved))
		lag := standalone_storage.ExtractPhysical(tsoTs) - standalone_storage.ExtractPhysical(minResolved)
		resolvedTsGauge.WithLabelValues("lag").Set(float64(lag))
	}
}

// Validate runs fn on the endpoint loop.
func (e *Endpoint) Validate(fn func(*Introspection)) error {
	done := make(chan struct{})
	if !e.send(&validateMsg{fn: fn, done: done}) {
		return ErrEndpointClosed
	}
	select {
	case <-done:
		return nil
	case <-e.closeCh:
		return ErrEndpointClosed
	}
}

// Introspection reads the endpoint state inside Validate.
type Introspection struct {
	e *Endpoint
}

// Regions returns the captured regions in ascending order.
func (in *Introspection) Regions() []uint64 {
	regions := make([]uint64, 0, len(in.e.capture))
	for id := range in.e.capture {
		regions = append(regions, id)
	}
	sort.Slice(regions, func(i, j int) bool { return regions[i] < regions[j] })
	return regions
}

func (in *Introspection) DownstreamCount(regionID uint64) int {
	if dg, ok := in.e.capture[regionID]; ok {
		return len(dg.downstreams)
	}
	return 0
}

// IsInitialized reports whether the resolver of the region is built.
func (in *Introspection) IsInitialized(regionID uint64) bool {
	dg, ok := in.e.capture[regionID]
	return ok && dg.isInitialized()
}

func (in *Introspection) ResolvedTs(regionID uint64) uint64 {
	if dg, ok := in.e.capture[regionID]; ok && dg.resolver != nil {
		return dg.resolver.ResolvedTs()
	}
	return 0
}

// LockCount is the number of locks tracked for the region.
func (in *Introspection) LockCount(regionID uint64) int {
	if dg, ok := in.e.capture[regionID]; ok && dg.resolver != nil {
		return dg.resolver.Len()
	}
	return 0
}

func (in *Introspection) OldValueStats() (access, miss int64) {
	return in.e.cache.Stats()
}

func (e *Endpoint) DownstreamCount(regionID uint64) (n int) {
	e.Validate(func(in *Introspection) { n = in.DownstreamCount(regionID) })
	return
}

func (e *Endpoint) IsInitialized(regionID uint64) (ok bool) {
	e.Validate(func(in *Introspection) { ok = in.IsInitialized(regionID) })
	return
}

func (e *Endpoint) ResolvedTs(regionID uint64) (ts uint64) {
	e.Validate(func(in *Introspection) { ts = in.ResolvedTs(regionID) })
	return
}

func (e *Endpoint) OldValueStats() (access, miss int64) {
	e.Validate(func(in *Introspection) { access, miss = in.OldValueStats() })
	return
}
