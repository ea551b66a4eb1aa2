package standalone_storage

import (
	"sync"

	"github.com/pingcap-incubator/tinycdc/kv/config"
	"github.com/pingcap-incubator/tinycdc/kv/storage"
	"github.com/pingcap-incubator/tinycdc/kv/util/codec"
	"github.com/pingcap-incubator/tinycdc/kv/util/engine_util"
	"github.com/pingcap-incubator/tinycdc/log"
	"github.com/pingcap/errors"
	"github.com/pingcap/kvproto/pkg/metapb"
)

// FirstRegionID is the id of the region covering the whole key space when
// the storage starts.
const FirstRegionID uint64 = 1

// StandAloneStorage is a single node store. It plays the replication layer
// for the change feed: writes are applied per region with an increasing
// apply index, every apply and region change is reported to the observer,
// and CaptureChange returns a snapshot together with the index it covers.
type StandAloneStorage struct {
	engine  storage.Storage
	storeID uint64

	// applyMu serialises applies, region changes and captures.
	applyMu  sync.Mutex
	regions  *regionTable
	notifier *notifier
}

// NewStandAloneStorage opens a badger engine at conf.DBPath.
func NewStandAloneStorage(conf *config.Config) (*StandAloneStorage, error) {
	engine, err := NewBadgerEngine(conf)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return NewStandAloneStorageWithEngine(engine, conf.StoreID), nil
}

// NewStandAloneStorageWithEngine builds the store over any engine, tests use
// a storage.MemStorage.
func NewStandAloneStorageWithEngine(engine storage.Storage, storeID uint64) *StandAloneStorage {
	s := &StandAloneStorage{
		engine:   engine,
		storeID:  storeID,
		regions:  newRegionTable(),
		notifier: newNotifier(),
	}
	peer := &metapb.Peer{Id: FirstRegionID, StoreId: storeID}
	s.regions.insert(&regionItem{
		meta: &metapb.Region{
			Id:          FirstRegionID,
			RegionEpoch: &metapb.RegionEpoch{ConfVer: 1, Version: 1},
			Peers:       []*metapb.Peer{peer},
		},
		leader: peer,
	})
	return s
}

func (s *StandAloneStorage) StoreID() uint64 {
	return s.storeID
}

// SetObserver registers the single observer of applies and region changes.
func (s *StandAloneStorage) SetObserver(o Observer) {
	s.notifier.setObserver(o)
}

// AfterApplied calls fn once the observer has been handed every apply and
// region change made so far. Without an observer fn runs at once.
func (s *StandAloneStorage) AfterApplied(fn func()) {
	if !s.notifier.push(barrier(fn)) {
		fn()
	}
}

// userKey maps an engine key back to the user key used for region routing.
func userKey(cf string, key []byte) []byte {
	if cf == engine_util.CfDefault || cf == engine_util.CfWrite {
		if k, _, err := codec.DecodeKey(key); err == nil {
			return k
		}
	}
	return key
}

// Write routes each modification to the region owning its key and applies
// the per region batches in region order of first appearance.
func (s *StandAloneStorage) Write(batch []storage.Modify) error {
	return s.WriteWithExtra(batch, nil)
}

// WriteWithExtra is Write with transaction extras handed to the observer
// alongside the command batch of the region owning each extra's key.
func (s *StandAloneStorage) WriteWithExtra(batch []storage.Modify, extra *storage.TxnExtra) error {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()
	var order []uint64
	groups := make(map[uint64][]storage.Modify)
	for _, m := range batch {
		region := s.regions.search(userKey(m.Cf(), m.Key()))
		if region == nil {
			return &storage.ErrKeyNotInRegion{Key: m.Key()}
		}
		id := region.meta.Id
		if _, ok := groups[id]; !ok {
			order = append(order, id)
		}
		groups[id] = append(groups[id], m)
	}
	extras := s.splitExtra(extra)
	for _, id := range order {
		if err := s.applyLocked(id, groups[id], extras[id]); err != nil {
			return err
		}
	}
	return nil
}

func (s *StandAloneStorage) splitExtra(extra *storage.TxnExtra) map[uint64]*storage.TxnExtra {
	if extra.IsEmpty() {
		return nil
	}
	extras := make(map[uint64]*storage.TxnExtra)
	for k, v := range extra.OldValues {
		region := s.regions.search(userKey(engine_util.CfWrite, []byte(k)))
		if region == nil {
			continue
		}
		e, ok := extras[region.meta.Id]
		if !ok {
			e = new(storage.TxnExtra)
			extras[region.meta.Id] = e
		}
		e.AddOldValue([]byte(k), v)
	}
	return extras
}

// Apply writes batch as one command of the region.
func (s *StandAloneStorage) Apply(regionID uint64, batch []storage.Modify) error {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()
	return s.applyLocked(regionID, batch, nil)
}

func (s *StandAloneStorage) applyLocked(regionID uint64, batch []storage.Modify, extra *storage.TxnExtra) error {
	region := s.regions.get(regionID)
	if region == nil {
		return &storage.ErrRegionNotFound{RegionId: regionID}
	}
	for _, m := range batch {
		if key := userKey(m.Cf(), m.Key()); !region.contains(key) {
			return &storage.ErrKeyNotInRegion{Key: key, Region: cloneRegion(region.meta)}
		}
	}
	if err := s.engine.Write(batch); err != nil {
		return errors.Trace(err)
	}
	region.applied++
	s.notifier.push(&CmdBatch{RegionID: regionID, Index: region.applied, Modifies: batch, Extra: extra})
	return nil
}

func (s *StandAloneStorage) Snapshot() (storage.Snapshot, error) {
	return s.engine.Snapshot()
}

// RegionSnapshot is a snapshot of the engine that contains every apply of
// the region up to Index.
type RegionSnapshot struct {
	storage.Snapshot
	Region *metapb.Region
	Index  uint64
}

// CaptureChange checks that this store leads the region at the given epoch
// and returns a snapshot with the apply index it covers.
func (s *StandAloneStorage) CaptureChange(regionID uint64, epoch *metapb.RegionEpoch) (*RegionSnapshot, error) {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()
	region := s.regions.get(regionID)
	if region == nil {
		return nil, &storage.ErrRegionNotFound{RegionId: regionID}
	}
	if region.leader == nil || region.leader.StoreId != s.storeID {
		return nil, &storage.ErrNotLeader{RegionId: regionID, Leader: region.leader}
	}
	if epoch != nil && isEpochStale(region.meta.GetRegionEpoch(), epoch) {
		return nil, &storage.ErrEpochNotMatch{
			Message: "stale epoch",
			Regions: []*metapb.Region{cloneRegion(region.meta)},
		}
	}
	snap, err := s.engine.Snapshot()
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &RegionSnapshot{Snapshot: snap, Region: cloneRegion(region.meta), Index: region.applied}, nil
}

// Region returns a copy of the region meta and its leader.
func (s *StandAloneStorage) Region(regionID uint64) (*metapb.Region, *metapb.Peer) {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()
	region := s.regions.get(regionID)
	if region == nil {
		return nil, nil
	}
	return cloneRegion(region.meta), region.leader
}

// RegionByKey returns a copy of the region containing key.
func (s *StandAloneStorage) RegionByKey(key []byte) *metapb.Region {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()
	if region := s.regions.search(key); region != nil {
		return cloneRegion(region.meta)
	}
	return nil
}

func (s *StandAloneStorage) Regions() []*metapb.Region {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()
	return s.regions.regions()
}

// Split divides a region at splitKey, [start, splitKey) keeps the region id.
func (s *StandAloneStorage) Split(regionID uint64, splitKey []byte, newRegionID uint64) error {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()
	left, right, err := s.regions.split(regionID, splitKey, newRegionID, newRegionID)
	if err != nil {
		return errors.Trace(err)
	}
	log.Infof("region %d split at %q, new region %d", regionID, splitKey, newRegionID)
	s.notifier.push(&RegionChange{
		Kind:     RegionEpochChanged,
		RegionID: regionID,
		Region:   cloneRegion(left.meta),
		Leader:   left.leader,
		Derived:  []*metapb.Region{cloneRegion(left.meta), cloneRegion(right.meta)},
	})
	return nil
}

// Merge folds source into the adjacent target region.
func (s *StandAloneStorage) Merge(sourceID, targetID uint64) error {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()
	merged, err := s.regions.merge(sourceID, targetID)
	if err != nil {
		return errors.Trace(err)
	}
	log.Infof("region %d merged into region %d", sourceID, targetID)
	derived := []*metapb.Region{cloneRegion(merged.meta)}
	s.notifier.push(&RegionChange{Kind: RegionDestroyed, RegionID: sourceID, Derived: derived})
	s.notifier.push(&RegionChange{
		Kind:     RegionEpochChanged,
		RegionID: targetID,
		Region:   cloneRegion(merged.meta),
		Leader:   merged.leader,
		Derived:  derived,
	})
	return nil
}

// TransferLeader moves the leadership of a region to peer.
func (s *StandAloneStorage) TransferLeader(regionID uint64, peer *metapb.Peer) error {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()
	region := s.regions.get(regionID)
	if region == nil {
		return &storage.ErrRegionNotFound{RegionId: regionID}
	}
	region.leader = peer
	s.notifier.push(&RegionChange{
		Kind:     RegionLeaderChanged,
		RegionID: regionID,
		Region:   cloneRegion(region.meta),
		Leader:   peer,
	})
	return nil
}

// Destroy removes the region from this store and deletes its data.
func (s *StandAloneStorage) Destroy(regionID uint64) error {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()
	region := s.regions.remove(regionID)
	if region == nil {
		return &storage.ErrRegionNotFound{RegionId: regionID}
	}
	s.notifier.push(&RegionChange{Kind: RegionDestroyed, RegionID: regionID})
	return s.clearRange(region.meta.StartKey, region.meta.EndKey)
}

// clearRange deletes the user keys in [start, end) from every column family.
func (s *StandAloneStorage) clearRange(start, end []byte) error {
	snap, err := s.engine.Snapshot()
	if err != nil {
		return errors.Trace(err)
	}
	defer snap.Close()
	var batch []storage.Modify
	del := func(cf string, key []byte) {
		batch = append(batch, storage.NewDelete(cf, key))
	}
	for _, cf := range engine_util.CFs {
		lo, hi := start, end
		if cf == engine_util.CfDefault || cf == engine_util.CfWrite {
			lo = codec.EncodeBytes(start)
			if len(end) > 0 {
				hi = codec.EncodeBytes(end)
			}
		}
		engine_util.DeleteRange(snap, cf, lo, hi, del)
	}
	if len(batch) == 0 {
		return nil
	}
	log.Infof("cleared %d keys of destroyed range [%q, %q)", len(batch), start, end)
	return errors.Trace(s.engine.Write(batch))
}

// Close flushes pending notifications and closes the engine.
func (s *StandAloneStorage) Close() error {
	s.notifier.close()
	return errors.Trace(s.engine.Close())
}
