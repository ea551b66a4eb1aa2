package standalone_storage

import (
	"bytes"

	"github.com/google/btree"
	"github.com/juju/errors"
	"github.com/pingcap/kvproto/pkg/metapb"
)

// regionItem orders regions by start key in the region table.
type regionItem struct {
	meta    *metapb.Region
	leader  *metapb.Peer
	applied uint64
}

func (r *regionItem) Less(than btree.Item) bool {
	return bytes.Compare(r.meta.StartKey, than.(*regionItem).meta.StartKey) < 0
}

func (r *regionItem) contains(key []byte) bool {
	return bytes.Compare(key, r.meta.StartKey) >= 0 &&
		(len(r.meta.EndKey) == 0 || bytes.Compare(key, r.meta.EndKey) < 0)
}

// regionTable indexes regions by id and by key range. It is not thread safe.
type regionTable struct {
	tree *btree.BTree
	byID map[uint64]*regionItem
}

func newRegionTable() *regionTable {
	return &regionTable{
		tree: btree.New(8),
		byID: make(map[uint64]*regionItem),
	}
}

func (t *regionTable) insert(item *regionItem) {
	t.tree.ReplaceOrInsert(item)
	t.byID[item.meta.Id] = item
}

func (t *regionTable) remove(regionID uint64) *regionItem {
	item, ok := t.byID[regionID]
	if !ok {
		return nil
	}
	t.tree.Delete(item)
	delete(t.byID, regionID)
	return item
}

func (t *regionTable) get(regionID uint64) *regionItem {
	return t.byID[regionID]
}

// search finds the region containing key.
func (t *regionTable) search(key []byte) *regionItem {
	var found *regionItem
	pivot := &regionItem{meta: &metapb.Region{StartKey: key}}
	t.tree.DescendLessOrEqual(pivot, func(i btree.Item) bool {
		found = i.(*regionItem)
		return false
	})
	if found == nil || !found.contains(key) {
		return nil
	}
	return found
}

func (t *regionTable) regions() []*metapb.Region {
	metas := make([]*metapb.Region, 0, t.tree.Len())
	t.tree.Ascend(func(i btree.Item) bool {
		metas = append(metas, cloneRegion(i.(*regionItem).meta))
		return true
	})
	return metas
}

// split cuts the region at splitKey. The left half keeps the region id, the
// right half gets newID. Both epochs move forward.
func (t *regionTable) split(regionID uint64, splitKey []byte, newID, newPeerID uint64) (left, right *regionItem, err error) {
	item := t.get(regionID)
	if item == nil {
		return nil, nil, errors.NotFoundf("region %d", regionID)
	}
	if t.get(newID) != nil {
		return nil, nil, errors.AlreadyExistsf("region %d", newID)
	}
	if !item.contains(splitKey) || bytes.Equal(splitKey, item.meta.StartKey) {
		return nil, nil, errors.NotValidf("split key %q for region %d", splitKey, regionID)
	}
	old := item.meta
	version := old.GetRegionEpoch().GetVersion() + 1
	leftMeta := &metapb.Region{
		Id:       old.Id,
		StartKey: old.StartKey,
		EndKey:   splitKey,
		RegionEpoch: &metapb.RegionEpoch{
			ConfVer: old.GetRegionEpoch().GetConfVer(),
			Version: version,
		},
		Peers: old.Peers,
	}
	rightMeta := &metapb.Region{
		Id:       newID,
		StartKey: splitKey,
		EndKey:   old.EndKey,
		RegionEpoch: &metapb.RegionEpoch{
			ConfVer: old.GetRegionEpoch().GetConfVer(),
			Version: version,
		},
	}
	var rightLeader *metapb.Peer
	for _, p := range old.Peers {
		peer := &metapb.Peer{Id: newPeerID, StoreId: p.StoreId}
		rightMeta.Peers = append(rightMeta.Peers, peer)
		if item.leader != nil && p.StoreId == item.leader.StoreId {
			rightLeader = peer
		}
	}
	t.remove(regionID)
	left = &regionItem{meta: leftMeta, leader: item.leader, applied: item.applied}
	right = &regionItem{meta: rightMeta, leader: rightLeader, applied: item.applied}
	t.insert(left)
	t.insert(right)
	return left, right, nil
}

// merge folds source into its adjacent target. The target's epoch moves
// forward, the source is removed.
func (t *regionTable) merge(sourceID, targetID uint64) (*regionItem, error) {
	source, target := t.get(sourceID), t.get(targetID)
	if source == nil {
		return nil, errors.NotFoundf("region %d", sourceID)
	}
	if target == nil {
		return nil, errors.NotFoundf("region %d", targetID)
	}
	merged := cloneRegion(target.meta)
	switch {
	case bytes.Equal(source.meta.EndKey, target.meta.StartKey) && len(source.meta.EndKey) != 0:
		merged.StartKey = source.meta.StartKey
	case bytes.Equal(target.meta.EndKey, source.meta.StartKey) && len(target.meta.EndKey) != 0:
		merged.EndKey = source.meta.EndKey
	default:
		return nil, errors.NotValidf("merge of non adjacent regions %d and %d", sourceID, targetID)
	}
	version := target.meta.GetRegionEpoch().GetVersion()
	if v := source.meta.GetRegionEpoch().GetVersion(); v > version {
		version = v
	}
	merged.RegionEpoch.Version = version + 1
	applied := target.applied
	if source.applied > applied {
		applied = source.applied
	}
	t.remove(sourceID)
	t.remove(targetID)
	item := &regionItem{meta: merged, leader: target.leader, applied: applied}
	t.insert(item)
	return item, nil
}

func cloneRegion(r *metapb.Region) *metapb.Region {
	if r == nil {
		return nil
	}
	c := &metapb.Region{
		Id:       r.Id,
		StartKey: append([]byte(nil), r.StartKey...),
		EndKey:   append([]byte(nil), r.EndKey...),
	}
	if r.RegionEpoch != nil {
		c.RegionEpoch = &metapb.RegionEpoch{ConfVer: r.RegionEpoch.ConfVer, Version: r.RegionEpoch.Version}
	}
	for _, p := range r.Peers {
		c.Peers = append(c.Peers, &metapb.Peer{Id: p.Id, StoreId: p.StoreId})
	}
	return c
}

func isEpochStale(lhs, rhs *metapb.RegionEpoch) bool {
	return lhs.GetConfVer() != rhs.GetConfVer() || lhs.GetVersion() != rhs.GetVersion()
}
