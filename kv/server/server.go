package server

import (
	"bytes"
	"context"

	"github.com/pingcap-incubator/tinycdc/kv/storage"
	"github.com/pingcap-incubator/tinycdc/kv/storage/standalone_storage"
	"github.com/pingcap-incubator/tinycdc/kv/transaction/concurrency"
	"github.com/pingcap/kvproto/pkg/kvrpcpb"
	"github.com/pingcap/kvproto/pkg/metapb"
)

// TSO hands out timestamps for raw writes.
type TSO interface {
	GetTS(ctx context.Context) (uint64, error)
}

// Server 'faces outwards' for the raw key space: it stamps every raw write
// with a timestamp so the change feed can order it.
type Server struct {
	storage *standalone_storage.StandAloneStorage
	cm      *concurrency.Manager
	tso     TSO
}

func NewServer(store *standalone_storage.StandAloneStorage, cm *concurrency.Manager, tso TSO) *Server {
	return &Server{
		storage: store,
		cm:      cm,
		tso:     tso,
	}
}

// checkContext verifies that the request is routed to a region this store
// leads and that key belongs to it. A request without region id skips the
// check.
func (server *Server) checkContext(reqCtx *kvrpcpb.Context, key []byte) error {
	if reqCtx.GetRegionId() == 0 {
		return nil
	}
	region, leader := server.storage.Region(reqCtx.GetRegionId())
	if region == nil {
		return &storage.ErrRegionNotFound{RegionId: reqCtx.GetRegionId()}
	}
	if leader == nil || leader.StoreId != server.storage.StoreID() {
		return &storage.ErrNotLeader{RegionId: region.Id, Leader: leader}
	}
	if epoch := reqCtx.GetRegionEpoch(); epoch != nil {
		cur := region.GetRegionEpoch()
		if epoch.GetVersion() != cur.GetVersion() || epoch.GetConfVer() != cur.GetConfVer() {
			return &storage.ErrEpochNotMatch{Message: "stale epoch", Regions: []*metapb.Region{region}}
		}
	}
	if key != nil && !keyInRegion(key, region) {
		return &storage.ErrKeyNotInRegion{Key: key, Region: region}
	}
	return nil
}

func keyInRegion(key []byte, region *metapb.Region) bool {
	return bytes.Compare(key, region.StartKey) >= 0 &&
		(len(region.EndKey) == 0 || bytes.Compare(key, region.EndKey) < 0)
}
