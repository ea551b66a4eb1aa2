package server

import (
	"bytes"
	"context"
	"fmt"

	"github.com/pingcap-incubator/tinycdc/kv/storage"
	"github.com/pingcap-incubator/tinycdc/kv/transaction/mvcc"
	"github.com/pingcap-incubator/tinycdc/kv/util/engine_util"
	"github.com/pingcap-incubator/tinycdc/log"
	"github.com/pingcap/errors"
	"github.com/pingcap/kvproto/pkg/kvrpcpb"
)

// Raw values live in the raw cf, each stamped with the ts of its write.
// Deletes leave a tombstone so the change feed can replay them.

// Retries of a raw write whose ts fell behind max ts before giving up.
const maxRawWriteRetries = 8

func checkCf(cf string) error {
	if cf != "" && cf != engine_util.CfRaw {
		return fmt.Errorf("raw cf %q is not supported", cf)
	}
	return nil
}

// RawGet returns the latest value of a raw key.
func (server *Server) RawGet(_ context.Context, req *kvrpcpb.RawGetRequest) (*kvrpcpb.RawGetResponse, error) {
	resp := new(kvrpcpb.RawGetResponse)
	if err := server.checkContext(req.GetContext(), req.GetKey()); err != nil {
		resp.RegionError = storage.RegionErrToPbError(err)
		return resp, nil
	}
	if err := checkCf(req.GetCf()); err != nil {
		resp.Error = err.Error()
		return resp, nil
	}
	snap, err := server.storage.Snapshot()
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer snap.Close()
	val, err := snap.GetCF(engine_util.CfRaw, req.GetKey())
	if err != nil {
		resp.Error = err.Error()
		return resp, nil
	}
	if val == nil {
		resp.NotFound = true
		return resp, nil
	}
	value, _, deleted, err := storage.DecodeRawValue(val)
	if err != nil {
		resp.Error = err.Error()
		return resp, nil
	}
	if deleted {
		resp.NotFound = true
		return resp, nil
	}
	resp.Value = value
	return resp, nil
}

// RawPut writes a raw key at a fresh ts.
func (server *Server) RawPut(ctx context.Context, req *kvrpcpb.RawPutRequest) (*kvrpcpb.RawPutResponse, error) {
	resp := new(kvrpcpb.RawPutResponse)
	if err := server.checkContext(req.GetContext(), req.GetKey()); err != nil {
		resp.RegionError = storage.RegionErrToPbError(err)
		return resp, nil
	}
	if err := checkCf(req.GetCf()); err != nil {
		resp.Error = err.Error()
		return resp, nil
	}
	if _, err := server.writeRaw(ctx, req.GetKey(), req.GetValue(), false); err != nil {
		resp.Error = err.Error()
	}
	return resp, nil
}

// RawDelete leaves a tombstone for a raw key.
func (server *Server) RawDelete(ctx context.Context, req *kvrpcpb.RawDeleteRequest) (*kvrpcpb.RawDeleteResponse, error) {
	resp := new(kvrpcpb.RawDeleteResponse)
	if err := server.checkContext(req.GetContext(), req.GetKey()); err != nil {
		resp.RegionError = storage.RegionErrToPbError(err)
		return resp, nil
	}
	if err := checkCf(req.GetCf()); err != nil {
		resp.Error = err.Error()
		return resp, nil
	}
	if _, err := server.writeRaw(ctx, req.GetKey(), nil, true); err != nil {
		resp.Error = err.Error()
	}
	return resp, nil
}

// RawScan returns up to Limit live pairs in [StartKey, EndKey). With a region
// in the context the scan is clipped to the region.
func (server *Server) RawScan(_ context.Context, req *kvrpcpb.RawScanRequest) (*kvrpcpb.RawScanResponse, error) {
	resp := new(kvrpcpb.RawScanResponse)
	if err := server.checkContext(req.GetContext(), nil); err != nil {
		resp.RegionError = storage.RegionErrToPbError(err)
		return resp, nil
	}
	if err := checkCf(req.GetCf()); err != nil {
		return nil, err
	}
	startKey, endKey := req.GetStartKey(), req.GetEndKey()
	if id := req.GetContext().GetRegionId(); id != 0 {
		if region, _ := server.storage.Region(id); region != nil {
			if bytes.Compare(startKey, region.StartKey) < 0 {
				startKey = region.StartKey
			}
			if len(region.EndKey) > 0 && (len(endKey) == 0 || bytes.Compare(region.EndKey, endKey) < 0) {
				endKey = region.EndKey
			}
		}
	}

	snap, err := server.storage.Snapshot()
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer snap.Close()
	iter := snap.IterCF(engine_util.CfRaw)
	defer iter.Close()

	limit := req.GetLimit()
	for iter.Seek(startKey); iter.Valid() && limit > 0; iter.Next() {
		item := iter.Item()
		if engine_util.ExceedEndKey(item.Key(), endKey) {
			break
		}
		val, err := item.Value()
		if err != nil {
			return nil, errors.Trace(err)
		}
		value, _, deleted, err := storage.DecodeRawValue(val)
		if err != nil {
			return nil, errors.Trace(err)
		}
		if deleted {
			continue
		}
		pair := &kvrpcpb.KvPair{Key: item.KeyCopy(nil)}
		if !req.GetKeyOnly() {
			pair.Value = append([]byte{}, value...)
		}
		resp.Kvs = append(resp.Kvs, pair)
		limit--
	}
	return resp, nil
}

// writeRaw writes key at a ts above max ts and returns the ts. The key is
// locked in memory at that ts until the write is applied, so no resolved ts
// passes it while the write is in flight.
func (server *Server) writeRaw(ctx context.Context, key, value []byte, deleted bool) (uint64, error) {
	for i := 0; i < maxRawWriteRetries; i++ {
		ts, err := server.tso.GetTS(ctx)
		if err != nil {
			return 0, errors.Trace(err)
		}
		guard := server.cm.LockKey(key, &mvcc.Lock{Primary: key, Ts: ts, Kind: mvcc.LockKindPut})
		if server.cm.MaxTs() >= ts {
			// A resolved ts may already cover ts.
			guard.Release()
			log.Debugf("raw write of %q at ts %d is behind max ts, retry", key, ts)
			continue
		}
		err = server.storage.Write([]storage.Modify{
			storage.NewPut(engine_util.CfRaw, key, storage.EncodeRawValue(value, ts, deleted)),
		})
		guard.Release()
		if err != nil {
			return 0, errors.Trace(err)
		}
		return ts, nil
	}
	return 0, &storage.ErrServerIsBusy{Reason: "raw write ts keeps falling behind max ts"}
}
