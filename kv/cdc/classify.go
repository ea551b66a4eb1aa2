package cdc

import (
	"github.com/pingcap-incubator/tinycdc/kv/storage"
	"github.com/pingcap-incubator/tinycdc/kv/storage/standalone_storage"
	"github.com/pingcap-incubator/tinycdc/kv/transaction/mvcc"
	"github.com/pingcap-incubator/tinycdc/kv/util/codec"
	"github.com/pingcap-incubator/tinycdc/kv/util/engine_util"
	"github.com/pingcap/errors"
)

type lockOpKind int

const (
	lockTrack lockOpKind = iota
	lockUntrack
	lockUntrackKey
)

// lockOp is a change of the locks tracked by a resolver.
type lockOp struct {
	kind lockOpKind
	key  []byte
	ts   uint64
}

func (op *lockOp) apply(r *Resolver) {
	switch op.kind {
	case lockTrack:
		r.TrackLock(op.ts, op.key)
	case lockUntrack:
		r.UntrackLock(op.ts, op.key)
	case lockUntrackKey:
		r.UntrackKey(op.key)
	}
}

// rowReader reads what a command batch does not carry: long values of
// commits and old values missing from the cache. It opens one engine
// snapshot on first use.
type rowReader struct {
	snapshot func() (storage.Snapshot, error)
	cache    *OldValueCache
	snap     storage.Snapshot
}

func (r *rowReader) txn() (*mvcc.RoTxn, error) {
	if r.snap == nil {
		snap, err := r.snapshot()
		if err != nil {
			return nil, errors.Trace(err)
		}
		r.snap = snap
	}
	return &mvcc.RoTxn{Reader: r.snap, StartTS: mvcc.TsMax}, nil
}

func (r *rowReader) loadValue(key []byte, startTs uint64) ([]byte, error) {
	txn, err := r.txn()
	if err != nil {
		return nil, err
	}
	return txn.LoadValue(key, startTs, nil)
}

func (r *rowReader) oldValue(key []byte, startTs, readTs uint64) ([]byte, error) {
	old, err := r.cache.GetOrFetch(codec.EncodeKey(key, startTs), func() (storage.OldValue, error) {
		txn, err := r.txn()
		if err != nil {
			return storage.OldValue{}, err
		}
		value, exists, err := txn.GetValueAt(key, readTs)
		return storage.OldValue{Value: value, Exists: exists}, err
	})
	return old.Value, err
}

func (r *rowReader) close() {
	if r.snap != nil {
		r.snap.Close()
		r.snap = nil
	}
}

// classifiedRow is a row with the ts its old value is read at.
type classifiedRow struct {
	row    *EventRow
	readTs uint64
}

// classify turns the modifications of one command batch into rows and
// resolver updates, in command order.
func classify(batch *standalone_storage.CmdBatch, reader *rowReader, readOldValue bool) ([]*EventRow, []lockOp, error) {
	defaults := make(map[string][]byte)
	lockDeleted := make(map[string]struct{})
	for i := range batch.Modifies {
		m := &batch.Modifies[i]
		switch m.Cf() {
		case engine_util.CfDefault:
			if !m.IsDelete() {
				defaults[string(m.Key())] = m.Value()
			}
		case engine_util.CfLock:
			if m.IsDelete() {
				lockDeleted[string(m.Key())] = struct{}{}
			}
		}
	}
	value := func(key []byte, startTs uint64, short []byte) ([]byte, error) {
		if short != nil {
			return short, nil
		}
		if v, ok := defaults[string(codec.EncodeKey(key, startTs))]; ok {
			return v, nil
		}
		return reader.loadValue(key, startTs)
	}

	var rows []classifiedRow
	var ops []lockOp
	for i := range batch.Modifies {
		m := &batch.Modifies[i]
		switch m.Cf() {
		case engine_util.CfLock:
			key := m.Key()
			if m.IsDelete() {
				ops = append(ops, lockOp{kind: lockUntrackKey, key: key})
				continue
			}
			lock, err := mvcc.ParseLock(m.Value())
			if err != nil {
				return nil, nil, err
			}
			if lock.Kind != mvcc.LockKindPut && lock.Kind != mvcc.LockKindDelete {
				continue
			}
			ops = append(ops, lockOp{kind: lockTrack, key: key, ts: lock.Ts})
			row := &EventRow{Type: EventRowPrewrite, OpType: OpDelete, Key: key, StartTs: lock.Ts, TxnSource: lock.TxnSource}
			if lock.Kind == mvcc.LockKindPut {
				row.OpType = OpPut
				if row.Value, err = value(key, lock.Ts, lock.ShortValue); err != nil {
					return nil, nil, err
				}
			}
			readTs := lock.Ts
			if lock.IsPessimistic() {
				readTs = lock.ForUpdateTs
			}
			rows = append(rows, classifiedRow{row: row, readTs: readTs})
		case engine_util.CfWrite:
			if m.IsDelete() {
				continue
			}
			key, commitTs, err := codec.DecodeKey(m.Key())
			if err != nil {
				return nil, nil, errors.Trace(err)
			}
			write, err := mvcc.ParseWrite(m.Value())
			if err != nil {
				return nil, nil, err
			}
			if write.GcFence != nil {
				// A commit record rewritten to carry the rollback of the
				// transaction that started at its commit ts.
				ops = append(ops, lockOp{kind: lockUntrack, key: key, ts: commitTs})
				rows = append(rows, classifiedRow{row: &EventRow{Type: EventRowRollback, Key: key, StartTs: commitTs}})
				continue
			}
			switch write.Kind {
			case mvcc.WriteKindRollback:
				ops = append(ops, lockOp{kind: lockUntrack, key: key, ts: write.StartTS})
				rows = append(rows, classifiedRow{row: &EventRow{Type: EventRowRollback, Key: key, StartTs: write.StartTS, TxnSource: write.TxnSource}})
			case mvcc.WriteKindPut, mvcc.WriteKindDelete:
				ops = append(ops, lockOp{kind: lockUntrack, key: key, ts: write.StartTS})
				row := &EventRow{
					Type:      EventRowCommitted,
					OpType:    OpDelete,
					Key:       key,
					StartTs:   write.StartTS,
					CommitTs:  commitTs,
					TxnSource: write.TxnSource,
				}
				if _, ok := lockDeleted[string(key)]; ok {
					row.Type = EventRowCommit
				}
				if write.Kind == mvcc.WriteKindPut {
					row.OpType = OpPut
					if row.Value, err = value(key, write.StartTS, write.ShortValue); err != nil {
						return nil, nil, err
					}
				}
				// The lock kept every other commit of key out of
				// (for_update_ts, commit_ts), so the version before commitTs
				// is the old value whether or not the txn was pessimistic.
				rows = append(rows, classifiedRow{row: row, readTs: commitTs - 1})
			}
		case engine_util.CfRaw:
			if m.IsDelete() {
				continue
			}
			v, ts, deleted, err := storage.DecodeRawValue(m.Value())
			if err != nil {
				return nil, nil, err
			}
			row := &EventRow{Type: EventRowCommitted, OpType: OpPut, Key: m.Key(), Value: v, CommitTs: ts, api: KvAPIRaw}
			if deleted {
				row.OpType = OpDelete
				row.Value = nil
			}
			rows = append(rows, classifiedRow{row: row})
		}
	}

	result := make([]*EventRow, 0, len(rows))
	for _, cr := range rows {
		row := cr.row
		if readOldValue && row.api == KvAPITxn && row.OpType != OpUnknown && row.Type != EventRowRollback {
			old, err := reader.oldValue(row.Key, row.StartTs, cr.readTs)
			if err != nil {
				return nil, nil, err
			}
			row.OldValue = old
		}
		result = append(result, row)
	}
	return result, ops, nil
}
