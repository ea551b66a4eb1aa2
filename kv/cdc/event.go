package cdc

import (
	"fmt"

	"github.com/pingcap/kvproto/pkg/errorpb"
)

type EventRowType int

const (
	EventRowPrewrite EventRowType = iota + 1
	EventRowCommit
	// EventRowCommitted is a version committed before the row was seen, by
	// the scan or by a one phase commit.
	EventRowCommitted
	EventRowRollback
	// EventRowInitialized marks the end of the scanned rows of a downstream.
	EventRowInitialized
)

func (t EventRowType) String() string {
	switch t {
	case EventRowPrewrite:
		return "Prewrite"
	case EventRowCommit:
		return "Commit"
	case EventRowCommitted:
		return "Committed"
	case EventRowRollback:
		return "Rollback"
	case EventRowInitialized:
		return "Initialized"
	}
	return "Unknown"
}

type OpType int

const (
	OpUnknown OpType = iota
	OpPut
	OpDelete
)

func (o OpType) String() string {
	switch o {
	case OpPut:
		return "Put"
	case OpDelete:
		return "Delete"
	}
	return "Unknown"
}

// EventRow is one change of one key.
type EventRow struct {
	Type      EventRowType
	OpType    OpType
	Key       []byte
	Value     []byte
	OldValue  []byte
	StartTs   uint64
	CommitTs  uint64
	TxnSource uint64
	RegionID  uint64
	RequestID uint64

	api KvAPI
}

func (r *EventRow) String() string {
	return fmt.Sprintf("%v{op: %v, key: %q, start: %d, commit: %d}", r.Type, r.OpType, r.Key, r.StartTs, r.CommitTs)
}

// rowOverhead approximates the fixed fields of a row on the wire.
const rowOverhead = 48

// Size is the approximate number of bytes the row takes in a batch.
func (r *EventRow) Size() int {
	return len(r.Key) + len(r.Value) + len(r.OldValue) + rowOverhead
}

// Event is sent to a connection. It is one of *ChangeDataEvent,
// *ResolvedTsEvent or *ErrorEvent.
type Event interface {
	isEvent()
}

// ChangeDataEvent is a batch of rows of one downstream.
type ChangeDataEvent struct {
	RegionID  uint64
	RequestID uint64
	Rows      []*EventRow
}

// ResolvedTsEvent says no row with a commit ts at or below Ts will be sent
// for any of Regions.
type ResolvedTsEvent struct {
	Regions []uint64
	Ts      uint64
}

// ErrorEvent ends delivery for a downstream.
type ErrorEvent struct {
	RegionID  uint64
	RequestID uint64
	Error     *EventError
}

// EventError is the error carried by an ErrorEvent. Exactly one field is set.
type EventError struct {
	RegionError       *errorpb.Error
	ClusterIDMismatch *ErrClusterIDMismatch
	DuplicateRequest  *ErrDuplicateRequest
}

func (e *EventError) String() string {
	switch {
	case e.RegionError != nil:
		return e.RegionError.Message
	case e.ClusterIDMismatch != nil:
		return e.ClusterIDMismatch.Error()
	case e.DuplicateRequest != nil:
		return e.DuplicateRequest.Error()
	}
	return "unknown"
}

func (*ChangeDataEvent) isEvent() {}
func (*ResolvedTsEvent) isEvent() {}
func (*ErrorEvent) isEvent()      {}

// eventSize is the approximate number of bytes of the event.
func eventSize(e Event) int {
	switch ev := e.(type) {
	case *ChangeDataEvent:
		size := 0
		for _, row := range ev.Rows {
			size += row.Size()
		}
		return size
	case *ResolvedTsEvent:
		return 8 * (len(ev.Regions) + 1)
	case *ErrorEvent:
		return rowOverhead
	}
	return 0
}
