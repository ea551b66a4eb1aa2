package cdc

import (
	"fmt"

	"github.com/pingcap-incubator/tinycdc/kv/storage"
	"github.com/pingcap/errors"
)

type ErrClusterIDMismatch struct {
	Current uint64
	Request uint64
}

func (e *ErrClusterIDMismatch) Error() string {
	return fmt.Sprintf("cluster id mismatch, current %d, request %d", e.Current, e.Request)
}

type ErrDuplicateRequest struct {
	RegionID uint64
}

func (e *ErrDuplicateRequest) Error() string {
	return fmt.Sprintf("duplicate request for region %d", e.RegionID)
}

var (
	// ErrSinkClosed is returned by Recv once the connection is closed.
	ErrSinkClosed = errors.New("cdc: sink closed")
	// ErrEndpointClosed is returned by calls made after the endpoint stopped.
	ErrEndpointClosed = errors.New("cdc: endpoint closed")
)

// toEventError converts err to the error delivered in an ErrorEvent. Errors
// that are neither CDC nor region errors become a region error with only a
// message set.
func toEventError(err error) *EventError {
	switch e := errors.Cause(err).(type) {
	case *ErrClusterIDMismatch:
		return &EventError{ClusterIDMismatch: e}
	case *ErrDuplicateRequest:
		return &EventError{DuplicateRequest: e}
	}
	return &EventError{RegionError: storage.RegionErrToPbError(err)}
}
