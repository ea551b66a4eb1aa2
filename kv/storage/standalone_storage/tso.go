package standalone_storage

import (
	"context"
	"sync"
	"time"

	"github.com/pingcap/errors"
)

const physicalShiftBits = 18

// ComposeTS builds a hybrid timestamp from milliseconds and a logical counter.
func ComposeTS(physical, logical int64) uint64 {
	return uint64((physical << physicalShiftBits) + logical)
}

// ExtractPhysical returns the milliseconds part of a hybrid timestamp.
func ExtractPhysical(ts uint64) int64 {
	return int64(ts >> physicalShiftBits)
}

// LocalTSO hands out strictly increasing hybrid timestamps from the local clock.
type LocalTSO struct {
	mu       sync.Mutex
	physical int64
	logical  int64
	failures int
}

func NewLocalTSO() *LocalTSO {
	return &LocalTSO{}
}

func (t *LocalTSO) GetTS(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, errors.Trace(err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failures > 0 {
		t.failures--
		return 0, errors.New("tso: injected failure")
	}
	now := time.Now().UnixNano() / int64(time.Millisecond)
	if now > t.physical {
		t.physical = now
		t.logical = 0
	} else {
		t.logical++
		if t.logical >= 1<<physicalShiftBits {
			t.physical++
			t.logical = 0
		}
	}
	return ComposeTS(t.physical, t.logical), nil
}

// InjectFailures makes the next n calls of GetTS fail.
func (t *LocalTSO) InjectFailures(n int) {
	t.mu.Lock()
	t.failures = n
	t.mu.Unlock()
}
