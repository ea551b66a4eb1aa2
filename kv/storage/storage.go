package storage

import (
	"github.com/pingcap-incubator/tinycdc/kv/util/engine_util"
)

// Storage is the engine holding the column families of the store. Writes are
// atomic per call, snapshots are consistent point in time views.
type Storage interface {
	Write(batch []Modify) error
	Snapshot() (Snapshot, error)
	Close() error
}

// Snapshot reads a fixed view of the engine. GetCF returns nil, nil for a
// missing key. Callers must Close it.
type Snapshot interface {
	GetCF(cf string, key []byte) ([]byte, error)
	IterCF(cf string) engine_util.DBIterator
	Close()
}
