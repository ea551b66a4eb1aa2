package mvcc

import (
	"encoding/binary"
	"fmt"

	"github.com/pingcap/errors"
)

// Write is a representation of a committed write to backing storage.
// A serialized version is stored in the "write" CF of our engine when a write is committed. That allows MvccTxn to find
// the status of a key at a given timestamp.
type Write struct {
	StartTS uint64
	Kind    WriteKind
	// ShortValue holds values up to ShortValueMaxLen, longer ones are in the default CF.
	ShortValue []byte
	// HasOverlappedRollback marks a commit record that also stands for the
	// rollback of the transaction whose start ts equals its commit ts.
	HasOverlappedRollback bool
	// GcFence is set when the record was rewritten after the fact. It holds
	// the commit ts of the next newer version, 0 if there was none.
	GcFence   *uint64
	TxnSource uint64
}

const (
	flagWriteShortValue = 'v'
	flagOverlapped      = 'R'
	flagGcFence         = 'F'
	flagWriteTxnSource  = 'S'
)

func (wr *Write) ToBytes() []byte {
	buf := append([]byte{byte(wr.Kind)}, 0, 0, 0, 0, 0, 0, 0, 0)
	binary.BigEndian.PutUint64(buf[1:], wr.StartTS)
	if wr.ShortValue != nil {
		buf = append(buf, flagWriteShortValue)
		buf = appendBytes(buf, wr.ShortValue)
	}
	if wr.HasOverlappedRollback {
		buf = append(buf, flagOverlapped)
	}
	if wr.GcFence != nil {
		buf = append(buf, flagGcFence)
		buf = appendUint64(buf, *wr.GcFence)
	}
	if wr.TxnSource != 0 {
		buf = append(buf, flagWriteTxnSource)
		buf = appendUint64(buf, wr.TxnSource)
	}
	return buf
}

func ParseWrite(value []byte) (*Write, error) {
	if value == nil {
		return nil, nil
	}
	if len(value) < 9 {
		return nil, fmt.Errorf("mvcc/write/ParseWrite: value is too short, expected at least 9, found %d", len(value))
	}
	w := &Write{Kind: WriteKind(value[0]), StartTS: binary.BigEndian.Uint64(value[1:])}
	var err error
	b := value[9:]
	for len(b) > 0 {
		flag := b[0]
		b = b[1:]
		switch flag {
		case flagWriteShortValue:
			b, w.ShortValue, err = readBytes(b)
		case flagOverlapped:
			w.HasOverlappedRollback = true
		case flagGcFence:
			var fence uint64
			b, fence, err = readUint64(b)
			w.GcFence = &fence
		case flagWriteTxnSource:
			b, w.TxnSource, err = readUint64(b)
		default:
			return nil, errors.Errorf("mvcc/write/ParseWrite: unknown flag %q", flag)
		}
		if err != nil {
			return nil, errors.Annotatef(err, "mvcc/write/ParseWrite: field %q", flag)
		}
	}
	return w, nil
}

// IsDataChange reports whether the record commits a Put or a Delete.
func (wr *Write) IsDataChange() bool {
	return wr.Kind == WriteKindPut || wr.Kind == WriteKindDelete
}

// ValidAsLatestAt reports whether the record can be the newest version seen
// by a read at ts. A set fence that is not after ts means the version it
// pointed to is gone, so this record is stale.
func (wr *Write) ValidAsLatestAt(ts uint64) bool {
	if wr.GcFence == nil {
		return true
	}
	return *wr.GcFence == 0 || *wr.GcFence > ts
}

type WriteKind int

const (
	WriteKindPut      WriteKind = 1
	WriteKindDelete   WriteKind = 2
	WriteKindRollback WriteKind = 3
	WriteKindLock     WriteKind = 4
)

func (wk WriteKind) String() string {
	switch wk {
	case WriteKindPut:
		return "Put"
	case WriteKindDelete:
		return "Delete"
	case WriteKindRollback:
		return "Rollback"
	case WriteKindLock:
		return "Lock"
	}
	return "Unknown"
}

// WriteKindFromLock maps the kind of a prewritten lock to the kind of its
// commit record.
func WriteKindFromLock(kind LockKind) WriteKind {
	switch kind {
	case LockKindPut:
		return WriteKindPut
	case LockKindDelete:
		return WriteKindDelete
	default:
		return WriteKindLock
	}
}
