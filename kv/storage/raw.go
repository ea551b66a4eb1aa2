package storage

import (
	"encoding/binary"

	"github.com/pingcap/errors"
)

const rawTrailerLen = 9

const rawFlagDeleted byte = 1

// EncodeRawValue appends the write ts and a delete flag to a raw value.
// Raw deletes are kept as tombstones so they carry a ts too.
func EncodeRawValue(value []byte, ts uint64, deleted bool) []byte {
	buf := make([]byte, len(value)+rawTrailerLen)
	copy(buf, value)
	binary.BigEndian.PutUint64(buf[len(value):], ts)
	if deleted {
		buf[len(buf)-1] = rawFlagDeleted
	}
	return buf
}

// DecodeRawValue splits a value written by EncodeRawValue.
func DecodeRawValue(b []byte) ([]byte, uint64, bool, error) {
	if len(b) < rawTrailerLen {
		return nil, 0, false, errors.Errorf("raw value too short, %d bytes", len(b))
	}
	n := len(b) - rawTrailerLen
	return b[:n], binary.BigEndian.Uint64(b[n:]), b[len(b)-1] == rawFlagDeleted, nil
}
