package mvcc

import (
	"encoding/binary"

	"github.com/pingcap/errors"
)

const TsMax uint64 = ^uint64(0)

// ShortValueMaxLen is the longest value kept inline in a lock or write
// record. Longer values live in the default CF.
const ShortValueMaxLen = 255

type LockKind byte

const (
	LockKindPut         LockKind = 'P'
	LockKindDelete      LockKind = 'D'
	LockKindLock        LockKind = 'L'
	LockKindPessimistic LockKind = 'S'
)

func (k LockKind) String() string {
	switch k {
	case LockKindPut:
		return "Put"
	case LockKindDelete:
		return "Delete"
	case LockKindLock:
		return "Lock"
	case LockKindPessimistic:
		return "Pessimistic"
	}
	return "Unknown"
}

// Lock is stored in the lock CF under the raw user key while a transaction
// is in progress.
type Lock struct {
	Primary     []byte
	Ts          uint64
	Ttl         uint64
	Kind        LockKind
	ForUpdateTs uint64
	MinCommitTs uint64
	ShortValue  []byte
	TxnSource   uint64
}

const (
	flagForUpdateTs = 'f'
	flagMinCommitTs = 'c'
	flagShortValue  = 'v'
	flagTxnSource   = 's'
)

// ToBytes encodes the lock as kind, primary, ts, ttl followed by the
// optional fields, each behind a one byte flag.
func (lock *Lock) ToBytes() []byte {
	buf := make([]byte, 0, 1+binary.MaxVarintLen64+len(lock.Primary)+16+len(lock.ShortValue)+32)
	buf = append(buf, byte(lock.Kind))
	buf = appendBytes(buf, lock.Primary)
	buf = appendUint64(buf, lock.Ts)
	buf = appendUint64(buf, lock.Ttl)
	if lock.ForUpdateTs != 0 {
		buf = append(buf, flagForUpdateTs)
		buf = appendUint64(buf, lock.ForUpdateTs)
	}
	if lock.MinCommitTs != 0 {
		buf = append(buf, flagMinCommitTs)
		buf = appendUint64(buf, lock.MinCommitTs)
	}
	if lock.ShortValue != nil {
		buf = append(buf, flagShortValue)
		buf = appendBytes(buf, lock.ShortValue)
	}
	if lock.TxnSource != 0 {
		buf = append(buf, flagTxnSource)
		buf = appendUint64(buf, lock.TxnSource)
	}
	return buf
}

// ParseLock attempts to parse a byte string into a Lock object.
func ParseLock(input []byte) (*Lock, error) {
	if len(input) < 1 {
		return nil, errors.New("mvcc: error parsing lock, empty input")
	}
	lock := &Lock{Kind: LockKind(input[0])}
	var err error
	b := input[1:]
	if b, lock.Primary, err = readBytes(b); err != nil {
		return nil, errors.Annotate(err, "mvcc: error parsing lock primary")
	}
	if b, lock.Ts, err = readUint64(b); err != nil {
		return nil, errors.Annotate(err, "mvcc: error parsing lock ts")
	}
	if b, lock.Ttl, err = readUint64(b); err != nil {
		return nil, errors.Annotate(err, "mvcc: error parsing lock ttl")
	}
	for len(b) > 0 {
		flag := b[0]
		b = b[1:]
		switch flag {
		case flagForUpdateTs:
			b, lock.ForUpdateTs, err = readUint64(b)
		case flagMinCommitTs:
			b, lock.MinCommitTs, err = readUint64(b)
		case flagShortValue:
			b, lock.ShortValue, err = readBytes(b)
		case flagTxnSource:
			b, lock.TxnSource, err = readUint64(b)
		default:
			return nil, errors.Errorf("mvcc: error parsing lock, unknown flag %q", flag)
		}
		if err != nil {
			return nil, errors.Annotatef(err, "mvcc: error parsing lock field %q", flag)
		}
	}
	return lock, nil
}

// IsPessimistic reports whether the lock was taken by a pessimistic
// transaction, whether or not it has been prewritten yet.
func (lock *Lock) IsPessimistic() bool {
	return lock.ForUpdateTs != 0
}

func appendUint64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendBytes(buf []byte, v []byte) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], uint64(len(v)))
	buf = append(buf, tmp[:n]...)
	return append(buf, v...)
}

func readUint64(b []byte) ([]byte, uint64, error) {
	if len(b) < 8 {
		return nil, 0, errors.Errorf("need 8 bytes, found %d", len(b))
	}
	return b[8:], binary.BigEndian.Uint64(b), nil
}

func readBytes(b []byte) ([]byte, []byte, error) {
	l, n := binary.Uvarint(b)
	if n <= 0 {
		return nil, nil, errors.New("bad length prefix")
	}
	b = b[n:]
	if uint64(len(b)) < l {
		return nil, nil, errors.Errorf("need %d bytes, found %d", l, len(b))
	}
	return b[l:], append([]byte{}, b[:l]...), nil
}
