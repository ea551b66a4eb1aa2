package storage

import (
	"testing"

	"github.com/pingcap-incubator/tinycdc/kv/util/engine_util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemStorageSnapshotIsolation(t *testing.T) {
	s := NewMemStorage()
	require.Nil(t, s.Write([]Modify{
		NewPut(engine_util.CfDefault, []byte("a"), []byte("1")),
		NewPut(engine_util.CfDefault, []byte("c"), []byte("3")),
		NewPut(engine_util.CfLock, []byte("a"), []byte("lock")),
	}))

	snap, err := s.Snapshot()
	require.Nil(t, err)
	defer snap.Close()

	require.Nil(t, s.Write([]Modify{
		NewPut(engine_util.CfDefault, []byte("b"), []byte("2")),
		NewDelete(engine_util.CfLock, []byte("a")),
	}))

	val, err := snap.GetCF(engine_util.CfLock, []byte("a"))
	require.Nil(t, err)
	require.Equal(t, []byte("lock"), val)
	val, err = snap.GetCF(engine_util.CfDefault, []byte("b"))
	require.Nil(t, err)
	require.Nil(t, val)

	var keys []string
	it := snap.IterCF(engine_util.CfDefault)
	for ; it.Valid(); it.Next() {
		keys = append(keys, string(it.Item().Key()))
	}
	it.Close()
	require.Equal(t, []string{"a", "c"}, keys)

	require.Equal(t, 3, s.Len(engine_util.CfDefault))
	require.Equal(t, 0, s.Len(engine_util.CfLock))

	_, err = snap.GetCF("nope", []byte("a"))
	require.NotNil(t, err)
	require.NotNil(t, s.Write([]Modify{NewPut("nope", []byte("a"), nil)}))
}

func TestMemIterSeek(t *testing.T) {
	s := NewMemStorage()
	require.Nil(t, s.Write([]Modify{
		NewPut(engine_util.CfWrite, []byte("k1"), []byte("v1")),
		NewPut(engine_util.CfWrite, []byte("k3"), []byte("v3")),
		NewPut(engine_util.CfWrite, []byte("k5"), []byte("v5")),
	}))
	snap, err := s.Snapshot()
	require.Nil(t, err)

	it := snap.IterCF(engine_util.CfWrite)
	it.Seek([]byte("k2"))
	require.True(t, it.Valid())
	require.Equal(t, []byte("k3"), it.Item().KeyCopy(nil))
	val, err := it.Item().ValueCopy(nil)
	require.Nil(t, err)
	require.Equal(t, []byte("v3"), val)
	it.Next()
	require.Equal(t, []byte("k5"), it.Item().Key())
	it.Next()
	require.False(t, it.Valid())
	it.Seek([]byte("k6"))
	require.False(t, it.Valid())

	empty := snap.IterCF(engine_util.CfRaw)
	require.False(t, empty.Valid())
}

func TestModify(t *testing.T) {
	put := NewPut(engine_util.CfWrite, []byte("key"), []byte("value"))
	require.Equal(t, engine_util.CfWrite, put.Cf())
	require.Equal(t, []byte("key"), put.Key())
	require.Equal(t, 8, put.Size())
	require.False(t, put.IsDelete())

	del := NewDelete(engine_util.CfLock, []byte("key"))
	require.True(t, del.IsDelete())
	require.Nil(t, del.Value())
	require.Equal(t, engine_util.CfLock, del.Cf())
}

func TestRawValue(t *testing.T) {
	b := EncodeRawValue([]byte("v"), 42, false)
	value, ts, deleted, err := DecodeRawValue(b)
	require.Nil(t, err)
	assert.Equal(t, []byte("v"), value)
	assert.Equal(t, uint64(42), ts)
	assert.False(t, deleted)

	value, ts, deleted, err = DecodeRawValue(EncodeRawValue(nil, 7, true))
	require.Nil(t, err)
	assert.Equal(t, 0, len(value))
	assert.Equal(t, uint64(7), ts)
	assert.True(t, deleted)

	_, _, _, err = DecodeRawValue([]byte{1})
	assert.NotNil(t, err)
}
