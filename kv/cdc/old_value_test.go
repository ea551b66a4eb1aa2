package cdc

import (
	"testing"

	"github.com/pingcap-incubator/tinycdc/kv/storage"
	"github.com/pingcap/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOldValueCache(t *testing.T) {
	c, err := NewOldValueCache(2)
	require.Nil(t, err)

	fetches := 0
	fetch := func() (storage.OldValue, error) {
		fetches++
		return storage.OldValue{Value: []byte("v"), Exists: true}, nil
	}
	v, err := c.GetOrFetch([]byte("a"), fetch)
	require.Nil(t, err)
	assert.Equal(t, []byte("v"), v.Value)
	_, err = c.GetOrFetch([]byte("a"), fetch)
	require.Nil(t, err)
	access, miss := c.Stats()
	assert.Equal(t, int64(2), access)
	assert.Equal(t, int64(1), miss)
	assert.Equal(t, 1, fetches)

	extra := new(storage.TxnExtra)
	extra.AddOldValue([]byte("b"), storage.OldValue{})
	extra.AddOldValue([]byte("c"), storage.OldValue{Value: []byte("c0"), Exists: true})
	c.InsertExtra(extra)
	assert.Equal(t, 2, c.Len())
	v, err = c.GetOrFetch([]byte("c"), fetch)
	require.Nil(t, err)
	assert.Equal(t, []byte("c0"), v.Value)

	// "a" was evicted, fetching it again counts a miss.
	_, err = c.GetOrFetch([]byte("a"), fetch)
	require.Nil(t, err)
	access, miss = c.Stats()
	assert.Equal(t, int64(4), access)
	assert.Equal(t, int64(2), miss)

	_, err = c.GetOrFetch([]byte("x"), func() (storage.OldValue, error) {
		return storage.OldValue{}, errors.New("read failed")
	})
	assert.NotNil(t, err)

	_, err = NewOldValueCache(0)
	assert.NotNil(t, err)
}
