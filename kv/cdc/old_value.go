package cdc

import (
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pingcap-incubator/tinycdc/kv/storage"
	"github.com/pingcap/errors"
	"go.uber.org/atomic"
)

// OldValueCache keeps the old values of recent writes, keyed by the key
// encoded with the start ts of the transaction that overwrote it.
type OldValueCache struct {
	cache  *lru.Cache[string, storage.OldValue]
	access *atomic.Int64
	miss   *atomic.Int64
}

func NewOldValueCache(capacity int) (*OldValueCache, error) {
	cache, err := lru.New[string, storage.OldValue](capacity)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &OldValueCache{
		cache:  cache,
		access: atomic.NewInt64(0),
		miss:   atomic.NewInt64(0),
	}, nil
}

func (c *OldValueCache) Insert(encodedKey []byte, value storage.OldValue) {
	c.cache.Add(string(encodedKey), value)
}

// InsertExtra adds the old values a transaction read while writing.
func (c *OldValueCache) InsertExtra(extra *storage.TxnExtra) {
	if extra.IsEmpty() {
		return
	}
	for k, v := range extra.OldValues {
		c.cache.Add(k, v)
	}
}

// GetOrFetch returns the cached old value of encodedKey, calling fetch and
// caching its result when there is none. Every call counts an access, every
// fetch a miss.
func (c *OldValueCache) GetOrFetch(encodedKey []byte, fetch func() (storage.OldValue, error)) (storage.OldValue, error) {
	c.access.Inc()
	oldValueCacheCounter.WithLabelValues("access").Inc()
	if value, ok := c.cache.Get(string(encodedKey)); ok {
		return value, nil
	}
	c.miss.Inc()
	oldValueCacheCounter.WithLabelValues("miss").Inc()
	value, err := fetch()
	if err != nil {
		return storage.OldValue{}, err
	}
	c.cache.Add(string(encodedKey), value)
	return value, nil
}

// Stats returns the access and miss counts.
func (c *OldValueCache) Stats() (int64, int64) {
	return c.access.Load(), c.miss.Load()
}

func (c *OldValueCache) Len() int {
	return c.cache.Len()
}
