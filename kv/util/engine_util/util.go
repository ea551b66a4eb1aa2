package engine_util

import (
	"bytes"

	"github.com/coocood/badger"
)

// KeyWithCF prefixes key with its column family, badger has a single key space.
func KeyWithCF(cf string, key []byte) []byte {
	return append([]byte(cf+"_"), key...)
}

// GetCFFromTxn reads key of cf. A missing key is badger.ErrKeyNotFound.
func GetCFFromTxn(txn *badger.Txn, cf string, key []byte) ([]byte, error) {
	item, err := txn.Get(KeyWithCF(cf, key))
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}

// CFReader iterates column families. Storage snapshots implement it.
type CFReader interface {
	IterCF(cf string) DBIterator
}

// DeleteRange calls del with a copy of every key of cf in [startKey, endKey).
func DeleteRange(reader CFReader, cf string, startKey, endKey []byte, del func(cf string, key []byte)) {
	it := reader.IterCF(cf)
	defer it.Close()
	for it.Seek(startKey); it.Valid(); it.Next() {
		key := it.Item().KeyCopy(nil)
		if ExceedEndKey(key, endKey) {
			break
		}
		del(cf, key)
	}
}

// ExceedEndKey reports whether current is at or beyond endKey. An empty endKey
// is unbounded.
func ExceedEndKey(current, endKey []byte) bool {
	if len(endKey) == 0 {
		return false
	}
	return bytes.Compare(current, endKey) >= 0
}
