package engine_util

import (
	"io/ioutil"
	"os"
	"testing"

	"github.com/coocood/badger"
	"github.com/pingcap-incubator/tinycdc/kv/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) (*badger.DB, func()) {
	dir, err := ioutil.TempDir("", "engine_util")
	require.Nil(t, err)
	conf := config.NewTestConfig()
	conf.Engine.SyncWrite = false
	db, err := CreateDB(dir, &conf.Engine)
	require.Nil(t, err)
	return db, func() {
		db.Close()
		os.RemoveAll(dir)
	}
}

// txnReader serves IterCF from one badger transaction.
type txnReader struct {
	txn *badger.Txn
}

func (r txnReader) IterCF(cf string) DBIterator {
	return NewCFIterator(cf, r.txn)
}

func keysOf(it DBIterator, from []byte) []string {
	defer it.Close()
	var keys []string
	for it.Seek(from); it.Valid(); it.Next() {
		keys = append(keys, string(it.Item().Key()))
	}
	return keys
}

func TestWriteBatchAndIterator(t *testing.T) {
	db, cleanup := newTestDB(t)
	defer cleanup()

	wb := new(WriteBatch)
	for _, k := range []string{"a", "b", "c", "d"} {
		wb.SetCF(CfDefault, []byte(k), []byte(k+"1"))
	}
	wb.SetCF(CfWrite, []byte("b"), []byte("b2"))
	wb.SetCF(CfWrite, []byte("d"), []byte("d2"))
	wb.SetCF(CfLock, []byte("c"), []byte("c3"))
	wb.SetCF(CfRaw, []byte("e"), []byte("e1"))
	wb.DeleteCF(CfRaw, []byte("e"))
	require.Nil(t, wb.WriteToDB(db))
	require.Nil(t, new(WriteBatch).WriteToDB(db))

	txn := db.NewTransaction(false)
	defer txn.Discard()

	val, err := GetCFFromTxn(txn, CfWrite, []byte("d"))
	require.Nil(t, err)
	assert.Equal(t, []byte("d2"), val)
	_, err = GetCFFromTxn(txn, CfRaw, []byte("e"))
	assert.Equal(t, badger.ErrKeyNotFound, err)

	assert.Equal(t, []string{"b", "c", "d"}, keysOf(NewCFIterator(CfDefault, txn), []byte("b")))
	assert.Equal(t, []string{"b", "d"}, keysOf(NewCFIterator(CfWrite, txn), nil))
	assert.Nil(t, keysOf(NewCFIterator(CfRaw, txn), nil))

	it := NewCFIterator(CfLock, txn)
	require.True(t, it.Valid())
	item := it.Item()
	key := item.KeyCopy(nil)
	assert.Equal(t, []byte("c"), key)
	val, err = item.ValueCopy(nil)
	require.Nil(t, err)
	assert.Equal(t, []byte("c3"), val)
	it.Next()
	assert.False(t, it.Valid())
	it.Close()
}

func TestDeleteRange(t *testing.T) {
	db, cleanup := newTestDB(t)
	defer cleanup()

	wb := new(WriteBatch)
	for _, k := range []string{"a", "b", "c"} {
		wb.SetCF(CfDefault, []byte(k), []byte("v"))
		wb.SetCF(CfLock, []byte(k), []byte("l"))
	}
	require.Nil(t, wb.WriteToDB(db))

	txn := db.NewTransaction(false)
	del := new(WriteBatch)
	var deleted []string
	for _, cf := range []string{CfDefault, CfLock, CfWrite} {
		DeleteRange(txnReader{txn}, cf, []byte("b"), []byte("c"), func(cf string, key []byte) {
			deleted = append(deleted, cf+":"+string(key))
			del.DeleteCF(cf, key)
		})
	}
	txn.Discard()
	assert.Equal(t, []string{"default:b", "lock:b"}, deleted)
	require.Nil(t, del.WriteToDB(db))

	txn = db.NewTransaction(false)
	defer txn.Discard()
	assert.Equal(t, []string{"a", "c"}, keysOf(NewCFIterator(CfDefault, txn), nil))
	assert.Equal(t, []string{"a", "c"}, keysOf(NewCFIterator(CfLock, txn), nil))

	assert.True(t, ExceedEndKey([]byte("c"), []byte("c")))
	assert.False(t, ExceedEndKey([]byte("b"), []byte("c")))
	assert.False(t, ExceedEndKey([]byte("z"), nil))
}
