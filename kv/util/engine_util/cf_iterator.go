package engine_util

import (
	"github.com/coocood/badger"
)

// DBIterator walks the keys of one column family in order. Check Valid after
// every Seek and Next.
type DBIterator interface {
	Item() DBItem
	Valid() bool
	Next()
	// Seek moves to the first key at or after the given key.
	Seek([]byte)
	Close()
}

// DBItem is the entry under an iterator. Key and Value are only valid until
// the iterator moves, the Copy variants are not.
type DBItem interface {
	Key() []byte
	KeyCopy(dst []byte) []byte
	Value() ([]byte, error)
	ValueCopy(dst []byte) ([]byte, error)
}

// cfItem strips the column family prefix off a badger item.
type cfItem struct {
	item      *badger.Item
	prefixLen int
}

func (i cfItem) Key() []byte {
	return i.item.Key()[i.prefixLen:]
}

func (i cfItem) KeyCopy(dst []byte) []byte {
	return append(dst[:0], i.Key()...)
}

func (i cfItem) Value() ([]byte, error) {
	return i.item.Value()
}

func (i cfItem) ValueCopy(dst []byte) ([]byte, error) {
	return i.item.ValueCopy(dst)
}

// BadgerIterator iterates one column family of a badger transaction.
type BadgerIterator struct {
	iter   *badger.Iterator
	cf     string
	prefix []byte
}

func NewCFIterator(cf string, txn *badger.Txn) *BadgerIterator {
	it := &BadgerIterator{
		iter:   txn.NewIterator(badger.DefaultIteratorOptions),
		cf:     cf,
		prefix: KeyWithCF(cf, nil),
	}
	it.iter.Seek(it.prefix)
	return it
}

func (it *BadgerIterator) Item() DBItem {
	return cfItem{item: it.iter.Item(), prefixLen: len(it.prefix)}
}

func (it *BadgerIterator) Valid() bool {
	return it.iter.ValidForPrefix(it.prefix)
}

func (it *BadgerIterator) Next() {
	it.iter.Next()
}

func (it *BadgerIterator) Seek(key []byte) {
	it.iter.Seek(KeyWithCF(it.cf, key))
}

func (it *BadgerIterator) Close() {
	it.iter.Close()
}
