package engine_util

import (
	"github.com/coocood/badger"
	"github.com/pingcap/errors"
)

// Column families of the store. Default and write keys carry a timestamp
// suffix, lock and raw keys are plain user keys.
const (
	CfDefault string = "default"
	CfWrite   string = "write"
	CfLock    string = "lock"
	CfRaw     string = "raw"
)

var CFs = [4]string{CfDefault, CfWrite, CfLock, CfRaw}

// WriteBatch collects puts and deletes applied by one badger transaction.
type WriteBatch struct {
	entries []*badger.Entry
}

func (wb *WriteBatch) SetCF(cf string, key, val []byte) {
	wb.entries = append(wb.entries, &badger.Entry{Key: KeyWithCF(cf, key), Value: val})
}

// DeleteCF queues a delete, an entry without value.
func (wb *WriteBatch) DeleteCF(cf string, key []byte) {
	wb.entries = append(wb.entries, &badger.Entry{Key: KeyWithCF(cf, key)})
}

// WriteToDB applies the batch atomically.
func (wb *WriteBatch) WriteToDB(db *badger.DB) error {
	if len(wb.entries) == 0 {
		return nil
	}
	err := db.Update(func(txn *badger.Txn) error {
		for _, entry := range wb.entries {
			if len(entry.Value) == 0 {
				if err := txn.Delete(entry.Key); err != nil {
					return err
				}
				continue
			}
			if err := txn.SetEntry(entry); err != nil {
				return err
			}
		}
		return nil
	})
	return errors.WithStack(err)
}
