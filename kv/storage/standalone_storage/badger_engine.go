package standalone_storage

import (
	"github.com/coocood/badger"
	"github.com/pingcap-incubator/tinycdc/kv/config"
	"github.com/pingcap-incubator/tinycdc/kv/storage"
	"github.com/pingcap-incubator/tinycdc/kv/util/engine_util"
	"github.com/pingcap/errors"
)

// BadgerEngine is a storage.Storage over one badger DB, column families are
// key prefixes.
type BadgerEngine struct {
	db *badger.DB
}

func NewBadgerEngine(conf *config.Config) (*BadgerEngine, error) {
	db, err := engine_util.CreateDB(conf.DBPath, &conf.Engine)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &BadgerEngine{db: db}, nil
}

func (e *BadgerEngine) DB() *badger.DB {
	return e.db
}

func (e *BadgerEngine) Write(batch []storage.Modify) error {
	wb := new(engine_util.WriteBatch)
	for _, m := range batch {
		switch data := m.Data.(type) {
		case storage.Put:
			wb.SetCF(data.Cf, data.Key, data.Value)
		case storage.Delete:
			wb.DeleteCF(data.Cf, data.Key)
		}
	}
	return wb.WriteToDB(e.db)
}

func (e *BadgerEngine) Snapshot() (storage.Snapshot, error) {
	return &badgerSnapshot{txn: e.db.NewTransaction(false)}, nil
}

func (e *BadgerEngine) Close() error {
	return errors.Trace(e.db.Close())
}

// badgerSnapshot reads through one read-only badger transaction.
type badgerSnapshot struct {
	txn *badger.Txn
}

func (s *badgerSnapshot) GetCF(cf string, key []byte) ([]byte, error) {
	val, err := engine_util.GetCFFromTxn(s.txn, cf, key)
	if err == badger.ErrKeyNotFound {
		return nil, nil
	}
	return val, errors.Trace(err)
}

func (s *badgerSnapshot) IterCF(cf string) engine_util.DBIterator {
	return engine_util.NewCFIterator(cf, s.txn)
}

func (s *badgerSnapshot) Close() {
	s.txn.Discard()
}
