package engine_util

import (
	"os"

	"github.com/coocood/badger"
	"github.com/pingcap-incubator/tinycdc/kv/config"
	"github.com/pingcap/errors"
)

// CreateDB opens (creating if needed) a badger DB in dir.
func CreateDB(dir string, conf *config.Engine) (*badger.DB, error) {
	opts := badger.DefaultOptions
	opts.NumCompactors = conf.NumCompactors
	opts.ValueThreshold = conf.ValueThreshold
	opts.Dir = dir
	opts.ValueDir = dir
	opts.ValueLogFileSize = conf.VlogFileSize
	opts.MaxTableSize = conf.MaxTableSize
	opts.NumMemtables = conf.NumMemTables
	opts.NumLevelZeroTables = conf.NumL0Tables
	opts.NumLevelZeroTablesStall = conf.NumL0TablesStall
	opts.SyncWrites = conf.SyncWrite
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return nil, errors.Trace(err)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Annotatef(err, "open badger at %s", dir)
	}
	return db, nil
}
