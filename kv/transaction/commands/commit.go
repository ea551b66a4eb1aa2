package commands

import (
	"github.com/pingcap-incubator/tinycdc/kv/transaction/mvcc"
)

type Commit struct {
	CommandBase
	Keys     [][]byte
	CommitTs uint64
}

func NewCommit(keys [][]byte, startTs, commitTs uint64) *Commit {
	return &Commit{CommandBase: CommandBase{startTs: startTs}, Keys: keys, CommitTs: commitTs}
}

func (c *Commit) WillWrite() [][]byte {
	return c.Keys
}

func (c *Commit) PrepareWrites(txn *mvcc.MvccTxn) error {
	for _, key := range c.Keys {
		if err := mvcc.Commit(txn, key, c.CommitTs); err != nil {
			return err
		}
	}
	return nil
}

type Rollback struct {
	CommandBase
	Keys [][]byte
}

func NewRollback(keys [][]byte, startTs uint64) *Rollback {
	return &Rollback{CommandBase: CommandBase{startTs: startTs}, Keys: keys}
}

func (r *Rollback) WillWrite() [][]byte {
	return r.Keys
}

func (r *Rollback) PrepareWrites(txn *mvcc.MvccTxn) error {
	for _, key := range r.Keys {
		if err := mvcc.Rollback(txn, key); err != nil {
			return err
		}
	}
	return nil
}
