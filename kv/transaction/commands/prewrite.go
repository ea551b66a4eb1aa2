package commands

import (
	"github.com/pingcap-incubator/tinycdc/kv/transaction/mvcc"
)

// Prewrite represents the prewrite stage of a transaction. A prewrite contains all writes (but not reads) in a transaction,
// if the whole transaction can be written to underlying storage atomically and without conflicting with other
// transactions (complete or in-progress) then success is returned to the client. If all a client's prewrites succeed,
// then it will send a commit message. I.e., prewrite is the first phase in a two phase commit.
type Prewrite struct {
	CommandBase
	Mutations []*mvcc.Mutation
	Options   mvcc.TxnOptions
}

func NewPrewrite(mutations []*mvcc.Mutation, startTs uint64, opts mvcc.TxnOptions) *Prewrite {
	return &Prewrite{CommandBase: CommandBase{startTs: startTs}, Mutations: mutations, Options: opts}
}

func (p *Prewrite) WillWrite() [][]byte {
	return mutationKeys(p.Mutations)
}

func (p *Prewrite) MemoryLock() *mvcc.Lock {
	return &mvcc.Lock{Primary: p.Options.Primary, Ts: p.startTs, Ttl: p.Options.LockTtl}
}

// PrepareWrites prewrites every mutation. A pessimistic transaction
// converts the locks it already holds.
func (p *Prewrite) PrepareWrites(txn *mvcc.MvccTxn) error {
	for _, m := range p.Mutations {
		var err error
		if p.Options.ForUpdateTs != 0 {
			err = mvcc.PessimisticPrewrite(txn, m, &p.Options)
		} else {
			err = mvcc.Prewrite(txn, m, &p.Options)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// PessimisticLock takes pessimistic locks at Options.ForUpdateTs.
type PessimisticLock struct {
	CommandBase
	Keys    [][]byte
	Options mvcc.TxnOptions
}

func NewPessimisticLock(keys [][]byte, startTs uint64, opts mvcc.TxnOptions) *PessimisticLock {
	return &PessimisticLock{CommandBase: CommandBase{startTs: startTs}, Keys: keys, Options: opts}
}

func (p *PessimisticLock) WillWrite() [][]byte {
	return p.Keys
}

func (p *PessimisticLock) PrepareWrites(txn *mvcc.MvccTxn) error {
	for _, key := range p.Keys {
		if err := mvcc.AcquirePessimisticLock(txn, key, &p.Options); err != nil {
			return err
		}
	}
	return nil
}

// OnePC commits a transaction in a single step.
type OnePC struct {
	CommandBase
	Mutations []*mvcc.Mutation
	Options   mvcc.TxnOptions
	CommitTs  uint64
}

func NewOnePC(mutations []*mvcc.Mutation, startTs, commitTs uint64, opts mvcc.TxnOptions) *OnePC {
	return &OnePC{CommandBase: CommandBase{startTs: startTs}, Mutations: mutations, Options: opts, CommitTs: commitTs}
}

func (o *OnePC) WillWrite() [][]byte {
	return mutationKeys(o.Mutations)
}

func (o *OnePC) MemoryLock() *mvcc.Lock {
	return &mvcc.Lock{Primary: o.Options.Primary, Ts: o.startTs}
}

func (o *OnePC) PrepareWrites(txn *mvcc.MvccTxn) error {
	return mvcc.OnePC(txn, o.Mutations, &o.Options, o.CommitTs)
}
