package transaction

// The transaction package implements the store's 'transaction' layer. It turns transactional commands into reads
// and writes of the underlying storage, and it is the producer of everything the change feed in kv/cdc consumes.
//
// Within this package, `commands` contains the commands (prewrite, pessimistic lock, commit, rollback and one phase
// commit) and the scheduler running them. `mvcc` contains the encoding of locks and writes and the readers over them.
// `latches` serialises commands touching the same keys and `concurrency` holds the in-memory lock table and max ts.
//
// A command runs in four steps: it takes the latches of its keys, publishes its memory lock in the concurrency
// manager, builds its writes in an mvcc transaction over a snapshot, and writes them in one batch together with the
// transaction's extra data (the old values it saw). The memory lock is visible before the write is durable, so a
// resolved ts computed from the lock table never passes a transaction that is still being written.
//
// ## Encoding user key/values
//
// Keys are encoded with a timestamp suffix (see kv/util/codec) so that versions of a key sort newest first.
//
// The `lock` CF maps user keys to the lock of an in-flight transaction: its primary key, kind, start ts, ttl and,
// for pessimistic transactions, the for update ts. Values of at most 255 bytes are kept inline in the lock.
//
// The `write` CF maps keys encoded with the commit ts to the start ts and kind of the committed write. Short values
// are inlined here too. Rollbacks are keyed by the start ts; when a rollback would overwrite a commit record with the
// same ts, the commit record is kept and only flagged as rolled back.
//
// The `default` CF maps keys encoded with the start ts to values too long to be inlined.
