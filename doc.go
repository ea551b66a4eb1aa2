package tinycdc

/*
TinyCDC is the change data capture engine of a single node transactional key/value store. Clients subscribe to a
region of the store and receive every committed change in it, the locks still in flight, and a resolved ts: a
timestamp below which no further change of the region will ever be reported.

Building TinyCDC produces one executable, cdc-ctl, which runs the engine over a local data directory, inspects the
mvcc data in it and prints the effective configuration.

The `tinycdc` module is organized into the following packages:

* `kv/cdc`: the change feed. The endpoint owns one delegate per subscribed region, runs incremental scans and
  pushes resolved ts.
* `kv/storage`: the engines and the standalone store which applies writes per region and reports them to the
  change feed.
* `kv/transaction`: the percolator style transaction layer producing the mvcc data the change feed decodes.
* `kv/server`: the raw key/value api, whose writes are stamped with a timestamp so they can be captured too.
* `log`: leveled logging used everywhere.
*/
