package txmem

/*
TxMem is a word-based software transactional memory for Go. Programs wrap
critical sections over shared machine words in transactions; the runtime
guarantees that every committed transaction appears to execute atomically
at a single instant, and that running transactions only ever observe
consistent snapshots of memory (opacity). Conflicts are resolved by
aborting and transparently retrying the transaction body.

The engine is a write-back, encounter-time-locking design: a global
logical clock orders commits, a striped array of versioned lock words
guards shared addresses, reads are invisible and validated against the
clock, and writes acquire their stripe at the first store and are
buffered until commit.

The `txmem` module is organized into the following packages:

* `stm`: the public transaction API (Init, InitThread, Atomically, Load,
  Store, Commit, Abort and friends).
* `stm/wbetl`: the protocol engine: transaction descriptors, read/write
  logs, validation/extension, commit, rollback and the quiescence
  barrier.
* `stm/locks`: the striped ownership/version lock array and the
  lock-word encoding.
* `stm/clock`: the global logical clock.
* `config`: runtime tunables, frozen at initialization.
* `log`: leveled logging used across the module.
* `metrics`: optional Prometheus collectors fed by transaction
  callbacks.
* `stm-bench`: a small benchmark driver exercising the library under
  contention.
*/
