package wbetl

import (
	"go.uber.org/atomic"

	"github.com/txmem-incubator/txmem/config"
)

// Transaction status. The lowest bit indicates activity; the fourth bit
// indicates irrevocability. The base engine never enters Killed or
// Irrevocable, but the encoding is kept so status queries stay
// meaningful for contention-manager extensions.
const (
	txIdle        uint64 = 0
	txActive      uint64 = 1
	txCommitted   uint64 = 1 << 1
	txAborted     uint64 = 2 << 1
	txCommitting  uint64 = 1<<1 | txActive
	txAborting    uint64 = 2<<1 | txActive
	txKilled      uint64 = 3<<1 | txActive
	txIrrevocable uint64 = 0x08 | txActive
)

func isActive(s uint64) bool {
	return s&0x01 == txActive
}

// Attr carries the user-specified transaction attributes. Further flags
// of richer designs are ignored by this engine.
type Attr struct {
	// ReadOnly promises the transaction performs no stores; reads are
	// then not logged and the snapshot can never be extended.
	ReadOnly bool
	// NoRetry suppresses the automatic retry on abort. The descriptor is
	// left in the aborted state for the caller to observe.
	NoRetry bool
}

// Reason is the abort reason bitfield carried to the retry point.
type Reason uint64

const (
	// PathInstrumented is set when control returns to the retry point,
	// advising it to re-enter the instrumented code path.
	PathInstrumented Reason = 1 << 0

	// AbortRWConflict: a read observed a stripe owned by another
	// transaction.
	AbortRWConflict Reason = 1 << 5
	// AbortWWConflict: a write observed a stripe owned by another
	// transaction.
	AbortWWConflict Reason = 1 << 6
	// AbortValRead: extending the snapshot during a read failed.
	AbortValRead Reason = 1 << 7
	// AbortValWrite: acquisition of a stripe already read from an older
	// snapshot.
	AbortValWrite Reason = 1 << 8
	// AbortValidate: commit-time validation failed.
	AbortValidate Reason = 1 << 9
	// AbortExtendWS: the write log is full; the rollback path enlarges
	// it before the retry.
	AbortExtendWS Reason = 1 << 10
	// AbortIrrevocable: an irrevocable transaction is in progress.
	AbortIrrevocable Reason = 1 << 11
	// AbortExplicit is OR'd into the reason on user-requested aborts.
	AbortExplicit Reason = 1 << 12
	// AbortNoRetry suppresses the automatic retry for this abort only.
	AbortNoRetry Reason = 1 << 13
)

func (r Reason) String() string {
	switch {
	case r&AbortRWConflict != 0:
		return "rw_conflict"
	case r&AbortWWConflict != 0:
		return "ww_conflict"
	case r&AbortValRead != 0:
		return "val_read"
	case r&AbortValWrite != 0:
		return "val_write"
	case r&AbortValidate != 0:
		return "validate"
	case r&AbortExtendWS != 0:
		return "extend_ws"
	case r&AbortIrrevocable != 0:
		return "irrevocable"
	case r&AbortExplicit != 0:
		return "explicit"
	}
	return "none"
}

// Tx is a transaction descriptor. Each thread of control owns exactly
// one descriptor and threads it through every transactional call;
// descriptors are never shared. Foreign threads only ever touch the
// status word (during quiescence) and the id (decoded from lock words).
type Tx struct {
	rt     *Runtime
	id     uint64
	status atomic.Uint64
	start  uint64
	end    uint64
	attr   Attr
	rset   rSet
	wset   wSet

	// Flat nesting depth: inner transactions bind to the outermost one.
	nesting int

	lastAbort Reason
	env       *Env

	specific [config.MaxSpecific]interface{}

	// Link in the runtime's list of live descriptors, guarded by the
	// quiescence mutex.
	next *Tx
}

// Env is the retry environment of a transaction: the handle through
// which rollback transfers control back to the start of the outermost
// transaction. Only the outermost Start returns one; nested starts
// return nil so the environment is not overwritten.
type Env struct {
	t *Tx
}

// retrySignal is the panic value rollback throws to unwind to the retry
// environment. It never escapes the package: Atomically recovers it at
// the outermost nesting level.
type retrySignal struct {
	reason Reason
}

// Active reports whether the transaction is currently executing.
func (t *Tx) Active() bool {
	return isActive(t.status.Load())
}

// Aborted reports whether the transaction ended by abort.
func (t *Tx) Aborted() bool {
	return t.status.Load() == txAborted
}

// Committed reports whether the transaction ended by commit.
func (t *Tx) Committed() bool {
	return t.status.Load() == txCommitted
}

// Killed reports whether the transaction was killed by a contention
// manager. The base engine never kills, so this is normally false.
func (t *Tx) Killed() bool {
	return t.status.Load() == txKilled
}

// Irrevocable reports whether the transaction runs in irrevocable mode,
// which the base engine does not implement.
func (t *Tx) Irrevocable() bool {
	return false
}

// Attributes returns the attributes the transaction was started with.
func (t *Tx) Attributes() Attr {
	return t.attr
}

// AbortReason returns the reason of the most recent rollback.
func (t *Tx) AbortReason() Reason {
	return t.lastAbort
}

// Env returns the retry environment, but only while no transaction is
// in progress; otherwise nil, so nested code cannot capture it.
func (t *Tx) Env() *Env {
	if t.nesting == 0 {
		return t.env
	}
	return nil
}
