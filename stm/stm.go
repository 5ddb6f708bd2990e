// Package stm is the public face of the transactional memory: a thin
// dispatch layer from the user-visible operations onto the wbetl
// engine.
//
// Typical use:
//
//	stm.Init(nil)
//	t := stm.InitThread()
//	stm.Atomically(t, stm.Attr{}, func(t *stm.Tx) {
//		v := stm.Load(t, &x)
//		stm.Store(t, &y, v+1)
//	})
//	stm.ExitThread(t)
//
// The body passed to Atomically may run several times: it is re-executed
// with a fresh snapshot whenever a conflict aborts the attempt. Bodies
// must therefore be free of side effects beyond transactional loads and
// stores.
package stm

import (
	"github.com/txmem-incubator/txmem/config"
	"github.com/txmem-incubator/txmem/log"
	"github.com/txmem-incubator/txmem/stm/wbetl"
)

// Tx is a transaction descriptor; one per thread of control.
type Tx = wbetl.Tx

// Attr carries per-transaction attributes.
type Attr = wbetl.Attr

// Reason is the abort-reason bitfield.
type Reason = wbetl.Reason

// Env is the opaque retry environment of the outermost transaction.
type Env = wbetl.Env

// Abort reasons, re-exported from the engine.
const (
	PathInstrumented = wbetl.PathInstrumented
	RWConflict       = wbetl.AbortRWConflict
	WWConflict       = wbetl.AbortWWConflict
	ValRead          = wbetl.AbortValRead
	ValWrite         = wbetl.AbortValWrite
	Validate         = wbetl.AbortValidate
	ExtendWS         = wbetl.AbortExtendWS
	Irrevocable      = wbetl.AbortIrrevocable
	Explicit         = wbetl.AbortExplicit
	NoRetry          = wbetl.AbortNoRetry
)

var rt *wbetl.Runtime

// Init initializes the library. Call once from the main goroutine
// before any other operation; subsequent calls are no-ops until Exit.
// A nil conf selects the defaults.
func Init(conf *config.Config) error {
	if rt != nil {
		return nil
	}
	if conf == nil {
		conf = config.NewDefaultConfig()
	}
	if err := conf.Validate(); err != nil {
		return err
	}
	log.SetLevelByString(conf.LogLevel)
	rt = wbetl.NewRuntime(conf)
	log.Infof("stm initialized: design %q, %d-bit words", mustParameter("design"), config.WordBits)
	return nil
}

// Exit tears the library down. All transactional threads must have
// called ExitThread first.
func Exit() {
	rt = nil
}

func runtime() *wbetl.Runtime {
	if rt == nil {
		log.Fatalf("stm used before Init")
	}
	return rt
}

func mustParameter(name string) interface{} {
	v, _ := rt.Parameter(name)
	return v
}

// InitThread creates the calling thread's descriptor. Every thread of
// control needs its own and must not share it.
func InitThread() *Tx {
	return runtime().InitThread()
}

// ExitThread retires a descriptor created by InitThread.
func ExitThread(t *Tx) {
	runtime().ExitThread(t)
}

// Start begins a transaction with the given attributes. Returns the
// retry environment for the outermost start, nil for nested ones.
// Prefer Atomically, which drives the retry loop itself.
func Start(t *Tx, attr Attr) *Env {
	return runtime().Start(t, attr)
}

// Commit attempts to commit the current transaction. Nested commits
// only unwind the nesting; the outermost commit publishes the writes.
// Returns false when the transaction ended aborted without retry.
func Commit(t *Tx) bool {
	return runtime().Commit(t)
}

// Abort aborts the current transaction at the user's request. Unless
// reason or the transaction's attributes suppress the retry, the
// transaction restarts and this call does not return normally.
func Abort(t *Tx, reason Reason) {
	runtime().Abort(t, reason)
}

// Load returns the word at addr as of the transaction's snapshot.
func Load(t *Tx, addr *uint64) uint64 {
	return runtime().Load(t, addr)
}

// LoadUpdate reads a word the transaction intends to write: the stripe
// is acquired for writing before the value is returned.
func LoadUpdate(t *Tx, addr *uint64) uint64 {
	return runtime().LoadUpdate(t, addr)
}

// Store buffers a word write; it becomes visible only at commit.
func Store(t *Tx, addr *uint64, value uint64) {
	runtime().Store(t, addr, value)
}

// StoreMasked buffers a partial-word write of the bits selected by
// mask.
func StoreMasked(t *Tx, addr *uint64, value, mask uint64) {
	runtime().StoreMasked(t, addr, value, mask)
}

// Atomically runs fn as a transaction, retrying on conflict until it
// commits. Returns false when the transaction aborted without retry.
func Atomically(t *Tx, attr Attr, fn func(*Tx)) bool {
	return runtime().Atomically(t, attr, fn)
}

// Active reports whether t is inside a running transaction.
func Active(t *Tx) bool {
	return t.Active()
}

// Aborted reports whether t's last transaction ended by abort.
func Aborted(t *Tx) bool {
	return t.Aborted()
}

// Killed reports whether t was killed by a contention manager; always
// false in this design.
func Killed(t *Tx) bool {
	return t.Killed()
}

// IsIrrevocable reports whether t runs irrevocably; always false in
// this design.
func IsIrrevocable(t *Tx) bool {
	return t.Irrevocable()
}

// GetEnv returns t's retry environment when no transaction is in
// progress, nil otherwise.
func GetEnv(t *Tx) *Env {
	return t.Env()
}

// GetAttributes returns the attributes of t's current transaction.
func GetAttributes(t *Tx) Attr {
	return t.Attributes()
}

// GetClock returns the current value of the global commit clock.
func GetClock() uint64 {
	return runtime().Clock()
}

// IncClock bumps the global clock; a hook for tests and benchmarks.
func IncClock() {
	runtime().IncClock()
}

// Register installs module callbacks fired at thread init/exit and at
// transaction start, pre-commit, commit and abort, in registration
// order. Must run before transactions do.
func Register(onThreadInit, onThreadExit, onStart, onPrecommit, onCommit, onAbort func(*Tx, interface{}), arg interface{}) error {
	return runtime().Register(onThreadInit, onThreadExit, onStart, onPrecommit, onCommit, onAbort, arg)
}

// CreateSpecific reserves a transaction-specific data slot.
func CreateSpecific() (int, error) {
	return runtime().CreateSpecific()
}

// SetSpecific stores module data on t under a key from CreateSpecific.
func SetSpecific(t *Tx, key int, data interface{}) {
	t.SetSpecific(key, data)
}

// GetSpecific fetches module data stored on t under key.
func GetSpecific(t *Tx, key int) interface{} {
	return t.GetSpecific(key)
}

// GetStats exposes per-transaction statistics by name.
func GetStats(t *Tx, name string) (interface{}, bool) {
	return t.Stats(name)
}

// GetParameter exposes engine parameters by name.
func GetParameter(name string) (interface{}, bool) {
	return runtime().Parameter(name)
}

// SetParameter adjusts engine parameters; nothing is adjustable in this
// design.
func SetParameter(name string, value interface{}) bool {
	return runtime().SetParameter(name, value)
}

// WaitQuiescence blocks until all transactions current at the time of
// the call have finished. Must be called outside a transaction.
func WaitQuiescence(t *Tx) bool {
	return runtime().WaitQuiescence(t)
}

// Pause drains all running transactions and holds new ones at their
// start until Resume. Must be called outside a transaction.
func Pause(t *Tx) bool {
	return runtime().Pause(t)
}

// Resume releases transactions held by Pause.
func Resume() {
	runtime().Resume()
}

// UnitLoad performs a non-transactional timestamped load. Unit
// transactions are not enabled in this configuration.
func UnitLoad(addr *uint64, timestamp *uint64) uint64 {
	log.Fatalf("unit transactions are not enabled in this configuration")
	return 0
}

// UnitStore performs a non-transactional timestamped store. Unit
// transactions are not enabled in this configuration.
func UnitStore(addr *uint64, value uint64, timestamp *uint64) bool {
	log.Fatalf("unit transactions are not enabled in this configuration")
	return false
}

// SetIrrevocable requests irrevocable mode for the current transaction.
// Irrevocability is not supported in this configuration.
func SetIrrevocable(t *Tx, serial bool) bool {
	log.Fatalf("irrevocability is not supported in this configuration")
	return false
}
