// Package wbetl implements the write-back encounter-time-locking
// transaction engine: invisible reads validated against a global clock,
// stripe locks acquired at the first write, buffered values written back
// at commit, and abort/retry on conflict.
package wbetl

import (
	"sync"

	"github.com/pingcap/errors"
	"go.uber.org/atomic"

	"github.com/txmem-incubator/txmem/config"
	"github.com/txmem-incubator/txmem/log"
	"github.com/txmem-incubator/txmem/stm/clock"
	"github.com/txmem-incubator/txmem/stm/locks"
)

const (
	designName            = "WRITE-BACK (ETL)"
	contentionManagerName = "SUICIDE"
)

// Callbacks observed by external modules. Hooks run on the thread owning
// the descriptor, in registration order.
type cbEntry struct {
	f   func(*Tx, interface{})
	arg interface{}
}

// Runtime holds the shared state of the transactional memory: the lock
// array, the global clock, the quiescence machinery and the registered
// extension hooks. One Runtime serves the whole process.
type Runtime struct {
	locks *locks.Array
	clock *clock.Clock

	initialRWSetSize int
	maxThreads       int
	// Clock bound that triggers rollover. In-flight commits may
	// overshoot it by up to maxThreads, which the derived bound leaves
	// room for.
	maxVersion uint64

	// Quiescence support. qmu guards the descriptor list, the live
	// count and id allocation; quiesce is also read without the mutex
	// on the transaction start path.
	qmu       sync.Mutex
	qcond     *sync.Cond
	quiesce   atomic.Uint64
	threadsNb int
	threads   *Tx
	freeIDs   []uint64
	nextID    uint64

	// Registration-phase state; set up before transactions run.
	nbSpecific  int
	initCB      []cbEntry
	exitCB      []cbEntry
	startCB     []cbEntry
	precommitCB []cbEntry
	commitCB    []cbEntry
	abortCB     []cbEntry
}

// NewRuntime builds a runtime from a validated configuration.
func NewRuntime(conf *config.Config) *Runtime {
	rt := &Runtime{
		locks:            locks.NewArray(conf.LockArrayLogSize, conf.LockShiftExtra),
		clock:            clock.New(),
		initialRWSetSize: conf.InitialRWSetSize,
		maxThreads:       conf.MaxThreads,
		maxVersion:       conf.MaxVersion,
	}
	if rt.maxVersion == 0 {
		rt.maxVersion = (^uint64(0) >> locks.LockBits) - uint64(conf.MaxThreads)
	}
	rt.qcond = sync.NewCond(&rt.qmu)
	log.Debugf("wbetl runtime: %d stripes, rw sets of %d, version bound %#x",
		rt.locks.Len(), rt.initialRWSetSize, rt.maxVersion)
	return rt
}

// InitThread creates the calling thread's transaction descriptor and
// registers it with the quiescence subsystem. Each thread of control
// must obtain its own descriptor and must not share it.
func (rt *Runtime) InitThread() *Tx {
	t := &Tx{rt: rt}
	t.status.Store(txIdle)
	t.rset.entries = make([]rEntry, rt.initialRWSetSize)
	t.wset.entries = make([]wEntry, rt.initialRWSetSize)
	t.env = &Env{t: t}
	rt.enterThread(t)
	rt.runCallbacks(rt.initCB, t)
	return t
}

// ExitThread retires a descriptor. The transaction must be inactive.
func (rt *Runtime) ExitThread(t *Tx) {
	if t == nil {
		return
	}
	rt.runCallbacks(rt.exitCB, t)
	rt.exitThread(t)
}

// Register installs extension hooks. Must be called before transactions
// run. Each hook slot holds at most config.MaxCallbacks entries.
func (rt *Runtime) Register(onThreadInit, onThreadExit, onStart, onPrecommit, onCommit, onAbort func(*Tx, interface{}), arg interface{}) error {
	if (onThreadInit != nil && len(rt.initCB) == config.MaxCallbacks) ||
		(onThreadExit != nil && len(rt.exitCB) == config.MaxCallbacks) ||
		(onStart != nil && len(rt.startCB) == config.MaxCallbacks) ||
		(onPrecommit != nil && len(rt.precommitCB) == config.MaxCallbacks) ||
		(onCommit != nil && len(rt.commitCB) == config.MaxCallbacks) ||
		(onAbort != nil && len(rt.abortCB) == config.MaxCallbacks) {
		return errors.Errorf("maximum number of modules (%d) reached", config.MaxCallbacks)
	}
	if onThreadInit != nil {
		rt.initCB = append(rt.initCB, cbEntry{onThreadInit, arg})
	}
	if onThreadExit != nil {
		rt.exitCB = append(rt.exitCB, cbEntry{onThreadExit, arg})
	}
	if onStart != nil {
		rt.startCB = append(rt.startCB, cbEntry{onStart, arg})
	}
	if onPrecommit != nil {
		rt.precommitCB = append(rt.precommitCB, cbEntry{onPrecommit, arg})
	}
	if onCommit != nil {
		rt.commitCB = append(rt.commitCB, cbEntry{onCommit, arg})
	}
	if onAbort != nil {
		rt.abortCB = append(rt.abortCB, cbEntry{onAbort, arg})
	}
	return nil
}

func (rt *Runtime) runCallbacks(cbs []cbEntry, t *Tx) {
	for i := range cbs {
		cbs[i].f(t, cbs[i].arg)
	}
}

// CreateSpecific reserves a transaction-specific data slot and returns
// its key.
func (rt *Runtime) CreateSpecific() (int, error) {
	if rt.nbSpecific >= config.MaxSpecific {
		return -1, errors.Errorf("maximum number of specific slots (%d) reached", config.MaxSpecific)
	}
	key := rt.nbSpecific
	rt.nbSpecific++
	return key, nil
}

// SetSpecific stores per-transaction module data under key. Slots are
// read and written by the thread owning the descriptor; modules needing
// cross-thread visibility synchronize externally.
func (t *Tx) SetSpecific(key int, data interface{}) {
	if key < 0 || key >= t.rt.nbSpecific {
		log.Fatalf("specific slot %d out of range", key)
	}
	t.specific[key] = data
}

// GetSpecific fetches per-transaction module data stored under key.
func (t *Tx) GetSpecific(key int) interface{} {
	if key < 0 || key >= t.rt.nbSpecific {
		log.Fatalf("specific slot %d out of range", key)
	}
	return t.specific[key]
}

// Clock returns the current value of the global clock.
func (rt *Runtime) Clock() uint64 {
	return rt.clock.Get()
}

// IncClock advances the global clock by one tick. A test and benchmark
// hook; transactions obtain their timestamps through commit.
func (rt *Runtime) IncClock() {
	rt.clock.Tick()
}

// Threads returns the number of registered transactional threads.
func (rt *Runtime) Threads() int {
	rt.qmu.Lock()
	n := rt.threadsNb
	rt.qmu.Unlock()
	return n
}

// Parameter exposes engine parameters by name.
func (rt *Runtime) Parameter(name string) (interface{}, bool) {
	switch name {
	case "contention_manager":
		return contentionManagerName, true
	case "design":
		return designName, true
	case "initial_rw_set_size":
		return rt.initialRWSetSize, true
	}
	return nil, false
}

// SetParameter adjusts engine parameters at run time. No parameter of
// this engine is adjustable.
func (rt *Runtime) SetParameter(name string, value interface{}) bool {
	return false
}

// Stats exposes per-transaction statistics by name.
func (t *Tx) Stats(name string) (interface{}, bool) {
	switch name {
	case "read_set_size":
		return len(t.rset.entries), true
	case "write_set_size":
		return len(t.wset.entries), true
	case "read_set_nb_entries":
		return t.rset.nbEntries, true
	case "write_set_nb_entries":
		return t.wset.nbEntries, true
	case "read_only":
		return t.attr.ReadOnly, true
	}
	return nil, false
}
