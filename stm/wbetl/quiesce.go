package wbetl

import (
	"runtime"

	"github.com/txmem-incubator/txmem/log"
)

// Quiescence: a protocol-level global pause. It serves clock rollover,
// write-log enlargement of designs that need it, and external clients
// that must wait for all current transactions to finish. A barrier
// rather than a reader-writer lock: active transactions must fully
// drain before the lock array and clock may be mutated.

const (
	quiesceIdle     uint64 = 0
	quiesceRollover uint64 = 1
	quiescePause    uint64 = 2
)

// enterThread links a fresh descriptor into the live list and assigns
// its lock-owner id.
func (rt *Runtime) enterThread(t *Tx) {
	rt.qmu.Lock()
	if n := len(rt.freeIDs); n > 0 {
		t.id = rt.freeIDs[n-1]
		rt.freeIDs = rt.freeIDs[:n-1]
	} else {
		if rt.nextID == uint64(rt.maxThreads) {
			rt.qmu.Unlock()
			log.Fatalf("maximum number of threads (%d) reached", rt.maxThreads)
		}
		t.id = rt.nextID
		rt.nextID++
	}
	t.next = rt.threads
	rt.threads = t
	rt.threadsNb++
	rt.qmu.Unlock()
}

// exitThread unlinks a retired descriptor. Callable only while the
// transaction is inactive.
func (rt *Runtime) exitThread(t *Tx) {
	if isActive(t.status.Load()) {
		log.Fatalf("thread exit inside an active transaction")
	}
	rt.qmu.Lock()
	var prev *Tx
	cur := rt.threads
	for cur != t {
		if cur == nil {
			rt.qmu.Unlock()
			log.Fatalf("thread exit of an unregistered descriptor")
		}
		prev = cur
		cur = cur.next
	}
	if prev == nil {
		rt.threads = cur.next
	} else {
		prev.next = cur.next
	}
	rt.threadsNb--
	rt.freeIDs = append(rt.freeIDs, t.id)
	if rt.quiesce.Load() != quiesceIdle {
		// Wake a waiter in case it was counting on us.
		rt.qcond.Signal()
	}
	rt.qmu.Unlock()
}

// barrier blocks until every registered thread has reached it, runs f
// exactly once (in whichever thread observed the count reach zero), and
// releases everyone. Callable only when t is inactive (or nil).
func (rt *Runtime) barrier(t *Tx, f func()) {
	if t != nil && isActive(t.status.Load()) {
		log.Fatalf("quiescence barrier entered from an active transaction")
	}
	rt.qmu.Lock()
	rt.threadsNb--
	if rt.quiesce.Load() == quiesceIdle {
		// First on the barrier.
		rt.quiesce.Store(quiesceRollover)
	}
	for rt.quiesce.Load() != quiesceIdle {
		if rt.threadsNb == 0 {
			// Everybody is blocked.
			if f != nil {
				f()
			}
			rt.quiesce.Store(quiesceIdle)
			rt.qcond.Broadcast()
		} else {
			rt.qcond.Wait()
		}
	}
	rt.threadsNb++
	rt.qmu.Unlock()
}

// checkQuiesce is called at transaction start, after the status turns
// active but before any lock is touched. If a pause is requested, the
// transaction steps back to idle until the pause clears. Returns whether
// it paused.
func (rt *Runtime) checkQuiesce(t *Tx) bool {
	if rt.quiesce.Load() == quiescePause {
		s := t.status.Load()
		t.status.Store(txIdle)
		for rt.quiesce.Load() == quiescePause {
			runtime.Gosched()
		}
		t.status.Store(s)
		return true
	}
	return false
}

// WaitQuiescence waits until every transaction other than t's has
// drained out of its current attempt, then returns. New transactions
// may start as soon as it returns. Returns false when called from
// inside an active transaction.
func (rt *Runtime) WaitQuiescence(t *Tx) bool {
	if t != nil && isActive(t.status.Load()) {
		return false
	}
	rt.qmu.Lock()
	rt.drain(t)
	rt.qmu.Unlock()
	return true
}

// Pause drains all current transactions and holds new ones at their
// start until Resume. Returns false when called from inside an active
// transaction.
func (rt *Runtime) Pause(t *Tx) bool {
	if t != nil && isActive(t.status.Load()) {
		return false
	}
	rt.qmu.Lock()
	rt.quiesce.Store(quiescePause)
	rt.drain(t)
	return true
}

// Resume releases the threads held by Pause.
func (rt *Runtime) Resume() {
	rt.quiesce.Store(quiesceIdle)
	rt.qmu.Unlock()
}

// drain spins until no descriptor but t's is active. Sequential checks:
// a descriptor turning active again after its check is a transaction
// that started after the drain began, which callers tolerate.
func (rt *Runtime) drain(t *Tx) {
	for cur := rt.threads; cur != nil; cur = cur.next {
		if cur == t {
			continue
		}
		for isActive(cur.status.Load()) {
			runtime.Gosched()
		}
	}
}

// rollover zeroes the clock and every lock word. Runs under the
// barrier, with all transactions drained.
func (rt *Runtime) rollover() {
	log.Debugf("clock rollover: resetting clock and %d stripes", rt.locks.Len())
	rt.clock.Reset()
	rt.locks.Reset()
}
