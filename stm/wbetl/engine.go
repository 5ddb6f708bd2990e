package wbetl

import (
	stdatomic "sync/atomic"

	"go.uber.org/atomic"

	"github.com/txmem-incubator/txmem/log"
	"github.com/txmem-incubator/txmem/stm/locks"
)

// Start begins a transaction, or a nested level of one. Flat nesting:
// inner starts only bump the nesting counter and bind to the outer
// transaction. The retry environment is returned for the outermost
// start only; nested starts return nil.
func (rt *Runtime) Start(t *Tx, attr Attr) *Env {
	t.nesting++
	if t.nesting > 1 {
		return nil
	}
	t.attr = attr
	rt.prepare(t)
	rt.runCallbacks(rt.startCB, t)
	return t.env
}

// prepare drains the logs and snapshots the clock into the validity
// range [start, end]. A clock at its bound first rolls over behind the
// quiescence barrier.
func (rt *Runtime) prepare(t *Tx) {
	t.wset.hasWrites = 0
	t.wset.nbEntries = 0
	t.rset.nbEntries = 0
	for {
		now := rt.clock.Get()
		t.start, t.end = now, now
		if now >= rt.maxVersion {
			rt.barrier(t, rt.rollover)
			continue
		}
		break
	}
	t.status.Store(txActive)
	rt.checkQuiesce(t)
}

// Load returns the value of *addr consistent with the transaction's
// snapshot (invisible read). For non-read-only transactions the read is
// logged so it can be re-validated later.
func (rt *Runtime) Load(t *Tx, addr *uint64) uint64 {
	if !isActive(t.status.Load()) {
		// Aborted without retry; the body is expected to bail out.
		return 0
	}
	lock := rt.locks.Get(addr)
	l := lock.Load()
	for {
		if locks.IsOwned(l) {
			if locks.Owner(l) != t.id {
				rt.rollback(t, AbortRWConflict)
				return 0
			}
			// We own the stripe: serve the read from our write log if
			// we wrote this address, from memory otherwise.
			w := &t.wset.entries[locks.Entry(l)]
			for {
				if w.addr == addr {
					if w.mask == 0 {
						return stdatomic.LoadUint64(addr)
					}
					return w.value
				}
				if w.next < 0 {
					return stdatomic.LoadUint64(addr)
				}
				w = &t.wset.entries[w.next]
			}
		}
		value := stdatomic.LoadUint64(addr)
		// Re-read the lock: a writer acquiring between the value load
		// and here would make the value part of no consistent snapshot.
		if l2 := lock.Load(); l2 != l {
			l = l2
			continue
		}
		version := locks.Timestamp(l)
		if version > t.end {
			// Read-only transactions keep no read log and cannot
			// extend.
			if t.attr.ReadOnly || !rt.extend(t) {
				rt.rollback(t, AbortValRead)
				return 0
			}
			// The version may have been overwritten while extending;
			// this read is not in the log yet, so re-check the lock.
			if l2 := lock.Load(); l2 != l {
				l = l2
				continue
			}
		}
		if !t.attr.ReadOnly {
			t.rset.add(version, lock)
		}
		return value
	}
}

// Store buffers a full-word write to *addr, acquiring the stripe lock
// at this first encounter.
func (rt *Runtime) Store(t *Tx, addr *uint64, value uint64) {
	rt.write(t, addr, value, ^uint64(0))
}

// StoreMasked buffers a partial-word write: only the bits selected by
// mask take the new value.
func (rt *Runtime) StoreMasked(t *Tx, addr *uint64, value, mask uint64) {
	rt.write(t, addr, value, mask)
}

// LoadUpdate reads a word that the transaction intends to write later:
// the stripe is acquired (with an empty mask, writing nothing) and the
// value is then read directly from memory under the lock.
func (rt *Runtime) LoadUpdate(t *Tx, addr *uint64) uint64 {
	if rt.write(t, addr, 0, 0) == nil {
		return 0
	}
	return stdatomic.LoadUint64(addr)
}

// write is the encounter-time-locking store. On return the stripe is
// owned by t and a write-log entry covers addr (or, for mask 0, at
// least the stripe).
func (rt *Runtime) write(t *Tx, addr *uint64, value, mask uint64) *wEntry {
	if !isActive(t.status.Load()) {
		return nil
	}
	lock := rt.locks.Get(addr)
	l := lock.Load()
	for {
		if locks.IsOwned(l) {
			if locks.Owner(l) != t.id {
				rt.rollback(t, AbortWWConflict)
				return nil
			}
			first := locks.Entry(l)
			if mask == 0 {
				// Priming only; the stripe is already ours.
				return &t.wset.entries[first]
			}
			// Merge into an existing entry for addr, or append to the
			// chain tail.
			prevIdx := first
			for {
				prev := &t.wset.entries[prevIdx]
				if prev.addr == addr {
					if mask != ^uint64(0) {
						if prev.mask == 0 {
							prev.value = stdatomic.LoadUint64(addr)
						}
						value = (prev.value &^ mask) | (value & mask)
					}
					prev.value = value
					prev.mask |= mask
					return prev
				}
				if prev.next < 0 {
					break
				}
				prevIdx = int(prev.next)
			}
			// Chain entries all carry the version the stripe had when
			// it was acquired.
			version := t.wset.entries[prevIdx].version
			if t.wset.full() {
				rt.rollback(t, AbortExtendWS)
				return nil
			}
			return t.appendWrite(addr, value, mask, lock, version, prevIdx)
		}
		version := locks.Timestamp(l)
		if version > t.end {
			// A prior read of this stripe came from an older snapshot;
			// acquiring now could not be serialized with it.
			if t.rset.hasRead(lock) != nil {
				rt.rollback(t, AbortValWrite)
				return nil
			}
		}
		if t.wset.full() {
			rt.rollback(t, AbortExtendWS)
			return nil
		}
		if !lock.CAS(l, locks.OwnedWord(t.id, t.wset.nbEntries)) {
			l = lock.Load()
			continue
		}
		// We own the stripe.
		return t.appendWrite(addr, value, mask, lock, version, -1)
	}
}

// appendWrite populates the next write-log slot and links it behind
// prevIdx when the stripe already has a chain.
func (t *Tx) appendWrite(addr *uint64, value, mask uint64, lock *atomic.Uint64, version uint64, prevIdx int) *wEntry {
	idx := t.wset.nbEntries
	w := &t.wset.entries[idx]
	w.addr = addr
	w.mask = mask
	w.lock = lock
	w.version = version
	w.next = -1
	if mask == 0 {
		w.value = 0
	} else {
		if mask != ^uint64(0) {
			value = (stdatomic.LoadUint64(addr) &^ mask) | (value & mask)
		}
		w.value = value
	}
	if prevIdx >= 0 {
		t.wset.entries[prevIdx].next = int32(idx)
	}
	t.wset.nbEntries++
	t.wset.hasWrites++
	return w
}

// validate checks every logged read against the current lock state:
// stripes we own are valid, stripes owned by others are not, free
// stripes must still carry the recorded version.
func (rt *Runtime) validate(t *Tx) bool {
	for i := 0; i < t.rset.nbEntries; i++ {
		r := &t.rset.entries[i]
		l := r.lock.Load()
		if locks.IsOwned(l) {
			if locks.Owner(l) != t.id {
				return false
			}
		} else if locks.Timestamp(l) != r.version {
			return false
		}
	}
	return true
}

// extend moves the snapshot's upper bound to the current clock, which
// is only sound while every logged read still validates.
func (rt *Runtime) extend(t *Tx) bool {
	now := rt.clock.Get()
	if rt.validate(t) {
		t.end = now
		return true
	}
	return false
}

// Commit ends the current nesting level; only the outermost level
// commits for real. Returns false when the transaction ended aborted
// without retry.
func (rt *Runtime) Commit(t *Tx) bool {
	if t.nesting == 0 {
		// No transaction in progress: an abort without retry already
		// unwound the nesting, or the caller never started one.
		return false
	}
	t.nesting--
	if t.nesting > 0 {
		return true
	}
	rt.runCallbacks(rt.precommitCB, t)
	if !isActive(t.status.Load()) {
		// Aborted without retry somewhere in the body.
		return false
	}
	// A transaction with no writes holds no locks and is already
	// consistent: it commits immediately.
	if t.wset.nbEntries > 0 && !rt.wbetlCommit(t) {
		return false
	}
	t.status.Store(txCommitted)
	rt.runCallbacks(rt.commitCB, t)
	return true
}

// wbetlCommit obtains the commit timestamp, re-validates if anyone
// committed since start, writes the buffered values back and releases
// the locks with the new version.
func (rt *Runtime) wbetlCommit(t *Tx) bool {
	t.status.Store(txCommitting)
	// The timestamp may exceed maxVersion by up to maxThreads; the
	// bound leaves that slack and the next start rolls the clock over.
	ts := rt.clock.Tick()
	// If nobody committed since our snapshot began, the reads cannot
	// have been invalidated.
	if t.start != ts-1 && !rt.validate(t) {
		rt.rollback(t, AbortValidate)
		return false
	}
	for i := 0; i < t.wset.nbEntries; i++ {
		w := &t.wset.entries[i]
		if w.mask != 0 {
			stdatomic.StoreUint64(w.addr, w.value)
		}
		// Only the chain tail reopens the stripe; its store publishes
		// every write the chain buffered.
		if w.next < 0 {
			w.lock.Store(locks.VersionWord(ts))
		}
	}
	return true
}

// Abort rolls the current transaction back at the user's request.
func (rt *Runtime) Abort(t *Tx, reason Reason) {
	rt.rollback(t, reason|AbortExplicit)
}

// rollback drops every acquired stripe back to its pre-acquisition
// version, fires the abort hooks and either re-prepares and unwinds to
// the retry environment or, without retry, leaves the descriptor
// aborted for the caller.
func (rt *Runtime) rollback(t *Tx, reason Reason) {
	if !isActive(t.status.Load()) {
		log.Fatalf("rollback of an inactive transaction")
	}
	t.status.Store(txAborting)
	for i := 0; i < t.wset.nbEntries; i++ {
		w := &t.wset.entries[i]
		if w.next < 0 {
			w.lock.Store(locks.VersionWord(w.version))
		}
	}
	t.status.Store(txAborted)
	t.lastAbort = reason
	if reason&AbortExtendWS != 0 {
		// Safe to move the log now: every lock naming it was released
		// above.
		t.wset.grow()
	}
	t.nesting = 1
	rt.runCallbacks(rt.abortCB, t)
	if t.attr.NoRetry || reason&AbortNoRetry != 0 {
		t.nesting = 0
		return
	}
	rt.prepare(t)
	panic(&retrySignal{reason: reason | PathInstrumented})
}

// Atomically runs fn as a transaction, retrying it on conflict until it
// commits. A nested call binds to the enclosing transaction; its
// conflicts unwind to the outermost level. Returns false when the
// transaction aborted without retry.
func (rt *Runtime) Atomically(t *Tx, attr Attr, fn func(*Tx)) bool {
	env := rt.Start(t, attr)
	for {
		done, ok := rt.protect(env, t, fn)
		if done {
			return ok
		}
		// The descriptor was re-prepared by rollback; run the body
		// against the fresh snapshot.
	}
}

// protect runs one attempt of the body, absorbing the retry signal at
// the outermost level only. Other panics pass through untouched.
func (rt *Runtime) protect(env *Env, t *Tx, fn func(*Tx)) (done, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			if _, retry := r.(*retrySignal); !retry || env == nil {
				panic(r)
			}
			done, ok = false, false
		}
	}()
	fn(t)
	if t.Aborted() {
		return true, false
	}
	return true, rt.Commit(t)
}
