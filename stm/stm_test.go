package stm_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txmem-incubator/txmem/config"
	"github.com/txmem-incubator/txmem/stm"
)

// reinit gives each test a fresh runtime with a zeroed clock.
func reinit(t *testing.T) {
	stm.Exit()
	require.NoError(t, stm.Init(config.NewTestConfig()))
}

func TestSingleThreadStoreLoad(t *testing.T) {
	reinit(t)
	tx := stm.InitThread()
	defer stm.ExitThread(tx)

	words := make([]uint64, 128)
	a, b := &words[0], &words[64]

	ok := stm.Atomically(tx, stm.Attr{}, func(tx *stm.Tx) {
		stm.Store(tx, a, 1)
		stm.Store(tx, b, 2)
	})
	require.True(t, ok)

	ok = stm.Atomically(tx, stm.Attr{}, func(tx *stm.Tx) {
		assert.Equal(t, uint64(1), stm.Load(tx, a))
		assert.Equal(t, uint64(2), stm.Load(tx, b))
	})
	require.True(t, ok)
}

func TestDisjointWritersAdvanceClockByTwo(t *testing.T) {
	reinit(t)
	words := make([]uint64, 128)
	a, b := &words[0], &words[64]

	var wg sync.WaitGroup
	for _, job := range []struct {
		addr  *uint64
		value uint64
	}{{a, 1}, {b, 2}} {
		wg.Add(1)
		go func(addr *uint64, value uint64) {
			defer wg.Done()
			tx := stm.InitThread()
			defer stm.ExitThread(tx)
			stm.Atomically(tx, stm.Attr{}, func(tx *stm.Tx) {
				stm.Store(tx, addr, value)
			})
		}(job.addr, job.value)
	}
	wg.Wait()

	assert.Equal(t, uint64(1), *a)
	assert.Equal(t, uint64(2), *b)
	// Two commits, two timestamps, nothing else ticked the clock.
	assert.Equal(t, uint64(2), stm.GetClock())
}

func TestWriteConflictLoserRetries(t *testing.T) {
	reinit(t)
	t1 := stm.InitThread()
	t2 := stm.InitThread()
	defer stm.ExitThread(t1)
	defer stm.ExitThread(t2)

	var w uint64

	stm.Start(t1, stm.Attr{})
	stm.Store(t1, &w, 1)

	// t2 hits the owned stripe and aborts.
	ok := stm.Atomically(t2, stm.Attr{NoRetry: true}, func(t2 *stm.Tx) {
		stm.Store(t2, &w, 2)
	})
	assert.False(t, ok)
	assert.True(t, stm.Aborted(t2))
	assert.NotZero(t, t2.AbortReason()&stm.WWConflict)

	require.True(t, stm.Commit(t1))

	// The retry wins once the owner is gone.
	ok = stm.Atomically(t2, stm.Attr{}, func(t2 *stm.Tx) {
		stm.Store(t2, &w, 2)
	})
	require.True(t, ok)
	assert.Equal(t, uint64(2), w)
}

func TestReadThenExtendSeesNewCommit(t *testing.T) {
	reinit(t)
	t1 := stm.InitThread()
	t2 := stm.InitThread()
	defer stm.ExitThread(t1)
	defer stm.ExitThread(t2)

	words := make([]uint64, 128)
	a, b := &words[0], &words[64]

	stm.Start(t1, stm.Attr{})
	assert.Equal(t, uint64(0), stm.Load(t1, a))

	require.True(t, stm.Atomically(t2, stm.Attr{}, func(t2 *stm.Tx) {
		stm.Store(t2, b, 7)
	}))

	// b carries a version beyond t1's snapshot; t1 extends and reads it.
	assert.Equal(t, uint64(7), stm.Load(t1, b))
	require.True(t, stm.Commit(t1))
}

func TestStaleSnapshotWriteAborts(t *testing.T) {
	reinit(t)
	t1 := stm.InitThread()
	t2 := stm.InitThread()
	defer stm.ExitThread(t1)
	defer stm.ExitThread(t2)

	var w uint64

	stm.Start(t1, stm.Attr{NoRetry: true})
	assert.Equal(t, uint64(0), stm.Load(t1, &w))

	require.True(t, stm.Atomically(t2, stm.Attr{}, func(t2 *stm.Tx) {
		stm.Store(t2, &w, 5)
	}))

	stm.Store(t1, &w, 1)
	assert.True(t, stm.Aborted(t1))
	assert.NotZero(t, t1.AbortReason()&stm.ValWrite)
	assert.Equal(t, uint64(5), w)
}

func TestClockRolloverKeepsData(t *testing.T) {
	stm.Exit()
	conf := config.NewTestConfig()
	conf.MaxVersion = 96
	require.NoError(t, stm.Init(conf))

	words := make([]uint64, 128)
	var wg sync.WaitGroup
	for g := 0; g < 2; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			tx := stm.InitThread()
			defer stm.ExitThread(tx)
			addr := &words[g*64]
			for i := 0; i < 120; i++ {
				stm.Atomically(tx, stm.Attr{}, func(tx *stm.Tx) {
					stm.Store(tx, addr, stm.Load(tx, addr)+1)
				})
			}
		}(g)
	}
	wg.Wait()

	assert.Equal(t, uint64(120), words[0])
	assert.Equal(t, uint64(120), words[64])
	assert.True(t, stm.GetClock() <= conf.MaxVersion+uint64(conf.MaxThreads))
}

func TestWriteThenReadLaw(t *testing.T) {
	reinit(t)
	tx := stm.InitThread()
	defer stm.ExitThread(tx)

	var w uint64 = 0xdead
	require.True(t, stm.Atomically(tx, stm.Attr{}, func(tx *stm.Tx) {
		stm.Store(tx, &w, 0xbeef)
		assert.Equal(t, uint64(0xbeef), stm.Load(tx, &w))
	}))
}

func TestMaskedStoreComposition(t *testing.T) {
	reinit(t)
	tx := stm.InitThread()
	defer stm.ExitThread(tx)

	var w uint64 = 0xf0f0f0f0f0f0f0f0
	require.True(t, stm.Atomically(tx, stm.Attr{}, func(tx *stm.Tx) {
		stm.StoreMasked(tx, &w, 0x0000000011111111, 0x00000000ffffffff)
		stm.StoreMasked(tx, &w, 0x0000220000000000, 0x0000ff0000000000)
	}))
	assert.Equal(t, uint64(0xf0f022f011111111), w)
}

func TestReadOnlyCommitNeverFails(t *testing.T) {
	reinit(t)
	t1 := stm.InitThread()
	t2 := stm.InitThread()
	defer stm.ExitThread(t1)
	defer stm.ExitThread(t2)

	var w uint64
	stm.Start(t1, stm.Attr{ReadOnly: true})
	stm.Load(t1, &w)
	// Another commit elsewhere does not matter: a read-only transaction
	// holds no locks and validates nothing at commit.
	require.True(t, stm.Atomically(t2, stm.Attr{}, func(t2 *stm.Tx) {
		stm.Store(t2, &w, 3)
	}))
	require.True(t, stm.Commit(t1))
}

func TestExplicitAbortRetries(t *testing.T) {
	reinit(t)
	tx := stm.InitThread()
	defer stm.ExitThread(tx)

	var w uint64
	runs := 0
	ok := stm.Atomically(tx, stm.Attr{}, func(tx *stm.Tx) {
		runs++
		stm.Store(tx, &w, uint64(runs))
		if runs == 1 {
			stm.Abort(tx, 0)
		}
	})
	require.True(t, ok)
	assert.Equal(t, 2, runs)
	assert.Equal(t, uint64(2), w)
}

func TestNoRetryLeavesAborted(t *testing.T) {
	reinit(t)
	tx := stm.InitThread()
	defer stm.ExitThread(tx)

	var w uint64
	ok := stm.Atomically(tx, stm.Attr{NoRetry: true}, func(tx *stm.Tx) {
		stm.Store(tx, &w, 1)
		stm.Abort(tx, 0)
		// Control returns here without retry; transactional operations
		// are dead until the next start.
		assert.Equal(t, uint64(0), stm.Load(tx, &w))
	})
	assert.False(t, ok)
	assert.True(t, stm.Aborted(tx))
	assert.NotZero(t, tx.AbortReason()&stm.Explicit)
	assert.Equal(t, uint64(0), w)
}

func TestConcurrentTransfersConserveTotal(t *testing.T) {
	reinit(t)

	const (
		accounts = 64
		workers  = 4
		rounds   = 300
		balance  = 100
	)
	bank := make([]uint64, accounts*64)
	acct := func(i int) *uint64 { return &bank[i*64] }
	for i := 0; i < accounts; i++ {
		*acct(i) = balance
	}

	var wg sync.WaitGroup
	for wkr := 0; wkr < workers; wkr++ {
		wg.Add(1)
		go func(wkr int) {
			defer wg.Done()
			tx := stm.InitThread()
			defer stm.ExitThread(tx)
			for i := 0; i < rounds; i++ {
				src := (wkr + i) % accounts
				dst := (wkr*7 + i*3 + 1) % accounts
				if dst == src {
					dst = (dst + 1) % accounts
				}
				stm.Atomically(tx, stm.Attr{}, func(tx *stm.Tx) {
					from := stm.Load(tx, acct(src))
					to := stm.Load(tx, acct(dst))
					stm.Store(tx, acct(src), from-1)
					stm.Store(tx, acct(dst), to+1)
				})
			}
		}(wkr)
	}

	// A reader races the transfers: opacity means every snapshot it
	// observes conserves the total.
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		tx := stm.InitThread()
		defer stm.ExitThread(tx)
		for i := 0; i < 100; i++ {
			var sum uint64
			ok := stm.Atomically(tx, stm.Attr{}, func(tx *stm.Tx) {
				sum = 0
				for i := 0; i < accounts; i++ {
					sum += stm.Load(tx, acct(i))
				}
			})
			if ok {
				assert.Equal(t, uint64(accounts*balance), sum)
			}
		}
	}()

	wg.Wait()
	<-readerDone

	var total uint64
	for i := 0; i < accounts; i++ {
		total += *acct(i)
	}
	assert.Equal(t, uint64(accounts*balance), total)
}

func TestGetParameterAndStatsNames(t *testing.T) {
	reinit(t)
	tx := stm.InitThread()
	defer stm.ExitThread(tx)

	design, found := stm.GetParameter("design")
	require.True(t, found)
	assert.Equal(t, "WRITE-BACK (ETL)", design)
	cm, found := stm.GetParameter("contention_manager")
	require.True(t, found)
	assert.Equal(t, "SUICIDE", cm)
	size, found := stm.GetParameter("initial_rw_set_size")
	require.True(t, found)
	assert.Equal(t, config.NewTestConfig().InitialRWSetSize, size)

	require.True(t, stm.Atomically(tx, stm.Attr{}, func(tx *stm.Tx) {}))
	for _, name := range []string{
		"read_set_size", "write_set_size",
		"read_set_nb_entries", "write_set_nb_entries", "read_only",
	} {
		_, found := stm.GetStats(tx, name)
		assert.True(t, found, name)
	}
}

func TestStatusAndEnvQueries(t *testing.T) {
	reinit(t)
	tx := stm.InitThread()
	defer stm.ExitThread(tx)

	assert.False(t, stm.Active(tx))
	assert.False(t, stm.Killed(tx))
	assert.False(t, stm.IsIrrevocable(tx))
	assert.NotNil(t, stm.GetEnv(tx))

	env := stm.Start(tx, stm.Attr{ReadOnly: true})
	assert.NotNil(t, env)
	assert.True(t, stm.Active(tx))
	assert.Nil(t, stm.GetEnv(tx))
	assert.True(t, stm.GetAttributes(tx).ReadOnly)
	require.True(t, stm.Commit(tx))
}

func TestReadOnlySnapshotScan(t *testing.T) {
	reinit(t)
	tx := stm.InitThread()
	defer stm.ExitThread(tx)

	words := make([]uint64, 256)
	require.True(t, stm.Atomically(tx, stm.Attr{}, func(tx *stm.Tx) {
		for i := 0; i < 4; i++ {
			stm.Store(tx, &words[i*64], uint64(i+1))
		}
	}))
	var sum uint64
	require.True(t, stm.Atomically(tx, stm.Attr{ReadOnly: true}, func(tx *stm.Tx) {
		sum = 0
		for i := 0; i < 4; i++ {
			sum += stm.Load(tx, &words[i*64])
		}
	}))
	assert.Equal(t, uint64(10), sum)
}
